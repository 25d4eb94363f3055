package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesStarterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	var out bytes.Buffer
	if err := doInitConfig(&out, path, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Created: "+path) {
		t.Fatalf("output = %q", out.String())
	}

	out.Reset()
	if err := checkConfig(&out, path); err != nil {
		t.Fatalf("starter config does not validate: %v\n%s", err, out.String())
	}
	for _, want := range []string{"providers: 1", "combos: 1", "default -> openai/gpt-4o-mini", "ok\n"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("check output missing %q:\n%s", want, out.String())
		}
	}
}

func TestInitKeepsExistingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := doInitConfig(&out, path, false); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "server:\n  port: 1\n" {
		t.Fatal("existing config overwritten without --force")
	}
	if err := doInitConfig(&out, path, true); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != starterConfig {
		t.Fatal("--force did not overwrite")
	}
}

func TestCheckConfigReportsInvalidProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := `providers:
  - type: openai
    api-key: sk-1
  - type: openai-compatible
    id: local
    api-key: x
`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := checkConfig(&out, path)
	if err == nil {
		t.Fatal("expected an error for a provider without base-url")
	}
	if !strings.Contains(out.String(), "providers: 1") || !strings.Contains(out.String(), "base-url") {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestCheckConfigMissingFile(t *testing.T) {
	if err := checkConfig(&bytes.Buffer{}, filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
