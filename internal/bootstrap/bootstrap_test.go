package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nghyane/omnigate/internal/config"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("OMNIGATE_HOST", "127.0.0.1")
	t.Setenv("OMNIGATE_PORT", "9000")
	t.Setenv("OMNIGATE_LOG_LEVEL", "debug")
	t.Setenv("OMNIGATE_REQUIRE_API_KEY", "true")
	t.Setenv("OMNIGATE_API_KEYS", " sk-a , ,sk-b ")
	t.Setenv("OMNIGATE_USAGE_DSN", "sqlite:///tmp/u.db")
	t.Setenv("OMNIGATE_USAGE_RETENTION_DAYS", "7")
	t.Setenv("OMNIGATE_OTLP_ENDPOINT", "http://collector:4318")

	cfg := config.Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Fatalf("listen = %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if !cfg.Auth.RequireAPIKey {
		t.Fatal("require-api-key not applied")
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[0].Key != "sk-a" || cfg.Auth.APIKeys[1].Key != "sk-b" {
		t.Fatalf("api keys = %+v", cfg.Auth.APIKeys)
	}
	if cfg.Usage.DSN != "sqlite:///tmp/u.db" || cfg.Usage.RetentionDays != 7 {
		t.Fatalf("usage = %+v", cfg.Usage)
	}
	if cfg.Telemetry.OTLPEndpoint != "http://collector:4318" {
		t.Fatalf("otlp = %q", cfg.Telemetry.OTLPEndpoint)
	}
}

func TestApplyEnvOverridesIgnoresInvalid(t *testing.T) {
	t.Setenv("OMNIGATE_PORT", "not-a-port")
	t.Setenv("OMNIGATE_REQUIRE_API_KEY", "maybe")
	t.Setenv("OMNIGATE_HOST", "   ")

	cfg := config.Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Server.Port != 20128 || cfg.Auth.RequireAPIKey || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("invalid values applied: %+v %+v", cfg.Server, cfg.Auth)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("OMNIGATE_CONFIG", "")
	got, err := ResolveConfigPath("/etc/omnigate.yaml")
	if err != nil || got != "/etc/omnigate.yaml" {
		t.Fatalf("explicit = %q, %v", got, err)
	}

	t.Setenv("OMNIGATE_CONFIG", "/srv/gw.jsonc")
	if got, _ := ResolveConfigPath(""); got != "/srv/gw.jsonc" {
		t.Fatalf("env = %q", got)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got, _ := ResolveConfigPath("~/gw.yaml"); got != filepath.Join(home, "gw.yaml") {
		t.Fatalf("home = %q", got)
	}
}

func TestBootstrapMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OMNIGATE_PORT", "")
	path := filepath.Join(t.TempDir(), "absent.yaml")
	res, err := Bootstrap(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.ConfigFilePath != path {
		t.Fatalf("path = %q", res.ConfigFilePath)
	}
	if res.Config.Server.Port != 20128 || len(res.Config.Providers) != 0 {
		t.Fatalf("config = %+v", res.Config.Server)
	}
}

func TestNewAppAppliesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := `providers:
  - type: openai
    api-key: sk-1
    models:
      - name: gpt-4o-mini
`
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatal(err)
	}
	res, err := Bootstrap(path)
	if err != nil {
		t.Fatal(err)
	}
	app, err := NewApp(context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()

	if _, err := app.Registry.Resolve("fast"); err == nil {
		t.Fatal("combo should not exist yet")
	}
	if _, ok := app.Executors.Get("openai"); !ok {
		t.Fatal("openai executor missing")
	}

	next, err := config.Parse([]byte(initial+`combos:
  - name: fast
    models: [openai/gpt-4o-mini]
`), ".yaml")
	if err != nil {
		t.Fatal(err)
	}
	app.apply(next)

	r, err := app.Registry.Resolve("fast")
	if err != nil || r.Combo == nil {
		t.Fatalf("resolve after reload = %+v, %v", r, err)
	}
	if app.Manager.Pool("openai") == nil {
		t.Fatal("pool missing after reload")
	}
}
