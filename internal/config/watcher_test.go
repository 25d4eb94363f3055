package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w := NewWatcher(path, Defaults())

	var changed *Config
	var failures int
	w.Prepare = func(c *Config) { c.Server.Host = "prepared" }
	w.OnChange = func(c *Config) { changed = c }
	w.OnError = func(error) { failures++ }

	if err := os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	w.reload()
	if changed == nil || changed != w.Current() {
		t.Fatal("OnChange not called with the published config")
	}
	if w.Current().Server.Port != 9100 || w.Current().Server.Host != "prepared" {
		t.Fatalf("server = %+v", w.Current().Server)
	}

	if err := os.WriteFile(path, []byte("server: [not, a, map"), 0o600); err != nil {
		t.Fatal(err)
	}
	w.reload()
	if failures != 1 {
		t.Fatalf("failures = %d", failures)
	}
	if w.Current() != changed {
		t.Fatal("a broken file replaced the previous config")
	}
}
