package config

import (
	"errors"
	"testing"
	"time"
)

func TestParseYAML(t *testing.T) {
	doc := `
server:
  port: 9000
providers:
  - type: openai
    api-key: sk-one
    models:
      - name: gpt-4o
        cost: 0.000002
  - type: antigravity
    id: ag
    oauth:
      - access-token: tok
        project-id: bright-wave-1234a
  - type: gemini-cli
combos:
  - name: fast
    strategy: weighted
    models:
      - openai/gpt-4o
      - model: ag/gemini-3-pro
        weight: 3
resilience:
  breaker-reset: 45s
`
	cfg, err := Parse([]byte(doc), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.BodyLimit != 10<<20 {
		t.Errorf("body limit default = %d", cfg.Server.BodyLimit)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2 (gemini-cli without oauth dropped)", len(cfg.Providers))
	}
	if len(cfg.ProviderErrors()) != 1 {
		t.Errorf("provider errors = %v", cfg.ProviderErrors())
	}
	var verr *ProviderValidationError
	if !errors.As(cfg.ProviderErrors()[0], &verr) || verr.Field != "oauth" {
		t.Errorf("unexpected validation error %v", cfg.ProviderErrors()[0])
	}
	if cfg.Resilience.BreakerReset != 45*time.Second {
		t.Errorf("breaker reset = %v", cfg.Resilience.BreakerReset)
	}
	combo := cfg.Combo("fast")
	if combo == nil || len(combo.Models) != 2 {
		t.Fatalf("combo not parsed: %+v", combo)
	}
	if combo.Models[0].Model != "openai/gpt-4o" || combo.Models[1].Weight != 3 {
		t.Errorf("combo models = %+v", combo.Models)
	}
	if p, ok := cfg.Provider("ag"); !ok || p.Type != ProviderTypeAntigravity {
		t.Errorf("provider lookup by id failed")
	}
}

func TestParseCompatibleTypes(t *testing.T) {
	doc := `
providers:
  - type: openai-compatible
    id: local
    base-url: http://localhost:8000/v1
    api-key: sk-local
  - type: anthropic-compatible
    id: relay
    base-url: https://relay.example.com
    api-key: sk-relay
  - type: openai-responses
    id: resp
    api-key: sk-resp
  - type: anthropic-compatible
    id: nobase
`
	cfg, err := Parse([]byte(doc), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]ProviderType{
		"local": ProviderTypeOpenAICompatible,
		"relay": ProviderTypeAnthropicCompatible,
		"resp":  ProviderTypeOpenAIResponses,
	}
	for id, typ := range want {
		if p, ok := cfg.Provider(id); !ok || p.Type != typ {
			t.Errorf("provider %s: got %+v", id, p)
		}
	}
	var verr *ProviderValidationError
	if errs := cfg.ProviderErrors(); len(errs) != 1 || !errors.As(errs[0], &verr) || verr.Field != "base-url" {
		t.Errorf("provider errors = %v", errs)
	}
}

func TestParseJSONC(t *testing.T) {
	doc := `{
  // comment
  "providers": [
    {"type": "claude", "api-keys": [{"key": "a"}, {"key": " "}],},
  ],
}`
	cfg, err := Parse([]byte(doc), ".jsonc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Providers) != 1 || len(cfg.Providers[0].APIKeys) != 1 {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
}

func TestComboValidation(t *testing.T) {
	_, err := Parse([]byte("combos:\n  - name: x\n    strategy: fastest\n    models: [a/b]\n"), ".yaml")
	if err == nil {
		t.Fatal("expected unknown strategy error")
	}
	_, err = Parse([]byte("combos:\n  - name: x\n    models: []\n"), ".yaml")
	if err == nil {
		t.Fatal("expected empty combo error")
	}
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		in      string
		backend string
		wantErr bool
	}{
		{"", "", false},
		{"sqlite:///tmp/usage.db", "sqlite", false},
		{"postgres://u:p@localhost/db", "postgres", false},
		{"mysql://x", "", true},
		{"sqlite://", "", true},
	}
	for _, tt := range tests {
		d, err := ParseDSN(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDSN(%q) err = %v", tt.in, err)
			continue
		}
		if tt.backend == "" {
			if d != nil && !tt.wantErr {
				t.Errorf("ParseDSN(%q) = %+v, want nil", tt.in, d)
			}
			continue
		}
		if d.Backend != tt.backend {
			t.Errorf("ParseDSN(%q).Backend = %s", tt.in, d.Backend)
		}
	}
}

func TestAPIKeyID(t *testing.T) {
	if got := (APIKey{Key: "sk-abcdefghijkl"}).ID(); got != "key-ghijkl" {
		t.Errorf("ID = %s", got)
	}
	if got := (APIKey{Key: "x", Name: "ci"}).ID(); got != "ci" {
		t.Errorf("ID = %s", got)
	}
}
