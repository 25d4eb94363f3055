package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/nghyane/omnigate/internal/config"
	"github.com/nghyane/omnigate/internal/translator"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: []config.Provider{
			{Type: config.ProviderTypeOpenAI, ID: "openai", Prefix: "oa", Models: []config.ProviderModel{
				{Name: "gpt-4o", Cost: 0.00001},
				{Name: "shared"},
			}},
			{Type: config.ProviderTypeClaude, ID: "claude", Prefix: "cc", Models: []config.ProviderModel{
				{Name: "claude-sonnet-4", Alias: "sonnet", Cost: 0.000003},
				{Name: "shared"},
			}},
			{Type: config.ProviderTypeAntigravity, ID: "antigravity", Prefix: "ag", Models: []config.ProviderModel{
				{Name: "gemini-3-pro", Cost: 0.000001},
			}},
		},
		Aliases: map[string]string{
			"best": "cc/claude-sonnet-4",
			"loop": "loop2",
		},
		Combos: []config.Combo{
			{Name: "main", Strategy: config.StrategyPriority, Models: []config.ComboModel{
				{Model: "openai/gpt-4o"}, {Model: "sonnet"}, {Model: "ag/gemini-3-pro"},
			}},
			{Name: "cheap", Strategy: config.StrategyCostOptimized, Models: []config.ComboModel{
				{Model: "openai/gpt-4o"}, {Model: "sonnet"}, {Model: "ag/gemini-3-pro"},
			}},
			{Name: "rr", Strategy: config.StrategyRoundRobin, Models: []config.ComboModel{
				{Model: "openai/gpt-4o"}, {Model: "sonnet"},
			}},
			{Name: "outer", Strategy: config.StrategyPriority, Models: []config.ComboModel{
				{Model: "ag/gemini-3-pro"}, {Model: "main"}, {Model: "nope/unknown-model-x"},
			}},
			{Name: "cycle-a", Models: []config.ComboModel{{Model: "cycle-b"}, {Model: "openai/gpt-4o"}}},
			{Name: "cycle-b", Models: []config.ComboModel{{Model: "cycle-a"}}},
			{Name: "empty", Models: []config.ComboModel{{Model: "missing-model"}}},
		},
	}
}

func TestResolve(t *testing.T) {
	r := New(testConfig())
	tests := []struct {
		in       string
		provider string
		model    string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"oa/gpt-4o", "openai", "gpt-4o"},
		{"cc/sonnet", "claude", "claude-sonnet-4"},
		{"best", "claude", "claude-sonnet-4"},
		{"sonnet", "claude", "claude-sonnet-4"},
		{"gemini-3-pro", "antigravity", "gemini-3-pro"},
		{"openai/unlisted-model", "openai", "unlisted-model"},
	}
	for _, tt := range tests {
		res, err := r.Resolve(tt.in)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.in, err)
			continue
		}
		if res.Target == nil || res.Target.Provider != tt.provider || res.Target.Model != tt.model {
			t.Errorf("Resolve(%q) = %+v, want %s/%s", tt.in, res.Target, tt.provider, tt.model)
		}
	}
}

func TestResolveAmbiguous(t *testing.T) {
	r := New(testConfig())
	_, err := r.Resolve("shared")
	var re *ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResolveError, got %v", err)
	}
	if re.StatusCode() != 400 {
		t.Errorf("status = %d", re.StatusCode())
	}
	if !strings.Contains(err.Error(), "ambiguous model") || !strings.Contains(err.Error(), "candidates: claude/shared, openai/shared") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestResolveUnknownAndAliasLoop(t *testing.T) {
	r := New(testConfig())
	if _, err := r.Resolve("does-not-exist"); err == nil {
		t.Error("expected unknown model error")
	}
	if _, err := r.Resolve("loop"); err == nil {
		t.Error("expected error for alias to unknown model")
	}
	if _, err := r.Resolve(""); err == nil {
		t.Error("expected missing model error")
	}
}

func TestResolveCombo(t *testing.T) {
	r := New(testConfig())
	res, err := r.Resolve("main")
	if err != nil || res.Combo == nil || res.Combo.Name != "main" {
		t.Fatalf("Resolve(main) = %+v, %v", res, err)
	}
}

func candidateNames(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Target.String()
	}
	return out
}

func TestComboPriorityAndCost(t *testing.T) {
	r := New(testConfig())
	combo, _ := r.Combo("main")
	cands, err := r.Candidates(combo)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(candidateNames(cands), ",")
	if got != "openai/gpt-4o,claude/claude-sonnet-4,antigravity/gemini-3-pro" {
		t.Errorf("priority order = %s", got)
	}

	combo, _ = r.Combo("cheap")
	cands, _ = r.Candidates(combo)
	got = strings.Join(candidateNames(cands), ",")
	if got != "antigravity/gemini-3-pro,claude/claude-sonnet-4,openai/gpt-4o" {
		t.Errorf("cost order = %s", got)
	}
}

func TestComboRoundRobinRotates(t *testing.T) {
	r := New(testConfig())
	combo, _ := r.Combo("rr")
	first, _ := r.Candidates(combo)
	second, _ := r.Candidates(combo)
	third, _ := r.Candidates(combo)
	if first[0].Target == second[0].Target {
		t.Errorf("round robin did not rotate: %v then %v", candidateNames(first), candidateNames(second))
	}
	if first[0].Target != third[0].Target {
		t.Errorf("round robin period should be 2")
	}
}

func TestComboLeastUsed(t *testing.T) {
	cfg := testConfig()
	cfg.Combos = append(cfg.Combos, config.Combo{Name: "lu", Strategy: config.StrategyLeastUsed, Models: []config.ComboModel{
		{Model: "openai/gpt-4o"}, {Model: "sonnet"},
	}})
	r := New(cfg)
	combo, _ := r.Combo("lu")
	cands, _ := r.Candidates(combo)
	done := r.TrackUse("lu", cands[0].Target)
	defer done()

	next, _ := r.Candidates(combo)
	if next[0].Target == cands[0].Target {
		t.Errorf("busy candidate should sort last: %v", candidateNames(next))
	}
}

func TestComboWeightedCoversAll(t *testing.T) {
	order := weightedOrder([]int{1, 100, 5})
	if len(order) != 3 {
		t.Fatalf("order = %v", order)
	}
	seen := map[int]bool{}
	for _, i := range order {
		seen[i] = true
	}
	if len(seen) != 3 {
		t.Errorf("weighted order repeats: %v", order)
	}
}

func TestComboNestedAndCycles(t *testing.T) {
	r := New(testConfig())
	combo, _ := r.Combo("outer")
	cands, err := r.Candidates(combo)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(candidateNames(cands), ",")
	if got != "antigravity/gemini-3-pro,openai/gpt-4o,claude/claude-sonnet-4" {
		t.Errorf("nested order = %s", got)
	}

	combo, _ = r.Combo("cycle-a")
	cands, err = r.Candidates(combo)
	if err != nil || len(cands) != 1 {
		t.Errorf("cycle expansion = %v, %v", candidateNames(cands), err)
	}

	combo, _ = r.Combo("empty")
	if _, err := r.Candidates(combo); err == nil {
		t.Error("combo without resolvable models must fail")
	}
}

func TestUpdatePurgesCache(t *testing.T) {
	cfg := testConfig()
	r := New(cfg)
	if _, err := r.Resolve("best"); err != nil {
		t.Fatal(err)
	}
	cfg2 := testConfig()
	cfg2.Aliases["best"] = "openai/gpt-4o"
	r.Update(cfg2)
	res, err := r.Resolve("best")
	if err != nil || res.Target.Provider != "openai" {
		t.Errorf("stale resolution after update: %+v %v", res.Target, err)
	}
}

func TestTargetFormat(t *testing.T) {
	if TargetFormat(config.ProviderTypeAntigravity) != translator.FormatAntigravity {
		t.Error("antigravity format")
	}
	if TargetFormat(config.ProviderTypeLiteLLM) != translator.FormatOpenAI {
		t.Error("litellm speaks openai")
	}
	if TargetFormat(config.ProviderTypeAnthropicCompatible) != translator.FormatClaude {
		t.Error("anthropic-compatible speaks claude")
	}
}

func TestModelsListing(t *testing.T) {
	r := New(testConfig())
	ids := map[string]bool{}
	for _, m := range r.Models() {
		ids[m.ID] = true
	}
	for _, want := range []string{"openai/gpt-4o", "oa/gpt-4o", "sonnet", "best", "main"} {
		if !ids[want] {
			t.Errorf("missing %s", want)
		}
	}
	if ids["shared"] {
		t.Error("ambiguous bare name must not be listed")
	}
}
