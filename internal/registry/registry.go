package registry

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nghyane/omnigate/internal/config"
	"github.com/nghyane/omnigate/internal/translator"
)

const (
	resolveCacheSize = 1024
	maxAliasHops     = 4
)

// Target is one concrete provider/model pair.
type Target struct {
	Provider string
	Type     config.ProviderType
	Model    string
	Cost     float64
}

func (t Target) String() string { return t.Provider + "/" + t.Model }

// Format is the wire format the target's upstream speaks.
func (t Target) Format() translator.Format {
	return TargetFormat(t.Type)
}

// Resolution is either a single target or a combo.
type Resolution struct {
	Target *Target
	Combo  *config.Combo
}

// ResolveError is a client-side model resolution failure.
type ResolveError struct {
	Model      string
	Message    string
	Candidates []string
}

func (e *ResolveError) Error() string   { return e.Message }
func (e *ResolveError) StatusCode() int { return http.StatusBadRequest }

// registryState is an immutable snapshot built from one config.
type registryState struct {
	providers map[string]*config.Provider // id and prefix -> provider
	order     []*config.Provider
	aliases   map[string]string
	combos    map[string]*config.Combo
	bare      map[string][]Target // model name or model alias -> targets
}

func newRegistryState(cfg *config.Config) *registryState {
	s := &registryState{
		providers: make(map[string]*config.Provider),
		aliases:   make(map[string]string, len(cfg.Aliases)),
		combos:    make(map[string]*config.Combo, len(cfg.Combos)),
		bare:      make(map[string][]Target),
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if !p.IsEnabled() {
			continue
		}
		s.order = append(s.order, p)
		s.providers[p.ID] = p
		if p.Prefix != "" {
			if _, taken := s.providers[p.Prefix]; !taken {
				s.providers[p.Prefix] = p
			}
		}
		for _, m := range p.Models {
			t := Target{Provider: p.ID, Type: p.Type, Model: m.Name, Cost: m.Cost}
			s.bare[m.Name] = appendTarget(s.bare[m.Name], t)
			if m.Alias != "" && m.Alias != m.Name {
				s.bare[m.Alias] = appendTarget(s.bare[m.Alias], t)
			}
		}
	}
	for k, v := range cfg.Aliases {
		s.aliases[k] = v
	}
	for i := range cfg.Combos {
		c := &cfg.Combos[i]
		s.combos[c.Name] = c
	}
	return s
}

func appendTarget(list []Target, t Target) []Target {
	for _, existing := range list {
		if existing.Provider == t.Provider && existing.Model == t.Model {
			return list
		}
	}
	return append(list, t)
}

// Registry resolves requested model strings. Reads work on an immutable
// snapshot swapped atomically on reload.
type Registry struct {
	state    atomic.Pointer[registryState]
	writerMu sync.Mutex
	cache    *lru.Cache[string, Resolution]

	counters sync.Map // combo name -> *atomic.Uint64
	usage    sync.Map // combo|target -> *useCounter
}

func New(cfg *config.Config) *Registry {
	cache, err := lru.New[string, Resolution](resolveCacheSize)
	if err != nil {
		panic(err)
	}
	r := &Registry{cache: cache}
	r.Update(cfg)
	return r
}

// Update swaps in a snapshot of cfg and drops cached resolutions.
func (r *Registry) Update(cfg *config.Config) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()
	r.state.Store(newRegistryState(cfg))
	r.cache.Purge()
}

func (r *Registry) snapshot() *registryState { return r.state.Load() }

// Provider returns the provider with the given id or prefix.
func (r *Registry) Provider(id string) (*config.Provider, bool) {
	p, ok := r.snapshot().providers[id]
	return p, ok
}

func (r *Registry) Combo(name string) (*config.Combo, bool) {
	c, ok := r.snapshot().combos[name]
	return c, ok
}

// Resolve maps a requested model string to a target or a combo. Lookup
// order: combo name, provider/model, alias, then a bare model name known to
// exactly one provider.
func (r *Registry) Resolve(name string) (Resolution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Resolution{}, &ResolveError{Message: "Missing model"}
	}
	if res, ok := r.cache.Get(name); ok {
		return res, nil
	}
	s := r.snapshot()
	if c, ok := s.combos[name]; ok {
		res := Resolution{Combo: c}
		r.cache.Add(name, res)
		return res, nil
	}
	t, err := s.resolveTarget(name, 0)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{Target: &t}
	r.cache.Add(name, res)
	return res, nil
}

// ResolveTarget resolves name without considering combos.
func (r *Registry) ResolveTarget(name string) (Target, error) {
	return r.snapshot().resolveTarget(strings.TrimSpace(name), 0)
}

func (s *registryState) resolveTarget(name string, hops int) (Target, error) {
	if provider, model, ok := strings.Cut(name, "/"); ok && model != "" {
		if p, found := s.providers[strings.ToLower(provider)]; found {
			return targetFor(p, model), nil
		}
	}
	if to, ok := s.aliases[name]; ok {
		if hops >= maxAliasHops {
			return Target{}, &ResolveError{Model: name, Message: fmt.Sprintf("alias %q resolves too deeply", name)}
		}
		return s.resolveTarget(to, hops+1)
	}
	switch targets := s.bare[name]; len(targets) {
	case 0:
	case 1:
		return targets[0], nil
	default:
		names := make([]string, len(targets))
		for i, t := range targets {
			names[i] = t.String()
		}
		slices.Sort(names)
		return Target{}, &ResolveError{
			Model:      name,
			Candidates: names,
			Message:    fmt.Sprintf("ambiguous model %q: use a provider/model prefix, candidates: %s", name, strings.Join(names, ", ")),
		}
	}
	// A single configured provider without a model list takes any bare name.
	if len(s.order) == 1 && len(s.order[0].Models) == 0 {
		return targetFor(s.order[0], name), nil
	}
	return Target{}, &ResolveError{Model: name, Message: fmt.Sprintf("Unknown model: %s", name)}
}

func targetFor(p *config.Provider, model string) Target {
	t := Target{Provider: p.ID, Type: p.Type, Model: model}
	if m, ok := p.HasModel(model); ok {
		t.Model = m.Name
		t.Cost = m.Cost
	}
	return t
}

// TargetFormat maps a provider type to the wire format of its upstream.
func TargetFormat(t config.ProviderType) translator.Format {
	switch t {
	case config.ProviderTypeClaude, config.ProviderTypeAnthropicCompatible:
		return translator.FormatClaude
	case config.ProviderTypeGemini:
		return translator.FormatGemini
	case config.ProviderTypeGeminiCLI:
		return translator.FormatGeminiCLI
	case config.ProviderTypeAntigravity:
		return translator.FormatAntigravity
	case config.ProviderTypeOpenAIResponses:
		return translator.FormatOpenAIResponses
	}
	return translator.FormatOpenAI
}
