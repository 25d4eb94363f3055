package executor

import (
	"sync/atomic"

	"github.com/nghyane/omnigate/internal/config"
	"github.com/nghyane/omnigate/internal/resilience"
)

// Set maps provider ids to executors and is swapped whole on reload.
type Set struct {
	retry resilience.RetryConfig
	m     atomic.Pointer[map[string]Executor]
}

func NewSet(providers []config.Provider, retry resilience.RetryConfig) (*Set, []error) {
	s := &Set{retry: retry}
	errs := s.Reload(providers)
	return s, errs
}

// Reload rebuilds every executor. Providers that fail to build are skipped
// and reported.
func (s *Set) Reload(providers []config.Provider) []error {
	next := make(map[string]Executor, len(providers))
	var errs []error
	for i := range providers {
		p := &providers[i]
		if !p.IsEnabled() {
			continue
		}
		ex, err := New(p, s.retry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next[p.ID] = ex
	}
	s.m.Store(&next)
	return errs
}

func (s *Set) Get(providerID string) (Executor, bool) {
	m := s.m.Load()
	if m == nil {
		return nil, false
	}
	ex, ok := (*m)[providerID]
	return ex, ok
}
