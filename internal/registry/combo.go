package registry

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
)

// MaxComboDepth bounds nested combo expansion.
const MaxComboDepth = 3

// Candidate is one target of an expanded combo.
type Candidate struct {
	Target
	Weight int
	// Combo is the innermost combo that contributed this candidate.
	Combo string
}

type useCounter struct {
	inflight atomic.Int64
	served   atomic.Int64
}

// Candidates expands combo into ordered targets. Nested combos are expanded
// in place with their own strategy, up to MaxComboDepth levels; cycles and
// unresolvable entries are skipped. A combo with no resolvable candidate is
// a client error.
func (r *Registry) Candidates(combo *config.Combo) ([]Candidate, error) {
	s := r.snapshot()
	out := r.expand(s, combo, 0, map[string]bool{})
	if len(out) == 0 {
		return nil, &ResolveError{Model: combo.Name, Message: fmt.Sprintf("combo %q has no resolvable models", combo.Name)}
	}
	return dedupe(out), nil
}

func (r *Registry) expand(s *registryState, combo *config.Combo, depth int, path map[string]bool) []Candidate {
	if depth > MaxComboDepth {
		log.WithField("combo", combo.Name).Warn("combo nesting too deep, skipping")
		return nil
	}
	if path[combo.Name] {
		log.WithField("combo", combo.Name).Warn("combo cycle detected, skipping")
		return nil
	}
	path[combo.Name] = true
	defer delete(path, combo.Name)

	type entry struct {
		cands  []Candidate
		weight int
		cost   float64
	}
	entries := make([]entry, 0, len(combo.Models))
	for _, m := range combo.Models {
		weight := max(m.Weight, 1)
		if nested, ok := s.combos[m.Model]; ok {
			sub := r.expand(s, nested, depth+1, path)
			if len(sub) > 0 {
				entries = append(entries, entry{cands: sub, weight: weight, cost: minCost(sub)})
			}
			continue
		}
		t, err := s.resolveTarget(m.Model, 0)
		if err != nil {
			log.WithFields(log.Fields{"combo": combo.Name, "model": m.Model}).WithError(err).Warn("combo model unresolvable, skipping")
			continue
		}
		if m.Cost > 0 {
			t.Cost = m.Cost
		}
		entries = append(entries, entry{
			cands:  []Candidate{{Target: t, Weight: weight, Combo: combo.Name}},
			weight: weight,
			cost:   t.Cost,
		})
	}

	idx := make([]int, len(entries))
	for i := range idx {
		idx[i] = i
	}
	switch combo.Strategy {
	case config.StrategyRoundRobin:
		if n := len(idx); n > 0 {
			start := int(r.counter(combo.Name).Add(1)-1) % n
			idx = append(slices.Clone(idx[start:]), idx[:start]...)
		}
	case config.StrategyRandom:
		rand.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	case config.StrategyWeighted:
		weights := make([]int, len(entries))
		for i, e := range entries {
			weights[i] = e.weight
		}
		idx = weightedOrder(weights)
	case config.StrategyCostOptimized:
		slices.SortStableFunc(idx, func(a, b int) int {
			return cmp.Compare(entries[a].cost, entries[b].cost)
		})
	case config.StrategyLeastUsed:
		loads := make([][2]int64, len(entries))
		for i, e := range entries {
			loads[i] = r.load(e.cands[0].Combo, e.cands[0].Target)
		}
		slices.SortStableFunc(idx, func(a, b int) int {
			if c := cmp.Compare(loads[a][0], loads[b][0]); c != 0 {
				return c
			}
			return cmp.Compare(loads[a][1], loads[b][1])
		})
	}

	var out []Candidate
	for _, i := range idx {
		out = append(out, entries[i].cands...)
	}
	return out
}

// weightedOrder draws indexes by weight without replacement.
func weightedOrder(weights []int) []int {
	remaining := make([]int, len(weights))
	for i := range remaining {
		remaining[i] = i
	}
	order := make([]int, 0, len(weights))
	for len(remaining) > 0 {
		total := 0
		for _, i := range remaining {
			total += weights[i]
		}
		pick := rand.IntN(total)
		for k, i := range remaining {
			pick -= weights[i]
			if pick < 0 {
				order = append(order, i)
				remaining = append(remaining[:k], remaining[k+1:]...)
				break
			}
		}
	}
	return order
}

func minCost(cands []Candidate) float64 {
	best := cands[0].Cost
	for _, c := range cands[1:] {
		best = min(best, c.Cost)
	}
	return best
}

func dedupe(cands []Candidate) []Candidate {
	seen := make(map[string]bool, len(cands))
	out := cands[:0]
	for _, c := range cands {
		key := c.Target.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func (r *Registry) counter(combo string) *atomic.Uint64 {
	v, _ := r.counters.LoadOrStore(combo, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (r *Registry) useCounter(combo string, t Target) *useCounter {
	v, _ := r.usage.LoadOrStore(combo+"|"+t.String(), new(useCounter))
	return v.(*useCounter)
}

func (r *Registry) load(combo string, t Target) [2]int64 {
	u := r.useCounter(combo, t)
	return [2]int64{u.inflight.Load(), u.served.Load()}
}

// TrackUse records a dispatch to t on behalf of combo for least-used
// ordering. The returned func must be called when the attempt ends.
func (r *Registry) TrackUse(combo string, t Target) (done func()) {
	u := r.useCounter(combo, t)
	u.inflight.Add(1)
	u.served.Add(1)
	return func() { u.inflight.Add(-1) }
}
