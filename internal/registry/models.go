package registry

import (
	"sort"
	"time"
)

// ModelInfo is one entry of the /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Type    string `json:"type,omitempty"`
}

var startedAt = time.Now().Unix()

// Models lists every provider/model pair, bare aliases, and combos. Bare
// names shared by several providers are omitted since they cannot resolve.
func (r *Registry) Models() []ModelInfo {
	s := r.snapshot()
	seen := make(map[string]bool)
	var out []ModelInfo
	add := func(id, owner, typ string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, ModelInfo{ID: id, Object: "model", Created: startedAt, OwnedBy: owner, Type: typ})
	}

	for _, p := range s.order {
		for _, m := range p.Models {
			add(p.ID+"/"+m.Name, p.ID, string(p.Type))
			if p.Prefix != "" {
				add(p.Prefix+"/"+m.Name, p.ID, string(p.Type))
			}
		}
	}
	for name, targets := range s.bare {
		if len(targets) == 1 {
			add(name, targets[0].Provider, string(targets[0].Type))
		}
	}
	for alias := range s.aliases {
		if t, err := s.resolveTarget(alias, 0); err == nil {
			add(alias, t.Provider, string(t.Type))
		}
	}
	for name := range s.combos {
		add(name, "combo", "combo")
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
