package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ComboStrategy orders combo candidates for one request.
type ComboStrategy string

const (
	StrategyPriority      ComboStrategy = "priority"
	StrategyWeighted      ComboStrategy = "weighted"
	StrategyRoundRobin    ComboStrategy = "round-robin"
	StrategyRandom        ComboStrategy = "random"
	StrategyLeastUsed     ComboStrategy = "least-used"
	StrategyCostOptimized ComboStrategy = "cost-optimized"
)

// Combo is a named set of candidate model strings.
type Combo struct {
	Name     string        `yaml:"name" json:"name"`
	Strategy ComboStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Models   []ComboModel  `yaml:"models" json:"models"`

	// MaxAttempts caps how many candidates are dispatched. Zero means all.
	MaxAttempts int `yaml:"max-attempts,omitempty" json:"max-attempts,omitempty"`

	// Timeout bounds each candidate attempt. Zero means the server default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ComboModel is one candidate. In YAML it may be a plain string.
type ComboModel struct {
	Model  string  `yaml:"model" json:"model"`
	Weight int     `yaml:"weight,omitempty" json:"weight,omitempty"`
	Cost   float64 `yaml:"cost,omitempty" json:"cost,omitempty"`
}

func (m *ComboModel) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		m.Model = strings.TrimSpace(node.Value)
		return nil
	}
	type plain ComboModel
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*m = ComboModel(p)
	m.Model = strings.TrimSpace(m.Model)
	return nil
}

// Validate checks the combo's shape. Candidate resolution is checked by the registry.
func (c *Combo) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("combo: name is required")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("combo %s: at least one model is required", c.Name)
	}
	switch c.Strategy {
	case "", StrategyPriority, StrategyWeighted, StrategyRoundRobin, StrategyRandom, StrategyLeastUsed, StrategyCostOptimized:
	default:
		return fmt.Errorf("combo %s: unknown strategy %q", c.Name, c.Strategy)
	}
	for i, m := range c.Models {
		if m.Model == "" {
			return fmt.Errorf("combo %s: model %d is empty", c.Name, i)
		}
		if m.Weight < 0 {
			return fmt.Errorf("combo %s: model %s has negative weight", c.Name, m.Model)
		}
	}
	return nil
}
