package ir

import "strings"

// DefaultThinkingSignature is the placeholder signature accepted by Gemini
// in place of a real one for replayed thoughts and tool calls.
const DefaultThinkingSignature = "skip_thought_signature_validator"

const defaultThinkingBudget = 8192

// EffortToBudget maps a reasoning effort hint to a token budget.
// Unknown or empty effort yields the medium budget.
func EffortToBudget(effort string) int {
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "low":
		return 1024
	case "medium":
		return 8192
	case "high":
		return 32768
	default:
		return defaultThinkingBudget
	}
}

// BudgetToEffort is the inverse of EffortToBudget, bucketing arbitrary budgets.
func BudgetToEffort(budget int) string {
	switch {
	case budget <= 0:
		return ""
	case budget <= 1024:
		return "low"
	case budget <= 8192:
		return "medium"
	default:
		return "high"
	}
}

// ResolveThinkingBudget returns the explicit budget when set, else the
// effort lookup. ok is false when no thinking was requested.
func ResolveThinkingBudget(t *ThinkingConfig) (budget int, ok bool) {
	if t == nil {
		return 0, false
	}
	if t.Budget > 0 {
		return t.Budget, true
	}
	if t.Effort != "" && t.Effort != "none" {
		return EffortToBudget(t.Effort), true
	}
	return 0, false
}

// IsClaude reports whether the model name refers to an Anthropic model.
func IsClaude(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}
