package config

import (
	"strings"
	"time"
)

// ProviderType selects the upstream wire protocol and auth scheme.
type ProviderType string

const (
	// ProviderTypeOpenAI speaks Chat Completions with a bearer key.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeOpenAICompatible is any OpenAI-compatible endpoint (DeepSeek, Groq, vLLM...).
	ProviderTypeOpenAICompatible ProviderType = "openai-compatible"

	// ProviderTypeLiteLLM is a LiteLLM proxy; falls back to LITELLM_MASTER_KEY.
	ProviderTypeLiteLLM ProviderType = "litellm"

	// ProviderTypeIFlow is the iFlow API with HMAC request signing.
	ProviderTypeIFlow ProviderType = "iflow"

	// ProviderTypeOpenAIResponses speaks the OpenAI Responses API.
	ProviderTypeOpenAIResponses ProviderType = "openai-responses"

	// ProviderTypeClaude is Anthropic's Messages API.
	ProviderTypeClaude ProviderType = "claude"

	// ProviderTypeAnthropicCompatible is any Messages-compatible endpoint.
	ProviderTypeAnthropicCompatible ProviderType = "anthropic-compatible"

	// ProviderTypeGemini is the public Gemini API.
	ProviderTypeGemini ProviderType = "gemini"

	// ProviderTypeGeminiCLI is Cloud Code Assist (gemini-cli envelope).
	ProviderTypeGeminiCLI ProviderType = "gemini-cli"

	// ProviderTypeAntigravity is Cloud Code Assist with the antigravity envelope.
	ProviderTypeAntigravity ProviderType = "antigravity"
)

// Provider is one upstream provider with its pool of accounts.
type Provider struct {
	// Type specifies the upstream protocol.
	Type ProviderType `yaml:"type" json:"type"`

	// ID is the provider id used in "provider/model" strings.
	// Defaults to Type.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Prefix is a short alias for ID ("ag/gemini-3-pro").
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	// Enabled allows disabling a provider without removing it. Default: true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	APIKey  string           `yaml:"api-key,omitempty" json:"api-key,omitempty"`
	APIKeys []ProviderAPIKey `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`

	// OAuth lists accounts authenticated with refreshable tokens.
	OAuth []OAuthAccount `yaml:"oauth,omitempty" json:"oauth,omitempty"`

	BaseURL  string            `yaml:"base-url,omitempty" json:"base-url,omitempty"`
	ProxyURL string            `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// UserAgent overrides the default client user agent (iflow, gemini-cli).
	UserAgent string `yaml:"user-agent,omitempty" json:"user-agent,omitempty"`

	Models []ProviderModel `yaml:"models,omitempty" json:"models,omitempty"`
}

// ProviderAPIKey is a static key with optional per-key settings.
type ProviderAPIKey struct {
	Key       string `yaml:"key" json:"key"`
	ProxyURL  string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`
	Priority  int    `yaml:"priority,omitempty" json:"priority,omitempty"`
	ProjectID string `yaml:"project-id,omitempty" json:"project-id,omitempty"`
}

// OAuthAccount holds a token pair obtained by an external login flow.
type OAuthAccount struct {
	Name         string    `yaml:"name,omitempty" json:"name,omitempty"`
	AccessToken  string    `yaml:"access-token" json:"access-token"`
	RefreshToken string    `yaml:"refresh-token,omitempty" json:"refresh-token,omitempty"`
	Expiry       time.Time `yaml:"expiry,omitempty" json:"expiry,omitempty"`
	ClientID     string    `yaml:"client-id,omitempty" json:"client-id,omitempty"`
	ClientSecret string    `yaml:"client-secret,omitempty" json:"client-secret,omitempty"`
	TokenURL     string    `yaml:"token-url,omitempty" json:"token-url,omitempty"`
	ProjectID    string    `yaml:"project-id,omitempty" json:"project-id,omitempty"`
	Priority     int       `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// ProviderModel defines a model served by this provider.
type ProviderModel struct {
	Name string `yaml:"name" json:"name"`

	// Alias is an optional alternative name for this model.
	Alias string `yaml:"alias,omitempty" json:"alias,omitempty"`

	// Cost is the price per token, used for cost-optimized combos and budgets.
	Cost float64 `yaml:"cost,omitempty" json:"cost,omitempty"`
}

// IsEnabled returns true if the provider is enabled (default: true).
func (p *Provider) IsEnabled() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

// GetAPIKeys returns all static keys, folding APIKey into the list.
func (p *Provider) GetAPIKeys() []ProviderAPIKey {
	if len(p.APIKeys) > 0 {
		return p.APIKeys
	}
	if p.APIKey != "" {
		return []ProviderAPIKey{{Key: p.APIKey, ProxyURL: p.ProxyURL}}
	}
	return nil
}

// HasModel reports whether name or alias matches a configured model.
func (p *Provider) HasModel(name string) (ProviderModel, bool) {
	for _, m := range p.Models {
		if m.Name == name || (m.Alias != "" && m.Alias == name) {
			return m, true
		}
	}
	return ProviderModel{}, false
}

// NeedsCredentials reports whether the provider type requires at least one account.
func (p *Provider) NeedsCredentials() bool {
	return p.Type != ProviderTypeLiteLLM
}

// Validate checks if the provider configuration is valid.
func (p *Provider) Validate() error {
	switch p.Type {
	case "":
		return &ProviderValidationError{Provider: p.ID, Field: "type", Message: "type is required"}
	case ProviderTypeOpenAI, ProviderTypeOpenAICompatible, ProviderTypeLiteLLM, ProviderTypeIFlow,
		ProviderTypeOpenAIResponses, ProviderTypeClaude, ProviderTypeAnthropicCompatible,
		ProviderTypeGemini, ProviderTypeGeminiCLI, ProviderTypeAntigravity:
	default:
		return &ProviderValidationError{Provider: p.ID, Field: "type", Message: "unknown type " + string(p.Type)}
	}

	switch p.Type {
	case ProviderTypeOpenAICompatible, ProviderTypeAnthropicCompatible:
		if p.BaseURL == "" {
			return &ProviderValidationError{Provider: p.ID, Field: "base-url", Message: "base-url is required for " + string(p.Type)}
		}
	case ProviderTypeGeminiCLI, ProviderTypeAntigravity:
		if len(p.OAuth) == 0 {
			return &ProviderValidationError{Provider: p.ID, Field: "oauth", Message: "oauth accounts are required for " + string(p.Type)}
		}
	}

	if p.NeedsCredentials() && len(p.GetAPIKeys()) == 0 && len(p.OAuth) == 0 {
		return &ProviderValidationError{Provider: p.ID, Field: "api-key", Message: "api-key, api-keys or oauth is required"}
	}
	return nil
}

// ProviderValidationError represents a validation error for provider config.
type ProviderValidationError struct {
	Provider string
	Field    string
	Message  string
}

func (e *ProviderValidationError) Error() string {
	if e.Provider != "" {
		return "provider " + e.Provider + ": " + e.Field + ": " + e.Message
	}
	return "provider config error: " + e.Field + ": " + e.Message
}

// SanitizeProviders normalizes the providers list, dropping disabled and
// invalid entries. Invalid entries are returned as errors.
func SanitizeProviders(providers []Provider) ([]Provider, []error) {
	if len(providers) == 0 {
		return nil, nil
	}

	var errs []error
	result := make([]Provider, 0, len(providers))
	seen := make(map[string]struct{})

	for i := range providers {
		p := providers[i]
		if !p.IsEnabled() {
			continue
		}

		p.Type = ProviderType(strings.TrimSpace(strings.ToLower(string(p.Type))))
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		if p.ID == "" {
			p.ID = string(p.Type)
		}
		p.Prefix = strings.ToLower(strings.TrimSpace(p.Prefix))
		p.APIKey = strings.TrimSpace(p.APIKey)
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		p.ProxyURL = strings.TrimSpace(p.ProxyURL)
		p.Headers = NormalizeHeaders(p.Headers)

		validKeys := make([]ProviderAPIKey, 0, len(p.APIKeys))
		for _, k := range p.APIKeys {
			k.Key = strings.TrimSpace(k.Key)
			k.ProxyURL = strings.TrimSpace(k.ProxyURL)
			if k.Key != "" {
				validKeys = append(validKeys, k)
			}
		}
		p.APIKeys = validKeys

		validModels := make([]ProviderModel, 0, len(p.Models))
		for _, m := range p.Models {
			m.Name = strings.TrimSpace(m.Name)
			m.Alias = strings.TrimSpace(m.Alias)
			if m.Name != "" {
				validModels = append(validModels, m)
			}
		}
		p.Models = validModels

		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[p.ID]; dup {
			errs = append(errs, &ProviderValidationError{Provider: p.ID, Field: "id", Message: "duplicate provider id"})
			continue
		}
		seen[p.ID] = struct{}{}
		result = append(result, p)
	}
	return result, errs
}

// NormalizeHeaders trims header names and values and drops empty entries.
func NormalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
