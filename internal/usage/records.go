package usage

import "time"

// AttemptType classifies a single upstream attempt within a request.
type AttemptType string

const (
	AttemptPrimary  AttemptType = "primary"
	AttemptFallback AttemptType = "fallback"
	AttemptRetry    AttemptType = "retry"
)

// Record is one finished gateway request.
type Record struct {
	RequestID      string        `json:"request_id"`
	APIKeyID       string        `json:"api_key_id,omitempty"`
	Endpoint       string        `json:"endpoint"`
	ClientFormat   string        `json:"client_format"`
	RequestedModel string        `json:"requested_model"`
	Provider       string        `json:"provider,omitempty"`
	Model          string        `json:"model,omitempty"`
	Combo          string        `json:"combo,omitempty"`
	Credential     string        `json:"credential,omitempty"`
	Stream         bool          `json:"stream"`
	Status         int           `json:"status"`
	Failed         bool          `json:"failed"`
	Error          string        `json:"error,omitempty"`
	Latency        time.Duration `json:"latency_ns"`
	RequestedAt    time.Time     `json:"requested_at"`

	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	ReasoningTokens int64   `json:"reasoning_tokens"`
	CachedTokens    int64   `json:"cached_tokens"`
	TotalTokens     int64   `json:"total_tokens"`
	Cost            float64 `json:"cost"`

	// Phases holds per-phase durations keyed by phase name.
	Phases map[string]time.Duration `json:"phases_ns,omitempty"`
}

// Attempt is one row of the request_attempts table.
type Attempt struct {
	ID              string        `json:"id"`
	RequestID       string        `json:"request_id"`
	Number          int           `json:"number"`
	Type            AttemptType   `json:"type"`
	Model           string        `json:"model"`
	Provider        string        `json:"provider"`
	ConnectionID    string        `json:"connection_id,omitempty"`
	SelectionReason string        `json:"selection_reason,omitempty"`
	BreakerState    string        `json:"breaker_state,omitempty"`
	Status          int           `json:"status"`
	Error           string        `json:"error,omitempty"`
	Latency         time.Duration `json:"latency_ns"`
	Skipped         bool          `json:"skipped"`
	SkipReason      string        `json:"skip_reason,omitempty"`
	Combo           string        `json:"combo,omitempty"`
	APIKeyID        string        `json:"api_key_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// AggregatedStats represents summary statistics for a time period.
type AggregatedStats struct {
	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	FailureCount  int64   `json:"failure_count"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
}

type DailyStats struct {
	Day      string  `json:"day"` // 2006-01-02
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

type HourlyStats struct {
	Hour     int   `json:"hour"` // 0-23
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// ProviderStats represents aggregated metrics per provider.
type ProviderStats struct {
	Provider        string   `json:"provider"`
	Requests        int64    `json:"requests"`
	SuccessCount    int64    `json:"success_count"`
	FailureCount    int64    `json:"failure_count"`
	InputTokens     int64    `json:"input_tokens"`
	OutputTokens    int64    `json:"output_tokens"`
	ReasoningTokens int64    `json:"reasoning_tokens"`
	TotalTokens     int64    `json:"total_tokens"`
	CredentialCount int64    `json:"credential_count"`
	Models          []string `json:"models"`
}

// ModelStats represents aggregated metrics per provider model.
type ModelStats struct {
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Snapshot combines live counters with database query results for the
// management usage endpoint.
type Snapshot struct {
	Counters CounterSnapshot `json:"counters"`
	Since    time.Time       `json:"since"`

	Global    *AggregatedStats   `json:"global,omitempty"`
	Daily     []DailyStats       `json:"daily,omitempty"`
	Hourly    []HourlyStats      `json:"hourly,omitempty"`
	Providers []ProviderStats    `json:"providers,omitempty"`
	Models    []ModelStats       `json:"models,omitempty"`
	KeySpend  map[string]float64 `json:"key_spend,omitempty"`
}
