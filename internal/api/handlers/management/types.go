package management

import (
	"time"

	"github.com/nghyane/omnigate/internal/dispatch"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ProviderStatus is the live health of one provider.
type ProviderStatus struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Enabled     bool               `json:"enabled"`
	Breaker     string             `json:"breaker"`
	Credentials []CredentialStatus `json:"credentials"`
}

// CredentialStatus describes one account of a provider pool. Secrets are
// never included.
type CredentialStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	OAuth      bool   `json:"oauth"`
	Priority   int    `json:"priority"`
	Active     int64  `json:"active"`
	CooldownMs int64  `json:"cooldown_ms,omitempty"`
	LastStatus int    `json:"last_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// ConfigUpdateResponse represents the response after updating config.
type ConfigUpdateResponse struct {
	Status  string   `json:"status"`
	Changed []string `json:"changed,omitempty"`
}

// EventMessage is one frame of the events websocket.
type EventMessage struct {
	Type      dispatch.EventType `json:"type"`
	Time      time.Time          `json:"time"`
	RequestID string             `json:"request_id,omitempty"`
	Data      any                `json:"data"`
}
