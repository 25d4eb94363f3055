package management

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetProviders reports breaker state and account health per provider.
func (h *Handler) GetProviders(c *gin.Context) {
	cfg := h.getConfig()
	if cfg == nil || h.manager == nil {
		respondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "provider manager unavailable")
		return
	}
	out := make([]ProviderStatus, 0, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		st := ProviderStatus{
			ID:          p.ID,
			Type:        string(p.Type),
			Enabled:     p.IsEnabled(),
			Breaker:     h.manager.Breakers().State(p.ID).String(),
			Credentials: []CredentialStatus{},
		}
		if pool := h.manager.Pool(p.ID); pool != nil {
			for _, cred := range pool.Credentials() {
				st.Credentials = append(st.Credentials, CredentialStatus{
					ID:         cred.ID,
					Name:       cred.Name,
					OAuth:      cred.IsOAuth(),
					Priority:   cred.Priority,
					Active:     cred.Active(),
					CooldownMs: cred.CooldownRemaining().Milliseconds(),
					LastStatus: cred.LastStatus(),
					LastError:  cred.LastError(),
				})
			}
		}
		out = append(out, st)
	}
	respondOK(c, gin.H{"providers": out})
}
