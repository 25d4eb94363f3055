package management

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
)

// maxConfigSize caps uploaded config documents.
const maxConfigSize = 10 * 1024 * 1024

// GetConfig returns the running configuration with every secret masked.
func (h *Handler) GetConfig(c *gin.Context) {
	cfg := h.getConfig()
	if cfg == nil {
		respondOK(c, gin.H{})
		return
	}
	respondOK(c, redact(cfg))
}

func redact(cfg *config.Config) config.Config {
	out := *cfg
	out.Auth.APIKeys = make([]config.APIKey, len(cfg.Auth.APIKeys))
	for i, k := range cfg.Auth.APIKeys {
		k.Key = maskSecret(k.Key)
		out.Auth.APIKeys[i] = k
	}
	out.Providers = make([]config.Provider, len(cfg.Providers))
	for i, p := range cfg.Providers {
		p.APIKey = maskSecret(p.APIKey)
		keys := make([]config.ProviderAPIKey, len(p.APIKeys))
		for j, k := range p.APIKeys {
			k.Key = maskSecret(k.Key)
			keys[j] = k
		}
		p.APIKeys = keys
		accounts := make([]config.OAuthAccount, len(p.OAuth))
		for j, a := range p.OAuth {
			a.AccessToken = maskSecret(a.AccessToken)
			a.RefreshToken = maskSecret(a.RefreshToken)
			a.ClientSecret = maskSecret(a.ClientSecret)
			accounts[j] = a
		}
		p.OAuth = accounts
		out.Providers[i] = p
	}
	if out.Usage.DSN != "" && !strings.HasPrefix(out.Usage.DSN, "sqlite:") {
		out.Usage.DSN = maskSecret(out.Usage.DSN)
	}
	return out
}

// maskSecret keeps the last four characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// WriteConfig replaces the config file and syncs it to disk.
func WriteConfig(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, errWrite := f.Write(data); errWrite != nil {
		_ = f.Close()
		return errWrite
	}
	if errSync := f.Sync(); errSync != nil {
		_ = f.Close()
		return errSync
	}
	return f.Close()
}

// PutConfig validates and writes a new config document. The file watcher
// applies it.
func (h *Handler) PutConfig(c *gin.Context) {
	if h.configFilePath == "" {
		respondError(c, http.StatusConflict, ErrCodeUnavailable, "server was started without a config file")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigSize))
	if err != nil {
		respondBadRequest(c, "cannot read request body")
		return
	}
	next, err := config.Parse(body, filepath.Ext(h.configFilePath))
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, ErrCodeInvalidConfig, err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := WriteConfig(h.configFilePath, body); err != nil {
		log.WithError(err).Error("management: failed to write config")
		respondError(c, http.StatusInternalServerError, ErrCodeWriteFailed, "failed to write config")
		return
	}
	respondOK(c, ConfigUpdateResponse{Status: "ok", Changed: changedSections(h.getConfig(), next)})
}

// changedSections names the top-level sections that differ.
func changedSections(prev, next *config.Config) []string {
	if prev == nil {
		return []string{"all"}
	}
	var out []string
	add := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	add("server", prev.Server != next.Server)
	add("logging", prev.Logging != next.Logging)
	add("resilience", prev.Resilience != next.Resilience)
	add("usage", prev.Usage != next.Usage)
	add("telemetry", prev.Telemetry != next.Telemetry)
	add("estimator", prev.Estimator != next.Estimator)
	add("auth", prev.Auth.RequireAPIKey != next.Auth.RequireAPIKey || len(prev.Auth.APIKeys) != len(next.Auth.APIKeys))
	add("providers", len(prev.Providers) != len(next.Providers))
	add("combos", len(prev.Combos) != len(next.Combos))
	add("aliases", len(prev.Aliases) != len(next.Aliases))
	return out
}
