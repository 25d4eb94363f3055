// Package management serves the /v1/management routes: usage statistics,
// provider health, the running configuration and a live event feed.
package management

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/omnigate/internal/config"
	"github.com/nghyane/omnigate/internal/dispatch"
	"github.com/nghyane/omnigate/internal/provider"
	"github.com/nghyane/omnigate/internal/usage"
)

const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeInvalidConfig  = "invalid_config"
	ErrCodeWriteFailed    = "write_failed"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeInternalError  = "internal_error"
)

type Options struct {
	Config     dispatch.ConfigSource
	ConfigPath string
	Tracker    *usage.Tracker
	Manager    *provider.Manager
	Sink       *dispatch.EventSink
}

type Handler struct {
	cfg            dispatch.ConfigSource
	configFilePath string
	tracker        *usage.Tracker
	manager        *provider.Manager
	sink           *dispatch.EventSink

	// mu serializes config file writes.
	mu sync.Mutex
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		cfg:            opts.Config,
		configFilePath: opts.ConfigPath,
		tracker:        opts.Tracker,
		manager:        opts.Manager,
		sink:           opts.Sink,
	}
}

func (h *Handler) getConfig() *config.Config {
	if h.cfg == nil {
		return nil
	}
	return h.cfg.Current()
}

func respondOK(c *gin.Context, v any) {
	c.JSON(http.StatusOK, v)
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func respondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, message)
}
