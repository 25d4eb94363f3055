package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/provider"
)

// apiKeyKey is the gin context key holding the client's API key.
const apiKeyKey = "api_key"

// setupMiddleware installs the global chain: request id, logging, recovery,
// CORS, body guard and key extraction.
func (s *Server) setupMiddleware() {
	s.engine.Use(requestIDMiddleware())
	s.engine.Use(logging.GinLogrusLogger())
	s.engine.Use(logging.GinLogrusRecovery())
	s.engine.Use(s.corsMiddleware())
	s.engine.Use(s.bodyLimitMiddleware())
	s.engine.Use(apiKeyMiddleware())
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(logging.RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// corsMiddleware adds permissive CORS headers when enabled in config.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Current().Server.CORS {
			c.Next()
			return
		}
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// bodyLimitMiddleware rejects declared oversize bodies up front and caps
// the rest while they are read.
func (s *Server) bodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := s.cfg.Current().Server.BodyLimit
		if limit <= 0 || c.Request.Body == nil {
			c.Next()
			return
		}
		if c.Request.ContentLength > limit {
			abortWithError(c, tooLarge(limit))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func tooLarge(limit int64) error {
	return provider.NewClientError(http.StatusRequestEntityTooLarge, "Request body too large (limit %d bytes)", limit)
}

func apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := extractAPIKey(c.Request); key != "" {
			c.Set(apiKeyKey, key)
		}
		c.Next()
	}
}

// extractAPIKey reads the client key from, in order, a bearer token, the
// Anthropic and Google key headers, and the ?key= query parameter.
func extractAPIKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	for _, h := range []string{"X-Api-Key", "X-Goog-Api-Key"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}

// managementMiddleware hides the management routes unless enabled and, when
// client keys are configured, requires one of them.
func (s *Server) managementMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.cfg.Current()
		if !cfg.Server.Management {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		if len(cfg.Auth.APIKeys) > 0 {
			if _, ok := cfg.FindAPIKey(c.GetString(apiKeyKey)); !ok {
				abortWithError(c, provider.NewClientError(http.StatusUnauthorized, "Invalid API key"))
				return
			}
		}
		c.Next()
	}
}

// abortWithError renders err in the OpenAI error envelope and stops the chain.
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	provider.WriteError(c.Writer, err)
	c.Abort()
}
