// Package api is the gateway's HTTP surface: the client-format proxy routes,
// model listing, health, and the management API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/omnigate/internal/api/handlers/management"
	"github.com/nghyane/omnigate/internal/dispatch"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/provider"
	"github.com/nghyane/omnigate/internal/registry"
	"github.com/nghyane/omnigate/internal/usage"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Options struct {
	Config     dispatch.ConfigSource
	ConfigPath string
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Manager    *provider.Manager
	Tracker    *usage.Tracker
	Sink       *dispatch.EventSink
}

type Server struct {
	engine   *gin.Engine
	server   *http.Server
	cfg      dispatch.ConfigSource
	dispatch *dispatch.Dispatcher
	registry *registry.Registry
	manager  *provider.Manager
	mgmt     *management.Handler
}

func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		cfg:      opts.Config,
		dispatch: opts.Dispatcher,
		registry: opts.Registry,
		manager:  opts.Manager,
		mgmt: management.NewHandler(management.Options{
			Config:     opts.Config,
			ConfigPath: opts.ConfigPath,
			Tracker:    opts.Tracker,
			Manager:    opts.Manager,
			Sink:       opts.Sink,
		}),
	}
	s.setupMiddleware()
	s.setupRoutes()

	cfg := opts.Config.Current()
	s.server = &http.Server{
		Addr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		// h2c lets HTTP/2 clients skip TLS on trusted networks.
		Handler:           h2c.NewHandler(s.engine, &http2.Server{}),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.health)

	v1 := s.engine.Group("/v1")
	v1.GET("/models", s.listModels)
	v1.POST("/chat/completions", s.proxy(formatOpenAI))
	v1.POST("/responses", s.proxy(formatResponses))
	v1.POST("/messages", s.proxy(formatClaude))
	v1.POST("/chat", s.proxy(""))

	s.engine.POST("/v1beta/models/*action", s.gemini)
	s.engine.POST("/v1internal:method", s.codeAssist)

	mgmt := v1.Group("/management", s.managementMiddleware())
	mgmt.GET("/usage", s.mgmt.GetUsage)
	mgmt.GET("/attempts/:id", s.mgmt.GetAttempts)
	mgmt.GET("/providers", s.mgmt.GetProviders)
	mgmt.GET("/config", s.mgmt.GetConfig)
	mgmt.PUT("/config", s.mgmt.PutConfig)
	mgmt.GET("/events", s.mgmt.Events)

	s.engine.NoRoute(func(c *gin.Context) {
		abortWithError(c, provider.NewClientError(http.StatusNotFound, "Unknown route: %s %s", c.Request.Method, c.Request.URL.Path))
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) Addr() string { return s.server.Addr }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Infof("omnigate listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	breakers := map[string]string{}
	if s.manager != nil {
		breakers = s.manager.Breakers().Snapshot()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "breakers": breakers})
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": s.registry.Models()})
}
