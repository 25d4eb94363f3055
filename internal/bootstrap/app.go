package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nghyane/omnigate/internal/api"
	"github.com/nghyane/omnigate/internal/config"
	"github.com/nghyane/omnigate/internal/dispatch"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/provider"
	"github.com/nghyane/omnigate/internal/registry"
	"github.com/nghyane/omnigate/internal/resilience"
	"github.com/nghyane/omnigate/internal/runtime/executor"
	"github.com/nghyane/omnigate/internal/telemetry"
	"github.com/nghyane/omnigate/internal/usage"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = time.Minute
)

// App is a fully wired gateway.
type App struct {
	Watcher   *config.Watcher
	Registry  *registry.Registry
	Manager   *provider.Manager
	Executors *executor.Set
	Tracker   *usage.Tracker
	Sink      *dispatch.EventSink
	Server    *api.Server

	telemetry *telemetry.Provider
	watch     bool
}

// NewApp builds every component from res. The caller must Close it.
func NewApp(ctx context.Context, res *Result) (*App, error) {
	cfg := res.Config
	if err := log.ConfigureLogOutput(cfg.Logging); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	tracker, err := usage.Open(cfg.Usage)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("usage backend: %w", err)
	}
	if cfg.Usage.DSN != "" {
		log.Infof("usage backend initialized")
	}

	a := &App{
		Watcher:   config.NewWatcher(res.ConfigFilePath, cfg),
		Registry:  registry.New(cfg),
		Tracker:   tracker,
		telemetry: tp,
	}
	if _, statErr := os.Stat(res.ConfigFilePath); statErr == nil {
		a.watch = true
	}

	breakers := resilience.NewBreakers(resilience.BreakerConfig{
		Threshold:    uint32(cfg.Resilience.BreakerThreshold),
		ResetTimeout: cfg.Resilience.BreakerReset,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"provider": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	a.Manager = provider.NewManager(cfg.Providers, provider.Options{
		Breakers:      breakers,
		ModelCooldown: cfg.Resilience.ModelCooldown,
	})

	retry := resilience.DefaultRetryConfig
	retry.MaxRetries = cfg.Resilience.MaxRetries
	var errs []error
	a.Executors, errs = executor.NewSet(cfg.Providers, retry)
	for _, e := range errs {
		log.WithError(e).Warn("executor not created")
	}

	a.Sink = dispatch.NewEventSink(dispatch.DefaultSinkSize, dispatch.UsageHandler(tracker), dispatch.LogHandler)

	d := dispatch.New(dispatch.Options{
		Config:    a.Watcher,
		Registry:  a.Registry,
		Manager:   a.Manager,
		Executors: a.Executors,
		Tracker:   tracker,
		Sink:      a.Sink,
	})
	a.Server = api.NewServer(api.Options{
		Config:     a.Watcher,
		ConfigPath: res.ConfigFilePath,
		Dispatcher: d,
		Registry:   a.Registry,
		Manager:    a.Manager,
		Tracker:    tracker,
		Sink:       a.Sink,
	})

	a.Watcher.Prepare = ApplyEnvOverrides
	a.Watcher.OnChange = a.apply
	a.Watcher.OnError = func(err error) {
		log.WithError(err).Error("config reload failed, keeping previous config")
	}
	return a, nil
}

// apply pushes a reloaded config into the live components.
func (a *App) apply(cfg *config.Config) {
	if err := log.ConfigureLogOutput(cfg.Logging); err != nil {
		log.WithError(err).Warn("failed to reconfigure logging")
	}
	a.Registry.Update(cfg)
	a.Manager.Reload(cfg.Providers)
	for _, e := range a.Executors.Reload(cfg.Providers) {
		log.WithError(e).Warn("executor not created")
	}
	for _, perr := range cfg.ProviderErrors() {
		log.WithError(perr).Warn("provider skipped")
	}
	log.WithFields(log.Fields{
		"providers": len(cfg.Providers),
		"combos":    len(cfg.Combos),
	}).Info("config reloaded")
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Server.Start()
	})
	if a.watch {
		g.Go(func() error {
			return a.Watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				a.Manager.Cooldowns().Sweep()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Server.Shutdown(sctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close drains the event sink and flushes usage and telemetry.
func (a *App) Close() error {
	a.Sink.Close()
	var errs []error
	if err := a.Tracker.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("usage: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
