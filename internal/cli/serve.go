package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/nghyane/omnigate/internal/bootstrap"
	"github.com/nghyane/omnigate/internal/buildinfo"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the omnigate server",
	Long: `Start the omnigate API gateway server.

This loads the configuration, opens the usage backend, and serves the
client-facing routes until interrupted. The config file is watched and
reloaded in place.`,
	RunE: func(c *cobra.Command, args []string) error {
		return runServe(c)
	},
}

func runServe(c *cobra.Command) error {
	log.SetupBaseLogger()

	result, err := bootstrap.Bootstrap(cfgFile)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if c.Flags().Changed("port") && servePort > 0 {
		result.Config.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.NewApp(ctx, result)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"version":   buildinfo.Version,
		"config":    result.ConfigFilePath,
		"providers": len(result.Config.Providers),
		"combos":    len(result.Config.Combos),
	}).Info("starting omnigate")

	runErr := app.Run(ctx)
	if err := app.Close(); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	return runErr
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "server port (overrides config)")
	rootCmd.Flags().IntVarP(&servePort, "port", "p", 0, "server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
