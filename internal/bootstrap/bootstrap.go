// Package bootstrap loads configuration and assembles the gateway's
// components for CLI commands.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
)

// DefaultConfigFile is looked up in the working directory when no path is
// given.
const DefaultConfigFile = "config.yaml"

// Result contains the result of bootstrapping the application.
type Result struct {
	Config         *config.Config
	ConfigFilePath string
}

// Bootstrap loads .env, resolves and reads the config file, and applies
// environment overrides. A missing file yields the defaults.
func Bootstrap(configPath string) (*Result, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	configPath, err = ResolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfigOptional(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, statErr := os.Stat(configPath); statErr != nil {
		log.Infof("no config file at %s, using defaults", configPath)
	}

	ApplyEnvOverrides(cfg)
	for _, perr := range cfg.ProviderErrors() {
		log.WithError(perr).Warn("provider skipped")
	}

	return &Result{
		Config:         cfg,
		ConfigFilePath: configPath,
	}, nil
}

// ApplyEnvOverrides applies OMNIGATE_* environment overrides for container
// deployments.
func ApplyEnvOverrides(cfg *config.Config) {
	if host, ok := lookupEnv("OMNIGATE_HOST"); ok {
		cfg.Server.Host = host
		log.Infof("Host overridden by env: %s", host)
	}

	if port, ok := lookupEnvInt("OMNIGATE_PORT"); ok {
		cfg.Server.Port = port
		log.Infof("Port overridden by env: %d", port)
	}

	if level, ok := lookupEnv("OMNIGATE_LOG_LEVEL"); ok {
		cfg.Logging.Level = level
	}

	if require, ok := lookupEnvBool("OMNIGATE_REQUIRE_API_KEY"); ok {
		cfg.Auth.RequireAPIKey = require
		log.Infof("RequireAPIKey overridden by env: %v", require)
	}

	if keys, ok := lookupEnv("OMNIGATE_API_KEYS"); ok {
		cfg.Auth.APIKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if trimmed := strings.TrimSpace(k); trimmed != "" {
				cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, config.APIKey{Key: trimmed})
			}
		}
		log.Infof("API keys overridden by env: %d keys", len(cfg.Auth.APIKeys))
	}

	if dsn, ok := lookupEnv("OMNIGATE_USAGE_DSN"); ok {
		cfg.Usage.DSN = dsn
		log.Infof("Usage DSN overridden by env")
	}

	if days, ok := lookupEnvInt("OMNIGATE_USAGE_RETENTION_DAYS"); ok {
		cfg.Usage.RetentionDays = days
	}

	if endpoint, ok := lookupEnv("OMNIGATE_OTLP_ENDPOINT"); ok {
		cfg.Telemetry.OTLPEndpoint = endpoint
		log.Infof("OTLP endpoint overridden by env")
	}
}

// ResolveConfigPath returns configPath, or $OMNIGATE_CONFIG, or
// ./config.yaml, with a leading ~/ expanded.
func ResolveConfigPath(configPath string) (string, error) {
	if configPath == "" {
		if v, ok := lookupEnv("OMNIGATE_CONFIG"); ok {
			configPath = v
		} else {
			wd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("failed to get working directory: %w", err)
			}
			configPath = filepath.Join(wd, DefaultConfigFile)
		}
	}
	return expandHome(configPath), nil
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
