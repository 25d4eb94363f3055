package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nghyane/omnigate/internal/bootstrap"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(c *cobra.Command, args []string) error {
		path, err := bootstrap.ResolveConfigPath(cfgFile)
		if err != nil {
			return err
		}
		return doInitConfig(c.OutOrStdout(), path, initForce)
	},
}

// doInitConfig writes the starter config to path. An existing file is kept
// unless force is set.
func doInitConfig(w io.Writer, path string, force bool) error {
	if fileExists(path) && !force {
		fmt.Fprintf(w, "Config already exists: %s\n", path)
		fmt.Fprintln(w, "Use init --force to overwrite")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(w, "Created: %s\n", path)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

const starterConfig = `# omnigate configuration
server:
  host: 0.0.0.0
  port: 20128
  body-limit: 10485760
  cors: true
  management: false

logging:
  level: info
  format: text
  # file: ~/.local/var/log/omnigate.log

auth:
  require-api-key: false
  api-keys: []
  # - key: sk-omnigate-change-me
  #   name: default
  #   allowed-models: ["gpt-*", "fast"]
  #   budget: 10
  #   rate-limit: 5

providers:
  - type: openai
    api-key: sk-replace-me
    models:
      - name: gpt-4o-mini
        alias: mini

  # - type: claude
  #   api-keys:
  #     - key: sk-ant-replace-me
  #       priority: 1

  # - type: gemini
  #   prefix: gm
  #   api-key: replace-me

aliases:
  default: openai/gpt-4o-mini

combos:
  - name: fast
    strategy: priority
    models:
      - openai/gpt-4o-mini

resilience:
  breaker-threshold: 5
  breaker-reset: 30s
  model-cooldown: 60s
  idle-timeout: 120s
  max-retries: 2

usage:
  # dsn: sqlite://omnigate-usage.db
  retention-days: 30

telemetry:
  # otlp-endpoint: localhost:4318
  sample-ratio: 1

estimator:
  chars-per-token: 4
`

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
	rootCmd.AddCommand(initCmd)
}
