// Package cli implements the omnigate command line.
package cli

import (
	"fmt"
	"os"

	"github.com/nghyane/omnigate/internal/cli/service"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "omnigate",
	Short: "Format-translating LLM gateway",
	Long: `omnigate accepts OpenAI, Responses, Claude and Gemini requests and
routes them to any configured upstream provider, translating formats,
failing over between credentials and combos, and tracking usage.

Running omnigate without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE: func(c *cobra.Command, args []string) error {
		return runServe(c)
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: $OMNIGATE_CONFIG or ./config.yaml)")
	rootCmd.AddCommand(service.ServiceCmd)
}
