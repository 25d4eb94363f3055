package cli

import (
	"fmt"

	"github.com/nghyane/omnigate/internal/buildinfo"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(c *cobra.Command, args []string) {
		fmt.Fprintln(c.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
