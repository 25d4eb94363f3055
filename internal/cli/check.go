package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/nghyane/omnigate/internal/bootstrap"
	"github.com/nghyane/omnigate/internal/config"
	"github.com/nghyane/omnigate/internal/registry"
	"github.com/spf13/cobra"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and print what it defines",
	RunE: func(c *cobra.Command, args []string) error {
		path, err := bootstrap.ResolveConfigPath(cfgFile)
		if err != nil {
			return err
		}
		return checkConfig(c.OutOrStdout(), path)
	},
}

// checkConfig loads path and reports providers, combos and aliases. Providers
// dropped by validation are listed; any of them makes the check fail.
func checkConfig(w io.Writer, path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	bootstrap.ApplyEnvOverrides(cfg)

	fmt.Fprintf(w, "config: %s\n", path)
	fmt.Fprintf(w, "listen: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(w, "providers: %d\n", len(cfg.Providers))
	for _, p := range cfg.Providers {
		creds := len(p.GetAPIKeys()) + len(p.OAuth)
		fmt.Fprintf(w, "  %-20s %-22s credentials=%d models=%d\n", p.ID, p.Type, creds, len(p.Models))
	}
	fmt.Fprintf(w, "combos: %d\n", len(cfg.Combos))
	for _, cb := range cfg.Combos {
		fmt.Fprintf(w, "  %-20s %-14s candidates=%d\n", cb.Name, cb.Strategy, len(cb.Models))
	}
	if len(cfg.Aliases) > 0 {
		names := make([]string, 0, len(cfg.Aliases))
		for k := range cfg.Aliases {
			names = append(names, k)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "aliases: %d\n", len(names))
		for _, k := range names {
			fmt.Fprintf(w, "  %s -> %s\n", k, cfg.Aliases[k])
		}
	}
	fmt.Fprintf(w, "models: %d\n", len(registry.New(cfg).Models()))

	errs := cfg.ProviderErrors()
	if len(errs) == 0 {
		fmt.Fprintln(w, "ok")
		return nil
	}
	for _, e := range errs {
		fmt.Fprintf(w, "error: %v\n", e)
	}
	return fmt.Errorf("%d provider(s) invalid", len(errs))
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}
