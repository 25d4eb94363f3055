// Package service installs and controls omnigate as a per-user background
// service (systemd on Linux, launchd on macOS).
package service

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	unitName    = "omnigate"
	launchLabel = "dev.omnigate"
)

// ServiceCmd groups the service subcommands.
var ServiceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage omnigate as a background service",
}

// platform describes where a service definition lives and how it is driven.
type platform struct {
	unitPath func(home string) string
	render   func(u unit) (string, error)
	install  [][]string
	remove   [][]string
	actions  map[string][]string
	logs     func(home string) []string
}

var platforms = map[string]platform{
	"linux": {
		unitPath: func(home string) string {
			return filepath.Join(home, ".config/systemd/user", unitName+".service")
		},
		render: renderSystemd,
		install: [][]string{
			{"systemctl", "--user", "daemon-reload"},
			{"systemctl", "--user", "enable", unitName},
			{"systemctl", "--user", "start", unitName},
		},
		remove: [][]string{
			{"systemctl", "--user", "stop", unitName},
			{"systemctl", "--user", "disable", unitName},
		},
		actions: map[string][]string{
			"start":  {"systemctl", "--user", "start", unitName},
			"stop":   {"systemctl", "--user", "stop", unitName},
			"status": {"systemctl", "--user", "is-active", unitName},
		},
		logs: func(string) []string {
			return []string{"journalctl", "--user", "-u", unitName, "-f"}
		},
	},
	"darwin": {
		unitPath: func(home string) string {
			return filepath.Join(home, "Library/LaunchAgents", launchLabel+".plist")
		},
		render: renderLaunchd,
		actions: map[string][]string{
			"start":  {"launchctl", "start", launchLabel},
			"stop":   {"launchctl", "stop", launchLabel},
			"status": {"launchctl", "list", launchLabel},
		},
		logs: func(home string) []string {
			return []string{"tail", "-f", filepath.Join(home, ".local/var/log", unitName+".log")}
		},
	},
}

func current() (platform, string, error) {
	p, ok := platforms[runtime.GOOS]
	if !ok {
		return platform{}, "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return platform{}, "", fmt.Errorf("home directory: %w", err)
	}
	return p, home, nil
}
