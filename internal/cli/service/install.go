package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
)

var installConfig string

// unit is the data rendered into a service definition.
type unit struct {
	Exe    string
	Config string
	Home   string
	LogDir string
	Label  string
	Args   []string
}

func (u unit) args() []string {
	args := []string{u.Exe, "serve"}
	if u.Config != "" {
		args = append(args, "--config", u.Config)
	}
	return args
}

var systemdTmpl = template.Must(template.New("systemd").Parse(`[Unit]
Description=omnigate - format-translating LLM gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{range $i, $a := .Args}}{{if $i}} {{end}}{{$a}}{{end}}
WorkingDirectory={{.Home}}
Restart=on-failure
RestartSec=5
StartLimitBurst=3
StartLimitIntervalSec=60
Environment=HOME={{.Home}}

[Install]
WantedBy=default.target
`))

var launchdTmpl = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ThrottleInterval</key>
    <integer>5</integer>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/omnigate.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/omnigate.log</string>
    <key>WorkingDirectory</key>
    <string>{{.Home}}</string>
</dict>
</plist>
`))

func render(t *template.Template, u unit) (string, error) {
	var buf bytes.Buffer
	u.Args = u.args()
	if err := t.Execute(&buf, u); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderSystemd(u unit) (string, error) { return render(systemdTmpl, u) }
func renderLaunchd(u unit) (string, error) { return render(launchdTmpl, u) }

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install background service",
	RunE: func(c *cobra.Command, args []string) error {
		p, home, err := current()
		if err != nil {
			return err
		}
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		u := unit{Exe: exe, Home: home, LogDir: filepath.Join(home, ".local/var/log"), Label: launchLabel}
		if installConfig != "" {
			if u.Config, err = filepath.Abs(installConfig); err != nil {
				return err
			}
		}

		def, err := p.render(u)
		if err != nil {
			return fmt.Errorf("render service definition: %w", err)
		}
		path := p.unitPath(home)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(u.LogDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(def), 0o644); err != nil {
			return fmt.Errorf("failed to write service definition: %w", err)
		}
		fmt.Fprintf(c.OutOrStdout(), "Service installed to %s\n", path)

		steps := p.install
		if steps == nil {
			steps = [][]string{{"launchctl", "unload", path}, {"launchctl", "load", path}}
		}
		for i, step := range steps {
			err := exec.Command(step[0], step[1:]...).Run()
			if err != nil && i == len(steps)-1 {
				fmt.Fprintf(c.OutOrStdout(), "Warning: failed to start service: %v\n", err)
				return nil
			}
		}
		fmt.Fprintln(c.OutOrStdout(), "Service started")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall background service",
	RunE: func(c *cobra.Command, args []string) error {
		p, home, err := current()
		if err != nil {
			return err
		}
		path := p.unitPath(home)
		steps := p.remove
		if steps == nil {
			steps = [][]string{{"launchctl", "unload", path}}
		}
		for _, step := range steps {
			_ = exec.Command(step[0], step[1:]...).Run()
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove service definition: %w", err)
		}
		fmt.Fprintln(c.OutOrStdout(), "Service uninstalled")
		return nil
	},
}

func init() {
	installCmd.Flags().StringVar(&installConfig, "service-config", "", "config file passed to the service")
	ServiceCmd.AddCommand(installCmd)
	ServiceCmd.AddCommand(uninstallCmd)
}
