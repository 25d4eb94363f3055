package service

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func runServiceCommand(action string) error {
	p, _, err := current()
	if err != nil {
		return err
	}
	argv, ok := p.actions[action]
	if !ok {
		return fmt.Errorf("unknown action: %s", action)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if action != "status" {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	return cmd.Run()
}

func actionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(c *cobra.Command, args []string) error {
			return runServiceCommand(action)
		},
	}
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the service",
	RunE: func(c *cobra.Command, args []string) error {
		_ = runServiceCommand("stop")
		return runServiceCommand("start")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check service status",
	RunE: func(c *cobra.Command, args []string) error {
		if err := runServiceCommand("status"); err != nil {
			fmt.Fprintln(c.OutOrStdout(), "Service is stopped")
			return nil
		}
		fmt.Fprintln(c.OutOrStdout(), "Service is running")
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Follow service logs",
	RunE: func(c *cobra.Command, args []string) error {
		p, home, err := current()
		if err != nil {
			return err
		}
		argv := p.logs(home)
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}

func init() {
	ServiceCmd.AddCommand(actionCmd("start", "Start the service"))
	ServiceCmd.AddCommand(actionCmd("stop", "Stop the service"))
	ServiceCmd.AddCommand(restartCmd)
	ServiceCmd.AddCommand(statusCmd)
	ServiceCmd.AddCommand(logsCmd)
}
