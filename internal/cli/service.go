package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hivelabs/hive-slack/internal/servicectl"
)

// statusIcon maps service states to the glyphs shown by `service status`.
func statusIcon(s servicectl.Status) string {
	switch s {
	case servicectl.StatusRunning:
		return "\U0001f7e2" // green circle
	case servicectl.StatusStopped:
		return "⚪" // white circle
	case servicectl.StatusFailed:
		return "\U0001f534" // red circle
	case servicectl.StatusNotInstalled:
		return "⚫" // black circle
	default:
		return "❓"
	}
}

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the bot as a systemd --user service",
	}

	var envFile string
	install := &cobra.Command{
		Use:   "install [config]",
		Short: "Install and enable the service unit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := servicectl.NewManager(newLogger())
			if err != nil {
				return err
			}
			info, err := mgr.Install(cmd.Context(), configArg(args), envFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed: %s\n", info.Message)
			fmt.Fprintf(cmd.OutOrStdout(), "Service file: %s\n", info.UnitPath)
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "Next: hive-slack service start")
			return nil
		},
	}
	install.Flags().StringVar(&envFile, "env", "", "Environment file for the unit (default: ./.env if present)")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable, and remove the service unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := servicectl.NewManager(newLogger())
			if err != nil {
				return err
			}
			info, err := mgr.Uninstall(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled: %s\n", info.Message)
			return nil
		},
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := servicectl.NewManager(newLogger())
			if err != nil {
				return err
			}
			info, err := mgr.Start(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started: %s\n", info.Message)
			return nil
		},
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := servicectl.NewManager(newLogger())
			if err != nil {
				return err
			}
			info, err := mgr.Stop(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped: %s\n", info.Message)
			return nil
		},
	}

	restart := &cobra.Command{
		Use:   "restart",
		Short: "Restart the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := servicectl.NewManager(newLogger())
			if err != nil {
				return err
			}
			info, err := mgr.Restart(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restarted: %s\n", info.Message)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the service state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := servicectl.NewManager(newLogger())
			if err != nil {
				return err
			}
			info, err := mgr.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", statusIcon(info.Status), info.Status, info.Message)
			if info.PID > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "   PID: %d\n", info.PID)
			}
			if info.UnitPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "   Service file: %s\n", info.UnitPath)
			}
			return nil
		},
	}

	var follow bool
	var lines int
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Show service logs from journald",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := servicectl.NewManager(newLogger())
			if err != nil {
				return err
			}
			return mgr.Logs(cmd.Context(), lines, follow)
		},
	}
	logs.Flags().BoolVarP(&follow, "follow", "f", false, "Follow the log stream")
	logs.Flags().IntVarP(&lines, "lines", "n", 50, "Number of log lines to show")

	cmd.AddCommand(install, uninstall, start, stop, restart, status, logs)
	return cmd
}
