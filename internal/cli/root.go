// Package cli implements the hive-slack command tree: running the
// connector, first-run setup, systemd service management, and Slack app
// manifest operations.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// defaultConfigPath is used when no config argument is given.
const defaultConfigPath = "config/example.yaml"

// NewRootCmd builds the command tree. Invoking the root with a config path
// runs the connector directly, so `hive-slack config/foo.yaml` and
// `hive-slack run config/foo.yaml` behave the same.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "hive-slack [config]",
		Short:        "Slack-hosted AI assistant connector",
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), configArg(args))
		},
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSetupCmd())
	cmd.AddCommand(newServiceCmd())
	cmd.AddCommand(newSlackCmd())
	cmd.AddCommand(newAdminCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

func configArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return defaultConfigPath
}
