package cli

import (
	"github.com/spf13/cobra"

	"github.com/hivelabs/hive-slack/internal/servicectl"
	"github.com/hivelabs/hive-slack/internal/setup"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The service manager is optional: setup still works on hosts
			// without systemd, it just skips the install offer.
			var svc setup.ServiceManager
			if mgr, err := servicectl.NewManager(newLogger()); err == nil {
				svc = mgr
			}
			wizard := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), svc)
			return wizard.Run(cmd.Context())
		},
	}
}
