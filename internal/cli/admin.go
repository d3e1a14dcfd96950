package cli

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative helpers",
	}

	setPassword := &cobra.Command{
		Use:   "set-password [password]",
		Short: "Hash an admin password for the config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Fprint(cmd.OutOrStdout(), "New admin password: ")
				reader := bufio.NewReader(cmd.InOrStdin())
				line, err := reader.ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimSpace(line)
			}
			if password == "" {
				return fmt.Errorf("password must not be empty")
			}
			sum := sha256.Sum256([]byte(password))
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Add this to your .env file:")
			fmt.Fprintf(out, "ADMIN_PASSWORD_HASH=%s\n", hex.EncodeToString(sum[:]))
			return nil
		},
	}

	cmd.AddCommand(setPassword)
	return cmd
}
