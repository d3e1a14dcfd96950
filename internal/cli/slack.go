package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hivelabs/hive-slack/internal/manifest"
)

// defaultManifestPath is where sync and validate look without an argument.
const defaultManifestPath = "config/slack-manifest.yaml"

func newSlackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slack",
		Short: "Manage the Slack app manifest",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the app's current scopes and event subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := manifest.NewClient(newLogger())
			app, err := client.Export(cmd.Context())
			if err != nil {
				return err
			}
			scopes := app.BotScopes()
			events := app.BotEvents()
			socketMode := "disabled"
			if app.SocketMode() {
				socketMode = "enabled"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "App: %s\n", app.Name())
			fmt.Fprintf(out, "Socket Mode: %s\n", socketMode)
			fmt.Fprintf(out, "Bot scopes (%d): %s\n", len(scopes), strings.Join(scopes, ", "))
			fmt.Fprintf(out, "Bot events (%d): %s\n", len(events), strings.Join(events, ", "))
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export [output]",
		Short: "Export the live manifest, to a file or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := manifest.NewClient(newLogger())
			app, err := client.Export(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) > 0 {
				if err := manifest.Save(app, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Manifest exported to %s\n", args[0])
				return nil
			}
			data, err := yaml.Marshal(app)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	sync := &cobra.Command{
		Use:   "sync [manifest]",
		Short: "Validate a manifest file and push it to Slack",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultManifestPath
			if len(args) > 0 {
				path = args[0]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Syncing manifest from %s...\n", path)
			client := manifest.NewClient(newLogger())
			permissionsUpdated, err := client.Sync(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Manifest synced successfully.")
			if permissionsUpdated {
				fmt.Fprintln(cmd.OutOrStdout())
				fmt.Fprintln(cmd.OutOrStdout(), "OAuth scopes changed. Reinstall the app for them to take effect:")
				if url, err := manifest.ReinstallURL(); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", url)
				}
			}
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Validate a manifest file against Slack's schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultManifestPath
			if len(args) > 0 {
				path = args[0]
			}
			app, err := manifest.Load(path)
			if err != nil {
				return err
			}
			client := manifest.NewClient(newLogger())
			if err := client.Validate(cmd.Context(), app); err != nil {
				return fmt.Errorf("manifest validation failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Manifest is valid.")
			return nil
		},
	}

	reinstallURL := &cobra.Command{
		Use:   "reinstall-url",
		Short: "Print the OAuth reinstall URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := manifest.ReinstallURL()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reinstall URL: %s\n", url)
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate-token",
		Short: "Rotate the app configuration token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := manifest.NewClient(newLogger())
			token, refresh, err := client.RotateToken(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Token rotated successfully.")
			fmt.Fprintf(out, "New config token: %s...\n", truncateToken(token))
			fmt.Fprintf(out, "New refresh token: %s...\n", truncateToken(refresh))
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Update your .env file with these new values:")
			fmt.Fprintf(out, "SLACK_CONFIG_TOKEN=%s\n", token)
			fmt.Fprintf(out, "SLACK_CONFIG_REFRESH_TOKEN=%s\n", refresh)
			return nil
		},
	}

	cmd.AddCommand(status, export, sync, validate, reinstallURL, rotate)
	return cmd
}

func truncateToken(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20]
}
