package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the daemon to reload its configuration file. Log settings apply at
once; the daemon logs which other changes need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func runReload(ctx context.Context, client ClientInterface, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := client.ConfigReload(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("failed to reload: %s", resp.Error.Message)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
