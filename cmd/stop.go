package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/daemon"
)

var stopPIDFile string

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the loramesh daemon",
	Long: `Stop the loramesh daemon gracefully.

The shutdown request goes through the control socket. When the socket is
gone the daemon named by the PID file is sent SIGTERM instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newClient(), stopPIDFile, cmd.OutOrStdout())
	},
}

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "/var/run/loramesh.pid",
		"PID file used when the socket is unavailable")
}

// stopByPID is replaced in tests.
var stopByPID = func(pidFile string) error {
	return daemon.StopByPIDFile(pidFile, 15*time.Second)
}

func runStop(ctx context.Context, client ClientInterface, pidFile string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := client.Shutdown(ctx)
	switch {
	case err == nil && resp.Error == nil:
		fmt.Fprintln(out, "✓ Daemon is shutting down")
		return nil
	case err == nil:
		return fmt.Errorf("daemon_shutdown failed: %s", resp.Error.Message)
	case !errors.Is(err, core.ErrDaemonNotRunning):
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	if err := stopByPID(pidFile); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}
