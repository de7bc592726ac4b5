package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/loramesh/internal/daemon"
	"firestige.xyz/loramesh/internal/log"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run loramesh daemon in foreground",
	Long: `Run the loramesh daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Open the mesh radio (and the device radio, if configured)
  4. Connect the backhaul (border only) and the event reporter
  5. Run the relay engine and the heartbeat scheduler
  6. Start UDS server for CLI control
  7. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runDaemon(); err != nil {
			log.GetLogger().WithError(err).Error("daemon failed")
			return err
		}
		return nil
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from the config)")
}

func runDaemon() error {
	socket := socketPath
	if !rootCmd.PersistentFlags().Changed("socket") {
		socket = "" // control.socket from the config
	}

	d, err := daemon.New(configFile, socket, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
