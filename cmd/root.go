// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/loramesh/internal/command"
)

var (
	// Global flags
	configFile string
	socketPath string
	timeout    time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "loramesh",
	Short: "loramesh - LoRa gateway mesh relay",
	Long: `loramesh extends the coverage of a LoRaWAN network with relay gateways.

Relay gateways hear device uplinks and carry them over a LoRa mesh, hop by
hop, to a border gateway that owns the backhaul to the network server.
Downlinks travel the recorded path back to the relay that heard the device.

The daemon is controlled locally through a Unix domain socket.`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/loramesh/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/loramesh.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 10*time.Second,
		"control request timeout")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(relaysCmd)
	rootCmd.AddCommand(meshCommandCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
}
