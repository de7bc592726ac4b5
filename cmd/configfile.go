package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/loramesh/internal/config"
)

var configRelayID string

var configCmd = &cobra.Command{
	Use:   "configfile",
	Short: "Print a configuration file with every default",
	Long: `Print a complete configuration file holding the default of every
setting, ready to be edited.

Examples:
  loramesh configfile --relay-id a0000001 > /etc/loramesh/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(configRelayID, cmd.OutOrStdout())
	},
}

func init() {
	configCmd.Flags().StringVar(&configRelayID, "relay-id", "", "relay id to fill in (8 hex digits)")
}

func runConfig(relayID string, out io.Writer) error {
	cfg, err := config.Default()
	if err != nil {
		return err
	}
	cfg.Node.RelayID = relayID

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(config.Root{LoRaMesh: *cfg}); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
