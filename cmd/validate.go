package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/core"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Long: `Validate a loramesh configuration file without starting the daemon.
Without an argument the file given by --config is checked.

Examples:
  loramesh validate /etc/loramesh/config.yml
  loramesh validate -c border.yml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if len(args) == 1 {
			path = args[0]
		}
		return runValidate(path, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	policy := cfg.Mesh.DisconnectedPolicy
	if cfg.Node.NodeRole == core.RoleBorder {
		policy = "n/a"
	}
	signed := "unsigned"
	if len(cfg.Mesh.RootKeyBytes) > 0 {
		signed = "signed"
	}
	fmt.Fprintf(out, "VALID: %s %s, radio %s, max %d hops, %s frames, disconnected policy %s\n",
		cfg.Node.NodeRole,
		cfg.Node.ID,
		cfg.Radio.Driver,
		cfg.Mesh.MaxHopCount,
		signed,
		policy,
	)
	return nil
}
