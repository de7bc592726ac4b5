package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"firestige.xyz/loramesh/internal/command"
	"firestige.xyz/loramesh/internal/core"
)

var meshCommandHex bool

var meshCommandCmd = &cobra.Command{
	Use:   "mesh-command <relay-id> <type> [payload]",
	Short: "Run a command on a relay through the mesh",
	Long: `Ask a border gateway to send a mesh command to a relay. The relay runs
the program configured for type (128-255) under mesh.commands with payload on
its stdin and reports the output back to the border as a mesh event.

The command prints the id of the Command packet; the answer arrives later
through the event reporter.`,
	Example: `  loramesh mesh-command a0000002 130
  loramesh mesh-command a0000002 131 "eth0"
  loramesh mesh-command a0000002 132 0102ff --hex`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := meshCommandParams(args, meshCommandHex)
		if err != nil {
			return err
		}
		return runQuery(cmd.Context(), newClient(), command.MethodMeshCommand, params, cmd.OutOrStdout())
	},
}

func init() {
	meshCommandCmd.Flags().BoolVar(&meshCommandHex, "hex", false, "payload is hex encoded")
}

func meshCommandParams(args []string, isHex bool) (command.MeshCommandParams, error) {
	if _, err := core.ParseRelayID(args[0]); err != nil {
		return command.MeshCommandParams{}, err
	}
	typ, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil || typ < 128 {
		return command.MeshCommandParams{}, fmt.Errorf("invalid command type %q: must be within 128..255", args[1])
	}
	item := command.MeshCommandItem{Type: uint8(typ)}
	if len(args) == 3 {
		if isHex {
			item.PayloadHex = args[2]
		} else {
			item.Payload = args[2]
		}
	}
	return command.MeshCommandParams{RelayID: args[0], Commands: []command.MeshCommandItem{item}}, nil
}
