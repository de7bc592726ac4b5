package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/loramesh/internal/command"
	"firestige.xyz/loramesh/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Long: `Query the daemon for the node status: relay id, role, connectivity,
distance to the border, next hop and buffered uplinks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), newClient(), command.MethodStatus, nil, cmd.OutOrStdout())
	},
}

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Show neighbors and routes",
	Long:  `Query the daemon for its neighbor table and the routes learned from heartbeats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), newClient(), command.MethodTopology, nil, cmd.OutOrStdout())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show runtime statistics",
	Long: `Query the daemon for runtime statistics.

Shows: packets forwarded, flooded and delivered, drops per reason, radio
transmit queues and reporter drops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), newClient(), command.MethodStats, nil, cmd.OutOrStdout())
	},
}

var relaysCmd = &cobra.Command{
	Use:   "relays [relay-id]",
	Short: "List relays known to a border",
	Long: `List the relays a border gateway has heard heartbeats from, or the
single relay named by relay-id (8 hex digits).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := command.RelaysParams{}
		if len(args) == 1 {
			if _, err := core.ParseRelayID(args[0]); err != nil {
				return err
			}
			params.RelayID = args[0]
		}
		return runQuery(cmd.Context(), newClient(), command.MethodRelays, params, cmd.OutOrStdout())
	},
}

// runQuery calls method and prints the result as indented JSON.
func runQuery(ctx context.Context, client ClientInterface, method string, params interface{}, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := client.Call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %s", method, resp.Error.Message)
	}

	resultJSON, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(resultJSON))
	return nil
}
