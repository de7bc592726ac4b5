package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/loramesh/internal/core"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response. A missing daemon is reported
// as core.ErrDaemonNotRunning.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", core.ErrDaemonNotRunning, c.socketPath)
		}
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := uuid.NewString()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// Status is a convenience method for the status command.
func (c *UDSClient) Status(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodStatus, nil)
}

// Topology is a convenience method for the topology command.
func (c *UDSClient) Topology(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodTopology, nil)
}

// Stats is a convenience method for the stats command.
func (c *UDSClient) Stats(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodStats, nil)
}

// Relays is a convenience method for the relays command. An empty relayID
// lists every relay.
func (c *UDSClient) Relays(ctx context.Context, relayID string) (*Response, error) {
	return c.Call(ctx, MethodRelays, RelaysParams{RelayID: relayID})
}

// MeshCommand asks a border to send commands to relayID.
func (c *UDSClient) MeshCommand(ctx context.Context, params MeshCommandParams) (*Response, error) {
	return c.Call(ctx, MethodMeshCommand, params)
}

// ConfigReload is a convenience method for the config_reload command.
func (c *UDSClient) ConfigReload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodConfigReload, nil)
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodDaemonShutdown, nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, MethodDaemonStatus, nil)
	return err
}
