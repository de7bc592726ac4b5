// Package command implements the local control plane: JSON-RPC over a Unix
// domain socket serving diagnostics of the running relay engine and sending
// mesh commands from a border.
package command

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"firestige.xyz/loramesh/internal/codec"
	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/log"
	"firestige.xyz/loramesh/internal/relay"
)

// Version is reported by daemon_status.
var Version = "0.1.0"

// Inspector answers diagnostic queries. *relay.Engine implements it.
type Inspector interface {
	Status(ctx context.Context) (relay.Status, error)
	Topology(ctx context.Context) (relay.Topology, error)
	Stats(ctx context.Context) (relay.Stats, error)
	Relays(ctx context.Context) ([]relay.RelayInfo, error)
}

// MeshCommander sends mesh commands to relays. A border's engine implements
// it; the handler finds it on the Inspector.
type MeshCommander interface {
	SendCommand(ctx context.Context, target core.RelayID, commands []codec.Item) (uint16, error)
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	inspector      Inspector
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      time.Time
	extraStats     func() map[string]interface{}
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(inspector Inspector, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		inspector:      inspector,
		configReloader: reloader,
		startTime:      time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// SetExtraStats adds the counters returned by fn to the stats command, e.g.
// radio queues and reporter drops owned by the daemon.
func (h *CommandHandler) SetExtraStats(fn func() map[string]interface{}) {
	h.extraStats = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "status", "relays"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
	ErrCodeServerBusy     = -32000 // Connection limit reached
)

// Methods served by the handler.
const (
	MethodStatus         = "status"
	MethodTopology       = "topology"
	MethodStats          = "stats"
	MethodRelays         = "relays"
	MethodMeshCommand    = "mesh_command"
	MethodConfigReload   = "config_reload"
	MethodDaemonStatus   = "daemon_status"
	MethodDaemonShutdown = "daemon_shutdown"
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().WithFields(map[string]interface{}{
		"method": cmd.Method,
		"id":     cmd.ID,
	}).Debug("handling command")

	switch cmd.Method {
	case MethodStatus:
		return h.handleStatus(ctx, cmd)
	case MethodTopology:
		return h.handleTopology(ctx, cmd)
	case MethodStats:
		return h.handleStats(ctx, cmd)
	case MethodRelays:
		return h.handleRelays(ctx, cmd)
	case MethodMeshCommand:
		return h.handleMeshCommand(ctx, cmd)
	case MethodConfigReload:
		return h.handleConfigReload(ctx, cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(ctx, cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(ctx, cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

func (h *CommandHandler) handleStatus(ctx context.Context, cmd Command) Response {
	if h.inspector == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "relay engine not available")
	}
	status, err := h.inspector.Status(ctx)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("status failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: status}
}

func (h *CommandHandler) handleTopology(ctx context.Context, cmd Command) Response {
	if h.inspector == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "relay engine not available")
	}
	topo, err := h.inspector.Topology(ctx)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("topology failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: topo}
}

func (h *CommandHandler) handleStats(ctx context.Context, cmd Command) Response {
	if h.inspector == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "relay engine not available")
	}
	stats, err := h.inspector.Stats(ctx)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("stats failed: %v", err))
	}
	result := map[string]interface{}{"engine": stats}
	if h.extraStats != nil {
		for k, v := range h.extraStats() {
			result[k] = v
		}
	}
	return Response{ID: cmd.ID, Result: result}
}

// RelaysParams selects a single relay. Empty returns all of them.
type RelaysParams struct {
	RelayID string `json:"relay_id,omitempty"`
}

func (h *CommandHandler) handleRelays(ctx context.Context, cmd Command) Response {
	var params RelaysParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}
	var filter *core.RelayID
	if params.RelayID != "" {
		id, err := core.ParseRelayID(params.RelayID)
		if err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, err.Error())
		}
		filter = &id
	}
	if h.inspector == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "relay engine not available")
	}

	relays, err := h.inspector.Relays(ctx)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("relays failed: %v", err))
	}
	if filter != nil {
		selected := relays[:0]
		for _, r := range relays {
			if r.RelayID == *filter {
				selected = append(selected, r)
			}
		}
		relays = selected
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"relays": relays,
			"count":  len(relays),
		},
	}
}

// MeshCommandParams names the relay and the commands to run on it.
type MeshCommandParams struct {
	RelayID  string            `json:"relay_id"`
	Commands []MeshCommandItem `json:"commands"`
}

// MeshCommandItem is one command. The value goes to the command's stdin and
// is given either as text or as hex.
type MeshCommandItem struct {
	Type       uint8  `json:"type"`
	Payload    string `json:"payload,omitempty"`
	PayloadHex string `json:"payload_hex,omitempty"`
}

func (h *CommandHandler) handleMeshCommand(ctx context.Context, cmd Command) Response {
	var params MeshCommandParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	target, err := core.ParseRelayID(params.RelayID)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, err.Error())
	}
	if len(params.Commands) == 0 {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "commands must not be empty")
	}
	items := make([]codec.Item, 0, len(params.Commands))
	for _, c := range params.Commands {
		if c.Type < codec.ProprietaryTypeMin {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("command type %d is reserved, use %d..255", c.Type, codec.ProprietaryTypeMin))
		}
		payload := []byte(c.Payload)
		if c.PayloadHex != "" {
			if payload, err = hex.DecodeString(c.PayloadHex); err != nil {
				return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("payload_hex: %v", err))
			}
		}
		if len(payload) > codec.MaxItemSize {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("command type %d payload exceeds %d bytes", c.Type, codec.MaxItemSize))
		}
		items = append(items, codec.Item{Type: c.Type, Payload: payload})
	}

	commander, ok := h.inspector.(MeshCommander)
	if !ok {
		return errorResponse(cmd.ID, ErrCodeInternalError, "mesh commands not available")
	}
	id, err := commander.SendCommand(ctx, target, items)
	switch {
	case errors.Is(err, core.ErrNotBorder):
		return errorResponse(cmd.ID, ErrCodeInvalidRequest, err.Error())
	case err != nil:
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("mesh command failed: %v", err))
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"relay_id":  target,
			"packet_id": id,
			"commands":  len(items),
		},
	}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(ctx context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload config failed: %v", err))
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "reloaded",
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	log.GetLogger().Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(ctx context.Context, cmd Command) Response {
	result := map[string]interface{}{
		"version":    Version,
		"uptime_sec": int64(time.Since(h.startTime).Seconds()),
	}
	if h.inspector != nil {
		if status, err := h.inspector.Status(ctx); err == nil {
			result["relay_id"] = status.RelayID
			result["role"] = status.Role
			result["state"] = status.State
		}
	}
	return Response{ID: cmd.ID, Result: result}
}
