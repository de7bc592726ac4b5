package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"firestige.xyz/loramesh/internal/log"
	"firestige.xyz/loramesh/internal/metrics"
)

const (
	defaultMaxConnections = 16
	defaultMaxRequestSize = 64 * 1024
	defaultIdleTimeout    = 5 * time.Minute
)

// UDSOption tunes a UDSServer.
type UDSOption func(*UDSServer)

// WithMaxConnections caps concurrent control connections. Extra clients get
// an error response and are closed.
func WithMaxConnections(n int) UDSOption {
	return func(s *UDSServer) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// WithMaxRequestSize caps the length of one request line.
func WithMaxRequestSize(n int) UDSOption {
	return func(s *UDSServer) {
		if n > 0 {
			s.maxRequest = n
		}
	}
}

// WithIdleTimeout closes connections that send nothing for d.
func WithIdleTimeout(d time.Duration) UDSOption {
	return func(s *UDSServer) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// UDSServer serves newline delimited JSON-RPC 2.0 on a Unix socket.
type UDSServer struct {
	socketPath  string
	handler     *CommandHandler
	logger      log.Logger
	maxConns    int
	maxRequest  int
	idleTimeout time.Duration

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	stopped  bool
	ready    chan struct{}
}

// NewUDSServer creates a control server for socketPath.
func NewUDSServer(socketPath string, handler *CommandHandler, opts ...UDSOption) *UDSServer {
	s := &UDSServer{
		socketPath:  socketPath,
		handler:     handler,
		logger:      log.GetLogger().WithField("socket", socketPath),
		maxConns:    defaultMaxConnections,
		maxRequest:  defaultMaxRequestSize,
		idleTimeout: defaultIdleTimeout,
		conns:       make(map[net.Conn]struct{}),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready is closed once the socket accepts connections.
func (s *UDSServer) Ready() <-chan struct{} { return s.ready }

// Start listens and serves until ctx is cancelled.
func (s *UDSServer) Start(ctx context.Context) error {
	// a crashed daemon leaves its socket behind
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.listener = listener

	s.logger.WithField("max_connections", s.maxConns).Info("control socket listening")
	close(s.ready)

	go s.acceptLoop(ctx)

	<-ctx.Done()
	return s.Stop()
}

func (s *UDSServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isStopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithError(err).Warn("accept failed")
			continue
		}

		s.mu.Lock()
		switch {
		case s.stopped:
			s.mu.Unlock()
			conn.Close()
			return
		case len(s.conns) >= s.maxConns:
			s.mu.Unlock()
			s.reject(conn)
			continue
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serve(ctx, conn)
	}
}

func (s *UDSServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// reject answers a connection over the limit and closes it.
func (s *UDSServer) reject(conn net.Conn) {
	defer conn.Close()
	metrics.ControlRequests.WithLabelValues("", "rejected").Inc()
	s.logger.Warn("too many control connections, rejecting client")
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = json.NewEncoder(conn).Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &ErrorInfo{Code: ErrCodeServerBusy, Message: "too many control connections"},
	})
}

// serve answers requests on one connection, one JSON object per line.
func (s *UDSServer) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.maxRequest)
	encoder := json.NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		if !scanner.Scan() {
			break
		}
		if err := encoder.Encode(s.dispatch(ctx, scanner.Bytes())); err != nil {
			s.logger.WithError(err).Debug("failed to send response")
			return
		}
	}

	switch err := scanner.Err(); {
	case errors.Is(err, bufio.ErrTooLong):
		metrics.ControlRequests.WithLabelValues("", "error").Inc()
		_ = encoder.Encode(JSONRPCResponse{
			JSONRPC: "2.0",
			Error: &ErrorInfo{
				Code:    ErrCodeInvalidRequest,
				Message: fmt.Sprintf("request exceeds %d bytes", s.maxRequest),
			},
		})
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Debug("closing idle control connection")
	case err != nil && !s.isStopped():
		s.logger.WithError(err).Debug("control connection error")
	}
}

// dispatch decodes one request line and runs it through the handler.
func (s *UDSServer) dispatch(ctx context.Context, line []byte) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		metrics.ControlRequests.WithLabelValues("", "error").Inc()
		return JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &ErrorInfo{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
		}
	}
	if req.Method == "" {
		metrics.ControlRequests.WithLabelValues("", "error").Inc()
		return JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &ErrorInfo{Code: ErrCodeInvalidRequest, Message: "missing method"},
		}
	}

	start := time.Now()
	resp := s.handler.Handle(ctx, Command{
		Method: req.Method,
		Params: req.Params,
		ID:     fmt.Sprintf("%v", req.ID),
	})

	method, result := req.Method, "ok"
	if resp.Error != nil {
		result = "error"
		if resp.Error.Code == ErrCodeMethodNotFound {
			method = "unknown"
		}
	}
	metrics.ControlRequests.WithLabelValues(method, result).Inc()
	s.logger.WithFields(map[string]interface{}{
		"method":   req.Method,
		"result":   result,
		"duration": time.Since(start).String(),
	}).Debug("control request")

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  resp.Result,
		Error:   resp.Error,
	}
}

// Stop closes the listener and every open connection, then removes the socket.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove socket: %w", err)
	}
	s.logger.Info("control socket closed")
	return nil
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}
