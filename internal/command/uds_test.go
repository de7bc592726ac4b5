package command

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/metrics"
)

func startServer(t *testing.T, handler *CommandHandler, opts ...UDSOption) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "loramesh.sock")
	server := NewUDSServer(socketPath, handler, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-server.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}
	t.Cleanup(cancel)
	return socketPath, cancel, errCh
}

func TestUDSServerClient_Integration(t *testing.T) {
	socketPath, cancel, errCh := startServer(t, newTestHandler())
	client := NewUDSClient(socketPath, 5*time.Second)

	t.Run("status", func(t *testing.T) {
		resp, err := client.Status(context.Background())
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if resp.Error != nil {
			t.Fatalf("unexpected error: %v", resp.Error.Message)
		}
		result, ok := resp.Result.(map[string]interface{})
		if !ok {
			t.Fatal("result is not a map")
		}
		if result["relay_id"] != "a0000001" {
			t.Errorf("relay_id = %v, want a0000001", result["relay_id"])
		}
		if result["state"] != "connected" {
			t.Errorf("state = %v, want connected", result["state"])
		}
		if result["next_hop"] != "b0000001" {
			t.Errorf("next_hop = %v, want b0000001", result["next_hop"])
		}
	})

	t.Run("relays", func(t *testing.T) {
		resp, err := client.Relays(context.Background(), "a0000001")
		if err != nil {
			t.Fatalf("Relays failed: %v", err)
		}
		result := resp.Result.(map[string]interface{})
		if result["count"] != float64(1) {
			t.Errorf("count = %v, want 1", result["count"])
		}
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := client.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		engine := resp.Result.(map[string]interface{})["engine"].(map[string]interface{})
		if engine["forwarded"] != float64(3) {
			t.Errorf("forwarded = %v, want 3", engine["forwarded"])
		}
	})

	t.Run("topology", func(t *testing.T) {
		resp, err := client.Topology(context.Background())
		if err != nil {
			t.Fatalf("Topology failed: %v", err)
		}
		if resp.Error != nil {
			t.Errorf("unexpected error: %v", resp.Error.Message)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := client.Ping(context.Background()); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("unknown_method", func(t *testing.T) {
		resp, err := client.Call(context.Background(), "unknown.method", nil)
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if resp.Error == nil {
			t.Fatal("expected error for unknown method")
		}
		if resp.Error.Code != ErrCodeMethodNotFound {
			t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
		}
	})

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server didn't stop in time")
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file not removed after server stop")
	}
}

func TestUDSServer_MalformedRequest(t *testing.T) {
	socketPath, _, _ := startServer(t, newTestHandler())

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte("not json\n{\"jsonrpc\":\"2.0\",\"id\":1}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	scanner := bufio.NewScanner(conn)
	for _, want := range []string{"-32700", "-32600"} {
		if !scanner.Scan() {
			t.Fatalf("no response: %v", scanner.Err())
		}
		if !strings.Contains(scanner.Text(), want) {
			t.Errorf("response %s does not carry code %s", scanner.Text(), want)
		}
	}
}

func dialControl(t *testing.T, socketPath string) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn, bufio.NewScanner(conn)
}

func TestUDSServer_ConnectionLimit(t *testing.T) {
	socketPath, _, _ := startServer(t, newTestHandler(), WithMaxConnections(1))
	rejected := testutil.ToFloat64(metrics.ControlRequests.WithLabelValues("", "rejected"))

	// the first connection holds the only slot once it has been served
	first, firstReader := dialControl(t, socketPath)
	if _, err := first.Write([]byte(`{"jsonrpc":"2.0","method":"status","id":1}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !firstReader.Scan() {
		t.Fatalf("no response on first connection: %v", firstReader.Err())
	}

	_, second := dialControl(t, socketPath)
	if !second.Scan() {
		t.Fatalf("no busy response: %v", second.Err())
	}
	if !strings.Contains(second.Text(), "-32000") {
		t.Errorf("response %s does not carry the busy code", second.Text())
	}
	if second.Scan() {
		t.Error("rejected connection stayed open")
	}
	if got := testutil.ToFloat64(metrics.ControlRequests.WithLabelValues("", "rejected")); got != rejected+1 {
		t.Errorf("rejected count = %v, want %v", got, rejected+1)
	}
}

func TestUDSServer_RequestTooLarge(t *testing.T) {
	socketPath, _, _ := startServer(t, newTestHandler(), WithMaxRequestSize(1024))

	conn, reader := dialControl(t, socketPath)
	line := `{"jsonrpc":"2.0","method":"status","id":"` + strings.Repeat("x", 2048) + "\"}\n"
	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !reader.Scan() {
		t.Fatalf("no response: %v", reader.Err())
	}
	if !strings.Contains(reader.Text(), "exceeds 1024 bytes") {
		t.Errorf("response = %s", reader.Text())
	}
}

func TestUDSServer_IdleConnectionClosed(t *testing.T) {
	socketPath, _, _ := startServer(t, newTestHandler(), WithIdleTimeout(50*time.Millisecond))

	_, reader := dialControl(t, socketPath)
	start := time.Now()
	if reader.Scan() {
		t.Fatalf("unexpected data %s", reader.Text())
	}
	if time.Since(start) > time.Second {
		t.Error("idle connection was not closed by the server")
	}
}

func TestUDSServer_RequestsCounted(t *testing.T) {
	socketPath, _, _ := startServer(t, newTestHandler())
	ok := testutil.ToFloat64(metrics.ControlRequests.WithLabelValues(MethodStatus, "ok"))
	unknown := testutil.ToFloat64(metrics.ControlRequests.WithLabelValues("unknown", "error"))

	client := NewUDSClient(socketPath, 5*time.Second)
	if _, err := client.Status(context.Background()); err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if _, err := client.Call(context.Background(), "no_such_method", nil); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if got := testutil.ToFloat64(metrics.ControlRequests.WithLabelValues(MethodStatus, "ok")); got != ok+1 {
		t.Errorf("status ok count = %v, want %v", got, ok+1)
	}
	if got := testutil.ToFloat64(metrics.ControlRequests.WithLabelValues("unknown", "error")); got != unknown+1 {
		t.Errorf("unknown method count = %v, want %v", got, unknown+1)
	}
}

func TestUDSClient_DaemonNotRunning(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)

	_, err := client.Status(context.Background())
	if !errors.Is(err, core.ErrDaemonNotRunning) {
		t.Errorf("err = %v, want ErrDaemonNotRunning", err)
	}
}

func TestUDSClient_Timeout(t *testing.T) {
	socketPath, _, _ := startServer(t, newTestHandler())

	client := NewUDSClient(socketPath, time.Nanosecond)
	if _, err := client.Status(context.Background()); err == nil {
		t.Error("expected timeout error")
	}
}

func TestUDSServer_MultipleConnections(t *testing.T) {
	socketPath, _, _ := startServer(t, newTestHandler())

	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := NewUDSClient(socketPath, 5*time.Second).Relays(context.Background(), "")
			errCh <- err
		}()
	}
	for i := 0; i < 5; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("client %d failed: %v", i, err)
		}
	}
}

func TestUDSServer_Shutdown(t *testing.T) {
	handler := newTestHandler()
	stopped := make(chan struct{})
	handler.SetShutdownFunc(func() { close(stopped) })
	socketPath, _, _ := startServer(t, handler)

	resp, err := NewUDSClient(socketPath, time.Second).Shutdown(context.Background())
	if err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if resp.Result.(map[string]interface{})["status"] != "shutting_down" {
		t.Errorf("result = %v", resp.Result)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Error("shutdown func not called")
	}
}

func TestNewUDSClient_DefaultTimeout(t *testing.T) {
	client := NewUDSClient("/tmp/test.sock", 0)
	if client.timeout != 10*time.Second {
		t.Errorf("default timeout = %v, want 10s", client.timeout)
	}

	client2 := NewUDSClient("/tmp/test.sock", 5*time.Second)
	if client2.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", client2.timeout)
	}
}
