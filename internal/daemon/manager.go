package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"firestige.xyz/loramesh/internal/core"
)

// WritePIDFile records the current process id in path. An empty path is a no-op.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	return nil
}

// RemovePIDFile removes path, ignoring a missing file.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile returns the process id stored in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, core.ErrDaemonNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

// StopByPIDFile sends SIGTERM to the daemon named by pidFile and waits up to
// timeout for it to exit. It is the fallback when the control socket is gone.
func StopByPIDFile(pidFile string, timeout time.Duration) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			_ = RemovePIDFile(pidFile)
			return core.ErrDaemonNotRunning
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		// Signal 0 only checks that the process exists.
		if err := process.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, timeout)
}
