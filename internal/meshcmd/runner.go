// Package meshcmd runs the operator commands a border gateway triggers on a
// relay through mesh Command packets. The value carried by the command is
// written to the process stdin and its stdout becomes the answering event.
package meshcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/log"
	"firestige.xyz/loramesh/internal/metrics"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultMaxOutput = 200
	stderrLimit      = 512
)

// Config configures a Runner.
type Config struct {
	Commands  map[uint8][]string // command type to argv
	Timeout   time.Duration
	MaxOutput int // stdout bytes kept
}

// Runner executes configured commands.
type Runner struct {
	cfg    Config
	logger log.Logger
}

// New creates a runner.
func New(cfg Config) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	return &Runner{cfg: cfg, logger: log.GetLogger().WithField("component", "meshcmd")}
}

// Configured reports whether a command is set up for typ.
func (r *Runner) Configured(typ uint8) bool {
	return len(r.cfg.Commands[typ]) > 0
}

// Run executes the command configured for typ with input on stdin and returns
// its stdout, cut to MaxOutput bytes.
func (r *Runner) Run(ctx context.Context, typ uint8, input []byte) ([]byte, error) {
	argv := r.cfg.Commands[typ]
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: %d", core.ErrCommandNotConfigured, typ)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	stdout := &capped{max: r.cfg.MaxOutput}
	stderr := &capped{max: stderrLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	fields := map[string]interface{}{
		"type":     typ,
		"command":  argv[0],
		"duration": time.Since(start).String(),
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		metrics.MeshCommands.WithLabelValues("timeout").Inc()
		r.logger.WithFields(fields).Warn("mesh command timed out")
		return nil, fmt.Errorf("mesh command %d timed out after %s", typ, r.cfg.Timeout)
	case err != nil:
		metrics.MeshCommands.WithLabelValues("error").Inc()
		msg := strings.TrimSpace(stderr.String())
		r.logger.WithFields(fields).WithField("stderr", msg).Warn("mesh command failed")
		return nil, fmt.Errorf("mesh command %d: %w", typ, err)
	}

	metrics.MeshCommands.WithLabelValues("ok").Inc()
	fields["output_bytes"] = stdout.Len()
	if stdout.dropped > 0 {
		fields["output_dropped"] = stdout.dropped
	}
	r.logger.WithFields(fields).Info("mesh command executed")
	return stdout.Bytes(), nil
}

// capped keeps the first max bytes written and discards the rest, so a
// chatty process is never blocked or failed by a full pipe.
type capped struct {
	bytes.Buffer
	max     int
	dropped int
}

func (c *capped) Write(p []byte) (int, error) {
	room := c.max - c.Buffer.Len()
	if room <= 0 {
		c.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		c.dropped += len(p) - room
		c.Buffer.Write(p[:room])
		return len(p), nil
	}
	return c.Buffer.Write(p)
}
