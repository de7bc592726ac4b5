// Package heartbeat drives the periodic work of a mesh node: heartbeat
// advertisements, the sweep of stale topology and dedup state, and the
// counters reports a relay sends to the border.
//
// The scheduler only produces ticks. The relay engine owns the state the
// ticks act on and builds the heartbeat packets itself.
package heartbeat

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"

	"firestige.xyz/loramesh/internal/log"
)

// Config configures a Scheduler.
type Config struct {
	Interval      time.Duration // Mean time between heartbeats
	Jitter        float64       // Fraction of Interval, 0..1
	SweepInterval time.Duration
	StatsInterval time.Duration // Zero disables stats ticks
}

// Scheduler emits heartbeat, sweep and stats ticks.
type Scheduler struct {
	cfg   Config
	clock clock.Clock
	rng   *rand.Rand

	heartbeats chan time.Time
	sweeps     chan time.Time
	stats      chan time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = r }
}

// New creates a scheduler.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Interval
	}
	s := &Scheduler{
		cfg:        cfg,
		clock:      clock.New(),
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		heartbeats: make(chan time.Time, 1),
		sweeps:     make(chan time.Time, 1),
		stats:      make(chan time.Time, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Heartbeats delivers one tick per heartbeat to send.
func (s *Scheduler) Heartbeats() <-chan time.Time { return s.heartbeats }

// Sweeps delivers one tick per expiry sweep.
func (s *Scheduler) Sweeps() <-chan time.Time { return s.sweeps }

// Stats delivers one tick per counters report. It never fires when
// StatsInterval is zero.
func (s *Scheduler) Stats() <-chan time.Time { return s.stats }

// NextInterval returns Interval scaled by a uniform factor in [1-Jitter, 1+Jitter].
func (s *Scheduler) NextInterval() time.Duration {
	if s.cfg.Jitter == 0 {
		return s.cfg.Interval
	}
	f := 1 + s.cfg.Jitter*(2*s.rng.Float64()-1)
	return time.Duration(float64(s.cfg.Interval) * f)
}

// Run emits ticks until ctx is done. The first heartbeat is emitted at once
// so a starting node announces itself without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	hb := s.clock.Timer(s.NextInterval())
	defer hb.Stop()
	sweep := s.clock.Ticker(s.cfg.SweepInterval)
	defer sweep.Stop()
	var stats <-chan time.Time
	if s.cfg.StatsInterval > 0 {
		t := s.clock.Ticker(s.cfg.StatsInterval)
		defer t.Stop()
		stats = t.C
	}

	logger := log.GetLogger().WithField("component", "heartbeat")
	logger.Debugf("heartbeat scheduler started, interval=%s jitter=%.2f sweep=%s stats=%s",
		s.cfg.Interval, s.cfg.Jitter, s.cfg.SweepInterval, s.cfg.StatsInterval)

	s.emit(s.heartbeats, s.clock.Now())
	for {
		select {
		case <-ctx.Done():
			logger.Debug("heartbeat scheduler stopped")
			return ctx.Err()
		case now := <-hb.C:
			hb.Reset(s.NextInterval())
			s.emit(s.heartbeats, now)
		case now := <-sweep.C:
			s.emit(s.sweeps, now)
		case now := <-stats:
			s.emit(s.stats, now)
		}
	}
}

// emit never blocks: a tick the engine has not consumed yet stands for both.
func (s *Scheduler) emit(ch chan time.Time, now time.Time) {
	select {
	case ch <- now:
	default:
	}
}
