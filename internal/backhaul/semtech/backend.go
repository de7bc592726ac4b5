package semtech

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/loramesh/internal/backhaul"
	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/log"
	"firestige.xyz/loramesh/internal/metrics"
)

const (
	readBufferSize = 65507
	downlinkDepth  = 64
	maxPendingAcks = 1024
)

// Config holds the resolved settings of a Backend.
type Config struct {
	// Relay is the border's own id, the target of immediate downlinks.
	Relay             core.RelayID
	Server            string
	GatewayID         [8]byte
	KeepaliveInterval time.Duration
	StatInterval      time.Duration
	ContextCapacity   int
}

// ConfigFrom builds a Config from the validated configuration. Without a
// configured gateway_id the EUI is the relay id prefixed with four zero bytes.
func ConfigFrom(cfg config.SemtechConfig, relay core.RelayID) (Config, error) {
	c := Config{
		Relay:             relay,
		Server:            cfg.Server,
		KeepaliveInterval: config.ParseDuration(cfg.KeepaliveInterval),
		StatInterval:      config.ParseDuration(cfg.StatInterval),
		ContextCapacity:   cfg.ContextCapacity,
	}
	if cfg.GatewayID == "" {
		c.GatewayID[4] = byte(relay >> 24)
		c.GatewayID[5] = byte(relay >> 16)
		c.GatewayID[6] = byte(relay >> 8)
		c.GatewayID[7] = byte(relay)
		return c, nil
	}
	b, err := hex.DecodeString(cfg.GatewayID)
	if err != nil || len(b) != 8 {
		return c, fmt.Errorf("%w: gateway_id must be 16 hex digits", core.ErrConfigInvalid)
	}
	copy(c.GatewayID[:], b)
	return c, nil
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the clock used for tmst and timers.
func WithClock(clk clock.Clock) Option {
	return func(b *Backend) { b.clock = clk }
}

type counters struct {
	rxnb, rxfw    atomic.Uint32
	pushed, acked atomic.Uint32
	dwnb, txnb    atomic.Uint32
	unresolved    atomic.Uint32
}

// Backend speaks the packet-forwarder protocol to a network server over UDP.
type Backend struct {
	cfg       Config
	conn      *net.UDPConn
	clock     clock.Clock
	epoch     time.Time
	contexts  *contextStore
	downlinks chan backhaul.Downlink
	logger    log.Logger
	stats     counters

	mu      sync.Mutex // guards pending
	pending map[uint16]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

var _ backhaul.Backhaul = (*Backend)(nil)

// New dials the network server.
func New(cfg Config, opts ...Option) (*Backend, error) {
	raddr, err := net.ResolveUDPAddr("udp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Server, err)
	}

	b := &Backend{
		cfg:       cfg,
		conn:      conn,
		clock:     clock.New(),
		contexts:  newContextStore(cfg.ContextCapacity),
		downlinks: make(chan backhaul.Downlink, downlinkDepth),
		pending:   make(map[uint16]struct{}),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.epoch = b.clock.Now()
	b.logger = log.GetLogger().WithFields(map[string]interface{}{
		"backhaul":   "semtech",
		"server":     cfg.Server,
		"gateway_id": hex.EncodeToString(cfg.GatewayID[:]),
	})
	return b, nil
}

// tmst emulates the concentrator's free running microsecond counter.
func (b *Backend) tmst() uint32 {
	return uint32(b.clock.Since(b.epoch).Microseconds())
}

func (b *Backend) Downlinks() <-chan backhaul.Downlink { return b.downlinks }

// ForwardUplink sends the uplink as an rxpk and records its tmst so that the
// network server's answer can be routed back to the gateway that heard it.
func (b *Backend) ForwardUplink(ctx context.Context, up backhaul.Uplink) error {
	select {
	case <-b.closed:
		return core.ErrBackhaulClosed
	default:
	}
	b.stats.rxnb.Add(1)

	tmst := b.tmst()
	rxTime := up.RxInfo.Time
	if rxTime.IsZero() {
		rxTime = b.clock.Now()
	}
	b.contexts.put(tmst, uplinkContext{RelayID: up.RelayID, UplinkID: up.UplinkID, RxTime: rxTime})

	payload, err := json.Marshal(PushDataPayload{RXPK: []RXPK{rxpkFromUplink(tmst, up.RxInfo, up.PHYPayload)}})
	if err != nil {
		return err
	}
	if err := b.push(payload); err != nil {
		metrics.BackhaulMessages.WithLabelValues("uplink", "error").Inc()
		return err
	}
	b.stats.rxfw.Add(1)
	metrics.BackhaulMessages.WithLabelValues("uplink", "ok").Inc()
	b.logger.WithFields(map[string]interface{}{
		"relay_id": up.RelayID.String(),
		"tmst":     tmst,
		"size":     len(up.PHYPayload),
	}).Debug("uplink forwarded")
	return nil
}

func (b *Backend) push(payload []byte) error {
	token := uint16(rand.Uint32())
	b.mu.Lock()
	if len(b.pending) >= maxPendingAcks {
		// the server stopped acking; start counting afresh
		clear(b.pending)
	}
	b.pending[token] = struct{}{}
	b.mu.Unlock()
	b.stats.pushed.Add(1)
	return b.send(Packet{Token: token, ID: PushData, GatewayID: b.cfg.GatewayID, Payload: payload})
}

func (b *Backend) send(p Packet) error {
	raw, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := b.conn.Write(raw); err != nil {
		return fmt.Errorf("send %s: %w", p.ID, err)
	}
	return nil
}

// Run keeps the pull channel open, reports stats and handles server packets
// until ctx is done.
func (b *Backend) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return b.Close()
	})
	g.Go(func() error { return b.readLoop() })
	g.Go(func() error { return b.keepalive(ctx) })
	g.Go(func() error { return b.statLoop(ctx) })
	return g.Wait()
}

func (b *Backend) keepalive(ctx context.Context) error {
	pull := func() {
		if err := b.send(Packet{Token: uint16(rand.Uint32()), ID: PullData, GatewayID: b.cfg.GatewayID}); err != nil {
			b.logger.WithError(err).Warn("pull data failed")
		}
	}
	pull()
	ticker := b.clock.Ticker(b.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pull()
		}
	}
}

func (b *Backend) statLoop(ctx context.Context) error {
	if b.cfg.StatInterval <= 0 {
		return nil
	}
	ticker := b.clock.Ticker(b.cfg.StatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			payload, err := json.Marshal(PushDataPayload{Stat: b.stat()})
			if err != nil {
				return err
			}
			if err := b.push(payload); err != nil {
				b.logger.WithError(err).Warn("stat push failed")
			}
		}
	}
}

func (b *Backend) stat() *Stat {
	ackr := 100.0
	if pushed := b.stats.pushed.Load(); pushed > 0 {
		ackr = float64(b.stats.acked.Load()) * 100 / float64(pushed)
	}
	return &Stat{
		Time: formatStatTime(b.clock.Now()),
		RXNb: b.stats.rxnb.Load(),
		RXOK: b.stats.rxnb.Load(),
		RXFW: b.stats.rxfw.Load(),
		ACKR: ackr,
		DWNb: b.stats.dwnb.Load(),
		TXNb: b.stats.txnb.Load(),
	}
}

func (b *Backend) readLoop() error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := b.conn.Read(buf)
		if err != nil {
			select {
			case <-b.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.logger.WithError(err).Warn("read failed")
			continue
		}
		var p Packet
		if err := p.UnmarshalBinary(buf[:n]); err != nil {
			b.logger.WithError(err).Debug("dropping invalid packet")
			continue
		}
		b.handle(p)
	}
}

func (b *Backend) handle(p Packet) {
	switch p.ID {
	case PushAck:
		b.mu.Lock()
		_, ok := b.pending[p.Token]
		delete(b.pending, p.Token)
		b.mu.Unlock()
		if ok {
			b.stats.acked.Add(1)
		}
	case PullAck:
		b.logger.Trace("pull ack")
	case PullResp:
		b.stats.dwnb.Add(1)
		ackErr := b.handlePullResp(p.Payload)
		if ackErr == TxAckNone {
			b.stats.txnb.Add(1)
		}
		var ack TxAckPayload
		ack.TXPKAck.Error = ackErr
		payload, _ := json.Marshal(ack)
		if err := b.send(Packet{Token: p.Token, ID: TxAck, GatewayID: b.cfg.GatewayID, Payload: payload}); err != nil {
			b.logger.WithError(err).Warn("tx ack failed")
		}
	default:
		b.logger.WithField("id", p.ID.String()).Debug("unexpected packet")
	}
}

// handlePullResp resolves a txpk into a Downlink and returns the TX_ACK error.
func (b *Backend) handlePullResp(payload []byte) string {
	var resp PullRespPayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		b.logger.WithError(err).Warn("invalid pull resp")
		metrics.BackhaulMessages.WithLabelValues("downlink", "invalid").Inc()
		return TxAckTxFreq
	}
	pk := resp.TXPK
	dr, err := core.ParseDataRate(pk.DatR)
	if err != nil {
		metrics.BackhaulMessages.WithLabelValues("downlink", "invalid").Inc()
		return TxAckTxFreq
	}

	dl := backhaul.Downlink{
		TxInfo: core.TxInfo{
			Frequency: FreqFromMHz(pk.Freq),
			DataRate:  dr,
			Power:     pk.Powe,
		},
		PHYPayload: pk.Data,
	}
	switch {
	case pk.Tmst != nil:
		c, delay, ok := b.contexts.resolve(*pk.Tmst)
		if !ok {
			b.stats.unresolved.Add(1)
			metrics.BackhaulMessages.WithLabelValues("downlink", "unresolved").Inc()
			b.logger.WithField("tmst", *pk.Tmst).Warn("no uplink context for downlink")
			return TxAckTooLate
		}
		dl.Target = c.RelayID
		dl.UplinkID = c.UplinkID
		dl.TxInfo.Delay = delay
		dl.TxInfo.RxTime = c.RxTime
	case pk.Imme:
		// class C, no uplink to answer: the border sends it itself
		dl.Target = b.cfg.Relay
	default:
		metrics.BackhaulMessages.WithLabelValues("downlink", "invalid").Inc()
		return TxAckTooEarly
	}

	select {
	case b.downlinks <- dl:
		metrics.BackhaulMessages.WithLabelValues("downlink", "ok").Inc()
		return TxAckNone
	default:
		metrics.BackhaulMessages.WithLabelValues("downlink", "queue_full").Inc()
		return TxAckTooLate
	}
}

func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
	})
	return err
}
