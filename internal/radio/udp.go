package radio

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/ipv4"

	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/log"
)

const (
	defaultUDPGroup = "239.77.76.65:17000"
	maxDatagram     = 2048
)

// LinkOptions is the simulated link quality towards one peer.
type LinkOptions struct {
	RSSI int16   `mapstructure:"rssi"`
	SNR  float32 `mapstructure:"snr"`
}

// UDPOptions configures the multicast virtual air.
type UDPOptions struct {
	Group     string  `mapstructure:"group"`     // multicast group host:port
	Interface string  `mapstructure:"interface"` // empty = system default
	Node      string  `mapstructure:"node"`      // name put on the air, defaults to the relay id
	TTL       int     `mapstructure:"ttl"`
	RSSI      int16   `mapstructure:"rssi"` // reported for peers missing from Links
	SNR       float32 `mapstructure:"snr"`
	// Links restricts reception to the listed peers when not empty.
	Links map[string]LinkOptions `mapstructure:"links"`
}

func (o UDPOptions) withDefaults(node string) UDPOptions {
	if o.Group == "" {
		o.Group = defaultUDPGroup
	}
	if o.Node == "" {
		o.Node = node
	}
	if o.TTL <= 0 {
		o.TTL = 1
	}
	if o.RSSI == 0 {
		o.RSSI = -80
	}
	return o
}

// airFrame is one LoRa transmission carried in a datagram.
type airFrame struct {
	Src      string        `json:"src"`
	Freq     uint32        `json:"freq"`
	DataRate core.DataRate `json:"datr"`
	Power    int8          `json:"powe"`
	Data     []byte        `json:"data"`
}

// UDPRadio emulates a shared radio channel over IPv4 multicast so that
// several processes, on one host or a LAN, can form a mesh without hardware.
type UDPRadio struct {
	opts    UDPOptions
	maxSize int
	clock   clock.Clock
	group   *net.UDPAddr
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	frames  chan core.Frame

	closeOnce sync.Once
	done      chan struct{}
	logger    log.Logger
}

// NewUDP joins the multicast group and starts reading frames.
func NewUDP(opts UDPOptions, node string, maxFrameSize int) (*UDPRadio, error) {
	opts = opts.withDefaults(node)

	group, err := net.ResolveUDPAddr("udp4", opts.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", opts.Group, err)
	}
	var ifi *net.Interface
	if opts.Interface != "" {
		if ifi, err = net.InterfaceByName(opts.Interface); err != nil {
			return nil, fmt.Errorf("interface %s: %w", opts.Interface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.Group, err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	if err := pconn.SetMulticastTTL(opts.TTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if ifi != nil {
		if err := pconn.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}

	r := &UDPRadio{
		opts:    opts,
		maxSize: maxFrameSize,
		clock:   clock.New(),
		group:   group,
		conn:    conn,
		pconn:   pconn,
		frames:  make(chan core.Frame, defaultInboxDepth),
		done:    make(chan struct{}),
		logger:  log.GetLogger().WithFields(map[string]interface{}{"radio": "udp", "group": opts.Group, "node": opts.Node}),
	}
	go r.readLoop()
	return r, nil
}

func (r *UDPRadio) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, _, _, err := r.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			r.logger.WithError(err).Warn("multicast read failed")
			continue
		}

		var af airFrame
		if err := json.Unmarshal(buf[:n], &af); err != nil {
			r.logger.WithError(err).Debug("ignoring foreign datagram")
			continue
		}
		q, ok := r.linkTo(af.Src)
		if !ok {
			continue
		}
		f := core.Frame{
			Data: af.Data,
			RxInfo: core.RxInfo{
				Frequency: af.Freq,
				DataRate:  af.DataRate,
				RSSI:      q.RSSI,
				SNR:       q.SNR,
				Time:      r.clock.Now(),
			},
		}
		select {
		case r.frames <- f:
		case <-r.done:
			return
		default:
			r.logger.Warn("receive queue full, frame lost")
		}
	}
}

// linkTo reports whether frames from src are heard and with which quality.
func (r *UDPRadio) linkTo(src string) (core.LinkQuality, bool) {
	if src == r.opts.Node {
		return core.LinkQuality{}, false
	}
	if len(r.opts.Links) == 0 {
		return core.LinkQuality{RSSI: r.opts.RSSI, SNR: r.opts.SNR}, true
	}
	l, ok := r.opts.Links[src]
	if !ok {
		return core.LinkQuality{}, false
	}
	return core.LinkQuality{RSSI: l.RSSI, SNR: l.SNR}, true
}

func (r *UDPRadio) Receive(ctx context.Context) (core.Frame, error) {
	select {
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	case <-r.done:
		return core.Frame{}, core.ErrRadioClosed
	case f := <-r.frames:
		return f, nil
	}
}

func (r *UDPRadio) Transmit(ctx context.Context, f core.Frame) error {
	select {
	case <-r.done:
		return core.ErrRadioClosed
	default:
	}
	if len(f.Data) > r.maxSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", core.ErrRadio, len(f.Data), r.maxSize)
	}
	if err := waitTxTime(ctx, r.clock, f.TxInfo); err != nil {
		return err
	}
	b, err := json.Marshal(airFrame{
		Src:      r.opts.Node,
		Freq:     f.TxInfo.Frequency,
		DataRate: f.TxInfo.DataRate,
		Power:    f.TxInfo.Power,
		Data:     f.Data,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrRadio, err)
	}
	if _, err := r.pconn.WriteTo(b, nil, r.group); err != nil {
		return fmt.Errorf("%w: %v", core.ErrRadio, err)
	}
	return nil
}

func (r *UDPRadio) MaxFrameSize() int { return r.maxSize }

func (r *UDPRadio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}
