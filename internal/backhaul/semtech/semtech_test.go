package semtech

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/loramesh/internal/backhaul"
	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/core"
)

func TestPacketLayout(t *testing.T) {
	p := Packet{Token: 0x1234, ID: PullData, GatewayID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x34, 0x12, 0x02, 1, 2, 3, 4, 5, 6, 7, 8}, b)

	var got Packet
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, p, got)

	ack, err := Packet{Token: 7, ID: PushAck}.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, ack, 4)

	assert.Error(t, got.UnmarshalBinary([]byte{0x02, 0, 0}))
	assert.Error(t, got.UnmarshalBinary([]byte{0x09, 0, 0, 0x01}))
	assert.Error(t, got.UnmarshalBinary([]byte{0x02, 0, 0, byte(PushData), 1, 2}))
	assert.Equal(t, "PULL_RESP", PullResp.String())
}

func TestFrequencyConversion(t *testing.T) {
	assert.InDelta(t, 868.1, FreqToMHz(868100000), 1e-9)
	assert.Equal(t, uint32(868100000), FreqFromMHz(868.1))
	assert.Equal(t, uint32(2403000000), FreqFromMHz(2403.0))
}

func TestContextResolve(t *testing.T) {
	s := newContextStore(4)
	s.put(1000, uplinkContext{RelayID: 0xA, UplinkID: 3})

	c, d, ok := s.resolve(1000 + 1_000_000)
	require.True(t, ok)
	assert.Equal(t, core.RelayID(0xA), c.RelayID)
	assert.Equal(t, time.Second, d)

	_, d, ok = s.resolve(1000 + 5_000_000)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	_, _, ok = s.resolve(1000 + 3_000_000)
	assert.False(t, ok)

	// counter wrap
	tmst := uint32(0xFFFFFF00)
	s.put(tmst, uplinkContext{RelayID: 0xB})
	c, d, ok = s.resolve(tmst + 2_000_000)
	require.True(t, ok)
	assert.Equal(t, core.RelayID(0xB), c.RelayID)
	assert.Equal(t, 2*time.Second, d)
}

func TestConfigFrom(t *testing.T) {
	c, err := ConfigFrom(config.SemtechConfig{Server: "ns:1700", KeepaliveInterval: "10s", StatInterval: "30s"}, 0x01020304)
	require.NoError(t, err)
	assert.Equal(t, [8]byte{0, 0, 0, 0, 1, 2, 3, 4}, c.GatewayID)
	assert.Equal(t, 10*time.Second, c.KeepaliveInterval)

	c, err = ConfigFrom(config.SemtechConfig{GatewayID: "aabbccddeeff0011"}, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), c.GatewayID[0])

	_, err = ConfigFrom(config.SemtechConfig{GatewayID: "zz"}, 1)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

// fakeServer is a minimal network server side of the protocol.
type fakeServer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newFakeServer(t *testing.T) *fakeServer {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeServer{t: t, conn: conn}
}

func (s *fakeServer) read() (Packet, *net.UDPAddr) {
	s.t.Helper()
	buf := make([]byte, 65535)
	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := s.conn.ReadFromUDP(buf)
	require.NoError(s.t, err)
	var p Packet
	require.NoError(s.t, p.UnmarshalBinary(buf[:n]))
	return p, addr
}

// readID skips packets until one with the given identifier arrives.
func (s *fakeServer) readID(id Identifier) (Packet, *net.UDPAddr) {
	s.t.Helper()
	for {
		p, addr := s.read()
		if p.ID == id {
			return p, addr
		}
	}
}

func (s *fakeServer) send(addr *net.UDPAddr, p Packet) {
	s.t.Helper()
	b, err := p.MarshalBinary()
	require.NoError(s.t, err)
	_, err = s.conn.WriteToUDP(b, addr)
	require.NoError(s.t, err)
}

func startBackend(t *testing.T, srv *fakeServer, clk clock.Clock) (*Backend, *net.UDPAddr) {
	b, err := New(Config{
		Relay:             0xB0,
		Server:            srv.conn.LocalAddr().String(),
		GatewayID:         [8]byte{0, 0, 0, 0, 0, 0, 0, 0xB0},
		KeepaliveInterval: time.Hour,
		ContextCapacity:   16,
	}, WithClock(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	pull, addr := srv.readID(PullData)
	assert.Equal(t, byte(0xB0), pull.GatewayID[7])
	srv.send(addr, Packet{Token: pull.Token, ID: PullAck})
	return b, addr
}

func TestUplinkAndDownlinkRoundTrip(t *testing.T) {
	srv := newFakeServer(t)
	mock := clock.NewMock()
	b, addr := startBackend(t, srv, mock)

	mock.Add(3 * time.Second)
	rx := core.RxInfo{
		Frequency: 868300000,
		DataRate:  core.DataRate{SpreadingFactor: 9, Bandwidth: 125000},
		RSSI:      -101,
		SNR:       -3.5,
		Time:      mock.Now(),
	}
	require.NoError(t, b.ForwardUplink(context.Background(), backhaul.Uplink{
		RelayID: 0xA2, UplinkID: 17, HopCount: 2, RxInfo: rx, PHYPayload: []byte{0x40, 1, 2, 3},
	}))

	push, _ := srv.readID(PushData)
	var pd PushDataPayload
	require.NoError(t, json.Unmarshal(push.Payload, &pd))
	require.Len(t, pd.RXPK, 1)
	pk := pd.RXPK[0]
	assert.Equal(t, uint32(3_000_000), pk.Tmst)
	assert.Equal(t, "SF9BW125", pk.DatR)
	assert.InDelta(t, 868.3, pk.Freq, 1e-9)
	assert.Equal(t, int16(-101), pk.RSSI)
	assert.Equal(t, []byte{0x40, 1, 2, 3}, pk.Data)
	srv.send(addr, Packet{Token: push.Token, ID: PushAck})

	tmst := pk.Tmst + 1_000_000
	resp, err := json.Marshal(PullRespPayload{TXPK: TXPK{
		Tmst: &tmst, Freq: 868.3, Powe: 14, Modu: "LORA", DatR: "SF9BW125", IPol: true, Data: []byte{0x60, 9},
	}})
	require.NoError(t, err)
	srv.send(addr, Packet{Token: 0xBEEF, ID: PullResp, Payload: resp})

	select {
	case dl := <-b.Downlinks():
		assert.Equal(t, core.RelayID(0xA2), dl.Target)
		assert.Equal(t, uint16(17), dl.UplinkID)
		assert.Equal(t, time.Second, dl.TxInfo.Delay)
		assert.Equal(t, uint32(868300000), dl.TxInfo.Frequency)
		assert.Equal(t, int8(14), dl.TxInfo.Power)
		assert.Equal(t, rx.Time, dl.TxInfo.RxTime)
		assert.Equal(t, []byte{0x60, 9}, dl.PHYPayload)
	case <-time.After(2 * time.Second):
		t.Fatal("no downlink")
	}

	ack, _ := srv.readID(TxAck)
	assert.Equal(t, uint16(0xBEEF), ack.Token)
	var ap TxAckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ap))
	assert.Equal(t, TxAckNone, ap.TXPKAck.Error)

	assert.Eventually(t, func() bool { return b.stats.acked.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDownlinkWithoutContext(t *testing.T) {
	srv := newFakeServer(t)
	b, addr := startBackend(t, srv, clock.NewMock())

	tmst := uint32(42)
	resp, err := json.Marshal(PullRespPayload{TXPK: TXPK{Tmst: &tmst, Freq: 869.525, DatR: "SF12BW125", Data: []byte{1}}})
	require.NoError(t, err)
	srv.send(addr, Packet{Token: 5, ID: PullResp, Payload: resp})

	ack, _ := srv.readID(TxAck)
	var ap TxAckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ap))
	assert.Equal(t, TxAckTooLate, ap.TXPKAck.Error)
	assert.Empty(t, b.Downlinks())

	imme, err := json.Marshal(PullRespPayload{TXPK: TXPK{Imme: true, Freq: 869.525, DatR: "SF12BW125", Data: []byte{2}}})
	require.NoError(t, err)
	srv.send(addr, Packet{Token: 6, ID: PullResp, Payload: imme})
	select {
	case dl := <-b.Downlinks():
		assert.Equal(t, core.RelayID(0xB0), dl.Target)
		assert.Zero(t, dl.TxInfo.Delay)
	case <-time.After(2 * time.Second):
		t.Fatal("no immediate downlink")
	}
}

func TestForwardAfterClose(t *testing.T) {
	srv := newFakeServer(t)
	b, err := New(Config{Server: srv.conn.LocalAddr().String(), KeepaliveInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.ForwardUplink(context.Background(), backhaul.Uplink{}), core.ErrBackhaulClosed)
}

func TestStatReport(t *testing.T) {
	srv := newFakeServer(t)
	b, err := New(Config{Server: srv.conn.LocalAddr().String(), KeepaliveInterval: time.Hour}, WithClock(clock.NewMock()))
	require.NoError(t, err)
	defer b.Close()

	b.stats.rxnb.Store(4)
	b.stats.rxfw.Store(4)
	b.stats.pushed.Store(4)
	b.stats.acked.Store(3)
	st := b.stat()
	assert.Equal(t, uint32(4), st.RXNb)
	assert.InDelta(t, 75.0, st.ACKR, 1e-9)
	assert.Equal(t, "1970-01-01 00:00:00 GMT", st.Time)
}
