package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.bug.st/serial"

	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/log"
)

// SerialOptions describes the serial line to a KISS LoRa TNC.
type SerialOptions struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   string `mapstructure:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	if o.Port == "" {
		return o, errors.New("serial radio requires 'port' option")
	}
	if o.BaudRate <= 0 {
		o.BaudRate = 115200
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}
	switch strings.ToUpper(strings.TrimSpace(o.Parity)) {
	case "", "N", "NONE":
		o.Parity = "N"
	case "E", "EVEN":
		o.Parity = "E"
	case "O", "ODD":
		o.Parity = "O"
	default:
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return o, nil
}

// Mode converts normalized options into a go.bug.st/serial mode.
func (o SerialOptions) Mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if o.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch o.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode
}

// OpenSerial opens the serial port and speaks KISS over it.
func OpenSerial(opts SerialOptions, maxFrameSize int) (*KISSRadio, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(opts.Port, opts.Mode())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", core.ErrRadio, opts.Port, err)
	}
	return NewKISS(port, maxFrameSize, clock.New()), nil
}

// KISSRadio drives a LoRa TNC over a KISS byte stream.
type KISSRadio struct {
	rw      io.ReadWriteCloser
	maxSize int
	clock   clock.Clock
	frames  chan core.Frame
	logger  log.Logger

	mu    sync.Mutex // serializes writes and guards tuned
	tuned core.TxInfo

	failOnce  sync.Once
	failErr   error
	failed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewKISS wraps an already open stream.
func NewKISS(rw io.ReadWriteCloser, maxFrameSize int, clk clock.Clock) *KISSRadio {
	r := &KISSRadio{
		rw:      rw,
		maxSize: maxFrameSize,
		clock:   clk,
		frames:  make(chan core.Frame, defaultInboxDepth),
		logger:  log.GetLogger().WithField("radio", "kiss"),
		failed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r
}

func (r *KISSRadio) readLoop() {
	kr := newKISSReader(r.rw)
	var rssi int16
	var snr float32
	for {
		cmd, data, err := kr.ReadFrame()
		if err != nil {
			r.fail(err)
			return
		}
		switch cmd {
		case kissCmdStatRSSI:
			if len(data) == 1 {
				rssi = int16(data[0]) - kissRSSIOffset
			}
		case kissCmdStatSNR:
			if len(data) == 1 {
				snr = float32(int8(data[0])) / 4
			}
		case kissCmdData:
			f := core.Frame{
				Data:   append([]byte(nil), data...),
				RxInfo: core.RxInfo{RSSI: rssi, SNR: snr, Time: r.clock.Now()},
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
}

func (r *KISSRadio) fail(err error) {
	r.failOnce.Do(func() {
		r.failErr = err
		close(r.failed)
	})
	select {
	case <-r.done:
	default:
		r.logger.WithError(err).Error("tnc read failed")
	}
}

func (r *KISSRadio) Receive(ctx context.Context) (core.Frame, error) {
	select {
	case f := <-r.frames:
		return f, nil
	default:
	}
	select {
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	case <-r.done:
		return core.Frame{}, core.ErrRadioClosed
	case f := <-r.frames:
		return f, nil
	case <-r.failed:
		return core.Frame{}, fmt.Errorf("%w: %v", core.ErrRadioClosed, r.failErr)
	}
}

// Transmit retunes the TNC when the TX parameters changed, waits for the
// scheduled TX time and writes the data frame.
func (r *KISSRadio) Transmit(ctx context.Context, f core.Frame) error {
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

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []byte
	tx := f.TxInfo
	if tx.Frequency != 0 && tx.Frequency != r.tuned.Frequency {
		out = append(out, kissUint32(kissCmdFrequency, tx.Frequency)...)
	}
	if tx.DataRate.Bandwidth != 0 && tx.DataRate.Bandwidth != r.tuned.DataRate.Bandwidth {
		out = append(out, kissUint32(kissCmdBandwidth, tx.DataRate.Bandwidth)...)
	}
	if tx.DataRate.SpreadingFactor != 0 && tx.DataRate.SpreadingFactor != r.tuned.DataRate.SpreadingFactor {
		out = append(out, kissEncode(kissCmdSF, []byte{tx.DataRate.SpreadingFactor})...)
	}
	if tx.Power != 0 && tx.Power != r.tuned.Power {
		out = append(out, kissEncode(kissCmdTxPower, []byte{byte(tx.Power)})...)
	}
	out = append(out, kissEncode(kissCmdData, f.Data)...)

	if _, err := r.rw.Write(out); err != nil {
		return fmt.Errorf("%w: %v", core.ErrRadio, err)
	}
	if tx.Frequency != 0 {
		r.tuned.Frequency = tx.Frequency
	}
	if tx.DataRate.Bandwidth != 0 {
		r.tuned.DataRate.Bandwidth = tx.DataRate.Bandwidth
	}
	if tx.DataRate.SpreadingFactor != 0 {
		r.tuned.DataRate.SpreadingFactor = tx.DataRate.SpreadingFactor
	}
	if tx.Power != 0 {
		r.tuned.Power = tx.Power
	}
	return nil
}

func (r *KISSRadio) MaxFrameSize() int { return r.maxSize }

func (r *KISSRadio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.rw.Close()
	})
	return err
}

// waitTxTime blocks until RxTime+Delay for scheduled transmissions.
func waitTxTime(ctx context.Context, clk clock.Clock, tx core.TxInfo) error {
	if tx.Delay <= 0 || tx.RxTime.IsZero() {
		return nil
	}
	wait := tx.RxTime.Add(tx.Delay).Sub(clk.Now())
	if wait <= 0 {
		return nil
	}
	t := clk.Timer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
