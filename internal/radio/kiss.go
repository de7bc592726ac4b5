package radio

import (
	"bufio"
	"encoding/binary"
	"io"
)

// KISS framing bytes.
const (
	kissFEND  = 0xC0
	kissFESC  = 0xDB
	kissTFEND = 0xDC
	kissTFESC = 0xDD
)

// KISS commands understood by LoRa TNC firmwares (RNode command set).
const (
	kissCmdData      = 0x00
	kissCmdFrequency = 0x01
	kissCmdBandwidth = 0x02
	kissCmdTxPower   = 0x03
	kissCmdSF        = 0x04
	kissCmdStatRSSI  = 0x23
	kissCmdStatSNR   = 0x24

	// kissRSSIOffset is added by the TNC so the RSSI fits an unsigned byte.
	kissRSSIOffset = 157
)

func kissEncode(cmd byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, kissFEND, cmd)
	for _, b := range data {
		switch b {
		case kissFEND:
			out = append(out, kissFESC, kissTFEND)
		case kissFESC:
			out = append(out, kissFESC, kissTFESC)
		default:
			out = append(out, b)
		}
	}
	return append(out, kissFEND)
}

func kissUint32(cmd byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return kissEncode(cmd, b[:])
}

type kissReader struct {
	r *bufio.Reader
}

func newKISSReader(r io.Reader) *kissReader {
	return &kissReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next non-empty frame. Bytes outside a frame are skipped.
func (k *kissReader) ReadFrame() (byte, []byte, error) {
	var buf []byte
	inFrame, escaped := false, false
	for {
		b, err := k.r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		switch {
		case b == kissFEND:
			if inFrame && len(buf) > 0 {
				return buf[0], buf[1:], nil
			}
			inFrame, escaped = true, false
			buf = buf[:0]
		case !inFrame:
		case escaped:
			escaped = false
			switch b {
			case kissTFEND:
				buf = append(buf, kissFEND)
			case kissTFESC:
				buf = append(buf, kissFESC)
			default:
				buf = append(buf, b)
			}
		case b == kissFESC:
			escaped = true
		default:
			buf = append(buf, b)
		}
	}
}
