package radio

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/core"
)

// MemoryOptions configures a radio on an in-process Medium.
type MemoryOptions struct {
	Name  string                 `mapstructure:"name"` // defaults to the relay id
	Links map[string]LinkOptions `mapstructure:"links"`
}

// DefaultMedium is shared by every memory radio opened through Open.
var DefaultMedium = NewMedium(nil)

// Open creates the radio driver selected by cfg. node names this station
// on virtual media.
func Open(cfg config.RadioConfig, node string) (Radio, error) {
	switch cfg.Driver {
	case "memory":
		var opts MemoryOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		if opts.Name == "" {
			opts.Name = node
		}
		r := DefaultMedium.Attach(opts.Name, cfg.MaxFrameSize)
		for peer, q := range opts.Links {
			DefaultMedium.Link(opts.Name, peer, core.LinkQuality{RSSI: q.RSSI, SNR: q.SNR})
		}
		return r, nil
	case "udp":
		var opts UDPOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return NewUDP(opts, node, cfg.MaxFrameSize)
	case "serial":
		var opts SerialOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return OpenSerial(opts, cfg.MaxFrameSize)
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownRadio, cfg.Driver)
	}
}

func decodeOptions(in map[string]interface{}, out interface{}) error {
	if len(in) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("radio options: %w", err)
	}
	return nil
}
