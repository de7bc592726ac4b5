// Package config handles global configuration loading using viper.
package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/lorawan"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `loramesh:` root key in YAML.
type GlobalConfig struct {
	Node        NodeConfig     `mapstructure:"node" yaml:"node"`
	Mesh        MeshConfig     `mapstructure:"mesh" yaml:"mesh"`
	Radio       RadioConfig    `mapstructure:"radio" yaml:"radio"`
	DeviceRadio RadioConfig    `mapstructure:"device_radio" yaml:"device_radio"` // Driver empty = share Radio
	Backhaul    BackhaulConfig `mapstructure:"backhaul" yaml:"backhaul"`
	Reporter    ReporterConfig `mapstructure:"reporter" yaml:"reporter"`
	Control     ControlConfig  `mapstructure:"control" yaml:"control"`
	Metrics     MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig      `mapstructure:"log" yaml:"log"`
}

// ─── Node Identity ───

// NodeConfig identifies this gateway in the mesh.
type NodeConfig struct {
	RelayID string `mapstructure:"relay_id" yaml:"relay_id"` // 8 hex digits
	Role    string `mapstructure:"role" yaml:"role"`         // border | relay

	ID       core.RelayID `mapstructure:"-" yaml:"-"`
	NodeRole core.Role    `mapstructure:"-" yaml:"-"`
}

// ─── Mesh ───

// MeshConfig contains the relay engine settings.
type MeshConfig struct {
	MaxHopCount        int            `mapstructure:"max_hop_count" yaml:"max_hop_count"`
	HeartbeatInterval  string         `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatJitter    float64        `mapstructure:"heartbeat_jitter" yaml:"heartbeat_jitter"` // Fraction of the interval
	HeartbeatFlood     bool           `mapstructure:"heartbeat_flood" yaml:"heartbeat_flood"`   // Relays re-broadcast heartbeats
	NeighborTTL        string         `mapstructure:"neighbor_ttl" yaml:"neighbor_ttl"`         // Empty = 3 x heartbeat_interval
	DedupTTL           string         `mapstructure:"dedup_ttl" yaml:"dedup_ttl"`
	DedupCapacity      int            `mapstructure:"dedup_capacity" yaml:"dedup_capacity"`
	SweepInterval      string         `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	DisconnectedPolicy string         `mapstructure:"disconnected_policy" yaml:"disconnected_policy"` // drop | buffer
	BufferDepth        int            `mapstructure:"buffer_depth" yaml:"buffer_depth"`
	BufferMaxAge       string         `mapstructure:"buffer_max_age" yaml:"buffer_max_age"`
	TxQueueDepth       int            `mapstructure:"tx_queue_depth" yaml:"tx_queue_depth"`
	RootKey            string         `mapstructure:"root_key" yaml:"root_key"` // Hex, empty = unsigned frames
	Frequencies        []uint32       `mapstructure:"frequencies" yaml:"frequencies"`
	DataRate           core.DataRate  `mapstructure:"data_rate" yaml:"data_rate"`
	TxPower            int            `mapstructure:"tx_power" yaml:"tx_power"`
	ContextCapacity    int            `mapstructure:"context_capacity" yaml:"context_capacity"`
	// Border only: do not forward uplinks heard directly by the border radio.
	BorderIgnoreDirectUplinks bool          `mapstructure:"border_ignore_direct_uplinks" yaml:"border_ignore_direct_uplinks"`
	Filters                   FiltersConfig `mapstructure:"filters" yaml:"filters"`

	// Relays only: counters reported to the border, and the commands the
	// border may trigger, by command type (128..255).
	StatsInterval    string              `mapstructure:"stats_interval" yaml:"stats_interval"` // Empty = never
	Commands         map[string][]string `mapstructure:"commands" yaml:"commands"`
	CommandTimeout   string              `mapstructure:"command_timeout" yaml:"command_timeout"`
	CommandMaxOutput int                 `mapstructure:"command_max_output" yaml:"command_max_output"`

	Timing       MeshTiming         `mapstructure:"-" yaml:"-"`
	RootKeyBytes []byte             `mapstructure:"-" yaml:"-"`
	CommandTable map[uint8][]string `mapstructure:"-" yaml:"-"`
}

// MeshTiming holds the parsed durations of MeshConfig.
type MeshTiming struct {
	HeartbeatInterval time.Duration
	NeighborTTL       time.Duration
	DedupTTL          time.Duration
	SweepInterval     time.Duration
	BufferMaxAge      time.Duration
	StatsInterval     time.Duration // zero when disabled
	CommandTimeout    time.Duration
}

// FiltersConfig restricts which device uplinks are relayed.
type FiltersConfig struct {
	DevAddrPrefixes []string `mapstructure:"dev_addr_prefixes" yaml:"dev_addr_prefixes"` // e.g. 26000000/7
	JoinEUIPrefixes []string `mapstructure:"join_eui_prefixes" yaml:"join_eui_prefixes"` // e.g. 0102030400000000/32
	LoRaWANOnly     bool     `mapstructure:"lorawan_only" yaml:"lorawan_only"`

	DevAddr []lorawan.DevAddrPrefix `mapstructure:"-" yaml:"-"`
	JoinEUI []lorawan.EUI64Prefix   `mapstructure:"-" yaml:"-"`
}

// ─── Radio & Backhaul ───

// RadioConfig selects a radio driver. Options are driver specific.
type RadioConfig struct {
	Driver       string                 `mapstructure:"driver" yaml:"driver"` // memory | udp | serial
	MaxFrameSize int                    `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	Options      map[string]interface{} `mapstructure:"options" yaml:"options,omitempty"`
}

// BackhaulConfig selects how the border reaches the network server.
type BackhaulConfig struct {
	Driver  string        `mapstructure:"driver" yaml:"driver"` // none | semtech
	Semtech SemtechConfig `mapstructure:"semtech" yaml:"semtech"`
}

// SemtechConfig configures the Semtech UDP packet-forwarder backhaul.
type SemtechConfig struct {
	Server            string `mapstructure:"server" yaml:"server"`         // host:port of the network server
	GatewayID         string `mapstructure:"gateway_id" yaml:"gateway_id"` // 16 hex digits
	KeepaliveInterval string `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	StatInterval      string `mapstructure:"stat_interval" yaml:"stat_interval"`
	ContextCapacity   int    `mapstructure:"context_capacity" yaml:"context_capacity"`
}

// ReporterConfig selects where mesh events are published.
type ReporterConfig struct {
	Driver string              `mapstructure:"driver" yaml:"driver"` // none | log | kafka
	Kafka  KafkaReporterConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaReporterConfig configures the Kafka mesh event reporter.
type KafkaReporterConfig struct {
	Brokers      []string `mapstructure:"brokers" yaml:"brokers"`
	Topic        string   `mapstructure:"topic" yaml:"topic"`
	BatchTimeout string   `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string   `mapstructure:"compression" yaml:"compression"` // none | gzip | snappy | lz4 | zstd
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket         string `mapstructure:"socket" yaml:"socket"`
	PIDFile        string `mapstructure:"pid_file" yaml:"pid_file"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	MaxRequestSize int    `mapstructure:"max_request_size" yaml:"max_request_size"` // bytes per request line
	IdleTimeout    string `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	IdleTimeoutDuration time.Duration `mapstructure:"-" yaml:"-"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen        string `mapstructure:"listen" yaml:"listen"`
	Path          string `mapstructure:"path" yaml:"path"`
	HealthPath    string `mapstructure:"health_path" yaml:"health_path"`
	ScrapeTimeout string `mapstructure:"scrape_timeout" yaml:"scrape_timeout"` // empty: no limit

	ScrapeTimeoutDuration time.Duration `mapstructure:"-" yaml:"-"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`   // MB
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// Root is the top-level wrapper matching the YAML structure `loramesh: ...`.
type Root struct {
	LoRaMesh GlobalConfig `mapstructure:"loramesh" yaml:"loramesh"`
}

// Load loads configuration from file.
// The YAML file uses `loramesh:` as root key; env vars use the LORAMESH_ prefix
// (e.g., LORAMESH_NODE_RELAY_ID).
func Load(path string) (*GlobalConfig, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var root Root
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.LoRaMesh

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration made of defaults only. It is not validated:
// node.relay_id has no default.
func Default() (*GlobalConfig, error) {
	v := newViper()
	var root Root
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	return &root.LoRaMesh, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	// No explicit env prefix: the `loramesh.` key prefix maps to `LORAMESH_`
	// through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults sets default values for configuration.
// All keys use the "loramesh." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Node defaults. relay_id is registered so LORAMESH_NODE_RELAY_ID is honoured.
	v.SetDefault("loramesh.node.relay_id", "")
	v.SetDefault("loramesh.node.role", "relay")

	// Mesh defaults
	v.SetDefault("loramesh.mesh.max_hop_count", 8)
	v.SetDefault("loramesh.mesh.heartbeat_interval", "5m")
	v.SetDefault("loramesh.mesh.heartbeat_jitter", 0.1)
	v.SetDefault("loramesh.mesh.heartbeat_flood", true)
	v.SetDefault("loramesh.mesh.neighbor_ttl", "")
	v.SetDefault("loramesh.mesh.dedup_ttl", "2m")
	v.SetDefault("loramesh.mesh.dedup_capacity", 1024)
	v.SetDefault("loramesh.mesh.sweep_interval", "30s")
	v.SetDefault("loramesh.mesh.disconnected_policy", "buffer")
	v.SetDefault("loramesh.mesh.buffer_depth", 32)
	v.SetDefault("loramesh.mesh.buffer_max_age", "2m")
	v.SetDefault("loramesh.mesh.tx_queue_depth", 64)
	v.SetDefault("loramesh.mesh.root_key", "")
	v.SetDefault("loramesh.mesh.frequencies", []uint32{868100000, 868300000, 868500000})
	v.SetDefault("loramesh.mesh.data_rate.spreading_factor", 7)
	v.SetDefault("loramesh.mesh.data_rate.bandwidth", 125000)
	v.SetDefault("loramesh.mesh.tx_power", 16)
	v.SetDefault("loramesh.mesh.context_capacity", 4096)
	v.SetDefault("loramesh.mesh.border_ignore_direct_uplinks", false)
	v.SetDefault("loramesh.mesh.filters.lorawan_only", false)
	v.SetDefault("loramesh.mesh.stats_interval", "")
	v.SetDefault("loramesh.mesh.command_timeout", "10s")
	v.SetDefault("loramesh.mesh.command_max_output", 200)

	// Radio defaults
	v.SetDefault("loramesh.radio.driver", "udp")
	v.SetDefault("loramesh.radio.max_frame_size", 255)
	v.SetDefault("loramesh.device_radio.driver", "")
	v.SetDefault("loramesh.device_radio.max_frame_size", 255)

	// Backhaul defaults
	v.SetDefault("loramesh.backhaul.driver", "none")
	v.SetDefault("loramesh.backhaul.semtech.server", "127.0.0.1:1700")
	v.SetDefault("loramesh.backhaul.semtech.keepalive_interval", "10s")
	v.SetDefault("loramesh.backhaul.semtech.stat_interval", "30s")
	v.SetDefault("loramesh.backhaul.semtech.context_capacity", 1024)

	// Reporter defaults
	v.SetDefault("loramesh.reporter.driver", "log")
	v.SetDefault("loramesh.reporter.kafka.topic", "loramesh-events")
	v.SetDefault("loramesh.reporter.kafka.batch_timeout", "1s")
	v.SetDefault("loramesh.reporter.kafka.compression", "snappy")

	// Control defaults
	v.SetDefault("loramesh.control.pid_file", "/var/run/loramesh.pid")
	v.SetDefault("loramesh.control.socket", "/var/run/loramesh.sock")
	v.SetDefault("loramesh.control.max_connections", 16)
	v.SetDefault("loramesh.control.max_request_size", 64*1024)
	v.SetDefault("loramesh.control.idle_timeout", "5m")

	// Log defaults
	v.SetDefault("loramesh.log.level", "info")
	v.SetDefault("loramesh.log.format", "text")
	v.SetDefault("loramesh.log.outputs.file.enabled", false)
	v.SetDefault("loramesh.log.outputs.file.path", "/var/log/loramesh/loramesh.log")
	v.SetDefault("loramesh.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("loramesh.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("loramesh.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("loramesh.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("loramesh.metrics.enabled", true)
	v.SetDefault("loramesh.metrics.listen", ":9105")
	v.SetDefault("loramesh.metrics.path", "/metrics")
	v.SetDefault("loramesh.metrics.health_path", "/healthz")
	v.SetDefault("loramesh.metrics.scrape_timeout", "")
}

// ValidateAndApplyDefaults validates configuration and fills the parsed fields.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Node ──
	if cfg.Node.RelayID == "" {
		return invalid("node.relay_id is required")
	}
	id, err := core.ParseRelayID(cfg.Node.RelayID)
	if err != nil {
		return invalid("node.relay_id: %v", err)
	}
	if id == core.BroadcastRelayID {
		return invalid("node.relay_id %s is reserved for broadcast", id)
	}
	cfg.Node.ID = id
	role, err := core.ParseRole(cfg.Node.Role)
	if err != nil {
		return invalid("node.role: %v", err)
	}
	cfg.Node.NodeRole = role

	// ── Mesh ──
	if err := cfg.Mesh.validate(); err != nil {
		return err
	}

	// ── Radios ──
	if err := cfg.Radio.validate("radio"); err != nil {
		return err
	}
	if cfg.DeviceRadio.Driver != "" {
		if err := cfg.DeviceRadio.validate("device_radio"); err != nil {
			return err
		}
	}

	// ── Backhaul ──
	switch cfg.Backhaul.Driver {
	case "none":
		if role == core.RoleBorder {
			return invalid("backhaul.driver must be set on a border node")
		}
	case "semtech":
		if cfg.Backhaul.Semtech.Server == "" {
			return invalid("backhaul.semtech.server is required")
		}
		if cfg.Backhaul.Semtech.GatewayID != "" {
			if b, err := hex.DecodeString(cfg.Backhaul.Semtech.GatewayID); err != nil || len(b) != 8 {
				return invalid("backhaul.semtech.gateway_id must be 16 hex digits")
			}
		}
		for _, d := range []struct{ name, value string }{
			{"keepalive_interval", cfg.Backhaul.Semtech.KeepaliveInterval},
			{"stat_interval", cfg.Backhaul.Semtech.StatInterval},
		} {
			if _, err := parsePositive(d.value); err != nil {
				return invalid("backhaul.semtech.%s: %v", d.name, err)
			}
		}
	default:
		return invalid("unsupported backhaul.driver: %s (must be none/semtech)", cfg.Backhaul.Driver)
	}

	// ── Control ──
	if cfg.Control.MaxConnections <= 0 {
		return invalid("control.max_connections must be positive")
	}
	if cfg.Control.MaxRequestSize < 1024 {
		return invalid("control.max_request_size must be at least 1024, got %d", cfg.Control.MaxRequestSize)
	}
	if cfg.Control.IdleTimeoutDuration, err = parsePositive(cfg.Control.IdleTimeout); err != nil {
		return invalid("control.idle_timeout: %v", err)
	}

	// ── Metrics ──
	if err := cfg.Metrics.validate(); err != nil {
		return err
	}

	// ── Reporter ──
	switch cfg.Reporter.Driver {
	case "none", "log":
	case "kafka":
		if len(cfg.Reporter.Kafka.Brokers) == 0 {
			return invalid("reporter.kafka.brokers is required when reporter.driver=kafka")
		}
		if cfg.Reporter.Kafka.Topic == "" {
			return invalid("reporter.kafka.topic is required when reporter.driver=kafka")
		}
		if _, err := parsePositive(cfg.Reporter.Kafka.BatchTimeout); err != nil {
			return invalid("reporter.kafka.batch_timeout: %v", err)
		}
	default:
		return invalid("unsupported reporter.driver: %s (must be none/log/kafka)", cfg.Reporter.Driver)
	}

	return nil
}

func (m *MeshConfig) validate() error {
	if m.MaxHopCount < 1 || m.MaxHopCount > 254 {
		return invalid("mesh.max_hop_count must be within 1..254, got %d", m.MaxHopCount)
	}
	if m.HeartbeatJitter < 0 || m.HeartbeatJitter > 1 {
		return invalid("mesh.heartbeat_jitter must be within 0..1, got %v", m.HeartbeatJitter)
	}

	var err error
	t := &m.Timing
	if t.HeartbeatInterval, err = parsePositive(m.HeartbeatInterval); err != nil {
		return invalid("mesh.heartbeat_interval: %v", err)
	}
	if m.NeighborTTL == "" {
		t.NeighborTTL = 3 * t.HeartbeatInterval
	} else if t.NeighborTTL, err = parsePositive(m.NeighborTTL); err != nil {
		return invalid("mesh.neighbor_ttl: %v", err)
	}
	if t.NeighborTTL <= t.HeartbeatInterval {
		return invalid("mesh.neighbor_ttl (%s) must exceed mesh.heartbeat_interval (%s)", t.NeighborTTL, t.HeartbeatInterval)
	}
	if t.DedupTTL, err = parsePositive(m.DedupTTL); err != nil {
		return invalid("mesh.dedup_ttl: %v", err)
	}
	if t.SweepInterval, err = parsePositive(m.SweepInterval); err != nil {
		return invalid("mesh.sweep_interval: %v", err)
	}
	if t.BufferMaxAge, err = parsePositive(m.BufferMaxAge); err != nil {
		return invalid("mesh.buffer_max_age: %v", err)
	}

	if m.StatsInterval != "" {
		if t.StatsInterval, err = parsePositive(m.StatsInterval); err != nil {
			return invalid("mesh.stats_interval: %v", err)
		}
	}
	if t.CommandTimeout, err = parsePositive(m.CommandTimeout); err != nil {
		return invalid("mesh.command_timeout: %v", err)
	}
	if m.CommandMaxOutput < 1 || m.CommandMaxOutput > 255 {
		return invalid("mesh.command_max_output must be within 1..255, got %d", m.CommandMaxOutput)
	}
	m.CommandTable = make(map[uint8][]string, len(m.Commands))
	for key, argv := range m.Commands {
		typ, err := strconv.ParseUint(key, 0, 8)
		if err != nil || typ < 128 {
			return invalid("mesh.commands: type %q must be within 128..255", key)
		}
		if len(argv) == 0 || argv[0] == "" {
			return invalid("mesh.commands: type %s has no command", key)
		}
		m.CommandTable[uint8(typ)] = argv
	}

	if m.DedupCapacity <= 0 {
		return invalid("mesh.dedup_capacity must be positive")
	}
	if m.TxQueueDepth <= 0 {
		return invalid("mesh.tx_queue_depth must be positive")
	}
	if m.ContextCapacity <= 0 {
		return invalid("mesh.context_capacity must be positive")
	}
	switch m.DisconnectedPolicy {
	case "drop":
	case "buffer":
		if m.BufferDepth <= 0 {
			return invalid("mesh.buffer_depth must be positive when disconnected_policy=buffer")
		}
	default:
		return invalid("invalid mesh.disconnected_policy: %s (must be drop/buffer)", m.DisconnectedPolicy)
	}

	if m.RootKey != "" {
		key, err := hex.DecodeString(m.RootKey)
		if err != nil || len(key) < 16 {
			return invalid("mesh.root_key must be at least 16 bytes of hex")
		}
		m.RootKeyBytes = key
	}

	if len(m.Frequencies) == 0 {
		return invalid("mesh.frequencies must not be empty")
	}
	if m.DataRate.SpreadingFactor < 5 || m.DataRate.SpreadingFactor > 12 {
		return invalid("mesh.data_rate.spreading_factor must be within 5..12")
	}
	if m.DataRate.Bandwidth == 0 {
		return invalid("mesh.data_rate.bandwidth is required")
	}

	m.Filters.DevAddr = m.Filters.DevAddr[:0]
	for _, s := range m.Filters.DevAddrPrefixes {
		p, err := lorawan.ParseDevAddrPrefix(s)
		if err != nil {
			return invalid("mesh.filters.dev_addr_prefixes: %v", err)
		}
		m.Filters.DevAddr = append(m.Filters.DevAddr, p)
	}
	m.Filters.JoinEUI = m.Filters.JoinEUI[:0]
	for _, s := range m.Filters.JoinEUIPrefixes {
		p, err := lorawan.ParseEUI64Prefix(s)
		if err != nil {
			return invalid("mesh.filters.join_eui_prefixes: %v", err)
		}
		m.Filters.JoinEUI = append(m.Filters.JoinEUI, p)
	}
	return nil
}

func (m *MetricsConfig) validate() error {
	if !strings.HasPrefix(m.Path, "/") || !strings.HasPrefix(m.HealthPath, "/") {
		return invalid("metrics.path and metrics.health_path must start with /")
	}
	if m.Path == m.HealthPath {
		return invalid("metrics.path and metrics.health_path must differ, both are %s", m.Path)
	}
	m.ScrapeTimeoutDuration = 0
	if m.ScrapeTimeout != "" {
		d, err := parsePositive(m.ScrapeTimeout)
		if err != nil {
			return invalid("metrics.scrape_timeout: %v", err)
		}
		m.ScrapeTimeoutDuration = d
	}
	return nil
}

func (r *RadioConfig) validate(name string) error {
	switch r.Driver {
	case "memory", "udp", "serial":
	default:
		return invalid("unsupported %s.driver: %s (must be memory/udp/serial)", name, r.Driver)
	}
	if r.MaxFrameSize < 32 || r.MaxFrameSize > 255 {
		return invalid("%s.max_frame_size must be within 32..255, got %d", name, r.MaxFrameSize)
	}
	return nil
}

// ParseDuration parses a positive duration field; callers use it for fields
// validated by ValidateAndApplyDefaults.
func ParseDuration(s string) time.Duration {
	d, _ := parsePositive(s)
	return d
}

func parsePositive(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %s must be positive", s)
	}
	return d, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
