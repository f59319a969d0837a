package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwsl/ccsds_downlink/ccsds/correlator"
	"github.com/cwsl/ccsds_downlink/ccsds/derand"
	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
	"github.com/cwsl/ccsds_downlink/ccsds/reedsolomon"
	"github.com/cwsl/ccsds_downlink/ccsds/viterbi"
)

// Config represents the application configuration
type Config struct {
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Input      InputConfig      `yaml:"input"`
	Server     ServerConfig     `yaml:"server"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PipelineConfig describes the downlink being decoded
type PipelineConfig struct {
	FrameSize         int    `yaml:"frame_size"`          // CADU length in bytes including the sync marker
	Syncword          string `yaml:"syncword"`            // Sync marker in hex (default 1ACFFC1D)
	SyncBits          int    `yaml:"sync_bits"`           // Sync marker length in bits
	Modulation        string `yaml:"modulation"`          // bpsk or qpsk
	MaxSyncErrors     int    `yaml:"max_sync_errors"`     // Marker bit errors accepted (0 = scaled default)
	GoodFramesToLock  int    `yaml:"good_frames_to_lock"` // Consecutive markers before SYNCED
	LockLossThreshold int    `yaml:"lock_loss_threshold"` // Consecutive misses before NO_SYNC
	Differential      string `yaml:"differential"`        // none, nrz-m or nrz-s
	Derandomize       *bool  `yaml:"derandomize"`         // Remove the CCSDS randomiser (default: true)

	Viterbi     ViterbiConfig     `yaml:"viterbi"`
	ReedSolomon ReedSolomonConfig `yaml:"reed_solomon"`
	Demux       DemuxConfig       `yaml:"demux"`
	Buffers     BufferConfig      `yaml:"buffers"`
}

// ViterbiConfig describes the inner convolutional code
type ViterbiConfig struct {
	Enabled        *bool    `yaml:"enabled"`         // default: true
	K              int      `yaml:"k"`               // Constraint length (default 7)
	Polys          []string `yaml:"polys"`           // Generator polynomials in octal (default 171, 133)
	Invert         []bool   `yaml:"invert"`          // Invert each output (default false, true)
	TracebackDepth int      `yaml:"traceback_depth"` // Decoder traceback depth (default 35)
	CodedSyncword  string   `yaml:"coded_syncword"`  // Coded marker in hex; empty derives it
}

// ReedSolomonConfig describes the outer block code
type ReedSolomonConfig struct {
	Enabled         *bool  `yaml:"enabled"`          // default: true
	Profile         string `yaml:"profile"`          // rs223 or rs239
	InterleaveDepth int    `yaml:"interleave_depth"` // Codewords per frame (default 4)
	DualBasis       *bool  `yaml:"dual_basis"`       // Berlekamp dual basis symbols (default: true)
	StripParity     *bool  `yaml:"strip_parity"`     // Remove parity before demultiplexing (default: true)
}

// DemuxConfig controls virtual channel and packet handling
type DemuxConfig struct {
	InsertZoneSize    int   `yaml:"insert_zone_size"`   // Bytes between VCDU header and M_PDU header
	MaxPacketSize     int   `yaml:"max_packet_size"`    // Larger packets are dropped
	DropUncorrectable *bool `yaml:"drop_uncorrectable"` // Skip frames RS could not correct (default: true)
}

// BufferConfig sizes the streams between stages
type BufferConfig struct {
	Symbols   int `yaml:"symbols"`
	Frames    int `yaml:"frames"`
	Packets   int `yaml:"packets"`
	ReadBatch int `yaml:"read_batch"`
}

// InputConfig selects where soft symbols come from
type InputConfig struct {
	Source    string    `yaml:"source"`     // file or rtp
	Path      string    `yaml:"path"`       // File path, "-" for stdin (.gz and .zst are decompressed)
	Format    string    `yaml:"format"`     // int8 or uint8 (offset binary)
	ChunkSize int       `yaml:"chunk_size"` // Soft values per pipeline write
	RTP       RTPConfig `yaml:"rtp"`
}

// RTPConfig describes a multicast RTP soft-symbol feed
type RTPConfig struct {
	Group       string `yaml:"group"`        // Multicast group and port (e.g., 239.1.2.3:5004)
	Interface   string `yaml:"interface"`    // Network interface for the multicast join
	PayloadType uint8  `yaml:"payload_type"` // Expected RTP payload type (0 = accept any)
}

// ServerConfig contains the HTTP server settings
type ServerConfig struct {
	Listen              string `yaml:"listen"`
	MaxWebSocketClients int    `yaml:"max_websocket_clients"`
	StatsInterval       int    `yaml:"stats_interval"` // Seconds between statistics log lines
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json or logfmt
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`   // Pushgateway configuration

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`  // Enable/disable pushing to Pushgateway
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Instance string `yaml:"instance"` // Instance UUID for basic auth username
	Token    string `yaml:"token"`    // Token UUID for basic auth password
	Interval int    `yaml:"interval"` // Push interval in seconds
}

// MQTTConfig contains MQTT publishing settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all messages
	PublishInterval int           `yaml:"publish_interval"` // Statistics publishing interval in seconds
	PublishPackets  bool          `yaml:"publish_packets"`  // Publish every decoded packet
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for statistics messages
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// LoadConfig loads configuration from a YAML file and fills defaults
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and fills defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	config.applyDefaults()
	return &config, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func (c *Config) applyDefaults() {
	def := pipeline.DefaultConfig()
	p := &c.Pipeline
	if p.FrameSize == 0 {
		p.FrameSize = def.FrameSize
	}
	if p.Syncword == "" {
		p.Syncword = fmt.Sprintf("%08X", pipeline.ASM)
	}
	if p.SyncBits == 0 {
		p.SyncBits = len(strings.TrimPrefix(strings.ToLower(p.Syncword), "0x")) * 4
	}
	if p.Modulation == "" {
		p.Modulation = "bpsk"
	}
	if p.Viterbi.K == 0 {
		p.Viterbi.K = def.Code.K
	}
	if len(p.Viterbi.Polys) == 0 {
		for _, poly := range def.Code.Polys {
			p.Viterbi.Polys = append(p.Viterbi.Polys, strconv.FormatUint(uint64(poly), 8))
		}
		p.Viterbi.Invert = append([]bool(nil), def.Code.Invert...)
	}
	if p.Viterbi.TracebackDepth == 0 {
		p.Viterbi.TracebackDepth = def.TracebackDepth
	}
	if p.ReedSolomon.Profile == "" {
		p.ReedSolomon.Profile = def.RSProfile.Name
	}
	if p.ReedSolomon.InterleaveDepth == 0 {
		p.ReedSolomon.InterleaveDepth = def.InterleaveDepth
	}
	if p.Demux.MaxPacketSize == 0 {
		p.Demux.MaxPacketSize = def.MaxPacketSize
	}
	if p.Buffers.Symbols == 0 {
		p.Buffers.Symbols = def.SymbolBuffer
	}
	if p.Buffers.Frames == 0 {
		p.Buffers.Frames = def.FrameBuffer
	}
	if p.Buffers.Packets == 0 {
		p.Buffers.Packets = def.PacketBuffer
	}
	if p.Buffers.ReadBatch == 0 {
		p.Buffers.ReadBatch = def.ReadBatch
	}

	if c.Input.Source == "" {
		c.Input.Source = "file"
	}
	if c.Input.Format == "" {
		c.Input.Format = "int8"
	}
	if c.Input.ChunkSize == 0 {
		c.Input.ChunkSize = 1 << 16
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.MaxWebSocketClients == 0 {
		c.Server.MaxWebSocketClients = 32
	}
	if c.Server.StatsInterval == 0 {
		c.Server.StatsInterval = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 60
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "ccsds"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 10
	}
}

// parseHex accepts an optional 0x prefix.
func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}

// PipelineConfig converts the YAML settings into a decoder configuration.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	p := c.Pipeline
	cfg := pipeline.DefaultConfig()

	word, err := parseHex(p.Syncword)
	if err != nil {
		return cfg, fmt.Errorf("pipeline.syncword: %w", err)
	}
	if cfg.Modulation, err = correlator.ParseModulation(p.Modulation); err != nil {
		return cfg, fmt.Errorf("pipeline.modulation: %w", err)
	}
	if cfg.Differential, err = derand.ParseMode(p.Differential); err != nil {
		return cfg, fmt.Errorf("pipeline.differential: %w", err)
	}
	cfg.FrameSize = p.FrameSize
	cfg.Syncword = word
	cfg.SyncBits = p.SyncBits
	cfg.MaxSyncErrors = p.MaxSyncErrors
	if p.GoodFramesToLock != 0 {
		cfg.GoodFramesToLock = p.GoodFramesToLock
	}
	if p.LockLossThreshold != 0 {
		cfg.LockLossThreshold = p.LockLossThreshold
	}
	cfg.Derandomize = boolOr(p.Derandomize, true)

	cfg.Viterbi = boolOr(p.Viterbi.Enabled, true)
	code := viterbi.Code{K: p.Viterbi.K, Invert: p.Viterbi.Invert}
	for _, s := range p.Viterbi.Polys {
		poly, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return cfg, fmt.Errorf("pipeline.viterbi.polys: %w", err)
		}
		code.Polys = append(code.Polys, uint32(poly))
	}
	cfg.Code = code
	cfg.TracebackDepth = p.Viterbi.TracebackDepth
	if p.Viterbi.CodedSyncword != "" {
		if cfg.CodedSyncword, err = parseHex(p.Viterbi.CodedSyncword); err != nil {
			return cfg, fmt.Errorf("pipeline.viterbi.coded_syncword: %w", err)
		}
	}

	cfg.ReedSolomon = boolOr(p.ReedSolomon.Enabled, true)
	if cfg.RSProfile, err = reedsolomon.ParseProfile(p.ReedSolomon.Profile); err != nil {
		return cfg, fmt.Errorf("pipeline.reed_solomon.profile: %w", err)
	}
	cfg.InterleaveDepth = p.ReedSolomon.InterleaveDepth
	cfg.DualBasis = boolOr(p.ReedSolomon.DualBasis, true)
	cfg.StripParity = boolOr(p.ReedSolomon.StripParity, true)

	cfg.InsertZoneSize = p.Demux.InsertZoneSize
	cfg.MaxPacketSize = p.Demux.MaxPacketSize
	cfg.DropUncorrectable = boolOr(p.Demux.DropUncorrectable, true)

	cfg.SymbolBuffer = p.Buffers.Symbols
	cfg.FrameBuffer = p.Buffers.Frames
	cfg.PacketBuffer = p.Buffers.Packets
	cfg.ReadBatch = p.Buffers.ReadBatch

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := c.PipelineConfig(); err != nil {
		return fmt.Errorf("invalid pipeline section: %w", err)
	}
	switch c.Input.Source {
	case "file":
		if c.Input.Path == "" {
			return fmt.Errorf("input.path is required for file input")
		}
	case "rtp":
		if c.Input.RTP.Group == "" {
			return fmt.Errorf("input.rtp.group is required for rtp input")
		}
		if _, _, err := net.SplitHostPort(c.Input.RTP.Group); err != nil {
			return fmt.Errorf("input.rtp.group: %w", err)
		}
	default:
		return fmt.Errorf("input.source must be file or rtp, got %q", c.Input.Source)
	}
	if c.Input.Format != "int8" && c.Input.Format != "uint8" {
		return fmt.Errorf("input.format must be int8 or uint8, got %q", c.Input.Format)
	}
	if c.Input.ChunkSize < 1 {
		return fmt.Errorf("input.chunk_size must be at least 1")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return fmt.Errorf("prometheus.pushgateway.url is required when the pushgateway is enabled")
	}
	return nil
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		// Check if it's a CIDR notation
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		// Try parsing as a single IP address
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address is in the allowed hosts list. An empty
// list allows everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.allowedNets) == 0 {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}
