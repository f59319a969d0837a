package main

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/cwsl/ccsds_downlink/ccsds/correlator"
	"github.com/cwsl/ccsds_downlink/ccsds/derand"
	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
	"github.com/cwsl/ccsds_downlink/ccsds/reedsolomon"
	"github.com/cwsl/ccsds_downlink/ccsds/viterbi"
)

func TestDefaultsMatchPipeline(t *testing.T) {
	config, err := ParseConfig([]byte("input:\n  path: capture.s8\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	got, err := config.PipelineConfig()
	if err != nil {
		t.Fatal(err)
	}
	if want := pipeline.DefaultConfig(); !reflect.DeepEqual(got, want) {
		t.Errorf("PipelineConfig() = %+v, want %+v", got, want)
	}

	if config.Server.Listen != ":8080" {
		t.Errorf("Server.Listen = %q", config.Server.Listen)
	}
	if config.Input.Source != "file" || config.Input.Format != "int8" || config.Input.ChunkSize != 1<<16 {
		t.Errorf("Input = %+v", config.Input)
	}
	if config.Logging.Level != "info" || config.Logging.Format != "text" {
		t.Errorf("Logging = %+v", config.Logging)
	}
	if config.MQTT.TopicPrefix != "ccsds" || config.MQTT.PublishInterval != 10 {
		t.Errorf("MQTT = %+v", config.MQTT)
	}
}

func TestPipelineSection(t *testing.T) {
	yaml := `
pipeline:
  frame_size: 259
  syncword: "0x1acffc1d"
  modulation: qpsk
  max_sync_errors: 2
  lock_loss_threshold: 5
  differential: nrz-m
  derandomize: false
  viterbi:
    enabled: false
  reed_solomon:
    profile: rs223
    interleave_depth: 1
    dual_basis: false
    strip_parity: false
  demux:
    insert_zone_size: 2
    drop_uncorrectable: false
  buffers:
    frames: 8
input:
  source: rtp
  format: uint8
  rtp:
    group: 239.1.2.3:5004
`
	config, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	got, err := config.PipelineConfig()
	if err != nil {
		t.Fatal(err)
	}

	want := pipeline.DefaultConfig()
	want.FrameSize = 259
	want.Modulation = correlator.QPSK
	want.MaxSyncErrors = 2
	want.LockLossThreshold = 5
	want.Differential = derand.NRZM
	want.Derandomize = false
	want.Viterbi = false
	want.RSProfile = reedsolomon.RS223
	want.InterleaveDepth = 1
	want.DualBasis = false
	want.StripParity = false
	want.InsertZoneSize = 2
	want.DropUncorrectable = false
	want.FrameBuffer = 8
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PipelineConfig() = %+v, want %+v", got, want)
	}
}

func TestViterbiSection(t *testing.T) {
	config, err := ParseConfig([]byte(`
pipeline:
  viterbi:
    polys: ["171", "133"]
    invert: [false, false]
    traceback_depth: 60
    coded_syncword: 56FB_98C7_4A5F_4D0D
input:
  path: x
`))
	if err != nil {
		t.Fatal(err)
	}
	// underscores are not hex
	if _, err := config.PipelineConfig(); err == nil {
		t.Fatal("PipelineConfig() accepted a malformed coded syncword")
	}

	config.Pipeline.Viterbi.CodedSyncword = ""
	got, err := config.PipelineConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := viterbi.Code{K: 7, Polys: []uint32{0o171, 0o133}, Invert: []bool{false, false}}
	if !reflect.DeepEqual(got.Code, want) {
		t.Errorf("Code = %+v, want %+v", got.Code, want)
	}
	if got.TracebackDepth != 60 {
		t.Errorf("TracebackDepth = %d, want 60", got.TracebackDepth)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		mutate func(*Config)
	}{
		{"no input path", "", nil},
		{"unknown source", "input:\n  source: sdr\n", nil},
		{"rtp without group", "input:\n  source: rtp\n", nil},
		{"rtp group without port", "input:\n  source: rtp\n  rtp:\n    group: 239.1.2.3\n", nil},
		{"bad format", "input:\n  path: x\n  format: float\n", nil},
		{"bad modulation", "pipeline:\n  modulation: 8psk\ninput:\n  path: x\n", nil},
		{"bad differential", "pipeline:\n  differential: manchester\ninput:\n  path: x\n", nil},
		{"bad profile", "pipeline:\n  reed_solomon:\n    profile: rs200\ninput:\n  path: x\n", nil},
		{"bad syncword", "pipeline:\n  syncword: zz\ninput:\n  path: x\n", nil},
		{"bad interleave", "pipeline:\n  reed_solomon:\n    interleave_depth: 3\ninput:\n  path: x\n", nil},
		{"mqtt without broker", "mqtt:\n  enabled: true\ninput:\n  path: x\n", nil},
		{"mqtt qos", "mqtt:\n  enabled: true\n  broker: tcp://b:1883\n  qos: 3\ninput:\n  path: x\n", nil},
		{"pushgateway without url", "prometheus:\n  pushgateway:\n    enabled: true\ninput:\n  path: x\n", nil},
		{"negative chunk", "input:\n  path: x\n", func(c *Config) { c.Input.ChunkSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := ParseConfig([]byte(tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			if tt.mutate != nil {
				tt.mutate(config)
			}
			if err := config.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestPipelineErrorsWrapped(t *testing.T) {
	config, err := ParseConfig([]byte("pipeline:\n  frame_size: 3\ninput:\n  path: x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(); !errors.Is(err, pipeline.ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen: 127.0.0.1:9000\ninput:\n  path: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if config.Server.Listen != "127.0.0.1:9000" {
		t.Errorf("Server.Listen = %q", config.Server.Listen)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadConfig(missing) = %v, want ErrNotExist", err)
	}
	if _, err := ParseConfig([]byte("server: [")); err == nil {
		t.Error("ParseConfig accepted malformed YAML")
	}
}

func TestIsIPAllowed(t *testing.T) {
	pc := PrometheusConfig{Enabled: true, AllowedHosts: []string{"10.0.0.0/8", "192.168.1.5", "::1"}}
	if err := pc.parseAllowedHosts(); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.5", true},
		{"192.168.1.6", false},
		{"::1", true},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := pc.IsIPAllowed(tt.ip); got != tt.want {
			t.Errorf("IsIPAllowed(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	open := PrometheusConfig{}
	if !open.IsIPAllowed("203.0.113.9") {
		t.Error("empty allow list should admit everyone")
	}
	bad := PrometheusConfig{AllowedHosts: []string{"300.1.1.1"}}
	if err := bad.parseAllowedHosts(); err == nil {
		t.Error("parseAllowedHosts accepted an invalid address")
	}
}
