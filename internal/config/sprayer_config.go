package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Sprayer modes
const (
	ModeEncap = "encap"
	ModeDecap = "decap"
	ModeBoth  = "both"
)

// SprayerConfig holds configuration for the sprayer daemon
type SprayerConfig struct {
	InstanceID       string
	IngressInterface string
	EgressInterface  string
	Mode             string
	Links            int
	ReorderEnabled   bool

	RoCEPort  uint16
	SprayPort uint16
	CtrlPort  uint16

	QueueID       int
	NumFrames     int
	FrameSize     int
	BatchSize     int
	PollTimeoutMS uint32
	XDPMode       string

	ReorderQueueSize      int
	ReorderStallTimeoutMS uint32

	FlowCacheSize  int
	FlowCacheTTLMS uint32

	StatsListenAddr   string
	MetricsEnabled    bool
	OtelCollectorAddr string
	CaptureFile       string
	LogLevel          string
}

// SetupSprayerFlags sets up the command line flags for the sprayer
func SetupSprayerFlags(flagSet *pflag.FlagSet) {
	setupCommonFlags(flagSet, "sprayer.yaml")
	flagSet.String("instance-id", "", "Instance identifier reported with metrics (default hostname)")
	flagSet.String("ingress-interface", "", "Interface receiving traffic to encapsulate (host side)")
	flagSet.String("egress-interface", "", "Interface facing the multipath fabric")
	flagSet.String("mode", ModeBoth, "Data path mode (encap, decap, both)")
	flagSet.Int("links", 4, "Number of fabric paths to spray across")
	flagSet.Bool("reorder-enabled", true, "Restore per-QP order on decapsulation")
	flagSet.Uint16("roce-port", 4791, "UDP destination port of RoCEv2 traffic")
	flagSet.Uint16("spray-port", 3000, "UDP destination port of sprayed traffic")
	flagSet.Uint16("ctrl-port", 4792, "UDP destination port of control announcements")
	flagSet.Int("queue-id", 0, "NIC queue to bind AF_XDP sockets to")
	flagSet.Int("num-frames", 4096, "UMEM frames per socket")
	flagSet.Int("frame-size", 2048, "UMEM frame size in bytes")
	flagSet.Int("batch-size", 64, "Descriptors received per poll")
	flagSet.Uint32("poll-timeout-ms", 100, "Maximum idle wait of the packet pump")
	flagSet.String("xdp-mode", "auto", "XDP attach mode (auto, driver, generic)")
	flagSet.Int("reorder-queue-size", 4096, "Capacity of the reorder hand-off queue")
	flagSet.Uint32("reorder-stall-timeout-ms", 500, "Time a sequence gap may block a QP before it is skipped")
	flagSet.Int("flow-cache-size", 65536, "Maximum cached flows")
	flagSet.Uint32("flow-cache-ttl-ms", 30000, "Lifetime of a cached next hop")
	flagSet.String("stats-listen-addr", "127.0.0.1:50061", "Address of the stats gRPC service (empty disables it)")
	flagSet.Bool("metrics-enabled", false, "Export metrics over OTLP")
	flagSet.String("otel-collector-addr", "localhost:4317", "OTLP collector address (grpc://, grpcs://, http://, https://)")
	flagSet.String("capture-file", "", "Write dropped frames to this pcap file")
}

// LoadSprayerConfig loads the sprayer configuration from flags, environment
// variables and a config file
func LoadSprayerConfig(flagSet *pflag.FlagSet) (*SprayerConfig, error) {
	v, err := newViper(flagSet, "ROCESPRAY_SPRAYER")
	if err != nil {
		return nil, err
	}
	v.SetDefault("instance_id", getSystemHostname())

	if err := readConfigFile(v, "sprayer"); err != nil {
		return nil, err
	}

	config := &SprayerConfig{
		InstanceID:            v.GetString("instance_id"),
		IngressInterface:      v.GetString("ingress_interface"),
		EgressInterface:       v.GetString("egress_interface"),
		Mode:                  v.GetString("mode"),
		Links:                 v.GetInt("links"),
		ReorderEnabled:        v.GetBool("reorder_enabled"),
		RoCEPort:              v.GetUint16("roce_port"),
		SprayPort:             v.GetUint16("spray_port"),
		CtrlPort:              v.GetUint16("ctrl_port"),
		QueueID:               v.GetInt("queue_id"),
		NumFrames:             v.GetInt("num_frames"),
		FrameSize:             v.GetInt("frame_size"),
		BatchSize:             v.GetInt("batch_size"),
		PollTimeoutMS:         v.GetUint32("poll_timeout_ms"),
		XDPMode:               v.GetString("xdp_mode"),
		ReorderQueueSize:      v.GetInt("reorder_queue_size"),
		ReorderStallTimeoutMS: v.GetUint32("reorder_stall_timeout_ms"),
		FlowCacheSize:         v.GetInt("flow_cache_size"),
		FlowCacheTTLMS:        v.GetUint32("flow_cache_ttl_ms"),
		StatsListenAddr:       v.GetString("stats_listen_addr"),
		MetricsEnabled:        v.GetBool("metrics_enabled"),
		OtelCollectorAddr:     v.GetString("otel_collector_addr"),
		CaptureFile:           v.GetString("capture_file"),
		LogLevel:              v.GetString("log_level"),
	}
	if config.InstanceID == "" {
		config.InstanceID = getSystemHostname()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the settings that cannot be defaulted
func (c *SprayerConfig) Validate() error {
	switch c.Mode {
	case ModeEncap, ModeDecap, ModeBoth:
	default:
		return fmt.Errorf("invalid mode %q: must be encap, decap or both", c.Mode)
	}
	if c.IngressInterface == "" {
		return fmt.Errorf("ingress_interface is required")
	}
	if c.EgressInterface == "" {
		return fmt.Errorf("egress_interface is required")
	}
	if c.Links < 0 {
		return fmt.Errorf("links must not be negative")
	}
	if c.SprayPort == c.RoCEPort {
		return fmt.Errorf("spray_port must differ from roce_port %d", c.RoCEPort)
	}
	if c.NumFrames <= 0 || c.NumFrames&(c.NumFrames-1) != 0 {
		return fmt.Errorf("num_frames must be a positive power of two, got %d", c.NumFrames)
	}
	if c.FrameSize < 2048 {
		return fmt.Errorf("frame_size must be at least 2048, got %d", c.FrameSize)
	}
	return nil
}

// PollTimeout returns poll_timeout_ms as a duration
func (c *SprayerConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

// ReorderStallTimeout returns reorder_stall_timeout_ms as a duration
func (c *SprayerConfig) ReorderStallTimeout() time.Duration {
	return time.Duration(c.ReorderStallTimeoutMS) * time.Millisecond
}

// FlowCacheTTL returns flow_cache_ttl_ms as a duration
func (c *SprayerConfig) FlowCacheTTL() time.Duration {
	return time.Duration(c.FlowCacheTTLMS) * time.Millisecond
}

// WriteDefaultSprayerConfig writes a sprayer configuration template
func WriteDefaultSprayerConfig(path string) error {
	configContent := `# RoCE Sprayer Configuration
instance_id: "" # Leave empty to use hostname
ingress_interface: "eth0" # host facing
egress_interface: "eth1" # fabric facing
mode: "both" # encap, decap, both
links: 4
reorder_enabled: true
roce_port: 4791
spray_port: 3000
ctrl_port: 4792
queue_id: 0
num_frames: 4096
frame_size: 2048
batch_size: 64
poll_timeout_ms: 100
xdp_mode: "auto" # auto, driver, generic
reorder_queue_size: 4096
reorder_stall_timeout_ms: 500
flow_cache_size: 65536
flow_cache_ttl_ms: 30000
stats_listen_addr: "127.0.0.1:50061"
metrics_enabled: false
otel_collector_addr: "localhost:4317"
capture_file: ""
log_level: "info" # trace, debug, info, warn, error
`

	return writeConfigFile(path, configContent)
}
