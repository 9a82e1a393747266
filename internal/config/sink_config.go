package config

import (
	"github.com/spf13/pflag"
)

// SinkConfig holds configuration for the RoCE sink
type SinkConfig struct {
	ListenAddr string
	Port       uint16
	CtrlPort   uint16
	ReadBuffer int
	LogLevel   string
}

// SetupSinkFlags sets up the command line flags for the sink
func SetupSinkFlags(flagSet *pflag.FlagSet) {
	setupCommonFlags(flagSet, "spraysink.yaml")
	flagSet.String("listen-addr", "0.0.0.0", "Address to receive on")
	flagSet.Uint16("port", 4791, "UDP port of RoCE packets")
	flagSet.Uint16("ctrl-port", 4792, "UDP port of run announcements (0 disables them)")
	flagSet.Int("read-buffer", 8<<20, "Socket receive buffer in bytes")
}

// LoadSinkConfig loads the sink configuration
func LoadSinkConfig(flagSet *pflag.FlagSet) (*SinkConfig, error) {
	v, err := newViper(flagSet, "ROCESPRAY_SINK")
	if err != nil {
		return nil, err
	}
	if err := readConfigFile(v, "spraysink"); err != nil {
		return nil, err
	}

	return &SinkConfig{
		ListenAddr: v.GetString("listen_addr"),
		Port:       v.GetUint16("port"),
		CtrlPort:   v.GetUint16("ctrl_port"),
		ReadBuffer: v.GetInt("read_buffer"),
		LogLevel:   v.GetString("log_level"),
	}, nil
}

// WriteDefaultSinkConfig writes a sink configuration template
func WriteDefaultSinkConfig(path string) error {
	configContent := `# RoCE Sink Configuration
listen_addr: "0.0.0.0"
port: 4791
ctrl_port: 4792
read_buffer: 8388608
log_level: "info"
`

	return writeConfigFile(path, configContent)
}
