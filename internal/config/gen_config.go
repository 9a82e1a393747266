package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// GenConfig holds configuration for the RoCE traffic generator
type GenConfig struct {
	Target       string
	Port         uint16
	CtrlPort     uint16
	Script       string
	Messages     int
	Packets      int
	QPID         uint32
	Start        uint32
	PacketSize   int
	Rate         int
	PartitionKey uint16
	LogLevel     string
}

// SetupGenFlags sets up the command line flags for the generator
func SetupGenFlags(flagSet *pflag.FlagSet) {
	setupCommonFlags(flagSet, "spraygen.yaml")
	flagSet.String("target", "", "Destination IPv4 address")
	flagSet.Uint16("port", 4791, "Destination UDP port of RoCE packets")
	flagSet.Uint16("ctrl-port", 4792, "Destination UDP port of run announcements (0 disables them)")
	flagSet.String("script", "", "YAML message script; auto mode when empty")
	flagSet.Int("messages", 10, "Messages to send in auto mode")
	flagSet.Int("packets", 8, "Packets per message in auto mode")
	flagSet.Uint32("qp-id", 1, "Destination QP in auto mode")
	flagSet.Uint32("start", 0, "First sequence number in auto mode")
	flagSet.Int("packet-size", 1024, "UDP payload size, BTH included")
	flagSet.Int("rate", 0, "Packets per second (0 means unlimited)")
	flagSet.Uint16("partition-key", 0xffff, "BTH partition key")
}

// LoadGenConfig loads the generator configuration
func LoadGenConfig(flagSet *pflag.FlagSet) (*GenConfig, error) {
	v, err := newViper(flagSet, "ROCESPRAY_GEN")
	if err != nil {
		return nil, err
	}
	if err := readConfigFile(v, "spraygen"); err != nil {
		return nil, err
	}

	config := &GenConfig{
		Target:       v.GetString("target"),
		Port:         v.GetUint16("port"),
		CtrlPort:     v.GetUint16("ctrl_port"),
		Script:       v.GetString("script"),
		Messages:     v.GetInt("messages"),
		Packets:      v.GetInt("packets"),
		QPID:         v.GetUint32("qp_id"),
		Start:        v.GetUint32("start"),
		PacketSize:   v.GetInt("packet_size"),
		Rate:         v.GetInt("rate"),
		PartitionKey: v.GetUint16("partition_key"),
		LogLevel:     v.GetString("log_level"),
	}
	if config.Target == "" {
		return nil, fmt.Errorf("target is required")
	}
	if config.Script == "" && (config.Messages <= 0 || config.Packets <= 0) {
		return nil, fmt.Errorf("messages and packets must be positive in auto mode")
	}
	return config, nil
}

// WriteDefaultGenConfig writes a generator configuration template
func WriteDefaultGenConfig(path string) error {
	configContent := `# RoCE Traffic Generator Configuration
target: "192.168.1.102"
port: 4791
ctrl_port: 4792
script: "" # YAML message script; auto mode when empty
messages: 10
packets: 8
qp_id: 1
start: 0
packet_size: 1024
rate: 0 # packets per second, 0 is unlimited
partition_key: 65535
log_level: "info"
`

	return writeConfigFile(path, configContent)
}
