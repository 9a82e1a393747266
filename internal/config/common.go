package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// getSystemHostname returns the system hostname or a fallback string
func getSystemHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("sprayer-%d", os.Getpid())
	}
	return hostname
}

// newViper creates a viper instance reading env vars with prefix and
// binding every flag of flagSet to its snake_case key
func newViper(flagSet *pflag.FlagSet, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var bindErr error
	flagSet.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
	}
	return v, nil
}

// readConfigFile reads the file named by the config key, or looks for
// name.yaml in the default locations
func readConfigFile(v *viper.Viper, name string) error {
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.rocespray")
	v.AddConfigPath("/etc/rocespray")
	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// setupCommonFlags adds the flags every binary has
func setupCommonFlags(flagSet *pflag.FlagSet, defaultOutput string) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", defaultOutput, "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
}

// createConfigDirectory ensures the directory for a config file exists
func createConfigDirectory(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	return nil
}

// writeConfigFile writes content to a config file
func writeConfigFile(path, content string) error {
	if err := createConfigDirectory(path); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
