package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/rocespray/internal/config"
	"github.com/yuuki/rocespray/internal/sprayer"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("sprayer", pflag.ExitOnError)
	config.SetupSprayerFlags(flagSet)

	// Parse flags
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Handle version flag
	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("RoCE Sprayer v0.1.0")
		os.Exit(0)
	}

	// Handle create-config flag
	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultSprayerConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadSprayerConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	s, err := sprayer.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sprayer")
	}

	if err := s.Run(); err != nil {
		log.Fatal().Err(err).Msg("Sprayer failed")
	}
}
