package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/rocespray/internal/config"
	"github.com/yuuki/rocespray/internal/sink"
)

func main() {
	// Parse command line flags
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.SetupSinkFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Show version information
	if version, _ := flags.GetBool("version"); version {
		fmt.Println("RoCE Sink")
		fmt.Println("Version: 0.1.0")
		return
	}

	// Create default configuration file if requested
	if createConfig, _ := flags.GetBool("create-config"); createConfig {
		configOutput, _ := flags.GetString("config-output")
		if err := config.WriteDefaultSinkConfig(configOutput); err != nil {
			log.Fatal().Err(err).Str("path", configOutput).Msg("Failed to create default configuration")
		}
		fmt.Printf("Default configuration written to %s\n", configOutput)
		return
	}

	cfg, err := config.LoadSinkConfig(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load sink config")
	}
	config.InitLogging(cfg.LogLevel)

	s, err := sink.Listen(sink.Config{
		ListenAddr: cfg.ListenAddr,
		Port:       cfg.Port,
		CtrlPort:   cfg.CtrlPort,
		ReadBuffer: cfg.ReadBuffer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sink")
	}
	log.Info().
		Stringer("data", s.DataAddr()).
		Msg("Sink listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Sink failed")
	}
}
