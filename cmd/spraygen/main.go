package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/rocespray/internal/config"
	"github.com/yuuki/rocespray/internal/rocegen"
)

func main() {
	// Parse command line flags
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.SetupGenFlags(flags)
	flags.Duration("settle", time.Second, "Pause between an announcement and the run")

	// Parse flags
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if version, _ := flags.GetBool("version"); version {
		fmt.Println("RoCE Traffic Generator v0.1.0")
		return
	}

	// Create default configuration file if requested
	createConfigFlag, err := flags.GetBool("create-config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to get create-config flag value")
	}
	if createConfigFlag {
		configOutput, _ := flags.GetString("config-output")
		if err := config.WriteDefaultGenConfig(configOutput); err != nil {
			log.Fatal().Err(err).Str("path", configOutput).Msg("Failed to create default configuration")
		}
		fmt.Printf("Default configuration written to %s\n", configOutput)
		return
	}

	// Load configuration
	cfg, err := config.LoadGenConfig(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load generator config")
	}
	config.InitLogging(cfg.LogLevel)
	settle, _ := flags.GetDuration("settle")

	msgs := rocegen.AutoMessages(cfg.Messages, cfg.Packets, cfg.QPID, cfg.Start)
	if cfg.Script != "" {
		if msgs, err = rocegen.LoadScript(cfg.Script); err != nil {
			log.Fatal().Err(err).Str("script", cfg.Script).Msg("Failed to load script")
		}
	}

	data, err := net.Dial("udp4", net.JoinHostPort(cfg.Target, strconv.Itoa(int(cfg.Port))))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open data socket")
	}
	defer data.Close()

	var ctrl io.Writer
	if cfg.CtrlPort != 0 {
		conn, err := net.Dial("udp4", net.JoinHostPort(cfg.Target, strconv.Itoa(int(cfg.CtrlPort))))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open control socket")
		}
		defer conn.Close()
		ctrl = conn
	}

	gen := rocegen.New(rocegen.Config{
		PacketSize:   cfg.PacketSize,
		PartitionKey: cfg.PartitionKey,
		Rate:         cfg.Rate,
		Settle:       settle,
	}, data, ctrl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := gen.Run(ctx, msgs)
	if err != nil {
		log.Error().Err(err).Int("sent", res.Packets).Msg("Run failed")
		return
	}
	fmt.Printf("%d packets, %d bytes sent in %s\n", res.Packets, res.Bytes, res.Elapsed)
}
