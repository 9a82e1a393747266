// Package sprayer runs the packet-spraying daemon: it discovers its links,
// builds the data path for the configured mode and serves statistics.
package sprayer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rocespray/internal/config"
	"github.com/yuuki/rocespray/internal/ebpf"
	"github.com/yuuki/rocespray/internal/flowcache"
	"github.com/yuuki/rocespray/internal/nexthop"
	"github.com/yuuki/rocespray/internal/pump"
	"github.com/yuuki/rocespray/internal/state"
	"github.com/yuuki/rocespray/internal/stats"
	"github.com/yuuki/rocespray/internal/telemetry"
)

// Sprayer represents the sprayer daemon
type Sprayer struct {
	ctx      context.Context
	cancel   context.CancelFunc
	config   *config.SprayerConfig
	state    *state.SprayerState
	counters *stats.Counters

	flows       *flowcache.Cache
	dataPath    *dataPath
	redirectors []*ebpf.Redirector
	statsServer *stats.Server
	metrics     *telemetry.Metrics

	group *errgroup.Group
	done  chan error
}

// New creates a new sprayer instance
func New(cfg *config.SprayerConfig) (*Sprayer, error) {
	config.InitLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sprayer{
		ctx:      ctx,
		cancel:   cancel,
		config:   cfg,
		state:    state.NewSprayerState(cfg.InstanceID),
		counters: &stats.Counters{},
		done:     make(chan error, 1),
	}

	log.Debug().
		Str("instance_id", cfg.InstanceID).
		Str("mode", cfg.Mode).
		Msg("Sprayer instance created")
	return s, nil
}

// Start discovers the links, attaches the sockets and starts the pump, the
// reorder engine and the stats server
func (s *Sprayer) Start() error {
	log.Debug().Msg("Starting sprayer")

	if err := s.state.Initialize(s.config.IngressInterface, s.config.EgressInterface); err != nil {
		return err
	}
	ingress, egress := s.state.GetIngress(), s.state.GetEgress()

	s.flows = flowcache.New(nexthop.NewResolver(), ingress.Index, s.config.FlowCacheSize, s.config.FlowCacheTTL())

	dp, err := buildDataPath(s.config, s.counters, s.flows, ingress, egress, s.openSocket)
	if err != nil {
		return fmt.Errorf("failed to build data path: %w", err)
	}
	s.dataPath = dp

	if s.config.CaptureFile != "" {
		capture, err := pump.CreateCapture(s.config.CaptureFile)
		if err != nil {
			return err
		}
		dp.pump.SetCapture(capture)
		log.Info().Str("file", s.config.CaptureFile).Msg("Capturing dropped frames")
	}

	if s.config.MetricsEnabled {
		metrics, err := telemetry.NewMetrics(s.ctx, s.state.GetInstanceID(), s.config.OtelCollectorAddr, s.counters)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			s.metrics = metrics
			if dp.engine != nil {
				dp.engine.SetObserver(metrics)
			}
			log.Info().Str("collector_addr", s.config.OtelCollectorAddr).Msg("OpenTelemetry metrics initialized")
		}
	}

	if s.config.StatsListenAddr != "" {
		service := stats.NewService(s.counters)
		service.AddGauge("flow_cache_entries", func() float64 { return float64(s.flows.Len()) })
		if dp.tracker != nil {
			service.AddGauge("tracked_qps", func() float64 { return float64(dp.tracker.Len()) })
		}
		s.statsServer = stats.NewServer(s.config.StatsListenAddr, service)
		if err := s.statsServer.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		return dp.pump.Run(gctx)
	})
	if dp.engine != nil {
		g.Go(func() error {
			return dp.engine.Run(gctx)
		})
	}
	s.group = g
	go func() {
		s.done <- g.Wait()
	}()

	log.Info().
		Str("mode", s.config.Mode).
		Str("ingress", ingress.Name).
		Str("egress", egress.Name).
		Int("links", s.config.Links).
		Bool("reorder", dp.engine != nil).
		Msg("Sprayer started")
	return nil
}

// openSocket opens an AF_XDP socket on link and, for receiving links,
// steers the configured queue into it
func (s *Sprayer) openSocket(link nexthop.Link, receive bool) (pump.Socket, error) {
	xsk, err := pump.OpenXSK(link.Index, s.config.QueueID, pump.XSKOptions{
		NumFrames: s.config.NumFrames,
		FrameSize: s.config.FrameSize,
	})
	if err != nil {
		return nil, err
	}
	if !receive {
		return xsk, nil
	}

	mode, err := ebpf.ParseMode(s.config.XDPMode)
	if err != nil {
		return nil, multierr.Append(err, xsk.Close())
	}
	r, err := ebpf.NewRedirector(link.Index, s.config.QueueID+1, mode)
	if err != nil {
		return nil, multierr.Append(err, xsk.Close())
	}
	if err := r.Register(s.config.QueueID, xsk.FD()); err != nil {
		return nil, multierr.Combine(err, r.Close(), xsk.Close())
	}
	s.redirectors = append(s.redirectors, r)
	return xsk, nil
}

// Stop stops the sprayer. In-flight packets are dropped.
func (s *Sprayer) Stop() error {
	log.Debug().Msg("Stopping sprayer")
	s.cancel()

	var err error
	if s.group != nil {
		if werr := <-s.done; werr != nil && !errors.Is(werr, context.Canceled) {
			err = multierr.Append(err, werr)
		}
		s.group = nil
	}

	if s.statsServer != nil {
		log.Debug().Msg("Stopping stats server")
		s.statsServer.Stop()
	}

	// detach programs before closing the sockets they redirect to
	for _, r := range s.redirectors {
		err = multierr.Append(err, r.Close())
	}
	s.redirectors = nil

	if s.dataPath != nil {
		log.Debug().Msg("Closing sockets")
		err = multierr.Append(err, s.dataPath.pump.Close())
	}

	if s.metrics != nil {
		log.Debug().Msg("Shutting down metrics")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err = multierr.Append(err, s.metrics.Shutdown(shutdownCtx))
	}

	if s.flows != nil {
		hits, misses, unroutable := s.flows.Stats()
		log.Info().
			Uint64("flow_hits", hits).
			Uint64("flow_misses", misses).
			Uint64("flow_unroutable", unroutable).
			Interface("counters", s.counters.Snapshot()).
			Msg("Final statistics")
	}

	if err != nil {
		log.Error().Err(err).Msg("Errors while stopping sprayer")
		return err
	}
	log.Info().Msg("Sprayer stopped")
	return nil
}

// Run runs the sprayer until a signal arrives or the data path fails
func (s *Sprayer) Run() error {
	log.Debug().Msg("Running sprayer")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := s.Start(); err != nil {
		return multierr.Append(fmt.Errorf("failed to start sprayer: %w", err), s.Stop())
	}

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
	case err := <-s.done:
		// the group has finished; hand the result back for Stop
		s.done <- err
		if err != nil {
			runErr = fmt.Errorf("data path failed: %w", err)
			log.Error().Err(err).Msg("Data path failed, shutting down")
		}
	}

	forceQuitCh := make(chan os.Signal, 1)
	signal.Notify(forceQuitCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-forceQuitCh
		log.Warn().Msg("Received second signal, forcing immediate exit...")
		os.Exit(1)
	}()

	stopErr := s.Stop()
	if runErr != nil {
		return runErr
	}
	if stopErr != nil {
		return stopErr
	}
	log.Info().Msg("Sprayer shut down gracefully")
	return nil
}
