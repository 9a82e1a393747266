// Package sink receives generated RoCEv2 traffic and reports per-round
// throughput, reordering and loss.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rocespray/internal/header"
)

const maxDatagram = 65535

// Config holds sink settings
type Config struct {
	ListenAddr string
	Port       uint16
	// CtrlPort receives run announcements; zero disables them
	CtrlPort   uint16
	ReadBuffer int
}

// Sink counts RoCE datagrams per round
type Sink struct {
	data *ipv4.PacketConn
	ctrl *ipv4.PacketConn

	mu      sync.Mutex
	counter Counter

	rounds chan Round
}

// Listen opens the data and control sockets
func Listen(cfg Config) (s *Sink, err error) {
	s = &Sink{rounds: make(chan Round, 16)}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.data, err = listen(cfg.ListenAddr, cfg.Port, cfg.ReadBuffer); err != nil {
		return nil, err
	}
	if cfg.CtrlPort != 0 {
		if s.ctrl, err = listen(cfg.ListenAddr, cfg.CtrlPort, 0); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func listen(addr string, port uint16, readBuffer int) (*ipv4.PacketConn, error) {
	c, err := net.ListenPacket("udp4", net.JoinHostPort(addr, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	if readBuffer > 0 {
		if err := c.(*net.UDPConn).SetReadBuffer(readBuffer); err != nil {
			log.Warn().Err(err).Int("bytes", readBuffer).Msg("Failed to set read buffer")
		}
	}
	p := ipv4.NewPacketConn(c)
	if err := p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		log.Debug().Err(err).Msg("Control messages unavailable")
	}
	return p, nil
}

// DataAddr returns the local address of the data socket
func (s *Sink) DataAddr() net.Addr {
	return s.data.LocalAddr()
}

// CtrlAddr returns the local address of the control socket, or nil
func (s *Sink) CtrlAddr() net.Addr {
	if s.ctrl == nil {
		return nil
	}
	return s.ctrl.LocalAddr()
}

// Rounds delivers finished rounds. Rounds are dropped when nobody reads.
func (s *Sink) Rounds() <-chan Round {
	return s.rounds
}

// Run receives until ctx is cancelled
func (s *Sink) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveData() })
	if s.ctrl != nil {
		g.Go(func() error { return s.receiveCtrl() })
	}
	g.Go(func() error {
		<-ctx.Done()
		return s.Close()
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Sink) receiveData() error {
	buf := make([]byte, maxDatagram)
	for {
		n, cm, src, err := s.data.ReadFrom(buf)
		if err != nil {
			return err
		}
		h, err := header.DecodeBTH(buf[:n])
		if err != nil {
			log.Debug().Int("bytes", n).Stringer("src", src).Msg("Ignoring short datagram")
			continue
		}
		if cm != nil && log.Trace().Enabled() {
			log.Trace().
				Stringer("src", src).
				Stringer("dst", cm.Dst).
				Int("ifindex", cm.IfIndex).
				Uint32("qp", h.DestQP).
				Uint32("psn", h.PSN).
				Msg("Received packet")
		}

		s.mu.Lock()
		r, done := s.counter.Observe(h, n, time.Now())
		s.mu.Unlock()
		if done {
			s.report(r)
		}
	}
}

func (s *Sink) receiveCtrl() error {
	buf := make([]byte, maxDatagram)
	for {
		n, _, src, err := s.ctrl.ReadFrom(buf)
		if err != nil {
			return err
		}
		c, err := header.DecodeCtrl(buf[:n])
		if err != nil {
			log.Debug().Int("bytes", n).Stringer("src", src).Msg("Ignoring short announcement")
			continue
		}
		log.Info().
			Uint8("start_end", c.StartEnd).
			Uint32("qp", c.QPID).
			Uint32("first", c.First).
			Uint32("last", c.Last).
			Uint32("packets", c.NumPacket).
			Msg("Run announced")

		s.mu.Lock()
		s.counter.Announce(c)
		s.mu.Unlock()
	}
}

func (s *Sink) report(r Round) {
	log.Info().
		Int("packets", r.Packets).
		Int("out_of_order", r.OutOfOrder).
		Float64("mb", r.Megabytes()).
		Float64("mbps", r.Mbps()).
		Float64("pps", r.PPS()).
		Int("lost", r.Lost).
		Dur("elapsed", r.Elapsed).
		Msg("Round finished")

	select {
	case s.rounds <- r:
	default:
	}
}

// Close closes both sockets
func (s *Sink) Close() error {
	var err error
	if s.data != nil {
		err = multierr.Append(err, s.data.Close())
	}
	if s.ctrl != nil {
		err = multierr.Append(err, s.ctrl.Close())
	}
	return err
}
