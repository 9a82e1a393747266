// Package pump runs the receive and transmit loop over kernel-bypass
// sockets. One pump goroutine owns the rings of all of its sockets.
package pump

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/yuuki/rocespray/internal/packet"
	"github.com/yuuki/rocespray/internal/reorder"
	"github.com/yuuki/rocespray/internal/stats"
)

const (
	// DefaultBatchSize is the number of descriptors received per poll
	DefaultBatchSize = 64
	// DefaultPollTimeout bounds how long an idle pump sleeps
	DefaultPollTimeout = 100 * time.Millisecond

	maxReinjectBatches = 16
)

// Handler decides the fate of a received frame, rewriting it in place
type Handler interface {
	Handle(f *packet.Frame) packet.Verdict
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(f *packet.Frame) packet.Verdict

func (h HandlerFunc) Handle(f *packet.Frame) packet.Verdict {
	return h(f)
}

// Reinjector supplies packets released by the reorder engine
type Reinjector interface {
	Out() <-chan []reorder.Packet
	Done(batch []reorder.Packet)
}

// Notifier is a Reinjector that calls fn each time it queues a batch
type Notifier interface {
	SetNotify(fn func())
}

// Port is one socket served by the pump
type Port struct {
	Name string
	// Link is the interface index frames are forwarded to this port by
	Link   int
	Socket Socket
	// Handler processes received frames; nil for transmit-only ports
	Handler Handler
	// Peer receives passed-through frames and forwarded frames whose link
	// has no port
	Peer *Port

	txq [][]byte
}

// Config holds the pump settings
type Config struct {
	BatchSize   int
	PollTimeout time.Duration
}

// Pump moves frames between its ports
type Pump struct {
	cfg      Config
	ports    []*Port
	byLink   map[int]*Port
	rxPorts  int
	counters *stats.Counters

	reinject   Reinjector
	reinjectTo *Port
	capture    *Capture
	// waker is nil unless every receiving socket is Pollable
	waker *waker

	frame packet.Frame
}

// New creates a pump over ports
func New(cfg Config, counters *stats.Counters, ports ...*Port) *Pump {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if counters == nil {
		counters = &stats.Counters{}
	}

	p := &Pump{
		cfg:      cfg,
		ports:    ports,
		byLink:   make(map[int]*Port, len(ports)),
		counters: counters,
	}
	for _, port := range ports {
		if port.Link != 0 {
			p.byLink[port.Link] = port
		}
		if port.Handler != nil {
			p.rxPorts++
		}
	}
	p.waker = openWaker(ports)
	return p
}

func openWaker(ports []*Port) *waker {
	var socks []Pollable
	for _, port := range ports {
		if port.Handler == nil {
			continue
		}
		s, ok := port.Socket.(Pollable)
		if !ok {
			return nil
		}
		socks = append(socks, s)
	}
	if len(socks) == 0 {
		return nil
	}
	w, err := newWaker(socks)
	if err != nil {
		log.Debug().Err(err).Msg("Idle pump falls back to per-socket poll")
		return nil
	}
	return w
}

// SetReinjector makes the pump transmit packets released by r. Packets for
// a link without a port go to fallback. It must be called before Run.
func (p *Pump) SetReinjector(r Reinjector, fallback *Port) {
	p.reinject = r
	p.reinjectTo = fallback
	if n, ok := r.(Notifier); ok {
		n.SetNotify(p.Wake)
	}
}

// Wake ends an idle wait so queued re-inject batches go out at once. It is
// safe to call from any goroutine until Close.
func (p *Pump) Wake() {
	if p.waker != nil {
		p.waker.wake()
	}
}

// SetCapture records dropped frames to c. It must be called before Run.
func (p *Pump) SetCapture(c *Capture) {
	p.capture = c
}

// Run serves the ports until ctx is cancelled. Only socket failures are
// returned; per-packet problems are counted.
func (p *Pump) Run(ctx context.Context) error {
	log.Info().
		Int("ports", len(p.ports)).
		Int("batch_size", p.cfg.BatchSize).
		Dur("poll_timeout", p.cfg.PollTimeout).
		Msg("Packet pump started")

	idle := false
	for ctx.Err() == nil {
		if idle && p.waker != nil && !p.reinjectQueued() {
			if err := p.waker.wait(p.cfg.PollTimeout); err != nil {
				return err
			}
		}
		work, err := p.iterate(p.wait(idle))
		if err != nil {
			return err
		}
		idle = work == 0
	}

	p.discardReinjected()
	p.logSocketStats()
	log.Info().Msg("Packet pump stopped")
	return nil
}

// wait returns the poll timeout for each port in the next iteration. With a
// waker the pump has already waited and the ports are only checked.
func (p *Pump) wait(idle bool) time.Duration {
	if !idle || p.rxPorts == 0 || p.waker != nil || p.reinjectQueued() {
		return 0
	}
	return max(p.cfg.PollTimeout/time.Duration(p.rxPorts), time.Millisecond)
}

func (p *Pump) reinjectQueued() bool {
	return p.reinject != nil && len(p.reinject.Out()) > 0
}

// iterate runs one pass over the re-inject channel and every port
func (p *Pump) iterate(timeout time.Duration) (int, error) {
	work := p.reinjectPending()
	for _, port := range p.ports {
		t := timeout
		if port.Handler == nil {
			t = 0
		}
		n, err := p.service(port, t)
		if err != nil {
			return work, err
		}
		work += n
	}
	return work, nil
}

// service refills port, waits for frames and handles one batch
func (p *Pump) service(port *Port, timeout time.Duration) (int, error) {
	if port.Socket.Fill() > 0 {
		p.counters.FillStarved.Inc()
	}

	n, err := port.Socket.Poll(timeout)
	if err != nil {
		if errors.Is(err, syscall.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 || port.Handler == nil {
		return 0, nil
	}

	descs := port.Socket.Receive(min(n, p.cfg.BatchSize))
	for _, d := range descs {
		p.frame.Reset(port.Socket.Frame(d), 0, d.Len)
		p.counters.RxPackets.Inc()

		switch port.Handler.Handle(&p.frame) {
		case packet.Forward:
			p.enqueue(p.egress(p.frame.Link, port.Peer), p.frame.Bytes())
		case packet.Pass:
			p.enqueue(port.Peer, p.frame.Bytes())
		case packet.Drop:
			p.record(p.frame.Bytes())
		case packet.Consumed:
		}
	}

	// received frames go back to the fill ring on the next Fill
	p.flush()
	return len(descs), nil
}

// reinjectPending transmits batches released by the reorder engine
func (p *Pump) reinjectPending() int {
	if p.reinject == nil {
		return 0
	}
	n := 0
	for range maxReinjectBatches {
		select {
		case batch := <-p.reinject.Out():
			for i := range batch {
				p.enqueue(p.egress(batch[i].Link, p.reinjectTo), batch[i].Data)
			}
			p.flush()
			p.reinject.Done(batch)
			n += len(batch)
		default:
			return n
		}
	}
	return n
}

func (p *Pump) discardReinjected() {
	if p.reinject == nil {
		return
	}
	for {
		select {
		case batch := <-p.reinject.Out():
			p.counters.TxDropped.Add(uint64(len(batch)))
			p.reinject.Done(batch)
		default:
			return
		}
	}
}

func (p *Pump) egress(link int, fallback *Port) *Port {
	if port, ok := p.byLink[link]; ok {
		return port
	}
	return fallback
}

func (p *Pump) enqueue(port *Port, data []byte) {
	if port == nil {
		p.counters.TxDropped.Inc()
		p.record(data)
		return
	}
	port.txq = append(port.txq, data)
}

// flush submits every queued packet. Transmit copies, so the queued slices
// may alias frames that are recycled afterwards.
func (p *Pump) flush() {
	for _, port := range p.ports {
		if len(port.txq) == 0 {
			continue
		}
		sent := port.Socket.Transmit(port.txq)
		p.counters.TxPackets.Add(uint64(sent))
		if sent < len(port.txq) {
			p.counters.TxDropped.Add(uint64(len(port.txq) - sent))
			log.Trace().Str("port", port.Name).Int("dropped", len(port.txq)-sent).Msg("TX ring full")
			for _, data := range port.txq[sent:] {
				p.record(data)
			}
		}
		clear(port.txq)
		port.txq = port.txq[:0]
	}
}

func (p *Pump) record(data []byte) {
	if p.capture == nil {
		return
	}
	if err := p.capture.Write(data); err != nil {
		log.Debug().Err(err).Msg("Failed to capture frame")
	}
}

func (p *Pump) logSocketStats() {
	for _, port := range p.ports {
		s, err := port.Socket.Stats()
		if err != nil {
			log.Debug().Err(err).Str("port", port.Name).Msg("Socket statistics unavailable")
			continue
		}
		log.Info().
			Str("port", port.Name).
			Uint64("filled", s.Filled).
			Uint64("received", s.Received).
			Uint64("transmitted", s.Transmitted).
			Uint64("completed", s.Completed).
			Uint64("kernel_drops", s.KernelDrops).
			Msg("Socket statistics")
	}
}

// Close closes every socket and the capture file
func (p *Pump) Close() error {
	var err error
	for _, port := range p.ports {
		err = multierr.Append(err, port.Socket.Close())
	}
	if p.waker != nil {
		err = multierr.Append(err, p.waker.close())
		p.waker = nil
	}
	if p.capture != nil {
		err = multierr.Append(err, p.capture.Close())
	}
	return err
}
