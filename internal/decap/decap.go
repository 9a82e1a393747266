// Package decap strips the spray tunnel from received packets and admits
// them either to the in-order fast path or to the reorder engine.
package decap

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rocespray/internal/flowcache"
	"github.com/yuuki/rocespray/internal/header"
	"github.com/yuuki/rocespray/internal/packet"
	"github.com/yuuki/rocespray/internal/reorder"
	"github.com/yuuki/rocespray/internal/seqtrack"
	"github.com/yuuki/rocespray/internal/spray"
	"github.com/yuuki/rocespray/internal/stats"
)

// NextHops looks up or resolves the next hop of a flow
type NextHops interface {
	LookupOrResolve(k flowcache.FlowKey) (flowcache.FlowNextHop, error)
}

// Reorderer accepts out-of-order packets without blocking
type Reorderer interface {
	Submit(p reorder.Packet) error
}

// Config controls which packets are treated as sprayed traffic
type Config struct {
	RoCEPort       uint16
	SprayPort      uint16
	CtrlPort       uint16
	Links          int
	ReorderEnabled bool
}

// Decapsulator is the ingress fast path. Handle must be called from a
// single goroutine; Finish is safe to call from the reorder engine.
type Decapsulator struct {
	cfg      Config
	hash     spray.PathHash
	nextHops NextHops
	tracker  *seqtrack.Tracker
	reorder  Reorderer
	counters *stats.Counters
}

// New creates a decapsulator. tracker and reorderer may be nil when
// reordering is disabled.
func New(cfg Config, nextHops NextHops, tracker *seqtrack.Tracker, reorderer Reorderer, counters *stats.Counters) *Decapsulator {
	if cfg.RoCEPort == 0 {
		cfg.RoCEPort = header.RoCEPort
	}
	if cfg.SprayPort == 0 {
		cfg.SprayPort = header.DefaultSprayPort
	}
	if cfg.CtrlPort == 0 {
		cfg.CtrlPort = header.DefaultCtrlPort
	}
	if tracker == nil || reorderer == nil {
		cfg.ReorderEnabled = false
	}
	if counters == nil {
		counters = &stats.Counters{}
	}
	return &Decapsulator{
		cfg:      cfg,
		hash:     spray.NewPathHash(cfg.Links),
		nextHops: nextHops,
		tracker:  tracker,
		reorder:  reorderer,
		counters: counters,
	}
}

// tunneled describes a sprayed packet inside its buffer
type tunneled struct {
	spray header.Spray
	inner int // offset of the inner Ethernet header
	end   int // end of the inner frame
	il    header.Layout
	roce  bool
	op    header.Opcode
	qp    uint32
	psn   uint32
}

var errNotSprayed = errors.New("decap: not sprayed traffic")

// parse locates the inner frame of a sprayed packet
func (d *Decapsulator) parse(frame []byte) (tunneled, error) {
	l, err := header.ParseUDP(frame)
	if err != nil {
		return tunneled{}, errNotSprayed
	}
	switch l.DstPort(frame) {
	case d.cfg.SprayPort:
	case d.cfg.CtrlPort:
		d.control(frame[l.Payload:l.End])
		return tunneled{}, errNotSprayed
	default:
		return tunneled{}, errNotSprayed
	}

	s, err := header.DecodeSpray(frame[l.Payload:l.End])
	if err != nil {
		return tunneled{}, err
	}
	t := tunneled{spray: s, inner: l.Payload + header.SprayLen, end: l.End}

	t.il, err = header.ParseUDP(frame[t.inner:t.end])
	if err != nil {
		return tunneled{}, err
	}
	if t.il.DstPort(frame[t.inner:]) != d.cfg.RoCEPort {
		return t, nil
	}

	inner := frame[t.inner:t.end]
	t.op, t.qp, t.psn, err = header.BTHFields(inner[t.il.Payload:t.il.End])
	if err != nil {
		return tunneled{}, err
	}
	t.roce = true

	if outer := l.SrcPort(frame); d.hash.Unmask(outer, t.psn) != s.OrigSrcPort {
		log.Trace().
			Uint16("outer_port", outer).
			Uint16("orig_port", s.OrigSrcPort).
			Uint32("psn", t.psn).
			Msg("Outer source port does not unmask to the original port")
	}
	return t, nil
}

// Handle implements the pump's handler contract
func (d *Decapsulator) Handle(f *packet.Frame) packet.Verdict {
	return d.Decapsulate(f)
}

// Decapsulate classifies one received frame. In-order packets are rewritten
// in place and forwarded; out-of-order packets are copied to the reorder
// engine and the frame is released.
func (d *Decapsulator) Decapsulate(f *packet.Frame) packet.Verdict {
	frame := f.Bytes()
	t, err := d.parse(frame)
	if err != nil {
		if errors.Is(err, errNotSprayed) {
			d.counters.PassThrough.Inc()
			return packet.Pass
		}
		d.counters.Malformed.Inc()
		d.counters.Dropped.Inc()
		return packet.Drop
	}
	d.counters.Decapsulated.Inc()

	if !t.roce || !d.cfg.ReorderEnabled {
		return d.forward(f, t)
	}

	switch d.tracker.Classify(t.qp, t.psn, t.op, t.spray.FirstSeq, true) {
	case seqtrack.InOrder, seqtrack.Untracked:
		d.counters.FastPath.Inc()
		return d.forward(f, t)
	case seqtrack.Late:
		d.counters.Late.Inc()
		return d.forward(f, t)
	}

	// the engine owns this QP now; it re-parses the still-encapsulated copy
	err = d.reorder.Submit(reorder.Packet{
		QP:     t.qp,
		PSN:    t.psn,
		Opcode: t.op,
		Data:   reorder.Copy(frame),
	})
	if err != nil {
		d.tracker.Release(t.qp, 1)
		d.counters.BacklogDrops.Inc()
		d.counters.Dropped.Inc()
		log.Debug().Err(err).Uint32("qp", t.qp).Uint32("psn", t.psn).Msg("Dropped out-of-order packet")
		return packet.Drop
	}
	d.counters.OutOfOrder.Inc()
	return packet.Consumed
}

// forward strips the tunnel from f in place
func (d *Decapsulator) forward(f *packet.Frame, t tunneled) packet.Verdict {
	link, ok := d.rewrite(f.Bytes(), t)
	if !ok {
		d.counters.Dropped.Inc()
		return packet.Drop
	}
	f.Truncate(t.end)
	f.TrimFront(t.inner)
	f.Link = link
	return packet.Forward
}

// Finish strips the tunnel from a packet released by the reorder engine,
// moving the inner frame to the front of its buffer.
func (d *Decapsulator) Finish(p *reorder.Packet) bool {
	t, err := d.parse(p.Data)
	if err != nil {
		d.counters.Malformed.Inc()
		return false
	}
	link, ok := d.rewrite(p.Data, t)
	if !ok {
		return false
	}
	n := copy(p.Data, p.Data[t.inner:t.end])
	p.Data = p.Data[:n]
	p.Link = link
	return true
}

// rewrite restores the inner frame toward its original destination: next
// hop MACs, original UDP source port and a fresh IPv4 checksum. A flow
// without a next hop is not delivered.
func (d *Decapsulator) rewrite(frame []byte, t tunneled) (int, bool) {
	inner := frame[t.inner:t.end]

	hop, err := d.nextHops.LookupOrResolve(flowcache.KeyOf(inner, t.il))
	if err != nil {
		d.counters.Unroutable.Inc()
		return 0, false
	}

	header.SetMACs(inner, hop.DstMAC, hop.SrcMAC)
	t.il.SetSrcPort(inner, t.spray.OrigSrcPort)
	t.il.RefreshChecksum(inner)
	return hop.LinkIndex, true
}
