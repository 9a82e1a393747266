// Package reorder buffers out-of-order packets per queue pair and releases
// them in sequence order once the gap in front of them closes.
package reorder

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rocespray/internal/header"
	"github.com/yuuki/rocespray/internal/seqtrack"
	"github.com/yuuki/rocespray/internal/stats"
)

const (
	// DefaultQueueSize is the default capacity of the hand-off channel
	DefaultQueueSize = 4096
	// DefaultStallTimeout is how long a gap may block a QP before it is skipped
	DefaultStallTimeout = 500 * time.Millisecond
	// DefaultBatchSize is the number of hand-offs accepted per iteration
	DefaultBatchSize = 64
)

// ErrBacklogFull is returned by Submit when the hand-off channel is full
var ErrBacklogFull = errors.New("reorder: backlog full")

// Packet is a copy of an out-of-order packet owned by the engine
type Packet struct {
	QP     uint32
	PSN    uint32
	Opcode header.Opcode
	Data   []byte
	// Link is the egress link chosen when the packet is finished
	Link int
}

// Finisher turns a buffered packet into its deliverable form in place. It
// returns false when the packet must be dropped.
type Finisher func(p *Packet) bool

// Observer receives the length of every contiguous run the engine releases
type Observer interface {
	RecordDrain(ctx context.Context, n int)
}

// Config holds the engine settings
type Config struct {
	QueueSize    int
	StallTimeout time.Duration
	BatchSize    int
}

// Engine is the slow path. Submit may be called from one fast-path
// goroutine while Run executes on another.
type Engine struct {
	cfg      Config
	tracker  *seqtrack.Tracker
	finish   Finisher
	counters *stats.Counters
	observer Observer
	notify   func()

	in  chan Packet
	out chan []Packet

	buffers map[uint32]*qpBuffer
	touched map[uint32]struct{}
	staged  []Packet
	batch   []Packet
}

// New creates an engine that advances tracker and finishes drained packets
// with finish before emitting them on Out.
func New(cfg Config, tracker *seqtrack.Tracker, finish Finisher, counters *stats.Counters) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if counters == nil {
		counters = &stats.Counters{}
	}
	return &Engine{
		cfg:      cfg,
		tracker:  tracker,
		finish:   finish,
		counters: counters,
		in:       make(chan Packet, cfg.QueueSize),
		out:      make(chan []Packet, 64),
		buffers:  make(map[uint32]*qpBuffer),
		touched:  make(map[uint32]struct{}),
	}
}

// SetObserver installs a drain observer. It must be called before Run.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// SetNotify makes the engine call fn after each batch it queues on Out. It
// must be called before Run.
func (e *Engine) SetNotify(fn func()) {
	e.notify = fn
}

// Submit hands an out-of-order packet to the engine without blocking
func (e *Engine) Submit(p Packet) error {
	select {
	case e.in <- p:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Out returns the channel of in-order batches ready for transmission
func (e *Engine) Out() <-chan []Packet {
	return e.out
}

// Done must be called once the packets of a batch from Out have been queued
// for transmission or dropped. It returns QP ownership to the fast path.
func (e *Engine) Done(batch []Packet) {
	for i := range batch {
		e.tracker.Release(batch[i].QP, 1)
		putBuffer(batch[i].Data)
		batch[i].Data = nil
	}
}

// Run processes hand-offs until ctx is cancelled. Packets still buffered at
// that point are dropped.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.StallTimeout / 4)
	defer ticker.Stop()

	log.Info().
		Int("queue_size", e.cfg.QueueSize).
		Dur("stall_timeout", e.cfg.StallTimeout).
		Msg("Reorder engine started")

	for {
		select {
		case <-ctx.Done():
			e.dropAll()
			log.Info().Msg("Reorder engine stopped")
			return nil
		case p := <-e.in:
			now := time.Now()
			e.accept(p, now)
		more:
			for i := 1; i < e.cfg.BatchSize; i++ {
				select {
				case p := <-e.in:
					e.accept(p, now)
				default:
					break more
				}
			}
			e.drainTouched(ctx, now)
			e.flush(ctx)
		case now := <-ticker.C:
			e.evictStalled(ctx, now)
			e.flush(ctx)
		}
	}
}

// accept buffers p, or emits it at once when it is behind the QP position.
// A First behind the position may start a new run, and so may the packets
// that follow it, so those are buffered for the drain to decide.
func (e *Engine) accept(p Packet, now time.Time) {
	qb := e.buffers[p.QP]
	if next, known := e.tracker.Expected(p.QP); known && p.PSN < next &&
		p.Opcode != header.OpFirst && !qb.follows(p.PSN, next) {
		e.counters.Late.Inc()
		e.emit(p)
		return
	}

	if qb == nil {
		qb = &qpBuffer{engine: e, pkts: make(map[uint32]Packet)}
		e.buffers[p.QP] = qb
	}
	if _, dup := qb.pkts[p.PSN]; dup {
		e.counters.Dropped.Inc()
		e.discard(p)
		return
	}
	if len(qb.pkts) == 0 {
		qb.since = now
	}
	qb.pkts[p.PSN] = p
	if p.Opcode == header.OpFirst {
		qb.firsts = append(qb.firsts, p.PSN)
	}
	e.counters.Buffered.Inc()
	e.touched[p.QP] = struct{}{}
}

func (e *Engine) drainTouched(ctx context.Context, now time.Time) {
	for qp := range e.touched {
		delete(e.touched, qp)
		qb := e.buffers[qp]
		if qb == nil {
			continue
		}
		if n := e.drain(qp, qb); n > 0 {
			qb.since = now
			e.observe(ctx, n)
		}
		if len(qb.pkts) == 0 {
			delete(e.buffers, qp)
		}
	}
}

// evictStalled releases the buffers of QPs whose gap has not closed within
// the stall timeout, skipping over the missing sequence numbers.
func (e *Engine) evictStalled(ctx context.Context, now time.Time) {
	for qp, qb := range e.buffers {
		if len(qb.pkts) == 0 {
			delete(e.buffers, qp)
			continue
		}
		if now.Sub(qb.since) < e.cfg.StallTimeout {
			continue
		}

		expected, _ := e.tracker.Expected(qp)
		released := 0
		for len(qb.pkts) > 0 {
			lowest := qb.lowest()
			e.tracker.SkipTo(qp, lowest)
			n := e.drain(qp, qb)
			if n == 0 {
				// behind the position and not the start of a new run
				qb.Take(lowest)
				e.counters.Late.Inc()
				n = e.emitStaged()
			}
			released += n
		}
		e.counters.StallSkips.Inc()
		e.observe(ctx, released)
		delete(e.buffers, qp)

		log.Debug().
			Uint32("qp", qp).
			Uint32("expected", expected).
			Int("released", released).
			Msg("Skipped stalled sequence gap")
	}
}

// drain releases the contiguous run of qp. Taken packets are staged while
// the tracker holds the QP and emitted afterwards.
func (e *Engine) drain(qp uint32, qb *qpBuffer) int {
	n := e.tracker.Drain(qp, qb)
	e.emitStaged()
	return n
}

func (e *Engine) emitStaged() int {
	n := len(e.staged)
	for _, p := range e.staged {
		e.emit(p)
	}
	clear(e.staged)
	e.staged = e.staged[:0]
	return n
}

// emit finishes p and appends it to the outgoing batch
func (e *Engine) emit(p Packet) {
	if e.finish != nil && !e.finish(&p) {
		e.counters.Dropped.Inc()
		e.discard(p)
		return
	}
	e.counters.Drained.Inc()
	e.batch = append(e.batch, p)
}

// discard drops a packet the engine owns
func (e *Engine) discard(p Packet) {
	e.tracker.Release(p.QP, 1)
	putBuffer(p.Data)
}

func (e *Engine) flush(ctx context.Context) {
	if len(e.batch) == 0 {
		return
	}
	select {
	case e.out <- e.batch:
		if e.notify != nil {
			e.notify()
		}
	case <-ctx.Done():
		e.Done(e.batch)
	}
	e.batch = nil
}

func (e *Engine) dropAll() {
	for qp, qb := range e.buffers {
		for psn, p := range qb.pkts {
			delete(qb.pkts, psn)
			e.counters.Buffered.Dec()
			e.discard(p)
		}
		delete(e.buffers, qp)
	}
	e.Done(e.batch)
	e.batch = nil
}

func (e *Engine) observe(ctx context.Context, n int) {
	if e.observer != nil && n > 0 {
		e.observer.RecordDrain(ctx, n)
	}
}

// qpBuffer holds the out-of-order packets of one QP keyed by sequence number
type qpBuffer struct {
	engine *Engine
	pkts   map[uint32]Packet
	firsts []uint32  // buffered First packets in arrival order
	since  time.Time // last progress, or arrival of the oldest packet
}

// Take implements seqtrack.Taker by staging psn for emission
func (b *qpBuffer) Take(psn uint32) (header.Opcode, bool) {
	p, ok := b.pkts[psn]
	if !ok {
		return 0, false
	}
	delete(b.pkts, psn)
	if p.Opcode == header.OpFirst {
		b.firsts = slices.DeleteFunc(b.firsts, func(f uint32) bool { return f == psn })
	}
	b.engine.counters.Buffered.Dec()
	b.engine.staged = append(b.engine.staged, p)
	return p.Opcode, true
}

// Firsts implements seqtrack.Taker
func (b *qpBuffer) Firsts() iter.Seq[uint32] {
	return slices.Values(b.firsts)
}

// follows reports whether psn, behind next, comes after a buffered First
// that is itself behind next
func (b *qpBuffer) follows(psn, next uint32) bool {
	if b == nil {
		return false
	}
	for _, f := range b.firsts {
		if f <= psn && f < next {
			return true
		}
	}
	return false
}

func (b *qpBuffer) lowest() uint32 {
	psns := make([]uint32, 0, len(b.pkts))
	for psn := range b.pkts {
		psns = append(psns, psn)
	}
	return slices.Min(psns)
}
