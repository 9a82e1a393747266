// Package seqtrack tracks the next expected packet sequence number of every
// destination queue pair.
//
// Each QP has exactly one writer at a time. The fast path owns a QP while
// none of its packets are held by the slow path; as soon as one packet is
// handed off, the slow path owns the QP until every handed-off packet has
// been delivered or dropped and released.
package seqtrack

import (
	"iter"
	"sync"

	"github.com/yuuki/rocespray/internal/header"
)

// RestartWindow is how far ahead of the expected sequence a First packet of
// an idle QP may land and still count as reordering within the current run.
// A First behind the expected sequence, or further ahead, starts a new run.
const RestartWindow = 256

// MessageState is the position of a QP inside its current message
type MessageState uint8

const (
	Idle MessageState = iota
	InMessage
)

// String returns the state name
func (m MessageState) String() string {
	if m == InMessage {
		return "in-message"
	}
	return "idle"
}

// Decision tells the fast path what to do with a packet
type Decision uint8

const (
	// InOrder means the tracker advanced and the packet is forwarded now
	InOrder Decision = iota
	// Untracked means the QP has no known position; forward without ordering
	Untracked
	// Late means the packet is behind the expected sequence; forward without advancing
	Late
	// Handoff means the packet belongs to the reorder engine
	Handoff
)

// String returns the decision name
func (d Decision) String() string {
	switch d {
	case InOrder:
		return "in-order"
	case Untracked:
		return "untracked"
	case Late:
		return "late"
	case Handoff:
		return "handoff"
	default:
		return "unknown"
	}
}

// State is a copy of the tracked state of one QP
type State struct {
	NextExpected uint32
	Message      MessageState
	Known        bool
	Pending      int
}

type qpState struct {
	mu      sync.Mutex
	next    uint32
	msg     MessageState
	known   bool
	pending int
}

// advance applies an in-order packet
func (s *qpState) advance(op header.Opcode, psn uint32) {
	s.next = (psn + 1) & header.MaxSeq
	switch op {
	case header.OpFirst:
		s.msg = InMessage
	case header.OpLast:
		s.msg = Idle
	}
}

// restarts reports whether a First packet at psn starts a new run
func (s *qpState) restarts(psn uint32) bool {
	return s.msg == Idle && (psn < s.next || psn-s.next >= RestartWindow)
}

// Tracker holds the sequence state of every QP
type Tracker struct {
	mu  sync.RWMutex
	qps map[uint32]*qpState
}

// New creates an empty tracker
func New() *Tracker {
	return &Tracker{qps: make(map[uint32]*qpState)}
}

func (t *Tracker) get(qp uint32) *qpState {
	t.mu.RLock()
	s, ok := t.qps[qp]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.qps[qp]; !ok {
		s = &qpState{}
		t.qps[qp] = s
	}
	return s
}

// Classify decides the fate of a packet on the fast path. firstSeq is the
// first sequence number of the packet's message when known; it positions a
// QP whose First packet has not been seen.
func (t *Tracker) Classify(qp, psn uint32, op header.Opcode, firstSeq uint32, haveFirst bool) Decision {
	s := t.get(qp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending > 0 {
		s.pending++
		return Handoff
	}

	if !s.known {
		switch {
		case op == header.OpFirst:
			s.known = true
			s.advance(op, psn)
			return InOrder
		case haveFirst && firstSeq <= psn:
			s.known = true
			s.next = firstSeq
			s.msg = InMessage
		default:
			return Untracked
		}
	}

	switch {
	case psn == s.next, op == header.OpFirst && s.restarts(psn):
		s.advance(op, psn)
		return InOrder
	case psn < s.next:
		return Late
	default:
		s.pending++
		return Handoff
	}
}

// Taker is a buffer of handed-off packets
type Taker interface {
	// Take removes the packet with sequence psn, reporting its opcode
	Take(psn uint32) (header.Opcode, bool)
	// Firsts yields the sequences of the buffered First packets in arrival order
	Firsts() iter.Seq[uint32]
}

// Drain advances qp through every contiguous packet buf holds, starting at
// the expected sequence, and returns the number of packets taken. When the
// run ends on an idle QP, a buffered First that starts a new run continues
// the drain from its sequence. Taken packets stay owned by the slow path
// until they are released.
func (t *Tracker) Drain(qp uint32, buf Taker) int {
	s := t.get(qp)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for {
		op, ok := buf.Take(s.next)
		if !ok {
			start, found := s.restartIn(buf)
			if !found {
				break
			}
			if op, ok = buf.Take(start); !ok {
				break
			}
			s.next = start
		}
		s.advance(op, s.next)
		n++
	}
	return n
}

func (s *qpState) restartIn(buf Taker) (uint32, bool) {
	for psn := range buf.Firsts() {
		if s.restarts(psn) {
			return psn, true
		}
	}
	return 0, false
}

// Expected returns the next expected sequence of qp
func (t *Tracker) Expected(qp uint32) (uint32, bool) {
	s := t.get(qp)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.known
}

// Release ends slow-path ownership of n handed-off packets of qp once they
// have been queued for transmission or dropped.
func (t *Tracker) Release(qp uint32, n int) {
	s := t.get(qp)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending -= n
	if s.pending < 0 {
		s.pending = 0
	}
}

// SkipTo moves the expected sequence of qp forward to psn, abandoning the
// packets in between. Sequences behind the current position are ignored.
func (t *Tracker) SkipTo(qp, psn uint32) {
	s := t.get(qp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known || psn > s.next {
		s.next = psn & header.MaxSeq
		s.known = true
	}
}

// State returns a copy of the state of qp
func (t *Tracker) State(qp uint32) State {
	t.mu.RLock()
	s, ok := t.qps[qp]
	t.mu.RUnlock()
	if !ok {
		return State{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{NextExpected: s.next, Message: s.msg, Known: s.known, Pending: s.pending}
}

// Len returns the number of QPs seen
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.qps)
}
