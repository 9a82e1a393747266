package seqtrack

import (
	"iter"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rocespray/internal/header"
)

// mapBuffer is a Taker over a plain map that records what it hands out
type mapBuffer struct {
	pkts  map[uint32]header.Opcode
	taken []uint32
}

func newMapBuffer() *mapBuffer {
	return &mapBuffer{pkts: make(map[uint32]header.Opcode)}
}

func (b *mapBuffer) Take(psn uint32) (header.Opcode, bool) {
	op, ok := b.pkts[psn]
	if ok {
		delete(b.pkts, psn)
		b.taken = append(b.taken, psn)
	}
	return op, ok
}

func (b *mapBuffer) Firsts() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		for _, psn := range slices.Sorted(maps.Keys(b.pkts)) {
			if b.pkts[psn] == header.OpFirst && !yield(psn) {
				return
			}
		}
	}
}

func TestInOrderMessage(t *testing.T) {
	tr := New()

	assert.Equal(t, InOrder, tr.Classify(42, 100, header.OpFirst, 0, false))
	assert.Equal(t, State{NextExpected: 101, Message: InMessage, Known: true}, tr.State(42))

	assert.Equal(t, InOrder, tr.Classify(42, 101, header.OpMiddle, 100, true))
	assert.Equal(t, InOrder, tr.Classify(42, 102, header.OpLast, 100, true))

	// the QP goes idle but keeps its position
	assert.Equal(t, State{NextExpected: 103, Message: Idle, Known: true}, tr.State(42))
	assert.Equal(t, InOrder, tr.Classify(42, 103, header.OpFirst, 103, true))
}

func TestGapHandsOffUntilDrained(t *testing.T) {
	tr := New()
	buf := newMapBuffer()

	assert.Equal(t, InOrder, tr.Classify(42, 100, header.OpFirst, 0, false))

	assert.Equal(t, Handoff, tr.Classify(42, 102, header.OpMiddle, 100, true))
	buf.pkts[102] = header.OpMiddle
	assert.Equal(t, 0, tr.Drain(42, buf))

	// 101 is in order but the engine owns the QP now
	assert.Equal(t, Handoff, tr.Classify(42, 101, header.OpMiddle, 100, true))
	buf.pkts[101] = header.OpMiddle
	assert.Equal(t, 2, tr.State(42).Pending)

	assert.Equal(t, 2, tr.Drain(42, buf))
	assert.Equal(t, []uint32{101, 102}, buf.taken)
	assert.Equal(t, State{NextExpected: 103, Message: InMessage, Known: true, Pending: 2}, tr.State(42))

	// drained packets are still in flight on the slow path
	assert.Equal(t, Handoff, tr.Classify(42, 103, header.OpMiddle, 100, true))
	tr.Release(42, 3)

	// ownership returned to the fast path
	assert.Equal(t, InOrder, tr.Classify(42, 103, header.OpLast, 100, true))
}

func TestLatePacket(t *testing.T) {
	tr := New()
	require.Equal(t, InOrder, tr.Classify(1, 50, header.OpFirst, 0, false))

	assert.Equal(t, Late, tr.Classify(1, 49, header.OpMiddle, 40, true))
	assert.Equal(t, uint32(51), tr.State(1).NextExpected)
}

func TestFirstRestartsIdleQP(t *testing.T) {
	tr := New()

	require.Equal(t, InOrder, tr.Classify(5, 100, header.OpFirst, 100, true))
	require.Equal(t, InOrder, tr.Classify(5, 101, header.OpLast, 100, true))
	require.Equal(t, State{NextExpected: 102, Message: Idle, Known: true}, tr.State(5))

	// the sender went back to sequence 0
	assert.Equal(t, InOrder, tr.Classify(5, 0, header.OpFirst, 0, true))
	assert.Equal(t, State{NextExpected: 1, Message: InMessage, Known: true}, tr.State(5))
	assert.Equal(t, InOrder, tr.Classify(5, 1, header.OpLast, 0, true))

	t.Run("far ahead", func(t *testing.T) {
		require.Equal(t, InOrder, tr.Classify(6, 10, header.OpFirst, 10, true))
		require.Equal(t, InOrder, tr.Classify(6, 11, header.OpLast, 10, true))

		assert.Equal(t, InOrder, tr.Classify(6, 500, header.OpFirst, 500, true))
		assert.Equal(t, State{NextExpected: 501, Message: InMessage, Known: true}, tr.State(6))
	})

	t.Run("near ahead is reordering", func(t *testing.T) {
		require.Equal(t, InOrder, tr.Classify(7, 10, header.OpFirst, 10, true))
		require.Equal(t, InOrder, tr.Classify(7, 11, header.OpLast, 10, true))

		assert.Equal(t, Handoff, tr.Classify(7, 14, header.OpFirst, 14, true))
		assert.Equal(t, uint32(12), tr.State(7).NextExpected)
	})

	t.Run("inside a message", func(t *testing.T) {
		require.Equal(t, InOrder, tr.Classify(8, 10, header.OpFirst, 10, true))

		assert.Equal(t, Late, tr.Classify(8, 5, header.OpFirst, 5, true))
		assert.Equal(t, State{NextExpected: 11, Message: InMessage, Known: true}, tr.State(8))
	})
}

func TestDrainRestartsAtBufferedFirst(t *testing.T) {
	tr := New()
	buf := newMapBuffer()

	require.Equal(t, InOrder, tr.Classify(9, 100, header.OpFirst, 100, true))
	for _, pkt := range []struct {
		psn uint32
		op  header.Opcode
	}{
		{102, header.OpLast},
		{0, header.OpFirst},
		{1, header.OpLast},
		{4, header.OpFirst},
		{101, header.OpMiddle},
	} {
		require.Equal(t, Handoff, tr.Classify(9, pkt.psn, pkt.op, 0, false))
		buf.pkts[pkt.psn] = pkt.op
	}

	assert.Equal(t, 4, tr.Drain(9, buf))
	assert.Equal(t, []uint32{101, 102, 0, 1}, buf.taken)
	assert.Equal(t, State{NextExpected: 2, Message: Idle, Known: true, Pending: 5}, tr.State(9))

	// 4 is close ahead of the new run and waits for 2 and 3
	assert.Equal(t, map[uint32]header.Opcode{4: header.OpFirst}, buf.pkts)
}

func TestUnknownQP(t *testing.T) {
	tr := New()

	assert.Equal(t, Untracked, tr.Classify(9, 10, header.OpMiddle, 0, false))
	assert.False(t, tr.State(9).Known)

	// a first sequence above the packet is not trusted
	assert.Equal(t, Untracked, tr.Classify(9, 10, header.OpMiddle, 11, true))
}

func TestFirstSequencePositionsUnknownQP(t *testing.T) {
	tr := New()
	buf := newMapBuffer()

	// Middle 101 overtook First 100
	assert.Equal(t, Handoff, tr.Classify(7, 101, header.OpMiddle, 100, true))
	buf.pkts[101] = header.OpMiddle
	assert.Equal(t, State{NextExpected: 100, Message: InMessage, Known: true, Pending: 1}, tr.State(7))

	assert.Equal(t, Handoff, tr.Classify(7, 100, header.OpFirst, 100, true))
	buf.pkts[100] = header.OpFirst

	assert.Equal(t, 2, tr.Drain(7, buf))
	assert.Equal(t, []uint32{100, 101}, buf.taken)
	assert.Equal(t, uint32(102), tr.State(7).NextExpected)
	assert.Equal(t, 2, tr.State(7).Pending)
}

func TestReleaseAndSkip(t *testing.T) {
	tr := New()
	require.Equal(t, InOrder, tr.Classify(3, 0, header.OpFirst, 0, false))
	require.Equal(t, Handoff, tr.Classify(3, 5, header.OpMiddle, 0, true))
	require.Equal(t, Handoff, tr.Classify(3, 6, header.OpMiddle, 0, true))

	tr.SkipTo(3, 5)
	buf := newMapBuffer()
	buf.pkts[5] = header.OpMiddle
	assert.Equal(t, 1, tr.Drain(3, buf))
	assert.Equal(t, uint32(6), tr.State(3).NextExpected)

	// skipping backwards is ignored
	tr.SkipTo(3, 2)
	assert.Equal(t, uint32(6), tr.State(3).NextExpected)

	tr.Release(3, 1)
	assert.Equal(t, 1, tr.State(3).Pending)
	tr.Release(3, 5)
	assert.Equal(t, 0, tr.State(3).Pending)

	n, known := tr.Expected(3)
	assert.True(t, known)
	assert.Equal(t, uint32(6), n)
	assert.Equal(t, 1, tr.Len())
}

func TestSequenceWrapsAt24Bits(t *testing.T) {
	tr := New()
	require.Equal(t, InOrder, tr.Classify(1, header.MaxSeq, header.OpFirst, 0, false))
	assert.Equal(t, uint32(0), tr.State(1).NextExpected)
}

// TestConcurrentFastAndSlowPath runs the classify loop and a drain loop on
// separate goroutines and checks every packet is delivered once, in order.
func TestConcurrentFastAndSlowPath(t *testing.T) {
	const (
		qp    = 42
		start = 1000
		count = 2000
	)

	psns := make([]uint32, count)
	for i := range psns {
		psns[i] = start + uint32(i)
	}
	// keep the First packet in front, shuffle the rest in small windows
	rng := rand.New(rand.NewSource(1))
	for i := 1; i+8 <= count; i += 8 {
		w := psns[i : i+8]
		rng.Shuffle(len(w), func(a, b int) { w[a], w[b] = w[b], w[a] })
	}

	tr := New()
	handoff := make(chan uint32, 64)

	var mu sync.Mutex
	var delivered []uint32
	deliver := func(psn ...uint32) {
		mu.Lock()
		delivered = append(delivered, psn...)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := newMapBuffer()
		for psn := range handoff {
			buf.pkts[psn] = header.OpMiddle
			buf.taken = buf.taken[:0]
			if n := tr.Drain(qp, buf); n > 0 {
				deliver(buf.taken...)
				tr.Release(qp, n)
			}
		}
	}()

	for _, psn := range psns {
		op := header.OpMiddle
		if psn == start {
			op = header.OpFirst
		}
		switch tr.Classify(qp, psn, op, start, true) {
		case InOrder:
			deliver(psn)
		case Handoff:
			handoff <- psn
		default:
			t.Errorf("unexpected decision for %d", psn)
		}
	}
	close(handoff)
	wg.Wait()

	require.Len(t, delivered, count)
	for i, psn := range delivered {
		assert.Equal(t, start+uint32(i), psn)
	}
	assert.Equal(t, State{NextExpected: start + count, Message: InMessage, Known: true}, tr.State(qp))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "in-message", InMessage.String())
	assert.Equal(t, "in-order", InOrder.String())
	assert.Equal(t, "untracked", Untracked.String())
	assert.Equal(t, "late", Late.String())
	assert.Equal(t, "handoff", Handoff.String())
	assert.Equal(t, "unknown", Decision(99).String())
}
