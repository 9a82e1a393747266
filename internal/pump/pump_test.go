package pump

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rocespray/internal/flowcache"
	"github.com/yuuki/rocespray/internal/header"
	"github.com/yuuki/rocespray/internal/packet"
	"github.com/yuuki/rocespray/internal/packettest"
	"github.com/yuuki/rocespray/internal/reorder"
	"github.com/yuuki/rocespray/internal/spray"
	"github.com/yuuki/rocespray/internal/stats"
)

// memSocket is an in-memory Socket. Frames handed out by Receive are
// scribbled over on the next Fill to catch use after recycling.
type memSocket struct {
	frameSize int
	rx        [][]byte
	frames    [][]byte
	sent      [][]byte
	txLimit   int
	pollErr   error
	starved   int
	closed    bool
}

func newMemSocket() *memSocket {
	return &memSocket{frameSize: 2048, txLimit: -1}
}

func (m *memSocket) Fill() int {
	for _, f := range m.frames {
		for i := range f {
			f[i] = 0xee
		}
	}
	m.frames = m.frames[:0]
	return m.starved
}

func (m *memSocket) Poll(time.Duration) (int, error) {
	if m.pollErr != nil {
		return 0, m.pollErr
	}
	return len(m.rx), nil
}

func (m *memSocket) Receive(n int) []Desc {
	n = min(n, len(m.rx))
	descs := make([]Desc, 0, n)
	for _, pkt := range m.rx[:n] {
		buf := make([]byte, m.frameSize)
		copy(buf, pkt)
		descs = append(descs, Desc{Addr: uint64(len(m.frames)), Len: len(pkt)})
		m.frames = append(m.frames, buf)
	}
	m.rx = m.rx[n:]
	return descs
}

func (m *memSocket) Frame(d Desc) []byte {
	return m.frames[d.Addr]
}

func (m *memSocket) Transmit(packets [][]byte) int {
	n := len(packets)
	if m.txLimit >= 0 {
		n = min(n, m.txLimit)
	}
	for _, pkt := range packets[:n] {
		m.sent = append(m.sent, bytes.Clone(pkt))
	}
	return n
}

func (m *memSocket) Stats() (SocketStats, error) {
	return SocketStats{Transmitted: uint64(len(m.sent))}, nil
}

func (m *memSocket) Close() error {
	m.closed = true
	return nil
}

type fakeReinjector struct {
	out  chan []reorder.Packet
	done [][]reorder.Packet
	// sent is the peer's transmit count when Done was called
	sentAtDone []int
	peer       *memSocket
}

func (f *fakeReinjector) Out() <-chan []reorder.Packet { return f.out }

func (f *fakeReinjector) Done(batch []reorder.Packet) {
	f.done = append(f.done, batch)
	f.sentAtDone = append(f.sentAtDone, len(f.peer.sent))
}

type staticHops struct{ hop flowcache.FlowNextHop }

func (s staticHops) LookupOrResolve(flowcache.FlowKey) (flowcache.FlowNextHop, error) {
	return s.hop, nil
}

func twoPorts(h Handler) (*Port, *Port, *memSocket, *memSocket) {
	inSock, outSock := newMemSocket(), newMemSocket()
	in := &Port{Name: "host", Link: 1, Socket: inSock, Handler: h}
	out := &Port{Name: "fabric", Link: 5, Socket: outSock, Peer: in}
	in.Peer = out
	return in, out, inSock, outSock
}

func TestPumpVerdicts(t *testing.T) {
	verdicts := map[byte]packet.Verdict{
		'f': packet.Forward,
		'p': packet.Pass,
		'd': packet.Drop,
		'c': packet.Consumed,
	}
	h := HandlerFunc(func(f *packet.Frame) packet.Verdict {
		v := verdicts[f.Bytes()[0]]
		if v == packet.Forward {
			f.Link = 1
		}
		return v
	})
	in, out, inSock, outSock := twoPorts(h)
	counters := &stats.Counters{}
	p := New(Config{}, counters, in, out)

	var pcap bytes.Buffer
	capture, err := NewCapture(&pcap)
	require.NoError(t, err)
	p.SetCapture(capture)

	inSock.rx = [][]byte{[]byte("forward"), []byte("pass"), []byte("drop"), []byte("consumed")}
	work, err := p.iterate(0)
	require.NoError(t, err)
	assert.Equal(t, 4, work)

	// forward resolved link 1, which is the ingress port itself
	assert.Equal(t, [][]byte{[]byte("forward")}, inSock.sent)
	assert.Equal(t, [][]byte{[]byte("pass")}, outSock.sent)
	assert.Equal(t, uint64(4), counters.RxPackets.Load())
	assert.Equal(t, uint64(2), counters.TxPackets.Load())

	r, err := pcapgo.NewReader(&pcap)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte("drop"), data)
}

func TestPumpEncapsulatesToFabric(t *testing.T) {
	hops := staticHops{hop: flowcache.FlowNextHop{
		SrcMAC:    header.MAC{0x0a, 0, 0, 0, 0, 1},
		DstMAC:    header.MAC{0x0a, 0, 0, 0, 0, 2},
		SrcIP:     netip.MustParseAddr("10.0.0.1"),
		DstIP:     netip.MustParseAddr("10.0.1.1"),
		LinkIndex: 5,
	}}
	enc := spray.NewEncapsulator(spray.Config{Links: 2}, hops, nil)
	in, out, inSock, outSock := twoPorts(enc)
	p := New(Config{}, nil, in, out)

	inner := packettest.Build(t, packettest.Default(42, 100, header.OpFirst))
	other := []byte("not an ip packet at all")
	inSock.rx = [][]byte{inner, other}

	_, err := p.iterate(0)
	require.NoError(t, err)
	require.Len(t, outSock.sent, 2)
	assert.Len(t, outSock.sent[0], len(inner)+header.EncapOverhead)
	assert.Equal(t, inner, outSock.sent[0][header.EncapOverhead:])
	assert.Equal(t, other, outSock.sent[1])
}

func TestPumpBatchSize(t *testing.T) {
	in, out, inSock, outSock := twoPorts(HandlerFunc(func(*packet.Frame) packet.Verdict { return packet.Pass }))
	p := New(Config{BatchSize: 2}, nil, in, out)

	inSock.rx = [][]byte{{1}, {2}, {3}}
	work, err := p.iterate(0)
	require.NoError(t, err)
	assert.Equal(t, 2, work)
	work, err = p.iterate(0)
	require.NoError(t, err)
	assert.Equal(t, 1, work)
	assert.Equal(t, [][]byte{{1}, {2}, {3}}, outSock.sent)
}

func TestPumpTxRingFull(t *testing.T) {
	in, out, inSock, outSock := twoPorts(HandlerFunc(func(*packet.Frame) packet.Verdict { return packet.Pass }))
	counters := &stats.Counters{}
	p := New(Config{}, counters, in, out)

	outSock.txLimit = 1
	inSock.rx = [][]byte{{1}, {2}, {3}}
	_, err := p.iterate(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counters.TxPackets.Load())
	assert.Equal(t, uint64(2), counters.TxDropped.Load())
}

func TestPumpPassWithoutPeerDrops(t *testing.T) {
	sock := newMemSocket()
	counters := &stats.Counters{}
	p := New(Config{}, counters, &Port{Name: "lonely", Socket: sock,
		Handler: HandlerFunc(func(*packet.Frame) packet.Verdict { return packet.Pass })})

	sock.rx = [][]byte{{1}}
	_, err := p.iterate(0)
	require.NoError(t, err)
	assert.Empty(t, sock.sent)
	assert.Equal(t, uint64(1), counters.TxDropped.Load())
}

func TestPumpReinjectsBeforeDone(t *testing.T) {
	in, out, _, outSock := twoPorts(HandlerFunc(func(*packet.Frame) packet.Verdict { return packet.Pass }))
	p := New(Config{}, nil, in, out)
	r := &fakeReinjector{out: make(chan []reorder.Packet, 4), peer: outSock}
	p.SetReinjector(r, out)

	r.out <- []reorder.Packet{
		{QP: 42, PSN: 101, Data: []byte{101}, Link: 5},
		{QP: 42, PSN: 102, Data: []byte{102}, Link: 99},
	}
	work, err := p.iterate(0)
	require.NoError(t, err)
	assert.Equal(t, 2, work)

	assert.Equal(t, [][]byte{{101}, {102}}, outSock.sent)
	require.Len(t, r.done, 1)
	assert.Equal(t, []int{2}, r.sentAtDone)
}

func TestPumpFillStarvation(t *testing.T) {
	sock := newMemSocket()
	sock.starved = 3
	counters := &stats.Counters{}
	p := New(Config{}, counters, &Port{Name: "rx", Socket: sock,
		Handler: HandlerFunc(func(*packet.Frame) packet.Verdict { return packet.Drop })})

	_, err := p.iterate(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counters.FillStarved.Load())
}

func TestPumpWait(t *testing.T) {
	in, out, _, _ := twoPorts(HandlerFunc(func(*packet.Frame) packet.Verdict { return packet.Pass }))
	p := New(Config{PollTimeout: 40 * time.Millisecond}, nil, in, out)
	assert.Equal(t, time.Duration(0), p.wait(false))
	assert.Equal(t, 40*time.Millisecond, p.wait(true))

	r := &fakeReinjector{out: make(chan []reorder.Packet, 1), peer: newMemSocket()}
	p.SetReinjector(r, out)
	r.out <- nil
	assert.Equal(t, time.Duration(0), p.wait(true))
}

func TestPumpRun(t *testing.T) {
	t.Run("stops on cancel", func(t *testing.T) {
		in, out, _, _ := twoPorts(HandlerFunc(func(*packet.Frame) packet.Verdict { return packet.Pass }))
		p := New(Config{PollTimeout: time.Millisecond}, nil, in, out)
		r := &fakeReinjector{out: make(chan []reorder.Packet, 1), peer: newMemSocket()}
		p.SetReinjector(r, out)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r.out <- []reorder.Packet{{QP: 1}}
		require.NoError(t, p.Run(ctx))
		assert.Len(t, r.done, 1)
	})

	t.Run("returns socket errors", func(t *testing.T) {
		in, out, inSock, _ := twoPorts(HandlerFunc(func(*packet.Frame) packet.Verdict { return packet.Pass }))
		inSock.pollErr = errors.New("ring broken")
		p := New(Config{}, nil, in, out)
		assert.ErrorContains(t, p.Run(context.Background()), "ring broken")
	})
}

func TestPumpClose(t *testing.T) {
	in, out, inSock, outSock := twoPorts(nil)
	p := New(Config{}, nil, in, out)
	require.NoError(t, p.Close())
	assert.True(t, inSock.closed)
	assert.True(t, outSock.closed)
}
