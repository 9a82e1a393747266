package spray

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rocespray/internal/flowcache"
	"github.com/yuuki/rocespray/internal/header"
	"github.com/yuuki/rocespray/internal/packet"
	"github.com/yuuki/rocespray/internal/packettest"
	"github.com/yuuki/rocespray/internal/stats"
	"golang.org/x/net/ipv4"
)

type staticNextHops struct {
	hop   flowcache.FlowNextHop
	err   error
	calls int
}

func (s *staticNextHops) LookupOrResolve(k flowcache.FlowKey) (flowcache.FlowNextHop, error) {
	s.calls++
	return s.hop, s.err
}

var (
	fabricSrcMAC = header.MAC{0x0a, 0, 0, 0, 0, 1}
	fabricDstMAC = header.MAC{0x0a, 0, 0, 0, 0, 2}
	tunnelSrc    = netip.MustParseAddr("10.0.0.1")
	tunnelDst    = netip.MustParseAddr("10.0.1.1")
)

func newTestEncap(links int, hops NextHops) (*Encapsulator, *stats.Counters) {
	counters := &stats.Counters{}
	return NewEncapsulator(Config{Links: links}, hops, counters), counters
}

func routable() *staticNextHops {
	return &staticNextHops{hop: flowcache.FlowNextHop{
		SrcMAC:    fabricSrcMAC,
		DstMAC:    fabricDstMAC,
		SrcIP:     tunnelSrc,
		DstIP:     tunnelDst,
		LinkIndex: 5,
	}}
}

// frameIn copies pkt into a UMEM-sized buffer with the given headroom
func frameIn(pkt []byte, headroom int) *packet.Frame {
	buf := make([]byte, 2048)
	copy(buf[headroom:], pkt)
	return packet.NewFrame(buf, headroom, len(pkt))
}

func TestEncapsulateRoCEPacket(t *testing.T) {
	f := packettest.Default(42, 100, header.OpFirst)
	inner := packettest.Build(t, f)
	enc, counters := newTestEncap(4, routable())

	fr := frameIn(inner, 128)
	require.Equal(t, packet.Forward, enc.Encapsulate(fr))
	assert.Equal(t, 5, fr.Link)
	assert.Equal(t, len(inner)+header.EncapOverhead, fr.Len())

	eth, ip, udp, payload := packettest.Decode(t, fr.Bytes())
	assert.Equal(t, fabricSrcMAC[:], []byte(eth.SrcMAC))
	assert.Equal(t, fabricDstMAC[:], []byte(eth.DstMAC))
	assert.True(t, ip.SrcIP.Equal(tunnelSrc.AsSlice()))
	assert.True(t, ip.DstIP.Equal(tunnelDst.AsSlice()))
	assert.Equal(t, uint16(header.DefaultSprayPort), uint16(udp.DstPort))
	assert.Equal(t, enc.hash.Mask(f.SrcPort, 100), uint16(udp.SrcPort))
	assert.Equal(t, uint16(header.UDPLen+header.SprayLen+len(inner)), udp.Length)

	ih, err := ipv4.ParseHeader(fr.Bytes()[header.EthernetLen:])
	require.NoError(t, err)
	assert.Equal(t, header.IPv4MinLen+header.UDPLen+header.SprayLen+len(inner), ih.TotalLen)
	assert.Equal(t, uint16(0), header.IPv4Checksum(fr.Bytes()[header.EthernetLen:header.EthernetLen+header.IPv4MinLen]))

	spray, err := header.DecodeSpray(payload)
	require.NoError(t, err)
	assert.Equal(t, header.Spray{OrigSrcPort: f.SrcPort, FirstSeq: 100}, spray)
	assert.Equal(t, inner, payload[header.SprayLen:])

	assert.Equal(t, uint64(1), counters.Encapsulated.Load())
}

func TestEncapsulateWithoutHeadroom(t *testing.T) {
	inner := packettest.Build(t, packettest.Default(42, 7, header.OpMiddle))
	enc, _ := newTestEncap(2, routable())

	fr := frameIn(inner, 0)
	require.Equal(t, packet.Forward, enc.Encapsulate(fr))
	assert.Equal(t, inner, fr.Bytes()[header.EncapOverhead:])
}

func TestEncapsulateStripsEthernetPadding(t *testing.T) {
	inner := packettest.Build(t, packettest.Default(42, 7, header.OpMiddle))
	padded := append(append([]byte(nil), inner...), 0, 0, 0, 0)
	enc, _ := newTestEncap(2, routable())

	fr := frameIn(padded, 64)
	require.Equal(t, packet.Forward, enc.Encapsulate(fr))
	assert.Equal(t, inner, fr.Bytes()[header.EncapOverhead:])
}

func TestEncapsulateTracksFirstSequence(t *testing.T) {
	enc, _ := newTestEncap(4, routable())

	steps := []struct {
		op        header.Opcode
		psn       uint32
		wantFirst uint32
		wantFlags uint8
	}{
		{header.OpFirst, 100, 100, 0},
		{header.OpMiddle, 101, 100, 0},
		{header.OpLast, 102, 100, header.SprayFlagLast},
		// no message in flight, the packet stands for itself
		{header.OpMiddle, 103, 103, 0},
		{header.OpLast, 104, 104, header.SprayFlagLast},
	}

	for _, s := range steps {
		fr := frameIn(packettest.Build(t, packettest.Default(42, s.psn, s.op)), 128)
		require.Equal(t, packet.Forward, enc.Encapsulate(fr))

		spray, err := header.DecodeSpray(fr.Bytes()[header.EncapOverhead-header.SprayLen:])
		require.NoError(t, err)
		assert.Equal(t, s.wantFirst, spray.FirstSeq, "psn %d", s.psn)
		assert.Equal(t, s.wantFlags, spray.Flags, "psn %d", s.psn)
	}
	assert.Zero(t, enc.firstSeq.Len())
}

func TestEncapsulateForgetsUnfinishedMessages(t *testing.T) {
	enc := NewEncapsulator(Config{Links: 4, MessageTableSize: 2, MessageTTL: 200 * time.Millisecond}, routable(), nil)
	firstSeq := func(qp, psn uint32, op header.Opcode) uint32 {
		fr := frameIn(packettest.Build(t, packettest.Default(qp, psn, op)), 128)
		require.Equal(t, packet.Forward, enc.Encapsulate(fr))
		spray, err := header.DecodeSpray(fr.Bytes()[header.EncapOverhead-header.SprayLen:])
		require.NoError(t, err)
		return spray.FirstSeq
	}

	// three QPs open messages whose Last is lost
	for qp := uint32(1); qp <= 3; qp++ {
		firstSeq(qp, 10*qp, header.OpFirst)
	}
	assert.Equal(t, 2, enc.firstSeq.Len())
	assert.Equal(t, uint32(11), firstSeq(1, 11, header.OpMiddle), "oldest QP evicted")
	assert.Equal(t, uint32(20), firstSeq(2, 21, header.OpMiddle))

	assert.Eventually(t, func() bool { return enc.firstSeq.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint32(31), firstSeq(3, 31, header.OpMiddle))
}

func TestEncapsulateQPsAreIndependent(t *testing.T) {
	enc, _ := newTestEncap(4, routable())

	first := func(qp, psn uint32, op header.Opcode) uint32 {
		fr := frameIn(packettest.Build(t, packettest.Default(qp, psn, op)), 128)
		require.Equal(t, packet.Forward, enc.Encapsulate(fr))
		spray, err := header.DecodeSpray(fr.Bytes()[header.EncapOverhead-header.SprayLen:])
		require.NoError(t, err)
		return spray.FirstSeq
	}

	assert.Equal(t, uint32(10), first(1, 10, header.OpFirst))
	assert.Equal(t, uint32(500), first(2, 500, header.OpFirst))
	assert.Equal(t, uint32(10), first(1, 11, header.OpMiddle))
	assert.Equal(t, uint32(500), first(2, 501, header.OpMiddle))
}

func TestEncapsulatePassThrough(t *testing.T) {
	roce := packettest.Build(t, packettest.Default(42, 100, header.OpFirst))

	other := packettest.Default(42, 100, header.OpFirst)
	other.DstPort = 53
	nonRoCE := packettest.Build(t, other)

	shortBTH := packettest.BuildUDP(t, packettest.Default(0, 0, 0), []byte{1, 2, 3})

	tests := []struct {
		name          string
		pkt           []byte
		hops          *staticNextHops
		wantUnroute   uint64
		wantMalformed uint64
	}{
		{"non roce port", nonRoCE, routable(), 0, 0},
		{"unroutable", roce, &staticNextHops{err: errors.New("no route")}, 1, 0},
		{"invalid next hop address", roce, &staticNextHops{}, 1, 0},
		{"truncated bth", shortBTH, routable(), 0, 1},
		{"garbage", []byte{1, 2, 3}, routable(), 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, counters := newTestEncap(4, tt.hops)
			fr := frameIn(tt.pkt, 128)

			assert.Equal(t, packet.Pass, enc.Encapsulate(fr))
			assert.Equal(t, tt.pkt, fr.Bytes(), "frame must be untouched")
			assert.Equal(t, uint64(1), counters.PassThrough.Load())
			assert.Equal(t, tt.wantUnroute, counters.Unroutable.Load())
			assert.Equal(t, tt.wantMalformed, counters.Malformed.Load())
		})
	}
}

func TestEncapsulateNoRoomPassesThrough(t *testing.T) {
	inner := packettest.Build(t, packettest.Default(42, 100, header.OpFirst))
	enc, counters := newTestEncap(4, routable())

	buf := make([]byte, len(inner)+header.EncapOverhead-1)
	copy(buf, inner)
	fr := packet.NewFrame(buf, 0, len(inner))

	assert.Equal(t, packet.Pass, enc.Encapsulate(fr))
	assert.Equal(t, inner, fr.Bytes())
	assert.Equal(t, uint64(0), counters.Encapsulated.Load())
}
