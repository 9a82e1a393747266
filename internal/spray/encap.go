// Package spray wraps outbound RoCEv2 packets in the sprayed tunnel format.
package spray

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rocespray/internal/flowcache"
	"github.com/yuuki/rocespray/internal/header"
	"github.com/yuuki/rocespray/internal/packet"
	"github.com/yuuki/rocespray/internal/stats"
)

// NextHops looks up or resolves the next hop of a flow
type NextHops interface {
	LookupOrResolve(k flowcache.FlowKey) (flowcache.FlowNextHop, error)
}

const (
	// DefaultMessageTableSize bounds the number of QPs with a message in flight
	DefaultMessageTableSize = 65536
	// DefaultMessageTTL is how long a message whose Last never shows up is remembered
	DefaultMessageTTL = 5 * time.Second
)

// Config controls the encapsulation format
type Config struct {
	RoCEPort  uint16
	SprayPort uint16
	Links     int

	MessageTableSize int
	MessageTTL       time.Duration
}

// Encapsulator tunnels RoCEv2 packets toward their resolved next hop. It
// keeps per-QP message state and must be used by a single goroutine.
type Encapsulator struct {
	cfg      Config
	hash     PathHash
	nextHops NextHops
	counters *stats.Counters

	// first sequence number of the message in flight, per destination QP
	firstSeq *expirable.LRU[uint32, uint32]
}

// NewEncapsulator creates an encapsulator
func NewEncapsulator(cfg Config, nextHops NextHops, counters *stats.Counters) *Encapsulator {
	if cfg.RoCEPort == 0 {
		cfg.RoCEPort = header.RoCEPort
	}
	if cfg.SprayPort == 0 {
		cfg.SprayPort = header.DefaultSprayPort
	}
	if cfg.MessageTableSize <= 0 {
		cfg.MessageTableSize = DefaultMessageTableSize
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = DefaultMessageTTL
	}
	if counters == nil {
		counters = &stats.Counters{}
	}
	return &Encapsulator{
		cfg:      cfg,
		hash:     NewPathHash(cfg.Links),
		nextHops: nextHops,
		counters: counters,
		firstSeq: expirable.NewLRU[uint32, uint32](cfg.MessageTableSize, nil, cfg.MessageTTL),
	}
}

// Handle implements the pump's handler contract
func (e *Encapsulator) Handle(f *packet.Frame) packet.Verdict {
	return e.Encapsulate(f)
}

// Encapsulate wraps f in place. Anything that is not a well-formed RoCEv2
// packet with a resolvable next hop is passed through unmodified.
func (e *Encapsulator) Encapsulate(f *packet.Frame) packet.Verdict {
	frame := f.Bytes()
	l, err := header.ParseUDP(frame)
	if err != nil || l.DstPort(frame) != e.cfg.RoCEPort {
		e.counters.PassThrough.Inc()
		return packet.Pass
	}

	op, qp, psn, err := header.BTHFields(frame[l.Payload:l.End])
	if err != nil {
		e.counters.Malformed.Inc()
		e.counters.PassThrough.Inc()
		return packet.Pass
	}

	hop, err := e.nextHops.LookupOrResolve(flowcache.KeyOf(frame, l))
	if err != nil || !hop.SrcIP.Is4() || !hop.DstIP.Is4() {
		e.counters.Unroutable.Inc()
		e.counters.PassThrough.Inc()
		return packet.Pass
	}

	spray := header.Spray{
		OrigSrcPort: l.SrcPort(frame),
		FirstSeq:    e.trackMessage(op, qp, psn),
	}
	if op == header.OpLast {
		spray.Flags |= header.SprayFlagLast
	}

	// drop Ethernet padding so the outer lengths describe the inner frame
	inner := l.End
	if !f.Truncate(inner) || !f.Prepend(header.EncapOverhead) {
		log.Debug().Int("len", inner).Msg("Frame has no room for the tunnel header")
		e.counters.PassThrough.Inc()
		return packet.Pass
	}

	b := f.Bytes()
	ipOff := header.EthernetLen
	udpOff := ipOff + header.IPv4MinLen
	sprayOff := udpOff + header.UDPLen
	_ = header.PutEthernet(b, hop.DstMAC, hop.SrcMAC, header.EtherTypeIPv4)
	_ = header.PutIPv4(b[ipOff:], hop.SrcIP, hop.DstIP, len(b)-ipOff, header.ProtoUDP)
	_ = header.PutUDP(b[udpOff:], e.hash.Mask(spray.OrigSrcPort, psn), e.cfg.SprayPort, len(b)-udpOff)
	_ = spray.Encode(b[sprayOff:])

	f.Link = hop.LinkIndex
	e.counters.Encapsulated.Inc()
	return packet.Forward
}

// trackMessage returns the first sequence number of the message psn belongs to
func (e *Encapsulator) trackMessage(op header.Opcode, qp, psn uint32) uint32 {
	switch op {
	case header.OpFirst:
		e.firstSeq.Add(qp, psn)
		return psn
	case header.OpLast:
		first, ok := e.firstSeq.Peek(qp)
		e.firstSeq.Remove(qp)
		if !ok {
			return psn
		}
		return first
	default:
		if first, ok := e.firstSeq.Peek(qp); ok {
			return first
		}
		return psn
	}
}
