// Package flowcache maps flow 5-tuples to resolved link-layer next hops.
package flowcache

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rocespray/internal/header"
	"go.uber.org/atomic"
)

const (
	// DefaultSize is the default number of cached flows
	DefaultSize = 65536
	// DefaultTTL is the default lifetime of a cached next hop
	DefaultTTL = 30 * time.Second
)

// ErrUnroutable is returned when no next hop can be resolved for a flow
var ErrUnroutable = errors.New("flowcache: unroutable")

// FlowKey identifies a flow by its 5-tuple
type FlowKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// FlowNextHop is the link-layer forwarding information of a flow
type FlowNextHop struct {
	SrcMAC    header.MAC
	DstMAC    header.MAC
	SrcIP     netip.Addr
	DstIP     netip.Addr
	LinkIndex int
}

// Resolver resolves the next hop toward dst for packets that arrived on
// the given ingress link.
type Resolver interface {
	Resolve(dst netip.Addr, ingressLink int) (FlowNextHop, error)
}

// KeyOf extracts the flow key of a parsed UDP frame
func KeyOf(frame []byte, l header.Layout) FlowKey {
	return FlowKey{
		SrcIP:   l.SrcAddr(frame),
		DstIP:   l.DstAddr(frame),
		SrcPort: l.SrcPort(frame),
		DstPort: l.DstPort(frame),
		Proto:   l.Protocol(frame),
	}
}

// Cache is a bounded, expiring flow to next-hop table. It is safe for
// concurrent use.
type Cache struct {
	entries     *expirable.LRU[FlowKey, FlowNextHop]
	resolver    Resolver
	ingressLink int

	hits       atomic.Uint64
	misses     atomic.Uint64
	unroutable atomic.Uint64
}

// New creates a cache holding at most size flows for ttl each.
// A zero size or ttl selects the defaults.
func New(resolver Resolver, ingressLink int, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:     expirable.NewLRU[FlowKey, FlowNextHop](size, nil, ttl),
		resolver:    resolver,
		ingressLink: ingressLink,
	}
}

// Lookup returns the cached next hop of k
func (c *Cache) Lookup(k FlowKey) (FlowNextHop, bool) {
	return c.entries.Get(k)
}

// LookupOrResolve returns the cached next hop of k, resolving and caching it
// on a miss. Failed resolutions are not cached and return ErrUnroutable.
func (c *Cache) LookupOrResolve(k FlowKey) (FlowNextHop, error) {
	if hop, ok := c.entries.Get(k); ok {
		c.hits.Inc()
		return hop, nil
	}
	c.misses.Inc()

	hop, err := c.resolver.Resolve(k.DstIP, c.ingressLink)
	if err != nil {
		c.unroutable.Inc()
		log.Debug().
			Err(err).
			Str("src", k.SrcIP.String()).
			Str("dst", k.DstIP.String()).
			Uint16("src_port", k.SrcPort).
			Uint16("dst_port", k.DstPort).
			Msg("Flow is unroutable")
		return FlowNextHop{}, fmt.Errorf("%w: %w", ErrUnroutable, err)
	}

	c.entries.Add(k, hop)
	log.Debug().
		Str("dst", k.DstIP.String()).
		Int("link", hop.LinkIndex).
		Str("next_hop_mac", hop.DstMAC.String()).
		Msg("Resolved next hop for flow")
	return hop, nil
}

// Len returns the number of cached flows
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached flow
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Stats returns hit, miss and unroutable counts
func (c *Cache) Stats() (hits, misses, unroutable uint64) {
	return c.hits.Load(), c.misses.Load(), c.unroutable.Load()
}
