//go:build !linux

package nexthop

import (
	"errors"
	"net/netip"

	"github.com/yuuki/rocespray/internal/flowcache"
)

var errUnsupported = errors.New("nexthop: netlink is only available on linux")

// Resolver is unavailable on this platform
type Resolver struct{}

// NewResolver creates a resolver that always fails
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve always fails on this platform
func (r *Resolver) Resolve(dst netip.Addr, ingressLink int) (flowcache.FlowNextHop, error) {
	return flowcache.FlowNextHop{}, errUnsupported
}

// DiscoverLink always fails on this platform
func DiscoverLink(name string) (Link, error) {
	return Link{}, errUnsupported
}
