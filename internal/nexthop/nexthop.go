// Package nexthop resolves next hops and local links from the kernel
// routing and neighbour tables.
package nexthop

import (
	"errors"
	"net/netip"

	"github.com/yuuki/rocespray/internal/header"
)

var (
	// ErrNoRoute is returned when the kernel has no route to a destination
	ErrNoRoute = errors.New("nexthop: no route")
	// ErrNoNeighbor is returned when the gateway has no resolved link-layer address
	ErrNoNeighbor = errors.New("nexthop: neighbor not resolved")
	// ErrNoAddress is returned when a link has no IPv4 address
	ErrNoAddress = errors.New("nexthop: link has no IPv4 address")
)

// Link identifies a local network interface
type Link struct {
	Name  string
	Index int
	MAC   header.MAC
	IP    netip.Addr
}
