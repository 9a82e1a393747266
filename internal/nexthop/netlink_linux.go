//go:build linux

package nexthop

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
	"github.com/yuuki/rocespray/internal/flowcache"
	"github.com/yuuki/rocespray/internal/header"
	"golang.org/x/sys/unix"
)

const usableNeighborStates = unix.NUD_REACHABLE | unix.NUD_STALE | unix.NUD_DELAY |
	unix.NUD_PROBE | unix.NUD_PERMANENT | unix.NUD_NOARP

// Resolver resolves next hops through the kernel FIB and neighbour table
type Resolver struct{}

// NewResolver creates a netlink backed resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the next hop toward dst
func (r *Resolver) Resolve(dst netip.Addr, ingressLink int) (flowcache.FlowNextHop, error) {
	if !dst.Is4() {
		return flowcache.FlowNextHop{}, fmt.Errorf("%w: %s is not IPv4", ErrNoRoute, dst)
	}

	routes, err := netlink.RouteGet(net.IP(dst.AsSlice()))
	if err != nil {
		return flowcache.FlowNextHop{}, fmt.Errorf("%w: %s: %w", ErrNoRoute, dst, err)
	}
	if len(routes) == 0 || routes[0].LinkIndex == 0 {
		return flowcache.FlowNextHop{}, fmt.Errorf("%w: %s", ErrNoRoute, dst)
	}
	route := routes[0]

	link, err := netlink.LinkByIndex(route.LinkIndex)
	if err != nil {
		return flowcache.FlowNextHop{}, fmt.Errorf("failed to get link %d: %w", route.LinkIndex, err)
	}

	// on-link destinations are their own gateway
	gateway := dst
	if gw, ok := netip.AddrFromSlice(route.Gw.To4()); ok {
		gateway = gw
	}

	dstMAC, err := neighborMAC(route.LinkIndex, gateway)
	if err != nil {
		return flowcache.FlowNextHop{}, err
	}

	srcIP, ok := netip.AddrFromSlice(route.Src.To4())
	if !ok {
		srcIP, err = firstIPv4(link)
		if err != nil {
			return flowcache.FlowNextHop{}, err
		}
	}

	hop := flowcache.FlowNextHop{
		DstMAC:    dstMAC,
		SrcIP:     srcIP,
		DstIP:     dst,
		LinkIndex: route.LinkIndex,
	}
	copy(hop.SrcMAC[:], link.Attrs().HardwareAddr)

	log.Trace().
		Str("dst", dst.String()).
		Str("gateway", gateway.String()).
		Int("ingress_link", ingressLink).
		Int("egress_link", route.LinkIndex).
		Msg("Resolved route")
	return hop, nil
}

func neighborMAC(linkIndex int, ip netip.Addr) (header.MAC, error) {
	neighs, err := netlink.NeighList(linkIndex, netlink.FAMILY_V4)
	if err != nil {
		return header.MAC{}, fmt.Errorf("failed to list neighbors on link %d: %w", linkIndex, err)
	}

	target := net.IP(ip.AsSlice())
	for _, n := range neighs {
		if !n.IP.Equal(target) || n.State&usableNeighborStates == 0 || len(n.HardwareAddr) != 6 {
			continue
		}
		var mac header.MAC
		copy(mac[:], n.HardwareAddr)
		return mac, nil
	}
	return header.MAC{}, fmt.Errorf("%w: %s on link %d", ErrNoNeighbor, ip, linkIndex)
}

func firstIPv4(link netlink.Link) (netip.Addr, error) {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list addresses of %s: %w", link.Attrs().Name, err)
	}
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoAddress, link.Attrs().Name)
}

// DiscoverLink resolves an interface name to its index, MAC and first IPv4 address
func DiscoverLink(name string) (Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return Link{}, fmt.Errorf("interface %s not found: %w", name, err)
	}

	ip, err := firstIPv4(link)
	if err != nil {
		return Link{}, err
	}

	l := Link{
		Name:  name,
		Index: link.Attrs().Index,
		IP:    ip,
	}
	copy(l.MAC[:], link.Attrs().HardwareAddr)
	return l, nil
}
