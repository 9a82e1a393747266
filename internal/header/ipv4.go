package header

import (
	"net"
	"net/netip"
)

// Layout holds the offsets of a parsed Ethernet/IPv4/UDP frame
type Layout struct {
	IP      int // start of the IPv4 header
	UDP     int // start of the UDP header
	Payload int // start of the UDP payload
	End     int // one past the end of the IPv4 datagram
}

// ParseUDP validates the Ethernet, IPv4 and UDP headers at the start of
// frame and returns their offsets. The declared IPv4 total length and UDP
// length must fit inside frame.
func ParseUDP(frame []byte) (Layout, error) {
	if len(frame) < EthernetLen+IPv4MinLen {
		return Layout{}, ErrTruncated
	}
	if be.Uint16(frame[12:14]) != EtherTypeIPv4 {
		return Layout{}, ErrNotIPv4
	}
	ip := frame[EthernetLen:]
	if ip[0]>>4 != 4 {
		return Layout{}, ErrNotIPv4
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < IPv4MinLen || ihl > len(ip) {
		return Layout{}, ErrBadLength
	}
	total := int(be.Uint16(ip[2:4]))
	if total < ihl || total > len(ip) {
		return Layout{}, ErrBadLength
	}
	if ip[9] != ProtoUDP {
		return Layout{}, ErrNotUDP
	}
	if total < ihl+UDPLen {
		return Layout{}, ErrBadLength
	}

	l := Layout{
		IP:      EthernetLen,
		UDP:     EthernetLen + ihl,
		Payload: EthernetLen + ihl + UDPLen,
		End:     EthernetLen + total,
	}
	udpLen := int(be.Uint16(frame[l.UDP+4 : l.UDP+6]))
	if udpLen < UDPLen || l.UDP+udpLen > l.End {
		return Layout{}, ErrBadLength
	}
	return l, nil
}

// PayloadLen returns the number of UDP payload bytes inside the datagram
func (l Layout) PayloadLen() int {
	return l.End - l.Payload
}

// SrcAddr returns the IPv4 source address
func (l Layout) SrcAddr(frame []byte) netip.Addr {
	return netip.AddrFrom4([4]byte(frame[l.IP+12 : l.IP+16]))
}

// DstAddr returns the IPv4 destination address
func (l Layout) DstAddr(frame []byte) netip.Addr {
	return netip.AddrFrom4([4]byte(frame[l.IP+16 : l.IP+20]))
}

// Protocol returns the IPv4 protocol number
func (l Layout) Protocol(frame []byte) uint8 {
	return frame[l.IP+9]
}

// SrcPort returns the UDP source port
func (l Layout) SrcPort(frame []byte) uint16 {
	return be.Uint16(frame[l.UDP : l.UDP+2])
}

// DstPort returns the UDP destination port
func (l Layout) DstPort(frame []byte) uint16 {
	return be.Uint16(frame[l.UDP+2 : l.UDP+4])
}

// SetSrcPort rewrites the UDP source port and clears the UDP checksum,
// which RoCEv2 leaves to the ICRC.
func (l Layout) SetSrcPort(frame []byte, port uint16) {
	be.PutUint16(frame[l.UDP:l.UDP+2], port)
	be.PutUint16(frame[l.UDP+6:l.UDP+8], 0)
}

// RefreshChecksum zeroes and recomputes the IPv4 header checksum
func (l Layout) RefreshChecksum(frame []byte) {
	hdr := frame[l.IP:l.UDP]
	hdr[10], hdr[11] = 0, 0
	be.PutUint16(hdr[10:12], IPv4Checksum(hdr))
}

// IPv4Checksum computes the Internet checksum over an IPv4 header. The
// checksum field must be zero or the result verifies the header (0 when valid).
func IPv4Checksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(hdr[i])<<8 | uint32(hdr[i+1])
	}
	if len(hdr)%2 == 1 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}

// MAC is an Ethernet hardware address
type MAC [6]byte

// String returns the colon separated hex form of m
func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// PutEthernet writes an Ethernet header into b
func PutEthernet(b []byte, dst, src MAC, etherType uint16) error {
	if len(b) < EthernetLen {
		return ErrTruncated
	}
	copy(b[0:6], dst[:])
	copy(b[6:12], src[:])
	be.PutUint16(b[12:14], etherType)
	return nil
}

// SetMACs rewrites the destination and source address of an Ethernet header
func SetMACs(frame []byte, dst, src MAC) {
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
}

// PutIPv4 writes an option-less IPv4 header with DF set, TTL 64 and a
// freshly computed checksum.
func PutIPv4(b []byte, src, dst netip.Addr, totalLen int, proto uint8) error {
	if len(b) < IPv4MinLen {
		return ErrTruncated
	}
	if totalLen < IPv4MinLen || totalLen > 0xffff {
		return ErrBadLength
	}
	if !src.Is4() || !dst.Is4() {
		return ErrNotIPv4
	}
	b[0] = 0x45
	b[1] = 0
	be.PutUint16(b[2:4], uint16(totalLen))
	be.PutUint16(b[4:6], 0)
	be.PutUint16(b[6:8], 0x4000)
	b[8] = 64
	b[9] = proto
	b[10], b[11] = 0, 0
	s, d := src.As4(), dst.As4()
	copy(b[12:16], s[:])
	copy(b[16:20], d[:])
	be.PutUint16(b[10:12], IPv4Checksum(b[:IPv4MinLen]))
	return nil
}

// PutUDP writes a UDP header with a zero checksum
func PutUDP(b []byte, srcPort, dstPort uint16, length int) error {
	if len(b) < UDPLen {
		return ErrTruncated
	}
	if length < UDPLen || length > 0xffff {
		return ErrBadLength
	}
	be.PutUint16(b[0:2], srcPort)
	be.PutUint16(b[2:4], dstPort)
	be.PutUint16(b[4:6], uint16(length))
	be.PutUint16(b[6:8], 0)
	return nil
}
