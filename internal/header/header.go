// Package header implements bounds-checked, allocation-free accessors for the
// headers carried by sprayed RoCEv2 traffic: Ethernet, IPv4, UDP, the RoCEv2
// Base Transport Header and the Spray Header inserted by the encapsulator.
package header

import (
	"encoding/binary"
	"errors"
)

const (
	// EthernetLen is the length of an untagged Ethernet header
	EthernetLen = 14
	// IPv4MinLen is the length of an IPv4 header without options
	IPv4MinLen = 20
	// UDPLen is the length of a UDP header
	UDPLen = 8
	// BTHLen is the length of the RoCEv2 Base Transport Header
	BTHLen = 12
	// SprayLen is the length of the Spray Header
	SprayLen = 8
	// CtrlLen is the length of a CtrlSequence announcement
	CtrlLen = 17

	// EncapOverhead is the number of bytes the encapsulator adds in front of a frame
	EncapOverhead = EthernetLen + IPv4MinLen + UDPLen + SprayLen

	// EtherTypeIPv4 is the EtherType of IPv4 frames
	EtherTypeIPv4 = 0x0800
	// ProtoUDP is the IPv4 protocol number of UDP
	ProtoUDP = 17

	// RoCEPort is the IANA-assigned RoCEv2 UDP destination port
	RoCEPort = 4791
	// DefaultSprayPort is the UDP destination port of sprayed traffic
	DefaultSprayPort = 3000
	// DefaultCtrlPort is the UDP destination port of CtrlSequence announcements
	DefaultCtrlPort = 4792

	// MaxSeq is the largest 24-bit sequence number
	MaxSeq = 1<<24 - 1
)

var (
	// ErrTruncated is returned when a buffer is shorter than the header being read
	ErrTruncated = errors.New("header: truncated")
	// ErrBadLength is returned when a declared length does not fit the buffer
	ErrBadLength = errors.New("header: declared length out of range")
	// ErrNotIPv4 is returned for frames that do not carry IPv4
	ErrNotIPv4 = errors.New("header: not an IPv4 frame")
	// ErrNotUDP is returned for IPv4 datagrams that do not carry UDP
	ErrNotUDP = errors.New("header: not a UDP datagram")
)

// uint24 zero-extends a 3-byte big-endian field
func uint24(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// putUint24 writes the low 24 bits of v as a 3-byte big-endian field
func putUint24(b []byte, v uint32) {
	_ = b[2]
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

var be = binary.BigEndian
