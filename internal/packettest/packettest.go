// Package packettest builds RoCEv2 frames for tests.
package packettest

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/yuuki/rocespray/internal/header"
)

var (
	HostMAC   = header.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	RouterMAC = header.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	HostIP    = netip.MustParseAddr("192.168.1.101")
	PeerIP    = netip.MustParseAddr("192.168.1.102")
)

// Frame describes a RoCEv2 frame to build
type Frame struct {
	SrcMAC, DstMAC header.MAC
	SrcIP, DstIP   netip.Addr
	SrcPort        uint16
	DstPort        uint16
	BTH            header.BTH
	Payload        []byte
}

// Default returns a frame from HostIP to PeerIP on the RoCE port
func Default(qp, psn uint32, op header.Opcode) Frame {
	return Frame{
		SrcMAC:  HostMAC,
		DstMAC:  RouterMAC,
		SrcIP:   HostIP,
		DstIP:   PeerIP,
		SrcPort: 49152,
		DstPort: header.RoCEPort,
		BTH: header.BTH{
			Opcode:       op,
			PartitionKey: 0xffff,
			DestQP:       qp,
			PSN:          psn,
		},
		Payload: []byte("rocespray-payload"),
	}
}

// Build serializes f with gopacket, computing IPv4 checksum and lengths
func Build(tb testing.TB, f Frame) []byte {
	tb.Helper()

	bth := make([]byte, header.BTHLen)
	if err := f.BTH.Encode(bth); err != nil {
		tb.Fatalf("encode BTH: %v", err)
	}
	return BuildUDP(tb, f, append(bth, f.Payload...))
}

// BuildUDP serializes an Ethernet/IPv4/UDP frame carrying payload
func BuildUDP(tb testing.TB, f Frame, payload []byte) []byte {
	tb.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(f.SrcMAC[:]),
		DstMAC:       net.HardwareAddr(f.DstMAC[:]),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(f.SrcIP.AsSlice()),
		DstIP:    net.IP(f.DstIP.AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.SrcPort),
		DstPort: layers.UDPPort(f.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("set network layer: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		tb.Fatalf("serialize frame: %v", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// Decode parses a frame with gopacket for assertions
func Decode(tb testing.TB, frame []byte) (*layers.Ethernet, *layers.IPv4, *layers.UDP, []byte) {
	tb.Helper()

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		tb.Fatalf("decode frame: %v", errLayer.Error())
	}
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if eth == nil || ip == nil || udp == nil {
		tb.Fatalf("frame is not Ethernet/IPv4/UDP")
	}
	return eth, ip, udp, udp.Payload
}
