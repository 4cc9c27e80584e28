// Package packettest builds frames and records for tests.
package packettest

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"multirx/packet"
)

var (
	SrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	DstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	SrcIPv4 = net.IP{10, 0, 0, 1}
	DstIPv4 = net.IP{10, 0, 0, 2}

	SrcIPv6 = net.ParseIP("fd00::1")
	DstIPv6 = net.ParseIP("fd00::2")
)

func serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func payload(n int, seed byte) gopacket.Payload {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

// UDPv4 returns an Ethernet/IPv4/UDP frame carrying n payload bytes. A
// 22 byte payload gives a 64 byte frame.
func UDPv4(t testing.TB, n int, seed byte) []byte {
	eth := &layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    SrcIPv4,
		DstIP:    DstIPv4,
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 9}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("udp checksum: %v", err)
	}
	return serialize(t, eth, ip, udp, payload(n, seed))
}

// UDPv6 returns an Ethernet/IPv6/UDP frame carrying n payload bytes.
func UDPv6(t testing.TB, n int, seed byte) []byte {
	eth := &layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC, EthernetType: layers.EthernetTypeIPv6}
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      SrcIPv6,
		DstIP:      DstIPv6,
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 9}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("udp checksum: %v", err)
	}
	return serialize(t, eth, ip, udp, payload(n, seed))
}

// LLDP returns a link layer discovery frame padded to length bytes.
func LLDP(t testing.TB, length int) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       SrcMAC,
		DstMAC:       net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e},
		EthernetType: layers.EthernetTypeLinkLayerDiscovery,
	}
	return serialize(t, eth, payload(length-14, 0))
}

// Record wraps frame the way a receive engine would, with at most fastSize
// bytes in the fast region.
func Record(frame []byte, fastSize int) *packet.Record {
	rec := &packet.Record{}
	rec.Load(frame, uint32(len(frame)), fastSize)
	return rec
}

// Decode parses frame with gopacket.
func Decode(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
}
