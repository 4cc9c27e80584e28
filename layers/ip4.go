package layers

import (
	"net"
	"unsafe"
)

const (
	IPProtocolICMPv4 uint8 = 1
	IPProtocolTCP    uint8 = 6
	IPProtocolUDP    uint8 = 17
)

// IPv4 is the header of an IP packet.
//
//	struct iphdr {
//		__u8	ihl:4,
//			version:4;
//		__u8	tos;
//		__be16	tot_len;
//		__be16	id;
//		__be16	frag_off;
//		__u8	ttl;
//		__u8	protocol;
//		__sum16	check;
//		__be32	saddr;
//		__be32	daddr;
//		/*The options start here. */
//	};
type IPv4 []byte

const (
	LengthIPv4Min = 20
	LengthIPv4Max = 60
)

func (p *IPv4) GetVersion() uint8 {
	return (*p)[0] >> 4
}

// GetIHL returns the header length in bytes.
func (p *IPv4) GetIHL() uint8 {
	return ((*p)[0] << 4 >> 4) * 4
}

func (p *IPv4) GetProtocol() uint8 {
	return (*p)[9]
}

func (p *IPv4) GetChecksum() uint16 {
	return *(*uint16)(unsafe.Pointer(&(*p)[10]))
}

func (p *IPv4) GetSrcAddr() net.IP {
	t := (*p)[12:16]
	return *(*net.IP)(&t)
}

func (p *IPv4) SetSrcAddr(i net.IP) {
	copy((*p)[12:16], i[0:4])
}

func (p *IPv4) GetDstAddr() net.IP {
	t := (*p)[16:20]
	return *(*net.IP)(&t)
}

func (p *IPv4) SetDstAddr(i net.IP) {
	copy((*p)[16:20], i[0:4])
}

// SwapAddresses exchanges source and destination address in place. The
// header checksum stays valid, the one's complement sum does not depend on
// the word order.
func (p *IPv4) SwapAddresses() {
	a := (*uint32)(unsafe.Pointer(&(*p)[12]))
	b := (*uint32)(unsafe.Pointer(&(*p)[16]))
	*a, *b = *b, *a
}
