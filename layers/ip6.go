package layers

import "net"

// IPv6 is the fixed header of an IPv6 packet.
// [0:4] version, traffic class, flow label
// [4:6] payload length, [6] next header, [7] hop limit
// [8:24] source address, [24:40] destination address
type IPv6 []byte

const LengthIPv6 = 40

func (p *IPv6) GetVersion() uint8 {
	return (*p)[0] >> 4
}

func (p *IPv6) GetNextHeader() uint8 {
	return (*p)[6]
}

func (p *IPv6) GetSrcAddr() net.IP {
	t := (*p)[8:24]
	return *(*net.IP)(&t)
}

func (p *IPv6) GetDstAddr() net.IP {
	t := (*p)[24:40]
	return *(*net.IP)(&t)
}

// SwapAddresses exchanges source and destination address in place.
func (p *IPv6) SwapAddresses() {
	b := *p
	for i := 8; i < 24; i++ {
		b[i], b[i+16] = b[i+16], b[i]
	}
}
