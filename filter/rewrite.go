package filter

import (
	"github.com/pkg/errors"

	"multirx/layers"
	"multirx/packet"
)

var ErrShortHeader = errors.New("fast region shorter than the headers")

// Rewrite swaps the link layer and network layer addresses of rec in place.
// Only the fast region is touched, it must hold every header that is
// rewritten. Ethertypes other than IPv4 and IPv6 get the link layer swap
// only.
func Rewrite(rec *packet.Record) error {
	frame := rec.Fast
	if len(frame) < layers.LengthEthernet {
		return errors.Wrapf(ErrShortHeader, "ethernet, got %d bytes", len(frame))
	}

	switch layers.EthernetType(rec.Proto) {
	case layers.EthernetTypeIPv4:
		if len(frame) < layers.LengthEthernet+layers.LengthIPv4Min {
			return errors.Wrapf(ErrShortHeader, "ipv4, got %d bytes", len(frame))
		}
		raw := frame[layers.LengthEthernet:]
		ip4 := *(*layers.IPv4)(&raw)
		ip4.SwapAddresses()
	case layers.EthernetTypeIPv6:
		if len(frame) < layers.LengthEthernet+layers.LengthIPv6 {
			return errors.Wrapf(ErrShortHeader, "ipv6, got %d bytes", len(frame))
		}
		raw := frame[layers.LengthEthernet:]
		ip6 := *(*layers.IPv6)(&raw)
		ip6.SwapAddresses()
	}

	eth := *(*layers.Ethernet)(&frame)
	eth.SwapAddresses()

	return nil
}
