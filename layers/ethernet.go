package layers

import (
	"net"
	"unsafe"
)

type EthernetType uint16

const (
	EthernetTypeIPv4               EthernetType = 0x0800
	EthernetTypeARP                EthernetType = 0x0806
	EthernetTypeIPv6               EthernetType = 0x86DD
	EthernetTypeDot1Q              EthernetType = 0x8100
	EthernetTypeQinQ               EthernetType = 0x88a8
	EthernetTypeLinkLayerDiscovery EthernetType = 0x88cc
)

const LengthEthernet = 14

// Ethernet is the layer for Ethernet frame headers.
// [0:6] is DstMAC, [6:12] is SrcMAC
// [12:14] is EthernetType, network byte order
type Ethernet []byte

func (e *Ethernet) GetDstAddress() net.HardwareAddr {
	t := (*e)[0:6]
	return *(*net.HardwareAddr)(&t)
}

func (e *Ethernet) GetSrcAddress() net.HardwareAddr {
	t := (*e)[6:12]
	return *(*net.HardwareAddr)(&t)
}

// GetEthernetType returns the raw (network order) ethertype.
func (e *Ethernet) GetEthernetType() uint16 {
	return *(*uint16)(unsafe.Pointer(&(*e)[12]))
}

func (e *Ethernet) SetDstAddress(addr net.HardwareAddr) {
	copy((*e)[0:6], addr[0:6])
}

func (e *Ethernet) SetSrcAddress(addr net.HardwareAddr) {
	copy((*e)[6:12], addr[0:6])
}

// SetEthernetType stores a raw (network order) ethertype.
func (e *Ethernet) SetEthernetType(typ uint16) {
	(*e)[12] = (*(*[2]byte)(unsafe.Pointer(&typ)))[0]
	(*e)[13] = (*(*[2]byte)(unsafe.Pointer(&typ)))[1]
}

// SwapAddresses exchanges source and destination MAC in place.
func (e *Ethernet) SwapAddresses() {
	b := *e
	for i := 0; i < 6; i++ {
		b[i], b[i+6] = b[i+6], b[i]
	}
}
