package packet

import (
	"multirx/layers"
	"multirx/utils/binary"
)

// Record describes one received packet. Its bytes live in up to two regions
// owned by the receive engine's pool: Fast holds the first part of the frame
// (always including the headers), Bulk the rest, if any.
//
// A Record is only valid until it is handed back to its pool.
type Record struct {
	// Length is the frame length reported by the receive engine.
	Length uint32
	// Proto is the ethertype of the frame in host byte order.
	Proto uint16

	Fast []byte
	Bulk []byte

	// Ref is opaque to everything but the pool that produced the record.
	Ref uint64
	// Queue is the receive queue the frame arrived on.
	Queue int
}

// Size returns the number of payload bytes held in both regions.
func (r *Record) Size() int {
	return len(r.Fast) + len(r.Bulk)
}

// Regions returns the non-empty source regions in layout order.
func (r *Record) Regions() [][]byte {
	if len(r.Bulk) == 0 {
		return [][]byte{r.Fast}
	}
	return [][]byte{r.Fast, r.Bulk}
}

// Split fills Fast and Bulk from one contiguous frame, putting at most
// fastSize bytes into Fast.
func (r *Record) Split(frame []byte, fastSize int) {
	if fastSize <= 0 || fastSize >= len(frame) {
		r.Fast = frame
		r.Bulk = nil
		return
	}
	r.Fast = frame[:fastSize]
	r.Bulk = frame[fastSize:]
}

// Load describes frame, length bytes as reported by the receive engine,
// taking the ethertype from its Ethernet header.
func (r *Record) Load(frame []byte, length uint32, fastSize int) {
	r.Length = length
	r.Proto = 0
	if len(frame) >= layers.LengthEthernet {
		eth := *(*layers.Ethernet)(&frame)
		r.Proto = binary.Ntohs16(eth.GetEthernetType())
	}
	r.Split(frame, fastSize)
}
