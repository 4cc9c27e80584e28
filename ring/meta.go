package ring

import (
	"sync/atomic"
	"unsafe"
)

// Meta is the ring state shared between the forwarder workers and the drain
// process. It is laid out at the start of the shared segment, so the field
// order and padding are part of the layout contract with the drain side.
//
//	Head      consumer owned, wrapped offset of the first unread byte
//	Tail      producer owned, wrapped offset one past the last committed byte
//	Cursor    claimed bytes since publication (shadow tail, never wraps)
//	Committed committed bytes since publication (never wraps)
//
// Cursor and Committed are mapped onto the ring with a plain modulo. A 64-bit
// byte counter does not overflow within the lifetime of a ring, so the
// mapping stays valid for capacities that are not a power of two.
//	Capacity  data area size in bytes
//	Base      data area offset from the start of the segment
//	Ready     set to 1 once the initializer published the fields above
type Meta struct {
	Head      uint64
	_         [7]uint64
	Tail      uint64
	_         [7]uint64
	Cursor    uint64
	_         [7]uint64
	Committed uint64
	_         [7]uint64
	Capacity  uint64
	Base      uint64
	Ready     uint64
	_         [5]uint64
}

// MetaSize is the number of bytes Meta occupies in the shared segment.
const MetaSize = int(unsafe.Sizeof(Meta{}))

// MetaAt interprets the first MetaSize bytes of buf as a Meta.
// buf must be 8-byte aligned and is usually the head of an mmap'd segment.
func MetaAt(buf []byte) *Meta {
	if len(buf) < MetaSize {
		return nil
	}
	return (*Meta)(unsafe.Pointer(&buf[0]))
}

func (m *Meta) head() uint64 {
	return atomic.LoadUint64(&m.Head)
}

func (m *Meta) tail() uint64 {
	return atomic.LoadUint64(&m.Tail)
}

func (m *Meta) ready() bool {
	return atomic.LoadUint64(&m.Ready) == 1
}
