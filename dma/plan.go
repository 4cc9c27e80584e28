package dma

import (
	"github.com/pkg/errors"

	"multirx/ring"
)

// MaxDescriptors bounds the descriptors of one packet: two source regions,
// each split at most once by the end of the ring.
const MaxDescriptors = 4

var (
	ErrLengthMismatch = errors.New("source regions do not match the reservation length")
	ErrBadReservation = errors.New("reservation outside the ring")
)

// Descriptor is one contiguous block transfer from Src into the ring data
// area at offset Dst.
type Descriptor struct {
	Src []byte
	Dst uint64
}

func (d Descriptor) Len() int {
	return len(d.Src)
}

// Plan holds the descriptors of one packet. It is meant to be reused by a
// worker from packet to packet.
type Plan struct {
	descs [MaxDescriptors]Descriptor
	n     int
}

// Descriptors returns the planned transfers in emission order.
func (p *Plan) Descriptors() []Descriptor {
	return p.descs[:p.n]
}

// Build lays fast and then bulk out from the start of r, splitting every
// region that runs past the end of a ring of the given capacity into a tail
// part and a part starting at offset 0.
func (p *Plan) Build(r ring.Reservation, capacity uint64, fast, bulk []byte) error {
	p.n = 0

	if r.Start >= capacity || r.Length >= capacity {
		return errors.Wrapf(ErrBadReservation, "start %d, length %d, capacity %d", r.Start, r.Length, capacity)
	}
	if uint64(len(fast)+len(bulk)) != r.Length {
		return errors.Wrapf(ErrLengthMismatch, "regions %d+%d, reservation %d", len(fast), len(bulk), r.Length)
	}

	d := p.add(r.Start, capacity, fast)
	p.add(d, capacity, bulk)

	return nil
}

// add plans one region at destination offset d and returns the offset right
// after it.
func (p *Plan) add(d, capacity uint64, src []byte) uint64 {
	l := uint64(len(src))
	if l == 0 {
		return d
	}

	if d+l > capacity {
		first := capacity - d
		p.descs[p.n] = Descriptor{Src: src[:first], Dst: d}
		p.descs[p.n+1] = Descriptor{Src: src[first:], Dst: 0}
		p.n += 2
		return l - first
	}

	p.descs[p.n] = Descriptor{Src: src, Dst: d}
	p.n++

	d += l
	if d == capacity {
		d = 0
	}
	return d
}
