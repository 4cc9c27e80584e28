package xsk

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"multirx/packet"
)

// milliseconds between two looks at the context while idle
const pollTimeout = 100

// frameSource is the part of Socket a Receiver drives.
type frameSource interface {
	Fill(addrs []uint64) int
	Poll(timeout int) (int, error)
	Receive(num int) []Desc
	Frame(d Desc) []byte
}

// Receiver turns a Socket into a receive engine and buffer pool for a single
// worker. Frames stay in the umem until the worker releases them, then go
// back onto the Fill ring.
type Receiver struct {
	src       frameSource
	queue     int
	sizeFrame uint64
	fastSize  int

	recs    []packet.Record
	free    []uint64
	pending []Desc
	next    int

	log *logrus.Entry
}

// NewReceiver puts every frame of sock onto the Fill ring. The first
// fastSize bytes of each frame form the fast region of its record.
func NewReceiver(sock *Socket, fastSize int) *Receiver {
	opts := sock.Options()
	return newReceiver(sock, sock.QueueID(), opts.NumFrame, opts.SizeFrame, fastSize)
}

func newReceiver(src frameSource, queue, numFrame, sizeFrame, fastSize int) *Receiver {
	r := &Receiver{
		src:       src,
		queue:     queue,
		sizeFrame: uint64(sizeFrame),
		fastSize:  fastSize,
		recs:      make([]packet.Record, numFrame),
		free:      make([]uint64, 0, numFrame),
		log: logrus.WithFields(logrus.Fields{
			"module": "xsk",
			"queue":  queue,
		}),
	}
	for i := 0; i < numFrame; i++ {
		r.free = append(r.free, uint64(i)*r.sizeFrame)
	}
	r.refill()

	return r
}

func (r *Receiver) refill() {
	if len(r.free) == 0 {
		return
	}
	n := r.src.Fill(r.free)
	r.free = r.free[:copy(r.free, r.free[n:])]
}

// Receive returns the next received frame. The record stays valid until it
// is passed to Release.
func (r *Receiver) Receive(ctx context.Context) (*packet.Record, error) {
	for r.next >= len(r.pending) {
		r.refill()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := r.src.Poll(pollTimeout)
		if err != nil {
			return nil, errors.WithMessagef(err, "queue %d", r.queue)
		}
		if n == 0 {
			continue
		}
		r.pending = r.src.Receive(n)
		r.next = 0
	}

	d := r.pending[r.next]
	r.next++

	return r.record(d), nil
}

func (r *Receiver) record(d Desc) *packet.Record {
	frame := r.src.Frame(d)

	rec := &r.recs[d.Addr/r.sizeFrame]
	rec.Load(frame, d.Len, r.fastSize)
	rec.Ref = d.Addr
	rec.Queue = r.queue

	return rec
}

// Release hands the frame of rec back to the kernel.
func (r *Receiver) Release(rec *packet.Record) {
	// the umem frame base, the kernel may have added headroom to the address
	r.free = append(r.free, rec.Ref-rec.Ref%r.sizeFrame)
	rec.Fast, rec.Bulk = nil, nil

	if len(r.free) >= cap(r.free)/4 {
		r.refill()
	}
}
