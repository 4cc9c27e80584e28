package ring

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrZeroLength       = errors.New("reservation length is zero")
	ErrTooLarge         = errors.New("reservation does not fit into the ring")
	ErrCapacity         = errors.New("ring capacity must be at least 2 bytes")
	ErrAlreadyPublished = errors.New("ring metadata already published")
	ErrNotPublished     = errors.New("ring metadata not published")
)

// spin loops look at the context once every pollMask+1 iterations
const pollMask = 63

// Reservation is an exclusive claim on Length bytes starting at the wrapped
// offset Start. Ticket is the claim's position in the global claim order.
type Reservation struct {
	Start  uint64
	Length uint64
	Ticket uint64

	capacity uint64
}

// End returns the wrapped offset one past the reserved range.
func (r Reservation) End() uint64 {
	end := r.Start + r.Length
	if end >= r.capacity {
		end -= r.capacity
	}
	return end
}

// Wraps reports whether the reserved range crosses the end of the ring.
func (r Reservation) Wraps() bool {
	return r.Start+r.Length > r.capacity
}

// Stats is a snapshot of the controller counters.
type Stats struct {
	Reservations uint64
	// Backpressure counts reservations that had to wait for free space.
	Backpressure uint64
	// ReserveSpins counts polls of the free space while waiting.
	ReserveSpins uint64
	Commits      uint64
	// CommitWaits counts commits that found a predecessor still in flight.
	CommitWaits    uint64
	CommittedBytes uint64
}

// Controller owns the shared ring metadata. Workers only ever touch it
// through Reserve and Commit; the drain side moves Head through a Consumer.
type Controller struct {
	meta *Meta

	// cached after publication, never changes
	capacity uint64
	base     uint64

	reservations uint64
	backpressure uint64
	reserveSpins uint64
	commits      uint64
	commitWaits  uint64
	bytes        uint64
}

func newController(meta *Meta) *Controller {
	return &Controller{
		meta:     meta,
		capacity: atomic.LoadUint64(&meta.Capacity),
		base:     atomic.LoadUint64(&meta.Base),
	}
}

// Attach builds a controller over metadata that another process or an
// earlier run already published.
func Attach(meta *Meta) (*Controller, error) {
	if meta == nil || !meta.ready() {
		return nil, errors.WithStack(ErrNotPublished)
	}
	return newController(meta), nil
}

func (c *Controller) Capacity() uint64 {
	return c.capacity
}

func (c *Controller) Base() uint64 {
	return c.base
}

func (c *Controller) Head() uint64 {
	return c.meta.head()
}

func (c *Controller) Tail() uint64 {
	return c.meta.tail()
}

// Cursor returns the wrapped shadow tail, the next unclaimed offset. The raw
// cursor never wraps at 2^64 in practice, see Meta.
func (c *Controller) Cursor() uint64 {
	return atomic.LoadUint64(&c.meta.Cursor) % c.capacity
}

// FreeSpace returns how many bytes can be claimed between the shadow tail and
// head. An equal head and shadow tail means the ring is empty.
func (c *Controller) FreeSpace(head, shadowTail uint64) uint64 {
	if head <= shadowTail {
		return c.capacity - (shadowTail - head)
	}
	return head - shadowTail
}

// Reserve claims length bytes. It spins until the free space is strictly
// larger than length, so at least one byte always separates the shadow tail
// from head. The claim itself is a single compare-and-swap on the cursor.
//
// ctx is only consulted while waiting for space; once Reserve returns a
// reservation the caller must Commit it.
func (c *Controller) Reserve(ctx context.Context, length uint64) (Reservation, error) {
	if length == 0 {
		return Reservation{}, errors.WithStack(ErrZeroLength)
	}
	if length >= c.capacity {
		return Reservation{}, errors.Wrapf(ErrTooLarge, "length %d, capacity %d", length, c.capacity)
	}

	waited := false
	for i := 0; ; i++ {
		// cursor first: if the CAS below succeeds nothing was claimed in
		// between, so head was read against exactly this cursor
		cursor := atomic.LoadUint64(&c.meta.Cursor)
		head := c.meta.head()
		shadowTail := cursor % c.capacity

		if c.FreeSpace(head, shadowTail) > length {
			if atomic.CompareAndSwapUint64(&c.meta.Cursor, cursor, cursor+length) {
				atomic.AddUint64(&c.reservations, 1)
				return Reservation{
					Start:    shadowTail,
					Length:   length,
					Ticket:   cursor,
					capacity: c.capacity,
				}, nil
			}
			// another worker claimed first, retry right away
			continue
		}

		if !waited {
			waited = true
			atomic.AddUint64(&c.backpressure, 1)
		}
		atomic.AddUint64(&c.reserveSpins, 1)

		if i&pollMask == 0 && ctx != nil {
			if err := ctx.Err(); err != nil {
				return Reservation{}, err
			}
		}
		runtime.Gosched()
	}
}

// Commit publishes a written reservation. It waits until every reservation
// claimed before r has been committed, then moves Tail past r. Commits
// therefore land in claim order no matter in which order transfers finish.
func (c *Controller) Commit(r Reservation) {
	if atomic.LoadUint64(&c.meta.Committed) != r.Ticket {
		atomic.AddUint64(&c.commitWaits, 1)
		for atomic.LoadUint64(&c.meta.Committed) != r.Ticket {
			runtime.Gosched()
		}
	}

	// Tail is what the drain process reads, Committed hands the turn over
	atomic.StoreUint64(&c.meta.Tail, r.End())
	atomic.StoreUint64(&c.meta.Committed, r.Ticket+r.Length)

	atomic.AddUint64(&c.commits, 1)
	atomic.AddUint64(&c.bytes, r.Length)
}

func (c *Controller) Stats() Stats {
	return Stats{
		Reservations:   atomic.LoadUint64(&c.reservations),
		Backpressure:   atomic.LoadUint64(&c.backpressure),
		ReserveSpins:   atomic.LoadUint64(&c.reserveSpins),
		Commits:        atomic.LoadUint64(&c.commits),
		CommitWaits:    atomic.LoadUint64(&c.commitWaits),
		CommittedBytes: atomic.LoadUint64(&c.bytes),
	}
}
