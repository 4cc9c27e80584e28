package ring

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Barrier is the one-time initialization handshake: a single elected worker
// publishes the ring layout, every other worker waits until it is visible.
type Barrier struct {
	meta      *Meta
	published uint32
	done      chan struct{}
	ctrl      *Controller
}

func NewBarrier(meta *Meta) *Barrier {
	return &Barrier{
		meta: meta,
		done: make(chan struct{}),
	}
}

// Publish seeds head, tail and the cursor with zero, stores capacity and
// base, then releases every waiter. Only the first call succeeds.
func (b *Barrier) Publish(capacity, base uint64) (*Controller, error) {
	if capacity < 2 {
		return nil, errors.WithStack(ErrCapacity)
	}
	if !atomic.CompareAndSwapUint32(&b.published, 0, 1) {
		return nil, errors.WithStack(ErrAlreadyPublished)
	}

	m := b.meta
	atomic.StoreUint64(&m.Ready, 0)
	atomic.StoreUint64(&m.Head, 0)
	atomic.StoreUint64(&m.Tail, 0)
	atomic.StoreUint64(&m.Cursor, 0)
	atomic.StoreUint64(&m.Committed, 0)
	atomic.StoreUint64(&m.Capacity, capacity)
	atomic.StoreUint64(&m.Base, base)
	// the drain process polls Ready, in-process workers wait on done
	atomic.StoreUint64(&m.Ready, 1)

	b.ctrl = newController(m)
	close(b.done)

	return b.ctrl, nil
}

// Wait blocks until Publish ran and returns the shared controller.
func (b *Barrier) Wait(ctx context.Context) (*Controller, error) {
	select {
	case <-b.done:
		return b.ctrl, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Published reports whether Publish already ran.
func (b *Barrier) Published() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
