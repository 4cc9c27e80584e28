package ring

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrOverrun = errors.New("advance beyond committed bytes")

// Consumer is the drain side of the ring. It is the only writer of Head and
// must not be shared between goroutines.
type Consumer struct {
	meta     *Meta
	data     []byte
	capacity uint64
}

// NewConsumer wraps published metadata and the ring data area.
func NewConsumer(meta *Meta, data []byte) (*Consumer, error) {
	if meta == nil || !meta.ready() {
		return nil, errors.WithStack(ErrNotPublished)
	}
	capacity := atomic.LoadUint64(&meta.Capacity)
	if uint64(len(data)) < capacity {
		return nil, errors.Errorf("data area is %d bytes, capacity is %d", len(data), capacity)
	}
	return &Consumer{
		meta:     meta,
		data:     data[:capacity],
		capacity: capacity,
	}, nil
}

// Readable returns the number of committed bytes between head and tail.
func (c *Consumer) Readable() uint64 {
	head := c.meta.head()
	tail := c.meta.tail()
	if tail >= head {
		return tail - head
	}
	return c.capacity - head + tail
}

// Peek copies up to len(dst) committed bytes starting at head without
// consuming them.
func (c *Consumer) Peek(dst []byte) int {
	n := uint64(len(dst))
	if r := c.Readable(); n > r {
		n = r
	}
	head := c.meta.head()

	first := n
	if head+first > c.capacity {
		first = c.capacity - head
	}
	copy(dst[:first], c.data[head:head+first])
	copy(dst[first:n], c.data[:n-first])

	return int(n)
}

// Advance releases n bytes back to the producers.
func (c *Consumer) Advance(n uint64) error {
	if n > c.Readable() {
		return errors.Wrapf(ErrOverrun, "advance %d", n)
	}
	c.advance(n)
	return nil
}

// advance moves head by n. n must not exceed Readable.
func (c *Consumer) advance(n uint64) {
	head := c.meta.head() + n
	if head >= c.capacity {
		head -= c.capacity
	}
	atomic.StoreUint64(&c.meta.Head, head)
}

// Read copies up to len(dst) committed bytes and consumes them.
func (c *Consumer) Read(dst []byte) int {
	// Peek never returns more than Readable and only this consumer moves head
	n := c.Peek(dst)
	if n > 0 {
		c.advance(uint64(n))
	}
	return n
}
