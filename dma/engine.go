package dma

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrOutOfRange   = errors.New("transfer outside the destination area")
	ErrEngineClosed = errors.New("transfer engine closed")
)

// Engine issues asynchronous block transfers. Submit returns as soon as the
// transfer is queued; c is signalled once the bytes have landed.
type Engine interface {
	Submit(d Descriptor, c *Completion) error
}

// Completion is the signal of one submitted transfer.
type Completion struct {
	state uint32
	err   error
}

// Reset prepares c for another transfer.
func (c *Completion) Reset() {
	c.err = nil
	atomic.StoreUint32(&c.state, 0)
}

// Complete signals the end of the transfer. Engines call it exactly once.
func (c *Completion) Complete(err error) {
	c.err = err
	atomic.StoreUint32(&c.state, 1)
}

func (c *Completion) Done() bool {
	return atomic.LoadUint32(&c.state) == 1
}

// Err is only meaningful after Done reported true.
func (c *Completion) Err() error {
	return c.err
}

// Wait spins until every completion is signalled and returns the first
// transfer error.
func Wait(cs ...*Completion) error {
	var first error
	for _, c := range cs {
		for !c.Done() {
			runtime.Gosched()
		}
		if first == nil && c.err != nil {
			first = c.err
		}
	}
	return first
}

type job struct {
	d Descriptor
	c *Completion
}

// CopyEngine performs transfers into an in-memory destination area with a
// fixed set of lanes. Descriptors are dealt to the lanes round-robin, so the
// segments of one packet are copied in parallel.
type CopyEngine struct {
	dst   []byte
	lanes []chan job
	next  uint32

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	transfers uint64
	bytes     uint64
	failures  uint64

	log *logrus.Entry
}

// NewCopyEngine starts lanes goroutines, each with a queue of depth jobs.
func NewCopyEngine(dst []byte, lanes, depth int) *CopyEngine {
	if lanes <= 0 {
		lanes = 1
	}
	if depth <= 0 {
		depth = MaxDescriptors
	}

	e := &CopyEngine{
		dst:   dst,
		lanes: make([]chan job, lanes),
		log:   logrus.WithField("module", "dma"),
	}
	for i := range e.lanes {
		e.lanes[i] = make(chan job, depth)
		e.wg.Add(1)
		go e.loop(e.lanes[i])
	}

	e.log.Debugf("copy engine started: lanes=%d depth=%d area=%d", lanes, depth, len(dst))

	return e
}

func (e *CopyEngine) Submit(d Descriptor, c *Completion) error {
	if d.Dst+uint64(len(d.Src)) > uint64(len(e.dst)) {
		atomic.AddUint64(&e.failures, 1)
		c.Complete(errors.Wrapf(ErrOutOfRange, "dst %d, length %d, area %d", d.Dst, len(d.Src), len(e.dst)))
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return errors.WithStack(ErrEngineClosed)
	}

	lane := atomic.AddUint32(&e.next, 1) % uint32(len(e.lanes))
	e.lanes[lane] <- job{d: d, c: c}

	return nil
}

func (e *CopyEngine) loop(jobs <-chan job) {
	defer e.wg.Done()

	for j := range jobs {
		n := copy(e.dst[j.d.Dst:], j.d.Src)
		atomic.AddUint64(&e.transfers, 1)
		atomic.AddUint64(&e.bytes, uint64(n))
		j.c.Complete(nil)
	}
}

// Close stops accepting transfers and waits for the queued ones.
func (e *CopyEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, l := range e.lanes {
		close(l)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// EngineStats counts finished transfers.
type EngineStats struct {
	Transfers uint64
	Bytes     uint64
	Failures  uint64
}

func (e *CopyEngine) Stats() EngineStats {
	return EngineStats{
		Transfers: atomic.LoadUint64(&e.transfers),
		Bytes:     atomic.LoadUint64(&e.bytes),
		Failures:  atomic.LoadUint64(&e.failures),
	}
}
