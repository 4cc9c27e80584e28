package worker

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"multirx/dma"
	"multirx/filter"
	"multirx/packet"
	"multirx/ring"
)

// ReceiveEngine yields the next received packet, blocking until one arrives
// or ctx is done. io.EOF ends the worker cleanly.
type ReceiveEngine interface {
	Receive(ctx context.Context) (*packet.Record, error)
}

// BufferPool takes back the regions of a record once the worker is done
// with it.
type BufferPool interface {
	Release(rec *packet.Record)
}

// Options describe one worker. Capacity and Base are only used by the worker
// with ID 0, which publishes the ring layout.
type Options struct {
	ID       int
	Capacity uint64
	Base     uint64
}

// Stats is a snapshot of the worker counters.
type Stats struct {
	Received         uint64
	Dropped          uint64
	Accepted         uint64
	CommittedBytes   uint64
	TransferFailures uint64
}

// Worker moves packets from its receive engine into the shared ring:
// receive, filter, rewrite, reserve, plan, transfer, commit, release.
type Worker struct {
	opts Options

	rx      ReceiveEngine
	pool    BufferPool
	filter  *filter.Filter
	barrier *ring.Barrier
	engine  dma.Engine

	ctrl        *ring.Controller
	plan        dma.Plan
	completions [dma.MaxDescriptors]dma.Completion
	pending     []*dma.Completion

	received  uint64
	dropped   uint64
	accepted  uint64
	bytes     uint64
	transfers uint64

	log *logrus.Entry
}

func New(opts Options, rx ReceiveEngine, pool BufferPool, f *filter.Filter, b *ring.Barrier, e dma.Engine) *Worker {
	return &Worker{
		opts:    opts,
		rx:      rx,
		pool:    pool,
		filter:  f,
		barrier: b,
		engine:  e,
		pending: make([]*dma.Completion, 0, dma.MaxDescriptors),
		log: logrus.WithFields(logrus.Fields{
			"module": "worker",
			"worker": opts.ID,
		}),
	}
}

func (w *Worker) ID() int {
	return w.opts.ID
}

// attach publishes the ring when w is the initializer, otherwise waits for
// the publication.
func (w *Worker) attach(ctx context.Context) error {
	if w.ctrl != nil {
		return nil
	}

	var err error
	if w.opts.ID == 0 {
		w.ctrl, err = w.barrier.Publish(w.opts.Capacity, w.opts.Base)
		if err != nil {
			return errors.Wrap(err, "publish ring")
		}
		w.log.Infof("ring published: capacity=%d base=%d", w.opts.Capacity, w.opts.Base)
		return nil
	}

	w.ctrl, err = w.barrier.Wait(ctx)
	if err != nil {
		return errors.Wrap(err, "wait for ring")
	}
	w.log.Debugf("ring attached: capacity=%d", w.ctrl.Capacity())
	return nil
}

// Run processes packets until ctx is done, the receive engine reports
// io.EOF or a transfer fails. Only the latter two end with an error.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.attach(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		rec, err := w.rx.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				w.log.Debug("receive engine stopped")
				return nil
			}
			return errors.Wrap(err, "receive")
		}

		if err = w.Process(ctx, rec); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
	}
}

// Process runs one record through the pipeline and releases it. A non-nil
// error is fatal for the worker.
func (w *Worker) Process(ctx context.Context, rec *packet.Record) error {
	defer w.pool.Release(rec)

	atomic.AddUint64(&w.received, 1)

	if !w.filter.Accept(rec) {
		atomic.AddUint64(&w.dropped, 1)
		w.log.Debugf("drop: proto=%#04x length=%d", rec.Proto, rec.Length)
		return nil
	}
	if err := filter.Rewrite(rec); err != nil {
		atomic.AddUint64(&w.dropped, 1)
		w.log.Debugf("drop: %v", err)
		return nil
	}

	r, err := w.ctrl.Reserve(ctx, uint64(rec.Size()))
	if err != nil {
		if errors.Is(err, ring.ErrTooLarge) || errors.Is(err, ring.ErrZeroLength) {
			atomic.AddUint64(&w.dropped, 1)
			w.log.Warnf("drop: %v", err)
			return nil
		}
		return err
	}

	// from here on r must be committed, any failure leaves a hole that
	// stalls every later commit
	if err = w.transfer(r, rec); err != nil {
		atomic.AddUint64(&w.transfers, 1)
		w.log.WithError(err).Errorf("transfer failed, reservation at %d (ticket %d) is never committed", r.Start, r.Ticket)
		return err
	}

	w.ctrl.Commit(r)

	atomic.AddUint64(&w.accepted, 1)
	atomic.AddUint64(&w.bytes, r.Length)
	return nil
}

func (w *Worker) transfer(r ring.Reservation, rec *packet.Record) error {
	if err := w.plan.Build(r, w.ctrl.Capacity(), rec.Fast, rec.Bulk); err != nil {
		return errors.Wrap(err, "plan")
	}

	w.pending = w.pending[:0]
	var submitErr error
	for i, d := range w.plan.Descriptors() {
		c := &w.completions[i]
		c.Reset()
		if err := w.engine.Submit(d, c); err != nil {
			submitErr = errors.Wrapf(err, "submit descriptor %d", i)
			break
		}
		w.pending = append(w.pending, c)
	}

	// wait even after a failed submit, the engine may still read rec
	if err := dma.Wait(w.pending...); err != nil {
		return errors.Wrap(err, "transfer")
	}
	return submitErr
}

// Controller returns the ring controller once the worker is attached.
func (w *Worker) Controller() *ring.Controller {
	return w.ctrl
}

func (w *Worker) Stats() Stats {
	return Stats{
		Received:         atomic.LoadUint64(&w.received),
		Dropped:          atomic.LoadUint64(&w.dropped),
		Accepted:         atomic.LoadUint64(&w.accepted),
		CommittedBytes:   atomic.LoadUint64(&w.bytes),
		TransferFailures: atomic.LoadUint64(&w.transfers),
	}
}
