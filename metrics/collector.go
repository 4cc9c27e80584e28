package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"multirx/dma"
	"multirx/ring"
	"multirx/worker"
)

const namespace = "multirx"

// WorkerSource is what the collector reads from a worker.
type WorkerSource interface {
	ID() int
	Stats() worker.Stats
}

// EngineSource is what the collector reads from a transfer engine.
type EngineSource interface {
	Stats() dma.EngineStats
}

type desc struct {
	d *prometheus.Desc
	t prometheus.ValueType
}

func newDesc(subsystem, name, help string, t prometheus.ValueType, labels ...string) desc {
	return desc{
		d: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil),
		t: t,
	}
}

// Collector exports ring, worker and engine counters. Values are read at
// scrape time, nothing is cached.
type Collector struct {
	ring    func() *ring.Controller
	workers []WorkerSource
	engine  EngineSource

	reservations, backpressure, reserveSpins desc
	commits, commitWaits, committedBytes     desc
	capacity, used, head, tail               desc

	received, dropped, accepted, workerBytes, transferFailures desc

	transfers, transferBytes, engineFailures desc
}

// NewCollector builds a collector. ringFn may return nil until the ring is
// published, engine may be nil.
func NewCollector(ringFn func() *ring.Controller, workers []WorkerSource, engine EngineSource) *Collector {
	c := &Collector{
		ring:    ringFn,
		workers: workers,
		engine:  engine,

		reservations:   newDesc("ring", "reservations_total", "Reservations handed out.", prometheus.CounterValue),
		backpressure:   newDesc("ring", "backpressure_total", "Reservations that had to wait for free space.", prometheus.CounterValue),
		reserveSpins:   newDesc("ring", "reserve_spins_total", "Free space polls while waiting.", prometheus.CounterValue),
		commits:        newDesc("ring", "commits_total", "Committed reservations.", prometheus.CounterValue),
		commitWaits:    newDesc("ring", "commit_waits_total", "Commits that waited on an earlier reservation.", prometheus.CounterValue),
		committedBytes: newDesc("ring", "committed_bytes_total", "Bytes made visible to the drain side.", prometheus.CounterValue),
		capacity:       newDesc("ring", "capacity_bytes", "Size of the ring data area.", prometheus.GaugeValue),
		used:           newDesc("ring", "used_bytes", "Committed bytes not yet drained.", prometheus.GaugeValue),
		head:           newDesc("ring", "head_offset", "Drain side offset.", prometheus.GaugeValue),
		tail:           newDesc("ring", "tail_offset", "Committed offset.", prometheus.GaugeValue),

		received:         newDesc("worker", "received_total", "Packets received.", prometheus.CounterValue, "worker"),
		dropped:          newDesc("worker", "dropped_total", "Packets dropped by the filter.", prometheus.CounterValue, "worker"),
		accepted:         newDesc("worker", "accepted_total", "Packets committed to the ring.", prometheus.CounterValue, "worker"),
		workerBytes:      newDesc("worker", "committed_bytes_total", "Bytes committed to the ring.", prometheus.CounterValue, "worker"),
		transferFailures: newDesc("worker", "transfer_failures_total", "Failed packet transfers.", prometheus.CounterValue, "worker"),

		transfers:      newDesc("dma", "transfers_total", "Finished block transfers.", prometheus.CounterValue),
		transferBytes:  newDesc("dma", "bytes_total", "Bytes moved by block transfers.", prometheus.CounterValue),
		engineFailures: newDesc("dma", "failures_total", "Rejected block transfers.", prometheus.CounterValue),
	}
	return c
}

func (c *Collector) all() []desc {
	return []desc{
		c.reservations, c.backpressure, c.reserveSpins,
		c.commits, c.commitWaits, c.committedBytes,
		c.capacity, c.used, c.head, c.tail,
		c.received, c.dropped, c.accepted, c.workerBytes, c.transferFailures,
		c.transfers, c.transferBytes, c.engineFailures,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.all() {
		ch <- d.d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	emit := func(d desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d.d, d.t, float64(v), labels...)
	}

	if c.ring != nil {
		if ctrl := c.ring(); ctrl != nil {
			s := ctrl.Stats()
			emit(c.reservations, s.Reservations)
			emit(c.backpressure, s.Backpressure)
			emit(c.reserveSpins, s.ReserveSpins)
			emit(c.commits, s.Commits)
			emit(c.commitWaits, s.CommitWaits)
			emit(c.committedBytes, s.CommittedBytes)

			head, tail, capacity := ctrl.Head(), ctrl.Tail(), ctrl.Capacity()
			used := tail - head
			if tail < head {
				used = capacity - head + tail
			}
			emit(c.capacity, capacity)
			emit(c.used, used)
			emit(c.head, head)
			emit(c.tail, tail)
		}
	}

	for _, w := range c.workers {
		id := strconv.Itoa(w.ID())
		s := w.Stats()
		emit(c.received, s.Received, id)
		emit(c.dropped, s.Dropped, id)
		emit(c.accepted, s.Accepted, id)
		emit(c.workerBytes, s.CommittedBytes, id)
		emit(c.transferFailures, s.TransferFailures, id)
	}

	if c.engine != nil {
		s := c.engine.Stats()
		emit(c.transfers, s.Transfers)
		emit(c.transferBytes, s.Bytes)
		emit(c.engineFailures, s.Failures)
	}
}
