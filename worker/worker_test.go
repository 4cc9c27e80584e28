package worker

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multirx/dma"
	"multirx/filter"
	"multirx/packet"
	"multirx/packet/packettest"
	"multirx/ring"
)

type fakeRx struct {
	recs chan *packet.Record
}

func newFakeRx(recs ...*packet.Record) *fakeRx {
	rx := &fakeRx{recs: make(chan *packet.Record, len(recs))}
	for _, r := range recs {
		rx.recs <- r
	}
	close(rx.recs)
	return rx
}

func (f *fakeRx) Receive(ctx context.Context) (*packet.Record, error) {
	select {
	case r, ok := <-f.recs:
		if !ok {
			return nil, io.EOF
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakePool struct {
	released int64
}

func (p *fakePool) Release(*packet.Record) {
	atomic.AddInt64(&p.released, 1)
}

func (p *fakePool) count() int64 {
	return atomic.LoadInt64(&p.released)
}

// gatedEngine holds every transfer back until gate is closed.
type gatedEngine struct {
	dst  []byte
	gate chan struct{}
}

func (g *gatedEngine) Submit(d dma.Descriptor, c *dma.Completion) error {
	go func() {
		<-g.gate
		copy(g.dst[d.Dst:], d.Src)
		c.Complete(nil)
	}()
	return nil
}

type failingEngine struct{}

func (failingEngine) Submit(d dma.Descriptor, c *dma.Completion) error {
	c.Complete(errors.New("bus error"))
	return nil
}

type testRing struct {
	meta    *ring.Meta
	data    []byte
	barrier *ring.Barrier
}

func newTestRing(capacity int) *testRing {
	meta := ring.MetaAt(make([]byte, ring.MetaSize))
	return &testRing{
		meta:    meta,
		data:    make([]byte, capacity),
		barrier: ring.NewBarrier(meta),
	}
}

func (r *testRing) worker(t *testing.T, id int, rx ReceiveEngine, pool BufferPool, e dma.Engine) *Worker {
	w := New(Options{ID: id, Capacity: uint64(len(r.data))}, rx, pool, filter.New(filter.DefaultRules()), r.barrier, e)
	require.NoError(t, w.attach(context.Background()))
	return w
}

func TestWorker_ExcludedProtocolIsDropped(t *testing.T) {
	tr := newTestRing(1000)
	e := dma.NewCopyEngine(tr.data, 1, 4)
	defer e.Close()

	pool := &fakePool{}
	w := tr.worker(t, 0, nil, pool, e)

	rec := packettest.Record(packettest.LLDP(t, 64), 0)
	require.NoError(t, w.Process(context.Background(), rec))

	ctrl := w.Controller()
	assert.Equal(t, uint64(0), ctrl.Head())
	assert.Equal(t, uint64(0), ctrl.Tail())
	assert.Equal(t, uint64(0), ctrl.Cursor())
	assert.Equal(t, uint64(0), ctrl.Stats().Reservations)
	assert.Equal(t, int64(1), pool.count())
	assert.Equal(t, Stats{Received: 1, Dropped: 1}, w.Stats())
}

func TestWorker_AcceptedPacketIsCommitted(t *testing.T) {
	tr := newTestRing(1000)
	e := dma.NewCopyEngine(tr.data, 2, 4)
	defer e.Close()

	pool := &fakePool{}
	w := tr.worker(t, 0, nil, pool, e)

	frame := packettest.UDPv4(t, 22, 7)
	require.NoError(t, w.Process(context.Background(), packettest.Record(frame, 40)))

	assert.Equal(t, uint64(64), w.Controller().Tail())
	assert.Equal(t, frame, tr.data[:64], "the ring holds the rewritten frame")
	assert.Equal(t, packettest.SrcMAC, layersOf(tr.data[:64]).DstMAC)
	assert.Equal(t, int64(1), pool.count())
	assert.Equal(t, Stats{Received: 1, Accepted: 1, CommittedBytes: 64}, w.Stats())
}

func layersOf(frame []byte) *layers.Ethernet {
	return packettest.Decode(frame).Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
}

func TestWorker_DelayedTransferHoldsLaterCommit(t *testing.T) {
	tr := newTestRing(1000)
	gate := &gatedEngine{dst: tr.data, gate: make(chan struct{})}
	fast := dma.NewCopyEngine(tr.data, 2, 4)
	defer fast.Close()

	slow := tr.worker(t, 0, nil, &fakePool{}, gate)
	quick := tr.worker(t, 1, nil, &fakePool{}, fast)
	ctrl := slow.Controller()

	first := packettest.UDPv4(t, 22, 1)
	second := packettest.UDPv4(t, 22, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, slow.Process(context.Background(), packettest.Record(first, 0)))
	}()
	require.Eventually(t, func() bool { return ctrl.Cursor() == 64 }, time.Second, time.Millisecond)

	go func() {
		defer wg.Done()
		assert.NoError(t, quick.Process(context.Background(), packettest.Record(second, 0)))
	}()
	require.Eventually(t, func() bool { return ctrl.Stats().CommitWaits == 1 }, time.Second, time.Millisecond)

	// the later transfer landed but the tail must not move past the
	// delayed reservation
	assert.Equal(t, second, tr.data[64:128])
	assert.Never(t, func() bool { return ctrl.Tail() != 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(gate.gate)
	wg.Wait()

	assert.Equal(t, uint64(128), ctrl.Tail())
	assert.Equal(t, first, tr.data[:64])
}

func TestWorker_TransferFailureIsFatal(t *testing.T) {
	tr := newTestRing(1000)
	pool := &fakePool{}
	rx := newFakeRx(packettest.Record(packettest.UDPv4(t, 22, 0), 0))
	w := New(Options{ID: 0, Capacity: 1000}, rx, pool, filter.New(filter.DefaultRules()), tr.barrier, failingEngine{})

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus error")
	assert.Equal(t, uint64(0), w.Controller().Tail(), "failed reservation is not committed")
	assert.Equal(t, uint64(64), w.Controller().Cursor())
	assert.Equal(t, uint64(1), w.Stats().TransferFailures)
	assert.Equal(t, int64(1), pool.count())
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	tr := newTestRing(1000)
	rx := &fakeRx{recs: make(chan *packet.Record)}

	w := New(Options{ID: 1}, rx, &fakePool{}, filter.New(filter.DefaultRules()), tr.barrier, failingEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// worker 1 waits for a publication that never comes
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

// Several workers feed one ring while a consumer drains it. Every frame must
// come out byte exact and each worker's frames in the order it received them.
func TestGroup_Stream(t *testing.T) {
	const (
		workers   = 4
		perWorker = 200
		frameLen  = 64
	)

	// not a multiple of the frame length, so frames wrap at every offset
	tr := newTestRing(frameLen*5 + 13)
	e := dma.NewCopyEngine(tr.data, 3, 8)
	defer e.Close()

	pool := &fakePool{}
	var ws []*Worker
	for id := 0; id < workers; id++ {
		var recs []*packet.Record
		for i := 0; i < perWorker; i++ {
			frame := packettest.UDPv4(t, 22, byte(i))
			// worker id in the udp source port, sequence in the payload
			frame[34] = byte(id)
			recs = append(recs, packettest.Record(frame, 40))
		}
		if id == 0 {
			recs = append(recs, packettest.Record(packettest.LLDP(t, 64), 0))
		}
		ws = append(ws, New(Options{ID: id, Capacity: uint64(len(tr.data))}, newFakeRx(recs...), pool, filter.New(filter.DefaultRules()), tr.barrier, e))
	}
	g := NewGroup(ws...)

	errc := make(chan error, 1)
	go func() { errc <- g.Run(context.Background()) }()

	_, err := tr.barrier.Wait(context.Background())
	require.NoError(t, err)
	c, err := ring.NewConsumer(tr.meta, tr.data)
	require.NoError(t, err)

	next := make([]int, workers)
	buf := make([]byte, frameLen)
	deadline := time.Now().Add(10 * time.Second)
	for got := 0; got < workers*perWorker; {
		require.True(t, time.Now().Before(deadline), "drain timed out after %d frames", got)
		if c.Readable() < frameLen {
			time.Sleep(10 * time.Microsecond)
			continue
		}
		require.Equal(t, frameLen, c.Read(buf))

		id := int(buf[34])
		require.Less(t, id, workers)
		require.Equal(t, byte(next[id]), buf[42], "worker %d out of order", id)
		next[id]++

		eth := layersOf(buf)
		require.Equal(t, packettest.SrcMAC, eth.DstMAC)
		got++
	}

	require.NoError(t, <-errc)
	assert.Equal(t, uint64(0), c.Readable())
	assert.Equal(t, int64(workers*perWorker+1), pool.count())

	s := g.Stats()
	assert.Equal(t, uint64(workers*perWorker), s.Accepted)
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Equal(t, uint64(workers*perWorker*frameLen), s.CommittedBytes)
}
