package ring

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, capacity uint64) (*Controller, *Consumer, []byte) {
	t.Helper()

	meta := new(Meta)
	data := make([]byte, capacity)
	ctrl, err := NewBarrier(meta).Publish(capacity, 0)
	require.NoError(t, err)
	cons, err := NewConsumer(meta, data)
	require.NoError(t, err)

	return ctrl, cons, data
}

func TestMetaSize(t *testing.T) {
	// one cache line per hot field plus one for the cold fields
	assert.Equal(t, 5*64, MetaSize)
	assert.Nil(t, MetaAt(make([]byte, MetaSize-1)))
	assert.NotNil(t, MetaAt(make([]byte, MetaSize)))
}

func TestMeta_HotFieldsOnOwnCacheLine(t *testing.T) {
	var m Meta
	offsets := []uintptr{
		unsafe.Offsetof(m.Head),
		unsafe.Offsetof(m.Tail),
		unsafe.Offsetof(m.Cursor),
		unsafe.Offsetof(m.Committed),
		unsafe.Offsetof(m.Capacity),
	}
	for i, off := range offsets {
		assert.Zero(t, off%64, "field %d at offset %d", i, off)
		if i > 0 {
			assert.Equal(t, offsets[i-1]+64, off)
		}
	}
}

func TestController_FreeSpace(t *testing.T) {
	ctrl, _, _ := newTestRing(t, 1000)

	assert.Equal(t, uint64(1000), ctrl.FreeSpace(0, 0))
	assert.Equal(t, uint64(700), ctrl.FreeSpace(0, 300))
	assert.Equal(t, uint64(100), ctrl.FreeSpace(200, 100))
	assert.Equal(t, uint64(100), ctrl.FreeSpace(300, 200))
	assert.Equal(t, uint64(1000), ctrl.FreeSpace(999, 999))
}

// After the cursor wrapped behind an unread head, free space is the gap
// between the shadow tail and head.
func TestController_FreeSpaceAfterWrap(t *testing.T) {
	ctrl, cons, _ := newTestRing(t, 1000)
	ctx := context.Background()

	r, err := ctrl.Reserve(ctx, 900)
	require.NoError(t, err)
	ctrl.Commit(r)
	require.NoError(t, cons.Advance(600))

	r, err = ctrl.Reserve(ctx, 300)
	require.NoError(t, err)
	ctrl.Commit(r)

	head, shadowTail := ctrl.Head(), ctrl.Cursor()
	require.Equal(t, uint64(600), head)
	require.Equal(t, uint64(200), shadowTail)
	assert.Equal(t, head-shadowTail, ctrl.FreeSpace(head, shadowTail))
	assert.Equal(t, uint64(400), ctrl.FreeSpace(head, shadowTail))

	// 400 free admits only strictly smaller claims
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = ctrl.Reserve(cctx, 400)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	_, err = ctrl.Reserve(ctx, 399)
	assert.NoError(t, err)
}

func TestConsumer_Read(t *testing.T) {
	ctrl, cons, data := newTestRing(t, 10)
	ctx := context.Background()

	r, err := ctrl.Reserve(ctx, 4)
	require.NoError(t, err)
	copy(data, []byte{1, 2, 3, 4})
	ctrl.Commit(r)

	buf := make([]byte, 3)
	assert.Equal(t, 3, cons.Read(buf))
	assert.Equal(t, []byte{1, 2, 3}, buf)
	assert.Equal(t, 1, cons.Read(buf))
	assert.Equal(t, byte(4), buf[0])
	assert.Equal(t, 0, cons.Read(buf))
	assert.Equal(t, uint64(4), ctrl.Head())
}

func TestController_TwoReservationsCommitOutOfOrder(t *testing.T) {
	ctrl, _, _ := newTestRing(t, 1000)
	ctx := context.Background()

	first, err := ctrl.Reserve(ctx, 300)
	require.NoError(t, err)
	second, err := ctrl.Reserve(ctx, 400)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), first.Start)
	assert.Equal(t, uint64(300), first.End())
	assert.Equal(t, uint64(300), second.Start)
	assert.Equal(t, uint64(700), second.End())
	assert.Equal(t, uint64(700), ctrl.Cursor())

	done := make(chan struct{})
	go func() {
		ctrl.Commit(second)
		close(done)
	}()

	// the later reservation finished first but must not become visible
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(0), ctrl.Tail())
	select {
	case <-done:
		t.Fatal("second commit overtook the first one")
	default:
	}

	ctrl.Commit(first)
	<-done

	assert.Equal(t, uint64(700), ctrl.Tail())
	stats := ctrl.Stats()
	assert.Equal(t, uint64(2), stats.Commits)
	assert.Equal(t, uint64(700), stats.CommittedBytes)
	assert.Equal(t, uint64(1), stats.CommitWaits)
}

func TestController_ConcurrentReserveIsDisjoint(t *testing.T) {
	ctrl, _, _ := newTestRing(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Reservation, 2)
	for i, l := range []uint64{300, 400} {
		wg.Add(1)
		go func(i int, l uint64) {
			defer wg.Done()
			r, err := ctrl.Reserve(ctx, l)
			assert.NoError(t, err)
			results[i] = r
		}(i, l)
	}
	wg.Wait()

	a, b := results[0], results[1]
	if a.Ticket > b.Ticket {
		a, b = b, a
	}
	assert.Equal(t, uint64(0), a.Start)
	assert.Equal(t, a.End(), b.Start)
	assert.Equal(t, uint64(700), b.End())

	go func() {
		time.Sleep(10 * time.Millisecond)
		ctrl.Commit(a)
	}()
	ctrl.Commit(b)
	assert.Equal(t, uint64(700), ctrl.Tail())
}

func TestController_ReserveErrors(t *testing.T) {
	ctrl, _, _ := newTestRing(t, 100)
	ctx := context.Background()

	_, err := ctrl.Reserve(ctx, 0)
	assert.True(t, errors.Is(err, ErrZeroLength))

	_, err = ctrl.Reserve(ctx, 100)
	assert.True(t, errors.Is(err, ErrTooLarge))

	r, err := ctrl.Reserve(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), r.End())
}

func TestController_Backpressure(t *testing.T) {
	ctrl, cons, _ := newTestRing(t, 100)
	ctx := context.Background()

	r, err := ctrl.Reserve(ctx, 60)
	require.NoError(t, err)
	ctrl.Commit(r)

	// 40 bytes are free, a 40 byte claim needs strictly more
	got := make(chan Reservation, 1)
	go func() {
		r, err := ctrl.Reserve(ctx, 40)
		assert.NoError(t, err)
		got <- r
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("reservation taken without free space")
	default:
	}

	require.NoError(t, cons.Advance(10))
	r = <-got
	assert.Equal(t, uint64(60), r.Start)
	assert.Equal(t, uint64(0), r.End())
	assert.False(t, r.Wraps())

	stats := ctrl.Stats()
	assert.Equal(t, uint64(1), stats.Backpressure)
	assert.NotZero(t, stats.ReserveSpins)
}

func TestController_ReserveCancelled(t *testing.T) {
	ctrl, _, _ := newTestRing(t, 100)

	r, err := ctrl.Reserve(context.Background(), 90)
	require.NoError(t, err)
	ctrl.Commit(r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ctrl.Reserve(ctx, 50)
	assert.Equal(t, context.DeadlineExceeded, err)
	// nothing was claimed
	assert.Equal(t, uint64(90), ctrl.Cursor())
}

func TestController_TailNeverCatchesHead(t *testing.T) {
	ctrl, cons, _ := newTestRing(t, 64)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r, err := ctrl.Reserve(ctx, 7)
		require.NoError(t, err)
		ctrl.Commit(r)
		assert.NotEqual(t, ctrl.Head(), ctrl.Tail())

		if cons.Readable() > 40 {
			require.NoError(t, cons.Advance(cons.Readable()))
		}
	}

	// fill up: the last byte is always withheld
	require.NoError(t, cons.Advance(cons.Readable()))
	for {
		free := ctrl.FreeSpace(ctrl.Head(), ctrl.Cursor())
		if free <= 1 {
			break
		}
		r, err := ctrl.Reserve(ctx, free-1)
		require.NoError(t, err)
		ctrl.Commit(r)
	}
	assert.Equal(t, uint64(63), cons.Readable())
	assert.NotEqual(t, ctrl.Head(), ctrl.Tail())
}

// Many writers complete out of order; the consumer must only ever see bytes
// that were written, in claim order.
func TestController_ConcurrentStream(t *testing.T) {
	const (
		capacity = 1000
		writers  = 8
		perWrite = 200
	)
	ctrl, cons, data := newTestRing(t, capacity)
	ctx := context.Background()

	var total uint64
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < perWrite; i++ {
				l := uint64(1 + rnd.Intn(120))
				r, err := ctrl.Reserve(ctx, l)
				if !assert.NoError(t, err) {
					return
				}
				for j := uint64(0); j < l; j++ {
					data[(r.Start+j)%capacity] = byte(r.Ticket + j)
				}
				if rnd.Intn(4) == 0 {
					time.Sleep(time.Duration(rnd.Intn(200)) * time.Microsecond)
				}
				ctrl.Commit(r)
				atomic.AddUint64(&total, l)
			}
		}(int64(w))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var pos uint64
	buf := make([]byte, 256)
	finished := false
	for {
		n := cons.Read(buf)
		if n == 0 {
			runtime.Gosched()
		}
		for k := 0; k < n; k++ {
			if buf[k] != byte(pos) {
				t.Fatalf("byte %d: got %d want %d", pos, buf[k], byte(pos))
			}
			pos++
		}
		if finished && cons.Readable() == 0 {
			break
		}
		select {
		case <-done:
			finished = true
		default:
		}
	}

	assert.Equal(t, atomic.LoadUint64(&total), pos)
	assert.Equal(t, pos, ctrl.Stats().CommittedBytes)
}
