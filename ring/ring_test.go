package ring

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestNew_RoundsCapacity(t *testing.T) {
	for _, tc := range []struct{ in, want int }{
		{1, 1}, {2, 2}, {3, 4}, {10, 16}, {16, 16}, {17, 32}, {1000, 1024},
	} {
		assert.Equal(t, tc.want, New[int](tc.in).Cap(), "capacity %d", tc.in)
		assert.Equal(t, tc.want, New32[int](tc.in).Cap(), "capacity %d", tc.in)
	}
	assert.Panics(t, func() { New[int](0) })
	assert.Panics(t, func() { New32[int](-1) })
}

func TestQueue_OfferPollFull(t *testing.T) {
	q := New[int](10)
	require.True(t, q.IsEmpty())

	for i := 0; i < 16; i++ {
		require.True(t, q.Offer(i), "offer %d", i)
	}
	require.False(t, q.Offer(16))
	require.Equal(t, 16, q.Size())

	v, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, 0, v)
	require.Equal(t, 16, q.Size())

	for i := 0; i < 16; i++ {
		v, ok := q.Poll()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok = q.Poll()
	require.False(t, ok)
	_, ok = q.Peek()
	require.False(t, ok)
	require.True(t, q.IsEmpty())
	require.Equal(t, 0, q.Size())
}

func TestQueue_PollClearsSlot(t *testing.T) {
	q := New[*int](2)
	v := 7
	require.True(t, q.Offer(&v))
	got, ok := q.Poll()
	require.True(t, ok)
	require.Same(t, &v, got)
	require.Nil(t, q.slots[0].value)
}

func TestQueue_SPSCKeepsOrder(t *testing.T) {
	const n = 100_000
	q := New[int](64)

	got := make([]int, 0, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(got) < n {
			if v, ok := q.Take(time.Second); ok {
				got = append(got, v)
			}
		}
	}()

	want := make([]int, n)
	for i := 0; i < n; i++ {
		want[i] = i
		require.True(t, q.Put(i, time.Second))
	}
	<-done

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("consumer order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_ConcurrentConservation(t *testing.T) {
	const (
		producers = 8
		consumers = 8
		perProd   = 20_000
	)
	q := New[int](128)

	var (
		seen     sync.Map
		polled   atomic.Int64
		dupes    atomic.Int64
		produced atomic.Int64
	)

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < perProd; i++ {
				v := p*perProd + i
				for !q.Offer(v) {
					time.Sleep(time.Microsecond)
				}
				produced.Add(1)
			}
			return nil
		})
	}

	var cg errgroup.Group
	for c := 0; c < consumers; c++ {
		cg.Go(func() error {
			for polled.Load() < producers*perProd {
				v, ok := q.Poll()
				if !ok {
					time.Sleep(time.Microsecond)
					continue
				}
				if _, loaded := seen.LoadOrStore(v, struct{}{}); loaded {
					dupes.Add(1)
				}
				polled.Add(1)
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	require.NoError(t, cg.Wait())

	assert.Zero(t, dupes.Load())
	assert.Equal(t, int64(producers*perProd), produced.Load())
	assert.Equal(t, int64(producers*perProd), polled.Load())
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, q.head.Load(), q.headAlloc.Load())
	assert.Equal(t, q.tail.Load(), q.tailAlloc.Load())
}

func TestQueue_SizeTracksCompletedOps(t *testing.T) {
	q := New[int](32)
	for round := 0; round < 10; round++ {
		for i := 0; i < 20; i++ {
			require.True(t, q.Offer(i))
		}
		for i := 0; i < 13; i++ {
			_, ok := q.Poll()
			require.True(t, ok)
		}
		require.Equal(t, 7, q.Size())
		for i := 0; i < 7; i++ {
			_, ok := q.Poll()
			require.True(t, ok)
		}
		require.Equal(t, 0, q.Size())
	}
}

func TestQueue_PutWaitsForRoom(t *testing.T) {
	q := New[int](2)
	require.True(t, q.Offer(1))
	require.True(t, q.Offer(2))

	start := time.Now()
	require.False(t, q.Put(3, 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Poll()
	}()
	require.True(t, q.Put(3, time.Second))
}

func TestQueue_TakeWaitsForValue(t *testing.T) {
	q := New[string](4)

	_, ok := q.Take(10 * time.Millisecond)
	require.False(t, ok)

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Offer("x")
	}()
	v, ok := q.Take(time.Second)
	require.True(t, ok)
	require.Equal(t, "x", v)
}

func TestQueue_HeadWaitsForGap(t *testing.T) {
	q := New[int](8, WithBackoff(Backoff{MinRetries: 0, MaxPause: 1}))

	// reserve slot 0 without writing it, as a stalled producer would
	q.headAlloc.Store(1)
	require.True(t, q.Offer(42))

	// slot 1 is written but hidden behind the gap
	assert.Equal(t, uint64(0), q.head.Load())
	_, ok := q.Poll()
	require.False(t, ok)

	// the stalled producer completes and moves head across both slots
	s := &q.slots[0]
	s.value = 41
	s.seq.Store(writtenSeq(0))
	q.advanceHead()
	assert.Equal(t, uint64(2), q.head.Load())

	v, ok := q.Poll()
	require.True(t, ok)
	assert.Equal(t, 41, v)
	v, ok = q.Poll()
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestQueue32_WrapsCursors(t *testing.T) {
	q := New32[int](4)
	start := uint32(math.MaxUint32 - 5)
	q.headAlloc.Store(start)
	q.head.Store(start)
	q.tailAlloc.Store(start)
	q.tail.Store(start)

	next := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			require.True(t, q.Offer(next+i))
		}
		require.False(t, q.Offer(-1))
		require.Equal(t, 4, q.Size())
		v, ok := q.Peek()
		require.True(t, ok)
		require.Equal(t, next, v)
		for i := 0; i < 4; i++ {
			v, ok := q.Poll()
			require.True(t, ok)
			require.Equal(t, next+i, v)
		}
		require.True(t, q.IsEmpty())
		next += 4
	}
	assert.Less(t, q.head.Load(), start, "cursor should have wrapped")
}

func TestQueue32_Concurrent(t *testing.T) {
	const total = 50_000
	q := New32[int](64)

	var sum atomic.Int64
	var got atomic.Int64

	var g errgroup.Group
	for p := 0; p < 4; p++ {
		g.Go(func() error {
			for i := p; i < total; i += 4 {
				for !q.Offer(i) {
					time.Sleep(time.Microsecond)
				}
			}
			return nil
		})
	}
	for c := 0; c < 4; c++ {
		g.Go(func() error {
			for got.Load() < total {
				if v, ok := q.Poll(); ok {
					sum.Add(int64(v))
					got.Add(1)
				} else {
					time.Sleep(time.Microsecond)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(total), got.Load())
	require.Equal(t, int64(total*(total-1)/2), sum.Load())
}

func TestBackoff_RetriesStayInRange(t *testing.T) {
	b := Backoff{MinRetries: 3, Spread: 5, MaxPause: 2}
	for i := uint64(0); i < 1000; i++ {
		r := b.Retries(i)
		require.GreaterOrEqual(t, r, 3)
		require.Less(t, r, 8)
	}
	assert.Equal(t, 3, Backoff{MinRetries: 3}.Retries(99))
}
