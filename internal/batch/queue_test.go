package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects flushed batches.
type recorder struct {
	mu      sync.Mutex
	batches [][]int
}

func (r *recorder) add(items []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]int(nil), items...)
	r.batches = append(r.batches, cp)
}

func (r *recorder) snapshot() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int(nil), r.batches...)
}

func TestQueue_FlushOnMaxItems(t *testing.T) {
	rec := &recorder{}
	q := New(Options[int]{
		MaxItems: 3,
		MaxWait:  time.Hour,
		Flush: func(_ context.Context, items []int) error {
			rec.add(items)
			return nil
		},
	})

	q.Push(1, 2)
	assert.Empty(t, rec.snapshot())
	q.Push(3)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.snapshot()[0])
}

func TestQueue_FlushOnMaxWait(t *testing.T) {
	rec := &recorder{}
	q := New(Options[int]{
		MaxItems: 10,
		MaxWait:  30 * time.Millisecond,
		Flush: func(_ context.Context, items []int) error {
			rec.add(items)
			return nil
		},
	})

	for i := 0; i < 9; i++ {
		q.Push(i)
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	batches := rec.snapshot()
	require.Len(t, batches, 1, "exactly one timed flush")
	assert.Len(t, batches[0], 9)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_NoOverlapNoLossNoDuplicates(t *testing.T) {
	var (
		running  atomic.Int32
		overlaps atomic.Int32
		mu       sync.Mutex
		seen     = map[int]int{}
	)

	q := New(Options[int]{
		MaxItems: 7,
		MaxWait:  2 * time.Millisecond,
		Flush: func(_ context.Context, items []int) error {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			defer running.Add(-1)
			time.Sleep(time.Millisecond)
			mu.Lock()
			for _, it := range items {
				seen[it]++
			}
			mu.Unlock()
			return nil
		},
	})

	const producers, perProducer = 16, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	require.NoError(t, q.Drain(context.Background()))

	assert.Zero(t, overlaps.Load(), "flushes must not overlap")
	assert.Len(t, seen, producers*perProducer)
	for item, n := range seen {
		if n != 1 {
			t.Errorf("item %d flushed %d times", item, n)
		}
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ArrivalsDuringFlushChainOnce(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	q := New(Options[int]{
		MaxItems: 1,
		MaxWait:  time.Hour,
		Flush: func(_ context.Context, items []int) error {
			rec.add(items)
			select {
			case started <- struct{}{}:
			default:
			}
			if len(rec.snapshot()) == 1 {
				<-release
			}
			return nil
		},
	})

	q.Push(0)
	<-started

	// every push reaches MaxItems, but a flush is in flight
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}
	close(release)

	require.NoError(t, q.Drain(context.Background()))

	batches := rec.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, []int{0}, batches[0])
	assert.Equal(t, []int{1, 2, 3, 4, 5}, batches[1])
}

func TestQueue_DrainWaitsForItemsPushedDuringFlush(t *testing.T) {
	rec := &recorder{}
	var q *Queue[int]
	var once sync.Once

	q = New(Options[int]{
		MaxItems: 100,
		MaxWait:  time.Hour,
		Flush: func(_ context.Context, items []int) error {
			once.Do(func() {
				q.Push(100, 101)
			})
			time.Sleep(5 * time.Millisecond)
			rec.add(items)
			return nil
		},
	})

	q.Push(1, 2, 3)
	require.NoError(t, q.Drain(context.Background()))

	batches := rec.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, []int{1, 2, 3}, batches[0])
	assert.Equal(t, []int{100, 101}, batches[1])
	assert.Equal(t, 0, q.Len())
}

func TestQueue_FlushErrorPropagatesAndRearms(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	var failed [][]int
	var mu sync.Mutex

	q := New(Options[int]{
		MaxItems: 100,
		MaxWait:  time.Hour,
		Flush: func(_ context.Context, items []int) error {
			if calls.Add(1) == 1 {
				return boom
			}
			return nil
		},
		OnError: func(err error, items []int) {
			mu.Lock()
			failed = append(failed, items)
			mu.Unlock()
		},
	})

	q.Push(1, 2)
	err := q.Flush(context.Background())
	assert.ErrorIs(t, err, boom)

	mu.Lock()
	assert.Equal(t, [][]int{{1, 2}}, failed)
	mu.Unlock()

	q.Push(3)
	assert.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_DrainJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	q := New(Options[int]{
		MaxItems: 100,
		MaxWait:  time.Hour,
		Flush:    func(context.Context, []int) error { return boom },
		OnError:  func(error, []int) {},
	})

	q.Push(1)
	assert.ErrorIs(t, q.Drain(context.Background()), boom)

	// queue is usable again and empty drains are clean
	assert.NoError(t, q.Drain(context.Background()))
}

func TestQueue_DrainReportsEachFlushOnce(t *testing.T) {
	boom := errors.New("boom")
	for i := 0; i < 200; i++ {
		started := make(chan struct{}, 2)
		release := make(chan struct{})
		q := New(Options[int]{
			MaxItems: 1,
			MaxWait:  time.Hour,
			Flush: func(_ context.Context, items []int) error {
				started <- struct{}{}
				if items[0] == 1 {
					<-release
				}
				return boom
			},
			OnError: func(error, []int) {},
		})

		q.Push(1)
		<-started
		q.Push(2)
		time.AfterFunc(time.Millisecond, func() { close(release) })

		err := q.Drain(context.Background())
		require.ErrorIs(t, err, boom)
		joined, ok := err.(interface{ Unwrap() []error })
		require.True(t, ok, "drain joins flush errors")
		require.Len(t, joined.Unwrap(), 1, "iteration %d", i)
	}
}

func TestQueue_FlushPanicBecomesError(t *testing.T) {
	q := New(Options[int]{
		MaxItems: 100,
		MaxWait:  time.Hour,
		Flush:    func(context.Context, []int) error { panic("bad row") },
		OnError:  func(error, []int) {},
	})

	q.Push(1)
	err := q.Flush(context.Background())
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad row", pe.Value)
}

func TestQueue_FlushEmpty(t *testing.T) {
	q := New(Options[int]{Flush: func(context.Context, []int) error {
		t.Fatal("flush must not be called")
		return nil
	}})
	assert.NoError(t, q.Flush(context.Background()))
	assert.NoError(t, q.Drain(context.Background()))
}

func TestQueue_FlushTimeout(t *testing.T) {
	q := New(Options[int]{
		MaxItems:     100,
		MaxWait:      time.Hour,
		FlushTimeout: 10 * time.Millisecond,
		Flush: func(ctx context.Context, _ []int) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnError: func(error, []int) {},
	})
	q.Push(1)
	assert.ErrorIs(t, q.Flush(context.Background()), context.DeadlineExceeded)
}

func TestQueue_SubmitReportsOwnFlush(t *testing.T) {
	boom := errors.New("boom")
	release := make(chan struct{})
	var calls atomic.Int32

	q := New(Options[int]{
		MaxItems: 100,
		MaxWait:  time.Hour,
		Flush: func(_ context.Context, items []int) error {
			if calls.Add(1) == 1 {
				<-release
				return boom
			}
			return nil
		},
	})

	first := make(chan error, 1)
	go func() { first <- q.Submit(context.Background(), 1) }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- q.Submit(context.Background(), 2) }()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)

	close(release)
	assert.ErrorIs(t, <-first, boom)
	assert.NoError(t, <-second)
	assert.NoError(t, q.Submit(context.Background()))
}
