package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ping-upload-coordinator/internal/metrics"
)

type countingRecorder struct {
	metrics.Nop
	failures atomic.Int64
	overflow atomic.Int64
}

func (r *countingRecorder) RecordTaskFailure()   { r.failures.Add(1) }
func (r *countingRecorder) RecordOverflow(n int) { r.overflow.Add(int64(n)) }

type recorder struct {
	mu  sync.Mutex
	ran []int
}

func (r *recorder) task(id int) Task {
	return func(ctx context.Context) error {
		r.mu.Lock()
		r.ran = append(r.ran, id)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ran...)
}

func waitLane(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

// Given: tasks launched before and after Flush
// When: the lane drains
// Then: they run in launch order and nothing runs before Flush
func TestDispatcher_OrderAcrossFlush(t *testing.T) {
	d := New(Options{})
	defer d.Close()
	rec := &recorder{}

	for i := 1; i <= 3; i++ {
		require.NoError(t, d.Launch(rec.task(i)))
	}
	assert.True(t, d.Queueing())
	assert.Equal(t, 3, d.Len())
	assert.Empty(t, rec.snapshot())

	require.NoError(t, d.Flush())
	assert.False(t, d.Queueing())
	require.NoError(t, d.Launch(rec.task(4)))
	require.NoError(t, d.Launch(rec.task(5)))

	waitLane(t, d)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.snapshot())
}

// Given: capacity+5 launches before Flush
// When: Flush runs
// Then: capacity tasks run followed by a single overflow report of 5
func TestDispatcher_OverflowReportedOnce(t *testing.T) {
	var order []string
	var mu sync.Mutex
	reports := 0
	metricsRec := &countingRecorder{}

	d := New(Options{
		MaxQueueSize: 100,
		Metrics:      metricsRec,
		OnOverflow: func(ctx context.Context, count int) error {
			mu.Lock()
			defer mu.Unlock()
			reports++
			order = append(order, "overflow")
			assert.Equal(t, 5, count)
			return nil
		},
	})
	defer d.Close()

	ran := 0
	fullErrors := 0
	for i := 0; i < 105; i++ {
		err := d.Launch(func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ran++
			order = append(order, "task")
			return nil
		})
		if errors.Is(err, ErrQueueFull) {
			fullErrors++
		}
	}
	assert.Equal(t, 5, fullErrors)
	assert.Equal(t, 5, d.Overflow())

	require.NoError(t, d.Flush())
	waitLane(t, d)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 100, ran)
	assert.Equal(t, 1, reports)
	require.Len(t, order, 101)
	assert.Equal(t, "overflow", order[100])
	assert.Equal(t, 0, d.Overflow())
	assert.EqualValues(t, 5, metricsRec.overflow.Load())
}

func TestDispatcher_FlushTwice(t *testing.T) {
	called := false
	d := New(Options{OnOverflow: func(context.Context, int) error {
		called = true
		return nil
	}})
	defer d.Close()

	require.NoError(t, d.Flush())
	assert.False(t, d.Queueing())
	assert.ErrorIs(t, d.Flush(), ErrAlreadyFlushed)

	waitLane(t, d)
	assert.False(t, called, "empty flush must not report overflow")
}

// Given: tasks that fail and panic
// When: the lane runs them
// Then: the failures are counted and later tasks still run
func TestDispatcher_LaneSurvivesFailures(t *testing.T) {
	metricsRec := &countingRecorder{}
	d := New(Options{Metrics: metricsRec})
	defer d.Close()
	rec := &recorder{}

	require.NoError(t, d.Flush())
	require.NoError(t, d.Launch(rec.task(1)))
	require.NoError(t, d.Launch(func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, d.Launch(func(context.Context) error { panic("kaboom") }))
	require.NoError(t, d.Launch(rec.task(2)))

	waitLane(t, d)
	assert.Equal(t, []int{1, 2}, rec.snapshot())
	assert.EqualValues(t, 2, metricsRec.failures.Load())
}

func TestDispatcher_CancelBeforeFlush(t *testing.T) {
	d := New(Options{})
	defer d.Close()
	rec := &recorder{}

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Launch(rec.task(i)))
	}
	d.Cancel()
	require.NoError(t, d.Flush())
	waitLane(t, d)

	assert.Empty(t, rec.snapshot())
}

// Given: a running task and three queued behind it
// When: Cancel is called
// Then: the running task completes and the queued ones never run
func TestDispatcher_CancelAfterFlush(t *testing.T) {
	d := New(Options{})
	defer d.Close()
	rec := &recorder{}
	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, d.Flush())
	require.NoError(t, d.Launch(func(ctx context.Context) error {
		close(started)
		<-release
		return rec.task(0)(ctx)
	}))
	for i := 1; i <= 3; i++ {
		require.NoError(t, d.Launch(rec.task(i)))
	}

	<-started
	d.Cancel()
	close(release)

	waitLane(t, d)
	assert.Equal(t, []int{0}, rec.snapshot())
}

func TestDispatcher_Synchronous(t *testing.T) {
	d := New(Options{Synchronous: true})
	defer d.Close()
	rec := &recorder{}

	require.NoError(t, d.Launch(rec.task(1)))
	require.NoError(t, d.Launch(rec.task(2)))
	assert.Empty(t, rec.snapshot())

	require.NoError(t, d.Flush())
	assert.Equal(t, []int{1, 2}, rec.snapshot())

	require.NoError(t, d.Launch(rec.task(3)))
	assert.Equal(t, []int{1, 2, 3}, rec.snapshot())
}

func TestDispatcher_Close(t *testing.T) {
	d := New(Options{})
	d.Close()
	d.Close()

	assert.ErrorIs(t, d.Launch(func(context.Context) error { return nil }), ErrClosed)
	assert.ErrorIs(t, d.Flush(), ErrClosed)
	assert.ErrorIs(t, d.Wait(context.Background()), ErrClosed)
}

func TestDispatcher_WaitHonoursContext(t *testing.T) {
	d := New(Options{})
	defer d.Close()
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, d.Flush())
	require.NoError(t, d.Launch(func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
}

// Given: launches racing with Flush from many goroutines
// When: everything drains
// Then: every launch either ran or was counted as overflow
func TestDispatcher_ConcurrentLaunchDuringFlush(t *testing.T) {
	var reported atomic.Int64
	d := New(Options{
		MaxQueueSize: 10,
		OnOverflow: func(ctx context.Context, count int) error {
			reported.Add(int64(count))
			return nil
		},
	})
	defer d.Close()

	var ran atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = d.Launch(func(context.Context) error {
					ran.Add(1)
					return nil
				})
			}
		}()
	}
	require.NoError(t, d.Flush())
	wg.Wait()
	waitLane(t, d)

	assert.EqualValues(t, 200, ran.Load()+reported.Load()+int64(d.Overflow()))
}
