// Package dispatcher serializes metric recording work relative to
// startup.
//
// Before Flush, launched tasks are buffered in a bounded queue and never
// run. Flush replays the buffer, in order, on a single serial lane and
// from then on every launch is appended to that lane. Tasks are run one
// at a time on a dedicated goroutine.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"ping-upload-coordinator/internal/logging"
	"ping-upload-coordinator/internal/metrics"
)

// DefaultMaxQueueSize bounds the pre-init buffer
const DefaultMaxQueueSize = 100

var (
	// ErrQueueFull is returned by Launch when the pre-init buffer is full
	// and the task was dropped.
	ErrQueueFull = errors.New("dispatcher: pre-init queue full")
	// ErrAlreadyFlushed is returned by a second call to Flush.
	ErrAlreadyFlushed = errors.New("dispatcher: already flushed")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("dispatcher: closed")
)

// Task is a unit of recording work. The context is cancelled when the
// dispatcher is closed.
type Task func(ctx context.Context) error

// Options configures a Dispatcher
type Options struct {
	// MaxQueueSize bounds the pre-init buffer. Zero means DefaultMaxQueueSize.
	MaxQueueSize int

	// Synchronous makes Launch and Flush block until the work they queued
	// has run. Launch must not be called from inside a task in this mode.
	Synchronous bool

	Logger  *slog.Logger
	Metrics metrics.Recorder

	// OnOverflow is queued once after the replayed tasks when launches
	// were dropped before Flush. count is the number of dropped tasks.
	OnOverflow func(ctx context.Context, count int) error
}

type item struct {
	task Task
	name string
	done chan struct{}
}

// Dispatcher buffers tasks until Flush and then runs them serially
type Dispatcher struct {
	opts    Options
	logger  *slog.Logger
	metrics metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queueing bool
	closed   bool
	preinit  []Task
	overflow int
	lane     []*item
	notify   chan struct{}
}

// New creates a Dispatcher in pre-init mode and starts its lane goroutine
func New(opts Options) *Dispatcher {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger).With("component", "dispatcher"),
		metrics:  metrics.OrNop(opts.Metrics),
		ctx:      ctx,
		cancel:   cancel,
		queueing: true,
		notify:   make(chan struct{}, 1),
	}
	go d.loop()
	return d
}

// Launch queues task. Before Flush it is buffered, or dropped with
// ErrQueueFull when the buffer is full. After Flush it is appended to
// the serial lane.
func (d *Dispatcher) Launch(task Task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}

	if d.queueing {
		defer d.mu.Unlock()
		if len(d.preinit) >= d.opts.MaxQueueSize {
			d.overflow++
			d.logger.Debug("pre-init queue full, dropping task", "overflow", d.overflow)
			return ErrQueueFull
		}
		d.preinit = append(d.preinit, task)
		return nil
	}

	it := d.enqueueLocked(task, "task")
	d.mu.Unlock()

	if d.opts.Synchronous {
		<-it.done
	}
	return nil
}

// Flush ends pre-init mode. Buffered tasks are handed to the lane in
// order, followed by a single overflow report when tasks were dropped.
func (d *Dispatcher) Flush() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if !d.queueing {
		d.mu.Unlock()
		return ErrAlreadyFlushed
	}

	d.queueing = false
	var last *item
	for _, task := range d.preinit {
		last = d.enqueueLocked(task, "replay")
	}
	replayed := len(d.preinit)
	d.preinit = nil

	overflow := d.overflow
	d.overflow = 0
	if overflow > 0 {
		last = d.enqueueLocked(d.overflowReport(overflow), "overflow")
	}
	d.mu.Unlock()

	d.logger.Info("pre-init queue flushed", "replayed", replayed, "overflow", overflow)

	if d.opts.Synchronous && last != nil {
		<-last.done
	}
	return nil
}

// Cancel drops every task that has not started yet. A running task is
// not interrupted. Blocked synchronous callers are released.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Close cancels pending work, stops the lane goroutine and rejects
// further launches.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cancelLocked()
	d.mu.Unlock()

	d.cancel()
}

// Wait blocks until every task queued on the lane before the call has
// run, or ctx is done. Before Flush nothing runs and Wait returns
// immediately.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.queueing {
		d.mu.Unlock()
		return nil
	}
	marker := d.enqueueLocked(nil, "marker")
	d.mu.Unlock()

	select {
	case <-marker.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queueing reports whether the dispatcher is still buffering
func (d *Dispatcher) Queueing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueing
}

// Overflow returns the number of tasks dropped since the last report
func (d *Dispatcher) Overflow() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overflow
}

// Len returns the number of tasks buffered or waiting on the lane
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.preinit) + len(d.lane)
}

func (d *Dispatcher) loop() {
	for {
		d.mu.Lock()
		for len(d.lane) == 0 {
			d.mu.Unlock()
			select {
			case <-d.notify:
			case <-d.ctx.Done():
				return
			}
			d.mu.Lock()
		}
		it := d.lane[0]
		d.lane[0] = nil
		d.lane = d.lane[1:]
		d.mu.Unlock()

		d.run(it)
		close(it.done)
	}
}

func (d *Dispatcher) run(it *item) {
	if it.task == nil {
		return
	}

	var err error
	recovered := panics.Try(func() { err = it.task(d.ctx) })
	if recovered != nil {
		d.metrics.RecordTaskFailure()
		d.logger.Error("task panicked", "kind", it.name, "panic", recovered.Value, "stack", string(recovered.Stack))
		return
	}
	if err != nil {
		d.metrics.RecordTaskFailure()
		d.logger.Warn("task failed", "kind", it.name, "error", err)
	}
}

func (d *Dispatcher) overflowReport(count int) Task {
	return func(ctx context.Context) error {
		d.metrics.RecordOverflow(count)
		d.logger.Warn("tasks dropped before init", "count", count)
		if d.opts.OnOverflow != nil {
			return d.opts.OnOverflow(ctx, count)
		}
		return nil
	}
}

func (d *Dispatcher) enqueueLocked(task Task, name string) *item {
	it := &item{task: task, name: name, done: make(chan struct{})}
	d.lane = append(d.lane, it)
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return it
}

func (d *Dispatcher) cancelLocked() {
	dropped := len(d.preinit) + len(d.lane)
	d.preinit = nil
	for _, it := range d.lane {
		close(it.done)
	}
	d.lane = nil
	if dropped > 0 {
		d.logger.Info("pending tasks cancelled", "count", dropped)
	}
}
