// Package coordinator wires the recording dispatcher, the metric engine,
// the upload loop and the metrics ping scheduler into one explicitly
// constructed object.
//
// Nothing is global: every collaborator is built by New and owned by the
// returned Coordinator.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"ping-upload-coordinator/internal/clock"
	"ping-upload-coordinator/internal/config"
	"ping-upload-coordinator/internal/database"
	"ping-upload-coordinator/internal/dispatcher"
	"ping-upload-coordinator/internal/engine"
	"ping-upload-coordinator/internal/kvstore"
	"ping-upload-coordinator/internal/logging"
	"ping-upload-coordinator/internal/metrics"
	"ping-upload-coordinator/internal/models"
	"ping-upload-coordinator/internal/ratelimit"
	"ping-upload-coordinator/internal/scheduler"
	"ping-upload-coordinator/internal/transport"
	"ping-upload-coordinator/internal/upload"
	"ping-upload-coordinator/internal/worker"
)

// OverflowMetric is the counter, sent with the metrics ping, holding the
// number of recording tasks dropped before initialization.
const OverflowMetric = "coordinator.preinit_tasks_overflow"

// Deps are optional collaborators. Zero values get production defaults.
type Deps struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// Uploader defaults to an HTTP uploader built from the config
	Uploader worker.Uploader
	// Store overrides the persistence backend chosen by the config
	Store   kvstore.Store
	Metrics metrics.Recorder
	// OnChange is called when the pending queue or upload state changes.
	// It may run with internal locks held and must not call back into
	// the Coordinator on the same goroutine.
	OnChange func()
}

// Coordinator is the library surface used by the embedding application
type Coordinator struct {
	cfg     config.Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Recorder

	db         *database.DB
	store      kvstore.Store
	closeStore func() error

	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	provider   *upload.Provider
	uploads    *worker.Manager
	scheduler  *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	// initializing is claimed by the first Initialize call; initialized
	// is set once buffered tasks have been flushed
	initializing atomic.Bool
	initialized  atomic.Bool
	onChange     func()
}

// New builds a Coordinator from cfg. Nothing runs until Initialize.
func New(cfg config.Config, deps Deps) (*Coordinator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := logging.OrDiscard(deps.Logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := database.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init database schema: %w", err)
	}
	logger.Info("database initialized", "path", cfg.DatabasePath())

	store, closeStore, err := openStore(cfg, deps.Store, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		metrics:    metrics.OrNop(deps.Metrics),
		db:         db,
		store:      store,
		closeStore: closeStore,
		ctx:        ctx,
		cancel:     cancel,
		onChange:   deps.OnChange,
	}

	c.engine = engine.New(db, store, engine.Options{
		AppID:           cfg.AppID,
		AppVersion:      cfg.AppVersion,
		AppBuild:        cfg.AppBuild,
		Channel:         cfg.Channel,
		DebugViewTag:    cfg.DebugViewTag,
		UploadEnabled:   cfg.UploadEnabled,
		MaxPendingBytes: cfg.Policy.MaxPendingBytes,
		Clock:           clk,
		Logger:          logger,
		OnQueueChange:   c.queueChanged,
	})

	c.dispatcher = dispatcher.New(dispatcher.Options{
		MaxQueueSize: cfg.Dispatcher.MaxQueueSize,
		Synchronous:  cfg.Dispatcher.Synchronous,
		Logger:       logger,
		Metrics:      c.metrics,
		OnOverflow: func(ctx context.Context, count int) error {
			return c.engine.AddToCounter(ctx, models.MetricsPing, OverflowMetric, int64(count))
		},
	})

	c.provider = upload.NewProvider(
		c.engine,
		ratelimit.New(cfg.RateLimit.Interval, cfg.RateLimit.MaxCount, clk),
		upload.Policy{
			MaxWaitAttempts:   cfg.Policy.MaxWaitAttempts,
			MaxUploadAttempts: cfg.Policy.MaxUploadAttempts,
			MaxPingBodySize:   cfg.Policy.MaxPingBodySize,
		},
		logger,
		c.metrics,
	)

	uploader := deps.Uploader
	if uploader == nil {
		uploader = transport.NewHTTPUploader(transport.Options{
			Timeout:        cfg.Uploader.Timeout,
			ConnectTimeout: cfg.Uploader.ConnectTimeout,
			Capabilities:   cfg.Uploader.Capabilities,
			Logger:         logger,
		})
	}
	c.uploads = worker.New(c.provider, uploader, worker.Options{
		Endpoint: cfg.ServerEndpoint,
		LockPath: cfg.LockPath(),
		Clock:    clk,
		Logger:   logger,
		OnUpdate: c.notify,
	})

	c.scheduler = scheduler.New(scheduler.Options{
		Store:      store,
		Submitter:  c,
		Clock:      clk,
		DueHour:    cfg.Scheduler.DueHour,
		AppVersion: cfg.AppVersion,
		Logger:     logger,
		Metrics:    c.metrics,
	})

	return c, nil
}

// Initialize restores engine state, runs the metrics ping startup check,
// replays buffered recording tasks and triggers an upload. Pings the
// startup check submits are queued before any buffered task runs.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if !c.initializing.CompareAndSwap(false, true) {
		c.logger.Warn("coordinator already initialized")
		return nil
	}

	if err := c.engine.Init(ctx); err != nil {
		c.initializing.Store(false)
		return fmt.Errorf("init engine: %w", err)
	}

	c.ScheduleMetricsPing(ctx)

	if err := c.FlushInitialTasks(); err != nil && !errors.Is(err, dispatcher.ErrAlreadyFlushed) {
		return fmt.Errorf("flush initial tasks: %w", err)
	}
	c.initialized.Store(true)

	c.TriggerUpload()
	c.logger.Info("coordinator initialized", "upload_enabled", c.engine.UploadEnabled())
	return nil
}

// EnqueueRecording runs task on the recording lane. Before
// initialization it is buffered; it returns dispatcher.ErrQueueFull when
// the buffer is full.
func (c *Coordinator) EnqueueRecording(task dispatcher.Task) error {
	return c.dispatcher.Launch(task)
}

// AddToCounter records amount on a counter sent with the named ping
func (c *Coordinator) AddToCounter(ping, name string, amount int64) error {
	return c.dispatcher.Launch(func(ctx context.Context) error {
		return c.engine.AddToCounter(ctx, ping, name, amount)
	})
}

// FlushInitialTasks replays the recording tasks buffered before
// initialization
func (c *Coordinator) FlushInitialTasks() error {
	return c.dispatcher.Flush()
}

// TriggerUpload starts an upload session unless one is running
func (c *Coordinator) TriggerUpload() bool {
	return c.uploads.Trigger(c.ctx)
}

// SetUploadEnabled changes the upload-enabled flag. After initialization
// it applies on the calling goroutine; before, it is buffered in order
// with recording tasks.
func (c *Coordinator) SetUploadEnabled(enabled bool) error {
	apply := func(ctx context.Context) error {
		changed, err := c.engine.SetUploadEnabled(ctx, enabled)
		if err != nil {
			return err
		}
		if changed {
			c.notify()
			c.TriggerUpload()
		}
		return nil
	}

	if !c.initialized.Load() {
		return c.dispatcher.Launch(apply)
	}
	return apply(c.ctx)
}

// ScheduleMetricsPing runs the metrics ping startup check
func (c *Coordinator) ScheduleMetricsPing(ctx context.Context) {
	c.scheduler.Schedule(ctx)
}

// SubmitPing collects and queues the named ping on the recording lane
func (c *Coordinator) SubmitPing(name, reason string) error {
	return c.dispatcher.Launch(func(ctx context.Context) error {
		return c.submit(ctx, name, reason)
	})
}

// SubmitPeriodicPing implements scheduler.Submitter. Synchronous
// submissions bypass the recording lane.
func (c *Coordinator) SubmitPeriodicPing(ctx context.Context, reason string, synchronous bool) error {
	if synchronous {
		_, err := c.engine.SubmitPeriodicPing(ctx, reason)
		return err
	}
	return c.dispatcher.Launch(func(ctx context.Context) error {
		return c.submit(ctx, models.MetricsPing, reason)
	})
}

// PendingPings lists queued pings, oldest first
func (c *Coordinator) PendingPings(ctx context.Context, limit int) ([]models.PendingPing, error) {
	return c.engine.PendingPings(ctx, limit)
}

// Stats returns a snapshot of the coordinator state
func (c *Coordinator) Stats(ctx context.Context) (*models.Status, error) {
	queue, err := c.engine.Stats(ctx)
	if err != nil {
		return nil, err
	}

	status := &models.Status{
		Queue:         *queue,
		UploadEnabled: c.engine.UploadEnabled(),
		Uploading:     c.uploads.Running(),
		Initialized:   c.initialized.Load(),
		PendingTasks:  c.dispatcher.Len(),
	}
	if due, ok := c.scheduler.NextDue(); ok {
		status.NextMetricsPing = &due
		status.NextMetricsPingReason = c.scheduler.NextReason()
	}
	return status, nil
}

// Shutdown stops the scheduler, drains the recording lane, stops the
// upload loop and closes storage. Work still queued when ctx is done is
// dropped.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.scheduler.Cancel()
	c.scheduler.Wait()

	if err := c.dispatcher.Wait(ctx); err != nil && !errors.Is(err, dispatcher.ErrClosed) {
		c.logger.Warn("recording lane not drained before shutdown", "error", err)
	}
	c.dispatcher.Close()

	c.cancel()
	done := make(chan struct{})
	go func() {
		c.uploads.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("upload still running at shutdown")
	}

	var errs []error
	if c.closeStore != nil {
		errs = append(errs, c.closeStore())
	}
	errs = append(errs, c.db.Close())
	c.logger.Info("coordinator shut down")
	return errors.Join(errs...)
}

func (c *Coordinator) submit(ctx context.Context, name, reason string) error {
	sent, err := c.engine.SubmitPing(ctx, name, reason)
	if err != nil {
		return err
	}
	if sent && c.initialized.Load() {
		c.TriggerUpload()
	}
	return nil
}

// queueChanged runs with the engine lock held; it must not call back
// into the engine.
func (c *Coordinator) queueChanged() {
	if stats, err := c.db.GetQueueStats(context.Background()); err == nil {
		c.metrics.RecordPendingPings(stats.PendingPings)
	}
	c.notify()
}

func (c *Coordinator) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

func openStore(cfg config.Config, override kvstore.Store, db *database.DB) (kvstore.Store, func() error, error) {
	if override != nil {
		return override, nil, nil
	}
	switch cfg.Store.Backend {
	case config.BackendRedis:
		store, err := kvstore.NewRedisStore(cfg.Store.RedisURL, cfg.Store.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, store.Close, nil
	default:
		return db, nil, nil
	}
}
