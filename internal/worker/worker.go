package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"ping-upload-coordinator/internal/clock"
	"ping-upload-coordinator/internal/logging"
	"ping-upload-coordinator/internal/models"
)

var (
	// ErrBusy is returned when an upload loop is already running in this process
	ErrBusy = errors.New("upload already in progress")
	// ErrLocked is returned when another process holds the upload lock
	ErrLocked = errors.New("upload lock held by another process")
)

// Uploader sends a single request to the collection server
type Uploader interface {
	Upload(ctx context.Context, req models.UploadRequest) models.UploadResult
}

// Provider hands out upload tasks and applies their results
type Provider interface {
	BeginSession()
	Poll(ctx context.Context) models.UploadTask
	ProcessResponse(ctx context.Context, documentID string, result models.UploadResult) models.UploadTaskAction
}

// Options configures a Manager
type Options struct {
	// Endpoint is prefixed to every ping path
	Endpoint string
	// LockPath is locked for the duration of a session. Empty disables
	// the cross-process lock.
	LockPath string
	Clock    clock.Clock
	Logger   *slog.Logger
	// OnUpdate is called when a session starts and when it ends
	OnUpdate func()
}

// Manager runs the upload loop. At most one loop runs at a time.
type Manager struct {
	provider Provider
	uploader Uploader
	endpoint string
	lock     *flock.Flock
	clock    clock.Clock
	logger   *slog.Logger
	onUpdate func()

	running  atomic.Bool
	sessions atomic.Int64
	wg       conc.WaitGroup
}

// New creates a new Manager
func New(provider Provider, uploader Uploader, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	m := &Manager{
		provider: provider,
		uploader: uploader,
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		clock:    opts.Clock,
		logger:   logging.OrDiscard(opts.Logger).With("component", "worker"),
		onUpdate: opts.OnUpdate,
	}
	if opts.LockPath != "" {
		m.lock = flock.New(opts.LockPath)
	}
	return m
}

// Process runs one upload session on the calling goroutine
func (m *Manager) Process(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer m.running.Store(false)
	return m.session(ctx)
}

// Trigger starts an upload session in the background. It returns false
// when a session is already running.
func (m *Manager) Trigger(ctx context.Context) bool {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Debug("upload already in progress, trigger ignored")
		return false
	}
	m.wg.Go(func() {
		defer m.running.Store(false)
		if err := m.session(ctx); err != nil && !errors.Is(err, ErrLocked) {
			m.logger.Error("upload session failed", "error", err)
		}
	})
	return true
}

// Running reports whether a session is in progress
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Wait blocks until every background session has returned
func (m *Manager) Wait() {
	if r := m.wg.WaitAndRecover(); r != nil {
		m.logger.Error("upload session panicked", "panic", r.Value, "stack", string(r.Stack))
	}
}

// session holds the upload lock and loops Poll -> act until the
// provider is done, the result ends the loop or ctx is cancelled.
func (m *Manager) session(ctx context.Context) error {
	if m.lock != nil {
		locked, err := m.lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire upload lock: %w", err)
		}
		if !locked {
			m.logger.Info("another process is uploading, skipping session")
			return ErrLocked
		}
		defer func() {
			if err := m.lock.Unlock(); err != nil {
				m.logger.Warn("failed to release upload lock", "error", err)
			}
		}()
	}

	id := m.sessions.Add(1)
	log := m.logger.With("session", id)
	log.Debug("upload session started")
	m.notify()
	defer m.notify()

	m.provider.BeginSession()
	uploads := 0

	for {
		if ctx.Err() != nil {
			log.Info("upload session stopped", "uploads", uploads)
			return nil
		}

		switch task := m.provider.Poll(ctx).(type) {
		case models.Upload:
			uploads++
			result := m.upload(ctx, task.Request)
			action := m.provider.ProcessResponse(context.WithoutCancel(ctx), task.Request.DocumentID, result)
			log.Debug("upload attempt finished",
				"document_id", task.Request.DocumentID, "ping", task.Request.PingName, "result", result.String(), "action", action.String())
			if action == models.ActionEnd {
				log.Info("upload session ended early", "uploads", uploads)
				return nil
			}

		case models.Wait:
			log.Debug("waiting for rate limit", "wait", task.Duration)
			select {
			case <-m.clock.After(task.Duration):
			case <-ctx.Done():
				log.Info("upload session stopped while waiting", "uploads", uploads)
				return nil
			}

		case models.Done:
			log.Debug("upload session finished", "uploads", uploads)
			return nil

		default:
			return fmt.Errorf("unexpected upload task %T", task)
		}
	}
}

// upload calls the uploader outside ctx cancellation so a stop request
// never aborts a request midway. A panicking uploader counts as a
// recoverable failure.
func (m *Manager) upload(ctx context.Context, ping models.PingRequest) models.UploadResult {
	req := models.UploadRequest{
		URL:          m.endpoint + ping.Path,
		Body:         ping.Body,
		Headers:      ping.Headers,
		Capabilities: ping.UploaderCapabilities,
	}

	var result models.UploadResult
	recovered := panics.Try(func() {
		result = m.uploader.Upload(context.WithoutCancel(ctx), req)
	})
	if recovered != nil {
		m.logger.Error("uploader panicked", "document_id", ping.DocumentID, "panic", recovered.Value)
		return models.RecoverableFailure{Err: fmt.Errorf("uploader panicked: %v", recovered.Value)}
	}
	if result == nil {
		return models.RecoverableFailure{Err: errors.New("uploader returned no result")}
	}
	return result
}

func (m *Manager) notify() {
	if m.onUpdate != nil {
		m.onUpdate()
	}
}
