// Package upload decides, one poll at a time, what the upload loop
// should do next and how each upload outcome affects the pending queue.
package upload

import (
	"context"
	"log/slog"
	"sync"

	"ping-upload-coordinator/internal/logging"
	"ping-upload-coordinator/internal/metrics"
	"ping-upload-coordinator/internal/models"
	"ping-upload-coordinator/internal/ratelimit"
)

// Queue is the pending ping queue as seen by the provider
type Queue interface {
	HasQueuedPings(ctx context.Context) (bool, error)
	// NextPingRequest leases the oldest queued ping, or returns nil when
	// nothing is queued.
	NextPingRequest(ctx context.Context) (*models.PingRequest, error)
	DeletePing(ctx context.Context, documentID, reason string) error
	// ReleasePing returns a leased ping to the queue.
	ReleasePing(ctx context.Context, documentID string) error
}

// Policy bounds a single upload session
type Policy struct {
	// MaxWaitAttempts is the number of consecutive Wait tasks after which
	// the session ends.
	MaxWaitAttempts int
	// MaxUploadAttempts is the number of Upload tasks handed out per session.
	MaxUploadAttempts int
	// MaxPingBodySize is the largest body that is ever uploaded.
	MaxPingBodySize int64
}

// DefaultPolicy returns the standard session limits
func DefaultPolicy() Policy {
	return Policy{
		MaxWaitAttempts:   3,
		MaxUploadAttempts: 100,
		MaxPingBodySize:   1024 * 1024,
	}
}

// Provider hands out upload tasks and applies upload results
type Provider struct {
	queue   Queue
	limiter *ratelimit.RateLimiter
	policy  Policy
	logger  *slog.Logger
	metrics metrics.Recorder

	mu      sync.Mutex
	waits   int
	uploads int
}

// NewProvider creates a Provider. Zero policy fields take their defaults.
func NewProvider(queue Queue, limiter *ratelimit.RateLimiter, policy Policy, logger *slog.Logger, recorder metrics.Recorder) *Provider {
	defaults := DefaultPolicy()
	if policy.MaxWaitAttempts <= 0 {
		policy.MaxWaitAttempts = defaults.MaxWaitAttempts
	}
	if policy.MaxUploadAttempts <= 0 {
		policy.MaxUploadAttempts = defaults.MaxUploadAttempts
	}
	if policy.MaxPingBodySize <= 0 {
		policy.MaxPingBodySize = defaults.MaxPingBodySize
	}
	if limiter == nil {
		limiter = ratelimit.New(0, 0, nil)
	}
	return &Provider{
		queue:   queue,
		limiter: limiter,
		policy:  policy,
		logger:  logging.OrDiscard(logger).With("component", "upload"),
		metrics: metrics.OrNop(recorder),
	}
}

// BeginSession resets the per-session caps
func (p *Provider) BeginSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = 0
	p.uploads = 0
}

// Poll returns the next task for the upload loop
func (p *Provider) Poll(ctx context.Context) models.UploadTask {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.uploads >= p.policy.MaxUploadAttempts {
			p.logger.Info("upload attempts exhausted for this session", "uploads", p.uploads)
			return models.Done{}
		}

		has, err := p.queue.HasQueuedPings(ctx)
		if err != nil {
			p.logger.Error("failed to check pending pings", "error", err)
			return models.Done{}
		}
		if !has {
			return models.Done{}
		}

		ok, remaining := p.limiter.TryAcquire()
		if !ok {
			p.waits++
			if p.waits > p.policy.MaxWaitAttempts {
				p.logger.Info("rate limited too many times, ending session", "waits", p.waits)
				return models.Done{}
			}
			p.metrics.RecordWait()
			p.logger.Debug("rate limited", "wait", remaining)
			return models.Wait{Duration: remaining}
		}

		req, err := p.queue.NextPingRequest(ctx)
		if err != nil {
			p.logger.Error("failed to lease ping", "error", err)
			return models.Done{}
		}
		if req == nil {
			return models.Done{}
		}

		if int64(len(req.Body)) > p.policy.MaxPingBodySize {
			p.logger.Warn("ping body too large, deleting",
				"document_id", req.DocumentID, "ping", req.PingName, "size", len(req.Body))
			if err := p.queue.DeletePing(ctx, req.DocumentID, models.DeleteTooLarge); err != nil {
				p.logger.Error("failed to delete ping", "document_id", req.DocumentID, "error", err)
				return models.Done{}
			}
			p.metrics.RecordPingDeleted(models.DeleteTooLarge)
			continue
		}

		p.waits = 0
		p.uploads++
		return models.Upload{Request: *req}
	}
}

// ProcessResponse applies the result of uploading documentID and tells
// the loop whether to keep going.
func (p *Provider) ProcessResponse(ctx context.Context, documentID string, result models.UploadResult) models.UploadTaskAction {
	log := p.logger.With("document_id", documentID)
	p.metrics.RecordUpload(resultLabel(result))

	switch r := result.(type) {
	case models.HTTPStatus:
		switch {
		case r.Code >= 200 && r.Code <= 299:
			log.Info("ping uploaded", "status", r.Code)
			p.delete(ctx, documentID, models.DeleteUploaded)
			return models.ActionNext
		case r.Code >= 400 && r.Code <= 499:
			log.Warn("server rejected ping, deleting", "status", r.Code)
			p.delete(ctx, documentID, models.DeleteClientError)
			return models.ActionNext
		default:
			log.Warn("server error, will retry later", "status", r.Code)
			p.release(ctx, documentID)
			return models.ActionEnd
		}

	case models.UnrecoverableFailure:
		log.Warn("unrecoverable upload failure, deleting", "error", r.Err)
		p.delete(ctx, documentID, models.DeleteUnrecoverable)
		return models.ActionNext

	case models.Incapable:
		log.Info("uploader lacks a required capability, keeping ping")
		p.release(ctx, documentID)
		return models.ActionEnd

	case models.RecoverableFailure:
		log.Warn("recoverable upload failure, will retry later", "error", r.Err)
		p.release(ctx, documentID)
		return models.ActionEnd

	default:
		log.Error("unknown upload result, keeping ping", "result", result)
		p.release(ctx, documentID)
		return models.ActionEnd
	}
}

func (p *Provider) delete(ctx context.Context, documentID, reason string) {
	if err := p.queue.DeletePing(ctx, documentID, reason); err != nil {
		p.logger.Error("failed to delete ping", "document_id", documentID, "reason", reason, "error", err)
		return
	}
	p.metrics.RecordPingDeleted(reason)
}

func (p *Provider) release(ctx context.Context, documentID string) {
	if err := p.queue.ReleasePing(ctx, documentID); err != nil {
		p.logger.Error("failed to release ping", "document_id", documentID, "error", err)
	}
}

func resultLabel(result models.UploadResult) string {
	switch r := result.(type) {
	case models.HTTPStatus:
		switch {
		case r.Code >= 200 && r.Code <= 299:
			return "http_2xx"
		case r.Code >= 400 && r.Code <= 499:
			return "http_4xx"
		case r.Code >= 500 && r.Code <= 599:
			return "http_5xx"
		default:
			return "http_other"
		}
	case models.RecoverableFailure:
		return "recoverable"
	case models.UnrecoverableFailure:
		return "unrecoverable"
	case models.Incapable:
		return "incapable"
	default:
		return "unknown"
	}
}
