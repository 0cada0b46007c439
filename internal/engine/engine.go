// Package engine is the minimal metric engine behind the coordinator. It
// stores counters, assembles them into pings, queues the pings in the
// pending database and owns the upload-enabled flag.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"ping-upload-coordinator/internal/clock"
	"ping-upload-coordinator/internal/database"
	"ping-upload-coordinator/internal/kvstore"
	"ping-upload-coordinator/internal/logging"
	"ping-upload-coordinator/internal/models"
)

// SDKVersion is reported in the User-Agent and X-Client-Version headers
const SDKVersion = "0.1.0"

const (
	keyUploadEnabled = "upload_enabled"
	keySeqPrefix     = "ping_seq."
	keyStartPrefix   = "ping_start."

	schemaVersion  = 1
	pingTimeFormat = "2006-01-02T15:04-07:00"
)

// Options configures an Engine
type Options struct {
	AppID        string
	AppVersion   string
	AppBuild     string
	Channel      string
	BindingName  string
	DebugViewTag string

	// UploadEnabled is the state requested by the embedding application
	UploadEnabled bool

	// MaxPendingBytes is the pending queue quota enforced by Init
	MaxPendingBytes int64

	// PingCapabilities lists the uploader capabilities each ping requires
	PingCapabilities map[string][]string

	Clock  clock.Clock
	Logger *slog.Logger

	// OnQueueChange is called after pings are added to or removed from
	// the pending queue.
	OnQueueChange func()
}

// Engine records counters and turns them into queued pings
type Engine struct {
	db     *database.DB
	store  kvstore.Store
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
	appID  string
	start  time.Time

	mu            sync.Mutex
	uploadEnabled bool
}

// New creates an Engine. The store holds sequence numbers and the
// upload-enabled flag; it may be db itself.
func New(db *database.DB, store kvstore.Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.BindingName == "" {
		opts.BindingName = "go"
	}
	if store == nil {
		store = db
	}
	return &Engine{
		db:            db,
		store:         store,
		opts:          opts,
		clock:         opts.Clock,
		logger:        logging.OrDiscard(opts.Logger).With("component", "engine"),
		appID:         sanitizeAppID(opts.AppID),
		start:         opts.Clock.Now(),
		uploadEnabled: opts.UploadEnabled,
	}
}

// Init restores persisted state: the upload-enabled flag, leases left
// in flight by a previous process, and the pending queue quota. When the
// application starts with upload disabled after it was enabled, a
// deletion-request ping is queued.
func (e *Engine) Init(ctx context.Context) error {
	persisted, ok := e.loadUploadEnabled(ctx)

	e.mu.Lock()
	e.uploadEnabled = e.opts.UploadEnabled
	if ok {
		e.uploadEnabled = persisted
	}
	e.mu.Unlock()

	if n, err := e.db.ResetInFlight(ctx); err != nil {
		return fmt.Errorf("reset in-flight pings: %w", err)
	} else if n > 0 {
		e.logger.Info("released pings left in flight", "count", n)
	}

	if n, err := e.db.EnforceQuota(ctx, e.opts.MaxPendingBytes); err != nil {
		return fmt.Errorf("enforce pending quota: %w", err)
	} else if n > 0 {
		e.logger.Warn("pending pings over quota, oldest dropped", "count", n)
		e.queueChanged()
	}

	if _, err := e.SetUploadEnabled(ctx, e.opts.UploadEnabled); err != nil {
		return err
	}
	return nil
}

// UploadEnabled reports the current upload-enabled flag
func (e *Engine) UploadEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uploadEnabled
}

// AddToCounter adds amount to a counter sent with the named ping. It is
// a no-op while upload is disabled.
func (e *Engine) AddToCounter(ctx context.Context, ping, name string, amount int64) error {
	if amount <= 0 {
		e.logger.Debug("ignoring non-positive counter amount", "ping", ping, "metric", name, "amount", amount)
		return nil
	}
	if !e.UploadEnabled() {
		return nil
	}
	return e.db.AddToCounter(ctx, ping, name, amount)
}

// SubmitPing collects the named ping and queues it for upload. It
// reports false when nothing was queued: upload is disabled or the
// ping has no data.
func (e *Engine) SubmitPing(ctx context.Context, name, reason string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.uploadEnabled {
		e.logger.Info("upload disabled, ping not submitted", "ping", name)
		return false, nil
	}
	return e.submitLocked(ctx, name, reason)
}

// SubmitPeriodicPing submits the metrics ping
func (e *Engine) SubmitPeriodicPing(ctx context.Context, reason string) (bool, error) {
	return e.SubmitPing(ctx, models.MetricsPing, reason)
}

// SetUploadEnabled changes the upload-enabled flag. Turning upload off
// queues exactly one deletion-request ping, then drops every other
// pending ping and every stored counter. It reports whether the flag
// changed.
func (e *Engine) SetUploadEnabled(ctx context.Context, enabled bool) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enabled == e.uploadEnabled {
		return false, e.persistUploadEnabled(ctx, enabled)
	}

	if !enabled {
		if _, err := e.submitLocked(ctx, models.DeletionRequestPing, "set_upload_enabled"); err != nil {
			return false, fmt.Errorf("queue deletion-request ping: %w", err)
		}
		dropped, err := e.db.ClearPendingPings(ctx, models.DeletionRequestPing)
		if err != nil {
			return false, fmt.Errorf("clear pending pings: %w", err)
		}
		if err := e.db.ClearCounters(ctx); err != nil {
			return false, fmt.Errorf("clear counters: %w", err)
		}
		e.logger.Info("upload disabled", "dropped_pings", dropped)
		e.queueChanged()
	} else {
		e.logger.Info("upload enabled")
	}

	e.uploadEnabled = enabled
	return true, e.persistUploadEnabled(ctx, enabled)
}

// HasQueuedPings reports whether a ping is waiting for upload
func (e *Engine) HasQueuedPings(ctx context.Context) (bool, error) {
	return e.db.HasQueuedPings(ctx)
}

// NextPingRequest leases the oldest queued ping. It returns nil when the
// queue is empty.
func (e *Engine) NextPingRequest(ctx context.Context) (*models.PingRequest, error) {
	return e.db.LeasePing(ctx)
}

// DeletePing removes a ping from the queue
func (e *Engine) DeletePing(ctx context.Context, documentID, reason string) error {
	outcome := database.OutcomeDropped
	if reason == models.DeleteUploaded {
		outcome = database.OutcomeUploaded
	}
	if err := e.db.DeletePing(ctx, documentID, outcome); err != nil {
		return err
	}
	e.queueChanged()
	return nil
}

// ReleasePing returns a leased ping to the queue
func (e *Engine) ReleasePing(ctx context.Context, documentID string) error {
	return e.db.ReleasePing(ctx, documentID)
}

// PendingPings lists queued pings, oldest first
func (e *Engine) PendingPings(ctx context.Context, limit int) ([]models.PendingPing, error) {
	return e.db.ListPending(ctx, limit)
}

// Stats returns pending queue totals
func (e *Engine) Stats(ctx context.Context) (*models.QueueStats, error) {
	return e.db.GetQueueStats(ctx)
}

type pingInfo struct {
	Seq       int64  `json:"seq"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Reason    string `json:"reason,omitempty"`
}

type clientInfo struct {
	SDKBuild          string `json:"telemetry_sdk_build"`
	AppBuild          string `json:"app_build,omitempty"`
	AppDisplayVersion string `json:"app_display_version"`
	AppChannel        string `json:"app_channel,omitempty"`
	OS                string `json:"os"`
	Architecture      string `json:"architecture"`
}

type pingPayload struct {
	PingInfo   pingInfo                    `json:"ping_info"`
	ClientInfo clientInfo                  `json:"client_info"`
	Metrics    map[string]map[string]int64 `json:"metrics,omitempty"`
}

func (e *Engine) submitLocked(ctx context.Context, name, reason string) (bool, error) {
	counters, err := e.db.Counters(ctx, name)
	if err != nil {
		return false, fmt.Errorf("collect %s ping: %w", name, err)
	}
	if len(counters) == 0 && name != models.DeletionRequestPing {
		e.logger.Info("ping has no data, not submitted", "ping", name, "reason", reason)
		return false, nil
	}

	now := e.clock.Now()
	seq := e.nextSeq(ctx, name)

	payload := pingPayload{
		PingInfo: pingInfo{
			Seq:       seq,
			StartTime: e.startTime(ctx, name).Format(pingTimeFormat),
			EndTime:   now.Format(pingTimeFormat),
			Reason:    reason,
		},
		ClientInfo: clientInfo{
			SDKBuild:          SDKVersion,
			AppBuild:          e.opts.AppBuild,
			AppDisplayVersion: e.opts.AppVersion,
			AppChannel:        e.opts.Channel,
			OS:                runtime.GOOS,
			Architecture:      runtime.GOARCH,
		},
	}
	if len(counters) > 0 {
		payload.Metrics = map[string]map[string]int64{"counter": counters}
	}

	body, err := encodeBody(payload)
	if err != nil {
		return false, fmt.Errorf("encode %s ping: %w", name, err)
	}

	documentID := uuid.NewString()
	req := models.PingRequest{
		DocumentID:           documentID,
		Path:                 fmt.Sprintf("/submit/%s/%s/%d/%s", e.appID, name, schemaVersion, documentID),
		Body:                 body,
		Headers:              e.headers(now, len(body)),
		PingName:             name,
		UploaderCapabilities: e.opts.PingCapabilities[name],
	}
	if err := e.db.QueuePing(ctx, req, now, counters); err != nil {
		return false, fmt.Errorf("queue %s ping: %w", name, err)
	}

	if err := e.store.SetString(ctx, keySeqPrefix+name, strconv.FormatInt(seq+1, 10)); err != nil {
		e.logger.Warn("failed to persist ping sequence", "ping", name, "seq", seq+1, "error", err)
	}
	if err := e.store.SetString(ctx, keyStartPrefix+name, now.Format(time.RFC3339Nano)); err != nil {
		e.logger.Warn("failed to persist ping start time", "ping", name, "error", err)
	}

	e.logger.Info("ping submitted", "ping", name, "reason", reason, "document_id", documentID, "seq", seq, "size", len(body))
	e.queueChanged()
	return true, nil
}

func (e *Engine) headers(now time.Time, bodyLen int) map[string]string {
	headers := map[string]string{
		"Content-Type":     "application/json; charset=utf-8",
		"Content-Encoding": "gzip",
		"Content-Length":   strconv.Itoa(bodyLen),
		"Date":             now.UTC().Format(http.TimeFormat),
		"User-Agent":       fmt.Sprintf("PingUploadCoordinator/%s (%s on %s)", SDKVersion, e.opts.BindingName, runtime.GOOS),
		"X-Client-Type":    e.opts.BindingName,
		"X-Client-Version": SDKVersion,
	}
	if e.opts.DebugViewTag != "" {
		headers["X-Debug-ID"] = e.opts.DebugViewTag
	}
	return headers
}

// nextSeq reads the sequence number for a ping. A missing or corrupted
// value restarts the sequence at zero.
func (e *Engine) nextSeq(ctx context.Context, name string) int64 {
	raw, ok, err := e.store.GetString(ctx, keySeqPrefix+name)
	if err != nil || !ok {
		return 0
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		e.logger.Warn("corrupted ping sequence, restarting at 0", "ping", name, "value", raw)
		return 0
	}
	return seq
}

func (e *Engine) startTime(ctx context.Context, name string) time.Time {
	raw, ok, err := e.store.GetString(ctx, keyStartPrefix+name)
	if err != nil || !ok {
		return e.start
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return e.start
	}
	return t
}

func (e *Engine) loadUploadEnabled(ctx context.Context) (bool, bool) {
	raw, ok, err := e.store.GetString(ctx, keyUploadEnabled)
	if err != nil {
		e.logger.Warn("failed to read upload-enabled flag", "error", err)
		return false, false
	}
	if !ok {
		return false, false
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return enabled, true
}

func (e *Engine) persistUploadEnabled(ctx context.Context, enabled bool) error {
	if err := e.store.SetString(ctx, keyUploadEnabled, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("persist upload-enabled flag: %w", err)
	}
	return nil
}

func (e *Engine) queueChanged() {
	if e.opts.OnQueueChange != nil {
		e.opts.OnQueueChange()
	}
}

// Helper functions

func encodeBody(payload pingPayload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var appIDInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// sanitizeAppID lowercases the application id and collapses every run of
// characters outside [a-z0-9] into a single dash.
func sanitizeAppID(id string) string {
	return strings.Trim(appIDInvalid.ReplaceAllString(strings.ToLower(id), "-"), "-")
}
