package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ping-upload-coordinator/internal/clock"
	"ping-upload-coordinator/internal/database"
	"ping-upload-coordinator/internal/kvstore"
	"ping-upload-coordinator/internal/models"
)

var testStart = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "pings.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(t *testing.T, db *database.DB, store kvstore.Store, enabled bool) *Engine {
	t.Helper()
	e := New(db, store, Options{
		AppID:         "org.Example.App",
		AppVersion:    "1.2.3",
		AppBuild:      "42",
		Channel:       "nightly",
		DebugViewTag:  "tester",
		UploadEnabled: enabled,
		Clock:         clock.Fake(testStart),
	})
	require.NoError(t, e.Init(context.Background()))
	return e
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	return payload
}

func TestSubmitPing_EmptyPingIsNotSent(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(t, db, nil, true)

	sent, err := e.SubmitPing(context.Background(), models.MetricsPing, models.ReasonToday)
	require.NoError(t, err)
	assert.False(t, sent)

	has, err := e.HasQueuedPings(context.Background())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSubmitPing_AssemblesRequest(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEngine(t, db, nil, true)

	require.NoError(t, e.AddToCounter(ctx, models.MetricsPing, "app.opened", 2))
	require.NoError(t, e.AddToCounter(ctx, models.MetricsPing, "app.opened", 1))

	sent, err := e.SubmitPeriodicPing(ctx, models.ReasonOverdue)
	require.NoError(t, err)
	require.True(t, sent)

	req, err := e.NextPingRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Equal(t, models.MetricsPing, req.PingName)
	assert.True(t, strings.HasPrefix(req.Path, "/submit/org-example-app/metrics/1/"))
	assert.True(t, strings.HasSuffix(req.Path, req.DocumentID))
	assert.Equal(t, "gzip", req.Headers["Content-Encoding"])
	assert.Equal(t, "application/json; charset=utf-8", req.Headers["Content-Type"])
	assert.Equal(t, "Sun, 10 Mar 2024 12:00:00 GMT", req.Headers["Date"])
	assert.Equal(t, "tester", req.Headers["X-Debug-ID"])
	assert.Equal(t, "go", req.Headers["X-Client-Type"])
	assert.Contains(t, req.Headers["User-Agent"], "(go on ")

	payload := decodeBody(t, req.Body)
	info := payload["ping_info"].(map[string]any)
	assert.EqualValues(t, 0, info["seq"])
	assert.Equal(t, "overdue", info["reason"])
	client := payload["client_info"].(map[string]any)
	assert.Equal(t, "1.2.3", client["app_display_version"])
	assert.Equal(t, "nightly", client["app_channel"])
	counters := payload["metrics"].(map[string]any)["counter"].(map[string]any)
	assert.EqualValues(t, 3, counters["app.opened"])
}

func TestSubmitPing_SequenceIncrements(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEngine(t, db, nil, true)

	for want := 0; want < 3; want++ {
		require.NoError(t, e.AddToCounter(ctx, "baseline", "hits", 1))
		sent, err := e.SubmitPing(ctx, "baseline", "")
		require.NoError(t, err)
		require.True(t, sent)

		req, err := e.NextPingRequest(ctx)
		require.NoError(t, err)
		info := decodeBody(t, req.Body)["ping_info"].(map[string]any)
		assert.EqualValues(t, want, info["seq"])
		require.NoError(t, e.DeletePing(ctx, req.DocumentID, models.DeleteUploaded))
	}
}

func TestSubmitPing_CorruptedSequenceRestarts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.SetString(ctx, "ping_seq.metrics", "not-a-number"))
	e := newTestEngine(t, db, store, true)

	require.NoError(t, e.AddToCounter(ctx, models.MetricsPing, "x", 1))
	_, err := e.SubmitPeriodicPing(ctx, models.ReasonToday)
	require.NoError(t, err)

	req, err := e.NextPingRequest(ctx)
	require.NoError(t, err)
	info := decodeBody(t, req.Body)["ping_info"].(map[string]any)
	assert.EqualValues(t, 0, info["seq"])
}

// Given: a counter recorded for the metrics ping
// When: queueing the ping fails and the submission is retried
// Then: the retry still carries the recorded value
func TestSubmitPing_FailedQueueKeepsCounters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEngine(t, db, nil, true)

	require.NoError(t, e.AddToCounter(ctx, models.MetricsPing, "app.opened", 7))

	_, err := db.ExecContext(ctx, "ALTER TABLE pending_pings RENAME TO pending_pings_offline")
	require.NoError(t, err)
	_, err = e.SubmitPeriodicPing(ctx, models.ReasonToday)
	require.Error(t, err)
	_, err = db.ExecContext(ctx, "ALTER TABLE pending_pings_offline RENAME TO pending_pings")
	require.NoError(t, err)

	sent, err := e.SubmitPeriodicPing(ctx, models.ReasonToday)
	require.NoError(t, err)
	require.True(t, sent)

	req, err := e.NextPingRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	counters := decodeBody(t, req.Body)["metrics"].(map[string]any)["counter"].(map[string]any)
	assert.EqualValues(t, 7, counters["app.opened"])

	left, err := db.Counters(ctx, models.MetricsPing)
	require.NoError(t, err)
	assert.Empty(t, left)
}

// Given: upload enabled with queued pings and counters
// When: upload is disabled twice
// Then: exactly one deletion-request ping remains queued
func TestSetUploadEnabled_IdempotentDisable(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEngine(t, db, nil, true)

	require.NoError(t, e.AddToCounter(ctx, "baseline", "hits", 1))
	_, err := e.SubmitPing(ctx, "baseline", "")
	require.NoError(t, err)
	require.NoError(t, e.AddToCounter(ctx, models.MetricsPing, "x", 1))

	changed, err := e.SetUploadEnabled(ctx, false)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = e.SetUploadEnabled(ctx, false)
	require.NoError(t, err)
	assert.False(t, changed)

	pending, err := e.PendingPings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.DeletionRequestPing, pending[0].PingName)

	// counters recorded before disabling are gone
	_, err = e.SetUploadEnabled(ctx, true)
	require.NoError(t, err)
	sent, err := e.SubmitPeriodicPing(ctx, models.ReasonToday)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestUploadDisabled_IgnoresRecordingAndSubmission(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEngine(t, db, nil, false)

	require.NoError(t, e.AddToCounter(ctx, models.MetricsPing, "x", 1))
	sent, err := e.SubmitPeriodicPing(ctx, models.ReasonToday)
	require.NoError(t, err)
	assert.False(t, sent)

	has, err := e.HasQueuedPings(ctx)
	require.NoError(t, err)
	assert.False(t, has, "first run with upload disabled sends nothing")
}

func TestInit_DisabledAfterEnabledQueuesDeletionRequest(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	newTestEngine(t, db, nil, true)

	restarted := newTestEngine(t, db, nil, false)
	assert.False(t, restarted.UploadEnabled())

	pending, err := restarted.PendingPings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.DeletionRequestPing, pending[0].PingName)
}

func TestInit_ReleasesLeases(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEngine(t, db, nil, true)

	require.NoError(t, e.AddToCounter(ctx, models.MetricsPing, "x", 1))
	_, err := e.SubmitPeriodicPing(ctx, models.ReasonToday)
	require.NoError(t, err)
	_, err = e.NextPingRequest(ctx)
	require.NoError(t, err)

	restarted := newTestEngine(t, db, nil, true)
	has, err := restarted.HasQueuedPings(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestDeletePing_NotifiesQueueChange(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	changes := 0
	e := New(db, nil, Options{
		AppID:         "app",
		UploadEnabled: true,
		Clock:         clock.Fake(testStart),
		OnQueueChange: func() { changes++ },
	})
	require.NoError(t, e.Init(ctx))

	require.NoError(t, e.AddToCounter(ctx, "baseline", "hits", 1))
	_, err := e.SubmitPing(ctx, "baseline", "")
	require.NoError(t, err)
	req, err := e.NextPingRequest(ctx)
	require.NoError(t, err)
	require.NoError(t, e.DeletePing(ctx, req.DocumentID, models.DeleteUploaded))

	assert.Equal(t, 2, changes)
	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Uploaded)
}

func TestSanitizeAppID(t *testing.T) {
	tests := map[string]string{
		"org.mozilla.Firefox": "org-mozilla-firefox",
		"My  App!!":           "my-app",
		"plain":               "plain",
		"-edge-":              "edge",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeAppID(in), in)
	}
}
