package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ping-upload-coordinator/internal/clock"
	"ping-upload-coordinator/internal/models"
	"ping-upload-coordinator/internal/ratelimit"
)

// memoryQueue is an in-memory Queue
type memoryQueue struct {
	mu       sync.Mutex
	pings    []*models.PingRequest
	inFlight map[string]bool
	deleted  map[string]string
	failHas  error
}

func newMemoryQueue(pings ...models.PingRequest) *memoryQueue {
	q := &memoryQueue{inFlight: map[string]bool{}, deleted: map[string]string{}}
	for i := range pings {
		p := pings[i]
		q.pings = append(q.pings, &p)
	}
	return q
}

func (q *memoryQueue) HasQueuedPings(context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failHas != nil {
		return false, q.failHas
	}
	for _, p := range q.pings {
		if !q.inFlight[p.DocumentID] {
			return true, nil
		}
	}
	return false, nil
}

func (q *memoryQueue) NextPingRequest(context.Context) (*models.PingRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pings {
		if !q.inFlight[p.DocumentID] {
			q.inFlight[p.DocumentID] = true
			return p, nil
		}
	}
	return nil, nil
}

func (q *memoryQueue) DeletePing(_ context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pings {
		if p.DocumentID == id {
			q.pings = append(q.pings[:i], q.pings[i+1:]...)
			break
		}
	}
	delete(q.inFlight, id)
	q.deleted[id] = reason
	return nil
}

func (q *memoryQueue) ReleasePing(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
	return nil
}

func (q *memoryQueue) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pings)
}

func testPing(id string, size int) models.PingRequest {
	return models.PingRequest{
		DocumentID: id,
		PingName:   "metrics",
		Path:       "/submit/app/metrics/1/" + id,
		Body:       make([]byte, size),
	}
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPoll_EmptyQueueIsDone(t *testing.T) {
	p := NewProvider(newMemoryQueue(), nil, Policy{}, nil, nil)
	assert.Equal(t, models.Done{}, p.Poll(context.Background()))
}

func TestPoll_QueueErrorIsDone(t *testing.T) {
	q := newMemoryQueue(testPing("a", 1))
	q.failHas = errors.New("disk gone")
	p := NewProvider(q, nil, Policy{}, nil, nil)
	assert.Equal(t, models.Done{}, p.Poll(context.Background()))
}

func TestPoll_ReturnsOldestPing(t *testing.T) {
	p := NewProvider(newMemoryQueue(testPing("a", 1), testPing("b", 1)), nil, Policy{}, nil, nil)

	task := p.Poll(context.Background())
	upload, ok := task.(models.Upload)
	require.True(t, ok, "got %T", task)
	assert.Equal(t, "a", upload.Request.DocumentID)

	upload, ok = p.Poll(context.Background()).(models.Upload)
	require.True(t, ok)
	assert.Equal(t, "b", upload.Request.DocumentID)

	assert.Equal(t, models.Done{}, p.Poll(context.Background()), "both pings are in flight")
}

// Given: a limiter admitting 2 per minute and 5 pings
// When: polling
// Then: 2 uploads, then Wait for the rest of the window
func TestPoll_RateLimited(t *testing.T) {
	clk := clock.Fake(epoch)
	limiter := ratelimit.New(time.Minute, 2, clk)
	var pings []models.PingRequest
	for i := 0; i < 5; i++ {
		pings = append(pings, testPing(fmt.Sprint(i), 1))
	}
	p := NewProvider(newMemoryQueue(pings...), limiter, Policy{}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, ok := p.Poll(ctx).(models.Upload)
		require.True(t, ok)
	}

	clk.Advance(1500 * time.Millisecond)
	wait, ok := p.Poll(ctx).(models.Wait)
	require.True(t, ok)
	assert.Equal(t, 58500*time.Millisecond, wait.Duration)

	clk.Advance(wait.Duration)
	_, ok = p.Poll(ctx).(models.Upload)
	assert.True(t, ok)
}

func TestPoll_WaitAttemptsCapped(t *testing.T) {
	clk := clock.Fake(epoch)
	limiter := ratelimit.New(time.Minute, 1, clk)
	q := newMemoryQueue(testPing("a", 1), testPing("b", 1))
	p := NewProvider(q, limiter, Policy{MaxWaitAttempts: 3}, nil, nil)
	ctx := context.Background()

	_, ok := p.Poll(ctx).(models.Upload)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		_, ok := p.Poll(ctx).(models.Wait)
		require.True(t, ok, "wait %d", i)
	}
	assert.Equal(t, models.Done{}, p.Poll(ctx))

	p.BeginSession()
	_, ok = p.Poll(ctx).(models.Wait)
	assert.True(t, ok, "a new session starts counting again")
}

func TestPoll_UploadAttemptsCapped(t *testing.T) {
	q := newMemoryQueue(testPing("a", 1), testPing("b", 1), testPing("c", 1))
	p := NewProvider(q, ratelimit.New(time.Minute, 100, clock.Fake(epoch)), Policy{MaxUploadAttempts: 2}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		upload, ok := p.Poll(ctx).(models.Upload)
		require.True(t, ok)
		p.ProcessResponse(ctx, upload.Request.DocumentID, models.HTTPStatus{Code: 200})
	}
	assert.Equal(t, models.Done{}, p.Poll(ctx))
	assert.Equal(t, 1, q.queued())
}

func TestPoll_OversizeBodyDeleted(t *testing.T) {
	q := newMemoryQueue(testPing("big", 2048), testPing("small", 10))
	p := NewProvider(q, nil, Policy{MaxPingBodySize: 1024}, nil, nil)

	upload, ok := p.Poll(context.Background()).(models.Upload)
	require.True(t, ok)
	assert.Equal(t, "small", upload.Request.DocumentID)
	assert.Equal(t, models.DeleteTooLarge, q.deleted["big"])
}

func TestProcessResponse(t *testing.T) {
	tests := []struct {
		name    string
		result  models.UploadResult
		action  models.UploadTaskAction
		deleted string
	}{
		{"200", models.HTTPStatus{Code: 200}, models.ActionNext, models.DeleteUploaded},
		{"299", models.HTTPStatus{Code: 299}, models.ActionNext, models.DeleteUploaded},
		{"400", models.HTTPStatus{Code: 400}, models.ActionNext, models.DeleteClientError},
		{"404", models.HTTPStatus{Code: 404}, models.ActionNext, models.DeleteClientError},
		{"499", models.HTTPStatus{Code: 499}, models.ActionNext, models.DeleteClientError},
		{"301", models.HTTPStatus{Code: 301}, models.ActionEnd, ""},
		{"500", models.HTTPStatus{Code: 500}, models.ActionEnd, ""},
		{"503", models.HTTPStatus{Code: 503}, models.ActionEnd, ""},
		{"recoverable", models.RecoverableFailure{Err: errors.New("timeout")}, models.ActionEnd, ""},
		{"unrecoverable", models.UnrecoverableFailure{Err: errors.New("bad url")}, models.ActionNext, models.DeleteUnrecoverable},
		{"incapable", models.Incapable{}, models.ActionEnd, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newMemoryQueue(testPing("a", 1))
			p := NewProvider(q, nil, Policy{}, nil, nil)
			ctx := context.Background()

			upload, ok := p.Poll(ctx).(models.Upload)
			require.True(t, ok)

			assert.Equal(t, tt.action, p.ProcessResponse(ctx, upload.Request.DocumentID, tt.result))
			if tt.deleted != "" {
				assert.Equal(t, tt.deleted, q.deleted["a"])
				assert.Equal(t, 0, q.queued())
				return
			}
			assert.Empty(t, q.deleted)
			has, err := q.HasQueuedPings(ctx)
			require.NoError(t, err)
			assert.True(t, has, "ping must be back in the queue")
		})
	}
}
