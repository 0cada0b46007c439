package models

import "time"

// DeletionRequestPing is the name of the ping sent once when upload is disabled
const DeletionRequestPing = "deletion-request"

// MetricsPing is the name of the periodic aggregate ping
const MetricsPing = "metrics"

// PingRequest represents a ping queued for upload
type PingRequest struct {
	DocumentID           string            `json:"document_id"`
	Path                 string            `json:"path"`
	Body                 []byte            `json:"-"`
	Headers              map[string]string `json:"headers"`
	PingName             string            `json:"ping_name"`
	UploaderCapabilities []string          `json:"uploader_capabilities,omitempty"`
}

// IsDeletionRequest reports whether the request carries the deletion-request ping
func (r PingRequest) IsDeletionRequest() bool {
	return r.PingName == DeletionRequestPing
}

// UploadRequest is what an uploader receives for a single attempt
type UploadRequest struct {
	URL          string
	Body         []byte
	Headers      map[string]string
	Capabilities []string
}

// PendingPing is a row of the pending pings queue, without its body
type PendingPing struct {
	DocumentID string    `json:"document_id"`
	PingName   string    `json:"ping_name"`
	Path       string    `json:"path"`
	BodySize   int       `json:"body_size"`
	InFlight   bool      `json:"in_flight"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueueStats holds pending queue metrics
type QueueStats struct {
	PendingPings  int64 `json:"pending_pings"`
	InFlightPings int64 `json:"in_flight_pings"`
	PendingBytes  int64 `json:"pending_bytes"`
	Uploaded      int64 `json:"uploaded"`
	Dropped       int64 `json:"dropped"`
}

// Reason codes for the metrics ping
const (
	ReasonUpgrade    = "upgrade"
	ReasonOverdue    = "overdue"
	ReasonToday      = "today"
	ReasonTomorrow   = "tomorrow"
	ReasonReschedule = "reschedule"
)

// Reasons a ping is deleted from the pending queue
const (
	DeleteUploaded      = "uploaded"
	DeleteClientError   = "client_error"
	DeleteUnrecoverable = "unrecoverable"
	DeleteTooLarge      = "too_large"
)

// Status is a point-in-time view of the coordinator
type Status struct {
	Queue                 QueueStats `json:"queue"`
	UploadEnabled         bool       `json:"upload_enabled"`
	Uploading             bool       `json:"uploading"`
	Initialized           bool       `json:"initialized"`
	PendingTasks          int        `json:"pending_tasks"`
	NextMetricsPing       *time.Time `json:"next_metrics_ping,omitempty"`
	NextMetricsPingReason string     `json:"next_metrics_ping_reason,omitempty"`
}
