// Package metrics instruments the coordinator with Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder receives coordinator events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordUpload(result string)
	RecordWait()
	RecordPingDeleted(reason string)
	RecordOverflow(count int)
	RecordTaskFailure()
	RecordPendingPings(n int64)
	RecordSchedule(reason string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) RecordUpload(string)      {}
func (Nop) RecordWait()              {}
func (Nop) RecordPingDeleted(string) {}
func (Nop) RecordOverflow(int)       {}
func (Nop) RecordTaskFailure()       {}
func (Nop) RecordPendingPings(int64) {}
func (Nop) RecordSchedule(string)    {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Exporter adapts Recorder to Prometheus collectors.
type Exporter struct {
	uploads      *prom.CounterVec
	waits        prom.Counter
	deleted      *prom.CounterVec
	overflow     prom.Counter
	taskFailures prom.Counter
	pendingPings prom.Gauge
	schedules    *prom.CounterVec
}

var _ Recorder = (*Exporter)(nil)

// NewExporter creates and registers the coordinator collectors. Calling
// it twice against the same registry reuses the collectors already there.
func NewExporter(namespace string, reg prom.Registerer) (*Exporter, error) {
	if namespace == "" {
		namespace = "pingupload"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	uploads := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Upload attempts by result.",
	}, []string{"result"})
	waits := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "upload_waits_total",
		Help:      "Polls answered with a rate limit wait.",
	})
	deleted := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "pings_deleted_total",
		Help:      "Pings removed from the pending queue by reason.",
	}, []string{"reason"})
	overflow := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "dispatcher_overflow_total",
		Help:      "Recording tasks dropped because the pre-init queue was full.",
	})
	failures := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "dispatcher_task_failures_total",
		Help:      "Recording tasks that returned an error or panicked.",
	})
	pending := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_pings",
		Help:      "Pings waiting in the pending queue.",
	})
	schedules := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "metrics_ping_schedules_total",
		Help:      "Metrics ping collections and reschedules by reason.",
	}, []string{"reason"})

	var err error
	if uploads, err = registerCollector(reg, uploads); err != nil {
		return nil, err
	}
	if waits, err = registerCollector(reg, waits); err != nil {
		return nil, err
	}
	if deleted, err = registerCollector(reg, deleted); err != nil {
		return nil, err
	}
	if overflow, err = registerCollector(reg, overflow); err != nil {
		return nil, err
	}
	if failures, err = registerCollector(reg, failures); err != nil {
		return nil, err
	}
	if pending, err = registerCollector(reg, pending); err != nil {
		return nil, err
	}
	if schedules, err = registerCollector(reg, schedules); err != nil {
		return nil, err
	}

	return &Exporter{
		uploads:      uploads,
		waits:        waits,
		deleted:      deleted,
		overflow:     overflow,
		taskFailures: failures,
		pendingPings: pending,
		schedules:    schedules,
	}, nil
}

// RecordUpload counts one upload attempt.
func (e *Exporter) RecordUpload(result string) {
	e.uploads.WithLabelValues(normalizeLabel(result, "unknown")).Inc()
}

// RecordWait counts one rate limited poll.
func (e *Exporter) RecordWait() {
	e.waits.Inc()
}

// RecordPingDeleted counts one ping leaving the queue.
func (e *Exporter) RecordPingDeleted(reason string) {
	e.deleted.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

// RecordOverflow adds the number of tasks dropped before init.
func (e *Exporter) RecordOverflow(count int) {
	if count > 0 {
		e.overflow.Add(float64(count))
	}
}

// RecordTaskFailure counts one failed recording task.
func (e *Exporter) RecordTaskFailure() {
	e.taskFailures.Inc()
}

// RecordPendingPings sets the queue depth gauge.
func (e *Exporter) RecordPendingPings(n int64) {
	e.pendingPings.Set(float64(n))
}

// RecordSchedule counts one scheduler decision.
func (e *Exporter) RecordSchedule(reason string) {
	e.schedules.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegistered prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		existing, ok := alreadyRegistered.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
