// Package scheduler decides when the metrics ping is collected.
//
// The ping is due once per calendar day at a fixed local hour. At
// startup the scheduler compares the persisted last-sent date and
// application version against now, collects immediately when the ping
// is overdue or the application was upgraded, and otherwise arms a timer
// for the next due time. Every collection re-arms the timer for the
// following calendar day.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ping-upload-coordinator/internal/clock"
	"ping-upload-coordinator/internal/kvstore"
	"ping-upload-coordinator/internal/logging"
	"ping-upload-coordinator/internal/metrics"
	"ping-upload-coordinator/internal/models"
)

// DefaultDueHour is the local hour the metrics ping is due
const DefaultDueHour = 4

const (
	keyLastSentDate = "metrics_ping.last_sent_date"
	keyLastVersion  = "metrics_ping.last_version"

	dateLayout = "2006-01-02"
)

// Submitter collects and queues the metrics ping. Synchronous
// submissions complete before the call returns.
type Submitter interface {
	SubmitPeriodicPing(ctx context.Context, reason string, synchronous bool) error
}

// Options configures a Scheduler
type Options struct {
	Store     kvstore.Store
	Submitter Submitter
	Clock     clock.Clock
	// DueHour is 0-23; out of range values use DefaultDueHour
	DueHour    int
	AppVersion string
	Logger     *slog.Logger
	Metrics    metrics.Recorder
}

// Scheduler arms and fires the daily metrics ping collection
type Scheduler struct {
	store      kvstore.Store
	submitter  Submitter
	clock      clock.Clock
	dueHour    int
	appVersion string
	logger     *slog.Logger
	metrics    metrics.Recorder

	// held while a timer collection runs
	firing sync.Mutex

	mu         sync.Mutex
	timer      *clock.Timer
	generation uint64
	armed      bool
	stopped    bool
	nextDue    time.Time
	nextReason string
}

// New creates a Scheduler
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DueHour < 0 || opts.DueHour > 23 {
		opts.DueHour = DefaultDueHour
	}
	return &Scheduler{
		store:      opts.Store,
		submitter:  opts.Submitter,
		clock:      opts.Clock,
		dueHour:    opts.DueHour,
		appVersion: opts.AppVersion,
		logger:     logging.OrDiscard(opts.Logger).With("component", "scheduler"),
		metrics:    metrics.OrNop(opts.Metrics),
	}
}

// Schedule runs the startup check. Collections it triggers are
// submitted synchronously.
func (s *Scheduler) Schedule(ctx context.Context) {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()

	now := s.clock.Now()

	if s.isDifferentVersion(ctx) {
		s.logger.Info("application version changed, collecting metrics ping")
		s.CollectPingAndReschedule(ctx, now, true, models.ReasonUpgrade)
		return
	}

	last, ok := s.LastCollectedDate(ctx)
	switch {
	case ok && sameDay(last, now):
		s.logger.Info("metrics ping already sent today, scheduling for tomorrow")
		s.schedulePingCollection(now, true, models.ReasonTomorrow)
	case s.IsAfterDueTime(now):
		s.logger.Info("metrics ping overdue, collecting now")
		s.CollectPingAndReschedule(ctx, now, true, models.ReasonOverdue)
	default:
		s.logger.Info("metrics ping scheduled for today")
		s.schedulePingCollection(now, false, models.ReasonToday)
	}
}

// CollectPingAndReschedule submits the metrics ping with reason,
// records now as the last collection date and arms the timer for the
// next calendar day. startup submissions are synchronous.
func (s *Scheduler) CollectPingAndReschedule(ctx context.Context, now time.Time, startup bool, reason string) {
	s.logger.Info("collecting metrics ping", "reason", reason, "startup", startup)

	if s.submitter != nil {
		if err := s.submitter.SubmitPeriodicPing(ctx, reason, startup); err != nil {
			s.logger.Error("failed to submit metrics ping", "reason", reason, "error", err)
		}
	}

	if err := s.store.SetString(ctx, keyLastSentDate, now.Format(dateLayout)); err != nil {
		s.logger.Error("failed to persist metrics ping date", "error", err)
	}

	s.schedulePingCollection(now, true, models.ReasonReschedule)
}

// DueTimeForToday returns today's due time in now's location
func (s *Scheduler) DueTimeForToday(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, s.dueHour, 0, 0, 0, now.Location())
}

// IsAfterDueTime reports whether now is strictly after today's due time
func (s *Scheduler) IsAfterDueTime(now time.Time) bool {
	return now.After(s.DueTimeForToday(now))
}

// TimeUntilDueTime returns the time from now until today's due time, or
// the next calendar day's when sendNextDay is set.
func (s *Scheduler) TimeUntilDueTime(sendNextDay bool, now time.Time) time.Duration {
	due := s.DueTimeForToday(now)
	if sendNextDay {
		due = due.AddDate(0, 0, 1)
	}
	return due.Sub(now)
}

// LastCollectedDate returns the date the metrics ping was last collected.
// Missing, unreadable and malformed values report false.
func (s *Scheduler) LastCollectedDate(ctx context.Context) (time.Time, bool) {
	raw, ok, err := s.store.GetString(ctx, keyLastSentDate)
	if err != nil {
		s.logger.Warn("failed to read last metrics ping date", "error", err)
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	date, err := time.ParseInLocation(dateLayout, raw, s.clock.Now().Location())
	if err != nil {
		s.logger.Warn("corrupted last metrics ping date", "value", raw)
		return time.Time{}, false
	}
	return date, true
}

// Cancel stops the armed timer. A collection already running finishes
// but does not arm another timer. Schedule re-enables the scheduler.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed = false
}

// Wait blocks until a timer collection in progress has returned. It
// must not be called from the Submitter.
func (s *Scheduler) Wait() {
	s.firing.Lock()
	defer s.firing.Unlock()
}

// NextDue returns when the armed timer fires
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDue, s.armed
}

// NextReason returns the reason the armed timer will collect with
func (s *Scheduler) NextReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextReason
}

func (s *Scheduler) schedulePingCollection(now time.Time, sendNextDay bool, reason string) {
	delay := s.TimeUntilDueTime(sendNextDay, now)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Debug("scheduler cancelled, not arming", "reason", reason)
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
	generation := s.generation
	s.armed = true
	s.nextDue = now.Add(delay)
	s.nextReason = reason
	s.mu.Unlock()

	s.metrics.RecordSchedule(reason)
	s.logger.Info("metrics ping collection armed", "reason", reason, "due", now.Add(delay), "wait", delay)

	// registered without the lock: a fake clock fires non-positive
	// delays before AfterFunc returns
	timer := s.clock.AfterFunc(delay, func() { s.fire(generation, reason) })

	s.mu.Lock()
	if s.generation == generation {
		s.timer = timer
	}
	s.mu.Unlock()
}

func (s *Scheduler) fire(generation uint64, reason string) {
	s.firing.Lock()
	defer s.firing.Unlock()

	s.mu.Lock()
	if s.stopped || generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.armed = false
	s.mu.Unlock()

	s.CollectPingAndReschedule(context.Background(), s.clock.Now(), false, reason)
}

// isDifferentVersion reports whether the application version changed
// since the last run and persists the current one.
func (s *Scheduler) isDifferentVersion(ctx context.Context) bool {
	last, ok, err := s.store.GetString(ctx, keyLastVersion)
	if err != nil {
		s.logger.Warn("failed to read last application version", "error", err)
	}
	if ok && last == s.appVersion {
		return false
	}
	if err := s.store.SetString(ctx, keyLastVersion, s.appVersion); err != nil {
		s.logger.Error("failed to persist application version", "error", err)
	}
	return true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}
