// Package scheduler runs the recurring extraction jobs: for every
// connection with an enabled job whose cron expression matches the
// current tick, it pulls yesterday's data from the platform and appends
// it to the configured spreadsheet.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/connkeeper/connkeeper/connections"
	"github.com/connkeeper/connkeeper/models"
)

const (
	// TickInterval is the cron resolution; one minute is enough for
	// the daily schedules this system runs.
	TickInterval = time.Minute

	// DefaultJobDelay spaces consecutive jobs so the sink and the
	// upstream platforms are not hit in a burst.
	DefaultJobDelay = 5 * time.Second

	DefaultJobTimeout = 2 * time.Minute
)

// Outcome of one job within a sweep.
const (
	OutcomeSynced  = "synced"
	OutcomeEmpty   = "empty"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// JobResult is the per-job record returned by a sweep.
type JobResult struct {
	UserID       string
	Platform     models.Platform
	Outcome      string
	Rows         int
	AppendedRows int
	Err          error
	Duration     time.Duration
}

type Scheduler struct {
	svc        *connections.Service
	extractors map[models.Platform]models.Extractor
	sink       models.Sink

	jobDelay   time.Duration
	jobTimeout time.Duration

	// sleep is swapped in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration)

	lg *zap.Logger
}

type Option func(*Scheduler)

func WithJobDelay(d time.Duration) Option   { return func(s *Scheduler) { s.jobDelay = d } }
func WithJobTimeout(d time.Duration) Option { return func(s *Scheduler) { s.jobTimeout = d } }

func New(svc *connections.Service, extractors map[models.Platform]models.Extractor, sink models.Sink, lg *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		svc:        svc,
		extractors: extractors,
		sink:       sink,
		jobDelay:   DefaultJobDelay,
		jobTimeout: DefaultJobTimeout,
		sleep:      sleepContext,
		lg:         lg,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run ticks once per minute and sweeps the jobs due at each tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick := <-ticker.C:
			s.Sweep(ctx, tick.UTC())
		}
	}
}

// Sweep runs every job due at the given tick, sequentially with a fixed
// delay between jobs. A failing job is logged and skipped; it never
// touches the connection status and never blocks the jobs after it.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) []JobResult {
	due, err := s.svc.ListDueJobs(ctx, now)
	if err != nil {
		s.lg.Error("extraction sweep: failed to list due jobs", zap.Error(err))

		return nil
	}

	results := make([]JobResult, 0, len(due))

	for i := range due {
		select {
		case <-ctx.Done():
			return results
		default:
		}

		if i > 0 {
			s.sleep(ctx, s.jobDelay)
		}

		results = append(results, s.runJob(ctx, &due[i], now))
	}

	s.logSweep(results)

	return results
}

func (s *Scheduler) runJob(ctx context.Context, conn *models.Connection, now time.Time) JobResult {
	t0 := time.Now().UTC()

	result := JobResult{UserID: conn.UserID, Platform: conn.Platform}

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	outcome, rows, appended, err := s.extract(jobCtx, conn, now)
	result.Outcome = outcome
	result.Rows = rows
	result.AppendedRows = appended
	result.Err = err
	result.Duration = time.Now().UTC().Sub(t0)

	return result
}

func (s *Scheduler) extract(ctx context.Context, conn *models.Connection, now time.Time) (outcome string, rows, appended int, err error) {
	job := conn.Metadata.ScheduledJob
	if job == nil || !job.Enabled {
		// ListDueJobs filters these; guard anyway since the record may
		// have changed since listing.
		return OutcomeSkipped, 0, 0, nil
	}

	tokens, err := s.svc.GetDecrypted(ctx, conn.UserID, conn.Platform)
	if err != nil {
		return OutcomeFailed, 0, 0, err
	}

	if tokens == nil {
		return OutcomeSkipped, 0, 0, fmt.Errorf("connection %s/%s has no usable tokens", conn.UserID, conn.Platform)
	}

	extractor, ok := s.extractors[conn.Platform]
	if !ok {
		return OutcomeFailed, 0, 0, fmt.Errorf("no extractor for platform %s", conn.Platform)
	}

	from, to := yesterdayRange(now)

	data, err := extractor.Extract(ctx, conn, tokens.Tokens, from, to)
	if err != nil {
		return OutcomeFailed, 0, 0, fmt.Errorf("extraction failed: %w", err)
	}

	// Nothing extracted is a success with nothing to do: no sink call,
	// no last_synced_at update.
	if len(data) == 0 {
		return OutcomeEmpty, 0, 0, nil
	}

	appended, err = s.sink.Append(ctx, data, job.SpreadsheetID, job.SheetName)
	if err != nil {
		return OutcomeFailed, len(data), 0, fmt.Errorf("sink append failed: %w", err)
	}

	if err := s.svc.TouchSynced(ctx, conn.UserID, conn.Platform, time.Now().UTC()); err != nil {
		return OutcomeFailed, len(data), appended, err
	}

	return OutcomeSynced, len(data), appended, nil
}

// yesterdayRange returns yesterday's UTC day as [from, to).
func yesterdayRange(now time.Time) (time.Time, time.Time) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	return today.AddDate(0, 0, -1), today
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Scheduler) logSweep(results []JobResult) {
	for _, r := range results {
		fields := []zap.Field{
			zap.String("user_id", r.UserID),
			zap.String("platform", string(r.Platform)),
			zap.String("outcome", r.Outcome),
			zap.Int("rows", r.Rows),
			zap.Int("appended_rows", r.AppendedRows),
			zap.Duration("duration", r.Duration),
		}

		if r.Err != nil {
			s.lg.Warn("extraction job", append(fields, zap.Error(r.Err))...)

			continue
		}

		s.lg.Info("extraction job", fields...)
	}
}
