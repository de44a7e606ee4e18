package services

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pushpals/pushpals/pkg/models"
)

// SystemService serves the read-only operational projection: queue depths,
// worker snapshots, and rolling SLO percentiles.
type SystemService struct {
	db      *sql.DB
	workers *WorkerService
	logger  *slog.Logger
	window  time.Duration
}

// NewSystemService creates a system service. window is the rolling SLO
// window.
func NewSystemService(db *sql.DB, workers *WorkerService, logger *slog.Logger, window time.Duration) *SystemService {
	return &SystemService{
		db:      db,
		workers: workers,
		logger:  logger.With("service", "system"),
		window:  window,
	}
}

// Status assembles the full system projection. Each section is an
// independent read; the projection is a consistent-enough snapshot, not a
// serializable one.
func (s *SystemService) Status(ctx context.Context) (*models.SystemStatus, error) {
	status := &models.SystemStatus{GeneratedAt: time.Now().UTC()}

	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions`).Scan(&status.Sessions); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	var err error
	if status.Requests, err = s.queueCounts(ctx, "requests", "completed"); err != nil {
		return nil, err
	}
	if status.Jobs, err = s.queueCounts(ctx, "jobs", "completed"); err != nil {
		return nil, err
	}
	if status.Completions, err = s.queueCounts(ctx, "completions", "processed"); err != nil {
		return nil, err
	}

	if status.Workers, err = s.workers.List(ctx); err != nil {
		return nil, err
	}

	if status.RequestSLO, err = s.rollup(ctx, "requests", "completed_at"); err != nil {
		return nil, err
	}
	if status.JobSLO, err = s.rollup(ctx, "jobs", "completed_at"); err != nil {
		return nil, err
	}

	return status, nil
}

func (s *SystemService) queueCounts(ctx context.Context, table, doneStatus string) (models.QueueCounts, error) {
	var c models.QueueCounts
	// table and doneStatus are compile-time constants, never user input.
	err := s.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'claimed'),
			count(*) FILTER (WHERE status = '`+doneStatus+`'),
			count(*) FILTER (WHERE status = 'failed')
		FROM `+table,
	).Scan(&c.Pending, &c.Claimed, &c.Completed, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return c, nil
}

// rollup computes queue-wait and duration percentiles over rows that reached
// a terminal state inside the window, plus success and timeout rates.
func (s *SystemService) rollup(ctx context.Context, table, doneColumn string) (models.SLORollup, error) {
	r := models.SLORollup{
		Window:   s.window,
		WindowMs: s.window.Milliseconds(),
	}

	var (
		waitP50, waitP95 sql.NullFloat64
		durP50, durP95   sql.NullFloat64
		succeeded        int
		timedOut         int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status != 'failed'),
			count(*) FILTER (WHERE status = 'failed'
				AND error_message IN ('queue-wait-budget-exceeded', 'execution-budget-exceeded', 'finalization-budget-exceeded')),
			percentile_cont(0.5) WITHIN GROUP (ORDER BY
				EXTRACT(EPOCH FROM (claimed_at - enqueued_at)) * 1000)
				FILTER (WHERE claimed_at IS NOT NULL),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY
				EXTRACT(EPOCH FROM (claimed_at - enqueued_at)) * 1000)
				FILTER (WHERE claimed_at IS NOT NULL),
			percentile_cont(0.5) WITHIN GROUP (ORDER BY
				EXTRACT(EPOCH FROM (`+doneColumn+` - claimed_at)) * 1000)
				FILTER (WHERE `+doneColumn+` IS NOT NULL AND claimed_at IS NOT NULL),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY
				EXTRACT(EPOCH FROM (`+doneColumn+` - claimed_at)) * 1000)
				FILTER (WHERE `+doneColumn+` IS NOT NULL AND claimed_at IS NOT NULL)
		FROM `+table+`
		WHERE COALESCE(`+doneColumn+`, failed_at) > now() - make_interval(secs => $1)`,
		s.window.Seconds(),
	).Scan(&r.SampleCount, &succeeded, &timedOut, &waitP50, &waitP95, &durP50, &durP95)
	if err != nil {
		return r, fmt.Errorf("failed to compute %s rollup: %w", table, err)
	}

	r.QueueWaitP50Ms = int64(waitP50.Float64)
	r.QueueWaitP95Ms = int64(waitP95.Float64)
	r.DurationP50Ms = int64(durP50.Float64)
	r.DurationP95Ms = int64(durP95.Float64)
	if r.SampleCount > 0 {
		r.SuccessRate = float64(succeeded) / float64(r.SampleCount)
		r.TimeoutRate = float64(timedOut) / float64(r.SampleCount)
	}
	return r, nil
}
