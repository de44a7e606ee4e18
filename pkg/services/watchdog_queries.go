package services

import (
	"context"
	"fmt"
	"time"

	"github.com/pushpals/pushpals/pkg/models"
)

// The watchdog scan queries live together here. Each is a pure read of the
// store; the watchdog pairs them with the CAS transitions on the owning
// service, so a scan repeated after a restart never double-fires.

// OverduePending returns pending requests whose age exceeds their queue-wait
// budget. Rows without a budget fall back to defaultBudget; a zero default
// exempts them.
func (s *RequestService) OverduePending(ctx context.Context, defaultBudget time.Duration) ([]*models.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE status = 'pending'
			AND COALESCE(NULLIF(queue_wait_budget_ms, 0), $1) > 0
			AND enqueued_at < now() - make_interval(
				secs => COALESCE(NULLIF(queue_wait_budget_ms, 0), $1) / 1000.0)
		ORDER BY enqueued_at`,
		defaultBudget.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan overdue requests: %w", err)
	}
	defer rows.Close()

	var reqs []*models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// OverduePending returns pending jobs past their queue-wait budget.
func (s *JobService) OverduePending(ctx context.Context, defaultBudget time.Duration) ([]*models.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending'
			AND COALESCE(NULLIF(queue_wait_budget_ms, 0), $1) > 0
			AND enqueued_at < now() - make_interval(
				secs => COALESCE(NULLIF(queue_wait_budget_ms, 0), $1) / 1000.0)
		ORDER BY enqueued_at`,
		defaultBudget.Milliseconds(),
	)
}

// OverdueExecution returns claimed jobs whose execution has run past the
// execution budget. The clock starts at started_at, or claimed_at for jobs
// that never reported a start.
func (s *JobService) OverdueExecution(ctx context.Context, defaultBudget time.Duration) ([]*models.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'claimed'
			AND COALESCE(NULLIF(execution_budget_ms, 0), $1) > 0
			AND COALESCE(started_at, claimed_at) < now() - make_interval(
				secs => COALESCE(NULLIF(execution_budget_ms, 0), $1) / 1000.0)
		ORDER BY claimed_at`,
		defaultBudget.Milliseconds(),
	)
}

// ListClaimedByWorker returns the claimed jobs held by one worker.
func (s *JobService) ListClaimedByWorker(ctx context.Context, workerID string) ([]*models.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'claimed' AND worker_id = $1
		ORDER BY claimed_at, id`,
		workerID,
	)
}

// OverdueFinalization returns pending completions that have waited past the
// owning job's finalization budget.
func (s *CompletionService) OverdueFinalization(ctx context.Context, defaultBudget time.Duration) ([]*models.Completion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qualifiedCompletionColumns+`
		FROM completions c
		JOIN jobs j ON j.id = c.job_id
		WHERE c.status = 'pending'
			AND COALESCE(NULLIF(j.finalization_budget_ms, 0), $1) > 0
			AND c.enqueued_at < now() - make_interval(
				secs => COALESCE(NULLIF(j.finalization_budget_ms, 0), $1) / 1000.0)
		ORDER BY c.enqueued_at`,
		defaultBudget.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan overdue completions: %w", err)
	}
	defer rows.Close()

	var comps []*models.Completion
	for rows.Next() {
		comp, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		comps = append(comps, comp)
	}
	return comps, rows.Err()
}

const qualifiedCompletionColumns = `c.id, c.session_id, c.job_id,
	c.commit_sha, c.branch, c.message, c.priority, c.status, c.agent_id,
	c.pusher_id, c.error_message, c.error_detail, c.enqueued_at,
	c.claimed_at, c.processed_at, c.failed_at, c.updated_at`
