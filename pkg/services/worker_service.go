package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pushpals/pushpals/pkg/models"
)

// WorkerService maintains the worker registry. Workers exist only through
// their heartbeats; offline is derived from heartbeat age, never stored.
type WorkerService struct {
	db     *sql.DB
	logger *slog.Logger
	ttl    time.Duration
}

// NewWorkerService creates a worker service. ttl is the heartbeat age beyond
// which a worker counts as offline.
func NewWorkerService(db *sql.DB, logger *slog.Logger, ttl time.Duration) *WorkerService {
	return &WorkerService{
		db:     db,
		logger: logger.With("service", "workers"),
		ttl:    ttl,
	}
}

// TTL returns the configured heartbeat TTL.
func (s *WorkerService) TTL() time.Duration {
	return s.ttl
}

// HeartbeatParams are the fields a worker reports on each heartbeat.
type HeartbeatParams struct {
	WorkerID     string
	Status       models.WorkerStatus
	CurrentJobID string
	PollMs       int64
	Capabilities []string
	Details      json.RawMessage
}

// Heartbeat upserts the worker's registry row. First heartbeat registers the
// worker; subsequent ones refresh last_heartbeat and the reported fields.
func (s *WorkerService) Heartbeat(ctx context.Context, p HeartbeatParams) (*models.Worker, error) {
	if p.WorkerID == "" {
		return nil, NewValidationError("workerId", "must not be empty")
	}
	if !p.Status.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown worker status %q", p.Status))
	}

	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capabilities: %w", err)
	}
	if p.Capabilities == nil {
		caps = []byte(`[]`)
	}

	w, err := scanWorker(s.db.QueryRowContext(ctx, `
		INSERT INTO workers (worker_id, status, current_job_id, poll_ms,
			capabilities, details, last_heartbeat)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, now())
		ON CONFLICT (worker_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_job_id = EXCLUDED.current_job_id,
			poll_ms = EXCLUDED.poll_ms,
			capabilities = EXCLUDED.capabilities,
			details = EXCLUDED.details,
			last_heartbeat = now(),
			updated_at = now()
		RETURNING worker_id, status, current_job_id, poll_ms, capabilities,
			details, last_heartbeat, created_at, updated_at`,
		p.WorkerID, p.Status, p.CurrentJobID, p.PollMs, caps, nullableJSON(p.Details),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	s.logger.DebugContext(ctx, "worker heartbeat",
		"worker_id", w.WorkerID, "status", w.Status)
	return w, nil
}

func scanWorker(row interface{ Scan(...any) error }) (*models.Worker, error) {
	var (
		w      models.Worker
		jobID  sql.NullString
		caps   []byte
		detail []byte
	)
	err := row.Scan(
		&w.WorkerID, &w.Status, &jobID, &w.PollMs, &caps, &detail,
		&w.LastHeartbeat, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.CurrentJobID = jobID.String
	w.Details = detail
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &w.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities: %w", err)
		}
	}
	return &w, nil
}

// Snapshot returns one worker with its derived scheduling state.
func (s *WorkerService) Snapshot(ctx context.Context, workerID string) (*models.WorkerSnapshot, error) {
	snaps, err := s.snapshots(ctx, s.ttl, "WHERE w.worker_id = $1", workerID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	return &snaps[0], nil
}

// List returns every registered worker with derived state, most recently
// heard from first.
func (s *WorkerService) List(ctx context.Context) ([]models.WorkerSnapshot, error) {
	return s.snapshots(ctx, s.ttl, "")
}

// ListWithTTL is List with a caller-supplied liveness TTL. The snapshot
// endpoint lets operators probe with a different threshold without changing
// server config.
func (s *WorkerService) ListWithTTL(ctx context.Context, ttl time.Duration) ([]models.WorkerSnapshot, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.snapshots(ctx, ttl, "")
}

func (s *WorkerService) snapshots(ctx context.Context, ttl time.Duration, where string, args ...any) ([]models.WorkerSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.worker_id, w.status, w.current_job_id, w.poll_ms,
			w.capabilities, w.details, w.last_heartbeat, w.created_at,
			w.updated_at, count(j.id)
		FROM workers w
		LEFT JOIN jobs j ON j.worker_id = w.worker_id AND j.status = 'claimed'
		`+where+`
		GROUP BY w.worker_id
		ORDER BY w.last_heartbeat DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var snaps []models.WorkerSnapshot
	for rows.Next() {
		var (
			snap   models.WorkerSnapshot
			jobID  sql.NullString
			caps   []byte
			detail []byte
		)
		if err := rows.Scan(
			&snap.WorkerID, &snap.Status, &jobID, &snap.PollMs, &caps,
			&detail, &snap.LastHeartbeat, &snap.CreatedAt, &snap.UpdatedAt,
			&snap.ActiveJobCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		snap.CurrentJobID = jobID.String
		snap.Details = detail
		if len(caps) > 0 {
			if err := json.Unmarshal(caps, &snap.Capabilities); err != nil {
				return nil, fmt.Errorf("failed to decode capabilities: %w", err)
			}
		}

		snap.Online = now.Sub(snap.LastHeartbeat) < ttl
		snap.DerivedBusy = snap.Online && (snap.Status == models.WorkerBusy || snap.ActiveJobCount > 0)
		snap.DerivedIdle = snap.Online && snap.Status == models.WorkerIdle && snap.ActiveJobCount == 0
		if !snap.Online {
			snap.Status = models.WorkerOffline
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// LostWorkerIDs returns workers whose heartbeat is older than ttl+grace and
// that still hold claimed jobs. The heartbeat watchdog requeues those jobs.
func (s *WorkerService) LostWorkerIDs(ctx context.Context, grace time.Duration) ([]string, error) {
	cutoff := s.ttl + grace
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT w.worker_id
		FROM workers w
		JOIN jobs j ON j.worker_id = w.worker_id AND j.status = 'claimed'
		WHERE w.last_heartbeat < now() - make_interval(secs => $1)`,
		cutoff.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lost workers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan worker id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
