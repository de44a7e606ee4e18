package queue

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpals/pushpals/pkg/config"
	"github.com/pushpals/pushpals/pkg/events"
	"github.com/pushpals/pushpals/pkg/models"
	"github.com/pushpals/pushpals/pkg/services"
	testdb "github.com/pushpals/pushpals/test/util"
)

const (
	testWorkerTTL = 5 * time.Second
	testGrace     = 2 * time.Second
)

type watchdogEnv struct {
	db          *sql.DB
	watchdog    *Watchdog
	sessions    *services.SessionService
	events      *services.EventService
	requests    *services.RequestService
	jobs        *services.JobService
	completions *services.CompletionService
	workers     *services.WorkerService
}

func newWatchdogEnv(t *testing.T) *watchdogEnv {
	db, _ := testdb.SetupTestDatabase(t)
	logger := slog.New(slog.DiscardHandler)

	cfg := config.WatchdogConfig{
		QueueWaitInterval:         config.Duration{Duration: time.Second},
		ExecutionInterval:         config.Duration{Duration: time.Second},
		HeartbeatInterval:         config.Duration{Duration: time.Second},
		DefaultQueueWaitBudget:    config.Duration{Duration: time.Minute},
		DefaultExecutionBudget:    config.Duration{Duration: time.Minute},
		DefaultFinalizationBudget: config.Duration{Duration: time.Minute},
		MaxRequeues:               1,
		SLOWindow:                 config.Duration{Duration: time.Hour},
	}

	env := &watchdogEnv{
		db:          db,
		sessions:    services.NewSessionService(db, logger),
		events:      services.NewEventService(db, logger),
		requests:    services.NewRequestService(db, logger),
		jobs:        services.NewJobService(db, logger),
		completions: services.NewCompletionService(db, logger),
		workers:     services.NewWorkerService(db, logger, testWorkerTTL),
	}
	env.watchdog = NewWatchdog(cfg, testGrace,
		env.requests, env.jobs, env.completions, env.workers,
		events.NewPublisher(db, logger), nil, logger)
	return env
}

func (e *watchdogEnv) createSession(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	_, _, err := e.sessions.Create(context.Background(), id)
	require.NoError(t, err)
	return id
}

func (e *watchdogEnv) backdate(t *testing.T, table, column, id string, by time.Duration) {
	t.Helper()
	_, err := e.db.ExecContext(context.Background(),
		"UPDATE "+table+" SET "+column+" = "+column+" - make_interval(secs => $1) WHERE id = $2",
		by.Seconds(), id)
	require.NoError(t, err)
}

func (e *watchdogEnv) eventTypes(t *testing.T, sessionID string) []models.EventType {
	t.Helper()
	evs, err := e.events.ListAfter(context.Background(), sessionID, 0, 100)
	require.NoError(t, err)
	types := make([]models.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Envelope.Type)
	}
	return types
}

func TestWatchdog_QueueWaitScan(t *testing.T) {
	env := newWatchdogEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	stale, _, err := env.requests.Enqueue(ctx, services.EnqueueRequestParams{
		SessionID: sessionID, Prompt: "stale",
	})
	require.NoError(t, err)
	env.backdate(t, "requests", "enqueued_at", stale.ID, 2*time.Minute)

	fresh, _, err := env.requests.Enqueue(ctx, services.EnqueueRequestParams{
		SessionID: sessionID, Prompt: "fresh",
	})
	require.NoError(t, err)

	staleJob, _, err := env.jobs.Enqueue(ctx, services.EnqueueJobParams{
		SessionID: sessionID, Kind: "build",
	})
	require.NoError(t, err)
	env.backdate(t, "jobs", "enqueued_at", staleJob.ID, 2*time.Minute)

	env.watchdog.scanQueueWait(ctx)

	failed, err := env.requests.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, ReasonQueueWaitExceeded, failed.Error.Message)

	kept, err := env.requests.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, kept.Status)

	failedJob, err := env.jobs.Get(ctx, staleJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failedJob.Status)

	types := env.eventTypes(t, sessionID)
	assert.Contains(t, types, models.EventError)
	assert.Contains(t, types, models.EventJobFailed)

	// A second scan finds nothing left to fail.
	env.watchdog.scanQueueWait(ctx)
	assert.Len(t, env.eventTypes(t, sessionID), len(types))
}

func TestWatchdog_ExecutionScan(t *testing.T) {
	env := newWatchdogEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	// A claimed job running past the execution budget.
	_, _, err := env.jobs.Enqueue(ctx, services.EnqueueJobParams{
		SessionID: sessionID, Kind: "build",
	})
	require.NoError(t, err)
	runaway, err := env.jobs.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, runaway)
	_, err = env.jobs.Start(ctx, runaway.ID, "worker-1")
	require.NoError(t, err)
	env.backdate(t, "jobs", "started_at", runaway.ID, 2*time.Minute)

	// A completion waiting past the finalization budget.
	doneJob, _, err := env.jobs.Enqueue(ctx, services.EnqueueJobParams{
		SessionID: sessionID, Kind: "code",
	})
	require.NoError(t, err)
	comp, _, err := env.completions.Enqueue(ctx, services.EnqueueCompletionParams{
		SessionID: sessionID, JobID: doneJob.ID, CommitSHA: "abc1234", Branch: "main",
	})
	require.NoError(t, err)
	env.backdate(t, "completions", "enqueued_at", comp.ID, 2*time.Minute)

	env.watchdog.scanExecution(ctx)

	failedJob, err := env.jobs.Get(ctx, runaway.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failedJob.Status)
	require.NotNil(t, failedJob.Error)
	assert.Equal(t, ReasonExecutionExceeded, failedJob.Error.Message)

	failedComp, err := env.completions.Get(ctx, comp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failedComp.Status)
	require.NotNil(t, failedComp.Error)
	assert.Equal(t, ReasonFinalizationExceeded, failedComp.Error.Message)
}

func TestWatchdog_HeartbeatScan(t *testing.T) {
	env := newWatchdogEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	heartbeat := func() {
		_, err := env.workers.Heartbeat(ctx, services.HeartbeatParams{
			WorkerID: "worker-1", Status: models.WorkerBusy,
		})
		require.NoError(t, err)
	}
	silence := func() {
		_, err := env.db.ExecContext(ctx,
			"UPDATE workers SET last_heartbeat = last_heartbeat - make_interval(secs => $1) WHERE worker_id = $2",
			(testWorkerTTL + testGrace + time.Second).Seconds(), "worker-1")
		require.NoError(t, err)
	}

	job, _, err := env.jobs.Enqueue(ctx, services.EnqueueJobParams{
		SessionID: sessionID, Kind: "build",
	})
	require.NoError(t, err)

	heartbeat()
	claimed, err := env.jobs.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	silence()

	// First loss: the job goes back to pending with one requeue spent.
	env.watchdog.scanHeartbeats(ctx)

	requeued, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, requeued.Status)
	assert.Equal(t, 1, requeued.RequeueCount)
	assert.Contains(t, env.eventTypes(t, sessionID), models.EventLog)

	// Second loss exhausts the bound and the job fails for good.
	heartbeat()
	claimed, err = env.jobs.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	silence()

	env.watchdog.scanHeartbeats(ctx)

	failed, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, ReasonWorkerLost, failed.Error.Message)
	assert.Contains(t, env.eventTypes(t, sessionID), models.EventJobFailed)
}

func TestWatchdog_StartStop(t *testing.T) {
	env := newWatchdogEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.watchdog.Start(ctx)
	env.watchdog.Stop()
}
