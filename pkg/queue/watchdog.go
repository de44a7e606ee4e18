// Package queue runs the periodic watchdogs that enforce time budgets and
// worker liveness over the durable queues.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pushpals/pushpals/pkg/config"
	"github.com/pushpals/pushpals/pkg/events"
	"github.com/pushpals/pushpals/pkg/metrics"
	"github.com/pushpals/pushpals/pkg/models"
	"github.com/pushpals/pushpals/pkg/services"
)

// Failure reasons stamped by the watchdogs.
const (
	ReasonQueueWaitExceeded    = "queue-wait-budget-exceeded"
	ReasonExecutionExceeded    = "execution-budget-exceeded"
	ReasonFinalizationExceeded = "finalization-budget-exceeded"
	ReasonWorkerLost           = "worker-lost"
)

// watchdogAgent identifies the server itself in events it appends.
const watchdogAgent = "server"

// Watchdog owns the three scanners: queue-wait budgets, execution and
// finalization budgets, and worker heartbeats. Each scan is a pure function
// of the store paired with CAS transitions, so overlapping runs and server
// restarts never double-fire; a transition lost to a concurrent actor is
// simply skipped.
type Watchdog struct {
	cfg     config.WatchdogConfig
	grace   time.Duration
	logger  *slog.Logger
	stopped chan struct{}
	wg      sync.WaitGroup

	requests    *services.RequestService
	jobs        *services.JobService
	completions *services.CompletionService
	workers     *services.WorkerService
	publisher   *events.Publisher
	metrics     *metrics.Registry
}

// NewWatchdog wires the watchdog over the queue services. grace is added to
// the worker TTL before a claimed job counts as orphaned.
func NewWatchdog(
	cfg config.WatchdogConfig,
	grace time.Duration,
	requests *services.RequestService,
	jobs *services.JobService,
	completions *services.CompletionService,
	workers *services.WorkerService,
	publisher *events.Publisher,
	reg *metrics.Registry,
	logger *slog.Logger,
) *Watchdog {
	return &Watchdog{
		cfg:         cfg,
		grace:       grace,
		logger:      logger.With("component", "watchdog"),
		stopped:     make(chan struct{}),
		requests:    requests,
		jobs:        jobs,
		completions: completions,
		workers:     workers,
		publisher:   publisher,
		metrics:     reg,
	}
}

// countAction records a watchdog intervention when metrics are wired.
func (w *Watchdog) countAction(reason string) {
	if w.metrics != nil {
		w.metrics.WatchdogAction(reason)
	}
}

// Start launches the three scanners on independent timers.
func (w *Watchdog) Start(ctx context.Context) {
	w.runPeriodic(ctx, w.cfg.QueueWaitInterval.Duration, w.scanQueueWait)
	w.runPeriodic(ctx, w.cfg.ExecutionInterval.Duration, w.scanExecution)
	w.runPeriodic(ctx, w.cfg.HeartbeatInterval.Duration, w.scanHeartbeats)
	w.logger.Info("watchdog started",
		"queue_wait_interval", w.cfg.QueueWaitInterval.Duration,
		"execution_interval", w.cfg.ExecutionInterval.Duration,
		"heartbeat_interval", w.cfg.HeartbeatInterval.Duration)
}

// Stop halts the scanners and waits for in-flight scans to finish.
func (w *Watchdog) Stop() {
	close(w.stopped)
	w.wg.Wait()
	w.logger.Info("watchdog stopped")
}

func (w *Watchdog) runPeriodic(ctx context.Context, interval time.Duration, scan func(context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				scan(ctx)
			case <-w.stopped:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// scanQueueWait fails pending rows that outlived their queue-wait budget.
func (w *Watchdog) scanQueueWait(ctx context.Context) {
	reqs, err := w.requests.OverduePending(ctx, w.cfg.DefaultQueueWaitBudget.Duration)
	if err != nil {
		w.logger.Error("queue-wait scan failed for requests", "error", err)
	}
	for _, req := range reqs {
		if _, err := w.requests.Fail(ctx, req.ID, "", ReasonQueueWaitExceeded, nil); err != nil {
			w.logSkip("request", req.ID, err)
			continue
		}
		w.countAction(ReasonQueueWaitExceeded)
		w.appendErrorEvent(ctx, req.SessionID, ReasonQueueWaitExceeded,
			"request "+req.ID+" exceeded its queue-wait budget")
	}

	jobs, err := w.jobs.OverduePending(ctx, w.cfg.DefaultQueueWaitBudget.Duration)
	if err != nil {
		w.logger.Error("queue-wait scan failed for jobs", "error", err)
	}
	for _, job := range jobs {
		if _, err := w.jobs.Fail(ctx, job.ID, "", ReasonQueueWaitExceeded, nil); err != nil {
			w.logSkip("job", job.ID, err)
			continue
		}
		w.countAction(ReasonQueueWaitExceeded)
		w.appendJobFailedEvent(ctx, job, ReasonQueueWaitExceeded, false)
	}
}

// scanExecution fails claimed jobs past their execution budget and pending
// completions past the owning job's finalization budget.
func (w *Watchdog) scanExecution(ctx context.Context) {
	jobs, err := w.jobs.OverdueExecution(ctx, w.cfg.DefaultExecutionBudget.Duration)
	if err != nil {
		w.logger.Error("execution scan failed", "error", err)
	}
	for _, job := range jobs {
		if _, err := w.jobs.Fail(ctx, job.ID, "", ReasonExecutionExceeded, nil); err != nil {
			w.logSkip("job", job.ID, err)
			continue
		}
		w.countAction(ReasonExecutionExceeded)
		w.appendJobFailedEvent(ctx, job, ReasonExecutionExceeded, false)
	}

	comps, err := w.completions.OverdueFinalization(ctx, w.cfg.DefaultFinalizationBudget.Duration)
	if err != nil {
		w.logger.Error("finalization scan failed", "error", err)
	}
	for _, comp := range comps {
		if _, err := w.completions.Fail(ctx, comp.ID, "", ReasonFinalizationExceeded, nil); err != nil {
			w.logSkip("completion", comp.ID, err)
			continue
		}
		w.countAction(ReasonFinalizationExceeded)
		w.appendErrorEvent(ctx, comp.SessionID, ReasonFinalizationExceeded,
			"completion "+comp.ID+" exceeded the finalization budget")
	}
}

// scanHeartbeats requeues jobs whose workers went silent past TTL+grace.
// Requeues are bounded per job; past the bound the job fails for good.
func (w *Watchdog) scanHeartbeats(ctx context.Context) {
	lost, err := w.workers.LostWorkerIDs(ctx, w.grace)
	if err != nil {
		w.logger.Error("heartbeat scan failed", "error", err)
		return
	}

	for _, workerID := range lost {
		jobs, err := w.jobs.ListClaimedByWorker(ctx, workerID)
		if err != nil {
			w.logger.Error("failed to list claimed jobs for lost worker",
				"worker_id", workerID, "error", err)
			continue
		}
		for _, job := range jobs {
			after, requeued, err := w.jobs.Requeue(ctx, job.ID, w.cfg.MaxRequeues)
			if err != nil {
				w.logSkip("job", job.ID, err)
				continue
			}
			if requeued {
				if w.metrics != nil {
					w.metrics.JobRequeued()
				}
				w.logger.Warn("requeued job from lost worker",
					"job_id", job.ID, "worker_id", workerID,
					"requeue_count", after.RequeueCount)
				w.appendLogEvent(ctx, job.SessionID,
					"job "+job.ID+" requeued after losing worker "+workerID)
			} else {
				w.countAction(ReasonWorkerLost)
				w.appendJobFailedEvent(ctx, after, ReasonWorkerLost, false)
			}
		}
	}
}

// logSkip records a scan item that lost its CAS to another actor. Expected
// under concurrency; the other actor's transition stands.
func (w *Watchdog) logSkip(kind, id string, err error) {
	w.logger.Debug("watchdog transition skipped", "kind", kind, "id", id, "error", err)
}

func (w *Watchdog) appendJobFailedEvent(ctx context.Context, job *models.Job, reason string, requeued bool) {
	payload, _ := json.Marshal(map[string]any{
		"jobId":    job.ID,
		"reason":   reason,
		"requeued": requeued,
	})
	w.append(ctx, job.SessionID, models.EventJobFailed, payload)
}

func (w *Watchdog) appendErrorEvent(ctx context.Context, sessionID, reason, message string) {
	payload, _ := json.Marshal(map[string]any{
		"message": message,
		"detail":  reason,
	})
	w.append(ctx, sessionID, models.EventError, payload)
}

func (w *Watchdog) appendLogEvent(ctx context.Context, sessionID, message string) {
	payload, _ := json.Marshal(map[string]any{
		"level":   "warn",
		"message": message,
	})
	w.append(ctx, sessionID, models.EventLog, payload)
}

func (w *Watchdog) append(ctx context.Context, sessionID string, typ models.EventType, payload json.RawMessage) {
	_, err := w.publisher.Append(ctx, models.Envelope{
		ProtocolVersion: models.ProtocolVersion,
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Type:            typ,
		From:            watchdogAgent,
		Payload:         payload,
	})
	if err != nil {
		w.logger.Error("failed to append watchdog event",
			"session_id", sessionID, "type", typ, "error", err)
	}
}
