package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/pushpals/pushpals/pkg/client"
	"github.com/pushpals/pushpals/pkg/models"
)

// Exit codes reported back to the server and, in once mode, propagated to
// the shell.
const (
	exitOK         = 0
	exitFailure    = 1
	exitMissingDep = 127
)

// heartbeatInterval should stay well under the server's worker TTL.
const heartbeatInterval = 10 * time.Second

// logFlushInterval and logBatchSize bound how long a produced line waits
// before it is durably posted.
const (
	logFlushInterval = 500 * time.Millisecond
	logBatchSize     = 64
)

// jobParams is the expected shape of a job's params document.
type jobParams struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
}

type worker struct {
	api    *client.Client
	cfg    *workerConfig
	logger *slog.Logger

	mu           sync.Mutex
	currentJobID string
}

// run is the long-lived loop: heartbeat in the background, claim and execute
// jobs until ctx is cancelled.
func (w *worker) run(ctx context.Context) error {
	w.logger.Info("workerpal starting",
		"server", w.cfg.serverURL,
		"poll", w.cfg.pollInterval,
		"capabilities", w.cfg.capabilities)

	w.heartbeat(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.heartbeat(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			break
		}
		claimed, err := w.api.ClaimJob(ctx, w.cfg.workerID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("claim failed", "error", err)
			sleepCtx(ctx, w.cfg.pollInterval)
			continue
		}
		if claimed.Job == nil {
			sleepCtx(ctx, w.cfg.pollInterval)
			continue
		}
		w.executeJob(ctx, claimed.Job)
	}

	wg.Wait()
	w.logger.Info("workerpal stopped")
	return nil
}

// runOnce claims at most one job and returns its exit code. Returns 0 when
// the queue was empty.
func (w *worker) runOnce(ctx context.Context) (int, error) {
	w.heartbeat(ctx)
	claimed, err := w.api.ClaimJob(ctx, w.cfg.workerID)
	if err != nil {
		return exitFailure, err
	}
	if claimed.Job == nil {
		w.logger.Info("no job pending")
		return exitOK, nil
	}
	return w.executeJob(ctx, claimed.Job), nil
}

func (w *worker) heartbeat(ctx context.Context) {
	w.mu.Lock()
	jobID := w.currentJobID
	w.mu.Unlock()

	status := models.WorkerIdle
	if jobID != "" {
		status = models.WorkerBusy
	}
	_, err := w.api.Heartbeat(ctx, client.HeartbeatParams{
		WorkerID:     w.cfg.workerID,
		Status:       status,
		CurrentJobID: jobID,
		PollMs:       w.cfg.pollInterval.Milliseconds(),
		Capabilities: w.cfg.capabilities,
	})
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("heartbeat failed", "error", err)
	}
}

// executeJob runs the job's command to completion and reports the result.
// Returns the child's exit code.
func (w *worker) executeJob(ctx context.Context, job *models.Job) int {
	logger := w.logger.With("job_id", job.ID, "kind", job.Kind)
	logger.Info("job claimed", "session_id", job.SessionID)

	w.mu.Lock()
	w.currentJobID = job.ID
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.currentJobID = ""
		w.mu.Unlock()
	}()

	var params jobParams
	if err := json.Unmarshal(job.Params, &params); err != nil || params.Command == "" {
		w.failJob(ctx, job.ID, "invalid job params", job.Params)
		return exitFailure
	}

	if _, err := w.api.StartJob(ctx, job.ID, w.cfg.workerID); err != nil {
		logger.Error("start failed, abandoning job", "error", err)
		return exitFailure
	}

	runCtx := ctx
	if job.ExecutionBudgetMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx,
			time.Duration(job.ExecutionBudgetMs)*time.Millisecond)
		defer cancel()
	}

	code, runErr := w.runCommand(runCtx, job.ID, params)

	if code == exitOK {
		result, _ := json.Marshal(map[string]any{"exitCode": exitOK})
		if _, err := w.api.CompleteJob(ctx, job.ID, w.cfg.workerID, result); err != nil {
			logger.Error("complete failed", "error", err)
		} else {
			logger.Info("job completed")
		}
		return exitOK
	}

	message := fmt.Sprintf("command exited with code %d", code)
	if runErr != nil {
		message = runErr.Error()
	}
	detail, _ := json.Marshal(map[string]any{"exitCode": code})
	w.failJob(ctx, job.ID, message, detail)
	logger.Warn("job failed", "exit_code", code, "error", runErr)
	return code
}

func (w *worker) failJob(ctx context.Context, jobID, message string, detail json.RawMessage) {
	if _, err := w.api.FailJob(ctx, jobID, w.cfg.workerID, message, detail); err != nil {
		w.logger.Error("fail report failed", "job_id", jobID, "error", err)
	}
}

// runCommand executes the child process, streaming both output streams as
// log lines. Returns the exit code: 127 when the command is not on PATH.
func (w *worker) runCommand(ctx context.Context, jobID string, params jobParams) (int, error) {
	dir := params.Dir
	if dir == "" {
		dir = w.cfg.workDir
	}

	cmd := exec.CommandContext(ctx, params.Command, params.Args...)
	cmd.Dir = dir
	if len(params.Env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range params.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return exitFailure, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return exitFailure, err
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return exitMissingDep, fmt.Errorf("command not found: %s", params.Command)
		}
		return exitFailure, err
	}

	shipper := newLogShipper(w.api, w.logger, jobID)
	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		shipper.consume(ctx, models.StreamStdout, bufio.NewScanner(stdout))
	}()
	go func() {
		defer streams.Done()
		shipper.consume(ctx, models.StreamStderr, bufio.NewScanner(stderr))
	}()
	streams.Wait()
	shipper.flushAll(ctx)

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return exitFailure, err
	}
	return exitOK, nil
}

// logShipper batches sequence-numbered log lines per stream and posts them.
// Sequence numbers are gap-free from 1 within each stream; the server's
// (jobID, stream, seq) uniqueness makes retried posts idempotent.
type logShipper struct {
	api    *client.Client
	logger *slog.Logger
	jobID  string

	mu      sync.Mutex
	nextSeq map[models.LogStream]int64
	pending map[models.LogStream][]models.LogLine
}

func newLogShipper(api *client.Client, logger *slog.Logger, jobID string) *logShipper {
	return &logShipper{
		api:     api,
		logger:  logger.With("job_id", jobID),
		jobID:   jobID,
		nextSeq: map[models.LogStream]int64{models.StreamStdout: 1, models.StreamStderr: 1},
		pending: make(map[models.LogStream][]models.LogLine),
	}
}

// consume reads lines from one stream until EOF, flushing on size or age.
func (s *logShipper) consume(ctx context.Context, stream models.LogStream, scanner *bufio.Scanner) {
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lastFlush := time.Now()

	for scanner.Scan() {
		s.mu.Lock()
		seq := s.nextSeq[stream]
		s.nextSeq[stream] = seq + 1
		s.pending[stream] = append(s.pending[stream], models.LogLine{
			JobID:  s.jobID,
			Stream: stream,
			Seq:    seq,
			Line:   scanner.Text(),
		})
		full := len(s.pending[stream]) >= logBatchSize
		s.mu.Unlock()

		if full || time.Since(lastFlush) >= logFlushInterval {
			s.flush(ctx, stream)
			lastFlush = time.Now()
		}
	}
	s.flush(ctx, stream)
}

func (s *logShipper) flush(ctx context.Context, stream models.LogStream) {
	s.mu.Lock()
	batch := s.pending[stream]
	s.pending[stream] = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := s.api.AppendJobLogs(ctx, s.jobID, batch); err != nil && ctx.Err() == nil {
		s.logger.Warn("log post failed", "stream", stream, "lines", len(batch), "error", err)
	}
}

func (s *logShipper) flushAll(ctx context.Context) {
	s.flush(ctx, models.StreamStdout)
	s.flush(ctx, models.StreamStderr)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
