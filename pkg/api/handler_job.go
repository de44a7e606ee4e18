package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/pushpals/pushpals/pkg/models"
	"github.com/pushpals/pushpals/pkg/services"
)

// publishJobEvent mirrors a job queue transition into the session event log.
// The transition already committed, so append failures are logged and the
// response stays successful.
func (s *Server) publishJobEvent(ctx context.Context, sessionID string, typ models.EventType, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode job lifecycle event",
			"session_id", sessionID, "type", typ, "error", err)
		return
	}
	if _, err := s.publisher.Append(ctx, models.Envelope{
		ProtocolVersion: models.ProtocolVersion,
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Type:            typ,
		From:            "server",
		Payload:         raw,
	}); err != nil {
		s.logger.Error("failed to append job lifecycle event",
			"session_id", sessionID, "type", typ, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.EventAppended()
	}
}

// enqueueJobHandler handles POST /jobs/enqueue.
func (s *Server) enqueueJobHandler(c *echo.Context) error {
	var req enqueueJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, created, err := s.jobs.Enqueue(c.Request().Context(), services.EnqueueJobParams{
		SessionID:            req.SessionID,
		TaskID:               req.TaskID,
		Kind:                 req.Kind,
		Params:               req.Params,
		Priority:             req.Priority,
		TargetWorkerID:       req.TargetWorkerID,
		QueueWaitBudgetMs:    req.QueueWaitBudgetMs,
		ExecutionBudgetMs:    req.ExecutionBudgetMs,
		FinalizationBudgetMs: req.FinalizationBudgetMs,
		IdempotencyKey:       req.IdempotencyKey,
	})
	if err != nil {
		return mapServiceError(err)
	}
	if created {
		payload := map[string]any{
			"jobId":    row.ID,
			"kind":     row.Kind,
			"priority": row.Priority,
		}
		if row.TaskID != "" {
			payload["taskId"] = row.TaskID
		}
		if row.TargetWorkerID != "" {
			payload["targetWorkerId"] = row.TargetWorkerID
		}
		s.publishJobEvent(c.Request().Context(), row.SessionID, models.EventJobEnqueued, payload)
	}
	return c.JSON(http.StatusOK, enqueueJobResponse{
		OK:      true,
		JobID:   row.ID,
		Created: created,
	})
}

// claimJobHandler handles POST /jobs/claim.
func (s *Server) claimJobHandler(c *echo.Context) error {
	var req claimJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, err := s.jobs.Claim(c.Request().Context(), req.WorkerID)
	if err != nil {
		return mapServiceError(err)
	}
	resp := claimJobResponse{OK: true}
	if row != nil {
		resp.Job = row
		wait := row.ClaimedAt.Sub(row.EnqueuedAt).Milliseconds()
		resp.QueueWaitMs = &wait
		if s.metrics != nil {
			s.metrics.ClaimGranted("jobs")
		}
		s.publishJobEvent(c.Request().Context(), row.SessionID, models.EventJobClaimed, map[string]any{
			"jobId":       row.ID,
			"workerId":    row.WorkerID,
			"queueWaitMs": wait,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// startJobHandler handles POST /jobs/:id/start.
func (s *Server) startJobHandler(c *echo.Context) error {
	var req claimJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, err := s.jobs.Start(c.Request().Context(), c.Param("id"), req.WorkerID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// appendJobLogsHandler handles POST /jobs/:id/log. The body is either a
// single {stream, seq, line} or a batch {lines: [...]}.
func (s *Server) appendJobLogsHandler(c *echo.Context) error {
	jobID := c.Param("id")
	var req jobLogRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	var lines []models.LogLine
	if len(req.Lines) > 0 {
		lines = make([]models.LogLine, 0, len(req.Lines))
		for _, l := range req.Lines {
			lines = append(lines, models.LogLine{
				JobID:  jobID,
				Stream: l.Stream,
				Seq:    l.Seq,
				Line:   l.Line,
			})
		}
	} else {
		lines = []models.LogLine{{
			JobID:  jobID,
			Stream: req.Stream,
			Seq:    req.Seq,
			Line:   req.Line,
		}}
	}

	if err := s.jobs.AppendLogs(c.Request().Context(), jobID, lines); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

// tailJobLogsHandler handles GET /jobs/:id/logs?stream=&after=&limit=.
// Without a stream filter the response carries both streams.
func (s *Server) tailJobLogsHandler(c *echo.Context) error {
	jobID := c.Param("id")

	stream := models.LogStream(c.QueryParam("stream"))

	var after int64
	if raw := c.QueryParam("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be a non-negative integer")
		}
		after = parsed
	}

	lines, err := s.jobs.TailLogs(c.Request().Context(), jobID, stream, after, parseLimit(c, 500))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, logsResponse{JobID: jobID, Lines: lines})
}

// completeJobHandler handles POST /jobs/:id/complete.
func (s *Server) completeJobHandler(c *echo.Context) error {
	var req workerJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, err := s.jobs.Complete(c.Request().Context(), c.Param("id"), req.WorkerID, req.Result)
	if err != nil {
		return mapServiceError(err)
	}
	s.publishJobEvent(c.Request().Context(), row.SessionID, models.EventJobCompleted, map[string]any{
		"jobId": row.ID,
	})
	return c.JSON(http.StatusOK, row)
}

// failJobHandler handles POST /jobs/:id/fail.
func (s *Server) failJobHandler(c *echo.Context) error {
	var req failJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	row, err := s.jobs.Fail(c.Request().Context(), c.Param("id"),
		req.WorkerID, req.Message, req.Detail)
	if err != nil {
		return mapServiceError(err)
	}
	s.publishJobEvent(c.Request().Context(), row.SessionID, models.EventJobFailed, map[string]any{
		"jobId":    row.ID,
		"reason":   req.Message,
		"requeued": false,
	})
	return c.JSON(http.StatusOK, row)
}

// releaseJobHandler handles POST /jobs/:id/release, revoking a claim before
// work started.
func (s *Server) releaseJobHandler(c *echo.Context) error {
	var req releaseJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, err := s.jobs.Release(c.Request().Context(), c.Param("id"), req.KeepTarget)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// listJobsHandler handles GET /jobs.
func (s *Server) listJobsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	if sessionID := c.QueryParam("sessionId"); sessionID != "" {
		rows, err := s.jobs.ListBySession(ctx, sessionID)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, rows)
	}
	rows, err := s.jobs.ListRecent(ctx, parseLimit(c, 100))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

// getJobHandler handles GET /jobs/:id.
func (s *Server) getJobHandler(c *echo.Context) error {
	row, err := s.jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// parseLimit reads the limit query parameter with a default.
func parseLimit(c *echo.Context, def int) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
