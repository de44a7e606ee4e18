package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/pushpals/pushpals/pkg/services"
)

// enqueueCompletionHandler handles POST /completions/enqueue.
func (s *Server) enqueueCompletionHandler(c *echo.Context) error {
	var req enqueueCompletionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, created, err := s.completions.Enqueue(c.Request().Context(), services.EnqueueCompletionParams{
		SessionID:      req.SessionID,
		JobID:          req.JobID,
		CommitSHA:      req.CommitSHA,
		Branch:         req.Branch,
		Message:        req.Message,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, enqueueCompletionResponse{
		OK:           true,
		CompletionID: row.ID,
		Created:      created,
	})
}

// claimCompletionHandler handles POST /completions/claim.
func (s *Server) claimCompletionHandler(c *echo.Context) error {
	var req claimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, err := s.completions.Claim(c.Request().Context(), req.AgentID)
	if err != nil {
		return mapServiceError(err)
	}
	resp := claimCompletionResponse{OK: true}
	if row != nil {
		resp.Completion = row
		if s.metrics != nil {
			s.metrics.ClaimGranted("completions")
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// processCompletionHandler handles POST /completions/:id/complete. The
// terminal state for this queue is processed.
func (s *Server) processCompletionHandler(c *echo.Context) error {
	var req processCompletionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, err := s.completions.Process(c.Request().Context(), c.Param("id"),
		req.AgentID, req.PusherID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// failCompletionHandler handles POST /completions/:id/fail.
func (s *Server) failCompletionHandler(c *echo.Context) error {
	var req failRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	row, err := s.completions.Fail(c.Request().Context(), c.Param("id"),
		req.AgentID, req.Message, req.Detail)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// listCompletionsHandler handles GET /completions.
func (s *Server) listCompletionsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	if sessionID := c.QueryParam("sessionId"); sessionID != "" {
		rows, err := s.completions.ListBySession(ctx, sessionID)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, rows)
	}
	rows, err := s.completions.List(ctx, parseLimit(c, 100))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

// getCompletionHandler handles GET /completions/:id.
func (s *Server) getCompletionHandler(c *echo.Context) error {
	row, err := s.completions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}
