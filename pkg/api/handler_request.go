package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/pushpals/pushpals/pkg/services"
)

// enqueueRequestHandler handles POST /requests/enqueue.
func (s *Server) enqueueRequestHandler(c *echo.Context) error {
	var req enqueueRequestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, created, err := s.requests.Enqueue(c.Request().Context(), services.EnqueueRequestParams{
		SessionID:         req.SessionID,
		Prompt:            req.OriginalPrompt,
		EnhancedPrompt:    req.EnhancedPrompt,
		Priority:          req.Priority,
		QueueWaitBudgetMs: req.QueueWaitBudgetMs,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, enqueueRequestResponse{
		OK:        true,
		RequestID: row.ID,
		Created:   created,
	})
}

// claimRequestHandler handles POST /requests/claim. An empty queue returns
// ok with no request rather than an error, so pollers distinguish "nothing
// to do" from failure.
func (s *Server) claimRequestHandler(c *echo.Context) error {
	var req claimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, err := s.requests.Claim(c.Request().Context(), req.AgentID)
	if err != nil {
		return mapServiceError(err)
	}
	resp := claimRequestResponse{OK: true}
	if row != nil {
		resp.Request = row
		wait := row.ClaimedAt.Sub(row.EnqueuedAt).Milliseconds()
		resp.QueueWaitMs = &wait
		if s.metrics != nil {
			s.metrics.ClaimGranted("requests")
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// completeRequestHandler handles POST /requests/:id/complete.
func (s *Server) completeRequestHandler(c *echo.Context) error {
	var req completeRequestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	row, err := s.requests.Complete(c.Request().Context(), c.Param("id"),
		req.AgentID, req.EnhancedPrompt, req.Result)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// failRequestHandler handles POST /requests/:id/fail.
func (s *Server) failRequestHandler(c *echo.Context) error {
	var req failRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	row, err := s.requests.Fail(c.Request().Context(), c.Param("id"),
		req.AgentID, req.Message, req.Detail)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// listRequestsHandler handles GET /requests. With sessionId it scopes to one
// session; otherwise it returns the most recent rows.
func (s *Server) listRequestsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	if sessionID := c.QueryParam("sessionId"); sessionID != "" {
		rows, err := s.requests.ListBySession(ctx, sessionID)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, rows)
	}
	rows, err := s.requests.List(ctx, parseLimit(c, 100))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

// getRequestHandler handles GET /requests/:id.
func (s *Server) getRequestHandler(c *echo.Context) error {
	row, err := s.requests.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, row)
}

// requestPositionHandler handles GET /requests/:id/position.
func (s *Server) requestPositionHandler(c *echo.Context) error {
	pos, err := s.requests.Position(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, pos)
}
