package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/pushpals/pushpals/pkg/services"
)

// heartbeatHandler handles PUT /workers/heartbeat. First heartbeat
// registers the worker; subsequent ones refresh it.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	w, err := s.workers.Heartbeat(c.Request().Context(), services.HeartbeatParams{
		WorkerID:     req.WorkerID,
		Status:       req.Status,
		CurrentJobID: req.CurrentJobID,
		PollMs:       req.PollMs,
		Capabilities: req.Capabilities,
		Details:      req.Details,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, w)
}

// listWorkersHandler handles GET /workers?ttlMs=. ttlMs overrides the
// configured liveness threshold for this read only.
func (s *Server) listWorkersHandler(c *echo.Context) error {
	var ttl time.Duration
	if raw := c.QueryParam("ttlMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "ttlMs must be a positive integer")
		}
		ttl = time.Duration(ms) * time.Millisecond
	}

	snaps, err := s.workers.ListWithTTL(c.Request().Context(), ttl)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, snaps)
}

// getWorkerHandler handles GET /workers/:id.
func (s *Server) getWorkerHandler(c *echo.Context) error {
	snap, err := s.workers.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, snap)
}
