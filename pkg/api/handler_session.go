package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// createSessionHandler handles POST /sessions. Creation is idempotent:
// posting an existing id returns it with created=false. A missing id mints
// a fresh one.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sess, created, err := s.sessions.Create(c.Request().Context(), req.SessionID)
	if err != nil {
		return mapServiceError(err)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, createSessionResponse{
		SessionID: sess.ID,
		Created:   created,
	})
}

// listSessionsHandler handles GET /sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	sessions, err := s.sessions.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// getSessionHandler handles GET /sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sess)
}
