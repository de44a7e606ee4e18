package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// maxCommandBytes bounds a single envelope body.
const maxCommandBytes = 1 << 20

// commandHandler handles POST /sessions/:id/command. The body is a raw
// protocol envelope; it is schema-validated, stamped, appended to the
// session's event log, and fanned out to subscribers.
func (s *Server) commandHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCommandBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(raw) > maxCommandBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "envelope too large")
	}

	env, err := s.validator.Validate(sessionID, raw)
	if err != nil {
		return mapServiceError(err)
	}

	ev, err := s.publisher.Append(c.Request().Context(), *env)
	if err != nil {
		return mapServiceError(err)
	}
	if s.metrics != nil {
		s.metrics.EventAppended()
	}

	return c.JSON(http.StatusOK, commandResponse{
		OK:      true,
		EventID: ev.Envelope.ID,
		Cursor:  ev.Cursor,
	})
}
