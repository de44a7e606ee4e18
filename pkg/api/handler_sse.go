package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/pushpals/pushpals/pkg/events"
)

// sseHeartbeatInterval is the keep-alive comment cadence.
const sseHeartbeatInterval = 20 * time.Second

// sseHandler handles GET /sessions/:id/events. Frames are
//
//	id: <cursor>
//	data: <envelope JSON>
//
// so EventSource clients resume automatically from their last cursor; the
// after query parameter serves manual resumption.
func (s *Server) sseHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.sessions.Get(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}

	after, err := parseAfterCursor(c)
	if err != nil {
		return err
	}

	w := c.Response()
	flusher, ok := w.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub, err := s.subscriber.Subscribe(c.Request().Context(), sessionID, after)
	if err != nil {
		return mapServiceError(err)
	}
	defer sub.Close()
	if s.metrics != nil {
		s.metrics.SubscriberAttached()
		defer s.metrics.SubscriberDetached()
	}

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				if errors.Is(sub.Err(), events.ErrSlowConsumer) {
					fmt.Fprintf(w, "event: backpressure\ndata: {\"reason\":\"subscriber too slow\"}\n\n")
					flusher.Flush()
				}
				return nil
			}
			data, err := json.Marshal(ev.Envelope)
			if err != nil {
				s.logger.Error("failed to encode SSE envelope",
					"session_id", sessionID, "cursor", ev.Cursor, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Cursor, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ":\n\n")
			flusher.Flush()

		case <-ctx.Done():
			return nil
		}
	}
}

// parseAfterCursor reads the resume cursor from the after query parameter,
// falling back to the SSE Last-Event-ID header on automatic reconnects.
func parseAfterCursor(c *echo.Context) (int64, error) {
	raw := c.QueryParam("after")
	if raw == "" {
		raw = c.Request().Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "after must be a non-negative integer")
	}
	return after, nil
}
