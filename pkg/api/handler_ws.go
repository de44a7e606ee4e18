package api

import (
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"

	"github.com/pushpals/pushpals/pkg/events"
	"github.com/pushpals/pushpals/pkg/models"
)

// wsFrame is one server-to-client WebSocket message.
type wsFrame struct {
	Envelope models.Envelope `json:"envelope"`
	Cursor   int64           `json:"cursor"`
}

// wsHandler handles GET /sessions/:id/ws. Each frame is {envelope, cursor};
// on close the client reconnects with the highest cursor it durably
// processed.
func (s *Server) wsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.sessions.Get(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}

	after, err := parseAfterCursor(c)
	if err != nil {
		return err
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Agents connect from arbitrary local origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	sub, err := s.subscriber.Subscribe(ctx, sessionID, after)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil
	}
	defer sub.Close()
	if s.metrics != nil {
		s.metrics.SubscriberAttached()
		defer s.metrics.SubscriberDetached()
	}

	// Drain client frames so pings and close frames are processed. Incoming
	// data frames are ignored; commands go through the HTTP endpoint.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				sub.Close()
				return
			}
		}
	}()

	writeTimeout := s.cfg.Events.WriteTimeout.Duration
	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				if errors.Is(sub.Err(), events.ErrSlowConsumer) {
					_ = conn.Close(websocket.StatusPolicyViolation, "backpressure: subscriber too slow")
				} else {
					_ = conn.Close(websocket.StatusNormalClosure, "")
				}
				return nil
			}
			writeCtx, cancel := contextWithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, wsFrame{Envelope: ev.Envelope, Cursor: ev.Cursor})
			cancel()
			if err != nil {
				return nil
			}

		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return nil
		}
	}
}
