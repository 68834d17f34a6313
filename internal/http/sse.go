package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/logging"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// handleStream streams a session's events as Server-Sent Events.
//
// Each event is written as
//
//	id: <sequence>
//	event: <kind>
//	data: <event JSON>
//
// A reconnecting client sends the last id it saw in Last-Event-ID (or
// ?since=N) and receives everything after it before live events. The
// stream ends with an "end" event when the session completes, or an
// "error" event when the client falls too far behind.
func (s *Server) handleStream(c echo.Context) error {
	since, err := parseSequence(c.Request().Header.Get("Last-Event-ID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Last-Event-ID must be a sequence number")
	}
	if since == 0 {
		if since, err = parseSequence(c.QueryParam("since")); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative integer")
		}
	}

	id := c.Param("id")
	sub, err := s.sessions.SubscribeSince(id, since)
	if err != nil {
		return apiError(err)
	}
	defer sub.Close()

	ctx := logging.WithSessionID(c.Request().Context(), id)

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return s.endStream(c, sub.Err())
			}
			if err := writeEvent(c.Response(), ev); err != nil {
				s.logger.Debug("sse write failed", append(logging.ContextFields(ctx), zap.Error(err))...)
				return nil
			}
			c.Response().Flush()

		case <-ticker.C:
			fmt.Fprint(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-s.closing:
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

func writeEvent(w http.ResponseWriter, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, data)
	return err
}

func (s *Server) endStream(c echo.Context, cause error) error {
	event, msg := "end", "session closed"
	if cause != nil && !errors.Is(cause, eventlog.ErrLogClosed) {
		event, msg = "error", cause.Error()
	}
	data, _ := json.Marshal(ErrorResponse{Error: msg})
	fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, data)
	c.Response().Flush()
	return nil
}
