package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/logging"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// defaultActor is recorded for lifecycle calls that name no actor.
const defaultActor = "api"

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:         "ok",
		ActiveSessions: len(s.sessions.GetActiveSessions()),
	}
	if s.telemetry != nil {
		h := s.telemetry.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	state, err := s.sessions.CreateSession(c.Request().Context(), req)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusCreated, state.Info())
}

func (s *Server) handleListSessions(c echo.Context) error {
	active, _ := strconv.ParseBool(c.QueryParam("active"))
	sessions := s.sessions.Sessions()
	if active {
		sessions = s.sessions.GetActiveSessions()
	}
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: sessions})
}

func (s *Server) handleGetSession(c echo.Context) error {
	state, err := s.sessions.GetSession(c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, state.Info())
}

func (s *Server) handleEvictSession(c echo.Context) error {
	if err := s.sessions.EvictSession(c.Param("id")); err != nil {
		return apiError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type transitionFunc func(ctx context.Context, id string, req TransitionRequest) error

// handleTransition runs a lifecycle operation and replies with the
// session's new summary. The body is optional.
func (s *Server) handleTransition(apply transitionFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req TransitionRequest
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&req); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
			}
		}
		if req.Actor == "" {
			req.Actor = defaultActor
		}
		id := c.Param("id")
		ctx := logging.WithAgentID(logging.WithSessionID(c.Request().Context(), id), req.Actor)
		if err := apply(ctx, id, req); err != nil {
			return apiError(err)
		}
		state, err := s.sessions.GetSession(id)
		if err != nil {
			return apiError(err)
		}
		return c.JSON(http.StatusOK, state.Info())
	}
}

// handlePublishCommand accepts a command for the session in the path. The
// reply only acknowledges submission; refusals and results are events.
func (s *Server) handlePublishCommand(c echo.Context) error {
	var cmd protocol.Command
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid command: "+err.Error())
	}
	id := c.Param("id")
	switch cmd.Correlation.SessionID {
	case "":
		cmd.Correlation.SessionID = id
	case id:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "correlation.sessionId does not match path")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	ctx := logging.WithCommandID(logging.WithSessionID(c.Request().Context(), id), cmd.ID)
	if err := s.sessions.PublishCommand(ctx, cmd); err != nil {
		return apiError(err)
	}
	s.logger.Debug("command submitted", append(logging.ContextFields(ctx),
		zap.String("command.kind", string(cmd.Kind)))...)
	return c.JSON(http.StatusAccepted, CommandResponse{SessionID: id, CommandID: cmd.ID})
}

// handlePublishEvent appends an externally produced event, such as a
// PlanUpdated from a planner, and replies with it as recorded.
func (s *Server) handlePublishEvent(c echo.Context) error {
	var ev protocol.Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event: "+err.Error())
	}
	id := c.Param("id")
	switch ev.Correlation.SessionID {
	case "":
		ev.Correlation.SessionID = id
	case id:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "correlation.sessionId does not match path")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	recorded, err := s.sessions.PublishEvent(c.Request().Context(), ev)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusCreated, recorded)
}

func (s *Server) handleListEvents(c echo.Context) error {
	since, err := parseSequence(c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative integer")
	}
	events, err := s.sessions.EventsSince(c.Param("id"), since)
	if err != nil {
		return apiError(err)
	}
	if events == nil {
		events = []protocol.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func parseSequence(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
