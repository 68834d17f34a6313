package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// statusFor maps manager and log errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrDuplicateSession),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrSessionActive),
		errors.Is(err, eventlog.ErrDuplicateTerminal),
		errors.Is(err, eventlog.ErrLogClosed):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidConfig),
		errors.Is(err, orchestrator.ErrReservedEvent),
		errors.Is(err, protocol.ErrMissingSession),
		errors.Is(err, protocol.ErrInvalidID),
		errors.Is(err, protocol.ErrInvalidArtifact),
		errors.Is(err, eventlog.ErrSessionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// apiError converts err to an *echo.HTTPError carrying its mapped status.
func apiError(err error) error {
	return echo.NewHTTPError(statusFor(err), err.Error()).SetInternal(err)
}

// errorHandler writes every error as ErrorResponse. Internal errors are
// logged and their detail withheld.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Error(err))
		if he == nil {
			msg = http.StatusText(code)
		}
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, ErrorResponse{Error: msg})
	}
	if err != nil {
		s.logger.Warn("write error response", zap.Error(err))
	}
}
