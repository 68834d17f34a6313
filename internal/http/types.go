package http

import (
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/telemetry"
)

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest = orchestrator.SessionConfig

// TransitionRequest is the optional body of the lifecycle endpoints.
type TransitionRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CommandResponse acknowledges a submitted command. The outcome is
// reported through the session's events.
type CommandResponse struct {
	SessionID string `json:"sessionId"`
	CommandID string `json:"commandId"`
}

// SessionListResponse is the body of GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []orchestrator.SessionInfo `json:"sessions"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string                  `json:"status"`
	ActiveSessions int                     `json:"activeSessions"`
	Telemetry      *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
