package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	sessionCtxKey struct{}
	commandCtxKey struct{}
	agentCtxKey   struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// ContextFields returns the correlation fields carried by ctx: trace and
// span ids from OpenTelemetry plus the session, command, agent and request
// ids set with the With* helpers.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if id := CommandIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("command.id", id))
	}
	if id := AgentIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("agent.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

func withID(ctx context.Context, key any, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithSessionID tags ctx with a session id. Malformed ids are ignored.
func WithSessionID(ctx context.Context, id string) context.Context {
	return withID(ctx, sessionCtxKey{}, id)
}

// SessionIDFromContext returns the session id, or "".
func SessionIDFromContext(ctx context.Context) string { return idFrom(ctx, sessionCtxKey{}) }

// WithCommandID tags ctx with a command id. Malformed ids are ignored.
func WithCommandID(ctx context.Context, id string) context.Context {
	return withID(ctx, commandCtxKey{}, id)
}

// CommandIDFromContext returns the command id, or "".
func CommandIDFromContext(ctx context.Context) string { return idFrom(ctx, commandCtxKey{}) }

// WithAgentID tags ctx with the acting agent. Malformed ids are ignored.
func WithAgentID(ctx context.Context, id string) context.Context {
	return withID(ctx, agentCtxKey{}, id)
}

// AgentIDFromContext returns the agent id, or "".
func AgentIDFromContext(ctx context.Context) string { return idFrom(ctx, agentCtxKey{}) }

// WithRequestID tags ctx with an HTTP request id. Malformed ids are ignored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string { return idFrom(ctx, requestCtxKey{}) }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
