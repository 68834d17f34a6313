package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithCommandID(ctx, "cmd-1")
	ctx = WithAgentID(ctx, "agent:claude")
	ctx = WithRequestID(ctx, "req.42")

	assert.Equal(t, "sess-1", SessionIDFromContext(ctx))
	assert.Equal(t, "cmd-1", CommandIDFromContext(ctx))
	assert.Equal(t, "agent:claude", AgentIDFromContext(ctx))
	assert.Equal(t, "req.42", RequestIDFromContext(ctx))
}

func TestContextIDs_InvalidIgnored(t *testing.T) {
	for _, id := range []string{"", "has space", "semi;colon", strings.Repeat("a", 129)} {
		ctx := WithSessionID(context.Background(), id)
		assert.Empty(t, SessionIDFromContext(ctx), id)
	}
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithAgentID(ctx, "planner")

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range ContextFields(ctx) {
		f.AddTo(enc)
	}
	assert.Equal(t, map[string]any{
		"trace_id":   "4bf92f3577b34da6a3ce929d0e0e4736",
		"span_id":    "00f067aa0ba902b7",
		"session.id": "sess-1",
		"agent.id":   "planner",
	}, enc.Fields)
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	ctx = WithSessionID(ctx, "sess-9")
	FromContext(ctx).Warn(ctx, "session paused", zap.String("actor", "operator"))

	tl.AssertLogged(t, zapcore.WarnLevel, "session paused")
	tl.AssertField(t, "session paused", "session.id", "sess-9")
	tl.AssertField(t, "session paused", "actor", "operator")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "session paused")

	tl.Reset()
	assert.Empty(t, tl.All())
}
