package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/policy"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
	"github.com/fyrsmithlabs/agenthub/internal/ratelimit"
)

const reasonNoAdapter = "No adapter available"

// PublishCommand runs cmd through the dispatch pipeline: session state,
// duplicate id, policy, rate limits and routing. Every refusal is recorded
// in the session log as an event. On success the command is handed to its
// adapter on a new goroutine and PublishCommand returns immediately.
//
// An error is returned only when the session is unknown or the envelope is
// invalid.
func (m *Manager) PublishCommand(ctx context.Context, cmd protocol.Command) (err error) {
	cmd = m.normalize(cmd)
	if err := cmd.Validate(); err != nil {
		return err
	}
	s, err := m.session(cmd.Correlation.SessionID)
	if err != nil {
		return err
	}

	ctx, span := m.tracer.Start(ctx, "orchestrator.PublishCommand",
		trace.WithAttributes(
			attribute.String("session.id", s.ID()),
			attribute.String("command.id", cmd.ID),
			attribute.String("command.kind", string(cmd.Kind)),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in dispatch pipeline",
				zap.String("session.id", s.ID()),
				zap.String("command.id", cmd.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			span.SetStatus(codes.Error, "panic")
			m.reject(s, cmd, fmt.Sprintf("internal error: %v", r), protocol.RuleInternal)
			err = nil
		}
	}()

	outcome := m.admit(ctx, s, cmd)
	span.SetAttributes(attribute.String("command.admission", outcome))
	return nil
}

// normalize fills in the id, issue time, kind and correlation command id.
func (m *Manager) normalize(cmd protocol.Command) protocol.Command {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = m.now()
	}
	if cmd.Kind == "" && cmd.Payload != nil {
		cmd.Kind = cmd.Payload.CommandKind()
	}
	if cmd.Correlation.CommandID == "" {
		cmd.Correlation.CommandID = cmd.ID
	}
	return cmd
}

// admit applies the gates in order and returns the admission result used
// for metrics and tracing.
func (m *Manager) admit(ctx context.Context, s *SessionState, cmd protocol.Command) string {
	facts, status, rule := s.admit(cmd)
	switch rule {
	case protocol.RuleSessionState:
		m.reject(s, cmd, fmt.Sprintf("session is %s", status), rule)
		return resultRejected
	case protocol.RuleDuplicateCommand:
		m.reject(s, cmd, fmt.Sprintf("command id %s already submitted", cmd.ID), rule)
		return resultRejected
	}

	if d := policy.Evaluate(cmd, s.profile, facts); !d.Allowed {
		m.reject(s, cmd, d.Reason, string(d.Rule))
		if d.Rule == policy.RuleRequireApproval && status == protocol.StatusRunning {
			if err := m.RequestApproval(ctx, s.ID(), "policy", d.Reason); err != nil && !errors.Is(err, ErrInvalidTransition) {
				m.logger.Warn("request approval failed", zap.String("session.id", s.ID()), zap.Error(err))
			}
		}
		return resultRejected
	}

	buckets := append([]ratelimit.Bucket{ratelimit.ScopeBucket(ratelimit.GlobalScope, m.globalLimits)},
		ratelimit.SessionBuckets(s.ID(), cmd.Kind, s.profile.Limits)...)
	if d := m.limiter.Acquire(buckets...); !d.Allowed {
		s.release(cmd.ID)
		m.throttle(s, cmd, d)
		return resultThrottled
	}

	adapter, ok := m.router.route(cmd.Kind)
	if !ok {
		m.reject(s, cmd, reasonNoAdapter, protocol.RuleRouting)
		return resultRejected
	}

	m.dispatch(ctx, s, adapter, cmd)
	return resultDispatched
}

func (m *Manager) reject(s *SessionState, cmd protocol.Command, reason, rule string) {
	m.metrics.command(cmd.Kind, resultRejected)
	m.logger.Info("command rejected",
		zap.String("session.id", s.ID()),
		zap.String("command.id", cmd.ID),
		zap.String("command.kind", string(cmd.Kind)),
		zap.String("rule", rule),
		zap.String("reason", reason))
	if err := s.Reject(cmd, reason, rule); err != nil {
		m.logger.Warn("record rejection failed",
			zap.String("session.id", s.ID()),
			zap.String("command.id", cmd.ID),
			zap.Error(err))
	}
}

func (m *Manager) throttle(s *SessionState, cmd protocol.Command, d ratelimit.Decision) {
	m.metrics.command(cmd.Kind, resultThrottled)
	m.logger.Debug("command throttled",
		zap.String("session.id", s.ID()),
		zap.String("command.id", cmd.ID),
		zap.String("scope", d.Scope),
		zap.Time("retry_after", d.RetryAfter))
	if err := s.Emit(cmd, protocol.Throttled{Scope: d.Scope, RetryAfter: d.RetryAfter}); err != nil {
		m.logger.Warn("record throttle failed", zap.String("session.id", s.ID()), zap.Error(err))
	}
}

// dispatch hands cmd to adapter on its own goroutine. The goroutine runs
// under the session context, linked to the caller's span.
func (m *Manager) dispatch(ctx context.Context, s *SessionState, adapter Adapter, cmd protocol.Command) {
	m.metrics.command(cmd.Kind, resultDispatched)
	s.markInFlight(cmd)

	sessionCtx := s.Context()
	link := trace.LinkFromContext(ctx)

	m.inflight.Add(1)
	if m.metrics != nil {
		m.metrics.InFlight.Inc()
	}
	go func() {
		defer m.inflight.Done()
		if m.metrics != nil {
			defer m.metrics.InFlight.Dec()
		}
		m.runAdapter(sessionCtx, link, s, adapter, cmd)
	}()
}

// runAdapter calls the adapter and guarantees exactly one terminal event for
// cmd: a nil return without one becomes Success, an error or panic becomes
// Failure.
func (m *Manager) runAdapter(ctx context.Context, link trace.Link, s *SessionState, adapter Adapter, cmd protocol.Command) {
	ctx, span := m.tracer.Start(ctx, "orchestrator.dispatch",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("session.id", s.ID()),
			attribute.String("command.id", cmd.ID),
			attribute.String("command.kind", string(cmd.Kind)),
			attribute.String("adapter", adapter.Name()),
		))
	defer span.End()
	start := time.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("adapter %s panicked: %v", adapter.Name(), r)
				m.logger.Error("adapter panic",
					zap.String("session.id", s.ID()),
					zap.String("command.id", cmd.ID),
					zap.String("adapter", adapter.Name()),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		err = adapter.HandleCommand(ctx, cmd, s)
	}()

	outcome := protocol.OutcomeSuccess
	if err != nil {
		outcome = protocol.OutcomeFailure
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if !s.log.HasTerminal(cmd.ID) {
		var appendErr error
		if err != nil {
			appendErr = s.Fail(cmd, err.Error())
		} else {
			appendErr = s.Complete(cmd, "")
		}
		if appendErr != nil && !errors.Is(appendErr, eventlog.ErrDuplicateTerminal) {
			m.logger.Warn("record command outcome failed",
				zap.String("session.id", s.ID()),
				zap.String("command.id", cmd.ID),
				zap.Error(appendErr))
		}
	} else if err != nil {
		m.logger.Warn("adapter returned error after reporting outcome",
			zap.String("session.id", s.ID()),
			zap.String("command.id", cmd.ID),
			zap.String("adapter", adapter.Name()),
			zap.Error(err))
	}

	if m.metrics != nil {
		m.metrics.DispatchDuration.WithLabelValues(string(cmd.Kind), string(outcome)).Observe(time.Since(start).Seconds())
	}
	m.logger.Debug("command dispatched",
		zap.String("session.id", s.ID()),
		zap.String("command.id", cmd.ID),
		zap.String("adapter", adapter.Name()),
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", time.Since(start)))
}
