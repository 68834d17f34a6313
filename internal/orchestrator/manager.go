package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/hooks"
	"github.com/fyrsmithlabs/agenthub/internal/policy"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
	"github.com/fyrsmithlabs/agenthub/internal/ratelimit"
	"github.com/fyrsmithlabs/agenthub/internal/secrets"
)

const tracerName = "github.com/fyrsmithlabs/agenthub/internal/orchestrator"

// Options configures a Manager. Every field is optional.
type Options struct {
	// Adapters are consulted in order; the first that handles a kind wins.
	Adapters []Adapter

	// DefaultProfile applies to sessions created without a policy.
	DefaultProfile policy.Profile

	// GlobalLimits is the hub-wide bucket shared by all sessions.
	GlobalLimits policy.RateLimits

	Limiter  *ratelimit.Limiter
	Hooks    *hooks.HookManager
	Scrubber secrets.Scrubber

	// Sink receives every event of every session, in per-session order.
	Sink eventlog.Sink

	Logger  *zap.Logger
	Tracer  trace.Tracer
	Metrics *Metrics

	// SubscriberBuffer is the channel capacity of each subscription.
	SubscriberBuffer int

	// Retention is how long Completed and Error sessions stay queryable.
	// Zero keeps them until EvictSession.
	Retention time.Duration

	Clock func() time.Time
}

// Manager owns the sessions of one hub: their lifecycle, their event logs
// and the command dispatch pipeline.
type Manager struct {
	router         router
	defaultProfile policy.Profile
	globalLimits   policy.RateLimits
	limiter        *ratelimit.Limiter
	hooks          *hooks.HookManager
	scrubber       secrets.Scrubber
	sink           eventlog.Sink
	logger         *zap.Logger
	tracer         trace.Tracer
	metrics        *Metrics
	buffer         int
	retention      time.Duration
	now            func() time.Time

	mu       sync.RWMutex
	sessions map[string]*SessionState
	closed   bool

	inflight sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	janitor  sync.WaitGroup
}

// NewManager creates a Manager. When Retention is set a background janitor
// evicts expired terminal sessions until Close.
func NewManager(opts Options) *Manager {
	m := &Manager{
		router:         newRouter(opts.Adapters),
		defaultProfile: opts.DefaultProfile.Clone(),
		globalLimits:   opts.GlobalLimits,
		limiter:        opts.Limiter,
		hooks:          opts.Hooks,
		scrubber:       opts.Scrubber,
		sink:           metricsSink{metrics: opts.Metrics, next: opts.Sink},
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		metrics:        opts.Metrics,
		buffer:         opts.SubscriberBuffer,
		retention:      opts.Retention,
		now:            opts.Clock,
		sessions:       make(map[string]*SessionState),
		stop:           make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	if m.limiter == nil {
		m.limiter = ratelimit.New(ratelimit.WithClock(m.clock))
	}
	if m.hooks == nil {
		m.hooks = hooks.NewHookManager(nil)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.buffer <= 0 {
		m.buffer = eventlog.DefaultBuffer
	}
	if m.retention > 0 {
		m.janitor.Add(1)
		go m.runJanitor()
	}
	return m
}

func (m *Manager) clock() time.Time { return m.now() }

// CreateSession validates cfg and registers a new Running session.
func (m *Manager) CreateSession(ctx context.Context, cfg SessionConfig) (*SessionState, error) {
	cfg = cfg.Clone()
	if cfg.ID == "" {
		cfg.ID = ulid.Make().String()
	}
	if err := protocol.ValidateID(cfg.ID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	profile := m.defaultProfile.Clone()
	if cfg.Policy != nil {
		profile = cfg.Policy.Clone()
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := m.router.checkProfile(profile); err != nil {
		return nil, err
	}
	cfg.Policy = &profile

	log := eventlog.New(cfg.ID,
		eventlog.WithBuffer(m.buffer),
		eventlog.WithSink(m.sink),
		eventlog.WithLogger(m.logger),
		eventlog.WithClock(m.now))
	s := newSessionState(cfg, profile, log, m.scrubber, m.now())

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, ErrManagerClosed
	case m.sessions[cfg.ID] != nil:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, cfg.ID)
	case cfg.ParentID != "" && m.sessions[cfg.ParentID] == nil:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: parent %s", ErrUnknownSession, cfg.ParentID)
	}
	m.sessions[cfg.ID] = s
	m.mu.Unlock()

	change, err := s.transition(operation{name: "create", to: protocol.StatusRunning, from: []protocol.SessionStatus{protocol.StatusUnknown}}, "", "", m.now())
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.SessionsCreatedTotal.Inc()
	}
	m.afterTransition(ctx, s, change)

	m.logger.Info("session created",
		zap.String("session.id", cfg.ID),
		zap.String("session.parent_id", cfg.ParentID),
		zap.String("agent.profile", cfg.AgentProfile))
	return s, nil
}

// PauseSession moves a Running session to Paused.
func (m *Manager) PauseSession(ctx context.Context, id, actor string) error {
	return m.apply(ctx, id, opPause, actor, "")
}

// ResumeSession moves a Paused or Error session to Running. Resuming from
// Error gives adapters a fresh session context.
func (m *Manager) ResumeSession(ctx context.Context, id, actor string) error {
	return m.apply(ctx, id, opResume, actor, "")
}

// AbortSession moves a session to Error and cancels the context handed to
// its in-flight adapters.
func (m *Manager) AbortSession(ctx context.Context, id, actor, reason string) error {
	return m.apply(ctx, id, opAbort, actor, reason)
}

// ApproveSession moves a NeedsApproval session back to Running and records
// the approval for the policy check.
func (m *Manager) ApproveSession(ctx context.Context, id, actor string) error {
	return m.apply(ctx, id, opApprove, actor, "")
}

// CompleteSession finishes a session. Its context is cancelled and live
// subscriptions end; history stays readable until eviction.
func (m *Manager) CompleteSession(ctx context.Context, id, actor string) error {
	return m.apply(ctx, id, opComplete, actor, "")
}

// RequestApproval moves a Running session to NeedsApproval.
func (m *Manager) RequestApproval(ctx context.Context, id, actor, reason string) error {
	return m.apply(ctx, id, opRequestApproval, actor, reason)
}

func (m *Manager) apply(ctx context.Context, id string, op operation, actor, reason string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	change, err := s.transition(op, actor, reason, m.now())
	if err != nil {
		return err
	}
	m.afterTransition(ctx, s, change)
	return nil
}

func (m *Manager) afterTransition(ctx context.Context, s *SessionState, change protocol.SessionStatusChanged) {
	m.metrics.transition(change.From, change.To)
	m.logger.Info("session status changed",
		zap.String("session.id", s.ID()),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.String("actor", change.Actor))

	data := hooks.Data{
		SessionID: s.ID(),
		ParentID:  s.cfg.ParentID,
		From:      string(change.From),
		To:        string(change.To),
		Actor:     change.Actor,
		Reason:    change.Reason,
	}
	if change.From == protocol.StatusUnknown {
		m.fireHook(ctx, hooks.HookSessionStart, data)
	}
	m.fireHook(ctx, hooks.HookStatusChanged, data)
	if change.To.IsTerminal() {
		m.fireHook(ctx, hooks.HookSessionEnd, data)
	}
}

func (m *Manager) fireHook(ctx context.Context, hook hooks.HookType, data hooks.Data) {
	if err := m.hooks.Execute(ctx, hook, data); err != nil {
		m.logger.Warn("session hook failed",
			zap.String("hook", string(hook)),
			zap.String("session.id", data.SessionID),
			zap.Error(err))
	}
}

func (m *Manager) session(id string) (*SessionState, error) {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// GetSession returns the live state of a session.
func (m *Manager) GetSession(id string) (*SessionState, error) {
	return m.session(id)
}

// GetSessionConfig returns a copy of a session's configuration.
func (m *Manager) GetSessionConfig(id string) (SessionConfig, error) {
	s, err := m.session(id)
	if err != nil {
		return SessionConfig{}, err
	}
	return s.Config(), nil
}

// Status returns a session's lifecycle status.
func (m *Manager) Status(id string) (protocol.SessionStatus, error) {
	s, err := m.session(id)
	if err != nil {
		return protocol.StatusUnknown, err
	}
	return s.Status(), nil
}

// GetActiveSessions returns the sessions that are neither Completed nor
// Error, oldest first.
func (m *Manager) GetActiveSessions() []SessionInfo {
	return m.list(false)
}

// Sessions returns every retained session, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	return m.list(true)
}

func (m *Manager) list(includeTerminal bool) []SessionInfo {
	m.mu.RLock()
	states := make([]*SessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		states = append(states, s)
	}
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(states))
	for _, s := range states {
		info := s.Info()
		if !includeTerminal && info.Status.IsTerminal() {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Config.ID < out[j].Config.ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribe returns a live subscription to a session's events, starting
// after the newest recorded event.
func (m *Manager) Subscribe(id string) (*eventlog.Subscription, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return s.log.Subscribe(), nil
}

// SubscribeSince returns recorded events after seq followed by live ones.
func (m *Manager) SubscribeSince(id string, seq uint64) (*eventlog.Subscription, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return s.log.SubscribeSince(seq), nil
}

// Events returns a snapshot of a session's history.
func (m *Manager) Events(id string) ([]protocol.Event, error) {
	return m.EventsSince(id, 0)
}

// EventsSince returns a snapshot of the events after seq.
func (m *Manager) EventsSince(id string, seq uint64) ([]protocol.Event, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return s.log.EventsSince(seq), nil
}

// PublishEvent appends ev to the log of the session it names. Status changes
// are recorded only by lifecycle operations, so the log never claims a
// transition the session did not make.
func (m *Manager) PublishEvent(_ context.Context, ev protocol.Event) (protocol.Event, error) {
	if ev.Correlation.SessionID == "" {
		return protocol.Event{}, protocol.ErrMissingSession
	}
	if ev.Kind == protocol.KindSessionStatusChanged {
		return protocol.Event{}, fmt.Errorf("%w: %s", ErrReservedEvent, ev.Kind)
	}
	s, err := m.session(ev.Correlation.SessionID)
	if err != nil {
		return protocol.Event{}, err
	}
	return s.Append(ev)
}

// EvictSession drops a Completed or Error session and its history.
func (m *Manager) EvictSession(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if !s.Status().IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionActive, id, s.Status())
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	s.log.Close()
	m.limiter.ForgetSession(id)
	m.logger.Debug("session evicted", zap.String("session.id", id))
	return nil
}

func (m *Manager) runJanitor() {
	defer m.janitor.Done()
	interval := m.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

// evictExpired drops terminal sessions that ended more than Retention ago.
func (m *Manager) evictExpired() {
	cutoff := m.now().Add(-m.retention)
	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if s.endedBefore(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if err := m.EvictSession(id); err != nil {
			m.logger.Debug("evict skipped", zap.String("session.id", id), zap.Error(err))
		}
	}
}

// Close cancels every session context and waits for in-flight dispatches
// to return or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	states := make([]*SessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		states = append(states, s)
	}
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	m.janitor.Wait()

	for _, s := range states {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight commands: %w", ctx.Err())
	}
}
