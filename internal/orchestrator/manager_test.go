package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/hooks"
	"github.com/fyrsmithlabs/agenthub/internal/policy"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func statusChanges(events []protocol.Event) []protocol.SessionStatusChanged {
	var out []protocol.SessionStatusChanged
	for _, ev := range events {
		if c, ok := protocol.PayloadAs[protocol.SessionStatusChanged](ev.Payload); ok {
			out = append(out, c)
		}
	}
	return out
}

func TestCreateSession(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	s, err := m.CreateSession(ctx, SessionConfig{ID: "s1", AgentProfile: "coder"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRunning, s.Status())

	events, err := m.Events("s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	change := statusChanges(events)[0]
	assert.Equal(t, protocol.StatusUnknown, change.From)
	assert.Equal(t, protocol.StatusRunning, change.To)
}

func TestCreateSession_GeneratesID(t *testing.T) {
	m := newTestManager(t, Options{})

	s, err := m.CreateSession(context.Background(), SessionConfig{})
	require.NoError(t, err)
	assert.Len(t, s.ID(), 26, "ULID")
	assert.NoError(t, protocol.ValidateID(s.ID()))
}

func TestCreateSession_Errors(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	_, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)

	_, err = m.CreateSession(ctx, SessionConfig{ID: "s1"})
	assert.ErrorIs(t, err, ErrDuplicateSession)

	_, err = m.CreateSession(ctx, SessionConfig{ID: "bad id"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = m.CreateSession(ctx, SessionConfig{ID: "child", ParentID: "missing"})
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = m.CreateSession(ctx, SessionConfig{ID: "s2", Policy: &policy.Profile{MaxFilesPerCommit: -1}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	child, err := m.CreateSession(ctx, SessionConfig{ID: "child", ParentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", child.Config().ParentID)
}

func TestCreateSession_ProfileIsSnapshot(t *testing.T) {
	m := newTestManager(t, Options{})
	profile := &policy.Profile{ProtectedBranches: []string{"main"}}

	s, err := m.CreateSession(context.Background(), SessionConfig{ID: "s1", Policy: profile})
	require.NoError(t, err)

	profile.ProtectedBranches[0] = "other"
	assert.Equal(t, []string{"main"}, s.Profile().ProtectedBranches)
}

func TestCreateSession_UsesDefaultProfile(t *testing.T) {
	m := newTestManager(t, Options{DefaultProfile: policy.Profile{MaxFilesPerCommit: 3}})

	s, err := m.CreateSession(context.Background(), SessionConfig{ID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Profile().MaxFilesPerCommit)
}

func TestCreateSession_RequireTestsNeedsRunner(t *testing.T) {
	ctx := context.Background()
	requireTests := &policy.Profile{RequireTestsBeforePush: true}

	m := newTestManager(t, Options{Adapters: []Adapter{okAdapter(protocol.KindCommit, protocol.KindPush)}})
	_, err := m.CreateSession(ctx, SessionConfig{ID: "s1", Policy: requireTests})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, string(protocol.KindRunTests))
	_, err = m.Status("s1")
	assert.ErrorIs(t, err, ErrUnknownSession)

	m = newTestManager(t, Options{Adapters: []Adapter{okAdapter(protocol.KindRunTests)}})
	_, err = m.CreateSession(ctx, SessionConfig{ID: "s1", Policy: requireTests})
	assert.NoError(t, err)
}

func TestCheckProfile(t *testing.T) {
	requireTests := policy.Profile{RequireTestsBeforePush: true}

	assert.NoError(t, CheckProfile(policy.Profile{}, nil))
	assert.ErrorIs(t, CheckProfile(requireTests, nil), ErrInvalidConfig)
	assert.ErrorIs(t, CheckProfile(requireTests, []Adapter{nil, okAdapter(protocol.KindPush)}), ErrInvalidConfig)
	assert.NoError(t, CheckProfile(requireTests, []Adapter{okAdapter(protocol.KindRunTests)}))
}

func TestLifecycle_Transitions(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	_, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)

	require.NoError(t, m.PauseSession(ctx, "s1", "ops"))
	assertStatus(t, m, "s1", protocol.StatusPaused)

	require.NoError(t, m.ResumeSession(ctx, "s1", "ops"))
	assertStatus(t, m, "s1", protocol.StatusRunning)

	require.NoError(t, m.RequestApproval(ctx, "s1", "planner", "push to prod"))
	assertStatus(t, m, "s1", protocol.StatusNeedsApproval)

	err = m.ResumeSession(ctx, "s1", "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition, "resume must not bypass approval")

	require.NoError(t, m.ApproveSession(ctx, "s1", "lead"))
	assertStatus(t, m, "s1", protocol.StatusRunning)

	require.NoError(t, m.CompleteSession(ctx, "s1", "ops"))
	assertStatus(t, m, "s1", protocol.StatusCompleted)

	events, _ := m.Events("s1")
	changes := statusChanges(events)
	require.Len(t, changes, 6)
	assert.Equal(t, "lead", changes[4].Actor)
	assert.Equal(t, "push to prod", changes[3].Reason)
}

func TestLifecycle_InvalidTransition(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	_, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)

	err = m.ApproveSession(ctx, "s1", "lead")
	require.ErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, protocol.StatusRunning, te.From)
	assert.Equal(t, protocol.StatusRunning, te.To)

	require.NoError(t, m.CompleteSession(ctx, "s1", "ops"))
	assert.ErrorIs(t, m.ResumeSession(ctx, "s1", "ops"), ErrInvalidTransition, "Completed is terminal")
	assert.ErrorIs(t, m.AbortSession(ctx, "s1", "ops", "late"), ErrInvalidTransition)

	assert.ErrorIs(t, m.PauseSession(ctx, "nope", "ops"), ErrUnknownSession)
}

func TestLifecycle_AbortCancelsAndResumeRenews(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)
	before := s.Context()

	require.NoError(t, m.AbortSession(ctx, "s1", "ops", "runaway agent"))
	assert.Error(t, before.Err())
	assertStatus(t, m, "s1", protocol.StatusError)

	require.NoError(t, m.ResumeSession(ctx, "s1", "ops"))
	assert.NoError(t, s.Context().Err())
	assertStatus(t, m, "s1", protocol.StatusRunning)
}

func TestLifecycle_CompleteClosesSubscriptions(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	_, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)

	sub, err := m.Subscribe("s1")
	require.NoError(t, err)

	require.NoError(t, m.CompleteSession(ctx, "s1", "ops"))

	ev, ok := <-sub.C()
	require.True(t, ok, "the completion event is delivered before close")
	assert.Equal(t, protocol.KindSessionStatusChanged, ev.Kind)
	_, ok = <-sub.C()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), eventlog.ErrLogClosed)
}

func TestGetActiveSessions(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	m := newTestManager(t, Options{Clock: clock})
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		_, err := m.CreateSession(ctx, SessionConfig{ID: id})
		require.NoError(t, err)
	}
	require.NoError(t, m.CompleteSession(ctx, "a", "ops"))

	active := m.GetActiveSessions()
	require.Len(t, active, 2)
	assert.Equal(t, "c", active[0].Config.ID)
	assert.Equal(t, "b", active[1].Config.ID)

	assert.Len(t, m.Sessions(), 3)
}

func TestEvictSession(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	_, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)

	assert.ErrorIs(t, m.EvictSession("s1"), ErrSessionActive)

	require.NoError(t, m.CompleteSession(ctx, "s1", "ops"))
	events, err := m.Events("s1")
	require.NoError(t, err)
	assert.NotEmpty(t, events, "history is retained after completion")

	require.NoError(t, m.EvictSession("s1"))
	_, err = m.Events("s1")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestEvictExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	m := newTestManager(t, Options{Clock: clock, Retention: time.Hour})
	ctx := context.Background()
	for _, id := range []string{"done", "failed", "live"} {
		_, err := m.CreateSession(ctx, SessionConfig{ID: id})
		require.NoError(t, err)
	}
	require.NoError(t, m.CompleteSession(ctx, "done", "ops"))
	require.NoError(t, m.AbortSession(ctx, "failed", "ops", "boom"))

	advance(30 * time.Minute)
	m.evictExpired()
	assert.Len(t, m.Sessions(), 3)

	advance(31 * time.Minute)
	m.evictExpired()
	remaining := m.Sessions()
	require.Len(t, remaining, 1)
	assert.Equal(t, "live", remaining[0].Config.ID)
}

func TestHooksFired(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	var mu sync.Mutex
	var fired []string
	record := func(name hooks.HookType) hooks.HookHandler {
		return func(_ context.Context, d hooks.Data) error {
			mu.Lock()
			defer mu.Unlock()
			fired = append(fired, string(name)+":"+d.To)
			return nil
		}
	}
	for _, h := range []hooks.HookType{hooks.HookSessionStart, hooks.HookStatusChanged, hooks.HookSessionEnd} {
		hm.RegisterHandler(h, record(h))
	}
	hm.RegisterHandler(hooks.HookStatusChanged, func(context.Context, hooks.Data) error {
		return errors.New("hook failures never block transitions")
	})

	m := newTestManager(t, Options{Hooks: hm})
	ctx := context.Background()
	_, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)
	require.NoError(t, m.CompleteSession(ctx, "s1", "ops"))

	assert.Equal(t, []string{
		"session_start:Running",
		"status_changed:Running",
		"status_changed:Completed",
		"session_end:Completed",
	}, fired)
}

func TestPublishEvent(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	_, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)

	ev, err := m.PublishEvent(ctx, protocol.NewEvent(protocol.Correlation{SessionID: "s1", PlanNodeID: "n1"}, protocol.PlanUpdated{PlanNodeID: "n1"}))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Sequence)

	_, err = m.PublishEvent(ctx, protocol.NewEvent(protocol.Correlation{SessionID: "zz"}, protocol.PlanUpdated{}))
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = m.PublishEvent(ctx, protocol.NewEvent(protocol.Correlation{}, protocol.PlanUpdated{}))
	assert.ErrorIs(t, err, protocol.ErrMissingSession)
}

func TestPublishEvent_StatusChangeReserved(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)
	before := s.Log().LastSequence()

	_, err = m.PublishEvent(ctx, protocol.NewEvent(protocol.Correlation{SessionID: "s1"},
		protocol.SessionStatusChanged{From: protocol.StatusRunning, To: protocol.StatusCompleted, Actor: "mallory"}))
	assert.ErrorIs(t, err, ErrReservedEvent)

	status, err := m.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRunning, status)
	assert.Equal(t, before, s.Log().LastSequence(), "nothing is appended")
}

func TestEventsSince(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, SessionConfig{ID: "s1"})
	require.NoError(t, err)
	require.NoError(t, s.PlanUpdated("n1", "tests written"))
	require.NoError(t, s.PlanUpdated("n2", "implemented"))

	events, err := m.EventsSince("s1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Sequence)

	sub, err := m.SubscribeSince("s1", 2)
	require.NoError(t, err)
	defer sub.Close()
	ev := <-sub.C()
	assert.Equal(t, uint64(3), ev.Sequence)
}

func assertStatus(t *testing.T, m *Manager, id string, want protocol.SessionStatus) {
	t.Helper()
	got, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
