package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agenthub/internal/config"
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/policy"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// fakeGitHub serves the slice of the REST API the adapter uses.
type fakeGitHub struct {
	mu        sync.Mutex
	issues    map[string]map[string]any
	edits     []map[string]any
	assigned  []string
	searches  []string
	failFirst atomic.Int32 // responses to fail with 502 before serving
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	f := &fakeGitHub{issues: map[string]map[string]any{
		"7": {
			"number": 7, "title": "Fix login", "state": "open",
			"html_url": "https://github.test/acme/app/issues/7",
			"labels":   []map[string]any{{"name": "bug"}, {"name": "status:todo"}},
		},
		"8": {
			"number": 8, "title": "Taken", "state": "open",
			"assignees": []map[string]any{{"login": "someone-else"}},
		},
		"9": {"number": 9, "title": "Old", "state": "closed"},
	}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/user", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"login": "hub-bot"})
	})
	mux.HandleFunc("GET /api/v3/repos/acme/app/issues/{n}", func(w http.ResponseWriter, r *http.Request) {
		if f.failFirst.Load() > 0 {
			f.failFirst.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		f.mu.Lock()
		issue, ok := f.issues[r.PathValue("n")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"message": "Not Found"})
			return
		}
		writeJSON(w, issue)
	})
	mux.HandleFunc("PATCH /api/v3/repos/acme/app/issues/{n}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.edits = append(f.edits, body)
		issue := f.issues[r.PathValue("n")]
		f.mu.Unlock()
		writeJSON(w, issue)
	})
	mux.HandleFunc("POST /api/v3/repos/acme/app/issues/{n}/assignees", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Assignees []string `json:"assignees"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.assigned = append(f.assigned, body.Assignees...)
		issue := f.issues[r.PathValue("n")]
		f.mu.Unlock()
		writeJSON(w, issue)
	})
	mux.HandleFunc("GET /api/v3/repos/acme/app/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		writeJSON(w, []map[string]any{
			{"number": 7, "title": "Fix login", "state": "open", "assignee": map[string]any{"login": "dev"}},
			{"number": 10, "title": "A pull request", "state": "open", "pull_request": map[string]any{"url": "x"}},
			{"number": 11, "title": "Add search", "state": "open", "labels": []map[string]any{{"name": "feature"}}},
		})
	})
	mux.HandleFunc("GET /api/v3/search/issues", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.searches = append(f.searches, r.URL.Query().Get("q"))
		f.mu.Unlock()
		writeJSON(w, map[string]any{
			"total_count": 1,
			"items":       []map[string]any{{"number": 12, "title": "Flaky test", "state": "open"}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type fixture struct {
	fake    *fakeGitHub
	mgr     *orchestrator.Manager
	session *orchestrator.SessionState
}

func setup(t *testing.T, cfg orchestrator.SessionConfig) *fixture {
	t.Helper()
	fake, srv := newFakeGitHub(t)
	adapter, err := New(context.Background(), config.GitHubConfig{
		Token:   config.Secret("test-token"),
		Owner:   "acme",
		Repo:    "app",
		BaseURL: srv.URL,
	}, WithRetry(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}))
	require.NoError(t, err)

	mgr := orchestrator.NewManager(orchestrator.Options{Adapters: []orchestrator.Adapter{adapter}})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	s, err := mgr.CreateSession(context.Background(), cfg)
	require.NoError(t, err)
	return &fixture{fake: fake, mgr: mgr, session: s}
}

func (f *fixture) run(t *testing.T, cmd protocol.Command) []protocol.Event {
	t.Helper()
	cmd.Correlation.SessionID = f.session.ID()
	require.NoError(t, f.mgr.PublishCommand(context.Background(), cmd))
	require.Eventually(t, func() bool { return f.session.Log().HasTerminal(cmd.ID) },
		5*time.Second, 5*time.Millisecond)

	var out []protocol.Event
	for _, ev := range f.session.Log().Events() {
		if ev.Correlation.CommandID == cmd.ID {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) runPayload(t *testing.T, p protocol.CommandPayload) []protocol.Event {
	return f.run(t, protocol.NewCommand("", p))
}

func last(events []protocol.Event) protocol.Event { return events[len(events)-1] }

func requireOutcome(t *testing.T, ev protocol.Event, outcome protocol.CommandOutcome) protocol.CommandCompleted {
	t.Helper()
	c, ok := protocol.PayloadAs[protocol.CommandCompleted](ev.Payload)
	require.True(t, ok, "expected CommandCompleted, got %s", ev.Kind)
	assert.Equal(t, outcome, c.Outcome, c.Message)
	return c
}

func requireRejected(t *testing.T, ev protocol.Event, rule string) {
	t.Helper()
	r, ok := protocol.PayloadAs[protocol.CommandRejected](ev.Payload)
	require.True(t, ok, "expected CommandRejected, got %s", ev.Kind)
	assert.Equal(t, rule, r.PolicyRule)
}

func find[T any](events []protocol.Event) (T, bool) {
	for _, ev := range events {
		if p, ok := protocol.PayloadAs[T](ev.Payload); ok {
			return p, true
		}
	}
	var zero T
	return zero, false
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrNoToken)

	c, err := NewClient(context.Background(), config.Secret("tok"), "")
	require.NoError(t, err)
	assert.Equal(t, "api.github.com", c.BaseURL.Host)

	c, err = NewClient(context.Background(), config.Secret("tok"), "https://ghe.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/", c.BaseURL.Path)
}

func TestParseTicket(t *testing.T) {
	a := NewWithClient(nil, "acme", "app")
	for ref, want := range map[string]string{
		"7":            "acme/app#7",
		"#7":           "acme/app#7",
		"other/lib#42": "other/lib#42",
	} {
		got, err := a.parseTicket(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, want, got.String())
	}
	for _, bad := range []string{"", "#", "abc", "-1", "owner#1", "a/b/c#1", "/repo#1"} {
		_, err := a.parseTicket(bad)
		assert.Error(t, err, bad)
	}

	_, err := NewWithClient(nil, "", "").parseTicket("5")
	assert.ErrorContains(t, err, "no repository")
}

func TestTransitionTicket(t *testing.T) {
	f := setup(t, orchestrator.SessionConfig{})

	events := f.runPayload(t, protocol.TransitionTicket{Ticket: "#7", To: "In-Progress"})
	c := requireOutcome(t, last(events), protocol.OutcomeSuccess)
	assert.Equal(t, "acme/app#7 moved to in-progress", c.Message)

	events = f.runPayload(t, protocol.TransitionTicket{Ticket: "7", To: "done"})
	requireOutcome(t, last(events), protocol.OutcomeSuccess)

	events = f.runPayload(t, protocol.TransitionTicket{Ticket: "9", To: "review"})
	requireOutcome(t, last(events), protocol.OutcomeSuccess)

	f.fake.mu.Lock()
	defer f.fake.mu.Unlock()
	require.Len(t, f.fake.edits, 3)
	assert.Equal(t, []any{"bug", "status:in-progress"}, f.fake.edits[0]["labels"])
	assert.NotContains(t, f.fake.edits[0], "state")
	assert.Equal(t, "closed", f.fake.edits[1]["state"])
	assert.Equal(t, "open", f.fake.edits[2]["state"], "labelled states reopen closed tickets")
}

func TestTransitionTicket_PolicyAndValidation(t *testing.T) {
	f := setup(t, orchestrator.SessionConfig{
		WorkItemRef: "acme/app#7",
		Policy:      &policy.Profile{AllowedWorkItemTransitions: []string{"in-progress", "done"}},
	})

	events := f.runPayload(t, protocol.TransitionTicket{To: "wontfix"})
	requireRejected(t, last(events), string(policy.RuleAllowedTransitions))

	events = f.runPayload(t, protocol.TransitionTicket{To: "done"})
	c := requireOutcome(t, last(events), protocol.OutcomeSuccess)
	assert.Contains(t, c.Message, "acme/app#7", "falls back to the session work item")

	events = f.runPayload(t, protocol.TransitionTicket{Ticket: "nope", To: "done"})
	requireRejected(t, last(events), "WorkItem")

	events = f.runPayload(t, protocol.TransitionTicket{Ticket: "404", To: "done"})
	c = requireOutcome(t, last(events), protocol.OutcomeFailure)
	assert.Equal(t, "acme/app#404 not found", c.Message)
}

func TestQueryBacklog(t *testing.T) {
	f := setup(t, orchestrator.SessionConfig{})

	events := f.runPayload(t, protocol.QueryBacklog{})
	requireOutcome(t, last(events), protocol.OutcomeSuccess)
	backlog, ok := find[protocol.BacklogQueried](events)
	require.True(t, ok)
	require.Len(t, backlog.Items, 2, "pull requests are skipped")
	assert.Equal(t, protocol.WorkItem{ID: "acme/app#7", Title: "Fix login", State: "open", Assignee: "dev"}, backlog.Items[0])
	assert.Equal(t, []string{"feature"}, backlog.Items[1].Labels)

	events = f.runPayload(t, protocol.QueryBacklog{Limit: 1})
	backlog, _ = find[protocol.BacklogQueried](events)
	assert.Len(t, backlog.Items, 1)

	events = f.runPayload(t, protocol.QueryBacklog{Query: "label:flaky"})
	backlog, _ = find[protocol.BacklogQueried](events)
	require.Len(t, backlog.Items, 1)
	assert.Equal(t, "acme/app#12", backlog.Items[0].ID)
	f.fake.mu.Lock()
	assert.Equal(t, []string{"repo:acme/app is:issue is:open label:flaky"}, f.fake.searches)
	f.fake.mu.Unlock()

	events = f.runPayload(t, protocol.QueryBacklog{Project: "not-a-repo"})
	requireRejected(t, last(events), "WorkItem")
}

func TestClaimWorkItem(t *testing.T) {
	f := setup(t, orchestrator.SessionConfig{})

	cmd := protocol.NewCommand("", protocol.ClaimWorkItem{WorkItem: "#7"})
	cmd.Correlation.IssuerAgentID = "planner"
	events := f.run(t, cmd)
	requireOutcome(t, last(events), protocol.OutcomeSuccess)
	claimed, ok := find[protocol.WorkItemClaimed](events)
	require.True(t, ok)
	assert.Equal(t, protocol.WorkItemClaimed{WorkItem: "acme/app#7", Claimant: "planner"}, claimed)

	f.fake.mu.Lock()
	assert.Equal(t, []string{"hub-bot"}, f.fake.assigned)
	f.fake.mu.Unlock()

	events = f.runPayload(t, protocol.ClaimWorkItem{WorkItem: "8"})
	c := requireOutcome(t, last(events), protocol.OutcomeFailure)
	assert.Equal(t, "acme/app#8 is already claimed by someone-else", c.Message)

	events = f.runPayload(t, protocol.ClaimWorkItem{WorkItem: "9"})
	c = requireOutcome(t, last(events), protocol.OutcomeFailure)
	assert.Contains(t, c.Message, "is closed")

	events = f.runPayload(t, protocol.ClaimWorkItem{})
	requireRejected(t, last(events), "WorkItem")
}

func TestRetry_ReportsAttempts(t *testing.T) {
	f := setup(t, orchestrator.SessionConfig{})
	f.fake.failFirst.Store(2)

	events := f.runPayload(t, protocol.TransitionTicket{Ticket: "7", To: "done"})
	requireOutcome(t, last(events), protocol.OutcomeSuccess)

	var retries []protocol.CommandRetrying
	for _, ev := range events {
		if r, ok := protocol.PayloadAs[protocol.CommandRetrying](ev.Payload); ok {
			retries = append(retries, r)
		}
	}
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.Equal(t, "get issue: 502 Bad Gateway", retries[0].Reason)
	assert.NotNil(t, retries[0].NextAttemptAt)
}

func TestRetry_GivesUp(t *testing.T) {
	f := setup(t, orchestrator.SessionConfig{})
	f.fake.failFirst.Store(10)

	events := f.runPayload(t, protocol.ClaimWorkItem{WorkItem: "7"})
	c := requireOutcome(t, last(events), protocol.OutcomeFailure)
	assert.Equal(t, "acme/app#7: 502 Bad Gateway", c.Message)

	var retries int
	for _, ev := range events {
		if ev.Kind == protocol.KindCommandRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries, "three attempts, two retries")
}

func TestIsRetryable(t *testing.T) {
	resp := func(code int, rate github.Rate) *github.Response {
		return &github.Response{Response: &http.Response{StatusCode: code}, Rate: rate}
	}
	err := assert.AnError

	assert.False(t, isRetryable(nil, nil))
	assert.True(t, isRetryable(err, nil), "network errors")
	assert.True(t, isRetryable(err, resp(http.StatusTooManyRequests, github.Rate{})))
	assert.True(t, isRetryable(err, resp(http.StatusServiceUnavailable, github.Rate{})))
	assert.True(t, isRetryable(err, resp(http.StatusForbidden, github.Rate{Limit: 5000})))
	assert.False(t, isRetryable(err, resp(http.StatusForbidden, github.Rate{Limit: 5000, Remaining: 10})))
	assert.False(t, isRetryable(err, resp(http.StatusNotFound, github.Rate{})))
	assert.False(t, isRetryable(err, resp(http.StatusUnprocessableEntity, github.Rate{})))
}

func TestRateLimitBackoff(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	max := 30 * time.Second

	assert.Equal(t, max, rateLimitBackoff(nil, now, max))

	in := func(d time.Duration) *github.Response {
		return &github.Response{Rate: github.Rate{Limit: 5000, Reset: github.Timestamp{Time: now.Add(d)}}}
	}
	assert.Equal(t, 11*time.Second, rateLimitBackoff(in(10*time.Second), now, max))
	assert.Equal(t, max, rateLimitBackoff(in(time.Hour), now, max))
	assert.Equal(t, time.Second, rateLimitBackoff(in(-time.Minute), now, max))
}

func TestRetryConfigDefaults(t *testing.T) {
	rc := RetryConfig{}.withDefaults()
	assert.Equal(t, DefaultRetryConfig(), rc)

	rc = RetryConfig{MaxAttempts: 5, Multiplier: 0.5}.withDefaults()
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, 2.0, rc.Multiplier)
}
