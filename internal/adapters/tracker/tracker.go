// Package tracker is an orchestrator adapter for GitHub Issues. It moves
// tickets between states, lists the open backlog and assigns work items to
// the hub's GitHub identity.
//
// Tickets are referenced as "123", "#123" or "owner/repo#123"; the short
// forms resolve against the configured repository. A command without a
// ticket falls back to the session's WorkItemRef.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/config"
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// StatusLabelPrefix marks the label that carries a ticket's workflow state
// for states other than open and closed.
const StatusLabelPrefix = "status:"

const (
	defaultBacklogLimit = 30
	maxBacklogLimit     = 100
)

var kinds = map[protocol.CommandKind]bool{
	protocol.KindTransitionTicket: true,
	protocol.KindQueryBacklog:     true,
	protocol.KindClaimWorkItem:    true,
}

// Adapter executes tracker commands against one default repository.
type Adapter struct {
	client *github.Client
	owner  string
	repo   string
	retry  RetryConfig
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	login string
}

var _ orchestrator.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRetry overrides the retry settings taken from the configuration.
func WithRetry(rc RetryConfig) Option {
	return func(a *Adapter) { a.retry = rc.withDefaults() }
}

// WithClock replaces time.Now for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New builds an adapter from cfg with an authenticated client.
func New(ctx context.Context, cfg config.GitHubConfig, opts ...Option) (*Adapter, error) {
	client, err := NewClient(ctx, cfg.Token, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	rc := DefaultRetryConfig()
	rc.MaxAttempts = cfg.RetryMaxAttempts
	rc.InitialBackoff = cfg.RetryBackoff.Duration()
	return NewWithClient(client, cfg.Owner, cfg.Repo, append([]Option{WithRetry(rc)}, opts...)...), nil
}

// NewWithClient builds an adapter around an existing client.
func NewWithClient(client *github.Client, owner, repo string, opts ...Option) *Adapter {
	a := &Adapter{
		client: client,
		owner:  owner,
		repo:   repo,
		retry:  DefaultRetryConfig(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "tracker" }

func (a *Adapter) CanHandle(kind protocol.CommandKind) bool { return kinds[kind] }

// HandleCommand accepts cmd and runs it. Work-item transitions are checked
// against the session's policy profile before dispatch, so the adapter only
// maps states onto GitHub.
func (a *Adapter) HandleCommand(ctx context.Context, cmd protocol.Command, s *orchestrator.SessionState) error {
	if err := s.Accept(cmd); err != nil {
		return err
	}
	switch cmd.Kind {
	case protocol.KindTransitionTicket:
		if p, ok := protocol.PayloadAs[protocol.TransitionTicket](cmd.Payload); ok {
			return a.transition(ctx, cmd, s, p)
		}
	case protocol.KindQueryBacklog:
		if p, ok := protocol.PayloadAs[protocol.QueryBacklog](cmd.Payload); ok {
			return a.queryBacklog(ctx, cmd, s, p)
		}
	case protocol.KindClaimWorkItem:
		if p, ok := protocol.PayloadAs[protocol.ClaimWorkItem](cmd.Payload); ok {
			return a.claim(ctx, cmd, s, p)
		}
	}
	return fmt.Errorf("unsupported payload %T for %s", cmd.Payload, cmd.Kind)
}

// ticket identifies an issue.
type ticket struct {
	owner, repo string
	number      int
}

func (t ticket) String() string { return fmt.Sprintf("%s/%s#%d", t.owner, t.repo, t.number) }

func (a *Adapter) parseTicket(ref string) (ticket, error) {
	t := ticket{owner: a.owner, repo: a.repo}
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		if full := ref[:i]; full != "" {
			owner, repo, ok := strings.Cut(full, "/")
			if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
				return t, fmt.Errorf("invalid ticket %q", ref)
			}
			t.owner, t.repo = owner, repo
		}
		ref = ref[i+1:]
	}
	n, err := strconv.Atoi(ref)
	if err != nil || n <= 0 {
		return t, fmt.Errorf("invalid ticket number %q", ref)
	}
	if t.owner == "" || t.repo == "" {
		return t, fmt.Errorf("ticket %q has no repository", ref)
	}
	t.number = n
	return t, nil
}

func (a *Adapter) resolveTicket(cmd protocol.Command, s *orchestrator.SessionState, ref string) (ticket, bool, error) {
	if ref == "" {
		ref = s.Config().WorkItemRef
	}
	if ref == "" {
		return ticket{}, false, s.Reject(cmd, "no ticket given and the session has no work item", "WorkItem")
	}
	t, err := a.parseTicket(ref)
	if err != nil {
		return ticket{}, false, s.Reject(cmd, err.Error(), "WorkItem")
	}
	return t, true, nil
}

func (a *Adapter) getIssue(ctx context.Context, cmd protocol.Command, s *orchestrator.SessionState, t ticket) (*github.Issue, error) {
	var issue *github.Issue
	_, err := a.call(ctx, cmd, s, "get issue", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = a.client.Issues.Get(ctx, t.owner, t.repo, t.number)
		return resp, err
	})
	return issue, err
}

func (a *Adapter) transition(ctx context.Context, cmd protocol.Command, s *orchestrator.SessionState, p protocol.TransitionTicket) error {
	t, ok, err := a.resolveTicket(cmd, s, p.Ticket)
	if !ok {
		return err
	}
	to := strings.ToLower(strings.TrimSpace(p.To))
	if to == "" {
		return s.Reject(cmd, "target state is required", "WorkItem")
	}

	issue, err := a.getIssue(ctx, cmd, s, t)
	if err != nil {
		return a.failed(cmd, s, t, err)
	}

	req := &github.IssueRequest{}
	switch to {
	case "open", "reopened":
		req.State = github.String("open")
	case "closed", "done":
		req.State = github.String("closed")
	default:
		labels := statusLabels(issue.Labels, to)
		req.Labels = &labels
		if issue.GetState() == "closed" {
			req.State = github.String("open")
		}
	}

	_, err = a.call(ctx, cmd, s, "edit issue", func() (*github.Response, error) {
		_, resp, err := a.client.Issues.Edit(ctx, t.owner, t.repo, t.number, req)
		return resp, err
	})
	if err != nil {
		return a.failed(cmd, s, t, err)
	}
	a.logger.Info("ticket transitioned",
		zap.String("session.id", s.ID()),
		zap.String("ticket", t.String()),
		zap.String("to", to))
	return s.Complete(cmd, fmt.Sprintf("%s moved to %s", t, to))
}

// statusLabels replaces any status label with one for state.
func statusLabels(current []*github.Label, state string) []string {
	out := make([]string, 0, len(current)+1)
	for _, l := range current {
		if name := l.GetName(); !strings.HasPrefix(name, StatusLabelPrefix) {
			out = append(out, name)
		}
	}
	return append(out, StatusLabelPrefix+state)
}

func (a *Adapter) queryBacklog(ctx context.Context, cmd protocol.Command, s *orchestrator.SessionState, p protocol.QueryBacklog) error {
	owner, repo := a.owner, a.repo
	if p.Project != "" {
		var ok bool
		owner, repo, ok = strings.Cut(p.Project, "/")
		if !ok || owner == "" || repo == "" {
			return s.Reject(cmd, fmt.Sprintf("invalid project %q, want owner/repo", p.Project), "WorkItem")
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultBacklogLimit
	}
	if limit > maxBacklogLimit {
		limit = maxBacklogLimit
	}

	var issues []*github.Issue
	var err error
	if p.Query != "" {
		q := fmt.Sprintf("repo:%s/%s is:issue is:open %s", owner, repo, p.Query)
		_, err = a.call(ctx, cmd, s, "search issues", func() (*github.Response, error) {
			res, resp, err := a.client.Search.Issues(ctx, q, &github.SearchOptions{
				ListOptions: github.ListOptions{PerPage: limit},
			})
			if res != nil {
				issues = res.Issues
			}
			return resp, err
		})
	} else {
		_, err = a.call(ctx, cmd, s, "list issues", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			issues, resp, err = a.client.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
				State:       "open",
				Sort:        "created",
				Direction:   "asc",
				ListOptions: github.ListOptions{PerPage: limit},
			})
			return resp, err
		})
	}
	if err != nil {
		return s.Fail(cmd, "query backlog: "+describeErr(err))
	}

	items := make([]protocol.WorkItem, 0, len(issues))
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		items = append(items, workItem(owner, repo, issue))
		if len(items) == limit {
			break
		}
	}
	if err := s.Emit(cmd, protocol.BacklogQueried{Items: items}); err != nil {
		return err
	}
	return s.Complete(cmd, fmt.Sprintf("%d work item(s) in %s/%s", len(items), owner, repo))
}

func workItem(owner, repo string, issue *github.Issue) protocol.WorkItem {
	item := protocol.WorkItem{
		ID:    ticket{owner: owner, repo: repo, number: issue.GetNumber()}.String(),
		Title: issue.GetTitle(),
		State: issue.GetState(),
		URL:   issue.GetHTMLURL(),
	}
	if issue.Assignee != nil {
		item.Assignee = issue.Assignee.GetLogin()
	}
	for _, l := range issue.Labels {
		item.Labels = append(item.Labels, l.GetName())
	}
	return item
}

func (a *Adapter) claim(ctx context.Context, cmd protocol.Command, s *orchestrator.SessionState, p protocol.ClaimWorkItem) error {
	t, ok, err := a.resolveTicket(cmd, s, p.WorkItem)
	if !ok {
		return err
	}
	login, err := a.self(ctx)
	if err != nil {
		return s.Fail(cmd, "resolve github identity: "+describeErr(err))
	}

	issue, err := a.getIssue(ctx, cmd, s, t)
	if err != nil {
		return a.failed(cmd, s, t, err)
	}
	if issue.GetState() == "closed" {
		return s.Fail(cmd, fmt.Sprintf("%s is closed", t))
	}
	for _, u := range issue.Assignees {
		if other := u.GetLogin(); other != "" && !strings.EqualFold(other, login) {
			return s.Fail(cmd, fmt.Sprintf("%s is already claimed by %s", t, other))
		}
	}

	_, err = a.call(ctx, cmd, s, "add assignee", func() (*github.Response, error) {
		_, resp, err := a.client.Issues.AddAssignees(ctx, t.owner, t.repo, t.number, []string{login})
		return resp, err
	})
	if err != nil {
		return a.failed(cmd, s, t, err)
	}

	claimant := login
	if agent := cmd.Correlation.IssuerAgentID; agent != "" {
		claimant = agent
	}
	if err := s.Emit(cmd, protocol.WorkItemClaimed{WorkItem: t.String(), Claimant: claimant}); err != nil {
		return err
	}
	return s.Complete(cmd, fmt.Sprintf("%s assigned to %s", t, login))
}

// self returns the login of the authenticated user, cached after the first
// successful lookup.
func (a *Adapter) self(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.login != "" {
		return a.login, nil
	}
	user, _, err := a.client.Users.Get(ctx, "")
	if err != nil {
		return "", err
	}
	a.login = user.GetLogin()
	return a.login, nil
}

func (a *Adapter) failed(cmd protocol.Command, s *orchestrator.SessionState, t ticket, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return s.Fail(cmd, fmt.Sprintf("%s not found", t))
	}
	return s.Fail(cmd, fmt.Sprintf("%s: %s", t, describeErr(err)))
}

func describeErr(err error) string {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return describe(err, &github.Response{Response: ghErr.Response})
	}
	return err.Error()
}
