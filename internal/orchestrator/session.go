package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/policy"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
	"github.com/fyrsmithlabs/agenthub/internal/secrets"
)

// SessionConfig describes a session at creation. It is immutable afterwards.
type SessionConfig struct {
	// ID is generated (ULID) when empty.
	ID string `json:"id,omitempty"`

	// ParentID names the session this one was spawned from.
	ParentID string `json:"parentId,omitempty"`

	PlanNodeID   string `json:"planNodeId,omitempty"`
	RepoRef      string `json:"repoRef,omitempty"`
	WorkspaceRef string `json:"workspaceRef,omitempty"`
	WorkItemRef  string `json:"workItemRef,omitempty"`
	AgentProfile string `json:"agentProfile,omitempty"`

	// Policy is the session's policy profile. The manager's default profile
	// is used when nil.
	Policy *policy.Profile `json:"policy,omitempty"`
}

// Clone returns a deep copy of c.
func (c SessionConfig) Clone() SessionConfig {
	out := c
	if c.Policy != nil {
		p := c.Policy.Clone()
		out.Policy = &p
	}
	return out
}

// SessionInfo is a point-in-time summary of a session.
type SessionInfo struct {
	Config       SessionConfig          `json:"config"`
	Status       protocol.SessionStatus `json:"status"`
	CreatedAt    time.Time              `json:"createdAt"`
	LastSequence uint64                 `json:"lastSequence"`
	InFlight     int                    `json:"inFlight"`
}

// SessionState is the live state of one session. Adapters receive it with
// every command and report progress through its helpers (Accept, Complete,
// Fail, Artifact, ...), which append to the session's log.
type SessionState struct {
	cfg       SessionConfig
	profile   policy.Profile
	createdAt time.Time
	log       *eventlog.Log
	scrubber  secrets.Scrubber

	mu       sync.RWMutex
	status   protocol.SessionStatus
	facts    policy.Facts
	ctx      context.Context
	cancel   context.CancelFunc
	pending  map[string]struct{}
	inflight map[string]protocol.CommandKind
	endedAt  time.Time
}

func newSessionState(cfg SessionConfig, profile policy.Profile, log *eventlog.Log, scrubber secrets.Scrubber, now time.Time) *SessionState {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionState{
		cfg:       cfg,
		profile:   profile,
		createdAt: now,
		log:       log,
		scrubber:  scrubber,
		status:    protocol.StatusUnknown,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]struct{}),
		inflight:  make(map[string]protocol.CommandKind),
	}
}

// ID returns the session id.
func (s *SessionState) ID() string { return s.cfg.ID }

// Config returns a copy of the session configuration.
func (s *SessionState) Config() SessionConfig { return s.cfg.Clone() }

// Profile returns a copy of the effective policy profile.
func (s *SessionState) Profile() policy.Profile { return s.profile.Clone() }

// CreatedAt returns the creation time.
func (s *SessionState) CreatedAt() time.Time { return s.createdAt }

// Log returns the session's event log.
func (s *SessionState) Log() *eventlog.Log { return s.log }

// Status returns the current lifecycle status.
func (s *SessionState) Status() protocol.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Facts returns the policy facts accumulated so far.
func (s *SessionState) Facts() policy.Facts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.facts
}

// Context is cancelled when the session is aborted or completed. Adapters
// should stop work when it is done.
func (s *SessionState) Context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Info returns a summary of the session.
func (s *SessionState) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		Config:       s.cfg.Clone(),
		Status:       s.status,
		CreatedAt:    s.createdAt,
		LastSequence: s.log.LastSequence(),
		InFlight:     len(s.inflight),
	}
}

// Append records ev in the session's log and updates the policy facts it
// implies. Inline artifact text is scrubbed first.
func (s *SessionState) Append(ev protocol.Event) (protocol.Event, error) {
	if a, ok := protocol.PayloadAs[protocol.ArtifactAvailable](ev.Payload); ok && a.Artifact.Text != "" && s.scrubber != nil {
		a.Artifact.Text = s.scrubber.Scrub(a.Artifact.Text).Scrubbed
		ev.Payload = a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.log.Append(ev)
	if err != nil {
		return protocol.Event{}, err
	}
	s.observeLocked(stored)
	return stored, nil
}

// observeLocked keeps facts in step with command outcomes: a successful
// RunTests sets TestsPassed and a successful Commit clears it.
func (s *SessionState) observeLocked(ev protocol.Event) {
	id := ev.Correlation.CommandID
	if id == "" || !ev.IsTerminal() || ev.IsDuplicateRejection() {
		return
	}
	delete(s.pending, id)
	kind, ok := s.inflight[id]
	if !ok {
		return
	}
	delete(s.inflight, id)
	c, ok := protocol.PayloadAs[protocol.CommandCompleted](ev.Payload)
	if !ok || c.Outcome != protocol.OutcomeSuccess {
		return
	}
	switch kind {
	case protocol.KindRunTests:
		s.facts.TestsPassed = true
	case protocol.KindCommit:
		s.facts.TestsPassed = false
	}
}

func (s *SessionState) emit(cmd protocol.Command, payload protocol.EventPayload) error {
	corr := cmd.Correlation.ForCommand(cmd.ID)
	corr.SessionID = s.cfg.ID
	_, err := s.Append(protocol.NewEvent(corr, payload))
	return err
}

// Emit appends an arbitrary event correlated with cmd.
func (s *SessionState) Emit(cmd protocol.Command, payload protocol.EventPayload) error {
	return s.emit(cmd, payload)
}

// Accept records that work on cmd has started.
func (s *SessionState) Accept(cmd protocol.Command) error {
	return s.emit(cmd, protocol.CommandAccepted{})
}

// Complete records a successful outcome for cmd.
func (s *SessionState) Complete(cmd protocol.Command, message string) error {
	return s.emit(cmd, protocol.CommandCompleted{Outcome: protocol.OutcomeSuccess, Message: message})
}

// Fail records a failed outcome for cmd.
func (s *SessionState) Fail(cmd protocol.Command, message string) error {
	return s.emit(cmd, protocol.CommandCompleted{Outcome: protocol.OutcomeFailure, Message: message})
}

// Reject records that cmd was refused.
func (s *SessionState) Reject(cmd protocol.Command, reason, rule string) error {
	return s.emit(cmd, protocol.CommandRejected{Reason: reason, PolicyRule: rule})
}

// Retrying records a transient failure of cmd that will be retried.
func (s *SessionState) Retrying(cmd protocol.Command, attempt int, reason string, next time.Time) error {
	ev := protocol.CommandRetrying{Attempt: attempt, Reason: reason}
	if !next.IsZero() {
		ev.NextAttemptAt = &next
	}
	return s.emit(cmd, ev)
}

// Artifact publishes an artifact produced by cmd.
func (s *SessionState) Artifact(cmd protocol.Command, a protocol.Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return s.emit(cmd, protocol.ArtifactAvailable{Artifact: a})
}

// Conflict reports files cmd could not reconcile.
func (s *SessionState) Conflict(cmd protocol.Command, files []string, message string) error {
	return s.emit(cmd, protocol.ConflictDetected{Files: files, Message: message})
}

// PlanUpdated reports progress on a plan node. It is not tied to a command.
func (s *SessionState) PlanUpdated(planNodeID, summary string) error {
	corr := protocol.Correlation{SessionID: s.cfg.ID, PlanNodeID: planNodeID}
	_, err := s.Append(protocol.NewEvent(corr, protocol.PlanUpdated{PlanNodeID: planNodeID, Summary: summary}))
	return err
}

// admit reserves cmd's id for dispatch. It fails when the session cannot
// take commands or the id is still pending or already closed. An id that
// was only throttled may be submitted again.
func (s *SessionState) admit(cmd protocol.Command) (policy.Facts, protocol.SessionStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case protocol.StatusRunning, protocol.StatusNeedsApproval:
	default:
		return s.facts, s.status, protocol.RuleSessionState
	}
	if _, ok := s.pending[cmd.ID]; ok || s.log.HasTerminal(cmd.ID) {
		return s.facts, s.status, protocol.RuleDuplicateCommand
	}
	s.pending[cmd.ID] = struct{}{}
	return s.facts, s.status, ""
}

// release forgets a reserved id so the command may be resubmitted.
func (s *SessionState) release(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// markInFlight records the kind of a dispatched command.
func (s *SessionState) markInFlight(cmd protocol.Command) {
	s.mu.Lock()
	s.inflight[cmd.ID] = cmd.Kind
	s.mu.Unlock()
}

// setStatus applies op if the current status allows it and returns the
// previous status.
func (s *SessionState) setStatus(op operation, now time.Time) (protocol.SessionStatus, error) {
	from := s.status
	if !op.allows(from) {
		return from, &TransitionError{SessionID: s.cfg.ID, From: from, To: op.to}
	}
	s.status = op.to
	switch op.to {
	case protocol.StatusError, protocol.StatusCompleted:
		s.cancel()
		s.endedAt = now
	case protocol.StatusRunning:
		if from == protocol.StatusError {
			s.ctx, s.cancel = context.WithCancel(context.Background())
			s.endedAt = time.Time{}
		}
		if op.name == opApprove.name {
			s.facts.Approved = true
		}
	}
	return from, nil
}

// transition applies op and records the SessionStatusChanged event while
// holding the session lock, so status and log order agree.
func (s *SessionState) transition(op operation, actor, reason string, now time.Time) (protocol.SessionStatusChanged, error) {
	s.mu.Lock()
	from, err := s.setStatus(op, now)
	if err != nil {
		s.mu.Unlock()
		return protocol.SessionStatusChanged{}, err
	}
	change := protocol.SessionStatusChanged{From: from, To: op.to, Actor: actor, Reason: reason}
	ev := protocol.NewEvent(protocol.Correlation{SessionID: s.cfg.ID, PlanNodeID: s.cfg.PlanNodeID}, change)
	_, err = s.log.Append(ev)
	s.mu.Unlock()
	if err != nil {
		return change, fmt.Errorf("record status change: %w", err)
	}
	if op.to == protocol.StatusCompleted {
		s.log.Close()
	}
	return change, nil
}

// endedBefore reports whether the session reached a terminal status before t.
func (s *SessionState) endedBefore(t time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.IsTerminal() && !s.endedAt.IsZero() && s.endedAt.Before(t)
}
