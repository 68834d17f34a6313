package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind is the type tag of an event.
type EventKind string

const (
	KindCommandAccepted      EventKind = "CommandAccepted"
	KindCommandRejected      EventKind = "CommandRejected"
	KindCommandCompleted     EventKind = "CommandCompleted"
	KindCommandRetrying      EventKind = "CommandRetrying"
	KindArtifactAvailable    EventKind = "ArtifactAvailable"
	KindThrottled            EventKind = "Throttled"
	KindConflictDetected     EventKind = "ConflictDetected"
	KindSessionStatusChanged EventKind = "SessionStatusChanged"
	KindPlanUpdated          EventKind = "PlanUpdated"
	KindBacklogQueried       EventKind = "BacklogQueried"
	KindWorkItemClaimed      EventKind = "WorkItemClaimed"
)

// IsTerminal reports whether an event of this kind closes a command.
func (k EventKind) IsTerminal() bool {
	return k == KindCommandCompleted || k == KindCommandRejected
}

// EventPayload is implemented by every typed event body.
type EventPayload interface {
	EventKind() EventKind
}

// CommandAccepted acknowledges that an adapter started work on a command.
type CommandAccepted struct{}

// CommandRejected closes a command that never reached, or was refused by,
// an adapter. PolicyRule names the gate that refused it.
type CommandRejected struct {
	Reason     string `json:"reason"`
	PolicyRule string `json:"policyRule,omitempty"`
}

// Rejection rules reported by the dispatch pipeline itself. Policy rules are
// defined by the policy package.
const (
	RuleSessionState     = "SessionState"
	RuleDuplicateCommand = "DuplicateCommand"
	RuleRouting          = "ROUTING"
	RuleInternal         = "Internal"
)

// IsDuplicateRejection reports whether ev rejects a resubmitted command id.
// Such an event refers to the second submission, so it does not count as the
// original command's terminal event.
func (e Event) IsDuplicateRejection() bool {
	r, ok := PayloadAs[CommandRejected](e.Payload)
	return ok && r.PolicyRule == RuleDuplicateCommand
}

// CommandCompleted closes a command that an adapter handled.
type CommandCompleted struct {
	Outcome CommandOutcome `json:"outcome"`
	Message string         `json:"message,omitempty"`
}

// CommandRetrying reports a transient adapter failure that will be retried.
type CommandRetrying struct {
	Attempt       int        `json:"attempt"`
	Reason        string     `json:"reason"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

// ArtifactAvailable announces a produced artifact.
type ArtifactAvailable struct {
	Artifact Artifact `json:"artifact"`
}

// Throttled reports that a rate-limit bucket refused a command.
type Throttled struct {
	Scope      string    `json:"scope"`
	RetryAfter time.Time `json:"retryAfter"`
}

// ConflictDetected reports files an adapter could not reconcile.
type ConflictDetected struct {
	Files   []string `json:"files"`
	Message string   `json:"message,omitempty"`
}

// SessionStatusChanged records a lifecycle transition.
type SessionStatusChanged struct {
	From   SessionStatus `json:"from"`
	To     SessionStatus `json:"to"`
	Actor  string        `json:"actor,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// PlanUpdated notes progress on a plan node.
type PlanUpdated struct {
	PlanNodeID string `json:"planNodeId"`
	Summary    string `json:"summary,omitempty"`
}

// BacklogQueried carries the result of a QueryBacklog command.
type BacklogQueried struct {
	Items []WorkItem `json:"items"`
}

// WorkItemClaimed reports a successful ClaimWorkItem.
type WorkItemClaimed struct {
	WorkItem string `json:"workItem"`
	Claimant string `json:"claimant"`
}

// WorkItem is a backlog entry as reported by a tracker adapter.
type WorkItem struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	State    string   `json:"state,omitempty"`
	Assignee string   `json:"assignee,omitempty"`
	URL      string   `json:"url,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

// RawEvent carries an event of a kind this package does not know.
type RawEvent struct {
	Kind EventKind
	Data json.RawMessage
}

func (CommandAccepted) EventKind() EventKind      { return KindCommandAccepted }
func (CommandRejected) EventKind() EventKind      { return KindCommandRejected }
func (CommandCompleted) EventKind() EventKind     { return KindCommandCompleted }
func (CommandRetrying) EventKind() EventKind      { return KindCommandRetrying }
func (ArtifactAvailable) EventKind() EventKind    { return KindArtifactAvailable }
func (Throttled) EventKind() EventKind            { return KindThrottled }
func (ConflictDetected) EventKind() EventKind     { return KindConflictDetected }
func (SessionStatusChanged) EventKind() EventKind { return KindSessionStatusChanged }
func (PlanUpdated) EventKind() EventKind          { return KindPlanUpdated }
func (BacklogQueried) EventKind() EventKind       { return KindBacklogQueried }
func (WorkItemClaimed) EventKind() EventKind      { return KindWorkItemClaimed }
func (r RawEvent) EventKind() EventKind           { return r.Kind }

// MarshalJSON emits the raw payload unchanged.
func (r RawEvent) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("{}"), nil
	}
	return r.Data, nil
}

var eventFactories = map[EventKind]func() EventPayload{
	KindCommandAccepted:      func() EventPayload { return &CommandAccepted{} },
	KindCommandRejected:      func() EventPayload { return &CommandRejected{} },
	KindCommandCompleted:     func() EventPayload { return &CommandCompleted{} },
	KindCommandRetrying:      func() EventPayload { return &CommandRetrying{} },
	KindArtifactAvailable:    func() EventPayload { return &ArtifactAvailable{} },
	KindThrottled:            func() EventPayload { return &Throttled{} },
	KindConflictDetected:     func() EventPayload { return &ConflictDetected{} },
	KindSessionStatusChanged: func() EventPayload { return &SessionStatusChanged{} },
	KindPlanUpdated:          func() EventPayload { return &PlanUpdated{} },
	KindBacklogQueried:       func() EventPayload { return &BacklogQueried{} },
	KindWorkItemClaimed:      func() EventPayload { return &WorkItemClaimed{} },
}

// ArtifactKind classifies an artifact.
type ArtifactKind string

const (
	ArtifactLog       ArtifactKind = "Log"
	ArtifactDiff      ArtifactKind = "Diff"
	ArtifactReport    ArtifactKind = "Report"
	ArtifactReference ArtifactKind = "Reference"
)

// ErrInvalidArtifact indicates an artifact with both or neither of Text
// and Ref set.
var ErrInvalidArtifact = errors.New("artifact must carry exactly one of text or ref")

// Artifact is an output of a command: inline text or a reference to
// external content.
type Artifact struct {
	Kind ArtifactKind `json:"kind"`
	Name string       `json:"name"`
	Text string       `json:"text,omitempty"`
	Ref  string       `json:"ref,omitempty"`
}

// Validate checks that exactly one of Text and Ref is set.
func (a Artifact) Validate() error {
	if (a.Text == "") == (a.Ref == "") {
		return fmt.Errorf("%w: %s", ErrInvalidArtifact, a.Name)
	}
	return nil
}

// Event is a fact recorded in a session's log. Sequence and Timestamp are
// assigned by the log at append time.
type Event struct {
	ID          string
	Kind        EventKind
	Sequence    uint64
	Timestamp   time.Time
	Correlation Correlation
	Payload     EventPayload
}

// NewEvent builds an unsequenced event with a fresh id.
func NewEvent(corr Correlation, payload EventPayload) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        payload.EventKind(),
		Correlation: corr,
		Payload:     payload,
	}
}

// IsTerminal reports whether the event closes its command.
func (e Event) IsTerminal() bool {
	return e.Kind.IsTerminal()
}

// Validate checks the envelope fields the log relies on.
func (e Event) Validate() error {
	if e.Correlation.SessionID == "" {
		return ErrMissingSession
	}
	if e.Kind == "" {
		return errors.New("event kind is required")
	}
	if e.Payload != nil && e.Payload.EventKind() != e.Kind {
		return fmt.Errorf("event kind %q does not match payload kind %q", e.Kind, e.Payload.EventKind())
	}
	if a, ok := PayloadAs[ArtifactAvailable](e.Payload); ok {
		return a.Artifact.Validate()
	}
	return nil
}

type eventEnvelope struct {
	ID          string          `json:"id"`
	Kind        EventKind       `json:"kind"`
	Sequence    uint64          `json:"sequence,omitempty"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
	Correlation Correlation     `json:"correlation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	env := eventEnvelope{
		ID:          e.ID,
		Kind:        e.Kind,
		Sequence:    e.Sequence,
		Correlation: e.Correlation,
	}
	if !e.Timestamp.IsZero() {
		t := e.Timestamp
		env.Timestamp = &t
	}
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodeEventPayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:          env.ID,
		Kind:        env.Kind,
		Sequence:    env.Sequence,
		Correlation: env.Correlation,
		Payload:     payload,
	}
	if env.Timestamp != nil {
		e.Timestamp = *env.Timestamp
	}
	return nil
}

func decodeEventPayload(kind EventKind, data json.RawMessage) (EventPayload, error) {
	factory, ok := eventFactories[kind]
	if !ok {
		return RawEvent{Kind: kind, Data: data}, nil
	}
	payload := factory()
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return payload, nil
}
