package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandKind is the type tag of a command. The core routes and gates on the
// kind only; payloads are opaque except to the policy enforcer.
type CommandKind string

const (
	KindCreateBranch     CommandKind = "CreateBranch"
	KindDeleteBranch     CommandKind = "DeleteBranch"
	KindCommit           CommandKind = "Commit"
	KindPush             CommandKind = "Push"
	KindApplyPatch       CommandKind = "ApplyPatch"
	KindTransitionTicket CommandKind = "TransitionTicket"
	KindQueryBacklog     CommandKind = "QueryBacklog"
	KindClaimWorkItem    CommandKind = "ClaimWorkItem"
	KindRunBuild         CommandKind = "RunBuild"
	KindRunTests         CommandKind = "RunTests"
)

// ErrMissingSession indicates a command or event without a session id.
var ErrMissingSession = errors.New("correlation.sessionId is required")

// CommandPayload is implemented by every typed command body.
type CommandPayload interface {
	CommandKind() CommandKind
}

// CreateBranch creates Name, optionally starting at From.
type CreateBranch struct {
	Name string `json:"name"`
	From string `json:"from,omitempty"`
}

// DeleteBranch removes a local branch.
type DeleteBranch struct {
	Name string `json:"name"`
}

// Commit records the listed files with Message.
type Commit struct {
	Message string   `json:"message"`
	Files   []string `json:"files,omitempty"`
}

// Push publishes Branch to Remote.
type Push struct {
	Branch string `json:"branch"`
	Remote string `json:"remote,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// ApplyPatch applies a unified diff to the workspace.
type ApplyPatch struct {
	Patch string `json:"patch"`
}

// TransitionTicket moves a work item to state To.
type TransitionTicket struct {
	Ticket string `json:"ticket"`
	To     string `json:"to"`
}

// QueryBacklog asks the issue tracker for open work items.
type QueryBacklog struct {
	Project string `json:"project,omitempty"`
	Query   string `json:"query,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ClaimWorkItem assigns a work item to the issuing agent.
type ClaimWorkItem struct {
	WorkItem string `json:"workItem"`
}

// RunBuild invokes the build tool.
type RunBuild struct {
	Target string `json:"target,omitempty"`
}

// RunTests invokes the test runner.
type RunTests struct {
	Target string `json:"target,omitempty"`
}

// RawCommand carries a command of a kind this package does not know.
type RawCommand struct {
	Kind CommandKind
	Data json.RawMessage
}

func (CreateBranch) CommandKind() CommandKind     { return KindCreateBranch }
func (DeleteBranch) CommandKind() CommandKind     { return KindDeleteBranch }
func (Commit) CommandKind() CommandKind           { return KindCommit }
func (Push) CommandKind() CommandKind             { return KindPush }
func (ApplyPatch) CommandKind() CommandKind       { return KindApplyPatch }
func (TransitionTicket) CommandKind() CommandKind { return KindTransitionTicket }
func (QueryBacklog) CommandKind() CommandKind     { return KindQueryBacklog }
func (ClaimWorkItem) CommandKind() CommandKind    { return KindClaimWorkItem }
func (RunBuild) CommandKind() CommandKind         { return KindRunBuild }
func (RunTests) CommandKind() CommandKind         { return KindRunTests }
func (r RawCommand) CommandKind() CommandKind     { return r.Kind }

// MarshalJSON emits the raw payload unchanged.
func (r RawCommand) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("{}"), nil
	}
	return r.Data, nil
}

var commandFactories = map[CommandKind]func() CommandPayload{
	KindCreateBranch:     func() CommandPayload { return &CreateBranch{} },
	KindDeleteBranch:     func() CommandPayload { return &DeleteBranch{} },
	KindCommit:           func() CommandPayload { return &Commit{} },
	KindPush:             func() CommandPayload { return &Push{} },
	KindApplyPatch:       func() CommandPayload { return &ApplyPatch{} },
	KindTransitionTicket: func() CommandPayload { return &TransitionTicket{} },
	KindQueryBacklog:     func() CommandPayload { return &QueryBacklog{} },
	KindClaimWorkItem:    func() CommandPayload { return &ClaimWorkItem{} },
	KindRunBuild:         func() CommandPayload { return &RunBuild{} },
	KindRunTests:         func() CommandPayload { return &RunTests{} },
}

// Command is a typed intent submitted to a session.
type Command struct {
	ID          string
	Kind        CommandKind
	Correlation Correlation
	IssuedAt    time.Time
	Payload     CommandPayload
}

// NewCommand builds a command for sessionID with a fresh id.
func NewCommand(sessionID string, payload CommandPayload) Command {
	id := uuid.NewString()
	return Command{
		ID:          id,
		Kind:        payload.CommandKind(),
		Correlation: Correlation{SessionID: sessionID, CommandID: id},
		IssuedAt:    time.Now(),
		Payload:     payload,
	}
}

// Validate checks the envelope fields the core relies on.
func (c Command) Validate() error {
	if c.Correlation.SessionID == "" {
		return ErrMissingSession
	}
	if c.Kind == "" {
		return errors.New("command kind is required")
	}
	if c.Payload != nil && c.Payload.CommandKind() != c.Kind {
		return fmt.Errorf("command kind %q does not match payload kind %q", c.Kind, c.Payload.CommandKind())
	}
	return nil
}

// PayloadAs reports whether payload is of type T, returning it when it is.
// Both value and pointer payloads are accepted.
func PayloadAs[T any](payload any) (T, bool) {
	switch p := payload.(type) {
	case T:
		return p, true
	case *T:
		if p != nil {
			return *p, true
		}
	}
	var zero T
	return zero, false
}

type commandEnvelope struct {
	ID          string          `json:"id"`
	Kind        CommandKind     `json:"kind"`
	Correlation Correlation     `json:"correlation"`
	IssuedAt    *time.Time      `json:"issuedAt,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Command) MarshalJSON() ([]byte, error) {
	env := commandEnvelope{
		ID:          c.ID,
		Kind:        c.Kind,
		Correlation: c.Correlation,
	}
	if !c.IssuedAt.IsZero() {
		t := c.IssuedAt
		env.IssuedAt = &t
	}
	if c.Payload != nil {
		data, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", c.Kind, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Command) UnmarshalJSON(data []byte) error {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodeCommandPayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	*c = Command{
		ID:          env.ID,
		Kind:        env.Kind,
		Correlation: env.Correlation,
		Payload:     payload,
	}
	if env.IssuedAt != nil {
		c.IssuedAt = *env.IssuedAt
	}
	return nil
}

func decodeCommandPayload(kind CommandKind, data json.RawMessage) (CommandPayload, error) {
	factory, ok := commandFactories[kind]
	if !ok {
		return RawCommand{Kind: kind, Data: data}, nil
	}
	payload := factory()
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return payload, nil
}
