package orchestrator

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/agenthub/internal/policy"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// Adapter executes commands against an external system (git, an issue
// tracker, a build runner).
//
// HandleCommand runs on its own goroutine. It should report progress through
// the session helpers, usually Accept first and then exactly one of Complete,
// Fail or Reject. Returning without a terminal event is reported as success
// when err is nil and as failure otherwise. Panics are recovered and reported
// as failure.
type Adapter interface {
	// Name identifies the adapter in logs and traces.
	Name() string

	// CanHandle reports whether the adapter accepts commands of kind.
	CanHandle(kind protocol.CommandKind) bool

	// HandleCommand executes cmd. ctx is cancelled when the session is
	// aborted or completed.
	HandleCommand(ctx context.Context, cmd protocol.Command, session *SessionState) error
}

// AdapterFunc adapts a function and a fixed set of kinds to Adapter.
type AdapterFunc struct {
	AdapterName string
	Kinds       []protocol.CommandKind
	Handle      func(ctx context.Context, cmd protocol.Command, session *SessionState) error
}

func (a AdapterFunc) Name() string { return a.AdapterName }

func (a AdapterFunc) CanHandle(kind protocol.CommandKind) bool {
	for _, k := range a.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (a AdapterFunc) HandleCommand(ctx context.Context, cmd protocol.Command, session *SessionState) error {
	return a.Handle(ctx, cmd, session)
}

// router picks the first registered adapter that handles a kind. The adapter
// list is fixed at construction.
type router struct {
	adapters []Adapter
}

func newRouter(adapters []Adapter) router {
	out := make([]Adapter, 0, len(adapters))
	for _, a := range adapters {
		if a != nil {
			out = append(out, a)
		}
	}
	return router{adapters: out}
}

func (r router) route(kind protocol.CommandKind) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.CanHandle(kind) {
			return a, true
		}
	}
	return nil, false
}

// CheckProfile reports an ErrInvalidConfig error when p depends on a command
// kind none of adapters handles. Without a RunTests adapter the tests fact is
// never set, so a profile requiring tests would refuse every push.
func CheckProfile(p policy.Profile, adapters []Adapter) error {
	return newRouter(adapters).checkProfile(p)
}

func (r router) checkProfile(p policy.Profile) error {
	if p.RequireTestsBeforePush {
		if _, ok := r.route(protocol.KindRunTests); !ok {
			return fmt.Errorf("%w: require_tests_before_push is set but no adapter handles %s", ErrInvalidConfig, protocol.KindRunTests)
		}
	}
	return nil
}
