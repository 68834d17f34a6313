package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

var (
	// ErrUnknownSession is returned when no session has the given id.
	ErrUnknownSession = errors.New("unknown session")

	// ErrDuplicateSession is returned when creating a session whose id is
	// already registered.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrInvalidTransition is returned when a lifecycle operation is not
	// allowed from the session's current status.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrInvalidConfig is returned for malformed session configuration.
	ErrInvalidConfig = errors.New("invalid session config")

	// ErrSessionActive is returned when evicting a session that has not
	// reached a terminal status.
	ErrSessionActive = errors.New("session is not terminal")

	// ErrReservedEvent is returned by PublishEvent for event kinds only the
	// manager may record.
	ErrReservedEvent = errors.New("event kind is reserved for the session manager")

	// ErrManagerClosed is returned by CreateSession after Close.
	ErrManagerClosed = errors.New("session manager closed")
)

// TransitionError describes a refused lifecycle transition.
type TransitionError struct {
	SessionID string
	From      protocol.SessionStatus
	To        protocol.SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot transition from %s to %s", e.SessionID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold for any TransitionError.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
