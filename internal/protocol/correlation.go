package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// ErrInvalidID indicates an identifier that cannot be used as a session id.
var ErrInvalidID = errors.New("invalid identifier")

const maxIDLen = 128

// idPattern matches ids that are safe as NATS subject tokens and log fields.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Correlation links a command or event to its session and origin.
type Correlation struct {
	SessionID       string `json:"sessionId"`
	CommandID       string `json:"commandId,omitempty"`
	ParentCommandID string `json:"parentCommandId,omitempty"`
	PlanNodeID      string `json:"planNodeId,omitempty"`
	IssuerAgentID   string `json:"issuerAgentId,omitempty"`
}

// ForCommand returns a copy of c pointing at the given command.
func (c Correlation) ForCommand(commandID string) Correlation {
	c.CommandID = commandID
	return c
}

// ValidateID checks that id is non-empty, at most 128 bytes and made of
// alphanumerics, hyphens and underscores.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidID)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%w: exceeds max length %d", ErrInvalidID, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must be alphanumeric, hyphen or underscore", ErrInvalidID, id)
	}
	return nil
}
