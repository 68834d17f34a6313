package natsbus

import (
	"errors"
	"strings"

	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// DefaultPrefix is the subject root when none is configured.
const DefaultPrefix = "agenthub"

// EventSubject is the subject an event of kind is mirrored to.
func EventSubject(prefix, sessionID string, kind protocol.EventKind) string {
	return prefixOr(prefix) + ".sessions." + sessionID + ".events." + string(kind)
}

// SessionEventsSubject matches every mirrored event of one session.
func SessionEventsSubject(prefix, sessionID string) string {
	return prefixOr(prefix) + ".sessions." + sessionID + ".events.>"
}

// CommandSubject is where commands for sessionID are submitted.
func CommandSubject(prefix, sessionID string) string {
	return prefixOr(prefix) + ".sessions." + sessionID + ".commands"
}

func commandWildcard(prefix string) string {
	return prefixOr(prefix) + ".sessions.*.commands"
}

// sessionFromCommandSubject extracts the session token of a command subject.
func sessionFromCommandSubject(prefix, subject string) (string, error) {
	rest, ok := strings.CutPrefix(subject, prefixOr(prefix)+".sessions.")
	if !ok {
		return "", errors.New("subject outside prefix")
	}
	id, ok := strings.CutSuffix(rest, ".commands")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", errors.New("not a command subject")
	}
	return id, nil
}

func prefixOr(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
