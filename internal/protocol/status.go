package protocol

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusUnknown       SessionStatus = "Unknown"
	StatusRunning       SessionStatus = "Running"
	StatusPaused        SessionStatus = "Paused"
	StatusNeedsApproval SessionStatus = "NeedsApproval"
	StatusError         SessionStatus = "Error"
	StatusCompleted     SessionStatus = "Completed"
)

// IsTerminal reports whether no further commands may be dispatched in this
// status. Error is terminal until an operator resumes the session.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CommandOutcome is the result carried by CommandCompleted.
type CommandOutcome string

const (
	OutcomeSuccess CommandOutcome = "Success"
	OutcomeFailure CommandOutcome = "Failure"
)
