package orchestrator

import "github.com/fyrsmithlabs/agenthub/internal/protocol"

// transitions lists, per target status, the statuses it may be entered from.
//
//	Unknown → Running ⇄ Paused
//	Running → NeedsApproval → Running
//	Running, Paused, NeedsApproval → Error → Running
//	Running, Paused → Completed
var transitions = map[protocol.SessionStatus][]protocol.SessionStatus{
	protocol.StatusRunning:       {protocol.StatusUnknown, protocol.StatusPaused, protocol.StatusNeedsApproval, protocol.StatusError},
	protocol.StatusPaused:        {protocol.StatusRunning},
	protocol.StatusNeedsApproval: {protocol.StatusRunning},
	protocol.StatusError:         {protocol.StatusRunning, protocol.StatusPaused, protocol.StatusNeedsApproval},
	protocol.StatusCompleted:     {protocol.StatusRunning, protocol.StatusPaused},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to protocol.SessionStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// operation names a lifecycle operation and the subset of the state machine
// it may drive. Resume and Approve both enter Running but from different
// statuses, so the table alone is not enough.
type operation struct {
	name string
	to   protocol.SessionStatus
	from []protocol.SessionStatus
}

var (
	opPause           = operation{"pause", protocol.StatusPaused, []protocol.SessionStatus{protocol.StatusRunning}}
	opResume          = operation{"resume", protocol.StatusRunning, []protocol.SessionStatus{protocol.StatusPaused, protocol.StatusError}}
	opAbort           = operation{"abort", protocol.StatusError, []protocol.SessionStatus{protocol.StatusRunning, protocol.StatusPaused, protocol.StatusNeedsApproval}}
	opApprove         = operation{"approve", protocol.StatusRunning, []protocol.SessionStatus{protocol.StatusNeedsApproval}}
	opComplete        = operation{"complete", protocol.StatusCompleted, []protocol.SessionStatus{protocol.StatusRunning, protocol.StatusPaused}}
	opRequestApproval = operation{"request_approval", protocol.StatusNeedsApproval, []protocol.SessionStatus{protocol.StatusRunning}}
)

func (op operation) allows(from protocol.SessionStatus) bool {
	for _, s := range op.from {
		if s == from {
			return CanTransition(from, op.to)
		}
	}
	return false
}
