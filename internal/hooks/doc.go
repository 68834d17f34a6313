// Package hooks provides lifecycle hook management for agenthub sessions.
//
// Supports session_start, session_end and status_changed events. The session
// manager fires them after the corresponding SessionStatusChanged event has
// been recorded; hook failures are logged and never undo a transition.
package hooks
