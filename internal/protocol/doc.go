// Package protocol defines the wire shapes exchanged between agents, the
// orchestration core and adapters.
//
// # Commands and Events
//
// A Command is a typed intent (CreateBranch, Commit, TransitionTicket, ...)
// submitted for policy and rate-limit gating and then routed to an adapter.
// An Event is a typed fact appended to a session's log (CommandAccepted,
// CommandCompleted, Throttled, SessionStatusChanged, ...).
//
// Both carry an id, a kind discriminator equal to the payload's type name and
// a Correlation tying them to a session:
//
//	{
//	  "id": "2f0c8c7e-3c55-4f0e-9d1c-8f6f3b6a0c11",
//	  "kind": "Commit",
//	  "correlation": {"sessionId": "01J9Z...", "issuerAgentId": "coder-1"},
//	  "issuedAt": "2025-11-24T10:15:30.123+01:00",
//	  "payload": {"message": "add parser", "files": ["parser.go"]}
//	}
//
// Optional fields are omitted rather than emitted as null. Enumerations
// (CommandOutcome, SessionStatus) serialise as their names. Timestamps use
// RFC 3339 with offset.
//
// Unknown kinds decode into RawCommand / RawEvent so that adapters can
// introduce new kinds without changes to the core.
package protocol
