// Package orchestrator implements the session orchestration engine.
//
// # Overview
//
// A Manager owns a set of sessions. Each session has a lifecycle status, an
// immutable policy profile and an ordered event log. Agents submit typed
// commands; the manager gates each one and hands it to the first adapter
// that can handle its kind.
//
// # Lifecycle
//
//	Unknown → Running ⇄ Paused
//	Running → NeedsApproval → Running      (RequestApproval / ApproveSession)
//	Running, Paused, NeedsApproval → Error  (AbortSession; ResumeSession recovers)
//	Running, Paused → Completed             (terminal)
//
// Every transition is recorded as a SessionStatusChanged event and fires the
// status_changed hook; entering the first status fires session_start and
// entering Completed or Error fires session_end.
//
// # Dispatch Pipeline
//
// PublishCommand applies, in order:
//
//  1. Session state: Paused, Completed and Error sessions reject commands
//     (rule SessionState). A reused command id is rejected (DuplicateCommand).
//  2. Policy: policy.Evaluate against the session profile and facts. A
//     RequireApproval denial also moves a Running session to NeedsApproval.
//  3. Rate limits: the global bucket, the session bucket and the session's
//     bucket for the command kind, taken atomically. Refusal appends
//     Throttled and leaves the id free for a retry.
//  4. Routing: no capable adapter appends CommandRejected (rule ROUTING).
//  5. Dispatch: the adapter runs on its own goroutine under the session
//     context.
//
// The dispatch wrapper guarantees exactly one terminal event per command
// (CommandCompleted or CommandRejected), recovering adapter panics.
//
// # Usage Example
//
//	mgr := orchestrator.NewManager(orchestrator.Options{
//		Adapters: []orchestrator.Adapter{gitAdapter, trackerAdapter},
//		Logger:   logger,
//		Metrics:  orchestrator.NewMetrics(),
//	})
//	defer mgr.Close(ctx)
//
//	s, err := mgr.CreateSession(ctx, orchestrator.SessionConfig{AgentProfile: "coder"})
//	sub, _ := mgr.Subscribe(s.ID())
//	err = mgr.PublishCommand(ctx, protocol.NewCommand(s.ID(), protocol.Push{Branch: "feature/x"}))
package orchestrator
