// Package natsbus connects the hub to NATS.
//
// Mirror is an eventlog.Sink that republishes every session event on
//
//	{prefix}.sessions.{session_id}.events.{kind}
//
// so external consumers can follow sessions without the HTTP stream.
// Intake subscribes to {prefix}.sessions.*.commands and submits decoded
// commands to the session manager; request/reply callers receive an Ack.
package natsbus
