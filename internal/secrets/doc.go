// Package secrets provides secret detection and redaction using gitleaks.
//
// Inline artifact text (build logs, diffs, reports) passes through the
// scrubber before it is appended to a session log, so streamed and mirrored
// events never carry credentials. Rule IDs and counts are kept for metrics
// while the matched values are replaced.
package secrets
