// Package policy decides whether a command may run under a session's policy
// profile.
//
// Evaluate is a pure function of the command, the profile and the session
// facts it is given. It performs no I/O and holds no state, so the manager can
// call it from any goroutine.
package policy

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// ErrInvalidProfile indicates a profile that cannot be enforced.
var ErrInvalidProfile = errors.New("invalid policy profile")

// RateLimits configures the token buckets applied to a session.
//
// CallsPerMinute of zero disables the bucket. Burst values below one are
// treated as one. PerCommandCaps adds a bucket per command kind whose refill
// is the cap per minute.
type RateLimits struct {
	CallsPerMinute int                          `koanf:"calls_per_minute" json:"callsPerMinute"`
	Burst          int                          `koanf:"burst" json:"burst"`
	PerCommandCaps map[protocol.CommandKind]int `koanf:"per_command_caps" json:"perCommandCaps,omitempty"`
}

// Profile is the policy attached to a session at creation.
type Profile struct {
	CommandWhitelist           []protocol.CommandKind `koanf:"command_whitelist" json:"commandWhitelist,omitempty"`
	CommandBlacklist           []protocol.CommandKind `koanf:"command_blacklist" json:"commandBlacklist,omitempty"`
	ProtectedBranches          []string               `koanf:"protected_branches" json:"protectedBranches,omitempty"`
	MaxFilesPerCommit          int                    `koanf:"max_files_per_commit" json:"maxFilesPerCommit,omitempty"`
	RequireTestsBeforePush     bool                   `koanf:"require_tests_before_push" json:"requireTestsBeforePush,omitempty"`
	RequireApprovalForPush     bool                   `koanf:"require_approval_for_push" json:"requireApprovalForPush,omitempty"`
	AllowedWorkItemTransitions []string               `koanf:"allowed_work_item_transitions" json:"allowedWorkItemTransitions,omitempty"`
	Limits                     RateLimits             `koanf:"limits" json:"limits"`
}

// Clone returns a deep copy of p. Sessions keep a clone so later edits to the
// caller's profile have no effect.
func (p Profile) Clone() Profile {
	out := p
	out.CommandWhitelist = slices.Clone(p.CommandWhitelist)
	out.CommandBlacklist = slices.Clone(p.CommandBlacklist)
	out.ProtectedBranches = slices.Clone(p.ProtectedBranches)
	out.AllowedWorkItemTransitions = slices.Clone(p.AllowedWorkItemTransitions)
	if p.Limits.PerCommandCaps != nil {
		out.Limits.PerCommandCaps = make(map[protocol.CommandKind]int, len(p.Limits.PerCommandCaps))
		for k, v := range p.Limits.PerCommandCaps {
			out.Limits.PerCommandCaps[k] = v
		}
	}
	return out
}

// Validate rejects negative limits and malformed branch globs.
func (p Profile) Validate() error {
	if p.MaxFilesPerCommit < 0 {
		return fmt.Errorf("%w: max_files_per_commit must be >= 0", ErrInvalidProfile)
	}
	if p.Limits.CallsPerMinute < 0 {
		return fmt.Errorf("%w: calls_per_minute must be >= 0", ErrInvalidProfile)
	}
	for kind, limit := range p.Limits.PerCommandCaps {
		if limit < 0 {
			return fmt.Errorf("%w: per_command_caps[%s] must be >= 0", ErrInvalidProfile, kind)
		}
	}
	for _, pattern := range p.ProtectedBranches {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%w: protected branch pattern %q", ErrInvalidProfile, pattern)
		}
	}
	return nil
}

// IsProtected reports whether branch matches any protected pattern.
func (p Profile) IsProtected(branch string) bool {
	for _, pattern := range p.ProtectedBranches {
		if pattern == branch {
			return true
		}
		if ok, err := doublestar.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}
