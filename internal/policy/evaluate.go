package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// Rule names the check that denied a command. It is reported as
// CommandRejected.policyRule.
type Rule string

const (
	RuleBlacklist          Rule = "Blacklist"
	RuleWhitelist          Rule = "Whitelist"
	RuleProtectedBranches  Rule = "ProtectedBranches"
	RuleMaxFilesPerCommit  Rule = "MaxFilesPerCommit"
	RuleRequireApproval    Rule = "RequireApproval"
	RuleAllowedTransitions Rule = "AllowedTransitions"
	RuleRequireTests       Rule = "RequireTests"
)

// Facts is the session state a profile may depend on.
type Facts struct {
	// Approved is set once an operator approves the session.
	Approved bool
	// TestsPassed is set by a successful RunTests and cleared by the next
	// successful Commit.
	TestsPassed bool
}

// Decision is the result of Evaluate. Rule and Reason are empty when the
// command is allowed.
type Decision struct {
	Allowed bool
	Rule    Rule
	Reason  string
}

// Allow is the zero-reason allowing decision.
var Allow = Decision{Allowed: true}

func deny(rule Rule, format string, args ...any) Decision {
	return Decision{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate applies the profile's rules to cmd in a fixed order and returns
// the first denial, or Allow.
func Evaluate(cmd protocol.Command, p Profile, facts Facts) Decision {
	if slices.Contains(p.CommandBlacklist, cmd.Kind) {
		return deny(RuleBlacklist, "command %s is blacklisted", cmd.Kind)
	}
	if len(p.CommandWhitelist) > 0 && !slices.Contains(p.CommandWhitelist, cmd.Kind) {
		return deny(RuleWhitelist, "command %s is not whitelisted", cmd.Kind)
	}
	if branch, ok := targetBranch(cmd); ok && p.IsProtected(branch) {
		return deny(RuleProtectedBranches, "branch %q is protected", branch)
	}
	if c, ok := protocol.PayloadAs[protocol.Commit](cmd.Payload); ok {
		if p.MaxFilesPerCommit > 0 && len(c.Files) > p.MaxFilesPerCommit {
			return deny(RuleMaxFilesPerCommit, "commit touches %d files, limit is %d", len(c.Files), p.MaxFilesPerCommit)
		}
	}
	if cmd.Kind == protocol.KindPush && p.RequireApprovalForPush && !facts.Approved {
		return deny(RuleRequireApproval, "push requires operator approval")
	}
	if t, ok := protocol.PayloadAs[protocol.TransitionTicket](cmd.Payload); ok && len(p.AllowedWorkItemTransitions) > 0 {
		if !containsFold(p.AllowedWorkItemTransitions, t.To) {
			return deny(RuleAllowedTransitions, "transition to %q is not allowed", t.To)
		}
	}
	if cmd.Kind == protocol.KindPush && p.RequireTestsBeforePush && !facts.TestsPassed {
		return deny(RuleRequireTests, "push requires a passing test run since the last commit")
	}
	return Allow
}

// targetBranch returns the branch a command writes to. CreateBranch.From is
// only read, so it is not a target.
func targetBranch(cmd protocol.Command) (string, bool) {
	switch cmd.Kind {
	case protocol.KindCreateBranch:
		if b, ok := protocol.PayloadAs[protocol.CreateBranch](cmd.Payload); ok {
			return b.Name, true
		}
	case protocol.KindDeleteBranch:
		if b, ok := protocol.PayloadAs[protocol.DeleteBranch](cmd.Payload); ok {
			return b.Name, true
		}
	case protocol.KindPush:
		if b, ok := protocol.PayloadAs[protocol.Push](cmd.Payload); ok {
			return b.Branch, true
		}
	}
	return "", false
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
