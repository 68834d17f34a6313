package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/agenthub/internal/http"
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/policy"
)

func newSessionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "s"},
		Short:   "Create, inspect and drive sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(opts),
		newSessionsCreateCmd(opts),
		newSessionsGetCmd(opts),
		newSessionsEvictCmd(opts),
		newTransitionCmd(opts, "pause", "Pause a running session", false),
		newTransitionCmd(opts, "resume", "Resume a paused session", false),
		newTransitionCmd(opts, "abort", "Abort a session", true),
		newTransitionCmd(opts, "approve", "Approve a session waiting for approval", false),
		newTransitionCmd(opts, "complete", "Complete a session", false),
		newTransitionCmd(opts, "request-approval", "Move a session to NeedsApproval", true),
	)
	return cmd
}

func newSessionsListCmd(opts *options) *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/sessions"
			if active {
				path += "?active=true"
			}
			var resp httpapi.SessionListResponse
			if err := opts.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPARENT\tEVENTS\tIN-FLIGHT\tCREATED")
			for _, s := range resp.Sessions {
				parent := s.Config.ParentID
				if parent == "" {
					parent = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", s.Config.ID, s.Status, parent,
					s.LastSequence, s.InFlight, s.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only sessions that are not Completed or Error")
	return cmd
}

func newSessionsCreateCmd(opts *options) *cobra.Command {
	var (
		cfg        orchestrator.SessionConfig
		policyFile string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		Long: `Create a session. Without --id the server generates one.

Examples:
  # Session working in a local checkout
  hubctl sessions create --workspace /src/app --work-item acme/app#42

  # Sub-session with its own policy profile
  hubctl sessions create --parent 01HZX3S7Q5 --policy policy.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if policyFile != "" {
				p, err := readProfile(policyFile)
				if err != nil {
					return err
				}
				cfg.Policy = p
			}
			var info orchestrator.SessionInfo
			if err := opts.do(cmd.Context(), http.MethodPost, "/api/v1/sessions", cfg, &info); err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.ID, "id", "", "session id")
	f.StringVar(&cfg.ParentID, "parent", "", "parent session id")
	f.StringVar(&cfg.PlanNodeID, "plan-node", "", "plan node the session works on")
	f.StringVar(&cfg.RepoRef, "repo", "", "repository reference")
	f.StringVar(&cfg.WorkspaceRef, "workspace", "", "absolute path of the working tree")
	f.StringVar(&cfg.WorkItemRef, "work-item", "", "tracker work item, e.g. owner/repo#12")
	f.StringVar(&cfg.AgentProfile, "agent-profile", "", "agent profile name")
	f.StringVar(&policyFile, "policy", "", "JSON file with the session's policy profile")
	return cmd
}

func readProfile(path string) (*policy.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var p policy.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	return &p, nil
}

func newSessionsGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get SESSION",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info orchestrator.SessionInfo
			if err := opts.do(cmd.Context(), http.MethodGet, sessionPath(args[0]), nil, &info); err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
}

func newSessionsEvictCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "evict SESSION",
		Short: "Drop a Completed or Error session from the hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.do(cmd.Context(), http.MethodDelete, sessionPath(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %s\n", args[0])
			return nil
		},
	}
}

func newTransitionCmd(opts *options, op, short string, withReason bool) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   op + " SESSION",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := httpapi.TransitionRequest{Actor: opts.actor, Reason: reason}
			var info orchestrator.SessionInfo
			if err := opts.do(cmd.Context(), http.MethodPost, sessionPath(args[0])+"/"+op, req, &info); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", info.Config.ID, info.Status)
			return nil
		},
	}
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the transition")
	}
	return cmd
}

func sessionPath(id string) string {
	return "/api/v1/sessions/" + url.PathEscape(id)
}
