package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/agenthub/internal/http"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

func newCommandCmd(opts *options) *cobra.Command {
	var (
		payload string
		id      string
		agent   string
	)
	cmd := &cobra.Command{
		Use:   "command SESSION KIND",
		Short: "Submit a command to a session",
		Long: `Submit a command to a session. The reply only acknowledges submission;
follow the session's events for the outcome.

Examples:
  hubctl command 01HZX3S7Q5 CreateBranch --payload '{"name":"feature/login"}'
  hubctl command 01HZX3S7Q5 Commit --payload '{"message":"Add login"}'
  hubctl command 01HZX3S7Q5 RunTests`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCommand(args[0], args[1], id, agent, payload)
			if err != nil {
				return err
			}
			var resp httpapi.CommandResponse
			if err := opts.do(cmd.Context(), http.MethodPost, sessionPath(args[0])+"/commands", c, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s %s to %s\n", c.Kind, resp.CommandID, resp.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "command payload as JSON")
	cmd.Flags().StringVar(&id, "id", "", "command id (generated when empty)")
	cmd.Flags().StringVar(&agent, "agent", "", "issuing agent id")
	return cmd
}

// buildCommand decodes the command locally so malformed payloads and unknown
// kinds fail before anything is sent.
func buildCommand(session, kind, id, agent, payload string) (protocol.Command, error) {
	if !json.Valid([]byte(payload)) {
		return protocol.Command{}, errors.New("payload is not valid JSON")
	}
	env := map[string]any{
		"id":   id,
		"kind": kind,
		"correlation": protocol.Correlation{
			SessionID:     session,
			IssuerAgentID: agent,
		},
		"payload": json.RawMessage(payload),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return protocol.Command{}, err
	}
	var c protocol.Command
	if err := json.Unmarshal(data, &c); err != nil {
		return protocol.Command{}, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	if _, raw := c.Payload.(protocol.RawCommand); raw {
		return protocol.Command{}, fmt.Errorf("unknown command kind %q", kind)
	}
	return c, nil
}

func newEventsCmd(opts *options) *cobra.Command {
	var since uint64
	cmd := &cobra.Command{
		Use:   "events SESSION",
		Short: "Print a session's recorded events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := sessionPath(args[0]) + "/events?since=" + strconv.FormatUint(since, 10)
			var events []protocol.Event
			if err := opts.do(cmd.Context(), http.MethodGet, path, nil, &events); err != nil {
				return err
			}
			for _, ev := range events {
				printEvent(cmd.OutOrStdout(), ev)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "only events after this sequence number")
	return cmd
}

func newStreamCmd(opts *options) *cobra.Command {
	var since uint64
	cmd := &cobra.Command{
		Use:   "stream SESSION",
		Short: "Follow a session's events live",
		Long: `Follow a session's events until the session completes or the command is
interrupted. Earlier events after --since are replayed first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimRight(opts.server, "/") + sessionPath(args[0]) + "/stream"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")
			if since > 0 {
				req.Header.Set("Last-Event-ID", strconv.FormatUint(since, 10))
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return readError(resp)
			}
			return readStream(resp.Body, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "replay events after this sequence number")
	return cmd
}

// readStream prints SSE frames from r until the server ends the stream.
// An "error" frame is returned as an error.
func readStream(r io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data == "" {
				continue
			}
			switch event {
			case "end":
				fmt.Fprintln(out, "-- session closed")
				return nil
			case "error":
				var body httpapi.ErrorResponse
				_ = json.Unmarshal([]byte(data), &body)
				return fmt.Errorf("stream ended: %s", body.Error)
			}
			var ev protocol.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			printEvent(out, ev)
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// printEvent writes one line per event: sequence, kind, command and payload.
func printEvent(w io.Writer, ev protocol.Event) {
	command := ev.Correlation.CommandID
	if command == "" {
		command = "-"
	}
	payload, _ := json.Marshal(ev.Payload)
	fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.Sequence, ev.Kind, command, payload)
}

func newPlanCmd(opts *options) *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "plan SESSION NODE",
		Short: "Record progress on a plan node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := protocol.NewEvent(protocol.Correlation{SessionID: args[0], PlanNodeID: args[1]},
				protocol.PlanUpdated{PlanNodeID: args[1], Summary: summary})
			var recorded protocol.Event
			if err := opts.do(cmd.Context(), http.MethodPost, sessionPath(args[0])+"/events", ev, &recorded); err != nil {
				return err
			}
			printEvent(cmd.OutOrStdout(), recorded)
			return nil
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "progress summary")
	return cmd
}
