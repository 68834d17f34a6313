// Package main implements hubctl, a CLI for the agenthub HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/agenthub/internal/http"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags shared by every subcommand.
type options struct {
	server  string
	actor   string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "hubctl",
		Short: "CLI for the agenthub session API",
		Long: `hubctl manages agenthub sessions over the HTTP API: create and inspect
sessions, drive their lifecycle, submit commands and follow their events.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("AGENTHUB_SERVER", "http://localhost:9090"), "agenthub server URL")
	root.PersistentFlags().StringVar(&opts.actor, "actor", envOr("AGENTHUB_ACTOR", "hubctl"), "actor recorded for lifecycle changes")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout (streams are not limited)")

	root.AddCommand(
		newHealthCmd(opts),
		newSessionsCmd(opts),
		newCommandCmd(opts),
		newEventsCmd(opts),
		newStreamCmd(opts),
		newPlanCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// apiError is a non-2xx reply from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// do sends a JSON request to path and decodes a JSON reply into out when
// out is non-nil.
func (o *options) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	url := strings.TrimRight(o.server, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &apiError{Status: resp.StatusCode, Message: fmt.Sprintf("(failed to read response body: %v)", err)}
	}
	var body httpapi.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return &apiError{Status: resp.StatusCode, Message: body.Error}
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

// printJSON writes v indented to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check agenthub server health",
		Long: `Check the health status of the agenthub server.

Examples:
  # Check health
  hubctl health

  # Check health on a different server
  hubctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health httpapi.HealthResponse
			if err := opts.do(cmd.Context(), http.MethodGet, "/health", nil, &health); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status:   %s\n", health.Status)
			fmt.Fprintf(out, "Active Sessions: %d\n", health.ActiveSessions)
			fmt.Fprintf(out, "Server URL:      %s\n", opts.server)
			return nil
		},
	}
}
