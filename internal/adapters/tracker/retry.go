package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// RetryConfig configures retries of GitHub API calls.
type RetryConfig struct {
	// MaxAttempts counts the first call. Default: 3
	MaxAttempts int

	// InitialBackoff is the wait after the first failure. Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including rate-limit waits. Default: 30 seconds
	MaxBackoff time.Duration

	// Multiplier grows the backoff between attempts. Default: 2
	Multiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// call runs op until it succeeds, fails permanently or runs out of
// attempts. Every retry is announced on the session as CommandRetrying.
func (a *Adapter) call(ctx context.Context, cmd protocol.Command, s *orchestrator.SessionState, what string, op func() (*github.Response, error)) (*github.Response, error) {
	backoff := a.retry.InitialBackoff
	var (
		resp *github.Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		resp, err = op()
		if err == nil {
			if attempt > 1 {
				a.logger.Info("github call recovered after retries",
					zap.String("call", what),
					zap.Int("attempts", attempt))
			}
			return resp, nil
		}
		if !isRetryable(err, resp) || attempt >= a.retry.MaxAttempts {
			break
		}

		wait := backoff
		if isRateLimited(resp) {
			wait = rateLimitBackoff(resp, a.now(), a.retry.MaxBackoff)
		}
		reason := fmt.Sprintf("%s: %s", what, describe(err, resp))
		if rerr := s.Retrying(cmd, attempt, reason, a.now().Add(wait)); rerr != nil {
			return resp, rerr
		}
		a.logger.Info("retrying github call",
			zap.String("session.id", s.ID()),
			zap.String("command.id", cmd.ID),
			zap.String("call", what),
			zap.Int("attempt", attempt),
			zap.Int("status_code", statusCode(resp)),
			zap.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, fmt.Errorf("%s canceled: %w", what, ctx.Err())
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * a.retry.Multiplier)
		if backoff > a.retry.MaxBackoff {
			backoff = a.retry.MaxBackoff
		}
	}
	return resp, err
}

// isRetryable reports whether a failed call may succeed on a later attempt.
// Errors without a response are network failures and are retried.
func isRetryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		return true
	}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		// Secondary rate limits come back as 403 with rate headers.
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	default:
		return code >= 500 && code < 600
	}
}

func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0)
}

// rateLimitBackoff waits until the advertised reset plus a second, capped at
// max. Without rate headers it waits max.
func rateLimitBackoff(resp *github.Response, now time.Time, max time.Duration) time.Duration {
	if resp == nil || resp.Rate.Reset.Time.IsZero() {
		return max
	}
	wait := resp.Rate.Reset.Time.Sub(now) + time.Second
	if wait < time.Second {
		wait = time.Second
	}
	if wait > max {
		wait = max
	}
	return wait
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}

// describe renders err for event payloads. go-github error strings embed the
// request URL, which is noise for operators.
func describe(err error, resp *github.Response) string {
	var ghErr *github.ErrorResponse
	if code := statusCode(resp); code != 0 {
		if errors.As(err, &ghErr) && ghErr.Message != "" {
			return fmt.Sprintf("%d %s", code, ghErr.Message)
		}
		return fmt.Sprintf("%d %s", code, http.StatusText(code))
	}
	return err.Error()
}
