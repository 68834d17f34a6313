package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/agenthub/internal/config"
)

// ErrNoToken is returned when the GitHub token is missing.
var ErrNoToken = errors.New("github token not set")

// NewClient creates an authenticated GitHub client. A non-empty baseURL
// selects a GitHub Enterprise API.
func NewClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	if !token.IsSet() {
		return nil, ErrNoToken
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("github base url: %w", err)
	}
	return client, nil
}
