package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agenthub/internal/config"
	"github.com/fyrsmithlabs/agenthub/internal/logging"
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestMainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	port := freePort(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SERVER_HTTP_PORT", fmt.Sprint(port))
	t.Setenv("LOGGING_LEVEL", "warn")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, "") }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SERVER_HTTP_PORT", "0")
	assert.ErrorContains(t, run(context.Background(), ""), "invalid server port")
}

func TestRun_RequireTestsWithoutRunner(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  require_tests_before_push: true\n"), 0600))

	err := run(context.Background(), path)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidConfig)
	assert.ErrorContains(t, err, "default policy")
}

func TestInitAdapters(t *testing.T) {
	cfg := config.Default()
	adapters, err := initAdapters(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	assert.Empty(t, adapters)

	cfg.Git.Enabled = true
	cfg.GitHub.Enabled = true
	cfg.GitHub.Token = config.Secret("token")
	cfg.GitHub.Owner, cfg.GitHub.Repo = "acme", "app"
	adapters, err = initAdapters(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, "gitlocal", adapters[0].Name())
	assert.Equal(t, "tracker", adapters[1].Name())

	cfg.GitHub.Token = ""
	_, err = initAdapters(context.Background(), cfg, logging.Nop())
	assert.ErrorContains(t, err, "github tracker")
}
