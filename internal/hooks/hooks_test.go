package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewHookManager_DefaultsConfig(t *testing.T) {
	hm := NewHookManager(nil)
	require.NotNil(t, hm)
	assert.Equal(t, 5*time.Second, hm.Config().Timeout)
}

func TestExecute_NoHandlers(t *testing.T) {
	hm := NewHookManager(DefaultConfig())
	assert.NoError(t, hm.Execute(context.Background(), HookSessionStart, Data{SessionID: "s1"}))
}

func TestExecute_RunsInOrder(t *testing.T) {
	hm := NewHookManager(DefaultConfig())
	var calls []string
	hm.RegisterHandler(HookSessionEnd, func(_ context.Context, d Data) error {
		calls = append(calls, "first:"+d.SessionID)
		return nil
	})
	hm.RegisterHandler(HookSessionEnd, func(_ context.Context, d Data) error {
		calls = append(calls, "second:"+d.To)
		return nil
	})

	err := hm.Execute(context.Background(), HookSessionEnd, Data{SessionID: "s1", To: "Completed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:s1", "second:Completed"}, calls)
}

func TestExecute_ErrorsContinueByDefault(t *testing.T) {
	hm := NewHookManager(DefaultConfig())
	ran := false
	hm.RegisterHandler(HookStatusChanged, func(context.Context, Data) error { return errors.New("boom") })
	hm.RegisterHandler(HookStatusChanged, func(context.Context, Data) error { ran = true; return nil })

	err := hm.Execute(context.Background(), HookStatusChanged, Data{})
	assert.ErrorContains(t, err, "boom")
	assert.True(t, ran)
}

func TestExecute_StopOnError(t *testing.T) {
	hm := NewHookManager(&Config{StopOnError: true})
	ran := false
	hm.RegisterHandler(HookStatusChanged, func(context.Context, Data) error { return errors.New("boom") })
	hm.RegisterHandler(HookStatusChanged, func(context.Context, Data) error { ran = true; return nil })

	assert.Error(t, hm.Execute(context.Background(), HookStatusChanged, Data{}))
	assert.False(t, ran)
}

func TestExecute_RecoversPanics(t *testing.T) {
	hm := NewHookManager(DefaultConfig())
	hm.RegisterHandler(HookSessionStart, func(context.Context, Data) error { panic("bad hook") })

	err := hm.Execute(context.Background(), HookSessionStart, Data{})
	assert.ErrorContains(t, err, "panicked")
}

func TestExecute_Timeout(t *testing.T) {
	hm := NewHookManager(&Config{Timeout: 10 * time.Millisecond})
	hm.RegisterHandler(HookSessionStart, func(ctx context.Context, _ Data) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := hm.Execute(context.Background(), HookSessionStart, Data{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfig_Validation(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, (&Config{Timeout: -time.Second}).Validate())
}

func TestLogHandler(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LogHandler(zap.New(core), HookStatusChanged)

	require.NoError(t, handler(context.Background(), Data{SessionID: "s1", From: "Running", To: "Paused", Actor: "ops"}))

	entries := logs.FilterMessage("session hook").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "s1", fields["session.id"])
	assert.Equal(t, "Paused", fields["to"])
	assert.Equal(t, "ops", fields["actor"])
}
