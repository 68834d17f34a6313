package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HookType represents different lifecycle hooks
type HookType string

const (
	// HookSessionStart is called when a new session starts
	HookSessionStart HookType = "session_start"

	// HookSessionEnd is called when a session reaches Completed or Error
	HookSessionEnd HookType = "session_end"

	// HookStatusChanged is called on every lifecycle transition
	HookStatusChanged HookType = "status_changed"
)

// Config holds hook configuration
type Config struct {
	// Timeout bounds each handler invocation. Zero means no bound.
	Timeout time.Duration `koanf:"timeout"`

	// StopOnError stops running further handlers of a hook after the first
	// failure.
	StopOnError bool `koanf:"stop_on_error"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:     5 * time.Second,
		StopOnError: false,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("hooks timeout must be >= 0, got %s", c.Timeout)
	}
	return nil
}

// Data describes the session a hook fires for. From and To are set for
// status changes.
type Data struct {
	SessionID string
	ParentID  string
	From      string
	To        string
	Actor     string
	Reason    string
}

// HookHandler is a function that handles a hook event
type HookHandler func(ctx context.Context, data Data) error

// HookManager manages lifecycle hooks
type HookManager struct {
	config *Config

	mu       sync.RWMutex
	handlers map[HookType][]HookHandler
}

// NewHookManager creates a new hook manager
func NewHookManager(config *Config) *HookManager {
	if config == nil {
		config = DefaultConfig()
	}
	return &HookManager{
		config:   config,
		handlers: make(map[HookType][]HookHandler),
	}
}

// RegisterHandler registers a handler for a hook type
func (h *HookManager) RegisterHandler(hookType HookType, handler HookHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[hookType] = append(h.handlers[hookType], handler)
}

// Execute runs all handlers for the given hook type in registration order.
// Handler errors are joined unless StopOnError is set, in which case the
// first one is returned.
func (h *HookManager) Execute(ctx context.Context, hookType HookType, data Data) error {
	h.mu.RLock()
	handlers := h.handlers[hookType]
	h.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := h.run(ctx, handler, data); err != nil {
			err = fmt.Errorf("hook %s failed: %w", hookType, err)
			if h.config.StopOnError {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *HookManager) run(ctx context.Context, handler HookHandler, data Data) (err error) {
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, data)
}

// Config returns the hook configuration
func (h *HookManager) Config() *Config {
	return h.config
}

// LogHandler returns a handler that records the hook at info level.
func LogHandler(logger *zap.Logger, hookType HookType) HookHandler {
	return func(_ context.Context, data Data) error {
		fields := []zap.Field{
			zap.String("hook", string(hookType)),
			zap.String("session.id", data.SessionID),
		}
		if data.ParentID != "" {
			fields = append(fields, zap.String("session.parent_id", data.ParentID))
		}
		if data.To != "" {
			fields = append(fields, zap.String("from", data.From), zap.String("to", data.To))
		}
		if data.Actor != "" {
			fields = append(fields, zap.String("actor", data.Actor))
		}
		logger.Info("session hook", fields...)
		return nil
	}
}
