package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// QueueGroup load-balances command intake across hub replicas.
const QueueGroup = "agenthub-intake"

// CommandPublisher is the part of the session manager Intake needs.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd protocol.Command) error
}

// Ack is the reply sent to request/reply submitters. Accepted means the
// command entered the dispatch pipeline; its outcome arrives as events.
type Ack struct {
	CommandID string `json:"commandId,omitempty"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// Intake consumes commands from NATS.
type Intake struct {
	nc        *nats.Conn
	prefix    string
	publisher CommandPublisher
	logger    *zap.Logger
	timeout   time.Duration

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewIntake returns an Intake that submits to publisher. Call Start to
// subscribe.
func NewIntake(nc *nats.Conn, prefix string, publisher CommandPublisher, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		nc:        nc,
		prefix:    prefixOr(prefix),
		publisher: publisher,
		logger:    logger,
		timeout:   10 * time.Second,
	}
}

// Start subscribes to the command wildcard in the intake queue group.
func (in *Intake) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.sub != nil {
		return errors.New("intake already started")
	}
	sub, err := in.nc.QueueSubscribe(commandWildcard(in.prefix), QueueGroup, in.handle)
	if err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	in.sub = sub
	in.logger.Info("nats command intake started", zap.String("subject", sub.Subject))
	return nil
}

// Stop drains the subscription, waiting until queued messages have been
// handled or ctx ends.
func (in *Intake) Stop(ctx context.Context) error {
	in.mu.Lock()
	sub := in.sub
	in.sub = nil
	in.mu.Unlock()
	if sub == nil {
		return nil
	}
	closed := sub.StatusChanged(nats.SubscriptionClosed)
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain command subscription: %w", err)
	}
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Intake) handle(msg *nats.Msg) {
	ack := in.submit(msg)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		in.logger.Error("marshal intake ack", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		in.logger.Warn("respond to command submitter", zap.String("reply", msg.Reply), zap.Error(err))
	}
}

func (in *Intake) submit(msg *nats.Msg) Ack {
	sessionID, err := sessionFromCommandSubject(in.prefix, msg.Subject)
	if err != nil {
		return Ack{Error: err.Error()}
	}

	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		in.logger.Warn("undecodable command",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return Ack{Error: fmt.Sprintf("decode command: %v", err)}
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	switch cmd.Correlation.SessionID {
	case "":
		cmd.Correlation.SessionID = sessionID
	case sessionID:
	default:
		return Ack{CommandID: cmd.ID, Error: "correlation.sessionId does not match subject"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	defer cancel()
	if err := in.publisher.PublishCommand(ctx, cmd); err != nil {
		in.logger.Debug("command refused at intake",
			zap.String("session.id", sessionID),
			zap.String("command.id", cmd.ID),
			zap.Error(err))
		return Ack{CommandID: cmd.ID, Error: err.Error()}
	}
	return Ack{CommandID: cmd.ID, Accepted: true}
}
