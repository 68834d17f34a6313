// Package eventlog implements the append-only, per-session event log.
//
// A Log assigns each appended event the next sequence number (1-based, no
// gaps) and a timestamp, keeps it in memory for the life of the session and
// forwards it to every live Subscription. Subscribers read from independent
// buffered channels; one that falls a full buffer behind is closed with
// ErrSlowSubscriber so it cannot stall the session or reorder other
// subscribers' streams.
package eventlog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// DefaultBuffer is the subscriber channel capacity when none is configured.
const DefaultBuffer = 256

var (
	// ErrSessionMismatch is returned when an event names another session.
	ErrSessionMismatch = errors.New("event belongs to another session")

	// ErrDuplicateTerminal is returned for a second terminal event, or a
	// second CommandAccepted, for the same command id.
	ErrDuplicateTerminal = errors.New("command already has a terminal event")

	// ErrSlowSubscriber is reported by a subscription dropped for falling
	// behind.
	ErrSlowSubscriber = errors.New("subscriber too slow, dropped")

	// ErrLogClosed is reported by subscriptions ended by Close.
	ErrLogClosed = errors.New("event log closed")
)

// Sink receives every appended event after subscribers have been fed.
// Publish is called with the log lock held, so events reach the sink in
// sequence order; implementations must not block.
type Sink interface {
	Publish(ev protocol.Event) error
}

// Option configures a Log.
type Option func(*Log)

// WithBuffer sets the subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.buffer = n
		}
	}
}

// WithSink mirrors appended events to s.
func WithSink(s Sink) Option {
	return func(l *Log) {
		l.sink = s
	}
}

// WithLogger sets the logger used for sink failures and dropped subscribers.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

type commandMarks struct {
	accepted bool
	terminal bool
}

// Log is the ordered event history of one session. All methods are safe for
// concurrent use.
type Log struct {
	sessionID string
	buffer    int
	sink      Sink
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	events   []protocol.Event
	commands map[string]*commandMarks
	subs     map[*Subscription]struct{}
	closed   bool
}

// New returns an empty log for sessionID.
func New(sessionID string, opts ...Option) *Log {
	l := &Log{
		sessionID: sessionID,
		buffer:    DefaultBuffer,
		logger:    zap.NewNop(),
		now:       time.Now,
		commands:  make(map[string]*commandMarks),
		subs:      make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SessionID returns the session the log belongs to.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Append validates ev, stamps it with the next sequence number and the
// current time, records it and fans it out. The stamped event is returned.
func (l *Log) Append(ev protocol.Event) (protocol.Event, error) {
	if ev.Correlation.SessionID != l.sessionID {
		return protocol.Event{}, fmt.Errorf("%w: got %q, want %q", ErrSessionMismatch, ev.Correlation.SessionID, l.sessionID)
	}
	if err := ev.Validate(); err != nil {
		return protocol.Event{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCommandLocked(ev); err != nil {
		return protocol.Event{}, err
	}

	ev.Sequence = uint64(len(l.events)) + 1
	ev.Timestamp = l.now()
	l.events = append(l.events, ev)

	for sub := range l.subs {
		select {
		case sub.ch <- ev:
		default:
			l.logger.Warn("dropping slow subscriber",
				zap.String("session.id", l.sessionID),
				zap.Uint64("sequence", ev.Sequence))
			l.dropLocked(sub, ErrSlowSubscriber)
		}
	}

	if l.sink != nil {
		if err := l.sink.Publish(ev); err != nil {
			l.logger.Warn("event sink publish failed",
				zap.String("session.id", l.sessionID),
				zap.String("event.kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
	return ev, nil
}

// checkCommandLocked enforces at most one CommandAccepted and exactly one
// terminal event per command id.
func (l *Log) checkCommandLocked(ev protocol.Event) error {
	id := ev.Correlation.CommandID
	if id == "" || ev.IsDuplicateRejection() {
		return nil
	}
	marks := l.commands[id]
	if marks == nil {
		marks = &commandMarks{}
		l.commands[id] = marks
	}
	switch {
	case marks.terminal && (ev.IsTerminal() || ev.Kind == protocol.KindCommandAccepted):
		return fmt.Errorf("%w: command %s, event %s", ErrDuplicateTerminal, id, ev.Kind)
	case ev.Kind == protocol.KindCommandAccepted && marks.accepted:
		return fmt.Errorf("%w: command %s already accepted", ErrDuplicateTerminal, id)
	}
	if ev.Kind == protocol.KindCommandAccepted {
		marks.accepted = true
	}
	if ev.IsTerminal() {
		marks.terminal = true
	}
	return nil
}

// HasTerminal reports whether commandID has a terminal event.
func (l *Log) HasTerminal(commandID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.commands[commandID]
	return m != nil && m.terminal
}

// Seen reports whether any event has been recorded for commandID.
func (l *Log) Seen(commandID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.commands[commandID]
	return ok
}

// Events returns a copy of the full history.
func (l *Log) Events() []protocol.Event {
	return l.EventsSince(0)
}

// EventsSince returns a copy of the events with sequence greater than seq.
func (l *Log) EventsSince(seq uint64) []protocol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinceLocked(seq)
}

func (l *Log) sinceLocked(seq uint64) []protocol.Event {
	if seq >= uint64(len(l.events)) {
		return []protocol.Event{}
	}
	out := make([]protocol.Event, len(l.events)-int(seq))
	copy(out, l.events[seq:])
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// LastSequence returns the sequence of the newest event, or 0.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.events))
}

// Subscribe returns a subscription receiving events appended from now on.
func (l *Log) Subscribe() *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeLocked(nil)
}

// SubscribeSince returns a subscription that first yields the recorded
// events after seq and then live events, with nothing missed or repeated in
// between.
func (l *Log) SubscribeSince(seq uint64) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeLocked(l.sinceLocked(seq))
}

func (l *Log) subscribeLocked(backlog []protocol.Event) *Subscription {
	sub := &Subscription{
		log: l,
		ch:  make(chan protocol.Event, l.buffer+len(backlog)),
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	if l.closed {
		sub.err = ErrLogClosed
		close(sub.ch)
		return sub
	}
	l.subs[sub] = struct{}{}
	return sub
}

// Close ends every live subscription with ErrLogClosed. Appends are still
// recorded afterwards; new subscriptions are returned already closed.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for sub := range l.subs {
		l.dropLocked(sub, ErrLogClosed)
	}
}

// Subscribers returns the number of live subscriptions.
func (l *Log) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *Log) dropLocked(sub *Subscription, err error) {
	if _, ok := l.subs[sub]; !ok {
		return
	}
	delete(l.subs, sub)
	sub.errMu.Lock()
	sub.err = err
	sub.errMu.Unlock()
	close(sub.ch)
}

// Subscription is a live event stream from one Log.
type Subscription struct {
	log *Log
	ch  chan protocol.Event

	errMu sync.Mutex
	err   error
}

// C returns the event channel. It is closed when the subscription ends;
// Err then tells why.
func (s *Subscription) C() <-chan protocol.Event {
	return s.ch
}

// Err returns ErrSlowSubscriber or ErrLogClosed once the log has ended the
// subscription, and nil otherwise.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.log.dropLocked(s, nil)
}
