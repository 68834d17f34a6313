package natsbus

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

// Mirror publishes session events to NATS. It never blocks on the server:
// nats.Conn buffers outgoing messages and reports failures asynchronously.
type Mirror struct {
	nc     *nats.Conn
	prefix string
	next   eventlog.Sink

	published atomic.Uint64
	failed    atomic.Uint64
}

var _ eventlog.Sink = (*Mirror)(nil)

// NewMirror returns a sink publishing under prefix. next, if non-nil,
// receives each event after it has been published.
func NewMirror(nc *nats.Conn, prefix string, next eventlog.Sink) *Mirror {
	return &Mirror{nc: nc, prefix: prefixOr(prefix), next: next}
}

// Publish implements eventlog.Sink.
func (m *Mirror) Publish(ev protocol.Event) error {
	err := m.publish(ev)
	if m.next != nil {
		if nextErr := m.next.Publish(ev); err == nil {
			err = nextErr
		}
	}
	return err
}

func (m *Mirror) publish(ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		m.failed.Add(1)
		return fmt.Errorf("marshal event %d: %w", ev.Sequence, err)
	}
	msg := &nats.Msg{
		Subject: EventSubject(m.prefix, ev.Correlation.SessionID, ev.Kind),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Agenthub-Sequence", fmt.Sprint(ev.Sequence))
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if err := m.nc.PublishMsg(msg); err != nil {
		m.failed.Add(1)
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	m.published.Add(1)
	return nil
}

// Stats returns the number of events published and failed so far.
func (m *Mirror) Stats() (published, failed uint64) {
	return m.published.Load(), m.failed.Load()
}
