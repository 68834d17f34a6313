package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agenthub/internal/config"
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := Connect(config.NATSConfig{
		URL:            server.ClientURL(),
		ConnectTimeout: config.Duration(2 * time.Second),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

type recordingPublisher struct {
	mu   sync.Mutex
	cmds []protocol.Command
	err  error
}

func (p *recordingPublisher) PublishCommand(_ context.Context, cmd protocol.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmds = append(p.cmds, cmd)
	return p.err
}

func (p *recordingPublisher) commands() []protocol.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Command(nil), p.cmds...)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "agenthub.sessions.s1.events.CommandAccepted",
		EventSubject("", "s1", protocol.KindCommandAccepted))
	assert.Equal(t, "hub.sessions.s1.events.>", SessionEventsSubject("hub", "s1"))
	assert.Equal(t, "hub.sessions.s1.commands", CommandSubject("hub", "s1"))
	assert.Equal(t, "hub.sessions.*.commands", commandWildcard("hub"))

	id, err := sessionFromCommandSubject("hub", "hub.sessions.abc_1.commands")
	require.NoError(t, err)
	assert.Equal(t, "abc_1", id)

	for _, bad := range []string{
		"other.sessions.abc.commands",
		"hub.sessions.abc.events",
		"hub.sessions..commands",
		"hub.sessions.a.b.commands",
	} {
		_, err := sessionFromCommandSubject("hub", bad)
		assert.Error(t, err, bad)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.NATSConfig{
		URL:            "nats://127.0.0.1:1",
		ConnectTimeout: config.Duration(200 * time.Millisecond),
	}, nil)
	assert.ErrorContains(t, err, "connect to nats")
}

func TestMirror_PublishesEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	msgs := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe(SessionEventsSubject("hub", "s1"), msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	var forwarded []protocol.Event
	next := sinkFunc(func(ev protocol.Event) error {
		forwarded = append(forwarded, ev)
		return nil
	})
	mirror := NewMirror(nc, "hub", next)

	ev := protocol.NewEvent(protocol.Correlation{SessionID: "s1", CommandID: "c1"},
		protocol.CommandCompleted{Outcome: protocol.OutcomeSuccess, Message: "done"})
	ev.Sequence = 7
	require.NoError(t, mirror.Publish(ev))
	require.NoError(t, nc.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "hub.sessions.s1.events.CommandCompleted", msg.Subject)
		assert.Equal(t, "7", msg.Header.Get("Agenthub-Sequence"))
		assert.Equal(t, ev.ID, msg.Header.Get(nats.MsgIdHdr))

		var got protocol.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, uint64(7), got.Sequence)
		completed, ok := protocol.PayloadAs[protocol.CommandCompleted](got.Payload)
		require.True(t, ok)
		assert.Equal(t, "done", completed.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("event not mirrored")
	}

	require.Len(t, forwarded, 1)
	published, failed := mirror.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Zero(t, failed)
}

func TestMirror_ClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	nc.Close()

	mirror := NewMirror(nc, "", nil)
	ev := protocol.NewEvent(protocol.Correlation{SessionID: "s1"}, protocol.PlanUpdated{PlanNodeID: "n1"})
	assert.ErrorIs(t, mirror.Publish(ev), nats.ErrConnectionClosed)

	_, failed := mirror.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestIntake_RequestReply(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	pub := &recordingPublisher{}
	intake := NewIntake(nc, "hub", pub, nil)
	require.NoError(t, intake.Start())
	t.Cleanup(func() { _ = intake.Stop(context.Background()) })
	assert.Error(t, intake.Start(), "second start")

	cmd := protocol.NewCommand("", protocol.Push{Branch: "feature/x"})
	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	reply, err := nc.Request(CommandSubject("hub", "s1"), data, 2*time.Second)
	require.NoError(t, err)

	var ack Ack
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.True(t, ack.Accepted)
	assert.Equal(t, cmd.ID, ack.CommandID)

	got := pub.commands()
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].Correlation.SessionID, "session taken from subject")
	push, ok := protocol.PayloadAs[protocol.Push](got[0].Payload)
	require.True(t, ok)
	assert.Equal(t, "feature/x", push.Branch)
}

func TestIntake_Refusals(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	pub := &recordingPublisher{err: orchestrator.ErrUnknownSession}
	intake := NewIntake(nc, "hub", pub, nil)
	require.NoError(t, intake.Start())
	t.Cleanup(func() { _ = intake.Stop(context.Background()) })

	request := func(subject string, body []byte) Ack {
		t.Helper()
		reply, err := nc.Request(subject, body, 2*time.Second)
		require.NoError(t, err)
		var ack Ack
		require.NoError(t, json.Unmarshal(reply.Data, &ack))
		return ack
	}

	ack := request(CommandSubject("hub", "s1"), []byte("{not json"))
	assert.False(t, ack.Accepted)
	assert.Contains(t, ack.Error, "decode command")

	mismatched := protocol.NewCommand("other", protocol.RunTests{})
	data, _ := json.Marshal(mismatched)
	ack = request(CommandSubject("hub", "s1"), data)
	assert.False(t, ack.Accepted)
	assert.Contains(t, ack.Error, "does not match subject")

	data, _ = json.Marshal(protocol.NewCommand("s1", protocol.RunTests{}))
	ack = request(CommandSubject("hub", "s1"), data)
	assert.False(t, ack.Accepted)
	assert.Contains(t, ack.Error, "unknown session")

	assert.Len(t, pub.commands(), 1, "only the well-formed command reached the manager")
}

func TestIntake_AssignsMissingID(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	pub := &recordingPublisher{}
	intake := NewIntake(nc, "", pub, nil)
	require.NoError(t, intake.Start())
	t.Cleanup(func() { _ = intake.Stop(context.Background()) })

	reply, err := nc.Request(CommandSubject("", "s1"),
		[]byte(`{"kind":"RunBuild","correlation":{},"payload":{"target":"./..."}}`), 2*time.Second)
	require.NoError(t, err)

	var ack Ack
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.True(t, ack.Accepted)
	assert.NotEmpty(t, ack.CommandID)
	assert.Equal(t, ack.CommandID, pub.commands()[0].ID)
}

func TestIntake_StopDrains(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	intake := NewIntake(nc, "hub", &recordingPublisher{}, nil)
	require.NoError(t, intake.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, intake.Stop(ctx))
	require.NoError(t, intake.Stop(ctx), "stop is idempotent")

	_, err := nc.Request(CommandSubject("hub", "s1"), []byte(`{}`), 200*time.Millisecond)
	assert.True(t, errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout), "got %v", err)
}

// TestEndToEnd wires intake and mirror around a real manager: a command
// submitted over NATS comes back as mirrored events.
func TestEndToEnd(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	mgr := orchestrator.NewManager(orchestrator.Options{
		Sink: NewMirror(nc, "hub", nil),
		Adapters: []orchestrator.Adapter{orchestrator.AdapterFunc{
			AdapterName: "builder",
			Kinds:       []protocol.CommandKind{protocol.KindRunBuild},
			Handle: func(_ context.Context, cmd protocol.Command, s *orchestrator.SessionState) error {
				if err := s.Accept(cmd); err != nil {
					return err
				}
				return s.Complete(cmd, "built")
			},
		}},
	})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	intake := NewIntake(nc, "hub", mgr, nil)
	require.NoError(t, intake.Start())
	t.Cleanup(func() { _ = intake.Stop(context.Background()) })

	msgs := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe(SessionEventsSubject("hub", "e2e"), msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	_, err = mgr.CreateSession(context.Background(), orchestrator.SessionConfig{ID: "e2e"})
	require.NoError(t, err)

	cmd := protocol.NewCommand("e2e", protocol.RunBuild{Target: "./..."})
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	_, err = nc.Request(CommandSubject("hub", "e2e"), data, 2*time.Second)
	require.NoError(t, err)

	var kinds []protocol.EventKind
	deadline := time.After(3 * time.Second)
	for len(kinds) < 3 {
		select {
		case msg := <-msgs:
			var ev protocol.Event
			require.NoError(t, json.Unmarshal(msg.Data, &ev))
			kinds = append(kinds, ev.Kind)
		case <-deadline:
			t.Fatalf("mirrored events so far: %v", kinds)
		}
	}
	assert.Equal(t, []protocol.EventKind{
		protocol.KindSessionStatusChanged,
		protocol.KindCommandAccepted,
		protocol.KindCommandCompleted,
	}, kinds)
}

type sinkFunc func(protocol.Event) error

func (f sinkFunc) Publish(ev protocol.Event) error { return f(ev) }
