package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"ulid", "01J9ZB3Q8H7Y6X5W4V3T2S1R0P", false},
		{"hyphen and underscore", "session_1-a", false},
		{"empty", "", true},
		{"dot", "a.b", true},
		{"space", "a b", true},
		{"wildcard", "a*", true},
		{"too long", strings.Repeat("a", 129), true},
		{"max length", strings.Repeat("a", 128), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSessionStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.False(t, StatusNeedsApproval.IsTerminal())
}

func TestCommand_JSONShape(t *testing.T) {
	issued := time.Date(2025, 11, 24, 10, 15, 30, 0, time.FixedZone("CET", 3600))
	cmd := Command{
		ID:          "c1",
		Kind:        KindPush,
		Correlation: Correlation{SessionID: "s1", IssuerAgentID: "coder-1"},
		IssuedAt:    issued,
		Payload:     Push{Branch: "feature/x"},
	}

	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "Push", raw["kind"])
	assert.Equal(t, "2025-11-24T10:15:30+01:00", raw["issuedAt"])

	corr := raw["correlation"].(map[string]any)
	assert.Equal(t, "s1", corr["sessionId"])
	assert.NotContains(t, corr, "commandId", "empty optionals are omitted")

	payload := raw["payload"].(map[string]any)
	assert.Equal(t, "feature/x", payload["branch"])
	assert.NotContains(t, payload, "force")
	assert.NotContains(t, payload, "remote")
}

func TestCommand_DecodeKnownKind(t *testing.T) {
	in := `{"id":"c1","kind":"Commit","correlation":{"sessionId":"s1"},"payload":{"message":"m","files":["a.go","b.go"]}}`

	var cmd Command
	require.NoError(t, json.Unmarshal([]byte(in), &cmd))

	commit, ok := PayloadAs[Commit](cmd.Payload)
	require.True(t, ok)
	assert.Equal(t, []string{"a.go", "b.go"}, commit.Files)
	assert.NoError(t, cmd.Validate())
}

func TestCommand_DecodeUnknownKind(t *testing.T) {
	in := `{"id":"c1","kind":"DeployPreview","correlation":{"sessionId":"s1"},"payload":{"env":"staging"}}`

	var cmd Command
	require.NoError(t, json.Unmarshal([]byte(in), &cmd))

	raw, ok := cmd.Payload.(RawCommand)
	require.True(t, ok)
	assert.Equal(t, CommandKind("DeployPreview"), raw.CommandKind())
	assert.JSONEq(t, `{"env":"staging"}`, string(raw.Data))

	out, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"payload":{"env":"staging"}`)
}

func TestCommand_Validate(t *testing.T) {
	cmd := NewCommand("s1", RunTests{})
	require.NoError(t, cmd.Validate())
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, cmd.ID, cmd.Correlation.CommandID)

	cmd.Correlation.SessionID = ""
	assert.ErrorIs(t, cmd.Validate(), ErrMissingSession)

	mismatched := Command{Kind: KindPush, Correlation: Correlation{SessionID: "s1"}, Payload: Commit{}}
	assert.Error(t, mismatched.Validate())
}

func TestEvent_RoundTripsTypedPayload(t *testing.T) {
	ev := NewEvent(Correlation{SessionID: "s1", CommandID: "c1"}, CommandCompleted{Outcome: OutcomeFailure, Message: "boom"})
	ev.Sequence = 7
	ev.Timestamp = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"outcome":"Failure"`)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, uint64(7), got.Sequence)
	assert.True(t, got.IsTerminal())

	completed, ok := PayloadAs[CommandCompleted](got.Payload)
	require.True(t, ok)
	assert.Equal(t, OutcomeFailure, completed.Outcome)
	assert.Equal(t, "boom", completed.Message)
}

func TestEventKind_IsTerminal(t *testing.T) {
	assert.True(t, KindCommandCompleted.IsTerminal())
	assert.True(t, KindCommandRejected.IsTerminal())
	assert.False(t, KindCommandAccepted.IsTerminal())
	assert.False(t, KindCommandRetrying.IsTerminal())
	assert.False(t, KindThrottled.IsTerminal())
}

func TestArtifact_Validate(t *testing.T) {
	assert.NoError(t, Artifact{Kind: ArtifactLog, Name: "build.log", Text: "ok"}.Validate())
	assert.NoError(t, Artifact{Kind: ArtifactReference, Name: "pr", Ref: "https://example.com/pr/1"}.Validate())
	assert.ErrorIs(t, Artifact{Name: "both", Text: "a", Ref: "b"}.Validate(), ErrInvalidArtifact)
	assert.ErrorIs(t, Artifact{Name: "neither"}.Validate(), ErrInvalidArtifact)

	ev := NewEvent(Correlation{SessionID: "s1"}, ArtifactAvailable{Artifact: Artifact{Name: "neither"}})
	assert.ErrorIs(t, ev.Validate(), ErrInvalidArtifact)
}
