// ABOUTME: Tests for envelope decoding and validation.
// ABOUTME: Covers request id stamping, inter-agent detection, and addressing rules.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest_Valid(t *testing.T) {
	raw := []byte(`{"request_id":"req-1","user_id":"user-1","action":"text_to_scene","data":{"text":"a forest"}}`)

	req, err := DecodeRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, "text_to_scene", req.Action)
	assert.Equal(t, "a forest", req.Data["text"])
	assert.False(t, req.Timestamp.IsZero())
}

func TestDecodeRequest_StampsMissingRequestID(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"action":"get_agents"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, req.RequestID)
	assert.NotNil(t, req.Data)
}

func TestDecodeRequest_MissingAction(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"request_id":"req-1"}`))
	assert.ErrorIs(t, err, ErrEmptyAction)
}

func TestDecodeRequest_MalformedJSON(t *testing.T) {
	_, err := DecodeRequest([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodeInterAgentMessage_Valid(t *testing.T) {
	raw := []byte(`{"source_agent_id":"a1","target_agent_id":"a2","message_type":"request","content":{"k":"v"}}`)

	msg, err := DecodeInterAgentMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "a1", msg.SourceAgentID)
	assert.Equal(t, "a2", msg.TargetAgentID)
	assert.Equal(t, "request", msg.MessageType)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestDecodeInterAgentMessage_RequestFrameFallsThrough(t *testing.T) {
	// A frame carrying an action is a regular request even if it also has a
	// message_type field.
	_, err := DecodeInterAgentMessage([]byte(`{"action":"get_agents","message_type":"request"}`))
	assert.ErrorIs(t, err, ErrNotInterAgent)

	_, err = DecodeInterAgentMessage([]byte(`{"action":"get_agents"}`))
	assert.ErrorIs(t, err, ErrNotInterAgent)
}

func TestDecodeInterAgentMessage_MissingSource(t *testing.T) {
	_, err := DecodeInterAgentMessage([]byte(`{"target_agent_id":"a2","message_type":"request"}`))
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestInterAgentMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     InterAgentMessage
		wantErr error
	}{
		{
			name:    "target agent id",
			msg:     InterAgentMessage{SourceAgentID: "a1", TargetAgentID: "a2"},
			wantErr: nil,
		},
		{
			name:    "target capability",
			msg:     InterAgentMessage{SourceAgentID: "a1", TargetCapability: "render"},
			wantErr: nil,
		},
		{
			name:    "no target at all",
			msg:     InterAgentMessage{SourceAgentID: "a1"},
			wantErr: ErrNoTarget,
		},
		{
			name:    "no source",
			msg:     InterAgentMessage{TargetAgentID: "a2"},
			wantErr: ErrNoSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRequestID_FallsBackToFreshID(t *testing.T) {
	assert.Equal(t, "req-9", RequestID([]byte(`{"request_id":"req-9"}`)))
	assert.NotEmpty(t, RequestID([]byte(`{broken`)))
	assert.NotEmpty(t, RequestID([]byte(`{}`)))
}

func TestNewResponse_Envelopes(t *testing.T) {
	ok := NewResponse("req-1", map[string]any{"status": "processing"})
	assert.True(t, ok.Success)
	assert.Equal(t, "req-1", ok.RequestID)
	assert.False(t, ok.Timestamp.IsZero())

	fail := NewErrorResponse("req-2", "boom")
	assert.False(t, fail.Success)
	assert.Equal(t, "boom", fail.Message)
	assert.Equal(t, "req-2", fail.RequestID)
}
