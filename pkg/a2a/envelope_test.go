package a2a

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	params := MessageSendParams{
		TaskID:        "task-1",
		SessionID:     "sess-1",
		CorrelationID: "corr-1",
		Message:       TextMessage(MessageRoleUser, "I need help with my billing"),
	}

	raw, err := EncodeRequest("req-1", MethodMessageSend, params)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "2.0", decoded["jsonrpc"])
	assert.Equal(t, "req-1", decoded["id"])
	assert.Equal(t, "message/send", decoded["method"])

	p := decoded["params"].(map[string]any)
	assert.Equal(t, "task-1", p["id"])
	assert.Equal(t, "sess-1", p["sessionId"])
	assert.Equal(t, "corr-1", p["correlationId"])
}

func TestEncodeRequest_Validation(t *testing.T) {
	ok := MessageSendParams{SessionID: "s", CorrelationID: "c"}

	_, err := EncodeRequest("req-1", "tasks/steal", ok)
	assert.Error(t, err)

	_, err = EncodeRequest("", MethodMessageSend, ok)
	assert.Error(t, err)

	_, err = EncodeRequest("req-1", MethodMessageSend, MessageSendParams{SessionID: "s"})
	assert.Error(t, err)
}

func TestDecodeEnvelope_Result(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":"req-1","result":{
		"id":"resp-1","correlationId":"corr-1","sessionId":"sess-1",
		"status":"success",
		"message":{"role":"agent","parts":[{"type":"text","text":"hello"}]},
		"metadata":{"model_used":"m1","tokens_used":42,"execution_time":0.8}}}`

	env, err := DecodeEnvelope([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, EnvelopeResult, env.Kind)
	require.NotNil(t, env.Response.Result)

	res := env.Response.Result
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "hello", res.Message.Text())
	assert.Equal(t, 42, res.Metadata.TokensUsed)
}

func TestDecodeEnvelope_Error(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":"req-1","error":{
		"code":-32002,"message":"invalid session",
		"data":{"error_type":"session","session_id":"sess-1"}}}`

	env, err := DecodeEnvelope([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, EnvelopeError, env.Kind)

	rpcErr := env.Response.Error
	assert.Equal(t, CodeInvalidSession, rpcErr.Code)
	assert.False(t, rpcErr.Retryable())
	assert.Equal(t, "sess-1", rpcErr.Data.SessionID)
}

func TestDecodeEnvelope_Frames(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		event FrameEvent
	}{
		{"start", `{"event":"start","data":{"id":"t1","sessionId":"s1","correlationId":"c1"}}`, FrameStart},
		{"message", `{"event":"message","data":{"text":"Based on"}}`, FrameMessage},
		{"data", `{"event":"data","data":{"category":"billing"}}`, FrameData},
		{"done", `{"event":"done","data":{"metadata":{"tokens_used":7}}}`, FrameDone},
		{"error", `{"event":"error","data":{"code":-32001,"message":"boom"}}`, FrameError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.raw))
			require.NoError(t, err)
			require.Equal(t, EnvelopeFrame, env.Kind)
			assert.Equal(t, tt.event, env.Frame.Event)
		})
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `not json at all`},
		{"no discriminator", `{"jsonrpc":"2.0","id":"x"}`},
		{"unknown frame event", `{"event":"telemetry","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestFramePayloads(t *testing.T) {
	seq := int64(3)
	frame := &Frame{Event: FrameMessage}
	body, err := json.Marshal(MessageData{Text: " my analysis", Seq: &seq})
	require.NoError(t, err)
	frame.Data = body

	msg, err := frame.Message()
	require.NoError(t, err)
	assert.Equal(t, " my analysis", msg.Text)
	require.NotNil(t, msg.Seq)
	assert.Equal(t, int64(3), *msg.Seq)

	// Wrong accessor for the event type.
	_, err = frame.Done()
	assert.Error(t, err)
}

func TestDataPayload_SplitsRecognizedAndExtra(t *testing.T) {
	raw := `{"citations":[{"source":"kb://billing"}],
		"tool_calls":[{"id":"tc1","toolName":"lookup","status":"completed"}],
		"trace":[{"sourceAgent":"router","targetAgent":"billing","message":"m","status":"processed"}],
		"scratchpad":{"thoughts":"check invoices","confidence":0.9},
		"category":"billing"}`

	var p DataPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	assert.Len(t, p.Citations, 1)
	assert.Len(t, p.ToolCalls, 1)
	assert.Len(t, p.Trace, 1)
	require.NotNil(t, p.Scratchpad)
	assert.InDelta(t, 0.9, p.Scratchpad.Confidence, 1e-9)
	assert.JSONEq(t, `{"category":"billing"}`, string(p.Extra))

	// Round trip keeps the extra keys inline.
	out, err := json.Marshal(p)
	require.NoError(t, err)
	var again map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Contains(t, again, "category")
	assert.Contains(t, again, "citations")
}

func TestFrameErr_Defaults(t *testing.T) {
	frame := &Frame{Event: FrameError}
	rpcErr, err := frame.Err()
	require.NoError(t, err)
	assert.Equal(t, CodeExecutionFailed, rpcErr.Code)
	assert.NotEmpty(t, rpcErr.Message)
}

func TestPart_UnknownTypeRejected(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"role":"user","parts":[{"type":"hologram"}]}`), &msg)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	err = json.Unmarshal([]byte(`{"role":"user","parts":[{"text":"no type"}]}`), &msg)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestErrorRetryableClassification(t *testing.T) {
	retryable := []int{CodeTimeout, CodeRateLimited, CodeAgentUnavailable}
	terminal := []int{CodeExecutionFailed, CodeInvalidSession, CodeInvalidInput, CodeAuthRequired, CodeCapabilityUnsupported}

	for _, code := range retryable {
		assert.True(t, NewError(code, "x").Retryable(), "code %d", code)
	}
	for _, code := range terminal {
		assert.False(t, NewError(code, "x").Retryable(), "code %d", code)
	}
}
