package a2a

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ============================================================================
// JSON-RPC ENVELOPES
// ============================================================================

// Request is a JSON-RPC 2.0 request envelope. ID is the per-attempt request
// id; the correlation id lives inside Params.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Params  MessageSendParams `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      string  `json:"id"`
	Result  *Result `json:"result,omitempty"`
	Error   *Error  `json:"error,omitempty"`
}

// EncodeRequest builds the wire form of a request. The method must be one
// of the protocol methods and params must already carry its identifiers.
func EncodeRequest(requestID, method string, params MessageSendParams) ([]byte, error) {
	if !KnownMethod(method) {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}
	if params.SessionID == "" || params.CorrelationID == "" {
		return nil, fmt.Errorf("params must carry sessionId and correlationId")
	}
	return json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      requestID,
		Method:  method,
		Params:  params,
	})
}

// ============================================================================
// SSE FRAMES
// ============================================================================

// FrameEvent discriminates streaming frames.
type FrameEvent string

const (
	FrameStart   FrameEvent = "start"
	FrameMessage FrameEvent = "message"
	FrameData    FrameEvent = "data"
	FrameDone    FrameEvent = "done"
	FrameError   FrameEvent = "error"
)

// Terminal reports whether the frame event ends a stream.
func (e FrameEvent) Terminal() bool {
	return e == FrameDone || e == FrameError
}

// Frame is one SSE streaming frame: `data: {"event":..., "data":{...}}`.
type Frame struct {
	Event FrameEvent      `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartData is the payload of a start frame.
type StartData struct {
	TaskID        string `json:"id,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// MessageData is the payload of a message frame: one text fragment, with an
// optional sequence number. Seq is a pointer so its absence is observable;
// when present, out-of-order delivery is a protocol violation.
type MessageData struct {
	Text string `json:"text"`
	Seq  *int64 `json:"seq,omitempty"`
}

// DataPayload is the payload of a data frame. The recognized collections
// accumulate onto the turn being assembled; anything else is kept verbatim
// in Extra and attached as an opaque data record.
type DataPayload struct {
	Citations  []Citation           `json:"citations,omitempty"`
	ToolCalls  []ToolCall           `json:"tool_calls,omitempty"`
	Trace      []AgentCommunication `json:"trace,omitempty"`
	Scratchpad *Scratchpad          `json:"scratchpad,omitempty"`

	// Extra holds unrecognized keys of the payload object, preserved as raw
	// JSON. Empty when the payload only carried recognized collections.
	Extra json.RawMessage `json:"-"`
}

var dataPayloadKeys = map[string]bool{
	"citations":  true,
	"tool_calls": true,
	"trace":      true,
	"scratchpad": true,
}

// UnmarshalJSON splits a data frame payload into the recognized collections
// and the residual object kept in Extra.
func (d *DataPayload) UnmarshalJSON(raw []byte) error {
	type alias DataPayload
	var a alias
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range fields {
		if !dataPayloadKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		enc, err := json.Marshal(extra)
		if err != nil {
			return err
		}
		a.Extra = enc
	}

	*d = DataPayload(a)
	return nil
}

// MarshalJSON re-inlines Extra next to the recognized collections.
func (d DataPayload) MarshalJSON() ([]byte, error) {
	type alias DataPayload
	known, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(d.Extra, &extra); err != nil {
		return nil, err
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// DoneData is the payload of a done frame: final metadata for the turn.
type DoneData struct {
	Metadata *ResultMetadata `json:"metadata,omitempty"`
}

// Start decodes the frame payload as StartData.
func (f *Frame) Start() (*StartData, error) {
	return decodeFramePayload[StartData](f, FrameStart)
}

// Message decodes the frame payload as MessageData.
func (f *Frame) Message() (*MessageData, error) {
	return decodeFramePayload[MessageData](f, FrameMessage)
}

// DataPayload decodes the frame payload as a DataPayload.
func (f *Frame) DataPayload() (*DataPayload, error) {
	return decodeFramePayload[DataPayload](f, FrameData)
}

// Done decodes the frame payload as DoneData.
func (f *Frame) Done() (*DoneData, error) {
	return decodeFramePayload[DoneData](f, FrameDone)
}

// Err decodes the frame payload as an Error. A missing payload yields a
// generic execution failure so an error frame always carries an error.
func (f *Frame) Err() (*Error, error) {
	if f.Event != FrameError {
		return nil, fmt.Errorf("frame is %q, not %q", f.Event, FrameError)
	}
	if len(f.Data) == 0 {
		return NewError(CodeExecutionFailed, "stream failed"), nil
	}
	var e Error
	if err := json.Unmarshal(f.Data, &e); err != nil {
		return nil, fmt.Errorf("%w: error frame payload: %v", ErrMalformedEnvelope, err)
	}
	if e.Code == 0 {
		e.Code = CodeExecutionFailed
	}
	if e.Message == "" {
		e.Message = "stream failed"
	}
	return &e, nil
}

func decodeFramePayload[T any](f *Frame, want FrameEvent) (*T, error) {
	if f.Event != want {
		return nil, fmt.Errorf("frame is %q, not %q", f.Event, want)
	}
	var out T
	if len(f.Data) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(f.Data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s frame payload: %v", ErrMalformedEnvelope, want, err)
	}
	return &out, nil
}

// ============================================================================
// ENVELOPE DECODING
// ============================================================================

// EnvelopeKind discriminates decoded inbound payloads.
type EnvelopeKind int

const (
	EnvelopeResult EnvelopeKind = iota
	EnvelopeError
	EnvelopeFrame
)

// Envelope is one decoded inbound payload: a JSON-RPC success response, a
// JSON-RPC error response, or an SSE streaming frame.
type Envelope struct {
	Kind     EnvelopeKind
	Response *Response // set for EnvelopeResult and EnvelopeError
	Frame    *Frame    // set for EnvelopeFrame
}

// DecodeEnvelope discriminates an inbound payload by shape: presence of
// "event" marks a frame, "result"/"error" mark a response. Anything else
// fails with ErrMalformedEnvelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}

	var peek struct {
		Event  FrameEvent      `json:"event"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch {
	case peek.Event != "":
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		switch frame.Event {
		case FrameStart, FrameMessage, FrameData, FrameDone, FrameError:
		default:
			return nil, fmt.Errorf("%w: unknown frame event %q", ErrMalformedEnvelope, frame.Event)
		}
		return &Envelope{Kind: EnvelopeFrame, Frame: &frame}, nil

	case peek.Result != nil, peek.Error != nil:
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if resp.Error != nil {
			return &Envelope{Kind: EnvelopeError, Response: &resp}, nil
		}
		return &Envelope{Kind: EnvelopeResult, Response: &resp}, nil

	default:
		return nil, fmt.Errorf("%w: neither response nor frame", ErrMalformedEnvelope)
	}
}

// EncodeFrame renders a frame as one SSE event block, ready to write to a
// text/event-stream response.
func EncodeFrame(f *Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("data: %s\n\n", body)), nil
}
