// Package a2a implements the Agent-to-Agent (A2A) wire protocol: the
// JSON-RPC 2.0 request/response envelopes and the Server-Sent-Event
// streaming frames used to talk to a remote agent system.
//
// The package is a pure codec. It performs no I/O and never blocks;
// transport lives in pkg/a2a/client.
package a2a

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// RPC METHODS
// ============================================================================

const (
	// MethodMessageSend requests a synchronous reply.
	MethodMessageSend = "message/send"

	// MethodMessageStream requests a streamed (SSE) reply.
	MethodMessageStream = "message/stream"

	// MethodAgentExecute invokes an agent directly, bypassing routing.
	MethodAgentExecute = "agent/execute"
)

// KnownMethod reports whether method is part of the protocol surface.
func KnownMethod(method string) bool {
	switch method {
	case MethodMessageSend, MethodMessageStream, MethodAgentExecute:
		return true
	}
	return false
}

// ============================================================================
// MESSAGE - Conversation Messages
// ============================================================================

// Message represents a message exchanged with an agent.
type Message struct {
	Role  MessageRole `json:"role"`
	Parts []Part      `json:"parts"`
}

// MessageRole represents the role of a message sender.
type MessageRole string

const (
	MessageRoleUser   MessageRole = "user"
	MessageRoleAgent  MessageRole = "agent"
	MessageRoleSystem MessageRole = "system"
)

// Text concatenates the text parts of the message in order.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}

// TextMessage builds a single-part text message.
func TextMessage(role MessageRole, text string) Message {
	return Message{
		Role:  role,
		Parts: []Part{{Type: PartTypeText, Text: text}},
	}
}

// ============================================================================
// PART - Message Content Parts (tagged union)
// ============================================================================

// Part is a tagged union of message content, discriminated by Type.
// Only the fields of the selected variant are meaningful.
type Part struct {
	Type PartType `json:"type"`

	// Text part
	Text string `json:"text,omitempty"`

	// File and image parts
	File *FileRef `json:"file,omitempty"`

	// Data part: structured payload with optional MIME type
	Data     json.RawMessage `json:"data,omitempty"`
	DataType string          `json:"dataType,omitempty"`
}

// PartType represents the discriminator of a message part.
type PartType string

const (
	PartTypeText  PartType = "text"
	PartTypeFile  PartType = "file"
	PartTypeImage PartType = "image"
	PartTypeData  PartType = "data"
)

// UnmarshalJSON enforces the discriminator so unknown part kinds are
// rejected at the codec boundary instead of flowing through as empty parts.
func (p *Part) UnmarshalJSON(raw []byte) error {
	type alias Part
	var a alias
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}
	switch a.Type {
	case PartTypeText, PartTypeFile, PartTypeImage, PartTypeData:
		*p = Part(a)
		return nil
	case "":
		return fmt.Errorf("%w: part missing type discriminator", ErrMalformedEnvelope)
	default:
		return fmt.Errorf("%w: unknown part type %q", ErrMalformedEnvelope, a.Type)
	}
}

// FileRef references file content carried by a file or image part.
type FileRef struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ============================================================================
// REQUEST PARAMETERS
// ============================================================================

// MessageSendParams carries the params object of every outbound request.
// TaskID, SessionID and CorrelationID are always present; the correlation
// id survives retries of the same logical request while the request id
// (the JSON-RPC envelope id) is unique per attempt.
type MessageSendParams struct {
	TaskID              string          `json:"id"`
	SessionID           string          `json:"sessionId"`
	CorrelationID       string          `json:"correlationId"`
	AcceptedOutputModes []string        `json:"acceptedOutputModes,omitempty"`
	Timeout             int             `json:"timeout,omitempty"` // seconds
	Message             Message         `json:"message"`
	Context             json.RawMessage `json:"context,omitempty"`
}

// ============================================================================
// RESULT
// ============================================================================

// Result is the payload of a JSON-RPC success response.
type Result struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	Status        string          `json:"status"`
	Message       *Message        `json:"message,omitempty"`
	Metadata      *ResultMetadata `json:"metadata,omitempty"`
}

// StatusSuccess is the status carried by a completed result.
const StatusSuccess = "success"

// ResultMetadata describes how a result was produced.
type ResultMetadata struct {
	ModelUsed     string     `json:"model_used,omitempty"`
	TokensUsed    int        `json:"tokens_used,omitempty"`
	ExecutionTime float64    `json:"execution_time,omitempty"` // seconds
	Confidence    float64    `json:"confidence,omitempty"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
}

// ============================================================================
// TOOL CALLS, CITATIONS, TRACES, SCRATCHPAD
// Attached to turns as structured data, either in a result's metadata or
// accumulated from streamed data frames.
// ============================================================================

// ToolCall records one tool invocation made while resolving a turn.
// A failed tool call is application data, not a protocol error: Status is
// set to ToolCallError and the conversation continues.
type ToolCall struct {
	ID           string          `json:"id"`
	ToolName     string          `json:"toolName"`
	ToolType     string          `json:"toolType,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Status       ToolCallStatus  `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
}

// ToolCallStatus represents the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// AgentCommunication records one agent-to-agent hop. Immutable once
// recorded; appended to the owning turn's trace in arrival order.
type AgentCommunication struct {
	SourceAgent string `json:"sourceAgent"`
	TargetAgent string `json:"targetAgent"`
	Message     string `json:"message"`
	MessageType string `json:"message_type,omitempty"`
	Status      string `json:"status"` // sent | processed | error
	LatencyMS   int64  `json:"latency_ms,omitempty"`
}

// Agent communication statuses.
const (
	CommStatusSent      = "sent"
	CommStatusProcessed = "processed"
	CommStatusError     = "error"
)

// Citation references source material backing an agent reply.
type Citation struct {
	Source  string `json:"source"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Scratchpad is the structured reasoning trace attached to an agent turn.
type Scratchpad struct {
	Thoughts     string   `json:"thoughts,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
}
