// Package session provides the append-only session transcript store.
//
// A session is a named, ordered container of turns. Turn order within a
// session is the order of AppendTurn calls. Append order, not timestamp
// order, is authoritative, so clock skew can never reorder history. The only
// in-place mutation path is UpdateStreamingTurn, and it is permitted only
// while the turn is still streaming; FinalizeTurn flips streaming off and the
// turn becomes immutable.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/strand-agents/strand/pkg/a2a"
	"github.com/strand-agents/strand/pkg/binding"
)

// TurnType identifies who produced a transcript turn.
type TurnType string

const (
	TurnUser       TurnType = "user"
	TurnAgent      TurnType = "agent"
	TurnSystem     TurnType = "system"
	TurnInterAgent TurnType = "inter_agent"
)

// Valid reports whether t is a known turn type.
func (t TurnType) Valid() bool {
	switch t {
	case TurnUser, TurnAgent, TurnSystem, TurnInterAgent:
		return true
	}
	return false
}

// Turn is one entry in a session transcript: a user input, an agent or
// system response, or an inter-agent relay record.
type Turn struct {
	ID        string    `json:"id" yaml:"id"`
	SessionID string    `json:"sessionId" yaml:"sessionId"`
	Type      TurnType  `json:"type" yaml:"type"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// Streaming marks the turn as still accumulating content. While true the
	// turn may be mutated through UpdateStreamingTurn; once false it is
	// immutable.
	Streaming bool `json:"streaming" yaml:"streaming"`

	// Cancelled marks a turn whose stream was cancelled mid-accumulation.
	// Content holds whatever had arrived before cancellation.
	Cancelled bool `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`

	// Error carries the terminal failure detail for an errored turn.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	Attachments []a2a.FileRef            `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Scratchpad  *a2a.Scratchpad          `json:"scratchpad,omitempty" yaml:"scratchpad,omitempty"`
	Citations   []a2a.Citation           `json:"citations,omitempty" yaml:"citations,omitempty"`
	ToolCalls   []a2a.ToolCall           `json:"toolCalls,omitempty" yaml:"toolCalls,omitempty"`
	Trace       []a2a.AgentCommunication `json:"a2aTrace,omitempty" yaml:"a2aTrace,omitempty"`

	// Data holds uncategorized structured payloads delivered by data frames
	// (classification results and the like), in arrival order.
	Data []json.RawMessage `json:"data,omitempty" yaml:"data,omitempty"`

	Metadata *a2a.ResultMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Seq is the store-assigned append position, starting at 1.
	Seq int `json:"seq" yaml:"seq"`
}

// Delta is a partial update applied to a streaming turn. Text is appended to
// the turn content; list fields are appended to their respective lists, never
// replacing what accumulated before.
type Delta struct {
	Text       string
	Citations  []a2a.Citation
	ToolCalls  []a2a.ToolCall
	Trace      []a2a.AgentCommunication
	Data       []json.RawMessage
	Scratchpad *a2a.Scratchpad
}

// Empty reports whether the delta carries nothing to apply.
func (d Delta) Empty() bool {
	return d.Text == "" && len(d.Citations) == 0 && len(d.ToolCalls) == 0 &&
		len(d.Trace) == 0 && len(d.Data) == 0 && d.Scratchpad == nil
}

// Final carries the terminal disposition of a streaming turn.
type Final struct {
	Metadata  *a2a.ResultMetadata
	Error     string
	Cancelled bool
}

// Session is a named, ordered container of turns.
type Session struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`

	// Binding is the session's bound routing context, nil when unbound.
	Binding *binding.Binding `json:"boundContext,omitempty" yaml:"boundContext,omitempty"`
}

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrTurnNotFound is returned when a turn doesn't exist in the session.
var ErrTurnNotFound = errors.New("turn not found")

// ErrTurnImmutable is returned when mutating a turn that is no longer
// streaming.
var ErrTurnImmutable = errors.New("turn is no longer streaming")

// Store manages session lifecycle and the transcript log.
type Store interface {
	// CreateSession creates a new session. Name uniqueness is not enforced;
	// sessions are identified by id.
	CreateSession(ctx context.Context, name string, b *binding.Binding) (*Session, error)

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns all sessions ordered by creation time.
	ListSessions(ctx context.Context) ([]*Session, error)

	// DeleteSession removes a session and its turns.
	DeleteSession(ctx context.Context, id string) error

	// SetBinding replaces the session's bound context. A nil binding unbinds.
	SetBinding(ctx context.Context, sessionID string, b *binding.Binding) error

	// AppendTurn appends a turn to the session transcript and assigns its
	// sequence position. History order is never mutated afterwards.
	AppendTurn(ctx context.Context, turn *Turn) error

	// Turns returns the session transcript in append order.
	Turns(ctx context.Context, sessionID string) ([]*Turn, error)

	// UpdateStreamingTurn applies a delta to a streaming turn. It is the only
	// mutation path for an existing turn and fails with ErrTurnImmutable once
	// the turn has reached a terminal state.
	UpdateStreamingTurn(ctx context.Context, sessionID, turnID string, delta Delta) error

	// FinalizeTurn flips the turn out of streaming and records its terminal
	// disposition. Finalizing an already-final turn fails with
	// ErrTurnImmutable.
	FinalizeTurn(ctx context.Context, sessionID, turnID string, final Final) error

	// Close releases store resources.
	Close() error
}

// apply folds a delta into the turn. Callers hold whatever lock guards the
// turn.
func (t *Turn) apply(d Delta) {
	t.Content += d.Text
	t.Citations = append(t.Citations, d.Citations...)
	t.ToolCalls = append(t.ToolCalls, d.ToolCalls...)
	t.Trace = append(t.Trace, d.Trace...)
	t.Data = append(t.Data, d.Data...)
	if d.Scratchpad != nil {
		t.Scratchpad = d.Scratchpad
	}
}

// finalize records the terminal disposition and freezes the turn.
func (t *Turn) finalize(f Final) {
	t.Streaming = false
	t.Cancelled = f.Cancelled
	t.Error = f.Error
	if f.Metadata != nil {
		t.Metadata = f.Metadata
	}
}

// clone returns a deep-enough copy so callers can't mutate store state.
func (t *Turn) clone() *Turn {
	c := *t
	c.Attachments = append([]a2a.FileRef(nil), t.Attachments...)
	c.Citations = append([]a2a.Citation(nil), t.Citations...)
	c.ToolCalls = append([]a2a.ToolCall(nil), t.ToolCalls...)
	c.Trace = append([]a2a.AgentCommunication(nil), t.Trace...)
	c.Data = append([]json.RawMessage(nil), t.Data...)
	return &c
}
