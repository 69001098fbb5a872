// Package binding implements the routing context of a session: each session
// is bound to at most one of a workflow, a single agent, a tool set, or a
// direct model. Binding a new kind clears any previously bound kind; only
// the tool-set kind supports cumulative selection.
package binding

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Kind names the four mutually exclusive routing targets.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindAgent    Kind = "agent"
	KindTools    Kind = "tools"
	KindLLM      Kind = "llm"
)

// ErrNoContextBound is returned when routing requires a bound context and
// the session has none.
var ErrNoContextBound = errors.New("no context bound")

// ErrUnknownKind is returned for a kind outside the four routing targets.
var ErrUnknownKind = errors.New("unknown binding kind")

// Binding is the routing target of a session. Ref identifies the workflow,
// agent, or model; Tools holds the selected tool set when Kind is KindTools.
type Binding struct {
	Kind  Kind     `json:"kind" yaml:"kind"`
	Ref   string   `json:"ref,omitempty" yaml:"ref,omitempty"`
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// clone returns an independent copy.
func (b *Binding) clone() *Binding {
	if b == nil {
		return nil
	}
	out := *b
	out.Tools = slices.Clone(b.Tools)
	return &out
}

// Selector owns the current binding of one session and enforces the
// mutual-exclusivity invariant. Safe for concurrent use.
type Selector struct {
	mu      sync.Mutex
	current *Binding
}

// NewSelector creates a selector seeded with an existing binding, which may
// be nil for an unbound session.
func NewSelector(initial *Binding) *Selector {
	return &Selector{current: initial.clone()}
}

// Select binds the session to the given kind, clearing any previous
// binding of another kind. For KindTools the ref seeds a fresh tool set;
// use ToggleTool for cumulative selection.
func (s *Selector) Select(kind Kind, ref string) (*Binding, error) {
	switch kind {
	case KindWorkflow, KindAgent, KindLLM:
		if ref == "" {
			return nil, fmt.Errorf("binding %s requires a ref", kind)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.current = &Binding{Kind: kind, Ref: ref}
		return s.current.clone(), nil

	case KindTools:
		s.mu.Lock()
		defer s.mu.Unlock()
		b := &Binding{Kind: KindTools}
		if ref != "" {
			b.Tools = []string{ref}
		}
		s.current = b
		return s.current.clone(), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// ToggleTool adds the tool to the current tool set, or removes it if
// already present. If the session is bound to another kind, that binding is
// cleared and a new tool set is started.
func (s *Selector) ToggleTool(tool string) (*Binding, error) {
	if tool == "" {
		return nil, errors.New("tool name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.Kind != KindTools {
		s.current = &Binding{Kind: KindTools, Tools: []string{tool}}
		return s.current.clone(), nil
	}

	if i := slices.Index(s.current.Tools, tool); i >= 0 {
		s.current.Tools = slices.Delete(slices.Clone(s.current.Tools), i, i+1)
	} else {
		s.current.Tools = append(slices.Clone(s.current.Tools), tool)
	}
	if len(s.current.Tools) == 0 {
		s.current = nil
	}
	return s.current.clone(), nil
}

// Clear resets the session to unbound.
func (s *Selector) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Current returns a copy of the active binding, or nil when unbound.
func (s *Selector) Current() *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Require returns the active binding or ErrNoContextBound when unbound.
// Used by deployments that fail fast on unrouted requests.
func (s *Selector) Require() (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoContextBound
	}
	return s.current.clone(), nil
}
