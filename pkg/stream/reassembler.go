// Package stream folds SSE frames into a single transcript turn.
//
// A Reassembler is created per stream and drives the turn through an explicit
// state machine: Idle → Started → Accumulating → Done | Errored | Cancelled.
// Message frames append text in arrival order, data frames accumulate into
// their payload lists, and terminal frames freeze the turn. The transport
// guarantees in-order delivery within one stream; when frames carry sequence
// numbers, a regression fails that stream (and only that stream) with
// ErrOrderingViolation, preserving the partial content.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/strand-agents/strand/pkg/a2a"
	"github.com/strand-agents/strand/pkg/session"
)

// State is the reassembly lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateStarted      State = "started"
	StateAccumulating State = "accumulating"
	StateDone         State = "done"
	StateErrored      State = "errored"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state accepts no further frames.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored || s == StateCancelled
}

// ErrOrderingViolation is returned when a sequenced frame arrives out of
// order. The stream is failed; other streams are unaffected.
var ErrOrderingViolation = errors.New("stream ordering violation")

// ErrProtocolViolation is returned for malformed frames and frames arriving
// in a state that cannot accept them, such as a message frame before start.
var ErrProtocolViolation = errors.New("stream protocol violation")

// ErrStreamTerminated is returned for frames arriving after the stream
// reached a terminal state. Callers treat such frames as orphans.
var ErrStreamTerminated = errors.New("stream already terminated")

// Writer is the mutation surface the reassembler drives. *session.MemoryStore
// and *session.SQLStore both satisfy it.
type Writer interface {
	UpdateStreamingTurn(ctx context.Context, sessionID, turnID string, delta session.Delta) error
	FinalizeTurn(ctx context.Context, sessionID, turnID string, final session.Final) error
}

// Reassembler folds one stream's frames into one turn. Apply and Cancel are
// safe for concurrent use, though the runtime serializes frame application
// per stream.
type Reassembler struct {
	sessionID string
	turnID    string
	writer    Writer

	// release is invoked exactly once when the stream reaches a terminal
	// state, typically to drop the correlation entry.
	release func()

	mu      sync.Mutex
	state   State
	lastSeq int64
	sawSeq  bool
}

// New returns a reassembler for the given turn. release may be nil.
func New(writer Writer, sessionID, turnID string, release func()) *Reassembler {
	return &Reassembler{
		sessionID: sessionID,
		turnID:    turnID,
		writer:    writer,
		release:   release,
		state:     StateIdle,
		lastSeq:   -1,
	}
}

// State returns the current lifecycle state.
func (r *Reassembler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Apply folds one frame into the turn. Frames after a terminal state return
// ErrStreamTerminated; a sequence regression fails the stream with
// ErrOrderingViolation and any other malformed or misplaced frame fails it
// with ErrProtocolViolation. Partial content is preserved either way.
func (r *Reassembler) Apply(ctx context.Context, frame *a2a.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return ErrStreamTerminated
	}

	switch frame.Event {
	case a2a.FrameStart:
		if r.state != StateIdle {
			return r.fail(ctx, ErrProtocolViolation, fmt.Sprintf("unexpected start frame in state %s", r.state))
		}
		r.state = StateStarted
		return nil

	case a2a.FrameMessage:
		if r.state == StateIdle {
			return r.fail(ctx, ErrProtocolViolation, "message frame before start")
		}
		msg, err := frame.Message()
		if err != nil {
			return r.fail(ctx, ErrProtocolViolation, fmt.Sprintf("malformed message frame: %v", err))
		}
		if msg.Seq != nil {
			if r.sawSeq && *msg.Seq <= r.lastSeq {
				slog.Warn("out-of-order frame",
					"session_id", r.sessionID,
					"turn_id", r.turnID,
					"seq", *msg.Seq,
					"last_seq", r.lastSeq)
				return r.fail(ctx, ErrOrderingViolation, fmt.Sprintf("sequence %d after %d", *msg.Seq, r.lastSeq))
			}
			r.sawSeq = true
			r.lastSeq = *msg.Seq
		}
		if err := r.writer.UpdateStreamingTurn(ctx, r.sessionID, r.turnID, session.Delta{Text: msg.Text}); err != nil {
			return fmt.Errorf("failed to append message fragment: %w", err)
		}
		r.state = StateAccumulating
		return nil

	case a2a.FrameData:
		if r.state == StateIdle {
			return r.fail(ctx, ErrProtocolViolation, "data frame before start")
		}
		payload, err := frame.DataPayload()
		if err != nil {
			return r.fail(ctx, ErrProtocolViolation, fmt.Sprintf("malformed data frame: %v", err))
		}
		delta := session.Delta{
			Citations:  payload.Citations,
			ToolCalls:  payload.ToolCalls,
			Trace:      payload.Trace,
			Scratchpad: payload.Scratchpad,
		}
		if len(payload.Extra) > 0 {
			delta.Data = append(delta.Data, payload.Extra)
		}
		if err := r.writer.UpdateStreamingTurn(ctx, r.sessionID, r.turnID, delta); err != nil {
			return fmt.Errorf("failed to attach data payload: %w", err)
		}
		r.state = StateAccumulating
		return nil

	case a2a.FrameDone:
		done, err := frame.Done()
		if err != nil {
			return r.fail(ctx, ErrProtocolViolation, fmt.Sprintf("malformed done frame: %v", err))
		}
		if err := r.writer.FinalizeTurn(ctx, r.sessionID, r.turnID, session.Final{Metadata: done.Metadata}); err != nil {
			return fmt.Errorf("failed to finalize turn: %w", err)
		}
		r.terminate(StateDone)
		return nil

	case a2a.FrameError:
		rpcErr, err := frame.Err()
		if err != nil {
			return r.fail(ctx, ErrProtocolViolation, fmt.Sprintf("malformed error frame: %v", err))
		}
		if err := r.writer.FinalizeTurn(ctx, r.sessionID, r.turnID, session.Final{Error: rpcErr.Error()}); err != nil {
			return fmt.Errorf("failed to finalize turn: %w", err)
		}
		r.terminate(StateErrored)
		return nil

	default:
		return r.fail(ctx, ErrProtocolViolation, fmt.Sprintf("unknown frame event %q", frame.Event))
	}
}

// Abort fails the stream with a transport-level error, preserving whatever
// partial content accumulated. It is a no-op once the stream is terminal.
func (r *Reassembler) Abort(ctx context.Context, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return nil
	}
	if err := r.writer.FinalizeTurn(ctx, r.sessionID, r.turnID, session.Final{Error: cause.Error()}); err != nil {
		return fmt.Errorf("failed to finalize turn: %w", err)
	}
	r.terminate(StateErrored)
	return nil
}

// Cancel stops the stream, marking the turn cancelled with whatever partial
// content had accumulated. It is a no-op once the stream is terminal.
func (r *Reassembler) Cancel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return nil
	}
	if err := r.writer.FinalizeTurn(ctx, r.sessionID, r.turnID, session.Final{Cancelled: true}); err != nil {
		return fmt.Errorf("failed to finalize turn: %w", err)
	}
	r.terminate(StateCancelled)
	return nil
}

// fail marks the stream errored with the violation detail and returns the
// sentinel wrapped around it. Partial content stays on the turn. Caller holds
// the lock.
func (r *Reassembler) fail(ctx context.Context, sentinel error, detail string) error {
	if err := r.writer.FinalizeTurn(ctx, r.sessionID, r.turnID, session.Final{
		Error: fmt.Sprintf("%s: %s", sentinel, detail),
	}); err != nil {
		return fmt.Errorf("failed to finalize turn: %w", err)
	}
	r.terminate(StateErrored)
	return fmt.Errorf("%w: %s", sentinel, detail)
}

// terminate flips to a terminal state and releases the correlation entry
// exactly once. Caller holds the lock.
func (r *Reassembler) terminate(s State) {
	r.state = s
	if r.release != nil {
		r.release()
		r.release = nil
	}
}
