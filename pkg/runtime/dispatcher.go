// Package runtime ties the protocol pieces together: it issues correlated
// requests through the client, records every exchange in the transcript
// store, reassembles streams into turns, and enforces the one-primary-
// request-per-session rule.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strand-agents/strand/pkg/a2a"
	"github.com/strand-agents/strand/pkg/a2a/client"
	"github.com/strand-agents/strand/pkg/binding"
	"github.com/strand-agents/strand/pkg/config"
	"github.com/strand-agents/strand/pkg/correlation"
	"github.com/strand-agents/strand/pkg/observability"
	"github.com/strand-agents/strand/pkg/retry"
	"github.com/strand-agents/strand/pkg/session"
	"github.com/strand-agents/strand/pkg/stream"
)

// defaultEntryTTL bounds how long a correlation entry may wait for its
// response. Expired entries are swept before each new issuance.
const defaultEntryTTL = 5 * time.Minute

// ErrStreamInProgress is returned when a session already has a live primary
// request; a second one must not start until the first reaches a terminal
// state.
var ErrStreamInProgress = errors.New("session has a request in flight")

// closedChan backs placeholder handles during stream setup.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Dispatcher coordinates requests for a set of sessions.
type Dispatcher struct {
	store   session.Store
	tracker *correlation.Tracker
	client  *client.Client
	retryer *retry.Retryer
	metrics *observability.Metrics
	routing config.RoutingConfig

	mu      sync.Mutex
	current string
	streams map[string]*StreamHandle
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches protocol metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRouting sets the routing policy.
func WithRouting(r config.RoutingConfig) Option {
	return func(d *Dispatcher) { d.routing = r }
}

// New creates a Dispatcher.
func New(store session.Store, c *client.Client, retryer *retry.Retryer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		tracker: correlation.NewTracker(),
		client:  c,
		retryer: retryer,
		streams: make(map[string]*StreamHandle),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.tracker.OnOrphan = func(sessionID, requestID, correlationID string) {
		d.metrics.RecordOrphan(context.Background())
	}
	d.retryer.OnRetry = func(op string, attempt int, delay time.Duration, err error) {
		d.metrics.RecordRetry(context.Background(), op)
		slog.Debug("Retrying request", "op", op, "attempt", attempt, "delay", delay, "error", err)
	}
	return d
}

// Tracker exposes the correlation tracker, mainly for inspection.
func (d *Dispatcher) Tracker() *correlation.Tracker { return d.tracker }

// ============================================================================
// SESSION SELECTION
// ============================================================================

// NewSession creates a session and makes it current.
func (d *Dispatcher) NewSession(ctx context.Context, name string) (*session.Session, error) {
	sess, err := d.store.CreateSession(ctx, name, nil)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.current = sess.ID
	d.mu.Unlock()
	return sess, nil
}

// SelectSession makes an existing session current.
func (d *Dispatcher) SelectSession(ctx context.Context, id string) error {
	if _, err := d.store.GetSession(ctx, id); err != nil {
		return err
	}
	d.mu.Lock()
	d.current = id
	d.mu.Unlock()
	return nil
}

// CurrentSession returns the current session id, empty when none is
// selected.
func (d *Dispatcher) CurrentSession() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// DeleteSession removes a session together with everything attached to it:
// a live stream is cancelled, pending correlation entries are released, and
// the transcript is deleted.
func (d *Dispatcher) DeleteSession(ctx context.Context, id string) error {
	d.mu.Lock()
	handle := d.streams[id]
	d.mu.Unlock()
	if handle != nil {
		handle.Cancel()
		<-handle.Done()
	}

	if released := d.tracker.ReleaseSession(id); len(released) > 0 {
		slog.Debug("Released pending correlation entries", "session", id, "count", len(released))
	}

	if err := d.store.DeleteSession(ctx, id); err != nil {
		return err
	}

	d.mu.Lock()
	if d.current == id {
		d.current = ""
	}
	d.mu.Unlock()
	return nil
}

// ============================================================================
// CONTEXT BINDING
// ============================================================================

// Bind routes the session to the given kind and ref, clearing any previous
// binding of another kind.
func (d *Dispatcher) Bind(ctx context.Context, sessionID string, kind binding.Kind, ref string) (*binding.Binding, error) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	selector := binding.NewSelector(sess.Binding)
	b, err := selector.Select(kind, ref)
	if err != nil {
		return nil, err
	}
	if err := d.store.SetBinding(ctx, sessionID, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ToggleTool adds or removes a tool in the session's tool-set binding.
func (d *Dispatcher) ToggleTool(ctx context.Context, sessionID, tool string) (*binding.Binding, error) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	selector := binding.NewSelector(sess.Binding)
	b, err := selector.ToggleTool(tool)
	if err != nil {
		return nil, err
	}
	if err := d.store.SetBinding(ctx, sessionID, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ClearBinding unbinds the session.
func (d *Dispatcher) ClearBinding(ctx context.Context, sessionID string) error {
	if _, err := d.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return d.store.SetBinding(ctx, sessionID, nil)
}

// routingContext resolves the session binding into the request context
// payload. With require_context enabled an unbound session fails fast;
// otherwise the configured default agent is used.
func (d *Dispatcher) routingContext(sess *session.Session) (json.RawMessage, error) {
	b := sess.Binding
	if b == nil {
		if d.routing.RequireContext {
			return nil, binding.ErrNoContextBound
		}
		b = &binding.Binding{Kind: binding.KindAgent, Ref: d.routing.DefaultAgent}
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode routing context: %w", err)
	}
	return raw, nil
}

// ============================================================================
// SYNCHRONOUS SEND
// ============================================================================

// Send issues a synchronous request on the session and appends both sides of
// the exchange to the transcript. Transient failures are retried with a
// fresh request id per attempt; the correlation id stays fixed. On retry
// exhaustion the agent turn is recorded as errored with the last error
// verbatim.
func (d *Dispatcher) Send(ctx context.Context, sessionID string, msg a2a.Message) (*session.Turn, error) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if d.isStreaming(sessionID) {
		return nil, ErrStreamInProgress
	}

	routingCtx, err := d.routingContext(sess)
	if err != nil {
		return nil, err
	}

	if err := d.appendUserTurn(ctx, sessionID, msg); err != nil {
		return nil, err
	}

	d.sweepExpired()
	turnID := uuid.NewString()
	entry, err := d.tracker.Issue(sessionID, turnID, defaultEntryTTL)
	if err != nil {
		return nil, err
	}

	params := a2a.MessageSendParams{
		TaskID:        turnID,
		SessionID:     sessionID,
		CorrelationID: entry.CorrelationID,
		Message:       msg,
		Context:       routingCtx,
	}

	start := time.Now()
	attempt := 0
	result, err := retry.DoWithResult(ctx, d.retryer, a2a.MethodMessageSend, func(ctx context.Context) (*a2a.Result, error) {
		attempt++
		if attempt > 1 {
			// Each attempt gets its own request id so a straggler response
			// to a superseded attempt can be recognized and discarded.
			entry, err = d.tracker.Reattempt(sessionID, entry.RequestID)
			if err != nil {
				return nil, err
			}
		}
		return d.client.Send(ctx, entry.RequestID, a2a.MethodMessageSend, params)
	})
	d.metrics.RecordRequest(ctx, a2a.MethodMessageSend, time.Since(start), err)

	if err != nil {
		d.tracker.Release(sessionID, entry.RequestID)
		turn := &session.Turn{
			ID:        turnID,
			SessionID: sessionID,
			Type:      session.TurnAgent,
			Timestamp: time.Now(),
			Error:     err.Error(),
		}
		if appendErr := d.store.AppendTurn(ctx, turn); appendErr != nil {
			return nil, errors.Join(err, appendErr)
		}
		return turn, err
	}

	if _, lookupErr := d.tracker.Lookup(sessionID, entry.RequestID, result.CorrelationID); lookupErr != nil {
		d.tracker.Release(sessionID, entry.RequestID)
		return nil, fmt.Errorf("uncorrelated response discarded: %w", lookupErr)
	}
	d.tracker.Release(sessionID, entry.RequestID)

	turn := turnFromResult(turnID, sessionID, result)
	if err := d.store.AppendTurn(ctx, turn); err != nil {
		return nil, err
	}
	return turn, nil
}

// RecordRelay appends an inter-agent exchange to the transcript. Relays are
// observational; they bypass the primary-request guard.
func (d *Dispatcher) RecordRelay(ctx context.Context, sessionID string, comm a2a.AgentCommunication) (*session.Turn, error) {
	turn := &session.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      session.TurnInterAgent,
		Content:   comm.Message,
		Timestamp: time.Now(),
		Trace:     []a2a.AgentCommunication{comm},
	}
	if err := d.store.AppendTurn(ctx, turn); err != nil {
		return nil, err
	}
	return turn, nil
}

// ============================================================================
// STREAMING
// ============================================================================

// StreamHandle tracks one live stream. Done is closed when the stream
// reaches a terminal state; Err reports how it ended.
type StreamHandle struct {
	SessionID string
	TurnID    string

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done returns a channel closed when the stream has terminated.
func (h *StreamHandle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error, nil for a clean finish. Only meaningful
// after Done is closed.
func (h *StreamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel stops the stream. The partial turn is preserved and marked
// cancelled.
func (h *StreamHandle) Cancel() { h.cancel() }

func (h *StreamHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Stream issues a streaming request on the session. Frames are applied to
// the transcript as they arrive; the returned handle reports completion.
// Only connection establishment is retried: once the first frame is on the
// wire the stream either finishes or fails.
func (d *Dispatcher) Stream(ctx context.Context, sessionID string, msg a2a.Message) (*StreamHandle, error) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	routingCtx, err := d.routingContext(sess)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if _, live := d.streams[sessionID]; live {
		d.mu.Unlock()
		return nil, ErrStreamInProgress
	}
	// Reserve the slot before any I/O so a concurrent Stream call cannot
	// slip in while the turns are being appended.
	placeholder := &StreamHandle{SessionID: sessionID, cancel: func() {}, done: closedChan}
	d.streams[sessionID] = placeholder
	d.mu.Unlock()

	handle, err := d.startStream(ctx, sessionID, msg, routingCtx)
	if err != nil {
		d.mu.Lock()
		delete(d.streams, sessionID)
		d.mu.Unlock()
		return nil, err
	}

	d.mu.Lock()
	d.streams[sessionID] = handle
	d.mu.Unlock()
	return handle, nil
}

func (d *Dispatcher) startStream(ctx context.Context, sessionID string, msg a2a.Message, routingCtx json.RawMessage) (*StreamHandle, error) {
	if err := d.appendUserTurn(ctx, sessionID, msg); err != nil {
		return nil, err
	}

	turnID := uuid.NewString()
	agentTurn := &session.Turn{
		ID:        turnID,
		SessionID: sessionID,
		Type:      session.TurnAgent,
		Timestamp: time.Now(),
		Streaming: true,
	}
	if err := d.store.AppendTurn(ctx, agentTurn); err != nil {
		return nil, err
	}

	d.sweepExpired()
	entry, err := d.tracker.Issue(sessionID, turnID, defaultEntryTTL)
	if err != nil {
		return nil, err
	}

	params := a2a.MessageSendParams{
		TaskID:        turnID,
		SessionID:     sessionID,
		CorrelationID: entry.CorrelationID,
		Message:       msg,
		Context:       routingCtx,
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &StreamHandle{
		SessionID: sessionID,
		TurnID:    turnID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	attempt := 0
	results, err := retry.DoWithResult(ctx, d.retryer, a2a.MethodMessageStream, func(context.Context) (<-chan client.StreamResult, error) {
		attempt++
		if attempt > 1 {
			entry, err = d.tracker.Reattempt(sessionID, entry.RequestID)
			if err != nil {
				return nil, err
			}
		}
		// The stream must outlive the retry attempt, so it is established
		// on the stream context rather than the attempt context.
		return d.client.Stream(streamCtx, entry.RequestID, a2a.MethodMessageStream, params)
	})
	if err != nil {
		cancel()
		d.tracker.Release(sessionID, entry.RequestID)
		final := session.Final{Error: err.Error()}
		if finErr := d.store.FinalizeTurn(ctx, sessionID, turnID, final); finErr != nil {
			slog.Warn("Failed to record stream failure", "session", sessionID, "turn", turnID, "error", finErr)
		}
		return nil, err
	}

	d.metrics.StreamStarted(ctx)
	go d.consumeStream(streamCtx, handle, entry, results)
	return handle, nil
}

// consumeStream is the single goroutine applying frames for one stream, so
// transcript updates for the turn are serialized.
func (d *Dispatcher) consumeStream(ctx context.Context, handle *StreamHandle, entry *correlation.Entry, results <-chan client.StreamResult) {
	reasm := stream.New(d.store, handle.SessionID, handle.TurnID, func() {
		d.tracker.Release(handle.SessionID, entry.RequestID)
	})

	defer func() {
		d.metrics.StreamEnded(context.Background())
		d.mu.Lock()
		delete(d.streams, handle.SessionID)
		d.mu.Unlock()
		handle.cancel()
		close(handle.done)
	}()

	for res := range results {
		if res.Err != nil {
			if abortErr := reasm.Abort(context.WithoutCancel(ctx), res.Err); abortErr != nil {
				slog.Warn("Failed to abort stream", "session", handle.SessionID, "error", abortErr)
			}
			handle.setErr(res.Err)
			return
		}

		frame := res.Frame
		d.metrics.RecordFrame(ctx, string(frame.Event))

		if frame.Event == a2a.FrameStart {
			if err := d.verifyStart(handle.SessionID, entry, frame); err != nil {
				_ = reasm.Abort(context.WithoutCancel(ctx), err)
				handle.setErr(err)
				return
			}
		}

		if err := reasm.Apply(ctx, frame); err != nil {
			handle.setErr(err)
			return
		}
	}

	// Channel closed without a terminal frame: caller cancellation or a
	// server that hung up mid-stream.
	if !reasm.State().Terminal() {
		if ctx.Err() != nil {
			if err := reasm.Cancel(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Failed to cancel stream", "session", handle.SessionID, "error", err)
			}
			handle.setErr(ctx.Err())
			return
		}
		err := errors.New("stream closed before terminal frame")
		_ = reasm.Abort(context.WithoutCancel(ctx), err)
		handle.setErr(err)
	}
}

// verifyStart checks the start frame against the live correlation entry.
// A frame carrying identifiers from a superseded attempt or another session
// is an orphan and fails the stream.
func (d *Dispatcher) verifyStart(sessionID string, entry *correlation.Entry, frame *a2a.Frame) error {
	start, err := frame.Start()
	if err != nil {
		return err
	}

	sid := start.SessionID
	if sid == "" {
		sid = sessionID
	}
	if _, err := d.tracker.Lookup(sid, entry.RequestID, start.CorrelationID); err != nil {
		return fmt.Errorf("uncorrelated stream discarded: %w", err)
	}
	return nil
}

// Cancel stops the session's live stream, if any. The partial turn is kept
// and marked cancelled.
func (d *Dispatcher) Cancel(sessionID string) error {
	d.mu.Lock()
	handle := d.streams[sessionID]
	d.mu.Unlock()

	if handle == nil {
		return fmt.Errorf("session %s has no active stream", sessionID)
	}
	handle.Cancel()
	<-handle.Done()
	return nil
}

// sweepExpired reclaims correlation entries whose response never arrived.
// Running it before each issuance keeps stale entries from piling up without
// a dedicated timer goroutine.
func (d *Dispatcher) sweepExpired() {
	if expired := d.tracker.SweepExpired(time.Now()); len(expired) > 0 {
		slog.Debug("Swept expired correlation entries", "count", len(expired))
	}
}

func (d *Dispatcher) isStreaming(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, live := d.streams[sessionID]
	return live
}

// ============================================================================
// HELPERS
// ============================================================================

func (d *Dispatcher) appendUserTurn(ctx context.Context, sessionID string, msg a2a.Message) error {
	turn := &session.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      session.TurnUser,
		Content:   msg.Text(),
		Timestamp: time.Now(),
	}
	for _, part := range msg.Parts {
		if part.File != nil {
			turn.Attachments = append(turn.Attachments, *part.File)
		}
	}
	return d.store.AppendTurn(ctx, turn)
}

func turnFromResult(turnID, sessionID string, result *a2a.Result) *session.Turn {
	turn := &session.Turn{
		ID:        turnID,
		SessionID: sessionID,
		Type:      session.TurnAgent,
		Timestamp: time.Now(),
		Metadata:  result.Metadata,
	}
	if result.Message != nil {
		turn.Content = result.Message.Text()
	}
	// Tool calls land on the turn itself, same as when data frames carry
	// them on the streaming path.
	if result.Metadata != nil && len(result.Metadata.ToolCalls) > 0 {
		turn.ToolCalls = append([]a2a.ToolCall(nil), result.Metadata.ToolCalls...)
	}
	return turn
}
