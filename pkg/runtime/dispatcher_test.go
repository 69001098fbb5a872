package runtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	goruntime "runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-agents/strand/pkg/a2a"
	"github.com/strand-agents/strand/pkg/a2a/client"
	"github.com/strand-agents/strand/pkg/binding"
	"github.com/strand-agents/strand/pkg/config"
	"github.com/strand-agents/strand/pkg/retry"
	"github.com/strand-agents/strand/pkg/server"
	"github.com/strand-agents/strand/pkg/session"
	"github.com/strand-agents/strand/pkg/stream"
)

type noSleepClock struct{}

func (noSleepClock) Now() time.Time                              { return time.Now() }
func (noSleepClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newDispatcher(t *testing.T, responder server.Responder, opts ...Option) (*Dispatcher, session.Store) {
	t.Helper()

	srvOpts := []server.Option{}
	if responder != nil {
		srvOpts = append(srvOpts, server.WithResponder(responder))
	}
	srv := server.New(config.ServerConfig{}, srvOpts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	store := session.NewMemoryStore()
	c := client.New(ts.URL, client.WithHTTPClient(ts.Client()))
	retryer := retry.New(retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond}, retry.WithClock(noSleepClock{}))

	return New(store, c, retryer, opts...), store
}

func userMessage(text string) a2a.Message {
	return a2a.TextMessage(a2a.MessageRoleUser, text)
}

func TestDispatcher_SendAppendsBothTurns(t *testing.T) {
	d, store := newDispatcher(t, nil)
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, d.CurrentSession())

	turn, err := d.Send(ctx, sess.ID, userMessage("summarize my invoices"))
	require.NoError(t, err)
	assert.Equal(t, "echo: summarize my invoices", turn.Content)

	turns, err := store.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, session.TurnUser, turns[0].Type)
	assert.Equal(t, "summarize my invoices", turns[0].Content)
	assert.Equal(t, session.TurnAgent, turns[1].Type)
	assert.Equal(t, 2, turns[1].Seq)
	require.NotNil(t, turns[1].Metadata)
	assert.Equal(t, "echo", turns[1].Metadata.ModelUsed)

	// No pending correlation entries after a completed exchange.
	assert.Equal(t, 0, d.Tracker().Len())
}

func TestDispatcher_StreamReassemblesTurn(t *testing.T) {
	d, store := newDispatcher(t, nil)
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "support")
	require.NoError(t, err)

	handle, err := d.Stream(ctx, sess.ID, userMessage("hello there"))
	require.NoError(t, err)

	<-handle.Done()
	require.NoError(t, handle.Err())

	turns, err := store.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	agent := turns[1]
	assert.Equal(t, "echo: hello there", agent.Content)
	assert.False(t, agent.Streaming)
	assert.False(t, agent.Cancelled)
	require.NotNil(t, agent.Metadata)
	assert.Equal(t, 3, agent.Metadata.TokensUsed)

	assert.Equal(t, 0, d.Tracker().Len())
}

// blockingResponder streams one fragment and then holds the stream open
// until the client goes away.
type blockingResponder struct {
	echo server.EchoResponder
}

func (b *blockingResponder) Respond(ctx context.Context, req *a2a.Request) (*a2a.Result, error) {
	return b.echo.Respond(ctx, req)
}

func (b *blockingResponder) Stream(ctx context.Context, req *a2a.Request, emit func(a2a.Frame) error) error {
	start, _ := json.Marshal(a2a.StartData{
		TaskID:        req.Params.TaskID,
		SessionID:     req.Params.SessionID,
		CorrelationID: req.Params.CorrelationID,
	})
	if err := emit(a2a.Frame{Event: a2a.FrameStart, Data: start}); err != nil {
		return err
	}
	msg, _ := json.Marshal(a2a.MessageData{Text: "partial "})
	if err := emit(a2a.Frame{Event: a2a.FrameMessage, Data: msg}); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func TestDispatcher_SecondPrimaryRequestRejected(t *testing.T) {
	d, _ := newDispatcher(t, &blockingResponder{})
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "busy")
	require.NoError(t, err)

	handle, err := d.Stream(ctx, sess.ID, userMessage("first"))
	require.NoError(t, err)

	_, err = d.Send(ctx, sess.ID, userMessage("second"))
	assert.ErrorIs(t, err, ErrStreamInProgress)

	_, err = d.Stream(ctx, sess.ID, userMessage("third"))
	assert.ErrorIs(t, err, ErrStreamInProgress)

	require.NoError(t, d.Cancel(sess.ID))
	<-handle.Done()
}

func TestDispatcher_CancelPreservesPartialTurn(t *testing.T) {
	d, store := newDispatcher(t, &blockingResponder{})
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "support")
	require.NoError(t, err)

	handle, err := d.Stream(ctx, sess.ID, userMessage("keep going"))
	require.NoError(t, err)

	// Wait for the partial fragment to land before cancelling.
	require.Eventually(t, func() bool {
		turns, err := store.Turns(ctx, sess.ID)
		return err == nil && len(turns) == 2 && turns[1].Content != ""
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Cancel(sess.ID))
	<-handle.Done()

	turns, err := store.Turns(ctx, sess.ID)
	require.NoError(t, err)
	agent := turns[1]
	assert.Equal(t, "partial ", agent.Content)
	assert.True(t, agent.Cancelled)
	assert.False(t, agent.Streaming)

	// The slot is free again.
	_, err = d.Send(ctx, sess.ID, userMessage("follow-up"))
	require.NoError(t, err)
}

// floodResponder emits a sequence regression and then keeps flooding frames,
// exercising the transport reader after the consumer has given up on the
// stream.
type floodResponder struct {
	echo server.EchoResponder
}

func (f *floodResponder) Respond(ctx context.Context, req *a2a.Request) (*a2a.Result, error) {
	return f.echo.Respond(ctx, req)
}

func (f *floodResponder) Stream(ctx context.Context, req *a2a.Request, emit func(a2a.Frame) error) error {
	start, _ := json.Marshal(a2a.StartData{
		TaskID:        req.Params.TaskID,
		SessionID:     req.Params.SessionID,
		CorrelationID: req.Params.CorrelationID,
	})
	if err := emit(a2a.Frame{Event: a2a.FrameStart, Data: start}); err != nil {
		return err
	}

	msg := func(n int64) a2a.Frame {
		b, _ := json.Marshal(a2a.MessageData{Text: "chunk ", Seq: &n})
		return a2a.Frame{Event: a2a.FrameMessage, Data: b}
	}
	if err := emit(msg(2)); err != nil {
		return err
	}
	// The regression makes the consumer bail out; the flood keeps coming.
	if err := emit(msg(1)); err != nil {
		return err
	}
	for n := int64(2); n < 100; n++ {
		if err := emit(msg(n)); err != nil {
			return nil
		}
	}
	return nil
}

func TestDispatcher_FaultedStreamReleasesReader(t *testing.T) {
	d, _ := newDispatcher(t, &floodResponder{})
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "noisy")
	require.NoError(t, err)

	before := goruntime.NumGoroutine()

	handle, err := d.Stream(ctx, sess.ID, userMessage("go"))
	require.NoError(t, err)

	<-handle.Done()
	require.ErrorIs(t, handle.Err(), stream.ErrOrderingViolation)

	// The transport reader must unpark and exit once the consumer is gone,
	// or every failed stream leaks a goroutine and an open response.
	require.Eventually(t, func() bool {
		return goruntime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_CancelWithoutStream(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	sess, err := d.NewSession(context.Background(), "idle")
	require.NoError(t, err)

	err = d.Cancel(sess.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active stream")
}

func TestDispatcher_RetryExhaustionRecordsErroredTurn(t *testing.T) {
	d, store := newDispatcher(t, nil)
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "unlucky")
	require.NoError(t, err)

	// Point the dispatcher at a server that always fails.
	failing := httptest.NewServer(server.New(config.ServerConfig{}).Handler())
	failing.Close()

	d.client = client.New(failing.URL)

	_, err = d.Send(ctx, sess.ID, userMessage("anyone home?"))
	require.Error(t, err)

	var retryErr *retry.Error
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, retryErr.Attempts)

	turns, storeErr := store.Turns(ctx, sess.ID)
	require.NoError(t, storeErr)
	require.Len(t, turns, 2)
	agent := turns[1]
	assert.Equal(t, session.TurnAgent, agent.Type)
	assert.Empty(t, agent.Content)
	assert.Equal(t, err.Error(), agent.Error)

	assert.Equal(t, 0, d.Tracker().Len())
}

func TestDispatcher_SendSweepsExpiredEntries(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "stale")
	require.NoError(t, err)

	// An entry whose response never arrives, already past its deadline.
	_, err = d.Tracker().Issue(sess.ID, "abandoned-turn", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	require.Equal(t, 1, d.Tracker().Len())

	_, err = d.Send(ctx, sess.ID, userMessage("still here"))
	require.NoError(t, err)

	// The stale entry was swept; the send's own entry was released.
	assert.Equal(t, 0, d.Tracker().Len())
}

func TestDispatcher_BindingLifecycle(t *testing.T) {
	d, store := newDispatcher(t, nil)
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "routed")
	require.NoError(t, err)

	b, err := d.Bind(ctx, sess.ID, binding.KindAgent, "researcher")
	require.NoError(t, err)
	assert.Equal(t, binding.KindAgent, b.Kind)

	// Toggling a tool replaces the agent binding with a tool set.
	b, err = d.ToggleTool(ctx, sess.ID, "search")
	require.NoError(t, err)
	assert.Equal(t, binding.KindTools, b.Kind)
	assert.Equal(t, []string{"search"}, b.Tools)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Binding)
	assert.Equal(t, binding.KindTools, got.Binding.Kind)

	require.NoError(t, d.ClearBinding(ctx, sess.ID))
	got, err = store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Binding)
}

func TestDispatcher_RequireContext(t *testing.T) {
	d, _ := newDispatcher(t, nil, WithRouting(config.RoutingConfig{RequireContext: true}))
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "strict")
	require.NoError(t, err)

	_, err = d.Send(ctx, sess.ID, userMessage("unrouted"))
	assert.ErrorIs(t, err, binding.ErrNoContextBound)

	_, err = d.Bind(ctx, sess.ID, binding.KindAgent, "assistant")
	require.NoError(t, err)

	_, err = d.Send(ctx, sess.ID, userMessage("routed now"))
	require.NoError(t, err)
}

// toolResponder answers sync sends with a tool call in the result metadata.
type toolResponder struct {
	echo server.EchoResponder
}

func (r *toolResponder) Respond(ctx context.Context, req *a2a.Request) (*a2a.Result, error) {
	reply := a2a.TextMessage(a2a.MessageRoleAgent, "looked it up")
	return &a2a.Result{
		ID:            req.Params.TaskID,
		SessionID:     req.Params.SessionID,
		CorrelationID: req.Params.CorrelationID,
		Status:        a2a.StatusSuccess,
		Message:       &reply,
		Metadata: &a2a.ResultMetadata{
			ModelUsed: "echo",
			ToolCalls: []a2a.ToolCall{{ID: "t1", ToolName: "lookup", Status: a2a.ToolCallCompleted}},
		},
	}, nil
}

func (r *toolResponder) Stream(ctx context.Context, req *a2a.Request, emit func(a2a.Frame) error) error {
	return r.echo.Stream(ctx, req, emit)
}

func TestDispatcher_SendRecordsToolCalls(t *testing.T) {
	d, store := newDispatcher(t, &toolResponder{})
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "tooling")
	require.NoError(t, err)

	turn, err := d.Send(ctx, sess.ID, userMessage("look this up"))
	require.NoError(t, err)

	// Tool calls surface on the turn, not only inside the metadata blob.
	require.Len(t, turn.ToolCalls, 1)
	assert.Equal(t, "lookup", turn.ToolCalls[0].ToolName)
	assert.Equal(t, a2a.ToolCallCompleted, turn.ToolCalls[0].Status)

	turns, err := store.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, "lookup", turns[1].ToolCalls[0].ToolName)
}

func TestDispatcher_RecordRelay(t *testing.T) {
	d, store := newDispatcher(t, nil)
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "multi-agent")
	require.NoError(t, err)

	turn, err := d.RecordRelay(ctx, sess.ID, a2a.AgentCommunication{
		SourceAgent: "planner",
		TargetAgent: "researcher",
		Message:     "find recent papers",
		Status:      a2a.CommStatusSent,
	})
	require.NoError(t, err)
	assert.Equal(t, session.TurnInterAgent, turn.Type)

	turns, err := store.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "find recent papers", turns[0].Content)
	require.Len(t, turns[0].Trace, 1)
	assert.Equal(t, "planner", turns[0].Trace[0].SourceAgent)
}

func TestDispatcher_DeleteSessionReleasesEverything(t *testing.T) {
	d, store := newDispatcher(t, &blockingResponder{})
	ctx := context.Background()

	sess, err := d.NewSession(ctx, "doomed")
	require.NoError(t, err)

	handle, err := d.Stream(ctx, sess.ID, userMessage("long running"))
	require.NoError(t, err)

	require.NoError(t, d.DeleteSession(ctx, sess.ID))
	<-handle.Done()

	_, err = store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Equal(t, 0, d.Tracker().Len())
	assert.Empty(t, d.CurrentSession())
}
