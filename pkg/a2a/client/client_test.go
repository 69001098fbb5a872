package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-agents/strand/pkg/a2a"
	"github.com/strand-agents/strand/pkg/retry"
)

func testParams() a2a.MessageSendParams {
	return a2a.MessageSendParams{
		TaskID:        "task-1",
		SessionID:     "sess-1",
		CorrelationID: "corr-1",
		Message:       a2a.TextMessage(a2a.MessageRoleUser, "I need help with my billing"),
	}
}

func TestClient_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/rpc", r.URL.Path)

		var req a2a.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, a2a.MethodMessageSend, req.Method)
		assert.Equal(t, "sess-1", req.Params.SessionID)

		reply := a2a.TextMessage(a2a.MessageRoleAgent, "Here is your billing summary.")
		resp := a2a.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: &a2a.Result{
				ID:            req.Params.TaskID,
				SessionID:     req.Params.SessionID,
				CorrelationID: req.Params.CorrelationID,
				Status:        a2a.StatusSuccess,
				Message:       &reply,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Send(context.Background(), "req-1", a2a.MethodMessageSend, testParams())
	require.NoError(t, err)
	assert.Equal(t, a2a.StatusSuccess, result.Status)
	require.NotNil(t, result.Message)
	assert.Equal(t, "Here is your billing summary.", result.Message.Text())
}

func TestClient_SendRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":"req-1","error":{"code":-32002,"message":"invalid session"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Send(context.Background(), "req-1", a2a.MethodMessageSend, testParams())

	var rpcErr *a2a.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, a2a.CodeInvalidSession, rpcErr.Code)
	assert.False(t, retry.Retryable(err))
}

func TestClient_SendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Send(context.Background(), "req-1", a2a.MethodMessageSend, testParams())

	var httpErr *retry.HTTPStatusError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.True(t, retry.Retryable(err))
}

func TestClient_SendAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":"req-1","result":{"status":"success"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("sekrit"))
	_, err := c.Send(context.Background(), "req-1", a2a.MethodMessageSend, testParams())
	require.NoError(t, err)
}

func writeFrame(t *testing.T, w http.ResponseWriter, frame string) {
	t.Helper()
	_, err := fmt.Fprintf(w, "data: %s\n\n", frame)
	require.NoError(t, err)
	w.(http.Flusher).Flush()
}

func TestClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rpc/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")

		writeFrame(t, w, `{"event":"start","data":{"sessionId":"sess-1"}}`)
		writeFrame(t, w, `{"event":"message","data":{"text":"Based on"}}`)
		writeFrame(t, w, `{"event":"message","data":{"text":" my analysis"}}`)
		writeFrame(t, w, `{"event":"data","data":{"category":"billing"}}`)
		writeFrame(t, w, `{"event":"done","data":{}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	results, err := c.Stream(context.Background(), "req-1", a2a.MethodMessageStream, testParams())
	require.NoError(t, err)

	var events []a2a.FrameEvent
	var text string
	for res := range results {
		require.NoError(t, res.Err)
		events = append(events, res.Frame.Event)
		if res.Frame.Event == a2a.FrameMessage {
			msg, err := res.Frame.Message()
			require.NoError(t, err)
			text += msg.Text
		}
	}
	assert.Equal(t, []a2a.FrameEvent{
		a2a.FrameStart, a2a.FrameMessage, a2a.FrameMessage, a2a.FrameData, a2a.FrameDone,
	}, events)
	assert.Equal(t, "Based on my analysis", text)
}

func TestClient_StreamErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(t, w, `{"event":"start","data":{}}`)
		writeFrame(t, w, `{"event":"error","data":{"code":-32001,"message":"agent crashed"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	results, err := c.Stream(context.Background(), "req-1", a2a.MethodMessageStream, testParams())
	require.NoError(t, err)

	var frames []*a2a.Frame
	for res := range results {
		require.NoError(t, res.Err)
		frames = append(frames, res.Frame)
	}
	require.Len(t, frames, 2)
	assert.Equal(t, a2a.FrameError, frames[1].Event)
	rpcErr, err := frames[1].Err()
	require.NoError(t, err)
	assert.Equal(t, a2a.CodeExecutionFailed, rpcErr.Code)
	assert.Equal(t, "agent crashed", rpcErr.Message)
}

func TestClient_StreamConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not today", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Stream(context.Background(), "req-1", a2a.MethodMessageStream, testParams())

	var httpErr *retry.HTTPStatusError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.True(t, retry.Retryable(err))
}

func TestClient_StreamIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(t, w, `{"event":"start","data":{}}`)
		// Then go silent until the client gives up.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithIdleTimeout(50*time.Millisecond))
	results, err := c.Stream(context.Background(), "req-1", a2a.MethodMessageStream, testParams())
	require.NoError(t, err)

	var last StreamResult
	for res := range results {
		last = res
	}
	require.Error(t, last.Err)
	assert.ErrorIs(t, last.Err, retry.ErrIdleTimeout)
	assert.True(t, retry.Retryable(last.Err))
}

func TestClient_StreamIdleWatchdogRearmSafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 200; i++ {
			// Plain write: the watchdog may kill the connection mid-burst.
			if _, err := fmt.Fprint(w, "data: {\"event\":\"message\",\"data\":{\"text\":\"x\"}}\n\n"); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	// A 1ms idle timeout races watchdog firing against frame processing.
	// Reset on an already-fired timer re-arms it; a second firing used to
	// close idleFired twice and panic.
	for i := 0; i < 5; i++ {
		c := New(srv.URL, WithIdleTimeout(time.Millisecond))
		results, err := c.Stream(context.Background(), "req-1", a2a.MethodMessageStream, testParams())
		require.NoError(t, err)
		for range results {
		}
	}
}

func TestClient_StreamCallerCancel(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(t, w, `{"event":"start","data":{}}`)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(srv.URL, WithIdleTimeout(0))
	results, err := c.Stream(ctx, "req-1", a2a.MethodMessageStream, testParams())
	require.NoError(t, err)

	<-started
	first := <-results
	require.NoError(t, first.Err)
	assert.Equal(t, a2a.FrameStart, first.Frame.Event)

	cancel()

	// Caller cancellation closes the channel without a stream fault.
	for res := range results {
		assert.NoError(t, res.Err)
	}
}

func TestClient_StreamMalformedFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(t, w, `{"event":"start","data":{}}`)
		writeFrame(t, w, `{"neither":"fish nor fowl"}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	results, err := c.Stream(context.Background(), "req-1", a2a.MethodMessageStream, testParams())
	require.NoError(t, err)

	var last StreamResult
	for res := range results {
		last = res
	}
	assert.ErrorIs(t, last.Err, a2a.ErrMalformedEnvelope)
}
