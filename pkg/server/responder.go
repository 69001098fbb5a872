package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/strand-agents/strand/pkg/a2a"
)

// Responder produces results for incoming requests. Respond handles the
// synchronous endpoint; Stream emits SSE frames through emit and returns
// when the stream is complete or the client is gone.
type Responder interface {
	Respond(ctx context.Context, req *a2a.Request) (*a2a.Result, error)
	Stream(ctx context.Context, req *a2a.Request, emit func(a2a.Frame) error) error
}

// EchoResponder repeats the request message back, optionally chunked over a
// stream. It exists so clients can be exercised end to end without a real
// agent behind the server.
type EchoResponder struct {
	// ChunkDelay spaces out streamed message frames. Zero streams as fast
	// as the connection allows.
	ChunkDelay time.Duration
}

// NewEchoResponder creates an echo responder with no artificial delay.
func NewEchoResponder() *EchoResponder {
	return &EchoResponder{}
}

var _ Responder = (*EchoResponder)(nil)

func (e *EchoResponder) Respond(ctx context.Context, req *a2a.Request) (*a2a.Result, error) {
	reply := a2a.TextMessage(a2a.MessageRoleAgent, "echo: "+req.Params.Message.Text())
	return &a2a.Result{
		ID:            req.Params.TaskID,
		CorrelationID: req.Params.CorrelationID,
		SessionID:     req.Params.SessionID,
		Status:        a2a.StatusSuccess,
		Message:       &reply,
		Metadata:      &a2a.ResultMetadata{ModelUsed: "echo"},
	}, nil
}

func (e *EchoResponder) Stream(ctx context.Context, req *a2a.Request, emit func(a2a.Frame) error) error {
	if err := emit(mustFrame(a2a.FrameStart, a2a.StartData{
		TaskID:        req.Params.TaskID,
		SessionID:     req.Params.SessionID,
		CorrelationID: req.Params.CorrelationID,
	})); err != nil {
		return err
	}

	words := strings.Fields("echo: " + req.Params.Message.Text())
	for i, word := range words {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.ChunkDelay > 0 {
			select {
			case <-time.After(e.ChunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		text := word
		if i < len(words)-1 {
			text += " "
		}
		seq := int64(i + 1)
		if err := emit(mustFrame(a2a.FrameMessage, a2a.MessageData{Text: text, Seq: &seq})); err != nil {
			return err
		}
	}

	return emit(mustFrame(a2a.FrameDone, a2a.DoneData{
		Metadata: &a2a.ResultMetadata{ModelUsed: "echo", TokensUsed: len(words)},
	}))
}

func mustFrame(event a2a.FrameEvent, payload any) a2a.Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("unencodable frame payload: %v", err))
	}
	return a2a.Frame{Event: event, Data: raw}
}
