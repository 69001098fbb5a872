// Package client is the HTTP transport for the agent protocol: synchronous
// JSON-RPC calls and SSE streaming.
package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/strand-agents/strand/pkg/a2a"
	"github.com/strand-agents/strand/pkg/retry"
)

const (
	rpcPath    = "/rpc"
	streamPath = "/rpc/stream"

	defaultIdleTimeout = 60 * time.Second
)

// Client talks to one agent endpoint.
type Client struct {
	baseURL     string
	token       string
	client      *http.Client
	idleTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithToken sets a bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithIdleTimeout sets the maximum gap between stream frames before the
// stream is failed with retry.ErrIdleTimeout. Zero disables the watchdog.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// New creates a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// Streams can be long-lived; per-request deadlines come from the
		// caller's context and the idle watchdog, not a client-wide timeout.
		client:      &http.Client{},
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send issues a synchronous JSON-RPC request and returns the decoded result.
// A JSON-RPC error response is returned as *a2a.Error; HTTP-level failures as
// *retry.HTTPStatusError so the retry policy can classify them.
func (c *Client) Send(ctx context.Context, requestID, method string, params a2a.MessageSendParams) (*a2a.Result, error) {
	body, err := a2a.EncodeRequest(requestID, method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.post(ctx, c.baseURL+rpcPath, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	env, err := a2a.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case a2a.EnvelopeError:
		return nil, env.Response.Error
	case a2a.EnvelopeResult:
		return env.Response.Result, nil
	default:
		return nil, fmt.Errorf("%w: streaming frame on the sync endpoint", a2a.ErrMalformedEnvelope)
	}
}

// StreamResult is one delivery from an open stream: a frame, or a terminal
// error. After an error the channel is closed.
type StreamResult struct {
	Frame *a2a.Frame
	Err   error
}

// Stream opens an SSE stream for the request and delivers frames on the
// returned channel. The channel closes when the server ends the stream, the
// context is cancelled, or the idle watchdog fires (delivered as
// retry.ErrIdleTimeout). Connection establishment errors are returned
// synchronously; mid-stream faults arrive on the channel.
func (c *Client) Stream(ctx context.Context, requestID, method string, params a2a.MessageSendParams) (<-chan StreamResult, error) {
	body, err := a2a.EncodeRequest(requestID, method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	// The stream context outlives this call; the watchdog cancels it to
	// unblock the body read when frames stop arriving.
	streamCtx, cancel := context.WithCancel(ctx)

	resp, err := c.post(streamCtx, c.baseURL+streamPath, body, "text/event-stream")
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := c.statusError(resp)
		resp.Body.Close()
		cancel()
		return nil, err
	}

	results := make(chan StreamResult, 10)

	var watchdog *time.Timer
	idleFired := make(chan struct{})
	if c.idleTimeout > 0 {
		// Reset can re-arm a timer whose callback already ran; the Once keeps
		// a second firing from closing idleFired twice.
		var fired sync.Once
		watchdog = time.AfterFunc(c.idleTimeout, func() {
			fired.Do(func() { close(idleFired) })
			cancel()
		})
	}

	go func() {
		defer close(results)
		defer cancel()
		defer resp.Body.Close()
		if watchdog != nil {
			defer watchdog.Stop()
		}

		// deliver parks on the channel only while the caller is still there.
		// A consumer that stops reading cancels its context; without the
		// guard a full buffer would strand this goroutine and the open
		// response forever.
		deliver := func(res StreamResult) bool {
			select {
			case results <- res:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// bufio.Reader.ReadBytes instead of bufio.Scanner: Scanner's default
		// 64KB limit fails on large payloads (base64 file parts in tool
		// results).
		reader := bufio.NewReader(resp.Body)

		var currentData string
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					return
				}
				select {
				case <-idleFired:
					deliver(StreamResult{Err: retry.ErrIdleTimeout})
				default:
					if ctx.Err() != nil {
						// Caller cancelled; not a stream fault.
						return
					}
					slog.Debug("SSE stream read error", "error", err)
					deliver(StreamResult{Err: fmt.Errorf("stream read failed: %w", err)})
				}
				return
			}

			lineStr := strings.TrimSpace(string(line))
			switch {
			case strings.HasPrefix(lineStr, "data: "):
				currentData = strings.TrimPrefix(lineStr, "data: ")
			case strings.HasPrefix(lineStr, ":"):
				// comment/keepalive line
			case lineStr == "" && currentData != "":
				frame, err := decodeStreamPayload(currentData)
				currentData = ""
				if err != nil {
					deliver(StreamResult{Err: err})
					return
				}
				if watchdog != nil {
					watchdog.Reset(c.idleTimeout)
				}
				if !deliver(StreamResult{Frame: frame}) {
					return
				}
				if frame.Event.Terminal() {
					return
				}
			}
		}
	}()

	return results, nil
}

// decodeStreamPayload accepts either a bare frame or a frame wrapped in a
// JSON-RPC response envelope, which some agent servers emit.
func decodeStreamPayload(data string) (*a2a.Frame, error) {
	env, err := a2a.DecodeEnvelope([]byte(data))
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case a2a.EnvelopeFrame:
		return env.Frame, nil
	case a2a.EnvelopeError:
		return nil, env.Response.Error
	default:
		return nil, fmt.Errorf("%w: sync response on the stream endpoint", a2a.ErrMalformedEnvelope)
	}
}

func (c *Client) post(ctx context.Context, url string, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &retry.HTTPStatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
