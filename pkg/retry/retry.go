// Package retry wraps outbound calls with bounded exponential backoff.
// Policy (the numbers) is separated from mechanism (the scheduling): the
// driver consumes a Policy and a Clock, so retry counts and delays are
// deterministically testable without wall-clock waits.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/strand-agents/strand/pkg/a2a"
)

// Policy holds the retry numbers.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt, so at
	// most MaxRetries+1 attempts occur.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// BackoffMultiplier scales the delay per retry: delay before retry n
	// (1-indexed) is BaseDelay * BackoffMultiplier^(n-1).
	BackoffMultiplier float64

	// Timeout bounds each individual attempt. Zero disables the bound.
	Timeout time.Duration

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// JitterFactor adds up to ±JitterFactor of randomness to each delay to
	// avoid thundering herd against the same agent endpoint (0.0-1.0).
	JitterFactor float64
}

// DefaultPolicy returns the defaults used when config leaves retry unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           60 * time.Second,
		MaxDelay:          30 * time.Second,
		JitterFactor:      0.1,
	}
}

// Clock abstracts scheduling so tests can drive retries without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrIdleTimeout marks a stream that produced no terminal frame within the
// configured idle window. Classified as a transport fault, so retryable.
var ErrIdleTimeout = errors.New("stream idle timeout")

// Error wraps the last failure after retries were exhausted. The underlying
// error is preserved verbatim via Unwrap.
type Error struct {
	Op       string
	Attempts int
	LastErr  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.LastErr)
}

func (e *Error) Unwrap() error { return e.LastErr }

// Retryer drives retries for a fixed policy.
type Retryer struct {
	policy Policy
	clock  Clock
	jitter func() float64

	// OnRetry, if set, is invoked before each retry sleep. Used for
	// metrics; never for control flow.
	OnRetry func(op string, attempt int, delay time.Duration, err error)
}

// Option customizes a Retryer.
type Option func(*Retryer)

// WithClock substitutes the scheduling clock.
func WithClock(c Clock) Option {
	return func(r *Retryer) { r.clock = c }
}

// WithJitterSource substitutes the jitter randomness (a func in [0,1)).
func WithJitterSource(fn func() float64) Option {
	return func(r *Retryer) { r.jitter = fn }
}

// New creates a Retryer, filling unset policy fields from DefaultPolicy.
func New(p Policy, opts ...Option) *Retryer {
	def := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}

	r := &Retryer{policy: p, clock: realClock{}, jitter: rand.Float64}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retryer) Policy() Policy { return r.policy }

// Do runs fn with retries. Each attempt gets its own context bounded by the
// policy timeout. On exhaustion the last error is wrapped in *Error and
// preserved verbatim underneath; terminal errors return immediately.
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult runs fn with retries and returns its value.
func DoWithResult[T any](ctx context.Context, r *Retryer, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if r.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		result, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryable := Retryable(err)
		if !retryable && cancel != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The per-attempt deadline fired, not the caller's context:
			// that is a network timeout and retries.
			retryable = true
		}
		if !retryable || ctx.Err() != nil {
			slog.Debug("non-retryable failure", "op", op, "error", err)
			return zero, err
		}

		if attempt == r.policy.MaxRetries {
			break
		}

		delay := r.delay(attempt + 1)
		slog.Debug("retrying",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", r.policy.MaxRetries+1,
			"delay", delay,
			"error", err)
		if r.OnRetry != nil {
			r.OnRetry(op, attempt+1, delay, err)
		}
		if err := r.clock.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, &Error{Op: op, Attempts: r.policy.MaxRetries + 1, LastErr: lastErr}
}

// delay computes the backoff before retry n (1-indexed), with jitter and cap.
func (r *Retryer) delay(n int) time.Duration {
	d := time.Duration(float64(r.policy.BaseDelay) * math.Pow(r.policy.BackoffMultiplier, float64(n-1)))
	if r.policy.JitterFactor > 0 {
		j := time.Duration((r.jitter()*2 - 1) * r.policy.JitterFactor * float64(d))
		d += j
	}
	if r.policy.MaxDelay > 0 && d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Retryable classifies a failure. Transport faults (network errors,
// timeouts, 5xx, stream idle timeouts) are retryable; JSON-RPC errors
// signaling client-side faults are terminal; context cancellation on the
// caller's side is never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The attempt context deadline shows up as a net timeout below; a
		// bare deadline here means the caller's context expired.
		return false
	}

	var rpcErr *a2a.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Retryable()
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}

	if errors.Is(err, ErrIdleTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var exhausted *Error
	if errors.As(err, &exhausted) {
		return false
	}

	// Connection-level failures from the HTTP client arrive as *url.Error
	// wrapping syscall errors; treat any remaining opaque error from the
	// transport as retryable only when explicitly marked.
	return errors.Is(err, ErrTransport)
}

// ErrTransport marks an otherwise opaque failure as a transport fault.
// Wrap with fmt.Errorf("...: %w", retry.ErrTransport) to opt in to retries.
var ErrTransport = errors.New("transport failure")

// HTTPStatusError reports a non-2xx HTTP status from the agent endpoint.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}
