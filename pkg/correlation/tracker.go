// Package correlation tracks in-flight request correlation.
//
// Every dispatched request registers an Entry keyed strictly by
// (sessionID, requestID), never globally by requestID alone, so request-id
// reuse by a misbehaving transport can't leak results across sessions. The
// requestID is unique per attempt; the correlationID survives retries of the
// same logical request. Inbound frames with no live entry are orphans: they
// are logged and counted, never surfaced to the caller.
package correlation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is the ephemeral mapping from a dispatched request to the pending
// turn it will resolve.
type Entry struct {
	RequestID     string
	SessionID     string
	CorrelationID string

	// TurnID is the transcript turn this request resolves into. Empty until
	// the response turn is created.
	TurnID string

	// Attempts counts dispatches of this logical request, starting at 1.
	Attempts int

	// Deadline is when the entry expires; zero means no deadline.
	Deadline time.Time

	CreatedAt time.Time
}

// ErrNoEntry is returned by Lookup when no live entry matches; the frame is
// an orphan and must be discarded.
var ErrNoEntry = errors.New("no matching correlation entry")

// ErrCorrelationReused is returned when a correlation id is presented for a
// session other than the one it was issued to.
var ErrCorrelationReused = errors.New("correlation id reused across sessions")

type entryKey struct {
	sessionID string
	requestID string
}

// Tracker is the in-flight correlation registry. All methods are safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries map[entryKey]*Entry
	// byCorrelation indexes live entries by correlation id. A correlation id
	// belongs to exactly one session for its whole lifetime.
	byCorrelation map[string]entryKey

	orphans int64

	// OnOrphan, when set, is invoked for every discarded orphan. Used to feed
	// the orphan counter.
	OnOrphan func(sessionID, requestID, correlationID string)
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries:       make(map[entryKey]*Entry),
		byCorrelation: make(map[string]entryKey),
	}
}

// Issue registers a new correlation entry for a fresh logical request and
// returns the identifiers to embed in the outbound envelope. A zero ttl means
// no deadline.
func (t *Tracker) Issue(sessionID, turnID string, ttl time.Duration) (*Entry, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	entry := &Entry{
		RequestID:     uuid.NewString(),
		SessionID:     sessionID,
		CorrelationID: uuid.NewString(),
		TurnID:        turnID,
		Attempts:      1,
		CreatedAt:     time.Now(),
	}
	if ttl > 0 {
		entry.Deadline = entry.CreatedAt.Add(ttl)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.register(entry)
	return entry, nil
}

// Reattempt registers a retry of an existing logical request: a fresh
// requestID under the same correlationID, with the attempt count bumped. The
// previous attempt's entry is released.
func (t *Tracker) Reattempt(sessionID, requestID string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := entryKey{sessionID: sessionID, requestID: requestID}
	prev, ok := t.entries[key]
	if !ok {
		return nil, ErrNoEntry
	}
	t.remove(key)

	entry := &Entry{
		RequestID:     uuid.NewString(),
		SessionID:     prev.SessionID,
		CorrelationID: prev.CorrelationID,
		TurnID:        prev.TurnID,
		Attempts:      prev.Attempts + 1,
		Deadline:      prev.Deadline,
		CreatedAt:     time.Now(),
	}
	t.register(entry)
	return entry, nil
}

// Lookup matches an inbound response or frame to its live entry without
// removing it. When both ids are present requestID takes precedence, since it
// is unique per attempt. A miss returns ErrNoEntry after recording the
// orphan; a correlation id owned by a different session returns
// ErrCorrelationReused.
func (t *Tracker) Lookup(sessionID, requestID, correlationID string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if requestID != "" {
		if entry, ok := t.entries[entryKey{sessionID: sessionID, requestID: requestID}]; ok {
			return entry, nil
		}
	}

	if correlationID != "" {
		if key, ok := t.byCorrelation[correlationID]; ok {
			if key.sessionID != sessionID {
				return nil, fmt.Errorf("%w: issued to session %s, presented for session %s",
					ErrCorrelationReused, key.sessionID, sessionID)
			}
			// Only fall back to the correlation id when the frame carried no
			// requestID at all; a stale requestID from a superseded attempt
			// must not resurrect through the correlation index.
			if requestID == "" {
				return t.entries[key], nil
			}
		}
	}

	t.orphan(sessionID, requestID, correlationID)
	return nil, ErrNoEntry
}

// Release removes the entry for a terminal resolution (success, error, or
// cancellation). It is synchronous and non-blocking; releasing an unknown
// entry is a no-op.
func (t *Tracker) Release(sessionID, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(entryKey{sessionID: sessionID, requestID: requestID})
}

// ReleaseSession removes every in-flight entry bound to the session and
// returns them, so callers can stop their reassemblers. Used when a session
// is deleted.
func (t *Tracker) ReleaseSession(sessionID string) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []*Entry
	for key, entry := range t.entries {
		if key.sessionID == sessionID {
			released = append(released, entry)
			t.remove(key)
		}
	}
	return released
}

// SweepExpired removes entries whose deadline has passed and returns them.
func (t *Tracker) SweepExpired(now time.Time) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*Entry
	for key, entry := range t.entries {
		if !entry.Deadline.IsZero() && now.After(entry.Deadline) {
			expired = append(expired, entry)
			t.remove(key)
		}
	}
	return expired
}

// Len returns the number of live entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Orphans returns the number of discarded orphan frames so far.
func (t *Tracker) Orphans() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orphans
}

// register and remove maintain both indexes; callers hold the lock.

func (t *Tracker) register(entry *Entry) {
	key := entryKey{sessionID: entry.SessionID, requestID: entry.RequestID}
	t.entries[key] = entry
	t.byCorrelation[entry.CorrelationID] = key
}

func (t *Tracker) remove(key entryKey) {
	entry, ok := t.entries[key]
	if !ok {
		return
	}
	delete(t.entries, key)
	if cur, ok := t.byCorrelation[entry.CorrelationID]; ok && cur == key {
		delete(t.byCorrelation, entry.CorrelationID)
	}
}

func (t *Tracker) orphan(sessionID, requestID, correlationID string) {
	t.orphans++
	slog.Debug("discarding orphan frame",
		"session_id", sessionID,
		"request_id", requestID,
		"correlation_id", correlationID)
	if t.OnOrphan != nil {
		t.OnOrphan(sessionID, requestID, correlationID)
	}
}
