// Package session holds the client-side canonical view of one chat session:
// the message list, busy/streaming status, the deferred-message queue, the
// permission approval queue, and turn cancellation. All mutation goes
// through the reducer so that events and local actions for one session are
// applied strictly sequentially.
package session

import (
	"errors"
	"time"

	"github.com/inercia/tether/internal/event"
)

var (
	// ErrQueueEmpty is returned when trying to dequeue from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrEntryNotFound is returned when an entry id is not found in the queue.
	ErrEntryNotFound = errors.New("entry not found in queue")
	// ErrPermissionNotFound is returned when a permission id is unknown.
	ErrPermissionNotFound = errors.New("permission request not found")
	// ErrPermissionSettled is returned when responding to a request that is
	// already responded or expired.
	ErrPermissionSettled = errors.New("permission request already settled")
	// ErrPermissionPending is returned when dismissing a request that has
	// not expired yet.
	ErrPermissionPending = errors.New("permission request still pending")
)

// TurnState is the reducer's coarse state for the session's current turn.
type TurnState int

const (
	StateIdle TurnState = iota
	StateBusy
	StateAborting
)

// String returns the lowercase name of the state.
func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// Ident identifies a message. It is a two-variant sum: a message is either
// Pending (local optimistic copy awaiting server confirmation, identified by
// its correlation key) or Confirmed (canonical, identified by its server id
// and still carrying the key it was confirmed under, so replayed
// confirmations stay idempotent).
type Ident interface {
	ident()
}

// Pending identifies an optimistic message by correlation key.
type Pending struct {
	Key string
}

func (Pending) ident() {}

// Confirmed identifies a server-confirmed message.
type Confirmed struct {
	ServerID string
	Key      string
}

func (Confirmed) ident() {}

// Message is one entry of the session transcript.
type Message struct {
	Ident Ident
	Role  string
	Parts []event.Part

	// Err is set when a submit failed or reconciliation timed out.
	// The user retries manually; the message is never silently dropped.
	Err string

	Created   time.Time
	Completed time.Time
}

// IsOptimistic reports whether the message is still awaiting confirmation.
func (m *Message) IsOptimistic() bool {
	_, ok := m.Ident.(Pending)
	return ok
}

// ServerID returns the server-assigned id, or "" while optimistic.
func (m *Message) ServerID() string {
	if c, ok := m.Ident.(Confirmed); ok {
		return c.ServerID
	}
	return ""
}

// CorrelationKey returns the client correlation key the message was
// submitted under, or "" for messages that originated server-side.
func (m *Message) CorrelationKey() string {
	switch id := m.Ident.(type) {
	case Pending:
		return id.Key
	case Confirmed:
		return id.Key
	}
	return ""
}

// Session is the client's view of session metadata.
type Session struct {
	ID        string
	Title     string
	Directory string
	LastError string
	Created   time.Time
	Updated   time.Time
}

// millisToTime converts Unix milliseconds to a time.Time, zero for zero.
func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
