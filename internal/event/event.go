// Package event defines the server event envelope and payload types for the
// Tether event stream, and decodes them once at the stream boundary.
//
// The remote server pushes events as JSON objects of the form
// {"type": "...", "properties": {...}}. Each known type maps to a concrete
// Event value; unrecognized types decode to UnknownEvent so that protocol
// additions never break the client.
package event

import (
	"encoding/json"
	"fmt"
)

// Event type names pushed by the server.
const (
	TypeServerConnected   = "server.connected"
	TypeSessionUpdated    = "session.updated"
	TypeSessionIdle       = "session.idle"
	TypeSessionError      = "session.error"
	TypeMessageUpdated    = "message.updated"
	TypeMessageRemoved    = "message.removed"
	TypePartUpdated       = "message.part.updated"
	TypePermissionUpdated = "permission.updated"
	TypePermissionReplied = "permission.replied"
)

// Event is a decoded server event. The concrete type identifies the event
// kind; EventType returns the wire name for logging.
type Event interface {
	EventType() string
}

// Envelope is the wire framing of a server event.
type Envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SessionTime carries session timestamps in Unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// SessionInfo is the server's view of a session.
type SessionInfo struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Directory string      `json:"directory"`
	Time      SessionTime `json:"time"`
}

// MessageTime carries message timestamps in Unix milliseconds.
// Completed is zero while the message is still streaming.
type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// MessageInfo is the server's view of a message, without its parts.
// Key echoes the client-supplied correlation key for user messages.
type MessageInfo struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"`
	Key       string      `json:"key,omitempty"`
	Error     string      `json:"error,omitempty"`
	Time      MessageTime `json:"time"`
}

// PermissionInfo describes a tool-use approval request.
type PermissionInfo struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID,omitempty"`
	CallID    string         `json:"callID,omitempty"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Created   int64          `json:"created"`
}

// ServerConnected signals that the event stream is established.
type ServerConnected struct{}

func (ServerConnected) EventType() string { return TypeServerConnected }

// SessionUpdated carries a new snapshot of session metadata.
type SessionUpdated struct {
	Info SessionInfo `json:"info"`
}

func (SessionUpdated) EventType() string { return TypeSessionUpdated }

// SessionIdle signals that the session's in-flight turn has finished.
type SessionIdle struct {
	SessionID string `json:"sessionID"`
}

func (SessionIdle) EventType() string { return TypeSessionIdle }

// SessionError reports a server-side session failure.
type SessionError struct {
	SessionID string `json:"sessionID"`
	Message   string `json:"message"`
}

func (SessionError) EventType() string { return TypeSessionError }

// MessageUpdated carries message metadata, sent when a message is created
// or finalized.
type MessageUpdated struct {
	Info MessageInfo `json:"info"`
}

func (MessageUpdated) EventType() string { return TypeMessageUpdated }

// MessageRemoved signals that a message was discarded server-side,
// for example by a revert.
type MessageRemoved struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

func (MessageRemoved) EventType() string { return TypeMessageRemoved }

// PartUpdated carries one part delta for a message.
type PartUpdated struct {
	Part Part
}

func (PartUpdated) EventType() string { return TypePartUpdated }

// PermissionUpdated announces a pending tool-use approval request.
type PermissionUpdated struct {
	Request PermissionInfo
}

func (PermissionUpdated) EventType() string { return TypePermissionUpdated }

// PermissionReplied signals a permission request was answered, possibly by
// another client of the same session.
type PermissionReplied struct {
	SessionID    string `json:"sessionID"`
	PermissionID string `json:"permissionID"`
	Response     string `json:"response"`
}

func (PermissionReplied) EventType() string { return TypePermissionReplied }

// UnknownEvent preserves an event whose type this client does not know.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) EventType() string { return e.Type }

// Decode parses a single event payload. Unknown event types are returned as
// UnknownEvent, not an error; an error means the envelope itself is malformed.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse event envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("event envelope has no type")
	}

	switch env.Type {
	case TypeServerConnected:
		return ServerConnected{}, nil

	case TypeSessionUpdated:
		var ev SessionUpdated
		if err := json.Unmarshal(env.Properties, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", env.Type, err)
		}
		return ev, nil

	case TypeSessionIdle:
		var ev SessionIdle
		if err := json.Unmarshal(env.Properties, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", env.Type, err)
		}
		return ev, nil

	case TypeSessionError:
		var ev SessionError
		if err := json.Unmarshal(env.Properties, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", env.Type, err)
		}
		return ev, nil

	case TypeMessageUpdated:
		var ev MessageUpdated
		if err := json.Unmarshal(env.Properties, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", env.Type, err)
		}
		return ev, nil

	case TypeMessageRemoved:
		var ev MessageRemoved
		if err := json.Unmarshal(env.Properties, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", env.Type, err)
		}
		return ev, nil

	case TypePartUpdated:
		var props struct {
			Part json.RawMessage `json:"part"`
		}
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", env.Type, err)
		}
		part, err := DecodePart(props.Part)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", env.Type, err)
		}
		return PartUpdated{Part: part}, nil

	case TypePermissionUpdated:
		var req PermissionInfo
		if err := json.Unmarshal(env.Properties, &req); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", env.Type, err)
		}
		return PermissionUpdated{Request: req}, nil

	case TypePermissionReplied:
		var ev PermissionReplied
		if err := json.Unmarshal(env.Properties, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", env.Type, err)
		}
		return ev, nil

	default:
		return UnknownEvent{Type: env.Type, Raw: env.Properties}, nil
	}
}
