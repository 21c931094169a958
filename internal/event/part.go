package event

import (
	"encoding/json"
	"fmt"
)

// Part kind names on the wire.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartTool       = "tool"
	PartFile       = "file"
	PartStepStart  = "step-start"
	PartStepFinish = "step-finish"
	PartPatch      = "patch"
)

// Tool invocation states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Part is one typed fragment of a message. Concrete types form a closed set;
// anything else decodes to UnknownPart.
type Part interface {
	// Kind returns the wire name of the part type.
	Kind() string
	// PartID returns the part's id, unique within its message.
	PartID() string
	// Message returns the (sessionID, messageID) pair the part belongs to.
	Message() (sessionID, messageID string)
}

// partHeader holds the fields common to every part kind.
type partHeader struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

func (h partHeader) PartID() string            { return h.ID }
func (h partHeader) Message() (string, string) { return h.SessionID, h.MessageID }

// TimeRange marks the start and optional end of an operation, Unix millis.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end,omitempty"`
}

// TextPart is streamed assistant or user text.
type TextPart struct {
	partHeader
	Text string     `json:"text"`
	Time *TimeRange `json:"time,omitempty"`
}

func (TextPart) Kind() string { return PartText }

// ReasoningPart is streamed model thinking text.
type ReasoningPart struct {
	partHeader
	Text string     `json:"text"`
	Time *TimeRange `json:"time,omitempty"`
}

func (ReasoningPart) Kind() string { return PartReasoning }

// ToolState tracks a tool invocation through
// pending -> running -> completed/error.
type ToolState struct {
	Status string         `json:"status"`
	Title  string         `json:"title,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Time   *TimeRange     `json:"time,omitempty"`
}

// ToolPart is a tool invocation within a message.
type ToolPart struct {
	partHeader
	CallID string    `json:"callID"`
	Tool   string    `json:"tool"`
	State  ToolState `json:"state"`
}

func (ToolPart) Kind() string { return PartTool }

// FilePart is a file attachment reference.
type FilePart struct {
	partHeader
	MIME     string `json:"mime"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url"`
}

func (FilePart) Kind() string { return PartFile }

// StepStartPart marks the start of one agent reasoning step.
type StepStartPart struct {
	partHeader
}

func (StepStartPart) Kind() string { return PartStepStart }

// TokenUsage reports token counts for a finished step.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
}

// StepFinishPart marks the end of one agent reasoning step.
type StepFinishPart struct {
	partHeader
	Tokens TokenUsage `json:"tokens"`
	Cost   float64    `json:"cost"`
}

func (StepFinishPart) Kind() string { return PartStepFinish }

// PatchPart records server-side file changes made during the turn.
type PatchPart struct {
	partHeader
	Hash  string   `json:"hash"`
	Files []string `json:"files"`
}

func (PatchPart) Kind() string { return PartPatch }

// UnknownPart preserves a part whose kind this client does not know.
type UnknownPart struct {
	partHeader
	Type string
	Raw  json.RawMessage
}

func (p UnknownPart) Kind() string { return p.Type }

// NewTextPart builds a text part locally. Used for optimistic messages
// created before the server has confirmed them.
func NewTextPart(sessionID, messageID, partID, text string) TextPart {
	return TextPart{
		partHeader: partHeader{ID: partID, SessionID: sessionID, MessageID: messageID},
		Text:       text,
	}
}

// DecodePart parses one part payload into its concrete type.
func DecodePart(data []byte) (Part, error) {
	var probe struct {
		partHeader
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse part: %w", err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("part has no type")
	}

	switch probe.Type {
	case PartText:
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s part: %w", probe.Type, err)
		}
		return p, nil
	case PartReasoning:
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s part: %w", probe.Type, err)
		}
		return p, nil
	case PartTool:
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s part: %w", probe.Type, err)
		}
		return p, nil
	case PartFile:
		var p FilePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s part: %w", probe.Type, err)
		}
		return p, nil
	case PartStepStart:
		var p StepStartPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s part: %w", probe.Type, err)
		}
		return p, nil
	case PartStepFinish:
		var p StepFinishPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s part: %w", probe.Type, err)
		}
		return p, nil
	case PartPatch:
		var p PatchPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s part: %w", probe.Type, err)
		}
		return p, nil
	default:
		return UnknownPart{
			partHeader: probe.partHeader,
			Type:       probe.Type,
			Raw:        append(json.RawMessage(nil), data...),
		}, nil
	}
}
