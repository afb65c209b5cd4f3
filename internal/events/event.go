// Package events defines the typed event model shared by producers,
// backends, and transports: event types, payload constructors, the wire
// encoding, and the allow-list filter.
package events

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of payload an event carries. User-defined
// events use the "custom:" prefix, e.g. "custom:fraud_check".
type Type string

const (
	TypeStarted    Type = "started"
	TypeProgress   Type = "progress"
	TypeCheckpoint Type = "checkpoint"
	TypeToken      Type = "token"
	TypeStep       Type = "step"
	TypeComplete   Type = "complete"
	TypeError      Type = "error"
	TypeCancelled  Type = "cancelled"
	TypeHeartbeat  Type = "heartbeat"
)

// CustomPrefix marks user-defined event types.
const CustomPrefix = "custom:"

// Machine-readable codes carried by error events.
const (
	CodeInternal      = "INTERNAL_ERROR"
	CodeTimeout       = "TIMEOUT"
	CodePublishFailed = "PUBLISH_FAILED"
	CodeOverflow      = "STREAM_OVERFLOW"
)

// Custom returns the effective event type for a user-defined name.
func Custom(name string) Type { return Type(CustomPrefix + name) }

// IsCustom reports whether t is a user-defined event type.
func (t Type) IsCustom() bool { return strings.HasPrefix(string(t), CustomPrefix) }

// CustomName returns the bare name of a user-defined type, or "" for
// built-in types.
func (t Type) CustomName() string {
	if !t.IsCustom() {
		return ""
	}
	return string(t)[len(CustomPrefix):]
}

// Terminal reports whether t ends a run. Exactly one terminal event is
// published per run.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError || t == TypeCancelled
}

// Mandatory reports whether t bypasses filter configuration. Lifecycle
// events are always emitted.
func (t Type) Mandatory() bool {
	return t == TypeStarted || t.Terminal()
}

// Event is a single immutable record in a run's stream. Sequence numbers
// are dense per run, start at 0, and are assigned by the producer after
// the filter has admitted the event. Payload fields are flat on the wire;
// only the fields of the event's type are populated.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"ts"`

	// started
	AgentName string `json:"agent_name,omitempty"`
	Framework string `json:"framework,omitempty"`

	// progress
	Step     string   `json:"step,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`

	// checkpoint and custom
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`

	// token
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	// step
	NodeName   string   `json:"node_name,omitempty"`
	DurationMs *int64   `json:"duration_ms,omitempty"`
	InputKeys  []string `json:"input_keys,omitempty"`
	OutputKeys []string `json:"output_keys,omitempty"`

	// complete
	Output         any      `json:"output,omitempty"`
	LatencySeconds *float64 `json:"latency_seconds,omitempty"`

	// started and complete
	Metadata map[string]any `json:"metadata,omitempty"`

	// error
	Error   string         `json:"error,omitempty"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	// cancelled
	Reason string `json:"reason,omitempty"`
}

func newID() string {
	u := uuid.New()
	return "evt-" + hex.EncodeToString(u[:6])
}

func newEvent(t Type, runID string) Event {
	return Event{
		ID:        newID(),
		Type:      t,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}

// NewStarted builds the run-start event. metadata may be nil.
func NewStarted(runID, agentName, framework string, metadata map[string]any) Event {
	e := newEvent(TypeStarted, runID)
	e.AgentName = agentName
	e.Framework = framework
	e.Metadata = metadata
	return e
}

// NewProgress builds a progress event. progress is clamped to [0, 1].
func NewProgress(runID, step string, progress float64, message string) Event {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	e := newEvent(TypeProgress, runID)
	e.Step = step
	e.Progress = &progress
	e.Message = message
	return e
}

// NewCheckpoint builds a checkpoint event carrying a named state snapshot.
func NewCheckpoint(runID, name string, data map[string]any) Event {
	e := newEvent(TypeCheckpoint, runID)
	e.Name = name
	e.Data = data
	return e
}

// NewToken builds a token event for incremental model output. finishReason
// is empty for all but the last token of a generation.
func NewToken(runID, content, finishReason string) Event {
	e := newEvent(TypeToken, runID)
	e.Content = content
	e.FinishReason = finishReason
	return e
}

// NewStep builds a step event for a completed graph node. A zero duration
// means the duration was not measured and is omitted from the wire form.
func NewStep(runID, nodeName string, duration time.Duration, inputKeys, outputKeys []string) Event {
	e := newEvent(TypeStep, runID)
	e.NodeName = nodeName
	if duration > 0 {
		ms := duration.Milliseconds()
		e.DurationMs = &ms
	}
	e.InputKeys = inputKeys
	e.OutputKeys = outputKeys
	return e
}

// NewComplete builds the successful terminal event. A zero latency is
// omitted from the wire form.
func NewComplete(runID string, output any, latency time.Duration, metadata map[string]any) Event {
	e := newEvent(TypeComplete, runID)
	e.Output = output
	if latency > 0 {
		s := latency.Seconds()
		e.LatencySeconds = &s
	}
	e.Metadata = metadata
	return e
}

// NewError builds the failure terminal event. An empty code defaults to
// CodeInternal.
func NewError(runID, message, code string, details map[string]any) Event {
	if code == "" {
		code = CodeInternal
	}
	e := newEvent(TypeError, runID)
	e.Error = message
	e.Code = code
	e.Details = details
	return e
}

// NewCancelled builds the cancellation terminal event.
func NewCancelled(runID, reason string) Event {
	e := newEvent(TypeCancelled, runID)
	e.Reason = reason
	return e
}

// NewHeartbeat builds a liveness event. Heartbeats carry no payload and
// may be omitted from replay.
func NewHeartbeat(runID string) Event {
	return newEvent(TypeHeartbeat, runID)
}

// NewCustom builds a user-defined event. The name becomes part of the
// type ("custom:<name>") and the payload travels under "data".
func NewCustom(runID, name string, data map[string]any) Event {
	e := newEvent(Custom(name), runID)
	e.Data = data
	return e
}

// SSE renders the event as a Server-Sent Events frame:
//
//	event: <type>
//	data: <json>
//
// followed by a blank line.
func (e Event) SSE() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	var b bytes.Buffer
	b.Grow(len(data) + len(e.Type) + 16)
	b.WriteString("event: ")
	b.WriteString(string(e.Type))
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}

// ParseEvent decodes a JSON event from a backend or a remote peer.
// Unknown types are preserved as-is so readers stay compatible with
// newer producers.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("parse event: missing type field")
	}
	if e.RunID == "" {
		return Event{}, fmt.Errorf("parse event: missing run_id field")
	}
	return e, nil
}
