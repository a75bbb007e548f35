// Package ipc implements the typed, versioned status/request/response bus
// (C4): Envelope, exhaustive Router dispatch, and a rate-limited
// subscriber Bus. It is the typed successor to an ad hoc SSE event map —
// the same "single bus, typed by a tag" shape, generalized to a closed Go
// type switch.
package ipc

import (
	"time"

	"github.com/google/uuid"

	"github.com/ghosttab/orchestrator/internal/ghosterrors"
)

// SchemaVersion is the only envelope schema version this router accepts.
const SchemaVersion = 1

// Type is the closed set of envelope message types.
type Type string

const (
	TypeNavigate   Type = "NAVIGATE"
	TypeScreenshot Type = "SCREENSHOT"
	TypeAXTree     Type = "AX_TREE"
	TypeInjectJS   Type = "INJECT_JS"
	TypeInputEvent Type = "INPUT_EVENT"

	TypeTaskResult Type = "TASK_RESULT"
	TypeTaskError  Type = "TASK_ERROR"
	TypeTaskStatus Type = "TASK_STATUS"
)

// Envelope is the wire-level message shape carried on the bus.
type Envelope struct {
	SchemaVersion int
	MessageID     string
	TaskID        string
	ContextID     string
	Timestamp     time.Time
	Type          Type
	Payload       any
}

// New constructs an Envelope stamped with a fresh UUID MessageID and the
// current time, per §6.
func New(taskID, contextID string, typ Type, payload any) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		MessageID:     uuid.NewString(),
		TaskID:        taskID,
		ContextID:     contextID,
		Timestamp:     time.Now(),
		Type:          typ,
		Payload:       payload,
	}
}

// Validate runs the inbound/outbound header validation boundary: all five
// header fields must be non-empty and schemaVersion must match exactly.
func (e Envelope) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return ghosterrors.Validation("envelope schemaVersion mismatch")
	}
	if e.MessageID == "" {
		return ghosterrors.Validation("envelope messageId is required")
	}
	if e.TaskID == "" {
		return ghosterrors.Validation("envelope taskId is required")
	}
	if e.ContextID == "" {
		return ghosterrors.Validation("envelope contextId is required")
	}
	if e.Timestamp.IsZero() {
		return ghosterrors.Validation("envelope timestamp is required")
	}
	if e.Type == "" {
		return ghosterrors.Validation("envelope type is required")
	}
	return nil
}

// UnknownTypeError converts a malformed inbound message into the
// TASK_ERROR operation=UNKNOWN shape required by §4.4.
func UnknownTypeError(cause error) TaskErrorPayload {
	return TaskErrorPayload{
		Operation: "UNKNOWN",
		Detail:    ghosterrors.FromError(cause),
	}
}
