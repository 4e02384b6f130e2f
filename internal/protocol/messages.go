// Package protocol defines the WebSocket message types for stream ingestion.
// All messages are JSON-encoded and wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "threadvault-stream-v1"

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → Server
	MsgRunStart    MessageType = "run.start"
	MsgStreamEvent MessageType = "stream.event"
	MsgRunEnd      MessageType = "run.end"
	MsgPing        MessageType = "ping"

	// Server → Client
	MsgRunStarted   MessageType = "run.started"
	MsgRunSnapshot  MessageType = "run.snapshot"
	MsgRunPersisted MessageType = "run.persisted"
	MsgPong         MessageType = "pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadRequest    = "bad_request"
	CodeNoRun         = "no_run"
	CodeRunActive     = "run_active"
	CodeStreamError   = "stream_error"
	CodeLoadFailed    = "load_failed"
	CodePersistFailed = "persist_failed"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation.
	ThreadID  string          `json:"thread_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Client → Server payloads ---

// RunStartPayload opens a run on a thread. The thread's stored history is
// loaded and becomes the starting state of the run.
type RunStartPayload struct {
	ThreadID string `json:"thread_id"`
}

// StreamEventPayload carries one server-sent stream event.
type StreamEventPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// RunEndPayload closes the run and persists its messages.
type RunEndPayload struct {
	Roles  []string `json:"roles,omitempty"`  // Message types to persist. Empty = all.
	Strict bool     `json:"strict,omitempty"` // Report the first failed append as an error.
}

// --- Server → Client payloads ---

// RunStartedPayload confirms a run and reports how much history was loaded.
type RunStartedPayload struct {
	ThreadID     string `json:"thread_id"`
	RunID        string `json:"run_id"`
	HistoryCount int    `json:"history_count"`
}

// SnapshotPayload is the full ordered message list after an event.
type SnapshotPayload struct {
	Messages json.RawMessage `json:"messages"`
}

// RunPersistedPayload reports the outcome of persisting a run.
type RunPersistedPayload struct {
	Count  int `json:"count"`  // Messages newly persisted.
	Failed int `json:"failed"` // Appends that failed.
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
