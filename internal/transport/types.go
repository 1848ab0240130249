// Package transport provides the realtime WebSocket connection to the
// concierge agent service. It owns framing and encoding for one
// bidirectional connection; lifecycle policy (reconnection, backoff)
// belongs to the session manager.
package transport

import "fmt"

// MessageType identifies a wire envelope.
type MessageType string

const (
	// Client -> server.
	TypeText    MessageType = "text"
	TypeAudio   MessageType = "audio"
	TypeVideo   MessageType = "video"
	TypeControl MessageType = "control"

	// Server -> client.
	TypeSessionID    MessageType = "session_id"
	TypeReady        MessageType = "ready"
	TypeAgentReady   MessageType = "agent_ready" // legacy alias for ready
	TypeUserInput    MessageType = "user_input"
	TypeTurnComplete MessageType = "turn_complete"
	TypeInterrupted  MessageType = "interrupted"
	TypeError        MessageType = "error"
)

// Control signals carried in a TypeControl envelope's data field.
const (
	ControlInterrupt  = "interrupt"
	ControlPing       = "ping"
	ControlStartVideo = "start_video"
	ControlStopVideo  = "stop_video"
	ControlEndAudio   = "end_audio"
)

// Envelope is the JSON frame exchanged with the agent service.
// Binary payloads (audio chunks, video frames) are base64-encoded
// into Data with their media type in Mime.
type Envelope struct {
	Type    MessageType `json:"type"`
	Data    string      `json:"data,omitempty"`
	Mime    string      `json:"mime,omitempty"`
	EventID string      `json:"event_id,omitempty"`
}

// TextEvent is an inbound text frame. Kind distinguishes an echo of
// recognized user input (TypeUserInput) from an assistant delta
// (TypeText). EventID is the server-assigned event id when the event
// is also persisted to session history; it may be empty.
type TextEvent struct {
	Kind    MessageType
	Data    string
	EventID string
}

// Handlers receives inbound events from the connection. Nil fields are
// skipped. Handlers are invoked sequentially from the read loop in
// transport delivery order.
type Handlers struct {
	OnReady        func()
	OnSessionID    func(id string)
	OnText         func(ev TextEvent)
	OnAudio        func()
	OnTurnComplete func()
	OnInterrupted  func()
	OnError        func(err error)
	OnClose        func()
}

// ConnectionError indicates the connection could not be established or
// dropped at the transport level.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("agent connection %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
