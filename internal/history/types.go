// Package history retrieves past session events from the concierge
// history REST API, one page at a time. Retry policy belongs to the
// caller; a failed fetch surfaces as a *FetchError and nothing more.
package history

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the content shape of a history event.
type EventType string

const (
	EventMessage        EventType = "message"
	EventArtifactUpload EventType = "artifact_upload"
	EventSystemEvent    EventType = "system_event"
)

// Metadata is common to every history event.
type Metadata struct {
	Timestamp string    `json:"timestamp"` // ISO-8601
	EventType EventType `json:"event_type"`
	WeddingID string    `json:"wedding_id"`
}

// MessageContent is the content of an EventMessage.
type MessageContent struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"` // "user" | "assistant"
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
}

// ArtifactContent is the content of an EventArtifactUpload.
type ArtifactContent struct {
	ArtifactID  string `json:"artifact_id"`
	Filename    string `json:"filename"`
	FileURL     string `json:"file_url"`
	ContentType string `json:"content_type,omitempty"`
}

// SystemContent is the content of an EventSystemEvent.
type SystemContent struct {
	EventName string         `json:"event_name"`
	Details   map[string]any `json:"details,omitempty"`
}

// Event is one history entry. Exactly one of Message, Artifact, or
// System is set, dispatched by Metadata.EventType. Events with an
// unknown type keep their content in Raw instead of failing the page.
type Event struct {
	Metadata Metadata
	Message  *MessageContent
	Artifact *ArtifactContent
	System   *SystemContent
	Raw      json.RawMessage
}

// wireEvent is the on-the-wire shape before content dispatch.
type wireEvent struct {
	Metadata Metadata        `json:"metadata"`
	Content  json.RawMessage `json:"content"`
}

// UnmarshalJSON decodes the metadata and then the content variant
// selected by event_type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Metadata = w.Metadata

	switch w.Metadata.EventType {
	case EventMessage:
		var c MessageContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return fmt.Errorf("decode message content: %w", err)
		}
		e.Message = &c
	case EventArtifactUpload:
		var c ArtifactContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return fmt.Errorf("decode artifact content: %w", err)
		}
		e.Artifact = &c
	case EventSystemEvent:
		var c SystemContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return fmt.Errorf("decode system content: %w", err)
		}
		e.System = &c
	default:
		e.Raw = append(json.RawMessage(nil), w.Content...)
	}
	return nil
}

// MarshalJSON restores the wire shape, used by the dev agent emulator.
func (e Event) MarshalJSON() ([]byte, error) {
	var content any
	switch {
	case e.Message != nil:
		content = e.Message
	case e.Artifact != nil:
		content = e.Artifact
	case e.System != nil:
		content = e.System
	case e.Raw != nil:
		content = e.Raw
	default:
		content = struct{}{}
	}
	return json.Marshal(wireEvent{Metadata: e.Metadata, Content: mustRaw(content)})
}

func mustRaw(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// Page is one server-returned batch of events. Events within a page
// are ordered newest-relevant-first for the fetch window; the
// transcript engine reverses each page before prepending it.
type Page struct {
	Events      []Event `json:"events"`
	TotalEvents int     `json:"total_events"`
	HasMore     bool    `json:"has_more"`
}

// FetchError indicates a single page fetch failed.
type FetchError struct {
	Status int // HTTP status, 0 when the request never completed
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("history fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("history fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
