// Package transcript merges three independently-arriving message
// streams — optimistic local sends, live socket events, and paginated
// history — into one deduplicated, chronologically ordered transcript.
// All state is owned by a single fold goroutine draining one queue;
// callers only ever see copied snapshots.
package transcript

// Sender identifies who produced a transcript entry.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// EntryType identifies the kind of transcript entry.
type EntryType string

const (
	TypeMessage        EntryType = "message"
	TypeArtifactUpload EntryType = "artifact_upload"
	TypeSystemEvent    EntryType = "system_event"
)

// RecordingPlaceholder is the text of the optimistic user entry shown
// while a voice turn is being recorded, before the server echoes the
// recognized input back.
const RecordingPlaceholder = "..."

// Message is a single transcript entry.
//
// ID is unique within the reconciled transcript: server-assigned for
// confirmed events, locally generated for optimistic sends until the
// server copy arrives and the duplicate collapses.
type Message struct {
	ID         string    `json:"id"`
	Sender     Sender    `json:"sender"`
	Text       string    `json:"text"`
	IsMarkdown bool      `json:"is_markdown"`
	// Timestamp is an ISO-8601 string and the source of ordering truth
	// when merging historical and live messages.
	Timestamp string    `json:"timestamp"`
	Type      EntryType `json:"type"`

	// Populated for TypeArtifactUpload.
	ArtifactURL  string `json:"artifact_url,omitempty"`
	ArtifactType string `json:"artifact_type,omitempty"`

	// Populated for TypeSystemEvent.
	SystemEventType string `json:"system_event_type,omitempty"`
}

// Snapshot is the engine's published output: the merged transcript plus
// derived flags and pagination state. Slices are copies; mutating a
// snapshot never affects the engine.
type Snapshot struct {
	Transcript []Message
	SessionID  string

	// IsAssistantSpeaking is set while assistant audio playback is
	// active; IsAssistantTyping is a presentation heuristic derived
	// from an open streaming message on a fixed tick, not a
	// server-confirmed signal.
	IsAssistantSpeaking bool
	IsAssistantTyping   bool

	HasMoreHistory   bool
	IsLoadingHistory bool
	HistoryError     string
}
