package history

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDecodeDispatch(t *testing.T) {
	t.Run("message", func(t *testing.T) {
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(`{
			"metadata": {"timestamp": "2026-08-01T10:00:00Z", "event_type": "message", "wedding_id": "w-1"},
			"content": {"message_id": "evt-1", "sender": "user", "content": "hi", "session_id": "s-1"}
		}`), &ev))
		require.NotNil(t, ev.Message)
		assert.Nil(t, ev.Artifact)
		assert.Equal(t, "w-1", ev.Metadata.WeddingID)
		assert.Equal(t, "hi", ev.Message.Content)
	})

	t.Run("artifact upload", func(t *testing.T) {
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(`{
			"metadata": {"timestamp": "2026-08-01T10:00:00Z", "event_type": "artifact_upload"},
			"content": {"artifact_id": "a-1", "filename": "seating.xlsx", "file_url": "https://x/a-1"}
		}`), &ev))
		require.NotNil(t, ev.Artifact)
		assert.Equal(t, "seating.xlsx", ev.Artifact.Filename)
	})

	t.Run("system event", func(t *testing.T) {
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(`{
			"metadata": {"timestamp": "2026-08-01T10:00:00Z", "event_type": "system_event"},
			"content": {"event_name": "budget_updated", "details": {"delta": 1}}
		}`), &ev))
		require.NotNil(t, ev.System)
		assert.Equal(t, "budget_updated", ev.System.EventName)
	})

	t.Run("unknown type keeps raw content", func(t *testing.T) {
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(`{
			"metadata": {"timestamp": "2026-08-01T10:00:00Z", "event_type": "vendor_quote"},
			"content": {"vendor": "florist"}
		}`), &ev))
		assert.Nil(t, ev.Message)
		assert.JSONEq(t, `{"vendor": "florist"}`, string(ev.Raw))
	})
}

func TestEventRoundTrip(t *testing.T) {
	in := Event{
		Metadata: Metadata{Timestamp: "2026-08-01T10:00:00Z", EventType: EventMessage},
		Message:  &MessageContent{MessageID: "evt-1", Sender: "assistant", Content: "done"},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.Message)
	assert.Equal(t, in.Message.Content, out.Message.Content)
}
