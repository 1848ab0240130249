package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vowsmith/concierge/internal/transcript"
)

func TestRenderMessage(t *testing.T) {
	t.Run("user message", func(t *testing.T) {
		out := renderMessage(transcript.Message{
			Sender: transcript.SenderUser,
			Text:   "hello",
			Type:   transcript.TypeMessage,
		})
		assert.Contains(t, out, "you")
		assert.Contains(t, out, "hello")
	})

	t.Run("assistant message", func(t *testing.T) {
		out := renderMessage(transcript.Message{
			Sender: transcript.SenderAssistant,
			Text:   "the venue is booked",
			Type:   transcript.TypeMessage,
		})
		assert.Contains(t, out, "assistant")
		assert.Contains(t, out, "the venue is booked")
	})

	t.Run("system event", func(t *testing.T) {
		out := renderMessage(transcript.Message{
			Sender: transcript.SenderSystem,
			Text:   "guest_list_updated",
			Type:   transcript.TypeSystemEvent,
		})
		assert.Contains(t, out, "guest_list_updated")
	})

	t.Run("artifact upload", func(t *testing.T) {
		out := renderMessage(transcript.Message{
			Sender:      transcript.SenderUser,
			Text:        "contract.pdf",
			Type:        transcript.TypeArtifactUpload,
			ArtifactURL: "https://files/x",
		})
		assert.Contains(t, out, "contract.pdf")
		assert.Contains(t, out, "https://files/x")
	})
}

func TestRootCommandWiring(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["chat"])
	assert.True(t, names["agent"])
	assert.True(t, names["version"])
}
