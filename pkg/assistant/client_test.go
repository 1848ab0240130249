package assistant

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vowsmith/concierge/internal/devagent"
	"github.com/vowsmith/concierge/internal/media"
	"github.com/vowsmith/concierge/internal/session"
	"github.com/vowsmith/concierge/internal/transcript"
)

const waitFor = 3 * time.Second
const pollEvery = 10 * time.Millisecond

// newHarness starts an in-process dev agent and a client wired to it.
func newHarness(t *testing.T, opts devagent.Options) (*devagent.Server, *Client) {
	t.Helper()
	srv := devagent.NewServer(opts, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := New(Config{
		AgentURL:   ts.URL + "/ws",
		HistoryURL: ts.URL,
		UserID:     "couple-42",
		Session: session.Config{
			MaxAttempts: 8,
			BaseDelay:   time.Millisecond,
			MaxDelay:    4 * time.Millisecond,
		},
		Transcript: transcript.Config{
			PageSize:       5,
			TypingInterval: 10 * time.Millisecond,
		},
		HeartbeatInterval: time.Hour,
		VideoFrameRate:    10,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return srv, c
}

func startConnected(t *testing.T, c *Client) {
	t.Helper()
	c.Start(context.Background())
	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.IsConnected && s.SessionID != ""
	}, waitFor, pollEvery, "client never reached connected with a session id")
}

func waitSnapshot(t *testing.T, c *Client, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = c.Snapshot()
		return cond(snap)
	}, waitFor, pollEvery)
	return snap
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{UserID: "u"}, zap.NewNop())
	require.Error(t, err)

	_, err = New(Config{AgentURL: "ws://x/ws"}, zap.NewNop())
	require.Error(t, err)
}

func TestChatRoundTrip(t *testing.T) {
	_, c := newHarness(t, devagent.Options{
		Reply:        func(string) []string { return []string{"June 14th ", "looks clear."} },
		ReplyDelay:   time.Millisecond,
		EchoEventIDs: true,
	})
	startConnected(t, c)

	c.SendTextMessage("pick a date")

	snap := waitSnapshot(t, c, func(s Snapshot) bool {
		return len(s.Transcript) == 2 &&
			s.Transcript[1].Text == "June 14th looks clear." &&
			!s.IsAssistantTyping
	})

	// The optimistic copy and the server echo collapsed into one entry.
	assert.Equal(t, "pick a date", snap.Transcript[0].Text)
	assert.Equal(t, transcript.SenderUser, snap.Transcript[0].Sender)
	assert.Equal(t, transcript.SenderAssistant, snap.Transcript[1].Sender)
	assert.True(t, snap.Transcript[1].IsMarkdown)
}

func TestManualReconnectResumesSession(t *testing.T) {
	_, c := newHarness(t, devagent.Options{
		Reply:        func(string) []string { return []string{"Noted."} },
		ReplyDelay:   time.Millisecond,
		EchoEventIDs: true,
	})
	startConnected(t, c)
	sessionID := c.Snapshot().SessionID

	c.SendTextMessage("remember the florist")
	waitSnapshot(t, c, func(s Snapshot) bool {
		return len(s.Transcript) == 2 && !s.IsAssistantTyping
	})

	var reconnects atomic.Int32
	c.RegisterOnReconnectSuccess(func() { reconnects.Add(1) })

	c.ReconnectNow()
	require.Eventually(t, func() bool {
		return c.Snapshot().IsConnected && reconnects.Load() >= 1
	}, waitFor, pollEvery)

	// The session resumed, and the post-reconnect history refresh did
	// not duplicate the turn it already had: server event ids collapse
	// against the live copies.
	snap := waitSnapshot(t, c, func(s Snapshot) bool { return !s.IsLoadingHistory })
	assert.Equal(t, sessionID, snap.SessionID)
	require.Len(t, snap.Transcript, 2)
	assert.Equal(t, "remember the florist", snap.Transcript[0].Text)
}

func TestRecordingPlaceholderLifecycle(t *testing.T) {
	_, c := newHarness(t, devagent.Options{})
	startConnected(t, c)

	src := &media.ToneSource{Interval: 10 * time.Millisecond}
	require.NoError(t, c.StartRecording(src))

	snap := waitSnapshot(t, c, func(s Snapshot) bool {
		n := len(s.Transcript)
		return s.IsRecording && n > 0 && s.Transcript[n-1].Text == transcript.RecordingPlaceholder
	})
	assert.Equal(t, transcript.SenderUser, snap.Transcript[len(snap.Transcript)-1].Sender)

	// No speech was recognized, so stopping removes the placeholder.
	c.StopRecording()
	waitSnapshot(t, c, func(s Snapshot) bool {
		if s.IsRecording {
			return false
		}
		for _, m := range s.Transcript {
			if m.Text == transcript.RecordingPlaceholder {
				return false
			}
		}
		return true
	})

	// Stopping again is safe.
	c.StopRecording()
}

func TestVideoModesAreExclusive(t *testing.T) {
	_, c := newHarness(t, devagent.Options{})
	startConnected(t, c)

	webcam := &media.StillSource{ModeHint: media.ModeWebcam, Interval: 10 * time.Millisecond}
	require.NoError(t, c.InitializeWebcam(webcam))
	snap := c.Snapshot()
	assert.True(t, snap.IsVideoActive)
	assert.Equal(t, media.ModeWebcam, snap.ActiveVideoMode)

	screen := &media.StillSource{ModeHint: media.ModeScreen, Interval: 10 * time.Millisecond}
	require.NoError(t, c.InitializeScreenShare(screen))
	snap = c.Snapshot()
	assert.True(t, snap.IsVideoActive)
	assert.Equal(t, media.ModeScreen, snap.ActiveVideoMode)

	c.StopVideo()
	snap = c.Snapshot()
	assert.False(t, snap.IsVideoActive)
	assert.Empty(t, string(snap.ActiveVideoMode))

	// Stopping when inactive is safe.
	c.StopVideo()
}

func TestActionsWhileDisconnectedAreNoOps(t *testing.T) {
	_, c := newHarness(t, devagent.Options{})

	// Never started: everything is a silent no-op.
	c.SendTextMessage("into the void")
	require.NoError(t, c.StartRecording(&media.ToneSource{}))
	c.StopRecording()
	require.NoError(t, c.InitializeWebcam(&media.StillSource{}))
	c.InterruptAssistant()

	snap := c.Snapshot()
	assert.Equal(t, session.StateIdle, snap.ConnectionState)
	assert.False(t, snap.IsRecording)
	assert.Empty(t, snap.Transcript)
}

func TestInterruptAssistant(t *testing.T) {
	long := make([]string, 200)
	for i := range long {
		long[i] = "and another thing "
	}
	_, c := newHarness(t, devagent.Options{
		Reply: func(userText string) []string {
			if userText == "tell me everything" {
				return long
			}
			return []string{"Understood."}
		},
		ReplyDelay: 5 * time.Millisecond,
	})
	startConnected(t, c)

	c.SendTextMessage("tell me everything")
	waitSnapshot(t, c, func(s Snapshot) bool { return s.IsAssistantTyping })

	c.InterruptAssistant()

	// A trailing delta or two may still arrive after the barge-in; the
	// next exchange settles cleanly regardless.
	c.SendTextMessage("ok, enough")
	waitSnapshot(t, c, func(s Snapshot) bool {
		if s.IsAssistantTyping {
			return false
		}
		n := len(s.Transcript)
		return n > 0 && s.Transcript[n-1].Text == "Understood."
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	_, c := newHarness(t, devagent.Options{})
	startConnected(t, c)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, session.StateIdle, c.Snapshot().ConnectionState)
}
