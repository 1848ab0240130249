package devagent

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vowsmith/concierge/internal/history"
	"github.com/vowsmith/concierge/internal/transport"
)

const waitFor = 2 * time.Second

func startServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(opts, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) transport.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var env transport.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHandshake(t *testing.T) {
	_, ts := startServer(t, Options{})
	conn := dialWS(t, ts, "user_id=alice")

	env := readEnvelope(t, conn)
	assert.Equal(t, transport.TypeSessionID, env.Type)
	assert.NotEmpty(t, env.Data)

	env = readEnvelope(t, conn)
	assert.Equal(t, transport.TypeReady, env.Type)
}

func TestHandshakeRequiresUserID(t *testing.T) {
	_, ts := startServer(t, Options{})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
}

func TestSessionIDResume(t *testing.T) {
	_, ts := startServer(t, Options{})
	conn := dialWS(t, ts, "user_id=alice&session_id=sess-known")

	env := readEnvelope(t, conn)
	assert.Equal(t, transport.TypeSessionID, env.Type)
	assert.Equal(t, "sess-known", env.Data)
}

func TestScriptedTurn(t *testing.T) {
	srv, ts := startServer(t, Options{
		Reply:        func(string) []string { return []string{"The Rosewood ", "has openings ", "in June."} },
		ReplyDelay:   time.Millisecond,
		EchoEventIDs: true,
	})
	conn := dialWS(t, ts, "user_id=alice&session_id=sess-1")
	readEnvelope(t, conn) // session_id
	readEnvelope(t, conn) // ready

	require.NoError(t, conn.WriteJSON(transport.Envelope{Type: transport.TypeText, Data: "which venues are free?"}))

	echo := readEnvelope(t, conn)
	assert.Equal(t, transport.TypeUserInput, echo.Type)
	assert.Equal(t, "which venues are free?", echo.Data)
	assert.NotEmpty(t, echo.EventID)

	var full string
	firstID := ""
	for i := 0; i < 3; i++ {
		env := readEnvelope(t, conn)
		require.Equal(t, transport.TypeText, env.Type)
		if i == 0 {
			firstID = env.EventID
		}
		full += env.Data
	}
	assert.Equal(t, "The Rosewood has openings in June.", full)
	assert.NotEmpty(t, firstID)

	done := readEnvelope(t, conn)
	assert.Equal(t, transport.TypeTurnComplete, done.Type)

	// Both sides of the turn were recorded for the history API.
	events := srv.Events("sess-1")
	require.Len(t, events, 2)
	assert.Equal(t, "user", events[0].Message.Sender)
	assert.Equal(t, "assistant", events[1].Message.Sender)
	assert.Equal(t, "The Rosewood has openings in June.", events[1].Message.Content)
}

func TestInterruptStopsStreaming(t *testing.T) {
	deltas := make([]string, 100)
	for i := range deltas {
		deltas[i] = "word "
	}
	_, ts := startServer(t, Options{
		Reply:      func(string) []string { return deltas },
		ReplyDelay: 5 * time.Millisecond,
	})
	conn := dialWS(t, ts, "user_id=alice")
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(transport.Envelope{Type: transport.TypeText, Data: "go"}))
	readEnvelope(t, conn) // user_input echo

	require.NoError(t, conn.WriteJSON(transport.Envelope{Type: transport.TypeControl, Data: transport.ControlInterrupt}))

	sawInterrupted := false
	for i := 0; i < 110; i++ {
		env := readEnvelope(t, conn)
		if env.Type == transport.TypeInterrupted {
			sawInterrupted = true
			break
		}
		require.Equal(t, transport.TypeText, env.Type)
	}
	assert.True(t, sawInterrupted)
}

func TestHistoryPaging(t *testing.T) {
	srv, ts := startServer(t, Options{})

	stamp := func(i int) string {
		return time.Date(2026, 8, 1, 10, 0, i, 0, time.UTC).Format(time.RFC3339Nano)
	}
	var events []history.Event
	for i := 0; i < 5; i++ {
		events = append(events, history.Event{
			Metadata: history.Metadata{Timestamp: stamp(i), EventType: history.EventMessage},
			Message:  &history.MessageContent{MessageID: string(rune('a' + i)), Sender: "user", Content: stamp(i)},
		})
	}
	srv.Seed("sess-1", events)

	client, err := history.NewClient(ts.URL, nil, zap.NewNop())
	require.NoError(t, err)

	// Offset 0 is the newest window, returned newest-first.
	page, err := client.GetHistory(context.Background(), "sess-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "e", page.Events[0].Message.MessageID)
	assert.Equal(t, "d", page.Events[1].Message.MessageID)
	assert.Equal(t, 5, page.TotalEvents)
	assert.True(t, page.HasMore)

	// The second window reaches further back.
	page, err = client.GetHistory(context.Background(), "sess-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "c", page.Events[0].Message.MessageID)
	assert.Equal(t, "b", page.Events[1].Message.MessageID)
	assert.True(t, page.HasMore)

	// The last window is short and final.
	page, err = client.GetHistory(context.Background(), "sess-1", 2, 4)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "a", page.Events[0].Message.MessageID)
	assert.False(t, page.HasMore)

	// Past the end is empty, not an error.
	page, err = client.GetHistory(context.Background(), "sess-1", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.False(t, page.HasMore)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := startServer(t, Options{})

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	resp2, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, 200, resp2.StatusCode)
}
