// Package devagent is an in-process emulator of the concierge agent
// service: the realtime WebSocket endpoint, the history REST endpoint,
// and a metrics endpoint. It exists for local development and for
// end-to-end tests that need a scriptable agent on the other side of a
// real connection.
package devagent

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vowsmith/concierge/internal/history"
	"github.com/vowsmith/concierge/internal/transport"
)

// ReplyFunc scripts the assistant: given the user's text, it returns
// the deltas to stream back before turn_complete.
type ReplyFunc func(userText string) []string

// Options configures the emulator.
type Options struct {
	// Reply scripts assistant turns. Defaults to a single canned delta.
	Reply ReplyFunc
	// ReplyDelay between streamed deltas. Defaults to 10ms.
	ReplyDelay time.Duration
	// EchoEventIDs attaches server event ids to user_input echoes and
	// assistant turns, matching the production service.
	EchoEventIDs bool
}

// Server is the emulator.
type Server struct {
	echo   *echo.Echo
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string][]history.Event // per-session events, oldest first
	seq      int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The emulator serves local dev and tests only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewServer creates an emulator.
func NewServer(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Reply == nil {
		opts.Reply = func(string) []string {
			return []string{"Happy to help with your wedding planning."}
		}
	}
	if opts.ReplyDelay == 0 {
		opts.ReplyDelay = 10 * time.Millisecond
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:     e,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string][]history.Event),
	}

	e.GET("/ws", s.handleWS)
	e.GET("/sessions/:id/history", s.handleHistory)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Handler exposes the emulator for httptest servers.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on the given address, blocking.
func (s *Server) Start(addr string) error {
	s.logger.Info("dev agent listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Seed preloads history events for a session, oldest first.
func (s *Server) Seed(sessionID string, events []history.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], events...)
}

// Events returns a copy of a session's recorded events.
func (s *Server) Events(sessionID string) []history.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Event(nil), s.sessions[sessionID]...)
}

func (s *Server) nextEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("evt-%d", s.seq)
}

func (s *Server) record(sessionID string, ev history.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], ev)
}

// wsConn serializes writes to one connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) send(env transport.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(env)
}

func (s *Server) handleWS(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ws := &wsConn{conn: conn}
	if err := ws.send(transport.Envelope{Type: transport.TypeSessionID, Data: sessionID}); err != nil {
		return nil
	}
	if err := ws.send(transport.Envelope{Type: transport.TypeReady}); err != nil {
		return nil
	}

	s.logger.Debug("agent session opened",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID))

	interrupt := make(chan struct{}, 1)
	for {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return nil
		}
		switch env.Type {
		case transport.TypeText:
			go s.respond(ws, sessionID, env.Data, interrupt)
		case transport.TypeControl:
			if env.Data == transport.ControlInterrupt {
				select {
				case interrupt <- struct{}{}:
				default:
				}
				_ = ws.send(transport.Envelope{Type: transport.TypeInterrupted})
			}
		case transport.TypeAudio, transport.TypeVideo:
			// Media frames are accepted and discarded.
		}
	}
}

// respond echoes the user's text and streams a scripted assistant turn.
func (s *Server) respond(ws *wsConn, sessionID, userText string, interrupt <-chan struct{}) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	echoID := ""
	if s.opts.EchoEventIDs {
		echoID = s.nextEventID()
	}
	s.record(sessionID, history.Event{
		Metadata: history.Metadata{Timestamp: now, EventType: history.EventMessage},
		Message: &history.MessageContent{
			MessageID: echoID,
			Sender:    "user",
			Content:   userText,
			SessionID: sessionID,
		},
	})
	_ = ws.send(transport.Envelope{Type: transport.TypeUserInput, Data: userText, EventID: echoID})

	deltas := s.opts.Reply(userText)
	turnID := ""
	if s.opts.EchoEventIDs {
		turnID = s.nextEventID()
	}
	var full string
	for i, delta := range deltas {
		select {
		case <-interrupt:
			return
		case <-time.After(s.opts.ReplyDelay):
		}
		env := transport.Envelope{Type: transport.TypeText, Data: delta}
		if i == 0 {
			env.EventID = turnID
		}
		if err := ws.send(env); err != nil {
			return
		}
		full += delta
	}

	s.record(sessionID, history.Event{
		Metadata: history.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			EventType: history.EventMessage,
		},
		Message: &history.MessageContent{
			MessageID: turnID,
			Sender:    "assistant",
			Content:   full,
			SessionID: sessionID,
		},
	})
	_ = ws.send(transport.Envelope{Type: transport.TypeTurnComplete})
}

// handleHistory pages backwards through a session's events. Offset 0 is
// the most recent window; each page is returned newest-first within its
// window, matching the production API.
func (s *Server) handleHistory(c echo.Context) error {
	sessionID := c.Param("id")

	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit < 1 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.QueryParam("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	all := append([]history.Event(nil), s.sessions[sessionID]...)
	s.mu.Unlock()

	total := len(all)
	end := total - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	window := all[start:end]
	page := history.Page{
		Events:      make([]history.Event, 0, len(window)),
		TotalEvents: total,
		HasMore:     start > 0,
	}
	for i := len(window) - 1; i >= 0; i-- {
		page.Events = append(page.Events, window[i])
	}
	return c.JSON(http.StatusOK, page)
}
