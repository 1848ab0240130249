// Package assistant assembles the concierge client engine: the realtime
// transport, the session/reconnection manager, the history client, and
// the transcript reconciliation engine, behind one surface shaped for
// UIs. State is read through Snapshot; changes are pushed through
// Subscribe.
package assistant

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vowsmith/concierge/internal/history"
	"github.com/vowsmith/concierge/internal/media"
	"github.com/vowsmith/concierge/internal/session"
	"github.com/vowsmith/concierge/internal/transcript"
	"github.com/vowsmith/concierge/internal/transport"
)

// Config holds everything the assembled client needs.
type Config struct {
	// AgentURL is the realtime endpoint, e.g. "wss://agent.vowsmith.app/ws".
	AgentURL string
	// HistoryURL is the REST base, e.g. "https://api.vowsmith.app".
	// Empty disables history.
	HistoryURL string
	// UserID keys the realtime connection.
	UserID string

	Session    session.Config
	Transcript transcript.Config

	// VideoFrameRate is the fps hint for video streaming. Default 1.
	VideoFrameRate int
	// HeartbeatInterval for the transport ping. Default 30s.
	HeartbeatInterval time.Duration
	// HTTPClient used by the history client. Nil gets a sane default.
	HTTPClient *http.Client
}

// Client is the hook-like surface over the core engine.
type Client struct {
	cfg    Config
	logger *zap.Logger

	engine *transcript.Engine
	mgr    *session.Manager

	mu        sync.Mutex
	recording bool
	videoMode media.VideoMode // "" when inactive
	sessionID string
}

// New builds the client. Call Start to connect.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.AgentURL == "" {
		return nil, fmt.Errorf("agent URL is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VideoFrameRate <= 0 {
		cfg.VideoFrameRate = 1
	}

	var fetch transcript.FetchFunc
	if cfg.HistoryURL != "" {
		hist, err := history.NewClient(cfg.HistoryURL, cfg.HTTPClient, logger.Named("history"))
		if err != nil {
			return nil, fmt.Errorf("history client: %w", err)
		}
		fetch = func(ctx context.Context, sessionID string, limit, offset int) (*history.Page, error) {
			return hist.GetHistory(ctx, sessionID, limit, offset)
		}
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		engine: transcript.NewEngine(cfg.Transcript, fetch, logger.Named("transcript")),
	}
	c.mgr = session.NewManager(c.dial, cfg.Session, logger.Named("session"))

	// Events missed during an outage are reloaded from history once
	// the connection is back.
	c.mgr.RegisterOnReconnectSuccess(c.engine.RefreshHistory)

	return c, nil
}

// dial builds a fresh transport client with the session manager's
// lifecycle callbacks and the engine's event handlers bound. The
// manager owns the returned client exclusively.
func (c *Client) dial(onReady, onClosed func()) (session.Conn, error) {
	handlers := transport.Handlers{
		OnReady: onReady,
		OnClose: func() {
			c.clearMediaState()
			onClosed()
		},
		OnSessionID: c.setSessionID,
		OnText: func(ev transport.TextEvent) {
			switch ev.Kind {
			case transport.TypeUserInput:
				c.engine.HandleUserEcho(ev.Data, ev.EventID)
			default:
				c.engine.HandleAssistantText(ev.Data, ev.EventID)
			}
		},
		OnAudio:        c.engine.HandleAudioStarted,
		OnTurnComplete: c.engine.HandleTurnComplete,
		OnInterrupted:  c.engine.HandleInterrupted,
		OnError: func(err error) {
			c.logger.Warn("transport error", zap.Error(err))
			c.engine.HandleTransportError()
		},
	}

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	return transport.New(transport.Options{
		BaseURL:           c.cfg.AgentURL,
		UserID:            c.cfg.UserID,
		SessionID:         sessionID,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
	}, handlers, c.logger.Named("transport"))
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	c.engine.SetSessionID(id)
}

func (c *Client) clearMediaState() {
	c.mu.Lock()
	c.recording = false
	c.videoMode = ""
	c.mu.Unlock()
}

// Start launches the engine and makes the first connection attempt.
func (c *Client) Start(ctx context.Context) {
	c.engine.Start(ctx)
	c.mgr.Start(ctx)
}

// Close tears everything down.
func (c *Client) Close() error {
	err := c.mgr.Close()
	c.engine.Close()
	return err
}

// conn returns the live transport client, or nil when disconnected.
// Actions taken while disconnected are silent no-ops by contract.
func (c *Client) conn() session.Conn {
	conn := c.mgr.Current()
	if conn == nil || !conn.IsOpen() {
		return nil
	}
	return conn
}

// SendTextMessage appends an optimistic user message and sends the text.
// If the assistant is speaking it is interrupted first (barge-in).
func (c *Client) SendTextMessage(text string) {
	conn := c.conn()
	if conn == nil {
		return
	}
	c.bargeIn(conn)
	// Append before sending so the optimistic entry is folded before
	// the server's echo can possibly arrive.
	c.engine.AppendLocalUser(text)
	if err := conn.SendText(text); err != nil {
		c.logger.Warn("send text failed", zap.Error(err))
	}
}

func (c *Client) bargeIn(conn session.Conn) {
	if c.engine.Snapshot().IsAssistantSpeaking {
		if err := conn.Interrupt(); err != nil {
			c.logger.Debug("barge-in interrupt failed", zap.Error(err))
		}
		c.engine.HandleInterrupted()
	}
}

// StartRecording begins streaming microphone audio and appends the
// recording placeholder entry.
func (c *Client) StartRecording(src media.AudioSource) error {
	conn := c.conn()
	if conn == nil {
		return nil
	}
	c.bargeIn(conn)
	if err := conn.StartRecording(src); err != nil {
		return err
	}
	c.mu.Lock()
	c.recording = true
	c.mu.Unlock()
	c.engine.AppendRecordingPlaceholder()
	return nil
}

// StopRecording stops audio capture and removes the placeholder if the
// server never echoed recognized input back.
func (c *Client) StopRecording() {
	c.mu.Lock()
	wasRecording := c.recording
	c.recording = false
	c.mu.Unlock()
	if !wasRecording {
		return
	}
	if conn := c.mgr.Current(); conn != nil {
		if err := conn.StopRecording(); err != nil {
			c.logger.Debug("stop recording", zap.Error(err))
		}
	}
	c.engine.RemoveUnconfirmedPlaceholder()
}

// InitializeWebcam starts streaming webcam frames. Any active video
// source is released first.
func (c *Client) InitializeWebcam(src media.VideoSource) error {
	return c.startVideo(src, media.ModeWebcam)
}

// InitializeScreenShare starts streaming screen-share frames.
func (c *Client) InitializeScreenShare(src media.VideoSource) error {
	return c.startVideo(src, media.ModeScreen)
}

func (c *Client) startVideo(src media.VideoSource, mode media.VideoMode) error {
	conn := c.conn()
	if conn == nil {
		return nil
	}
	if err := conn.StartVideoStream(src, c.cfg.VideoFrameRate); err != nil {
		return err
	}
	c.mu.Lock()
	c.videoMode = mode
	c.mu.Unlock()
	return nil
}

// StopVideo releases the active video source.
func (c *Client) StopVideo() {
	c.mu.Lock()
	active := c.videoMode != ""
	c.videoMode = ""
	c.mu.Unlock()
	if !active {
		return
	}
	if conn := c.mgr.Current(); conn != nil {
		if err := conn.StopVideo(); err != nil {
			c.logger.Debug("stop video", zap.Error(err))
		}
	}
}

// InterruptAssistant performs a user-initiated barge-in: local cleanup
// plus a best-effort interrupt signal to the server.
func (c *Client) InterruptAssistant() {
	c.engine.HandleInterrupted()
	if conn := c.conn(); conn != nil {
		if err := conn.Interrupt(); err != nil {
			c.logger.Debug("interrupt failed", zap.Error(err))
		}
	}
}

// LoadMoreHistory fetches the next history page going backwards in time.
func (c *Client) LoadMoreHistory() { c.engine.LoadMoreHistory() }

// ReconnectNow resets the retry budget and forces a new connection
// attempt. The only way out of the failed state.
func (c *Client) ReconnectNow() { c.mgr.ReconnectNow() }

// RegisterOnDisconnect subscribes to connection-lost notifications.
func (c *Client) RegisterOnDisconnect(fn func()) { c.mgr.RegisterOnDisconnect(fn) }

// RegisterOnReconnectSuccess subscribes to reconnect notifications.
func (c *Client) RegisterOnReconnectSuccess(fn func()) { c.mgr.RegisterOnReconnectSuccess(fn) }

// Subscribe registers a change notification fired after each transcript
// change. Callbacks must return quickly.
func (c *Client) Subscribe(fn func()) { c.engine.Subscribe(fn) }

// Snapshot is the full UI-facing state.
type Snapshot struct {
	ConnectionState session.State
	IsConnected     bool
	IsRecording     bool
	IsVideoActive   bool
	ActiveVideoMode media.VideoMode

	SessionID           string
	Transcript          []transcript.Message
	IsAssistantSpeaking bool
	IsAssistantTyping   bool

	HasMoreHistory   bool
	IsLoadingHistory bool
	HistoryError     string
}

// Snapshot returns the current combined state. The transcript slice is
// a copy owned by the caller.
func (c *Client) Snapshot() Snapshot {
	ts := c.engine.Snapshot()
	state := c.mgr.State()

	c.mu.Lock()
	recording := c.recording
	videoMode := c.videoMode
	sessionID := c.sessionID
	c.mu.Unlock()

	if ts.SessionID != "" {
		sessionID = ts.SessionID
	}

	return Snapshot{
		ConnectionState:     state,
		IsConnected:         state == session.StateConnected,
		IsRecording:         recording,
		IsVideoActive:       videoMode != "",
		ActiveVideoMode:     videoMode,
		SessionID:           sessionID,
		Transcript:          ts.Transcript,
		IsAssistantSpeaking: ts.IsAssistantSpeaking,
		IsAssistantTyping:   ts.IsAssistantTyping,
		HasMoreHistory:      ts.HasMoreHistory,
		IsLoadingHistory:    ts.IsLoadingHistory,
		HistoryError:        ts.HistoryError,
	}
}
