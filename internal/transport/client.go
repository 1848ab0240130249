package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vowsmith/concierge/internal/media"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the agent endpoint, e.g. "wss://agent.vowsmith.app/ws".
	// http/https schemes are rewritten to ws/wss.
	BaseURL string
	// UserID keys the connection; the server assigns a session per
	// connection and delivers its id via a session_id event.
	UserID string
	// SessionID optionally resumes a previous session.
	SessionID string
	// HeartbeatInterval between control pings. Defaults to 30s.
	HeartbeatInterval time.Duration
	// HandshakeTimeout for the dial. Defaults to 10s.
	HandshakeTimeout time.Duration
}

// Client holds one realtime connection to the agent service. It does
// not reconnect on its own; any transport failure is reported through
// OnError followed by OnClose, and the session manager decides what
// happens next.
type Client struct {
	opts     Options
	url      string
	handlers Handlers
	logger   *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	closed     bool
	stop       chan struct{}

	closeOnce sync.Once

	audioPump *media.AudioPump
	videoPump *media.VideoPump
}

// New creates a client for the given endpoint. Handlers may be partially
// populated; nil callbacks are skipped.
func New(opts Options, handlers Handlers, logger *zap.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	u, err := buildURL(opts)
	if err != nil {
		return nil, err
	}

	return &Client{
		opts:     opts,
		url:      u,
		handlers: handlers,
		logger:   logger,
	}, nil
}

func buildURL(opts Options) (string, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse agent URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("user_id", opts.UserID)
	if opts.SessionID != "" {
		q.Set("session_id", opts.SessionID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the endpoint and starts the read loop. It returns a
// *ConnectionError on dial failure. Calling Connect on an open or
// connecting client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectionError{URL: c.url, Err: fmt.Errorf("client is closed")}
	}
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		return &ConnectionError{URL: c.url, Err: err}
	}
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return &ConnectionError{URL: c.url, Err: fmt.Errorf("client closed during dial")}
	}
	c.conn = conn
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.logger.Debug("agent connection established", zap.String("url", c.url))

	go c.readLoop(conn)
	go c.heartbeat(conn, stop)
	return nil
}

// IsOpen reports whether a live connection is held.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connecting reports whether a dial is in flight.
func (c *Client) Connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.fail(err)
			return
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound envelope. Handlers run on the read loop
// goroutine, preserving transport delivery order.
func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case TypeSessionID:
		if c.handlers.OnSessionID != nil {
			c.handlers.OnSessionID(env.Data)
		}
	case TypeReady, TypeAgentReady:
		if c.handlers.OnReady != nil {
			c.handlers.OnReady()
		}
	case TypeText, TypeUserInput:
		if c.handlers.OnText != nil {
			c.handlers.OnText(TextEvent{Kind: env.Type, Data: env.Data, EventID: env.EventID})
		}
	case TypeAudio:
		if c.handlers.OnAudio != nil {
			c.handlers.OnAudio()
		}
	case TypeTurnComplete:
		if c.handlers.OnTurnComplete != nil {
			c.handlers.OnTurnComplete()
		}
	case TypeInterrupted:
		if c.handlers.OnInterrupted != nil {
			c.handlers.OnInterrupted()
		}
	case TypeError:
		if c.handlers.OnError != nil {
			c.handlers.OnError(fmt.Errorf("agent error: %s", env.Data))
		}
	default:
		c.logger.Debug("unknown envelope type ignored", zap.String("type", string(env.Type)))
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(Envelope{Type: TypeControl, Data: ControlPing}); err != nil {
				return
			}
		}
	}
}

// fail reports a transport error and tears the connection down.
// OnError fires before OnClose, mirroring the wire contract.
func (c *Client) fail(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.mu.Unlock()

	if !alreadyClosed && !isNormalClose(err) {
		c.logger.Warn("agent connection dropped", zap.Error(err))
		if c.handlers.OnError != nil {
			c.handlers.OnError(&ConnectionError{URL: c.url, Err: err})
		}
	}
	c.teardown()
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (c *Client) send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(env)
}

// SendText sends one user text message.
func (c *Client) SendText(text string) error {
	return c.send(Envelope{Type: TypeText, Data: text})
}

// SendAudioChunk implements media.FrameSink.
func (c *Client) SendAudioChunk(chunk media.Chunk) error {
	return c.send(Envelope{
		Type: TypeAudio,
		Data: base64.StdEncoding.EncodeToString(chunk.Data),
		Mime: chunk.Mime,
	})
}

// SendVideoFrame implements media.FrameSink.
func (c *Client) SendVideoFrame(frame media.Frame) error {
	return c.send(Envelope{
		Type: TypeVideo,
		Data: base64.StdEncoding.EncodeToString(frame.Data),
		Mime: frame.Mime,
	})
}

// StartRecording acquires the audio source and streams chunks until
// StopRecording. Starting while already recording is a no-op.
func (c *Client) StartRecording(src media.AudioSource) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	if c.audioPump != nil {
		c.mu.Unlock()
		return nil
	}
	pump := media.NewAudioPump(src, c, c.logger)
	c.audioPump = pump
	c.mu.Unlock()

	if err := pump.Start(context.Background()); err != nil {
		c.mu.Lock()
		c.audioPump = nil
		c.mu.Unlock()
		return err
	}
	return nil
}

// StopRecording releases the microphone and tells the server the audio
// turn is over. Safe to call when not recording.
func (c *Client) StopRecording() error {
	c.mu.Lock()
	pump := c.audioPump
	c.audioPump = nil
	c.mu.Unlock()

	if pump == nil {
		return nil
	}
	pump.Stop()
	return c.send(Envelope{Type: TypeControl, Data: ControlEndAudio})
}

// StartVideoStream acquires the video source and streams frames at the
// given rate hint. Any active video source is fully stopped and
// released before the new one starts.
func (c *Client) StartVideoStream(src media.VideoSource, fps int) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	prev := c.videoPump
	c.videoPump = nil
	c.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	pump := media.NewVideoPump(src, c, fps, c.logger)
	if err := pump.Start(context.Background()); err != nil {
		return err
	}

	c.mu.Lock()
	c.videoPump = pump
	c.mu.Unlock()

	return c.send(Envelope{Type: TypeControl, Data: ControlStartVideo})
}

// StopVideo releases the active video source. Safe when inactive.
func (c *Client) StopVideo() error {
	c.mu.Lock()
	pump := c.videoPump
	c.videoPump = nil
	c.mu.Unlock()

	if pump == nil {
		return nil
	}
	pump.Stop()
	return c.send(Envelope{Type: TypeControl, Data: ControlStopVideo})
}

// Interrupt asks the server to stop the current assistant turn. This is
// best-effort; a trailing event or two may still arrive.
func (c *Client) Interrupt() error {
	return c.send(Envelope{Type: TypeControl, Data: ControlInterrupt})
}

// Close stops media capture, closes the connection, and fires OnClose.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.teardown()
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	audio, video := c.audioPump, c.videoPump
	c.audioPump, c.videoPump = nil, nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()

	if audio != nil {
		audio.Stop()
	}
	if video != nil {
		video.Stop()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	if conn != nil {
		c.closeOnce.Do(func() {
			if c.handlers.OnClose != nil {
				c.handlers.OnClose()
			}
		})
	}
}
