// Package session owns the lifecycle of the realtime agent connection:
// connect, bounded exponential-backoff reconnect, manual reconnect, and
// terminal failure. It holds exactly one transport client at a time and
// exposes registration hooks so cross-cutting concerns (history refresh,
// UI banners) can subscribe instead of being reached into.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vowsmith/concierge/internal/media"
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed is terminal until ReconnectNow resets the attempt
	// counter.
	StateFailed State = "failed"
)

// Conn is the transport contract the manager owns. Implemented by
// *transport.Client; faked in tests.
type Conn interface {
	Connect(ctx context.Context) error
	SendText(text string) error
	StartRecording(src media.AudioSource) error
	StopRecording() error
	StartVideoStream(src media.VideoSource, fps int) error
	StopVideo() error
	Interrupt() error
	Close() error
	IsOpen() bool
	Connecting() bool
}

// Dialer builds a fresh transport client with the manager's lifecycle
// callbacks bound. onReady must fire when the handshake completes and
// onClosed when the connection is gone; the dialer wires them into the
// client's handlers alongside the caller's own event handlers.
type Dialer func(onReady, onClosed func()) (Conn, error)

// Config holds reconnection policy. The defaults mirror the production
// service; they are tunables, not invariants.
type Config struct {
	MaxAttempts int           // reconnect budget before failed, default 8
	BaseDelay   time.Duration // first backoff delay, default 1s
	MaxDelay    time.Duration // backoff ceiling, default 15s
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 8
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 15 * time.Second
	}
}

// Manager drives the connection state machine.
type Manager struct {
	dial   Dialer
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	state      State
	conn       Conn
	attempts   int
	manual     bool // manual reconnect pending; suppresses auto rescheduling
	retryTimer *time.Timer
	closed     bool

	onDisconnect []func()
	onReconnect  []func()
	onState      []func(State)
}

// NewManager creates a manager. The dialer is required.
func NewManager(dial Dialer, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	m := &Manager{
		dial:   dial,
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
	}
	recordState(StateIdle)
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the held transport client, or nil when none exists.
// Callers must treat a non-open client as disconnected.
func (m *Manager) Current() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// RegisterOnDisconnect subscribes to connection-lost notifications.
func (m *Manager) RegisterOnDisconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// RegisterOnReconnectSuccess subscribes to handshake-complete
// notifications, used by dependents to reload state missed during an
// outage.
func (m *Manager) RegisterOnReconnectSuccess(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// RegisterOnStateChange subscribes to every state transition.
func (m *Manager) RegisterOnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// Start makes the first connection attempt. Called once a user
// identity is available; further attempts are driven by the state
// machine. Calling Start again is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.state != StateIdle {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.attempt()
}

// attempt dials and connects, replacing any discarded client. The old
// client is always closed before its replacement is created; the
// manager never holds two live instances.
func (m *Manager) attempt() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	// Duplicate-attempt guard.
	if m.conn != nil && (m.conn.IsOpen() || m.conn.Connecting()) {
		m.mu.Unlock()
		return
	}
	old := m.conn
	m.conn = nil
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	conn, err := m.dial(m.handleReady, m.handleClosed)
	if err != nil {
		m.logger.Error("dial construction failed", zap.Error(err))
		m.handleClosed()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	ctx := m.ctx
	m.mu.Unlock()

	go func() {
		if err := conn.Connect(ctx); err != nil {
			m.logger.Warn("connection attempt failed", zap.Error(err))
			// Dial failures produce no OnClose from the transport, so
			// re-enter the retry path directly.
			m.connectFailed()
		}
	}()
}

// handleReady runs when the transport handshake completes.
func (m *Manager) handleReady() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.manual = false
	m.setStateLocked(StateConnected)
	hooks := append([]func(){}, m.onReconnect...)
	m.mu.Unlock()

	m.logger.Info("agent session connected")
	for _, fn := range hooks {
		fn()
	}
}

// handleClosed runs when the active client's connection is gone.
func (m *Manager) handleClosed() {
	m.mu.Lock()
	if m.closed || m.state == StateFailed {
		m.mu.Unlock()
		return
	}
	if m.manual {
		// A manual reconnect is tearing down the old client; its own
		// attempt is already in flight.
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	var hooks []func()
	if wasConnected {
		hooks = append(hooks, m.onDisconnect...)
	}
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	m.scheduleRetry()
}

// connectFailed handles a dial that returned an error.
func (m *Manager) connectFailed() {
	m.mu.Lock()
	if m.closed || m.state == StateFailed {
		m.mu.Unlock()
		return
	}
	// A failed manual attempt falls back into the automatic backoff
	// path rather than stalling.
	m.manual = false
	m.mu.Unlock()

	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.retryTimer != nil {
		return
	}
	if m.attempts >= m.cfg.MaxAttempts {
		m.setStateLocked(StateFailed)
		TerminalFailures.Inc()
		m.logger.Error("reconnect budget exhausted",
			zap.Int("attempts", m.attempts))
		hooks := append([]func(){}, m.onDisconnect...)
		go func() {
			for _, fn := range hooks {
				fn()
			}
		}()
		return
	}

	m.attempts++
	delay := backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, m.attempts)
	m.setStateLocked(StateReconnecting)
	ReconnectAttempts.WithLabelValues("auto").Inc()
	m.logger.Info("scheduling reconnect",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay))

	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.mu.Unlock()
		m.attempt()
	})
}

// backoff returns min(base * 2^(attempt-1), ceiling).
func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// ReconnectNow forces an immediate new connection attempt regardless of
// current state, resetting the retry budget. This is the only way out
// of the failed state.
func (m *Manager) ReconnectNow() {
	m.mu.Lock()
	if m.closed || m.ctx == nil {
		m.mu.Unlock()
		return
	}
	m.manual = true
	m.attempts = 0
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.setStateLocked(StateConnecting)
	ReconnectAttempts.WithLabelValues("manual").Inc()
	old := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.logger.Info("manual reconnect requested")
	// The duplicate-attempt guard does not apply to a manual request:
	// discard whatever is held, even if it thinks it is still open.
	if old != nil {
		old.Close()
	}
	m.attempt()
}

// Close tears down the manager and the held client.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// setStateLocked updates state and notifies listeners. Callers hold mu;
// listeners are invoked asynchronously to keep the lock narrow.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	recordState(s)
	listeners := append([]func(State){}, m.onState...)
	go func() {
		for _, fn := range listeners {
			fn(s)
		}
	}()
}
