// Package conn manages the realtime chat WebSocket for one agent session.
//
// The Manager keeps a single socket open while a session is desired. Any
// close, transport error or failed dial schedules a fresh attempt after a
// fixed delay, forever, with no backoff. A missing credential is the only
// condition that stops retrying; a manual Reconnect starts over.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/avatalk/internal/protocol"
)

const (
	DefaultReconnectDelay    = 900 * time.Millisecond
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultLang              = "en"

	// ChatPath is the chat endpoint relative to the server URL.
	ChatPath = "/ws/chat/"

	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// State is the connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Status texts reported with state changes.
const (
	StatusConnecting   = "Connecting…"
	StatusConnected    = "Connected"
	StatusReconnecting = "Reconnecting…"
	StatusAuthRequired = "Auth required"
	StatusSocketError  = "WebSocket error"
)

// TokenSource yields the bearer token presented when opening the socket.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Callbacks receives connection events. Calls are serialized and never made
// while the Manager holds its own lock, so handlers may call back into it.
// Events from a superseded socket are never delivered.
type Callbacks struct {
	// OnState is called on every state change with the status text.
	OnState func(state State, status string)
	// OnMessage is called with each inbound text frame.
	OnMessage func(data []byte)
}

// Config configures a Manager.
type Config struct {
	// ServerURL is the http(s) or ws(s) base URL of the backend.
	ServerURL string
	// Lang is sent as the lang query parameter. Defaults to "en".
	Lang              string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

// Manager owns the chat socket and its reconnect and heartbeat timers.
// All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	tokens TokenSource
	cb     Callbacks
	logger *slog.Logger

	// cbMu serializes callbacks. Lock order: cbMu, then mu.
	cbMu sync.Mutex

	mu        sync.Mutex
	state     State
	botID     string
	sessionID string
	desired   bool
	closed    bool
	gen       uint64
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	timer     *time.Timer
	stopBeat  chan struct{}

	writeMu sync.Mutex

	reconnectLog rate.Sometimes
}

// New creates a Manager. It does nothing until Connect.
func New(cfg Config, tokens TokenSource, cb Callbacks) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Lang == "" {
		cfg.Lang = DefaultLang
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		tokens:       tokens,
		cb:           cb,
		logger:       logger,
		state:        StateConnecting,
		reconnectLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// BuildURL returns the chat socket URL for a session. The scheme follows the
// server URL: http becomes ws and https becomes wss.
func BuildURL(serverURL, botID, sessionID, token, lang string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", serverURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + ChatPath
	q := url.Values{}
	q.Set("bot_id", botID)
	q.Set("session_id", sessionID)
	q.Set("token", token)
	if lang != "" {
		q.Set("lang", lang)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the socket is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ws != nil
}

// Connect starts maintaining a socket for the session. It returns at once;
// progress and failures are reported through OnState. Calling it again
// replaces the previous session's socket.
func (m *Manager) Connect(ctx context.Context, botID, sessionID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	if m.cancel != nil {
		m.cancel()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.botID = botID
	m.sessionID = sessionID
	m.desired = true
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.attempt(gen)
}

// Reconnect force-closes the current socket so the close path reconnects.
// With no socket, for example after a credential failure, it starts an
// attempt immediately.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.closed || !m.desired {
		m.mu.Unlock()
		return
	}
	if ws := m.ws; ws != nil {
		m.mu.Unlock()
		m.logger.Info("Forcing reconnect")
		ws.Close()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.attempt(gen)
}

// Disconnect closes the socket and stops reconnecting until the next
// Connect. Unlike Close it leaves the Manager usable.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.desired = false
	m.gen++
	m.teardownLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Send writes one envelope. It reports false, without buffering, unless the
// socket is open.
func (m *Manager) Send(msg protocol.Outbound) bool {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return false
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Warn("Failed to encode outbound message", "type", msg.Kind(), "error", err)
		return false
	}
	if err := m.write(ws, data); err != nil {
		m.logger.Warn("Failed to send message", "type", msg.Kind(), "error", err)
		return false
	}
	return true
}

func (m *Manager) write(ws *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Close tells the server to stop audio, closes the socket and cancels all
// timers. No events are delivered afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.desired = false
	m.gen++
	ws := m.ws
	m.ws = nil
	m.teardownLocked()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if ws == nil {
		return
	}
	if data, err := protocol.Encode(protocol.StopAudio{}); err == nil {
		_ = m.write(ws, data)
	}
	m.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	ws.Close()
}

// teardownLocked stops the reconnect timer and heartbeat and closes the
// socket, if any. The caller holds m.mu.
func (m *Manager) teardownLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.stopHeartbeatLocked()
	if m.ws != nil {
		m.ws.Close()
		m.ws = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
}

// transition sets the state and reports it if gen is still current.
func (m *Manager) transition(gen uint64, state State, status string) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return false
	}
	m.state = state
	m.mu.Unlock()

	if m.cb.OnState != nil {
		m.cb.OnState(state, status)
	}
	return true
}

func (m *Manager) attempt(gen uint64) {
	m.mu.Lock()
	ctx := m.ctx
	botID, sessionID := m.botID, m.sessionID
	m.mu.Unlock()

	if !m.transition(gen, StateConnecting, StatusConnecting) {
		return
	}

	token, err := m.tokens.Token(ctx)
	if err == nil && token == "" {
		err = errors.New("empty token")
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("No credential for chat socket", "error", err)
		m.transition(gen, StateError, StatusAuthRequired)
		return
	}

	target, err := BuildURL(m.cfg.ServerURL, botID, sessionID, token, m.cfg.Lang)
	if err != nil {
		m.logger.Error("Cannot build chat URL", "error", err)
		m.transition(gen, StateError, StatusSocketError)
		return
	}

	ws, resp, err := m.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			m.logger.Warn("Chat socket rejected credential", "status", resp.StatusCode)
			m.transition(gen, StateError, StatusAuthRequired)
			return
		}
		m.scheduleReconnect(gen, fmt.Errorf("dial: %w", err))
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.ws = ws
	stop := make(chan struct{})
	m.stopBeat = stop
	m.mu.Unlock()

	m.logger.Info("Chat socket connected", "bot_id", botID, "session_id", sessionID)
	m.transition(gen, StateConnected, StatusConnected)

	go m.heartbeat(gen, ws, stop)
	go m.readLoop(gen, ws)
}

func (m *Manager) readLoop(gen uint64, ws *websocket.Conn) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			m.handleClose(gen, ws, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !m.deliver(gen, data) {
			return
		}
	}
}

func (m *Manager) deliver(gen uint64, data []byte) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	current := gen == m.gen && !m.closed
	m.mu.Unlock()
	if !current {
		return false
	}
	if m.cb.OnMessage != nil {
		m.cb.OnMessage(data)
	}
	return true
}

func (m *Manager) handleClose(gen uint64, ws *websocket.Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	if m.ws == ws {
		m.ws = nil
	}
	m.stopHeartbeatLocked()
	desired := m.desired
	m.mu.Unlock()

	ws.Close()
	if !desired {
		return
	}
	m.scheduleReconnect(gen, err)
}

// scheduleReconnect enters reconnecting and arms the fixed-delay timer.
func (m *Manager) scheduleReconnect(gen uint64, cause error) {
	if !m.transition(gen, StateReconnecting, StatusReconnecting) {
		return
	}
	m.reconnectLog.Do(func() {
		m.logger.Warn("Chat socket lost, reconnecting", "delay", m.cfg.ReconnectDelay, "error", cause)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		if gen != m.gen || m.closed || !m.desired {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.gen++
		next := m.gen
		m.mu.Unlock()
		m.attempt(next)
	})
}

func (m *Manager) heartbeat(gen uint64, ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, err := protocol.Encode(protocol.Ping{})
	if err != nil {
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			current := gen == m.gen && m.ws == ws
			m.mu.Unlock()
			if !current {
				return
			}
			if err := m.write(ws, ping); err != nil {
				m.logger.Debug("Heartbeat failed", "error", err)
			}
		}
	}
}
