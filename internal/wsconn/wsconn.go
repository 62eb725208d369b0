// Package wsconn implements the Connection Manager: a reconnecting
// WebSocket transport wrapper with an explicit DISCONNECTED / CONNECTED /
// RECONNECTING / EXHAUSTED state machine.
package wsconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/ElementAstro/hydrogen-clientcore/internal/telemetry"
)

// State is the connection manager's externally observable state.
type State int

const (
	Disconnected State = iota
	Connected
	Reconnecting
	Exhausted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Exhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// StateChangeCallback is invoked whenever the connection state transitions.
type StateChangeCallback func(state State, attempt int)

const (
	defaultReconnectInterval = 5 * time.Second
	writeTimeout             = 10 * time.Second
	maxMessageSize           = 1 << 20
)

// Manager owns the WebSocket connection and the reconnect loop.
type Manager struct {
	url string

	mu   sync.Mutex // serializes connect/disconnect/reconnect transitions
	conn *websocket.Conn

	connected    atomic.Bool
	reconnecting atomic.Bool

	autoReconnect        atomic.Bool
	reconnectInterval    time.Duration
	maxReconnectAttempts int // 0 = unlimited
	reconnectCount       int

	cbMu     sync.Mutex
	onChange StateChangeCallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMetrics attaches a telemetry.Metrics instance.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates a Manager for the given WebSocket URL. Auto-reconnect
// is enabled by default with the given interval (0 selects the default).
func NewManager(url string, logger zerolog.Logger, reconnectInterval time.Duration, opts ...Option) *Manager {
	if reconnectInterval <= 0 {
		reconnectInterval = defaultReconnectInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:               url,
		reconnectInterval: reconnectInterval,
		ctx:               ctx,
		cancel:            cancel,
		log:               logger.With().Str("component", "wsconn").Logger(),
	}
	m.autoReconnect.Store(true)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Connect dials the server once. On failure it does not start the
// reconnect loop itself — callers that want retry-on-initial-failure
// should loop on Connect, matching the original connection manager's
// contract that connect() is a single attempt.
//
// The dial itself happens under m.mu, but setConnected (and the
// state-change callback it invokes) always runs after the lock is
// released — callbacks must never fire while a core mutex is held.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	err := m.dialLocked(ctx)
	m.mu.Unlock()

	if err != nil {
		m.log.Error().Err(err).Str("url", m.url).Msg("connect failed")
		m.setConnected(false)
		return err
	}
	m.setConnected(true)
	m.log.Info().Str("url", m.url).Msg("connected")
	return nil
}

// dialLocked performs the actual dial and, on success, installs the new
// connection. Callers hold m.mu; dialLocked never notifies the
// state-change callback itself, leaving that to the caller once m.mu is
// released.
func (m *Manager) dialLocked(ctx context.Context) error {
	if m.connected.Load() {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("wsconn: dial %s: %w", m.url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	m.conn = conn
	m.reconnectCount = 0
	return nil
}

// disconnect closes the active connection, if any, and marks the manager
// disconnected. The state-change callback fires only if the manager was
// connected; a repeated disconnect does not notify again.
func (m *Manager) disconnect(code websocket.StatusCode, reason string) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(code, reason)
	}
	m.setConnected(false)
}

// Disconnect closes the connection and disables the state machine's
// expectation of further traffic on it, without touching auto-reconnect.
func (m *Manager) Disconnect() {
	m.disconnect(websocket.StatusNormalClosure, "client disconnect")
}

// IsConnected reports the current connectedness.
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// Conn returns the active connection, or nil if not connected. Callers
// (the Message Processor) use this for reads/writes.
func (m *Manager) Conn() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Write serializes a text frame write with a bounded timeout.
func (m *Manager) Write(ctx context.Context, data []byte) error {
	conn := m.Conn()
	if conn == nil {
		return fmt.Errorf("wsconn: not connected")
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wsconn: write: %w", err)
	}
	if m.metrics != nil {
		m.metrics.MessagesSent.Inc()
	}
	return nil
}

// Read blocks until a text frame arrives on the active connection, the
// context is cancelled, or the connection drops.
func (m *Manager) Read(ctx context.Context) ([]byte, error) {
	conn := m.Conn()
	if conn == nil {
		return nil, fmt.Errorf("wsconn: not connected")
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("wsconn: read: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("wsconn: unexpected frame type %v", typ)
	}
	if m.metrics != nil {
		m.metrics.MessagesReceived.Inc()
	}
	return data, nil
}

// SetAutoReconnect enables or disables automatic reconnection and updates
// the retry interval / attempt cap used by future reconnect loops.
func (m *Manager) SetAutoReconnect(enable bool, interval time.Duration, maxAttempts int) {
	m.autoReconnect.Store(enable)
	if interval > 0 {
		m.reconnectInterval = interval
	}
	m.maxReconnectAttempts = maxAttempts
}

// SetConnectionCallback installs the state-change callback.
func (m *Manager) SetConnectionCallback(cb StateChangeCallback) {
	m.cbMu.Lock()
	m.onChange = cb
	m.cbMu.Unlock()
}

func (m *Manager) setConnected(connected bool) {
	wasConnected := m.connected.Swap(connected)
	if wasConnected == connected {
		return
	}

	if connected {
		m.notify(Connected, 0)
		return
	}

	m.notify(Disconnected, m.reconnectCount)
	if m.autoReconnect.Load() && m.reconnecting.CompareAndSwap(false, true) {
		m.wg.Add(1)
		go m.reconnectLoop()
	}
}

func (m *Manager) notify(state State, attempt int) {
	m.cbMu.Lock()
	cb := m.onChange
	m.cbMu.Unlock()
	if cb == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error().Interface("panic", r).Msg("connection callback panicked")
			}
		}()
		cb(state, attempt)
	}()
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	defer m.reconnecting.Store(false)

	m.notify(Reconnecting, 0)

	for {
		if m.ctx.Err() != nil {
			return
		}
		if !m.autoReconnect.Load() {
			return
		}

		m.reconnectCount++
		attempt := m.reconnectCount
		if m.metrics != nil {
			m.metrics.ReconnectAttempts.Inc()
		}

		m.mu.Lock()
		err := m.dialLocked(m.ctx)
		m.mu.Unlock()

		if err == nil {
			m.setConnected(true)
			m.log.Info().Str("url", m.url).Msg("connected")
			return
		}

		if attempt <= 3 || attempt%5 == 0 {
			m.log.Warn().Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
		}

		if m.maxReconnectAttempts > 0 && attempt >= m.maxReconnectAttempts {
			m.log.Error().Int("attempts", attempt).Msg("reconnect attempts exhausted")
			m.notify(Exhausted, attempt)
			return
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.reconnectInterval):
		}
	}
}

// Status mirrors connection_manager.cpp's getConnectionStatus().
type Status struct {
	Connected            bool   `json:"connected"`
	URL                   string `json:"url"`
	AutoReconnectEnabled  bool   `json:"autoReconnectEnabled"`
	Reconnecting          bool   `json:"reconnecting"`
	ReconnectCount        int    `json:"reconnectCount"`
	MaxReconnectAttempts  int    `json:"maxReconnectAttempts"`
}

// Status returns a snapshot of the connection manager's state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected:            m.connected.Load(),
		URL:                  m.url,
		AutoReconnectEnabled: m.autoReconnect.Load(),
		Reconnecting:         m.reconnecting.Load(),
		ReconnectCount:       m.reconnectCount,
		MaxReconnectAttempts: m.maxReconnectAttempts,
	}
}

// Close shuts the manager down: disables auto-reconnect, cancels the
// context (unblocking any in-progress reconnect wait), closes the
// connection, and waits for the reconnect goroutine to exit.
func (m *Manager) Close() error {
	m.autoReconnect.Store(false)
	m.cancel()
	m.disconnect(websocket.StatusNormalClosure, "client shutdown")
	m.wg.Wait()
	return nil
}
