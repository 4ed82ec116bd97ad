// Package conn manages the lifecycle of one logical websocket connection:
// connect, reconnect after a fixed delay, keepalive pings, and buffering of
// outbound messages while the socket is not open.
package conn

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openvibe/kubeshell/internal/logging"
)

const (
	// DefaultReconnectDelay is what the shell client and sessions use when
	// no delay is configured.
	DefaultReconnectDelay = 10 * time.Second
	DefaultPingMessage    = "PING"

	writeWait = 10 * time.Second
)

// State is the observable state of a Manager.
type State int

const (
	StatePending State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Message is an outbound payload waiting for the socket to open.
type Message struct {
	ID      string
	Payload string
}

// Listener receives inbound text payloads. Returning true stops delivery to
// the listeners registered after it.
type Listener func(data string) (stop bool)

// Handle identifies a registered data listener.
type Handle int

// Options configures a Manager.
type Options struct {
	// URL is dialed immediately by New when AutoConnect is set.
	URL         string
	AutoConnect bool

	// ReconnectDelay is the fixed wait before redialing after an unclean
	// close. Zero disables automatic reconnection.
	ReconnectDelay time.Duration

	// PingInterval enables application-level pings carrying PingMessage.
	// Zero disables pinging.
	PingInterval time.Duration
	PingMessage  string

	// By default every queued message is sent, in order, as soon as the
	// socket opens. NoFlushOnOpen keeps the queue until Flush is called or
	// a Send finds the socket writable.
	NoFlushOnOpen bool

	Dialer *websocket.Dialer
	Header http.Header

	// Reachable reports whether the network is usable. Sends made while it
	// returns false are queued even if the socket is open; they go out on
	// the next Flush or the next Send made once it returns true again.
	Reachable func() bool

	Logger *zap.Logger
}

// Manager owns one logical socket. All exported methods are safe for
// concurrent use.
type Manager struct {
	reconnectDelay time.Duration
	pingInterval   time.Duration
	pingMessage    string
	flushOnOpen    bool
	dialer         *websocket.Dialer
	header         http.Header
	reachable      func() bool
	logger         *zap.Logger

	mu         sync.Mutex
	state      State
	url        string
	ws         *websocket.Conn
	generation uint64
	pending    []Message
	dialCancel context.CancelFunc
	reconnect  *time.Timer
	pingStop   chan struct{}

	listenersMu    sync.Mutex
	nextHandle     Handle
	dataListeners  []dataListener
	openListeners  []func()
	closeListeners []func(code int)
	errorListeners []func(error)
	stateListeners []func(State)
}

type dataListener struct {
	handle Handle
	fn     Listener
}

// New creates a Manager. It dials opts.URL right away when AutoConnect is set.
func New(opts Options) *Manager {
	m := &Manager{
		reconnectDelay: opts.ReconnectDelay,
		pingInterval:   opts.PingInterval,
		pingMessage:    opts.PingMessage,
		flushOnOpen:    !opts.NoFlushOnOpen,
		dialer:         opts.Dialer,
		header:         opts.Header,
		reachable:      opts.Reachable,
		logger:         logging.OrNop(opts.Logger),
		state:          StatePending,
	}
	if m.pingMessage == "" {
		m.pingMessage = DefaultPingMessage
	}
	if m.dialer == nil {
		m.dialer = websocket.DefaultDialer
	}
	if m.reachable == nil {
		m.reachable = func() bool { return true }
	}
	if opts.AutoConnect && opts.URL != "" {
		m.Connect(opts.URL)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// URL returns the last URL passed to Connect.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Pending returns a copy of the outbound queue.
func (m *Manager) Pending() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.pending))
	copy(out, m.pending)
	return out
}

// Connect closes any existing socket and dials url in the background.
func (m *Manager) Connect(url string) {
	m.mu.Lock()
	m.closeSocketLocked()
	m.generation++
	generation := m.generation
	m.url = url
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	changed := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if changed {
		m.notifyState(StateConnecting)
	}
	m.logger.Debug("connecting", zap.String("url", redactURL(url)))
	go m.dial(ctx, generation, url)
}

func (m *Manager) dial(ctx context.Context, generation uint64, url string) {
	ws, _, err := m.dialer.DialContext(ctx, url, m.header)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.handleDisconnect(generation, err)
		return
	}

	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.dialCancel = nil
	m.ws = ws
	changed := m.setStateLocked(StateOpen)
	if m.flushOnOpen {
		m.flushLocked()
	}
	m.startPingLocked(generation)
	m.mu.Unlock()

	m.logger.Info("connection open", zap.String("url", redactURL(url)))
	if changed {
		m.notifyState(StateOpen)
	}
	for _, fn := range m.snapshotOpen() {
		fn()
	}

	go m.readLoop(generation, ws)
}

func (m *Manager) readLoop(generation uint64, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleDisconnect(generation, err)
			return
		}
		if !m.current(generation) {
			return
		}
		m.Emit(string(data))
	}
}

// handleDisconnect decides between CLOSED and RECONNECTING from the close
// code. Errors that carry no close frame count as abnormal closure.
func (m *Manager) handleDisconnect(generation uint64, err error) {
	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.stopPingLocked()
	if m.ws != nil {
		m.ws.Close()
		m.ws = nil
	}
	m.dialCancel = nil
	state := StateClosed
	if code != websocket.CloseNormalClosure && m.scheduleReconnectLocked() {
		state = StateReconnecting
	}
	changed := m.setStateLocked(state)
	m.mu.Unlock()

	if closeErr == nil {
		m.logger.Warn("socket error", zap.Error(err))
		for _, fn := range m.snapshotError() {
			fn(err)
		}
	}
	m.logger.Info("connection closed", zap.Int("code", code), zap.Stringer("state", state))
	for _, fn := range m.snapshotClose() {
		fn(code)
	}
	if changed {
		m.notifyState(state)
	}
}

// Send writes payload now if the socket is open and the network is
// reachable, otherwise appends it to the pending queue. A direct write first
// drains the queue, so a send never overtakes one queued before it.
func (m *Manager) Send(payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOpen && m.ws != nil && m.reachable() {
		if m.flushLocked(); len(m.pending) > 0 {
			m.pending = append(m.pending, Message{ID: newMessageID(), Payload: payload})
			return
		}
		err := m.writeLocked(payload)
		if err == nil {
			return
		}
		m.logger.Warn("send failed, queueing", zap.Error(err))
	}
	m.pending = append(m.pending, Message{ID: newMessageID(), Payload: payload})
}

// Flush sends every queued message in enqueue order. It is a no-op unless
// the socket is open.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
}

func (m *Manager) flushLocked() {
	if m.state != StateOpen || m.ws == nil {
		return
	}
	for i, msg := range m.pending {
		if err := m.writeLocked(msg.Payload); err != nil {
			m.logger.Warn("flush interrupted", zap.Error(err), zap.Int("remaining", len(m.pending)-i))
			m.pending = m.pending[i:]
			return
		}
	}
	m.pending = nil
}

// Ping sends the keepalive sentinel. It does nothing unless connected.
func (m *Manager) Ping() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || m.ws == nil {
		return
	}
	if err := m.writeLocked(m.pingMessage); err != nil {
		m.logger.Debug("ping failed", zap.Error(err))
	}
}

// Reconnect schedules a one-shot redial after the configured delay. It is a
// no-op when automatic reconnection is disabled.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if !m.scheduleReconnectLocked() {
		m.mu.Unlock()
		return
	}
	changed := m.setStateLocked(StateReconnecting)
	m.mu.Unlock()
	if changed {
		m.notifyState(StateReconnecting)
	}
}

func (m *Manager) scheduleReconnectLocked() bool {
	if m.reconnectDelay <= 0 || m.url == "" {
		return false
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	generation := m.generation
	url := m.url
	m.reconnect = time.AfterFunc(m.reconnectDelay, func() {
		if !m.current(generation) {
			return
		}
		m.Connect(url)
	})
	return true
}

// Destroy closes the socket, drops the queue, cancels every timer and
// detaches all listeners. The Manager returns to StatePending and can be
// reused with Connect.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.closeSocketLocked()
	m.generation++
	m.pending = nil
	m.state = StatePending
	m.mu.Unlock()

	m.listenersMu.Lock()
	m.dataListeners = nil
	m.openListeners = nil
	m.closeListeners = nil
	m.errorListeners = nil
	m.stateListeners = nil
	m.listenersMu.Unlock()
}

func (m *Manager) closeSocketLocked() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.stopPingLocked()
	if m.ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = m.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		m.ws.Close()
		m.ws = nil
	}
}

func (m *Manager) startPingLocked(generation uint64) {
	if m.pingInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.pingStop = stop
	go func() {
		ticker := time.NewTicker(m.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !m.current(generation) {
					return
				}
				m.Ping()
			}
		}
	}()
}

func (m *Manager) stopPingLocked() {
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
}

func (m *Manager) writeLocked(payload string) error {
	m.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return m.ws.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (m *Manager) setStateLocked(s State) bool {
	if m.state == s {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) current(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return generation == m.generation
}

func newMessageID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// redactURL drops the query string, which carries credentials.
func redactURL(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
