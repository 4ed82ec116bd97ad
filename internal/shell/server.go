// Package shell serves interactive shells over websocket using the
// channelized session protocol.
package shell

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openvibe/kubeshell/internal/conn"
	"github.com/openvibe/kubeshell/internal/logging"
	"github.com/openvibe/kubeshell/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
	readBufferSize = 32 * 1024
)

// ErrUnauthorized is returned for a missing or wrong token.
var ErrUnauthorized = errors.New("unauthorized")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config holds shell server configuration
type Config struct {
	Token   string // Pre-shared secret, empty disables auth
	Spawner Spawner

	// InputRate and InputBurst pace stdin frames per connection. Frames over
	// the rate wait for a token.
	InputRate  rate.Limit
	InputBurst int

	// PingMessage is the client keepalive sentinel, dropped on receipt.
	PingMessage string

	Logger *zap.Logger
}

// Server handles shell websocket connections
type Server struct {
	config *Config
	logger *zap.Logger
	conns  map[*shellConn]bool
	mu     sync.RWMutex
}

// shellConn is one websocket bound to one process
type shellConn struct {
	server  *Server
	conn    *websocket.Conn
	proc    Process
	target  session.Target
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	logger  *zap.Logger

	// ctx is cancelled on shutdown and bounds limiter waits.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	token     string
	closeCode int
	closeOnce sync.Once
}

// NewServer creates a shell server
func NewServer(cfg *Config) *Server {
	if cfg.InputRate == 0 {
		cfg.InputRate = rate.Limit(1000)
	}
	if cfg.InputBurst == 0 {
		cfg.InputBurst = 10
	}
	if cfg.PingMessage == "" {
		cfg.PingMessage = conn.DefaultPingMessage
	}
	if cfg.Spawner == nil {
		cfg.Spawner = &PTYSpawner{}
	}
	return &Server{
		config: cfg,
		logger: logging.OrNop(cfg.Logger),
		conns:  make(map[*shellConn]bool),
	}
}

func (s *Server) checkToken(token string) error {
	if s.config.Token == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// HandleShell upgrades GET /shell?token=&id=[&node=&type=node] and attaches a
// freshly spawned process.
func (s *Server) HandleShell(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	if err := s.checkToken(token); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	target := session.Target{ID: q.Get("id")}
	if target.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if q.Get("type") == "node" {
		target.Node = q.Get("node")
		if target.Node == "" {
			http.Error(w, "node is required for node shells", http.StatusBadRequest)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("shell upgrade failed", zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("target", target.ID), zap.String("node", target.Node))
	proc, err := s.config.Spawner.Spawn(context.Background(), target, session.TerminalSize{})
	if err != nil {
		logger.Error("spawn failed", zap.Error(err))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "spawn failed"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &shellConn{
		server:    s,
		conn:      ws,
		proc:      proc,
		target:    target,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(s.config.InputRate, s.config.InputBurst),
		logger:    logger,
		token:     token,
		closeCode: websocket.CloseNormalClosure,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()

	logger.Info("shell attached", zap.String("remote", ws.RemoteAddr().String()))

	go c.writePump()
	go c.outputPump()
	go c.readPump()
}

// Count returns the number of attached shells
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// CloseAll terminates every attached shell
func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*shellConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway)
	}
}

func (c *shellConn) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
		c.shutdown(websocket.CloseNormalClosure)
		c.logger.Info("shell detached")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("shell read error", zap.Error(err))
			}
			return
		}
		// Any inbound traffic proves the client is alive.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.handleMessage(string(message)) {
			return
		}
	}
}

// handleMessage applies one inbound frame. It returns false when the
// connection must end.
func (c *shellConn) handleMessage(data string) bool {
	if data == c.server.config.PingMessage {
		return true
	}
	frame, err := session.Decode(data)
	if err != nil {
		c.logger.Debug("ignoring frame", zap.Error(err))
		return true
	}

	switch frame.Channel {
	case session.ChannelStdin:
		// Excess input is delayed, never dropped.
		if err := c.limiter.Wait(c.ctx); err != nil {
			return false
		}
		if _, err := c.proc.Write(frame.Data); err != nil {
			if !logging.IsExpectedClose(err) {
				c.logger.Warn("stdin write failed", zap.Error(err))
			}
			return false
		}

	case session.ChannelResize:
		size, err := session.DecodeResize(frame.Data)
		if err != nil {
			c.logger.Debug("ignoring resize", zap.Error(err))
			return true
		}
		if err := c.proc.Resize(size); err != nil {
			c.logger.Debug("resize failed", zap.Error(err))
		}

	case session.ChannelToken:
		token := string(frame.Data)
		if err := c.server.checkToken(token); err != nil {
			c.logger.Warn("token refresh rejected")
			c.setCloseCode(websocket.ClosePolicyViolation)
			return false
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
		c.logger.Debug("token refreshed")

	default:
		c.logger.Debug("ignoring channel", zap.Int("channel", int(frame.Channel)))
	}
	return true
}

// outputPump forwards process output as stdout frames until the process
// ends, then closes the send queue so the write pump says goodbye.
func (c *shellConn) outputPump() {
	defer close(c.send)

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.proc.Read(buf)
		if n > 0 {
			frame := []byte(session.Encode(session.ChannelStdout, buf[:n]))
			select {
			case c.send <- frame:
			case <-c.done:
				return
			}
		}
		if err != nil {
			break
		}
	}
	if err := c.proc.Wait(); err != nil {
		c.logger.Info("shell exited", zap.Error(err))
	} else {
		c.logger.Info("shell exited")
	}
}

func (c *shellConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.getCloseCode(), ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown kills the process. The output pump then drains and the write pump
// sends the close frame.
func (c *shellConn) shutdown(code int) {
	c.closeOnce.Do(func() {
		c.setCloseCode(code)
		c.cancel()
		close(c.done)
		c.proc.Close()
	})
}

func (c *shellConn) setCloseCode(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == websocket.CloseNormalClosure {
		c.closeCode = code
	}
}

func (c *shellConn) getCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}
