// Package session implements the channelized shell protocol on top of a
// conn.Manager: channel-tagged base64 frames, a readiness handshake, periodic
// credential refresh and terminal resize notifications.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openvibe/kubeshell/internal/conn"
	"github.com/openvibe/kubeshell/internal/logging"
)

const (
	DefaultRefreshInterval = time.Minute
	DefaultDestroyGrace    = 2 * time.Second
)

// CredentialSupplier returns the current credential for the shell endpoint.
type CredentialSupplier func(ctx context.Context) (string, error)

// StaticCredentials always returns token.
func StaticCredentials(token string) CredentialSupplier {
	return func(context.Context) (string, error) { return token, nil }
}

// Options configures Open.
type Options struct {
	// BaseURL is the websocket URL of the shell endpoint, without the
	// credential and target parameters.
	BaseURL     string
	Target      Target
	Credentials CredentialSupplier

	// SizeHint, when set, is sent as the first resize once the session is
	// ready.
	SizeHint *TerminalSize

	RefreshInterval time.Duration
	DestroyGrace    time.Duration

	// Conn configures the underlying connection. URL, AutoConnect and
	// NoFlushOnOpen are managed by the session.
	Conn conn.Options

	Logger *zap.Logger
}

// Session is one interactive shell. Sends made before the remote shell
// produces its first output are held and flushed in order once it does.
type Session struct {
	conn         *conn.Manager
	credentials  CredentialSupplier
	destroyGrace time.Duration
	logger       *zap.Logger

	mu          sync.Mutex
	ready       bool
	token       string
	size        *TerminalSize
	readyHandle conn.Handle
	stopRefresh context.CancelFunc
	destroyed   bool
	done        chan struct{}

	listenersMu    sync.Mutex
	dataListeners  []func(Frame)
	readyListeners []func()
}

// Open fetches a credential, connects to the shell endpoint and returns the
// session immediately; readiness is reported through OnReady.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Credentials == nil {
		return nil, fmt.Errorf("session: credential supplier is required")
	}
	token, err := opts.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: fetch credential: %w", err)
	}
	url, err := BuildURL(opts.BaseURL, token, opts.Target)
	if err != nil {
		return nil, err
	}

	s := &Session{
		credentials:  opts.Credentials,
		destroyGrace: opts.DestroyGrace,
		logger:       logging.OrNop(opts.Logger).With(zap.String("target", opts.Target.ID)),
		token:        token,
		done:         make(chan struct{}),
	}
	if s.destroyGrace <= 0 {
		s.destroyGrace = DefaultDestroyGrace
	}
	refreshInterval := opts.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}

	connOpts := opts.Conn
	connOpts.URL = url
	connOpts.AutoConnect = false
	connOpts.NoFlushOnOpen = true
	if connOpts.Logger == nil {
		connOpts.Logger = s.logger
	}
	reachable := connOpts.Reachable
	connOpts.Reachable = func() bool {
		return s.Ready() && (reachable == nil || reachable())
	}

	s.conn = conn.New(connOpts)
	s.readyHandle = s.conn.PrependData(s.interceptReady)
	s.conn.OnData(s.dispatch)
	s.conn.OnOpen(s.flushIfReady)

	if opts.SizeHint != nil {
		s.SendTerminalSize(opts.SizeHint.Width, opts.SizeHint.Height)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	s.stopRefresh = cancel
	go s.refreshLoop(refreshCtx, refreshInterval)

	s.conn.Connect(url)
	return s, nil
}

// Conn exposes the underlying connection for state observation.
func (s *Session) Conn() *conn.Manager {
	return s.conn
}

// Ready reports whether the remote shell has produced output yet.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Done is closed once Destroy has torn down the connection.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OnData registers fn to receive every decoded inbound frame.
func (s *Session) OnData(fn func(Frame)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.dataListeners = append(s.dataListeners, fn)
}

// OnReady registers fn to run once when the session becomes ready.
func (s *Session) OnReady(fn func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.readyListeners = append(s.readyListeners, fn)
}

// interceptReady sits at the head of the connection's listener chain until
// the first usable frame arrives. It marks the session ready, flushes held
// sends and replays the frame to the regular listeners.
func (s *Session) interceptReady(data string) bool {
	frame, err := Decode(data)
	if err != nil || len(frame.Data) == 0 {
		return true
	}

	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return false
	}
	s.ready = true
	s.mu.Unlock()
	s.conn.RemoveData(s.readyHandle)

	s.logger.Debug("session ready")
	s.listenersMu.Lock()
	readyListeners := append([]func(){}, s.readyListeners...)
	s.listenersMu.Unlock()
	for _, fn := range readyListeners {
		fn()
	}

	s.conn.Flush()
	s.conn.Emit(data)
	return true
}

// flushIfReady drains sends queued while a ready session was reconnecting.
// Before the first ready the interceptor does the flush instead.
func (s *Session) flushIfReady() {
	if s.Ready() {
		s.conn.Flush()
	}
}

func (s *Session) dispatch(data string) bool {
	frame, err := Decode(data)
	if err != nil {
		s.logger.Debug("dropping frame", zap.Error(err))
		return true
	}
	if len(frame.Data) == 0 {
		return false
	}

	s.listenersMu.Lock()
	listeners := append([]func(Frame){}, s.dataListeners...)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(frame)
	}
	return false
}

// SendCommand sends text on the given channel.
func (s *Session) SendCommand(text string, ch Channel) {
	s.conn.Send(Encode(ch, []byte(text)))
}

// SendInput sends keystrokes on stdin.
func (s *Session) SendInput(text string) {
	s.SendCommand(text, ChannelStdin)
}

// SendTerminalSize notifies the remote shell of a new size. Repeating the
// last size is a no-op.
func (s *Session) SendTerminalSize(cols, rows int) {
	size := TerminalSize{Width: cols, Height: rows}

	s.mu.Lock()
	if s.size != nil && *s.size == size {
		s.mu.Unlock()
		return
	}
	s.size = &size
	s.mu.Unlock()

	s.conn.Send(EncodeResize(size))
}

func (s *Session) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshToken(ctx)
		}
	}
}

// refreshToken pushes a new credential on the token channel when the
// supplier returns one that differs from the last one sent.
func (s *Session) refreshToken(ctx context.Context) {
	token, err := s.credentials(ctx)
	if err != nil {
		s.logger.Warn("credential refresh failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if !s.ready || token == s.token {
		s.mu.Unlock()
		return
	}
	s.token = token
	s.mu.Unlock()

	s.SendCommand(token, ChannelToken)
}

// Destroy ends the remote shell with an end-of-transmission byte, stops the
// refresh loop and tears the connection down after a short grace period so
// the byte can reach the shell. Calling it more than once is a no-op.
func (s *Session) Destroy() {
	if s == nil || s.conn == nil {
		return
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	stop := s.stopRefresh
	s.mu.Unlock()

	s.SendInput(EndOfTransmission)
	if stop != nil {
		stop()
	}
	time.AfterFunc(s.destroyGrace, func() {
		s.conn.Destroy()
		close(s.done)
	})
}
