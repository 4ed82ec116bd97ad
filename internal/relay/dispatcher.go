package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openvibe/kubeshell/internal/logging"
)

const defaultHeadTimeout = 10 * time.Second

// Dispatcher reads the head of every accepted connection itself so upgrade
// requests keep their raw header order. Upgrades under the relay prefix get
// their own tunnel; everything else is replayed into an http.Server serving
// Handler.
type Dispatcher struct {
	Relay   *Relay
	Handler http.Handler
	Logger  *zap.Logger

	// HeadTimeout bounds how long a new connection may take to send its
	// request head.
	HeadTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	inner  *connListener
	srv    *http.Server
	closed bool
	wg     sync.WaitGroup
}

// Serve accepts connections on ln until Close is called. It returns
// http.ErrServerClosed after Close.
func (d *Dispatcher) Serve(ln net.Listener) error {
	log := logging.OrNop(d.Logger)
	inner := newConnListener(ln.Addr())
	srv := &http.Server{
		Handler:           d.Handler,
		ReadHeaderTimeout: d.headTimeout(),
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	d.ln = ln
	d.inner = inner
	d.srv = srv
	d.mu.Unlock()

	go srv.Serve(inner)

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if d.isClosed() {
				return http.ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				log.Warn("accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.dispatch(c, inner)
		}()
	}
}

func (d *Dispatcher) dispatch(c net.Conn, inner *connListener) {
	log := logging.OrNop(d.Logger)

	var recorded bytes.Buffer
	br := bufio.NewReader(io.TeeReader(c, &recorded))
	c.SetReadDeadline(time.Now().Add(d.headTimeout()))
	req, err := ReadRequest(br)
	c.SetReadDeadline(time.Time{})

	if err == nil && d.Relay != nil && d.Relay.Matches(req) {
		d.Relay.Serve(context.Background(), c, req)
		return
	}
	if err != nil {
		if recorded.Len() == 0 {
			c.Close()
			return
		}
		log.Debug("unparsed request head, passing to http server", zap.Error(err))
	}

	replay := &replayConn{Conn: c, r: io.MultiReader(bytes.NewReader(recorded.Bytes()), c)}
	if !inner.push(replay) {
		c.Close()
	}
}

func (d *Dispatcher) headTimeout() time.Duration {
	if d.HeadTimeout > 0 {
		return d.HeadTimeout
	}
	return defaultHeadTimeout
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops accepting, closes every active tunnel and shuts the http
// server down, waiting up to ctx for in-flight requests.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ln, inner, srv := d.ln, d.inner, d.srv
	d.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if d.Relay != nil && d.Relay.Registry != nil {
		d.Relay.Registry.CloseAll()
	}
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if inner != nil {
		inner.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// replayConn serves the bytes already read during dispatch before reading
// from the socket again.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// connListener hands dispatched connections to an http.Server.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *connListener) push(c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}
