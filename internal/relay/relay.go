// Package relay hands upgraded HTTP connections (exec, attach, port-forward)
// to an upstream API server over a fresh TLS socket and copies raw bytes in
// both directions until either side ends.
package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openvibe/kubeshell/internal/buffer"
	"github.com/openvibe/kubeshell/internal/logging"
)

const (
	DefaultDialTimeout     = 10 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second

	eventTimeout = 2 * time.Second
)

// Destination is where a tunnel connects and how it trusts the peer.
type Destination struct {
	URL        *url.URL
	RootCAs    *x509.CertPool
	ServerName string

	// BearerToken, when set, is sent as the upstream Authorization header.
	BearerToken string
}

// Resolver maps an inbound request to its upstream destination.
type Resolver interface {
	Resolve(ctx context.Context, req *Request) (*Destination, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, req *Request) (*Destination, error)

func (f ResolverFunc) Resolve(ctx context.Context, req *Request) (*Destination, error) {
	return f(ctx, req)
}

// Relay serves upgrade requests under Prefix. Tunnels share nothing but the
// Registry and the Events buffer.
type Relay struct {
	Prefix   string
	Resolver Resolver

	// ProxyDomain and DefaultCluster derive Request.Cluster from Host.
	ProxyDomain    string
	DefaultCluster string

	Registry *Registry
	Events   buffer.Buffer
	Logger   *zap.Logger

	DialTimeout     time.Duration
	KeepAlivePeriod time.Duration
}

// Matches reports whether req is an upgrade under the relay prefix.
func (r *Relay) Matches(req *Request) bool {
	return r.matchesPath(req.Path) && IsUpgrade(req)
}

func (r *Relay) matchesPath(path string) bool {
	prefix := strings.TrimSuffix(r.Prefix, "/")
	if prefix == "" {
		return true
	}
	p, _, _ := strings.Cut(path, "?")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// StripPrefix returns the upstream path for an inbound path.
func (r *Relay) StripPrefix(path string) string {
	prefix := strings.TrimSuffix(r.Prefix, "/")
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	if rest == "" || rest[0] == '?' {
		rest = "/" + rest
	}
	return rest
}

// Serve runs one tunnel to completion. It owns client and closes it before
// returning. Failures before the tunnel is established answer the client with
// a 500 status line.
func (r *Relay) Serve(ctx context.Context, client net.Conn, req *Request) {
	if req.Cluster == "" {
		req.Cluster = ClusterFromHost(req.Host, r.ProxyDomain, r.DefaultCluster)
	}
	log := logging.OrNop(r.Logger).With(
		zap.String("cluster", req.Cluster),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
	)

	if r.Resolver == nil {
		r.abort(client, nil, req, log, errors.New("relay: no resolver configured"))
		return
	}
	dest, err := r.Resolver.Resolve(ctx, req)
	if err != nil {
		r.abort(client, nil, req, log, fmt.Errorf("resolve destination: %w", err))
		return
	}
	if dest == nil || dest.URL == nil {
		r.abort(client, nil, req, log, errors.New("resolve destination: empty result"))
		return
	}

	upstream, err := r.dial(ctx, dest)
	if err != nil {
		r.abort(client, nil, req, log, err)
		return
	}

	head := UpstreamHead{
		Method:     req.Method,
		Path:       r.StripPrefix(req.Path),
		Host:       dest.URL.Host,
		RawHeaders: req.RawHeaders,
		Head:       req.Head,
	}
	if dest.BearerToken != "" {
		head.Authorization = "Bearer " + dest.BearerToken
	}
	if _, err := head.WriteTo(upstream); err != nil {
		r.abort(client, upstream, req, log, fmt.Errorf("write upstream head: %w", err))
		return
	}

	r.prepare(client)
	r.prepare(upstream)

	t := &Tunnel{
		Cluster:  req.Cluster,
		Method:   req.Method,
		Path:     head.Path,
		Upstream: dest.URL.Host,
		Remote:   client.RemoteAddr().String(),
		client:   client,
		upstream: upstream,
	}
	if r.Registry != nil {
		r.Registry.Add(t)
		defer r.Registry.Remove(t.ID)
	} else {
		t.ID = "local"
		t.Started = time.Now()
	}
	log = log.With(zap.String("tunnel_id", t.ID), zap.String("upstream", t.Upstream))
	log.Info("tunnel open")
	r.record(req.Cluster, buffer.EventTunnelOpen, t, nil)

	err = pipe(t, req.HTTPVersion())
	info := t.Info()
	fields := []zap.Field{
		zap.Int64("bytes_up", info.BytesUp),
		zap.Int64("bytes_down", info.BytesDown),
		zap.Duration("duration", time.Since(t.Started)),
	}
	switch {
	case err == nil:
		log.Info("tunnel closed", fields...)
		r.record(req.Cluster, buffer.EventTunnelClose, t, nil)
	case logging.IsExpectedClose(err):
		log.Debug("tunnel ended", append(fields, zap.Error(err))...)
		r.record(req.Cluster, buffer.EventTunnelError, t, err)
	default:
		log.Warn("tunnel failed", append(fields, zap.Error(err))...)
		r.record(req.Cluster, buffer.EventTunnelError, t, err)
	}
}

// ServeHTTP relays upgrades that arrive through net/http, typically later
// requests on a kept-alive connection. Header order is rebuilt from
// r.Header in sorted key order.
func (r *Relay) ServeHTTP(w http.ResponseWriter, hr *http.Request) {
	req := &Request{
		Method:     hr.Method,
		Path:       hr.URL.RequestURI(),
		Proto:      hr.Proto,
		Host:       hr.Host,
		RawHeaders: flattenHeader(hr.Header),
	}
	if !r.Matches(req) {
		http.NotFound(w, hr)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be upgraded", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		logging.OrNop(r.Logger).Warn("hijack failed", zap.Error(err))
		return
	}
	if n := brw.Reader.Buffered(); n > 0 {
		buffered, _ := brw.Reader.Peek(n)
		req.Head = append([]byte(nil), buffered...)
	}
	r.Serve(hr.Context(), conn, req)
}

func flattenHeader(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var raw []string
	for _, k := range keys {
		for _, v := range h[k] {
			raw = append(raw, k, v)
		}
	}
	return raw
}

// dial opens the upstream socket. The TLS handshake runs on the first write.
func (r *Relay) dial(ctx context.Context, dest *Destination) (net.Conn, error) {
	host := dest.URL.Hostname()
	port := dest.URL.Port()
	if port == "" {
		port = "443"
	}
	timeout := r.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout, KeepAlive: r.keepAlivePeriod()}
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", dest.URL.Host, err)
	}

	serverName := dest.ServerName
	if serverName == "" {
		serverName = host
	}
	return tls.Client(raw, &tls.Config{
		RootCAs:    dest.RootCAs,
		ServerName: serverName,
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
	}), nil
}

func (r *Relay) keepAlivePeriod() time.Duration {
	if r.KeepAlivePeriod > 0 {
		return r.KeepAlivePeriod
	}
	return DefaultKeepAlivePeriod
}

// prepare turns on TCP keepalive and clears any deadline.
func (r *Relay) prepare(c net.Conn) {
	c.SetDeadline(time.Time{})
	raw := c
	if tc, ok := c.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(r.keepAlivePeriod())
	}
}

func (r *Relay) abort(client, upstream net.Conn, req *Request, log *zap.Logger, err error) {
	log.Warn("tunnel setup failed", zap.Error(err))
	writeInternalError(client, req.HTTPVersion())
	client.Close()
	if upstream != nil {
		upstream.Close()
	}
	r.record(req.Cluster, buffer.EventTunnelError, &Tunnel{Method: req.Method, Path: req.Path}, err)
}

func (r *Relay) record(cluster, typ string, t *Tunnel, cause error) {
	if r.Events == nil {
		return
	}
	details := buffer.Tunnel{Method: t.Method, Path: t.Path, Upstream: t.Upstream}
	if typ != buffer.EventTunnelOpen {
		info := t.Info()
		details.BytesUp = info.BytesUp
		details.BytesDown = info.BytesDown
	}
	if cause != nil {
		details.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	ev := buffer.Event{Type: typ, TunnelID: t.ID, Tunnel: details}
	if _, err := buffer.Record(ctx, r.Events, cluster, ev); err != nil {
		logging.OrNop(r.Logger).Debug("event record failed", zap.Error(err))
	}
}

// pipe copies both directions. A clean end on one side half-closes the
// other; any error answers the client with a 500 status line and closes
// both sockets. The first error is returned.
func pipe(t *Tunnel, version string) error {
	var (
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			writeInternalError(t.client, version)
			t.client.Close()
			t.upstream.Close()
		})
	}
	half := func(dst, src net.Conn, counter interface{ Add(int64) int64 }) {
		defer wg.Done()
		n, err := io.Copy(dst, src)
		counter.Add(n)
		// net.ErrClosed only comes from our own Close on the paired side
		if err != nil && !errors.Is(err, net.ErrClosed) {
			fail(err)
			return
		}
		closeWrite(dst)
	}

	wg.Add(2)
	go half(t.upstream, t.client, &t.bytesUp)
	go half(t.client, t.upstream, &t.bytesDown)
	wg.Wait()

	t.client.Close()
	t.upstream.Close()
	return firstErr
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	c.Close()
}

func writeInternalError(c net.Conn, version string) {
	c.SetWriteDeadline(time.Now().Add(time.Second))
	io.WriteString(c, version+" 500 Internal Server Error\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
}
