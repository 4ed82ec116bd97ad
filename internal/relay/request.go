package relay

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
)

const maxHeaderBytes = 1 << 20

var (
	ErrMalformedRequest = errors.New("relay: malformed request head")
	ErrHeaderTooLarge   = errors.New("relay: request head too large")
)

// Request is an inbound request head as it appeared on the wire. RawHeaders
// keeps the original order, case and duplicates as a flat key/value list.
type Request struct {
	Method     string
	Path       string
	Proto      string
	Host       string
	RawHeaders []string

	// Head holds bytes the client sent after the header block that were
	// already read off the socket.
	Head []byte

	// Cluster is filled in by the relay from Host when empty.
	Cluster string
}

// Header returns the first value of key, ignoring case.
func (r *Request) Header(key string) string {
	for _, kv := range ChunkPairs(r.RawHeaders) {
		if strings.EqualFold(kv[0], key) {
			return kv[1]
		}
	}
	return ""
}

// HTTPVersion returns the protocol of the request line, HTTP/1.1 if unknown.
func (r *Request) HTTPVersion() string {
	if strings.HasPrefix(r.Proto, "HTTP/") {
		return r.Proto
	}
	return "HTTP/1.1"
}

// IsUpgrade reports whether the request asks to switch protocols, either with
// Connection: upgrade plus an Upgrade header or with CONNECT.
func IsUpgrade(r *Request) bool {
	if r.Method == "CONNECT" {
		return true
	}
	if r.Header("Upgrade") == "" {
		return false
	}
	for _, kv := range ChunkPairs(r.RawHeaders) {
		if !strings.EqualFold(kv[0], "Connection") {
			continue
		}
		for _, token := range strings.Split(kv[1], ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// ReadRequest parses a request line and header block from br. Whatever br
// has buffered past the blank line becomes Head.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	size := len(line)
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	req := &Request{Method: parts[0], Path: parts[1], Proto: parts[2]}

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		size += len(line)
		if size > maxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// obsolete line folding continues the previous value
			if len(req.RawHeaders) == 0 {
				return nil, fmt.Errorf("%w: continuation before first header", ErrMalformedRequest)
			}
			last := len(req.RawHeaders) - 1
			req.RawHeaders[last] += " " + strings.TrimSpace(line)
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedRequest, line)
		}
		value = strings.TrimSpace(value)
		req.RawHeaders = append(req.RawHeaders, key, value)
		if req.Host == "" && strings.EqualFold(key, "Host") {
			req.Host = value
		}
	}

	if n := br.Buffered(); n > 0 {
		buffered, _ := br.Peek(n)
		req.Head = append([]byte(nil), buffered...)
		br.Discard(n)
	}
	return req, nil
}

// ClusterFromHost returns the first DNS label of host when host lives under
// proxyDomain, and fallback otherwise.
func ClusterFromHost(host, proxyDomain, fallback string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	proxyDomain = strings.ToLower(strings.Trim(proxyDomain, "."))
	if proxyDomain == "" || !strings.HasSuffix(host, "."+proxyDomain) {
		return fallback
	}
	sub := strings.TrimSuffix(host, "."+proxyDomain)
	label, _, _ := strings.Cut(sub, ".")
	if label == "" {
		return fallback
	}
	return label
}
