package relay

import (
	"bufio"
	"io"
	"strings"
)

// FilteredHeaders are never copied from the client request to the upstream.
// The upstream connection carries its own authority and identity. Keys are
// lower case.
var FilteredHeaders = map[string]struct{}{
	"host":          {},
	"authorization": {},
}

// IsFiltered reports whether key is in FilteredHeaders, ignoring case.
func IsFiltered(key string) bool {
	_, ok := FilteredHeaders[strings.ToLower(key)]
	return ok
}

// ChunkPairs groups a flat alternating key/value list into pairs. A trailing
// key without a value is dropped.
func ChunkPairs(raw []string) [][2]string {
	pairs := make([][2]string, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		pairs = append(pairs, [2]string{raw[i], raw[i+1]})
	}
	return pairs
}

// UpstreamHead is the request head written to the upstream socket before any
// relayed bytes.
type UpstreamHead struct {
	Method string
	Path   string
	Host   string

	// Authorization, when set, is sent in place of the filtered client
	// header.
	Authorization string

	RawHeaders []string
	Head       []byte
}

// WriteTo writes the request line, the synthesized Host header, the unfiltered
// raw headers in their original order, the blank line and finally Head.
func (h UpstreamHead) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	bw.WriteString(h.Method + " " + h.Path + " HTTP/1.1\r\n")
	bw.WriteString("Host: " + h.Host + "\r\n")
	if h.Authorization != "" {
		bw.WriteString("Authorization: " + h.Authorization + "\r\n")
	}
	for _, kv := range ChunkPairs(h.RawHeaders) {
		if IsFiltered(kv[0]) {
			continue
		}
		bw.WriteString(kv[0] + ": " + kv[1] + "\r\n")
	}
	bw.WriteString("\r\n")
	bw.Write(h.Head)

	err := bw.Flush()
	return cw.n, err
}

// WriteUpstreamHead writes an upstream request head without an identity
// replacement.
func WriteUpstreamHead(w io.Writer, method, path, host string, raw []string, head []byte) error {
	_, err := UpstreamHead{
		Method:     method,
		Path:       path,
		Host:       host,
		RawHeaders: raw,
		Head:       head,
	}.WriteTo(w)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
