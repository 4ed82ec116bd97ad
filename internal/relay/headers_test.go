package relay

import (
	"bufio"
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestChunkPairs(t *testing.T) {
	tests := []struct {
		name string
		raw  []string
		want [][2]string
	}{
		{"empty", nil, [][2]string{}},
		{"even", []string{"A", "1", "B", "2"}, [][2]string{{"A", "1"}, {"B", "2"}}},
		{"odd trailing key dropped", []string{"X-Foo", "c", "X-Bar"}, [][2]string{{"X-Foo", "c"}}},
		{"single key", []string{"X-Bar"}, [][2]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChunkPairs(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ChunkPairs(%q) = %q; want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestWriteUpstreamHeadFiltersIdentity(t *testing.T) {
	var buf bytes.Buffer
	raw := []string{"Host", "a", "Authorization", "b", "X-Foo", "c"}
	if err := WriteUpstreamHead(&buf, "POST", "/api/v1/exec", "k8s.internal:6443", raw, nil); err != nil {
		t.Fatal(err)
	}
	got := buf.String()

	want := "POST /api/v1/exec HTTP/1.1\r\nHost: k8s.internal:6443\r\nX-Foo: c\r\n\r\n"
	if got != want {
		t.Fatalf("head =\n%q\nwant\n%q", got, want)
	}
	if strings.Contains(got, "Host: a") || strings.Contains(got, "Authorization") {
		t.Errorf("filtered header leaked: %q", got)
	}
}

func TestWriteUpstreamHeadCaseInsensitiveFilter(t *testing.T) {
	var buf bytes.Buffer
	raw := []string{"HOST", "a", "authorization", "b", "AuThOrIzAtIoN", "c", "x-foo", "c"}
	if err := WriteUpstreamHead(&buf, "GET", "/", "up", raw, nil); err != nil {
		t.Fatal(err)
	}
	got := strings.ToLower(buf.String())
	if strings.Count(got, "host:") != 1 || strings.Contains(got, "authorization") {
		t.Errorf("head = %q", buf.String())
	}
}

func TestWriteUpstreamHeadOddCount(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUpstreamHead(&buf, "GET", "/x", "up", []string{"X-Foo", "c", "X-Bar"}, nil); err != nil {
		t.Fatal(err)
	}
	want := "GET /x HTTP/1.1\r\nHost: up\r\nX-Foo: c\r\n\r\n"
	if buf.String() != want {
		t.Errorf("head = %q; want %q", buf.String(), want)
	}
}

func TestUpstreamHeadPreservesOrderAndHead(t *testing.T) {
	var buf bytes.Buffer
	h := UpstreamHead{
		Method:        "GET",
		Path:          "/api/v1/namespaces/default/pods/p/exec?command=sh",
		Host:          "up:443",
		Authorization: "Bearer upstream",
		RawHeaders:    []string{"Upgrade", "SPDY/3.1", "Connection", "Upgrade", "X-Stream-Protocol-Version", "v4.channel.k8s.io", "X-Stream-Protocol-Version", "v3.channel.k8s.io"},
		Head:          []byte("early"),
	}
	n, err := h.WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	want := "GET /api/v1/namespaces/default/pods/p/exec?command=sh HTTP/1.1\r\n" +
		"Host: up:443\r\n" +
		"Authorization: Bearer upstream\r\n" +
		"Upgrade: SPDY/3.1\r\n" +
		"Connection: Upgrade\r\n" +
		"X-Stream-Protocol-Version: v4.channel.k8s.io\r\n" +
		"X-Stream-Protocol-Version: v3.channel.k8s.io\r\n" +
		"\r\n" +
		"early"
	if buf.String() != want {
		t.Errorf("head =\n%q\nwant\n%q", buf.String(), want)
	}
	if n != int64(len(want)) {
		t.Errorf("WriteTo n = %d; want %d", n, len(want))
	}
}

func TestReadRequest(t *testing.T) {
	in := "GET /api-kube/api/v1/exec?x=1 HTTP/1.1\r\n" +
		"Host: dev.localhost:8080\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: SPDY/3.1\r\n" +
		"X-Stream-Protocol-Version: v4.channel.k8s.io\r\n" +
		"x-stream-protocol-version: v3.channel.k8s.io\r\n" +
		"\r\n" +
		"trailing"
	req, err := ReadRequest(bufio.NewReader(strings.NewReader(in)))
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "GET" || req.Path != "/api-kube/api/v1/exec?x=1" || req.Proto != "HTTP/1.1" {
		t.Errorf("request line = %s %s %s", req.Method, req.Path, req.Proto)
	}
	if req.Host != "dev.localhost:8080" {
		t.Errorf("Host = %q", req.Host)
	}
	wantRaw := []string{
		"Host", "dev.localhost:8080",
		"Connection", "Upgrade",
		"Upgrade", "SPDY/3.1",
		"X-Stream-Protocol-Version", "v4.channel.k8s.io",
		"x-stream-protocol-version", "v3.channel.k8s.io",
	}
	if !reflect.DeepEqual(req.RawHeaders, wantRaw) {
		t.Errorf("RawHeaders = %q", req.RawHeaders)
	}
	if string(req.Head) != "trailing" {
		t.Errorf("Head = %q; want trailing", req.Head)
	}
	if !IsUpgrade(req) {
		t.Error("IsUpgrade = false")
	}
}

func TestReadRequestMalformed(t *testing.T) {
	tests := []string{
		"GARBAGE\r\n\r\n",
		"GET / FTP/1.0\r\n\r\n",
		"GET / HTTP/1.1\r\nNoColon\r\n\r\n",
		"GET / HTTP/1.1\r\n continuation\r\n\r\n",
		"GET / HTTP/1.1\r\nHost: a\r\n",
	}
	for _, in := range tests {
		_, err := ReadRequest(bufio.NewReader(strings.NewReader(in)))
		if !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("ReadRequest(%q) error = %v; want ErrMalformedRequest", in, err)
		}
	}
}

func TestIsUpgrade(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want bool
	}{
		{"websocket", Request{Method: "GET", RawHeaders: []string{"Connection", "Upgrade", "Upgrade", "websocket"}}, true},
		{"token list", Request{Method: "GET", RawHeaders: []string{"Connection", "keep-alive, upgrade", "Upgrade", "SPDY/3.1"}}, true},
		{"connect", Request{Method: "CONNECT"}, true},
		{"no upgrade header", Request{Method: "GET", RawHeaders: []string{"Connection", "Upgrade"}}, false},
		{"no connection token", Request{Method: "GET", RawHeaders: []string{"Connection", "keep-alive", "Upgrade", "websocket"}}, false},
		{"plain", Request{Method: "GET"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUpgrade(&tt.req); got != tt.want {
				t.Errorf("IsUpgrade = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPVersion(t *testing.T) {
	if v := (&Request{Proto: "HTTP/1.0"}).HTTPVersion(); v != "HTTP/1.0" {
		t.Errorf("HTTPVersion = %q", v)
	}
	if v := (&Request{}).HTTPVersion(); v != "HTTP/1.1" {
		t.Errorf("HTTPVersion default = %q", v)
	}
}

func TestClusterFromHost(t *testing.T) {
	tests := []struct {
		host, domain, want string
	}{
		{"dev.localhost:8080", "localhost", "dev"},
		{"DEV.LocalHost", "localhost", "dev"},
		{"a.b.localhost", "localhost", "a"},
		{"localhost:8080", "localhost", "default"},
		{"dev.example.com", "localhost", "default"},
		{"dev.localhost", "", "default"},
		{"[::1]:8080", "localhost", "default"},
	}
	for _, tt := range tests {
		if got := ClusterFromHost(tt.host, tt.domain, "default"); got != tt.want {
			t.Errorf("ClusterFromHost(%q, %q) = %q; want %q", tt.host, tt.domain, got, tt.want)
		}
	}
}

func TestPrefixHandling(t *testing.T) {
	r := &Relay{Prefix: "/api-kube/"}
	tests := []struct {
		path     string
		matches  bool
		stripped string
	}{
		{"/api-kube/api/v1/exec", true, "/api/v1/exec"},
		{"/api-kube", true, "/"},
		{"/api-kube?watch=1", true, "/?watch=1"},
		{"/api-kubex/api", false, "/api-kubex/api"},
		{"/other", false, "/other"},
	}
	for _, tt := range tests {
		if got := r.matchesPath(tt.path); got != tt.matches {
			t.Errorf("matchesPath(%q) = %v; want %v", tt.path, got, tt.matches)
		}
		if tt.matches {
			if got := r.StripPrefix(tt.path); got != tt.stripped {
				t.Errorf("StripPrefix(%q) = %q; want %q", tt.path, got, tt.stripped)
			}
		}
	}
}
