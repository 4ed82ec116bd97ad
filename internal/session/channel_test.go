package session

import (
	"errors"
	"net/url"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		ch   Channel
		data string
		want string
	}{
		{ChannelStdin, "ls\n", "0bHMK"},
		{ChannelStdout, "hello", "1aGVsbG8="},
		{ChannelToken, "abc", "9YWJj"},
		{ChannelStdin, "", "0"},
	}
	for _, tt := range tests {
		if got := Encode(tt.ch, []byte(tt.data)); got != tt.want {
			t.Errorf("Encode(%d, %q) = %q; want %q", tt.ch, tt.data, got, tt.want)
		}
	}
}

func TestDecode(t *testing.T) {
	f, err := Decode("1aGVsbG8=")
	if err != nil {
		t.Fatal(err)
	}
	if f.Channel != ChannelStdout || string(f.Data) != "hello" {
		t.Errorf("Decode = %d %q; want stdout hello", f.Channel, f.Data)
	}

	tests := []struct {
		in   string
		want error
	}{
		{"", ErrEmptyFrame},
		{"xaGVsbG8=", ErrBadFrame},
		{"1***", ErrBadFrame},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("Decode(%q) error = %v; want %v", tt.in, err, tt.want)
		}
	}
}

func TestEncodeResize(t *testing.T) {
	frame := EncodeResize(TerminalSize{Width: 80, Height: 24})
	f, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if f.Channel != ChannelResize {
		t.Fatalf("channel = %d; want %d", f.Channel, ChannelResize)
	}
	if string(f.Data) != `{"Width":80,"Height":24}` {
		t.Errorf("payload = %s", f.Data)
	}
	if _, err := DecodeResize([]byte("nope")); !errors.Is(err, ErrBadFrame) {
		t.Errorf("DecodeResize error = %v; want ErrBadFrame", err)
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   url.Values
	}{
		{
			name:   "pod",
			target: Target{ID: "t1"},
			want:   url.Values{"token": {"s3cr/t"}, "id": {"t1"}},
		},
		{
			name:   "node",
			target: Target{ID: "t2", Node: "worker-1"},
			want:   url.Values{"token": {"s3cr/t"}, "id": {"t2"}, "node": {"worker-1"}, "type": {"node"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := BuildURL("wss://hub.example.com/shell", "s3cr/t", tt.target)
			if err != nil {
				t.Fatal(err)
			}
			u, err := url.Parse(raw)
			if err != nil {
				t.Fatal(err)
			}
			if u.Host != "hub.example.com" || u.Path != "/shell" {
				t.Errorf("url = %s", raw)
			}
			q := u.Query()
			if len(q) != len(tt.want) {
				t.Errorf("query = %v; want %v", q, tt.want)
			}
			for k := range tt.want {
				if q.Get(k) != tt.want.Get(k) {
					t.Errorf("query %s = %q; want %q", k, q.Get(k), tt.want.Get(k))
				}
			}
		})
	}

	if _, err := BuildURL("://bad", "x", Target{}); err == nil {
		t.Error("BuildURL accepted a malformed base")
	}
}
