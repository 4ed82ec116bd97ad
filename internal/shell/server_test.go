package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/openvibe/kubeshell/internal/session"
)

// echoProcess writes every stdin chunk back as output and exits on EOT.
type echoProcess struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	sizes  []session.TerminalSize
	inputs []string

	once sync.Once
	done chan struct{}
}

func newEchoProcess() *echoProcess {
	r, w := io.Pipe()
	return &echoProcess{r: r, w: w, done: make(chan struct{})}
}

func (p *echoProcess) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *echoProcess) Write(b []byte) (int, error) {
	if bytes.Contains(b, []byte(session.EndOfTransmission)) {
		p.exit()
		return len(b), nil
	}
	p.mu.Lock()
	p.inputs = append(p.inputs, string(b))
	p.mu.Unlock()
	return p.w.Write(b)
}

func (p *echoProcess) Resize(size session.TerminalSize) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes = append(p.sizes, size)
	return nil
}

func (p *echoProcess) Wait() error {
	<-p.done
	return nil
}

func (p *echoProcess) Close() error {
	p.exit()
	return nil
}

func (p *echoProcess) exit() {
	p.once.Do(func() {
		p.w.Close()
		close(p.done)
	})
}

func (p *echoProcess) recordedSizes() []session.TerminalSize {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]session.TerminalSize{}, p.sizes...)
}

type fakeSpawner struct {
	mu      sync.Mutex
	targets []session.Target
	procs   []*echoProcess
	err     error
}

func (s *fakeSpawner) Spawn(ctx context.Context, target session.Target, size session.TerminalSize) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newEchoProcess()
	s.targets = append(s.targets, target)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last() (session.Target, *echoProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets[len(s.targets)-1], s.procs[len(s.procs)-1]
}

func newTestServer(t *testing.T, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/shell", s.HandleShell)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/shell?" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	return c
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) session.Frame {
	t.Helper()
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := session.Decode(string(data))
	if err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleShellRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t, &Config{Token: "secret", Spawner: &fakeSpawner{}})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing token", "id=t1", http.StatusUnauthorized},
		{"wrong token", "token=nope&id=t1", http.StatusUnauthorized},
		{"missing id", "token=secret", http.StatusBadRequest},
		{"node without name", "token=secret&id=t1&type=node", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/shell?" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d; want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestShellEchoesStdinAsStdout(t *testing.T) {
	spawner := &fakeSpawner{}
	s, ts := newTestServer(t, &Config{Token: "secret", Spawner: spawner})
	c := dial(t, ts, "token=secret&id=term-1")

	send(t, c, "PING")
	send(t, c, session.Encode(session.ChannelStdin, []byte("ls\n")))

	f := readFrame(t, c)
	if f.Channel != session.ChannelStdout || string(f.Data) != "ls\n" {
		t.Fatalf("frame = %d %q; want stdout ls", f.Channel, f.Data)
	}

	target, proc := spawner.last()
	if target.ID != "term-1" || target.Node != "" {
		t.Errorf("target = %+v", target)
	}
	proc.mu.Lock()
	inputs := append([]string{}, proc.inputs...)
	proc.mu.Unlock()
	if len(inputs) != 1 {
		t.Errorf("process inputs = %q; ping sentinel must not reach the process", inputs)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d; want 1", s.Count())
	}
}

func TestShellNodeTarget(t *testing.T) {
	spawner := &fakeSpawner{}
	_, ts := newTestServer(t, &Config{Spawner: spawner})
	c := dial(t, ts, "id=t2&node=worker-1&type=node")

	send(t, c, session.Encode(session.ChannelStdin, []byte("x")))
	readFrame(t, c)

	target, _ := spawner.last()
	if target != (session.Target{ID: "t2", Node: "worker-1"}) {
		t.Errorf("target = %+v", target)
	}
}

func TestShellResize(t *testing.T) {
	spawner := &fakeSpawner{}
	_, ts := newTestServer(t, &Config{Spawner: spawner})
	c := dial(t, ts, "id=t1")

	send(t, c, session.EncodeResize(session.TerminalSize{Width: 100, Height: 30}))
	send(t, c, session.Encode(session.ChannelResize, []byte("garbage")))

	waitFor(t, "resize", func() bool {
		_, proc := spawner.last()
		return len(proc.recordedSizes()) == 1
	})
	_, proc := spawner.last()
	if got := proc.recordedSizes()[0]; got != (session.TerminalSize{Width: 100, Height: 30}) {
		t.Errorf("size = %+v", got)
	}
}

func TestShellExitClosesNormally(t *testing.T) {
	s, ts := newTestServer(t, &Config{Spawner: &fakeSpawner{}})
	c := dial(t, ts, "id=t1")

	send(t, c, session.Encode(session.ChannelStdin, []byte(session.EndOfTransmission)))

	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("read error = %v; want close 1000", err)
	}
	waitFor(t, "detach", func() bool { return s.Count() == 0 })
}

func TestShellTokenRefresh(t *testing.T) {
	_, ts := newTestServer(t, &Config{Token: "secret", Spawner: &fakeSpawner{}})

	c := dial(t, ts, "token=secret&id=t1")
	send(t, c, session.Encode(session.ChannelToken, []byte("secret")))
	send(t, c, session.Encode(session.ChannelStdin, []byte("still here")))
	if f := readFrame(t, c); string(f.Data) != "still here" {
		t.Fatalf("frame = %q", f.Data)
	}

	send(t, c, session.Encode(session.ChannelToken, []byte("stolen")))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("read error = %v; want close 1008", err)
	}
}

// readEchoed collects stdout data until want bytes have arrived.
func readEchoed(t *testing.T, c *websocket.Conn, want int) string {
	t.Helper()
	var got strings.Builder
	for got.Len() < want {
		f := readFrame(t, c)
		if f.Channel != session.ChannelStdout {
			t.Fatalf("channel = %d; want stdout", f.Channel)
		}
		got.Write(f.Data)
	}
	return got.String()
}

func TestShellStdinRateLimitDelaysInput(t *testing.T) {
	_, ts := newTestServer(t, &Config{Spawner: &fakeSpawner{}, InputRate: rate.Limit(20), InputBurst: 1})
	c := dial(t, ts, "id=t1")

	start := time.Now()
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		send(t, c, session.Encode(session.ChannelStdin, []byte(key)))
	}
	if got := readEchoed(t, c, 5); got != "abcde" {
		t.Fatalf("echoed %q; want abcde", got)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("5 frames at 20/s took %v; want them paced", elapsed)
	}
}

func TestShellStdinBurstIsNotDropped(t *testing.T) {
	_, ts := newTestServer(t, &Config{Spawner: &fakeSpawner{}})
	c := dial(t, ts, "id=t1")

	var want strings.Builder
	for i := 0; i < 30; i++ {
		key := string(rune('a' + i%26))
		want.WriteString(key)
		send(t, c, session.Encode(session.ChannelStdin, []byte(key)))
	}
	if got := readEchoed(t, c, want.Len()); got != want.String() {
		t.Fatalf("echoed %q; want %q", got, want.String())
	}
}

func TestShellSpawnFailure(t *testing.T) {
	_, ts := newTestServer(t, &Config{Spawner: &fakeSpawner{err: errors.New("no shell")}})
	c := dial(t, ts, "id=t1")

	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseInternalServerErr {
		t.Fatalf("read error = %v; want close 1011", err)
	}
}

func TestCloseAll(t *testing.T) {
	s, ts := newTestServer(t, &Config{Spawner: &fakeSpawner{}})
	c := dial(t, ts, "id=t1")
	waitFor(t, "attach", func() bool { return s.Count() == 1 })

	s.CloseAll()
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("read error = %v; want close 1001", err)
	}
}

func TestPTYSpawnerCommand(t *testing.T) {
	s := &PTYSpawner{Shell: []string{"/bin/bash", "-l"}, NodeShell: []string{"ssh", "-t"}}
	argv, err := s.command(session.Target{ID: "t"})
	if err != nil || strings.Join(argv, " ") != "/bin/bash -l" {
		t.Errorf("pod command = %v, %v", argv, err)
	}
	argv, err = s.command(session.Target{ID: "t", Node: "worker-1"})
	if err != nil || strings.Join(argv, " ") != "ssh -t worker-1" {
		t.Errorf("node command = %v, %v", argv, err)
	}
	if strings.Join(s.NodeShell, " ") != "ssh -t" {
		t.Errorf("NodeShell mutated: %v", s.NodeShell)
	}
	if _, err := (&PTYSpawner{}).command(session.Target{Node: "n"}); err == nil {
		t.Error("node shell without NodeShell succeeded")
	}
	if argv, _ := (&PTYSpawner{}).command(session.Target{}); argv[0] != "/bin/sh" {
		t.Errorf("default shell = %v", argv)
	}
}

func TestPTYSpawnerRunsProcess(t *testing.T) {
	proc, err := (&PTYSpawner{Shell: []string{"/bin/sh", "-c", "echo kubeshell-ok"}}).Spawn(context.Background(), session.Target{ID: "t"}, session.TerminalSize{Width: 100, Height: 30})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer proc.Close()

	var out bytes.Buffer
	buf := make([]byte, 1024)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(out.String(), "kubeshell-ok") {
		n, err := proc.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(out.String(), "kubeshell-ok") {
		t.Errorf("output = %q", out.String())
	}
	if err := proc.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
}
