package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/openvibe/kubeshell/internal/session"
)

// Process is a running shell attached to a terminal.
type Process interface {
	io.ReadWriteCloser
	Resize(size session.TerminalSize) error
	// Wait blocks until the process exits.
	Wait() error
}

// Spawner starts the shell for a target.
type Spawner interface {
	Spawn(ctx context.Context, target session.Target, size session.TerminalSize) (Process, error)
}

// PTYSpawner runs Shell for pod targets and NodeShell followed by the node
// name for node targets, each on a fresh pseudo terminal.
type PTYSpawner struct {
	Shell     []string
	NodeShell []string
	Env       []string
}

func (s *PTYSpawner) command(target session.Target) ([]string, error) {
	if target.Node != "" {
		if len(s.NodeShell) == 0 {
			return nil, errors.New("node shells are not configured")
		}
		argv := append([]string{}, s.NodeShell...)
		return append(argv, target.Node), nil
	}
	if len(s.Shell) == 0 {
		return []string{"/bin/sh"}, nil
	}
	return s.Shell, nil
}

func (s *PTYSpawner) Spawn(ctx context.Context, target session.Target, size session.TerminalSize) (Process, error) {
	argv, err := s.command(target)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color", "KUBESHELL_TARGET="+target.ID)

	f, err := pty.StartWithSize(cmd, winsize(size))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	p := &ptyProcess{cmd: cmd, f: f, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func winsize(size session.TerminalSize) *pty.Winsize {
	ws := &pty.Winsize{Cols: 80, Rows: 24}
	if size.Width > 0 {
		ws.Cols = uint16(size.Width)
	}
	if size.Height > 0 {
		ws.Rows = uint16(size.Height)
	}
	return ws
}

type ptyProcess struct {
	cmd *exec.Cmd
	f   *os.File

	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.f.Read(b)
	if err != nil && errors.Is(err, os.ErrClosed) {
		return n, io.EOF
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

func (p *ptyProcess) Resize(size session.TerminalSize) error {
	return pty.Setsize(p.f, winsize(size))
}

func (p *ptyProcess) Wait() error {
	<-p.done
	return p.waitErr
}

// Close kills the process if it is still running and releases the terminal.
func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() {
		select {
		case <-p.done:
		default:
			p.cmd.Process.Kill()
		}
		p.f.Close()
	})
	return nil
}
