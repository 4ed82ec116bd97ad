package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/openvibe/kubeshell/internal/config"
	"github.com/openvibe/kubeshell/internal/conn"
	"github.com/openvibe/kubeshell/internal/logging"
	"github.com/openvibe/kubeshell/internal/session"
)

func main() {
	cfg := config.NewClient()
	flag.StringVar(&cfg.Hub, "hub", cfg.Hub, "Hub shell endpoint URL")
	flag.StringVar(&cfg.ID, "id", "", "Terminal target ID (defaults to hostname)")
	flag.StringVar(&cfg.Node, "node", "", "Open a node shell on this node")
	flag.StringVar(&cfg.Token, "token", "", "Authentication token (or use "+config.EnvToken+" env)")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Delay before reconnecting, 0 disables")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Keepalive interval, 0 disables")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flag.Parse()

	cfg.ApplyEnv(os.Getenv)
	if cfg.ID == "" {
		cfg.ID, _ = os.Hostname()
	}

	logger, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "kubeshell: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.ClientConfig, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	stdin := int(os.Stdin.Fd())
	var hint *session.TerminalSize
	if term.IsTerminal(stdin) {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdin, state)
		hint = terminalSize()
	}

	s, err := session.Open(context.Background(), session.Options{
		BaseURL:     cfg.Hub,
		Target:      session.Target{ID: cfg.ID, Node: cfg.Node},
		Credentials: session.StaticCredentials(cfg.Token),
		SizeHint:    hint,
		Conn: conn.Options{
			ReconnectDelay: cfg.ReconnectDelay,
			PingInterval:   cfg.PingInterval,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	closed := make(chan struct{})
	var closeOnce sync.Once
	s.Conn().OnState(func(st conn.State) {
		switch st {
		case conn.StateConnecting:
			status("Connecting...")
		case conn.StateReconnecting:
			status("Reconnecting...")
		case conn.StateClosed:
			status("Connection closed.")
			closeOnce.Do(func() { close(closed) })
		}
	})
	s.OnData(func(f session.Frame) {
		switch f.Channel {
		case session.ChannelStdout:
			os.Stdout.Write(f.Data)
		case session.ChannelStderr:
			os.Stderr.Write(f.Data)
		}
	})

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				s.SendInput(string(buf[:n]))
			}
			if err != nil {
				if err != io.EOF {
					logger.Debug("stdin read failed", zap.Error(err))
				}
				s.Destroy()
				return
			}
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGWINCH, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGWINCH {
				if size := terminalSize(); size != nil {
					s.SendTerminalSize(size.Width, size.Height)
				}
				continue
			}
			s.Destroy()
		case <-closed:
			s.Destroy()
			<-s.Done()
			return nil
		case <-s.Done():
			return nil
		}
	}
}

func terminalSize() *session.TerminalSize {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return nil
	}
	return &session.TerminalSize{Width: cols, Height: rows}
}

// status prints connection state on its own line. The terminal is in raw
// mode, so the carriage return is explicit.
func status(text string) {
	fmt.Fprint(os.Stderr, "\r\n"+text+"\r\n")
}
