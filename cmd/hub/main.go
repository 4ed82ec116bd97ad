package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openvibe/kubeshell/internal/buffer"
	"github.com/openvibe/kubeshell/internal/config"
	"github.com/openvibe/kubeshell/internal/logging"
	"github.com/openvibe/kubeshell/internal/relay"
	"github.com/openvibe/kubeshell/internal/resolver"
	"github.com/openvibe/kubeshell/internal/shell"
)

func main() {
	cfg := config.New()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to listen on")
	flag.StringVar(&cfg.Token, "token", "", "Shell endpoint token (or use "+config.EnvToken+" env)")
	flag.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "Path prefix of relayed upgrade requests")
	flag.StringVar(&cfg.ProxyDomain, "proxy-domain", cfg.ProxyDomain, "Host suffix whose first label selects the cluster")
	flag.StringVar(&cfg.ClustersPath, "clusters", "", "Clusters file (or use "+config.EnvClusters+" env, default "+config.DefaultClustersPath+")")
	flag.StringVar(&cfg.Shell, "shell", cfg.Shell, "Command line for pod shells")
	flag.StringVar(&cfg.NodeShell, "node-shell", cfg.NodeShell, "Command line for node shells, node name is appended")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for tunnel events (e.g., localhost:6379)")
	flag.StringVar(&cfg.RedisPass, "redis-pass", "", "Redis password (or use "+config.EnvRedisPass+" env)")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flag.BoolVar(&cfg.Dev, "dev", false, "Human-readable development logging")
	flag.Parse()

	cfg.ApplyEnv(os.Getenv)

	logger, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("hub error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Token == "" {
		logger.Warn("no shell token set, use --token or " + config.EnvToken)
	}

	clusters, err := resolver.Load(cfg.ClustersPath)
	if err != nil {
		return fmt.Errorf("load clusters: %w", err)
	}
	if clusters == nil {
		logger.Warn("clusters file not found, relay will answer 500", zap.String("path", cfg.ClustersPath))
	}
	res := resolver.New(clusters, logger.Named("resolver"))

	// Event buffer (Redis, or in process)
	var events buffer.Buffer
	if cfg.RedisAddr != "" {
		logger.Info("connecting to redis", zap.String("addr", cfg.RedisAddr))
		rb, err := buffer.NewRedisBuffer(buffer.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn("redis unavailable, keeping tunnel events in memory", zap.Error(err))
			events = buffer.NewMemoryBuffer(0)
		} else {
			events = rb
		}
	} else {
		events = buffer.NewMemoryBuffer(0)
	}
	defer events.Close()

	rl := &relay.Relay{
		Prefix:         cfg.Prefix,
		Resolver:       res,
		ProxyDomain:    cfg.ProxyDomain,
		DefaultCluster: res.DefaultCluster(),
		Registry:       relay.NewRegistry(),
		Events:         events,
		Logger:         logger.Named("relay"),
	}

	shells := shell.NewServer(&shell.Config{
		Token: cfg.Token,
		Spawner: &shell.PTYSpawner{
			Shell:     cfg.ShellArgv(),
			NodeShell: cfg.NodeShellArgv(),
		},
		Logger: logger.Named("shell"),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/shell", shells.HandleShell)
	mux.Handle("/tunnels", rl.TunnelsHandler())
	mux.Handle(strings.TrimSuffix(cfg.Prefix, "/")+"/", rl)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"shells":  shells.Count(),
			"tunnels": rl.Registry.Count(),
		})
	})

	mux.HandleFunc("/clusters", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"current":  res.DefaultCluster(),
				"clusters": res.Names(),
			})
			return
		}
		if err := res.Health(r.Context(), name); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, resolver.ErrNoCluster) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	d := &relay.Dispatcher{
		Relay:   rl,
		Handler: mux,
		Logger:  logger.Named("dispatch"),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down")
		shells.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.Close(ctx)
	}()

	logger.Info("kubeshell hub starting",
		zap.String("addr", ln.Addr().String()),
		zap.String("prefix", cfg.Prefix),
		zap.String("proxy_domain", cfg.ProxyDomain),
		zap.String("default_cluster", res.DefaultCluster()),
		zap.Bool("shell_auth", cfg.Token != ""),
	)

	if err := d.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}
