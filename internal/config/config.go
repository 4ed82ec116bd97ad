package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Environment fallbacks for flags left empty
const (
	EnvToken     = "KUBESHELL_TOKEN"
	EnvRedisPass = "REDIS_PASSWORD"
	EnvClusters  = "KUBESHELL_CLUSTERS"
)

// DefaultClustersPath is used when neither flag nor environment name a file
const DefaultClustersPath = "~/.kubeshell/clusters.yaml"

// Config holds the hub configuration
type Config struct {
	Addr  string
	Token string // Shell endpoint token (empty = auth disabled)

	// Relay
	Prefix       string // Path prefix of relayed upgrade requests
	ProxyDomain  string // Host suffix whose first label names the cluster
	ClustersPath string // YAML clusters file

	// Shell endpoint
	Shell     string // Command line for pod shells
	NodeShell string // Command line for node shells, node name appended

	// Event buffer
	RedisAddr string // Redis address (empty = disabled)
	RedisPass string // Redis password
	RedisDB   int    // Redis database number

	LogLevel string
	Dev      bool
}

// New creates a default configuration
func New() *Config {
	return &Config{
		Addr:         "127.0.0.1:8080",
		Token:        "",
		Prefix:       "/api-kube",
		ProxyDomain:  "localhost",
		ClustersPath: "",
		Shell:        "/bin/sh",
		NodeShell:    "",
		RedisAddr:    "",
		RedisPass:    "",
		RedisDB:      0,
		LogLevel:     "info",
	}
}

// ApplyEnv fills empty secrets and paths from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.Token == "" {
		c.Token = getenv(EnvToken)
	}
	if c.RedisPass == "" {
		c.RedisPass = getenv(EnvRedisPass)
	}
	if c.ClustersPath == "" {
		c.ClustersPath = getenv(EnvClusters)
	}
	if c.ClustersPath == "" {
		c.ClustersPath = DefaultClustersPath
	}
}

// Validate checks values that would only fail later at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr is required")
	}
	if !strings.HasPrefix(c.Prefix, "/") {
		return fmt.Errorf("prefix %q must start with /", c.Prefix)
	}
	if len(c.ShellArgv()) == 0 {
		return errors.New("shell is required")
	}
	return nil
}

// ShellArgv splits Shell into an argument vector.
func (c *Config) ShellArgv() []string {
	return strings.Fields(c.Shell)
}

// NodeShellArgv splits NodeShell into an argument vector.
func (c *Config) NodeShellArgv() []string {
	return strings.Fields(c.NodeShell)
}

// ClientConfig holds the shell client configuration
type ClientConfig struct {
	Hub            string // Base websocket URL of the hub shell endpoint
	ID             string
	Node           string
	Token          string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	LogLevel       string
}

// NewClient creates a default client configuration
func NewClient() *ClientConfig {
	return &ClientConfig{
		Hub:            "ws://127.0.0.1:8080/shell",
		ReconnectDelay: 10 * time.Second,
		PingInterval:   30 * time.Second,
		LogLevel:       "warn",
	}
}

// ApplyEnv fills an empty token from the environment.
func (c *ClientConfig) ApplyEnv(getenv func(string) string) {
	if c.Token == "" {
		c.Token = getenv(EnvToken)
	}
}

// Validate checks the hub URL and target.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.Hub)
	if err != nil {
		return fmt.Errorf("hub url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub url %q must use ws or wss", c.Hub)
	}
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.ReconnectDelay < 0 || c.PingInterval < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
