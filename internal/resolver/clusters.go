package resolver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoCluster indicates the requested cluster is not configured.
var ErrNoCluster = errors.New("cluster not found")

// Clusters models a kubeconfig-style file of API servers.
type Clusters struct {
	CurrentCluster string              `yaml:"currentCluster"`
	Clusters       map[string]*Cluster `yaml:"clusters"`
}

// Cluster holds the connection details for one API server. Relative file
// paths are resolved against the directory of the clusters file.
type Cluster struct {
	Server        string `yaml:"server"`
	CAFile        string `yaml:"caFile"`
	TLSServerName string `yaml:"tlsServerName"`
	TokenFile     string `yaml:"tokenFile"`
}

// Load decodes the clusters file. Missing files return (nil, nil).
func Load(path string) (*Clusters, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.rebase(filepath.Dir(expanded))
	return c, nil
}

// Parse decodes clusters YAML and checks every entry has a server.
func Parse(data []byte) (*Clusters, error) {
	var c Clusters
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse clusters: %w", err)
	}
	for name, cl := range c.Clusters {
		if cl == nil || strings.TrimSpace(cl.Server) == "" {
			return nil, fmt.Errorf("cluster %q: server is required", name)
		}
	}
	if c.CurrentCluster != "" {
		if _, ok := c.Clusters[c.CurrentCluster]; !ok {
			return nil, fmt.Errorf("currentCluster %q: %w", c.CurrentCluster, ErrNoCluster)
		}
	}
	return &c, nil
}

func (c *Clusters) rebase(dir string) {
	for _, cl := range c.Clusters {
		if cl.CAFile != "" && !filepath.IsAbs(cl.CAFile) {
			cl.CAFile = filepath.Join(dir, cl.CAFile)
		}
		if cl.TokenFile != "" && !filepath.IsAbs(cl.TokenFile) {
			cl.TokenFile = filepath.Join(dir, cl.TokenFile)
		}
	}
}

// Lookup picks a cluster by explicit name or the currentCluster value.
func (c *Clusters) Lookup(name string) (*Cluster, string, error) {
	if c == nil {
		return nil, name, fmt.Errorf("%w: %s", ErrNoCluster, name)
	}
	clusterName := strings.TrimSpace(name)
	if clusterName == "" {
		clusterName = c.CurrentCluster
	}
	cl, ok := c.Clusters[clusterName]
	if !ok {
		return nil, clusterName, fmt.Errorf("%w: %s", ErrNoCluster, clusterName)
	}
	return cl, clusterName, nil
}

// Names returns the configured cluster names in sorted order.
func (c *Clusters) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Clusters))
	for name := range c.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
