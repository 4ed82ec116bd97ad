// Package resolver maps relay requests to configured API servers and checks
// their health.
package resolver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openvibe/kubeshell/internal/logging"
	"github.com/openvibe/kubeshell/internal/relay"
)

const healthTimeout = 5 * time.Second

// Resolver resolves tunnel destinations from a Clusters file.
type Resolver struct {
	clusters *Clusters
	logger   *zap.Logger
}

// New creates a Resolver. A nil clusters value resolves nothing.
func New(clusters *Clusters, logger *zap.Logger) *Resolver {
	return &Resolver{
		clusters: clusters,
		logger:   logging.OrNop(logger),
	}
}

// DefaultCluster returns the currentCluster of the file.
func (r *Resolver) DefaultCluster() string {
	if r.clusters == nil {
		return ""
	}
	return r.clusters.CurrentCluster
}

// Names lists the configured clusters.
func (r *Resolver) Names() []string {
	return r.clusters.Names()
}

// Resolve implements relay.Resolver.
func (r *Resolver) Resolve(ctx context.Context, req *relay.Request) (*relay.Destination, error) {
	return r.Destination(req.Cluster)
}

// Destination loads the server URL, trust roots and bearer token of a
// cluster. Files are read on every call so rotated credentials are picked up.
func (r *Resolver) Destination(name string) (*relay.Destination, error) {
	cl, clusterName, err := r.clusters.Lookup(name)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(cl.Server)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: parse server: %w", clusterName, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("cluster %s: server must be an https URL, got %q", clusterName, cl.Server)
	}

	dest := &relay.Destination{URL: u, ServerName: cl.TLSServerName}
	if cl.CAFile != "" {
		pool, err := loadCertPool(cl.CAFile)
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", clusterName, err)
		}
		dest.RootCAs = pool
	}
	if cl.TokenFile != "" {
		data, err := os.ReadFile(cl.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("cluster %s: read token: %w", clusterName, err)
		}
		dest.BearerToken = strings.TrimSpace(string(data))
	}
	return dest, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s: no certificates found", path)
	}
	return pool, nil
}

// Health checks if the cluster's API server reports ready.
func (r *Resolver) Health(ctx context.Context, name string) error {
	dest, err := r.Destination(name)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", strings.TrimSuffix(dest.URL.String(), "/")+"/readyz", nil)
	if err != nil {
		return err
	}
	if dest.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+dest.BearerToken)
	}

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    dest.RootCAs,
				ServerName: dest.ServerName,
				MinVersion: tls.VersionTLS12,
			},
		},
	}
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("api server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api server unhealthy: status %d", resp.StatusCode)
	}
	r.logger.Debug("cluster healthy", zap.String("cluster", name))
	return nil
}
