package relay

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Tunnel is one relayed client/upstream socket pair
type Tunnel struct {
	ID       string
	Cluster  string
	Method   string
	Path     string
	Upstream string
	Remote   string
	Started  time.Time

	bytesUp   atomic.Int64 // client -> upstream
	bytesDown atomic.Int64 // upstream -> client

	client   net.Conn
	upstream net.Conn
}

// TunnelInfo is the listing form of a Tunnel
type TunnelInfo struct {
	ID        string    `json:"id"`
	Cluster   string    `json:"cluster"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Upstream  string    `json:"upstream"`
	Remote    string    `json:"remote"`
	Started   time.Time `json:"started"`
	BytesUp   int64     `json:"bytesUp"`
	BytesDown int64     `json:"bytesDown"`
}

// Info snapshots the tunnel
func (t *Tunnel) Info() TunnelInfo {
	return TunnelInfo{
		ID:        t.ID,
		Cluster:   t.Cluster,
		Method:    t.Method,
		Path:      t.Path,
		Upstream:  t.Upstream,
		Remote:    t.Remote,
		Started:   t.Started,
		BytesUp:   t.bytesUp.Load(),
		BytesDown: t.bytesDown.Load(),
	}
}

// Close closes both sockets
func (t *Tunnel) Close() {
	if t.client != nil {
		t.client.Close()
	}
	if t.upstream != nil {
		t.upstream.Close()
	}
}

// Registry tracks active tunnels
type Registry struct {
	tunnels map[string]*Tunnel
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tunnels: make(map[string]*Tunnel),
	}
}

// Add registers t, assigning an ID and start time when missing
func (r *Registry) Add(t *Tunnel) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Started.IsZero() {
		t.Started = time.Now()
	}
	r.mu.Lock()
	r.tunnels[t.ID] = t
	r.mu.Unlock()
}

// Remove drops a tunnel by ID
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.tunnels, id)
	r.mu.Unlock()
}

// Get returns a tunnel by ID
func (r *Registry) Get(id string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// Count returns the number of active tunnels
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// List returns active tunnels, oldest first. An empty cluster lists all.
func (r *Registry) List(cluster string) []TunnelInfo {
	r.mu.RLock()
	infos := make([]TunnelInfo, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		if cluster != "" && t.Cluster != cluster {
			continue
		}
		infos = append(infos, t.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Started.Equal(infos[j].Started) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Started.Before(infos[j].Started)
	})
	return infos
}

// CloseAll closes every active tunnel. Their relay goroutines remove them.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.mu.RUnlock()

	for _, t := range tunnels {
		t.Close()
	}
}
