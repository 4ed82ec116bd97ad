// Package buffer records tunnel lifecycle events per cluster so the hub can
// show what recently went through the relay.
package buffer

import (
	"context"
	"sync"
	"time"
)

const (
	EventTunnelOpen  = "tunnel.open"
	EventTunnelClose = "tunnel.close"
	EventTunnelError = "tunnel.error"
)

// Tunnel describes the tunnel an event is about. Byte counts are set on
// close and error events.
type Tunnel struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Upstream  string `json:"upstream,omitempty"`
	BytesUp   int64  `json:"bytesUp,omitempty"`
	BytesDown int64  `json:"bytesDown,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is one recorded tunnel transition. ID is assigned by the buffer and
// increases per cluster.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	TunnelID  string `json:"tunnelId,omitempty"`
	Tunnel    Tunnel `json:"tunnel"`
	Timestamp int64  `json:"timestamp"`
}

// Buffer stores the most recent events of each cluster.
type Buffer interface {
	// Push stores ev for cluster and returns the id it was given.
	Push(ctx context.Context, cluster string, ev Event) (int64, error)

	// GetSince returns the events of cluster with an id above afterID,
	// oldest first.
	GetSince(ctx context.Context, cluster string, afterID int64) ([]Event, error)

	GetLatestID(ctx context.Context, cluster string) (int64, error)

	// Trim drops old events beyond the buffer's retention.
	Trim(ctx context.Context, cluster string) error

	Close() error
}

// Record pushes ev and trims the cluster in one call.
func Record(ctx context.Context, b Buffer, cluster string, ev Event) (int64, error) {
	id, err := b.Push(ctx, cluster, ev)
	if err != nil {
		return 0, err
	}
	return id, b.Trim(ctx, cluster)
}

// MemoryBuffer keeps events in process. The hub uses it when Redis is not
// configured; events are lost on restart.
type MemoryBuffer struct {
	maxCount int

	mu     sync.Mutex
	events map[string][]Event
	lastID map[string]int64
}

// NewMemoryBuffer keeps up to maxCount events per cluster, DefaultMaxCount
// when maxCount is not positive.
func NewMemoryBuffer(maxCount int) *MemoryBuffer {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	return &MemoryBuffer{
		maxCount: maxCount,
		events:   make(map[string][]Event),
		lastID:   make(map[string]int64),
	}
}

func (b *MemoryBuffer) Push(_ context.Context, cluster string, ev Event) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID[cluster]++
	ev.ID = b.lastID[cluster]
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	b.events[cluster] = append(b.events[cluster], ev)
	return ev.ID, nil
}

func (b *MemoryBuffer) GetSince(_ context.Context, cluster string, afterID int64) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.events[cluster] {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (b *MemoryBuffer) GetLatestID(_ context.Context, cluster string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID[cluster], nil
}

func (b *MemoryBuffer) Trim(_ context.Context, cluster string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evs := b.events[cluster]; len(evs) > b.maxCount {
		b.events[cluster] = append([]Event(nil), evs[len(evs)-b.maxCount:]...)
	}
	return nil
}

func (b *MemoryBuffer) Close() error {
	return nil
}
