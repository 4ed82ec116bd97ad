package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL       = 30 * time.Minute
	DefaultMaxCount  = 500
	DefaultKeyPrefix = "kubeshell"

	pingTimeout = 5 * time.Second
)

// RedisConfig selects the server and the retention of recorded events.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces keys so several hubs can share one server.
	KeyPrefix string
	TTL       time.Duration
	MaxCount  int64
}

// RedisBuffer keeps each cluster's events in a sorted set scored by event
// id, next to a counter key that hands out the ids. Both keys expire TTL
// after the last push.
type RedisBuffer struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	maxCount int64
}

// NewRedisBuffer dials addr and fails fast when the server does not answer
// PING.
func NewRedisBuffer(cfg RedisConfig) (*RedisBuffer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("buffer: redis %s unreachable: %w", cfg.Addr, err)
	}

	b := &RedisBuffer{
		client:   client,
		prefix:   cfg.KeyPrefix,
		ttl:      cfg.TTL,
		maxCount: cfg.MaxCount,
	}
	if b.prefix == "" {
		b.prefix = DefaultKeyPrefix
	}
	if b.ttl <= 0 {
		b.ttl = DefaultTTL
	}
	if b.maxCount <= 0 {
		b.maxCount = DefaultMaxCount
	}
	return b, nil
}

func (b *RedisBuffer) keyEvents(cluster string) string {
	return b.prefix + ":cluster:" + cluster + ":events"
}

func (b *RedisBuffer) keyEventID(cluster string) string {
	return b.prefix + ":cluster:" + cluster + ":eventid"
}

// Push assigns the next id for cluster, stamps the event and stores it.
func (b *RedisBuffer) Push(ctx context.Context, cluster string, ev Event) (int64, error) {
	idKey := b.keyEventID(cluster)
	id, err := b.client.Incr(ctx, idKey).Result()
	if err != nil {
		return 0, fmt.Errorf("buffer: next event id: %w", err)
	}
	ev.ID = id
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	member, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("buffer: encode event %d: %w", id, err)
	}

	eventsKey := b.keyEvents(cluster)
	_, err = b.client.TxPipelined(ctx, func(tx redis.Pipeliner) error {
		tx.ZAdd(ctx, eventsKey, redis.Z{Score: float64(id), Member: member})
		tx.Expire(ctx, eventsKey, b.ttl)
		tx.Expire(ctx, idKey, b.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("buffer: store event %d: %w", id, err)
	}
	return id, nil
}

// GetSince returns the events of cluster with an id greater than afterID,
// oldest first. Entries that no longer decode are skipped.
func (b *RedisBuffer) GetSince(ctx context.Context, cluster string, afterID int64) ([]Event, error) {
	members, err := b.client.ZRangeByScore(ctx, b.keyEvents(cluster), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterID, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer: read events: %w", err)
	}

	events := make([]Event, 0, len(members))
	for _, m := range members {
		var ev Event
		if json.Unmarshal([]byte(m), &ev) != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// GetLatestID returns the last id handed out for cluster, or 0 when none
// has been (or the counter expired).
func (b *RedisBuffer) GetLatestID(ctx context.Context, cluster string) (int64, error) {
	id, err := b.client.Get(ctx, b.keyEventID(cluster)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("buffer: read latest id: %w", err)
	}
	return id, nil
}

// Trim drops all but the newest maxCount events of cluster.
func (b *RedisBuffer) Trim(ctx context.Context, cluster string) error {
	if err := b.client.ZRemRangeByRank(ctx, b.keyEvents(cluster), 0, -b.maxCount-1).Err(); err != nil {
		return fmt.Errorf("buffer: trim events: %w", err)
	}
	return nil
}

func (b *RedisBuffer) Close() error {
	return b.client.Close()
}
