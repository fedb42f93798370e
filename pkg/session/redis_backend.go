package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements StorageBackend using Redis, so several console
// instances can share session history.
type RedisBackend struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	maxEntries int
	mu         sync.RWMutex
	closed     bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all session keys (default: "agentconsole:session:").
	Prefix string `yaml:"prefix"`
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration `yaml:"ttl"`
	// MaxEntries trims each stored history to its newest entries (0 = unbounded).
	MaxEntries int `yaml:"max_entries"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

const defaultRedisPrefix = "agentconsole:session:"

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	b := NewRedisBackendFromClient(client, cfg.Prefix, cfg.SessionTTL)
	b.maxEntries = cfg.MaxEntries
	return b, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (b *RedisBackend) sessionKey(sessionID string) string {
	return b.prefix + "meta:" + sessionID
}

func (b *RedisBackend) entriesKey(sessionID string) string {
	return b.prefix + "entries:" + sessionID
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "index"
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// SaveSession creates or updates session metadata.
func (b *RedisBackend) SaveSession(ctx context.Context, meta *Metadata) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.sessionKey(meta.ID), data, b.ttl)
	pipe.ZAdd(ctx, b.indexKey(), redis.Z{
		Score:  float64(meta.UpdatedAt.UnixNano()),
		Member: meta.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession retrieves session metadata by ID.
func (b *RedisBackend) LoadSession(ctx context.Context, sessionID string) (*Metadata, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// DeleteSession removes a session and all its data.
func (b *RedisBackend) DeleteSession(ctx context.Context, sessionID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.sessionKey(sessionID))
	pipe.Del(ctx, b.entriesKey(sessionID))
	pipe.ZRem(ctx, b.indexKey(), sessionID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns stored sessions, most recently updated first.
func (b *RedisBackend) ListSessions(ctx context.Context, opts ListOptions) ([]*Metadata, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	start := int64(opts.Offset)
	stop := int64(-1)
	if opts.Limit > 0 {
		stop = start + int64(opts.Limit) - 1
	}

	ids, err := b.client.ZRevRange(ctx, b.indexKey(), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*Metadata, 0, len(ids))
	for _, id := range ids {
		meta, err := b.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Expired through TTL; drop it from the index.
				b.client.ZRem(ctx, b.indexKey(), id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, meta)
	}
	return sessions, nil
}

// AppendEntry adds an entry to a session.
func (b *RedisBackend) AppendEntry(ctx context.Context, sessionID string, entry *Entry) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.RPush(ctx, b.entriesKey(sessionID), data)
	if b.maxEntries > 0 {
		pipe.LTrim(ctx, b.entriesKey(sessionID), int64(-b.maxEntries), -1)
	}
	if b.ttl > 0 {
		pipe.Expire(ctx, b.entriesKey(sessionID), b.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// LoadEntries retrieves the last limit entries of a session in order.
func (b *RedisBackend) LoadEntries(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}

	data, err := b.client.LRange(ctx, b.entriesKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	entries := make([]*Entry, 0, len(data))
	for _, d := range data {
		var entry Entry
		if err := json.Unmarshal([]byte(d), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}
