package session

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for session and storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by Create for an id that is already live.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionClosed is returned for turns on, or waiting for, a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionUnavailable is returned when a session's peer cannot be started.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// StorageBackend persists session metadata and history.
// Implementations must be safe for concurrent use.
type StorageBackend interface {
	// SaveSession creates or updates session metadata.
	SaveSession(ctx context.Context, meta *Metadata) error

	// LoadSession retrieves session metadata by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	LoadSession(ctx context.Context, sessionID string) (*Metadata, error)

	// DeleteSession removes a session and all its entries.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns stored sessions, most recently updated first.
	ListSessions(ctx context.Context, opts ListOptions) ([]*Metadata, error)

	// AppendEntry adds an entry to a session (append-only).
	AppendEntry(ctx context.Context, sessionID string, entry *Entry) error

	// LoadEntries retrieves the last limit entries of a session in order.
	// A limit of 0 returns every entry.
	LoadEntries(ctx context.Context, sessionID string, limit int) ([]*Entry, error)

	// Close releases any resources held by the backend.
	Close() error
}

// BackendConfig selects and configures a storage backend.
type BackendConfig struct {
	// Store is one of "memory", "file" or "redis".
	Store string
	// BaseDir is the directory used by the file store.
	BaseDir string
	// Redis configures the redis store.
	Redis RedisConfig
}

// NewBackend builds the backend named by cfg.Store.
func NewBackend(cfg BackendConfig) (StorageBackend, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(cfg.BaseDir)
	case "redis":
		return NewRedisBackend(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}

func lastN(entries []*Entry, limit int) []*Entry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}
