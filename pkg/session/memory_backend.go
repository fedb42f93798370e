package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps sessions in process memory. History does not survive
// a restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Metadata
	entries  map[string][]*Entry
	closed   bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*Metadata),
		entries:  make(map[string][]*Entry),
	}
}

// SaveSession creates or updates session metadata.
func (b *MemoryBackend) SaveSession(ctx context.Context, meta *Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	cp := *meta
	b.sessions[meta.ID] = &cp
	return nil
}

// LoadSession retrieves session metadata by ID.
func (b *MemoryBackend) LoadSession(ctx context.Context, sessionID string) (*Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}
	meta, ok := b.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *meta
	return &cp, nil
}

// DeleteSession removes a session and all its entries.
func (b *MemoryBackend) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	delete(b.sessions, sessionID)
	delete(b.entries, sessionID)
	return nil
}

// ListSessions returns stored sessions, most recently updated first.
func (b *MemoryBackend) ListSessions(ctx context.Context, opts ListOptions) ([]*Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	sessions := make([]*Metadata, 0, len(b.sessions))
	for _, meta := range b.sessions {
		cp := *meta
		sessions = append(sessions, &cp)
	}
	return paginate(sessions, opts), nil
}

// AppendEntry adds an entry to a session.
func (b *MemoryBackend) AppendEntry(ctx context.Context, sessionID string, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	cp := *entry
	b.entries[sessionID] = append(b.entries[sessionID], &cp)
	return nil
}

// LoadEntries retrieves the last limit entries of a session in order.
func (b *MemoryBackend) LoadEntries(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	entries := lastN(b.entries[sessionID], limit)
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Close releases any resources held by the backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// paginate sorts by update time (most recent first) and applies offset and limit.
func paginate(sessions []*Metadata, opts ListOptions) []*Metadata {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(sessions) {
			return []*Metadata{}
		}
		sessions = sessions[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(sessions) {
		sessions = sessions[:opts.Limit]
	}
	return sessions
}
