package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements StorageBackend using JSONL files.
// Storage layout:
//
//	<base-dir>/
//	  ├── sessions.json          # Session index
//	  └── <session-id>.jsonl     # Session history
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.agentconsole/sessions.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".agentconsole", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir: baseDir,
	}, nil
}

func (f *FileBackend) indexPath() string {
	return filepath.Join(f.baseDir, "sessions.json")
}

func (f *FileBackend) entriesPath(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID+".jsonl")
}

// readIndex loads the session index. Caller must hold f.mu.
func (f *FileBackend) readIndex() (map[string]*Metadata, error) {
	index := make(map[string]*Metadata)

	data, err := os.ReadFile(f.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return index, nil
}

// writeIndex replaces the session index atomically. Caller must hold f.mu.
func (f *FileBackend) writeIndex(index map[string]*Metadata) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}

	tmp := f.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	if err := os.Rename(tmp, f.indexPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace sessions index: %w", err)
	}
	return nil
}

// SaveSession creates or updates session metadata.
func (f *FileBackend) SaveSession(ctx context.Context, meta *Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validatePathComponent(meta.ID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.readIndex()
	if err != nil {
		return err
	}
	cp := *meta
	index[meta.ID] = &cp
	return f.writeIndex(index)
}

// LoadSession retrieves session metadata by ID.
func (f *FileBackend) LoadSession(ctx context.Context, sessionID string) (*Metadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.readIndex()
	if err != nil {
		return nil, err
	}
	meta, ok := index[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return meta, nil
}

// DeleteSession removes a session and all its entries.
func (f *FileBackend) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	if err := os.Remove(f.entriesPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove entries file: %w", err)
	}

	index, err := f.readIndex()
	if err != nil {
		return err
	}
	if _, ok := index[sessionID]; !ok {
		return nil
	}
	delete(index, sessionID)
	return f.writeIndex(index)
}

// ListSessions returns stored sessions, most recently updated first.
func (f *FileBackend) ListSessions(ctx context.Context, opts ListOptions) ([]*Metadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	index, err := f.readIndex()
	if err != nil {
		return nil, err
	}
	sessions := make([]*Metadata, 0, len(index))
	for _, meta := range index {
		sessions = append(sessions, meta)
	}
	return paginate(sessions, opts), nil
}

// AppendEntry adds an entry to a session (append-only).
func (f *FileBackend) AppendEntry(ctx context.Context, sessionID string, entry *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.OpenFile(f.entriesPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open entries file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	return nil
}

// LoadEntries retrieves the last limit entries of a session in order.
func (f *FileBackend) LoadEntries(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.Open(f.entriesPath(sessionID)) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []*Entry{}, nil
		}
		return nil, fmt.Errorf("open entries file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []*Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("parse entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}

	return lastN(entries, limit), nil
}

// Close releases any resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
