package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aixgo-dev/agentconsole/internal/channel"
	metrics "github.com/aixgo-dev/agentconsole/pkg/observability"
)

// Manager manages session lifecycle.
// Manager is safe for concurrent use.
type Manager interface {
	// Create starts a new session. An empty ID gets a generated one.
	// Returns ErrSessionExists if a live session already has the ID.
	Create(ctx context.Context, opts CreateOptions) (Session, error)

	// Get retrieves a live session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(sessionID string) (Session, error)

	// GetOrCreate returns the live session with the ID, starting one on
	// first reference or when the previous one has become unusable.
	GetOrCreate(ctx context.Context, sessionID string) (Session, error)

	// List returns live sessions ordered by ID.
	List() []Session

	// Delete closes a session and removes its stored history.
	Delete(ctx context.Context, sessionID string) error

	// CleanupIdle closes sessions idle for longer than maxIdle and returns their IDs.
	CleanupIdle(ctx context.Context, maxIdle time.Duration) []string

	// Close closes every session and the storage backend.
	Close(ctx context.Context) error
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// ID is the session identifier; generated when empty.
	ID string
}

// ChannelFactory builds an unstarted channel for a session.
type ChannelFactory func(sessionID string) channel.Channel

// ManagerOption configures a manager.
type ManagerOption func(*managerImpl)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *managerImpl) {
		m.logger = logger
	}
}

// WithIdleExemption keeps sessions for which keep returns true out of idle cleanup.
func WithIdleExemption(keep func(sessionID string) bool) ManagerOption {
	return func(m *managerImpl) {
		m.keep = keep
	}
}

type managerImpl struct {
	backend StorageBackend
	factory ChannelFactory
	cfg     Config
	logger  *zap.Logger
	keep    func(string) bool

	group    singleflight.Group
	sessions map[string]*sessionImpl
	mu       sync.RWMutex
}

// NewManager creates a session manager that starts peers with factory and
// mirrors history to backend.
func NewManager(backend StorageBackend, factory ChannelFactory, cfg Config, opts ...ManagerOption) Manager {
	if cfg.StartupAttempts < 1 {
		cfg.StartupAttempts = 1
	}
	m := &managerImpl{
		backend:  backend,
		factory:  factory,
		cfg:      cfg,
		logger:   zap.NewNop(),
		sessions: make(map[string]*sessionImpl),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new session.
func (m *managerImpl) Create(ctx context.Context, opts CreateOptions) (Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	v, err, _ := m.group.Do(id, func() (any, error) {
		m.mu.RLock()
		_, exists := m.sessions[id]
		m.mu.RUnlock()
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
		}
		return m.start(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessionImpl), nil
}

// Get retrieves a live session by ID.
func (m *managerImpl) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// GetOrCreate returns the live session with the ID, starting it if needed.
// Concurrent calls for the same ID share one startup.
func (m *managerImpl) GetOrCreate(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok && usable(sess) {
		return sess, nil
	}

	v, err, _ := m.group.Do(sessionID, func() (any, error) {
		m.mu.Lock()
		sess, ok := m.sessions[sessionID]
		if ok && usable(sess) {
			m.mu.Unlock()
			return sess, nil
		}
		if ok {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()

		if ok {
			m.logger.Info("replacing unusable session", zap.String("session_id", sessionID))
			_ = sess.Close(ctx)
		}
		return m.start(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessionImpl), nil
}

// start launches a peer with bounded retries and registers the session.
func (m *managerImpl) start(ctx context.Context, id string) (*sessionImpl, error) {
	if err := validatePathComponent(id); err != nil {
		return nil, fmt.Errorf("invalid session ID %q: %w", id, err)
	}

	logger := m.logger.With(zap.String("session_id", id))

	history, err := m.backend.LoadEntries(ctx, id, m.cfg.HistoryLimit)
	if err != nil {
		logger.Warn("load stored history", zap.Error(err))
		history = nil
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.StartupAttempts; attempt++ {
		ch := m.factory(id)
		if err := ch.Start(ctx); err != nil {
			lastErr = err
			logger.Warn("peer startup failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", m.cfg.StartupAttempts),
				zap.Error(err))
			_ = ch.Stop(context.WithoutCancel(ctx), m.cfg.TerminationTimeout)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		sess := newSession(id, ch, m.backend, history, m.cfg, logger)
		m.saveMetadata(ctx, id)

		m.mu.Lock()
		m.sessions[id] = sess
		n := len(m.sessions)
		m.mu.Unlock()
		metrics.SetActiveSessions(n)

		logger.Info("session started", zap.Int("attempt", attempt), zap.Int("restored_entries", len(history)))
		return sess, nil
	}

	return nil, fmt.Errorf("%w: %s: %w", ErrSessionUnavailable, id, lastErr)
}

func (m *managerImpl) saveMetadata(ctx context.Context, id string) {
	now := time.Now().UTC()
	meta, err := m.backend.LoadSession(ctx, id)
	if err != nil {
		meta = &Metadata{ID: id, CreatedAt: now}
	}
	meta.UpdatedAt = now
	if err := m.backend.SaveSession(ctx, meta); err != nil {
		m.logger.Warn("save session metadata", zap.String("session_id", id), zap.Error(err))
	}
}

// List returns live sessions ordered by ID.
func (m *managerImpl) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Delete closes a session and removes its stored history.
func (m *managerImpl) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetActiveSessions(n)

	var closeErr error
	if ok {
		closeErr = sess.Close(ctx)
	}

	if err := m.backend.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("delete stored session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return closeErr
}

// CleanupIdle closes sessions whose last activity is older than maxIdle.
// Stored history is kept so the session can be resumed.
func (m *managerImpl) CleanupIdle(ctx context.Context, maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var idle []*sessionImpl
	for id, sess := range m.sessions {
		if !sess.LastActivity().Before(cutoff) {
			continue
		}
		if m.keep != nil && m.keep(id) {
			continue
		}
		idle = append(idle, sess)
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetActiveSessions(n)

	ids := make([]string, 0, len(idle))
	for _, sess := range idle {
		m.logger.Info("closing idle session",
			zap.String("session_id", sess.ID()),
			zap.Time("last_activity", sess.LastActivity()))
		if err := sess.Close(ctx); err != nil {
			m.logger.Warn("close idle session", zap.String("session_id", sess.ID()), zap.Error(err))
		}
		ids = append(ids, sess.ID())
	}
	sort.Strings(ids)
	return ids
}

// Close closes every session in parallel, then the storage backend.
func (m *managerImpl) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*sessionImpl)
	m.mu.Unlock()
	metrics.SetActiveSessions(0)

	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(func() error {
			return sess.Close(ctx)
		})
	}
	err := g.Wait()

	return errors.Join(err, m.backend.Close())
}
