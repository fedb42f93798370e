package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aixgo-dev/agentconsole/internal/channel"
	"github.com/aixgo-dev/agentconsole/internal/observability"
	metrics "github.com/aixgo-dev/agentconsole/pkg/observability"
)

// readyPollInterval is how often Send checks a restarting channel.
const readyPollInterval = 25 * time.Millisecond

// Session is one conversation with a peer process.
// Sessions are safe for concurrent use; turns run one at a time in arrival order.
type Session interface {
	// ID returns the unique session identifier.
	ID() string

	// Send runs one turn: it records text, submits it to the peer and
	// records the response.
	Send(ctx context.Context, text string, sender Sender, opts ...SendOption) (string, error)

	// History returns a copy of the bounded in-memory history.
	History() []Entry

	// LastActivity returns the time of the last completed turn.
	LastActivity() time.Time

	ChannelState() channel.State
	RestartCount() int

	// Close stops the peer and fails pending and future turns with ErrSessionClosed.
	Close(ctx context.Context) error
	Closed() bool
}

// SendOption customizes a single turn.
type SendOption func(*sendOptions)

type sendOptions struct {
	display  string
	recorded func(Entry)
}

// WithDisplayText records display in the history instead of the submitted text.
func WithDisplayText(display string) SendOption {
	return func(o *sendOptions) {
		o.display = display
	}
}

// WithRecorded calls fn with each history entry the turn records: the
// request before it reaches the peer, then the response. fn runs while the
// turn holds the session lock, so callbacks follow history order.
func WithRecorded(fn func(Entry)) SendOption {
	return func(o *sendOptions) {
		o.recorded = fn
	}
}

func (o *sendOptions) notify(e Entry) {
	if o.recorded != nil {
		o.recorded(e)
	}
}

type sessionImpl struct {
	id      string
	ch      channel.Channel
	backend StorageBackend
	cfg     Config
	logger  *zap.Logger

	turn     *semaphore.Weighted
	closeCtx context.Context
	closeFn  context.CancelFunc

	mu           sync.RWMutex
	history      []Entry
	lastActivity time.Time
	closed       bool

	closeOnce sync.Once
	closeErr  error
}

func newSession(id string, ch channel.Channel, backend StorageBackend, history []*Entry, cfg Config, logger *zap.Logger) *sessionImpl {
	closeCtx, closeFn := context.WithCancel(context.Background())
	s := &sessionImpl{
		id:           id,
		ch:           ch,
		backend:      backend,
		cfg:          cfg,
		logger:       logger,
		turn:         semaphore.NewWeighted(1),
		closeCtx:     closeCtx,
		closeFn:      closeFn,
		lastActivity: time.Now(),
	}
	for _, e := range history {
		s.history = append(s.history, *e)
	}
	s.trimHistory()
	return s
}

// ID returns the unique session identifier.
func (s *sessionImpl) ID() string {
	return s.id
}

// Send runs one turn under the session's turn lock.
func (s *sessionImpl) Send(ctx context.Context, text string, sender Sender, opts ...SendOption) (string, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	if s.Closed() {
		return "", ErrSessionClosed
	}

	lockCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.closeCtx, cancel)
	defer stop()

	if err := s.turn.Acquire(lockCtx, 1); err != nil {
		if s.Closed() {
			return "", ErrSessionClosed
		}
		return "", err
	}
	defer s.turn.Release(1)

	if s.Closed() {
		return "", ErrSessionClosed
	}
	if err := s.awaitReady(lockCtx); err != nil {
		return "", err
	}

	ctx, span := observability.StartTurnSpan(ctx, s.id, string(sender))
	defer span.End()
	started := time.Now()

	display := text
	if o.display != "" {
		display = o.display
	}
	o.notify(s.record(ctx, sender, display))
	s.logger.Debug("turn started",
		zap.String("sender", string(sender)),
		zap.String("text", truncate(display, s.cfg.TruncateLength)))

	resp, err := s.ch.Submit(ctx, text)
	if err != nil {
		span.SetError(err)
		metrics.RecordTurn(string(sender), "error", time.Since(started))
		s.logger.Warn("turn failed",
			zap.String("sender", string(sender)),
			zap.Stringer("state", s.ch.State()),
			zap.Int("restart_count", s.ch.RestartCount()),
			zap.Error(err))
		switch {
		case s.Closed():
			return "", fmt.Errorf("%w: %w", ErrSessionClosed, err)
		case errors.Is(err, channel.ErrChannelTerminated):
			return "", fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
		}
		return "", fmt.Errorf("session %s: %w", s.id, err)
	}

	o.notify(s.record(ctx, SenderAssistant, resp))
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	metrics.RecordTurn(string(sender), "ok", time.Since(started))
	s.logger.Debug("turn completed",
		zap.Duration("duration", time.Since(started)),
		zap.String("response", truncate(resp, s.cfg.TruncateLength)))
	return resp, nil
}

// awaitReady waits out a background restart. It fails with
// ErrSessionUnavailable once the channel has given up.
func (s *sessionImpl) awaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		switch s.ch.State() {
		case channel.Ready:
			return nil
		case channel.Terminated:
			return fmt.Errorf("%w: %s", ErrSessionUnavailable, s.id)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if s.Closed() {
				return ErrSessionClosed
			}
			return ctx.Err()
		}
	}
}

// record appends an entry to the history and mirrors it to the backend.
// Storage failures are logged; they never fail the turn.
func (s *sessionImpl) record(ctx context.Context, sender Sender, text string) Entry {
	entry := Entry{
		ID:        uuid.New().String(),
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	s.mu.Lock()
	s.history = append(s.history, entry)
	s.trimHistory()
	s.mu.Unlock()

	if s.backend == nil {
		return entry
	}
	if err := s.backend.AppendEntry(context.WithoutCancel(ctx), s.id, &entry); err != nil {
		s.logger.Warn("persist history entry", zap.Error(err))
	}
	return entry
}

// trimHistory evicts the oldest entries beyond the limit. Caller must hold s.mu.
func (s *sessionImpl) trimHistory() {
	if limit := s.cfg.HistoryLimit; limit > 0 && len(s.history) > limit {
		s.history = append(s.history[:0:0], s.history[len(s.history)-limit:]...)
	}
}

// History returns a copy of the in-memory history.
func (s *sessionImpl) History() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.history))
	copy(out, s.history)
	return out
}

// LastActivity returns the time of the last completed turn.
func (s *sessionImpl) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *sessionImpl) ChannelState() channel.State {
	return s.ch.State()
}

func (s *sessionImpl) RestartCount() int {
	return s.ch.RestartCount()
}

// Close stops the peer and wakes every waiting turn. It is idempotent.
func (s *sessionImpl) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeFn()

		s.closeErr = s.ch.Stop(ctx, s.cfg.TerminationTimeout)
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

// Closed reports whether Close has been called.
func (s *sessionImpl) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// usable reports whether the session can still run turns.
func usable(s Session) bool {
	return !s.Closed() && s.ChannelState() != channel.Terminated
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
