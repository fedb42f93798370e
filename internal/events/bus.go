package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	metrics "github.com/aixgo-dev/agentconsole/pkg/observability"
)

// Config contains bus settings.
type Config struct {
	// BufferSize is the channel capacity of each subscriber.
	// Default: 64
	BufferSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 64}
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the subscriber buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.cfg.BufferSize = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus delivers events to per-session and global subscribers.
type Bus struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Event
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		subs:   make(map[string]map[uint64]chan Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel of events for sessionID; an empty ID receives
// events of every session. The returned function unsubscribes and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, b.cfg.BufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[uint64]chan Event)
	}
	b.subs[sessionID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(sessionID, id) })
	}
}

func (b *Bus) unsubscribe(sessionID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sessionID]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, sessionID)
	}
	close(ch)
}

// Publish delivers ev to the session's subscribers and to global
// subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	b.deliver(b.subs[ev.SessionID], ev)
	if ev.SessionID != "" {
		b.deliver(b.subs[""], ev)
	}
}

// deliver sends without blocking. Caller must hold b.mu.
func (b *Bus) deliver(subs map[uint64]chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			metrics.RecordDroppedEvent()
			b.logger.Warn("subscriber buffer full, event dropped",
				zap.String("session_id", ev.SessionID),
				zap.String("type", string(ev.Type)),
				zap.Int("capacity", cap(ch)))
		}
	}
}

// Subscribers returns the number of subscribers for sessionID.
func (b *Bus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Stats returns how many events were published and how many deliveries were dropped.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sessionID, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, sessionID)
	}
}
