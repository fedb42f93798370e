package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentconsole/internal/channel"
)

func newTestManager(t *testing.T, factory *fakeFactory, backend StorageBackend, opts ...ManagerOption) Manager {
	t.Helper()
	if backend == nil {
		backend = NewMemoryBackend()
	}
	mgr := NewManager(backend, factory.build, DefaultConfig(), opts...)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr
}

func TestManager_Create(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{name: "explicit id", id: "chat-1"},
		{name: "generated id"},
		{name: "duplicate id", id: "chat-1", wantErr: ErrSessionExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := mgr.Create(ctx, CreateOptions{ID: tt.id})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, sess.ID())
			if tt.id != "" {
				assert.Equal(t, tt.id, sess.ID())
			}
			assert.Equal(t, channel.Ready, sess.ChannelState())
		})
	}

	assert.Len(t, mgr.List(), 2)
}

func TestManager_CreateInvalidID(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, nil)

	_, err := mgr.Create(context.Background(), CreateOptions{ID: "../escape"})
	assert.Error(t, err)
	assert.Zero(t, factory.count())
}

func TestManager_StartupRetries(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		factory := &fakeFactory{failFirst: 2}
		mgr := newTestManager(t, factory, nil)

		sess, err := mgr.Create(context.Background(), CreateOptions{ID: "chat-1"})
		require.NoError(t, err)
		assert.Equal(t, 3, factory.count())
		assert.Equal(t, channel.Ready, sess.ChannelState())
	})

	t.Run("exhausted", func(t *testing.T) {
		factory := &fakeFactory{failFirst: 10}
		mgr := newTestManager(t, factory, nil)

		_, err := mgr.Create(context.Background(), CreateOptions{ID: "chat-1"})
		assert.ErrorIs(t, err, ErrSessionUnavailable)
		assert.ErrorIs(t, err, channel.ErrStartupTimeout)
		assert.Equal(t, 3, factory.count())

		_, err = mgr.Get("chat-1")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		factory.mu.Lock()
		for _, ch := range factory.channels {
			select {
			case <-ch.stopped:
			default:
				t.Error("failed channel was not stopped")
			}
		}
		factory.mu.Unlock()
	})
}

func TestManager_Get(t *testing.T) {
	mgr := newTestManager(t, &fakeFactory{}, nil)

	_, err := mgr.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	created, err := mgr.Create(context.Background(), CreateOptions{ID: "chat-1"})
	require.NoError(t, err)

	got, err := mgr.Get("chat-1")
	require.NoError(t, err)
	assert.Same(t, created, got)
}

func TestManager_GetOrCreateSharesStartup(t *testing.T) {
	factory := &fakeFactory{delay: 20 * time.Millisecond}
	mgr := newTestManager(t, factory, nil)

	var wg sync.WaitGroup
	results := make([]Session, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := mgr.GetOrCreate(context.Background(), "chat-1")
			assert.NoError(t, err)
			results[i] = sess
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, factory.count())
	for _, sess := range results {
		assert.Same(t, results[0], sess)
	}
}

func TestManager_GetOrCreateReplacesUnusable(t *testing.T) {
	factory := &fakeFactory{}
	mgr := newTestManager(t, factory, nil)
	ctx := context.Background()

	first, err := mgr.GetOrCreate(ctx, "chat-1")
	require.NoError(t, err)
	_, err = first.Send(ctx, "hello", SenderUser)
	require.NoError(t, err)

	factory.last().setState(channel.Terminated)

	second, err := mgr.GetOrCreate(ctx, "chat-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, first.Closed())
	assert.Equal(t, 2, factory.count())

	// Stored history carries over to the replacement.
	history := second.History()
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Text)

	_, err = mgr.GetOrCreate(ctx, "")
	assert.Error(t, err)
}

func TestManager_RestoresStoredHistory(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, backend.AppendEntry(ctx, "chat-1", &Entry{ID: text, Sender: SenderUser, Text: text}))
	}

	mgr := NewManager(backend, (&fakeFactory{}).build, Config{HistoryLimit: 2, StartupAttempts: 1})
	defer func() { _ = mgr.Close(ctx) }()

	sess, err := mgr.Create(ctx, CreateOptions{ID: "chat-1"})
	require.NoError(t, err)

	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].Text)
	assert.Equal(t, "c", history[1].Text)

	meta, err := backend.LoadSession(ctx, "chat-1")
	require.NoError(t, err)
	assert.False(t, meta.CreatedAt.IsZero())
}

func TestManager_Delete(t *testing.T) {
	backend := NewMemoryBackend()
	mgr := newTestManager(t, &fakeFactory{}, backend)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateOptions{ID: "chat-1"})
	require.NoError(t, err)
	_, err = sess.Send(ctx, "hello", SenderUser)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ctx, "chat-1"))
	assert.True(t, sess.Closed())

	_, err = mgr.Get("chat-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	entries, err := backend.LoadEntries(ctx, "chat-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.ErrorIs(t, mgr.Delete(ctx, "chat-1"), ErrSessionNotFound)
}

func TestManager_CleanupIdle(t *testing.T) {
	keepID := "pinned"
	mgr := newTestManager(t, &fakeFactory{}, nil,
		WithIdleExemption(func(id string) bool { return id == keepID }))
	ctx := context.Background()

	for _, id := range []string{"old-a", "old-b", "fresh", keepID} {
		_, err := mgr.Create(ctx, CreateOptions{ID: id})
		require.NoError(t, err)
	}

	impl := mgr.(*managerImpl)
	stale := time.Now().Add(-time.Hour)
	for _, id := range []string{"old-b", "old-a", keepID} {
		sess := impl.sessions[id]
		sess.mu.Lock()
		sess.lastActivity = stale
		sess.mu.Unlock()
	}

	closed := mgr.CleanupIdle(ctx, 30*time.Minute)
	assert.Equal(t, []string{"old-a", "old-b"}, closed)

	var live []string
	for _, sess := range mgr.List() {
		live = append(live, sess.ID())
	}
	assert.Equal(t, []string{"fresh", keepID}, live)

	assert.Nil(t, mgr.CleanupIdle(ctx, 0))
}

func TestManager_Close(t *testing.T) {
	factory := &fakeFactory{}
	backend := NewMemoryBackend()
	mgr := NewManager(backend, factory.build, DefaultConfig())
	ctx := context.Background()

	var sessions []Session
	for _, id := range []string{"a", "b", "c"} {
		sess, err := mgr.Create(ctx, CreateOptions{ID: id})
		require.NoError(t, err)
		sessions = append(sessions, sess)
	}

	require.NoError(t, mgr.Close(ctx))
	for _, sess := range sessions {
		assert.True(t, sess.Closed())
		_, err := sess.Send(ctx, "late", SenderUser)
		assert.True(t, errors.Is(err, ErrSessionClosed))
	}
	assert.Empty(t, mgr.List())

	_, err := backend.LoadSession(ctx, "a")
	assert.ErrorIs(t, err, ErrStorageClosed)
}
