package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentconsole/internal/channel"
)

func newTestSession(t *testing.T, ch *fakeChannel, backend StorageBackend, cfg Config) *sessionImpl {
	t.Helper()
	require.NoError(t, ch.Start(context.Background()))
	sess := newSession("s-1", ch, backend, nil, cfg, zap.NewNop())
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

func TestSession_SendRecordsHistory(t *testing.T) {
	backend := NewMemoryBackend()
	sess := newTestSession(t, newFakeChannel(), backend, DefaultConfig())
	before := sess.LastActivity()

	resp, err := sess.Send(context.Background(), "hello", SenderUser)
	require.NoError(t, err)
	assert.Equal(t, "re: hello", resp)

	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, SenderUser, history[0].Sender)
	assert.Equal(t, "hello", history[0].Text)
	assert.Equal(t, SenderAssistant, history[1].Sender)
	assert.Equal(t, "re: hello", history[1].Text)
	assert.NotEqual(t, history[0].ID, history[1].ID)
	assert.False(t, sess.LastActivity().Before(before))

	stored, err := backend.LoadEntries(context.Background(), "s-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hello", stored[0].Text)
}

func TestSession_WithDisplayText(t *testing.T) {
	ch := newFakeChannel()
	sess := newTestSession(t, ch, NewMemoryBackend(), DefaultConfig())

	_, err := sess.Send(context.Background(), "please proceed", SenderMonitor,
		WithDisplayText("[AUTO] please proceed (1/3)"))
	require.NoError(t, err)

	assert.Equal(t, []string{"please proceed"}, ch.submitted())
	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, "[AUTO] please proceed (1/3)", history[0].Text)
	assert.Equal(t, SenderMonitor, history[0].Sender)
}

func TestSession_HistoryLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryLimit = 3
	sess := newTestSession(t, newFakeChannel(), NewMemoryBackend(), cfg)

	for i := 0; i < 3; i++ {
		_, err := sess.Send(context.Background(), fmt.Sprintf("m%d", i), SenderUser)
		require.NoError(t, err)
	}

	history := sess.History()
	require.Len(t, history, 3)
	assert.Equal(t, "re: m1", history[0].Text)
	assert.Equal(t, "m2", history[1].Text)
	assert.Equal(t, "re: m2", history[2].Text)
}

func TestSession_TurnsRunInArrivalOrder(t *testing.T) {
	ch := newFakeChannel()
	open := make(chan struct{})
	ch.respond = ch.gate(open)
	sess := newTestSession(t, ch, NewMemoryBackend(), DefaultConfig())

	var wg sync.WaitGroup
	send := func(text string, sender Sender) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.Send(context.Background(), text, sender)
			assert.NoError(t, err)
		}()
	}

	send("first", SenderUser)
	require.Eventually(t, func() bool { return len(ch.submitted()) == 1 }, time.Second, time.Millisecond)

	// Queue the rest one at a time so arrival order is well defined.
	for _, text := range []string{"second", "third", "fourth"} {
		send(text, SenderScheduled)
		time.Sleep(20 * time.Millisecond)
	}
	assert.Len(t, ch.submitted(), 1, "only one turn may be in flight")

	close(open)
	wg.Wait()

	assert.Equal(t, []string{"first", "second", "third", "fourth"}, ch.submitted())

	history := sess.History()
	require.Len(t, history, 8)
	for i, text := range []string{"first", "second", "third", "fourth"} {
		assert.Equal(t, text, history[2*i].Text)
		assert.Equal(t, "re: "+text, history[2*i+1].Text)
	}
}

func TestSession_RecordedFollowsLockOrder(t *testing.T) {
	ch := newFakeChannel()
	open := make(chan struct{})
	ch.respond = ch.gate(open)
	sess := newTestSession(t, ch, NewMemoryBackend(), DefaultConfig())

	var (
		mu       sync.Mutex
		recorded []string
	)
	onRecord := WithRecorded(func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, e.Text)
	})
	recordedTexts := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), recorded...)
	}

	var wg sync.WaitGroup
	send := func(text string, opts ...SendOption) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.Send(context.Background(), text, SenderUser, opts...)
			assert.NoError(t, err)
		}()
	}

	send("first", onRecord)
	require.Eventually(t, func() bool { return len(ch.submitted()) == 1 }, time.Second, time.Millisecond)
	send("second", onRecord, WithDisplayText("shown"))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"first"}, recordedTexts(), "a queued turn records nothing")

	close(open)
	wg.Wait()

	assert.Equal(t, []string{"first", "re: first", "shown", "re: second"}, recordedTexts())
	var texts []string
	for _, e := range sess.History() {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, texts, recordedTexts())
}

func TestSession_RecordedSkippedWhenClosed(t *testing.T) {
	sess := newTestSession(t, newFakeChannel(), NewMemoryBackend(), DefaultConfig())
	require.NoError(t, sess.Close(context.Background()))

	called := false
	_, err := sess.Send(context.Background(), "late", SenderUser,
		WithRecorded(func(Entry) { called = true }))
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, called)
}

func TestSession_CloseUnblocksWaiters(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = ch.gate(make(chan struct{}))
	sess := newTestSession(t, ch, NewMemoryBackend(), DefaultConfig())

	errs := make(chan error, 2)
	go func() {
		_, err := sess.Send(context.Background(), "in flight", SenderUser)
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(ch.submitted()) == 1 }, time.Second, time.Millisecond)

	go func() {
		_, err := sess.Send(context.Background(), "waiting", SenderUser)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sess.Close(context.Background()))

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrSessionClosed)
		case <-time.After(time.Second):
			t.Fatal("Send did not return after Close")
		}
	}

	_, err := sess.Send(context.Background(), "late", SenderUser)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, sess.Closed())
	assert.NoError(t, sess.Close(context.Background()))
}

func TestSession_FailedTurnReleasesLock(t *testing.T) {
	ch := newFakeChannel()
	sess := newTestSession(t, ch, NewMemoryBackend(), DefaultConfig())

	ch.respond = func(ctx context.Context, text string) (string, error) {
		ch.setState(channel.Restarting)
		go func() {
			time.Sleep(30 * time.Millisecond)
			ch.setState(channel.Ready)
		}()
		return "", fmt.Errorf("%w after 1s", channel.ErrResponseTimeout)
	}

	_, err := sess.Send(context.Background(), "slow", SenderUser)
	assert.ErrorIs(t, err, channel.ErrResponseTimeout)
	assert.NotEqual(t, channel.Busy, sess.ChannelState())

	ch.mu.Lock()
	ch.respond = nil
	ch.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := sess.Send(ctx, "again", SenderUser)
	require.NoError(t, err)
	assert.Equal(t, "re: again", resp)
}

func TestSession_TerminatedChannelIsUnavailable(t *testing.T) {
	ch := newFakeChannel()
	sess := newTestSession(t, ch, NewMemoryBackend(), DefaultConfig())

	ch.setState(channel.Terminated)

	_, err := sess.Send(context.Background(), "hello", SenderUser)
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.False(t, usable(sess))
}

func TestSession_ContextCancelWhileWaiting(t *testing.T) {
	ch := newFakeChannel()
	open := make(chan struct{})
	ch.respond = ch.gate(open)
	sess := newTestSession(t, ch, NewMemoryBackend(), DefaultConfig())

	go func() { _, _ = sess.Send(context.Background(), "holder", SenderUser) }()
	require.Eventually(t, func() bool { return len(ch.submitted()) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sess.Send(ctx, "impatient", SenderUser)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(open)
}

func TestSession_PersistFailureDoesNotFailTurn(t *testing.T) {
	sess := newTestSession(t, newFakeChannel(), failingBackend{NewMemoryBackend()}, DefaultConfig())

	resp, err := sess.Send(context.Background(), "hello", SenderUser)
	require.NoError(t, err)
	assert.Equal(t, "re: hello", resp)
	assert.Len(t, sess.History(), 2)
}

func TestSession_RestoredHistory(t *testing.T) {
	stored := []*Entry{
		{ID: "1", Sender: SenderUser, Text: "old question"},
		{ID: "2", Sender: SenderAssistant, Text: "old answer"},
	}
	cfg := DefaultConfig()
	cfg.HistoryLimit = 1

	sess := newSession("s-1", newFakeChannel(), nil, stored, cfg, zap.NewNop())

	history := sess.History()
	require.Len(t, history, 1)
	assert.Equal(t, "old answer", history[0].Text)
}

func TestSession_ErrorWrapping(t *testing.T) {
	ch := newFakeChannel()
	sess := newTestSession(t, ch, NewMemoryBackend(), DefaultConfig())
	ch.respond = func(ctx context.Context, text string) (string, error) {
		return "", fmt.Errorf("%w: unexpected EOF", channel.ErrProcessCrashed)
	}

	_, err := sess.Send(context.Background(), "boom", SenderUser)
	require.Error(t, err)
	assert.True(t, errors.Is(err, channel.ErrProcessCrashed))
	assert.Contains(t, err.Error(), "session s-1")
}
