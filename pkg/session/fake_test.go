package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aixgo-dev/agentconsole/internal/channel"
)

// fakeChannel is a scriptable channel.Channel.
type fakeChannel struct {
	mu       sync.Mutex
	state    channel.State
	restarts int
	startErr error
	submits  []string
	stopped  chan struct{}
	stopOnce sync.Once

	// respond produces the answer for one turn; nil echoes "re: <text>".
	respond func(ctx context.Context, text string) (string, error)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{state: channel.Idle, stopped: make(chan struct{})}
}

func (f *fakeChannel) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.state = channel.Terminated
		return f.startErr
	}
	f.state = channel.Ready
	return nil
}

func (f *fakeChannel) Submit(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	switch f.state {
	case channel.Ready:
	case channel.Terminated:
		f.mu.Unlock()
		return "", channel.ErrChannelTerminated
	default:
		f.mu.Unlock()
		return "", channel.ErrNotReady
	}
	f.state = channel.Busy
	f.submits = append(f.submits, text)
	respond := f.respond
	f.mu.Unlock()

	var (
		resp string
		err  error
	)
	if respond != nil {
		resp, err = respond(ctx, text)
	} else {
		resp = "re: " + text
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == channel.Busy {
		f.state = channel.Ready
	}
	return resp, err
}

func (f *fakeChannel) Stop(ctx context.Context, graceful time.Duration) error {
	f.stopOnce.Do(func() { close(f.stopped) })
	f.setState(channel.Terminated)
	return nil
}

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) RestartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func (f *fakeChannel) setState(s channel.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeChannel) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submits...)
}

// gate blocks turns until opened or the channel stops.
func (f *fakeChannel) gate(open <-chan struct{}) func(context.Context, string) (string, error) {
	return func(ctx context.Context, text string) (string, error) {
		select {
		case <-open:
			return "re: " + text, nil
		case <-f.stopped:
			return "", channel.ErrChannelTerminated
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// fakeFactory records every channel it builds.
type fakeFactory struct {
	mu       sync.Mutex
	channels []*fakeChannel
	// failFirst makes the first n channels fail to start.
	failFirst int
	startErr  error
	delay     time.Duration
}

func (f *fakeFactory) build(sessionID string) channel.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	ch := newFakeChannel()
	if len(f.channels) < f.failFirst {
		ch.startErr = f.startErr
		if ch.startErr == nil {
			ch.startErr = fmt.Errorf("%w after 1s", channel.ErrStartupTimeout)
		}
	}
	f.channels = append(f.channels, ch)
	return ch
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeFactory) last() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[len(f.channels)-1]
}

// failingBackend wraps a backend and fails every append.
type failingBackend struct {
	*MemoryBackend
}

func (failingBackend) AppendEntry(ctx context.Context, sessionID string, entry *Entry) error {
	return errors.New("disk full")
}
