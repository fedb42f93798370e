// Package channel supervises one interactive peer process and exchanges
// newline-terminated requests with it, framing each response by the peer's
// ready marker.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentconsole/pkg/observability"
)

// Channel is a request/response conversation with a peer process.
type Channel interface {
	Start(ctx context.Context) error
	Submit(ctx context.Context, text string) (string, error)
	Stop(ctx context.Context, graceful time.Duration) error
	State() State
	RestartCount() int
}

// Config controls a ProcessChannel.
type Config struct {
	Command Command

	// ReadyMarker is printed by the peer whenever it waits for input.
	ReadyMarker string

	// EchoStrip removes the first response line when it repeats the request.
	EchoStrip bool

	StartupTimeout     time.Duration
	ResponseTimeout    time.Duration
	TerminationTimeout time.Duration

	// RestartBackoff is the delay before the second restart attempt; it doubles per attempt.
	RestartBackoff     time.Duration
	MaxRestartAttempts int

	// MaxBufferSize bounds the startup output kept while looking for the marker.
	MaxBufferSize int

	// MaxResponseBytes bounds a single response.
	MaxResponseBytes int

	// TruncateLength bounds the text included in log fields.
	TruncateLength int
}

// DefaultConfig returns the channel defaults.
func DefaultConfig() Config {
	return Config{
		ReadyMarker:        "> ",
		EchoStrip:          true,
		StartupTimeout:     30 * time.Second,
		ResponseTimeout:    300 * time.Second,
		TerminationTimeout: 5 * time.Second,
		RestartBackoff:     time.Second,
		MaxRestartAttempts: 3,
		MaxBufferSize:      1024,
		MaxResponseBytes:   16 << 20,
		TruncateLength:     100,
	}
}

// Option configures a ProcessChannel.
type Option func(*ProcessChannel)

// WithSpawner replaces the os/exec spawner.
func WithSpawner(s Spawner) Option {
	return func(c *ProcessChannel) {
		c.spawner = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *ProcessChannel) {
		c.logger = logger
	}
}

// ProcessChannel is the Channel implementation backed by a child process.
type ProcessChannel struct {
	cfg     Config
	spawner Spawner
	logger  *zap.Logger

	mu       sync.Mutex
	state    State
	restarts int
	peer     *peer

	stopCh   chan struct{}
	stopOnce sync.Once
	// wg tracks background restarts.
	wg sync.WaitGroup
}

var _ Channel = (*ProcessChannel)(nil)

// New creates an idle channel. Call Start to launch the peer.
func New(cfg Config, opts ...Option) *ProcessChannel {
	if cfg.MaxRestartAttempts < 1 {
		cfg.MaxRestartAttempts = 1
	}
	c := &ProcessChannel{
		cfg:     cfg,
		spawner: ExecSpawner{},
		logger:  zap.NewNop(),
		state:   Idle,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *ProcessChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RestartCount returns how many restart attempts the channel has made.
func (c *ProcessChannel) RestartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// transition moves the state machine. c.mu must be held.
func (c *ProcessChannel) transition(to State) error {
	if !canTransition(c.state, to) {
		err := &StateError{From: c.state, To: to}
		c.logger.Error("rejected state transition", zap.Error(err))
		return err
	}
	c.logger.Debug("state change", zap.Stringer("from", c.state), zap.Stringer("state", to))
	c.state = to
	return nil
}

// Start launches the peer and waits for its first ready marker.
// A failed start leaves the channel Terminated.
func (c *ProcessChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Terminated {
		c.mu.Unlock()
		return ErrChannelTerminated
	}
	if err := c.transition(Starting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	p, err := c.launch(ctx)

	c.mu.Lock()
	if err != nil {
		if c.state != Terminated {
			_ = c.transition(Terminated)
		}
		c.mu.Unlock()
		return err
	}
	if c.state == Terminated {
		c.mu.Unlock()
		c.teardown(p, c.cfg.TerminationTimeout)
		return ErrChannelTerminated
	}
	c.peer = p
	_ = c.transition(Ready)
	c.mu.Unlock()
	return nil
}

// Submit sends text and returns the peer's response without the marker
// and, when enabled, without the echoed request line.
//
// A timeout, crash or oversized response returns the error at once and
// restarts the peer in the background.
func (c *ProcessChannel) Submit(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	switch c.state {
	case Ready:
	case Terminated:
		c.mu.Unlock()
		return "", ErrChannelTerminated
	default:
		state := c.state
		c.mu.Unlock()
		return "", fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	_ = c.transition(Busy)
	p := c.peer
	c.mu.Unlock()

	resp, err := c.exchange(ctx, p, text)
	if err != nil {
		return "", c.fail(p, err)
	}

	c.mu.Lock()
	if c.state == Busy {
		_ = c.transition(Ready)
	}
	c.mu.Unlock()
	return resp, nil
}

func (c *ProcessChannel) exchange(ctx context.Context, p *peer, text string) (string, error) {
	if n := p.drain(); n > 0 {
		c.logger.Debug("discarded stale peer output", zap.Int("bytes", n))
	}

	deadline := time.Now().Add(c.cfg.ResponseTimeout)
	if err := c.writeRequest(ctx, p, text); err != nil {
		return "", err
	}

	raw, err := c.readFrame(ctx, p, time.Until(deadline), false)
	if err != nil {
		return "", err
	}
	return cleanResponse(raw, text, c.cfg.EchoStrip), nil
}

// writeRequest writes one request line within the response timeout. A
// write abandoned on timeout is unblocked when the failed peer's stdin is
// closed by teardown.
func (c *ProcessChannel) writeRequest(ctx context.Context, p *peer, text string) error {
	written := make(chan error, 1)
	go func() {
		_, err := io.WriteString(p.proc.Stdin(), text+"\n")
		written <- err
	}()

	timer := time.NewTimer(c.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case err := <-written:
		if err != nil {
			return fmt.Errorf("%w: write request: %v", ErrProcessCrashed, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s: peer is not reading input", ErrResponseTimeout, c.cfg.ResponseTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrChannelTerminated
	}
}

// fail hands the broken peer to a background restart. The channel is in
// Starting by the time the failed turn returns.
func (c *ProcessChannel) fail(p *peer, cause error) error {
	c.mu.Lock()
	if c.state == Terminated {
		c.mu.Unlock()
		if errors.Is(cause, ErrChannelTerminated) {
			return cause
		}
		return fmt.Errorf("%w: %v", ErrChannelTerminated, cause)
	}
	_ = c.transition(Restarting)
	_ = c.transition(Starting)
	c.restarts++
	c.peer = nil
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Warn("turn failed, restarting peer", zap.Error(cause))
	go c.restart(p)
	return cause
}

func (c *ProcessChannel) restart(old *peer) {
	defer c.wg.Done()
	c.teardown(old, c.cfg.TerminationTimeout)

	backoff := c.cfg.RestartBackoff
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		if c.state == Terminated {
			c.mu.Unlock()
			return
		}
		if attempt > 1 {
			_ = c.transition(Starting)
			c.restarts++
		}
		count := c.restarts
		c.mu.Unlock()
		observability.RecordChannelRestart()

		p, err := c.launch(context.Background())

		c.mu.Lock()
		if c.state == Terminated {
			c.mu.Unlock()
			if p != nil {
				c.teardown(p, c.cfg.TerminationTimeout)
			}
			return
		}
		if err == nil {
			c.peer = p
			_ = c.transition(Ready)
			c.mu.Unlock()
			c.logger.Info("peer restarted", zap.Int("restart_count", count), zap.Int("attempt", attempt))
			return
		}
		if attempt >= c.cfg.MaxRestartAttempts {
			_ = c.transition(Terminated)
			c.mu.Unlock()
			c.logger.Error("peer restart attempts exhausted",
				zap.Int("restart_count", count),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}
		_ = c.transition(Restarting)
		c.mu.Unlock()
		c.logger.Warn("peer restart failed",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
			return
		}
		backoff *= 2
	}
}

// launch spawns a peer and consumes its output up to the first ready marker.
func (c *ProcessChannel) launch(ctx context.Context) (*peer, error) {
	started := time.Now()

	proc, err := c.spawner.Spawn(c.cfg.Command)
	if err != nil {
		observability.RecordChannelStartup("error", time.Since(started))
		return nil, fmt.Errorf("spawn peer: %w", err)
	}
	p := startPeer(proc, c.logger)

	out, err := c.readFrame(ctx, p, c.cfg.StartupTimeout, true)
	if err != nil {
		observability.RecordChannelStartup("error", time.Since(started))
		c.logger.Debug("peer startup failed",
			zap.String("startup_output", truncate(string(out), c.cfg.TruncateLength)),
			zap.Error(err))
		c.teardown(p, c.cfg.TerminationTimeout)
		return nil, err
	}

	observability.RecordChannelStartup("ok", time.Since(started))
	c.logger.Debug("peer ready",
		zap.Int("pid", proc.Pid()),
		zap.Duration("startup", time.Since(started)),
		zap.String("startup_output", truncate(string(out), c.cfg.TruncateLength)))
	return p, nil
}

// readFrame collects output until it ends with a clean ready marker.
// During startup only the last MaxBufferSize bytes are kept.
func (c *ProcessChannel) readFrame(ctx context.Context, p *peer, timeout time.Duration, startup bool) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	marker := []byte(c.cfg.ReadyMarker)
	var (
		buf       []byte
		truncated bool
	)
	for {
		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return buf, fmt.Errorf("%w: %v", ErrProcessCrashed, p.err())
			}
			buf = append(buf, chunk...)
			if end := frameEnd(buf, marker, truncated); end >= 0 {
				return buf[:end], nil
			}
			if startup {
				if limit := c.cfg.MaxBufferSize; limit > 0 && len(buf) > limit {
					buf = append(buf[:0], buf[len(buf)-limit:]...)
					truncated = true
				}
			} else if limit := c.cfg.MaxResponseBytes; limit > 0 && len(buf) > limit {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
			}

		case <-timer.C:
			if startup {
				return buf, fmt.Errorf("%w after %s", ErrStartupTimeout, timeout)
			}
			return buf, fmt.Errorf("%w after %s", ErrResponseTimeout, timeout)

		case <-ctx.Done():
			return buf, ctx.Err()

		case <-c.stopCh:
			return buf, ErrChannelTerminated
		}
	}
}

// Stop terminates the peer, waiting up to graceful for it to exit before
// killing it, and waits for background restarts to finish.
func (c *ProcessChannel) Stop(ctx context.Context, graceful time.Duration) error {
	if graceful <= 0 {
		graceful = c.cfg.TerminationTimeout
	}
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	p := c.peer
	c.peer = nil
	if c.state != Terminated {
		_ = c.transition(Terminated)
	}
	c.mu.Unlock()

	if p != nil {
		c.teardown(p, graceful)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown closes stdin, sends SIGTERM, and kills the peer if it has not
// exited within graceful. It returns once every peer goroutine is gone.
func (c *ProcessChannel) teardown(p *peer, graceful time.Duration) {
	p.closeOnce.Do(func() {
		p.release()
		_ = p.proc.Stdin().Close()

		if err := p.proc.Terminate(); err != nil {
			c.logger.Debug("terminate peer", zap.Error(err))
		}
		timer := time.NewTimer(graceful)
		select {
		case <-p.exited:
			timer.Stop()
		case <-timer.C:
			c.logger.Warn("peer ignored termination, killing", zap.Int("pid", p.proc.Pid()))
			if err := p.proc.Kill(); err != nil {
				c.logger.Debug("kill peer", zap.Error(err))
			}
			<-p.exited
		}

		_ = p.proc.Stdout().Close()
		if stderr := p.proc.Stderr(); stderr != nil {
			_ = stderr.Close()
		}
		p.pumps.Wait()
	})
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
