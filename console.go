package agentconsole

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentconsole/internal/channel"
	"github.com/aixgo-dev/agentconsole/internal/events"
	"github.com/aixgo-dev/agentconsole/internal/logging"
	"github.com/aixgo-dev/agentconsole/internal/monitor"
	"github.com/aixgo-dev/agentconsole/internal/plans"
	"github.com/aixgo-dev/agentconsole/internal/scheduler"
	"github.com/aixgo-dev/agentconsole/pkg/config"
	"github.com/aixgo-dev/agentconsole/pkg/observability"
	"github.com/aixgo-dev/agentconsole/pkg/session"
)

// ErrPlansDisabled is returned by plan operations when no plans directory is configured.
var ErrPlansDisabled = errors.New("task plans are disabled")

// SessionInfo describes a live session.
type SessionInfo struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	RestartCount  int       `json:"restart_count"`
	LastActivity  time.Time `json:"last_activity"`
	HistoryLength int       `json:"history_length"`
	TaskCount     int       `json:"task_count"`
	Monitored     bool      `json:"monitored"`
	ActivePlan    string    `json:"active_plan,omitempty"`
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ConsoleOption {
	return func(c *Console) {
		c.logger = logger
	}
}

// WithSpawner replaces the os/exec process spawner.
func WithSpawner(s channel.Spawner) ConsoleOption {
	return func(c *Console) {
		c.spawner = s
	}
}

// WithBackend replaces the history backend selected by the configuration.
func WithBackend(b session.StorageBackend) ConsoleOption {
	return func(c *Console) {
		c.backend = b
	}
}

// WithSchedulerOptions passes extra options to the task scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) ConsoleOption {
	return func(c *Console) {
		c.schedOpts = append(c.schedOpts, opts...)
	}
}

// Console multiplexes conversations with peer processes and fires scheduled
// messages into them.
type Console struct {
	cfg     *config.Config
	logger  *zap.Logger
	spawner channel.Spawner

	backend   session.StorageBackend
	sessions  session.Manager
	scheduler *scheduler.Scheduler
	schedOpts []scheduler.Option
	monitor   *monitor.Monitor
	bus       *events.Bus
	plans     *plans.Store

	mu          sync.Mutex
	activePlans map[string]string

	// taskStarts is held for reading while a scheduled execution starts its
	// session and for writing while DeleteSession clears the tasks.
	taskStarts sync.RWMutex

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewConsole builds a console from a validated configuration. Tasks listed
// in the configuration are scheduled immediately; their sessions start on
// first firing.
func NewConsole(cfg *config.Config, opts ...ConsoleOption) (*Console, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Console{
		cfg:         cfg,
		logger:      zap.NewNop(),
		spawner:     channel.ExecSpawner{},
		activePlans: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	logger := c.logger.Named("console")

	if c.backend == nil {
		backend, err := session.NewBackend(cfg.SessionBackend())
		if err != nil {
			return nil, fmt.Errorf("create session store: %w", err)
		}
		c.backend = backend
	}

	if cfg.Plans.Dir != "" {
		store, err := plans.NewStore(cfg.Plans.Dir)
		if err != nil {
			return nil, err
		}
		c.plans = store
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("scheduler location: %w", err)
	}

	c.bus = events.NewBus(events.WithLogger(c.logger.Named("events")))

	c.monitor = monitor.New(monitor.Config{
		Enabled:           cfg.Monitoring.Enabled,
		ToolMarker:        cfg.Monitoring.ToolMarker,
		MaxAutoPrompts:    cfg.Monitoring.MaxAutoPrompts,
		AutoProceedPrompt: cfg.Monitoring.AutoProceedPrompt,
		MinResponseLength: cfg.Monitoring.MinResponseLength,
		FailureIndicators: cfg.Monitoring.FailureIndicators,
	}, monitor.WithLogger(c.logger.Named("monitor")))

	schedOpts := append([]scheduler.Option{
		scheduler.WithLogger(c.logger.Named("scheduler")),
		scheduler.WithLocation(loc),
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
		scheduler.WithPacing(cfg.Scheduler.Pacing),
		scheduler.WithObserver(c.onTaskUpdate),
	}, c.schedOpts...)
	c.scheduler = scheduler.New(c, schedOpts...)

	c.sessions = session.NewManager(c.backend, c.newChannel, session.Config{
		HistoryLimit:       cfg.Limits.HistoryLimit,
		StartupAttempts:    cfg.Session.StartupAttempts,
		TerminationTimeout: cfg.Timeouts.Termination,
		TruncateLength:     cfg.Limits.MessageTruncationLength,
	},
		session.WithLogger(c.logger.Named("session")),
		session.WithIdleExemption(func(id string) bool {
			return len(c.scheduler.List(id)) > 0
		}),
	)

	for _, def := range cfg.Tasks {
		info, err := c.scheduler.Schedule(def.Session, def.Schedule, def.Message)
		if err != nil {
			return nil, fmt.Errorf("schedule initial task for %s: %w", def.Session, err)
		}
		logger.Info("initial task scheduled",
			zap.String("session_id", def.Session),
			zap.String("task_id", info.ID),
			zap.String("spec", info.Spec))
	}

	return c, nil
}

func (c *Console) newChannel(sessionID string) channel.Channel {
	cfg := c.cfg
	return channel.New(channel.Config{
		Command: channel.Command{
			Path: cfg.Peer.Command,
			Args: cfg.Peer.Args,
			Dir:  cfg.Peer.WorkingDir,
			Env:  envList(cfg.Peer.Environment),
		},
		ReadyMarker:        cfg.Peer.ReadyMarker,
		EchoStrip:          cfg.Peer.EchoStrip,
		StartupTimeout:     cfg.Timeouts.Startup,
		ResponseTimeout:    cfg.Timeouts.Response,
		TerminationTimeout: cfg.Timeouts.Termination,
		RestartBackoff:     cfg.Timeouts.RestartBackoff,
		MaxRestartAttempts: cfg.Session.MaxRestartAttempts,
		MaxBufferSize:      cfg.Limits.MaxBufferSize,
		MaxResponseBytes:   cfg.Limits.MaxResponseBytes,
		TruncateLength:     cfg.Limits.MessageTruncationLength,
	},
		channel.WithSpawner(c.spawner),
		channel.WithLogger(c.logger.Named("channel").With(zap.String("session_id", sessionID))),
	)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// CreateSession starts a session with a generated ID.
func (c *Console) CreateSession(ctx context.Context) (string, error) {
	sess, err := c.sessions.Create(ctx, session.CreateOptions{})
	if err != nil {
		return "", err
	}
	return sess.ID(), nil
}

// SendMessage sends a user message and returns the peer's response. The
// session is started on first reference.
func (c *Console) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	sess, err := c.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return c.turn(ctx, sess, text, "", session.SenderUser, "")
}

// RunTask executes one scheduled firing: the task message is sent, then the
// monitor may follow up with auto prompts until the peer invokes a tool or
// the prompt budget is spent.
func (c *Console) RunTask(ctx context.Context, exec scheduler.Execution) error {
	sess, err := c.sessionForTask(ctx, exec)
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		c.logger.Debug("execution of a cancelled task skipped",
			zap.String("session_id", exec.SessionID),
			zap.String("task_id", exec.TaskID))
		return err
	}
	if err != nil {
		c.publishError(exec.SessionID, exec.ID, err)
		return err
	}

	c.monitor.Begin(exec.SessionID, exec.ID)
	defer c.monitor.End(exec.SessionID, exec.ID)

	resp, err := c.turn(ctx, sess, exec.Message, "", session.SenderScheduled, exec.ID)
	for err == nil {
		nudge, ok := c.monitor.Observe(exec.SessionID, exec.ID, resp)
		if !ok {
			break
		}
		resp, err = c.turn(ctx, sess, nudge.Prompt, nudge.Display, session.SenderMonitor, exec.ID)
	}
	return err
}

// sessionForTask starts or reuses the session of a scheduled execution. It
// fails with scheduler.ErrTaskNotFound once the task is gone, so a deleted
// session is never started again by one of its own executions.
func (c *Console) sessionForTask(ctx context.Context, exec scheduler.Execution) (session.Session, error) {
	c.taskStarts.RLock()
	defer c.taskStarts.RUnlock()

	if !c.scheduler.Has(exec.SessionID, exec.TaskID) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, exec.TaskID)
	}
	return c.sessions.GetOrCreate(ctx, exec.SessionID)
}

// turn runs one Send. The request and the response are published while the
// turn holds the session lock, so the feed follows history order; a failure
// is published afterwards. A non-empty display replaces text in history and
// events.
func (c *Console) turn(ctx context.Context, sess session.Session, text, display string, sender session.Sender, executionID string) (string, error) {
	opts := []session.SendOption{
		session.WithRecorded(func(e session.Entry) {
			c.publish(sess.ID(), events.TypeMessage, events.MessagePayload{
				Sender:      string(e.Sender),
				Text:        e.Text,
				ExecutionID: executionID,
			})
		}),
	}
	if display != "" {
		opts = append(opts, session.WithDisplayText(display))
	}

	resp, err := sess.Send(ctx, text, sender, opts...)
	if err != nil {
		c.publishError(sess.ID(), executionID, err)
		return "", err
	}
	return resp, nil
}

func (c *Console) publish(sessionID string, typ events.Type, payload any) {
	c.bus.Publish(events.Event{
		Type:      typ,
		SessionID: sessionID,
		Time:      time.Now(),
		Payload:   payload,
	})
}

func (c *Console) publishError(sessionID, executionID string, err error) {
	c.publish(sessionID, events.TypeError, events.ErrorPayload{
		Error:       err.Error(),
		ExecutionID: executionID,
	})
}

func (c *Console) onTaskUpdate(u scheduler.Update) {
	payload := events.TaskPayload{
		Kind:        string(u.Kind),
		TaskID:      u.Task.ID,
		Spec:        u.Task.Spec,
		Message:     u.Task.Message,
		NextRun:     u.Task.NextRun,
		ExecutionID: u.ExecutionID,
	}
	if u.Err != nil {
		payload.Error = u.Err.Error()
	}
	c.publish(u.Task.SessionID, events.TypeTaskUpdate, payload)
}

// ScheduleTask adds a task to a session and returns its ID.
func (c *Console) ScheduleTask(sessionID, spec, message string) (string, error) {
	info, err := c.scheduler.Schedule(sessionID, spec, message)
	if err != nil {
		return "", err
	}
	c.logger.Debug("task scheduled",
		zap.String("session_id", sessionID),
		zap.String("task_id", info.ID),
		zap.String("message", logging.Truncate(message, c.cfg.Limits.MessageTruncationLength)))
	return info.ID, nil
}

// ListTasks returns the tasks of a session, or of all sessions when
// sessionID is empty.
func (c *Console) ListTasks(sessionID string) []scheduler.TaskInfo {
	return c.scheduler.List(sessionID)
}

// DeleteTask cancels a task.
func (c *Console) DeleteTask(sessionID, taskID string) error {
	return c.scheduler.Cancel(sessionID, taskID)
}

// ClearTasks cancels every task of a session and returns how many were removed.
func (c *Console) ClearTasks(sessionID string) int {
	n := c.scheduler.Clear(sessionID)
	c.setActivePlan(sessionID, "")
	return n
}

// DeleteSession cancels the session's tasks, stops its peer and removes its
// stored history.
func (c *Console) DeleteSession(ctx context.Context, sessionID string) error {
	c.taskStarts.Lock()
	c.scheduler.Clear(sessionID)
	c.taskStarts.Unlock()
	c.monitor.Forget(sessionID)
	c.setActivePlan(sessionID, "")
	return c.sessions.Delete(ctx, sessionID)
}

// Subscribe returns the events of a session, or of every session when
// sessionID is empty. Call the returned function to unsubscribe.
func (c *Console) Subscribe(sessionID string) (<-chan events.Event, func()) {
	return c.bus.Subscribe(sessionID)
}

// History returns the history of a live session, or the stored history of
// a session that is no longer running.
func (c *Console) History(sessionID string) ([]session.Entry, error) {
	if sess, err := c.sessions.Get(sessionID); err == nil {
		return sess.History(), nil
	}

	stored, err := c.backend.LoadEntries(context.Background(), sessionID, c.cfg.Limits.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		if _, err := c.backend.LoadSession(context.Background(), sessionID); err != nil {
			return nil, err
		}
	}
	out := make([]session.Entry, len(stored))
	for i, e := range stored {
		out[i] = *e
	}
	return out, nil
}

// Sessions describes every live session, ordered by ID.
func (c *Console) Sessions() []SessionInfo {
	live := c.sessions.List()
	out := make([]SessionInfo, 0, len(live))
	for _, sess := range live {
		out = append(out, SessionInfo{
			ID:            sess.ID(),
			State:         sess.ChannelState().String(),
			RestartCount:  sess.RestartCount(),
			LastActivity:  sess.LastActivity(),
			HistoryLength: len(sess.History()),
			TaskCount:     len(c.scheduler.List(sess.ID())),
			Monitored:     c.monitor.Enabled(sess.ID()),
			ActivePlan:    c.ActivePlan(sess.ID()),
		})
	}
	return out
}

// SaveTaskPlan stores the session's current tasks under name.
func (c *Console) SaveTaskPlan(name, sessionID string) error {
	if c.plans == nil {
		return ErrPlansDisabled
	}
	tasks := c.scheduler.List(sessionID)
	if len(tasks) == 0 {
		return fmt.Errorf("session %s has no scheduled tasks", sessionID)
	}

	plan := &plans.Plan{Name: name, SourceSession: sessionID}
	for _, t := range tasks {
		plan.Tasks = append(plan.Tasks, plans.Entry{Schedule: t.Spec, Message: t.Message})
	}
	if err := c.plans.Save(plan); err != nil {
		return err
	}
	c.setActivePlan(sessionID, name)
	c.logger.Info("task plan saved",
		zap.String("plan", name),
		zap.String("session_id", sessionID),
		zap.Int("tasks", len(plan.Tasks)))
	return nil
}

// LoadTaskPlan schedules every task of a stored plan in the session and
// returns how many were scheduled. The session is started if needed.
func (c *Console) LoadTaskPlan(ctx context.Context, name, sessionID string) (int, error) {
	if c.plans == nil {
		return 0, ErrPlansDisabled
	}
	plan, err := c.plans.Load(name)
	if err != nil {
		return 0, err
	}
	if _, err := c.sessions.GetOrCreate(ctx, sessionID); err != nil {
		return 0, err
	}

	var (
		loaded int
		errs   []error
	)
	for i, entry := range plan.Tasks {
		if _, err := c.scheduler.Schedule(sessionID, entry.Schedule, entry.Message); err != nil {
			errs = append(errs, fmt.Errorf("plan %s task %d: %w", name, i, err))
			continue
		}
		loaded++
	}
	if loaded > 0 {
		c.setActivePlan(sessionID, name)
	}
	c.logger.Info("task plan loaded",
		zap.String("plan", name),
		zap.String("session_id", sessionID),
		zap.Int("tasks", loaded))
	return loaded, errors.Join(errs...)
}

// TaskPlans lists stored plans.
func (c *Console) TaskPlans() ([]plans.Summary, error) {
	if c.plans == nil {
		return nil, ErrPlansDisabled
	}
	return c.plans.List()
}

// ActivePlan returns the plan last saved or loaded in the session.
func (c *Console) ActivePlan(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePlans[sessionID]
}

func (c *Console) setActivePlan(sessionID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		delete(c.activePlans, sessionID)
		return
	}
	c.activePlans[sessionID] = name
}

// SetMonitoring turns automatic follow-up prompts on or off globally.
func (c *Console) SetMonitoring(enabled bool) {
	c.monitor.SetEnabled(enabled)
}

// SetSessionMonitoring turns automatic follow-up prompts on or off for one session.
func (c *Console) SetSessionMonitoring(sessionID string, enabled bool) {
	c.monitor.SetSessionEnabled(sessionID, enabled)
}

// MonitoringStats returns the monitor state.
func (c *Console) MonitoringStats() monitor.Stats {
	return c.monitor.Stats()
}

// HealthChecks returns the checks the observability server reports.
func (c *Console) HealthChecks() []*observability.HealthCheck {
	return []*observability.HealthCheck{
		observability.SessionsCheck(func() (usable, total int) {
			live := c.sessions.List()
			for _, sess := range live {
				if sess.ChannelState() != channel.Terminated && !sess.Closed() {
					usable++
				}
			}
			return usable, len(live)
		}),
		observability.SchedulerCheck(c.scheduler.Running),
	}
}

// Run drives the scheduler and idle-session cleanup until ctx is done.
func (c *Console) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.scheduler.Run(ctx)
	})

	if idle := c.cfg.Session.IdleTimeout; idle > 0 {
		g.Go(func() error {
			c.cleanupLoop(ctx, idle)
			return nil
		})
	}

	return g.Wait()
}

func (c *Console) cleanupLoop(ctx context.Context, idle time.Duration) {
	interval := c.cfg.Session.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range c.sessions.CleanupIdle(ctx, idle) {
				c.monitor.Forget(id)
				c.publish(id, events.TypeMessage, events.MessagePayload{
					Sender: string(session.SenderSystem),
					Text:   "session closed after inactivity",
				})
			}
		}
	}
}

// Shutdown stops every session, waits for in-flight executions and closes
// the event bus. It is safe to call more than once.
func (c *Console) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.logger.Info("shutting down console")
		err := c.sessions.Close(ctx)

		done := make(chan struct{})
		go func() {
			c.scheduler.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("waiting for executions: %w", ctx.Err()))
		}

		c.bus.Close()
		c.shutdownErr = err
	})
	return c.shutdownErr
}
