// Package scheduler runs per-session scheduled messages.
//
// A task fires when its NextRun has passed and it is not already running.
// Executions of one session are dispatched by a single goroutine in the
// order they became due, so they never overtake each other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/agentconsole/internal/observability"
	metrics "github.com/aixgo-dev/agentconsole/pkg/observability"
)

const (
	defaultTickInterval = time.Second
	defaultPacing       = 500 * time.Millisecond
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLocation sets the location used for daily, once and cron specs.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithTickInterval sets how often Run checks for due tasks.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithPacing sets the minimum gap between back-to-back executions of one
// session. Zero disables pacing.
func WithPacing(d time.Duration) Option {
	return func(s *Scheduler) {
		s.pacing = d
	}
}

// WithObserver registers a callback for task updates.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// Scheduler owns all scheduled tasks.
type Scheduler struct {
	runner       Runner
	logger       *zap.Logger
	now          func() time.Time
	loc          *time.Location
	tickInterval time.Duration
	pacing       time.Duration
	observer     Observer

	mu     sync.Mutex
	tasks  map[string][]*Task
	queues map[string]*dispatcher
	seq    uint64

	wg      sync.WaitGroup
	running atomic.Bool
}

type pending struct {
	exec Execution
	task *Task
}

// dispatcher is the FIFO queue of one session.
type dispatcher struct {
	limiter *rate.Limiter
	queue   []pending
	active  bool
}

// New creates a scheduler that hands executions to runner.
func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:       runner,
		logger:       zap.NewNop(),
		now:          time.Now,
		loc:          time.Local,
		tickInterval: defaultTickInterval,
		pacing:       defaultPacing,
		tasks:        make(map[string][]*Task),
		queues:       make(map[string]*dispatcher),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule adds a task for the session. Interval tasks are due immediately
// and then every interval from now on.
func (s *Scheduler) Schedule(sessionID, spec, message string) (TaskInfo, error) {
	if sessionID == "" {
		return TaskInfo{}, errors.New("session id is required")
	}
	if message == "" {
		return TaskInfo{}, errors.New("message is required")
	}
	parsed, err := ParseSpec(spec)
	if err != nil {
		return TaskInfo{}, err
	}

	now := s.now().In(s.loc)
	task := &Task{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Spec:       parsed,
		Message:    message,
		AnchorTime: now,
	}
	if parsed.Kind == KindInterval {
		task.NextRun = now
	} else {
		task.NextRun = parsed.Next(now, now)
		if task.NextRun.IsZero() {
			return TaskInfo{}, fmt.Errorf("%w %q: never fires", ErrInvalidSpec, spec)
		}
	}

	s.mu.Lock()
	s.seq++
	task.seq = s.seq
	s.tasks[sessionID] = append(s.tasks[sessionID], task)
	s.sortLocked(sessionID)
	info := task.info()
	total := s.countLocked()
	s.mu.Unlock()

	metrics.SetTasksScheduled(total)
	s.logger.Info("task scheduled",
		zap.String("session_id", sessionID),
		zap.String("task_id", task.ID),
		zap.String("spec", parsed.Raw),
		zap.Time("next_run", task.NextRun))
	s.notify(Update{Kind: UpdateScheduled, Task: info})
	return info, nil
}

// Tick starts every task that is due at now and not already running, in
// NextRun order. It marks them running before returning, so overlapping
// Ticks never start a task twice. Executions run on ctx.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionIDs := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		sessionIDs = append(sessionIDs, id)
	}
	sort.Strings(sessionIDs)

	var started []Execution
	for _, sid := range sessionIDs {
		for _, task := range s.tasks[sid] {
			if task.IsRunning || task.NextRun.After(now) {
				continue
			}
			task.IsRunning = true
			exec := Execution{
				ID:        uuid.New().String(),
				TaskID:    task.ID,
				SessionID: sid,
				Message:   task.Message,
				DueAt:     task.NextRun,
			}
			s.enqueueLocked(ctx, pending{exec: exec, task: task})
			started = append(started, exec)
		}
	}
	return started
}

func (s *Scheduler) enqueueLocked(ctx context.Context, p pending) {
	d, ok := s.queues[p.exec.SessionID]
	if !ok {
		limit := rate.Inf
		if s.pacing > 0 {
			limit = rate.Every(s.pacing)
		}
		d = &dispatcher{limiter: rate.NewLimiter(limit, 1)}
		s.queues[p.exec.SessionID] = d
	}
	d.queue = append(d.queue, p)
	if d.active {
		return
	}
	d.active = true
	s.wg.Add(1)
	go s.dispatch(ctx, p.exec.SessionID, d)
}

// dispatch drains one session's queue in order and exits when it is empty.
func (s *Scheduler) dispatch(ctx context.Context, sessionID string, d *dispatcher) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(d.queue) == 0 {
			d.active = false
			if len(s.tasks[sessionID]) == 0 {
				delete(s.queues, sessionID)
			}
			s.mu.Unlock()
			return
		}
		p := d.queue[0]
		d.queue = d.queue[1:]
		s.mu.Unlock()

		if s.dropRemoved(p) {
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			s.complete(p, s.now(), err)
			continue
		}
		if s.dropRemoved(p) {
			continue
		}
		s.execute(ctx, p)
	}
}

// dropRemoved discards a queued execution whose task was cancelled after
// it became due. The peer never sees it.
func (s *Scheduler) dropRemoved(p pending) bool {
	s.mu.Lock()
	removed := p.task.removed
	if removed {
		p.task.IsRunning = false
	}
	s.mu.Unlock()

	if removed {
		s.logger.Debug("queued execution dropped",
			zap.String("session_id", p.exec.SessionID),
			zap.String("task_id", p.exec.TaskID),
			zap.String("execution_id", p.exec.ID))
	}
	return removed
}

func (s *Scheduler) execute(ctx context.Context, p pending) {
	p.exec.StartedAt = s.now()
	logger := s.logger.With(
		zap.String("session_id", p.exec.SessionID),
		zap.String("task_id", p.exec.TaskID),
		zap.String("execution_id", p.exec.ID))

	s.mu.Lock()
	info := p.task.info()
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateStarted, Task: info, ExecutionID: p.exec.ID})
	logger.Debug("task started", zap.Duration("lag", p.exec.StartedAt.Sub(p.exec.DueAt)))

	ctx, span := observability.StartExecutionSpan(ctx, p.exec.SessionID, p.exec.TaskID, p.exec.ID)
	err := s.runner.RunTask(ctx, p.exec)
	if err != nil {
		span.SetError(err)
	}
	span.End()

	s.complete(p, p.exec.StartedAt, err)
}

// complete records the outcome and computes the next run. A task that was
// cancelled while running is left removed.
func (s *Scheduler) complete(p pending, started time.Time, runErr error) {
	finished := s.now().In(s.loc)
	task := p.task

	s.mu.Lock()
	task.IsRunning = false
	task.LastRun = started
	task.Runs++
	task.LastError = runErr

	cancelled := task.removed
	oneShot := task.Spec.Kind == KindOnce
	if !cancelled {
		if oneShot {
			s.removeLocked(task.SessionID, task.ID)
		} else {
			task.NextRun = task.Spec.Next(task.AnchorTime, finished)
			s.sortLocked(task.SessionID)
		}
	}
	info := task.info()
	total := s.countLocked()
	s.mu.Unlock()

	metrics.SetTasksScheduled(total)
	logger := s.logger.With(
		zap.String("session_id", task.SessionID),
		zap.String("task_id", task.ID),
		zap.String("execution_id", p.exec.ID))

	status := "ok"
	update := Update{Kind: UpdateCompleted, Task: info, ExecutionID: p.exec.ID}
	if runErr != nil {
		status = "error"
		update.Kind = UpdateFailed
		update.Err = fmt.Errorf("%w: %w", ErrSchedulingSkipped, runErr)
		logger.Warn("task failed", zap.Error(runErr))
	} else {
		logger.Debug("task completed", zap.Time("next_run", info.NextRun))
	}
	metrics.RecordTaskExecution(status, finished.Sub(started))
	s.notify(update)

	if oneShot && !cancelled {
		s.notify(Update{Kind: UpdateRemoved, Task: info, ExecutionID: p.exec.ID})
	}
}

// Cancel removes a task. A running execution finishes but is not
// rescheduled; an execution still waiting in the session queue is dropped.
func (s *Scheduler) Cancel(sessionID, taskID string) error {
	s.mu.Lock()
	task := s.removeLocked(sessionID, taskID)
	if task == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	info := task.info()
	total := s.countLocked()
	s.mu.Unlock()

	metrics.SetTasksScheduled(total)
	s.logger.Info("task cancelled", zap.String("session_id", sessionID), zap.String("task_id", taskID))
	s.notify(Update{Kind: UpdateCancelled, Task: info})
	return nil
}

// Clear removes every task of the session and returns how many were removed.
// Queued executions of those tasks are dropped.
func (s *Scheduler) Clear(sessionID string) int {
	s.mu.Lock()
	tasks := s.tasks[sessionID]
	delete(s.tasks, sessionID)
	infos := make([]TaskInfo, 0, len(tasks))
	for _, task := range tasks {
		task.removed = true
		infos = append(infos, task.info())
	}
	total := s.countLocked()
	s.mu.Unlock()

	metrics.SetTasksScheduled(total)
	if len(infos) > 0 {
		s.logger.Info("tasks cleared", zap.String("session_id", sessionID), zap.Int("count", len(infos)))
	}
	for _, info := range infos {
		s.notify(Update{Kind: UpdateCancelled, Task: info})
	}
	return len(infos)
}

// Has reports whether the task is still scheduled.
func (s *Scheduler) Has(sessionID, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks[sessionID] {
		if task.ID == taskID {
			return true
		}
	}
	return false
}

// List returns the tasks of a session in NextRun order. An empty session ID
// lists every session, grouped by session ID.
func (s *Scheduler) List(sessionID string) []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessionIDs []string
	if sessionID != "" {
		sessionIDs = []string{sessionID}
	} else {
		for id := range s.tasks {
			sessionIDs = append(sessionIDs, id)
		}
		sort.Strings(sessionIDs)
	}

	out := []TaskInfo{}
	for _, id := range sessionIDs {
		for _, task := range s.tasks[id] {
			out = append(out, task.info())
		}
	}
	return out
}

// Run ticks until ctx is done. It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("scheduler started", zap.Duration("tick_interval", s.tickInterval))
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		s.Tick(ctx, s.now())
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Wait blocks until every dispatched execution has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) removeLocked(sessionID, taskID string) *Task {
	tasks := s.tasks[sessionID]
	for i, task := range tasks {
		if task.ID != taskID {
			continue
		}
		task.removed = true
		tasks = append(tasks[:i:i], tasks[i+1:]...)
		if len(tasks) == 0 {
			delete(s.tasks, sessionID)
		} else {
			s.tasks[sessionID] = tasks
		}
		return task
	}
	return nil
}

// sortLocked orders a session's tasks by NextRun, then creation order.
func (s *Scheduler) sortLocked(sessionID string) {
	tasks := s.tasks[sessionID]
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].NextRun.Equal(tasks[j].NextRun) {
			return tasks[i].NextRun.Before(tasks[j].NextRun)
		}
		return tasks[i].seq < tasks[j].seq
	})
}

func (s *Scheduler) countLocked() int {
	n := 0
	for _, tasks := range s.tasks {
		n += len(tasks)
	}
	return n
}

func (s *Scheduler) notify(u Update) {
	if s.observer != nil {
		s.observer(u)
	}
}
