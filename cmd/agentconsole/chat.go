package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentconsole"
	"github.com/aixgo-dev/agentconsole/internal/events"
	"github.com/aixgo-dev/agentconsole/internal/logging"
)

var replCommands = []string{
	"/schedule ", "/tasks", "/cancel ", "/clear", "/history", "/sessions",
	"/plan save ", "/plan load ", "/plan list", "/monitor on", "/monitor off", "/monitor status",
	"/help", "/quit",
}

func newChatCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive conversation with the configured program",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Logging.File == "" {
				cfg.Logging.Level = "error"
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			console, err := agentconsole.NewConsole(cfg, agentconsole.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			runCtx, cancelRun := context.WithCancel(ctx)
			runDone := make(chan error, 1)
			go func() { runDone <- console.Run(runCtx) }()

			if sessionID == "" {
				if sessionID, err = console.CreateSession(ctx); err != nil {
					cancelRun()
					return err
				}
			}

			r := &repl{console: console, session: sessionID, out: cmd.OutOrStdout()}
			err = r.loop(ctx)

			cancelRun()
			if runErr := <-runDone; runErr != nil {
				logger.Warn("console run", zap.Error(runErr))
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return errors.Join(err, console.Shutdown(shutdownCtx))
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session to join (a new one is created when empty)")
	return cmd
}

// repl reads lines and sends them to one session. Lines starting with a
// slash are console commands.
type repl struct {
	console *agentconsole.Console
	session string

	mu  sync.Mutex
	out io.Writer
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) loop(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var out []string
		for _, c := range replCommands {
			if strings.HasPrefix(c, input) {
				out = append(out, c)
			}
		}
		return out
	})

	evs, unsubscribe := r.console.Subscribe(r.session)
	defer unsubscribe()
	go r.printEvents(evs)

	r.printf("session %s. Type /help for commands.\n", r.session)
	for {
		input, err := line.Prompt("you> ")
		switch {
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if r.handle(ctx, input) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// printEvents shows turns that were not typed here: scheduled runs, auto
// prompts and task updates.
func (r *repl) printEvents(evs <-chan events.Event) {
	for ev := range evs {
		switch p := ev.Payload.(type) {
		case events.MessagePayload:
			if p.ExecutionID == "" {
				continue
			}
			r.printf("\n[%s] %s\n", p.Sender, p.Text)
		case events.TaskPayload:
			if p.Kind == "started" || p.Kind == "scheduled" {
				continue
			}
			msg := fmt.Sprintf("\n[task %s] %s", shortID(p.TaskID), p.Kind)
			if p.Error != "" {
				msg += ": " + p.Error
			} else if p.Kind == "completed" {
				msg += ", next run " + p.NextRun.Format(time.DateTime)
			}
			r.printf("%s\n", msg)
		case events.ErrorPayload:
			if p.ExecutionID != "" {
				r.printf("\n[error] %s\n", p.Error)
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, input string) bool {
	if !strings.HasPrefix(input, "/") {
		resp, err := r.console.SendMessage(ctx, r.session, input)
		if err != nil {
			r.printf("error: %v\n", err)
			return false
		}
		r.printf("%s\n", resp)
		return false
	}

	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		r.printf("%s\n", helpText)

	case "/schedule":
		spec, message, ok := strings.Cut(rest, "|")
		spec, message = strings.TrimSpace(spec), strings.TrimSpace(message)
		if !ok || spec == "" || message == "" {
			r.printf("usage: /schedule <spec> | <message>\n")
			return false
		}
		id, err := r.console.ScheduleTask(r.session, spec, message)
		if err != nil {
			r.printf("error: %v\n", err)
			return false
		}
		r.printf("scheduled task %s\n", shortID(id))

	case "/tasks":
		tasks := r.console.ListTasks(r.session)
		if len(tasks) == 0 {
			r.printf("no scheduled tasks\n")
			return false
		}
		for _, t := range tasks {
			state := "next " + t.NextRun.Format(time.DateTime)
			if t.IsRunning {
				state = "running"
			}
			r.printf("%s  %-16s %-24s %s\n", shortID(t.ID), t.Spec, state, t.Message)
		}

	case "/cancel":
		id, err := r.resolveTask(rest)
		if err == nil {
			err = r.console.DeleteTask(r.session, id)
		}
		if err != nil {
			r.printf("error: %v\n", err)
			return false
		}
		r.printf("cancelled task %s\n", shortID(id))

	case "/clear":
		r.printf("cleared %d task(s)\n", r.console.ClearTasks(r.session))

	case "/history":
		history, err := r.console.History(r.session)
		if err != nil {
			r.printf("error: %v\n", err)
			return false
		}
		for _, e := range history {
			r.printf("%s [%s] %s\n", e.Timestamp.Format(time.TimeOnly), e.Sender, e.Text)
		}

	case "/sessions":
		for _, s := range r.console.Sessions() {
			r.printf("%s  %-10s tasks=%d history=%d restarts=%d\n",
				s.ID, s.State, s.TaskCount, s.HistoryLength, s.RestartCount)
		}

	case "/plan":
		r.handlePlan(ctx, rest)

	case "/monitor":
		switch rest {
		case "on":
			r.console.SetSessionMonitoring(r.session, true)
			r.printf("monitoring on for this session\n")
		case "off":
			r.console.SetSessionMonitoring(r.session, false)
			r.printf("monitoring off for this session\n")
		case "", "status":
			stats := r.console.MonitoringStats()
			r.printf("monitoring enabled=%t, disabled sessions=%v, nudges sent=%d\n",
				stats.Enabled, stats.DisabledSessions, stats.NudgesSent)
		default:
			r.printf("usage: /monitor on|off|status\n")
		}

	default:
		r.printf("unknown command %s, type /help\n", cmd)
	}
	return false
}

func (r *repl) handlePlan(ctx context.Context, args string) {
	sub, name, _ := strings.Cut(args, " ")
	name = strings.TrimSpace(name)

	switch sub {
	case "save":
		if err := r.console.SaveTaskPlan(name, r.session); err != nil {
			r.printf("error: %v\n", err)
			return
		}
		r.printf("saved plan %s\n", name)
	case "load":
		n, err := r.console.LoadTaskPlan(ctx, name, r.session)
		if err != nil {
			r.printf("error: %v\n", err)
			if n == 0 {
				return
			}
		}
		r.printf("loaded %d task(s) from plan %s\n", n, name)
	case "list":
		summaries, err := r.console.TaskPlans()
		if err != nil {
			r.printf("error: %v\n", err)
			return
		}
		if len(summaries) == 0 {
			r.printf("no saved plans\n")
		}
		active := r.console.ActivePlan(r.session)
		for _, s := range summaries {
			marker := " "
			if s.Name == active {
				marker = "*"
			}
			r.printf("%s %-24s %d task(s), updated %s\n", marker, s.Name, s.TaskCount, s.UpdatedAt.Format(time.DateTime))
		}
	default:
		r.printf("usage: /plan save|load|list [name]\n")
	}
}

// resolveTask accepts a full task ID or a unique prefix of one.
func (r *repl) resolveTask(prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("usage: /cancel <task id>")
	}
	var match string
	for _, t := range r.console.ListTasks(r.session) {
		if t.ID == prefix {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("task id %q is ambiguous", prefix)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no task matches %q", prefix)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

const helpText = `commands:
  /schedule <spec> | <message>   schedule a message (every 30min, daily 10:30, 2:15pm, once 9am, cron 0 9 * * 1-5)
  /tasks                         list scheduled tasks
  /cancel <id>                   cancel a task (a unique id prefix is enough)
  /clear                         cancel every task of this session
  /history                       show the conversation history
  /sessions                      list live sessions
  /plan save|load|list [name]    manage task plans
  /monitor on|off|status         toggle automatic follow-up prompts
  /quit                          leave the chat`
