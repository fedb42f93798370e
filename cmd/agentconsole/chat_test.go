package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentconsole"
	"github.com/aixgo-dev/agentconsole/pkg/config"
)

func newTestREPL(t *testing.T) (*repl, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Peer.Command = "cat"
	cfg.Plans.Dir = t.TempDir()

	console, err := agentconsole.NewConsole(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = console.Shutdown(context.Background()) })

	var out bytes.Buffer
	return &repl{console: console, session: "chat", out: &out}, &out
}

func TestREPL_Commands(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		quit  bool
	}{
		{name: "help", input: "/help", want: "/schedule <spec> | <message>"},
		{name: "quit", input: "/quit", quit: true},
		{name: "exit", input: "/exit", quit: true},
		{name: "unknown", input: "/dance", want: "unknown command /dance"},
		{name: "schedule usage", input: "/schedule every 5m", want: "usage: /schedule"},
		{name: "schedule invalid", input: "/schedule whenever | hi", want: "invalid schedule"},
		{name: "schedule", input: "/schedule every 5m | status report", want: "scheduled task"},
		{name: "no tasks", input: "/tasks", want: "no scheduled tasks"},
		{name: "cancel usage", input: "/cancel", want: "usage: /cancel"},
		{name: "cancel unknown", input: "/cancel deadbeef", want: "no task matches"},
		{name: "clear", input: "/clear", want: "cleared 0 task(s)"},
		{name: "monitor off", input: "/monitor off", want: "monitoring off"},
		{name: "monitor status", input: "/monitor", want: "monitoring enabled=true"},
		{name: "monitor usage", input: "/monitor maybe", want: "usage: /monitor"},
		{name: "plan usage", input: "/plan", want: "usage: /plan"},
		{name: "plan list empty", input: "/plan list", want: "no saved plans"},
		{name: "plan save without tasks", input: "/plan save nightly", want: "no scheduled tasks"},
		{name: "history of unknown session", input: "/history", want: "error:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, out := newTestREPL(t)
			quit := r.handle(context.Background(), tt.input)
			assert.Equal(t, tt.quit, quit)
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestREPL_TaskLifecycle(t *testing.T) {
	r, out := newTestREPL(t)
	ctx := context.Background()

	r.handle(ctx, "/schedule every 30min | status report")
	r.handle(ctx, "/schedule daily 9am | standup")
	tasks := r.console.ListTasks("chat")
	require.Len(t, tasks, 2)

	out.Reset()
	r.handle(ctx, "/tasks")
	assert.Contains(t, out.String(), "status report")
	assert.Contains(t, out.String(), "daily 9am")

	out.Reset()
	r.handle(ctx, "/plan save nightly")
	assert.Contains(t, out.String(), "saved plan nightly")

	out.Reset()
	r.handle(ctx, "/plan list")
	assert.Contains(t, out.String(), "* nightly")
	assert.Contains(t, out.String(), "2 task(s)")

	out.Reset()
	r.handle(ctx, "/cancel "+tasks[0].ID[:6])
	assert.Contains(t, out.String(), "cancelled task "+shortID(tasks[0].ID))
	assert.Len(t, r.console.ListTasks("chat"), 1)

	out.Reset()
	r.handle(ctx, "/clear")
	assert.Contains(t, out.String(), "cleared 1 task(s)")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "01234567", shortID("0123456789"))
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, agentconsole.Version+"\n", out.String())
}
