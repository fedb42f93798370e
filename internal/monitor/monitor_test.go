package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stalled = "I'll analyze the data for you."

func TestHasToolCall(t *testing.T) {
	m := New(DefaultConfig())

	tests := []struct {
		name     string
		response string
		want     bool
	}{
		{"no marker", "I'll analyze the data for you.", false},
		{"marker line", "Let me check that.\n/tool search data", true},
		{"indented marker", "Working on it\n   /tool read file.txt", true},
		{"marker mid line", "you could run /tool search later", false},
		{"failed on same line", "/tool search data failed", false},
		{"error on next line", "/tool frobnicate\nError: unknown tool", false},
		{"skipping on next line", "/tool search\nSkipping invalid arguments", false},
		{"second call succeeds", "/tool bad\nerror: nope\n/tool search data\nok", true},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.HasToolCall(tt.response))
		})
	}
}

func TestObserve_ThreeNudgesThenSuppression(t *testing.T) {
	m := New(DefaultConfig())
	m.Begin("chat", "exec-1")

	for i := 1; i <= 3; i++ {
		nudge, ok := m.Observe("chat", "exec-1", stalled)
		require.True(t, ok, "nudge %d", i)
		assert.Equal(t, "please proceed", nudge.Prompt)
		assert.Equal(t, i, nudge.Count)
		assert.Equal(t, 3, nudge.Max)
	}

	_, ok := m.Observe("chat", "exec-1", stalled)
	assert.False(t, ok, "fourth nudge must be suppressed")

	// A new execution starts with a fresh budget.
	m.Begin("chat", "exec-2")
	nudge, ok := m.Observe("chat", "exec-2", stalled)
	require.True(t, ok)
	assert.Equal(t, 1, nudge.Count)

	assert.Equal(t, 4, m.Stats().NudgesSent)
}

func TestObserve_DisplayText(t *testing.T) {
	m := New(DefaultConfig())

	nudge, ok := m.Observe("chat", "exec-1", stalled)
	require.True(t, ok)
	assert.Equal(t, "[AUTO] please proceed (1/3)", nudge.Display)

	nudge, ok = m.Observe("chat", "exec-1", stalled)
	require.True(t, ok)
	assert.Equal(t, "[AUTO] please proceed (2/3)", nudge.Display)
}

func TestObserve_NoNudge(t *testing.T) {
	tests := []struct {
		name     string
		cfg      func(*Config)
		response string
	}{
		{"tool call present", nil, "Let me check that.\n/tool search data"},
		{"too short", nil, "Short"},
		{"whitespace padded short", nil, "   ok   \n\n"},
		{"globally disabled", func(c *Config) { c.Enabled = false }, stalled},
		{"custom marker", func(c *Config) { c.ToolMarker = "!call" }, "Calling now\n!call lookup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			m := New(cfg)
			m.Begin("chat", "exec-1")

			for i := 0; i < 5; i++ {
				_, ok := m.Observe("chat", "exec-1", tt.response)
				assert.False(t, ok)
			}
			assert.Zero(t, m.Stats().NudgesSent)
		})
	}
}

func TestObserve_MinLengthDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinResponseLength = 0
	m := New(cfg)

	_, ok := m.Observe("chat", "exec-1", "ok")
	assert.True(t, ok)
}

func TestSessionToggles(t *testing.T) {
	m := New(DefaultConfig())

	m.SetSessionEnabled("quiet", false)
	assert.False(t, m.Enabled("quiet"))
	assert.True(t, m.Enabled("chat"))

	_, ok := m.Observe("quiet", "exec-1", stalled)
	assert.False(t, ok)

	m.SetEnabled(false)
	assert.False(t, m.Enabled("chat"))
	stats := m.Stats()
	assert.False(t, stats.Enabled)
	assert.Equal(t, []string{"quiet"}, stats.DisabledSessions)

	m.SetEnabled(true)
	m.SetSessionEnabled("quiet", true)
	assert.True(t, m.Enabled("quiet"))
	assert.Empty(t, m.Stats().DisabledSessions)
}

func TestEndAndForget(t *testing.T) {
	m := New(DefaultConfig())

	m.Begin("chat", "exec-1")
	m.Begin("chat", "exec-2")
	m.Begin("other", "exec-3")
	assert.Equal(t, 3, m.Stats().ActiveExecutions)

	m.End("chat", "exec-1")
	assert.Equal(t, 2, m.Stats().ActiveExecutions)

	m.SetSessionEnabled("chat", false)
	m.Forget("chat")
	assert.Equal(t, 1, m.Stats().ActiveExecutions)
	assert.True(t, m.Enabled("chat"))
}
