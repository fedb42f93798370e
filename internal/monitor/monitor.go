// Package monitor detects stalled scheduled conversations and produces
// nudges that ask the peer to continue.
//
// A response is considered productive when it contains a tool invocation: a
// line that starts with the tool marker. Each task execution gets at most
// MaxAutoPrompts nudges.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	metrics "github.com/aixgo-dev/agentconsole/pkg/observability"
)

// Config holds monitoring settings.
type Config struct {
	// Enabled turns monitoring on for every session not explicitly disabled.
	Enabled bool
	// ToolMarker starts a tool invocation line.
	ToolMarker string
	// MaxAutoPrompts bounds the nudges sent for one execution.
	MaxAutoPrompts int
	// AutoProceedPrompt is the text submitted as a nudge.
	AutoProceedPrompt string
	// MinResponseLength suppresses nudges for shorter (trimmed) responses. 0 disables the check.
	MinResponseLength int
	// FailureIndicators mark a tool line, or the line after it, as a failed invocation.
	FailureIndicators []string
}

// DefaultConfig returns the default monitoring configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		ToolMarker:        "/tool",
		MaxAutoPrompts:    3,
		AutoProceedPrompt: "please proceed",
		MinResponseLength: 10,
		FailureIndicators: []string{"skipping", "unknown tool", "error:", "failed"},
	}
}

// Nudge is a corrective prompt for a stalled execution.
type Nudge struct {
	// Prompt is submitted to the peer.
	Prompt string
	// Display is recorded in the history instead of Prompt.
	Display string
	Count   int
	Max     int
}

// Stats describes the monitor state.
type Stats struct {
	Enabled          bool     `json:"monitoring_enabled"`
	DisabledSessions []string `json:"disabled_sessions"`
	ActiveExecutions int      `json:"active_executions"`
	NudgesSent       int      `json:"nudges_sent"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

type key struct {
	sessionID   string
	executionID string
}

// Monitor tracks nudge counters per execution. It is safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	enabled    bool
	disabled   map[string]bool
	counters   map[key]int
	nudgesSent int
}

// New creates a monitor.
func New(cfg Config, opts ...Option) *Monitor {
	if cfg.ToolMarker == "" {
		cfg.ToolMarker = DefaultConfig().ToolMarker
	}
	if cfg.AutoProceedPrompt == "" {
		cfg.AutoProceedPrompt = DefaultConfig().AutoProceedPrompt
	}
	indicators := make([]string, 0, len(cfg.FailureIndicators))
	for _, ind := range cfg.FailureIndicators {
		if ind = strings.ToLower(strings.TrimSpace(ind)); ind != "" {
			indicators = append(indicators, ind)
		}
	}
	cfg.FailureIndicators = indicators

	m := &Monitor{
		cfg:      cfg,
		logger:   zap.NewNop(),
		enabled:  cfg.Enabled,
		disabled: make(map[string]bool),
		counters: make(map[key]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin resets the counter for a new execution.
func (m *Monitor) Begin(sessionID, executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key{sessionID, executionID}] = 0
}

// End drops the counter of a finished execution.
func (m *Monitor) End(sessionID, executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key{sessionID, executionID})
}

// Observe inspects a response of an execution and returns a nudge when the
// response made no tool invocation and the execution still has nudges left.
func (m *Monitor) Observe(sessionID, executionID, response string) (Nudge, bool) {
	if !m.Enabled(sessionID) {
		return Nudge{}, false
	}
	if m.cfg.MinResponseLength > 0 && len(strings.TrimSpace(response)) < m.cfg.MinResponseLength {
		return Nudge{}, false
	}
	if m.HasToolCall(response) {
		return Nudge{}, false
	}

	logger := m.logger.With(zap.String("session_id", sessionID), zap.String("execution_id", executionID))

	m.mu.Lock()
	k := key{sessionID, executionID}
	count := m.counters[k]
	if count >= m.cfg.MaxAutoPrompts {
		m.mu.Unlock()
		logger.Info("auto prompt limit reached", zap.Int("max", m.cfg.MaxAutoPrompts))
		return Nudge{}, false
	}
	count++
	m.counters[k] = count
	m.nudgesSent++
	m.mu.Unlock()

	metrics.RecordNudge()
	logger.Info("no tool call in response, nudging",
		zap.Int("attempt", count),
		zap.Int("max", m.cfg.MaxAutoPrompts))

	return Nudge{
		Prompt:  m.cfg.AutoProceedPrompt,
		Display: fmt.Sprintf("[AUTO] %s (%d/%d)", m.cfg.AutoProceedPrompt, count, m.cfg.MaxAutoPrompts),
		Count:   count,
		Max:     m.cfg.MaxAutoPrompts,
	}, true
}

// HasToolCall reports whether response contains a successful tool
// invocation. A marker line counts unless it or the following line carries
// a failure indicator.
func (m *Monitor) HasToolCall(response string) bool {
	lines := strings.Split(response, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), m.cfg.ToolMarker) {
			continue
		}
		if m.failed(line) || (i+1 < len(lines) && m.failed(lines[i+1])) {
			m.logger.Debug("failed tool call", zap.String("line", strings.TrimSpace(line)))
			continue
		}
		return true
	}
	return false
}

func (m *Monitor) failed(line string) bool {
	lower := strings.ToLower(line)
	for _, ind := range m.cfg.FailureIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// Enabled reports whether the session is monitored.
func (m *Monitor) Enabled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled && !m.disabled[sessionID]
}

// SetEnabled turns monitoring on or off globally.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
	m.logger.Info("global monitoring toggled", zap.Bool("enabled", enabled))
}

// SetSessionEnabled turns monitoring on or off for one session.
func (m *Monitor) SetSessionEnabled(sessionID string, enabled bool) {
	m.mu.Lock()
	if enabled {
		delete(m.disabled, sessionID)
	} else {
		m.disabled[sessionID] = true
	}
	m.mu.Unlock()
	m.logger.Info("session monitoring toggled", zap.String("session_id", sessionID), zap.Bool("enabled", enabled))
}

// Forget drops all state of a session.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disabled, sessionID)
	for k := range m.counters {
		if k.sessionID == sessionID {
			delete(m.counters, k)
		}
	}
}

// Stats returns a snapshot of the monitor state.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	disabled := make([]string, 0, len(m.disabled))
	for id := range m.disabled {
		disabled = append(disabled, id)
	}
	sort.Strings(disabled)

	return Stats{
		Enabled:          m.enabled,
		DisabledSessions: disabled,
		ActiveExecutions: len(m.counters),
		NudgesSent:       m.nudgesSent,
	}
}
