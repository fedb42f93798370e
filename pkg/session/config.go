package session

import "time"

// Config holds session manager settings.
type Config struct {
	// HistoryLimit bounds the in-memory history of each session.
	// Oldest entries are evicted first. 0 means unbounded.
	HistoryLimit int

	// StartupAttempts is how many fresh peers Create tries before giving up.
	StartupAttempts int

	// TerminationTimeout is the grace period given to a peer on Close.
	TerminationTimeout time.Duration

	// TruncateLength bounds message text in log fields.
	TruncateLength int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:       1000,
		StartupAttempts:    3,
		TerminationTimeout: 5 * time.Second,
		TruncateLength:     100,
	}
}
