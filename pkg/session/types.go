// Package session multiplexes conversations over supervised peer processes.
// Each session owns one process channel, serializes turns through a FIFO
// lock, and keeps a bounded history that is mirrored to a storage backend.
package session

import (
	"time"
)

// Sender identifies who produced a history entry.
type Sender string

const (
	// SenderUser is a message typed by a person.
	SenderUser Sender = "user"
	// SenderScheduled is a message fired by the task scheduler.
	SenderScheduled Sender = "scheduled"
	// SenderMonitor is an automatic follow-up prompt.
	SenderMonitor Sender = "monitor"
	// SenderAssistant is a response from the peer.
	SenderAssistant Sender = "assistant"
	// SenderSystem is a note produced by the console itself.
	SenderSystem Sender = "system"
)

// Entry is one line of conversation history.
// Entries are append-only and immutable once written.
type Entry struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata holds session summary information.
// It is stored separately from entries for quick listing.
type Metadata struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// EntryCount is the number of entries ever appended.
	EntryCount int `json:"entryCount"`
}

// ListOptions provides pagination for session listing.
type ListOptions struct {
	// Limit caps the number of results.
	Limit int
	// Offset skips the first N results.
	Offset int
}
