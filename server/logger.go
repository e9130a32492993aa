package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"powfaucet/faucet"
)

// LogEntry is a single faucet event.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message"`
}

// Snapshot is the state written to the journal file and served by
// /api/status.
type Snapshot struct {
	ServerStartTime time.Time   `json:"server_start_time"`
	ServerUptime    float64     `json:"server_uptime_seconds"`
	LastUpdate      time.Time   `json:"last_update"`
	Faucet          FaucetStats `json:"faucet"`
	Clients         int         `json:"clients"`
	Events          []LogEntry  `json:"events,omitempty"`
}

// EventLog keeps the most recent faucet events in memory and can write
// them periodically to a JSON journal file.
type EventLog struct {
	mu        sync.RWMutex
	events    []LogEntry
	maxEvents int
	startTime time.Time
}

// NewEventLog creates a log keeping up to maxEvents entries.
func NewEventLog(maxEvents int) *EventLog {
	return &EventLog{
		events:    make([]LogEntry, 0),
		maxEvents: maxEvents,
		startTime: time.Now(),
	}
}

// Add records an event.
func (l *EventLog) Add(eventType, message, sessionID string, details map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, LogEntry{
		Timestamp: time.Now(),
		EventType: eventType,
		SessionID: sessionID,
		Message:   message,
		Details:   details,
	})
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// Recent returns up to n of the newest events, oldest first.
func (l *EventLog) Recent(n int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]LogEntry, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// Started returns when the log was created.
func (l *EventLog) Started() time.Time {
	return l.startTime
}

// WriteFile writes snap to path through a temporary file and rename.
func WriteFile(path string, snap Snapshot) error {
	data, err := faucet.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename journal: %w", err)
	}
	return nil
}

// RunJournal writes snapshot() to path every interval until ctx is
// cancelled, then once more.
func RunJournal(ctx context.Context, path string, interval time.Duration, snapshot func() Snapshot, log *slog.Logger) {
	write := func() {
		if err := WriteFile(path, snapshot()); err != nil {
			log.Warn("journal write failed", "path", path, "error", err)
		}
	}
	write()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}
