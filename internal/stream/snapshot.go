package stream

import (
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/localwhisper/internal/audio"
	"github.com/chaz8081/localwhisper/internal/transcribe"
)

// Status is the coordinator status shown to the user.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusReady         Status = "ready"
	StatusRecording     Status = "recording"
	StatusProcessing    Status = "processing"
	StatusError         Status = "error"
)

// LogEntry is one line of the session activity log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Snapshot is a read-only view of the coordinator.
type Snapshot struct {
	Status    Status                         `json:"status"`
	Backend   string                         `json:"backend,omitempty"`
	SessionID string                         `json:"session_id,omitempty"`
	Partial   string                         `json:"partial"`
	Final     *transcribe.Result             `json:"final,omitempty"`
	Metrics   *transcribe.PerformanceMetrics `json:"metrics,omitempty"`
	Error     string                         `json:"error,omitempty"`
	Stats     audio.Stats                    `json:"stats"`
	Logs      []LogEntry                     `json:"logs"`
}

// clone returns a deep copy safe to hand out.
func (s Snapshot) clone() Snapshot {
	out := s
	if s.Final != nil {
		f := *s.Final
		f.Words = append([]transcribe.Word(nil), s.Final.Words...)
		out.Final = &f
	}
	if s.Metrics != nil {
		m := *s.Metrics
		out.Metrics = &m
	}
	out.Logs = append([]LogEntry(nil), s.Logs...)
	return out
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.clone()
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. Slow readers only see the most recent one. Call the returned
// function to unsubscribe; it closes the channel.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- c.Snapshot()

	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

func (c *Coordinator) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	snap := c.Snapshot()
	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// Replace the stale snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func levelName(l slog.Level) string {
	return strings.ToLower(l.String())
}
