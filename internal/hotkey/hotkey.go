// Package hotkey provides a global hotkey listener using gohook.
// It supports "hold" mode (press to start, release to stop) and
// "toggle" mode (press to start, press again to stop). A second combo
// cancels the recording in either mode.
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType is what the user asked for.
type EventType int

const (
	// EventStart signals that recording should start.
	EventStart EventType = iota
	// EventStop signals that recording should stop and be transcribed.
	EventStop
	// EventCancel signals that recording should be discarded.
	EventCancel
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages the global hotkeys and emits events.
type Listener struct {
	keys       []string
	cancelKeys []string
	mode       string // "hold" or "toggle"
	ch         chan Event
	done       chan struct{}
	once       sync.Once
	state      tracker
}

// NewListener creates a Listener. keys should be lowercase key names
// (e.g., ["ctrl", "shift", "r"]); cancelKeys may be empty.
func NewListener(keys, cancelKeys []string, mode string) *Listener {
	return &Listener{
		keys:       keys,
		cancelKeys: cancelKeys,
		mode:       mode,
		ch:         make(chan Event, 16),
		done:       make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	if l.mode == "toggle" {
		hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.emit(l.state.toggle()) })
	} else {
		hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.emit(l.state.down()) })
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.emit(l.state.up()) })
	}
	if len(l.cancelKeys) > 0 {
		hook.Register(hook.KeyDown, l.cancelKeys, func(hook.Event) { l.emit(l.state.cancel()) })
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit sends ev without blocking the hook goroutine.
func (l *Listener) emit(ev *Event) {
	if ev == nil {
		return
	}
	select {
	case l.ch <- *ev:
	default:
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// tracker turns raw key events into start/stop/cancel events. Key repeat
// while held and releases after a cancel produce nothing.
type tracker struct {
	mu        sync.Mutex
	recording bool
	cancelled bool // combo still held after a cancel
}

func (t *tracker) down() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recording || t.cancelled {
		return nil
	}
	t.recording = true
	return &Event{Type: EventStart}
}

func (t *tracker) up() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = false
	if !t.recording {
		return nil
	}
	t.recording = false
	return &Event{Type: EventStop}
}

func (t *tracker) toggle() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = false
	t.recording = !t.recording
	if t.recording {
		return &Event{Type: EventStart}
	}
	return &Event{Type: EventStop}
}

func (t *tracker) cancel() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.recording {
		return nil
	}
	t.recording = false
	t.cancelled = true
	return &Event{Type: EventCancel}
}
