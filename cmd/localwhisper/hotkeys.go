package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/chaz8081/localwhisper/internal/hotkey"
	"github.com/chaz8081/localwhisper/internal/stream"
)

// dictation is the part of *stream.Coordinator the hotkeys drive.
type dictation interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*stream.Final, error)
	Cancel()
}

const hotkeyQueueSize = 16

// dispatchHotkeys hands events to a worker that applies them to d in the
// order they were pressed. The loop itself never waits on d, so presses
// made during a final transcription are queued rather than lost.
func dispatchHotkeys(ctx context.Context, events <-chan hotkey.Event, d dictation, logger *slog.Logger) {
	queue := make(chan hotkey.EventType, hotkeyQueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for t := range queue {
			applyHotkey(ctx, d, t, logger)
		}
	}()
	defer func() {
		close(queue)
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				logger.Info("hotkey listener stopped")
				return
			}
			logger.Debug("hotkey", "event", ev.Type)
			select {
			case queue <- ev.Type:
			default:
				logger.Warn("hotkey dropped, too many pending", "event", ev.Type)
			}
		}
	}
}

func applyHotkey(ctx context.Context, d dictation, t hotkey.EventType, logger *slog.Logger) {
	switch t {
	case hotkey.EventStart:
		if err := d.Start(ctx); err != nil {
			logger.Error("start recording failed", "error", err)
		}
	case hotkey.EventStop:
		final, err := d.Stop(ctx)
		switch {
		case errors.Is(err, stream.ErrTooShort):
			logger.Info("recording too short, skipped")
		case err != nil:
			logger.Error("transcription failed", "error", err)
		case final != nil && final.Result.Text == "":
			logger.Info("no speech detected")
		}
	case hotkey.EventCancel:
		d.Cancel()
	}
}
