// Package stream coordinates a recording session: partial transcriptions
// while audio is being captured and one final transcription when the
// recording stops. Results are exposed as snapshots and delivered to sinks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/localwhisper/internal/audio"
	"github.com/chaz8081/localwhisper/internal/metrics"
	"github.com/chaz8081/localwhisper/internal/sink"
	"github.com/chaz8081/localwhisper/internal/transcribe"
)

// maxLogEntries caps the session activity log.
const maxLogEntries = 200

var (
	// ErrTooShort is returned by Stop when the recording is shorter than
	// the configured minimum.
	ErrTooShort = errors.New("stream: recording too short")
	// ErrBusy is returned when switching backends while recording.
	ErrBusy = errors.New("stream: recording in progress")
)

// Recorder captures audio in chunks. *audio.Recorder implements it.
type Recorder interface {
	Start(ctx context.Context, onChunk audio.ChunkFunc) (string, error)
	Stop() *audio.Clip
	Cancel()
	Stats() audio.Stats
}

// Transcriber runs transcriptions on the active backend.
// *transcribe.Dispatcher implements it.
type Transcriber interface {
	Use(ctx context.Context, name string) error
	Ready() bool
	Active() string
	TranscribeAudio(ctx context.Context, encoded []byte, opts transcribe.Options) (transcribe.Outcome, error)
}

// Options configures a Coordinator.
type Options struct {
	WordTimestamps bool
	MinDuration    time.Duration
	Sink           sink.Sink // may be nil
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Final is the authoritative transcription of a recording.
type Final struct {
	SessionID string
	Backend   string
	Result    transcribe.Result
	Metrics   transcribe.PerformanceMetrics
	Duration  time.Duration
}

// Coordinator drives the recorder and the dispatcher for one recording at
// a time.
type Coordinator struct {
	rec     Recorder
	disp    Transcriber
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	opMu sync.Mutex // serializes Initialize, Start, Stop and Cancel

	mu            sync.Mutex
	snap          Snapshot
	generation    uint64
	accepting     bool
	cancelPartial context.CancelFunc // aborts the session's in-flight partial

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

// New creates a Coordinator. No backend is initialized.
func New(rec Recorder, disp Transcriber, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rec:     rec,
		disp:    disp,
		opts:    opts,
		logger:  logger.With("component", "coordinator"),
		metrics: opts.Metrics,
		snap:    Snapshot{Status: StatusUninitialized},
		subs:    make(map[chan Snapshot]struct{}),
	}
}

// Initialize selects and initializes a backend.
func (c *Coordinator) Initialize(ctx context.Context, backend string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.snap.Status == StatusRecording || c.snap.Status == StatusProcessing {
		c.mu.Unlock()
		return ErrBusy
	}
	c.snap.Status = StatusInitializing
	c.snap.Backend = backend
	c.snap.Error = ""
	c.logLocked(slog.LevelInfo, fmt.Sprintf("Initializing %s backend", backend))
	c.mu.Unlock()
	c.notify()

	start := time.Now()
	err := c.disp.Use(ctx, backend)

	c.mu.Lock()
	if err != nil {
		c.snap.Status = StatusError
		c.snap.Backend = ""
		c.snap.Error = err.Error()
		c.logLocked(slog.LevelError, fmt.Sprintf("Backend initialization failed: %v", err))
	} else {
		c.snap.Status = StatusReady
		c.logLocked(slog.LevelInfo, fmt.Sprintf("%s backend ready (%s)", backend, time.Since(start).Round(time.Millisecond)))
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// Start begins a recording. It fails with transcribe.ErrBackendUnavailable,
// without touching the microphone, when no backend is ready.
func (c *Coordinator) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.disp.Ready() {
		c.mu.Lock()
		c.logLocked(slog.LevelWarn, "Cannot record: backend not initialized")
		c.mu.Unlock()
		c.notify()
		return transcribe.ErrBackendUnavailable
	}

	c.mu.Lock()
	if c.snap.Status == StatusRecording {
		c.mu.Unlock()
		return audio.ErrAlreadyRecording
	}
	c.generation++
	gen := c.generation
	c.accepting = true
	c.snap.SessionID = ""
	c.snap.Partial = ""
	c.snap.Final = nil
	c.snap.Metrics = nil
	c.snap.Error = ""
	partialCtx, cancelPartial := context.WithCancel(context.Background())
	c.cancelPartial = cancelPartial
	c.mu.Unlock()

	id, err := c.rec.Start(ctx, func(cctx context.Context, ev audio.ChunkEvent) {
		pctx, cancel := context.WithCancel(cctx)
		defer cancel()
		defer context.AfterFunc(partialCtx, cancel)()
		c.partial(pctx, gen, ev)
	})

	c.mu.Lock()
	if err != nil {
		c.accepting = false
		c.stopPartialsLocked()
		c.snap.Status = StatusError
		c.snap.Error = err.Error()
		c.logLocked(slog.LevelError, fmt.Sprintf("Recording failed to start: %v", err))
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.snap.SessionID = id
	c.snap.Status = StatusRecording
	c.logLocked(slog.LevelInfo, "Recording started")
	c.mu.Unlock()
	c.notify()
	return nil
}

// partial transcribes the cumulative clip and publishes it, unless the
// session has stopped accepting partials in the meantime. Failures are
// logged and counted only.
func (c *Coordinator) partial(ctx context.Context, gen uint64, ev audio.ChunkEvent) {
	if !c.current(gen) {
		return
	}

	wav, err := ev.Clip.Encode()
	if err != nil {
		c.partialFailed(ev, err)
		return
	}
	out, err := c.disp.TranscribeAudio(ctx, wav, transcribe.Options{Partial: true})
	if err != nil {
		if ctx.Err() == nil {
			c.partialFailed(ev, err)
		}
		return
	}

	c.mu.Lock()
	if !c.accepting || c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.snap.Partial = out.Result.Text
	c.snap.Stats = c.rec.Stats()
	c.logLocked(slog.LevelDebug, fmt.Sprintf("Partial transcription updated (%d chunks, %.0f ms)", ev.Clip.Chunks, out.Metrics.TotalMs))
	c.mu.Unlock()
	c.notify()

	c.metrics.PartialPublished()
	c.publish(ctx, sink.Event{
		Kind:      sink.KindPartial,
		SessionID: ev.SessionID,
		Backend:   out.Backend,
		Text:      out.Result.Text,
		Time:      time.Now(),
	})
}

func (c *Coordinator) partialFailed(ev audio.ChunkEvent, err error) {
	c.metrics.PartialFailed()
	c.logger.Debug("partial transcription failed", "session", ev.SessionID, "chunk", ev.Chunk.Index, "error", err)
	c.mu.Lock()
	c.logLocked(slog.LevelWarn, fmt.Sprintf("Partial transcription failed: %v", err))
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepting && c.generation == gen
}

// Stop ends the recording and runs the final transcription. It returns
// nil, nil when no recording was active.
func (c *Coordinator) Stop(ctx context.Context) (*Final, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.snap.Status != StatusRecording {
		c.mu.Unlock()
		return nil, nil
	}
	c.accepting = false
	c.snap.Status = StatusProcessing
	c.logLocked(slog.LevelInfo, "Recording stopped, transcribing")
	c.mu.Unlock()
	c.notify()

	clip := c.rec.Stop()

	c.mu.Lock()
	c.stopPartialsLocked()
	c.mu.Unlock()

	if clip == nil {
		c.setStatus(StatusReady)
		return nil, nil
	}

	c.mu.Lock()
	c.snap.Stats = c.rec.Stats()
	c.mu.Unlock()

	if d := clip.Duration(); d < c.opts.MinDuration {
		c.mu.Lock()
		c.snap.Status = StatusReady
		c.snap.Partial = ""
		c.snap.Error = ErrTooShort.Error()
		c.logLocked(slog.LevelWarn, fmt.Sprintf("Recording too short (%s), discarded", d.Round(time.Millisecond)))
		c.mu.Unlock()
		c.notify()
		return nil, fmt.Errorf("%w: %s < %s", ErrTooShort, d.Round(time.Millisecond), c.opts.MinDuration)
	}

	final, err := c.final(ctx, clip)
	if err != nil {
		c.mu.Lock()
		c.snap.Status = StatusError
		c.snap.Partial = ""
		c.snap.Error = err.Error()
		c.logLocked(slog.LevelError, fmt.Sprintf("Final transcription failed: %v", err))
		c.mu.Unlock()
		c.notify()
		return nil, err
	}

	c.mu.Lock()
	c.snap.Status = StatusReady
	c.snap.Partial = ""
	c.snap.Final = &final.Result
	c.snap.Metrics = &final.Metrics
	c.logLocked(slog.LevelInfo, fmt.Sprintf("Final transcription complete (%.0f ms, RTF %.2f)", final.Metrics.TotalMs, final.Metrics.RealtimeFactor))
	c.mu.Unlock()
	c.notify()

	c.metrics.FinalPublished()
	c.publish(ctx, sink.Event{
		Kind:      sink.KindFinal,
		SessionID: final.SessionID,
		Backend:   final.Backend,
		Text:      final.Result.Text,
		Words:     final.Result.Words,
		Metrics:   &final.Metrics,
		Time:      time.Now(),
	})
	return final, nil
}

func (c *Coordinator) final(ctx context.Context, clip *audio.Clip) (*Final, error) {
	wav, err := clip.Encode()
	if err != nil {
		return nil, err
	}
	opts := transcribe.Options{}
	if c.opts.WordTimestamps {
		opts.Timestamps = transcribe.TimestampsWord
	}
	out, err := c.disp.TranscribeAudio(ctx, wav, opts)
	if err != nil {
		return nil, err
	}
	return &Final{
		SessionID: clip.SessionID,
		Backend:   out.Backend,
		Result:    out.Result,
		Metrics:   out.Metrics,
		Duration:  clip.Duration(),
	}, nil
}

// TranscribeFile runs a final transcription of a WAV container outside of
// any recording. The result is published like a recording's final.
// It fails with ErrBusy while a recording is in progress.
func (c *Coordinator) TranscribeFile(ctx context.Context, encoded []byte) (*Final, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.snap.Status == StatusRecording {
		c.logLocked(slog.LevelWarn, "File transcription rejected: recording in progress")
		c.mu.Unlock()
		c.notify()
		return nil, ErrBusy
	}
	c.mu.Unlock()

	out, err := c.disp.TranscribeAudio(ctx, encoded, transcribe.Options{
		Timestamps: c.timestamps(),
	})
	if err != nil {
		c.mu.Lock()
		c.logLocked(slog.LevelError, fmt.Sprintf("File transcription failed: %v", err))
		c.mu.Unlock()
		c.notify()
		return nil, err
	}

	final := &Final{
		Backend:  out.Backend,
		Result:   out.Result,
		Metrics:  out.Metrics,
		Duration: time.Duration(out.Metrics.AudioDurationS * float64(time.Second)),
	}
	c.mu.Lock()
	c.snap.Final = &final.Result
	c.snap.Metrics = &final.Metrics
	c.logLocked(slog.LevelInfo, fmt.Sprintf("File transcription complete (%.0f ms)", final.Metrics.TotalMs))
	c.mu.Unlock()
	c.notify()

	c.metrics.FinalPublished()
	c.publish(ctx, sink.Event{
		Kind:    sink.KindFinal,
		Backend: final.Backend,
		Text:    final.Result.Text,
		Words:   final.Result.Words,
		Metrics: &final.Metrics,
		Time:    time.Now(),
	})
	return final, nil
}

func (c *Coordinator) timestamps() transcribe.TimestampMode {
	if c.opts.WordTimestamps {
		return transcribe.TimestampsWord
	}
	return transcribe.TimestampsNone
}

// Cancel abandons the current recording, if any, once pending operations
// have finished. The microphone is released and no partial is published
// after it returns.
func (c *Coordinator) Cancel() {
	// Abort a running partial without waiting for opMu.
	c.mu.Lock()
	if c.cancelPartial != nil {
		c.cancelPartial()
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.accepting = false
	c.generation++
	c.stopPartialsLocked()
	c.mu.Unlock()

	c.rec.Cancel()

	c.mu.Lock()
	if c.snap.Status == StatusRecording {
		c.snap.Status = StatusReady
		c.snap.Partial = ""
		c.snap.Stats = c.rec.Stats()
		c.logLocked(slog.LevelInfo, "Recording cancelled")
	}
	c.mu.Unlock()
	c.notify()
}

// stopPartialsLocked cancels the session's partial context. Must hold c.mu.
func (c *Coordinator) stopPartialsLocked() {
	if c.cancelPartial != nil {
		c.cancelPartial()
		c.cancelPartial = nil
	}
}

func (c *Coordinator) setStatus(s Status) {
	c.mu.Lock()
	c.snap.Status = s
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) publish(ctx context.Context, ev sink.Event) {
	if c.opts.Sink == nil {
		return
	}
	if err := c.opts.Sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		c.logger.Warn("sink delivery failed", "kind", ev.Kind, "session", ev.SessionID, "error", err)
	}
}

// logLocked appends to the session log and mirrors it to slog. Must hold c.mu.
func (c *Coordinator) logLocked(level slog.Level, msg string) {
	c.logger.Log(context.Background(), level, msg, "session", c.snap.SessionID)
	c.snap.Logs = append(c.snap.Logs, LogEntry{Time: time.Now(), Level: levelName(level), Message: msg})
	if n := len(c.snap.Logs); n > maxLogEntries {
		c.snap.Logs = append([]LogEntry(nil), c.snap.Logs[n-maxLogEntries:]...)
	}
}
