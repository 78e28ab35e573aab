// Package audio captures microphone audio in fixed-interval chunks and
// converts recordings to the mono 16kHz samples the transcription backends
// expect.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/localwhisper/internal/metrics"
)

// Errors returned by Recorder.
var (
	ErrDeviceAccess     = errors.New("audio: microphone unavailable")
	ErrAlreadyRecording = errors.New("audio: already recording")
)

// State is the recorder lifecycle state.
type State int

const (
	// StateIdle - no recording, microphone released.
	StateIdle State = iota
	// StateRecording - microphone held, chunks being appended.
	StateRecording
	// StateFinalizing - Stop in progress, no new chunk callbacks.
	StateFinalizing
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ChunkEvent is passed to the chunk callback after each chunk is appended.
// Clip holds everything captured so far, including Chunk.
type ChunkEvent struct {
	SessionID string
	Chunk     Chunk
	Clip      Clip
}

// ChunkFunc is invoked on its own goroutine for a new chunk. ctx is
// cancelled when the recording is cancelled.
type ChunkFunc func(ctx context.Context, ev ChunkEvent)

// Stats counts what happened during a recording.
type Stats struct {
	Chunks    int // chunks appended
	Callbacks int // chunk callbacks completed
	Skipped   int // ticks whose callback was skipped because one was in flight
}

// Options configures a Recorder.
type Options struct {
	Format        Format        // requested capture format
	ChunkInterval time.Duration // default 1s
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Recorder owns the microphone for one recording at a time. It appends a
// chunk every ChunkInterval and hands chunks to a callback, with at most
// one callback running at once.
//
// State transitions:
//
//	Idle → Recording → Finalizing → Idle
//	  ↑        │
//	  └────────┴── Cancel() / device failure
type Recorder struct {
	mic      Microphone
	format   Format
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// opMu serializes Start/Stop/Cancel. mu guards the fields below and is
	// the only lock taken from device callbacks.
	opMu  sync.Mutex
	mu    sync.Mutex
	state State
	sess  *session
	last  Stats
}

type session struct {
	id        string
	startedAt time.Time
	stream    Stream
	format    Format

	chunks  []Chunk
	pending []byte

	onChunk ChunkFunc
	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *time.Ticker
	done    chan struct{}

	inFlight bool
	wg       sync.WaitGroup
	stats    Stats
}

// NewRecorder creates a Recorder reading from mic.
func NewRecorder(mic Microphone, opts Options) *Recorder {
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = time.Second
	}
	if opts.Format.SampleRate == 0 {
		opts.Format.SampleRate = TargetRate
	}
	if opts.Format.Channels == 0 {
		opts.Format.Channels = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		mic:      mic,
		format:   opts.Format,
		interval: opts.ChunkInterval,
		logger:   logger.With("component", "recorder"),
		metrics:  opts.Metrics,
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsRecording returns whether the recorder is currently capturing audio.
func (r *Recorder) IsRecording() bool {
	return r.State() == StateRecording
}

// Stats returns the counters of the current recording, or of the last one
// when idle.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		return r.sess.stats
	}
	return r.last
}

// Start acquires the microphone and begins chunked capture. onChunk may be
// nil. On device failure the error wraps ErrDeviceAccess, the recorder
// stays idle and no device is held.
func (r *Recorder) Start(ctx context.Context, onChunk ChunkFunc) (string, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return "", ErrAlreadyRecording
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		onChunk:   onChunk,
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.sess = s
	r.state = StateRecording
	r.mu.Unlock()

	stream, err := r.mic.Open(r.format, func(pcm []byte) { r.onData(s, pcm) })
	if err != nil {
		r.mu.Lock()
		r.sess = nil
		r.state = StateIdle
		r.mu.Unlock()
		cancel()
		r.metrics.DeviceError()
		r.logger.Warn("microphone unavailable", "error", err)
		return "", fmt.Errorf("%w: %w", ErrDeviceAccess, err)
	}

	r.mu.Lock()
	s.stream = stream
	s.format = stream.Format()
	s.ticker = time.NewTicker(r.interval)
	r.mu.Unlock()

	go r.run(s)

	r.metrics.RecordingStarted()
	r.logger.Info("recording started",
		"session", s.id,
		"sample_rate", s.format.SampleRate,
		"channels", s.format.Channels,
		"chunk_interval", r.interval)
	return s.id, nil
}

// Stop ends the recording and returns everything captured, or nil when no
// recording was active. It waits for an in-flight chunk callback to return.
func (r *Recorder) Stop() *Clip {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil
	}
	s := r.sess
	r.state = StateFinalizing
	s.ticker.Stop()
	close(s.done)
	r.mu.Unlock()

	r.release(s)
	s.wg.Wait()

	r.mu.Lock()
	r.cut(s)
	clip := r.clip(s)
	r.last = s.stats
	r.sess = nil
	r.state = StateIdle
	r.mu.Unlock()
	s.cancel()

	r.logger.Info("recording stopped",
		"session", s.id,
		"chunks", clip.Chunks,
		"duration", clip.Duration().Round(time.Millisecond),
		"skipped_ticks", s.stats.Skipped)
	return &clip
}

// Cancel abandons the recording: the microphone is released, the chunk
// callback context is cancelled and buffered audio is discarded. It does
// not wait for an in-flight callback.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	if r.sess != nil {
		r.sess.cancel()
	}
	r.mu.Unlock()

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	s := r.sess
	if s == nil {
		r.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.chunks = nil
	s.pending = nil
	r.last = s.stats
	r.sess = nil
	r.state = StateIdle
	r.mu.Unlock()

	r.release(s)
	r.logger.Info("recording cancelled", "session", s.id)
}

// Close cancels any active recording.
func (r *Recorder) Close() error {
	r.Cancel()
	return nil
}

// release closes the session's device.
func (r *Recorder) release(s *session) {
	if err := s.stream.Close(); err != nil {
		r.logger.Warn("releasing microphone", "session", s.id, "error", err)
	}
	r.metrics.RecordingEnded()
}

// onData is the device callback. Audio arriving while Stop is releasing
// the device is still kept.
func (r *Recorder) onData(s *session, pcm []byte) {
	r.mu.Lock()
	if r.sess == s {
		s.pending = append(s.pending, pcm...)
	}
	r.mu.Unlock()
}

func (r *Recorder) run(s *session) {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			r.tick(s)
		}
	}
}

// tick appends the audio captured since the last tick as a chunk and
// dispatches the callback unless one is still running.
func (r *Recorder) tick(s *session) {
	r.mu.Lock()
	if r.sess != s || r.state != StateRecording {
		r.mu.Unlock()
		return
	}
	chunk, ok := r.cut(s)
	if !ok || s.onChunk == nil {
		r.mu.Unlock()
		return
	}
	if s.inFlight {
		s.stats.Skipped++
		r.mu.Unlock()
		r.metrics.ChunkTickSkipped()
		r.logger.Debug("chunk callback busy, skipping tick", "session", s.id, "chunk", chunk.Index)
		return
	}
	s.inFlight = true
	s.wg.Add(1)
	ev := ChunkEvent{SessionID: s.id, Chunk: chunk, Clip: r.clip(s)}
	r.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			r.mu.Lock()
			s.inFlight = false
			s.stats.Callbacks++
			r.mu.Unlock()
		}()
		s.onChunk(s.ctx, ev)
	}()
}

// cut moves pending audio into a new chunk. Must hold r.mu.
func (r *Recorder) cut(s *session) (Chunk, bool) {
	if len(s.pending) == 0 {
		return Chunk{}, false
	}
	// Keep chunk boundaries on whole frames.
	n := len(s.pending)
	if fs := s.format.frameSize(); fs > 0 {
		n -= n % fs
	}
	if n == 0 {
		return Chunk{}, false
	}
	data := make([]byte, n)
	copy(data, s.pending[:n])
	s.pending = append(s.pending[:0], s.pending[n:]...)

	chunk := Chunk{Index: len(s.chunks), Data: data}
	s.chunks = append(s.chunks, chunk)
	s.stats.Chunks++
	r.metrics.ChunkCaptured()
	return chunk, true
}

// clip builds the cumulative recording. Must hold r.mu.
func (r *Recorder) clip(s *session) Clip {
	return Clip{
		SessionID:  s.id,
		StartedAt:  s.startedAt,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Chunks:     len(s.chunks),
		PCM:        concatChunks(s.chunks),
	}
}
