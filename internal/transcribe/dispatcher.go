package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/localwhisper/internal/audio"
	"github.com/chaz8081/localwhisper/internal/metrics"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Timeout time.Duration // zero disables the timeout
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher routes transcriptions to the single active backend and
// measures them.
type Dispatcher struct {
	registry Registry
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	useMu  sync.Mutex // serializes Use and Close
	mu     sync.RWMutex
	active Backend
}

// NewDispatcher creates a Dispatcher over reg with no active backend.
func NewDispatcher(reg Registry, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		timeout:  opts.Timeout,
		logger:   logger.With("component", "dispatcher"),
		metrics:  opts.Metrics,
	}
}

// Use makes the named backend active. The previously active backend is
// closed first; if the new one fails to initialize no backend is active.
func (d *Dispatcher) Use(ctx context.Context, name string) error {
	b, ok := d.registry[name]
	if !ok {
		return fmt.Errorf("%w %q (supported: %s)", ErrUnknownBackend, name, strings.Join(d.registry.Names(), ", "))
	}

	d.useMu.Lock()
	defer d.useMu.Unlock()

	d.mu.Lock()
	prev := d.active
	d.active = nil
	d.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			d.logger.Warn("closing backend", "backend", prev.Name(), "error", err)
		}
	}

	start := time.Now()
	if err := b.Initialize(ctx, d.logger.With("backend", name)); err != nil {
		d.logger.Error("backend initialization failed", "backend", name, "error", err)
		return fmt.Errorf("transcribe: initialize %s: %w", name, err)
	}

	d.mu.Lock()
	d.active = b
	d.mu.Unlock()

	d.logger.Info("backend ready", "backend", name, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// Ready reports whether a backend is active.
func (d *Dispatcher) Ready() bool {
	return d.backend() != nil
}

// Active returns the name of the active backend, or "" if none.
func (d *Dispatcher) Active() string {
	if b := d.backend(); b != nil {
		return b.Name()
	}
	return ""
}

// Close closes the active backend.
func (d *Dispatcher) Close() error {
	d.useMu.Lock()
	defer d.useMu.Unlock()

	d.mu.Lock()
	b := d.active
	d.active = nil
	d.mu.Unlock()

	if b == nil {
		return nil
	}
	return b.Close()
}

func (d *Dispatcher) backend() Backend {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// TranscribeAudio decodes a WAV container, resamples it to
// audio.TargetRate and transcribes it. Decoding and resampling are
// reported as preprocessing time.
func (d *Dispatcher) TranscribeAudio(ctx context.Context, encoded []byte, opts Options) (Outcome, error) {
	start := time.Now()
	b := d.backend()
	if b == nil {
		return Outcome{}, ErrBackendUnavailable
	}

	samples, err := audio.Decode(encoded)
	if err != nil {
		d.metrics.TranscriptionFailed(b.Name(), passName(opts), "decode")
		return Outcome{}, err
	}
	samples = audio.Resample(samples, audio.TargetRate)

	return d.run(ctx, b, samples, opts, start, time.Since(start))
}

// Transcribe transcribes mono samples, resampling them to
// audio.TargetRate when needed.
func (d *Dispatcher) Transcribe(ctx context.Context, samples audio.Samples, opts Options) (Outcome, error) {
	start := time.Now()
	b := d.backend()
	if b == nil {
		return Outcome{}, ErrBackendUnavailable
	}
	samples = audio.Resample(samples, audio.TargetRate)
	return d.run(ctx, b, samples, opts, start, time.Since(start))
}

type reply struct {
	res Result
	err error
}

// run performs inference under the configured timeout. On timeout it
// cancels the backend's context and returns without waiting for it.
func (d *Dispatcher) run(ctx context.Context, b Backend, samples audio.Samples, opts Options, start time.Time, prep time.Duration) (Outcome, error) {
	name := b.Name()
	pass := passName(opts)

	var ictx context.Context
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, d.timeout)
	} else {
		ictx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan reply, 1)
	infStart := time.Now()
	go func() {
		res, err := b.Transcribe(ictx, Request{Samples: samples, Options: opts})
		done <- reply{res: res, err: err}
	}()

	var rep reply
	select {
	case rep = <-done:
	case <-ictx.Done():
		select {
		case rep = <-done:
		default:
			rep.err = ictx.Err()
		}
	}
	inference := time.Since(infStart)

	if rep.err != nil {
		if ctx.Err() == nil && errors.Is(ictx.Err(), context.DeadlineExceeded) {
			d.metrics.TranscriptionFailed(name, pass, "timeout")
			d.logger.Warn("transcription timed out", "backend", name, "pass", pass, "timeout", d.timeout)
			return Outcome{}, fmt.Errorf("%w after %s (%s)", ErrTimeout, d.timeout, name)
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		d.metrics.TranscriptionFailed(name, pass, "inference")
		return Outcome{}, &InferenceError{Backend: name, Err: rep.err}
	}

	res := rep.res
	if err := validateWords(res.Words); err != nil {
		d.metrics.TranscriptionFailed(name, pass, "inference")
		return Outcome{}, &InferenceError{Backend: name, Err: err}
	}
	res.Text = strings.TrimSpace(res.Text)
	res.Partial = opts.Partial
	if opts.Timestamps == TimestampsNone {
		res.Words = nil
	}

	m := computeMetrics(time.Since(start), prep, inference, samples.Duration())
	d.metrics.ObserveTranscription(name, pass, m.ModelInferenceMs/1000, m.TotalMs/1000, m.RealtimeFactor)
	d.logger.Debug("transcribed",
		"backend", name,
		"pass", pass,
		"chars", len(res.Text),
		"words", len(res.Words),
		"total_ms", m.TotalMs,
		"rtf", m.RealtimeFactor)

	return Outcome{Backend: name, Result: res, Metrics: m}, nil
}

// computeMetrics derives the reported metrics from measured durations.
// Overhead is whatever is not inference or preprocessing, clamped at zero.
func computeMetrics(total, prep, inference, audioDur time.Duration) PerformanceMetrics {
	m := PerformanceMetrics{
		TotalMs:          millis(total),
		PreprocessingMs:  millis(prep),
		ModelInferenceMs: millis(inference),
		AudioDurationS:   audioDur.Seconds(),
	}
	m.OverheadMs = max(0, m.TotalMs-m.ModelInferenceMs-m.PreprocessingMs)
	if m.AudioDurationS > 0 {
		m.RealtimeFactor = m.TotalMs / (m.AudioDurationS * 1000)
	}
	return m
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func passName(opts Options) string {
	if opts.Partial {
		return "partial"
	}
	return "final"
}
