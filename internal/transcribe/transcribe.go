// Package transcribe provides speech-to-text backends and the dispatcher
// that routes audio to the one active backend.
//
// Supported backends:
//   - whisper: whisper.cpp via Go bindings (default, local)
//   - groq: Groq's OpenAI-compatible transcription API
//   - google: Google Cloud Speech-to-Text
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/chaz8081/localwhisper/internal/audio"
	"github.com/chaz8081/localwhisper/internal/config"
)

// Errors returned by the dispatcher.
var (
	ErrBackendUnavailable = errors.New("transcribe: no backend initialized")
	ErrTimeout            = errors.New("transcribe: timed out")
	ErrUnknownBackend     = errors.New("transcribe: unknown backend")
)

// InferenceError reports a backend failure or a malformed backend result.
type InferenceError struct {
	Backend string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("transcribe: %s: %v", e.Backend, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// TimestampMode selects the timestamp granularity of a result.
type TimestampMode int

const (
	TimestampsNone TimestampMode = iota
	TimestampsWord
)

// Options controls a single transcription.
type Options struct {
	Timestamps TimestampMode
	Partial    bool
}

// Request is what a backend receives: mono samples at audio.TargetRate.
type Request struct {
	Samples audio.Samples
	Options
}

// Word is a recognized word with its position in seconds.
type Word struct {
	Text  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is a transcription. Words is empty unless word timestamps were
// requested and the backend produced them.
type Result struct {
	Text    string `json:"text"`
	Words   []Word `json:"words,omitempty"`
	Partial bool   `json:"partial"`
}

// PerformanceMetrics describes the cost of one transcription.
type PerformanceMetrics struct {
	TotalMs          float64 `json:"total_ms"`
	PreprocessingMs  float64 `json:"preprocessing_ms"`
	ModelInferenceMs float64 `json:"model_inference_ms"`
	OverheadMs       float64 `json:"overhead_ms"`
	AudioDurationS   float64 `json:"audio_duration_s"`
	RealtimeFactor   float64 `json:"realtime_factor"`
}

// Outcome is a result together with where and how it was produced.
type Outcome struct {
	Backend string             `json:"backend"`
	Result  Result             `json:"result"`
	Metrics PerformanceMetrics `json:"metrics"`
}

// Backend converts audio samples to text.
type Backend interface {
	// Name is the registry key of the backend.
	Name() string
	// Initialize loads models or verifies connectivity. It is called
	// again after Close when the backend is re-selected.
	Initialize(ctx context.Context, logger *slog.Logger) error
	// Transcribe runs inference. It should return promptly once ctx is done.
	Transcribe(ctx context.Context, req Request) (Result, error)
	// Close releases backend resources.
	Close() error
}

// Registry maps backend names to backends.
type Registry map[string]Backend

// NewRegistry builds every supported backend from configuration. Backends
// are not initialized.
func NewRegistry(cfg *config.TranscribeConfig) Registry {
	return Registry{
		"whisper": NewWhisperBackend(cfg.Whisper),
		"groq":    NewGroqBackend(cfg.Groq),
		"google":  NewGoogleBackend(cfg.Google),
	}
}

// Names returns the registered backend names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateWords rejects word timestamps that run backwards.
func validateWords(words []Word) error {
	for i, w := range words {
		if w.Start < 0 || w.Start > w.End {
			return fmt.Errorf("word %d %q: invalid span %.3f-%.3f", i, w.Text, w.Start, w.End)
		}
		if i > 0 && w.Start < words[i-1].Start {
			return fmt.Errorf("word %d %q: starts at %.3f before previous word at %.3f", i, w.Text, w.Start, words[i-1].Start)
		}
	}
	return nil
}
