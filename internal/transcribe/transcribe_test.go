package transcribe

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/chaz8081/localwhisper/internal/config"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(&config.Default().Transcribe)

	want := []string{"google", "groq", "whisper"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	for name, b := range reg {
		if b.Name() != name {
			t.Errorf("registry[%q].Name() = %q", name, b.Name())
		}
	}
}

func TestValidateWords(t *testing.T) {
	tests := []struct {
		name    string
		words   []Word
		wantErr bool
	}{
		{"empty", nil, false},
		{"ordered", []Word{{"a", 0, 0.5}, {"b", 0.5, 1}, {"c", 1.2, 1.3}}, false},
		{"zero length word", []Word{{"a", 1, 1}}, false},
		{"same start", []Word{{"a", 1, 1.2}, {"b", 1, 1.5}}, false},
		{"start after end", []Word{{"a", 1, 0.5}}, true},
		{"decreasing start", []Word{{"a", 1, 1.5}, {"b", 0.5, 2}}, true},
		{"negative start", []Word{{"a", -0.1, 0.5}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateWords(tt.words)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateWords() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInferenceErrorUnwrap(t *testing.T) {
	cause := errors.New("model exploded")
	var err error = &InferenceError{Backend: "whisper", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("InferenceError should unwrap to its cause")
	}
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Backend != "whisper" {
		t.Errorf("errors.As() = %v, backend %q", ie, ie.Backend)
	}
	if got := err.Error(); got != "transcribe: whisper: model exploded" {
		t.Errorf("Error() = %q", got)
	}
}

func TestComputeMetrics(t *testing.T) {
	tests := []struct {
		name                    string
		total, prep, inf, audio time.Duration
		want                    PerformanceMetrics
	}{
		{
			name:  "typical",
			total: 500 * time.Millisecond, prep: 50 * time.Millisecond, inf: 400 * time.Millisecond, audio: 2 * time.Second,
			want: PerformanceMetrics{TotalMs: 500, PreprocessingMs: 50, ModelInferenceMs: 400, OverheadMs: 50, AudioDurationS: 2, RealtimeFactor: 0.25},
		},
		{
			name:  "overhead clamped",
			total: 100 * time.Millisecond, prep: 30 * time.Millisecond, inf: 90 * time.Millisecond, audio: time.Second,
			want: PerformanceMetrics{TotalMs: 100, PreprocessingMs: 30, ModelInferenceMs: 90, OverheadMs: 0, AudioDurationS: 1, RealtimeFactor: 0.1},
		},
		{
			name:  "no audio",
			total: 10 * time.Millisecond, inf: 10 * time.Millisecond,
			want: PerformanceMetrics{TotalMs: 10, ModelInferenceMs: 10},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeMetrics(tt.total, tt.prep, tt.inf, tt.audio); got != tt.want {
				t.Errorf("computeMetrics() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
