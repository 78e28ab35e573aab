// Package sink delivers published transcripts to their consumers: the
// active application (text injection) and Kafka topics.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chaz8081/localwhisper/internal/metrics"
	"github.com/chaz8081/localwhisper/internal/transcribe"
)

// Kind distinguishes partial from final transcripts.
type Kind string

const (
	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
)

// Event is one published transcript.
type Event struct {
	Kind      Kind                           `json:"kind"`
	SessionID string                         `json:"session_id"`
	Backend   string                         `json:"backend"`
	Text      string                         `json:"text"`
	Words     []transcribe.Word              `json:"words,omitempty"`
	Metrics   *transcribe.PerformanceMetrics `json:"metrics,omitempty"`
	Time      time.Time                      `json:"time"`
}

// Sink consumes transcript events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Fanout publishes every event to all of its sinks. A failing sink does
// not stop delivery to the others.
type Fanout struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFanout creates a Fanout over sinks. logger and m may be nil.
func NewFanout(logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger.With("component", "sink"), metrics: m}
}

func (f *Fanout) Name() string { return "fanout" }

// Publish delivers ev to every sink and joins their errors.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.Publish(ctx, ev)
		f.metrics.SinkPublished(s.Name(), string(ev.Kind), err)
		if err != nil {
			f.logger.Warn("publish failed", "sink", s.Name(), "kind", ev.Kind, "session", ev.SessionID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
