package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/chaz8081/localwhisper/internal/config"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes transcript events as JSON to separate partial and
// final topics, keyed by session id. When disabled it only logs events.
type KafkaSink struct {
	partial      messageWriter
	final        messageWriter
	topicPartial string
	topicFinal   string
	enabled      bool
	logger       *slog.Logger
}

// NewKafkaSink creates a KafkaSink from configuration.
func NewKafkaSink(cfg config.KafkaConfig, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka")

	s := &KafkaSink{
		topicPartial: cfg.TopicPartial,
		topicFinal:   cfg.TopicFinal,
		logger:       logger,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled, using log-only mode")
		return s
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	s.partial = newWriter(cfg.TopicPartial)
	s.final = newWriter(cfg.TopicFinal)
	s.enabled = true

	logger.Info("kafka publisher initialized",
		"brokers", cfg.Brokers,
		"topic_partial", cfg.TopicPartial,
		"topic_final", cfg.TopicFinal)
	return s
}

func (s *KafkaSink) Name() string { return "kafka" }

// Publish writes ev to the topic for its kind.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	writer, topic := s.final, s.topicFinal
	if ev.Kind == KindPartial {
		writer, topic = s.partial, s.topicPartial
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}

	s.logger.Debug("publishing event", "topic", topic, "session", ev.SessionID, "kind", ev.Kind, "bytes", len(payload))
	if !s.enabled || writer == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Kind)},
			{Key: "backend", Value: []byte(ev.Backend)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", topic, err)
	}
	return nil
}

// Close closes both writers.
func (s *KafkaSink) Close() error {
	var err error
	for _, w := range []messageWriter{s.partial, s.final} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			s.logger.Error("closing kafka writer", "error", e)
			err = e
		}
	}
	return err
}
