package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chaz8081/localwhisper/internal/audio"
	"github.com/chaz8081/localwhisper/internal/config"
)

// ErrMissingAPIKey is returned when a remote backend has no credentials.
var ErrMissingAPIKey = errors.New("api key not set")

// GroqBackend uploads audio to Groq's OpenAI-compatible transcription
// endpoint.
type GroqBackend struct {
	cfg config.GroqConfig

	mu     sync.RWMutex
	client *openai.Client
	logger *slog.Logger
}

// NewGroqBackend creates an uninitialized Groq backend.
func NewGroqBackend(cfg config.GroqConfig) *GroqBackend {
	return &GroqBackend{cfg: cfg, logger: slog.Default()}
}

func (b *GroqBackend) Name() string { return "groq" }

// Initialize creates the API client and checks connectivity by listing
// models.
func (b *GroqBackend) Initialize(ctx context.Context, logger *slog.Logger) error {
	if logger != nil {
		b.logger = logger
	}

	key := b.cfg.APIKey
	if key == "" {
		key = os.Getenv("GROQ_API_KEY")
	}
	if key == "" {
		return fmt.Errorf("groq: %w (set GROQ_API_KEY)", ErrMissingAPIKey)
	}

	ocfg := openai.DefaultConfig(key)
	if b.cfg.BaseURL != "" {
		ocfg.BaseURL = strings.TrimRight(b.cfg.BaseURL, "/")
	}
	client := openai.NewClientWithConfig(ocfg)

	models, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("groq: list models: %w", err)
	}
	found := false
	for _, m := range models.Models {
		if m.ID == b.cfg.Model {
			found = true
			break
		}
	}
	if !found {
		b.logger.Warn("model not listed by API", "model", b.cfg.Model, "available", len(models.Models))
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.logger.Info("groq client ready", "base_url", ocfg.BaseURL, "model", b.cfg.Model)
	return nil
}

func (b *GroqBackend) Close() error {
	b.mu.Lock()
	b.client = nil
	b.mu.Unlock()
	return nil
}

// Transcribe uploads the samples as a 16-bit WAV file.
func (b *GroqBackend) Transcribe(ctx context.Context, req Request) (Result, error) {
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return Result{}, ErrBackendUnavailable
	}

	wav, err := audio.EncodeWAV(samplesToPCM(req.Samples.Data), req.Samples.Rate, 1)
	if err != nil {
		return Result{}, err
	}

	areq := openai.AudioRequest{
		Model:    b.cfg.Model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wav),
		Language: b.cfg.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}
	if req.Timestamps == TimestampsWord {
		areq.TimestampGranularities = []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		}
	}

	resp, err := client.CreateTranscription(ctx, areq)
	if err != nil {
		return Result{}, fmt.Errorf("create transcription: %w", err)
	}

	res := Result{Text: resp.Text}
	for _, w := range resp.Words {
		res.Words = append(res.Words, Word{Text: strings.TrimSpace(w.Word), Start: w.Start, End: w.End})
	}
	return res, nil
}

// samplesToPCM converts normalized samples to S16LE PCM, clipping values
// outside [-1, 1].
func samplesToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		v = math.Max(-32768, math.Min(32767, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
