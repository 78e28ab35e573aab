package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/chaz8081/localwhisper/internal/config"
)

// GoogleBackend uses Google Cloud Speech-to-Text synchronous recognition.
// Credentials are resolved the usual way (GOOGLE_APPLICATION_CREDENTIALS or
// ambient credentials).
type GoogleBackend struct {
	cfg  config.GoogleConfig
	opts []option.ClientOption

	mu     sync.RWMutex
	client *speech.Client
	logger *slog.Logger
}

// NewGoogleBackend creates an uninitialized Google backend. opts are passed
// to the speech client.
func NewGoogleBackend(cfg config.GoogleConfig, opts ...option.ClientOption) *GoogleBackend {
	return &GoogleBackend{cfg: cfg, opts: opts, logger: slog.Default()}
}

func (b *GoogleBackend) Name() string { return "google" }

// Initialize creates the speech client.
func (b *GoogleBackend) Initialize(ctx context.Context, logger *slog.Logger) error {
	if logger != nil {
		b.logger = logger
	}

	client, err := speech.NewClient(ctx, b.opts...)
	if err != nil {
		return fmt.Errorf("google: create speech client: %w", err)
	}

	b.mu.Lock()
	prev := b.client
	b.client = client
	b.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	b.logger.Info("google speech client ready", "language", b.cfg.LanguageCode)
	return nil
}

func (b *GoogleBackend) Close() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// Transcribe sends the samples as LINEAR16 PCM.
func (b *GoogleBackend) Transcribe(ctx context.Context, req Request) (Result, error) {
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return Result{}, ErrBackendUnavailable
	}

	resp, err := client.Recognize(ctx, b.recognizeRequest(req))
	if err != nil {
		return Result{}, fmt.Errorf("recognize: %w", err)
	}
	return googleResult(resp), nil
}

func (b *GoogleBackend) recognizeRequest(req Request) *speechpb.RecognizeRequest {
	return &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(req.Samples.Rate),
			AudioChannelCount:          1,
			LanguageCode:               b.cfg.LanguageCode,
			EnableWordTimeOffsets:      req.Timestamps == TimestampsWord,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{
				Content: samplesToPCM(req.Samples.Data),
			},
		},
	}
}

// googleResult joins the top alternative of each result. Word offsets are
// relative to the start of the audio.
func googleResult(resp *speechpb.RecognizeResponse) Result {
	var res Result
	var parts []string
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		best := alts[0]
		if t := strings.TrimSpace(best.GetTranscript()); t != "" {
			parts = append(parts, t)
		}
		for _, w := range best.GetWords() {
			res.Words = append(res.Words, Word{
				Text:  w.GetWord(),
				Start: w.GetStartTime().AsDuration().Seconds(),
				End:   w.GetEndTime().AsDuration().Seconds(),
			})
		}
	}
	res.Text = strings.Join(parts, " ")
	return res
}
