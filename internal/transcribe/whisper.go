package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/chaz8081/localwhisper/internal/config"
)

// WhisperBackend runs whisper.cpp locally. The model is loaded by
// Initialize and shared by all transcriptions, which run one at a time.
type WhisperBackend struct {
	cfg config.WhisperConfig

	mu     sync.Mutex
	model  whisper.Model
	logger *slog.Logger
}

// NewWhisperBackend creates an uninitialized whisper backend.
func NewWhisperBackend(cfg config.WhisperConfig) *WhisperBackend {
	return &WhisperBackend{cfg: cfg, logger: slog.Default()}
}

func (b *WhisperBackend) Name() string { return "whisper" }

// Initialize loads the model file.
func (b *WhisperBackend) Initialize(_ context.Context, logger *slog.Logger) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if logger != nil {
		b.logger = logger
	}
	if b.model != nil {
		return nil
	}
	if _, err := os.Stat(b.cfg.ModelPath); err != nil {
		return fmt.Errorf("whisper model %q: %w (download it with -download-model)", b.cfg.ModelPath, err)
	}

	model, err := whisper.New(b.cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("load whisper model %q: %w", b.cfg.ModelPath, err)
	}
	b.model = model
	b.logger.Info("whisper model loaded", "path", b.cfg.ModelPath, "multilingual", model.IsMultilingual())
	return nil
}

// Close releases the whisper model resources. It waits for a running
// transcription to finish.
func (b *WhisperBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model == nil {
		return nil
	}
	err := b.model.Close()
	b.model = nil
	return err
}

// Transcribe runs whisper on mono 16kHz samples. whisper.cpp cannot be
// interrupted mid-inference, so ctx is only checked between segments.
func (b *WhisperBackend) Transcribe(ctx context.Context, req Request) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model == nil {
		return Result{}, ErrBackendUnavailable
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	wctx, err := b.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create context: %w", err)
	}
	if b.cfg.Language != "" && b.model.IsMultilingual() {
		if err := wctx.SetLanguage(b.cfg.Language); err != nil {
			return Result{}, fmt.Errorf("set language %q: %w", b.cfg.Language, err)
		}
	}
	if b.cfg.Threads > 0 {
		wctx.SetThreads(b.cfg.Threads)
	}
	words := req.Timestamps == TimestampsWord
	if words {
		// One word per segment.
		wctx.SetTokenTimestamps(true)
		wctx.SetMaxSegmentLength(1)
		wctx.SetSplitOnWord(true)
	}

	if err := wctx.Process(req.Samples.Data, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("process: %w", err)
	}

	var res Result
	var parts []string
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("next segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		if words {
			res.Words = append(res.Words, Word{
				Text:  text,
				Start: seg.Start.Seconds(),
				End:   seg.End.Seconds(),
			})
		}
	}

	res.Text = strings.Join(parts, " ")
	return res, nil
}
