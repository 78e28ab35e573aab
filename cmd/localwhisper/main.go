// Command localwhisper records speech on a global hotkey, shows partial
// transcriptions while recording and types the final transcription into
// the focused application. It can also serve an HTTP control API and
// transcribe audio files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chaz8081/localwhisper/internal/audio"
	"github.com/chaz8081/localwhisper/internal/config"
	"github.com/chaz8081/localwhisper/internal/hotkey"
	"github.com/chaz8081/localwhisper/internal/metrics"
	"github.com/chaz8081/localwhisper/internal/models"
	"github.com/chaz8081/localwhisper/internal/server"
	"github.com/chaz8081/localwhisper/internal/sink"
	"github.com/chaz8081/localwhisper/internal/stream"
	"github.com/chaz8081/localwhisper/internal/transcribe"
)

type flags struct {
	config        string
	backend       string
	serve         bool
	noHotkey      bool
	replay        string
	file          string
	downloadModel string
	writeConfig   bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to config file (default: ~/.config/localwhisper/config.yaml)")
	flag.StringVar(&f.backend, "backend", "", "transcription backend: whisper, groq or google")
	flag.BoolVar(&f.serve, "serve", false, "serve the HTTP control API on server.addr")
	flag.BoolVar(&f.noHotkey, "no-hotkey", false, "do not listen for global hotkeys")
	flag.StringVar(&f.replay, "replay", "", "capture from a WAV file instead of the microphone")
	flag.StringVar(&f.file, "file", "", "transcribe an audio file and exit")
	flag.StringVar(&f.downloadModel, "download-model", "", "download a whisper model ("+strings.Join(models.Names(), ", ")+") and exit")
	flag.BoolVar(&f.writeConfig, "write-config", false, "write the default config file and exit")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, "localwhisper:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if f.writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote", path)
		}
		return nil
	}

	if f.downloadModel != "" {
		d := &models.Downloader{Dir: config.DefaultModelsDir(), Out: os.Stderr}
		path, err := d.Download(context.Background(), f.downloadModel)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	}

	cfg, err := loadConfig(f.config)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg.ApplyEnv()
	if f.backend != "" {
		cfg.Transcribe.Backend = f.backend
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	disp := transcribe.NewDispatcher(transcribe.NewRegistry(&cfg.Transcribe), transcribe.DispatcherOptions{
		Timeout: cfg.Transcribe.Timeout,
		Logger:  logger,
		Metrics: m,
	})
	defer disp.Close()

	mic, closeMic, err := openMicrophone(f.replay)
	if err != nil {
		return err
	}
	defer closeMic()

	rec := audio.NewRecorder(mic, audio.Options{
		Format: audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
		},
		ChunkInterval: cfg.Audio.ChunkInterval,
		Logger:        logger,
		Metrics:       m,
	})
	defer rec.Close()

	sinks := []sink.Sink{sink.NewKafkaSink(cfg.Kafka, logger)}
	if cfg.Inject.Method != "none" && f.file == "" {
		sinks = append(sinks, sink.NewInjector(cfg.Inject.Method, nil))
	}
	out := sink.NewFanout(logger, m, sinks...)
	defer out.Close()

	coord := stream.New(rec, disp, stream.Options{
		WordTimestamps: cfg.Transcribe.WordTimestamps,
		MinDuration:    cfg.Audio.MinDuration,
		Sink:           out,
		Logger:         logger,
		Metrics:        m,
	})

	printBanner(cfg, f)

	initStart := time.Now()
	if err := coord.Initialize(ctx, cfg.Transcribe.Backend); err != nil {
		return fmt.Errorf("initializing %s backend: %w", cfg.Transcribe.Backend, err)
	}
	logger.Info("backend ready", "backend", cfg.Transcribe.Backend, "took", time.Since(initStart).Round(time.Millisecond))

	if f.file != "" {
		return transcribeFile(ctx, coord, f.file)
	}

	if f.serve {
		srv := server.New(coord, server.Options{
			Addr:    cfg.Server.Addr,
			Metrics: m,
			Logger:  logger,
		})
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Error("server stopped", "error", err)
				stop()
			}
		}()
	}

	if f.noHotkey {
		if !f.serve {
			return errors.New("-no-hotkey needs -serve")
		}
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}

	runHotkeys(ctx, coord, cfg, logger)

	logger.Info("shutting down")
	coord.Cancel()
	_ = out.Close()
	_ = disp.Close()
	_ = rec.Close()
	// gohook's C cleanup can crash on exit; the OS reclaims the hook.
	os.Exit(0)
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}
	return config.Default(), nil
}

func openMicrophone(replay string) (audio.Microphone, func(), error) {
	if replay != "" {
		mic, err := audio.LoadReplayMicrophone(replay)
		if err != nil {
			return nil, nil, err
		}
		return mic, func() {}, nil
	}

	mic, err := audio.NewMalgoMicrophone()
	if err != nil {
		return nil, nil, fmt.Errorf("%w\n\nEnsure microphone access is granted to your terminal", err)
	}
	return mic, func() { _ = mic.Close() }, nil
}

func transcribeFile(ctx context.Context, coord *stream.Coordinator, path string) error {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	final, err := coord.TranscribeFile(ctx, encoded)
	if err != nil {
		return err
	}

	fmt.Println(final.Result.Text)
	for _, w := range final.Result.Words {
		fmt.Printf("  [%6.2f - %6.2f] %s\n", w.Start, w.End, w.Text)
	}
	pm := final.Metrics
	fmt.Fprintf(os.Stderr, "%s: %.2fs audio in %.0fms (prep %.0fms, inference %.0fms, RTF %.3f)\n",
		final.Backend, pm.AudioDurationS, pm.TotalMs, pm.PreprocessingMs, pm.ModelInferenceMs, pm.RealtimeFactor)
	return nil
}

// runHotkeys drives the coordinator from the global hotkeys until ctx is
// done or the listener stops.
func runHotkeys(ctx context.Context, coord *stream.Coordinator, cfg *config.Config, logger *slog.Logger) {
	listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.CancelKeys, cfg.Hotkey.Mode)
	go listener.Start()
	defer listener.Stop()

	logger.Info("ready", "hotkey", strings.Join(cfg.Hotkey.Keys, "+"), "mode", cfg.Hotkey.Mode)
	dispatchHotkeys(ctx, listener.Events(), coord, logger)
}

func printBanner(cfg *config.Config, f flags) {
	fmt.Println("=== localwhisper ===")
	fmt.Printf("  Backend: %s\n", cfg.Transcribe.Backend)
	if cfg.Transcribe.Backend == "whisper" {
		fmt.Printf("  Model:   %s\n", cfg.Transcribe.Whisper.ModelPath)
	}
	if f.replay != "" {
		fmt.Printf("  Audio:   replay %s\n", f.replay)
	} else {
		fmt.Printf("  Audio:   %dHz, %dch, %s chunks\n", cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.ChunkInterval)
	}
	if !f.noHotkey && f.file == "" {
		fmt.Printf("  Hotkey:  %s (%s mode)\n", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	}
	fmt.Printf("  Inject:  %s\n", cfg.Inject.Method)
	if f.serve {
		fmt.Printf("  Server:  http://%s\n", cfg.Server.Addr)
	}
	fmt.Println("===================")
}
