package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Audio      AudioConfig      `yaml:"audio"`
	Hotkey     HotkeyConfig     `yaml:"hotkey"`
	Inject     InjectConfig     `yaml:"inject"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Server     ServerConfig     `yaml:"server"`
	LogLevel   string           `yaml:"log_level"`
}

// TranscribeConfig selects the active backend and holds per-backend settings.
type TranscribeConfig struct {
	Backend        string        `yaml:"backend"` // "whisper", "groq" or "google"
	Timeout        time.Duration `yaml:"timeout"`
	WordTimestamps bool          `yaml:"word_timestamps"`
	Whisper        WhisperConfig `yaml:"whisper"`
	Groq           GroqConfig    `yaml:"groq"`
	Google         GoogleConfig  `yaml:"google"`
}

// WhisperConfig holds whisper.cpp settings.
type WhisperConfig struct {
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Threads   uint   `yaml:"threads"`
}

// GroqConfig holds settings for Groq's OpenAI-compatible transcription API.
// APIKey is normally left empty and read from GROQ_API_KEY.
type GroqConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// GoogleConfig holds Google Cloud Speech-to-Text settings.
// Credentials come from GOOGLE_APPLICATION_CREDENTIALS.
type GoogleConfig struct {
	LanguageCode string `yaml:"language_code"`
}

// AudioConfig holds audio capture settings.
type AudioConfig struct {
	SampleRate    uint32        `yaml:"sample_rate"`
	Channels      uint32        `yaml:"channels"`
	ChunkInterval time.Duration `yaml:"chunk_interval"`
	MinDuration   time.Duration `yaml:"min_duration"`
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Keys       []string `yaml:"keys"`
	CancelKeys []string `yaml:"cancel_keys"`
	Mode       string   `yaml:"mode"` // "hold" or "toggle"
}

// InjectConfig holds text injection settings.
type InjectConfig struct {
	Method string `yaml:"method"` // "type", "paste" or "none"
}

// KafkaConfig holds transcript event publishing settings.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "localwhisper")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultModelsDir returns the directory downloaded models are stored in.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".local", "share", "localwhisper", "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Transcribe: TranscribeConfig{
			Backend:        "whisper",
			Timeout:        2 * time.Minute,
			WordTimestamps: true,
			Whisper: WhisperConfig{
				ModelPath: filepath.Join(DefaultModelsDir(), "ggml-base.en.bin"),
				Language:  "en",
			},
			Groq: GroqConfig{
				BaseURL: "https://api.groq.com/openai/v1",
				Model:   "whisper-large-v3-turbo",
			},
			Google: GoogleConfig{
				LanguageCode: "en-US",
			},
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			ChunkInterval: time.Second,
			MinDuration:   300 * time.Millisecond,
		},
		Hotkey: HotkeyConfig{
			Keys:       []string{"ctrl", "shift", "r"},
			CancelKeys: []string{"ctrl", "shift", "x"},
			Mode:       "hold",
		},
		Inject: InjectConfig{
			Method: "type",
		},
		Kafka: KafkaConfig{
			TopicPartial: "transcripts.partial",
			TopicFinal:   "transcripts.final",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in model paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Transcribe.Whisper.ModelPath = expandTilde(cfg.Transcribe.Whisper.ModelPath)

	return cfg, nil
}

// ApplyEnv fills secrets that are left empty in the file from the environment.
func (c *Config) ApplyEnv() {
	if c.Transcribe.Groq.APIKey == "" {
		c.Transcribe.Groq.APIKey = os.Getenv("GROQ_API_KEY")
	}
	if v := os.Getenv("LOCALWHISPER_BACKEND"); v != "" {
		c.Transcribe.Backend = v
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transcribe.Backend {
	case "whisper":
		if c.Transcribe.Whisper.ModelPath == "" {
			return fmt.Errorf("transcribe.whisper.model_path must not be empty")
		}
	case "groq":
		if c.Transcribe.Groq.Model == "" {
			return fmt.Errorf("transcribe.groq.model must not be empty")
		}
		if c.Transcribe.Groq.BaseURL == "" {
			return fmt.Errorf("transcribe.groq.base_url must not be empty")
		}
	case "google":
		if c.Transcribe.Google.LanguageCode == "" {
			return fmt.Errorf("transcribe.google.language_code must not be empty")
		}
	default:
		return fmt.Errorf("transcribe.backend must be whisper, groq, or google, got %q", c.Transcribe.Backend)
	}

	if c.Transcribe.Timeout < 0 {
		return fmt.Errorf("transcribe.timeout must be >= 0")
	}

	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}

	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}

	if c.Audio.ChunkInterval <= 0 {
		return fmt.Errorf("audio.chunk_interval must be > 0")
	}

	if len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}

	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	switch c.Inject.Method {
	case "type", "paste", "none":
	default:
		return fmt.Errorf("inject.method must be \"type\", \"paste\" or \"none\", got %q", c.Inject.Method)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must not be empty when kafka is enabled")
		}
		if c.Kafka.TopicPartial == "" || c.Kafka.TopicFinal == "" {
			return fmt.Errorf("kafka.topic_partial and kafka.topic_final must be set when kafka is enabled")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# localwhisper configuration
#
# transcribe.backend selects the active backend: whisper (local model),
# groq (GROQ_API_KEY) or google (GOOGLE_APPLICATION_CREDENTIALS).
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader+"\n"), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
