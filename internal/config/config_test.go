package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Transcribe.Backend != "whisper" {
		t.Errorf("Transcribe.Backend = %q, want %q", cfg.Transcribe.Backend, "whisper")
	}
	if cfg.Transcribe.Whisper.ModelPath == "" {
		t.Error("Transcribe.Whisper.ModelPath should not be empty")
	}
	if !cfg.Transcribe.WordTimestamps {
		t.Error("Transcribe.WordTimestamps should default to true")
	}
	if cfg.Transcribe.Groq.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("Transcribe.Groq.BaseURL = %q", cfg.Transcribe.Groq.BaseURL)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("Audio.SampleRate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels != 1 {
		t.Errorf("Audio.Channels = %d, want 1", cfg.Audio.Channels)
	}
	if cfg.Audio.ChunkInterval != time.Second {
		t.Errorf("Audio.ChunkInterval = %s, want 1s", cfg.Audio.ChunkInterval)
	}
	if cfg.Hotkey.Mode != "hold" {
		t.Errorf("Hotkey.Mode = %q, want %q", cfg.Hotkey.Mode, "hold")
	}
	if cfg.Inject.Method != "type" {
		t.Errorf("Inject.Method = %q, want %q", cfg.Inject.Method, "type")
	}
	if cfg.Kafka.Enabled {
		t.Error("Kafka should be disabled by default")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
transcribe:
  backend: groq
  timeout: 30s
  word_timestamps: false
  groq:
    model: whisper-large-v3
audio:
  sample_rate: 44100
  channels: 2
  chunk_interval: 500ms
hotkey:
  keys: ["alt", "d"]
  mode: toggle
inject:
  method: paste
kafka:
  enabled: true
  brokers: ["localhost:9092"]
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transcribe.Backend != "groq" {
		t.Errorf("Transcribe.Backend = %q, want %q", cfg.Transcribe.Backend, "groq")
	}
	if cfg.Transcribe.Timeout != 30*time.Second {
		t.Errorf("Transcribe.Timeout = %s, want 30s", cfg.Transcribe.Timeout)
	}
	if cfg.Transcribe.WordTimestamps {
		t.Error("Transcribe.WordTimestamps = true, want false")
	}
	if cfg.Transcribe.Groq.Model != "whisper-large-v3" {
		t.Errorf("Transcribe.Groq.Model = %q", cfg.Transcribe.Groq.Model)
	}
	// Unset nested fields keep their defaults.
	if cfg.Transcribe.Groq.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("Transcribe.Groq.BaseURL = %q, want default", cfg.Transcribe.Groq.BaseURL)
	}
	if cfg.Audio.SampleRate != 44100 || cfg.Audio.Channels != 2 {
		t.Errorf("Audio = %+v", cfg.Audio)
	}
	if cfg.Audio.ChunkInterval != 500*time.Millisecond {
		t.Errorf("Audio.ChunkInterval = %s, want 500ms", cfg.Audio.ChunkInterval)
	}
	if len(cfg.Hotkey.Keys) != 2 || cfg.Hotkey.Keys[0] != "alt" || cfg.Hotkey.Keys[1] != "d" {
		t.Errorf("Hotkey.Keys = %v, want [alt d]", cfg.Hotkey.Keys)
	}
	if cfg.Inject.Method != "paste" {
		t.Errorf("Inject.Method = %q, want %q", cfg.Inject.Method, "paste")
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 1 {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
	if cfg.Kafka.TopicFinal != "transcripts.final" {
		t.Errorf("Kafka.TopicFinal = %q, want default", cfg.Kafka.TopicFinal)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	path := writeConfig(t, `
transcribe:
  whisper:
    model_path: ~/models/test.bin
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "models/test.bin")
	if cfg.Transcribe.Whisper.ModelPath != expected {
		t.Errorf("ModelPath = %q, want %q", cfg.Transcribe.Whisper.ModelPath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "transcribe: [not, a, map")
	if _, err := Load(path); err == nil {
		t.Error("Load() should return error for invalid YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk_test")
	t.Setenv("LOCALWHISPER_BACKEND", "groq")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.Transcribe.Groq.APIKey != "gsk_test" {
		t.Errorf("Groq.APIKey = %q, want %q", cfg.Transcribe.Groq.APIKey, "gsk_test")
	}
	if cfg.Transcribe.Backend != "groq" {
		t.Errorf("Backend = %q, want %q", cfg.Transcribe.Backend, "groq")
	}
}

func TestApplyEnvKeepsExplicitKey(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "from-env")

	cfg := Default()
	cfg.Transcribe.Groq.APIKey = "from-file"
	cfg.ApplyEnv()

	if cfg.Transcribe.Groq.APIKey != "from-file" {
		t.Errorf("Groq.APIKey = %q, want %q", cfg.Transcribe.Groq.APIKey, "from-file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Transcribe.Backend = "parakeet" },
			wantErr: true,
		},
		{
			name:    "whisper without model path",
			modify:  func(c *Config) { c.Transcribe.Whisper.ModelPath = "" },
			wantErr: true,
		},
		{
			name:    "groq without model",
			modify:  func(c *Config) { c.Transcribe.Backend = "groq"; c.Transcribe.Groq.Model = "" },
			wantErr: true,
		},
		{
			name:    "groq valid",
			modify:  func(c *Config) { c.Transcribe.Backend = "groq" },
			wantErr: false,
		},
		{
			name:    "google without language",
			modify:  func(c *Config) { c.Transcribe.Backend = "google"; c.Transcribe.Google.LanguageCode = "" },
			wantErr: true,
		},
		{
			name:    "negative timeout",
			modify:  func(c *Config) { c.Transcribe.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero sample rate",
			modify:  func(c *Config) { c.Audio.SampleRate = 0 },
			wantErr: true,
		},
		{
			name:    "zero channels",
			modify:  func(c *Config) { c.Audio.Channels = 0 },
			wantErr: true,
		},
		{
			name:    "zero chunk interval",
			modify:  func(c *Config) { c.Audio.ChunkInterval = 0 },
			wantErr: true,
		},
		{
			name:    "empty hotkey keys",
			modify:  func(c *Config) { c.Hotkey.Keys = nil },
			wantErr: true,
		},
		{
			name:    "invalid hotkey mode",
			modify:  func(c *Config) { c.Hotkey.Mode = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid inject method",
			modify:  func(c *Config) { c.Inject.Method = "invalid" },
			wantErr: true,
		},
		{
			name:    "inject disabled",
			modify:  func(c *Config) { c.Inject.Method = "none" },
			wantErr: false,
		},
		{
			name:    "kafka enabled without brokers",
			modify:  func(c *Config) { c.Kafka.Enabled = true },
			wantErr: true,
		},
		{
			name: "kafka enabled with brokers",
			modify: func(c *Config) {
				c.Kafka.Enabled = true
				c.Kafka.Brokers = []string{"localhost:9092"}
			},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "localwhisper", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# localwhisper") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("written config Audio.SampleRate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.ChunkInterval != time.Second {
		t.Errorf("written config Audio.ChunkInterval = %s, want 1s", cfg.Audio.ChunkInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "localwhisper")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existing := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existing, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existing) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
