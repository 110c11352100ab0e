// Package config provides the configuration schema and loader for voxcoach.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Tuning-knob bounds. SilenceWindow values outside the range are clamped by
// [Validate] rather than rejected, matching the client contract.
const (
	MinSilenceWindow = 400 * time.Millisecond
	MaxSilenceWindow = 2200 * time.Millisecond
)

// Defaults applied by [Validate] when the corresponding field is zero.
const (
	DefaultSilenceWindow     = 850 * time.Millisecond
	DefaultRMSThreshold      = 0.014
	DefaultChunkInterval     = 250 * time.Millisecond
	DefaultPollInterval      = 16 * time.Millisecond // ≈60 Hz
	DefaultMinUtteranceBytes = 4096
	DefaultSaveDebounce      = 600 * time.Millisecond
	DefaultSampleRate        = 16000
)

// Config is the root configuration structure for voxcoach, typically loaded
// from a YAML file via [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Capture   CaptureConfig   `yaml:"capture"`
	VAD       VADConfig       `yaml:"vad"`
	Chat      ChatConfig      `yaml:"chat"`
}

// ServerConfig holds network, storage, and logging settings for `voxcoach serve`.
type ServerConfig struct {
	// ListenAddr is the TCP address the API server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseDSN is the PostgreSQL connection string for session and
	// transcript persistence.
	DatabaseDSN string `yaml:"database_dsn"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the external model backends used by the server.
type ProvidersConfig struct {
	LLM LLMConfig `yaml:"llm"`
	STT STTConfig `yaml:"stt"`
}

// LLMConfig configures the coaching LLM backend.
type LLMConfig struct {
	// Name selects the backend: "ollama", "openai", "anthropic", "gemini",
	// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
	// "openai-direct" uses the official OpenAI SDK instead of any-llm.
	Name string `yaml:"name"`

	// Model is the model identifier (e.g. "llama3.1:8b", "gpt-4o").
	Model string `yaml:"model"`

	// APIKey authenticates against hosted backends. Local backends ignore it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Fallbacks are additional backends tried in order when this one fails
	// or its circuit breaker is open. Nested fallbacks are ignored.
	Fallbacks []LLMConfig `yaml:"fallbacks"`
}

// STTConfig configures the whisper.cpp transcription backend.
type STTConfig struct {
	// ModelPath is the path to the ggml model file (e.g. "models/ggml-base.en.bin").
	ModelPath string `yaml:"model_path"`

	// Language is the BCP-47 language code for transcription. Default: "en".
	Language string `yaml:"language"`
}

// CaptureConfig tunes the `voxcoach talk` microphone pipeline.
type CaptureConfig struct {
	// InputFormat is the ffmpeg input format ("pulse", "alsa", "avfoundation").
	InputFormat string `yaml:"input_format"`

	// InputDevice is the device name passed to ffmpeg. Default: "default".
	InputDevice string `yaml:"input_device"`

	// SampleRate in Hz for captured PCM. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkInterval is the recorder chunk cadence. Default: 250ms.
	ChunkInterval time.Duration `yaml:"chunk_interval"`

	// PollInterval is the VAD poll cadence. Default: 16ms (≈60 Hz).
	PollInterval time.Duration `yaml:"poll_interval"`

	// MinUtteranceBytes is the floor below which a finalized segment is
	// dropped without upload. Default: 4096.
	MinUtteranceBytes int `yaml:"min_utterance_bytes"`
}

// VADConfig tunes the voice-activity detector.
type VADConfig struct {
	// Threshold is the RMS energy magnitude above which a frame counts as
	// voiced. Default: 0.014.
	Threshold float64 `yaml:"threshold"`

	// SilenceWindow is the continuous-silence duration after voice that
	// finishes an utterance. Clamped to [400ms, 2200ms]. Default: 850ms.
	SilenceWindow time.Duration `yaml:"silence_window"`
}

// ChatConfig configures the client side of the coaching conversation.
type ChatConfig struct {
	// ServerURL is the base URL of the voxcoach API server.
	ServerURL string `yaml:"server_url"`

	// Mode is the initial coaching mode. Default: coach.
	Mode string `yaml:"mode"`

	// SaveDebounce is the quiet window after the last log mutation before
	// the session is persisted. Default: 600ms.
	SaveDebounce time.Duration `yaml:"save_debounce"`
}
