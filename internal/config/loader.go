package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/voxcoach/voxcoach/pkg/coach"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for coherent values, fills defaults for zero-valued
// tuning knobs, and clamps the silence window into its allowed range.
// It returns a joined error listing all hard failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	} else if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}

	if cfg.Chat.Mode == "" {
		cfg.Chat.Mode = string(coach.ModeCoach)
	} else if !coach.Mode(cfg.Chat.Mode).IsValid() {
		errs = append(errs, fmt.Errorf("chat.mode %q is invalid; valid values: coach, strict, correct", cfg.Chat.Mode))
	}
	if cfg.Chat.SaveDebounce <= 0 {
		cfg.Chat.SaveDebounce = DefaultSaveDebounce
	}

	if cfg.VAD.Threshold < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold must not be negative, got %v", cfg.VAD.Threshold))
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = DefaultRMSThreshold
	}
	switch {
	case cfg.VAD.SilenceWindow == 0:
		cfg.VAD.SilenceWindow = DefaultSilenceWindow
	case cfg.VAD.SilenceWindow < MinSilenceWindow:
		cfg.VAD.SilenceWindow = MinSilenceWindow
	case cfg.VAD.SilenceWindow > MaxSilenceWindow:
		cfg.VAD.SilenceWindow = MaxSilenceWindow
	}

	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = DefaultSampleRate
	}
	if cfg.Capture.ChunkInterval <= 0 {
		cfg.Capture.ChunkInterval = DefaultChunkInterval
	}
	if cfg.Capture.PollInterval <= 0 {
		cfg.Capture.PollInterval = DefaultPollInterval
	}
	if cfg.Capture.MinUtteranceBytes <= 0 {
		cfg.Capture.MinUtteranceBytes = DefaultMinUtteranceBytes
	}
	if cfg.Capture.InputDevice == "" {
		cfg.Capture.InputDevice = "default"
	}

	if cfg.Providers.STT.Language == "" {
		cfg.Providers.STT.Language = "en"
	}

	return errors.Join(errs...)
}
