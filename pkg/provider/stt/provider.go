// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Unlike a live-captioning system, the coaching pipeline works on complete
// utterances: the capture side accumulates one segment of speech and hands
// the whole blob over at once. Providers therefore expose a single buffered
// Transcribe call rather than a streaming session.
//
// Implementations must be safe for concurrent use; several utterances may be
// in flight at the same time.
package stt

import (
	"context"
	"regexp"
	"strings"
)

// AudioConfig describes the raw PCM handed to Transcribe. Audio is 16-bit
// little-endian signed PCM.
type AudioConfig struct {
	// SampleRate in Hz. STT models generally want 16000.
	SampleRate int

	// Channels is 1 or 2. Providers downmix stereo internally.
	Channels int

	// Language is the recognition language code (e.g. "en"). Empty lets the
	// provider auto-detect, if supported.
	Language string
}

// Result is the outcome of transcribing one utterance.
type Result struct {
	// RawText is the model's direct output, with whatever punctuation and
	// casing it chose to produce.
	RawText string

	// LiteralText is RawText lowercased with punctuation stripped, to undo
	// the model's "polish" when comparing against what was actually said.
	LiteralText string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe runs recognition over one complete utterance of raw PCM.
	// An utterance with no detectable speech yields a Result with empty
	// RawText, not an error.
	Transcribe(ctx context.Context, pcm []byte, cfg AudioConfig) (Result, error)
}

var punctRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// Literalize lowercases text and strips punctuation, collapsing the
// resulting whitespace. Providers use it to derive Result.LiteralText.
func Literalize(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = punctRe.ReplaceAllString(t, " ")
	return strings.Join(strings.Fields(t), " ")
}
