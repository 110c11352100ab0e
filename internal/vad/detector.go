// Package vad implements energy-based voice activity detection for the
// capture pipeline. A [Detector] consumes fixed-size windows of normalised
// PCM samples at the poll cadence and reports utterance boundaries once
// continuous silence has followed speech for the configured window.
//
// The detector is stateful and single-stream: one Detector per recording
// segment, reset via [Detector.Reset] when a new segment starts. It performs
// no allocation or blocking in Observe, making it safe to call from the
// pipeline's poll loop.
package vad

import (
	"math"
	"time"
)

// Detection thresholds. SilenceWindow values outside [MinSilenceWindow,
// MaxSilenceWindow] are clamped by [New].
const (
	DefaultThreshold     = 0.014
	DefaultSilenceWindow = 850 * time.Millisecond
	MinSilenceWindow     = 400 * time.Millisecond
	MaxSilenceWindow     = 2200 * time.Millisecond
)

// Config holds the parameters for a Detector.
type Config struct {
	// Threshold is the RMS energy magnitude at or above which a frame is
	// classified as voiced. The unit is the normalised PCM sample scale
	// ([-1, 1]), so usable values are small. Default: 0.014.
	Threshold float64

	// SilenceWindow is how long silence must persist after the last voiced
	// frame before a boundary is emitted. Clamped to [400ms, 2200ms].
	// Default: 850ms.
	SilenceWindow time.Duration
}

// Boundary is an utterance-boundary event. It is emitted at poll granularity:
// At is the timestamp of the poll tick on which the silence window was first
// observed to have elapsed, i.e. lastVoice+window rounded up to the tick.
type Boundary struct {
	// At is the poll timestamp at which the boundary fired.
	At time.Time

	// LastVoice is the timestamp of the last voiced frame of the utterance.
	LastVoice time.Time
}

// Detector turns a stream of audio energy observations into utterance
// boundaries. Not safe for concurrent use; the capture pipeline owns it and
// calls it from a single poll goroutine.
type Detector struct {
	threshold float64
	window    time.Duration

	lastVoice time.Time
	voiceSeen bool
}

// New creates a Detector, applying defaults for zero-valued config fields and
// clamping the silence window into its allowed range.
func New(cfg Config) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	switch {
	case cfg.SilenceWindow == 0:
		cfg.SilenceWindow = DefaultSilenceWindow
	case cfg.SilenceWindow < MinSilenceWindow:
		cfg.SilenceWindow = MinSilenceWindow
	case cfg.SilenceWindow > MaxSilenceWindow:
		cfg.SilenceWindow = MaxSilenceWindow
	}
	return &Detector{threshold: cfg.Threshold, window: cfg.SilenceWindow}
}

// SilenceWindow returns the effective (clamped) silence window.
func (d *Detector) SilenceWindow() time.Duration { return d.window }

// Observe processes one frame of normalised PCM samples observed at time now
// and reports whether an utterance boundary fired on this tick.
//
// If the frame's RMS energy meets the threshold, the voiced clock restarts.
// A boundary fires only when voice has been observed at least once and the
// silence that followed it exceeds the window — a stream that never crosses
// the threshold never produces a boundary, so a silent caller is never cut
// into empty utterances.
func (d *Detector) Observe(frame []float32, now time.Time) (Boundary, bool) {
	if RMS(frame) >= d.threshold {
		d.lastVoice = now
		d.voiceSeen = true
		return Boundary{}, false
	}

	if d.lastVoice.IsZero() {
		return Boundary{}, false
	}
	if now.Sub(d.lastVoice) > d.window {
		b := Boundary{At: now, LastVoice: d.lastVoice}
		d.lastVoice = time.Time{}
		return b, true
	}
	return Boundary{}, false
}

// VoiceSeen reports whether any frame of the current utterance was voiced.
// Segments finalized without voice are dropped by the pipeline.
func (d *Detector) VoiceSeen() bool { return d.voiceSeen }

// Reset clears all detection state for the next recording segment.
func (d *Detector) Reset() {
	d.lastVoice = time.Time{}
	d.voiceSeen = false
}

// RMS computes the root-mean-square energy of a frame. An empty frame has
// zero energy.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
