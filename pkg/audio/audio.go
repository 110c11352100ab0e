// Package audio defines the types and interfaces for microphone capture in
// voxcoach.
//
// The two primary abstractions are:
//
//   - [Device] — acquires the microphone and returns a [Stream].
//   - [Stream] — an active capture session delivering PCM frames until stopped.
//
// Implementations are provided by adapter packages (e.g. audio/ffmpeg for a
// local microphone via an ffmpeg subprocess); test code uses the mock
// subpackage. The interfaces are intentionally narrow to keep the capture
// pipeline decoupled from how bytes reach it.
//
// This package lives under pkg/ because external capture adapters are
// expected to implement [Device] and [Stream].
package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is one recorder chunk of raw PCM flowing through the pipeline.
// Frames are ephemeral: they are appended to the current segment and
// inspected for energy, never persisted.
type Frame struct {
	// Data is raw 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 for the STT-optimised mono pipeline).
	SampleRate int

	// Channels is the channel count; the capture pipeline uses mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples converts the frame's PCM to float32 samples normalised to
// [-1.0, 1.0], down-mixing multi-channel audio by averaging. Any trailing
// odd byte is ignored.
func (f Frame) Samples() []float32 {
	ch := f.Channels
	if ch <= 1 {
		return pcmToFloat32(f.Data)
	}
	perChannel := len(f.Data) / (2 * ch)
	mono := make([]float32, perChannel)
	for i := range perChannel {
		var sum float32
		for c := range ch {
			idx := (i*ch + c) * 2
			sample := int16(binary.LittleEndian.Uint16(f.Data[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(ch)
	}
	return mono
}

func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// Utterance is one finalized recording segment: a contiguous span of captured
// audio bounded by silence (or by explicit stop). It exists only between
// segment cut and upload attempt.
type Utterance struct {
	// Data is the segment's accumulated PCM.
	Data []byte

	// Voiced reports whether any frame of the segment crossed the energy
	// threshold. Unvoiced segments are never uploaded.
	Voiced bool

	// SampleRate of the PCM data in Hz.
	SampleRate int

	// Start and End bound the segment on the capture timeline.
	Start time.Duration
	End   time.Duration
}

// Size returns the segment size in bytes.
func (u Utterance) Size() int { return len(u.Data) }

// DeviceError reports a microphone acquisition or hardware failure. It is the
// only error class that is fatal to the capture pipeline; callers must
// surface it to the user rather than retry silently.
type DeviceError struct {
	// Op names the failed operation ("acquire", "read").
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Stream is an active capture session on a device.
//
// Implementations must be safe for concurrent use: the pipeline reads frames
// from one goroutine while Stop may be called from another.
type Stream interface {
	// Frames returns the read-only channel delivering PCM frames as they are
	// captured. The channel is closed when the stream ends, whether by Stop
	// or by a device failure.
	Frames() <-chan Frame

	// Err returns the reason the frame channel closed, or nil for a clean
	// stop. Valid only after the Frames channel is closed.
	Err() error

	// Stop releases the device. It is idempotent; calls after the first are
	// no-ops and return the first call's result.
	Stop() error
}

// Device acquires the microphone.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Start acquires the device and begins capturing. The ctx governs the
	// lifetime of the stream; cancelling it releases the device. Failure to
	// acquire returns a [*DeviceError] and leaves no partial state.
	Start(ctx context.Context, cfg DeviceConfig) (Stream, error)
}

// DeviceConfig describes the audio format requested from a [Device].
type DeviceConfig struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int

	// Channels requested. Default: 1 (mono).
	Channels int

	// ChunkInterval is the cadence at which the device emits frames.
	// Default: 250ms.
	ChunkInterval time.Duration

	// Format and DeviceName are adapter-specific selectors (e.g. ffmpeg's
	// input format "pulse"/"alsa" and its device string).
	Format     string
	DeviceName string
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer goroutine when the data is no longer needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
