// Package mock provides scripted [audio.Device] and [audio.Stream]
// implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxcoach/voxcoach/pkg/audio"
)

// Device is a scripted audio.Device. If StartErr is non-nil, Start fails with
// a DeviceError wrapping it; otherwise Start returns a fresh [Stream] that
// the test drives via Push and CloseFrames.
type Device struct {
	StartErr error

	mu      sync.Mutex
	streams []*Stream
	starts  int
}

var _ audio.Device = (*Device)(nil)

// Start implements audio.Device.
func (d *Device) Start(_ context.Context, _ audio.DeviceConfig) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.StartErr != nil {
		return nil, &audio.DeviceError{Op: "acquire", Err: d.StartErr}
	}
	s := newStream()
	d.streams = append(d.streams, s)
	return s, nil
}

// Starts returns how many times Start was called.
func (d *Device) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// LastStream returns the most recently started stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Stream is a test-driven audio.Stream.
type Stream struct {
	frames chan audio.Frame

	mu       sync.Mutex
	stopped  bool
	stops    int
	closedCh bool
	err      error
}

var _ audio.Stream = (*Stream)(nil)

func newStream() *Stream {
	return &Stream{frames: make(chan audio.Frame, 64)}
}

// Push delivers a frame to the pipeline. Returns false if the stream was
// already stopped.
func (s *Stream) Push(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedCh {
		return false
	}
	s.frames <- f
	return true
}

// CloseFrames closes the frame channel with the given terminal error
// (nil for a clean end).
func (s *Stream) CloseFrames(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedCh {
		return
	}
	s.err = err
	s.closedCh = true
	close(s.frames)
}

// Frames implements audio.Stream.
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Err implements audio.Stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop implements audio.Stream. It closes the frame channel and counts calls
// so tests can assert idempotence.
func (s *Stream) Stop() error {
	s.mu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	s.stops++
	s.mu.Unlock()

	if !alreadyStopped {
		s.CloseFrames(nil)
	}
	return nil
}

// Stops returns how many times Stop was called.
func (s *Stream) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Stopped reports whether Stop was called at least once.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
