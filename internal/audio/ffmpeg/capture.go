// Package ffmpeg implements [audio.Device] by spawning an ffmpeg subprocess
// that reads the system microphone and emits raw s16le PCM on stdout. This is
// the only headless-portable capture route: pulse/alsa on Linux,
// avfoundation on macOS, dshow on Windows, selected via config.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxcoach/voxcoach/pkg/audio"
)

// startupGrace is how long ffmpeg gets to fail fast (bad device, permission
// denied) before we consider the capture started.
const startupGrace = 250 * time.Millisecond

// Device spawns ffmpeg for each capture session.
type Device struct {
	command string
}

var _ audio.Device = (*Device)(nil)

// New creates a Device using the given ffmpeg binary. An empty command means
// "ffmpeg" resolved from PATH.
func New(command string) *Device {
	if command == "" {
		command = "ffmpeg"
	}
	return &Device{command: command}
}

// Start implements audio.Device. It spawns ffmpeg and waits out a short grace
// period so that device-acquisition failures (no such device, permission
// denied) surface as a [*audio.DeviceError] here instead of as a truncated
// stream later. On any error the subprocess is fully reaped — no partial
// state survives a failed Start.
func (d *Device) Start(ctx context.Context, cfg audio.DeviceConfig) (audio.Stream, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 250 * time.Millisecond
	}
	if cfg.Format == "" {
		cfg.Format = "pulse"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.Format,
		"-i", cfg.DeviceName,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, d.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &audio.DeviceError{Op: "acquire", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &audio.DeviceError{Op: "acquire", Err: fmt.Errorf("start %s: %w", d.command, err)}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := strings.TrimSpace(stderr.String())
		if err == nil {
			err = errors.New("exited before capture started")
		}
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
		return nil, &audio.DeviceError{Op: "acquire", Err: err}
	case <-time.After(startupGrace):
	}

	// Bytes per chunk: sampleRate * channels * 2 bytes, scaled to the chunk
	// interval and rounded down to whole samples.
	chunkBytes := int(float64(cfg.SampleRate*cfg.Channels*2) * cfg.ChunkInterval.Seconds())
	chunkBytes -= chunkBytes % (2 * cfg.Channels)
	if chunkBytes < 2*cfg.Channels {
		chunkBytes = 2 * cfg.Channels
	}

	s := &stream{
		frames:  make(chan audio.Frame, 8),
		cancel:  func() { _ = cmd.Cancel() },
		waitErr: waitErr,
	}
	go s.readLoop(stdout, cfg, chunkBytes)
	return s, nil
}

type stream struct {
	frames  chan audio.Frame
	cancel  func()
	waitErr <-chan error

	mu       sync.Mutex
	err      error
	stopping bool

	stopOnce sync.Once
	stopErr  error
}

var _ audio.Stream = (*stream)(nil)

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop kills ffmpeg and waits for it to be reaped. Idempotent: subsequent
// calls return the first result without side effects.
func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		s.cancel()
		err := <-s.waitErr
		// A non-zero exit is the normal outcome of killing ffmpeg; anything
		// else (a failed wait) is worth reporting.
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.stopErr = fmt.Errorf("ffmpeg: reap capture process: %w", err)
		}
	})
	return s.stopErr
}

// readLoop pumps fixed-size PCM chunks from ffmpeg stdout onto the frame
// channel until the process exits or Stop kills it.
func (s *stream) readLoop(stdout io.ReadCloser, cfg audio.DeviceConfig, chunkBytes int) {
	defer close(s.frames)

	start := time.Now()
	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			s.frames <- audio.Frame{
				Data:       buf[:n],
				SampleRate: cfg.SampleRate,
				Channels:   cfg.Channels,
				Timestamp:  time.Since(start),
			}
		}
		if err != nil {
			s.mu.Lock()
			// A read error during an explicit Stop is the expected pipe
			// teardown, not a device failure.
			if !s.stopping && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.err = &audio.DeviceError{Op: "read", Err: err}
			}
			s.mu.Unlock()
			return
		}
	}
}
