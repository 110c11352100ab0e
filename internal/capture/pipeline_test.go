package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxcoach/voxcoach/internal/vad"
	"github.com/voxcoach/voxcoach/pkg/audio"
	audiomock "github.com/voxcoach/voxcoach/pkg/audio/mock"
)

// loudPCM builds n bytes of 16-bit PCM well above the default RMS threshold.
func loudPCM(n int) []byte {
	b := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(int16(8000)))
	}
	return b
}

// quietPCM builds n bytes of silence.
func quietPCM(n int) []byte {
	return make([]byte, n)
}

type utteranceSink struct {
	mu     sync.Mutex
	utts   []audio.Utterance
	tokens []Token
	ch     chan audio.Utterance
}

func newSink() *utteranceSink {
	return &utteranceSink{ch: make(chan audio.Utterance, 16)}
}

func (s *utteranceSink) handle(u audio.Utterance, tok Token) {
	s.mu.Lock()
	s.utts = append(s.utts, u)
	s.tokens = append(s.tokens, tok)
	s.mu.Unlock()
	s.ch <- u
}

func (s *utteranceSink) lastToken() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[len(s.tokens)-1]
}

func (s *utteranceSink) wait(t *testing.T, timeout time.Duration) audio.Utterance {
	t.Helper()
	select {
	case u := <-s.ch:
		return u
	case <-time.After(timeout):
		t.Fatal("timed out waiting for utterance")
		return audio.Utterance{}
	}
}

func newTestPipeline(dev *audiomock.Device, sink *utteranceSink, onErr func(error)) *Pipeline {
	return New(Config{
		Device:            dev,
		DeviceConfig:      audio.DeviceConfig{SampleRate: 16000, Channels: 1},
		VAD:               vad.Config{SilenceWindow: 400 * time.Millisecond},
		PollInterval:      5 * time.Millisecond,
		MinUtteranceBytes: 4096,
		OnUtterance:       sink.handle,
		OnDeviceError:     onErr,
	})
}

func push(t *testing.T, s *audiomock.Stream, data []byte) {
	t.Helper()
	if !s.Push(audio.Frame{Data: data, SampleRate: 16000, Channels: 1}) {
		t.Fatal("push on stopped stream")
	}
}

func TestVoicedUtteranceDelivered(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	sink := newSink()
	p := newTestPipeline(dev, sink, nil)

	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.StopAll()

	stream := dev.LastStream()
	for range 5 {
		push(t, stream, loudPCM(1000))
	}

	u := sink.wait(t, 2*time.Second)
	if u.Size() != 5000 {
		t.Errorf("utterance size: want 5000, got %d", u.Size())
	}
	if !u.Voiced {
		t.Error("utterance must be marked voiced")
	}
}

func TestSmallVoicedBlobNeverUploaded(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	sink := newSink()
	p := newTestPipeline(dev, sink, nil)

	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.StopAll()

	// 2000 bytes of voiced audio: below the 4096 floor.
	push(t, dev.LastStream(), loudPCM(2000))

	select {
	case u := <-sink.ch:
		t.Fatalf("blob of %d bytes was uploaded despite the size floor", u.Size())
	case <-time.After(time.Second):
	}
}

func TestUnvoicedBlobNeverUploaded(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	sink := newSink()
	p := newTestPipeline(dev, sink, nil)

	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.StopAll()

	// 10000 quiet bytes never trip the detector, so force the cut.
	push(t, dev.LastStream(), quietPCM(10000))
	time.Sleep(50 * time.Millisecond)
	p.Flush()

	select {
	case u := <-sink.ch:
		t.Fatalf("unvoiced blob of %d bytes was uploaded", u.Size())
	case <-time.After(time.Second):
	}
}

func TestFlushFinalizesImmediately(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	sink := newSink()
	p := newTestPipeline(dev, sink, nil)

	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.StopAll()

	push(t, dev.LastStream(), loudPCM(6000))
	time.Sleep(50 * time.Millisecond) // well inside the silence window
	p.Flush()

	u := sink.wait(t, time.Second)
	if u.Size() != 6000 {
		t.Errorf("flushed size: want 6000, got %d", u.Size())
	}
}

func TestBoundaryOnFrameArrival(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	sink := newSink()
	p := New(Config{
		Device:            dev,
		DeviceConfig:      audio.DeviceConfig{SampleRate: 16000, Channels: 1},
		VAD:               vad.Config{SilenceWindow: 400 * time.Millisecond},
		PollInterval:      time.Hour, // the ticker must play no part here
		MinUtteranceBytes: 4096,
		OnUtterance:       sink.handle,
	})

	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.StopAll()

	stream := dev.LastStream()
	push(t, stream, loudPCM(5000))
	time.Sleep(500 * time.Millisecond) // past the silence window

	// The expiry is observed by this frame's arrival, not a poll tick. The
	// cut must happen here or the segment merges into the next utterance.
	push(t, stream, quietPCM(100))

	u := sink.wait(t, 2*time.Second)
	if u.Size() != 5100 {
		t.Errorf("utterance size: want 5100, got %d", u.Size())
	}
	if !u.Voiced {
		t.Error("utterance must be marked voiced")
	}
}

func TestContinuousCoverageAcrossBoundaries(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	sink := newSink()
	p := newTestPipeline(dev, sink, nil)

	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.StopAll()

	stream := dev.LastStream()

	push(t, stream, loudPCM(5000))
	first := sink.wait(t, 2*time.Second)

	push(t, stream, loudPCM(7000))
	second := sink.wait(t, 2*time.Second)

	if got := first.Size() + second.Size(); got != 12000 {
		t.Errorf("total captured bytes: want 12000, got %d — audio was lost between segments", got)
	}
}

func TestStopAllIdempotent(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	p := newTestPipeline(dev, newSink(), nil)

	// Safe before start.
	p.StopAll()

	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := dev.LastStream()

	p.StopAll()
	p.StopAll()

	if got := stream.Stops(); got != 1 {
		t.Errorf("stream.Stop called %d times, want exactly 1", got)
	}
}

func TestDeviceErrorOnStart(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{StartErr: errors.New("permission denied")}
	p := newTestPipeline(dev, newSink(), nil)

	err := p.StartListening(context.Background())
	var devErr *audio.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("want *audio.DeviceError, got %v", err)
	}

	// No partial state: a retry with a healthy device must work.
	dev.StartErr = nil
	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("retry after device error: %v", err)
	}
	p.StopAll()
}

func TestTokenGoesStaleOnStop(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	sink := newSink()
	p := newTestPipeline(dev, sink, nil)

	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	push(t, dev.LastStream(), loudPCM(5000))
	sink.wait(t, 2*time.Second)

	tok := sink.lastToken()
	if !tok.Live() {
		t.Fatal("token must be live while the pipeline runs")
	}
	p.StopAll()
	if tok.Live() {
		t.Fatal("token must go stale after StopAll")
	}
}

func TestDeviceFailureMidCapture(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	sink := newSink()
	errCh := make(chan error, 1)
	p := newTestPipeline(dev, sink, func(err error) { errCh <- err })

	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	readErr := &audio.DeviceError{Op: "read", Err: errors.New("device unplugged")}
	dev.LastStream().CloseFrames(readErr)

	select {
	case err := <-errCh:
		var devErr *audio.DeviceError
		if !errors.As(err, &devErr) {
			t.Fatalf("want *audio.DeviceError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device failure was never surfaced")
	}

	// The pipeline released its state; a fresh start must succeed.
	if err := p.StartListening(context.Background()); err != nil {
		t.Fatalf("restart after device failure: %v", err)
	}
	p.StopAll()
}
