// Package capture owns the microphone side of the voxcoach pipeline: it
// acquires the audio device, keeps a rolling recording segment, polls the
// voice-activity detector, and cuts the stream into discrete utterances.
//
// The pipeline's core invariant is continuous coverage: when a boundary
// fires, the current segment is finalized and the next segment starts in the
// same loop iteration, so no audio between the boundary decision and the next
// segment start is ever lost.
//
// A single goroutine owns all segment and detector state; StartListening and
// StopAll only manage that goroutine's lifecycle. Utterance handlers run on
// their own goroutines and receive a [Token] they must consult before
// mutating shared state, so completions that outlive a stop are discarded
// instead of corrupting a later session.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxcoach/voxcoach/internal/observe"
	"github.com/voxcoach/voxcoach/internal/vad"
	"github.com/voxcoach/voxcoach/pkg/audio"
)

// ErrAlreadyListening is returned by StartListening when the pipeline is
// already running.
var ErrAlreadyListening = errors.New("capture: already listening")

// DefaultPollInterval is the VAD evaluation cadence (≈60 Hz).
const DefaultPollInterval = 16 * time.Millisecond

// DefaultMinUtteranceBytes is the floor below which a finalized segment is
// dropped without upload.
const DefaultMinUtteranceBytes = 4096

// Token is the liveness token handed to utterance handlers. A completion
// arriving after the pipeline stopped (or restarted) observes Live()==false
// and must discard its result.
type Token struct {
	p   *Pipeline
	gen uint64
}

// Live reports whether the pipeline generation that issued this token is
// still the active one.
func (t Token) Live() bool {
	if t.p == nil {
		return false
	}
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	return t.p.running && t.p.gen == t.gen
}

// Config holds the pipeline's collaborators and tuning knobs.
type Config struct {
	// Device acquires the microphone. Required.
	Device audio.Device

	// DeviceConfig is passed to Device.Start.
	DeviceConfig audio.DeviceConfig

	// VAD configures the boundary detector.
	VAD vad.Config

	// PollInterval is the VAD evaluation cadence. Default: 16ms.
	PollInterval time.Duration

	// MinUtteranceBytes is the minimum segment size worth uploading.
	// Default: 4096.
	MinUtteranceBytes int

	// OnUtterance receives each finalized segment that passed the size and
	// voiced gates. It is invoked on a fresh goroutine; implementations must
	// check tok.Live() before mutating shared state after slow operations.
	OnUtterance func(u audio.Utterance, tok Token)

	// OnDeviceError is invoked once if the device fails mid-capture. The
	// pipeline has already released its resources when this fires.
	OnDeviceError func(err error)

	// Metrics records drop and stale counters. Nil disables recording.
	Metrics *observe.Metrics
}

// Pipeline cuts continuous microphone audio into utterances. All exported
// methods are safe for concurrent use.
type Pipeline struct {
	cfg Config

	mu      sync.Mutex
	running bool
	gen     uint64
	stream  audio.Stream
	cancel  context.CancelFunc
	flushCh chan struct{}
	done    chan struct{}
}

// New creates a Pipeline. Zero-valued knobs get defaults.
func New(cfg Config) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MinUtteranceBytes <= 0 {
		cfg.MinUtteranceBytes = DefaultMinUtteranceBytes
	}
	return &Pipeline{cfg: cfg}
}

// StartListening acquires the microphone, begins a new recording segment,
// and starts VAD polling. A device acquisition failure is fatal to the
// session: it is returned as a [*audio.DeviceError] and no partial state is
// left behind.
func (p *Pipeline) StartListening(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyListening
	}
	// Reserve the slot before the (slow) device acquisition so concurrent
	// starts fail fast instead of racing for the device.
	p.running = true
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := p.cfg.Device.Start(loopCtx, p.cfg.DeviceConfig)
	if err != nil {
		cancel()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	flushCh := make(chan struct{}, 1)

	p.mu.Lock()
	p.stream = stream
	p.cancel = cancel
	p.flushCh = flushCh
	p.done = done
	p.mu.Unlock()

	go p.loop(loopCtx, stream, flushCh, done, gen)

	slog.Info("capture started",
		"poll_interval", p.cfg.PollInterval,
		"min_utterance_bytes", p.cfg.MinUtteranceBytes,
	)
	return nil
}

// Flush finalizes the current segment immediately, as if a boundary had
// fired, and starts the next segment. No-op when the pipeline is stopped.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	ch := p.flushCh
	running := p.running
	p.mu.Unlock()
	if !running || ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default: // a flush is already pending
	}
}

// StopAll releases the device, stops polling, and discards any unflushed
// in-progress segment. It is idempotent and safe to call before
// StartListening; repeat calls produce no additional side effects. Spawned
// utterance handlers are not cancelled — their tokens simply go stale.
func (p *Pipeline) StopAll() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.gen++
	stream := p.stream
	cancel := p.cancel
	done := p.done
	p.stream = nil
	p.cancel = nil
	p.flushCh = nil
	p.done = nil
	p.mu.Unlock()

	cancel()
	if err := stream.Stop(); err != nil {
		slog.Warn("capture stream stop", "err", err)
	}
	<-done

	slog.Info("capture stopped")
}

// loop is the single owner of segment and detector state. Arriving frames
// are appended to the current segment and fed to the detector as they land;
// the ticker polls the detector for silence-window expiry between frames.
func (p *Pipeline) loop(ctx context.Context, stream audio.Stream, flushCh <-chan struct{}, done chan<- struct{}, gen uint64) {
	defer close(done)

	det := vad.New(p.cfg.VAD)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var (
		segment   []byte
		segStart  time.Duration
		segEnd    time.Duration
		haveStart bool
	)

	cut := func(reason string) {
		u := audio.Utterance{
			Data:       segment,
			Voiced:     det.VoiceSeen(),
			SampleRate: p.cfg.DeviceConfig.SampleRate,
			Start:      segStart,
			End:        segEnd,
		}
		// A new segment starts immediately; the slices above now belong to
		// the utterance.
		segment = nil
		haveStart = false
		det.Reset()

		switch {
		case u.Size() < p.cfg.MinUtteranceBytes:
			p.dropUtterance("too_small", u)
		case !u.Voiced:
			p.dropUtterance("unvoiced", u)
		default:
			slog.Debug("utterance finalized", "reason", reason, "bytes", u.Size())
			if p.cfg.OnUtterance != nil {
				go p.cfg.OnUtterance(u, Token{p: p, gen: gen})
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Stop path: the unflushed segment is discarded by contract.
			audio.Drain(stream.Frames())
			return

		case f, ok := <-stream.Frames():
			if !ok {
				// Device went away mid-capture. Release our own state, then
				// surface the failure.
				err := stream.Err()
				go p.failed(gen, err)
				return
			}
			if !haveStart {
				segStart = f.Timestamp
				haveStart = true
			}
			segEnd = f.Timestamp
			segment = append(segment, f.Data...)
			// Frames carry the energy, but the silence window can also
			// expire on a frame-arrival observation. Missing that here
			// would zero lastVoiceAt without a cut and merge the utterance
			// into the next one.
			if _, fired := det.Observe(f.Samples(), time.Now()); fired {
				cut("boundary")
			}

		case now := <-ticker.C:
			if _, fired := det.Observe(nil, now); fired {
				cut("boundary")
			}

		case <-flushCh:
			cut("flush")
		}
	}
}

// failed transitions the pipeline to stopped after a mid-capture device
// failure and notifies the owner. Runs outside the loop goroutine so the
// loop's done channel closes first.
func (p *Pipeline) failed(gen uint64, err error) {
	p.mu.Lock()
	if !p.running || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.gen++
	cancel := p.cancel
	p.stream = nil
	p.cancel = nil
	p.flushCh = nil
	p.done = nil
	p.mu.Unlock()

	cancel()
	if err == nil {
		err = &audio.DeviceError{Op: "read", Err: errors.New("stream ended unexpectedly")}
	}
	slog.Error("capture device failed", "err", err)
	if p.cfg.OnDeviceError != nil {
		p.cfg.OnDeviceError(err)
	}
}

func (p *Pipeline) dropUtterance(reason string, u audio.Utterance) {
	slog.Debug("utterance dropped", "reason", reason, "bytes", u.Size())
	if p.cfg.Metrics != nil && p.cfg.Metrics.UtterancesDropped != nil {
		p.cfg.Metrics.UtterancesDropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}
