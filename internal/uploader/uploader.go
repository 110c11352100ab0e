// Package uploader moves finished utterances from the capture pipeline to
// the transcription backend.
//
// Upload failures are never fatal to the capture session: the microphone
// keeps running, the failed utterance is logged and dropped, and the next
// one gets a fresh chance. Completions are delivered to the consumer only
// while their capture token is still live, so a transcript finishing after
// StopAll cannot leak into a stopped session.
package uploader

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxcoach/voxcoach/internal/capture"
	"github.com/voxcoach/voxcoach/internal/observe"
	"github.com/voxcoach/voxcoach/pkg/audio"
	"github.com/voxcoach/voxcoach/pkg/coach"
)

// defaultTimeout bounds one transcription round trip. Whisper on CPU can be
// slow for long utterances.
const defaultTimeout = 2 * time.Minute

// Transcriber is the remote transcription dependency. *client.Client
// satisfies this.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (coach.Transcript, error)
}

// Config holds the uploader's collaborators.
type Config struct {
	// Transcriber performs the upload. Required.
	Transcriber Transcriber

	// OnTranscript receives each successful transcription whose capture
	// token is still live. Required.
	OnTranscript func(coach.Transcript)

	// Timeout overrides the per-upload deadline. Default: 2m.
	Timeout time.Duration

	// Metrics records upload latency and stale completions. Nil disables.
	Metrics *observe.Metrics
}

// Uploader uploads utterances as they are cut. Safe for concurrent use; the
// capture pipeline invokes HandleUtterance from short-lived goroutines.
type Uploader struct {
	transcriber  Transcriber
	onTranscript func(coach.Transcript)
	timeout      time.Duration
	metrics      *observe.Metrics
}

// New creates an Uploader.
func New(cfg Config) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Uploader{
		transcriber:  cfg.Transcriber,
		onTranscript: cfg.OnTranscript,
		timeout:      cfg.Timeout,
		metrics:      cfg.Metrics,
	}
}

// HandleUtterance is the capture pipeline's utterance callback. It blocks
// for the duration of the upload, which is fine: the pipeline dispatches it
// on its own goroutine and keeps capturing meanwhile.
func (u *Uploader) HandleUtterance(utt audio.Utterance, tok capture.Token) {
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()

	start := time.Now()
	transcript, err := u.transcriber.Transcribe(ctx, utt.Data, utt.SampleRate)
	if u.metrics != nil {
		observe.RecordDuration(ctx, u.metrics.UploadDuration,
			time.Since(start).Seconds(), observe.StatusAttr(err))
	}
	if err != nil {
		slog.Warn("utterance upload failed, dropping segment",
			"err", err, "bytes", utt.Size(), "duration", time.Since(start))
		return
	}
	if transcript.RawText == "" {
		slog.Debug("empty transcription, nothing to coach", "bytes", utt.Size())
		return
	}

	// A completion may land after the session stopped or restarted; it must
	// not reach the consumer then.
	if !tok.Live() {
		slog.Debug("discarding stale transcription", "text_len", len(transcript.RawText))
		if u.metrics != nil && u.metrics.StaleCompletions != nil {
			u.metrics.StaleCompletions.Add(context.Background(), 1)
		}
		return
	}

	u.onTranscript(transcript)
}
