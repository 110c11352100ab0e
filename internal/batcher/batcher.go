// Package batcher turns arbitrarily-timed transcript arrivals into batched
// coaching requests, with three guarantees:
//
//   - single-flight: at most one coaching request is outstanding at any time;
//   - no lost input: every transcript is either part of an in-flight batch or
//     waiting in the pending queue;
//   - order: the message log appends strictly in arrival/completion order,
//     and each assistant message immediately follows exactly the user
//     messages of the batch that produced it.
//
// Draining is an explicit loop in the flush goroutine, not recursion, so a
// long session cannot grow the stack. Completion handlers are guarded by a
// generation counter: a reply landing after Clear discards itself instead of
// mutating the new session's log.
package batcher

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxcoach/voxcoach/internal/observe"
	"github.com/voxcoach/voxcoach/pkg/coach"
)

// DefaultSaveDebounce is the quiet window after the last log mutation before
// the session is persisted.
const DefaultSaveDebounce = 600 * time.Millisecond

// saveTimeout bounds a single persistence write.
const saveTimeout = 10 * time.Second

// CoachService is the slow external collaborator that turns batched text
// into a structured coaching reply.
type CoachService interface {
	Teach(ctx context.Context, text string, mode coach.Mode, chatKey string) (coach.TeachResult, error)
}

// SessionStore persists the ordered message log under an opaque session key.
// *client.Client satisfies this.
type SessionStore interface {
	SaveChat(ctx context.Context, key string, messages []coach.ChatMessage) error
}

// Config holds the batcher's collaborators and tuning knobs.
type Config struct {
	// Service performs coaching requests. Required.
	Service CoachService

	// Store persists the message log. Required.
	Store SessionStore

	// Mode is the initial coaching mode. Default: coach.
	Mode coach.Mode

	// SessionKey seeds the session. Empty means a fresh key is generated.
	SessionKey string

	// SaveDebounce overrides the persistence quiet window. Default: 600ms.
	SaveDebounce time.Duration

	// Metrics records flush/save/stale counters. Nil disables recording.
	Metrics *observe.Metrics

	// OnReply is invoked with each assistant message appended to the log,
	// outside the batcher's lock. Optional.
	OnReply func(coach.ChatMessage)
}

// Batcher is the coaching-request state machine. All exported methods are
// safe for concurrent use; internally a mutex serialises the transcript
// arrival path and the flush completion path, and a generation counter
// protects against logically stale completions.
type Batcher struct {
	svc     CoachService
	store   SessionStore
	metrics *observe.Metrics
	onReply func(coach.ChatMessage)

	debounced func(func())

	mu         sync.Mutex
	sessionKey string
	mode       coach.Mode
	messages   []coach.ChatMessage
	queue      []string
	inFlight   bool
	gen        uint64
}

// New creates a Batcher.
func New(cfg Config) *Batcher {
	if cfg.Mode == "" {
		cfg.Mode = coach.ModeCoach
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = uuid.NewString()
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = DefaultSaveDebounce
	}
	return &Batcher{
		svc:        cfg.Service,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		onReply:    cfg.OnReply,
		debounced:  debounce.New(cfg.SaveDebounce),
		sessionKey: cfg.SessionKey,
		mode:       cfg.Mode,
	}
}

// OnTranscript ingests one transcript: it appends the user message, enqueues
// the text, and — when no request is outstanding — starts a flush. While a
// request is outstanding the text only queues; the drain loop picks it up
// when the request completes.
func (b *Batcher) OnTranscript(t coach.Transcript) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := coach.ChatMessage{
		ID:        uuid.NewString(),
		Role:      coach.RoleUser,
		Text:      t.RawText,
		Timestamp: time.Now(),
	}
	if t.ID != 0 {
		msg.AudioRef = strconv.FormatInt(t.ID, 10)
	}
	b.messages = append(b.messages, msg)
	b.queue = append(b.queue, t.RawText)
	b.scheduleSaveLocked()

	if !b.inFlight {
		b.inFlight = true
		go b.drain(b.gen)
	}
}

// drain is the flush loop: grab the whole queue, call the coaching service,
// append exactly one assistant message, repeat until the queue is empty.
// The queue is cleared before the call, so transcripts arriving during the
// request accumulate for the next round trip.
func (b *Batcher) drain(gen uint64) {
	for {
		b.mu.Lock()
		if b.gen != gen {
			b.mu.Unlock()
			return
		}
		if len(b.queue) == 0 {
			b.inFlight = false
			b.mu.Unlock()
			return
		}
		batch := strings.Join(b.queue, "\n")
		count := len(b.queue)
		b.queue = nil
		mode := b.mode
		key := b.sessionKey
		b.mu.Unlock()

		// Deliberately not tied to any session context: StopAll and Clear
		// let in-flight requests finish; the generation check below decides
		// whether the completion may still touch state.
		start := time.Now()
		res, err := b.svc.Teach(context.Background(), batch, mode, key)
		b.recordFlush(count, time.Since(start), err)

		text := res.DisplayText()
		if err != nil {
			text = "coaching request failed: " + err.Error()
			slog.Warn("coach request failed", "err", err, "session_key", key)
		}

		b.mu.Lock()
		if b.gen != gen {
			b.mu.Unlock()
			b.recordStale()
			return
		}
		reply := coach.ChatMessage{
			ID:        uuid.NewString(),
			Role:      coach.RoleAssistant,
			Text:      text,
			Timestamp: time.Now(),
		}
		b.messages = append(b.messages, reply)
		b.scheduleSaveLocked()
		b.mu.Unlock()

		if b.onReply != nil {
			b.onReply(reply)
		}
	}
}

// Clear abandons the current session: it allocates a brand-new session key,
// resets the in-memory log, queue, and in-flight flag, and bumps the
// generation so any outstanding completion discards itself. The old session's
// stored log is never touched. A best-effort write of the empty log is
// issued under the new key without blocking or retrying.
func (b *Batcher) Clear() string {
	b.mu.Lock()
	b.gen++
	b.sessionKey = uuid.NewString()
	b.messages = nil
	b.queue = nil
	b.inFlight = false
	key := b.sessionKey
	b.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := b.store.SaveChat(ctx, key, nil); err != nil {
			slog.Debug("initial save for cleared session failed", "err", err, "session_key", key)
		}
	}()

	slog.Info("session cleared", "session_key", key)
	return key
}

// SetMode changes the coaching mode. Prospective only: the mode is read once
// per flush, at flush time, so already-queued-but-unsent text flushes under
// the new mode, and an in-flight batch keeps the mode it was sent with.
func (b *Batcher) SetMode(m coach.Mode) {
	if !m.IsValid() {
		return
	}
	b.mu.Lock()
	b.mode = m
	b.mu.Unlock()
}

// Mode returns the current coaching mode.
func (b *Batcher) Mode() coach.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// SessionKey returns the current opaque session key.
func (b *Batcher) SessionKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionKey
}

// Messages returns a copy of the current message log.
func (b *Batcher) Messages() []coach.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]coach.ChatMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// Restore replaces the in-memory log, e.g. with history loaded at startup.
// It does not persist; the log is already durable under this key.
func (b *Batcher) Restore(key string, messages []coach.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.sessionKey = key
	b.messages = append([]coach.ChatMessage(nil), messages...)
	b.queue = nil
	b.inFlight = false
}

// scheduleSaveLocked arms the debounced persistence write. Every mutation
// resets the timer; the save fires once the log has been quiet for the
// configured window, coalescing bursts into one write. Caller holds b.mu.
func (b *Batcher) scheduleSaveLocked() {
	b.debounced(b.persist)
}

// persist snapshots the log and writes it. Runs on the debounce timer
// goroutine, after the quiet window, so it snapshots whatever the log looks
// like at fire time — including a session that was cleared meanwhile.
func (b *Batcher) persist() {
	b.mu.Lock()
	key := b.sessionKey
	msgs := make([]coach.ChatMessage, len(b.messages))
	copy(msgs, b.messages)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	err := b.store.SaveChat(ctx, key, msgs)
	if err != nil {
		slog.Warn("session save failed", "err", err, "session_key", key)
	}
	if b.metrics != nil && b.metrics.SessionSaves != nil {
		b.metrics.SessionSaves.Add(context.Background(), 1,
			metric.WithAttributes(observe.StatusAttr(err)))
	}
}

func (b *Batcher) recordFlush(count int, d time.Duration, err error) {
	if b.metrics == nil {
		return
	}
	ctx := context.Background()
	if b.metrics.BatchFlushes != nil {
		b.metrics.BatchFlushes.Add(ctx, 1, metric.WithAttributes(observe.StatusAttr(err)))
	}
	if b.metrics.BatchedTexts != nil {
		b.metrics.BatchedTexts.Record(ctx, int64(count))
	}
	observe.RecordDuration(ctx, b.metrics.CoachDuration, d.Seconds(), attribute.String("status", statusOf(err)))
}

func (b *Batcher) recordStale() {
	if b.metrics != nil && b.metrics.StaleCompletions != nil {
		b.metrics.StaleCompletions.Add(context.Background(), 1)
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
