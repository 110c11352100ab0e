package batcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxcoach/voxcoach/pkg/coach"
)

type teachCall struct {
	text string
	mode coach.Mode
	key  string
}

// fakeCoach records every Teach call. When release is non-nil each call
// blocks until one token is received, letting tests hold a request in flight.
type fakeCoach struct {
	mu      sync.Mutex
	calls   []teachCall
	started chan struct{}
	release chan struct{}
	err     error
	reply   string
}

func (f *fakeCoach) Teach(ctx context.Context, text string, mode coach.Mode, key string) (coach.TeachResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, teachCall{text: text, mode: mode, key: key})
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return coach.TeachResult{}, f.err
	}
	reply := f.reply
	if reply == "" {
		reply = "got: " + text
	}
	return coach.TeachResult{Reply: reply}, nil
}

func (f *fakeCoach) snapshot() []teachCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]teachCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type saveCall struct {
	key  string
	size int
	at   time.Time
}

type fakeStore struct {
	mu    sync.Mutex
	saves []saveCall
}

func (f *fakeStore) SaveChat(ctx context.Context, key string, messages []coach.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, saveCall{key: key, size: len(messages), at: time.Now()})
	return nil
}

func (f *fakeStore) snapshot() []saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]saveCall, len(f.saves))
	copy(out, f.saves)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func transcript(text string) coach.Transcript {
	return coach.Transcript{RawText: text}
}

func TestSingleFlightBatching(t *testing.T) {
	t.Parallel()

	svc := &fakeCoach{started: make(chan struct{}, 4), release: make(chan struct{})}
	b := New(Config{Service: svc, Store: &fakeStore{}})

	b.OnTranscript(transcript("one"))
	<-svc.started // first request is in flight

	// These arrive while the request is outstanding: they must queue, not
	// trigger concurrent requests.
	b.OnTranscript(transcript("two"))
	b.OnTranscript(transcript("three"))

	svc.release <- struct{}{} // complete first
	<-svc.started             // drain loop sends the second batch
	svc.release <- struct{}{}

	waitFor(t, 2*time.Second, func() bool {
		return len(svc.snapshot()) == 2 && len(b.Messages()) == 5
	})

	calls := svc.snapshot()
	if len(calls) != 2 {
		t.Fatalf("want exactly 2 coach calls, got %d", len(calls))
	}
	if calls[0].text != "one" {
		t.Errorf("first batch: want %q, got %q", "one", calls[0].text)
	}
	if calls[1].text != "two\nthree" {
		t.Errorf("second batch: want queued texts joined by newline, got %q", calls[1].text)
	}
}

func TestMessageLogOrdering(t *testing.T) {
	t.Parallel()

	svc := &fakeCoach{}
	b := New(Config{Service: svc, Store: &fakeStore{}})

	b.OnTranscript(transcript("hello"))
	waitFor(t, 2*time.Second, func() bool { return len(b.Messages()) == 2 })

	msgs := b.Messages()
	if msgs[0].Role != coach.RoleUser || msgs[0].Text != "hello" {
		t.Errorf("first message: want user %q, got %s %q", "hello", msgs[0].Role, msgs[0].Text)
	}
	if msgs[1].Role != coach.RoleAssistant {
		t.Errorf("second message: want assistant, got %s", msgs[1].Role)
	}
	if msgs[1].Text != "got: hello" {
		t.Errorf("assistant text: got %q", msgs[1].Text)
	}
}

func TestFailedFlushAppendsErrorMessage(t *testing.T) {
	t.Parallel()

	svc := &fakeCoach{err: errors.New("connection refused")}
	b := New(Config{Service: svc, Store: &fakeStore{}})

	b.OnTranscript(transcript("hello"))
	waitFor(t, 2*time.Second, func() bool { return len(b.Messages()) == 2 })

	msgs := b.Messages()
	if msgs[1].Role != coach.RoleAssistant {
		t.Fatalf("want assistant message on failure, got %s", msgs[1].Role)
	}
	if !strings.Contains(msgs[1].Text, "connection refused") {
		t.Errorf("error message must surface the cause, got %q", msgs[1].Text)
	}

	// The batcher must recover: the next transcript flushes normally.
	svc.err = nil
	b.OnTranscript(transcript("again"))
	waitFor(t, 2*time.Second, func() bool { return len(b.Messages()) == 4 })
}

func TestDebouncedPersistence(t *testing.T) {
	t.Parallel()

	const window = 150 * time.Millisecond

	store := &fakeStore{}
	svc := &fakeCoach{started: make(chan struct{}, 8), release: make(chan struct{})}
	b := New(Config{Service: svc, Store: store, SaveDebounce: window})

	// Five rapid mutations. The coach request is held open so completions
	// don't add extra mutations mid-burst.
	var last time.Time
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		b.OnTranscript(transcript(text))
		last = time.Now()
		time.Sleep(10 * time.Millisecond)
	}
	<-svc.started

	waitFor(t, 2*time.Second, func() bool { return len(store.snapshot()) >= 1 })
	saves := store.snapshot()
	if len(saves) != 1 {
		t.Fatalf("five rapid mutations: want exactly 1 save, got %d", len(saves))
	}
	if got := saves[0].at.Sub(last); got < window {
		t.Errorf("save fired %v after last mutation, want at least %v", got, window)
	}
	if saves[0].size != 5 {
		t.Errorf("save captured %d messages, want the full log of 5", saves[0].size)
	}

	close(svc.release)
}

func TestClearStartsFreshSession(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	b := New(Config{Service: &fakeCoach{}, Store: store})

	b.OnTranscript(transcript("hello"))
	waitFor(t, 2*time.Second, func() bool { return len(b.Messages()) == 2 })

	oldKey := b.SessionKey()
	newKey := b.Clear()

	if newKey == oldKey {
		t.Fatal("clear must allocate a new session key")
	}
	if newKey != b.SessionKey() {
		t.Fatal("returned key must match the live session key")
	}
	if len(b.Messages()) != 0 {
		t.Fatalf("log after clear: want empty, got %d messages", len(b.Messages()))
	}

	// Best-effort empty write under the new key only.
	waitFor(t, 2*time.Second, func() bool {
		for _, s := range store.snapshot() {
			if s.key == newKey && s.size == 0 {
				return true
			}
		}
		return false
	})
}

func TestClearDuringOutstandingRequest(t *testing.T) {
	t.Parallel()

	svc := &fakeCoach{started: make(chan struct{}, 4), release: make(chan struct{})}
	b := New(Config{Service: svc, Store: &fakeStore{}})

	b.OnTranscript(transcript("old session text"))
	<-svc.started

	b.Clear()
	svc.release <- struct{}{} // late completion for the abandoned session

	// The stale reply must never reach the new session's log.
	b.OnTranscript(transcript("new session text"))
	<-svc.started
	svc.release <- struct{}{}
	waitFor(t, 2*time.Second, func() bool { return len(b.Messages()) == 2 })

	for _, m := range b.Messages() {
		if strings.Contains(m.Text, "old session") {
			t.Fatalf("stale completion leaked into the new session: %q", m.Text)
		}
	}

	calls := svc.snapshot()
	if calls[1].key == calls[0].key {
		t.Error("post-clear request must carry the new session key")
	}
}

func TestModeIsReadAtFlushTime(t *testing.T) {
	t.Parallel()

	svc := &fakeCoach{started: make(chan struct{}, 4), release: make(chan struct{})}
	b := New(Config{Service: svc, Store: &fakeStore{}, Mode: coach.ModeCoach})

	b.OnTranscript(transcript("one"))
	<-svc.started

	// Mode changes while a request is in flight apply to the next batch.
	b.SetMode(coach.ModeStrict)
	b.OnTranscript(transcript("two"))

	svc.release <- struct{}{}
	<-svc.started
	svc.release <- struct{}{}

	waitFor(t, 2*time.Second, func() bool { return len(svc.snapshot()) == 2 })
	calls := svc.snapshot()
	if calls[0].mode != coach.ModeCoach {
		t.Errorf("in-flight batch mode: want coach, got %s", calls[0].mode)
	}
	if calls[1].mode != coach.ModeStrict {
		t.Errorf("queued batch mode: want strict, got %s", calls[1].mode)
	}
}

func TestSetModeRejectsUnknown(t *testing.T) {
	t.Parallel()

	b := New(Config{Service: &fakeCoach{}, Store: &fakeStore{}, Mode: coach.ModeCoach})
	b.SetMode(coach.Mode("yelling"))
	if got := b.Mode(); got != coach.ModeCoach {
		t.Errorf("unknown mode must be ignored, got %s", got)
	}
}

func TestRestoreReplacesLog(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	b := New(Config{Service: &fakeCoach{}, Store: store})

	history := []coach.ChatMessage{
		{ID: "1", Role: coach.RoleUser, Text: "earlier"},
		{ID: "2", Role: coach.RoleAssistant, Text: "reply"},
	}
	b.Restore("persisted-key", history)

	if b.SessionKey() != "persisted-key" {
		t.Errorf("session key: got %q", b.SessionKey())
	}
	if len(b.Messages()) != 2 {
		t.Fatalf("restored log: want 2 messages, got %d", len(b.Messages()))
	}
}
