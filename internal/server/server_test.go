package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxcoach/voxcoach/internal/resilience"
	"github.com/voxcoach/voxcoach/pkg/audio"
	"github.com/voxcoach/voxcoach/pkg/coach"
	sttmock "github.com/voxcoach/voxcoach/pkg/provider/stt/mock"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu          sync.Mutex
	transcripts []coach.Transcript
	replies     []coach.ReplyRecord
	chats       map[string][]coach.ChatMessage
	pingErr     error
}

func newMemStore() *memStore {
	return &memStore{chats: map[string][]coach.ChatMessage{}}
}

func (m *memStore) InsertTranscript(_ context.Context, t coach.Transcript) (coach.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = int64(len(m.transcripts) + 1)
	t.CreatedAt = time.Now().UTC()
	m.transcripts = append(m.transcripts, t)
	return t, nil
}

func (m *memStore) ListTranscripts(_ context.Context, limit int) ([]coach.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []coach.Transcript{}
	for i := len(m.transcripts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.transcripts[i])
	}
	return out, nil
}

func (m *memStore) InsertReply(_ context.Context, r coach.ReplyRecord) (coach.ReplyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.replies) + 1)
	r.CreatedAt = time.Now().UTC()
	m.replies = append(m.replies, r)
	return r, nil
}

func (m *memStore) ListReplies(_ context.Context, limit int) ([]coach.ReplyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []coach.ReplyRecord{}
	for i := len(m.replies) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.replies[i])
	}
	return out, nil
}

func (m *memStore) SaveChat(_ context.Context, key string, messages []coach.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[key] = append([]coach.ChatMessage(nil), messages...)
	return nil
}

func (m *memStore) LoadChat(_ context.Context, key string) ([]coach.ChatMessage, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.chats[key]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	return msgs, time.Now().UTC(), true, nil
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

// fakeCoach returns a canned result or error.
type fakeCoach struct {
	result coach.TeachResult
	err    error
	mu     sync.Mutex
	seen   []string
}

func (f *fakeCoach) Teach(_ context.Context, text string, _ coach.Mode) (coach.TeachResult, error) {
	f.mu.Lock()
	f.seen = append(f.seen, text)
	f.mu.Unlock()
	if f.err != nil {
		return coach.TeachResult{}, f.err
	}
	return f.result, nil
}

func newTestServer(t *testing.T, store Store, c Coach, sttTexts ...string) *httptest.Server {
	t.Helper()
	srv := New(Config{
		Store: store,
		STT:   sttmock.New(sttTexts...),
		Coach: c,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wavUpload(t *testing.T, pcmBytes int) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "utterance.wav")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(audio.EncodeWAV(make([]byte, pcmBytes), 16000, 1)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, mw.FormDataContentType()
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var eb struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return eb.Detail
}

func TestTranscribeEndpoint(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ts := newTestServer(t, store, &fakeCoach{}, "Hello, world!")

	body, contentType := wavUpload(t, 8000)
	resp, err := http.Post(ts.URL+"/api/voice/transcribe", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got coach.Transcript
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID == 0 {
		t.Error("transcript must carry the stored ID")
	}
	if got.RawText != "Hello, world!" {
		t.Errorf("raw text = %q", got.RawText)
	}
	if got.LiteralText != "hello world" {
		t.Errorf("literal text = %q", got.LiteralText)
	}
}

func TestTranscribeRejectsTinyUpload(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newMemStore(), &fakeCoach{}, "whatever")

	body, contentType := wavUpload(t, 100)
	resp, err := http.Post(ts.URL+"/api/voice/transcribe", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if d := decodeDetail(t, resp); !strings.Contains(d, "too small") {
		t.Errorf("detail = %q", d)
	}
}

func TestTranscribeRejectsEmptyTranscription(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newMemStore(), &fakeCoach{}, "")

	body, contentType := wavUpload(t, 8000)
	resp, err := http.Post(ts.URL+"/api/voice/transcribe", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if d := decodeDetail(t, resp); !strings.Contains(d, "no speech") {
		t.Errorf("detail = %q", d)
	}
}

func TestTeachEndpoint(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	fc := &fakeCoach{result: coach.TeachResult{
		CorrectedNatural: "I went there.",
		Reply:            "Where did you go?",
	}}
	ts := newTestServer(t, store, fc)

	payload := `{"text":"i goed there","mode":"coach","chat_key":"session-1"}`
	resp, err := http.Post(ts.URL+"/api/english/teach", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got coach.TeachResult
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CorrectedNatural != "I went there." {
		t.Errorf("corrected = %q", got.CorrectedNatural)
	}

	// The reply must be recorded in history.
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.replies) != 1 || store.replies[0].ChatKey != "session-1" {
		t.Errorf("reply history: %+v", store.replies)
	}
}

func TestTeachValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newMemStore(), &fakeCoach{})

	tests := []struct {
		name    string
		payload string
		detail  string
	}{
		{"missing text", `{"mode":"coach","chat_key":"k"}`, "missing 'text'"},
		{"bad mode", `{"text":"hi","mode":"yelling","chat_key":"k"}`, "mode must be one of"},
		{"missing chat key", `{"text":"hi","mode":"coach"}`, "missing 'chat_key'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/english/teach", "application/json", strings.NewReader(tt.payload))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if d := decodeDetail(t, resp); !strings.Contains(d, tt.detail) {
				t.Errorf("detail = %q, want substring %q", d, tt.detail)
			}
		})
	}
}

func TestTeachOpenBreakerIs503(t *testing.T) {
	t.Parallel()

	fc := &fakeCoach{err: fmt.Errorf("teach: completion: %w", resilience.ErrCircuitOpen)}
	ts := newTestServer(t, newMemStore(), fc)

	payload := `{"text":"hi","mode":"coach","chat_key":"k"}`
	resp, err := http.Post(ts.URL+"/api/english/teach", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestModesEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newMemStore(), &fakeCoach{})

	resp, err := http.Get(ts.URL + "/api/english/modes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var modes []coach.ModeInfo
	if err := json.NewDecoder(resp.Body).Decode(&modes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(modes) != 3 {
		t.Fatalf("want 3 modes, got %d", len(modes))
	}
}

func TestChatSaveAndGet(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newMemStore(), &fakeCoach{})

	payload := `{"chat_key":"abc","messages":[{"id":"1","role":"user","text":"hi","timestamp":"2026-01-02T15:04:05Z"}]}`
	resp, err := http.Post(ts.URL+"/api/chat/save", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/chat/get?chat_key=abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got struct {
		ChatKey  string              `json:"chat_key"`
		Messages []coach.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Text != "hi" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestChatGetUnknownKeyIs404(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newMemStore(), &fakeCoach{})

	resp, err := http.Get(ts.URL + "/api/chat/get?chat_key=never-saved")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryAndTranscriptLists(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	for i := range 3 {
		store.transcripts = append(store.transcripts, coach.Transcript{
			ID: int64(i + 1), RawText: fmt.Sprintf("text %d", i+1),
		})
	}
	store.replies = append(store.replies, coach.ReplyRecord{ID: 1, ChatKey: "k"})
	ts := newTestServer(t, store, &fakeCoach{})

	resp, err := http.Get(ts.URL + "/api/transcripts?limit=2")
	if err != nil {
		t.Fatalf("get transcripts: %v", err)
	}
	defer resp.Body.Close()
	var transcripts []coach.Transcript
	if err := json.NewDecoder(resp.Body).Decode(&transcripts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(transcripts) != 2 || transcripts[0].RawText != "text 3" {
		t.Errorf("transcripts = %+v", transcripts)
	}

	resp2, err := http.Get(ts.URL + "/api/english/history")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	defer resp2.Body.Close()
	var replies []coach.ReplyRecord
	if err := json.NewDecoder(resp2.Body).Decode(&replies); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(replies) != 1 {
		t.Errorf("replies = %+v", replies)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ts := newTestServer(t, store, &fakeCoach{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d", resp.StatusCode)
	}

	store.pingErr = errors.New("connection refused")
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing db: status = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newMemStore(), &fakeCoach{})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}
