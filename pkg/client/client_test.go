package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxcoach/voxcoach/pkg/audio"
	"github.com/voxcoach/voxcoach/pkg/coach"
)

func TestTranscribeUploadsWAV(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/voice/transcribe" {
			t.Errorf("path: %s", r.URL.Path)
		}
		f, _, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()

		buf := make([]byte, 1<<16)
		n, _ := f.Read(buf)
		pcm, rate, ch, err := audio.DecodeWAV(buf[:n])
		if err != nil {
			t.Fatalf("uploaded payload is not WAV: %v", err)
		}
		if rate != 16000 || ch != 1 || len(pcm) != 6000 {
			t.Errorf("wav format: %d/%d, %d bytes", rate, ch, len(pcm))
		}

		json.NewEncoder(w).Encode(coach.Transcript{ID: 7, RawText: "hello there", LiteralText: "uh hello there"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	tr, err := c.Transcribe(context.Background(), make([]byte, 6000), 16000)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.ID != 7 || tr.RawText != "hello there" {
		t.Errorf("unexpected transcript: %+v", tr)
	}
}

func TestLoadChatAbsentKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Chat not found"})
	}))
	defer srv.Close()

	msgs, found, err := New(srv.URL).LoadChat(context.Background(), "nope")
	if err != nil {
		t.Fatalf("absence must not be an error, got: %v", err)
	}
	if found || msgs != nil {
		t.Errorf("want absent, got found=%v msgs=%v", found, msgs)
	}
}

func TestTeachSendsModeAndKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req teachRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Mode != coach.ModeStrict || req.ChatKey != "k-1" || req.Text != "line one\nline two" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(coach.TeachResult{Reply: "good"})
	}))
	defer srv.Close()

	out, err := New(srv.URL).Teach(context.Background(), "line one\nline two", coach.ModeStrict, "k-1")
	if err != nil {
		t.Fatalf("teach: %v", err)
	}
	if out.Reply != "good" {
		t.Errorf("reply: %q", out.Reply)
	}
}

func TestStatusErrorCarriesDetail(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Missing 'text'"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Teach(context.Background(), "", coach.ModeCoach, "k")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want *StatusError, got %v", err)
	}
	if se.Code != http.StatusBadRequest || se.Detail != "Missing 'text'" {
		t.Errorf("unexpected status error: %+v", se)
	}
}
