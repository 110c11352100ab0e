package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voxcoach/voxcoach/internal/resilience"
	"github.com/voxcoach/voxcoach/pkg/audio"
	"github.com/voxcoach/voxcoach/pkg/coach"
	"github.com/voxcoach/voxcoach/pkg/provider/stt"
)

const (
	// minAudioBytes rejects uploads that are empty or obviously truncated.
	minAudioBytes = 4096

	// maxAudioBytes caps a single utterance upload.
	maxAudioBytes = 100 << 20

	defaultListLimit = 50
)

// handleTranscribe accepts one utterance as a multipart WAV upload, runs
// recognition, stores the transcript, and returns it.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'audio' file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxAudioBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	if len(data) < minAudioBytes {
		writeError(w, http.StatusBadRequest, "audio file too small (likely empty or corrupted)")
		return
	}
	if len(data) > maxAudioBytes {
		writeError(w, http.StatusBadRequest, "audio file too large (max 100MB)")
		return
	}

	pcm, sampleRate, channels, err := audio.DecodeWAV(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio decode failed: "+err.Error())
		return
	}

	res, err := s.stt.Transcribe(r.Context(), pcm, stt.AudioConfig{
		SampleRate: sampleRate,
		Channels:   channels,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "transcription failed: "+err.Error())
		return
	}
	if strings.TrimSpace(res.RawText) == "" && strings.TrimSpace(res.LiteralText) == "" {
		writeError(w, http.StatusBadRequest, "empty transcription (no speech detected)")
		return
	}

	row, err := s.store.InsertTranscript(r.Context(), coach.Transcript{
		Source:      "upload",
		RawText:     res.RawText,
		LiteralText: res.LiteralText,
	})
	if err != nil {
		slog.Error("store transcript failed", "err", err)
		writeError(w, http.StatusInternalServerError, "store transcript: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListTranscripts(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list transcripts: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// teachRequest is the JSON body for the teach endpoint.
type teachRequest struct {
	Text    string     `json:"text"`
	Mode    coach.Mode `json:"mode"`
	ChatKey string     `json:"chat_key"`
}

// handleTeach runs the coaching engine over a batch of text and persists the
// reply under the caller's chat key.
func (s *Server) handleTeach(w http.ResponseWriter, r *http.Request) {
	var req teachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "missing 'text'")
		return
	}
	if req.Mode == "" {
		req.Mode = coach.ModeCoach
	}
	if !req.Mode.IsValid() {
		writeError(w, http.StatusBadRequest, "mode must be one of: coach, strict, correct")
		return
	}
	if strings.TrimSpace(req.ChatKey) == "" {
		writeError(w, http.StatusBadRequest, "missing 'chat_key'")
		return
	}

	out, err := s.coach.Teach(r.Context(), req.Text, req.Mode)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "coaching failed: "+err.Error())
		return
	}

	// Reply history is best-effort; the user already has their feedback.
	if _, err := s.store.InsertReply(r.Context(), coach.ReplyRecord{
		ChatKey:   req.ChatKey,
		Mode:      req.Mode,
		InputText: req.Text,
		Output:    out,
	}); err != nil {
		slog.Warn("persist coaching reply failed", "err", err, "chat_key", req.ChatKey)
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, coach.Modes())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListReplies(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// chatState is the JSON shape for chat save and load.
type chatState struct {
	ChatKey   string              `json:"chat_key"`
	UpdatedAt time.Time           `json:"updated_at,omitzero"`
	Messages  []coach.ChatMessage `json:"messages"`
}

// handleChatSave overwrites the full message log stored under a key.
func (s *Server) handleChatSave(w http.ResponseWriter, r *http.Request) {
	var req chatState
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req.ChatKey = strings.TrimSpace(req.ChatKey)
	if req.ChatKey == "" {
		writeError(w, http.StatusBadRequest, "missing chat_key")
		return
	}
	if req.Messages == nil {
		req.Messages = []coach.ChatMessage{}
	}

	if err := s.store.SaveChat(r.Context(), req.ChatKey, req.Messages); err != nil {
		writeError(w, http.StatusInternalServerError, "save chat: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatState{
		ChatKey:   req.ChatKey,
		UpdatedAt: time.Now().UTC(),
		Messages:  req.Messages,
	})
}

// handleChatGet returns the stored message log; a never-saved key is 404 so
// the client can treat it as a fresh session.
func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("chat_key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing chat_key")
		return
	}

	messages, updatedAt, ok, err := s.store.LoadChat(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load chat: "+err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if messages == nil {
		messages = []coach.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, chatState{ChatKey: key, UpdatedAt: updatedAt, Messages: messages})
}

// queryLimit parses the limit parameter, defaulting to 50.
func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return defaultListLimit
	}
	return limit
}

// errorBody is the JSON error shape, matching what pkg/client parses.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; all we can do is log.
		slog.Error("encode response failed", "err", err)
	}
}
