// Package server exposes the coaching pipeline over HTTP: utterance
// transcription, teaching, chat persistence, and a websocket voice channel,
// plus the usual health and metrics endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxcoach/voxcoach/internal/health"
	"github.com/voxcoach/voxcoach/internal/observe"
	"github.com/voxcoach/voxcoach/pkg/coach"
	"github.com/voxcoach/voxcoach/pkg/provider/stt"
)

// Store is the persistence dependency. *storage.Store satisfies this;
// tests use an in-memory fake.
type Store interface {
	InsertTranscript(ctx context.Context, t coach.Transcript) (coach.Transcript, error)
	ListTranscripts(ctx context.Context, limit int) ([]coach.Transcript, error)
	InsertReply(ctx context.Context, r coach.ReplyRecord) (coach.ReplyRecord, error)
	ListReplies(ctx context.Context, limit int) ([]coach.ReplyRecord, error)
	SaveChat(ctx context.Context, key string, messages []coach.ChatMessage) error
	LoadChat(ctx context.Context, key string) ([]coach.ChatMessage, time.Time, bool, error)
	Ping(ctx context.Context) error
}

// Coach produces teaching feedback. *teach.Engine satisfies this.
type Coach interface {
	Teach(ctx context.Context, text string, mode coach.Mode) (coach.TeachResult, error)
}

// Config holds the server's collaborators.
type Config struct {
	Store   Store
	STT     stt.Provider
	Coach   Coach
	Metrics *observe.Metrics

	// AudioConfig describes PCM arriving over the websocket voice channel.
	SampleRate        int
	SilenceWindow     time.Duration
	MinUtteranceBytes int
}

// Server holds the HTTP handlers. Create one with New and mount it via
// Handler.
type Server struct {
	store   Store
	stt     stt.Provider
	coach   Coach
	metrics *observe.Metrics

	sampleRate        int
	silenceWindow     time.Duration
	minUtteranceBytes int
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = 850 * time.Millisecond
	}
	if cfg.MinUtteranceBytes <= 0 {
		cfg.MinUtteranceBytes = 4096
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		store:             cfg.Store,
		stt:               cfg.STT,
		coach:             cfg.Coach,
		metrics:           cfg.Metrics,
		sampleRate:        cfg.SampleRate,
		silenceWindow:     cfg.SilenceWindow,
		minUtteranceBytes: cfg.MinUtteranceBytes,
	}
}

// Handler builds the full route table wrapped in the request-logging and
// metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/voice/transcribe", s.handleTranscribe)
	mux.HandleFunc("GET /api/transcripts", s.handleListTranscripts)
	mux.HandleFunc("POST /api/english/teach", s.handleTeach)
	mux.HandleFunc("GET /api/english/modes", s.handleModes)
	mux.HandleFunc("GET /api/english/history", s.handleHistory)
	mux.HandleFunc("POST /api/chat/save", s.handleChatSave)
	mux.HandleFunc("GET /api/chat/get", s.handleChatGet)
	mux.HandleFunc("GET /ws/voice", s.handleVoiceSocket)

	health.New("voxcoach", health.Probe{Name: "database", Check: s.store.Ping}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}
