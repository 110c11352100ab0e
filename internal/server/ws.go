package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/voxcoach/voxcoach/internal/vad"
	"github.com/voxcoach/voxcoach/pkg/coach"
	sttprovider "github.com/voxcoach/voxcoach/pkg/provider/stt"
)

// wsPollInterval drives silence-expiry checks between audio frames.
const wsPollInterval = 50 * time.Millisecond

// wsEvent is the JSON envelope sent to the voice-socket client.
type wsEvent struct {
	Type       string            `json:"type"` // "transcript" | "error"
	Transcript *coach.Transcript `json:"transcript,omitempty"`
	Detail     string            `json:"detail,omitempty"`
}

// wsControl is a text-frame command from the client.
type wsControl struct {
	Op string `json:"op"` // "flush"
}

// handleVoiceSocket streams microphone PCM from a browser over a websocket.
// Binary frames carry 16-bit little-endian mono PCM at the configured sample
// rate; speech boundaries are detected server-side and each finished
// utterance is transcribed, stored, and pushed back as a JSON event. A text
// frame {"op":"flush"} forces the current segment to finalize immediately.
func (s *Server) handleVoiceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("voice socket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session aborted")

	ctx := r.Context()

	type inbound struct {
		typ  websocket.MessageType
		data []byte
	}
	frames := make(chan inbound, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- inbound{typ: typ, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	detector := vad.New(vad.Config{SilenceWindow: s.silenceWindow})
	var segment []byte

	cut := func(voiced bool) {
		data := segment
		segment = nil
		detector.Reset()
		if len(data) < s.minUtteranceBytes || !voiced {
			return
		}
		s.transcribeSegment(ctx, conn, data)
	}

	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case err := <-readErr:
			// Flush what we have; the client may have just closed cleanly.
			cut(detector.VoiceSeen())
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				conn.Close(websocket.StatusNormalClosure, "")
			} else {
				slog.Debug("voice socket read ended", "err", err)
			}
			return

		case msg, ok := <-frames:
			if !ok {
				continue
			}
			if msg.typ == websocket.MessageText {
				var ctrl wsControl
				if err := json.Unmarshal(msg.data, &ctrl); err == nil && ctrl.Op == "flush" {
					cut(detector.VoiceSeen())
				}
				continue
			}
			segment = append(segment, msg.data...)
			samples := audioSamples(msg.data)
			if _, fired := detector.Observe(samples, time.Now()); fired {
				cut(true)
			}

		case now := <-ticker.C:
			if _, fired := detector.Observe(nil, now); fired {
				cut(true)
			}
		}
	}
}

// transcribeSegment runs recognition over one finished segment and pushes
// the stored transcript back over the socket. Failures are reported to the
// client but never close the session.
func (s *Server) transcribeSegment(ctx context.Context, conn *websocket.Conn, pcm []byte) {
	res, err := s.stt.Transcribe(ctx, pcm, sttprovider.AudioConfig{
		SampleRate: s.sampleRate,
		Channels:   1,
	})
	if err != nil {
		s.sendEvent(ctx, conn, wsEvent{Type: "error", Detail: "transcription failed: " + err.Error()})
		return
	}
	if res.RawText == "" {
		return
	}

	row, err := s.store.InsertTranscript(ctx, coach.Transcript{
		Source:      "websocket",
		RawText:     res.RawText,
		LiteralText: res.LiteralText,
	})
	if err != nil {
		slog.Warn("store websocket transcript failed", "err", err)
		// Still deliver the text; persistence is secondary here.
		row = coach.Transcript{Source: "websocket", RawText: res.RawText, LiteralText: res.LiteralText}
	}

	s.sendEvent(ctx, conn, wsEvent{Type: "transcript", Transcript: &row})
}

func (s *Server) sendEvent(ctx context.Context, conn *websocket.Conn, ev wsEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal voice socket event", "err", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("voice socket write failed", "err", err)
	}
}

// audioSamples converts raw 16-bit little-endian mono PCM to normalized
// float32 samples for the detector.
func audioSamples(pcm []byte) []float32 {
	out := make([]float32, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		out = append(out, float32(s)/32768.0)
	}
	return out
}
