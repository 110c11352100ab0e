// Package client provides the Go client for the voxcoach HTTP API. The talk
// pipeline uses it for transcription uploads, coaching requests, and session
// persistence.
//
// All failures are non-fatal by contract: transport errors and non-2xx
// responses come back as ordinary errors (a [*StatusError] for the latter)
// and callers recover locally — one failed call never ends a session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/voxcoach/voxcoach/pkg/audio"
	"github.com/voxcoach/voxcoach/pkg/coach"
)

// defaultTimeout bounds a single API call. Coaching requests against local
// models can be slow, so this is generous.
const defaultTimeout = 120 * time.Second

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	// Code is the HTTP status code.
	Code int

	// Detail is the server's error detail, when it sent one.
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api: status %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("api: status %d", e.Code)
}

// Client talks to a voxcoach API server. Safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (e.g. for tests or
// custom timeouts).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// New creates a Client for the API server at baseURL (e.g.
// "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Transcribe uploads one utterance's PCM as a WAV file and returns the
// resulting transcript.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (coach.Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "utterance.wav")
	if err != nil {
		return coach.Transcript{}, fmt.Errorf("api: build upload: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, sampleRate, 1)); err != nil {
		return coach.Transcript{}, fmt.Errorf("api: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return coach.Transcript{}, fmt.Errorf("api: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/voice/transcribe", &body)
	if err != nil {
		return coach.Transcript{}, fmt.Errorf("api: transcribe: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out coach.Transcript
	if err := c.do(req, &out); err != nil {
		return coach.Transcript{}, fmt.Errorf("api: transcribe: %w", err)
	}
	return out, nil
}

// teachRequest is the JSON body for the teach endpoint.
type teachRequest struct {
	Text    string     `json:"text"`
	Mode    coach.Mode `json:"mode"`
	ChatKey string     `json:"chat_key"`
}

// Teach sends a batch of transcribed text to the coaching service.
func (c *Client) Teach(ctx context.Context, text string, mode coach.Mode, chatKey string) (coach.TeachResult, error) {
	var out coach.TeachResult
	err := c.postJSON(ctx, "/api/english/teach", teachRequest{Text: text, Mode: mode, ChatKey: chatKey}, &out)
	if err != nil {
		return coach.TeachResult{}, fmt.Errorf("api: teach: %w", err)
	}
	return out, nil
}

// chatState is the JSON body for chat save and load.
type chatState struct {
	ChatKey  string              `json:"chat_key"`
	Messages []coach.ChatMessage `json:"messages"`
}

// SaveChat overwrites the full message log stored under key. Idempotent.
func (c *Client) SaveChat(ctx context.Context, key string, messages []coach.ChatMessage) error {
	if messages == nil {
		messages = []coach.ChatMessage{}
	}
	if err := c.postJSON(ctx, "/api/chat/save", chatState{ChatKey: key, Messages: messages}, nil); err != nil {
		return fmt.Errorf("api: save chat: %w", err)
	}
	return nil
}

// LoadChat fetches the message log stored under key. An unknown key is not
// an error: it returns (nil, false, nil) so callers can show an empty
// history.
func (c *Client) LoadChat(ctx context.Context, key string) ([]coach.ChatMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/chat/get?chat_key="+url.QueryEscape(key), nil)
	if err != nil {
		return nil, false, fmt.Errorf("api: load chat: %w", err)
	}

	var out chatState
	if err := c.do(req, &out); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("api: load chat: %w", err)
	}
	return out.Messages, true, nil
}

// History returns the most recent coaching replies, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]coach.ReplyRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/english/history?limit="+strconv.Itoa(limit), nil)
	if err != nil {
		return nil, fmt.Errorf("api: history: %w", err)
	}
	var out []coach.ReplyRecord
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("api: history: %w", err)
	}
	return out, nil
}

// Transcripts returns the most recent transcripts, newest first.
func (c *Client) Transcripts(ctx context.Context, limit int) ([]coach.Transcript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/transcripts?limit="+strconv.Itoa(limit), nil)
	if err != nil {
		return nil, fmt.Errorf("api: transcripts: %w", err)
	}
	var out []coach.Transcript
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("api: transcripts: %w", err)
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// errorBody is the JSON error shape the server emits.
type errorBody struct {
	Detail string `json:"detail"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(body, &eb)
		return &StatusError{Code: resp.StatusCode, Detail: eb.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
