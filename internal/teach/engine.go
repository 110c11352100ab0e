// Package teach is the coaching engine: it turns a speech-to-text transcript
// into structured feedback by prompting an LLM for strict JSON and parsing
// the reply defensively.
//
// Model output is never trusted. When the reply is not valid JSON the engine
// degrades instead of failing: the raw output is preserved verbatim in the
// result with RawError set, so the session keeps flowing and the bad payload
// stays inspectable.
package teach

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/voxcoach/voxcoach/internal/observe"
	"github.com/voxcoach/voxcoach/internal/resilience"
	"github.com/voxcoach/voxcoach/pkg/coach"
	"github.com/voxcoach/voxcoach/pkg/provider/llm"
)

const (
	// defaultTemperature keeps corrections deterministic-ish while leaving
	// the conversational reply some room.
	defaultTemperature = 0.3

	defaultMaxTokens = 1024
)

// Config holds the engine's collaborators and tuning knobs.
type Config struct {
	// Provider performs the completions. Required.
	Provider llm.Provider

	// Breaker protects the LLM path. Nil means no breaker.
	Breaker *resilience.CircuitBreaker

	// Metrics records request latency. Nil disables recording.
	Metrics *observe.Metrics

	// Temperature and MaxTokens override the completion defaults when > 0.
	Temperature float64
	MaxTokens   int
}

// Engine produces coaching feedback for transcripts.
type Engine struct {
	provider    llm.Provider
	breaker     *resilience.CircuitBreaker
	metrics     *observe.Metrics
	temperature float64
	maxTokens   int
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Engine{
		provider:    cfg.Provider,
		breaker:     cfg.Breaker,
		metrics:     cfg.Metrics,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Teach corrects and coaches one transcript. The returned error is non-nil
// only when the model could not be reached at all (including an open
// breaker); malformed model output degrades into a result with RawError set.
func (e *Engine) Teach(ctx context.Context, text string, mode coach.Mode) (coach.TeachResult, error) {
	if strings.TrimSpace(text) == "" {
		return coach.TeachResult{}, fmt.Errorf("teach: text must not be empty")
	}
	if !mode.IsValid() {
		return coach.TeachResult{}, fmt.Errorf("teach: invalid mode %q", mode)
	}

	req := llm.Request{
		SystemPrompt: systemPrompt(mode),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: userPrompt(text)},
		},
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}

	var resp *llm.Response
	start := time.Now()
	err := e.execute(func() error {
		var callErr error
		resp, callErr = e.provider.Complete(ctx, req)
		return callErr
	})
	if e.metrics != nil {
		observe.RecordDuration(ctx, e.metrics.CoachDuration, time.Since(start).Seconds(),
			observe.StatusAttr(err), attribute.String("mode", string(mode)))
	}
	if err != nil {
		return coach.TeachResult{}, fmt.Errorf("teach: completion: %w", err)
	}

	result := parseResult(resp.Content)
	if result.RawError {
		slog.Warn("model returned malformed coaching output",
			"model", e.provider.Model(), "mode", mode, "len", len(resp.Content))
	}
	return result, nil
}

func (e *Engine) execute(fn func() error) error {
	if e.breaker == nil {
		return fn()
	}
	return e.breaker.Execute(fn)
}

// parseResult parses the model reply as strict JSON. Code fences and
// surrounding quotes are stripped first; anything that still fails to parse
// is preserved verbatim in Reply/RawOutput with RawError set.
func parseResult(raw string) coach.TeachResult {
	cleaned := stripFencesAndQuotes(raw)

	var result coach.TeachResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil || !looksLikeObject(cleaned) {
		return coach.TeachResult{
			Reply:     cleaned,
			RawError:  true,
			RawOutput: cleaned,
		}
	}
	return result
}

// looksLikeObject rejects top-level JSON scalars and arrays, which
// json.Unmarshal into a struct would not catch for "null".
func looksLikeObject(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}

// stripFencesAndQuotes removes a wrapping markdown code fence (with or
// without a language tag) and, failing that, a single pair of wrapping
// quotes. Models add both despite being told not to.
func stripFencesAndQuotes(s string) string {
	t := strings.TrimSpace(s)

	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		// Drop a language tag like "json" on the opening fence line.
		if i := strings.IndexByte(t, '\n'); i >= 0 {
			first := strings.TrimSpace(t[:i])
			if len(first) <= 10 && !strings.ContainsAny(first, "{}") {
				t = t[i+1:]
			}
		}
		t = strings.TrimSuffix(strings.TrimSpace(t), "```")
		return strings.TrimSpace(t)
	}

	if len(t) >= 2 {
		if (t[0] == '"' && t[len(t)-1] == '"') || (t[0] == '\'' && t[len(t)-1] == '\'') {
			return strings.TrimSpace(t[1 : len(t)-1])
		}
	}
	return t
}
