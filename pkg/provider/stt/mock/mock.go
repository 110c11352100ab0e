// Package mock provides a scriptable stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxcoach/voxcoach/pkg/provider/stt"
)

// Provider is a test double for stt.Provider. Results are consumed in FIFO
// order; when the script runs out the last result repeats. Safe for
// concurrent use.
type Provider struct {
	mu      sync.Mutex
	results []stt.Result
	err     error
	calls   [][]byte
}

var _ stt.Provider = (*Provider)(nil)

// New creates a mock that transcribes to the given raw texts in order.
// LiteralText is derived with stt.Literalize.
func New(rawTexts ...string) *Provider {
	p := &Provider{}
	for _, raw := range rawTexts {
		p.results = append(p.results, stt.Result{
			RawText:     raw,
			LiteralText: stt.Literalize(raw),
		})
	}
	return p
}

// Fail makes every subsequent Transcribe call return err.
func (p *Provider) Fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.AudioConfig) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, append([]byte(nil), pcm...))
	if p.err != nil {
		return stt.Result{}, p.err
	}
	if len(p.results) == 0 {
		return stt.Result{}, nil
	}
	res := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return res, nil
}

// Calls returns a copy of the PCM blobs seen so far.
func (p *Provider) Calls() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.calls))
	copy(out, p.calls)
	return out
}
