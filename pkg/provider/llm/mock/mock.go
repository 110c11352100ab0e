// Package mock provides a scriptable llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxcoach/voxcoach/pkg/provider/llm"
)

// Provider is a test double for llm.Provider. Responses are consumed in
// FIFO order; when the script runs out the last response repeats. Safe for
// concurrent use.
type Provider struct {
	mu        sync.Mutex
	responses []llm.Response
	err       error
	requests  []llm.Request
}

var _ llm.Provider = (*Provider)(nil)

// New creates a mock that replies with the given contents in order.
func New(contents ...string) *Provider {
	p := &Provider{}
	for _, c := range contents {
		p.responses = append(p.responses, llm.Response{Content: c})
	}
	return p
}

// Fail makes every subsequent Complete call return err.
func (p *Provider) Fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &llm.Response{}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return &resp, nil
}

// Model implements llm.Provider.
func (p *Provider) Model() string {
	return "mock"
}

// Requests returns a copy of every request seen so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}
