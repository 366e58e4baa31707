// Package mock provides a scriptable llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/exolabs/exobridge/pkg/provider/llm"
)

// Provider implements llm.Provider. Responses are served from Replies in
// order, repeating the last entry once exhausted.
type Provider struct {
	// Replies are the completion texts to return, in call order.
	Replies []string

	// Err, when non-nil, is returned by every Complete call.
	Err error

	mu    sync.Mutex
	calls []llm.Request
}

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)

	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Replies) == 0 {
		return &llm.Response{}, nil
	}
	idx := len(p.calls) - 1
	if idx >= len(p.Replies) {
		idx = len(p.Replies) - 1
	}
	return &llm.Response{Content: p.Replies[idx]}, nil
}

// Calls returns a copy of all requests received so far.
func (p *Provider) Calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.calls))
	copy(out, p.calls)
	return out
}
