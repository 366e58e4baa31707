// Package mock provides scriptable stt.Provider and stt.SessionHandle
// implementations for tests.
package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/exolabs/exobridge/pkg/provider/stt"
)

// Provider implements stt.Provider. Every StartStream call creates a new
// [Session] and increments Created; tests assert on Created to verify the
// single-connection-per-interaction invariant.
type Provider struct {
	// StartErr, when non-nil, is returned by StartStream.
	StartErr error

	// StartDelay, when set, is a channel StartStream blocks on before
	// returning. Tests use it to hold creation open while concurrent
	// callers pile up.
	StartDelay chan struct{}

	// Created counts sessions created.
	Created atomic.Int64

	mu       sync.Mutex
	sessions []*Session
	configs  []stt.StreamConfig
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if p.StartDelay != nil {
		select {
		case <-p.StartDelay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.StartErr != nil {
		return nil, p.StartErr
	}

	p.Created.Add(1)
	s := NewSession()
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.configs = append(p.configs, cfg)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns all sessions created so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Configs returns the StreamConfig of every StartStream call.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stt.StreamConfig, len(p.configs))
	copy(out, p.configs)
	return out
}

// Session implements stt.SessionHandle. Audio chunks are recorded; tests
// feed transcripts through [Session.Emit].
type Session struct {
	// SendErr, when non-nil, is returned by SendAudio.
	SendErr error

	mu     sync.Mutex
	chunks [][]byte
	closed bool

	results chan stt.Result
}

// NewSession creates an open mock session.
func NewSession() *Session {
	return &Session{results: make(chan stt.Result, 64)}
}

// SendAudio implements stt.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.chunks = append(s.chunks, c)
	return nil
}

// Results implements stt.SessionHandle.
func (s *Session) Results() <-chan stt.Result { return s.results }

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit pushes a transcription event to the session's Results channel.
// Emitting on a closed session is a no-op.
func (s *Session) Emit(r stt.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.results <- r
}

// Chunks returns a copy of all audio chunks received so far.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}
