// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM16 audio chunks and emits a single ordered
// stream of Result values — low-latency partials for responsiveness and
// committed finals for the transcript log.
//
// Implementations must be safe for concurrent use. Audio input and result
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/exolabs/exobridge/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (8000, 16000 or 24000).
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider auto-detect, where supported.
	Language string

	// InteractionID tags the session for provider-side logging. Optional.
	InteractionID string
}

// Result is one transcription event from the provider.
type Result struct {
	// Text is the transcribed speech. May be empty; callers filter.
	Text string

	// Kind distinguishes revisable partials from committed finals.
	Kind types.TranscriptKind

	// Speaker is the diarised speaker when the provider reports one,
	// otherwise [types.SpeakerUnknown].
	Speaker types.Speaker

	// Confidence is the provider confidence in [0, 1], 0 when unreported.
	Confidence float64
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM16 audio bytes for transcription.
	// The chunk must match the sample rate agreed in StreamConfig. Calling
	// SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel emitting transcription events in
	// provider order. The channel is closed when the session ends, whether
	// by Close, provider close, or a transport error.
	Results() <-chan Result

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Many sessions may be open
// simultaneously (one per live interaction).
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately: the provider
	// completes any handshake (token creation, session-started event) before
	// returning.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, unsupported configuration, or ctx already cancelled). The
	// caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
