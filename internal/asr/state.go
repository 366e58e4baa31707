package asr

import (
	"sync"
	"time"

	"github.com/exolabs/exobridge/pkg/provider/stt"
)

// phase is the lifecycle position of one interaction.
type phase int

const (
	// phaseInit buffers warm-up audio before any STT session exists.
	phaseInit phase = iota

	// phaseStreaming has an established session and streams continuously.
	phaseStreaming

	// phaseError follows a failed STT open or send; frames are dropped
	// until the cool-down expires, then the next frame retries.
	phaseError

	// phaseDraining is an idle close in progress: the session is flushing
	// and no further audio is accepted.
	phaseDraining

	// phaseClosed is terminal for this state value. A later frame for the
	// same interaction starts a fresh state.
	phaseClosed
)

// interactionState carries the per-interaction buffer and send bookkeeping.
//
// mu guards every field below it. sendMu serialises writes to the provider
// session and is never held together with mu, so frames keep enqueueing
// while a send is on the wire.
type interactionState struct {
	id       string
	tenantID string
	traceID  string

	mu             sync.Mutex
	phase          phase
	sampleRate     int
	handle         stt.SessionHandle
	buf            []byte
	bufMS          int64
	firstFrameAt   time.Time
	lastFrameAt    time.Time
	lastSendAt     time.Time
	firstSent      bool
	retryAt        time.Time
	speechDetected bool
	seq            int64
	firstPublished bool
	idle           *time.Timer

	sendMu sync.Mutex
}
