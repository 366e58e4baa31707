package ingest

// Wire protocol spoken by the telephony provider over the ingest WebSocket.
// One JSON message per WebSocket text frame; the event field discriminates.

// eventMessage is the discriminated union of inbound telephony messages.
type eventMessage struct {
	Event string        `json:"event"`
	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Stop  *stopPayload  `json:"stop,omitempty"`
}

const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
)

// startPayload opens a stream. The call SID becomes the interaction id used
// throughout the pipeline; the account SID identifies the tenant.
type startPayload struct {
	StreamSID   string      `json:"stream_sid"`
	CallSID     string      `json:"call_sid"`
	AccountSID  string      `json:"account_sid"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	MediaFormat mediaFormat `json:"media_format"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// mediaPayload carries ~20 ms of base64-encoded PCM16.
type mediaPayload struct {
	// Chunk is the provider's monotonic frame counter for the stream.
	Chunk int64 `json:"chunk"`

	// Timestamp is milliseconds since stream start.
	Timestamp int64 `json:"timestamp"`

	// Payload is base64-encoded little-endian PCM16.
	Payload string `json:"payload"`
}

type stopPayload struct {
	// Reason is "stopped" or "callended".
	Reason string `json:"reason"`
}

// Stop reasons synthesised by the server rather than the provider.
const (
	stopReasonIdle         = "idle_timeout"
	stopReasonDisconnected = "disconnected"
	stopReasonBufferFull   = "publish_backlog"
)
