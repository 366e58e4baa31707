package ingest

import (
	"time"

	"github.com/exolabs/exobridge/pkg/types"
)

// frameMS is the nominal duration of one telephony media frame.
const frameMS = 20

// fallbackBuffer holds frames while the bus is unreachable. It is bounded
// two ways: at most maxAge/frameMS frames, and no frame older than maxAge.
// Overflow drops the oldest frame first so recovery publishes the most
// coherent recent window. Not safe for concurrent use; the owning connection
// serialises access.
type fallbackBuffer struct {
	maxAge    time.Duration
	maxFrames int

	frames []bufferedFrame
	drops  int64
}

type bufferedFrame struct {
	frame types.AudioFrame
	at    time.Time
}

// newFallbackBuffer sizes the buffer for maxBufferMS milliseconds of audio.
func newFallbackBuffer(maxBufferMS int) *fallbackBuffer {
	maxFrames := (maxBufferMS + frameMS - 1) / frameMS
	if maxFrames < 1 {
		maxFrames = 1
	}
	return &fallbackBuffer{
		maxAge:    time.Duration(maxBufferMS) * time.Millisecond,
		maxFrames: maxFrames,
	}
}

// enqueue appends a frame, evicting expired and overflow frames first.
// Returns the number of frames dropped by this call.
func (b *fallbackBuffer) enqueue(frame types.AudioFrame, now time.Time) int {
	dropped := b.expire(now)
	overflow := 0
	for len(b.frames) >= b.maxFrames {
		b.frames = b.frames[1:]
		overflow++
	}
	b.drops += int64(overflow)
	b.frames = append(b.frames, bufferedFrame{frame: frame, at: now})
	return dropped + overflow
}

// expire evicts frames older than maxAge. Returns the number evicted.
func (b *fallbackBuffer) expire(now time.Time) int {
	dropped := 0
	for len(b.frames) > 0 && now.Sub(b.frames[0].at) > b.maxAge {
		b.frames = b.frames[1:]
		dropped++
	}
	b.drops += int64(dropped)
	return dropped
}

// peek returns the oldest frame without removing it. Call only when len > 0.
func (b *fallbackBuffer) peek() types.AudioFrame {
	return b.frames[0].frame
}

// pop removes the oldest frame.
func (b *fallbackBuffer) pop() {
	b.frames = b.frames[1:]
}

func (b *fallbackBuffer) len() int { return len(b.frames) }

// totalDrops returns the number of frames dropped over the buffer's life.
func (b *fallbackBuffer) totalDrops() int64 { return b.drops }
