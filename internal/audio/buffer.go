// Package audio provides the per-session audio plumbing for skald: the
// ordered FrameBuffer that accumulates inbound chunks, payload decoders for
// the supported wire encodings, and the PCM conversion helpers shared by the
// segmenter and the inference engine.
//
// All types in this package are exclusively owned by a single session and are
// NOT safe for concurrent use. Cross-session synchronisation is confined to
// the decode pool by design; nothing here needs a lock.
package audio

import (
	"errors"
	"fmt"
	"iter"
	"time"
)

// bytesPerSample is fixed at 2 for the 16-bit signed little-endian mono PCM
// that flows through the pipeline after decoding.
const bytesPerSample = 2

// ErrOutOfOrderChunk is returned by [FrameBuffer.Append] when a chunk's
// arrival index is not the expected next value. The session treats this as a
// protocol violation and closes rather than silently reordering, since
// reordering would corrupt streaming decoder state.
var ErrOutOfOrderChunk = errors.New("audio: out-of-order chunk")

// Chunk is a single inbound audio payload after wire decoding, tagged with
// its monotonically increasing arrival index within the session.
type Chunk struct {
	// Data is raw 16-bit signed little-endian mono PCM.
	Data []byte

	// Index is the zero-based arrival position of this chunk. The first
	// chunk appended to a fresh buffer must carry Index 0.
	Index uint64
}

// FrameBuffer accumulates audio chunks in strict arrival order and slices
// the accumulated bytes into fixed-size windows for the segment detector.
// Incomplete trailing bytes are held back until the next append.
type FrameBuffer struct {
	sampleRate int
	next       uint64
	buf        []byte
}

// NewFrameBuffer creates a buffer for PCM audio at the given sample rate.
// The sample rate is only used for duration accounting; byte handling is
// rate-agnostic.
func NewFrameBuffer(sampleRate int) *FrameBuffer {
	return &FrameBuffer{sampleRate: sampleRate}
}

// Append adds a chunk to the buffer, preserving arrival order. It returns
// [ErrOutOfOrderChunk] if the chunk's index is not the expected next value;
// the buffer contents are unchanged in that case.
func (b *FrameBuffer) Append(c Chunk) error {
	if c.Index != b.next {
		return fmt.Errorf("%w: got index %d, want %d", ErrOutOfOrderChunk, c.Index, b.next)
	}
	b.next++
	b.buf = append(b.buf, c.Data...)
	return nil
}

// Frames returns a lazy sequence of fixed-size windows drained from the
// buffer. Each yielded frame is an independent copy; consumed bytes are
// removed from the buffer even when the caller stops iterating early. Any
// trailing remainder shorter than frameSize stays buffered for the next
// append.
//
// The sequence is restartable per call: a fresh call to Frames resumes from
// whatever the previous iteration left behind.
func (b *FrameBuffer) Frames(frameSize int) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if frameSize <= 0 {
			return
		}
		consumed := 0
		defer func() {
			if consumed == 0 {
				return
			}
			// Copy the remainder to a fresh backing array so drained
			// bytes do not pin memory for the session's lifetime.
			rest := make([]byte, len(b.buf)-consumed)
			copy(rest, b.buf[consumed:])
			b.buf = rest
		}()
		for len(b.buf)-consumed >= frameSize {
			frame := make([]byte, frameSize)
			copy(frame, b.buf[consumed:consumed+frameSize])
			consumed += frameSize
			if !yield(frame) {
				return
			}
		}
	}
}

// Len returns the number of buffered bytes not yet drained.
func (b *FrameBuffer) Len() int { return len(b.buf) }

// NextIndex returns the arrival index the next appended chunk must carry.
func (b *FrameBuffer) NextIndex() uint64 { return b.next }

// BufferedDuration returns the audio duration currently held in the buffer.
// Sessions use this for backpressure accounting against the configured
// maximum buffered duration.
func (b *FrameBuffer) BufferedDuration() time.Duration {
	return Duration(len(b.buf), b.sampleRate)
}

// Reset discards all buffered bytes and the arrival index, returning the
// buffer to its initial state.
func (b *FrameBuffer) Reset() {
	b.buf = nil
	b.next = 0
}

// Duration returns the play time of n bytes of 16-bit mono PCM at the given
// sample rate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
