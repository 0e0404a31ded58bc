// Package engine defines the inference capability consumed by the decode
// worker pool. The server treats speech recognition as an external
// collaborator behind this interface: a segment of audio samples goes in,
// a hypothesis comes out. The numerical internals of the model are not this
// codebase's concern.
package engine

import "context"

// Request carries one segment (or partial-segment snapshot) of audio to the
// engine.
type Request struct {
	// Samples is mono audio normalised to [-1.0, 1.0].
	Samples []float32

	// SampleRate is the sample rate of Samples in Hz.
	SampleRate int

	// Language is the BCP-47 language hint, or empty for the engine default.
	Language string

	// Final is true for a closed segment and false for a partial snapshot
	// of a segment still being streamed. Engines may use cheaper settings
	// for partial decodes.
	Final bool
}

// Hypothesis is the engine's transcription of one request.
type Hypothesis struct {
	// Text is the recognised text, empty when the audio carried no speech.
	Text string
}

// Engine is a synchronous, stateless-per-call speech decoder.
//
// Decode may block for the full duration of model execution; it is invoked
// only from decode pool workers, never from connection goroutines.
// Implementations must be safe for concurrent use; the pool runs one Decode
// per worker in parallel.
type Engine interface {
	// Decode transcribes one request. A non-nil error marks the request's
	// segment as failed without tearing down the session; engine failures
	// are assumed per-call, not systemic.
	Decode(ctx context.Context, req Request) (Hypothesis, error)

	// Close releases engine resources. After Close, Decode returns errors.
	Close() error
}
