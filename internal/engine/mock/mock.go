// Package mock provides a test double for the engine package.
//
// By default every Decode returns a hypothesis whose text is Text. Supply
// DecodeFunc to script per-request behaviour, including blocking; pool
// tests use a DecodeFunc that waits on a gate channel to simulate busy
// workers.
package mock

import (
	"context"
	"sync"

	"github.com/skald-labs/skald/internal/engine"
)

// DecodeCall records a single invocation of Engine.Decode.
type DecodeCall struct {
	// Ctx is the context passed to Decode.
	Ctx context.Context
	// Req is the request passed to Decode.
	Req engine.Request
}

// Engine is a mock implementation of engine.Engine.
type Engine struct {
	mu sync.Mutex

	// Text is the hypothesis text returned when DecodeFunc is nil.
	Text string

	// DecodeErr, if non-nil, is returned as the error from Decode when
	// DecodeFunc is nil.
	DecodeErr error

	// DecodeFunc, when non-nil, fully overrides Decode behaviour.
	DecodeFunc func(ctx context.Context, req engine.Request) (engine.Hypothesis, error)

	// DecodeCalls records every call to Decode.
	DecodeCalls []DecodeCall

	// CloseCount counts calls to Close.
	CloseCount int
}

// Decode records the call and returns the scripted result.
func (e *Engine) Decode(ctx context.Context, req engine.Request) (engine.Hypothesis, error) {
	e.mu.Lock()
	e.DecodeCalls = append(e.DecodeCalls, DecodeCall{Ctx: ctx, Req: req})
	fn := e.DecodeFunc
	text := e.Text
	err := e.DecodeErr
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return engine.Hypothesis{}, err
	}
	return engine.Hypothesis{Text: text}, nil
}

// Close increments CloseCount and returns nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCount++
	return nil
}

// Calls returns a snapshot of the recorded Decode calls.
func (e *Engine) Calls() []DecodeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DecodeCall, len(e.DecodeCalls))
	copy(out, e.DecodeCalls)
	return out
}

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)
