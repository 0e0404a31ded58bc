// Package whisper implements engine.Engine with the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once at startup and shared across all decode workers.
// Each Decode call creates a fresh whisper context: contexts are not
// thread-safe, but the model is, so concurrent decodes are fine.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/skald-labs/skald/internal/engine"
)

const defaultLanguage = "en"

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Option is a functional option for configuring the whisper Engine.
type Option func(*Engine)

// WithLanguage sets the default BCP-47 language code used when a request
// carries no language hint (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// Engine is a whisper.cpp-backed speech decoder.
type Engine struct {
	language string

	mu     sync.RWMutex
	model  whisperlib.Model
	closed bool
}

// New loads the whisper.cpp model from modelPath. The caller must call Close
// when the engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Decode runs whisper.cpp inference over the request's samples and returns
// the concatenated segment text.
func (e *Engine) Decode(ctx context.Context, req engine.Request) (engine.Hypothesis, error) {
	if err := ctx.Err(); err != nil {
		return engine.Hypothesis{}, fmt.Errorf("whisper: context cancelled before decode: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return engine.Hypothesis{}, errors.New("whisper: engine is closed")
	}

	lang := req.Language
	if lang == "" {
		lang = e.language
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return engine.Hypothesis{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}

	if err := wctx.Process(req.Samples, nil, nil, nil); err != nil {
		return engine.Hypothesis{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return engine.Hypothesis{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return engine.Hypothesis{Text: strings.Join(parts, " ")}, nil
}

// Close releases the whisper model. Calling Close more than once is safe.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.model.Close()
}
