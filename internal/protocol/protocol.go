// Package protocol defines the JSON control and result messages exchanged
// with clients over the persistent connection. The package owns message
// format only; framing belongs to the transport.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/skald-labs/skald/internal/audio"
)

// DecodeMode selects the session's decode strategy.
type DecodeMode string

const (
	// ModeStreaming emits interval partials while a segment is open and a
	// final when it closes.
	ModeStreaming DecodeMode = "streaming"

	// ModeTwoPass behaves like streaming, with the final decode running
	// over the complete segment as an authoritative second pass.
	ModeTwoPass DecodeMode = "two-pass"

	// ModeOffline emits no partials; each segment produces exactly one
	// final result.
	ModeOffline DecodeMode = "offline"
)

// IsValid reports whether m is a recognised decode mode.
func (m DecodeMode) IsValid() bool {
	switch m {
	case ModeStreaming, ModeTwoPass, ModeOffline:
		return true
	}
	return false
}

// Control is an inbound client control message. The first control message
// on a connection configures the session; later messages may only carry
// is_eof and hotword updates.
type Control struct {
	// Mode fixes the decode strategy for the session.
	Mode DecodeMode `json:"mode,omitempty"`

	// SampleRate is the audio sample rate in Hz of the inbound stream.
	SampleRate int `json:"sample_rate,omitempty"`

	// Encoding is the wire format of binary audio payloads.
	Encoding audio.Encoding `json:"encoding,omitempty"`

	// IsEOF signals end-of-stream: any open segment is force-closed and
	// the session drains its outstanding results before closing.
	IsEOF bool `json:"is_eof,omitempty"`

	// Hotwords are session-scoped vocabulary hints merged with the
	// server-wide hotword list for hypothesis correction.
	Hotwords []string `json:"hotwords,omitempty"`
}

// ParseControl decodes a control message. Unknown fields are rejected so
// client typos surface as protocol errors instead of silently ignored knobs.
func ParseControl(data []byte) (Control, error) {
	var c Control
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Control{}, fmt.Errorf("protocol: parse control message: %w", err)
	}
	return c, nil
}

// ResultKind distinguishes partial from final results.
type ResultKind string

const (
	// KindPartial marks a low-latency hypothesis subject to revision.
	KindPartial ResultKind = "partial"

	// KindFinal marks the authoritative hypothesis for a closed segment.
	KindFinal ResultKind = "final"
)

// Result is an outbound transcription result message.
type Result struct {
	// Mode is "partial" or "final".
	Mode ResultKind `json:"mode"`

	// Text is the hypothesis text.
	Text string `json:"text"`

	// SegmentID is the 1-based segment the hypothesis belongs to.
	SegmentID uint64 `json:"segment_id"`
}

// Status names for outbound status messages.
const (
	// StatusServerBusy reports decode pool saturation; the session
	// continues but audio may have been dropped.
	StatusServerBusy = "server-busy"

	// StatusDecodeFailed reports an engine failure for one segment; the
	// session continues with the next segment.
	StatusDecodeFailed = "decode-failed"

	// StatusError reports a fatal session error; the connection closes
	// after this message.
	StatusError = "error"
)

// Status is an outbound status/error message.
type Status struct {
	// Status is one of the Status* constants.
	Status string `json:"status"`

	// Message is a human-readable explanation.
	Message string `json:"message,omitempty"`

	// SegmentID is set when the status concerns one segment.
	SegmentID uint64 `json:"segment_id,omitempty"`
}

// Encode marshals an outbound message to its wire form.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %T: %w", msg, err)
	}
	return data, nil
}
