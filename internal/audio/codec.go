package audio

import (
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMs is the longest Opus frame duration the decoder accepts.
// The Opus spec allows frames up to 120 ms; clients normally send 20 ms.
const maxOpusFrameMs = 120

// Encoding identifies the wire format of inbound binary audio payloads.
type Encoding string

const (
	// EncodingPCM16 is raw 16-bit signed little-endian mono PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingOpus is one Opus packet per binary message, decoded to PCM
	// at the declared sample rate.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM16 || e == EncodingOpus
}

// Decoder converts a transport audio payload into raw 16-bit mono PCM.
// A Decoder belongs to exactly one session and is not safe for concurrent use.
type Decoder interface {
	// Decode converts one binary payload. A non-nil error means the payload
	// does not match the declared audio format; the session treats this as
	// a configuration mismatch and terminates.
	Decode(payload []byte) ([]byte, error)
}

// NewDecoder creates a Decoder for the given encoding and sample rate.
func NewDecoder(enc Encoding, sampleRate int) (Decoder, error) {
	switch enc {
	case EncodingPCM16:
		return pcmDecoder{}, nil
	case EncodingOpus:
		dec, err := gopus.NewDecoder(sampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("audio: create opus decoder: %w", err)
		}
		return &opusDecoder{dec: dec, maxFrame: sampleRate * maxOpusFrameMs / 1000}, nil
	default:
		return nil, fmt.Errorf("audio: unsupported encoding %q", enc)
	}
}

// pcmDecoder passes payloads through unchanged, rejecting odd-length frames
// that cannot be 16-bit samples.
type pcmDecoder struct{}

func (pcmDecoder) Decode(payload []byte) ([]byte, error) {
	if len(payload)%bytesPerSample != 0 {
		return nil, errors.New("audio: pcm16 payload has odd length")
	}
	return payload, nil
}

// opusDecoder decodes one Opus packet per payload using gopus.
type opusDecoder struct {
	dec      *gopus.Decoder
	maxFrame int
}

func (d *opusDecoder) Decode(payload []byte) ([]byte, error) {
	samples, err := d.dec.Decode(payload, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16ToPCM(samples), nil
}
