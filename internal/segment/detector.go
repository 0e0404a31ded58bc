// Package segment implements endpoint detection for streaming audio.
//
// A Detector consumes fixed-size PCM frames one at a time and reports
// speech-start and speech-end boundaries using an RMS energy measure with
// hysteresis: a segment opens only after sustained energy above the trigger
// threshold, and closes only after the configured trailing silence below the
// release threshold has elapsed. Frames whose energy falls between the two
// thresholds never flip the detector state, which keeps single-frame noise
// from toggling segments.
//
// A Detector is exclusively owned by one session and is not safe for
// concurrent use.
package segment

import (
	"fmt"
	"time"

	"github.com/skald-labs/skald/internal/audio"
)

// Event is the detector's verdict for a single frame.
type Event int

const (
	// EventNone means no speech is active and nothing changed.
	EventNone Event = iota

	// EventSpeechStart marks the first frame of a new segment. The frames
	// that built up the trigger window belong to the segment too; callers
	// keep a short pre-roll for that purpose.
	EventSpeechStart

	// EventSpeechContinue means an open segment continues through this frame.
	EventSpeechContinue

	// EventSpeechEnd marks the close of the open segment after the trailing
	// silence window elapsed.
	EventSpeechEnd
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventSpeechStart:
		return "speech-start"
	case EventSpeechContinue:
		return "speech-continue"
	case EventSpeechEnd:
		return "speech-end"
	default:
		return "unknown"
	}
}

// Config holds the endpoint detection tuning knobs. The trailing silence
// length trades false segment truncation against added latency; it is
// deliberately exposed rather than hard-coded.
type Config struct {
	// TriggerThreshold is the RMS energy (16-bit PCM units, max 32767)
	// at or above which a frame counts towards opening a segment.
	// Default: 1000.
	TriggerThreshold float64

	// ReleaseThreshold is the RMS energy below which a frame counts towards
	// closing an open segment. Must not exceed TriggerThreshold.
	// Default: 500.
	ReleaseThreshold float64

	// SpeechWindow is how long energy must stay at or above the trigger
	// threshold before a segment opens. A single hot frame shorter than
	// this window never starts a segment. Default: 60ms.
	SpeechWindow time.Duration

	// TrailingSilence is how long energy must stay below the release
	// threshold before an open segment closes. Default: 500ms.
	TrailingSilence time.Duration

	// FrameDuration is the play time of each frame passed to Process.
	// Default: 20ms.
	FrameDuration time.Duration
}

// withDefaults returns cfg with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.TriggerThreshold <= 0 {
		c.TriggerThreshold = 1000
	}
	if c.ReleaseThreshold <= 0 {
		c.ReleaseThreshold = 500
	}
	if c.SpeechWindow <= 0 {
		c.SpeechWindow = 60 * time.Millisecond
	}
	if c.TrailingSilence <= 0 {
		c.TrailingSilence = 500 * time.Millisecond
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	return c
}

// Detector is a per-session endpoint detector.
type Detector struct {
	cfg Config

	inSpeech   bool
	hotRun     time.Duration
	silenceRun time.Duration
}

// New creates a Detector. Zero-value config fields get defaults. Returns an
// error when the release threshold exceeds the trigger threshold, since that
// would invert the hysteresis band.
func New(cfg Config) (*Detector, error) {
	cfg = cfg.withDefaults()
	if cfg.ReleaseThreshold > cfg.TriggerThreshold {
		return nil, fmt.Errorf("segment: release threshold %.0f exceeds trigger threshold %.0f",
			cfg.ReleaseThreshold, cfg.TriggerThreshold)
	}
	return &Detector{cfg: cfg}, nil
}

// Process evaluates one PCM frame and returns the resulting event.
func (d *Detector) Process(frame []byte) Event {
	rms := audio.RMS(frame)

	if !d.inSpeech {
		if rms >= d.cfg.TriggerThreshold {
			d.hotRun += d.cfg.FrameDuration
			if d.hotRun >= d.cfg.SpeechWindow {
				d.inSpeech = true
				d.silenceRun = 0
				return EventSpeechStart
			}
		} else {
			d.hotRun = 0
		}
		return EventNone
	}

	if rms < d.cfg.ReleaseThreshold {
		d.silenceRun += d.cfg.FrameDuration
		if d.silenceRun >= d.cfg.TrailingSilence {
			d.reset()
			return EventSpeechEnd
		}
	} else {
		// Anything at or above the release threshold keeps the segment
		// open, including frames inside the hysteresis band.
		d.silenceRun = 0
	}
	return EventSpeechContinue
}

// ForceEnd closes an open segment regardless of detector state, as on an
// explicit client end-of-stream. Returns EventSpeechEnd when a segment was
// open and EventNone otherwise.
func (d *Detector) ForceEnd() Event {
	if !d.inSpeech {
		return EventNone
	}
	d.reset()
	return EventSpeechEnd
}

// InSpeech reports whether a segment is currently open.
func (d *Detector) InSpeech() bool { return d.inSpeech }

// Reset clears all accumulated detection state without changing the
// configuration.
func (d *Detector) Reset() { d.reset() }

func (d *Detector) reset() {
	d.inSpeech = false
	d.hotRun = 0
	d.silenceRun = 0
}
