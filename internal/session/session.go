// Package session owns the per-connection recognition state machine.
//
// A Session is fed by exactly one connection goroutine (HandleControl and
// HandleAudio) and delivers results from pool worker goroutines through its
// dispatcher. Audio-path state (frame buffer, endpoint detector, open segment)
// is therefore owned by the connection goroutine and needs no locking; the
// small amount of state shared with workers and the registry sweeper sits
// behind a mutex.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skald-labs/skald/internal/audio"
	"github.com/skald-labs/skald/internal/decode"
	"github.com/skald-labs/skald/internal/dispatch"
	"github.com/skald-labs/skald/internal/observe"
	"github.com/skald-labs/skald/internal/protocol"
	"github.com/skald-labs/skald/internal/segment"
	"github.com/skald-labs/skald/internal/transcript"
)

// ErrProtocol marks a client violation of the session protocol. The caller
// must report it and terminate the session.
var ErrProtocol = errors.New("session: protocol error")

// ErrConfigMismatch marks audio that does not match the negotiated session
// configuration, such as undecodable payloads. Terminates the session.
var ErrConfigMismatch = errors.New("session: audio does not match negotiated configuration")

// State is the session lifecycle state.
type State int

const (
	// StateIdle is the state before the configuring control message.
	StateIdle State = iota

	// StateStreaming means the session is configured and accepting audio
	// with no segment currently open.
	StateStreaming

	// StateSegmenting means a speech segment is open and accumulating.
	StateSegmenting

	// StateDecoding means the last segment closed and its final decode is
	// outstanding. Audio intake continues; a new segment may open.
	StateDecoding

	// StateClosing means end-of-stream was received and the session is
	// draining outstanding results.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

// String implements [fmt.Stringer] for log output.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateSegmenting:
		return "segmenting"
	case StateDecoding:
		return "decoding"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender is the outbound half of the client connection. Implementations must
// be safe for concurrent use; results and statuses are written from worker
// goroutines as well as the connection goroutine.
type Sender interface {
	SendResult(protocol.Result) error
	SendStatus(protocol.Status) error
}

// Config carries the collaborators and tuning for one session.
type Config struct {
	// ID identifies the session in logs, metrics and the transcript store.
	ID string

	// Pool is the shared decode worker pool.
	Pool *decode.Pool

	// Sender delivers outbound messages to the client.
	Sender Sender

	// Store receives final transcripts. Nil disables persistence.
	Store transcript.Store

	// Metrics receives session instrumentation. When nil,
	// [observe.DefaultMetrics] is used.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Detector tunes endpoint detection. Zero fields get defaults.
	Detector segment.Config

	// PartialInterval is the minimum audio time between partial decode
	// snapshots of an open segment. Default: 500ms.
	PartialInterval time.Duration

	// MaxSegment caps the audio a single segment may accumulate before it
	// is force-finalised, bounding memory and decode latency per request.
	// Default: 30s.
	MaxSegment time.Duration

	// Language is the recognition language hint passed to the engine.
	Language string

	// Hotwords is the server-wide hotword list. Per-session hotwords from
	// the configuring control message are merged in.
	Hotwords []string
}

// Session is the per-connection recognition state machine. HandleControl and
// HandleAudio must be called from a single goroutine; everything else is safe
// for concurrent use.
type Session struct {
	id      string
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	pool    *decode.Pool
	sender  Sender
	store   transcript.Store
	disp    *dispatch.Dispatcher

	// Audio path, connection-goroutine-owned after configure.
	mode       protocol.DecodeMode
	sampleRate int
	frameSize  int
	frameDur   time.Duration
	decoder    audio.Decoder
	frames     *audio.FrameBuffer
	det        *segment.Detector
	preroll    [][]byte
	prerollCap int
	segBuf     []byte
	seq        uint64
	segID      uint64
	sincePart  time.Duration
	busySent   bool

	// Shared state.
	mu           sync.Mutex
	state        State
	eof          bool
	lastActivity time.Time
	corrector    *transcript.Corrector

	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*Session)
}

// New creates an unconfigured session. The first control message moves it out
// of [StateIdle].
func New(cfg Config) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PartialInterval <= 0 {
		cfg.PartialInterval = 500 * time.Millisecond
	}
	if cfg.MaxSegment <= 0 {
		cfg.MaxSegment = 30 * time.Second
	}
	s := &Session{
		id:           cfg.ID,
		cfg:          cfg,
		log:          cfg.Logger.With("session_id", cfg.ID),
		metrics:      cfg.Metrics,
		pool:         cfg.Pool,
		sender:       cfg.Sender,
		store:        cfg.Store,
		state:        StateIdle,
		lastActivity: time.Now(),
		corrector:    transcript.NewCorrector(cfg.Hotwords),
		done:         make(chan struct{}),
	}
	s.disp = dispatch.New(s.deliver, cfg.Metrics)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches [StateClosed].
func (s *Session) Done() <-chan struct{} { return s.done }

// IdleSince returns the time of the last client activity.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// HandleControl processes one inbound text message. A [ErrProtocol] return
// means the session must be terminated.
func (s *Session) HandleControl(data []byte) error {
	s.touch()

	ctl, err := protocol.ParseControl(data)
	if err != nil {
		s.metrics.RecordProtocolError(context.Background(), "malformed-control")
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch s.State() {
	case StateIdle:
		return s.configure(ctl)
	case StateClosing, StateClosed:
		s.metrics.RecordProtocolError(context.Background(), "control-after-eof")
		return fmt.Errorf("%w: control message after end-of-stream", ErrProtocol)
	default:
		return s.update(ctl)
	}
}

// configure applies the first control message.
func (s *Session) configure(ctl protocol.Control) error {
	if !ctl.Mode.IsValid() {
		s.metrics.RecordProtocolError(context.Background(), "invalid-mode")
		return fmt.Errorf("%w: invalid or missing mode %q", ErrProtocol, ctl.Mode)
	}
	if ctl.SampleRate <= 0 {
		s.metrics.RecordProtocolError(context.Background(), "invalid-sample-rate")
		return fmt.Errorf("%w: invalid sample rate %d", ErrProtocol, ctl.SampleRate)
	}
	cfg := s.cfg.Detector
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.SpeechWindow <= 0 {
		cfg.SpeechWindow = 60 * time.Millisecond
	}
	frameSize := 2 * int(cfg.FrameDuration.Seconds()*float64(ctl.SampleRate))
	if frameSize <= 0 {
		// A rate this low rounds a detector frame to zero samples, so the
		// frame buffer would accumulate audio forever without draining.
		s.metrics.RecordProtocolError(context.Background(), "invalid-sample-rate")
		return fmt.Errorf("%w: sample rate %d yields empty %v frames", ErrProtocol, ctl.SampleRate, cfg.FrameDuration)
	}
	enc := ctl.Encoding
	if enc == "" {
		enc = audio.EncodingPCM16
	}
	dec, err := audio.NewDecoder(enc, ctl.SampleRate)
	if err != nil {
		s.metrics.RecordProtocolError(context.Background(), "invalid-encoding")
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	det, err := segment.New(s.cfg.Detector)
	if err != nil {
		return fmt.Errorf("session %s: %w", s.id, err)
	}

	s.mode = ctl.Mode
	s.sampleRate = ctl.SampleRate
	s.decoder = dec
	s.frames = audio.NewFrameBuffer(ctl.SampleRate)
	s.det = det

	s.frameDur = cfg.FrameDuration
	s.frameSize = frameSize
	// The detector reports speech-start only after the speech window fills,
	// so the ring must hold at least that much history plus a little slack.
	s.prerollCap = int(cfg.SpeechWindow/cfg.FrameDuration) + 5

	s.mu.Lock()
	s.state = StateStreaming
	if len(ctl.Hotwords) > 0 {
		merged := append(append([]string(nil), s.cfg.Hotwords...), ctl.Hotwords...)
		s.corrector = transcript.NewCorrector(merged)
	}
	s.mu.Unlock()

	s.log.Info("session configured",
		"mode", string(ctl.Mode), "sample_rate", ctl.SampleRate, "encoding", string(enc))

	if ctl.IsEOF {
		s.beginClose()
	}
	return nil
}

// update applies a follow-up control message. Only end-of-stream and hotword
// updates are legal after configuration; attempts to renegotiate the stream
// format are protocol errors.
func (s *Session) update(ctl protocol.Control) error {
	if (ctl.Mode != "" && ctl.Mode != s.mode) ||
		(ctl.SampleRate != 0 && ctl.SampleRate != s.sampleRate) {
		s.metrics.RecordProtocolError(context.Background(), "renegotiation")
		return fmt.Errorf("%w: session parameters cannot change mid-stream", ErrProtocol)
	}
	if len(ctl.Hotwords) > 0 {
		merged := append(append([]string(nil), s.cfg.Hotwords...), ctl.Hotwords...)
		s.mu.Lock()
		s.corrector = transcript.NewCorrector(merged)
		s.mu.Unlock()
	}
	if ctl.IsEOF {
		s.beginClose()
	}
	return nil
}

// HandleAudio processes one inbound binary payload. [ErrProtocol] and
// [ErrConfigMismatch] returns mean the session must be terminated.
func (s *Session) HandleAudio(payload []byte) error {
	s.touch()

	switch s.State() {
	case StateIdle:
		s.metrics.RecordProtocolError(context.Background(), "audio-before-configure")
		return fmt.Errorf("%w: audio before configuring control message", ErrProtocol)
	case StateClosing, StateClosed:
		s.metrics.RecordProtocolError(context.Background(), "audio-after-eof")
		return fmt.Errorf("%w: audio after end-of-stream", ErrProtocol)
	}

	pcm, err := s.decoder.Decode(payload)
	if err != nil {
		s.metrics.RecordProtocolError(context.Background(), "undecodable-audio")
		return fmt.Errorf("%w: %v", ErrConfigMismatch, err)
	}
	s.metrics.AudioBytes.Add(context.Background(), int64(len(pcm)))

	if err := s.frames.Append(audio.Chunk{Data: pcm, Index: s.frames.NextIndex()}); err != nil {
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	for frame := range s.frames.Frames(s.frameSize) {
		s.processFrame(frame)
	}
	return nil
}

// processFrame runs endpoint detection over one fixed-size frame and advances
// the segment state machine.
func (s *Session) processFrame(frame []byte) {
	switch s.det.Process(frame) {
	case segment.EventNone:
		s.pushPreroll(frame)

	case segment.EventSpeechStart:
		s.segID++
		s.sincePart = 0
		s.busySent = false
		s.segBuf = s.segBuf[:0]
		for _, f := range s.preroll {
			s.segBuf = append(s.segBuf, f...)
		}
		s.preroll = s.preroll[:0]
		s.segBuf = append(s.segBuf, frame...)
		s.setState(StateSegmenting)
		s.log.Debug("segment opened", "segment_id", s.segID)

	case segment.EventSpeechContinue:
		s.segBuf = append(s.segBuf, frame...)
		s.sincePart += s.frameDur
		if audio.Duration(len(s.segBuf), s.sampleRate) >= s.cfg.MaxSegment {
			// Oversized segment: finalise what we have and keep going in
			// a fresh segment rather than growing without bound.
			s.log.Warn("segment exceeded maximum duration, force-finalising",
				"segment_id", s.segID, "max", s.cfg.MaxSegment)
			s.det.Reset()
			s.finishSegment()
			return
		}
		if s.mode != protocol.ModeOffline && s.sincePart >= s.partialInterval() {
			s.sincePart = 0
			s.submit(false)
		}

	case segment.EventSpeechEnd:
		s.segBuf = append(s.segBuf, frame...)
		s.finishSegment()
	}
}

// finishSegment submits the final decode for the open segment.
func (s *Session) finishSegment() {
	s.log.Debug("segment closed",
		"segment_id", s.segID,
		"duration", audio.Duration(len(s.segBuf), s.sampleRate))
	s.submit(true)
	s.segBuf = s.segBuf[:0]
	s.setState(StateDecoding)
}

// submit hands the current segment audio to the pool. Saturation on a final
// is surfaced to the client as server-busy and the segment audio is dropped;
// saturation on a partial is logged only, since the final will follow.
func (s *Session) submit(final bool) {
	if len(s.segBuf) == 0 {
		return
	}
	s.seq++
	req := decode.Request{
		SessionID:  s.id,
		Seq:        s.seq,
		SegmentID:  s.segID,
		Final:      final,
		Samples:    audio.PCMToFloat32(s.segBuf),
		SampleRate: s.sampleRate,
		Language:   s.cfg.Language,
	}
	s.disp.Track(req.Seq, req.SegmentID, req.Final)
	err := s.pool.Submit(context.Background(), req, s.disp.Offer)
	if err == nil {
		return
	}
	s.disp.Cancel(req.Seq)
	if !errors.Is(err, decode.ErrSaturated) {
		s.log.Warn("decode submit failed", "segment_id", s.segID, "error", err)
		return
	}
	if !final {
		s.log.Debug("partial snapshot dropped, pool saturated", "segment_id", s.segID)
		return
	}
	s.log.Warn("final decode rejected, pool saturated", "segment_id", s.segID)
	if !s.busySent {
		s.busySent = true
		s.sendStatus(protocol.Status{
			Status:    protocol.StatusServerBusy,
			Message:   "decode capacity exhausted, segment dropped",
			SegmentID: s.segID,
		})
	}
}

// beginClose handles end-of-stream: force-close any open segment, then drain.
func (s *Session) beginClose() {
	if s.det != nil && s.det.ForceEnd() == segment.EventSpeechEnd {
		s.finishSegment()
	}
	s.mu.Lock()
	s.eof = true
	if s.state != StateClosed {
		s.state = StateClosing
	}
	pending := s.disp.Pending()
	s.mu.Unlock()

	if pending == 0 {
		s.Close("eof")
	}
}

// deliver is the dispatcher sink. Runs on pool worker goroutines in strict
// delivery order.
func (s *Session) deliver(res decode.Result) error {
	if res.Err != nil {
		if errors.Is(res.Err, decode.ErrClosed) {
			s.afterFinal(res)
			return nil
		}
		if res.Final {
			s.sendStatus(protocol.Status{
				Status:    protocol.StatusDecodeFailed,
				Message:   "segment decode failed",
				SegmentID: res.SegmentID,
			})
		} else {
			s.log.Warn("partial decode failed", "segment_id", res.SegmentID, "error", res.Err)
		}
		s.afterFinal(res)
		return nil
	}

	s.mu.Lock()
	corr := s.corrector
	s.mu.Unlock()
	text := corr.Correct(res.Text)

	kind := protocol.KindPartial
	if res.Final {
		kind = protocol.KindFinal
	}
	if err := s.sender.SendResult(protocol.Result{
		Mode:      kind,
		Text:      text,
		SegmentID: res.SegmentID,
	}); err != nil {
		s.log.Warn("result send failed, closing session", "error", err)
		s.Close("send-failed")
		return err
	}

	if res.Final {
		s.persist(res.SegmentID, text)
	}
	s.afterFinal(res)
	return nil
}

// afterFinal advances the state machine after a final result resolves.
func (s *Session) afterFinal(res decode.Result) {
	if !res.Final {
		return
	}
	s.mu.Lock()
	if s.state == StateDecoding {
		s.state = StateStreaming
	}
	eof := s.eof
	pending := s.disp.Pending()
	s.mu.Unlock()

	if eof && pending == 0 {
		s.Close("eof")
	}
}

// persist saves a final transcript. Storage failures are logged, never
// surfaced to the client: the result was already delivered.
func (s *Session) persist(segmentID uint64, text string) {
	if s.store == nil || text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.store.Save(ctx, transcript.Entry{
		SessionID: s.id,
		SegmentID: segmentID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("transcript save failed", "segment_id", segmentID, "error", err)
	}
}

// Close moves the session to [StateClosed], stops result delivery and fires
// the registry callback. Safe to call from any goroutine, more than once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.disp.Close()
		close(s.done)
		s.log.Info("session closed", "reason", reason)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Session) partialInterval() time.Duration {
	return s.cfg.PartialInterval
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) pushPreroll(frame []byte) {
	f := append([]byte(nil), frame...)
	s.preroll = append(s.preroll, f)
	if len(s.preroll) > s.prerollCap {
		s.preroll = s.preroll[1:]
	}
}

func (s *Session) sendStatus(st protocol.Status) {
	if err := s.sender.SendStatus(st); err != nil {
		s.log.Warn("status send failed", "status", st.Status, "error", err)
	}
}
