package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skald-labs/skald/internal/decode"
	"github.com/skald-labs/skald/internal/engine"
	enginemock "github.com/skald-labs/skald/internal/engine/mock"
	"github.com/skald-labs/skald/internal/observe"
	"github.com/skald-labs/skald/internal/protocol"
	"github.com/skald-labs/skald/internal/segment"
	"github.com/skald-labs/skald/internal/transcript"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics error: %v", err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// recordingSender captures outbound messages for assertions.
type recordingSender struct {
	mu       sync.Mutex
	results  []protocol.Result
	statuses []protocol.Status
}

func (r *recordingSender) SendResult(msg protocol.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, msg)
	return nil
}

func (r *recordingSender) SendStatus(msg protocol.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, msg)
	return nil
}

func (r *recordingSender) snapshotResults() []protocol.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Result(nil), r.results...)
}

func (r *recordingSender) snapshotStatuses() []protocol.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Status(nil), r.statuses...)
}

const testSampleRate = 16000

// pcmPayload builds d worth of 16-bit PCM at the given square-wave amplitude.
// Amplitude 0 is silence.
func pcmPayload(d time.Duration, amplitude int16) []byte {
	n := int(d.Seconds() * testSampleRate)
	out := make([]byte, 2*n)
	for i := range n {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func testDetectorConfig() segment.Config {
	return segment.Config{
		TriggerThreshold: 1000,
		ReleaseThreshold: 500,
		SpeechWindow:     60 * time.Millisecond,
		TrailingSilence:  200 * time.Millisecond,
		FrameDuration:    20 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, eng engine.Engine, mode protocol.DecodeMode) (*Session, *recordingSender, *decode.Pool) {
	t.Helper()
	metrics := newTestMetrics(t)
	pool := decode.NewPool(eng, decode.Config{Workers: 2, QueueDepth: 8, Metrics: metrics})
	t.Cleanup(pool.Close)

	sender := &recordingSender{}
	s := New(Config{
		ID:       "test-session",
		Pool:     pool,
		Sender:   sender,
		Metrics:  metrics,
		Detector: testDetectorConfig(),
	})
	t.Cleanup(func() { s.Close("test-cleanup") })

	ctl := fmt.Sprintf(`{"mode":%q,"sample_rate":16000,"encoding":"pcm16"}`, mode)
	if err := s.HandleControl([]byte(ctl)); err != nil {
		t.Fatalf("HandleControl(configure) error: %v", err)
	}
	return s, sender, pool
}

func feed(t *testing.T, s *Session, d time.Duration, amplitude int16) {
	t.Helper()
	// 100ms payloads, the typical client chunk size.
	step := 100 * time.Millisecond
	for remaining := d; remaining > 0; remaining -= step {
		chunk := min(step, remaining)
		if err := s.HandleAudio(pcmPayload(chunk, amplitude)); err != nil {
			t.Fatalf("HandleAudio error: %v", err)
		}
	}
}

func TestSession_SilenceSpeechSilenceProducesOneFinal(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{Text: "hello world"}
	s, sender, _ := newTestSession(t, eng, protocol.ModeStreaming)

	feed(t, s, 3*time.Second, 0)
	feed(t, s, 2*time.Second, 8000)
	feed(t, s, 1*time.Second, 0)

	if err := s.HandleControl([]byte(`{"is_eof":true}`)); err != nil {
		t.Fatalf("HandleControl(eof) error: %v", err)
	}
	waitFor(t, func() bool { return s.State() == StateClosed })

	results := sender.snapshotResults()
	if len(results) == 0 {
		t.Fatal("no results delivered")
	}

	finals := 0
	for i, r := range results {
		if r.SegmentID != 1 {
			t.Errorf("result %d segment_id = %d, want 1", i, r.SegmentID)
		}
		if r.Mode == protocol.KindFinal {
			finals++
			if i != len(results)-1 {
				t.Errorf("final delivered at position %d, want last (%d)", i, len(results)-1)
			}
			if r.Text != "hello world" {
				t.Errorf("final text = %q, want %q", r.Text, "hello world")
			}
		}
	}
	if finals != 1 {
		t.Errorf("delivered %d finals, want exactly 1", finals)
	}
	if len(results) < 2 {
		t.Errorf("delivered %d results, want partials before the final", len(results))
	}
}

func TestSession_OfflineModeEmitsNoPartials(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{Text: "offline text"}
	s, sender, _ := newTestSession(t, eng, protocol.ModeOffline)

	feed(t, s, 2*time.Second, 8000)
	feed(t, s, 500*time.Millisecond, 0)

	if err := s.HandleControl([]byte(`{"is_eof":true}`)); err != nil {
		t.Fatalf("HandleControl(eof) error: %v", err)
	}
	waitFor(t, func() bool { return s.State() == StateClosed })

	results := sender.snapshotResults()
	if len(results) != 1 {
		t.Fatalf("delivered %d results, want exactly 1 final", len(results))
	}
	if results[0].Mode != protocol.KindFinal || results[0].Text != "offline text" {
		t.Errorf("result = %+v, want final %q", results[0], "offline text")
	}
}

func TestSession_AudioBeforeConfigureIsProtocolError(t *testing.T) {
	t.Parallel()

	metrics := newTestMetrics(t)
	pool := decode.NewPool(&enginemock.Engine{}, decode.Config{Metrics: metrics})
	t.Cleanup(pool.Close)

	s := New(Config{ID: "s", Pool: pool, Sender: &recordingSender{}, Metrics: metrics})
	t.Cleanup(func() { s.Close("test-cleanup") })

	err := s.HandleAudio(pcmPayload(20*time.Millisecond, 0))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("HandleAudio before configure = %v, want ErrProtocol", err)
	}
}

func TestSession_MalformedControlIsProtocolError(t *testing.T) {
	t.Parallel()

	metrics := newTestMetrics(t)
	pool := decode.NewPool(&enginemock.Engine{}, decode.Config{Metrics: metrics})
	t.Cleanup(pool.Close)

	s := New(Config{ID: "s", Pool: pool, Sender: &recordingSender{}, Metrics: metrics})
	t.Cleanup(func() { s.Close("test-cleanup") })

	for _, raw := range []string{`{not json`, `{"mode":"shouty"}`, `{"mode":"streaming","sample_rate":-1}`, `{"frobnicate":true}`} {
		if err := s.HandleControl([]byte(raw)); !errors.Is(err, ErrProtocol) {
			t.Errorf("HandleControl(%q) = %v, want ErrProtocol", raw, err)
		}
	}
}

func TestSession_SampleRateBelowFrameResolutionRejected(t *testing.T) {
	t.Parallel()

	metrics := newTestMetrics(t)
	pool := decode.NewPool(&enginemock.Engine{}, decode.Config{Metrics: metrics})
	t.Cleanup(pool.Close)

	s := New(Config{
		ID: "s", Pool: pool, Sender: &recordingSender{},
		Metrics: metrics, Detector: testDetectorConfig(),
	})
	t.Cleanup(func() { s.Close("test-cleanup") })

	// 20 Hz passes the positive-rate check but rounds a 20 ms detector frame
	// down to zero samples, so the session must refuse the configuration
	// rather than buffer audio it can never drain.
	err := s.HandleControl([]byte(`{"mode":"offline","sample_rate":20}`))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("HandleControl(sample_rate=20) = %v, want ErrProtocol", err)
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state after rejected configure = %v, want %v", got, StateIdle)
	}
}

func TestSession_RenegotiationRejected(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, &enginemock.Engine{}, protocol.ModeStreaming)

	err := s.HandleControl([]byte(`{"mode":"offline"}`))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("mode change mid-stream = %v, want ErrProtocol", err)
	}
	err = s.HandleControl([]byte(`{"sample_rate":8000}`))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("sample rate change mid-stream = %v, want ErrProtocol", err)
	}
}

func TestSession_OddPCMLengthIsConfigMismatch(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, &enginemock.Engine{}, protocol.ModeStreaming)

	err := s.HandleAudio([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("odd-length payload = %v, want ErrConfigMismatch", err)
	}
}

func TestSession_PoolSaturationSurfacesServerBusy(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	eng := &enginemock.Engine{
		DecodeFunc: func(ctx context.Context, req engine.Request) (engine.Hypothesis, error) {
			<-gate
			return engine.Hypothesis{Text: "late"}, nil
		},
	}
	metrics := newTestMetrics(t)
	pool := decode.NewPool(eng, decode.Config{Workers: 1, QueueDepth: 1, Metrics: metrics})
	t.Cleanup(func() {
		close(gate)
		pool.Close()
	})

	// Occupy the only worker and fill the queue so the session's final
	// decode has nowhere to go.
	for range 2 {
		err := pool.Submit(context.Background(), decode.Request{Samples: []float32{0}}, func(decode.Result) {})
		if err != nil {
			t.Fatalf("pre-fill Submit error: %v", err)
		}
	}
	waitFor(t, func() bool { return len(eng.Calls()) == 1 })

	sender := &recordingSender{}
	s := New(Config{
		ID:       "busy-session",
		Pool:     pool,
		Sender:   sender,
		Metrics:  metrics,
		Detector: testDetectorConfig(),
	})
	t.Cleanup(func() { s.Close("test-cleanup") })
	if err := s.HandleControl([]byte(`{"mode":"offline","sample_rate":16000}`)); err != nil {
		t.Fatalf("HandleControl error: %v", err)
	}

	feed(t, s, 1*time.Second, 8000)
	feed(t, s, 500*time.Millisecond, 0)

	statuses := sender.snapshotStatuses()
	if len(statuses) != 1 || statuses[0].Status != protocol.StatusServerBusy {
		t.Fatalf("statuses = %+v, want one server-busy", statuses)
	}
	if got := s.State(); got == StateClosed {
		t.Fatal("session closed after saturation, want it to survive")
	}
}

func TestSession_DecodeFailureReportedAndSessionContinues(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{DecodeErr: errors.New("model exploded")}
	s, sender, _ := newTestSession(t, eng, protocol.ModeOffline)

	feed(t, s, 1*time.Second, 8000)
	feed(t, s, 500*time.Millisecond, 0)

	waitFor(t, func() bool { return len(sender.snapshotStatuses()) == 1 })
	st := sender.snapshotStatuses()[0]
	if st.Status != protocol.StatusDecodeFailed || st.SegmentID != 1 {
		t.Fatalf("status = %+v, want decode-failed for segment 1", st)
	}
	if s.State() == StateClosed {
		t.Fatal("session closed after decode failure, want it to survive")
	}
}

func TestSession_TwoSessionsShareOneWorkerWithoutCrosstalk(t *testing.T) {
	t.Parallel()

	// The engine labels each hypothesis by input loudness so a result
	// delivered to the wrong session is detectable.
	eng := &enginemock.Engine{
		DecodeFunc: func(ctx context.Context, req engine.Request) (engine.Hypothesis, error) {
			peak := float32(0)
			for _, v := range req.Samples {
				if v > peak {
					peak = v
				}
			}
			if peak > 0.3 {
				return engine.Hypothesis{Text: "loud"}, nil
			}
			return engine.Hypothesis{Text: "quiet"}, nil
		},
	}
	metrics := newTestMetrics(t)
	pool := decode.NewPool(eng, decode.Config{Workers: 1, QueueDepth: 8, Metrics: metrics})
	t.Cleanup(pool.Close)

	newSess := func(id string) (*Session, *recordingSender) {
		sender := &recordingSender{}
		s := New(Config{
			ID:       id,
			Pool:     pool,
			Sender:   sender,
			Metrics:  metrics,
			Detector: testDetectorConfig(),
		})
		t.Cleanup(func() { s.Close("test-cleanup") })
		if err := s.HandleControl([]byte(`{"mode":"offline","sample_rate":16000}`)); err != nil {
			t.Fatalf("HandleControl error: %v", err)
		}
		return s, sender
	}

	quiet, quietSender := newSess("quiet-session")
	loud, loudSender := newSess("loud-session")

	feed(t, quiet, 1*time.Second, 4000)
	feed(t, loud, 1*time.Second, 14000)
	feed(t, quiet, 500*time.Millisecond, 0)
	feed(t, loud, 500*time.Millisecond, 0)

	for _, s := range []*Session{quiet, loud} {
		if err := s.HandleControl([]byte(`{"is_eof":true}`)); err != nil {
			t.Fatalf("HandleControl(eof) error: %v", err)
		}
	}
	waitFor(t, func() bool {
		return quiet.State() == StateClosed && loud.State() == StateClosed
	})

	for _, tc := range []struct {
		name   string
		sender *recordingSender
		want   string
	}{
		{"quiet", quietSender, "quiet"},
		{"loud", loudSender, "loud"},
	} {
		results := tc.sender.snapshotResults()
		if len(results) != 1 {
			t.Fatalf("%s session got %d results, want 1", tc.name, len(results))
		}
		if results[0].Text != tc.want {
			t.Errorf("%s session got text %q, want %q", tc.name, results[0].Text, tc.want)
		}
	}
}

func TestSession_HotwordsAppliedToResults(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{Text: "restart coobernetes now"}
	metrics := newTestMetrics(t)
	pool := decode.NewPool(eng, decode.Config{Metrics: metrics})
	t.Cleanup(pool.Close)

	sender := &recordingSender{}
	s := New(Config{
		ID:       "hotword-session",
		Pool:     pool,
		Sender:   sender,
		Metrics:  metrics,
		Detector: testDetectorConfig(),
	})
	t.Cleanup(func() { s.Close("test-cleanup") })

	ctl := `{"mode":"offline","sample_rate":16000,"hotwords":["Kubernetes"]}`
	if err := s.HandleControl([]byte(ctl)); err != nil {
		t.Fatalf("HandleControl error: %v", err)
	}

	feed(t, s, 1*time.Second, 8000)
	feed(t, s, 500*time.Millisecond, 0)
	if err := s.HandleControl([]byte(`{"is_eof":true}`)); err != nil {
		t.Fatalf("HandleControl(eof) error: %v", err)
	}
	waitFor(t, func() bool { return s.State() == StateClosed })

	results := sender.snapshotResults()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if want := "restart Kubernetes now"; results[0].Text != want {
		t.Errorf("text = %q, want %q", results[0].Text, want)
	}
}

func TestSession_FinalsPersistedToStore(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{Text: "for the record"}
	metrics := newTestMetrics(t)
	pool := decode.NewPool(eng, decode.Config{Metrics: metrics})
	t.Cleanup(pool.Close)

	store := transcript.NewMemStore()
	sender := &recordingSender{}
	s := New(Config{
		ID:       "stored-session",
		Pool:     pool,
		Sender:   sender,
		Store:    store,
		Metrics:  metrics,
		Detector: testDetectorConfig(),
	})
	t.Cleanup(func() { s.Close("test-cleanup") })
	if err := s.HandleControl([]byte(`{"mode":"offline","sample_rate":16000}`)); err != nil {
		t.Fatalf("HandleControl error: %v", err)
	}

	feed(t, s, 1*time.Second, 8000)
	feed(t, s, 500*time.Millisecond, 0)
	if err := s.HandleControl([]byte(`{"is_eof":true}`)); err != nil {
		t.Fatalf("HandleControl(eof) error: %v", err)
	}
	waitFor(t, func() bool { return s.State() == StateClosed })

	entries, err := store.BySession(context.Background(), "stored-session")
	if err != nil {
		t.Fatalf("BySession error: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "for the record" || entries[0].SegmentID != 1 {
		t.Fatalf("stored entries = %+v, want one entry for segment 1", entries)
	}
}

func TestSession_EOFWithNoAudioClosesImmediately(t *testing.T) {
	t.Parallel()

	s, sender, _ := newTestSession(t, &enginemock.Engine{}, protocol.ModeStreaming)

	if err := s.HandleControl([]byte(`{"is_eof":true}`)); err != nil {
		t.Fatalf("HandleControl(eof) error: %v", err)
	}
	waitFor(t, func() bool { return s.State() == StateClosed })

	if n := len(sender.snapshotResults()); n != 0 {
		t.Errorf("got %d results for an empty stream, want 0", n)
	}
}
