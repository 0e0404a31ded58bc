package decode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/skald-labs/skald/internal/engine"
	enginemock "github.com/skald-labs/skald/internal/engine/mock"
	"github.com/skald-labs/skald/internal/observe"
)

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// waitFor polls cond until it returns true or the deadline expires.
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

// resultCollector gathers delivered results across worker goroutines.
type resultCollector struct {
	mu      sync.Mutex
	results []Result
}

func (c *resultCollector) deliver(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *resultCollector) snapshot() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}

func TestPool_DecodeAndDeliver(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{Text: "hello world"}
	p := NewPool(eng, Config{Workers: 1, QueueDepth: 4, Metrics: newTestMetrics(t)})
	defer p.Close()

	var col resultCollector
	for seq := uint64(1); seq <= 3; seq++ {
		err := p.Submit(context.Background(), Request{
			SessionID: "s1", Seq: seq, SegmentID: 1, Final: seq == 3,
			Samples: []float32{0.1}, SampleRate: 16000,
		}, col.deliver)
		if err != nil {
			t.Fatalf("Submit(seq=%d) error: %v", seq, err)
		}
	}

	waitFor(t, func() bool { return len(col.snapshot()) == 3 })

	seen := map[uint64]bool{}
	for _, r := range col.snapshot() {
		if r.Err != nil {
			t.Errorf("result seq=%d carries error: %v", r.Seq, r.Err)
		}
		if r.Text != "hello world" {
			t.Errorf("result seq=%d text = %q", r.Seq, r.Text)
		}
		if r.SessionID != "s1" {
			t.Errorf("result seq=%d session = %q", r.Seq, r.SessionID)
		}
		seen[r.Seq] = true
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if !seen[seq] {
			t.Errorf("missing result for seq %d", seq)
		}
	}
}

func TestPool_SaturationAndDrain(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	eng := &enginemock.Engine{
		DecodeFunc: func(ctx context.Context, req engine.Request) (engine.Hypothesis, error) {
			<-gate
			return engine.Hypothesis{Text: "ok"}, nil
		},
	}
	p := NewPool(eng, Config{Workers: 1, QueueDepth: 2, Metrics: newTestMetrics(t)})

	var col resultCollector
	submit := func(seq uint64) error {
		return p.Submit(context.Background(), Request{
			SessionID: "s1", Seq: seq, SegmentID: 1,
			Samples: []float32{0}, SampleRate: 16000,
		}, col.deliver)
	}

	// First request is picked up by the (now blocked) worker.
	if err := submit(1); err != nil {
		t.Fatalf("Submit(1) error: %v", err)
	}
	waitFor(t, func() bool { return len(eng.Calls()) == 1 })

	// Queue depth 2: two more submissions queue up.
	if err := submit(2); err != nil {
		t.Fatalf("Submit(2) error: %v", err)
	}
	if err := submit(3); err != nil {
		t.Fatalf("Submit(3) error: %v", err)
	}

	// The queue is full; the next submission is rejected.
	if err := submit(4); !errors.Is(err, ErrSaturated) {
		t.Fatalf("Submit(4) error = %v, want ErrSaturated", err)
	}

	// Draining one in-flight request frees capacity for exactly one more.
	gate <- struct{}{}
	waitFor(t, func() bool { return len(eng.Calls()) == 2 })
	if err := submit(5); err != nil {
		t.Fatalf("Submit(5) after drain error: %v", err)
	}
	if err := submit(6); !errors.Is(err, ErrSaturated) {
		t.Fatalf("Submit(6) error = %v, want ErrSaturated", err)
	}

	// Unblock everything and shut down: every accepted request must be
	// delivered exactly once, whether decoded or flushed on close.
	close(gate)
	p.Close()

	results := col.snapshot()
	if len(results) != 4 {
		t.Fatalf("delivered %d results, want 4", len(results))
	}
	seen := map[uint64]int{}
	for _, r := range results {
		seen[r.Seq]++
	}
	for _, seq := range []uint64{1, 2, 3, 5} {
		if seen[seq] != 1 {
			t.Errorf("seq %d delivered %d times, want 1", seq, seen[seq])
		}
	}
}

func TestPool_EngineFailureDelivered(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{DecodeErr: errors.New("model exploded")}
	p := NewPool(eng, Config{Workers: 1, QueueDepth: 2, Metrics: newTestMetrics(t)})
	defer p.Close()

	var col resultCollector
	err := p.Submit(context.Background(), Request{
		SessionID: "s1", Seq: 1, SegmentID: 1, Final: true,
		Samples: []float32{0}, SampleRate: 16000,
	}, col.deliver)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	waitFor(t, func() bool { return len(col.snapshot()) == 1 })
	r := col.snapshot()[0]
	if r.Err == nil {
		t.Error("result should carry the engine error")
	}
	if !r.Final || r.SegmentID != 1 {
		t.Errorf("result routing fields = %+v", r)
	}
}

func TestPool_SubmitRacingCloseNeverLosesDelivery(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{
		DecodeFunc: func(ctx context.Context, req engine.Request) (engine.Hypothesis, error) {
			time.Sleep(time.Millisecond)
			return engine.Hypothesis{Text: "ok"}, nil
		},
	}
	p := NewPool(eng, Config{Workers: 2, QueueDepth: 8, Metrics: newTestMetrics(t)})

	var (
		col      resultCollector
		accepted sync.WaitGroup
		count    int64
		countMu  sync.Mutex
	)
	for g := range 4 {
		accepted.Add(1)
		go func() {
			defer accepted.Done()
			for i := range 50 {
				err := p.Submit(context.Background(), Request{
					SessionID: "race", Seq: uint64(g*1000 + i),
					Samples: []float32{0}, SampleRate: 16000,
				}, col.deliver)
				if err == nil {
					countMu.Lock()
					count++
					countMu.Unlock()
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	p.Close()
	accepted.Wait()

	// Every accepted submission gets exactly one delivery, even the ones
	// whose enqueue landed after Close drained the queue.
	countMu.Lock()
	want := count
	countMu.Unlock()
	waitFor(t, func() bool { return int64(len(col.snapshot())) == want })

	seen := map[uint64]int{}
	for _, r := range col.snapshot() {
		seen[r.Seq]++
	}
	for seq, n := range seen {
		if n != 1 {
			t.Errorf("seq %d delivered %d times, want 1", seq, n)
		}
	}
}

func TestPool_SubmitAfterClose(t *testing.T) {
	t.Parallel()

	p := NewPool(&enginemock.Engine{}, Config{Workers: 1, QueueDepth: 1, Metrics: newTestMetrics(t)})
	p.Close()

	err := p.Submit(context.Background(), Request{SessionID: "s1", Seq: 1}, func(Result) {})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close error = %v, want ErrClosed", err)
	}
}
