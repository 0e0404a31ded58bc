// Package decode runs inference requests on a bounded worker pool.
//
// The pool is the single shared resource across sessions. All cross-session
// synchronisation is confined to its submit/consume contract: connection
// goroutines only enqueue work and return immediately, workers invoke the
// engine synchronously, and completion is reported through the per-request
// deliver callback. Submission order is FIFO; there is no per-session
// fairness beyond that, so a session flooding the queue can starve others
// under sustained overload. That is an accepted tradeoff; admission
// backpressure (ErrSaturated) bounds the damage.
package decode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skald-labs/skald/internal/engine"
	"github.com/skald-labs/skald/internal/observe"
)

// ErrSaturated is returned by [Pool.Submit] when the queue is at its
// configured depth. Callers surface this to the client as a server-busy
// status instead of letting the queue grow without bound.
var ErrSaturated = errors.New("decode: pool saturated")

// ErrClosed is returned by [Pool.Submit] after [Pool.Close].
var ErrClosed = errors.New("decode: pool closed")

// Request is one unit of decode work: a segment (or a partial snapshot of
// one) plus the bookkeeping needed to route the result back.
type Request struct {
	// SessionID identifies the submitting session, for logs and metrics.
	SessionID string

	// Seq is the session-scoped result sequence number.
	Seq uint64

	// SegmentID is the 1-based segment this request belongs to.
	SegmentID uint64

	// Final is true for a closed segment, false for a partial snapshot.
	Final bool

	// Samples is the audio to decode, normalised mono float32.
	Samples []float32

	// SampleRate is the sample rate of Samples in Hz.
	SampleRate int

	// Language is the recognition language hint.
	Language string
}

// Result is the outcome of one Request. Completion order across requests is
// not guaranteed to match submission order; Seq is what routes a result back
// into per-session delivery order.
type Result struct {
	SessionID string
	Seq       uint64
	SegmentID uint64
	Final     bool
	Text      string
	Err       error
}

// Config holds the pool sizing knobs.
type Config struct {
	// Workers is the number of concurrent engine calls. Sized against
	// available compute; model inference is the dominant cost. Default: 2.
	Workers int

	// QueueDepth is the number of requests that may wait for a worker
	// before Submit starts failing with [ErrSaturated]. Default: 16.
	QueueDepth int

	// Metrics receives pool instrumentation. When nil,
	// [observe.DefaultMetrics] is used.
	Metrics *observe.Metrics
}

// job pairs a request with its completion callback.
type job struct {
	req     Request
	deliver func(Result)
}

// Pool is a fixed-size decode worker pool. All methods are safe for
// concurrent use.
type Pool struct {
	eng     engine.Engine
	metrics *observe.Metrics
	queue   chan job

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a pool around eng and starts its workers. Call
// [Pool.Close] to drain them.
func NewPool(eng engine.Engine, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	p := &Pool{
		eng:     eng,
		metrics: cfg.Metrics,
		queue:   make(chan job, cfg.QueueDepth),
		done:    make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for i := range cfg.Workers {
		go p.worker(i)
	}
	return p
}

// Submit enqueues a request. The deliver callback is invoked exactly once
// from a worker goroutine when the request completes; it must not block for
// long. Submit never blocks: it returns [ErrSaturated] when the queue is
// full and [ErrClosed] after Close.
func (p *Pool) Submit(ctx context.Context, req Request, deliver func(Result)) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.queue <- job{req: req, deliver: deliver}:
		p.metrics.PoolQueueDepth.Add(ctx, 1)
		select {
		case <-p.done:
			// Close may have finished its drain before this send landed;
			// flush again so the job still gets its one delivery.
			p.flush()
		default:
		}
		return nil
	case <-p.done:
		return ErrClosed
	default:
		p.metrics.PoolRejections.Add(ctx, 1)
		return ErrSaturated
	}
}

// Close stops accepting work and waits for in-flight decodes to finish.
// Engine calls are treated as non-preemptible: a running decode completes
// and its result is delivered (the session may discard it). Queued requests
// that never reached a worker are completed with [ErrClosed]. Calling Close
// more than once is safe.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		// Flush whatever was still queued so every submitted request
		// gets exactly one delivery.
		p.flush()
	})
}

// flush drains queued jobs that never reached a worker, completing each with
// [ErrClosed].
func (p *Pool) flush() {
	for {
		select {
		case j := <-p.queue:
			p.metrics.PoolQueueDepth.Add(context.Background(), -1)
			res := resultOf(j.req)
			res.Err = ErrClosed
			j.deliver(res)
		default:
			return
		}
	}
}

// worker pulls jobs until Close. The worker id only shows up in logs.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case j := <-p.queue:
			p.run(id, j)
		}
	}
}

// run executes one job synchronously and delivers its result.
func (p *Pool) run(id int, j job) {
	ctx := context.Background()
	p.metrics.PoolQueueDepth.Add(ctx, -1)

	kind := "partial"
	if j.req.Final {
		kind = "final"
	}
	ctx, span := observe.StartSpan(ctx, "decode",
		trace.WithAttributes(
			attribute.String("session_id", j.req.SessionID),
			attribute.String("kind", kind),
			attribute.Int64("segment_id", int64(j.req.SegmentID)),
		),
	)
	defer span.End()

	start := time.Now()
	hyp, err := p.eng.Decode(ctx, engine.Request{
		Samples:    j.req.Samples,
		SampleRate: j.req.SampleRate,
		Language:   j.req.Language,
		Final:      j.req.Final,
	})
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		slog.Warn("decode failed",
			"session_id", j.req.SessionID,
			"segment_id", j.req.SegmentID,
			"seq", j.req.Seq,
			"worker", id,
			"err", err,
		)
	}
	p.metrics.RecordDecode(ctx, elapsed.Seconds(), kind, status)

	res := resultOf(j.req)
	res.Text = hyp.Text
	res.Err = err
	j.deliver(res)
}

// resultOf copies the request's routing fields into a Result.
func resultOf(req Request) Result {
	return Result{
		SessionID: req.SessionID,
		Seq:       req.Seq,
		SegmentID: req.SegmentID,
		Final:     req.Final,
	}
}
