// Package dispatch enforces per-session delivery order for decode results.
//
// Workers complete decode requests in whatever order the engine finishes
// them, but clients must observe results in generation order: partials for a
// segment before its final, never a result out of sequence, never a stale
// partial after its final. A Dispatcher is an explicit sequence-numbered
// reorder buffer that restores that order; it does not assume FIFO
// completion from the pool.
//
// The session tells the dispatcher about every submission with Track (in
// submission order), and the pool's completion callback hands results to
// Offer (in any order, from any goroutine). Results are released to the sink
// strictly by increasing sequence number, with one exception: when a
// segment's final result has arrived, missing partial slots of that same
// segment are superseded and skipped, so a slow partial decode can never
// hold back the final that replaces it.
package dispatch

import (
	"context"
	"sync"

	"github.com/skald-labs/skald/internal/decode"
	"github.com/skald-labs/skald/internal/observe"
)

// Sink receives released results in delivery order. A non-nil error marks
// the transport as gone; the dispatcher stops delivering and drops all
// further results.
type Sink func(decode.Result) error

// slot is one tracked submission awaiting its result.
type slot struct {
	segment   uint64
	final     bool
	cancelled bool
	res       *decode.Result
}

// Dispatcher reorders decode results for one session. All methods are safe
// for concurrent use; Track calls must nevertheless arrive in submission
// order, which the session guarantees by tracking from its single connection
// goroutine.
type Dispatcher struct {
	mu         sync.Mutex
	sink       Sink
	metrics    *observe.Metrics
	slots      map[uint64]*slot
	finalSeen  map[uint64]bool // segment id → final result arrived
	next       uint64          // lowest sequence not yet released
	hasTracked bool
	delivering bool
	closed     bool
}

// New creates a Dispatcher delivering to sink. When metrics is nil,
// [observe.DefaultMetrics] is used.
func New(sink Sink, metrics *observe.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{
		sink:      sink,
		metrics:   metrics,
		slots:     make(map[uint64]*slot),
		finalSeen: make(map[uint64]bool),
	}
}

// Track registers a submitted decode request. The first tracked sequence
// number anchors the delivery cursor; subsequent calls must use strictly
// increasing sequence numbers.
func (d *Dispatcher) Track(seq, segmentID uint64, final bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if !d.hasTracked {
		d.next = seq
		d.hasTracked = true
	}
	d.slots[seq] = &slot{segment: segmentID, final: final}
}

// Offer hands a completed result to the dispatcher. Results below the
// delivery cursor (already released or superseded) are dropped, as is
// everything after Close.
func (d *Dispatcher) Offer(res decode.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.metrics.RecordResultDropped(context.Background(), "closing")
		return
	}
	if !d.hasTracked || res.Seq < d.next {
		d.metrics.RecordResultDropped(context.Background(), "stale")
		return
	}
	s, ok := d.slots[res.Seq]
	if !ok {
		d.metrics.RecordResultDropped(context.Background(), "untracked")
		return
	}
	s.res = &res
	if res.Final && res.Err == nil {
		d.finalSeen[res.SegmentID] = true
	}
	d.release()
}

// Cancel withdraws a tracked submission that was never handed to the pool,
// typically because Submit returned a saturation error. The sequence number is
// skipped during release so later results are not held back by the gap.
func (d *Dispatcher) Cancel(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[seq]
	if !ok || s.res != nil {
		return
	}
	s.cancelled = true
	d.release()
}

// Pending returns the number of tracked submissions not yet resolved.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// Close stops delivery. Outstanding decode work is not cancelled; late
// results offered after Close are silently discarded, matching the session
// Closing semantics where the transport is already gone.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.slots = make(map[uint64]*slot)
}

// release walks the cursor forward, delivering resolved slots and skipping
// partial holes whose segment final has already arrived. Must be called with
// d.mu held. The lock is dropped around sink calls so a sink may call back
// into the dispatcher; sessions close themselves from delivery callbacks.
// The delivering flag keeps concurrent Offer calls from interleaving
// deliveries: whoever holds the flag drains everything that becomes ready.
func (d *Dispatcher) release() {
	if d.delivering {
		return
	}
	d.delivering = true
	defer func() { d.delivering = false }()

	for !d.closed {
		s, ok := d.slots[d.next]
		if !ok {
			return
		}
		switch {
		case s.cancelled:
			delete(d.slots, d.next)
			d.next++
		case s.res != nil:
			delete(d.slots, d.next)
			d.next++
			if s.final {
				delete(d.finalSeen, s.segment)
			}
			kind := "partial"
			if s.final {
				kind = "final"
			}
			d.metrics.RecordResultDelivered(context.Background(), kind)
			res := *s.res
			d.mu.Unlock()
			err := d.sink(res)
			d.mu.Lock()
			if err != nil {
				d.closed = true
				d.slots = make(map[uint64]*slot)
				return
			}
		case !s.final && d.finalSeen[s.segment]:
			// The segment's final is already in; this partial is
			// superseded and must never be delivered after it.
			delete(d.slots, d.next)
			d.next++
			d.metrics.RecordResultDropped(context.Background(), "superseded")
		default:
			return
		}
	}
}
