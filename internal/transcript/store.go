// Package transcript persists final recognition results and post-processes
// hypothesis text.
//
// Persistence goes through the [Store] interface with an in-memory
// implementation for tests and single-node setups and a PostgreSQL
// implementation for durable deployments. Writes are best-effort from the
// session's point of view: a failed save is logged, never surfaced to the
// client.
package transcript

import (
	"context"
	"time"
)

// Entry is one final transcription result for one segment.
type Entry struct {
	// SessionID identifies the session that produced the segment.
	SessionID string

	// SegmentID is the 1-based segment number within the session.
	SegmentID uint64

	// Text is the final hypothesis after hotword correction.
	Text string

	// CreatedAt is when the final result was delivered.
	CreatedAt time.Time
}

// Store persists final transcripts. Implementations must be safe for
// concurrent use; sessions save from independent goroutines.
type Store interface {
	// Save records one final transcript entry.
	Save(ctx context.Context, e Entry) error

	// BySession returns all entries for a session ordered by segment id.
	BySession(ctx context.Context, sessionID string) ([]Entry, error)
}
