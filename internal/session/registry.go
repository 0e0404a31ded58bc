package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skald-labs/skald/internal/observe"
)

// ErrRegistryFull is returned by [Registry.Create] when the configured
// session limit is reached.
var ErrRegistryFull = errors.New("session: maximum concurrent sessions reached")

// RegistryConfig holds registry limits and sweep tuning.
type RegistryConfig struct {
	// MaxSessions caps concurrent sessions. Zero or negative means
	// unlimited.
	MaxSessions int

	// IdleTimeout is how long a session may go without client activity
	// before the sweeper closes it. Default: 2m.
	IdleTimeout time.Duration

	// SweepInterval is how often the sweeper checks for idle sessions.
	// Default: 15s.
	SweepInterval time.Duration

	// Metrics receives registry instrumentation. When nil,
	// [observe.DefaultMetrics] is used.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Registry tracks live sessions, enforces the concurrency limit and reaps
// idle ones. Safe for concurrent use.
type Registry struct {
	cfg     RegistryConfig
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	nextID   atomic.Uint64
}

// NewRegistry creates a Registry. Run starts the idle sweeper.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
	}
}

// Create admits a new session built from cfg. The registry assigns the
// session id when cfg.ID is empty and removes the session from tracking when
// it closes. Returns [ErrRegistryFull] at the concurrency limit.
func (r *Registry) Create(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("sess-%d-%06d", time.Now().Unix(), r.nextID.Add(1))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = r.metrics
	}
	if cfg.Logger == nil {
		cfg.Logger = r.log
	}

	r.mu.Lock()
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}
	s := New(cfg)
	s.onClose = r.remove
	r.sessions[s.ID()] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionsTotal.Add(context.Background(), 1)
	r.metrics.ActiveSessions.Add(context.Background(), 1)
	r.log.Info("session admitted", "session_id", s.ID(), "active", n)
	return s, nil
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// remove is the session close callback.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.ID()]
	delete(r.sessions, s.ID())
	r.mu.Unlock()
	if ok {
		r.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Run sweeps for idle sessions until ctx is cancelled, then closes all
// remaining sessions. Intended to be run as a goroutine for the server's
// lifetime.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.CloseAll("shutdown")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep closes every session idle past the timeout.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.IdleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.log.Info("closing idle session", "session_id", s.ID(), "idle_since", s.IdleSince())
		s.Close("idle-timeout")
	}
}

// CloseAll closes every live session, for shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close(reason)
	}
}
