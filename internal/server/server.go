// Package server exposes the recognition service over HTTP: a WebSocket
// endpoint for streaming sessions plus health, metrics and transcript
// retrieval routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/skald-labs/skald/internal/health"
	"github.com/skald-labs/skald/internal/protocol"
	"github.com/skald-labs/skald/internal/session"
	"github.com/skald-labs/skald/internal/transcript"
)

const (
	// defaultReadLimit caps a single inbound WebSocket message. Audio
	// chunks are typically a few KiB; anything near this limit is a
	// misbehaving client.
	defaultReadLimit = 1 << 20

	// writeTimeout bounds a single outbound message write.
	writeTimeout = 10 * time.Second

	// defaultShutdownTimeout bounds graceful drain on shutdown.
	defaultShutdownTimeout = 15 * time.Second
)

// Config wires the server's collaborators.
type Config struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// ReadLimit caps a single inbound message in bytes.
	ReadLimit int64

	// ShutdownTimeout bounds graceful drain.
	ShutdownTimeout time.Duration

	// Registry admits and tracks sessions.
	Registry *session.Registry

	// Session is the template for per-connection sessions. ID and Sender
	// are filled in per connection.
	Session session.Config

	// Store serves the transcript retrieval endpoint. Nil disables it.
	Store transcript.Store

	// Health serves the liveness and readiness routes.
	Health *health.Handler

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Server is the HTTP front of the recognition service.
type Server struct {
	cfg  Config
	log  *slog.Logger
	http *http.Server
}

// New creates a Server. Call [Server.Run] to serve.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}

	s := &Server{cfg: cfg, log: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	cfg.Health.Register(mux)
	if cfg.Store != nil {
		mux.HandleFunc("GET /transcripts/{session}", s.handleTranscripts)
	}

	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

// Handler returns the HTTP handler, for tests serving over httptest.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then drains gracefully. Readiness flips
// to failing as soon as shutdown begins so load balancers stop sending new
// connections.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			s.log.Info("listening with TLS", "addr", s.cfg.ListenAddr)
			err = s.http.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			s.log.Info("listening", "addr", s.cfg.ListenAddr)
			err = s.http.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	})

	g.Go(func() error {
		<-ctx.Done()
		s.cfg.Health.MarkDraining()
		shCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// handleWS upgrades the connection and runs the session read loop until the
// client disconnects, the stream ends, or a protocol violation terminates the
// session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	sender := &wsSender{conn: conn}

	sessCfg := s.cfg.Session
	sessCfg.ID = ""
	sessCfg.Sender = sender
	sess, err := s.cfg.Registry.Create(sessCfg)
	if err != nil {
		if errors.Is(err, session.ErrRegistryFull) {
			_ = sender.SendStatus(protocol.Status{
				Status:  protocol.StatusServerBusy,
				Message: "session limit reached, try again later",
			})
			conn.Close(websocket.StatusTryAgainLater, "session limit reached")
			return
		}
		s.log.Error("session admission failed", "error", err)
		conn.Close(websocket.StatusInternalError, "admission failed")
		return
	}
	log := s.log.With("session_id", sess.ID(), "remote", r.RemoteAddr)
	log.Info("connection established")

	// Cancel the blocking Read when the session closes from the other side
	// (idle sweep, end-of-stream drain, shutdown).
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		<-sess.Done()
		cancel()
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if sess.State() == session.StateClosed {
				conn.Close(websocket.StatusNormalClosure, "session complete")
				log.Info("connection closed", "reason", "session-complete")
			} else {
				sess.Close("connection-lost")
				log.Info("connection closed", "reason", "client-disconnect", "error", err)
			}
			return
		}

		switch typ {
		case websocket.MessageText:
			err = sess.HandleControl(data)
		case websocket.MessageBinary:
			err = sess.HandleAudio(data)
		default:
			err = fmt.Errorf("%w: unsupported message type %v", session.ErrProtocol, typ)
		}
		if err != nil {
			_ = sender.SendStatus(protocol.Status{
				Status:  protocol.StatusError,
				Message: err.Error(),
			})
			sess.Close("protocol-error")
			conn.Close(websocket.StatusPolicyViolation, "protocol error")
			log.Warn("session terminated", "error", err)
			return
		}
	}
}

// handleTranscripts returns the stored final transcripts of one session.
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	entries, err := s.cfg.Store.BySession(r.Context(), id)
	if err != nil {
		s.log.Error("transcript query failed", "session_id", id, "error", err)
		http.Error(w, "transcript query failed", http.StatusInternalServerError)
		return
	}

	type entryJSON struct {
		SegmentID uint64    `json:"segment_id"`
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := struct {
		SessionID string      `json:"session_id"`
		Segments  []entryJSON `json:"segments"`
	}{SessionID: id, Segments: make([]entryJSON, 0, len(entries))}
	for _, e := range entries {
		out.Segments = append(out.Segments, entryJSON{SegmentID: e.SegmentID, Text: e.Text, CreatedAt: e.CreatedAt})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Warn("transcript response encode failed", "error", err)
	}
}

// wsSender adapts a WebSocket connection to [session.Sender]. A mutex
// serialises writes: results arrive from pool worker goroutines while
// statuses may come from the connection goroutine.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Compile-time interface check.
var _ session.Sender = (*wsSender)(nil)

func (s *wsSender) SendResult(msg protocol.Result) error {
	return s.write(msg)
}

func (s *wsSender) SendStatus(msg protocol.Status) error {
	return s.write(msg)
}

func (s *wsSender) write(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("server: write message: %w", err)
	}
	return nil
}
