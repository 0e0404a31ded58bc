// Command skald is the entry point for the Skald streaming speech
// recognition server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skald-labs/skald/internal/config"
	"github.com/skald-labs/skald/internal/decode"
	"github.com/skald-labs/skald/internal/engine/whisper"
	"github.com/skald-labs/skald/internal/health"
	"github.com/skald-labs/skald/internal/observe"
	"github.com/skald-labs/skald/internal/server"
	"github.com/skald-labs/skald/internal/session"
	"github.com/skald-labs/skald/internal/transcript"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "skald: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "skald: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("skald starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Recognition engine ────────────────────────────────────────────────────
	var engOpts []whisper.Option
	if cfg.Engine.Language != "" {
		engOpts = append(engOpts, whisper.WithLanguage(cfg.Engine.Language))
	}
	eng, err := whisper.New(cfg.Engine.ModelPath, engOpts...)
	if err != nil {
		slog.Error("failed to load model", "model_path", cfg.Engine.ModelPath, "err", err)
		return 1
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Warn("engine close error", "err", err)
		}
	}()
	slog.Info("model loaded", "model_path", cfg.Engine.ModelPath, "language", cfg.Engine.Language)

	// ── Transcript store ──────────────────────────────────────────────────────
	var (
		store    transcript.Store
		storeChk health.Checker
	)
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		db, err := pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer db.Close()

		pg := transcript.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate transcript schema", "err", err)
			return 1
		}
		store = pg
		storeChk = health.Checker{Name: "store", Check: db.Ping}
		slog.Info("transcript store ready", "backend", "postgres")
	} else {
		store = transcript.NewMemStore()
		storeChk = health.Checker{Name: "store", Check: func(context.Context) error { return nil }}
		slog.Info("transcript store ready", "backend", "memory")
	}

	// ── Decode pool ───────────────────────────────────────────────────────────
	pool := decode.NewPool(eng, decode.Config{
		Workers:    cfg.Pool.Workers,
		QueueDepth: cfg.Pool.QueueDepth,
		Metrics:    metrics,
	})
	defer pool.Close()

	// ── Session registry ──────────────────────────────────────────────────────
	registry := session.NewRegistry(session.RegistryConfig{
		MaxSessions:   cfg.Server.MaxSessions,
		IdleTimeout:   time.Duration(cfg.Server.IdleTimeoutMS) * time.Millisecond,
		SweepInterval: time.Duration(cfg.Server.SweepIntervalMS) * time.Millisecond,
		Metrics:       metrics,
	})
	go registry.Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srvCfg := server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		ReadLimit:  cfg.Server.ReadLimitBytes,
		Registry:   registry,
		Store:      store,
		Health:     health.New(storeChk),
		Session: session.Config{
			Pool:            pool,
			Store:           store,
			Metrics:         metrics,
			Detector:        cfg.Segmenter.Detector(),
			PartialInterval: time.Duration(cfg.Session.PartialIntervalMS) * time.Millisecond,
			MaxSegment:      time.Duration(cfg.Session.MaxSegmentMS) * time.Millisecond,
			Language:        cfg.Engine.Language,
			Hotwords:        cfg.Hotwords,
		},
	}
	if tls := cfg.Server.TLS; tls != nil {
		srvCfg.CertFile = tls.CertFile
		srvCfg.KeyFile = tls.KeyFile
	}
	srv := server.New(srvCfg)

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// Registry.Run already closed live sessions when ctx was cancelled; this
	// covers the non-signal exit paths.
	registry.CloseAll("shutdown")

	slog.Info("goodbye")
	return 0
}
