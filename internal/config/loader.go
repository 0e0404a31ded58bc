package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Engine
	if cfg.Engine.ModelPath == "" {
		errs = append(errs, errors.New("engine.model_path is required"))
	}

	// Pool
	if cfg.Pool.Workers < 0 {
		errs = append(errs, fmt.Errorf("pool.workers %d must not be negative", cfg.Pool.Workers))
	}
	if cfg.Pool.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("pool.queue_depth %d must not be negative", cfg.Pool.QueueDepth))
	}

	// Segmenter
	seg := cfg.Segmenter
	if seg.TriggerThreshold < 0 || seg.ReleaseThreshold < 0 {
		errs = append(errs, errors.New("segmenter thresholds must not be negative"))
	}
	if seg.TriggerThreshold > 0 && seg.ReleaseThreshold > seg.TriggerThreshold {
		errs = append(errs, fmt.Errorf("segmenter.release_threshold %.0f exceeds trigger_threshold %.0f", seg.ReleaseThreshold, seg.TriggerThreshold))
	}
	if seg.FrameMS < 0 || seg.SpeechWindowMS < 0 || seg.TrailingSilenceMS < 0 {
		errs = append(errs, errors.New("segmenter durations must not be negative"))
	}
	if seg.TrailingSilenceMS > 0 && seg.TrailingSilenceMS < 100 {
		slog.Warn("segmenter.trailing_silence_ms is very short; segments may be truncated mid-word",
			"trailing_silence_ms", seg.TrailingSilenceMS)
	}

	// Session
	if cfg.Session.PartialIntervalMS < 0 || cfg.Session.MaxSegmentMS < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}

	// Store availability
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; transcripts will not survive a restart")
	}

	return errors.Join(errs...)
}
