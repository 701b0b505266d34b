// Package app wires configuration, storage, cache and engine for the CLI and server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"tasktrack/internal/cache"
	"tasktrack/internal/config"
	"tasktrack/internal/db"
	"tasktrack/internal/engine"
	"tasktrack/internal/migrate"
)

// LoadConfig reads path when given, else the workspace tasktrack.yml.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// NewLogger builds a text or JSON slog logger at the configured level.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Runtime is an opened workspace. Close releases the database and cache.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *sql.DB
	Cache  *cache.TaskCache
	Engine engine.Engine
}

// Open prepares the workspace, migrates the store and builds the engine.
// An unreachable Redis is logged and the engine runs without a cache.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewLogger(cfg.Log, nil)
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("store ready", "path", db.Path(db.Config{Workspace: workspace, Path: cfg.Database.Path}), "schema_version", version)

	rt := &Runtime{Config: cfg, Logger: logger, DB: conn}
	rt.Engine = engine.New(conn, cfg)
	rt.Engine.Log = logger
	if cfg.Cache.Enabled() {
		c, err := cache.Open(ctx, cfg.Cache)
		if err != nil {
			logger.Warn("cache disabled", "redis_addr", cfg.Cache.RedisAddr, "err", err)
		} else {
			rt.Cache = c
			rt.Engine.Cache = c
		}
	}
	return rt, nil
}

func (r *Runtime) Close() error {
	if r.Cache != nil {
		if err := r.Cache.Close(); err != nil {
			r.Logger.Warn("close cache", "err", err)
		}
	}
	return r.DB.Close()
}
