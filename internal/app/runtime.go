// Package app assembles the runtime shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"salesline/internal/config"
	"salesline/internal/db"
	"salesline/internal/engine"
	"salesline/internal/integrations"
	"salesline/internal/logging"
	"salesline/internal/migrate"
	"salesline/internal/notify"
	"salesline/internal/telemetry"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/salesline.yml.
	ConfigPath string
	// LogLevel overrides the configured level when set.
	LogLevel string
	// Telemetry installs Prometheus counters on the engine.
	Telemetry bool
}

// Runtime is an opened workspace: migrated database, seeded stages and a
// fully wired engine.
type Runtime struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Log     *logrus.Logger
	Metrics *telemetry.Metrics

	closers []io.Closer
}

// Open resolves the config, opens and migrates the database, seeds the
// stage catalog when empty and wires the engine collaborators.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}
	logCfg := logging.FromEnv(cfg.Log)
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	log, logCloser, err := logging.New(logCfg, opts.Workspace)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Log: log, closers: []io.Closer{logCloser}}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.DB = conn
	rt.closers = append(rt.closers, conn)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	e.Log = log
	integrations.Wire(&e, cfg.Integrations)
	if opts.Telemetry {
		rt.Metrics = telemetry.New()
		e.Metrics = rt.Metrics
		rt.Metrics.WatchPipeline(e, log)
	}
	if _, err := e.EnsureStages(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine = e
	return rt, nil
}

func resolveConfig(opts Options) (*config.Config, error) {
	if strings.TrimSpace(opts.ConfigPath) != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOrDefault(opts.Workspace)
}

// StartNotifier begins delivering timeline events to the configured
// webhooks. It returns nil when none are enabled.
func (r *Runtime) StartNotifier(ctx context.Context) *notify.Dispatcher {
	d := notify.New(r.Engine.Repo, r.Config.Webhooks, r.Log)
	if !d.Enabled() {
		return nil
	}
	d.Start(ctx)
	r.Log.WithField("webhooks", len(r.Config.Webhooks)).Info("webhook delivery started")
	return d
}

// Close releases the database and log file.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}
