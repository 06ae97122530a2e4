package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/aristath/routeloop/internal/backend"
	"github.com/aristath/routeloop/internal/checkpoint"
	"github.com/aristath/routeloop/internal/config"
	"github.com/aristath/routeloop/internal/events"
	"github.com/aristath/routeloop/internal/gateway"
	"github.com/aristath/routeloop/internal/logging"
	"github.com/aristath/routeloop/internal/metrics"
	"github.com/aristath/routeloop/internal/orchestrator"
	"github.com/aristath/routeloop/internal/persistence"
	"github.com/aristath/routeloop/internal/vcs"
)

// app holds the collaborators a command works with. Commands that only read
// checkpoints use the store and the ledger; run and resume build a controller.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	pm      *backend.ProcessManager
	bus     *events.Bus
	metrics *metrics.Metrics
	ledger  *persistence.Ledger // nil when the ledger could not be opened
	store   *checkpoint.Store
	workDir string
}

// openApp loads the configuration, lets adjust amend it, and opens the
// logger, the ledger and the checkpoint store.
func openApp(ctx context.Context, opts *rootOptions, adjust ...func(*config.Config)) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	for _, fn := range adjust {
		fn(cfg)
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		pm:      backend.NewProcessManager(),
		bus:     events.NewBus(),
		metrics: metrics.New(),
		workDir: wd,
	}

	// the ledger is an index; runs go on without it
	ledger, err := persistence.Open(ctx, cfg.Ledger.Path)
	if err != nil {
		logger.Warn(ctx, "ledger unavailable, history falls back to a directory scan",
			zap.String("event", "ledger_open"), zap.String("path", cfg.Ledger.Path), zap.Error(err))
	} else {
		a.ledger = ledger
	}

	storeOpts := checkpoint.Options{
		Dir:         cfg.Checkpoint.Dir,
		HistoryDir:  cfg.Checkpoint.HistoryDir,
		BackupCount: cfg.Checkpoint.BackupCount,
		IOTimeout:   cfg.Checkpoint.IOTimeout.Duration(),
		Logger:      logger.Named("checkpoint"),
	}
	if a.ledger != nil {
		storeOpts.Catalog = a.ledger
	}
	a.store, err = checkpoint.NewStore(storeOpts)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// controller wires a loop controller for one run.
func (a *app) controller(ctx context.Context, decider orchestrator.Decider) (*orchestrator.Controller, error) {
	gwOpts := gateway.Options{
		Logger:   a.logger.Named("gateway"),
		Observer: a.metrics,
	}
	if a.ledger != nil {
		gwOpts.Recorder = a.ledger
	}
	gw, err := gateway.FromConfig(a.cfg, a.pm, gwOpts)
	if err != nil {
		return nil, err
	}

	opts := orchestrator.Options{
		Config:  a.cfg,
		Invoker: gw,
		Store:   a.store,
		Decider: decider,
		Bus:     a.bus,
		Metrics: a.metrics,
		Logger:  a.logger.Named("loop"),
		WorkDir: a.workDir,
	}

	know, err := orchestrator.NewCommandKnowledge(a.cfg.Knowledge, a.pm)
	if err != nil {
		return nil, fmt.Errorf("knowledge command: %w", err)
	}
	if know != nil {
		opts.Knowledge = know
	}
	if repo := a.openRepo(ctx); repo != nil {
		opts.VCS = repo
	}
	return orchestrator.NewController(opts)
}

// openRepo returns the git collaborator, or nil when git is disabled or the
// work directory is not a repository.
func (a *app) openRepo(ctx context.Context) *vcs.Repo {
	if !a.cfg.Git.Enabled {
		return nil
	}
	var exclude []string
	for _, p := range []string{a.cfg.Checkpoint.Dir, a.cfg.Checkpoint.HistoryDir, a.cfg.Ledger.Path} {
		if abs, err := filepath.Abs(p); err == nil {
			exclude = append(exclude, abs)
		}
	}
	repo, err := vcs.Open(vcs.Options{Dir: a.workDir, Exclude: exclude})
	if err != nil {
		level := a.logger.Error
		if errors.Is(err, vcs.ErrNotRepository) {
			level = a.logger.Warn
		}
		level(ctx, "git collaborator disabled", zap.String("event", "git_open"), zap.Error(err))
		return nil
	}
	return repo
}

// close releases everything openApp acquired and writes the metrics textfile.
func (a *app) close(ctx context.Context) {
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.logger.Warn(ctx, "writing metrics textfile failed", zap.String("path", path), zap.Error(err))
		}
	}
	a.bus.Close()
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn(ctx, "closing ledger failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
