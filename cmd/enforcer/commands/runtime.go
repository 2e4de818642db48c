package commands

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cloudfw/enforcer/pkg/config"
	"github.com/cloudfw/enforcer/pkg/engine"
	"github.com/cloudfw/enforcer/pkg/fwpolicy"
	"github.com/cloudfw/enforcer/pkg/lint"
	"github.com/cloudfw/enforcer/pkg/provider"
	"github.com/cloudfw/enforcer/pkg/stores"
	"github.com/cloudfw/enforcer/pkg/telemetry"
)

// runtime bundles the collaborators each command assembles from config.
type runtime struct {
	cfg        *config.Config
	logger     zerolog.Logger
	tracer     *telemetry.Tracer
	metrics    *telemetry.Metrics
	loader     *fwpolicy.Loader
	api        engine.FirewallAPI
	reconciler *engine.Reconciler
	linter     *lint.Engine
}

// newRuntime loads configuration and builds the shared components.
func newRuntime(version string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	logger := telemetry.NewLogger(cfg.Telemetry.Logging)

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, version)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics(cfg.Telemetry.Metrics)

	loader := fwpolicy.NewLoader(logger, fwpolicy.WithToken(cfg.Token))
	api := provider.NewComputeClient(logger, provider.WithComputeToken(cfg.Token))

	linter, err := lint.NewEngine(logger)
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		tracer:     tracer,
		metrics:    metrics,
		loader:     loader,
		api:        api,
		reconciler: engine.NewReconciler(loader, api, tracer, metrics, logger),
		linter:     linter,
	}, nil
}

// close flushes telemetry.
func (rt *runtime) close(ctx context.Context) {
	if err := rt.tracer.Shutdown(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to flush traces")
	}
}

// openHistory opens the run-history store when configured. A nil store
// with a nil error means history is disabled.
func (rt *runtime) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if rt.cfg.HistoryDB == "" {
		return nil, nil
	}
	store, err := stores.NewSQLiteStore(rt.cfg.HistoryDB)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// runOptions maps config onto engine run options.
func (rt *runtime) runOptions(dryRun, diffOnly bool) engine.RunOptions {
	return engine.RunOptions{
		DryRun:      dryRun,
		DiffOnly:    diffOnly,
		Parallelism: rt.cfg.Parallelism,
		MaxRetries:  rt.cfg.MaxRetries,
		CallTimeout: rt.cfg.CallTimeout,
	}
}
