package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudfw/enforcer/pkg/fwpolicy"
	"github.com/cloudfw/enforcer/pkg/telemetry"
)

// Reconciler runs the full pipeline: load the policy, normalize it against
// the project's networks, fetch live state, diff, and enforce.
//
// Desired state is loaded fresh on every run and nothing carries over
// between runs, so reconciling an already-converged project computes an
// empty diff and performs no provider mutations.
type Reconciler struct {
	loader  *fwpolicy.Loader
	api     FirewallAPI
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewReconciler assembles a reconciler from its collaborators.
func NewReconciler(
	loader *fwpolicy.Loader,
	api FirewallAPI,
	tracer *telemetry.Tracer,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		loader:  loader,
		api:     api,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

// RunOptions controls a single reconciliation run.
type RunOptions struct {
	// DryRun computes the diff but skips every provider mutation.
	DryRun bool

	// DiffOnly stops the pipeline after the diff is computed.
	DiffOnly bool

	// Parallelism bounds concurrent mutations within an enforcement phase.
	Parallelism int

	// MaxRetries caps retries of retryable provider failures per rule.
	MaxRetries int

	// CallTimeout is the deadline around each provider call.
	CallTimeout time.Duration
}

// RunResult is the outcome of one reconciliation run.
type RunResult struct {
	// Policy is the loaded, unexpanded policy.
	Policy *fwpolicy.Policy

	// Desired is the normalized rule set the run converged toward.
	Desired []fwpolicy.Rule

	// Live is the project state observed before enforcement.
	Live []fwpolicy.Rule

	// Diff is the computed difference.
	Diff *Diff

	// Report is nil when DiffOnly is set.
	Report *Report
}

// Run executes one reconciliation of the project against the policy at the
// given locator. Load, schema, and fetch failures abort the run before any
// mutation; enforcement failures are per-rule and land in the report.
func (r *Reconciler) Run(ctx context.Context, project, policyLocator string, opts RunOptions) (*RunResult, error) {
	runStart := time.Now()
	ctx, runSpan := r.tracer.StartRun(ctx, project, policyLocator)
	defer runSpan.End()

	result := &RunResult{}

	err := r.phase(ctx, project, "load", func(ctx context.Context) error {
		policy, err := r.loader.Load(ctx, policyLocator)
		result.Policy = policy
		return err
	})
	if err != nil {
		return nil, r.failRun(runSpan, runStart, err)
	}

	var networks []string
	err = r.phase(ctx, project, "networks", func(ctx context.Context) error {
		var err error
		networks, err = r.api.ListNetworks(ctx, project)
		return err
	})
	if err != nil {
		return nil, r.failRun(runSpan, runStart, err)
	}

	err = r.phase(ctx, project, "normalize", func(ctx context.Context) error {
		var err error
		result.Desired, err = fwpolicy.Normalize(result.Policy, networks)
		return err
	})
	if err != nil {
		return nil, r.failRun(runSpan, runStart, err)
	}

	err = r.phase(ctx, project, "fetch", func(ctx context.Context) error {
		var err error
		result.Live, err = r.api.ListFirewalls(ctx, project)
		return err
	})
	if err != nil {
		return nil, r.failRun(runSpan, runStart, err)
	}

	err = r.phase(ctx, project, "diff", func(ctx context.Context) error {
		var err error
		result.Diff, err = ComputeDiff(result.Desired, result.Live)
		return err
	})
	if err != nil {
		return nil, r.failRun(runSpan, runStart, err)
	}

	r.metrics.RecordDiff(
		len(result.Diff.Creates),
		len(result.Diff.Updates),
		len(result.Diff.Deletes),
		result.Diff.InSync,
	)

	if opts.DiffOnly {
		r.metrics.RecordRun("diff-only", time.Since(runStart).Seconds())
		return result, nil
	}

	err = r.phase(ctx, project, "enforce", func(ctx context.Context) error {
		enforcer := NewEnforcer(r.api, r.logger,
			WithParallelism(opts.Parallelism),
			WithMaxRetries(opts.MaxRetries),
			WithCallTimeout(opts.CallTimeout),
			WithDryRun(opts.DryRun),
		)
		var err error
		result.Report, err = enforcer.Apply(ctx, project, result.Diff)
		return err
	})
	if err != nil {
		return result, r.failRun(runSpan, runStart, err)
	}

	for _, res := range result.Report.Results {
		r.metrics.RecordOperation(string(res.Operation), string(res.Status), res.Attempts)
	}

	status := "converged"
	if result.Report.Failed() > 0 {
		status = "partial"
	} else if opts.DryRun {
		status = "dry-run"
	}
	r.metrics.RecordRun(status, time.Since(runStart).Seconds())

	return result, nil
}

// phase wraps one pipeline stage in a span and a duration metric.
func (r *Reconciler) phase(ctx context.Context, project, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.StartPhase(ctx, name, project)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	r.metrics.RecordPhase(name, time.Since(start).Seconds())

	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

func (r *Reconciler) failRun(span trace.Span, start time.Time, err error) error {
	telemetry.RecordError(span, err)
	r.metrics.RecordRun("error", time.Since(start).Seconds())
	return err
}
