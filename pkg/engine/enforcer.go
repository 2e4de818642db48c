package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudfw/enforcer/pkg/errdefs"
)

// Enforcer applies a diff against the provider API.
//
// Creates and updates run first, deletes only start after that phase has
// fully completed, so a changed rule never passes through a window with no
// matching rule. Within a phase, operations are independent and run with
// bounded parallelism. A failed rule never aborts the run: failures are
// collected per rule and reported together.
type Enforcer struct {
	api    FirewallAPI
	logger zerolog.Logger

	parallelism int
	maxRetries  int
	callTimeout time.Duration
	dryRun      bool

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// EnforcerOption configures an Enforcer.
type EnforcerOption func(*Enforcer)

// WithParallelism bounds concurrent provider mutations within a phase.
func WithParallelism(n int) EnforcerOption {
	return func(e *Enforcer) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithMaxRetries sets how many times a retryable failure is reattempted.
func WithMaxRetries(n int) EnforcerOption {
	return func(e *Enforcer) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithCallTimeout sets the deadline applied around each provider call.
func WithCallTimeout(d time.Duration) EnforcerOption {
	return func(e *Enforcer) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithDryRun skips provider mutations and marks every operation skipped.
func WithDryRun(dryRun bool) EnforcerOption {
	return func(e *Enforcer) { e.dryRun = dryRun }
}

// NewEnforcer creates an enforcer over the given provider API.
func NewEnforcer(api FirewallAPI, logger zerolog.Logger, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		api:         api,
		logger:      logger.With().Str("component", "enforcer").Logger(),
		parallelism: 4,
		maxRetries:  3,
		callTimeout: 2 * time.Minute,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply converges live state toward the diff and reports per-rule outcomes.
// The returned error is non-nil only for run-level failures (context
// cancellation); individual rule failures live in the report.
func (e *Enforcer) Apply(ctx context.Context, project string, diff *Diff) (*Report, error) {
	report := &Report{
		RunID:     uuid.New().String(),
		Project:   project,
		DryRun:    e.dryRun,
		StartedAt: time.Now(),
	}

	logger := e.logger.With().Str("run_id", report.RunID).Str("project", project).Logger()
	logger.Info().
		Int("creates", len(diff.Creates)).
		Int("updates", len(diff.Updates)).
		Int("deletes", len(diff.Deletes)).
		Bool("dry_run", e.dryRun).
		Msg("Enforcement started")

	// Phase 1: creates and updates together.
	phase1 := make([]RuleChange, 0, len(diff.Creates)+len(diff.Updates))
	phase1 = append(phase1, diff.Creates...)
	phase1 = append(phase1, diff.Updates...)
	report.Results = append(report.Results, e.runPhase(ctx, logger, project, phase1)...)

	// Phase 2: deletes, only after every create/update has settled.
	report.Results = append(report.Results, e.runPhase(ctx, logger, project, diff.Deletes)...)

	report.CompletedAt = time.Now()

	logger.Info().
		Int("succeeded", report.Succeeded()).
		Int("failed", report.Failed()).
		Int("skipped", report.Skipped()).
		Msg("Enforcement finished")

	if err := ctx.Err(); err != nil {
		return report, errdefs.NewEnforcementError(errdefs.ClassTransient, "run cancelled", err)
	}
	return report, nil
}

// runPhase executes one batch of independent operations with bounded
// parallelism and collects the results in the batch's (sorted) order.
func (e *Enforcer) runPhase(ctx context.Context, logger zerolog.Logger, project string, changes []RuleChange) []RuleResult {
	if len(changes) == 0 {
		return nil
	}

	results := make([]RuleResult, len(changes))
	sem := make(chan struct{}, e.parallelism)
	var wg sync.WaitGroup

	for i := range changes {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = e.applyChange(ctx, logger, project, changes[idx])
		}(i)
	}
	wg.Wait()

	return results
}

// applyChange executes one operation with retries.
func (e *Enforcer) applyChange(ctx context.Context, logger zerolog.Logger, project string, change RuleChange) RuleResult {
	result := RuleResult{
		Key:       change.Key,
		Operation: change.Operation,
	}
	start := time.Now()

	if e.dryRun {
		result.Status = StatusSkipped
		return result
	}

	var err error
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			result.Status = StatusSkipped
			result.Error = ctx.Err().Error()
			result.Duration = time.Since(start)
			return result
		}

		result.Attempts = attempt + 1
		err = e.callProvider(ctx, project, change)
		if err == nil {
			break
		}
		if !errdefs.IsRetryable(err) || attempt >= e.maxRetries {
			break
		}

		backoff := e.calculateBackoff(attempt, err)
		logger.Warn().
			Str("rule", change.Key.String()).
			Str("operation", string(change.Operation)).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(err).
			Msg("Retrying after failure")

		if e.sleep(ctx, backoff) != nil {
			break
		}
	}

	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		logger.Error().
			Str("rule", change.Key.String()).
			Str("operation", string(change.Operation)).
			Err(err).
			Msg("Enforcement operation failed")
		return result
	}

	result.Status = StatusSucceeded
	logger.Info().
		Str("rule", change.Key.String()).
		Str("operation", string(change.Operation)).
		Msg("Enforcement operation applied")
	return result
}

// callProvider dispatches one operation with the per-call deadline.
func (e *Enforcer) callProvider(ctx context.Context, project string, change RuleChange) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	switch change.Operation {
	case OperationCreate:
		return e.wrapRuleError(e.api.InsertFirewall(callCtx, project, *change.Desired), change)
	case OperationUpdate:
		return e.wrapRuleError(e.api.PatchFirewall(callCtx, project, *change.Desired), change)
	case OperationDelete:
		return e.wrapRuleError(e.api.DeleteFirewall(callCtx, project, change.Key.Name), change)
	default:
		return errdefs.NewEnforcementError(errdefs.ClassPermanent,
			"unknown operation "+string(change.Operation), nil).WithRule(change.Key.String())
	}
}

// wrapRuleError reclassifies provider errors as enforcement errors while
// keeping their retry class intact.
func (e *Enforcer) wrapRuleError(err error, change RuleChange) error {
	if err == nil {
		return nil
	}
	var classified *errdefs.Error
	class := errdefs.ClassTransient
	if errors.As(err, &classified) {
		class = classified.Class
	}
	return errdefs.NewEnforcementError(class, "provider call failed", err).
		WithRule(change.Key.String()).
		WithOperation(string(change.Operation))
}

// calculateBackoff computes exponential backoff capped at one minute.
// Throttled failures back off harder than plain transient ones.
func (e *Enforcer) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if errdefs.IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if errdefs.IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
