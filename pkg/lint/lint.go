// Package lint evaluates built-in Rego policies over a normalized rule set
// before enforcement: overly permissive rules, missing descriptions, and
// naming problems are surfaced as violations, and blocking violations stop
// a run before any mutation.
package lint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

// Severity grades a violation.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"

	// SeverityWarning should be reviewed but does not block enforcement.
	SeverityWarning Severity = "warning"

	// SeverityError blocks enforcement.
	SeverityError Severity = "error"
)

// Violation is one finding against one rule.
type Violation struct {
	// Check is the name of the lint check that fired.
	Check string `json:"check"`

	// Rule is the network-qualified rule name.
	Rule string `json:"rule"`

	// Message describes the finding.
	Message string `json:"message"`

	// Severity grades the finding.
	Severity Severity `json:"severity"`
}

// Result aggregates the violations of one lint pass.
type Result struct {
	Violations []Violation `json:"violations"`
}

// Blocking reports whether any violation must stop enforcement.
func (r *Result) Blocking() bool {
	for i := range r.Violations {
		if r.Violations[i].Severity == SeverityError {
			return true
		}
	}
	return false
}

// compiledCheck pairs a check definition with its prepared query.
type compiledCheck struct {
	check Check
	query rego.PreparedEvalQuery
}

// Engine evaluates the built-in checks over rules.
type Engine struct {
	checks []compiledCheck
	logger zerolog.Logger
}

// NewEngine compiles the built-in checks.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "lint").Logger(),
	}

	for _, check := range BuiltinChecks() {
		query, err := rego.New(
			rego.Query(fmt.Sprintf("data.enforcer.lint.%s.deny", check.Package)),
			rego.Module(check.Name+".rego", check.Rego),
		).PrepareForEval(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to compile lint check %s: %w", check.Name, err)
		}
		e.checks = append(e.checks, compiledCheck{check: check, query: query})
	}

	return e, nil
}

// Check lints every rule against every compiled check.
func (e *Engine) Check(ctx context.Context, rules []fwpolicy.Rule) (*Result, error) {
	result := &Result{}

	for i := range rules {
		input, err := ruleInput(&rules[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode rule %s for lint: %w", rules[i].Name, err)
		}

		for _, cc := range e.checks {
			violations, err := e.evalCheck(ctx, cc, input, rules[i].Key().String())
			if err != nil {
				// A broken check must not block enforcement of a valid
				// policy; log and keep evaluating the rest.
				e.logger.Warn().Err(err).
					Str("check", cc.check.Name).
					Str("rule", rules[i].Name).
					Msg("Lint check evaluation failed")
				continue
			}
			result.Violations = append(result.Violations, violations...)
		}
	}

	e.logger.Info().
		Int("rules", len(rules)).
		Int("violations", len(result.Violations)).
		Msg("Lint pass finished")

	return result, nil
}

// evalCheck runs one prepared query against one rule.
func (e *Engine) evalCheck(ctx context.Context, cc compiledCheck, input map[string]interface{}, ruleKey string) ([]Violation, error) {
	rs, err := cc.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, res := range rs {
		for _, expr := range res.Expressions {
			entries, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, entry := range entries {
				obj, ok := entry.(map[string]interface{})
				if !ok {
					continue
				}
				v := Violation{
					Check:    cc.check.Name,
					Rule:     ruleKey,
					Severity: cc.check.Severity,
				}
				if msg, ok := obj["message"].(string); ok {
					v.Message = msg
				}
				if sev, ok := obj["severity"].(string); ok {
					v.Severity = Severity(sev)
				}
				violations = append(violations, v)
			}
		}
	}
	return violations, nil
}

// ruleInput round-trips a rule through JSON so the evaluator sees the same
// field names operators write in policy files.
func ruleInput(rule *fwpolicy.Rule) (map[string]interface{}, error) {
	data, err := json.Marshal(rule)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return map[string]interface{}{"rule": m}, nil
}
