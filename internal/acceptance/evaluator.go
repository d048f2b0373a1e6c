// Package acceptance combines per-criterion evaluations into the final
// verdict of an execution, applying severity-weighted precedence: a failed
// critical criterion fails the run, a failed major criterion fails or
// conditionally passes it depending on protocol policy, failed warnings
// annotate a pass, and any criterion starved of required data renders the
// whole run Incomplete.
package acceptance

import (
	"fmt"
	"time"

	"protocolcore/pkg/domain"
	"protocolcore/pkg/stats"
)

// Calculation derives a single statistic from a measurement's numeric
// series. ok is false when the series cannot support the calculation.
type Calculation func(values []float64, timestamps []time.Time, ctx domain.EvaluationContext) (float64, bool)

// Evaluator resolves acceptance criteria against final measurement state.
// Per-protocol customization happens through the named calculation table, not
// through subclassing: protocols reference calculations by name in their
// criteria.
type Evaluator struct {
	calcs map[string]Calculation
}

// NewEvaluator constructs an evaluator with the default calculation table.
func NewEvaluator() *Evaluator {
	return &Evaluator{calcs: DefaultCalculations()}
}

// Register adds or replaces a named calculation.
func (e *Evaluator) Register(name string, fn Calculation) {
	e.calcs[name] = fn
}

// KnownCalculation reports whether a calculation name is registered.
func (e *Evaluator) KnownCalculation(name string) bool {
	_, ok := e.calcs[name]
	return ok
}

// DefaultCalculations returns the built-in named calculation table backed by
// the stats package.
func DefaultCalculations() map[string]Calculation {
	summaryField := func(pick func(stats.Summary) float64) Calculation {
		return func(values []float64, _ []time.Time, _ domain.EvaluationContext) (float64, bool) {
			s, ok := stats.Describe(values)
			if !ok {
				return 0, false
			}
			return pick(s), true
		}
	}
	return map[string]Calculation{
		"mean":    summaryField(func(s stats.Summary) float64 { return s.Mean }),
		"median":  summaryField(func(s stats.Summary) float64 { return s.Median }),
		"std_dev": summaryField(func(s stats.Summary) float64 { return s.StdDev }),
		"min":     summaryField(func(s stats.Summary) float64 { return s.Min }),
		"max":     summaryField(func(s stats.Summary) float64 { return s.Max }),
		"p95":     summaryField(func(s stats.Summary) float64 { return s.P95 }),
		"p99":     summaryField(func(s stats.Summary) float64 { return s.P99 }),
		"degradation": func(values []float64, _ []time.Time, _ domain.EvaluationContext) (float64, bool) {
			if len(values) < 2 {
				return 0, false
			}
			return stats.PercentageDegradation(values[0], values[len(values)-1])
		},
		"trend_slope": func(values []float64, timestamps []time.Time, ctx domain.EvaluationContext) (float64, bool) {
			fit, ok := stats.Trend(values, timestamps, ctx.TrendSlopeThreshold)
			if !ok {
				return 0, false
			}
			return fit.Slope, true
		},
	}
}

// EvaluateAll evaluates every criterion against the final measurement set
// and renders the overall verdict. The error return reports evaluator
// malfunction (unknown calculation name), never a protocol outcome.
func (e *Evaluator) EvaluateAll(criteria []domain.AcceptanceCriterion, measurements []domain.Measurement, ctx domain.EvaluationContext, now time.Time) (domain.Result, error) {
	result := domain.Result{ComputedAt: now}

	for _, crit := range criteria {
		outcome, err := e.evaluate(crit, measurements, ctx)
		if err != nil {
			return domain.Result{}, err
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	result.Verdict = verdict(criteria, result.Outcomes, ctx)
	for i, out := range result.Outcomes {
		if out.Status == domain.CriterionWarning {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", criteria[i].ID, out.Detail))
		}
	}
	return result, nil
}

func (e *Evaluator) evaluate(crit domain.AcceptanceCriterion, measurements []domain.Measurement, ctx domain.EvaluationContext) (domain.CriterionOutcome, error) {
	outcome := domain.CriterionOutcome{CriterionID: crit.ID}
	effective := domain.EffectiveMeasurements(measurements, crit.Measurement)
	if len(effective) == 0 {
		outcome.Status = domain.CriterionIncomplete
		outcome.Detail = fmt.Sprintf("required measurement %q absent", crit.Measurement)
		return outcome, nil
	}

	switch crit.Predicate.Kind {
	case domain.PredicateThreshold:
		value, ok, err := e.finalValue(crit, measurements, ctx)
		if err != nil {
			return outcome, err
		}
		if !ok {
			outcome.Status = domain.CriterionIncomplete
			outcome.Detail = fmt.Sprintf("insufficient data for %s(%s)", calcName(crit), crit.Measurement)
			return outcome, nil
		}
		threshold := crit.Predicate.Threshold
		outcome.Value = &value
		outcome.Threshold = &threshold
		pass, err := crit.Predicate.Comparator.Apply(value, threshold)
		if err != nil {
			return outcome, fmt.Errorf("criterion %s: %w", crit.ID, err)
		}
		outcome.Detail = fmt.Sprintf("%s(%s)=%g, require %s %g", calcName(crit), crit.Measurement, value, crit.Predicate.Comparator, threshold)
		setStatus(&outcome, crit, pass)

	case domain.PredicateEquals:
		latest := effective[len(effective)-1]
		if latest.Value.Type != domain.TypeBoolean {
			outcome.Status = domain.CriterionIncomplete
			outcome.Detail = fmt.Sprintf("measurement %q is not boolean", crit.Measurement)
			return outcome, nil
		}
		pass := latest.Value.Bool == crit.Predicate.ExpectBool
		outcome.Detail = fmt.Sprintf("%s=%t, require %t", crit.Measurement, latest.Value.Bool, crit.Predicate.ExpectBool)
		setStatus(&outcome, crit, pass)

	case domain.PredicateMatches:
		latest := effective[len(effective)-1]
		pass := latest.Value.Text == crit.Predicate.Expect
		outcome.Detail = fmt.Sprintf("%s=%q, require %q", crit.Measurement, latest.Value.Text, crit.Predicate.Expect)
		setStatus(&outcome, crit, pass)

	default:
		return outcome, fmt.Errorf("criterion %s: unknown predicate kind %q", crit.ID, string(crit.Predicate.Kind))
	}
	return outcome, nil
}

func (e *Evaluator) finalValue(crit domain.AcceptanceCriterion, measurements []domain.Measurement, ctx domain.EvaluationContext) (float64, bool, error) {
	values, times := domain.NumericSeries(measurements, crit.Measurement)
	if crit.Calculation == "" {
		if len(values) == 0 {
			return 0, false, nil
		}
		return values[len(values)-1], true, nil
	}
	calc, ok := e.calcs[crit.Calculation]
	if !ok {
		return 0, false, fmt.Errorf("criterion %s: unknown calculation %q", crit.ID, crit.Calculation)
	}
	value, ok := calc(values, times, ctx)
	return value, ok, nil
}

func setStatus(outcome *domain.CriterionOutcome, crit domain.AcceptanceCriterion, pass bool) {
	switch {
	case pass:
		outcome.Status = domain.CriterionPass
	case crit.Category == domain.CategoryWarning:
		outcome.Status = domain.CriterionWarning
	default:
		outcome.Status = domain.CriterionFail
	}
}

// verdict applies the precedence ladder top to bottom, first match wins.
// A missing-data run must never silently read as Pass or Fail, so Incomplete
// outranks everything.
func verdict(criteria []domain.AcceptanceCriterion, outcomes []domain.CriterionOutcome, ctx domain.EvaluationContext) domain.Verdict {
	var criticalFailed, majorFailed bool
	for i, out := range outcomes {
		if out.Status == domain.CriterionIncomplete {
			return domain.VerdictIncomplete
		}
		if out.Status != domain.CriterionFail {
			continue
		}
		switch criteria[i].Category {
		case domain.CategoryCritical:
			criticalFailed = true
		case domain.CategoryMajor:
			majorFailed = true
		}
	}
	switch {
	case criticalFailed:
		return domain.VerdictFail
	case majorFailed && ctx.AllowConditionalPass:
		return domain.VerdictConditionalPass
	case majorFailed:
		return domain.VerdictFail
	default:
		return domain.VerdictPass
	}
}

func calcName(crit domain.AcceptanceCriterion) string {
	if crit.Calculation == "" {
		return "final"
	}
	return crit.Calculation
}
