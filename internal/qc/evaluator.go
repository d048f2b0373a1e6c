// Package qc evaluates quality-control rules against the accumulated
// measurement history of one execution. Evaluation is a pure function of
// (rule, history, context): no I/O, fully deterministic.
package qc

import (
	"fmt"
	"time"

	"protocolcore/pkg/domain"
	"protocolcore/pkg/stats"
)

// Outcome reports how a rule evaluation resolved. InsufficientData is
// distinct from Satisfied: a trend or outlier rule below its minimum window
// has not been checked at all.
type Outcome int

// Rule evaluation outcomes.
const (
	OutcomeSatisfied Outcome = iota
	OutcomeViolated
	OutcomeInsufficientData
)

// String names the outcome for logs and tests.
func (o Outcome) String() string {
	switch o {
	case OutcomeSatisfied:
		return "satisfied"
	case OutcomeViolated:
		return "violated"
	case OutcomeInsufficientData:
		return "insufficient_data"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Evaluate checks one rule against the measurement history, filtered to the
// rule's target measurement. It returns a flag only on violation. Point
// rules (range, threshold, pattern, comparison) examine the latest effective
// measurement; window rules (trend, outlier) examine the trailing window and
// flag only when the latest measurement participates in the violation, so
// re-evaluating after each recording does not re-flag older data.
//
// history must be ordered by recording sequence. now stamps any produced
// flag.
func Evaluate(rule domain.QCRule, history []domain.Measurement, ctx domain.EvaluationContext, now time.Time) (Outcome, *domain.QCFlag, error) {
	target := domain.EffectiveMeasurements(history, rule.TargetMeasurement)
	if len(target) == 0 {
		return OutcomeInsufficientData, nil, nil
	}
	latest := target[len(target)-1]

	switch rule.Kind {
	case domain.RuleRange:
		return evaluateRange(rule, latest, now)
	case domain.RuleThreshold:
		return evaluateThreshold(rule, latest, now)
	case domain.RulePattern:
		return evaluatePattern(rule, latest, now)
	case domain.RuleComparison:
		return evaluateComparison(rule, history, latest, now)
	case domain.RuleTrend:
		return evaluateTrend(rule, history, latest, ctx, now)
	case domain.RuleOutlier:
		return evaluateOutlier(rule, history, latest, now)
	default:
		return OutcomeSatisfied, nil, fmt.Errorf("qc rule %s: unknown kind %q", rule.ID, string(rule.Kind))
	}
}

func evaluateRange(rule domain.QCRule, latest domain.Measurement, now time.Time) (Outcome, *domain.QCFlag, error) {
	if latest.Value.Type != domain.TypeNumeric {
		return OutcomeInsufficientData, nil, nil
	}
	v := latest.Value.Number
	if v >= rule.Range.Min && v <= rule.Range.Max {
		return OutcomeSatisfied, nil, nil
	}
	msg := fmt.Sprintf("%s=%g outside range [%g, %g]", latest.Name, v, rule.Range.Min, rule.Range.Max)
	return OutcomeViolated, newFlag(rule, msg, now, latest.ID), nil
}

func evaluateThreshold(rule domain.QCRule, latest domain.Measurement, now time.Time) (Outcome, *domain.QCFlag, error) {
	if latest.Value.Type != domain.TypeNumeric {
		return OutcomeInsufficientData, nil, nil
	}
	violated, err := rule.Threshold.Comparator.Apply(latest.Value.Number, rule.Threshold.Value)
	if err != nil {
		return OutcomeSatisfied, nil, fmt.Errorf("qc rule %s: %w", rule.ID, err)
	}
	if !violated {
		return OutcomeSatisfied, nil, nil
	}
	msg := fmt.Sprintf("%s=%g %s %g", latest.Name, latest.Value.Number, rule.Threshold.Comparator, rule.Threshold.Value)
	return OutcomeViolated, newFlag(rule, msg, now, latest.ID), nil
}

func evaluatePattern(rule domain.QCRule, latest domain.Measurement, now time.Time) (Outcome, *domain.QCFlag, error) {
	if latest.Value.Type != domain.TypeEnum && latest.Value.Type != domain.TypeText {
		return OutcomeInsufficientData, nil, nil
	}
	text := latest.Value.Text
	if rule.Pattern.MustEqual != "" && text != rule.Pattern.MustEqual {
		msg := fmt.Sprintf("%s=%q, expected %q", latest.Name, text, rule.Pattern.MustEqual)
		return OutcomeViolated, newFlag(rule, msg, now, latest.ID), nil
	}
	if rule.Pattern.MustNotEqual != "" && text == rule.Pattern.MustNotEqual {
		msg := fmt.Sprintf("%s=%q is disallowed", latest.Name, text)
		return OutcomeViolated, newFlag(rule, msg, now, latest.ID), nil
	}
	return OutcomeSatisfied, nil, nil
}

func evaluateComparison(rule domain.QCRule, history []domain.Measurement, latest domain.Measurement, now time.Time) (Outcome, *domain.QCFlag, error) {
	other := domain.EffectiveMeasurements(history, rule.Comparison.OtherMeasurement)
	if len(other) == 0 {
		return OutcomeInsufficientData, nil, nil
	}
	ref := other[len(other)-1]
	if latest.Value.Type != domain.TypeNumeric || ref.Value.Type != domain.TypeNumeric {
		return OutcomeInsufficientData, nil, nil
	}
	ok, err := rule.Comparison.Comparator.Apply(latest.Value.Number, ref.Value.Number)
	if err != nil {
		return OutcomeSatisfied, nil, fmt.Errorf("qc rule %s: %w", rule.ID, err)
	}
	if ok {
		return OutcomeSatisfied, nil, nil
	}
	msg := fmt.Sprintf("%s=%g not %s %s=%g", latest.Name, latest.Value.Number, rule.Comparison.Comparator, ref.Name, ref.Value.Number)
	return OutcomeViolated, newFlag(rule, msg, now, latest.ID, ref.ID), nil
}

func evaluateTrend(rule domain.QCRule, history []domain.Measurement, latest domain.Measurement, ctx domain.EvaluationContext, now time.Time) (Outcome, *domain.QCFlag, error) {
	values, times := domain.NumericSeries(history, rule.TargetMeasurement)
	if len(values) < rule.Trend.WindowSize {
		return OutcomeInsufficientData, nil, nil
	}
	values = values[len(values)-rule.Trend.WindowSize:]
	times = times[len(times)-rule.Trend.WindowSize:]
	fit, ok := stats.Trend(values, times, ctx.TrendSlopeThreshold)
	if !ok {
		return OutcomeInsufficientData, nil, nil
	}
	if fit.Slope <= rule.Trend.MaxSlope && fit.Slope >= -rule.Trend.MaxSlope {
		return OutcomeSatisfied, nil, nil
	}
	msg := fmt.Sprintf("%s %s: slope %.4g exceeds %.4g over last %d measurements", latest.Name, fit.Direction, fit.Slope, rule.Trend.MaxSlope, rule.Trend.WindowSize)
	return OutcomeViolated, newFlag(rule, msg, now, latest.ID), nil
}

func evaluateOutlier(rule domain.QCRule, history []domain.Measurement, latest domain.Measurement, now time.Time) (Outcome, *domain.QCFlag, error) {
	values, _ := domain.NumericSeries(history, rule.TargetMeasurement)
	if len(values) < rule.Outlier.WindowSize {
		return OutcomeInsufficientData, nil, nil
	}
	window := values[len(values)-rule.Outlier.WindowSize:]

	var indices []int
	switch rule.Outlier.Method {
	case domain.OutlierIQR:
		indices = stats.DetectOutliersIQR(window, rule.Outlier.Param)
	case domain.OutlierZScore:
		var ok bool
		indices, ok = stats.DetectOutliersZScore(window, rule.Outlier.Param)
		if !ok {
			return OutcomeInsufficientData, nil, nil
		}
	default:
		return OutcomeSatisfied, nil, fmt.Errorf("qc rule %s: unknown outlier method %q", rule.ID, string(rule.Outlier.Method))
	}

	latestIdx := len(window) - 1
	for _, idx := range indices {
		if idx == latestIdx {
			msg := fmt.Sprintf("%s=%g is a %s outlier (param %g, window %d)", latest.Name, window[latestIdx], rule.Outlier.Method, rule.Outlier.Param, rule.Outlier.WindowSize)
			return OutcomeViolated, newFlag(rule, msg, now, latest.ID), nil
		}
	}
	return OutcomeSatisfied, nil, nil
}

func newFlag(rule domain.QCRule, msg string, now time.Time, measurementIDs ...string) *domain.QCFlag {
	if rule.Message != "" {
		msg = rule.Message + ": " + msg
	}
	return &domain.QCFlag{
		RuleID:         rule.ID,
		Severity:       rule.Severity,
		MeasurementIDs: measurementIDs,
		Message:        msg,
		Timestamp:      now,
	}
}
