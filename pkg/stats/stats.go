// Package stats provides the pure statistical functions used by QC rules and
// acceptance criteria: descriptive statistics, outlier detection, linear
// trend, degradation, and completeness. All functions are stateless and
// report empty or insufficient input through explicit ok results instead of
// propagating NaN.
package stats

import (
	"math"
	"sort"
	"time"
)

// Summary holds descriptive statistics over a numeric sequence.
type Summary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Count  int     `json:"count"`
}

// Describe computes descriptive statistics. ok is false for an empty input;
// no field of the zero Summary is meaningful in that case.
func Describe(values []float64) (Summary, bool) {
	if len(values) == 0 {
		return Summary{}, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	variance := 0.0
	for _, v := range sorted {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(sorted))

	return Summary{
		Mean:   mean,
		Median: Percentile(sorted, 50),
		StdDev: math.Sqrt(variance),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		P95:    Percentile(sorted, 95),
		P99:    Percentile(sorted, 99),
		Count:  len(sorted),
	}, true
}

// Percentile returns the p-th percentile of an ascending-sorted sequence
// using linear interpolation between closest ranks. Empty input yields 0.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// DetectOutliersIQR returns the indices of values outside
// [Q1 - k*IQR, Q3 + k*IQR]. The multiplier k is mandatory: this domain uses
// both the classical 1.5 and the conservative 3.0 depending on the rule.
// Fewer than 4 samples yield no outliers.
func DetectOutliersIQR(values []float64, k float64) []int {
	if len(values) < 4 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := Percentile(sorted, 25)
	q3 := Percentile(sorted, 75)
	iqr := q3 - q1
	lower := q1 - k*iqr
	upper := q3 + k*iqr

	var out []int
	for i, v := range values {
		if v < lower || v > upper {
			out = append(out, i)
		}
	}
	return out
}

// DetectOutliersZScore returns the indices of values whose absolute z-score
// exceeds threshold. ok is false when fewer than 3 samples are supplied or
// the standard deviation is zero, which is distinct from "no outliers".
func DetectOutliersZScore(values []float64, threshold float64) ([]int, bool) {
	if len(values) < 3 {
		return nil, false
	}
	summary, _ := Describe(values)
	if summary.StdDev == 0 {
		return nil, false
	}
	var out []int
	for i, v := range values {
		if math.Abs(v-summary.Mean)/summary.StdDev > threshold {
			out = append(out, i)
		}
	}
	return out, true
}

// TrendDirection classifies a regression slope.
type TrendDirection string

// Trend classifications relative to a slope-magnitude threshold.
const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// TrendResult holds a least-squares fit over a timestamped series. Slope is
// in value units per second.
type TrendResult struct {
	Slope     float64        `json:"slope"`
	Intercept float64        `json:"intercept"`
	R2        float64        `json:"r2"`
	Direction TrendDirection `json:"direction"`
}

// Trend fits values against timestamps by ordinary least squares and
// classifies the slope against slopeThreshold: magnitudes at or below the
// threshold are stable. ok is false with fewer than 2 points or zero time
// spread.
func Trend(values []float64, timestamps []time.Time, slopeThreshold float64) (TrendResult, bool) {
	if len(values) < 2 || len(values) != len(timestamps) {
		return TrendResult{}, false
	}
	base := timestamps[0]
	xs := make([]float64, len(timestamps))
	for i, t := range timestamps {
		xs[i] = t.Sub(base).Seconds()
	}

	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, x := range xs {
		sumX += x
		sumY += values[i]
		sumXY += x * values[i]
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return TrendResult{}, false
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i, x := range xs {
		fit := intercept + slope*x
		ssRes += (values[i] - fit) * (values[i] - fit)
		ssTot += (values[i] - meanY) * (values[i] - meanY)
	}
	r2 := 1.0
	if ssTot != 0 {
		r2 = 1 - ssRes/ssTot
	}

	direction := TrendStable
	switch {
	case slope > slopeThreshold:
		direction = TrendIncreasing
	case slope < -slopeThreshold:
		direction = TrendDecreasing
	}
	return TrendResult{Slope: slope, Intercept: intercept, R2: r2, Direction: direction}, true
}

// PercentageDegradation returns (baseline-final)/baseline*100, sign
// preserving: a negative result means improvement. ok is false when baseline
// is zero; the undefined result is never reported as NaN.
func PercentageDegradation(baseline, final float64) (float64, bool) {
	if baseline == 0 {
		return 0, false
	}
	return (baseline - final) / baseline * 100, true
}

// DataCompleteness returns actual/expected as a percentage clamped to
// [0, 100]. A non-positive expected count reports 100.
func DataCompleteness(actual, expected int) float64 {
	if expected <= 0 {
		return 100
	}
	pct := float64(actual) / float64(expected) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
