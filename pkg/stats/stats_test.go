package stats

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDescribe(t *testing.T) {
	if _, ok := Describe(nil); ok {
		t.Fatalf("expected ok=false for empty input")
	}
	summary, ok := Describe([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if !ok {
		t.Fatalf("expected ok")
	}
	if !almostEqual(summary.Mean, 5) {
		t.Fatalf("mean: got %v", summary.Mean)
	}
	if !almostEqual(summary.StdDev, 2) {
		t.Fatalf("std dev: got %v", summary.StdDev)
	}
	if !almostEqual(summary.Median, 4.5) {
		t.Fatalf("median: got %v", summary.Median)
	}
	if summary.Min != 2 || summary.Max != 9 || summary.Count != 8 {
		t.Fatalf("min/max/count: got %v/%v/%v", summary.Min, summary.Max, summary.Count)
	}
}

func TestPercentileInterpolation(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	if got := Percentile(sorted, 50); !almostEqual(got, 25) {
		t.Fatalf("p50: got %v", got)
	}
	if got := Percentile(sorted, 0); got != 10 {
		t.Fatalf("p0: got %v", got)
	}
	if got := Percentile(sorted, 100); got != 40 {
		t.Fatalf("p100: got %v", got)
	}
	if got := Percentile([]float64{7}, 95); got != 7 {
		t.Fatalf("single sample: got %v", got)
	}
	if got := Percentile(nil, 50); got != 0 {
		t.Fatalf("empty: got %v", got)
	}
}

func TestDetectOutliersIQR(t *testing.T) {
	if got := DetectOutliersIQR([]float64{1, 2, 1000}, 1.5); got != nil {
		t.Fatalf("expected no outliers below 4 samples, got %v", got)
	}
	got := DetectOutliersIQR([]float64{10, 10, 10, 10, 1000}, 3)
	if len(got) != 1 || got[0] != 4 {
		t.Fatalf("expected index 4, got %v", got)
	}
	// Conservative multiplier tolerates what the classical one flags.
	values := []float64{10, 11, 12, 13, 14, 20}
	classical := DetectOutliersIQR(values, 1.5)
	conservative := DetectOutliersIQR(values, 3)
	if len(classical) != 1 || classical[0] != 5 {
		t.Fatalf("classical: got %v", classical)
	}
	if len(conservative) != 0 {
		t.Fatalf("conservative: got %v", conservative)
	}
}

func TestDetectOutliersZScore(t *testing.T) {
	if _, ok := DetectOutliersZScore([]float64{1, 2}, 2); ok {
		t.Fatalf("expected ok=false below 3 samples")
	}
	if _, ok := DetectOutliersZScore([]float64{5, 5, 5, 5}, 2); ok {
		t.Fatalf("expected ok=false for zero spread")
	}
	got, ok := DetectOutliersZScore([]float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 100}, 2)
	if !ok {
		t.Fatalf("expected ok")
	}
	if len(got) != 1 || got[0] != 9 {
		t.Fatalf("expected index 9, got %v", got)
	}
}

func TestTrend(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stamps := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second), base.Add(3 * time.Second)}

	res, ok := Trend([]float64{1, 3, 5, 7}, stamps, 0.5)
	if !ok {
		t.Fatalf("expected ok")
	}
	if !almostEqual(res.Slope, 2) {
		t.Fatalf("slope: got %v", res.Slope)
	}
	if !almostEqual(res.R2, 1) {
		t.Fatalf("r2: got %v", res.R2)
	}
	if res.Direction != TrendIncreasing {
		t.Fatalf("direction: got %v", res.Direction)
	}

	res, ok = Trend([]float64{7, 5, 3, 1}, stamps, 0.5)
	if !ok || res.Direction != TrendDecreasing {
		t.Fatalf("decreasing: got %v ok=%v", res.Direction, ok)
	}

	res, ok = Trend([]float64{5, 5.1, 4.9, 5}, stamps, 0.5)
	if !ok || res.Direction != TrendStable {
		t.Fatalf("stable: got %v ok=%v", res.Direction, ok)
	}

	if _, ok := Trend([]float64{1}, stamps[:1], 0.5); ok {
		t.Fatalf("expected ok=false for single point")
	}
	same := []time.Time{base, base, base}
	if _, ok := Trend([]float64{1, 2, 3}, same, 0.5); ok {
		t.Fatalf("expected ok=false for zero time spread")
	}
}

func TestPercentageDegradation(t *testing.T) {
	got, ok := PercentageDegradation(100, 95)
	if !ok || !almostEqual(got, 5) {
		t.Fatalf("degradation: got %v ok=%v", got, ok)
	}
	got, ok = PercentageDegradation(100, 105)
	if !ok || !almostEqual(got, -5) {
		t.Fatalf("improvement: got %v ok=%v", got, ok)
	}
	if _, ok := PercentageDegradation(0, 50); ok {
		t.Fatalf("expected ok=false for zero baseline")
	}
}

func TestDataCompleteness(t *testing.T) {
	if got := DataCompleteness(45, 50); !almostEqual(got, 90) {
		t.Fatalf("got %v", got)
	}
	if got := DataCompleteness(60, 50); got != 100 {
		t.Fatalf("clamp above: got %v", got)
	}
	if got := DataCompleteness(0, 50); got != 0 {
		t.Fatalf("zero actual: got %v", got)
	}
	if got := DataCompleteness(3, 0); got != 100 {
		t.Fatalf("non-positive expected: got %v", got)
	}
}
