package domain

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusAborted, StatusFailed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusPaused} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestComparatorApply(t *testing.T) {
	cases := []struct {
		c    Comparator
		a, b float64
		want bool
	}{
		{CompareLT, 1, 2, true},
		{CompareLE, 2, 2, true},
		{CompareGT, 3, 2, true},
		{CompareGE, 2, 3, false},
		{CompareEQ, 2, 2, true},
		{CompareNE, 2, 2, false},
	}
	for _, tc := range cases {
		got, err := tc.c.Apply(tc.a, tc.b)
		if err != nil {
			t.Fatalf("%s: %v", tc.c, err)
		}
		if got != tc.want {
			t.Fatalf("%s(%g,%g): got %v", tc.c, tc.a, tc.b, got)
		}
	}
	if _, err := Comparator("approx").Apply(1, 2); err == nil {
		t.Fatalf("expected error for unknown comparator")
	}
}

func TestEffectiveMeasurementsExcludesSuperseded(t *testing.T) {
	ms := []Measurement{
		{ID: "m1", Name: "temp", Value: NumberValue(20)},
		{ID: "m2", Name: "temp", Value: NumberValue(999)},
		{ID: "m3", Name: "humidity", Value: NumberValue(40)},
		{ID: "m4", Name: "temp", Value: NumberValue(21), Supersedes: "m2"},
	}
	eff := EffectiveMeasurements(ms, "temp")
	if len(eff) != 2 {
		t.Fatalf("expected 2 effective, got %d", len(eff))
	}
	if eff[0].ID != "m1" || eff[1].ID != "m4" {
		t.Fatalf("order: got %s, %s", eff[0].ID, eff[1].ID)
	}
	values, _ := NumericSeries(ms, "temp")
	if len(values) != 2 || values[0] != 20 || values[1] != 21 {
		t.Fatalf("series: got %v", values)
	}
}

func TestNumericSeriesSkipsNonNumeric(t *testing.T) {
	ms := []Measurement{
		{ID: "m1", Name: "check", Value: BoolValue(true)},
		{ID: "m2", Name: "check", Value: NumberValue(7)},
	}
	values, times := NumericSeries(ms, "check")
	if len(values) != 1 || values[0] != 7 || len(times) != 1 {
		t.Fatalf("got %v", values)
	}
}

func TestTestExecutionCloneIsDeep(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	v := 1.5
	exec := TestExecution{
		ID:         "run-1",
		Sample:     SampleContext{SampleID: "s-9", Attributes: map[string]string{"lot": "L42"}},
		Parameters: map[string]Value{"target": NumberValue(37)},
		Measurements: []Measurement{
			{ID: "m1", Name: "temp", Value: NumberValue(36.5), Metadata: map[string]string{"bench": "b2"}},
		},
		Flags: []QCFlag{
			{RuleID: "r1", Severity: SeverityWarning, MeasurementIDs: []string{"m1"}, Timestamp: now},
		},
		Result: &Result{
			ExecutionID: "run-1",
			Verdict:     VerdictPass,
			Outcomes:    []CriterionOutcome{{CriterionID: "c1", Status: CriterionPass, Value: &v}},
			Warnings:    []string{"minor drift"},
		},
	}

	cp := exec.Clone()
	cp.Sample.Attributes["lot"] = "mutated"
	cp.Parameters["target"] = NumberValue(0)
	cp.Measurements[0].Metadata["bench"] = "mutated"
	cp.Flags[0].MeasurementIDs[0] = "mutated"
	cp.Result.Outcomes[0].Status = CriterionFail
	cp.Result.Warnings[0] = "mutated"

	if exec.Sample.Attributes["lot"] != "L42" {
		t.Fatalf("sample attributes leaked")
	}
	if exec.Parameters["target"].Number != 37 {
		t.Fatalf("parameters leaked")
	}
	if exec.Measurements[0].Metadata["bench"] != "b2" {
		t.Fatalf("measurement metadata leaked")
	}
	if exec.Flags[0].MeasurementIDs[0] != "m1" {
		t.Fatalf("flag ids leaked")
	}
	if exec.Result.Outcomes[0].Status != CriterionPass || exec.Result.Warnings[0] != "minor drift" {
		t.Fatalf("result leaked")
	}
}
