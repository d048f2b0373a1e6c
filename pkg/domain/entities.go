// Package domain defines the core entities, value types, and evaluation
// primitives shared by the protocol execution engine: validated protocol
// definitions, test executions, measurements, QC flags, and verdicts.
package domain

import (
	"fmt"
	"time"
)

// ValueType identifies the type of a recorded value or parameter.
type ValueType string

// Supported value types for parameters and measurements.
const (
	// TypeNumeric is a floating-point measurement or parameter.
	TypeNumeric ValueType = "numeric"
	// TypeBoolean is a true/false observation.
	TypeBoolean ValueType = "boolean"
	// TypeEnum is a value constrained to a declared set of strings.
	TypeEnum ValueType = "enum"
	// TypeText is free-form text.
	TypeText ValueType = "text"
)

// Value is a typed measurement or parameter value. Exactly one of the
// payload fields is meaningful, selected by Type.
type Value struct {
	Type   ValueType `json:"type"`
	Number float64   `json:"number,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
	Text   string    `json:"text,omitempty"`
}

// NumberValue constructs a numeric Value.
func NumberValue(v float64) Value { return Value{Type: TypeNumeric, Number: v} }

// BoolValue constructs a boolean Value.
func BoolValue(v bool) Value { return Value{Type: TypeBoolean, Bool: v} }

// TextValue constructs a free-form text Value.
func TextValue(v string) Value { return Value{Type: TypeText, Text: v} }

// EnumValue constructs an enumerated Value.
func EnumValue(v string) Value { return Value{Type: TypeEnum, Text: v} }

// String renders the payload selected by Type.
func (v Value) String() string {
	switch v.Type {
	case TypeNumeric:
		return fmt.Sprintf("%g", v.Number)
	case TypeBoolean:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return v.Text
	}
}

// Severity grades a QC flag.
type Severity string

// QC flag severities, ordered from least to most severe.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Status enumerates the execution lifecycle states.
type Status string

// Execution lifecycle states. Completed, Aborted and Failed are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusFailed:
		return true
	}
	return false
}

// Verdict is the overall outcome of a completed execution.
type Verdict string

// Overall verdicts rendered by the acceptance evaluator.
const (
	VerdictPass            Verdict = "pass"
	VerdictFail            Verdict = "fail"
	VerdictConditionalPass Verdict = "conditional_pass"
	VerdictIncomplete      Verdict = "incomplete"
)

// Measurement is one recorded data point belonging to an execution.
// Immutable once recorded; corrections are new measurements carrying a
// Supersedes reference to preserve the audit trail.
type Measurement struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	PhaseID     string            `json:"phase_id"`
	StepID      string            `json:"step_id"`
	Name        string            `json:"name"`
	Value       Value             `json:"value"`
	Unit        string            `json:"unit,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Sequence    int               `json:"sequence"`
	Supersedes  string            `json:"supersedes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// QCFlag annotates a quality-control rule violation. Only the resolution
// field-set may change after the flag is raised.
type QCFlag struct {
	RuleID         string    `json:"rule_id"`
	Severity       Severity  `json:"severity"`
	MeasurementIDs []string  `json:"measurement_ids,omitempty"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	Resolved       bool      `json:"resolved,omitempty"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	ResolvedNotes  string    `json:"resolved_notes,omitempty"`
}

// CriterionStatus is the outcome of a single acceptance criterion.
type CriterionStatus string

// Per-criterion outcomes contributing to the overall verdict.
const (
	CriterionPass       CriterionStatus = "pass"
	CriterionFail       CriterionStatus = "fail"
	CriterionWarning    CriterionStatus = "warning"
	CriterionIncomplete CriterionStatus = "incomplete"
)

// CriterionOutcome records the evaluation of one acceptance criterion.
type CriterionOutcome struct {
	CriterionID string          `json:"criterion_id"`
	Status      CriterionStatus `json:"status"`
	Value       *float64        `json:"value,omitempty"`
	Threshold   *float64        `json:"threshold,omitempty"`
	Detail      string          `json:"detail,omitempty"`
}

// Result is the final evaluation of an execution. Created exactly once on
// the terminal success transition and immutable thereafter.
type Result struct {
	ExecutionID string             `json:"execution_id"`
	Outcomes    []CriterionOutcome `json:"outcomes"`
	Verdict     Verdict            `json:"verdict"`
	Warnings    []string           `json:"warnings,omitempty"`
	ComputedAt  time.Time          `json:"computed_at"`
}

// SampleContext identifies the physical sample under test plus free-form
// operator-supplied context (lot numbers, bench ids, ...).
type SampleContext struct {
	SampleID   string            `json:"sample_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// TestExecution is the serializable state of one protocol run. It references
// its definition by id+version rather than by live pointer, since definitions
// may be reloaded independently. Mutation goes exclusively through the
// execution state machine.
type TestExecution struct {
	ID              string           `json:"id"`
	ProtocolID      string           `json:"protocol_id"`
	ProtocolVersion string           `json:"protocol_version"`
	Sample          SampleContext    `json:"sample"`
	Status          Status           `json:"status"`
	PhaseIndex      int              `json:"phase_index"`
	StepIndex       int              `json:"step_index"`
	Parameters      map[string]Value `json:"parameters,omitempty"`
	Measurements    []Measurement    `json:"measurements"`
	Flags           []QCFlag         `json:"flags"`
	Result          *Result          `json:"result,omitempty"`
	AbortReason     string           `json:"abort_reason,omitempty"`
	FailureCause    string           `json:"failure_cause,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy safe to hand outside the state machine.
func (e TestExecution) Clone() TestExecution {
	cp := e
	if e.Parameters != nil {
		cp.Parameters = make(map[string]Value, len(e.Parameters))
		for k, v := range e.Parameters {
			cp.Parameters[k] = v
		}
	}
	cp.Measurements = make([]Measurement, len(e.Measurements))
	for i, m := range e.Measurements {
		cp.Measurements[i] = m.clone()
	}
	cp.Flags = make([]QCFlag, len(e.Flags))
	for i, f := range e.Flags {
		cp.Flags[i] = f.clone()
	}
	if e.Result != nil {
		res := *e.Result
		res.Outcomes = append([]CriterionOutcome(nil), e.Result.Outcomes...)
		res.Warnings = append([]string(nil), e.Result.Warnings...)
		cp.Result = &res
	}
	if e.Sample.Attributes != nil {
		attrs := make(map[string]string, len(e.Sample.Attributes))
		for k, v := range e.Sample.Attributes {
			attrs[k] = v
		}
		cp.Sample.Attributes = attrs
	}
	return cp
}

func (m Measurement) clone() Measurement {
	cp := m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func (f QCFlag) clone() QCFlag {
	cp := f
	cp.MeasurementIDs = append([]string(nil), f.MeasurementIDs...)
	return cp
}

// EffectiveMeasurements returns the measurements named name in recording
// order, excluding any record superseded by a later correction.
func EffectiveMeasurements(ms []Measurement, name string) []Measurement {
	superseded := make(map[string]bool)
	for _, m := range ms {
		if m.Supersedes != "" {
			superseded[m.Supersedes] = true
		}
	}
	var out []Measurement
	for _, m := range ms {
		if m.Name != name || superseded[m.ID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// NumericSeries extracts the numeric values and timestamps of the effective
// measurements named name, in recording order.
func NumericSeries(ms []Measurement, name string) ([]float64, []time.Time) {
	eff := EffectiveMeasurements(ms, name)
	values := make([]float64, 0, len(eff))
	times := make([]time.Time, 0, len(eff))
	for _, m := range eff {
		if m.Value.Type != TypeNumeric {
			continue
		}
		values = append(values, m.Value.Number)
		times = append(times, m.Timestamp)
	}
	return values, times
}
