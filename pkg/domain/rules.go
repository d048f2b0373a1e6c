package domain

import "fmt"

// Comparator identifies a numeric comparison operator used by threshold
// rules, comparison rules, and acceptance predicates.
type Comparator string

// Supported comparison operators.
const (
	CompareLT Comparator = "lt"
	CompareLE Comparator = "le"
	CompareGT Comparator = "gt"
	CompareGE Comparator = "ge"
	CompareEQ Comparator = "eq"
	CompareNE Comparator = "ne"
)

// Apply evaluates a against b under the comparator.
func (c Comparator) Apply(a, b float64) (bool, error) {
	switch c {
	case CompareLT:
		return a < b, nil
	case CompareLE:
		return a <= b, nil
	case CompareGT:
		return a > b, nil
	case CompareGE:
		return a >= b, nil
	case CompareEQ:
		return a == b, nil
	case CompareNE:
		return a != b, nil
	default:
		return false, fmt.Errorf("unknown comparator %q", string(c))
	}
}

// RuleKind discriminates the closed set of QC rule variants.
type RuleKind string

// QC rule kinds. The evaluator switches exhaustively over this set; adding a
// kind is a compile-time-checked extension.
const (
	RuleRange      RuleKind = "range"
	RuleThreshold  RuleKind = "threshold"
	RulePattern    RuleKind = "pattern"
	RuleComparison RuleKind = "comparison"
	RuleTrend      RuleKind = "trend"
	RuleOutlier    RuleKind = "outlier"
)

// OutlierMethod selects the detection algorithm for outlier rules.
type OutlierMethod string

// Outlier detection methods.
const (
	OutlierIQR    OutlierMethod = "iqr"
	OutlierZScore OutlierMethod = "zscore"
)

// RangeParams bound a numeric measurement to [Min, Max].
type RangeParams struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ThresholdParams flag a measurement violating a single comparison. The rule
// is violated when the comparison holds.
type ThresholdParams struct {
	Comparator Comparator `json:"comparator"`
	Value      float64    `json:"value"`
}

// PatternParams constrain an enumerated or text measurement. Exactly one of
// MustEqual / MustNotEqual is set.
type PatternParams struct {
	MustEqual    string `json:"must_equal,omitempty"`
	MustNotEqual string `json:"must_not_equal,omitempty"`
}

// ComparisonParams relate the target measurement to another named
// measurement. The rule is satisfied when the comparison holds.
type ComparisonParams struct {
	OtherMeasurement string     `json:"other_measurement"`
	Comparator       Comparator `json:"comparator"`
}

// TrendParams flag a regression slope exceeding MaxSlope in magnitude over
// the trailing WindowSize measurements.
type TrendParams struct {
	WindowSize int     `json:"window_size"`
	MaxSlope   float64 `json:"max_slope"`
}

// OutlierParams flag statistical outliers over the trailing WindowSize
// measurements. Param is the IQR multiplier or Z-score threshold and is
// mandatory: the loader rejects outlier rules without an explicit value,
// since this domain uses both the classical 1.5 and the conservative 3.0
// multipliers depending on the protocol.
type OutlierParams struct {
	Method     OutlierMethod `json:"method"`
	Param      float64       `json:"param"`
	WindowSize int           `json:"window_size"`
}

// QCRule is a tagged variant over the closed rule-kind set. Kind selects
// which params field is populated.
type QCRule struct {
	ID                string            `json:"id"`
	Kind              RuleKind          `json:"kind"`
	TargetMeasurement string            `json:"target_measurement"`
	Severity          Severity          `json:"severity"`
	Message           string            `json:"message,omitempty"`
	Range             *RangeParams      `json:"range,omitempty"`
	Threshold         *ThresholdParams  `json:"threshold,omitempty"`
	Pattern           *PatternParams    `json:"pattern,omitempty"`
	Comparison        *ComparisonParams `json:"comparison,omitempty"`
	Trend             *TrendParams      `json:"trend,omitempty"`
	Outlier           *OutlierParams    `json:"outlier,omitempty"`
}

// CriterionCategory weights an acceptance criterion in verdict precedence.
type CriterionCategory string

// Acceptance criterion categories, most severe first.
const (
	CategoryCritical CriterionCategory = "critical"
	CategoryMajor    CriterionCategory = "major"
	CategoryWarning  CriterionCategory = "warning"
)

// PredicateKind discriminates acceptance predicate variants.
type PredicateKind string

// Acceptance predicate kinds.
const (
	// PredicateThreshold compares a numeric final or derived value.
	PredicateThreshold PredicateKind = "threshold"
	// PredicateEquals matches a boolean final value.
	PredicateEquals PredicateKind = "equals"
	// PredicateMatches matches an enumerated or text final value.
	PredicateMatches PredicateKind = "matches"
)

// Predicate is the pass condition of an acceptance criterion. The criterion
// passes when the predicate holds.
type Predicate struct {
	Kind       PredicateKind `json:"kind"`
	Comparator Comparator    `json:"comparator,omitempty"`
	Threshold  float64       `json:"threshold,omitempty"`
	ExpectBool bool          `json:"expect_bool,omitempty"`
	Expect     string        `json:"expect,omitempty"`
}

// AcceptanceCriterion is one named pass/fail condition contributing to the
// final verdict. When Calculation is set, the criterion evaluates a derived
// statistic (looked up by name in the evaluator's calculation table) over the
// measurement's numeric series; otherwise it evaluates the latest effective
// value of Measurement.
type AcceptanceCriterion struct {
	ID          string            `json:"id"`
	Category    CriterionCategory `json:"category"`
	Description string            `json:"description,omitempty"`
	Measurement string            `json:"measurement"`
	Calculation string            `json:"calculation,omitempty"`
	Predicate   Predicate         `json:"predicate"`
}

// EvaluationContext carries the tunables that determine evaluator behavior.
// It is passed explicitly into every evaluator call: no thresholds are read
// from ambient configuration. Outlier multipliers are deliberately absent;
// they are mandatory per-rule parameters.
type EvaluationContext struct {
	// TrendSlopeThreshold is the slope magnitude below which a trend
	// classifies as stable.
	TrendSlopeThreshold float64 `json:"trend_slope_threshold"`
	// AllowConditionalPass permits a ConditionalPass verdict when a major
	// criterion fails with all criticals passing. Taken from the protocol
	// definition by the service.
	AllowConditionalPass bool `json:"allow_conditional_pass"`
}
