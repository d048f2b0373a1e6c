package domain

import "fmt"

// Step is one operator or automation action within a phase. Required
// measurements are checked per step when advancing, not only at completion.
type Step struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name,omitempty"`
	RequiredMeasurements []string `json:"required_measurements,omitempty"`
}

// Phase is an ordered group of steps.
type Phase struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Steps []Step `json:"steps"`
}

// ParameterSpec constrains a setup parameter supplied before start.
type ParameterSpec struct {
	Type     ValueType `json:"type"`
	Unit     string    `json:"unit,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Enum     []string  `json:"enum,omitempty"`
	Required bool      `json:"required,omitempty"`
	Default  *Value    `json:"default,omitempty"`
}

// MeasurementSpec constrains a recorded measurement. Min/Max bound the
// physically valid range; values outside it are rejected at recording time,
// which is distinct from QC range rules that flag but never veto.
type MeasurementSpec struct {
	Type     ValueType `json:"type"`
	Unit     string    `json:"unit,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Enum     []string  `json:"enum,omitempty"`
	Required bool      `json:"required,omitempty"`
}

// DefinitionInput is the already-parsed protocol structure handed to
// NewDefinition by a loader. NewDefinition validates it and copies it into an
// immutable Definition.
type DefinitionInput struct {
	ProtocolID           string                     `json:"protocol_id"`
	Version              string                     `json:"version"`
	Phases               []Phase                    `json:"phases"`
	Parameters           map[string]ParameterSpec   `json:"parameters,omitempty"`
	Measurements         map[string]MeasurementSpec `json:"measurements,omitempty"`
	QCRules              []QCRule                   `json:"qc_rules,omitempty"`
	AcceptanceCriteria   []AcceptanceCriterion      `json:"acceptance_criteria,omitempty"`
	AllowConditionalPass bool                       `json:"allow_conditional_pass,omitempty"`
}

// Definition is the validated, immutable in-memory representation of one
// protocol version. Safe to share across concurrently running executions; all
// accessors return copies.
type Definition struct {
	id                   string
	version              string
	phases               []Phase
	parameters           map[string]ParameterSpec
	measurements         map[string]MeasurementSpec
	qcRules              []QCRule
	criteria             []AcceptanceCriterion
	allowConditionalPass bool
}

// NewDefinition validates the input against the definition invariants and
// returns an immutable Definition. A DefinitionError identifies the exact
// field that violated an invariant.
func NewDefinition(in DefinitionInput) (*Definition, error) {
	if in.ProtocolID == "" {
		return nil, DefinitionError{Protocol: "?", Field: "protocol_id", Reason: "empty"}
	}
	if in.Version == "" {
		return nil, DefinitionError{Protocol: in.ProtocolID, Field: "version", Reason: "empty"}
	}
	if len(in.Phases) == 0 {
		return nil, DefinitionError{Protocol: in.ProtocolID, Field: "phases", Reason: "at least one phase required"}
	}

	d := &Definition{
		id:                   in.ProtocolID,
		version:              in.Version,
		parameters:           make(map[string]ParameterSpec, len(in.Parameters)),
		measurements:         make(map[string]MeasurementSpec, len(in.Measurements)),
		allowConditionalPass: in.AllowConditionalPass,
	}

	for name, spec := range in.Parameters {
		if err := checkSpecRange(in.ProtocolID, "parameters."+name, spec.Type, spec.Min, spec.Max, spec.Enum); err != nil {
			return nil, err
		}
		if err := checkParameterDefault(in.ProtocolID, "parameters."+name, spec); err != nil {
			return nil, err
		}
		d.parameters[name] = cloneParameterSpec(spec)
	}
	for name, spec := range in.Measurements {
		if err := checkSpecRange(in.ProtocolID, "measurements."+name, spec.Type, spec.Min, spec.Max, spec.Enum); err != nil {
			return nil, err
		}
		d.measurements[name] = cloneMeasurementSpec(spec)
	}

	phaseIDs := make(map[string]bool, len(in.Phases))
	for _, phase := range in.Phases {
		if phase.ID == "" {
			return nil, DefinitionError{Protocol: in.ProtocolID, Field: "phases", Reason: "phase id empty"}
		}
		if phaseIDs[phase.ID] {
			return nil, DefinitionError{Protocol: in.ProtocolID, Field: "phases." + phase.ID, Reason: "duplicate phase id"}
		}
		phaseIDs[phase.ID] = true
		if len(phase.Steps) == 0 {
			return nil, DefinitionError{Protocol: in.ProtocolID, Field: "phases." + phase.ID, Reason: "at least one step required"}
		}
		stepIDs := make(map[string]bool, len(phase.Steps))
		cp := Phase{ID: phase.ID, Name: phase.Name, Steps: make([]Step, 0, len(phase.Steps))}
		for _, step := range phase.Steps {
			if step.ID == "" {
				return nil, DefinitionError{Protocol: in.ProtocolID, Field: "phases." + phase.ID, Reason: "step id empty"}
			}
			if stepIDs[step.ID] {
				return nil, DefinitionError{Protocol: in.ProtocolID, Field: fmt.Sprintf("phases.%s.%s", phase.ID, step.ID), Reason: "duplicate step id"}
			}
			stepIDs[step.ID] = true
			for _, name := range step.RequiredMeasurements {
				if _, ok := d.measurements[name]; !ok {
					return nil, DefinitionError{Protocol: in.ProtocolID, Field: fmt.Sprintf("phases.%s.%s", phase.ID, step.ID), Reason: fmt.Sprintf("unknown required measurement %q", name)}
				}
			}
			sc := step
			sc.RequiredMeasurements = append([]string(nil), step.RequiredMeasurements...)
			cp.Steps = append(cp.Steps, sc)
		}
		d.phases = append(d.phases, cp)
	}

	ruleIDs := make(map[string]bool, len(in.QCRules))
	for _, rule := range in.QCRules {
		if err := validateRule(in.ProtocolID, rule, d.measurements); err != nil {
			return nil, err
		}
		if ruleIDs[rule.ID] {
			return nil, DefinitionError{Protocol: in.ProtocolID, Field: "qc_rules." + rule.ID, Reason: "duplicate rule id"}
		}
		ruleIDs[rule.ID] = true
		d.qcRules = append(d.qcRules, cloneRule(rule))
	}

	criterionIDs := make(map[string]bool, len(in.AcceptanceCriteria))
	for _, crit := range in.AcceptanceCriteria {
		if err := validateCriterion(in.ProtocolID, crit, d.measurements); err != nil {
			return nil, err
		}
		if criterionIDs[crit.ID] {
			return nil, DefinitionError{Protocol: in.ProtocolID, Field: "acceptance_criteria." + crit.ID, Reason: "duplicate criterion id"}
		}
		criterionIDs[crit.ID] = true
		d.criteria = append(d.criteria, crit)
	}

	return d, nil
}

// ID returns the protocol identifier.
func (d *Definition) ID() string { return d.id }

// Version returns the protocol version.
func (d *Definition) Version() string { return d.version }

// AllowConditionalPass reports whether a major-criterion failure may render a
// ConditionalPass verdict instead of Fail.
func (d *Definition) AllowConditionalPass() bool { return d.allowConditionalPass }

// Phases returns the ordered phase list.
func (d *Definition) Phases() []Phase {
	out := make([]Phase, len(d.phases))
	for i, p := range d.phases {
		cp := p
		cp.Steps = make([]Step, len(p.Steps))
		for j, s := range p.Steps {
			sc := s
			sc.RequiredMeasurements = append([]string(nil), s.RequiredMeasurements...)
			cp.Steps[j] = sc
		}
		out[i] = cp
	}
	return out
}

// ParameterSpec looks up a parameter spec by name.
func (d *Definition) ParameterSpec(name string) (ParameterSpec, bool) {
	spec, ok := d.parameters[name]
	if !ok {
		return ParameterSpec{}, false
	}
	return cloneParameterSpec(spec), true
}

// ParameterNames returns the declared parameter names.
func (d *Definition) ParameterNames() []string {
	out := make([]string, 0, len(d.parameters))
	for name := range d.parameters {
		out = append(out, name)
	}
	return out
}

// MeasurementSpec looks up a measurement spec by name.
func (d *Definition) MeasurementSpec(name string) (MeasurementSpec, bool) {
	spec, ok := d.measurements[name]
	if !ok {
		return MeasurementSpec{}, false
	}
	return cloneMeasurementSpec(spec), true
}

// MeasurementNames returns the declared measurement names.
func (d *Definition) MeasurementNames() []string {
	out := make([]string, 0, len(d.measurements))
	for name := range d.measurements {
		out = append(out, name)
	}
	return out
}

// QCRules returns the ordered QC rule list.
func (d *Definition) QCRules() []QCRule {
	out := make([]QCRule, len(d.qcRules))
	for i, r := range d.qcRules {
		out[i] = cloneRule(r)
	}
	return out
}

// AcceptanceCriteria returns the ordered criterion list.
func (d *Definition) AcceptanceCriteria() []AcceptanceCriterion {
	return append([]AcceptanceCriterion(nil), d.criteria...)
}

func checkSpecRange(protocol, field string, typ ValueType, min, max *float64, enum []string) error {
	switch typ {
	case TypeNumeric:
		if min != nil && max != nil && *min > *max {
			return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("min %g exceeds max %g", *min, *max)}
		}
	case TypeEnum:
		if len(enum) == 0 {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "enum type requires allowed values"}
		}
	case TypeBoolean, TypeText:
	default:
		return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("unknown type %q", string(typ))}
	}
	return nil
}

// checkParameterDefault rejects a declared default that its own spec would
// refuse at start time.
func checkParameterDefault(protocol, field string, spec ParameterSpec) error {
	if spec.Default == nil {
		return nil
	}
	def := *spec.Default
	if def.Type != spec.Type {
		return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("default type %s does not match %s", string(def.Type), string(spec.Type))}
	}
	switch spec.Type {
	case TypeNumeric:
		if spec.Min != nil && def.Number < *spec.Min {
			return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("default %g below minimum %g", def.Number, *spec.Min)}
		}
		if spec.Max != nil && def.Number > *spec.Max {
			return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("default %g above maximum %g", def.Number, *spec.Max)}
		}
	case TypeEnum:
		for _, allowed := range spec.Enum {
			if allowed == def.Text {
				return nil
			}
		}
		return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("default %q not in enum", def.Text)}
	}
	return nil
}

func validateRule(protocol string, rule QCRule, measurements map[string]MeasurementSpec) error {
	field := "qc_rules." + rule.ID
	if rule.ID == "" {
		return DefinitionError{Protocol: protocol, Field: "qc_rules", Reason: "rule id empty"}
	}
	switch rule.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("unknown severity %q", string(rule.Severity))}
	}
	if _, ok := measurements[rule.TargetMeasurement]; !ok {
		return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("unknown target measurement %q", rule.TargetMeasurement)}
	}
	switch rule.Kind {
	case RuleRange:
		if rule.Range == nil {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "range params missing"}
		}
		if rule.Range.Min > rule.Range.Max {
			return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("min %g exceeds max %g", rule.Range.Min, rule.Range.Max)}
		}
	case RuleThreshold:
		if rule.Threshold == nil {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "threshold params missing"}
		}
		if _, err := rule.Threshold.Comparator.Apply(0, 0); err != nil {
			return DefinitionError{Protocol: protocol, Field: field, Reason: err.Error()}
		}
	case RulePattern:
		if rule.Pattern == nil {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "pattern params missing"}
		}
		if (rule.Pattern.MustEqual == "") == (rule.Pattern.MustNotEqual == "") {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "exactly one of must_equal / must_not_equal required"}
		}
		if typ := measurements[rule.TargetMeasurement].Type; typ != TypeEnum && typ != TypeText {
			return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("pattern rules require an enum or text measurement, got %s", string(typ))}
		}
	case RuleComparison:
		if rule.Comparison == nil {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "comparison params missing"}
		}
		if _, ok := measurements[rule.Comparison.OtherMeasurement]; !ok {
			return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("unknown comparison measurement %q", rule.Comparison.OtherMeasurement)}
		}
		if _, err := rule.Comparison.Comparator.Apply(0, 0); err != nil {
			return DefinitionError{Protocol: protocol, Field: field, Reason: err.Error()}
		}
	case RuleTrend:
		if rule.Trend == nil {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "trend params missing"}
		}
		if rule.Trend.WindowSize < 2 {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "trend window must be at least 2"}
		}
	case RuleOutlier:
		if rule.Outlier == nil {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "outlier params missing"}
		}
		switch rule.Outlier.Method {
		case OutlierIQR, OutlierZScore:
		default:
			return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("unknown outlier method %q", string(rule.Outlier.Method))}
		}
		// The multiplier is mandatory: 1.5 (classical) and 3.0 (conservative)
		// are both in legitimate use and must be chosen per rule.
		if rule.Outlier.Param <= 0 {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "outlier param must be explicit and positive"}
		}
		if rule.Outlier.WindowSize < 4 {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "outlier window must be at least 4"}
		}
	default:
		return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("unknown rule kind %q", string(rule.Kind))}
	}
	return nil
}

func validateCriterion(protocol string, crit AcceptanceCriterion, measurements map[string]MeasurementSpec) error {
	field := "acceptance_criteria." + crit.ID
	if crit.ID == "" {
		return DefinitionError{Protocol: protocol, Field: "acceptance_criteria", Reason: "criterion id empty"}
	}
	switch crit.Category {
	case CategoryCritical, CategoryMajor, CategoryWarning:
	default:
		return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("unknown category %q", string(crit.Category))}
	}
	if _, ok := measurements[crit.Measurement]; !ok {
		return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("unknown measurement %q", crit.Measurement)}
	}
	switch crit.Predicate.Kind {
	case PredicateThreshold:
		if _, err := crit.Predicate.Comparator.Apply(0, 0); err != nil {
			return DefinitionError{Protocol: protocol, Field: field, Reason: err.Error()}
		}
	case PredicateEquals, PredicateMatches:
		if crit.Calculation != "" {
			return DefinitionError{Protocol: protocol, Field: field, Reason: "calculations apply only to threshold predicates"}
		}
	default:
		return DefinitionError{Protocol: protocol, Field: field, Reason: fmt.Sprintf("unknown predicate kind %q", string(crit.Predicate.Kind))}
	}
	return nil
}

func cloneParameterSpec(spec ParameterSpec) ParameterSpec {
	cp := spec
	cp.Min = cloneFloat(spec.Min)
	cp.Max = cloneFloat(spec.Max)
	cp.Enum = append([]string(nil), spec.Enum...)
	if spec.Default != nil {
		def := *spec.Default
		cp.Default = &def
	}
	return cp
}

func cloneMeasurementSpec(spec MeasurementSpec) MeasurementSpec {
	cp := spec
	cp.Min = cloneFloat(spec.Min)
	cp.Max = cloneFloat(spec.Max)
	cp.Enum = append([]string(nil), spec.Enum...)
	return cp
}

func cloneRule(rule QCRule) QCRule {
	cp := rule
	if rule.Range != nil {
		v := *rule.Range
		cp.Range = &v
	}
	if rule.Threshold != nil {
		v := *rule.Threshold
		cp.Threshold = &v
	}
	if rule.Pattern != nil {
		v := *rule.Pattern
		cp.Pattern = &v
	}
	if rule.Comparison != nil {
		v := *rule.Comparison
		cp.Comparison = &v
	}
	if rule.Trend != nil {
		v := *rule.Trend
		cp.Trend = &v
	}
	if rule.Outlier != nil {
		v := *rule.Outlier
		cp.Outlier = &v
	}
	return cp
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
