// Package core owns the protocol execution lifecycle: the per-execution
// state machine, the registry of in-flight and completed executions, and the
// service surface exposed to collaborators (UI, persistence, reporting).
package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"protocolcore/internal/acceptance"
	"protocolcore/internal/qc"
	"protocolcore/pkg/domain"
)

// Execution is the state machine driving one test run. All transitions are
// synchronous and non-blocking; waiting on operators or instruments happens
// outside transition calls. A per-execution mutex enforces the single-writer
// discipline, so many executions can be driven concurrently while each one
// advances strictly sequentially.
type Execution struct {
	mu        sync.Mutex
	def       *domain.Definition
	data      domain.TestExecution
	evaluator *acceptance.Evaluator
	evalCtx   domain.EvaluationContext
	clock     Clock
	newID     func() string
}

// ExecutionConfig bundles the collaborators an execution needs.
type ExecutionConfig struct {
	Definition *domain.Definition
	Sample     domain.SampleContext
	Evaluator  *acceptance.Evaluator
	EvalCtx    domain.EvaluationContext
	Clock      Clock
	NewID      func() string
}

// NewExecution builds a Pending execution for the given protocol and sample.
func NewExecution(cfg ExecutionConfig) *Execution {
	clock := cfg.Clock
	if clock == nil {
		clock = ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = acceptance.NewEvaluator()
	}
	evalCtx := cfg.EvalCtx
	evalCtx.AllowConditionalPass = cfg.Definition.AllowConditionalPass()
	now := clock.Now()
	return &Execution{
		def:       cfg.Definition,
		evaluator: evaluator,
		evalCtx:   evalCtx,
		clock:     clock,
		newID:     newID,
		data: domain.TestExecution{
			ID:              newID(),
			ProtocolID:      cfg.Definition.ID(),
			ProtocolVersion: cfg.Definition.Version(),
			Sample:          cfg.Sample,
			Status:          domain.StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
}

// RestoreExecution rebuilds an execution state machine from a persisted
// snapshot. The definition must match the snapshot's protocol id+version.
func RestoreExecution(cfg ExecutionConfig, snapshot domain.TestExecution) (*Execution, error) {
	if snapshot.ProtocolID != cfg.Definition.ID() || snapshot.ProtocolVersion != cfg.Definition.Version() {
		return nil, domain.DefinitionError{
			Protocol: cfg.Definition.ID(),
			Field:    "version",
			Reason:   fmt.Sprintf("snapshot references %s/%s", snapshot.ProtocolID, snapshot.ProtocolVersion),
		}
	}
	e := NewExecution(cfg)
	e.data = snapshot.Clone()
	return e, nil
}

// ID returns the execution id.
func (e *Execution) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data.ID
}

// Snapshot returns a deep copy of the execution state for persistence,
// reporting, or UI collaborators.
func (e *Execution) Snapshot() domain.TestExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data.Clone()
}

// Status returns the current lifecycle status.
func (e *Execution) Status() domain.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data.Status
}

// Start transitions Pending to Running. Required setup parameters must all be
// present and valid; declared defaults fill in missing optional parameters.
// Parameter names the definition does not declare are rejected.
func (e *Execution) Start(params map[string]domain.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.StatusPending {
		return domain.TransitionError{From: e.data.Status, Op: "start"}
	}

	var unknown []string
	for name := range params {
		if _, ok := e.def.ParameterSpec(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return domain.PreconditionError{Reason: "unknown parameters: " + strings.Join(unknown, ", ")}
	}

	applied := make(map[string]domain.Value, len(params))
	var missing []string
	for _, name := range e.def.ParameterNames() {
		spec, _ := e.def.ParameterSpec(name)
		value, ok := params[name]
		if !ok {
			if spec.Default != nil {
				applied[name] = *spec.Default
				continue
			}
			if spec.Required {
				missing = append(missing, name)
			}
			continue
		}
		if err := checkParameter(name, spec, value); err != nil {
			return err
		}
		applied[name] = value
	}
	if len(missing) > 0 {
		return domain.PreconditionError{Missing: missing}
	}

	e.data.Parameters = applied
	e.data.Status = domain.StatusRunning
	e.touch()
	return nil
}

// RecordMeasurement validates m against its measurement spec and, on
// success, appends it and immediately evaluates every QC rule targeting the
// measurement name. Validation failure leaves the execution unchanged; QC
// flags never veto recording. The appended flags are returned.
func (e *Execution) RecordMeasurement(m domain.Measurement) ([]domain.QCFlag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.StatusRunning {
		return nil, domain.TransitionError{From: e.data.Status, Op: "record measurement"}
	}
	spec, ok := e.def.MeasurementSpec(m.Name)
	if !ok {
		return nil, domain.ValidationError{Measurement: m.Name, Field: "name", Reason: "not declared by protocol"}
	}
	if err := checkMeasurement(m, spec); err != nil {
		return nil, err
	}
	if m.Supersedes != "" && !e.hasMeasurement(m.Supersedes) {
		return nil, domain.ValidationError{Measurement: m.Name, Field: "supersedes", Reason: fmt.Sprintf("unknown measurement %s", m.Supersedes)}
	}

	now := e.clock.Now()
	m.ID = e.newID()
	m.ExecutionID = e.data.ID
	m.Sequence = len(e.data.Measurements)
	if phase, step, ok := e.currentStep(); ok {
		m.PhaseID = phase.ID
		m.StepID = step.ID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	e.data.Measurements = append(e.data.Measurements, m)

	var raised []domain.QCFlag
	for _, rule := range e.def.QCRules() {
		if rule.TargetMeasurement != m.Name {
			continue
		}
		_, flag, err := qc.Evaluate(rule, e.data.Measurements, e.evalCtx, now)
		if err != nil {
			// Rule kinds are validated at definition load; an evaluator
			// error here is an internal fault, preserved for audit.
			e.fail(err)
			return raised, domain.EvaluationError{Op: "qc rule " + rule.ID, Err: err}
		}
		if flag != nil {
			e.data.Flags = append(e.data.Flags, *flag)
			raised = append(raised, *flag)
		}
	}
	e.touch()
	return raised, nil
}

// AdvanceStep moves to the next step of the current phase. It fails with a
// SequenceError when the current step's required measurements are not all
// present or when the phase has no further steps.
func (e *Execution) AdvanceStep() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.StatusRunning {
		return domain.TransitionError{From: e.data.Status, Op: "advance step"}
	}
	return e.advanceStepLocked()
}

// AdvancePhase moves to the next phase once every step of the current phase
// has its required measurements.
func (e *Execution) AdvancePhase() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.StatusRunning {
		return domain.TransitionError{From: e.data.Status, Op: "advance phase"}
	}
	return e.advancePhaseLocked()
}

// Advance moves one step forward, rolling into the next phase when the
// current phase's steps are exhausted.
func (e *Execution) Advance() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.StatusRunning {
		return domain.TransitionError{From: e.data.Status, Op: "advance"}
	}
	if phase, _, ok := e.currentStep(); ok && e.data.StepIndex+1 >= len(phase.Steps) {
		return e.advancePhaseLocked()
	}
	return e.advanceStepLocked()
}

func (e *Execution) advanceStepLocked() error {
	phase, step, ok := e.currentStep()
	if !ok {
		return domain.SequenceError{Reason: "all phases exhausted"}
	}
	if missing := e.missingForStep(phase, step); len(missing) > 0 {
		return domain.SequenceError{PhaseID: phase.ID, StepID: step.ID, Missing: missing}
	}
	if e.data.StepIndex+1 >= len(phase.Steps) {
		return domain.SequenceError{PhaseID: phase.ID, StepID: step.ID, Reason: "phase complete; advance phase"}
	}
	e.data.StepIndex++
	e.touch()
	return nil
}

func (e *Execution) advancePhaseLocked() error {
	phases := e.def.Phases()
	if e.data.PhaseIndex >= len(phases) {
		return domain.SequenceError{Reason: "all phases exhausted"}
	}
	phase := phases[e.data.PhaseIndex]
	for _, step := range phase.Steps {
		if missing := e.missingForStep(phase, step); len(missing) > 0 {
			return domain.SequenceError{PhaseID: phase.ID, StepID: step.ID, Missing: missing}
		}
	}
	e.data.PhaseIndex++
	e.data.StepIndex = 0
	e.touch()
	return nil
}

// Pause suspends a running execution for operator-driven interruption,
// preserving all accumulated state.
func (e *Execution) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.StatusRunning {
		return domain.TransitionError{From: e.data.Status, Op: "pause"}
	}
	e.data.Status = domain.StatusPaused
	e.touch()
	return nil
}

// Resume returns a paused execution to Running.
func (e *Execution) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.StatusPaused {
		return domain.TransitionError{From: e.data.Status, Op: "resume"}
	}
	e.data.Status = domain.StatusRunning
	e.touch()
	return nil
}

// Complete runs the acceptance evaluator over the full measurement history
// and transitions to Completed with the Result attached. Valid only from
// Running with all phases exhausted. An evaluator fault transitions to
// Failed with the cause preserved; a system fault must stay distinguishable
// from a Fail verdict.
func (e *Execution) Complete() (*domain.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != domain.StatusRunning {
		return nil, domain.TransitionError{From: e.data.Status, Op: "complete"}
	}
	if e.data.PhaseIndex < len(e.def.Phases()) {
		phases := e.def.Phases()
		return nil, domain.SequenceError{PhaseID: phases[e.data.PhaseIndex].ID, Reason: "phases remain"}
	}

	result, err := e.evaluateAcceptance()
	if err != nil {
		e.fail(err)
		return nil, domain.EvaluationError{Op: "acceptance", Err: err}
	}
	result.ExecutionID = e.data.ID
	e.data.Result = &result
	e.data.Status = domain.StatusCompleted
	e.touch()
	return e.data.Result, nil
}

// Abort cancels the execution from any non-terminal state, recording the
// reason. No Result is produced. Aborting an already-terminal execution is a
// no-op that reports the existing status.
func (e *Execution) Abort(reason string) domain.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status.Terminal() {
		return e.data.Status
	}
	e.data.Status = domain.StatusAborted
	e.data.AbortReason = reason
	e.touch()
	return e.data.Status
}

// ResolveFlag marks a QC flag resolved. The resolution field-set is the only
// mutation permitted on a recorded flag.
func (e *Execution) ResolveFlag(index int, resolver, notes string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.data.Flags) {
		return domain.ErrNotFound{Kind: "qc flag", ID: fmt.Sprintf("%d", index)}
	}
	flag := &e.data.Flags[index]
	flag.Resolved = true
	flag.ResolvedBy = resolver
	flag.ResolvedNotes = notes
	e.touch()
	return nil
}

// evaluateAcceptance runs under e.mu. Panics inside statistics or acceptance
// evaluation surface as errors rather than crashing the caller.
func (e *Execution) evaluateAcceptance() (result domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.evaluator.EvaluateAll(e.def.AcceptanceCriteria(), e.data.Measurements, e.evalCtx, e.clock.Now())
}

func (e *Execution) fail(cause error) {
	e.data.Status = domain.StatusFailed
	e.data.FailureCause = cause.Error()
	e.touch()
}

func (e *Execution) touch() {
	e.data.UpdatedAt = e.clock.Now()
}

func (e *Execution) currentStep() (domain.Phase, domain.Step, bool) {
	phases := e.def.Phases()
	if e.data.PhaseIndex >= len(phases) {
		return domain.Phase{}, domain.Step{}, false
	}
	phase := phases[e.data.PhaseIndex]
	if e.data.StepIndex >= len(phase.Steps) {
		return phase, domain.Step{}, false
	}
	return phase, phase.Steps[e.data.StepIndex], true
}

func (e *Execution) missingForStep(phase domain.Phase, step domain.Step) []string {
	var missing []string
	for _, name := range step.RequiredMeasurements {
		found := false
		for _, m := range domain.EffectiveMeasurements(e.data.Measurements, name) {
			if m.PhaseID == phase.ID && m.StepID == step.ID {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}
	return missing
}

func (e *Execution) hasMeasurement(id string) bool {
	for _, m := range e.data.Measurements {
		if m.ID == id {
			return true
		}
	}
	return false
}

func checkParameter(name string, spec domain.ParameterSpec, value domain.Value) error {
	if value.Type != spec.Type {
		return domain.PreconditionError{Reason: fmt.Sprintf("parameter %s: expected %s, got %s", name, spec.Type, value.Type)}
	}
	switch spec.Type {
	case domain.TypeNumeric:
		if spec.Min != nil && value.Number < *spec.Min {
			return domain.PreconditionError{Reason: fmt.Sprintf("parameter %s: %g below minimum %g", name, value.Number, *spec.Min)}
		}
		if spec.Max != nil && value.Number > *spec.Max {
			return domain.PreconditionError{Reason: fmt.Sprintf("parameter %s: %g above maximum %g", name, value.Number, *spec.Max)}
		}
	case domain.TypeEnum:
		if !contains(spec.Enum, value.Text) {
			return domain.PreconditionError{Reason: fmt.Sprintf("parameter %s: %q not in enum", name, value.Text)}
		}
	}
	return nil
}

func checkMeasurement(m domain.Measurement, spec domain.MeasurementSpec) error {
	if m.Value.Type != spec.Type {
		return domain.ValidationError{Measurement: m.Name, Field: "type", Reason: fmt.Sprintf("expected %s, got %s", spec.Type, m.Value.Type)}
	}
	if spec.Unit != "" && m.Unit != spec.Unit {
		return domain.ValidationError{Measurement: m.Name, Field: "unit", Reason: fmt.Sprintf("expected %s, got %s", spec.Unit, m.Unit)}
	}
	switch spec.Type {
	case domain.TypeNumeric:
		if spec.Min != nil && m.Value.Number < *spec.Min {
			return domain.ValidationError{Measurement: m.Name, Field: "value", Reason: fmt.Sprintf("%g below minimum %g", m.Value.Number, *spec.Min)}
		}
		if spec.Max != nil && m.Value.Number > *spec.Max {
			return domain.ValidationError{Measurement: m.Name, Field: "value", Reason: fmt.Sprintf("%g above maximum %g", m.Value.Number, *spec.Max)}
		}
	case domain.TypeEnum:
		if !contains(spec.Enum, m.Value.Text) {
			return domain.ValidationError{Measurement: m.Name, Field: "value", Reason: fmt.Sprintf("%q not in enum", m.Value.Text)}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
