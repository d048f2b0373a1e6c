package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"protocolcore/internal/acceptance"
	"protocolcore/internal/archive"
	"protocolcore/pkg/domain"
)

// Service is the execution API surface exposed to collaborators (UI,
// persistence, reporting, external-system sync). It owns the registry,
// resolves protocol definitions through the injected source, and persists
// every successful mutation through the execution store. The service never
// performs evaluation itself; that stays inside the state machine and its
// evaluators.
type Service struct {
	registry    *Registry
	definitions domain.DefinitionSource
	store       domain.ExecutionStore
	archive     archive.Store
	evaluator   *acceptance.Evaluator
	evalCtx     domain.EvaluationContext
	logger      Logger
	audit       AuditRecorder
	metrics     MetricsRecorder
	clock       Clock
	newID       func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger injects a structured logger.
func WithLogger(l Logger) Option { return func(s *Service) { s.logger = l } }

// WithAuditRecorder injects an audit sink.
func WithAuditRecorder(r AuditRecorder) Option { return func(s *Service) { s.audit = r } }

// WithMetricsRecorder injects a metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option { return func(s *Service) { s.metrics = r } }

// WithClock overrides the time source.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithIDGenerator overrides execution and measurement id generation.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// WithEvaluationContext sets the evaluation tunables applied to every
// execution. The conditional-pass policy is still taken per protocol from
// its definition.
func WithEvaluationContext(ctx domain.EvaluationContext) Option {
	return func(s *Service) { s.evalCtx = ctx }
}

// WithEvaluator replaces the acceptance evaluator, typically to register
// additional named calculations.
func WithEvaluator(e *acceptance.Evaluator) Option { return func(s *Service) { s.evaluator = e } }

// WithArchive attaches a blob archive for completed execution records.
func WithArchive(store archive.Store) Option { return func(s *Service) { s.archive = store } }

// NewService constructs a service around the given definition source and
// execution store.
func NewService(definitions domain.DefinitionSource, store domain.ExecutionStore, opts ...Option) *Service {
	s := &Service{
		registry:    NewRegistry(),
		definitions: definitions,
		store:       store,
		evaluator:   acceptance.NewEvaluator(),
		logger:      noopLogger{},
		audit:       noopAuditRecorder{},
		metrics:     noopMetricsRecorder{},
		clock:       ClockFunc(func() time.Time { return time.Now().UTC() }),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the execution registry for read-side collaborators.
func (s *Service) Registry() *Registry { return s.registry }

// ExecutionState is the collaborator-facing view of one execution.
type ExecutionState struct {
	ID           string          `json:"id"`
	Status       domain.Status   `json:"status"`
	CurrentPhase string          `json:"current_phase,omitempty"`
	CurrentStep  string          `json:"current_step,omitempty"`
	Flags        []domain.QCFlag `json:"flags"`
	Result       *domain.Result  `json:"result,omitempty"`
}

// CreateExecution resolves the protocol definition and registers a Pending
// execution for the given sample.
func (s *Service) CreateExecution(ctx context.Context, protocolID, version string, sample domain.SampleContext) (string, error) {
	started := s.clock.Now()
	def, err := s.definitions.LoadDefinition(ctx, protocolID, version)
	if err != nil {
		s.observe(ctx, "create_execution", "", started, err)
		return "", err
	}
	exec := NewExecution(ExecutionConfig{
		Definition: def,
		Sample:     sample,
		Evaluator:  s.evaluator,
		EvalCtx:    s.evalCtx,
		Clock:      s.clock,
		NewID:      s.newID,
	})
	if err := s.registry.Add(exec); err != nil {
		s.observe(ctx, "create_execution", exec.ID(), started, err)
		return "", err
	}
	err = s.persist(ctx, exec)
	s.observe(ctx, "create_execution", exec.ID(), started, err)
	if err != nil {
		return "", err
	}
	s.logger.Info("execution created", "execution", exec.ID(), "protocol", protocolID, "version", version)
	return exec.ID(), nil
}

// StartExecution transitions a pending execution to Running with the given
// setup parameters.
func (s *Service) StartExecution(ctx context.Context, executionID string, params map[string]domain.Value) error {
	return s.mutate(ctx, "start_execution", executionID, func(e *Execution) error {
		return e.Start(params)
	})
}

// RecordMeasurement validates and appends one measurement, returning any QC
// flags it raised. QC flags never veto the recording.
func (s *Service) RecordMeasurement(ctx context.Context, executionID string, m domain.Measurement) ([]domain.QCFlag, error) {
	var raised []domain.QCFlag
	err := s.mutate(ctx, "record_measurement", executionID, func(e *Execution) error {
		var err error
		raised, err = e.RecordMeasurement(m)
		return err
	})
	return raised, err
}

// SupersedeMeasurement records a correction as a new measurement referencing
// the superseded record. The original is retained for the audit trail.
func (s *Service) SupersedeMeasurement(ctx context.Context, executionID, supersededID string, m domain.Measurement) ([]domain.QCFlag, error) {
	m.Supersedes = supersededID
	return s.RecordMeasurement(ctx, executionID, m)
}

// Advance moves the execution one step forward, rolling into the next phase
// when the current phase is exhausted.
func (s *Service) Advance(ctx context.Context, executionID string) error {
	return s.mutate(ctx, "advance", executionID, func(e *Execution) error {
		return e.Advance()
	})
}

// Pause suspends a running execution.
func (s *Service) Pause(ctx context.Context, executionID string) error {
	return s.mutate(ctx, "pause", executionID, func(e *Execution) error { return e.Pause() })
}

// Resume returns a paused execution to Running.
func (s *Service) Resume(ctx context.Context, executionID string) error {
	return s.mutate(ctx, "resume", executionID, func(e *Execution) error { return e.Resume() })
}

// Complete triggers final evaluation and returns the attached Result.
func (s *Service) Complete(ctx context.Context, executionID string) (*domain.Result, error) {
	var result *domain.Result
	err := s.mutate(ctx, "complete", executionID, func(e *Execution) error {
		var err error
		result, err = e.Complete()
		return err
	})
	return result, err
}

// Abort cancels the execution, recording the reason. Idempotent on terminal
// executions.
func (s *Service) Abort(ctx context.Context, executionID, reason string) error {
	return s.mutate(ctx, "abort", executionID, func(e *Execution) error {
		e.Abort(reason)
		return nil
	})
}

// ResolveFlag marks one QC flag resolved with the reviewer's identity and
// notes.
func (s *Service) ResolveFlag(ctx context.Context, executionID string, flagIndex int, resolver, notes string) error {
	return s.mutate(ctx, "resolve_flag", executionID, func(e *Execution) error {
		return e.ResolveFlag(flagIndex, resolver, notes)
	})
}

// GetState returns the collaborator-facing view of an execution.
func (s *Service) GetState(ctx context.Context, executionID string) (ExecutionState, error) {
	exec, ok := s.registry.Get(executionID)
	if !ok {
		return ExecutionState{}, domain.ErrNotFound{Kind: "execution", ID: executionID}
	}
	snap := exec.Snapshot()
	state := ExecutionState{
		ID:     snap.ID,
		Status: snap.Status,
		Flags:  snap.Flags,
		Result: snap.Result,
	}
	def, err := s.definitions.LoadDefinition(ctx, snap.ProtocolID, snap.ProtocolVersion)
	if err == nil {
		phases := def.Phases()
		if snap.PhaseIndex < len(phases) {
			state.CurrentPhase = phases[snap.PhaseIndex].ID
			if snap.StepIndex < len(phases[snap.PhaseIndex].Steps) {
				state.CurrentStep = phases[snap.PhaseIndex].Steps[snap.StepIndex].ID
			}
		}
	}
	return state, nil
}

// GetExecution returns a deep copy of the full execution record.
func (s *Service) GetExecution(_ context.Context, executionID string) (domain.TestExecution, error) {
	exec, ok := s.registry.Get(executionID)
	if !ok {
		return domain.TestExecution{}, domain.ErrNotFound{Kind: "execution", ID: executionID}
	}
	return exec.Snapshot(), nil
}

// ListExecutions returns snapshots of all executions in creation order.
func (s *Service) ListExecutions(_ context.Context) []domain.TestExecution {
	execs := s.registry.List()
	out := make([]domain.TestExecution, 0, len(execs))
	for _, e := range execs {
		out = append(out, e.Snapshot())
	}
	return out
}

// ArchiveExecution writes a terminal execution's snapshot to the attached
// archive as JSON under executions/<id>.json and returns the stored key.
func (s *Service) ArchiveExecution(ctx context.Context, executionID string) (string, error) {
	started := s.clock.Now()
	key, err := s.archiveExecution(ctx, executionID)
	s.observe(ctx, "archive_execution", executionID, started, err)
	return key, err
}

func (s *Service) archiveExecution(ctx context.Context, executionID string) (string, error) {
	if s.archive == nil {
		return "", fmt.Errorf("no archive store attached")
	}
	exec, ok := s.registry.Get(executionID)
	if !ok {
		return "", domain.ErrNotFound{Kind: "execution", ID: executionID}
	}
	snap := exec.Snapshot()
	if !snap.Status.Terminal() {
		return "", domain.TransitionError{From: snap.Status, Op: "archive"}
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal execution: %w", err)
	}
	key := "executions/" + snap.ID + ".json"
	if _, err := s.archive.Put(ctx, key, bytes.NewReader(payload), archive.PutOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("archive put: %w", err)
	}
	return key, nil
}

// Restore loads every persisted execution from the store and registers a
// state machine for each, so the service resumes where it left off after a
// process restart.
func (s *Service) Restore(ctx context.Context) (int, error) {
	snapshots, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list executions: %w", err)
	}
	restored := 0
	for _, snap := range snapshots {
		if _, ok := s.registry.Get(snap.ID); ok {
			continue
		}
		def, err := s.definitions.LoadDefinition(ctx, snap.ProtocolID, snap.ProtocolVersion)
		if err != nil {
			s.logger.Warn("skipping execution with unresolvable definition", "execution", snap.ID, "error", err)
			continue
		}
		exec, err := RestoreExecution(ExecutionConfig{
			Definition: def,
			Evaluator:  s.evaluator,
			EvalCtx:    s.evalCtx,
			Clock:      s.clock,
			NewID:      s.newID,
		}, snap)
		if err != nil {
			return restored, err
		}
		if err := s.registry.Add(exec); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// mutate runs op against the execution, persists on success, and records
// audit and metrics either way.
func (s *Service) mutate(ctx context.Context, op, executionID string, fn func(*Execution) error) error {
	started := s.clock.Now()
	exec, ok := s.registry.Get(executionID)
	if !ok {
		err := domain.ErrNotFound{Kind: "execution", ID: executionID}
		s.observe(ctx, op, executionID, started, err)
		return err
	}
	err := fn(exec)
	if err == nil {
		err = s.persist(ctx, exec)
	} else if _, evalFault := err.(domain.EvaluationError); evalFault {
		// The execution moved to Failed; persist that terminal state so the
		// fault survives a restart, then surface the original error.
		if perr := s.persist(ctx, exec); perr != nil {
			s.logger.Error("persisting failed execution", "execution", executionID, "error", perr)
		}
	}
	s.observe(ctx, op, executionID, started, err)
	return err
}

func (s *Service) persist(ctx context.Context, exec *Execution) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Save(ctx, exec.Snapshot()); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *Service) observe(ctx context.Context, op, executionID string, started time.Time, err error) {
	duration := s.clock.Now().Sub(started)
	status := AuditStatusSuccess
	detail := ""
	if err != nil {
		status = AuditStatusError
		detail = err.Error()
		s.logger.Warn("operation failed", "operation", op, "execution", executionID, "error", err)
	}
	s.audit.Record(ctx, AuditEntry{
		Operation:   op,
		ExecutionID: executionID,
		Status:      status,
		Detail:      detail,
		Duration:    duration,
		Timestamp:   s.clock.Now(),
	})
	s.metrics.Observe(ctx, op, err == nil, duration)
}
