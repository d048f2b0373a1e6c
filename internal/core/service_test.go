package core

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"protocolcore/internal/acceptance"
	"protocolcore/internal/archive"
	"protocolcore/internal/infra/persistence/memory"
	"protocolcore/internal/loader"
	"protocolcore/pkg/domain"
)

type captureAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAudit) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureAudit) byOperation(op string) []AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []AuditEntry
	for _, e := range c.entries {
		if e.Operation == op {
			out = append(out, e)
		}
	}
	return out
}

type captureMetrics struct {
	mu       sync.Mutex
	observed map[string][]bool
}

func (c *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.observed == nil {
		c.observed = make(map[string][]bool)
	}
	c.observed[op] = append(c.observed[op], success)
}

func testLibrary(t *testing.T) *loader.Library {
	t.Helper()
	lib := loader.NewLibrary()
	if err := lib.Register(testDefinition(t)); err != nil {
		t.Fatalf("register: %v", err)
	}
	return lib
}

func newTestService(t *testing.T, store domain.ExecutionStore, opts ...Option) *Service {
	t.Helper()
	base := []Option{WithClock(newFakeClock()), WithIDGenerator(sequentialIDs("svc"))}
	return NewService(testLibrary(t), store, append(base, opts...)...)
}

func driveToTerminal(t *testing.T, svc *Service, id string) *domain.Result {
	t.Helper()
	ctx := context.Background()
	if err := svc.StartExecution(ctx, id, startParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.RecordMeasurement(ctx, id, domain.Measurement{Name: "baseline", Value: domain.NumberValue(21), Unit: "C"}); err != nil {
		t.Fatalf("record baseline: %v", err)
	}
	if err := svc.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := svc.RecordMeasurement(ctx, id, domain.Measurement{Name: "temperature", Value: domain.NumberValue(60), Unit: "C"}); err != nil {
		t.Fatalf("record temperature: %v", err)
	}
	if err := svc.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := svc.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	result, err := svc.Complete(ctx, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return result
}

func TestServiceLifecyclePersistsEveryMutation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newTestService(t, store)

	id, err := svc.CreateExecution(ctx, "thermal-stress", "1.0.0", domain.SampleContext{SampleID: "s-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	persisted, ok, err := store.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("pending state not persisted: ok=%v err=%v", ok, err)
	}
	if persisted.Status != domain.StatusPending {
		t.Fatalf("status: %s", persisted.Status)
	}

	result := driveToTerminal(t, svc, id)
	if result.Verdict != domain.VerdictPass {
		t.Fatalf("verdict: %s", result.Verdict)
	}

	persisted, _, _ = store.Load(ctx, id)
	if persisted.Status != domain.StatusCompleted || persisted.Result == nil {
		t.Fatalf("completed state not persisted: %s", persisted.Status)
	}

	state, err := svc.GetState(ctx, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != domain.StatusCompleted || state.Result == nil {
		t.Fatalf("state: %+v", state)
	}
	if state.CurrentPhase != "" {
		t.Fatalf("exhausted execution reports a phase: %q", state.CurrentPhase)
	}
}

func TestServiceUnknownProtocolAndExecution(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewStore())
	if _, err := svc.CreateExecution(ctx, "ghost", "1.0.0", domain.SampleContext{}); err == nil {
		t.Fatalf("expected unknown protocol error")
	}
	if err := svc.StartExecution(ctx, "absent", nil); err == nil {
		t.Fatalf("expected unknown execution error")
	}
}

func TestServiceCurrentPosition(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewStore())
	id, err := svc.CreateExecution(ctx, "thermal-stress", "1.0.0", domain.SampleContext{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	state, err := svc.GetState(ctx, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.CurrentPhase != "prep" || state.CurrentStep != "calibrate" {
		t.Fatalf("position: %s/%s", state.CurrentPhase, state.CurrentStep)
	}
}

func TestServiceSupersedeMeasurement(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewStore())
	id, err := svc.CreateExecution(ctx, "thermal-stress", "1.0.0", domain.SampleContext{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.StartExecution(ctx, id, startParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	flags, err := svc.RecordMeasurement(ctx, id, domain.Measurement{Name: "temperature", Value: domain.NumberValue(95), Unit: "C"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("expected flag, got %d", len(flags))
	}
	exec, err := svc.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if _, err := svc.SupersedeMeasurement(ctx, id, exec.Measurements[0].ID, domain.Measurement{
		Name: "temperature", Value: domain.NumberValue(60), Unit: "C",
	}); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if err := svc.ResolveFlag(ctx, id, 0, "reviewer", "superseded by corrected reading"); err != nil {
		t.Fatalf("resolve flag: %v", err)
	}
	exec, _ = svc.GetExecution(ctx, id)
	if !exec.Flags[0].Resolved {
		t.Fatalf("flag not resolved")
	}
}

func TestServiceAuditAndMetrics(t *testing.T) {
	ctx := context.Background()
	audit := &captureAudit{}
	metrics := &captureMetrics{}
	svc := newTestService(t, memory.NewStore(), WithAuditRecorder(audit), WithMetricsRecorder(metrics))

	id, err := svc.CreateExecution(ctx, "thermal-stress", "1.0.0", domain.SampleContext{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.StartExecution(ctx, id, startParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Second start is a transition error and must audit as such.
	if err := svc.StartExecution(ctx, id, startParams()); err == nil {
		t.Fatalf("expected transition error")
	}

	starts := audit.byOperation("start_execution")
	if len(starts) != 2 {
		t.Fatalf("expected 2 audited starts, got %d", len(starts))
	}
	if starts[0].Status != AuditStatusSuccess || starts[1].Status != AuditStatusError {
		t.Fatalf("audit statuses: %s, %s", starts[0].Status, starts[1].Status)
	}
	if starts[1].Detail == "" {
		t.Fatalf("error audit entry missing detail")
	}
	if got := metrics.observed["start_execution"]; len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("metrics: %v", got)
	}
}

func TestServiceRestoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	first := newTestService(t, store)

	id, err := first.CreateExecution(ctx, "thermal-stress", "1.0.0", domain.SampleContext{SampleID: "s-9"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := first.StartExecution(ctx, id, startParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := first.RecordMeasurement(ctx, id, domain.Measurement{Name: "baseline", Value: domain.NumberValue(21), Unit: "C"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Orphan snapshot referencing a protocol the new process cannot resolve.
	orphan := domain.TestExecution{ID: "orphan", ProtocolID: "retired", ProtocolVersion: "0.1.0", Status: domain.StatusRunning}
	if err := store.Save(ctx, orphan); err != nil {
		t.Fatalf("save orphan: %v", err)
	}

	second := NewService(testLibrary(t), store, WithClock(newFakeClock()), WithIDGenerator(sequentialIDs("svc2")))
	restored, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored: %d", restored)
	}
	if err := second.Advance(ctx, id); err != nil {
		t.Fatalf("advance after restart: %v", err)
	}
	exec, err := second.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Sample.SampleID != "s-9" || len(exec.Measurements) != 1 {
		t.Fatalf("state lost across restart: %+v", exec)
	}
}

func TestServiceArchiveExecution(t *testing.T) {
	ctx := context.Background()
	blob := archive.NewMemory()
	svc := newTestService(t, memory.NewStore(), WithArchive(blob))

	id, err := svc.CreateExecution(ctx, "thermal-stress", "1.0.0", domain.SampleContext{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.ArchiveExecution(ctx, id); err == nil {
		t.Fatalf("expected rejection for non-terminal execution")
	}

	driveToTerminal(t, svc, id)
	key, err := svc.ArchiveExecution(ctx, id)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if key != "executions/"+id+".json" {
		t.Fatalf("key: %s", key)
	}

	info, rc, err := blob.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	if info.ContentType != "application/json" {
		t.Fatalf("content type: %s", info.ContentType)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var stored domain.TestExecution
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stored.ID != id || stored.Status != domain.StatusCompleted {
		t.Fatalf("archived record: %s %s", stored.ID, stored.Status)
	}
}

func TestServiceArchiveWithoutStore(t *testing.T) {
	svc := newTestService(t, memory.NewStore())
	if _, err := svc.ArchiveExecution(context.Background(), "anything"); err == nil {
		t.Fatalf("expected error without archive store")
	}
}

func TestServicePersistsFaultedState(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ev := acceptance.NewEvaluator()
	ev.Register("mean", func([]float64, []time.Time, domain.EvaluationContext) (float64, bool) {
		panic("calculation exploded")
	})
	svc := newTestService(t, store, WithEvaluator(ev))

	id, err := svc.CreateExecution(ctx, "thermal-stress", "1.0.0", domain.SampleContext{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.StartExecution(ctx, id, startParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.RecordMeasurement(ctx, id, domain.Measurement{Name: "baseline", Value: domain.NumberValue(21), Unit: "C"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := svc.RecordMeasurement(ctx, id, domain.Measurement{Name: "temperature", Value: domain.NumberValue(60), Unit: "C"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := svc.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := svc.Complete(ctx, id); err == nil {
		t.Fatalf("expected evaluation error")
	}
	// The Failed terminal state must survive a restart.
	persisted, ok, err := store.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if persisted.Status != domain.StatusFailed || persisted.FailureCause == "" {
		t.Fatalf("faulted state not persisted: %s %q", persisted.Status, persisted.FailureCause)
	}
}

func TestServiceListExecutions(t *testing.T) {
	ctx := context.Background()
	svc := NewService(testLibrary(t), memory.NewStore(), WithClock(newFakeClock()))
	for i := 0; i < 3; i++ {
		if _, err := svc.CreateExecution(ctx, "thermal-stress", "1.0.0", domain.SampleContext{}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	execs := svc.ListExecutions(ctx)
	if len(execs) != 3 {
		t.Fatalf("listed %d", len(execs))
	}
	seen := make(map[string]bool)
	for _, e := range execs {
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
	}
}
