package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"protocolcore/pkg/domain"
)

func TestStorePersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}

	exec := domain.TestExecution{ID: "e1", ProtocolID: "thermal-stress", Status: domain.StatusRunning}
	if err := store.Save(ctx, exec); err != nil {
		t.Fatalf("save: %v", err)
	}
	exec.Status = domain.StatusCompleted
	if err := store.Save(ctx, exec); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	loaded, ok, err := reloaded.Load(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if loaded.Status != domain.StatusCompleted {
		t.Fatalf("status: %s", loaded.Status)
	}
	all, err := reloaded.List(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list: %v err=%v", all, err)
	}
}

func TestStoreOrderSurvivesReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Save(ctx, domain.TestExecution{ID: id, Status: domain.StatusPending}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	// Updating an early row must not move it to the end.
	if err := store.Save(ctx, domain.TestExecution{ID: "a", Status: domain.StatusRunning}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	all, err := reloaded.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[0].Status != domain.StatusRunning || all[2].ID != "c" {
		t.Fatalf("order: %+v", all)
	}
}

func TestStoreDefaultPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.db")
	store, err := NewStore(path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if store.Path() != path {
		t.Fatalf("path: %s", store.Path())
	}
}
