package guardrails

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteConfirmationStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "confirmations.db")
	store, err := OpenSQLiteConfirmationStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	created, err := store.Create(ctx, Confirmation{
		SessionID: "s1",
		PlanID:    "plan-1",
		StepID:    "step-1",
		Tool:      "send_email",
		Params:    `{"to":"sam@example.com"}`,
		ExpiresAt: time.Now().Add(10 * time.Minute).UTC(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if created.Status != ConfirmationPending {
		t.Fatalf("expected pending, got %q", created.Status)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tool != "send_email" || got.Params != `{"to":"sam@example.com"}` {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.ExpiresAt.IsZero() {
		t.Fatal("expected expires_at to round-trip")
	}
}

func TestSQLiteCreateRequiresStepID(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Create(context.Background(), Confirmation{PlanID: "plan-1"}); err == nil {
		t.Fatal("expected error for missing step_id")
	}
}

func TestSQLiteUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	created, _ := store.Create(ctx, Confirmation{
		SessionID: "s1", PlanID: "plan-1", StepID: "step-1", Tool: "t", Params: "{}",
	})

	updated, err := store.UpdateStatus(ctx, created.ID, ConfirmationDenied, "user said no")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != ConfirmationDenied || updated.Reason != "user said no" {
		t.Fatalf("unexpected record: %+v", updated)
	}

	if _, err := store.UpdateStatus(ctx, "missing", ConfirmationApproved, ""); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestSQLiteListFilters(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, _ = store.Create(ctx, Confirmation{SessionID: "s1", PlanID: "plan-1", StepID: "a", Tool: "t", Params: "{}"})
	_, _ = store.Create(ctx, Confirmation{SessionID: "s1", PlanID: "plan-1", StepID: "b", Tool: "t", Params: "{}"})
	_, _ = store.Create(ctx, Confirmation{SessionID: "s2", PlanID: "plan-2", StepID: "c", Tool: "t", Params: "{}"})

	byPlan, err := store.List(ctx, ConfirmationFilter{PlanID: "plan-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byPlan) != 2 {
		t.Fatalf("expected 2 for plan-1, got %d", len(byPlan))
	}

	bySession, err := store.List(ctx, ConfirmationFilter{SessionID: "s2"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bySession) != 1 || bySession[0].StepID != "c" {
		t.Fatalf("unexpected session filter result: %v", bySession)
	}

	limited, err := store.List(ctx, ConfirmationFilter{Status: ConfirmationPending, Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit 1, got %d", len(limited))
	}
}

func TestSQLiteListExpiring(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, _ = store.Create(ctx, Confirmation{
		SessionID: "s1", PlanID: "plan-1", StepID: "stale", Tool: "t", Params: "{}",
		ExpiresAt: time.Now().Add(-time.Minute).UTC(),
	})
	_, _ = store.Create(ctx, Confirmation{
		SessionID: "s1", PlanID: "plan-1", StepID: "fresh", Tool: "t", Params: "{}",
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	})
	_, _ = store.Create(ctx, Confirmation{
		SessionID: "s1", PlanID: "plan-1", StepID: "indefinite", Tool: "t", Params: "{}",
	})

	stale, err := store.List(ctx, ConfirmationFilter{ExpiringBefore: time.Now().UTC()})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].StepID != "stale" {
		t.Fatalf("unexpected expiring result: %v", stale)
	}
}
