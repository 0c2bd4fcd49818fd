package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/otto-voice/otto/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(NewInMemoryVectorStore(), &StaticEmbedder{}, "test_memory")
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestSaveAndRetrieveTopRanked(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Save(ctx, "user's name is Sam", Meta{SessionID: "s1"}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Save(ctx, "the weather in Oslo is rainy", Meta{SessionID: "s1"}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := store.Retrieve(ctx, "what is my name", 5, RetrieveOptions{SessionID: "s1"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Entry.Content != "user's name is Sam" {
		t.Fatalf("expected name fact top-ranked, got %q", results[0].Entry.Content)
	}
}

func TestRetrieveExcludesExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	if _, err := store.Save(ctx, "ephemeral reminder about the meeting", Meta{SessionID: "s1"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Still inside the retention window.
	results, err := store.Retrieve(ctx, "meeting reminder", 5, RetrieveOptions{SessionID: "s1"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result before expiry, got %d", len(results))
	}

	// Past the window: the entry still sits in the backend pending cleanup,
	// but retrieve must never return it.
	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	results, err = store.Retrieve(ctx, "meeting reminder", 5, RetrieveOptions{SessionID: "s1"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results after expiry, got %d", len(results))
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	if _, err := store.Save(ctx, "short lived fact", Meta{}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Save(ctx, "permanent fact", Meta{}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	store.now = func() time.Time { return now.Add(time.Hour) }
	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	results, err := store.Retrieve(ctx, "permanent fact", 5, RetrieveOptions{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || results[0].Entry.Content != "permanent fact" {
		t.Fatalf("expected the permanent fact to survive, got %v", results)
	}
}

func TestForgetSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Save(ctx, "session one secret", Meta{SessionID: "s1"}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Save(ctx, "session two secret", Meta{SessionID: "s2"}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.Forget(ctx, "s1"); err != nil {
		t.Fatalf("forget: %v", err)
	}

	results, err := store.Retrieve(ctx, "secret", 5, RetrieveOptions{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || results[0].Entry.Meta.SessionID != "s2" {
		t.Fatalf("expected only session two to remain, got %v", results)
	}
}

func TestScoreTieBreaksByRecency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC()
	store.now = func() time.Time { return base }
	olderID, err := store.Save(ctx, "favorite color is blue", Meta{}, 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	store.now = func() time.Time { return base.Add(time.Minute) }
	newerID, err := store.Save(ctx, "favorite color is blue", Meta{SupersedesID: olderID}, 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	results, err := store.Retrieve(ctx, "favorite color is blue", 5, RetrieveOptions{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both entries, got %d", len(results))
	}
	if results[0].Entry.ID != newerID {
		t.Fatalf("expected the newer entry first on tied score, got %s", results[0].Entry.ID)
	}
	if results[0].Entry.Meta.SupersedesID != olderID {
		t.Fatalf("expected supersedes linkage to round-trip, got %q", results[0].Entry.Meta.SupersedesID)
	}
}

func TestTieBreakSurvivesTopKCut(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Two entries with identical content score identically. With topK=1 the
	// backend's score-only cut could keep either; the newer one must win.
	base := time.Now().UTC()
	store.now = func() time.Time { return base }
	if _, err := store.Save(ctx, "favorite color is blue", Meta{}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	store.now = func() time.Time { return base.Add(time.Minute) }
	newerID, err := store.Save(ctx, "favorite color is blue", Meta{}, 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	results, err := store.Retrieve(ctx, "favorite color is blue", 1, RetrieveOptions{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the cut applied after re-ranking, got %d results", len(results))
	}
	if results[0].Entry.ID != newerID {
		t.Fatalf("expected the newer entry to survive the cut, got %s", results[0].Entry.ID)
	}
}

func TestEmbedderUnavailable(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewInMemoryVectorStore(), &StaticEmbedder{Err: stderrors.New("connection refused")}, "test_memory")

	if _, err := store.Save(ctx, "anything", Meta{}, 0); !errors.HasCode(err, errors.CodeMemoryUnavailable) {
		t.Fatalf("expected MEMORY_UNAVAILABLE on save, got %v", err)
	}
	if _, err := store.Retrieve(ctx, "anything", 5, RetrieveOptions{}); !errors.HasCode(err, errors.CodeMemoryUnavailable) {
		t.Fatalf("expected MEMORY_UNAVAILABLE on retrieve, got %v", err)
	}
}
