package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}

	s := NewSession("session-1", "user-1", "chat", now)
	s.AppendTurn(TurnUser, "hello", now)
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if s.Version != 1 {
		t.Fatalf("save must bump the version, got %d", s.Version)
	}

	loaded, err := store.Load(ctx, "session-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Version != 1 || len(loaded.Turns) != 1 {
		t.Fatalf("unexpected loaded session: version=%d turns=%d", loaded.Version, len(loaded.Turns))
	}
	if loaded.Contacts == nil {
		t.Fatal("contacts map must be rebuilt on load")
	}
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	s := NewSession("session-1", "user-1", "chat", now)
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	a, _ := store.Load(ctx, "session-1")
	b, _ := store.Load(ctx, "session-1")

	if err := store.Save(ctx, a); err != nil {
		t.Fatalf("first writer must win, got %v", err)
	}
	if err := store.Save(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemoryStorePendingSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	idle := NewSession("idle", "user-1", "chat", now)
	if err := store.Save(ctx, idle); err != nil {
		t.Fatalf("Save(idle) error = %v", err)
	}

	pending := NewSession("pending", "user-2", "chat", now)
	plan := NewPlan(pending.ID, "send mail", now)
	plan.Status = PlanAwaiting
	plan.Steps = []*Step{{ID: "s1", Tool: "mail.send", Tier: TierPreview}}
	if err := pending.SetActivePlan(plan); err != nil {
		t.Fatalf("SetActivePlan() error = %v", err)
	}
	if err := store.Save(ctx, pending); err != nil {
		t.Fatalf("Save(pending) error = %v", err)
	}

	ids, err := store.PendingSessions(ctx)
	if err != nil {
		t.Fatalf("PendingSessions() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "pending" {
		t.Fatalf("unexpected pending set: %v", ids)
	}
}

func TestMemoryStoreReapIdle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	old := NewSession("old", "user-1", "chat", now.Add(-48*time.Hour))
	fresh := NewSession("fresh", "user-2", "chat", now)
	if err := store.Save(ctx, old); err != nil {
		t.Fatalf("Save(old) error = %v", err)
	}
	if err := store.Save(ctx, fresh); err != nil {
		t.Fatalf("Save(fresh) error = %v", err)
	}

	reaped := store.ReapIdle(now, 24*time.Hour)
	if len(reaped) != 1 || reaped[0] != "old" {
		t.Fatalf("unexpected reap set: %v", reaped)
	}
	if _, err := store.Load(ctx, "old"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("reaped session must be gone, got %v", err)
	}
	if _, err := store.Load(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session must survive, got %v", err)
	}
}
