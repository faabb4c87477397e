package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, "h1", Record{Username: "alice", Role: "user"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Lookup(ctx, "h1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := store.Revoke(ctx, "h1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	ctx := context.Background()

	if err := store.Save(ctx, "h1", Record{Username: "alice"}, current.Add(time.Minute)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	current = current.Add(2 * time.Minute)

	if _, err := store.Lookup(ctx, "h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected expired entry to be dropped, len=%d", store.Len())
	}
}

func TestMemoryStoreSaveSweepsExpired(t *testing.T) {
	store := NewMemoryStore()
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	ctx := context.Background()

	_ = store.Save(ctx, "old", Record{Username: "alice"}, current.Add(time.Minute))
	current = current.Add(time.Hour)
	_ = store.Save(ctx, "new", Record{Username: "bob"}, current.Add(time.Minute))

	if store.Len() != 1 {
		t.Fatalf("expected only the fresh session, len=%d", store.Len())
	}
}

func TestMemoryStorePastExpiryUsesDefault(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, "h1", Record{Username: "alice"}, time.Time{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "h1"); err != nil {
		t.Fatalf("expected default ttl to keep session alive, got %v", err)
	}
}
