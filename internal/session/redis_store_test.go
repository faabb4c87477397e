package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url://"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisSaveAndLookup(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	record := Record{Username: "alice", Role: "admin"}
	if err := store.Save(ctx, "hash-1", record, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !s.Exists("session:hash-1") {
		t.Fatal("expected key with session: prefix")
	}

	got, err := store.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.Username != "alice" || got.Role != "admin" {
		t.Errorf("unexpected record %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
}

func TestRedisLookupExpired(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "short", Record{Username: "alice", Role: "user"}, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.Lookup(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisLookupUnknown(t *testing.T) {
	store, _ := setupTestRedis(t)

	if _, err := store.Lookup(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisRevoke(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "revoke-me", Record{Username: "alice", Role: "user"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Revoke(ctx, "revoke-me"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "revoke-me"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after revoke, got %v", err)
	}
	if err := store.Revoke(ctx, "revoke-me"); err != nil {
		t.Errorf("second Revoke should be a no-op, got %v", err)
	}
}

func TestRedisSessionIsolation(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	if err := store.Save(ctx, "token-1", Record{Username: "alice", Role: "user"}, expiresAt); err != nil {
		t.Fatalf("Save 1 failed: %v", err)
	}
	if err := store.Save(ctx, "token-2", Record{Username: "bob", Role: "user"}, expiresAt); err != nil {
		t.Fatalf("Save 2 failed: %v", err)
	}
	if err := store.Revoke(ctx, "token-1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	got, err := store.Lookup(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 failed: %v", err)
	}
	if got.Username != "bob" {
		t.Errorf("expected bob, got %s", got.Username)
	}
}

func TestRedisPingAfterServerClose(t *testing.T) {
	store, s := setupTestRedis(t)
	s.Close()

	if err := store.Ping(context.Background()); err == nil {
		t.Error("expected ping to fail once redis is gone")
	}
}
