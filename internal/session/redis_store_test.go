package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedisStore spins up an in-process Redis and a store on it.
func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_SaveLoadRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	data := &Data{
		CreatedAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		RotatedAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		UserAgent: "UA-1",
		CSRFToken: "token-1",
		Auth: &AuthenticatedUser{
			IdentityID: "id-alice",
			Username:   "alice",
			Role:       "student",
			LoginAt:    time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		},
		Attempts: map[string]*AttemptRecord{
			"bob": {Count: 2, LastAttempt: time.Date(2025, 3, 10, 8, 59, 0, 0, time.UTC)},
		},
	}

	if err := store.Save(ctx, "sess-1", data, time.Hour); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded.UserAgent != "UA-1" || loaded.CSRFToken != "token-1" {
		t.Errorf("session bindings did not survive the round trip: %+v", loaded)
	}
	if loaded.Auth == nil || loaded.Auth.Username != "alice" {
		t.Errorf("authenticated identity did not survive the round trip: %+v", loaded.Auth)
	}
	if rec := loaded.Attempts["bob"]; rec == nil || rec.Count != 2 {
		t.Errorf("attempt records did not survive the round trip: %+v", loaded.Attempts)
	}
}

func TestRedisStore_UnknownIdentifier(t *testing.T) {
	store, _ := newTestRedisStore(t)

	if _, err := store.Load(context.Background(), "never-issued"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "sess-1", &Data{UserAgent: "UA-1"}, time.Hour); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	// Just before the idle deadline the session is alive.
	mr.FastForward(59 * time.Minute)
	if _, err := store.Load(ctx, "sess-1"); err != nil {
		t.Fatalf("expected session to survive inside its TTL, got %v", err)
	}

	// Re-saving pushes the deadline forward, like an active request does.
	if err := store.Save(ctx, "sess-1", &Data{UserAgent: "UA-1"}, time.Hour); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	mr.FastForward(59 * time.Minute)
	if _, err := store.Load(ctx, "sess-1"); err != nil {
		t.Fatalf("expected refreshed session to survive, got %v", err)
	}

	// Idle past the TTL: gone.
	mr.FastForward(61 * time.Minute)
	if _, err := store.Load(ctx, "sess-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestRedisStore_Delete(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "sess-1", &Data{}, time.Hour); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := store.Load(ctx, "sess-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent session is a no-op.
	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Errorf("expected deleting an absent session to succeed, got %v", err)
	}
}
