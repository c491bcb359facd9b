package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"diagramsync/api/internal/store"
	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return rs, s
}

func record(id, userID string, ttl time.Duration) store.Session {
	now := time.Now()
	return store.Session{
		ID:        id,
		UserID:    userID,
		Email:     userID + "@example.com",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestNewRedisStore(t *testing.T) {
	rs, _ := setupTestRedis(t)
	defer rs.Close()

	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveAndLookupSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	defer rs.Close()

	ctx := context.Background()
	if err := rs.SaveSession(ctx, record("sess-1", "user-123", 24*time.Hour)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := rs.LookupSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LookupSession failed: %v", err)
	}
	if got.UserID != "user-123" || got.Email != "user-123@example.com" {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()

	ctx := context.Background()
	if err := rs.SaveSession(ctx, record("short", "user-456", time.Second)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	_, err := rs.LookupSession(ctx, "short")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired session, got %v", err)
	}
}

func TestSaveRejectsExpiredSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	defer rs.Close()

	if err := rs.SaveSession(context.Background(), record("stale", "user-1", -time.Minute)); err == nil {
		t.Fatal("expected error saving an expired session")
	}
}

func TestRevokeSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	defer rs.Close()

	ctx := context.Background()
	if err := rs.SaveSession(ctx, record("sess-revoke", "user-789", time.Hour)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := rs.RevokeSession(ctx, "sess-revoke"); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}
	if _, err := rs.LookupSession(ctx, "sess-revoke"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for revoked session, got %v", err)
	}

	// Revoking an unknown session is not an error.
	if err := rs.RevokeSession(ctx, "non-existent"); err != nil {
		t.Errorf("RevokeSession for non-existent session failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	rs, _ := setupTestRedis(t)
	defer rs.Close()

	ctx := context.Background()
	for _, rec := range []store.Session{record("s-1", "user-1", time.Hour), record("s-2", "user-2", time.Hour)} {
		if err := rs.SaveSession(ctx, rec); err != nil {
			t.Fatalf("SaveSession %s failed: %v", rec.ID, err)
		}
	}

	if err := rs.RevokeSession(ctx, "s-1"); err != nil {
		t.Fatalf("Revoke s-1 failed: %v", err)
	}
	if _, err := rs.LookupSession(ctx, "s-1"); err == nil {
		t.Error("expected error for revoked s-1, got nil")
	}
	got, err := rs.LookupSession(ctx, "s-2")
	if err != nil {
		t.Fatalf("Lookup s-2 after revoke failed: %v", err)
	}
	if got.UserID != "user-2" {
		t.Errorf("expected user-2 after revoke, got %s", got.UserID)
	}
}
