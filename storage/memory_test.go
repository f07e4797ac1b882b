package storage

import (
	"context"
	"testing"
	"time"
)

func TestUserStoreIdentityLookup(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()

	alice := &User{ID: "u1", Username: "alice", Provider: "mastodon", Instance: "mastodon.social", Subject: "109"}
	if err := store.CreateUser(ctx, alice); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if alice.CreatedAt.IsZero() || alice.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}

	got, err := store.GetUserByIdentity(ctx, "mastodon", "mastodon.social", "109")
	if err != nil {
		t.Fatalf("Expected user, got %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("Expected user u1, got %s", got.ID)
	}

	// Same subject on another instance is somebody else.
	if _, err := store.GetUserByIdentity(ctx, "mastodon", "fosstodon.org", "109"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for other instance, got %v", err)
	}

	bob := &User{ID: "u2", Username: "bob", Provider: "mastodon", Instance: "fosstodon.org", Subject: "109"}
	if err := store.CreateUser(ctx, bob); err != nil {
		t.Fatalf("Expected same subject on other instance to be accepted, got %v", err)
	}
}

func TestUserStoreDuplicates(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()

	if err := store.CreateUser(ctx, &User{ID: "u1", Provider: "mastodon", Instance: "a.example", Subject: "1"}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	if err := store.CreateUser(ctx, &User{ID: "u1", Provider: "mastodon", Instance: "b.example", Subject: "2"}); err != ErrAlreadyExists {
		t.Errorf("Expected ErrAlreadyExists for duplicate id, got %v", err)
	}
	if err := store.CreateUser(ctx, &User{ID: "u2", Provider: "mastodon", Instance: "a.example", Subject: "1"}); err != ErrAlreadyExists {
		t.Errorf("Expected ErrAlreadyExists for duplicate identity, got %v", err)
	}
}

func TestUserStoreUpdate(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()

	user := &User{ID: "u1", Name: "Alice", Provider: "mastodon", Instance: "a.example", Subject: "1"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	created := user.CreatedAt

	updated := &User{ID: "u1", Name: "Alice L.", Provider: "mastodon", Instance: "a.example", Subject: "1"}
	if err := store.UpdateUser(ctx, updated); err != nil {
		t.Fatalf("Failed to update user: %v", err)
	}
	if !updated.CreatedAt.Equal(created) {
		t.Errorf("Expected CreatedAt to be preserved")
	}

	got, _ := store.GetUserByID(ctx, "u1")
	if got.Name != "Alice L." {
		t.Errorf("Expected updated name, got %s", got.Name)
	}

	moved := &User{ID: "u1", Provider: "mastodon", Instance: "b.example", Subject: "1"}
	if err := store.UpdateUser(ctx, moved); err == nil {
		t.Error("Expected error when changing the linked identity")
	}

	if err := store.UpdateUser(ctx, &User{ID: "missing"}); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUserStoreDelete(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()

	if err := store.CreateUser(ctx, &User{ID: "u1", Provider: "mastodon", Instance: "a.example", Subject: "1"}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := store.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("Failed to delete user: %v", err)
	}
	if _, err := store.GetUserByID(ctx, "u1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if _, err := store.GetUserByIdentity(ctx, "mastodon", "a.example", "1"); err != ErrNotFound {
		t.Errorf("Expected identity index to be cleared, got %v", err)
	}
	if err := store.DeleteUser(ctx, "u1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for second delete, got %v", err)
	}
}

func TestSessionStoreLifecycle(t *testing.T) {
	store := NewInMemorySessionStore()
	ctx := context.Background()

	data := &SessionData{UserID: "u1", Instance: "mastodon.social"}
	if err := store.CreateSession(ctx, "s1", data, time.Hour); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if err := store.CreateSession(ctx, "s1", &SessionData{UserID: "u2"}, time.Hour); err != ErrAlreadyExists {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.UserID != "u1" {
		t.Errorf("Expected user u1, got %s", got.UserID)
	}
	firstExpiry := got.ExpiresAt

	time.Sleep(5 * time.Millisecond)
	if err := store.RefreshSession(ctx, "s1", time.Hour); err != nil {
		t.Fatalf("Failed to refresh session: %v", err)
	}
	got, _ = store.GetSession(ctx, "s1")
	if !got.ExpiresAt.After(firstExpiry) {
		t.Error("Expected refresh to extend expiry")
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("Failed to delete session: %v", err)
	}
	if _, err := store.GetSession(ctx, "s1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestSessionStoreExpiry(t *testing.T) {
	store := NewInMemorySessionStore()
	ctx := context.Background()

	if err := store.CreateSession(ctx, "s1", &SessionData{UserID: "u1"}, time.Millisecond); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := store.GetSession(ctx, "s1"); err != ErrExpired {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}

func TestUserStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()

	user := &User{ID: "u1", Name: "Alice", Provider: "mastodon", Instance: "a.example", Subject: "1",
		Metadata: map[string]interface{}{"k": "v"}}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	user.Name = "changed"
	user.Metadata["k"] = "changed"

	got, _ := store.GetUserByID(ctx, "u1")
	if got.Name != "Alice" || got.Metadata["k"] != "v" {
		t.Errorf("Expected stored user to be unaffected, got %+v", got)
	}

	got.Name = "changed again"
	again, _ := store.GetUserByIdentity(ctx, "mastodon", "a.example", "1")
	if again.Name != "Alice" {
		t.Errorf("Expected stored user to be unaffected by returned copy, got %s", again.Name)
	}

	if err := store.UpdateUser(ctx, &User{ID: "u1", Provider: "mastodon", Instance: "a.example", Subject: "2"}); err != ErrIdentityChanged {
		t.Errorf("Expected ErrIdentityChanged, got %v", err)
	}
}

func TestSessionStorePurge(t *testing.T) {
	store := NewInMemorySessionStore()
	ctx := context.Background()

	_ = store.CreateSession(ctx, "old", &SessionData{UserID: "u1"}, time.Millisecond)
	_ = store.CreateSession(ctx, "live", &SessionData{UserID: "u2"}, time.Hour)
	time.Sleep(10 * time.Millisecond)

	if n := store.Purge(); n != 1 {
		t.Errorf("Expected 1 purged session, got %d", n)
	}
	if _, err := store.GetSession(ctx, "old"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after purge, got %v", err)
	}
	if _, err := store.GetSession(ctx, "live"); err != nil {
		t.Errorf("Expected live session to survive, got %v", err)
	}

	if err := store.RefreshSession(ctx, "old", time.Hour); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound refreshing purged session, got %v", err)
	}
}
