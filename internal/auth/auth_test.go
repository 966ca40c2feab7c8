package auth

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "usr_alice", "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Check raw key format
	if !strings.HasPrefix(rawKey, "ck_") {
		t.Errorf("Expected raw key to start with ck_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "ck_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	// Check key metadata
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.UID != "usr_alice" {
		t.Errorf("Expected uid usr_alice, got %s", key.UID)
	}
	if key.Name != "Test key" {
		t.Errorf("Expected name 'Test key', got %s", key.Name)
	}
}

func TestValidateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	// Generate a key
	rawKey, _, err := mgr.GenerateKey(ctx, "usr_alice", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Validate with correct key
	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.UID != "usr_alice" {
		t.Errorf("Expected uid usr_alice, got %s", key.UID)
	}

	// Validate with Bearer prefix
	_, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	// Validate with wrong key
	_, err = mgr.ValidateKey(ctx, "ck_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	// Validate with empty key
	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	// Validate with malformed key
	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestListKeys(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	// Generate multiple keys for the same user
	_, _, _ = mgr.GenerateKey(ctx, "usr_alice", "Key 1")
	_, _, _ = mgr.GenerateKey(ctx, "usr_alice", "Key 2")
	_, _, _ = mgr.GenerateKey(ctx, "usr_bob", "Key 3")

	keys, err := mgr.ListKeys(ctx, "usr_alice")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys for usr_alice, got %d", len(keys))
	}

	keys, err = mgr.ListKeys(ctx, "usr_bob")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for usr_bob, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "usr_alice", "To revoke")

	// Validate before revoke
	_, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	// Revoke
	err = mgr.RevokeKey(ctx, key.ID, "usr_alice")
	if err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	// Validate after revoke - should fail
	_, err = mgr.ValidateKey(ctx, rawKey)
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}
}

func TestRevokeKey_WrongOwner(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	_, key, _ := mgr.GenerateKey(ctx, "usr_alice", "Alice key")

	err := mgr.RevokeKey(ctx, key.ID, "usr_bob")
	if err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound revoking another user's key, got: %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	raw1, _, _ := mgr.GenerateKey(ctx, "usr_alice", "Key 1")
	raw2, _, _ := mgr.GenerateKey(ctx, "usr_alice", "Key 2")
	rawBob, _, _ := mgr.GenerateKey(ctx, "usr_bob", "Bob key")

	if err := mgr.RevokeAll(ctx, "usr_alice"); err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, raw1); err != ErrInvalidAPIKey {
		t.Errorf("Expected key 1 revoked, got: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, raw2); err != ErrInvalidAPIKey {
		t.Errorf("Expected key 2 revoked, got: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawBob); err != nil {
		t.Errorf("Bob's key should survive Alice's RevokeAll: %v", err)
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, "usr_alice", "Test")

	// Get key via ValidateKey
	key, _ := mgr.ValidateKey(ctx, rawKey)

	// Hash should not equal raw key
	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}

	// Hash should be set
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}
