package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/authspan/issuer/storage"
)

func newTestGrant(key, kind string) *storage.PersistedGrant {
	return &storage.PersistedGrant{
		Key:       key,
		Kind:      kind,
		ClientID:  "client-1",
		SubjectID: "subject-1",
		Scopes:    []string{"openid", "api"},
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
}

func TestSaveAndGetGrant(t *testing.T) {
	store := New()
	ctx := context.Background()

	grant := newTestGrant("key-1", storage.GrantKindAuthorizationCode)
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	got, err := store.GetGrant(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if got.ClientID != "client-1" || got.Kind != storage.GrantKindAuthorizationCode {
		t.Errorf("unexpected grant: %+v", got)
	}

	// Mutating the returned copy must not affect the stored grant
	got.ClientID = "mutated"
	again, _ := store.GetGrant(ctx, "key-1")
	if again.ClientID != "client-1" {
		t.Error("stored grant was mutated through returned copy")
	}
}

func TestSaveGrantDuplicate(t *testing.T) {
	store := New()
	ctx := context.Background()

	grant := newTestGrant("key-1", storage.GrantKindAuthorizationCode)
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}
	if err := store.SaveGrant(ctx, newTestGrant("key-1", storage.GrantKindAuthorizationCode)); !errors.Is(err, storage.ErrDuplicateGrant) {
		t.Errorf("expected ErrDuplicateGrant, got %v", err)
	}
}

func TestGetGrantExpired(t *testing.T) {
	store := New()
	ctx := context.Background()

	grant := newTestGrant("key-1", storage.GrantKindAuthorizationCode)
	grant.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	if _, err := store.GetGrant(ctx, "key-1"); !errors.Is(err, storage.ErrGrantExpired) {
		t.Errorf("expected ErrGrantExpired, got %v", err)
	}
}

func TestConsumeGrant(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.SaveGrant(ctx, newTestGrant("key-1", storage.GrantKindAuthorizationCode)); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	got, err := store.ConsumeGrant(ctx, "key-1")
	if err != nil {
		t.Fatalf("ConsumeGrant: %v", err)
	}
	if !got.Consumed {
		t.Error("returned grant should be marked consumed")
	}

	if _, err := store.ConsumeGrant(ctx, "key-1"); !errors.Is(err, storage.ErrGrantConsumed) {
		t.Errorf("second consume: expected ErrGrantConsumed, got %v", err)
	}

	if _, err := store.ConsumeGrant(ctx, "missing"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("missing key: expected ErrGrantNotFound, got %v", err)
	}
}

// TestConsumeGrantConcurrent verifies that exactly one of many concurrent
// redemption attempts wins.
func TestConsumeGrantConcurrent(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.SaveGrant(ctx, newTestGrant("key-1", storage.GrantKindAuthorizationCode)); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, consumedErrs := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeGrant(ctx, "key-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrGrantConsumed):
				consumedErrs++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 successful consume, got %d", successes)
	}
	if consumedErrs != workers-1 {
		t.Errorf("expected %d ErrGrantConsumed, got %d", workers-1, consumedErrs)
	}
}

func TestRotateGrant(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.SaveGrant(ctx, newTestGrant("old-key", storage.GrantKindRefreshToken)); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	replacement := newTestGrant("new-key", storage.GrantKindRefreshToken)
	if err := store.RotateGrant(ctx, "old-key", replacement); err != nil {
		t.Fatalf("RotateGrant: %v", err)
	}

	// Old key is gone
	if _, err := store.GetGrant(ctx, "old-key"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("expected old key gone, got %v", err)
	}
	// New key resolves
	if _, err := store.GetGrant(ctx, "new-key"); err != nil {
		t.Errorf("new key should resolve: %v", err)
	}
	// Rotating the old key again fails (reuse of rotated token)
	if err := store.RotateGrant(ctx, "old-key", newTestGrant("newer-key", storage.GrantKindRefreshToken)); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("expected ErrGrantNotFound on rotated key, got %v", err)
	}
}

// TestRotateGrantConcurrent verifies a single winner under concurrent rotation.
func TestRotateGrantConcurrent(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.SaveGrant(ctx, newTestGrant("old-key", storage.GrantKindRefreshToken)); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			replacement := newTestGrant("replacement", storage.GrantKindRefreshToken)
			replacement.Key = replacement.Key + string(rune('a'+n))
			if err := store.RotateGrant(ctx, "old-key", replacement); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 successful rotation, got %d", successes)
	}
}

func TestDeviceGrantLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	grant := newTestGrant("device-key", storage.GrantKindDeviceCode)
	grant.SubjectID = ""
	grant.DeviceStatus = storage.DeviceStatusPending
	grant.UserCode = "WDJB-MJHT"
	grant.PollInterval = 5 * time.Second
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	// Resolve by user code
	byCode, err := store.GetGrantByUserCode(ctx, "WDJB-MJHT")
	if err != nil {
		t.Fatalf("GetGrantByUserCode: %v", err)
	}
	if byCode.Key != "device-key" {
		t.Errorf("unexpected grant by user code: %+v", byCode)
	}

	// Poll returns previous state
	first, err := store.UpdateDevicePoll(ctx, "device-key", time.Now())
	if err != nil {
		t.Fatalf("UpdateDevicePoll: %v", err)
	}
	if !first.LastPolledAt.IsZero() {
		t.Error("first poll should observe zero LastPolledAt")
	}
	second, _ := store.UpdateDevicePoll(ctx, "device-key", time.Now())
	if second.LastPolledAt.IsZero() {
		t.Error("second poll should observe the first poll's timestamp")
	}

	// Approve binds subject and session
	if err := store.ApproveDeviceGrant(ctx, "device-key", true, "subject-9", "session-9"); err != nil {
		t.Fatalf("ApproveDeviceGrant: %v", err)
	}
	got, _ := store.GetGrant(ctx, "device-key")
	if got.DeviceStatus != storage.DeviceStatusApproved || got.SubjectID != "subject-9" {
		t.Errorf("unexpected approved grant: %+v", got)
	}

	// Approving again fails: grant left pending state
	if err := store.ApproveDeviceGrant(ctx, "device-key", false, "", ""); !errors.Is(err, storage.ErrGrantNotPending) {
		t.Errorf("expected ErrGrantNotPending, got %v", err)
	}
}

func TestUpdateDevicePollExpired(t *testing.T) {
	store := New()
	ctx := context.Background()

	grant := newTestGrant("stale-device-key", storage.GrantKindDeviceCode)
	grant.DeviceStatus = storage.DeviceStatusPending
	grant.UserCode = "QRST-VWXZ"
	grant.PollInterval = 5 * time.Second
	grant.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}

	if _, err := store.UpdateDevicePoll(ctx, "stale-device-key", time.Now()); !errors.Is(err, storage.ErrGrantExpired) {
		t.Errorf("expected ErrGrantExpired, got %v", err)
	}
}

func TestClientIDsForSubject(t *testing.T) {
	store := New()
	ctx := context.Background()

	save := func(key, clientID, subjectID, sessionID string, expired bool) {
		g := newTestGrant(key, storage.GrantKindRefreshToken)
		g.ClientID = clientID
		g.SubjectID = subjectID
		g.SessionID = sessionID
		if expired {
			g.ExpiresAt = time.Now().Add(-time.Hour)
		}
		if err := store.SaveGrant(ctx, g); err != nil {
			t.Fatalf("SaveGrant(%s): %v", key, err)
		}
	}

	save("k1", "client-a", "alice", "s1", false)
	save("k2", "client-a", "alice", "s1", false) // duplicate client
	save("k3", "client-b", "alice", "s2", false)
	save("k4", "client-c", "alice", "s1", true) // expired
	save("k5", "client-d", "bob", "s3", false)  // other subject

	all, err := store.ClientIDsForSubject(ctx, "alice", "")
	if err != nil {
		t.Fatalf("ClientIDsForSubject: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 distinct clients, got %v", all)
	}

	bySession, _ := store.ClientIDsForSubject(ctx, "alice", "s1")
	if len(bySession) != 1 || bySession[0] != "client-a" {
		t.Errorf("expected [client-a] for session s1, got %v", bySession)
	}
}

func TestDeleteExpiredGrants(t *testing.T) {
	store := New()
	ctx := context.Background()

	live := newTestGrant("live", storage.GrantKindRefreshToken)
	dead := newTestGrant("dead", storage.GrantKindAuthorizationCode)
	dead.ExpiresAt = time.Now().Add(-time.Hour)
	deadDevice := newTestGrant("dead-device", storage.GrantKindDeviceCode)
	deadDevice.ExpiresAt = time.Now().Add(-time.Hour)
	deadDevice.UserCode = "GONE-CODE"

	for _, g := range []*storage.PersistedGrant{live, dead, deadDevice} {
		if err := store.SaveGrant(ctx, g); err != nil {
			t.Fatalf("SaveGrant: %v", err)
		}
	}

	removed, err := store.DeleteExpiredGrants(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredGrants: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if store.GrantCount() != 1 {
		t.Errorf("expected 1 grant remaining, got %d", store.GrantCount())
	}
	if _, err := store.GetGrantByUserCode(ctx, "GONE-CODE"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Error("user code index should be purged with the grant")
	}
}

func TestClientSecretValidation(t *testing.T) {
	store := New()
	ctx := context.Background()

	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	client := &storage.Client{
		ID:         "client-1",
		SecretHash: hash,
	}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	if err := store.ValidateClientSecret(ctx, "client-1", "s3cret"); err != nil {
		t.Errorf("valid secret rejected: %v", err)
	}
	if err := store.ValidateClientSecret(ctx, "client-1", "wrong"); !errors.Is(err, storage.ErrInvalidSecret) {
		t.Errorf("expected ErrInvalidSecret, got %v", err)
	}
	if err := store.ValidateClientSecret(ctx, "missing", "s3cret"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}

	// Public client with no secret hash never validates a secret
	public := &storage.Client{ID: "public-1"}
	_ = store.SaveClient(ctx, public)
	if err := store.ValidateClientSecret(ctx, "public-1", ""); !errors.Is(err, storage.ErrInvalidSecret) {
		t.Errorf("expected ErrInvalidSecret for public client, got %v", err)
	}
}
