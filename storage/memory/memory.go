// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/bcrypt"

	"github.com/authspan/issuer/instrumentation"
	"github.com/authspan/issuer/security"
	"github.com/authspan/issuer/storage"
)

// keyLogLength is the number of characters of a grant key included in debug
// logs. Enough for correlation, useless for redemption.
const keyLogLength = 8

// Store is an in-memory implementation of storage.ClientStore and
// storage.GrantStore. All operations are guarded by a single mutex, which
// makes ConsumeGrant and RotateGrant trivially atomic: only one goroutine
// can observe-and-mutate a grant at a time.
type Store struct {
	mu sync.Mutex

	clients   map[string]*storage.Client
	grants    map[string]*storage.PersistedGrant
	userCodes map[string]string // user code -> grant key

	logger *slog.Logger

	inst *instrumentation.Instrumentation
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		clients:   make(map[string]*storage.Client),
		grants:    make(map[string]*storage.PersistedGrant),
		userCodes: make(map[string]string),
		logger:    slog.Default(),
	}
}

// SetLogger replaces the store's logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables OTel metrics for storage operations and
// registers grant-count gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst == nil {
		return
	}
	if err := inst.RegisterGrantCountCallbacks(
		func() int64 { return s.countKind(storage.GrantKindAuthorizationCode) },
		func() int64 { return s.countKind(storage.GrantKindRefreshToken) },
		func() int64 { return s.countKind(storage.GrantKindDeviceCode) },
	); err != nil {
		s.logger.Warn("Failed to register grant count callbacks", "error", err)
	}
}

func (s *Store) countKind(kind string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, g := range s.grants {
		if g.Kind == kind {
			n++
		}
	}
	return n
}

// recordOp records one storage operation metric
func (s *Store) recordOp(ctx context.Context, op string, start time.Time, err error) {
	if s.inst == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	s.inst.Metrics().StorageOperationTotal.Add(ctx, 1, attrs)
	s.inst.Metrics().StorageOperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// SaveClient registers a client. Intended for composition-time setup and
// tests; production deployments use a persistent ClientStore.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}
	clientCopy := *client
	s.clients[client.ID] = &clientCopy
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		err := storage.ErrClientNotFound
		s.recordOp(ctx, "get_client", start, err)
		return nil, err
	}

	// Return a copy to keep the stored record immutable
	clientCopy := *client
	s.recordOp(ctx, "get_client", start, nil)
	return &clientCopy, nil
}

// ValidateClientSecret verifies a secret against the stored bcrypt hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	s.mu.Lock()
	client, ok := s.clients[clientID]
	s.mu.Unlock()

	if !ok {
		return storage.ErrClientNotFound
	}
	if client.SecretHash == "" {
		return storage.ErrInvalidSecret
	}

	// bcrypt comparison is constant-time on the digest
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidSecret
	}
	return nil
}

// HashSecret produces a bcrypt hash for a client secret, for use when
// seeding clients into the store.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// SaveGrant persists a new grant
func (s *Store) SaveGrant(ctx context.Context, grant *storage.PersistedGrant) error {
	start := time.Now()
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("grant key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.Key]; exists {
		err := storage.ErrDuplicateGrant
		s.recordOp(ctx, "save_grant", start, err)
		return err
	}

	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now()
	}
	grantCopy := *grant
	s.grants[grant.Key] = &grantCopy
	if grant.UserCode != "" {
		s.userCodes[grant.UserCode] = grant.Key
	}

	s.logger.Debug("Saved grant",
		"kind", grant.Kind,
		"client_id", grant.ClientID,
		"key_prefix", safeTruncate(grant.Key, keyLogLength))
	s.recordOp(ctx, "save_grant", start, nil)
	return nil
}

// GetGrant retrieves a grant by key without mutating it
func (s *Store) GetGrant(ctx context.Context, key string) (*storage.PersistedGrant, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[key]
	if !ok {
		err := storage.ErrGrantNotFound
		s.recordOp(ctx, "get_grant", start, err)
		return nil, err
	}

	if security.IsExpired(grant.ExpiresAt) {
		err := fmt.Errorf("%w: %s", storage.ErrGrantExpired, grant.Kind)
		s.recordOp(ctx, "get_grant", start, err)
		return nil, err
	}

	grantCopy := *grant
	s.recordOp(ctx, "get_grant", start, nil)
	return &grantCopy, nil
}

// ConsumeGrant atomically checks that the grant is redeemable and marks it
// consumed. Under concurrent redemption exactly one caller succeeds; the
// rest observe ErrGrantConsumed. The mutex is the synchronization point.
func (s *Store) ConsumeGrant(ctx context.Context, key string) (*storage.PersistedGrant, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[key]
	if !ok {
		err := storage.ErrGrantNotFound
		s.recordOp(ctx, "consume_grant", start, err)
		return nil, err
	}

	if security.IsExpired(grant.ExpiresAt) {
		err := fmt.Errorf("%w: %s", storage.ErrGrantExpired, grant.Kind)
		s.recordOp(ctx, "consume_grant", start, err)
		return nil, err
	}

	if grant.Consumed {
		err := storage.ErrGrantConsumed
		s.recordOp(ctx, "consume_grant", start, err)
		return nil, err
	}

	grant.Consumed = true
	s.logger.Debug("Consumed grant",
		"kind", grant.Kind,
		"key_prefix", safeTruncate(key, keyLogLength))

	grantCopy := *grant
	s.recordOp(ctx, "consume_grant", start, nil)
	return &grantCopy, nil
}

// RotateGrant atomically replaces the grant at oldKey with replacement.
// After rotation oldKey is gone; a second rotation attempt on the same key
// observes ErrGrantNotFound, which callers treat as reuse of a rotated token.
func (s *Store) RotateGrant(ctx context.Context, oldKey string, replacement *storage.PersistedGrant) error {
	start := time.Now()
	if replacement == nil || replacement.Key == "" {
		return fmt.Errorf("replacement grant key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.grants[oldKey]
	if !ok {
		err := storage.ErrGrantNotFound
		s.recordOp(ctx, "rotate_grant", start, err)
		return err
	}

	if security.IsExpired(old.ExpiresAt) {
		err := fmt.Errorf("%w: %s", storage.ErrGrantExpired, old.Kind)
		s.recordOp(ctx, "rotate_grant", start, err)
		return err
	}

	delete(s.grants, oldKey)
	if replacement.CreatedAt.IsZero() {
		replacement.CreatedAt = time.Now()
	}
	replacementCopy := *replacement
	s.grants[replacement.Key] = &replacementCopy

	s.logger.Debug("Rotated grant",
		"kind", replacement.Kind,
		"old_key_prefix", safeTruncate(oldKey, keyLogLength),
		"new_key_prefix", safeTruncate(replacement.Key, keyLogLength))
	s.recordOp(ctx, "rotate_grant", start, nil)
	return nil
}

// DeleteGrant removes a grant. Deleting an absent key is not an error.
func (s *Store) DeleteGrant(ctx context.Context, key string) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if grant, ok := s.grants[key]; ok && grant.UserCode != "" {
		delete(s.userCodes, grant.UserCode)
	}
	delete(s.grants, key)
	s.recordOp(ctx, "delete_grant", start, nil)
	return nil
}

// UpdateDevicePoll records a poll attempt on a device-code grant and returns
// the grant as it was BEFORE the update, so the caller computes the interval
// check against the previous poll.
func (s *Store) UpdateDevicePoll(ctx context.Context, key string, polledAt time.Time) (*storage.PersistedGrant, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[key]
	if !ok || grant.Kind != storage.GrantKindDeviceCode {
		err := storage.ErrGrantNotFound
		s.recordOp(ctx, "update_device_poll", start, err)
		return nil, err
	}

	if security.IsExpired(grant.ExpiresAt) {
		err := fmt.Errorf("%w: %s", storage.ErrGrantExpired, grant.Kind)
		s.recordOp(ctx, "update_device_poll", start, err)
		return nil, err
	}

	previous := *grant
	grant.LastPolledAt = polledAt
	s.recordOp(ctx, "update_device_poll", start, nil)
	return &previous, nil
}

// ApproveDeviceGrant transitions a pending device-code grant to approved or
// denied, binding the subject and session on approval.
func (s *Store) ApproveDeviceGrant(ctx context.Context, key string, approve bool, subjectID, sessionID string) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[key]
	if !ok || grant.Kind != storage.GrantKindDeviceCode {
		err := storage.ErrGrantNotFound
		s.recordOp(ctx, "approve_device_grant", start, err)
		return err
	}

	if security.IsExpired(grant.ExpiresAt) {
		err := fmt.Errorf("%w: %s", storage.ErrGrantExpired, grant.Kind)
		s.recordOp(ctx, "approve_device_grant", start, err)
		return err
	}

	if grant.DeviceStatus != storage.DeviceStatusPending {
		err := storage.ErrGrantNotPending
		s.recordOp(ctx, "approve_device_grant", start, err)
		return err
	}

	if approve {
		grant.DeviceStatus = storage.DeviceStatusApproved
		grant.SubjectID = subjectID
		grant.SessionID = sessionID
	} else {
		grant.DeviceStatus = storage.DeviceStatusDenied
	}
	s.recordOp(ctx, "approve_device_grant", start, nil)
	return nil
}

// GetGrantByUserCode resolves a device-code grant from its user-facing code
func (s *Store) GetGrantByUserCode(ctx context.Context, userCode string) (*storage.PersistedGrant, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.userCodes[userCode]
	if !ok {
		err := storage.ErrGrantNotFound
		s.recordOp(ctx, "get_grant_by_user_code", start, err)
		return nil, err
	}

	grant, ok := s.grants[key]
	if !ok {
		err := storage.ErrGrantNotFound
		s.recordOp(ctx, "get_grant_by_user_code", start, err)
		return nil, err
	}
	if security.IsExpired(grant.ExpiresAt) {
		err := fmt.Errorf("%w: %s", storage.ErrGrantExpired, grant.Kind)
		s.recordOp(ctx, "get_grant_by_user_code", start, err)
		return nil, err
	}

	grantCopy := *grant
	s.recordOp(ctx, "get_grant_by_user_code", start, nil)
	return &grantCopy, nil
}

// ClientIDsForSubject returns the distinct client IDs holding non-expired
// grants for the subject, optionally filtered by session
func (s *Store) ClientIDsForSubject(ctx context.Context, subjectID, sessionID string) ([]string, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var clientIDs []string
	for _, grant := range s.grants {
		if grant.SubjectID != subjectID {
			continue
		}
		if sessionID != "" && grant.SessionID != sessionID {
			continue
		}
		if security.IsExpired(grant.ExpiresAt) {
			continue
		}
		if !seen[grant.ClientID] {
			seen[grant.ClientID] = true
			clientIDs = append(clientIDs, grant.ClientID)
		}
	}

	s.recordOp(ctx, "client_ids_for_subject", start, nil)
	return clientIDs, nil
}

// DeleteExpiredGrants purges grants past their expiry. Invoked by a
// host-owned background sweep.
func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, grant := range s.grants {
		if grant.IsExpired(now) {
			if grant.UserCode != "" {
				delete(s.userCodes, grant.UserCode)
			}
			delete(s.grants, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Purged expired grants", "removed", removed, "remaining", len(s.grants))
	}
	s.recordOp(ctx, "delete_expired_grants", start, nil)
	return removed, nil
}

// GrantCount returns the number of stored grants, for tests and diagnostics
func (s *Store) GrantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

// safeTruncate safely truncates a string to maxLen characters
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
