package rotor

import (
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *DefaultEngine {
	t.Helper()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	engine, err := NewDefaultEngine(seed)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func newTestKey(t *testing.T, purpose Purpose, version KeyVersion) *VersionedKey {
	t.Helper()

	engine := newTestEngine(t)
	handle, err := engine.DeriveKey(derivationPath(purpose, version))
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	return NewVersionedKey(handle, version, purpose)
}

func TestVersionedKeyAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"KeyUsability", TestKeyUsability},
		{"KeyMigrationProgressMonotonic", TestKeyMigrationProgressMonotonic},
		{"KeyDecryptionAllowList", TestKeyDecryptionAllowList},
		{"KeyBackwardCompatibility", TestKeyBackwardCompatibility},
		{"KeyStatusTransitions", TestKeyStatusTransitions},
		{"KeyRevokedIsTerminal", TestKeyRevokedIsTerminal},
		{"KeyCleanupEligibility", TestKeyCleanupEligibility},
		{"KeyDestroyZeroizes", TestKeyDestroyZeroizes},
		{"KeyUsageAuditInterval", TestKeyUsageAuditInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

// TestKeyUsability verifies that only Active and Migrating keys with
// live material and an unexpired version are usable.
func TestKeyUsability(t *testing.T) {
	now := time.Now().UTC()
	key := newTestKey(t, PurposeData, NewKeyVersion(1, 0, 0))

	if !key.IsUsable(now) {
		t.Fatalf("Fresh active key should be usable")
	}

	migrating := NewMigratingKey(key.Handle(), NewKeyVersion(1, 1, 0), PurposeData)
	if migrating.Status != KeyStatusMigrating {
		t.Fatalf("Successor should be born migrating, got %s", migrating.Status)
	}
	if !migrating.IsUsable(now) {
		t.Errorf("Migrating key should be usable")
	}

	if err := key.TransitionTo(KeyStatusDeprecated); err != nil {
		t.Fatalf("Failed to deprecate key: %v", err)
	}
	if key.IsUsable(now) {
		t.Errorf("Deprecated key should not serve live operations")
	}

	if err := key.TransitionTo(KeyStatusRevoked); err != nil {
		t.Fatalf("Failed to revoke key: %v", err)
	}
	if key.IsUsable(now) {
		t.Errorf("Revoked key should not be usable")
	}

	expiredKey := newTestKey(t, PurposeData, NewKeyVersion(1, 1, 0).WithExpiration(now.Add(-time.Hour)))
	if expiredKey.IsUsable(now) {
		t.Errorf("Key with expired version should not be usable")
	}
}

// TestKeyMigrationProgressMonotonic verifies progress never moves
// backwards while a key is migrating; a reset only lands once the key
// has left the Migrating state.
func TestKeyMigrationProgressMonotonic(t *testing.T) {
	source := newTestKey(t, PurposeData, NewKeyVersion(1, 1, 0))
	key := NewMigratingKey(source.Handle(), NewKeyVersion(1, 2, 0), PurposeData)

	key.SetMigrationProgress(0.6)
	key.SetMigrationProgress(0.3)
	if key.MigrationProgress != 0.6 {
		t.Errorf("Progress should not decrease while migrating, got %f", key.MigrationProgress)
	}

	key.SetMigrationProgress(0.8)
	if key.MigrationProgress != 0.8 {
		t.Errorf("Progress should advance to 0.8, got %f", key.MigrationProgress)
	}

	key.SetMigrationProgress(1.5)
	if key.MigrationProgress != 1.0 {
		t.Errorf("Progress should clamp to 1.0, got %f", key.MigrationProgress)
	}

	if err := key.TransitionTo(KeyStatusDeprecated); err != nil {
		t.Fatalf("Failed to deprecate key: %v", err)
	}
	key.SetMigrationProgress(0)
	if key.MigrationProgress != 0 {
		t.Errorf("Reset after leaving the migrating state should apply, got %f", key.MigrationProgress)
	}
}

// TestKeyDecryptionAllowList verifies decrypt routing uses only the
// key's own version and the explicit allow-list, never version math.
func TestKeyDecryptionAllowList(t *testing.T) {
	key := newTestKey(t, PurposeData, NewKeyVersion(1, 3, 0))

	if !key.CanDecryptDataFromVersion(NewKeyVersion(1, 3, 0)) {
		t.Errorf("Key should decrypt data from its own version")
	}

	// Older version in the same line is NOT decryptable until listed
	older := NewKeyVersion(1, 2, 0)
	if key.CanDecryptDataFromVersion(older) {
		t.Errorf("Unlisted older version should not be decryptable")
	}

	key.AddSupportedDecryptionVersion(older)
	if !key.CanDecryptDataFromVersion(older) {
		t.Errorf("Listed version should be decryptable")
	}

	// Adding duplicates or the own version is a no-op
	key.AddSupportedDecryptionVersion(older)
	key.AddSupportedDecryptionVersion(key.Version)
	if len(key.SupportedDecryptionVersions) != 1 {
		t.Errorf("Allow-list should hold exactly one entry, got %d", len(key.SupportedDecryptionVersions))
	}
}

// TestKeyBackwardCompatibility verifies the migration readiness rule:
// same major line and at least the target minor.
func TestKeyBackwardCompatibility(t *testing.T) {
	key := newTestKey(t, PurposeData, NewKeyVersion(2, 3, 0))

	if !key.SupportsBackwardCompatibilityTo(NewKeyVersion(2, 1, 0)) {
		t.Errorf("2.3.0 should be backward compatible with 2.1.0")
	}
	if !key.SupportsBackwardCompatibilityTo(NewKeyVersion(2, 3, 5)) {
		t.Errorf("2.3.0 should be backward compatible with 2.3.x")
	}
	if key.SupportsBackwardCompatibilityTo(NewKeyVersion(1, 0, 0)) {
		t.Errorf("Different major lines should not be compatible")
	}
	if key.SupportsBackwardCompatibilityTo(NewKeyVersion(2, 4, 0)) {
		t.Errorf("Lower minor should not be compatible with a higher target")
	}
}

// TestKeyStatusTransitions verifies the legal transition table
func TestKeyStatusTransitions(t *testing.T) {
	key := newTestKey(t, PurposeData, NewKeyVersion(1, 0, 0))

	if err := key.TransitionTo(KeyStatusDeprecated); err != nil {
		t.Fatalf("Active -> Deprecated should be legal: %v", err)
	}
	if err := key.TransitionTo(KeyStatusActive); err != nil {
		t.Fatalf("Deprecated -> Active (reactivation) should be legal: %v", err)
	}
	if err := key.TransitionTo(KeyStatusMigrating); err == nil {
		t.Errorf("Active -> Migrating should be illegal")
	} else if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}

	// Same-status transition is a no-op
	if err := key.TransitionTo(KeyStatusActive); err != nil {
		t.Errorf("Transition to current status should succeed: %v", err)
	}
}

// TestKeyRevokedIsTerminal verifies nothing leaves the Revoked state
func TestKeyRevokedIsTerminal(t *testing.T) {
	key := newTestKey(t, PurposeData, NewKeyVersion(1, 0, 0))

	if err := key.TransitionTo(KeyStatusRevoked); err != nil {
		t.Fatalf("Active -> Revoked should be legal: %v", err)
	}

	for _, status := range []KeyStatus{KeyStatusActive, KeyStatusDeprecated, KeyStatusMigrating, KeyStatusExpired} {
		if err := key.TransitionTo(status); err == nil {
			t.Errorf("Revoked -> %s should be illegal", status)
		}
	}
}

// TestKeyCleanupEligibility verifies the retention policy gates:
// superseded status, minimum age and migration completion.
func TestKeyCleanupEligibility(t *testing.T) {
	now := time.Now().UTC()
	key := newTestKey(t, PurposeData, NewKeyVersion(1, 0, 0))

	if key.EligibleForCleanup(now) {
		t.Errorf("Active key should never be cleanup eligible")
	}

	if err := key.TransitionTo(KeyStatusDeprecated); err != nil {
		t.Fatalf("Failed to deprecate: %v", err)
	}
	if key.EligibleForCleanup(now) {
		t.Errorf("Key younger than the retention period should not be eligible")
	}

	// Age the key past the retention window
	key.CreatedAt = now.Add(-time.Duration(key.Retention.MinRetentionDays+1) * 24 * time.Hour)
	if key.EligibleForCleanup(now) {
		t.Errorf("Key with incomplete migration should not be eligible")
	}

	key.SetMigrationProgress(1.0)
	if !key.EligibleForCleanup(now) {
		t.Errorf("Old, deprecated, fully-migrated key should be eligible")
	}
}

// TestKeyDestroyZeroizes verifies that destroyed material cannot be
// opened again and the key stops being usable.
func TestKeyDestroyZeroizes(t *testing.T) {
	key := newTestKey(t, PurposeData, NewKeyVersion(1, 0, 0))

	buf, err := key.Handle().Open()
	if err != nil {
		t.Fatalf("Failed to open live key: %v", err)
	}
	buf.Destroy()

	key.Destroy()

	if !key.Handle().Destroyed() {
		t.Errorf("Handle should report destroyed")
	}
	if _, err := key.Handle().Open(); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("Opening destroyed key should return ErrKeyDestroyed, got %v", err)
	}
	if key.IsUsable(time.Now()) {
		t.Errorf("Destroyed key should not be usable")
	}
}

// TestKeyUsageAuditInterval verifies RecordUsage flags every 100th use
func TestKeyUsageAuditInterval(t *testing.T) {
	key := newTestKey(t, PurposeData, NewKeyVersion(1, 0, 0))

	flagged := 0
	for i := 0; i < 250; i++ {
		if key.RecordUsage() {
			flagged++
		}
	}

	if flagged != 2 {
		t.Errorf("Expected 2 audit flags in 250 uses, got %d", flagged)
	}
	if key.UsageCount != 250 {
		t.Errorf("Usage count should be 250, got %d", key.UsageCount)
	}
}
