package rotor

import (
	"fmt"
	"sync"
	"time"
)

// usageAuditInterval controls how often usage is surfaced to the audit log
const usageAuditInterval = 100

// LegacyKeyRetentionPolicy governs how long superseded keys are kept
// before cleanup destroys their material. MaxLegacyVersions bounds the
// total number of retained versions, the current key included.
type LegacyKeyRetentionPolicy struct {
	MaxLegacyVersions          int  `json:"max_legacy_versions"`
	MinRetentionDays           int  `json:"min_retention_days"`
	AutoCleanup                bool `json:"auto_cleanup"`
	RequireMigrationCompletion bool `json:"require_migration_completion"`
}

// DefaultRetentionPolicy returns the standard retention settings
func DefaultRetentionPolicy() LegacyKeyRetentionPolicy {
	return LegacyKeyRetentionPolicy{
		MaxLegacyVersions:          3,
		MinRetentionDays:           30,
		AutoCleanup:                true,
		RequireMigrationCompletion: true,
	}
}

// VersionedKey couples key material with its version, lifecycle status
// and decryption compatibility. The material itself lives behind a
// KeyHandle and never appears in serialized form.
type VersionedKey struct {
	mu sync.Mutex

	ID        string     `json:"id"`
	Version   KeyVersion `json:"version"`
	Purpose   Purpose    `json:"purpose"`
	Status    KeyStatus  `json:"status"`
	CreatedAt time.Time  `json:"created_at"`

	UsageCount        uint64     `json:"usage_count"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	MigrationProgress float64    `json:"migration_progress"`

	// PredecessorVersion links to the version this key replaced
	PredecessorVersion *KeyVersion `json:"predecessor_version,omitempty"`

	// SupportedDecryptionVersions is the explicit allow-list of older
	// versions whose data this key may decrypt. Membership here is the
	// only rule used for decrypt routing.
	SupportedDecryptionVersions []KeyVersion `json:"supported_decryption_versions,omitempty"`

	Retention LegacyKeyRetentionPolicy `json:"retention"`

	handle KeyHandle
}

// NewVersionedKey wraps a key handle in lifecycle metadata. New keys
// start Active with zero usage.
func NewVersionedKey(handle KeyHandle, version KeyVersion, purpose Purpose) *VersionedKey {
	return &VersionedKey{
		ID:        generateKeyID(),
		Version:   version,
		Purpose:   purpose,
		Status:    KeyStatusActive,
		CreatedAt: time.Now().UTC(),
		Retention: DefaultRetentionPolicy(),
		handle:    handle,
	}
}

// NewMigratingKey wraps a rotation successor's handle. The key is born
// Migrating and only becomes Active through migration completion; this
// is an initial state, not a transition, so the transition table does
// not apply.
func NewMigratingKey(handle KeyHandle, version KeyVersion, purpose Purpose) *VersionedKey {
	key := NewVersionedKey(handle, version, purpose)
	key.Status = KeyStatusMigrating
	return key
}

// Handle exposes the underlying key material handle
func (k *VersionedKey) Handle() KeyHandle {
	return k.handle
}

// IsUsable reports whether the key may serve live crypto operations:
// Active or Migrating, not expired and material not destroyed. A
// Deprecated key is not usable; its data stays readable through the
// exact-version fallback in decrypt routing.
func (k *VersionedKey) IsUsable(now time.Time) bool {
	if k.handle == nil || k.handle.Destroyed() {
		return false
	}
	if k.Version.IsExpired(now) {
		return false
	}
	return k.Status == KeyStatusActive || k.Status == KeyStatusMigrating
}

// CanDecryptDataFromVersion reports whether data encrypted under v is
// readable with this key: either v is the key's own version or it is in
// the explicit allow-list.
func (k *VersionedKey) CanDecryptDataFromVersion(v KeyVersion) bool {
	if k.Version.Equal(v) {
		return true
	}
	return containsVersion(k.SupportedDecryptionVersions, v)
}

// AddSupportedDecryptionVersion extends the allow-list, ignoring duplicates
func (k *VersionedKey) AddSupportedDecryptionVersion(v KeyVersion) {
	if k.Version.Equal(v) || containsVersion(k.SupportedDecryptionVersions, v) {
		return
	}
	k.SupportedDecryptionVersions = append(k.SupportedDecryptionVersions, v)
}

// SupportsBackwardCompatibilityTo reports whether this key can serve as
// a migration target for data from the given version: same major line
// and at least that minor. This is a readiness precondition only; it
// never routes decryption.
func (k *VersionedKey) SupportsBackwardCompatibilityTo(v KeyVersion) bool {
	return k.Version.Major == v.Major && k.Version.Minor >= v.Minor
}

// RecordUsage increments the usage counter. It returns true on every
// usageAuditInterval-th use so the caller can emit an audit note.
func (k *VersionedKey) RecordUsage() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.UsageCount++
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return k.UsageCount%usageAuditInterval == 0
}

// SetMigrationProgress clamps progress to [0, 1]. While the key is
// Migrating, progress never moves backwards; a reset only takes effect
// once the key has left the Migrating state.
func (k *VersionedKey) SetMigrationProgress(progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	if k.Status == KeyStatusMigrating && progress < k.MigrationProgress {
		return
	}
	k.MigrationProgress = progress
}

// TransitionTo moves the key to a new status, validating the transition.
// Revoked is terminal.
func (k *VersionedKey) TransitionTo(status KeyStatus) error {
	if k.Status == status {
		return nil
	}

	allowed := map[KeyStatus][]KeyStatus{
		KeyStatusActive:     {KeyStatusDeprecated, KeyStatusRevoked, KeyStatusExpired},
		KeyStatusDeprecated: {KeyStatusActive, KeyStatusRevoked, KeyStatusExpired},
		KeyStatusMigrating:  {KeyStatusActive, KeyStatusDeprecated, KeyStatusRevoked},
		KeyStatusExpired:    {KeyStatusRevoked},
		KeyStatusRevoked:    {},
	}

	for _, next := range allowed[k.Status] {
		if next == status {
			k.Status = status
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, k.Status, status)
}

// EligibleForCleanup applies the retention policy: the key must be old
// enough, superseded (Deprecated or Expired) and, when required, fully
// migrated away from.
func (k *VersionedKey) EligibleForCleanup(now time.Time) bool {
	if k.Status != KeyStatusDeprecated && k.Status != KeyStatusExpired {
		return false
	}

	age := now.Sub(k.CreatedAt)
	if age < time.Duration(k.Retention.MinRetentionDays)*24*time.Hour {
		return false
	}

	if k.Retention.RequireMigrationCompletion && k.MigrationProgress < 1.0 {
		return false
	}

	return true
}

// Destroy zeroizes the key material. The key stops being usable
// immediately; metadata survives for audit purposes.
func (k *VersionedKey) Destroy() {
	if k.handle != nil {
		k.handle.Destroy()
	}
}

// Age returns how long ago the key was created
func (k *VersionedKey) Age(now time.Time) time.Duration {
	return now.Sub(k.CreatedAt)
}
