package rotor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/rotor/audit"
	"southwinds.dev/rotor/internal/mem"
	"southwinds.dev/rotor/persist"
)

// stateKeyPath is the derivation path of the key protecting persisted state
const stateKeyPath = "internal/state"

// KeyRotationManager owns the versioned key lineages for every purpose
// and coordinates rotation, migration, scheduling and emergency response
// across them. Keys within a purpose are held newest first.
type KeyRotationManager struct {
	mu     sync.RWMutex
	keys   map[Purpose][]*VersionedKey
	closed bool

	engine      Engine
	scheduler   *RotationScheduler
	migrations  *MigrationCoordinator
	emergencies *EmergencyManager
	detector    *IncidentDetector
	syncer      *SyncCoordinator
	devices     *DeviceRegistry
	trail       *AuditTrail

	store        persist.Store
	stateVersion string
	auditLog     audit.Logger
	options      Options
	memLevel     mem.ProtectionLevel
}

// managerState is the serialized (pre-encryption) form of all lineages
type managerState struct {
	SavedAt  time.Time               `json:"saved_at"`
	TenantID string                  `json:"tenant_id,omitempty"`
	Purposes map[Purpose][]keyRecord `json:"purposes"`
}

// keyRecord is a VersionedKey without its material; the handle is
// re-derived from the seed on load.
type keyRecord struct {
	ID                          string                   `json:"id"`
	Version                     KeyVersion               `json:"version"`
	Purpose                     Purpose                  `json:"purpose"`
	Status                      KeyStatus                `json:"status"`
	CreatedAt                   time.Time                `json:"created_at"`
	UsageCount                  uint64                   `json:"usage_count"`
	LastUsedAt                  *time.Time               `json:"last_used_at,omitempty"`
	MigrationProgress           float64                  `json:"migration_progress"`
	PredecessorVersion          *KeyVersion              `json:"predecessor_version,omitempty"`
	SupportedDecryptionVersions []KeyVersion             `json:"supported_decryption_versions,omitempty"`
	Retention                   LegacyKeyRetentionPolicy `json:"retention"`
	Destroyed                   bool                     `json:"destroyed"`
}

// RotationAnalytics summarizes a purpose's rotation posture
type RotationAnalytics struct {
	Purpose           Purpose       `json:"purpose"`
	TotalVersions     int           `json:"total_versions"`
	ActiveVersion     *KeyVersion   `json:"active_version,omitempty"`
	ActiveUsageCount  uint64        `json:"active_usage_count"`
	MigrationProgress float64       `json:"migration_progress"`
	NextRotation      *time.Time    `json:"next_rotation,omitempty"`
	OldestKeyAge      time.Duration `json:"oldest_key_age"`
}

// NewKeyRotationManager assembles the full engine from options: crypto
// engine, scheduler, migration coordinator, incident detection, sync
// coordination, device registry, emergency handling and audit trail.
func NewKeyRotationManager(options Options) (*KeyRotationManager, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	var memLevel mem.ProtectionLevel
	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil && level == mem.ProtectionNone {
			return nil, fmt.Errorf("failed to lock memory: %w", err)
		}
		memLevel = level
	}

	engine, err := NewDefaultEngine(options.DerivationSeed)
	if err != nil {
		return nil, err
	}

	var store persist.Store
	if options.Store != nil {
		store, err = persist.NewStore(*options.Store, options.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
	}

	auditLog, err := audit.NewLogger(options.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	trail := NewAuditTrail(auditLog)

	m := &KeyRotationManager{
		keys:       make(map[Purpose][]*VersionedKey),
		engine:     engine,
		scheduler:  NewRotationScheduler(),
		migrations: NewMigrationCoordinator(store),
		detector:   NewIncidentDetector(),
		syncer:     NewSyncCoordinator(engine),
		trail:      trail,
		store:      store,
		auditLog:   auditLog,
		options:    options,
		memLevel:   memLevel,
	}
	m.devices = NewDeviceRegistry(engine, store, options.MaxDevices)
	m.emergencies = NewEmergencyManager(m.emergencyRotate, m.purposesForIncident, trail)

	return m, nil
}

// Engine exposes the crypto engine for callers that encrypt directly
func (m *KeyRotationManager) Engine() Engine {
	return m.engine
}

// Scheduler exposes the rotation scheduler
func (m *KeyRotationManager) Scheduler() *RotationScheduler {
	return m.scheduler
}

// Migrations exposes the migration coordinator
func (m *KeyRotationManager) Migrations() *MigrationCoordinator {
	return m.migrations
}

// Emergencies exposes the emergency manager
func (m *KeyRotationManager) Emergencies() *EmergencyManager {
	return m.emergencies
}

// Detector exposes the incident detector
func (m *KeyRotationManager) Detector() *IncidentDetector {
	return m.detector
}

// Sync exposes the cross-device sync coordinator
func (m *KeyRotationManager) Sync() *SyncCoordinator {
	return m.syncer
}

// Devices exposes the device registry
func (m *KeyRotationManager) Devices() *DeviceRegistry {
	return m.devices
}

// Trail exposes the audit trail
func (m *KeyRotationManager) Trail() *AuditTrail {
	return m.trail
}

// MemoryProtection reports the protection level achieved at startup
func (m *KeyRotationManager) MemoryProtection() mem.ProtectionLevel {
	return m.memLevel
}

// InitializePurpose creates the first key (version 1.0.0) for a purpose
// that has no lineage yet.
func (m *KeyRotationManager) InitializePurpose(purpose Purpose) (*VersionedKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if len(m.keys[purpose]) > 0 {
		return nil, fmt.Errorf("purpose %s already has a key lineage", purpose)
	}

	version := NewKeyVersion(1, 0, 0)
	key, err := m.deriveVersionedKey(purpose, version)
	if err != nil {
		return nil, err
	}

	m.keys[purpose] = []*VersionedKey{key}
	m.trail.RecordRotationCompleted(key.ID, purpose, version)
	m.logAudit("purpose_initialized", true, map[string]interface{}{
		"purpose": string(purpose),
		"key_id":  key.ID,
		"version": version.String(),
	})
	return key, nil
}

// ActiveKey returns the usable Active key for a purpose
func (m *KeyRotationManager) ActiveKey(purpose Purpose) (*VersionedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	now := time.Now().UTC()
	for _, key := range m.keys[purpose] {
		if key.Status == KeyStatusActive && key.IsUsable(now) {
			return key, nil
		}
	}
	if len(m.keys[purpose]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPurposeNotFound, purpose)
	}
	return nil, fmt.Errorf("%w: no active key for purpose %s", ErrKeyNotFound, purpose)
}

// KeyByVersion finds a key in the purpose lineage by exact version
func (m *KeyRotationManager) KeyByVersion(purpose Purpose, version KeyVersion) (*VersionedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	for _, key := range m.keys[purpose] {
		if key.Version.Equal(version) {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrKeyNotFound, purpose, version)
}

// FindKeyForDecryption routes a data version to a usable key: the newest
// key whose own version matches or whose allow-list contains it.
func (m *KeyRotationManager) FindKeyForDecryption(purpose Purpose, dataVersion KeyVersion) (*VersionedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	now := time.Now().UTC()
	for _, key := range m.keys[purpose] {
		if key.IsUsable(now) && key.CanDecryptDataFromVersion(dataVersion) {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: no usable key for purpose %s decrypts version %s",
		ErrKeyNotFound, purpose, dataVersion)
}

// CreateNewKeyVersion rotates a purpose: the successor gets the next
// minor version, starts Migrating with the predecessor in its allow-list,
// and the predecessor is deprecated. Fails while a migration is in
// flight for the purpose.
func (m *KeyRotationManager) CreateNewKeyVersion(purpose Purpose) (*VersionedKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	lineage := m.keys[purpose]
	if len(lineage) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPurposeNotFound, purpose)
	}
	if _, inFlight := m.migrations.ActiveMigration(purpose); inFlight {
		return nil, fmt.Errorf("%w for purpose %s", ErrMigrationInProgress, purpose)
	}

	current := lineage[0]
	if current.Status == KeyStatusMigrating {
		return nil, fmt.Errorf("%w for purpose %s", ErrMigrationInProgress, purpose)
	}

	nextVersion := current.Version.NextMinor()
	m.trail.RecordRotationStarted(current.ID, purpose, current.Version, nextVersion)

	handle, err := m.engine.DeriveKey(derivationPath(purpose, nextVersion))
	if err != nil {
		err = fmt.Errorf("failed to derive key for %s/%s: %w", purpose, nextVersion, err)
		m.trail.RecordRotationFailed(current.ID, purpose, err)
		return nil, err
	}

	successor := NewMigratingKey(handle, nextVersion, purpose)
	predecessor := current.Version
	successor.PredecessorVersion = &predecessor
	successor.AddSupportedDecryptionVersion(current.Version)
	for _, v := range current.SupportedDecryptionVersions {
		successor.AddSupportedDecryptionVersion(v)
	}

	if err := m.transition(current, KeyStatusDeprecated); err != nil {
		successor.Destroy()
		m.trail.RecordRotationFailed(current.ID, purpose, err)
		return nil, err
	}

	m.keys[purpose] = append([]*VersionedKey{successor}, lineage...)
	m.logAudit("rotation_started", true, map[string]interface{}{
		"purpose":      string(purpose),
		"key_id":       successor.ID,
		"from_version": current.Version.String(),
		"to_version":   nextVersion.String(),
	})
	return successor, nil
}

// RotateIfDue rotates a purpose when the scheduler says it is due and
// the timing preferences allow it at this moment. Returns nil without
// error when the purpose is simply not due yet.
func (m *KeyRotationManager) RotateIfDue(purpose Purpose, prefs UserRotationPreferences) (*VersionedKey, error) {
	due := m.scheduler.IsRotationDue(purpose)
	if !due {
		// an expired active key is always due, whatever the schedule says
		m.mu.RLock()
		if lineage := m.keys[purpose]; len(lineage) > 0 {
			head := lineage[0]
			due = head.Status == KeyStatusActive && head.Version.IsExpired(time.Now())
		}
		m.mu.RUnlock()
	}
	if !due {
		return nil, nil
	}
	if !m.scheduler.IsRotationAllowedNow(purpose, time.Now(), prefs) {
		return nil, fmt.Errorf("%w: purpose %s is outside its rotation window", ErrRotationNotAllowed, purpose)
	}
	return m.CreateNewKeyVersion(purpose)
}

// CompleteKeyMigration activates the migrating key, marks migration
// done and prunes the lineage to the retention limit, destroying the
// material of pruned keys.
func (m *KeyRotationManager) CompleteKeyMigration(purpose Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	lineage := m.keys[purpose]
	if len(lineage) == 0 {
		return fmt.Errorf("%w: %s", ErrPurposeNotFound, purpose)
	}

	head := lineage[0]
	if head.Status != KeyStatusMigrating {
		return fmt.Errorf("%w for purpose %s", ErrNoMigrationInProgress, purpose)
	}

	head.SetMigrationProgress(1.0)
	if err := m.transition(head, KeyStatusActive); err != nil {
		return err
	}

	m.pruneLineage(purpose)
	m.scheduler.UpdateNextRotation(purpose)

	m.trail.RecordRotationCompleted(head.ID, purpose, head.Version)
	m.logAudit("rotation_completed", true, map[string]interface{}{
		"purpose": string(purpose),
		"key_id":  head.ID,
		"version": head.Version.String(),
	})
	return nil
}

// RollbackMigration abandons an in-flight rotation: the migrating key is
// deprecated with progress reset and its predecessor reactivated.
func (m *KeyRotationManager) RollbackMigration(purpose Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	lineage := m.keys[purpose]
	if len(lineage) == 0 {
		return fmt.Errorf("%w: %s", ErrPurposeNotFound, purpose)
	}

	head := lineage[0]
	if head.Status != KeyStatusMigrating || head.PredecessorVersion == nil {
		return fmt.Errorf("%w for purpose %s", ErrNoMigrationInProgress, purpose)
	}

	now := time.Now().UTC()
	if err := ValidateRollbackSafety(head, *head.PredecessorVersion, now); err != nil {
		return err
	}

	var predecessor *VersionedKey
	for _, key := range lineage[1:] {
		if key.Version.Equal(*head.PredecessorVersion) {
			predecessor = key
			break
		}
	}
	if predecessor == nil {
		return fmt.Errorf("%w: predecessor %s of purpose %s", ErrKeyNotFound, head.PredecessorVersion, purpose)
	}

	if err := m.transition(predecessor, KeyStatusActive); err != nil {
		return err
	}
	// Deprecate first: the progress reset only takes effect once the
	// key has left the Migrating state.
	if err := m.transition(head, KeyStatusDeprecated); err != nil {
		return err
	}
	head.SetMigrationProgress(0)

	if migrationID, ok := m.migrations.ActiveMigration(purpose); ok {
		_ = m.migrations.AbortMigration(migrationID)
	}

	m.trail.RecordMigrationEvent(head.ID, purpose, "migration_rolled_back", map[string]interface{}{
		"restored_version": predecessor.Version.String(),
	})
	m.logAudit("migration_rolled_back", true, map[string]interface{}{
		"purpose":          string(purpose),
		"restored_version": predecessor.Version.String(),
	})
	return nil
}

// EmergencyRotate supersedes any in-flight migration and installs a new
// Active key immediately. The abandoned migrating key's decryption
// allow-list is absorbed by the replacement so no data becomes
// unreadable. A key exposure incident revokes and zeroizes the
// superseded key; other incidents deprecate it with material intact.
func (m *KeyRotationManager) EmergencyRotate(purpose Purpose, incident *SecurityIncident) (*VersionedKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	return m.emergencyRotateLocked(purpose, incident)
}

func (m *KeyRotationManager) emergencyRotateLocked(purpose Purpose, incident *SecurityIncident) (*VersionedKey, error) {
	lineage := m.keys[purpose]
	if len(lineage) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPurposeNotFound, purpose)
	}

	// Cancel any in-flight migration; the emergency takes priority
	if migrationID, ok := m.migrations.ActiveMigration(purpose); ok {
		if err := m.migrations.AbortMigration(migrationID); err == nil {
			m.trail.RecordMigrationEvent(migrationID, purpose, "migration_superseded_by_emergency", nil)
		}
	}

	current := lineage[0]
	nextVersion := current.Version.NextMinor()

	replacement, err := m.deriveVersionedKey(purpose, nextVersion)
	if err != nil {
		m.trail.RecordRotationFailed(current.ID, purpose, err)
		return nil, err
	}

	predecessor := current.Version
	replacement.PredecessorVersion = &predecessor
	replacement.AddSupportedDecryptionVersion(current.Version)
	for _, v := range current.SupportedDecryptionVersions {
		replacement.AddSupportedDecryptionVersion(v)
	}

	// Key exposure means the material itself leaked: revoke the key and
	// zeroize it. Any other incident retires the key but keeps its
	// material so data written under it stays readable.
	if incident != nil && incident.Type == EventKeyExposure {
		_ = m.transition(current, KeyStatusRevoked)
		current.Destroy()
	} else {
		_ = m.transition(current, KeyStatusDeprecated)
	}

	m.keys[purpose] = append([]*VersionedKey{replacement}, lineage...)
	m.scheduler.UpdateNextRotation(purpose)

	metadata := map[string]interface{}{
		"purpose":      string(purpose),
		"from_version": current.Version.String(),
		"to_version":   nextVersion.String(),
	}
	if incident != nil {
		metadata["incident_id"] = incident.ID
	}
	m.trail.RecordRotationCompleted(replacement.ID, purpose, nextVersion)
	m.logAudit("emergency_rotation", true, metadata)
	return replacement, nil
}

// emergencyRotate adapts emergencyRotateLocked to the EmergencyManager
// callback signature.
func (m *KeyRotationManager) emergencyRotate(purpose Purpose, incident *SecurityIncident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	_, err := m.emergencyRotateLocked(purpose, incident)
	return err
}

// purposesForIncident maps an incident to the purposes whose keys must
// rotate. Key exposure touches every purpose with a lineage; anything
// else rotates the data purpose.
func (m *KeyRotationManager) purposesForIncident(incident *SecurityIncident) []Purpose {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if incident != nil && incident.Type == EventKeyExposure {
		out := make([]Purpose, 0, len(m.keys))
		for purpose := range m.keys {
			out = append(out, purpose)
		}
		return out
	}
	return []Purpose{PurposeData}
}

// Encrypt encrypts with the purpose's active key, returning the
// ciphertext and the key version needed to decrypt it later.
func (m *KeyRotationManager) Encrypt(purpose Purpose, plaintext []byte) ([]byte, KeyVersion, error) {
	key, err := m.ActiveKey(purpose)
	if err != nil {
		return nil, KeyVersion{}, err
	}

	ciphertext, err := m.engine.Encrypt(plaintext, key.Handle())
	if err != nil {
		return nil, KeyVersion{}, fmt.Errorf("encryption failed for purpose %s: %w", purpose, err)
	}

	m.TrackUsage(purpose)
	return ciphertext, key.Version, nil
}

// Decrypt routes the data version to a usable key and decrypts
func (m *KeyRotationManager) Decrypt(purpose Purpose, dataVersion KeyVersion, ciphertext []byte) ([]byte, error) {
	key, err := m.FindKeyForDecryption(purpose, dataVersion)
	if err != nil {
		return nil, err
	}

	// Data is always decrypted with the key of the version it was
	// written under, located through the allow-list routing above.
	target := key
	if !key.Version.Equal(dataVersion) {
		if exact, err := m.KeyByVersion(purpose, dataVersion); err == nil && !exact.Handle().Destroyed() {
			target = exact
		}
	}

	plaintext, err := m.engine.Decrypt(ciphertext, target.Handle())
	if err != nil {
		return nil, fmt.Errorf("decryption failed for purpose %s version %s: %w", purpose, dataVersion, err)
	}
	return plaintext, nil
}

// TrackUsage counts one use of the purpose's active key. Crossing the
// policy's usage limit forces the purpose due for rotation.
func (m *KeyRotationManager) TrackUsage(purpose Purpose) {
	m.mu.RLock()
	lineage := m.keys[purpose]
	m.mu.RUnlock()

	if len(lineage) == 0 {
		return
	}

	if lineage[0].RecordUsage() {
		m.logAudit("key_usage_checkpoint", true, map[string]interface{}{
			"purpose":     string(purpose),
			"key_id":      lineage[0].ID,
			"usage_count": lineage[0].UsageCount,
		})
	}

	if m.scheduler.TrackKeyUsage(purpose) {
		m.logAudit("usage_limit_reached", true, map[string]interface{}{
			"purpose": string(purpose),
		})
	}
}

// CleanupExpiredKeys destroys legacy keys eligible under their retention
// policy. The newest key is never touched. Returns the number destroyed.
func (m *KeyRotationManager) CleanupExpiredKeys(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0
	}

	destroyed := 0
	for purpose, lineage := range m.keys {
		for i, key := range lineage {
			if i == 0 {
				continue
			}
			if key.EligibleForCleanup(now) && !key.Handle().Destroyed() {
				key.Destroy()
				destroyed++
				m.trail.RecordMigrationEvent(key.ID, purpose, "legacy_key_destroyed", map[string]interface{}{
					"version": key.Version.String(),
				})
			}
		}
	}
	return destroyed
}

// Analytics summarizes the rotation posture for a purpose
func (m *KeyRotationManager) Analytics(purpose Purpose) (RotationAnalytics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return RotationAnalytics{}, ErrManagerClosed
	}

	lineage := m.keys[purpose]
	if len(lineage) == 0 {
		return RotationAnalytics{}, fmt.Errorf("%w: %s", ErrPurposeNotFound, purpose)
	}

	now := time.Now().UTC()
	analytics := RotationAnalytics{
		Purpose:       purpose,
		TotalVersions: len(lineage),
		OldestKeyAge:  lineage[len(lineage)-1].Age(now),
	}
	for _, key := range lineage {
		if key.Status == KeyStatusActive {
			version := key.Version
			analytics.ActiveVersion = &version
			analytics.ActiveUsageCount = key.UsageCount
			break
		}
	}
	analytics.MigrationProgress = lineage[0].MigrationProgress
	if next, ok := m.scheduler.NextRotation(purpose); ok {
		analytics.NextRotation = &next
	}
	return analytics, nil
}

// Purposes lists every purpose with a key lineage
func (m *KeyRotationManager) Purposes() []Purpose {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Purpose, 0, len(m.keys))
	for purpose := range m.keys {
		out = append(out, purpose)
	}
	return out
}

// SaveState encrypts and persists all key lineages. Key material never
// leaves the process; only metadata is stored, and handles are
// re-derived from the seed on load.
func (m *KeyRotationManager) SaveState() error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	if m.store == nil {
		m.mu.RUnlock()
		return fmt.Errorf("no store configured")
	}

	state := managerState{
		SavedAt:  time.Now().UTC(),
		TenantID: m.options.TenantID,
		Purposes: make(map[Purpose][]keyRecord, len(m.keys)),
	}
	for purpose, lineage := range m.keys {
		records := make([]keyRecord, len(lineage))
		for i, key := range lineage {
			records[i] = keyRecord{
				ID:                          key.ID,
				Version:                     key.Version,
				Purpose:                     key.Purpose,
				Status:                      key.Status,
				CreatedAt:                   key.CreatedAt,
				UsageCount:                  key.UsageCount,
				LastUsedAt:                  key.LastUsedAt,
				MigrationProgress:           key.MigrationProgress,
				PredecessorVersion:          key.PredecessorVersion,
				SupportedDecryptionVersions: key.SupportedDecryptionVersions,
				Retention:                   key.Retention,
				Destroyed:                   key.Handle().Destroyed(),
			}
		}
		state.Purposes[purpose] = records
	}
	expectedVersion := m.stateVersion
	m.mu.RUnlock()

	plaintext, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	stateKey, err := m.engine.DeriveKey(stateKeyPath)
	if err != nil {
		return err
	}
	defer stateKey.Destroy()

	encrypted, err := m.engine.Encrypt(plaintext, stateKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	newVersion, err := m.store.SaveKeyState(encrypted, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}

	m.mu.Lock()
	m.stateVersion = newVersion
	m.mu.Unlock()

	m.logAudit("state_saved", true, map[string]interface{}{
		"purposes": len(state.Purposes),
	})
	return nil
}

// LoadState restores key lineages from the store, re-deriving every
// non-destroyed key's material from the seed.
func (m *KeyRotationManager) LoadState() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.store == nil {
		return fmt.Errorf("no store configured")
	}

	exists, err := m.store.KeyStateExists()
	if err != nil {
		return fmt.Errorf("failed to check state: %w", err)
	}
	if !exists {
		return nil
	}

	versioned, err := m.store.LoadKeyState()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	stateKey, err := m.engine.DeriveKey(stateKeyPath)
	if err != nil {
		return err
	}
	defer stateKey.Destroy()

	plaintext, err := m.engine.Decrypt(versioned.Data, stateKey)
	if err != nil {
		return fmt.Errorf("failed to decrypt state: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	var state managerState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return fmt.Errorf("failed to parse state: %w", err)
	}

	keys := make(map[Purpose][]*VersionedKey, len(state.Purposes))
	for purpose, records := range state.Purposes {
		lineage := make([]*VersionedKey, 0, len(records))
		for _, record := range records {
			key := &VersionedKey{
				ID:                          record.ID,
				Version:                     record.Version,
				Purpose:                     record.Purpose,
				Status:                      record.Status,
				CreatedAt:                   record.CreatedAt,
				UsageCount:                  record.UsageCount,
				LastUsedAt:                  record.LastUsedAt,
				MigrationProgress:           record.MigrationProgress,
				PredecessorVersion:          record.PredecessorVersion,
				SupportedDecryptionVersions: record.SupportedDecryptionVersions,
				Retention:                   record.Retention,
			}
			if record.Destroyed {
				key.handle = destroyedHandle{}
			} else {
				handle, err := m.engine.DeriveKey(derivationPath(purpose, record.Version))
				if err != nil {
					return fmt.Errorf("failed to re-derive key %s/%s: %w", purpose, record.Version, err)
				}
				key.handle = handle
			}
			lineage = append(lineage, key)
		}
		keys[purpose] = lineage
	}

	m.keys = keys
	m.stateVersion = versioned.Version
	return nil
}

// Close releases all key material and shuts down the store and audit
// sink. The manager cannot be used afterwards.
func (m *KeyRotationManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for _, lineage := range m.keys {
		for _, key := range lineage {
			key.Destroy()
		}
	}

	var firstErr error
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			firstErr = err
		}
	}
	if m.auditLog != nil {
		if err := m.auditLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.options.EnableMemoryLock {
		_ = mem.Unlock()
	}
	return firstErr
}

// transition moves a key to a new status through its transition table
// and records the change in the audit trail. Every status change the
// manager performs funnels through here, so each transition leaves
// exactly one trail entry.
func (m *KeyRotationManager) transition(key *VersionedKey, status KeyStatus) error {
	from := key.Status
	if err := key.TransitionTo(status); err != nil {
		return err
	}
	if from != status {
		m.trail.RecordStatusChange(key.ID, key.Purpose, from, status)
	}
	return nil
}

func (m *KeyRotationManager) deriveVersionedKey(purpose Purpose, version KeyVersion) (*VersionedKey, error) {
	handle, err := m.engine.DeriveKey(derivationPath(purpose, version))
	if err != nil {
		return nil, fmt.Errorf("failed to derive key for %s/%s: %w", purpose, version, err)
	}
	return NewVersionedKey(handle, version, purpose), nil
}

// pruneLineage trims a purpose to its MaxLegacyVersions most recent
// keys in total, head included, destroying the material of anything
// older.
func (m *KeyRotationManager) pruneLineage(purpose Purpose) {
	lineage := m.keys[purpose]
	if len(lineage) == 0 {
		return
	}

	limit := lineage[0].Retention.MaxLegacyVersions
	if limit < 1 {
		limit = 1
	}
	if len(lineage) <= limit {
		return
	}

	for _, key := range lineage[limit:] {
		key.Destroy()
		m.trail.RecordMigrationEvent(key.ID, purpose, "legacy_key_pruned", map[string]interface{}{
			"version": key.Version.String(),
		})
	}
	m.keys[purpose] = lineage[:limit]
}

func (m *KeyRotationManager) logAudit(action string, success bool, metadata map[string]interface{}) {
	if m.auditLog == nil {
		return
	}
	_ = m.auditLog.Log(action, success, metadata)
}

func derivationPath(purpose Purpose, version KeyVersion) string {
	return fmt.Sprintf("%s/%s", purpose, version)
}

// destroyedHandle stands in for key material that was zeroized before
// the state was saved.
type destroyedHandle struct{}

func (destroyedHandle) Open() (*memguard.LockedBuffer, error) { return nil, ErrKeyDestroyed }
func (destroyedHandle) Destroy()                              {}
func (destroyedHandle) Destroyed() bool                       { return true }
