package rotor

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/rotor/internal/crypto"
	"southwinds.dev/rotor/internal/misc"
	"southwinds.dev/rotor/persist"
)

const (
	minMigrationBatchSize = 10
	maxMigrationBatchSize = 1000
)

// MigrationCheckpoint records durable progress of a batch re-encryption
// so an interrupted migration resumes where it stopped.
type MigrationCheckpoint struct {
	MigrationID      string     `json:"migration_id"`
	Purpose          Purpose    `json:"purpose"`
	FromVersion      KeyVersion `json:"from_version"`
	ToVersion        KeyVersion `json:"to_version"`
	TotalRecords     int        `json:"total_records"`
	BatchSize        int        `json:"batch_size"`
	TotalBatches     int        `json:"total_batches"`
	CurrentBatch     int        `json:"current_batch"`
	ProcessedRecords int        `json:"processed_records"`
	FailedRecords    int        `json:"failed_records"`
	StartedAt        time.Time  `json:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	IntegrityHash    string     `json:"integrity_hash"`
}

// CompletionRate is the fraction of batches processed so far
func (c *MigrationCheckpoint) CompletionRate() float64 {
	if c.TotalBatches == 0 {
		return 1.0
	}
	return float64(c.CurrentBatch) / float64(c.TotalBatches)
}

// FailureRate is the fraction of processed records that failed
func (c *MigrationCheckpoint) FailureRate() float64 {
	total := c.ProcessedRecords + c.FailedRecords
	if total == 0 {
		return 0
	}
	return float64(c.FailedRecords) / float64(total)
}

// EstimatedRemaining extrapolates time to completion from elapsed time
// and completion rate. Returns 0 before any progress exists.
func (c *MigrationCheckpoint) EstimatedRemaining(now time.Time) time.Duration {
	rate := c.CompletionRate()
	if rate <= 0 || rate >= 1 {
		return 0
	}
	elapsed := now.Sub(c.StartedAt)
	return time.Duration(float64(elapsed) * (1 - rate) / rate)
}

// IsComplete reports whether all batches have been processed
func (c *MigrationCheckpoint) IsComplete() bool {
	return c.CurrentBatch >= c.TotalBatches
}

func (c *MigrationCheckpoint) computeIntegrityHash() string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d|%d|%d",
		c.MigrationID, c.Purpose, c.FromVersion, c.ToVersion,
		c.TotalRecords, c.CurrentBatch, c.ProcessedRecords,
		c.FailedRecords, c.TotalBatches)
	return hex.EncodeToString(crypto.HashParts([]byte(payload)))
}

// MigrationCoordinator runs checkpointed migrations, at most one in
// flight per purpose. Checkpoints are persisted through the store when
// one is configured.
type MigrationCoordinator struct {
	mu          sync.Mutex
	checkpoints map[string]*MigrationCheckpoint
	byPurpose   map[Purpose]string
	store       persist.Store
}

// NewMigrationCoordinator creates a coordinator; store may be nil for
// in-memory operation.
func NewMigrationCoordinator(store persist.Store) *MigrationCoordinator {
	return &MigrationCoordinator{
		checkpoints: make(map[string]*MigrationCheckpoint),
		byPurpose:   make(map[Purpose]string),
		store:       store,
	}
}

// ValidateMigrationReadiness checks that data can migrate from the source
// to the target key: the source must be Active, the target Active or
// Migrating with live material, strictly newer and backward-compatible
// with the source version.
func ValidateMigrationReadiness(from, to *VersionedKey, now time.Time) error {
	if from == nil || to == nil {
		return fmt.Errorf("migration requires both source and target keys")
	}
	if from.Status != KeyStatusActive {
		return fmt.Errorf("source key %s is %s, migration requires an active source", from.Version, from.Status)
	}
	if to.Status != KeyStatusActive && to.Status != KeyStatusMigrating {
		return fmt.Errorf("target key %s is %s, migration requires an active or migrating target", to.Version, to.Status)
	}
	if to.Version.Compare(from.Version) <= 0 {
		return fmt.Errorf("target %s must be newer than source %s", to.Version, from.Version)
	}
	if to.handle == nil || to.handle.Destroyed() {
		return fmt.Errorf("target key material is not available")
	}
	if to.Version.IsExpired(now) {
		return fmt.Errorf("target key version %s is expired", to.Version)
	}
	if !to.SupportsBackwardCompatibilityTo(from.Version) {
		return fmt.Errorf("target %s is not backward compatible with source %s", to.Version, from.Version)
	}
	return nil
}

// ValidateRollbackSafety checks that a migrating key can be rolled back
// to the given version: the migration must be incomplete, the key must
// be able to decrypt data from the rollback version, and the rollback
// target must not be expired.
func ValidateRollbackSafety(key *VersionedKey, rollbackTo KeyVersion, now time.Time) error {
	if key == nil {
		return ErrKeyNotFound
	}
	if key.MigrationProgress >= 1.0 {
		return fmt.Errorf("%w: migration already complete", ErrRollbackUnsafe)
	}
	if !key.CanDecryptDataFromVersion(rollbackTo) {
		return fmt.Errorf("%w: key %s cannot decrypt data from %s", ErrRollbackUnsafe, key.Version, rollbackTo)
	}
	if rollbackTo.IsExpired(now) {
		return fmt.Errorf("%w: rollback target %s is expired", ErrRollbackUnsafe, rollbackTo)
	}
	return nil
}

// OptimalBatchSize picks a batch size for the given workload, bounded to
// [minMigrationBatchSize, maxMigrationBatchSize].
func OptimalBatchSize(totalRecords int, avgRecordBytes int) int {
	if totalRecords <= 0 {
		return minMigrationBatchSize
	}

	size := misc.DefaultMigrationBatchSize
	if avgRecordBytes > 0 {
		// Aim for roughly 1MB of payload per batch
		size = (1 << 20) / avgRecordBytes
	}

	if size < minMigrationBatchSize {
		size = minMigrationBatchSize
	}
	if size > maxMigrationBatchSize {
		size = maxMigrationBatchSize
	}
	if size > totalRecords {
		size = totalRecords
	}
	return size
}

// StartMigration validates readiness and opens a checkpoint for the
// purpose. Only one migration may run per purpose at a time.
func (mc *MigrationCoordinator) StartMigration(from, to *VersionedKey, totalRecords, batchSize int) (*MigrationCheckpoint, error) {
	now := time.Now().UTC()

	if err := ValidateMigrationReadiness(from, to, now); err != nil {
		return nil, err
	}
	if totalRecords < 0 {
		return nil, fmt.Errorf("total records cannot be negative")
	}
	if batchSize <= 0 {
		batchSize = misc.DefaultMigrationBatchSize
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, inFlight := mc.byPurpose[from.Purpose]; inFlight {
		return nil, fmt.Errorf("%w for purpose %s", ErrMigrationInProgress, from.Purpose)
	}

	checkpoint := &MigrationCheckpoint{
		MigrationID:  uuid.NewString(),
		Purpose:      from.Purpose,
		FromVersion:  from.Version,
		ToVersion:    to.Version,
		TotalRecords: totalRecords,
		BatchSize:    batchSize,
		TotalBatches: int(math.Ceil(float64(totalRecords) / float64(batchSize))),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	checkpoint.IntegrityHash = checkpoint.computeIntegrityHash()

	mc.checkpoints[checkpoint.MigrationID] = checkpoint
	mc.byPurpose[checkpoint.Purpose] = checkpoint.MigrationID

	if err := mc.persistCheckpoint(checkpoint); err != nil {
		delete(mc.checkpoints, checkpoint.MigrationID)
		delete(mc.byPurpose, checkpoint.Purpose)
		return nil, err
	}

	return snapshotCheckpoint(checkpoint), nil
}

// ProcessNextBatch records the outcome of one batch: processed and failed
// record counts are accumulated and the checkpoint re-hashed.
func (mc *MigrationCoordinator) ProcessNextBatch(migrationID string, processed, failed int) (*MigrationCheckpoint, error) {
	if processed < 0 || failed < 0 {
		return nil, fmt.Errorf("batch counts cannot be negative")
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	checkpoint, ok := mc.checkpoints[migrationID]
	if !ok {
		return nil, fmt.Errorf("migration %s not found", migrationID)
	}
	if checkpoint.IsComplete() {
		return nil, fmt.Errorf("migration %s already processed all batches", migrationID)
	}

	checkpoint.CurrentBatch++
	checkpoint.ProcessedRecords += processed
	checkpoint.FailedRecords += failed
	checkpoint.UpdatedAt = time.Now().UTC()
	checkpoint.IntegrityHash = checkpoint.computeIntegrityHash()

	if err := mc.persistCheckpoint(checkpoint); err != nil {
		return nil, err
	}

	return snapshotCheckpoint(checkpoint), nil
}

// ResumeMigration returns the stored checkpoint unchanged after verifying
// its integrity hash. Falls back to the persisted copy when the
// coordinator has no in-memory state (process restart).
func (mc *MigrationCoordinator) ResumeMigration(migrationID string) (*MigrationCheckpoint, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	checkpoint, ok := mc.checkpoints[migrationID]
	if !ok {
		loaded, err := mc.loadCheckpoint(migrationID)
		if err != nil {
			return nil, err
		}
		checkpoint = loaded
		mc.checkpoints[migrationID] = checkpoint
		if !checkpoint.IsComplete() {
			mc.byPurpose[checkpoint.Purpose] = checkpoint.MigrationID
		}
	}

	if checkpoint.IntegrityHash != checkpoint.computeIntegrityHash() {
		return nil, fmt.Errorf("%w: migration %s", ErrCheckpointCorrupt, migrationID)
	}

	return snapshotCheckpoint(checkpoint), nil
}

// ActiveMigration returns the in-flight migration ID for a purpose
func (mc *MigrationCoordinator) ActiveMigration(purpose Purpose) (string, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	id, ok := mc.byPurpose[purpose]
	return id, ok
}

// CompleteMigration closes a finished migration and removes its checkpoint
func (mc *MigrationCoordinator) CompleteMigration(migrationID string) error {
	return mc.closeMigration(migrationID, true)
}

// AbortMigration cancels an in-flight migration and removes its checkpoint
func (mc *MigrationCoordinator) AbortMigration(migrationID string) error {
	return mc.closeMigration(migrationID, false)
}

func (mc *MigrationCoordinator) closeMigration(migrationID string, requireComplete bool) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	checkpoint, ok := mc.checkpoints[migrationID]
	if !ok {
		return fmt.Errorf("migration %s not found", migrationID)
	}
	if requireComplete && !checkpoint.IsComplete() {
		return fmt.Errorf("migration %s has unprocessed batches", migrationID)
	}

	delete(mc.checkpoints, migrationID)
	if mc.byPurpose[checkpoint.Purpose] == migrationID {
		delete(mc.byPurpose, checkpoint.Purpose)
	}

	if mc.store != nil {
		// Best-effort; a stale checkpoint is harmless after completion
		_ = mc.store.DeleteCheckpoint(migrationID)
	}
	return nil
}

func (mc *MigrationCoordinator) persistCheckpoint(checkpoint *MigrationCheckpoint) error {
	if mc.store == nil {
		return nil
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	if err = mc.store.SaveCheckpoint(checkpoint.MigrationID, data); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

func (mc *MigrationCoordinator) loadCheckpoint(migrationID string) (*MigrationCheckpoint, error) {
	if mc.store == nil {
		return nil, fmt.Errorf("migration %s not found", migrationID)
	}

	data, err := mc.store.LoadCheckpoint(migrationID)
	if err != nil {
		return nil, fmt.Errorf("migration %s not found: %w", migrationID, err)
	}

	var checkpoint MigrationCheckpoint
	if err = json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", migrationID, err)
	}
	return &checkpoint, nil
}

func snapshotCheckpoint(c *MigrationCheckpoint) *MigrationCheckpoint {
	out := *c
	return &out
}
