package rotor

import (
	"fmt"

	"southwinds.dev/rotor/audit"
	"southwinds.dev/rotor/internal/misc"
	"southwinds.dev/rotor/persist"
)

// Options configures a KeyRotationManager
type Options struct {
	// TenantID namespaces persisted state and audit records
	TenantID string `json:"tenant_id"`

	// DerivationSeed is the root secret all key material derives from.
	// The slice is wiped once the manager takes ownership.
	DerivationSeed []byte `json:"-"`

	// EnableMemoryLock attempts to lock process memory against swapping
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// MigrationBatchSize overrides the default re-encryption batch size
	MigrationBatchSize int `json:"migration_batch_size"`

	// MaxDevices caps the device registry; 0 selects the default
	MaxDevices int `json:"max_devices"`

	// Store selects durable storage; nil keeps everything in memory
	Store *persist.StoreConfig `json:"store,omitempty"`

	// Audit selects the audit sink; nil disables audit logging
	Audit *audit.Config `json:"audit,omitempty"`
}

// Validate checks the options for internal consistency
func (o *Options) Validate() error {
	if len(o.DerivationSeed) < 16 {
		return fmt.Errorf("derivation seed must be at least 16 bytes")
	}
	if o.MigrationBatchSize < 0 {
		return fmt.Errorf("migration batch size cannot be negative")
	}
	if o.MaxDevices < 0 {
		return fmt.Errorf("max devices cannot be negative")
	}
	if o.Store != nil && o.TenantID == "" {
		return fmt.Errorf("tenant ID is required when a store is configured")
	}
	return nil
}

// DefaultOptions returns in-memory options with the given seed
func DefaultOptions(seed []byte) Options {
	return Options{
		DerivationSeed:     seed,
		EnableMemoryLock:   true,
		MigrationBatchSize: misc.DefaultMigrationBatchSize,
	}
}
