package misc

const (
	// ArgonTime key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// KeySize is the byte length of every generated rotation key
	KeySize = 32

	// DefaultMigrationBatchSize is the record count per re-encryption batch
	DefaultMigrationBatchSize = 100

	// MaxTrackedSecurityEvents caps the scheduler's security event history
	MaxTrackedSecurityEvents = 100

	FilePermissions = 0600 // user read + write
)
