package persist

import (
	"errors"
	"fmt"
	"time"
)

type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
)

// StoreConfig carries backend selection and backend-specific settings
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// VersionedData wraps stored bytes with an opaque version used for
// optimistic concurrency control.
type VersionedData struct {
	Data      []byte
	Version   string
	Timestamp time.Time
}

// ConcurrencyError is returned when an expected version does not match
// the stored version.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification detected in %s: expected version %q, found %q",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

// IsConcurrencyError reports whether err is a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}

// Store persists the rotation engine's durable artifacts: the encrypted
// key state blob, migration checkpoints and the device registry. Key state
// and registry writes use optimistic concurrency; pass the version returned
// by the previous save, or "" to overwrite unconditionally.
type Store interface {
	// Key state (encrypted metadata for all purposes)
	SaveKeyState(encrypted []byte, expectedVersion string) (string, error)
	LoadKeyState() (*VersionedData, error)
	KeyStateExists() (bool, error)

	// Migration checkpoints, keyed by migration ID
	SaveCheckpoint(migrationID string, data []byte) error
	LoadCheckpoint(migrationID string) ([]byte, error)
	ListCheckpoints() ([]string, error)
	DeleteCheckpoint(migrationID string) error

	// Device registry
	SaveDeviceRegistry(data []byte, expectedVersion string) (string, error)
	LoadDeviceRegistry() (*VersionedData, error)
	DeviceRegistryExists() (bool, error)

	// Health and lifecycle
	Ping() error
	Close() error
	GetType() string
}
