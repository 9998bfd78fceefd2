package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// FileSystemStore implements Store on the local filesystem with
// multitenancy and optimistic concurrency control.
type FileSystemStore struct {
	basePath       string
	tenantID       string
	tenantPath     string // basePath/tenantID/
	checkpointsDir string // basePath/tenantID/checkpoints/
	storeConfig    string // basePath/tenantID/rotor.json
	keyState       string // basePath/tenantID/keys.meta    - encrypted key state
	deviceRegistry string // basePath/tenantID/devices.meta - device registry
}

// storeDescriptor records store-level metadata alongside the data files
type storeDescriptor struct {
	Version    string    `json:"version"`
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new FileSystemStore
func NewFileSystemStore(basePath string, tenantID string) (*FileSystemStore, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	tenantPath := filepath.Join(basePath, tenantID)

	fs := &FileSystemStore{
		basePath:       basePath,
		tenantID:       tenantID,
		tenantPath:     tenantPath,
		checkpointsDir: filepath.Join(tenantPath, "checkpoints"),
		storeConfig:    filepath.Join(tenantPath, "rotor.json"),
		keyState:       filepath.Join(tenantPath, "keys.meta"),
		deviceRegistry: filepath.Join(tenantPath, "devices.meta"),
	}

	for _, dir := range []string{fs.tenantPath, fs.checkpointsDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeDescriptor(); err != nil {
		return nil, fmt.Errorf("failed to initialize store descriptor: %w", err)
	}

	return fs, nil
}

func (fs *FileSystemStore) initializeDescriptor() error {
	if _, err := os.Stat(fs.storeConfig); os.IsNotExist(err) {
		desc := storeDescriptor{
			Version:    "1.0.0",
			TenantID:   fs.tenantID,
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.storeConfig, data, FilePermissions)
	}
	return nil
}

// SaveKeyState with optimistic concurrency control
func (fs *FileSystemStore) SaveKeyState(encrypted []byte, expectedVersion string) (string, error) {
	if encrypted == nil {
		return "", fmt.Errorf("key state cannot be nil")
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.keyState)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveKeyState",
			}
		}
	}

	if err := os.MkdirAll(fs.tenantPath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create tenant directory: %w", err)
	}

	if err := writeSecureFile(fs.keyState, encrypted, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(encrypted), nil
}

// LoadKeyState returns the versioned key state blob
func (fs *FileSystemStore) LoadKeyState() (*VersionedData, error) {
	return fs.loadVersionedFile(fs.keyState, "key state")
}

func (fs *FileSystemStore) KeyStateExists() (bool, error) {
	return fileExists(fs.keyState)
}

// SaveCheckpoint stores a migration checkpoint under its migration ID
func (fs *FileSystemStore) SaveCheckpoint(migrationID string, data []byte) error {
	if migrationID == "" {
		return fmt.Errorf("migration ID cannot be empty")
	}
	if err := validateCheckpointID(migrationID); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("checkpoint data cannot be empty")
	}

	path := filepath.Join(fs.checkpointsDir, migrationID+".ckpt")
	return writeSecureFile(path, data, FilePermissions)
}

func (fs *FileSystemStore) LoadCheckpoint(migrationID string) ([]byte, error) {
	if err := validateCheckpointID(migrationID); err != nil {
		return nil, err
	}

	path := filepath.Join(fs.checkpointsDir, migrationID+".ckpt")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %s not found", migrationID)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(fs.checkpointsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoints directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ckpt") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".ckpt"))
	}

	sort.Strings(ids)
	return ids, nil
}

func (fs *FileSystemStore) DeleteCheckpoint(migrationID string) error {
	if err := validateCheckpointID(migrationID); err != nil {
		return err
	}

	path := filepath.Join(fs.checkpointsDir, migrationID+".ckpt")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("checkpoint %s does not exist", migrationID)
		}
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// SaveDeviceRegistry with optimistic concurrency control
func (fs *FileSystemStore) SaveDeviceRegistry(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("device registry data is required")
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.deviceRegistry)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveDeviceRegistry",
			}
		}
	}

	if err := writeSecureFile(fs.deviceRegistry, data, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) LoadDeviceRegistry() (*VersionedData, error) {
	return fs.loadVersionedFile(fs.deviceRegistry, "device registry")
}

func (fs *FileSystemStore) DeviceRegistryExists() (bool, error) {
	return fileExists(fs.deviceRegistry)
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.tenantPath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.storeConfig); err == nil {
		var desc storeDescriptor
		if err := json.Unmarshal(configData, &desc); err == nil {
			desc.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(desc, "", "  "); err == nil {
				_ = writeSecureFile(fs.storeConfig, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

func (fs *FileSystemStore) loadVersionedFile(path, what string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// MD5 of file contents as an opaque version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func validateCheckpointID(id string) error {
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("checkpoint ID contains invalid characters")
	}
	return nil
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
