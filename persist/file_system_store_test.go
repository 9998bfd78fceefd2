package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	baseDir := os.Getenv("FS_BASE_DIR")
	if baseDir == "" {
		baseDir = t.TempDir()
	}

	testDir := filepath.Join(baseDir, "test-run")
	if err := os.RemoveAll(testDir); err != nil {
		t.Logf("Warning: Failed to clean test directory: %v", err)
	}

	t.Logf("Configuring FileSystemStore with baseDir: %s", testDir)

	store, err := NewFileSystemStore(testDir, testTenant)
	if err != nil {
		t.Fatalf("Failed to create FileSystemStore: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(testDir); err != nil {
			t.Logf("Warning: Failed to cleanup filesystem store: %v", err)
		}
	}()

	testStoreImplementation(t, store)
}

func TestFileSystemStoreLayout(t *testing.T) {
	baseDir := t.TempDir()

	store, err := NewFileSystemStore(baseDir, testTenant)
	require.NoError(t, err)

	// The tenant directory, checkpoints directory and descriptor exist
	tenantPath := filepath.Join(baseDir, testTenant)
	for _, path := range []string{tenantPath, filepath.Join(tenantPath, "checkpoints")} {
		info, err := os.Stat(path)
		require.NoError(t, err, "Expected directory %s", path)
		assert.True(t, info.IsDir())
	}
	_, err = os.Stat(filepath.Join(tenantPath, "rotor.json"))
	assert.NoError(t, err, "Store descriptor should be created")

	// Saved files carry restrictive permissions
	_, err = store.SaveKeyState([]byte("state"), "")
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(tenantPath, "keys.meta"))
	require.NoError(t, err)
	assert.Equal(t, FilePermissions, info.Mode().Perm(), "Key state should be 0600")
}

func TestFileSystemStoreRejectsBadTenants(t *testing.T) {
	baseDir := t.TempDir()

	for _, tenant := range []string{"../escape", "a/b", "has space"} {
		_, err := NewFileSystemStore(baseDir, tenant)
		assert.Error(t, err, "Tenant %q should be rejected", tenant)
	}

	// Empty tenant falls back to "default"
	store, err := NewFileSystemStore(baseDir, "")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(baseDir, "default"))
	assert.NoError(t, err)
	assert.NoError(t, store.Close())
}

func TestFileSystemStoreCheckpointIDValidation(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), testTenant)
	require.NoError(t, err)

	for _, id := range []string{"../../etc/passwd", "a/b", "a\\b"} {
		assert.Error(t, store.SaveCheckpoint(id, []byte("x")), "ID %q should be rejected", id)
		_, err := store.LoadCheckpoint(id)
		assert.Error(t, err, "ID %q should be rejected on load", id)
		assert.Error(t, store.DeleteCheckpoint(id), "ID %q should be rejected on delete", id)
	}
}

func TestFileSystemStoreTenantsAreIsolated(t *testing.T) {
	baseDir := t.TempDir()

	storeA, err := NewFileSystemStore(baseDir, "tenant-a")
	require.NoError(t, err)
	storeB, err := NewFileSystemStore(baseDir, "tenant-b")
	require.NoError(t, err)

	_, err = storeA.SaveKeyState([]byte("a-state"), "")
	require.NoError(t, err)

	exists, err := storeB.KeyStateExists()
	require.NoError(t, err)
	assert.False(t, exists, "Tenant B should not see tenant A's state")
}
