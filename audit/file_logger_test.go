package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled:  true,
		TenantID: "tenant1",
		Type:     TypeFile,
		Options:  map[string]interface{}{"file_path": logPath},
	})
	require.NoError(t, err)
	return logger, logPath
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	logger, logPath := newTestFileLogger(t)
	defer logger.Close()

	require.NoError(t, logger.Log("key_rotation", true, map[string]interface{}{
		"key_id": "key-1", "purpose": "data_encryption",
	}))
	require.NoError(t, logger.Log("key_rotation", false, map[string]interface{}{
		"key_id": "key-2", "error": "store unavailable",
	}))
	require.NoError(t, logger.Log("device_paired", true, map[string]interface{}{
		"device_id": "laptop-1",
	}))

	// Events land on disk as one JSON document per line
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, countLines(data), "Expected one line per event")

	result, err := logger.Query(QueryOptions{Action: "key_rotation"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalCount)
	assert.Equal(t, 2, result.Filtered)
	require.Len(t, result.Events, 2)

	failed := false
	result, err = logger.Query(QueryOptions{Success: &failed})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "key-2", result.Events[0].KeyID)
	assert.Equal(t, "store unavailable", result.Events[0].Error)

	result, err = logger.Query(QueryOptions{DeviceID: "laptop-1"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "device_paired", result.Events[0].Action)
}

func TestFileLoggerOrderingAndPaging(t *testing.T) {
	logger, _ := newTestFileLogger(t)
	defer logger.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log("usage_tracked", true, nil))
		time.Sleep(2 * time.Millisecond)
	}

	result, err := logger.Query(QueryOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	assert.True(t, result.HasMore)
	assert.True(t, result.Events[0].Timestamp.After(result.Events[1].Timestamp) ||
		result.Events[0].Timestamp.Equal(result.Events[1].Timestamp),
		"Events should come back newest first")

	result, err = logger.Query(QueryOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
	assert.False(t, result.HasMore)
}

func TestFileLoggerTimeWindow(t *testing.T) {
	logger, _ := newTestFileLogger(t)
	defer logger.Close()

	before := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, logger.Log("key_rotation", true, nil))
	after := time.Now().UTC().Add(time.Minute)

	result, err := logger.Query(QueryOptions{Since: &before, Until: &after})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Filtered)

	future := time.Now().UTC().Add(time.Hour)
	result, err = logger.Query(QueryOptions{Since: &future})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Filtered)
}

func TestFileLoggerSurvivesReopen(t *testing.T) {
	logger, logPath := newTestFileLogger(t)

	require.NoError(t, logger.Log("key_rotation", true, nil))
	require.NoError(t, logger.Close())

	// Logging after close reopens the file in append mode
	require.NoError(t, logger.Log("key_rotation", true, nil))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(data), "Both events should be on disk")
}

func countLines(data []byte) int {
	count := 0
	for _, b := range data {
		if b == '\n' {
			count++
		}
	}
	return count
}
