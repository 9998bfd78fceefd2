package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerFactory(t *testing.T) {
	t.Run("NilConfigYieldsNoOp", func(t *testing.T) {
		logger, err := NewLogger(nil)
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("DisabledConfigYieldsNoOp", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false, Type: TypeSQLite})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("EmptyTypeYieldsNoOp", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: true})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "smoke-signals"})
		assert.Error(t, err)
	})

	t.Run("FileLoggerRequiresPath", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: TypeFile})
		assert.Error(t, err, "File logger without file_path should fail")
	})

	t.Run("SQLiteLoggerRequiresPath", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: TypeSQLite})
		assert.Error(t, err, "SQLite logger without database_path should fail")
	})
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()

	assert.NoError(t, logger.Log("key_rotation", true, map[string]interface{}{"key_id": "k1"}))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Events, "NoOp logger should retain nothing")
	assert.NoError(t, logger.Close())
}

func TestBuildEventLiftsMetadata(t *testing.T) {
	event := buildEvent("tenant1", "key_rotation", true, map[string]interface{}{
		"request_id": "req-1",
		"key_id":     "key-1",
		"purpose":    "data_encryption",
		"device_id":  "laptop-1",
		"error":      "partial failure",
		"extra":      42,
	})

	assert.Equal(t, "tenant1", event.TenantID)
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, "key-1", event.KeyID)
	assert.Equal(t, "data_encryption", event.Purpose)
	assert.Equal(t, "laptop-1", event.DeviceID)
	assert.Equal(t, "partial failure", event.Error)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, 42, event.Metadata["extra"])
}
