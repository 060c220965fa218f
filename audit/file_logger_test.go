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
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		VaultID: "test-vault",
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func TestNewFileLoggerRequiresFilePath(t *testing.T) {
	_, err := NewFileLogger(&Config{Enabled: true, Type: FileAuditType})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_path")
}

func TestNewFileLoggerDefaults(t *testing.T) {
	logger, _ := newTestFileLogger(t)
	assert.Equal(t, 100, logger.fileOpts.MaxSize)
	assert.Equal(t, 5, logger.fileOpts.MaxBackups)
}

func TestNewFileLoggerBadOptions(t *testing.T) {
	_, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": "/tmp/a.log", "max_size": "not-a-number"},
	})
	assert.Error(t, err)
}

func TestFileLoggerLogWritesJSONLines(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log("record_write", true, map[string]interface{}{
		"request_id":     "req-1",
		"record_id":      "api/token",
		"chain_id":       "chain-1",
		"transaction_id": uint64(7),
		"user_id":        "alice",
		"duration_ms":    int64(12),
	}))
	require.NoError(t, logger.Log("record_read", false, map[string]interface{}{
		"request_id": "req-2",
		"error":      "record not found",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, len(splitLines(data)))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)

	first := result.Events[0]
	assert.Equal(t, "record_write", first.Action)
	assert.True(t, first.Success)
	assert.Equal(t, "test-vault", first.VaultID)
	assert.Equal(t, "req-1", first.RequestID)
	assert.Equal(t, "api/token", first.RecordID)
	assert.Equal(t, "chain-1", first.ChainID)
	assert.Equal(t, uint64(7), first.TransactionID)
	assert.Equal(t, "alice", first.UserID)
	assert.Equal(t, int64(12), first.Duration)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())

	second := result.Events[1]
	assert.False(t, second.Success)
	assert.Equal(t, "record not found", second.Error)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	return lines
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	require.NoError(t, logger.Log("record_write", true, map[string]interface{}{"record_id": "a"}))
	require.NoError(t, logger.Log("record_write", false, map[string]interface{}{"record_id": "a"}))
	require.NoError(t, logger.Log("record_read", true, map[string]interface{}{"record_id": "b"}))

	byAction, err := logger.Query(QueryOptions{Action: "record_write"})
	require.NoError(t, err)
	assert.Equal(t, 2, byAction.Filtered)
	assert.Equal(t, 3, byAction.TotalCount)

	failures := false
	bySuccess, err := logger.Query(QueryOptions{Success: &failures})
	require.NoError(t, err)
	require.Len(t, bySuccess.Events, 1)
	assert.Equal(t, "record_write", bySuccess.Events[0].Action)

	byRecord, err := logger.Query(QueryOptions{RecordID: "b"})
	require.NoError(t, err)
	require.Len(t, byRecord.Events, 1)
	assert.Equal(t, "record_read", byRecord.Events[0].Action)

	future := time.Now().Add(time.Hour)
	none, err := logger.Query(QueryOptions{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, none.Events)
}

func TestFileLoggerQueryPagination(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log("record_write", true, nil))
	}

	page, err := logger.Query(QueryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 5, page.Filtered)

	last, err := logger.Query(QueryOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, last.Events, 1)
	assert.False(t, last.HasMore)

	past, err := logger.Query(QueryOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past.Events)
	assert.False(t, past.HasMore)
}

func TestFileLoggerQuerySkipsCorruptLines(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log("record_write", true, nil))

	// Simulate a partial write corrupting one line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"truncated\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, logger.Log("record_read", true, nil))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2, "corrupt line skipped, valid lines kept")
}

func TestFileLoggerClosedRejectsLog(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	require.NoError(t, logger.Close())
	assert.Error(t, logger.Log("record_write", true, nil))
	assert.NoError(t, logger.Close(), "close is idempotent")
}

func TestNewLoggerFactory(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	logger, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err = NewLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	assert.IsType(t, &FileLogger{}, logger)
	require.NoError(t, logger.Close())

	_, err = NewLogger(&Config{Enabled: true, Type: ConfigType("carrier-pigeon")})
	assert.Error(t, err)
}

func TestNoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}
	assert.NoError(t, logger.Log("anything", true, nil))
	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.NoError(t, logger.Close())
}
