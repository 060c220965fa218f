package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileLogger appends audit events as JSON lines to a single file and keeps a
// bounded in-memory cache of recent events for fast queries.
type FileLogger struct {
	basePath   string
	vaultID    string
	file       *os.File
	mu         sync.RWMutex
	config     *Config
	eventCache []Event
	cacheSize  int
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size,omitempty"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups,omitempty"` // Max rotated files kept
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	if fileOpts.MaxSize == 0 {
		fileOpts.MaxSize = 100 // 100MB default
	}
	if fileOpts.MaxBackups == 0 {
		fileOpts.MaxBackups = 5
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		basePath:   filepath.Dir(fileOpts.FilePath),
		vaultID:    config.VaultID,
		file:       file,
		config:     config,
		fileOpts:   fileOpts,
		eventCache: make([]Event, 0),
		cacheSize:  1000,
	}, nil
}

func (f *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		VaultID:   f.vaultID,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}
	liftEventFields(&event)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return fmt.Errorf("audit logger is closed")
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if _, err = f.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	f.eventCache = append(f.eventCache, event)
	if len(f.eventCache) > f.cacheSize {
		f.eventCache = f.eventCache[len(f.eventCache)-f.cacheSize:]
	}

	return f.rotateIfNeeded()
}

// liftEventFields promotes well-known metadata keys to typed event fields so
// queries can filter on them without parsing metadata.
func liftEventFields(e *Event) {
	if e.Metadata == nil {
		return
	}
	if v, ok := e.Metadata["request_id"].(string); ok {
		e.RequestID = v
	}
	if v, ok := e.Metadata["record_id"].(string); ok {
		e.RecordID = v
	}
	if v, ok := e.Metadata["chain_id"].(string); ok {
		e.ChainID = v
	}
	if v, ok := e.Metadata["transaction_id"].(uint64); ok {
		e.TransactionID = v
	}
	if v, ok := e.Metadata["user_id"].(string); ok {
		e.UserID = v
	}
	if v, ok := e.Metadata["duration_ms"].(int64); ok {
		e.Duration = v
	}
	if v, ok := e.Metadata["error"].(string); ok {
		e.Error = v
	}
}

// Query filters the persisted log. The full file is scanned so results are
// complete even past the cache horizon.
func (f *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	events, err := f.readAll()
	if err != nil {
		return QueryResult{}, err
	}

	var filtered []Event
	for _, e := range events {
		if matches(e, options) {
			filtered = append(filtered, e)
		}
	}

	page, hasMore := paginate(filtered, options)
	return QueryResult{
		Events:     page,
		TotalCount: len(events),
		Filtered:   len(filtered),
		HasMore:    hasMore,
	}, nil
}

func (f *FileLogger) readAll() ([]Event, error) {
	file, err := os.Open(f.fileOpts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log for query: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Event
		if err = json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// Skip lines corrupted by partial writes; the rest of the log
			// remains queryable.
			continue
		}
		events = append(events, e)
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}
	return events, nil
}

// rotateIfNeeded renames the active file once it exceeds MaxSize and prunes
// the oldest rotated files beyond MaxBackups. Callers must hold f.mu.
func (f *FileLogger) rotateIfNeeded() error {
	info, err := f.file.Stat()
	if err != nil {
		return nil
	}
	if info.Size() < int64(f.fileOpts.MaxSize)*1024*1024 {
		return nil
	}

	if err = f.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	rotated := fmt.Sprintf("%s.%s", f.fileOpts.FilePath, time.Now().UTC().Format("20060102T150405"))
	if err = os.Rename(f.fileOpts.FilePath, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	f.file, err = os.OpenFile(f.fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log: %w", err)
	}

	f.pruneBackups()
	return nil
}

func (f *FileLogger) pruneBackups() {
	pattern := f.fileOpts.FilePath + ".*"
	backups, err := filepath.Glob(pattern)
	if err != nil || len(backups) <= f.fileOpts.MaxBackups {
		return
	}
	// Glob results are sorted; timestamped suffixes sort oldest first.
	for _, old := range backups[:len(backups)-f.fileOpts.MaxBackups] {
		_ = os.Remove(old)
	}
}

func (f *FileLogger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
