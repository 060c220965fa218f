package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	logFileName = "chain.log"
)

var vaultNameRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

// FileSystemStore implements Store on the local filesystem with optimistic
// concurrency control. Each vault gets its own directory under basePath:
//
//	basePath/
//	└── <vaultName>/
//	    └── chain.log   # serialized transaction log
type FileSystemStore struct {
	basePath  string
	vaultName string
	vaultPath string // basePath/vaultName/
	logPath   string // basePath/vaultName/chain.log
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, vaultName string) (*FileSystemStore, error) {
	if vaultName == "" {
		vaultName = "default"
	}
	if err := validateVaultName(vaultName); err != nil {
		return nil, fmt.Errorf("invalid vault name: %w", err)
	}

	vaultPath := filepath.Join(basePath, vaultName)
	fs := &FileSystemStore{
		basePath:  basePath,
		vaultName: vaultName,
		vaultPath: vaultPath,
		logPath:   filepath.Join(vaultPath, logFileName),
	}

	if err := os.MkdirAll(fs.vaultPath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", fs.vaultPath, err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, vaultName string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}
	return NewFileSystemStore(basePath, vaultName)
}

// SaveLog persists the serialized log with optimistic concurrency control.
func (fs *FileSystemStore) SaveLog(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("log data cannot be nil")
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.logPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveLog",
			}
		}
	}

	if err := os.MkdirAll(fs.vaultPath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create vault directory: %w", err)
	}
	if err := writeSecureFile(fs.logPath, data, FilePermissions); err != nil {
		return "", err
	}

	return calculateVersion(data), nil
}

// LoadLog returns the versioned serialized log.
func (fs *FileSystemStore) LoadLog() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	data, err := os.ReadFile(fs.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load log file: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) LogExists() (bool, error) {
	return fileExists(fs.logPath)
}

func (fs *FileSystemStore) Ping() error {
	if _, err := os.Stat(fs.basePath); err != nil {
		return fmt.Errorf("base path not accessible: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateVersion(data), nil
}

func calculateVersion(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func validateVaultName(name string) error {
	if len(name) == 0 || len(name) > 64 {
		return fmt.Errorf("vault name must be 1-64 characters")
	}
	if !vaultNameRegex.MatchString(name) {
		return fmt.Errorf("vault name '%s' contains invalid characters (allowed: a-z, A-Z, 0-9, -, _)", name)
	}
	return nil
}

// writeSecureFile writes atomically via a temp file so a crash mid-write
// never leaves a truncated log behind.
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
