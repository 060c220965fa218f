// Package persist provides storage backends for the vault's exported
// transaction log. Everything handed to a Store is already ciphertext or
// non-secret metadata; no backend applies additional encryption.
package persist

import (
	"errors"
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // content hash used for optimistic concurrency
	Timestamp time.Time
}

// Store defines the interface for persisting a vault's serialized
// transaction log. Saves use optimistic concurrency: a caller that read
// version V passes it back as expectedVersion, and the save fails with
// ConcurrencyError when the stored log moved past V in the meantime. An
// empty expectedVersion skips the check.
type Store interface {

	// SaveLog persists the serialized log and returns the new version.
	SaveLog(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadLog retrieves the serialized log.
	// Returns an error satisfying os.IsNotExist semantics of the backend
	// when no log has been saved yet.
	LoadLog() (*VersionedData, error)

	// LogExists checks whether a serialized log is present.
	LogExists() (bool, error)

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains backend-specific settings, e.g. "base_path" for the
	// filesystem store or "bucket" and credentials for S3.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem stores the log as a file under a base directory.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores the log as an object in an S3-compatible bucket.
	StoreTypeS3 StoreType = "s3"

	// StoreTypeBadger stores the log in an embedded Badger key-value store.
	StoreTypeBadger StoreType = "badger"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err is (or wraps) a version conflict.
func IsConcurrencyError(err error) bool {
	var concErr ConcurrencyError
	return errors.As(err, &concErr)
}
