package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerStore implements the Store interface on an embedded Badger key-value
// database. Useful when the vault log should live next to other embedded
// state without managing loose files. The log is kept under a single key per
// vault together with a small metadata record carrying the version.
type BadgerStore struct {
	db        *badger.DB
	vaultName string
	inMemory  bool
	log       *logrus.Logger
}

// BadgerConfig contains the configuration for the embedded Badger backend.
type BadgerConfig struct {
	// Path is the directory Badger stores its data in. Required unless
	// InMemory is set.
	Path string `json:"path"`

	// InMemory runs Badger without touching disk. Intended for tests.
	InMemory bool `json:"in_memory"`

	// SyncWrites forces an fsync on every commit. Slower but the log
	// survives power loss without replaying the value log.
	SyncWrites bool `json:"sync_writes"`
}

type badgerLogRecord struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBadgerStore opens (or creates) the Badger database at config.Path and
// returns a store scoped to the given vault name.
func NewBadgerStore(config BadgerConfig, vaultName string, logger *logrus.Logger) (*BadgerStore, error) {
	if vaultName == "" {
		vaultName = "default"
	}
	if err := validateVaultName(vaultName); err != nil {
		return nil, fmt.Errorf("invalid vault name: %w", err)
	}
	if config.Path == "" && !config.InMemory {
		return nil, fmt.Errorf("path is required for badger store")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.InMemory = config.InMemory
	opts.SyncWrites = config.SyncWrites
	if config.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerStore{
		db:        db,
		vaultName: vaultName,
		inMemory:  config.InMemory,
		log:       logger,
	}, nil
}

// NewBadgerStoreFromConfig creates a BadgerStore from StoreConfig.
func NewBadgerStoreFromConfig(config StoreConfig, vaultName string) (*BadgerStore, error) {
	if config.Type != StoreTypeBadger {
		return nil, fmt.Errorf("invalid store type for badger: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var badgerConfig BadgerConfig
	if err = json.Unmarshal(configBytes, &badgerConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal badger config: %w", err)
	}

	return NewBadgerStore(badgerConfig, vaultName, nil)
}

func (b *BadgerStore) logKey() []byte {
	return []byte("vault/" + b.vaultName + "/chain.log")
}

func (b *BadgerStore) metaKey() []byte {
	return []byte("vault/" + b.vaultName + "/chain.meta")
}

// SaveLog writes the serialized log and its metadata in one transaction, so
// version and data can never drift apart.
func (b *BadgerStore) SaveLog(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("log data cannot be nil")
	}

	newVersion := calculateVersion(data)
	meta := badgerLogRecord{
		Version:   newVersion,
		Timestamp: time.Now().UTC(),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal log metadata: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if expectedVersion != "" {
			currentVersion, err := b.currentVersion(txn)
			if err != nil {
				return fmt.Errorf("failed to check current version: %w", err)
			}
			if currentVersion != expectedVersion {
				return ConcurrencyError{
					ExpectedVersion: expectedVersion,
					ActualVersion:   currentVersion,
					Operation:       "SaveLog",
				}
			}
		}
		if err := txn.Set(b.logKey(), data); err != nil {
			return err
		}
		return txn.Set(b.metaKey(), metaBytes)
	})
	if err != nil {
		var concErr ConcurrencyError
		if errors.As(err, &concErr) {
			return "", concErr
		}
		return "", fmt.Errorf("failed to save log: %w", err)
	}

	return newVersion, nil
}

// LoadLog retrieves the serialized log and its stored version.
func (b *BadgerStore) LoadLog() (*VersionedData, error) {
	var result VersionedData

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.logKey())
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return os.ErrNotExist
			}
			return err
		}
		result.Data, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}

		metaItem, err := txn.Get(b.metaKey())
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Log without metadata; recompute the version from content.
				result.Version = calculateVersion(result.Data)
				return nil
			}
			return err
		}
		return metaItem.Value(func(val []byte) error {
			var meta badgerLogRecord
			if err := json.Unmarshal(val, &meta); err != nil {
				return fmt.Errorf("corrupt log metadata: %w", err)
			}
			result.Version = meta.Version
			result.Timestamp = meta.Timestamp
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to load log: %w", err)
	}

	return &result, nil
}

func (b *BadgerStore) LogExists() (bool, error) {
	exists := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(b.logKey())
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check log existence: %w", err)
	}
	return exists, nil
}

func (b *BadgerStore) Ping() error {
	if b.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

func (b *BadgerStore) Close() error {
	if !b.inMemory {
		if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			b.log.WithError(err).Warn("badger value log GC failed on close")
		}
	}
	return b.db.Close()
}

func (b *BadgerStore) GetType() string {
	return string(StoreTypeBadger)
}

func (b *BadgerStore) currentVersion(txn *badger.Txn) (string, error) {
	item, err := txn.Get(b.logKey())
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", nil // Log doesn't exist, version is empty
		}
		return "", err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return calculateVersion(data), nil
}
