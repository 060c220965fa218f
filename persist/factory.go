package persist

import "fmt"

// NewStore creates the storage backend named by config.Type, scoped to the
// given vault name.
func NewStore(config StoreConfig, vaultName string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config, vaultName)
	case StoreTypeS3:
		return NewS3StoreFromConfig(config, vaultName)
	case StoreTypeBadger:
		return NewBadgerStoreFromConfig(config, vaultName)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
