package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreFileSystem(t *testing.T) {
	store, err := NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": t.TempDir()},
	}, "testvault")
	require.NoError(t, err)
	defer store.Close()

	assert.IsType(t, &FileSystemStore{}, store)
	assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
}

func TestNewStoreBadger(t *testing.T) {
	store, err := NewStore(StoreConfig{
		Type:   StoreTypeBadger,
		Config: map[string]interface{}{"in_memory": true},
	}, "testvault")
	require.NoError(t, err)
	defer store.Close()

	assert.IsType(t, &BadgerStore{}, store)
	assert.Equal(t, string(StoreTypeBadger), store.GetType())
}

func TestNewStoreUnsupportedType(t *testing.T) {
	_, err := NewStore(StoreConfig{Type: StoreType("carrier-pigeon")}, "testvault")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store type")
}

func TestIsConcurrencyError(t *testing.T) {
	err := ConcurrencyError{ExpectedVersion: "a", ActualVersion: "b", Operation: "SaveLog"}
	assert.True(t, IsConcurrencyError(err))
	assert.False(t, IsConcurrencyError(assert.AnError))
	assert.False(t, IsConcurrencyError(nil))
	assert.Contains(t, err.Error(), "SaveLog")
}
