package persist

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	minioImage     = "minio/minio:RELEASE.2024-01-16T16-07-38Z"
	minioAccessKey = "minioadmin"
	minioSecretKey = "minioadmin"
)

// startMinio launches a throwaway MinIO container and returns its endpoint.
// Tests calling it are skipped when no container runtime is available.
func startMinio(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        minioImage,
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioAccessKey,
				"MINIO_ROOT_PASSWORD": minioSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func newTestS3Store(t *testing.T, bucket string) *S3Store {
	t.Helper()
	endpoint := startMinio(t)

	store, err := NewS3Store(S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     minioAccessKey,
		SecretAccessKey: minioSecretKey,
		Bucket:          bucket,
		UseSSL:          false,
	}, "testvault")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestS3StoreSaveLoadRoundTrip(t *testing.T) {
	store := newTestS3Store(t, "chainvault-roundtrip")

	version, err := store.SaveLog([]byte("log contents"), "")
	require.NoError(t, err)
	assert.NotEmpty(t, version)

	loaded, err := store.LoadLog()
	require.NoError(t, err)
	assert.Equal(t, []byte("log contents"), loaded.Data)
	assert.Equal(t, version, loaded.Version)
	assert.False(t, loaded.Timestamp.IsZero())
}

func TestS3StoreLoadLogMissing(t *testing.T) {
	store := newTestS3Store(t, "chainvault-missing")

	_, err := store.LoadLog()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestS3StoreLogExists(t *testing.T) {
	store := newTestS3Store(t, "chainvault-exists")

	exists, err := store.LogExists()
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.SaveLog([]byte("log contents"), "")
	require.NoError(t, err)

	exists, err = store.LogExists()
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestS3StoreVersionConflict(t *testing.T) {
	store := newTestS3Store(t, "chainvault-conflict")

	v1, err := store.SaveLog([]byte("first"), "")
	require.NoError(t, err)

	v2, err := store.SaveLog([]byte("second"), v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	_, err = store.SaveLog([]byte("third"), v1)
	require.Error(t, err)
	assert.True(t, IsConcurrencyError(err))

	loaded, err := store.LoadLog()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), loaded.Data)
}

func TestS3StoreKeyPrefix(t *testing.T) {
	store := &S3Store{keyPrefix: "", vaultName: "v1"}
	assert.Equal(t, "v1/chain.log", store.getLogObjectName())

	store.keyPrefix = "apps/secrets"
	assert.Equal(t, "apps/secrets/v1/chain.log", store.getLogObjectName())

	store.keyPrefix = "/trimmed/"
	assert.Equal(t, "trimmed/v1/chain.log", store.getLogObjectName())
}

func TestS3StorePing(t *testing.T) {
	store := newTestS3Store(t, "chainvault-ping")
	assert.NoError(t, store.Ping())
}

func TestS3StoreFromConfigValidation(t *testing.T) {
	_, err := NewS3StoreFromConfig(StoreConfig{Type: StoreTypeFileSystem}, "testvault")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid store type")
}

func TestS3StoreCleanETag(t *testing.T) {
	store := &S3Store{}
	assert.Equal(t, "abc123", store.cleanETag("\"abc123\""))
	assert.Equal(t, "abc123", store.cleanETag("abc123"))
}
