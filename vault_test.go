package chainvault

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/chainvault/internal/misc"
)

const testPassphrase = "test-passphrase-for-vault-12345"

func testOptions() Options {
	return Options{
		DerivationPassphrase: testPassphrase,
		DerivationSalt:       bytes.Repeat([]byte{42}, misc.SaltSize),
	}
}

func newTestVault(t *testing.T) (*Vault, *Key) {
	t.Helper()
	vault, err := New(testOptions(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vault.Close() })

	key, err := vault.DeriveKey([]byte(testPassphrase))
	require.NoError(t, err)
	t.Cleanup(key.Destroy)
	return vault, key
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{}, nil, nil)
	assert.Error(t, err, "a passphrase source is required")

	_, err = New(Options{DerivationPassphrase: "short"}, nil, nil)
	assert.Error(t, err, "passphrase minimum length enforced")

	_, err = New(Options{
		DerivationPassphrase: testPassphrase,
		DerivationSalt:       []byte{1, 2, 3},
	}, nil, nil)
	assert.Error(t, err, "undersized salt rejected")
}

func TestNewGeneratesSalt(t *testing.T) {
	vault, err := New(Options{DerivationPassphrase: testPassphrase}, nil, nil)
	require.NoError(t, err)
	defer vault.Close()

	salt := vault.DerivationSalt()
	assert.GreaterOrEqual(t, len(salt), misc.SaltSize)
	assert.NotEqual(t, make([]byte, len(salt)), salt, "salt must not be zero")
}

func TestWriteReadRoundTrip(t *testing.T) {
	vault, key := newTestVault(t)
	payload := []byte("super secret value")

	tx, err := vault.Write(key, "api/token", payload, []byte("prod token"))
	require.NoError(t, err)
	assert.Equal(t, KindCreate, tx.Kind)
	assert.NotZero(t, tx.ID)
	assert.False(t, tx.Blob.IsZero())

	result, err := vault.Read(key, "api/token")
	require.NoError(t, err)
	defer result.Wipe()

	assert.Equal(t, payload, result.Payload)
	assert.Equal(t, []byte("prod token"), result.Hint)
}

func TestWriteSupersedes(t *testing.T) {
	vault, key := newTestVault(t)

	first, err := vault.Write(key, "api/token", []byte("v1"), nil)
	require.NoError(t, err)
	second, err := vault.Write(key, "api/token", []byte("v2"), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ChainID, second.ChainID, "same record, same chain")
	assert.Greater(t, second.ID, first.ID)

	result, err := vault.Read(key, "api/token")
	require.NoError(t, err)
	defer result.Wipe()
	assert.Equal(t, []byte("v2"), result.Payload)
}

func TestWriteValidation(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Write(key, "bad//id", []byte("x"), nil)
	assert.Error(t, err)

	_, err = vault.Write(key, "api/token", nil, nil)
	assert.ErrorIs(t, err, ErrEncryptionFailure)

	_, err = vault.Write(key, "api/token", []byte("x"), make([]byte, misc.HintSize+1))
	assert.Error(t, err, "oversized hint rejected")
}

func TestReadUnknownRecord(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Read(key, "never/written")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestReadWrongKey(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Write(key, "api/token", []byte("secret"), nil)
	require.NoError(t, err)

	wrongKey, err := vault.DeriveKey([]byte("a-different-passphrase-entirely"))
	require.NoError(t, err)
	defer wrongKey.Destroy()

	_, err = vault.Read(wrongKey, "api/token")
	assert.ErrorIs(t, err, ErrDecryptionFailure)
	assert.NotErrorIs(t, err, ErrRecordNotFound, "wrong credentials must not read as missing record")
}

func TestForeignKeyRejected(t *testing.T) {
	vault, _ := newTestVault(t)

	other, err := New(testOptions(), nil, nil)
	require.NoError(t, err)
	defer other.Close()

	// Same passphrase and salt, but issued by a different vault instance.
	foreignKey, err := other.DeriveKey([]byte(testPassphrase))
	require.NoError(t, err)
	defer foreignKey.Destroy()

	_, err = vault.Write(foreignKey, "api/token", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, err = vault.Read(foreignKey, "api/token")
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, err = vault.Revoke(foreignKey, "api/token")
	assert.ErrorIs(t, err, ErrKeyMismatch, "revocation demands a key issued by this vault")
}

func TestDestroyedKeyRejected(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Write(key, "api/token", []byte("x"), nil)
	require.NoError(t, err)

	key.Destroy()
	_, err = vault.Read(key, "api/token")
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestRevokeLifecycle(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Write(key, "api/token", []byte("secret"), nil)
	require.NoError(t, err)

	tx, err := vault.Revoke(key, "api/token")
	require.NoError(t, err)
	assert.Equal(t, KindRevoke, tx.Kind)

	_, err = vault.Read(key, "api/token")
	assert.ErrorIs(t, err, ErrRecordNotFound, "revoked record reads as missing")

	// Recreate on the same chain after revocation.
	recreate, err := vault.Write(key, "api/token", []byte("new secret"), nil)
	require.NoError(t, err)
	assert.Equal(t, tx.ChainID, recreate.ChainID)

	result, err := vault.Read(key, "api/token")
	require.NoError(t, err)
	defer result.Wipe()
	assert.Equal(t, []byte("new secret"), result.Payload)
}

func TestRevokeUnknownRecord(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Revoke(key, "never/written")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRevokeAlreadyRevokedDefaultPolicy(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Write(key, "api/token", []byte("secret"), nil)
	require.NoError(t, err)
	first, err := vault.Revoke(key, "api/token")
	require.NoError(t, err)

	// The default policy logs every revocation request.
	second, err := vault.Revoke(key, "api/token")
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, first.Blob, second.Blob, "re-revoke references the same create")
}

func TestRevokeAlreadyRevokedStrictPolicy(t *testing.T) {
	opts := testOptions()
	opts.RevokePolicy = RevokeStrict
	vault, err := New(opts, nil, nil)
	require.NoError(t, err)
	defer vault.Close()

	key, err := vault.DeriveKey([]byte(testPassphrase))
	require.NoError(t, err)
	defer key.Destroy()

	_, err = vault.Write(key, "api/token", []byte("secret"), nil)
	require.NoError(t, err)
	_, err = vault.Revoke(key, "api/token")
	require.NoError(t, err)

	_, err = vault.Revoke(key, "api/token")
	assert.ErrorIs(t, err, ErrRecordAlreadyRevoked)
}

func TestListRecords(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Write(key, "b/record", []byte("two"), []byte("second"))
	require.NoError(t, err)
	_, err = vault.Write(key, "a/record", []byte("one"), nil)
	require.NoError(t, err)
	_, err = vault.Revoke(key, "a/record")
	require.NoError(t, err)

	statuses, err := vault.ListRecords()
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, RecordID("a/record"), statuses[0].RecordID, "sorted by record ID")
	assert.Equal(t, StateRevoked, statuses[0].State)
	assert.Empty(t, statuses[0].Hint)

	assert.Equal(t, RecordID("b/record"), statuses[1].RecordID)
	assert.Equal(t, StateLive, statuses[1].State)
	assert.Equal(t, []byte("second"), statuses[1].Hint)
}

func TestCloseRejectsOperations(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Write(key, "api/token", []byte("secret"), nil)
	require.NoError(t, err)
	require.NoError(t, vault.Close())
	assert.NoError(t, vault.Close(), "close is idempotent")

	_, err = vault.Read(key, "api/token")
	assert.ErrorIs(t, err, ErrVaultClosed)
	_, err = vault.Write(key, "api/token", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrVaultClosed)
	_, err = vault.Revoke(key, "api/token")
	assert.ErrorIs(t, err, ErrVaultClosed)
	_, err = vault.DeriveKey([]byte("x"))
	assert.ErrorIs(t, err, ErrVaultClosed)
	_, err = vault.ListRecords()
	assert.ErrorIs(t, err, ErrVaultClosed)
	_, err = vault.ExportLog()
	assert.ErrorIs(t, err, ErrVaultClosed)
	_, err = vault.GarbageCollect()
	assert.ErrorIs(t, err, ErrVaultClosed)
}

func TestConcurrentWritesDistinctRecords(t *testing.T) {
	vault, key := newTestVault(t)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			recordID := RecordID(fmt.Sprintf("worker/%d", n))
			_, errs[n] = vault.Write(key, recordID, []byte(fmt.Sprintf("payload-%d", n)), nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	statuses, err := vault.ListRecords()
	require.NoError(t, err)
	assert.Len(t, statuses, writers)

	for i := 0; i < writers; i++ {
		result, err := vault.Read(key, RecordID(fmt.Sprintf("worker/%d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("payload-%d", i)), result.Payload)
		result.Wipe()
	}
}

func TestConcurrentWritesSameRecord(t *testing.T) {
	vault, key := newTestVault(t)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := vault.Write(key, "contested/record", []byte(fmt.Sprintf("payload-%d", n)), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// One of the writers won; whichever it was, the chain ordering held.
	entries, err := vault.ExportLog()
	require.NoError(t, err)
	require.Len(t, entries, writers)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Transaction.ID, entries[i-1].Transaction.ID,
			"per-chain transaction IDs must be strictly increasing")
	}

	result, err := vault.Read(key, "contested/record")
	require.NoError(t, err)
	defer result.Wipe()
	assert.Contains(t, string(result.Payload), "payload-")
}

func TestReadResultWipe(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Write(key, "api/token", []byte("sensitive"), nil)
	require.NoError(t, err)

	result, err := vault.Read(key, "api/token")
	require.NoError(t, err)

	result.Wipe()
	assert.Nil(t, result.Payload)
	result.Wipe() // safe to call again
}

func TestDeriveMasterKeyFromEnv(t *testing.T) {
	t.Setenv("CHAINVAULT_TEST_PASSPHRASE", testPassphrase)

	vault, err := New(Options{
		EnvPassphraseVar: "CHAINVAULT_TEST_PASSPHRASE",
		DerivationSalt:   bytes.Repeat([]byte{42}, misc.SaltSize),
	}, nil, nil)
	require.NoError(t, err)
	defer vault.Close()

	key, err := vault.DeriveMasterKey()
	require.NoError(t, err)
	defer key.Destroy()

	_, err = vault.Write(key, "api/token", []byte("secret"), nil)
	require.NoError(t, err)

	// Equivalent to deriving from the same passphrase directly.
	direct, err := vault.DeriveKey([]byte(testPassphrase))
	require.NoError(t, err)
	defer direct.Destroy()

	result, err := vault.Read(direct, "api/token")
	require.NoError(t, err)
	defer result.Wipe()
	assert.Equal(t, []byte("secret"), result.Payload)
}
