package chainvault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportLogDeterministic(t *testing.T) {
	vault, key := newTestVault(t)

	_, err := vault.Write(key, "a/record", []byte("one"), nil)
	require.NoError(t, err)
	_, err = vault.Write(key, "b/record", []byte("two"), nil)
	require.NoError(t, err)
	_, err = vault.Revoke(key, "a/record")
	require.NoError(t, err)

	first, err := vault.ExportLog()
	require.NoError(t, err)
	second, err := vault.ExportLog()
	require.NoError(t, err)
	assert.Equal(t, first, second, "same state exports identically")

	require.Len(t, first, 3)
	for i := 1; i < len(first); i++ {
		assert.Greater(t, first[i].Transaction.ID, first[i-1].Transaction.ID, "sorted by transaction ID")
	}
	for _, entry := range first {
		if entry.Transaction.Kind == KindCreate {
			assert.NotEmpty(t, entry.Ciphertext, "creates carry ciphertext")
		} else {
			assert.Empty(t, entry.Ciphertext, "revokes carry none")
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	source, key := newTestVault(t)

	_, err := source.Write(key, "a/record", []byte("alpha"), []byte("first"))
	require.NoError(t, err)
	_, err = source.Write(key, "b/record", []byte("beta"), nil)
	require.NoError(t, err)
	_, err = source.Revoke(key, "b/record")
	require.NoError(t, err)

	entries, err := source.ExportLog()
	require.NoError(t, err)

	// A fresh vault with the same salt derives the same working key from
	// the same passphrase; nothing else is needed to read the import.
	restored, err := New(testOptions(), nil, nil)
	require.NoError(t, err)
	defer restored.Close()
	require.NoError(t, restored.ImportLog(entries))

	restoredKey, err := restored.DeriveKey([]byte(testPassphrase))
	require.NoError(t, err)
	defer restoredKey.Destroy()

	result, err := restored.Read(restoredKey, "a/record")
	require.NoError(t, err)
	defer result.Wipe()
	assert.Equal(t, []byte("alpha"), result.Payload)
	assert.Equal(t, []byte("first"), result.Hint)

	_, err = restored.Read(restoredKey, "b/record")
	assert.ErrorIs(t, err, ErrRecordNotFound, "revocation state survives the round trip")

	// New transactions must order after everything imported.
	tx, err := restored.Write(restoredKey, "c/record", []byte("gamma"), nil)
	require.NoError(t, err)
	assert.Greater(t, tx.ID, entries[len(entries)-1].Transaction.ID)
}

func TestImportLogReplacesExistingState(t *testing.T) {
	source, key := newTestVault(t)
	_, err := source.Write(key, "imported/record", []byte("imported"), nil)
	require.NoError(t, err)
	entries, err := source.ExportLog()
	require.NoError(t, err)

	target, targetKey := newTestVault(t)
	_, err = target.Write(targetKey, "preexisting/record", []byte("old"), nil)
	require.NoError(t, err)

	require.NoError(t, target.ImportLog(entries))

	_, err = target.Read(targetKey, "preexisting/record")
	assert.ErrorIs(t, err, ErrRecordNotFound, "import replaces the whole chain set")

	result, err := target.Read(targetKey, "imported/record")
	require.NoError(t, err)
	defer result.Wipe()
	assert.Equal(t, []byte("imported"), result.Payload)
}

func TestImportLogRejectsTamperedCiphertext(t *testing.T) {
	source, key := newTestVault(t)
	_, err := source.Write(key, "a/record", []byte("alpha"), nil)
	require.NoError(t, err)
	entries, err := source.ExportLog()
	require.NoError(t, err)

	entries[0].Ciphertext[0] ^= 0xFF

	target, _ := newTestVault(t)
	err = target.ImportLog(entries)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestImportLogRejectsNonMonotonicIDs(t *testing.T) {
	source, key := newTestVault(t)
	_, err := source.Write(key, "a/record", []byte("one"), nil)
	require.NoError(t, err)
	_, err = source.Write(key, "a/record", []byte("two"), nil)
	require.NoError(t, err)
	entries, err := source.ExportLog()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entries[0], entries[1] = entries[1], entries[0]

	target, _ := newTestVault(t)
	err = target.ImportLog(entries)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestImportLogRejectsOrphanRevoke(t *testing.T) {
	chainID := newChainID()
	entries := []LogEntry{{
		ChainID:  chainID,
		RecordID: "a/record",
		Transaction: Transaction{
			ID:      1,
			ChainID: chainID,
			Kind:    KindRevoke,
			Blob:    NewBlobID([]byte("never created")),
		},
	}}

	target, _ := newTestVault(t)
	err := target.ImportLog(entries)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestImportLogRejectsRecordOnTwoChains(t *testing.T) {
	source, key := newTestVault(t)
	_, err := source.Write(key, "a/record", []byte("one"), nil)
	require.NoError(t, err)
	entries, err := source.ExportLog()
	require.NoError(t, err)

	// Forge a second chain claiming the same record.
	forged := entries[0]
	forged.ChainID = newChainID()
	forged.Transaction.ChainID = forged.ChainID
	forged.Transaction.ID = entries[len(entries)-1].Transaction.ID + 1
	entries = append(entries, forged)

	target, _ := newTestVault(t)
	err = target.ImportLog(entries)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestImportLogRejectsCreateWithoutCiphertext(t *testing.T) {
	source, key := newTestVault(t)
	_, err := source.Write(key, "a/record", []byte("one"), nil)
	require.NoError(t, err)
	entries, err := source.ExportLog()
	require.NoError(t, err)

	entries[0].Ciphertext = nil

	target, _ := newTestVault(t)
	err = target.ImportLog(entries)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestImportLogEmpty(t *testing.T) {
	target, key := newTestVault(t)
	_, err := target.Write(key, "a/record", []byte("one"), nil)
	require.NoError(t, err)

	require.NoError(t, target.ImportLog(nil))

	statuses, err := target.ListRecords()
	require.NoError(t, err)
	assert.Empty(t, statuses, "importing an empty log empties the vault")
}
