package chainvault

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"southwinds.dev/chainvault/internal/misc"
)

// snapshotEnvelope is the persisted form of an exported log. Everything in it
// is ciphertext or non-secret metadata; the envelope's own checksum guards
// against storage corruption, while each entry's blob identifier guards the
// individual payloads.
type snapshotEnvelope struct {
	// Version identifies the envelope layout.
	Version int `json:"version"`

	// VaultID records which vault instance produced the snapshot.
	VaultID string `json:"vault_id"`

	// Provider names the cipher provider the payloads were sealed with.
	Provider string `json:"provider"`

	// CreatedAt is the snapshot timestamp.
	CreatedAt time.Time `json:"created_at"`

	// Salt is the key derivation salt. It is not secret, and carrying it
	// lets a fresh vault derive working keys for the snapshot from the
	// original passphrase alone.
	Salt []byte `json:"salt"`

	// Checksum is the hex SHA-256 of the serialized entries.
	Checksum string `json:"checksum"`

	// Entries is the exported transaction log.
	Entries []LogEntry `json:"entries"`
}

// SaveSnapshot exports the vault's log and persists it to the configured
// store as a checksummed envelope. The store's optimistic versioning is
// bypassed (last write wins): the vault is the only writer of its own
// snapshot under this API.
func (v *Vault) SaveSnapshot() error {
	start := time.Now()
	requestID := v.newRequestID()

	err := v.saveSnapshot()
	v.logAudit(requestID, "snapshot_save", err, map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return err
}

func (v *Vault) saveSnapshot() error {
	if v.closed.Load() {
		return ErrVaultClosed
	}
	if v.store == nil {
		return fmt.Errorf("no store configured")
	}

	entries, err := v.exportLog()
	if err != nil {
		return err
	}

	checksum, err := entriesChecksum(entries)
	if err != nil {
		return err
	}

	envelope := snapshotEnvelope{
		Version:   misc.LogFormatVersion,
		VaultID:   v.id,
		Provider:  v.provider.Name(),
		CreatedAt: time.Now().UTC(),
		Salt:      v.DerivationSalt(),
		Checksum:  checksum,
		Entries:   entries,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if _, err = v.store.SaveLog(data, ""); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the store's snapshot, verifies its integrity and its
// binding to this vault's configuration, and replaces the vault's chains with
// its contents.
//
// A salt mismatch is a configuration error, not corruption: the snapshot was
// made by a vault whose keys this one cannot derive, and importing it would
// only produce ErrDecryptionFailure on every read.
func (v *Vault) LoadSnapshot() error {
	start := time.Now()
	requestID := v.newRequestID()

	err := v.loadSnapshot()
	v.logAudit(requestID, "snapshot_load", err, map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return err
}

func (v *Vault) loadSnapshot() error {
	if v.closed.Load() {
		return ErrVaultClosed
	}
	if v.store == nil {
		return fmt.Errorf("no store configured")
	}

	versioned, err := v.store.LoadLog()
	if err != nil {
		// Every backend reports a missing log with os.ErrNotExist semantics.
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no snapshot found in %s store: %w", v.store.GetType(), err)
		}
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	var envelope snapshotEnvelope
	if err = json.Unmarshal(versioned.Data, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}
	if envelope.Version != misc.LogFormatVersion {
		return fmt.Errorf("unsupported snapshot version: %d", envelope.Version)
	}
	if envelope.Provider != v.provider.Name() {
		return fmt.Errorf("snapshot was sealed by provider %s, vault uses %s", envelope.Provider, v.provider.Name())
	}
	if !bytes.Equal(envelope.Salt, v.salt) {
		return fmt.Errorf("snapshot salt does not match vault salt; configure the vault with the snapshot's salt")
	}

	checksum, err := entriesChecksum(envelope.Entries)
	if err != nil {
		return err
	}
	if checksum != envelope.Checksum {
		return fmt.Errorf("%w: snapshot checksum mismatch", ErrCorruptLog)
	}

	return v.importLog(envelope.Entries)
}

// entriesChecksum hashes the serialized entries so envelope-level corruption
// is caught before per-entry validation runs.
func entriesChecksum(entries []LogEntry) (string, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to serialize log entries: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
