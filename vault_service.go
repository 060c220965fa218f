// Package chainvault provides a transactional, encrypted record store.
// Records are named by stable identifiers and evolve through append-only
// chains of Create and Revoke transactions; payloads are sealed by a
// pluggable cipher provider and addressed by content identifier. The vault
// keeps ciphertext only — plaintext exists solely inside the window of a
// single operation, and key material lives in protected memory.
//
// Key Features:
//   - Append-only transaction chains with strict per-chain ordering
//   - Authenticated encryption through a pluggable cipher provider
//     (ChaCha20-Poly1305 with Argon2id derivation by default)
//   - Garbage collection that compacts chains and wipes unreferenced ciphertext
//   - Deterministic log export/import for replication and persistence
//   - Comprehensive audit logging
//   - Memory protection for key material and decrypted payloads
//
// Basic Usage:
//
//	vault, err := chainvault.New(options, nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer vault.Close()
//
//	key, err := vault.DeriveKey([]byte("passphrase input"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer key.Destroy()
//
//	// Store a record
//	_, err = vault.Write(key, "api/payment-token", []byte("secret-data"), []byte("prod token"))
//
//	// Read it back
//	result, err := vault.Read(key, "api/payment-token")
//	if err == nil {
//	    defer result.Wipe()
//	}
package chainvault

import (
	"southwinds.dev/chainvault/audit"
)

// ReadResult carries a decrypted payload out of a Read call together with the
// record's non-secret hint.
//
// The payload is plaintext and therefore the most sensitive data the vault
// ever hands to a caller. Call Wipe as soon as the payload has been consumed;
// until then the caller owns the only plaintext copy in the process.
type ReadResult struct {
	// Payload is the decrypted record content.
	Payload []byte

	// Hint is the non-secret tag stored alongside the record's live Create,
	// with zero padding trimmed.
	Hint []byte
}

// Wipe zeroes the payload in place. Safe to call more than once.
func (r *ReadResult) Wipe() {
	if r == nil {
		return
	}
	for i := range r.Payload {
		r.Payload[i] = 0
	}
	r.Payload = nil
}

// RecordStatus describes one record's chain as seen by ListRecords. It holds
// no payload data; the hint is the only record content included.
type RecordStatus struct {
	// RecordID is the record's stable logical name.
	RecordID RecordID `json:"record_id"`

	// ChainID identifies the chain backing the record.
	ChainID ChainID `json:"chain_id"`

	// State is the chain's resolved condition.
	State State `json:"state"`

	// Transactions is the number of log entries currently retained.
	Transactions int `json:"transactions"`

	// Hint is the live Create's trimmed hint, empty unless State is live.
	Hint []byte `json:"hint,omitempty"`
}

// GCResult summarizes one garbage collection pass.
type GCResult struct {
	// ReclaimedTransactions counts log entries dropped by compaction across
	// all chains.
	ReclaimedTransactions int

	// ReclaimedBlobs counts ciphertext payloads that became unreferenced and
	// were wiped.
	ReclaimedBlobs int

	// Errors holds per-chain failures. A failed chain is left untouched;
	// the pass continues over the remaining chains.
	Errors []ChainError
}

// VaultService is the operational contract of a vault instance.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Operations on distinct
// records proceed in parallel; operations on the same record serialize on its
// chain.
//
// Error Handling:
// Operations fail with the typed errors declared in this package
// (ErrRecordNotFound, ErrDecryptionFailure, ...) so callers can branch with
// errors.Is. Failures never disclose payloads or key material.
type VaultService interface {

	// === Key Management ===

	// DeriveKey stretches caller-supplied input into an opaque Key bound to
	// this vault instance, using the cipher provider's key derivation with
	// the vault's salt.
	//
	// The returned key is the caller's credential for Write and Read; the
	// vault retains no reference to it. Call Destroy on the key when done —
	// a destroyed key fails every subsequent use.
	//
	// Example:
	//   key, err := vault.DeriveKey([]byte(passphrase))
	//   if err != nil {
	//       return err
	//   }
	//   defer key.Destroy()
	DeriveKey(input []byte) (*Key, error)

	// === Record Operations ===

	// Write encrypts payload under the given key and appends a Create
	// transaction to the record's chain, provisioning the chain when the
	// record is new. The non-secret hint (truncated to the fixed hint size)
	// is stored in the clear next to the transaction.
	//
	// A Write onto an existing record supersedes the previous payload
	// without erasing history: the prior Create stays in the chain until
	// garbage collection.
	//
	// Fails with ErrKeyMismatch when the key was not issued by this vault,
	// and ErrEncryptionFailure when the provider rejects the payload.
	Write(key *Key, recordID RecordID, payload, hint []byte) (Transaction, error)

	// Read resolves the record's chain and, when it is live, decrypts the
	// payload under the given key.
	//
	// Fails with ErrRecordNotFound when the chain is empty, unknown, or
	// revoked, and ErrDecryptionFailure when the ciphertext does not
	// authenticate under the key. The two are deliberately distinct:
	// "nothing stored" and "wrong credentials" must not be conflated.
	//
	// Callers must Wipe the result once the payload has been consumed.
	Read(key *Key, recordID RecordID) (*ReadResult, error)

	// Revoke appends a Revoke transaction superseding the record's live
	// Create. The ciphertext remains in the blob store until garbage
	// collection; the record simply no longer resolves to it.
	//
	// Revocation is destructive, so it demands the same credential as
	// Write and Read: a key issued by this vault. The key is not used for
	// any cryptography here — it gates the operation, failing with
	// ErrKeyMismatch when it was issued elsewhere or destroyed.
	//
	// Revoking a record that is unknown or empty fails with
	// ErrRecordNotFound. Revoking an already-revoked record follows the
	// vault's RevokePolicy: by default another Revoke is logged; under
	// RevokeStrict it fails with ErrRecordAlreadyRevoked.
	Revoke(key *Key, recordID RecordID) (Transaction, error)

	// ListRecords returns the status of every known record, sorted by
	// record ID. No payload data is included.
	ListRecords() ([]RecordStatus, error)

	// === Maintenance Operations ===

	// GarbageCollect compacts every chain down to the transactions needed
	// for its current resolved state and wipes ciphertext no chain
	// references anymore. The pass runs with the vault quiesced: no reads
	// or writes interleave with it.
	//
	// Per-chain failures are collected in the result rather than aborting
	// the pass; a failed chain is left exactly as it was.
	GarbageCollect() (GCResult, error)

	// === Log Export and Import ===

	// ExportLog serializes the vault's full transaction history — every
	// chain's entries plus the ciphertext each Create references — sorted
	// by transaction ID. The export contains no plaintext and no key
	// material; it decrypts only with a key derived from the same
	// passphrase and salt.
	ExportLog() ([]LogEntry, error)

	// ImportLog validates entries produced by ExportLog and replaces the
	// vault's entire chain set with them. Validation enforces per-chain ID
	// monotonicity, ciphertext integrity against blob identifiers, and
	// revoke/create referential consistency; any violation fails with
	// ErrCorruptLog and leaves the vault unchanged.
	ImportLog(entries []LogEntry) error

	// SaveSnapshot persists the exported log as a checksummed envelope to
	// the vault's configured store. Fails when no store is attached.
	SaveSnapshot() error

	// LoadSnapshot restores the vault's chains from the store's snapshot,
	// verifying the envelope checksum and salt binding first.
	LoadSnapshot() error

	// === Introspection ===

	// DerivationSalt returns a copy of the salt used for key derivation.
	// The salt is not secret but must be retained to derive working keys
	// for previously exported logs.
	DerivationSalt() []byte

	// Audit exposes the vault's audit logger for querying recorded events.
	Audit() audit.Logger

	// Close releases the vault: wipes all cached ciphertext, drops the
	// chain registry, closes collaborators, and unlocks memory. Every
	// operation after Close fails with ErrVaultClosed.
	Close() error
}
