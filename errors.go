package chainvault

import (
	"errors"
	"fmt"
)

// Typed failures reported by vault operations. None of these are retried
// internally; retry policy for transient conditions belongs to the caller.
var (
	// ErrKeyMismatch reports a key that was not issued by this vault
	// instance. The payload may well be decryptable by the key's bytes, but
	// cross-instance key use is rejected before any cryptography runs.
	ErrKeyMismatch = errors.New("key was not issued for this vault")

	// ErrEncryptionFailure reports that the cipher provider rejected an
	// encryption request (bad key material, oversized payload, provider
	// internal failure).
	ErrEncryptionFailure = errors.New("encryption failure")

	// ErrDecryptionFailure reports that stored ciphertext could not be
	// authenticated under the supplied key: either the key is wrong or the
	// ciphertext was corrupted. It is deliberately distinct from
	// ErrRecordNotFound so callers can tell "wrong credentials" from
	// "nothing stored".
	ErrDecryptionFailure = errors.New("decryption failure")

	// ErrRecordNotFound reports a read or revoke against a record whose
	// chain is empty, unknown, or resolved to the revoked state.
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordAlreadyRevoked reports a revoke against a record whose chain
	// already resolves to the revoked state, under RevokeStrict policy.
	ErrRecordAlreadyRevoked = errors.New("record already revoked")

	// ErrOutOfOrderTransaction reports an append whose transaction ID is not
	// strictly greater than every existing entry on the chain. This
	// indicates an internal or caller bug and is fatal to the operation; it
	// must not be retried blindly.
	ErrOutOfOrderTransaction = errors.New("out of order transaction")

	// ErrCorruptLog reports that an imported log violates a chain invariant:
	// non-monotonic transaction IDs, ciphertext that does not hash to its
	// blob ID, or a revoke referencing a create the chain never held.
	ErrCorruptLog = errors.New("corrupt log")

	// ErrVaultClosed reports an operation against a vault after Close.
	ErrVaultClosed = errors.New("vault is closed")
)

// ChainError attaches the affected chain to a failure raised during a pass
// over multiple chains, so garbage collection can report per-chain errors
// without aborting the remainder of the pass.
type ChainError struct {
	ChainID  ChainID
	RecordID RecordID
	Err      error
}

func (e ChainError) Error() string {
	return fmt.Sprintf("chain %s (record %s): %v", e.ChainID, e.RecordID, e.Err)
}

func (e ChainError) Unwrap() error {
	return e.Err
}
