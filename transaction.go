package chainvault

import "fmt"

// Transaction is a single immutable log entry describing one state change to
// a record: a Create carrying the content identifier of an encrypted payload
// plus its non-secret hint, or a Revoke marking a prior Create invalid.
// A transaction belongs to exactly one chain and is never mutated after it
// has been appended.
type Transaction struct {
	// ID is the vault-wide unique, chain-locally monotonic identifier that
	// establishes this entry's position in the chain's total order.
	ID TransactionID `json:"id"`

	// ChainID names the chain this entry belongs to.
	ChainID ChainID `json:"chain_id"`

	// Kind distinguishes Create from Revoke.
	Kind Kind `json:"kind"`

	// Blob is the content identifier of the encrypted payload. For a Create
	// it addresses the payload written by this entry; for a Revoke it names
	// the Create being superseded.
	Blob BlobID `json:"blob"`

	// Hint is the non-secret tag recorded by a Create. Zero for Revokes.
	Hint RecordHint `json:"hint,omitempty"`
}

// newCreate builds a Create transaction for the given chain position.
func newCreate(id TransactionID, chainID ChainID, blob BlobID, hint RecordHint) Transaction {
	return Transaction{
		ID:      id,
		ChainID: chainID,
		Kind:    KindCreate,
		Blob:    blob,
		Hint:    hint,
	}
}

// newRevoke builds a Revoke transaction superseding the Create that wrote blob.
func newRevoke(id TransactionID, chainID ChainID, blob BlobID) Transaction {
	return Transaction{
		ID:      id,
		ChainID: chainID,
		Kind:    KindRevoke,
		Blob:    blob,
	}
}

// validate performs the structural checks every transaction must pass before
// it may enter a chain, independent of ordering.
func (t Transaction) validate() error {
	if !t.Kind.valid() {
		return fmt.Errorf("unknown transaction kind: %d", uint8(t.Kind))
	}
	if t.ChainID == "" {
		return fmt.Errorf("transaction %d has no chain ID", t.ID)
	}
	if t.Blob.IsZero() {
		return fmt.Errorf("%s transaction %d has no blob ID", t.Kind, t.ID)
	}
	return nil
}
