package chainvault

import (
	"fmt"
	"sync"
)

// State is the resolved condition of a chain, derived by folding its
// transactions left to right.
type State uint8

const (
	// StateEmpty means the chain has never held a live Create.
	StateEmpty State = iota
	// StateLive means the chain's most recent Create has not been revoked.
	StateLive
	// StateRevoked means the chain's last effective event was a Revoke.
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLive:
		return "live"
	case StateRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Resolution is the outcome of folding a chain: its state and, when live,
// the content identifier of the payload a read must decrypt.
type Resolution struct {
	State State
	Blob  BlobID
	Hint  RecordHint
}

// Chain is the ordered, append-only transaction history for one logical
// record. Entries are never mutated or removed by appends; the only path
// that discards entries is compaction applied by the vault during garbage
// collection. A chain serializes its own mutations, so appends racing on
// the same record cannot interleave transaction IDs non-monotonically.
type Chain struct {
	id     ChainID
	record RecordID

	mu  sync.RWMutex
	txs []Transaction
}

func newChain(id ChainID, record RecordID) *Chain {
	return &Chain{id: id, record: record}
}

// ID returns the chain's identifier.
func (c *Chain) ID() ChainID {
	return c.id
}

// Record returns the logical record whose history this chain holds.
func (c *Chain) Record() RecordID {
	return c.record
}

// Len returns the number of transactions currently retained.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.txs)
}

// Append extends the chain with one transaction. The transaction's ID must
// be strictly greater than every existing entry's; violations fail with
// ErrOutOfOrderTransaction and leave the chain untouched.
func (c *Chain) Append(tx Transaction) error {
	if err := tx.validate(); err != nil {
		return err
	}
	if tx.ChainID != c.id {
		return fmt.Errorf("transaction %d belongs to chain %s, not %s", tx.ID, tx.ChainID, c.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(tx)
}

func (c *Chain) appendLocked(tx Transaction) error {
	if n := len(c.txs); n > 0 && tx.ID <= c.txs[n-1].ID {
		return fmt.Errorf("%w: transaction %d not after %d on chain %s",
			ErrOutOfOrderTransaction, tx.ID, c.txs[n-1].ID, c.id)
	}
	c.txs = append(c.txs, tx)
	return nil
}

// Resolve folds the chain and returns its current effective state. The fold
// tracks the most recent Create's blob as live until a Revoke is seen, at
// which point live becomes none until a new Create appears. Deterministic,
// idempotent, and free of side effects.
func (c *Chain) Resolve() Resolution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveLocked()
}

func (c *Chain) resolveLocked() Resolution {
	var (
		live     bool
		liveBlob BlobID
		liveHint RecordHint
	)
	for _, tx := range c.txs {
		switch tx.Kind {
		case KindCreate:
			live = true
			liveBlob = tx.Blob
			liveHint = tx.Hint
		case KindRevoke:
			live = false
		}
	}

	if live {
		return Resolution{State: StateLive, Blob: liveBlob, Hint: liveHint}
	}
	if len(c.txs) > 0 {
		return Resolution{State: StateRevoked}
	}
	return Resolution{State: StateEmpty}
}

// Compact returns the transactions needed to reconstruct the chain's current
// resolved state, dropping superseded Creates and the Revokes that
// superseded them. When keep is non-nil it is consulted for every entry the
// default policy would drop, so a caller can retain extra history. Compact
// is a pure transformation; the vault decides when to apply its result.
func (c *Chain) Compact(keep func(Transaction) bool) (retained []Transaction, dropped int, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compactLocked(keep)
}

func (c *Chain) compactLocked(keep func(Transaction) bool) ([]Transaction, int, error) {
	res := c.resolveLocked()

	// The live Create is the last Create on the chain; only it can carry
	// the resolved state forward.
	liveIdx := -1
	if res.State == StateLive {
		for i := len(c.txs) - 1; i >= 0; i-- {
			if c.txs[i].Kind == KindCreate {
				liveIdx = i
				break
			}
		}
		if liveIdx < 0 || c.txs[liveIdx].Blob != res.Blob {
			// A live resolution without a matching Create means the chain's
			// entries were corrupted; refuse to compact it.
			return nil, 0, fmt.Errorf("live create missing for chain %s", c.id)
		}
	}

	var retained []Transaction
	for i, tx := range c.txs {
		if i == liveIdx || (keep != nil && keep(tx)) {
			retained = append(retained, tx)
		}
	}

	return retained, len(c.txs) - len(retained), nil
}

// lastCreateLocked returns the blob of the chain's most recent Create, or a
// zero BlobID when the chain holds none. Callers must hold c.mu.
func (c *Chain) lastCreateLocked() BlobID {
	for i := len(c.txs) - 1; i >= 0; i-- {
		if c.txs[i].Kind == KindCreate {
			return c.txs[i].Blob
		}
	}
	return BlobID{}
}

// replaceLocked swaps the retained transaction set in during garbage
// collection. Callers must hold c.mu.
func (c *Chain) replaceLocked(txs []Transaction) {
	c.txs = txs
}

// snapshot returns a copy of the chain's transactions in order.
func (c *Chain) snapshot() []Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Transaction, len(c.txs))
	copy(out, c.txs)
	return out
}
