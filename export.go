package chainvault

import (
	"fmt"
	"sort"
	"time"

	"github.com/awnumar/memguard"
)

// LogEntry is one transaction in an exported vault log, carrying enough
// context to rebuild its chain on import. Create entries include the
// ciphertext their blob identifier addresses; Revokes carry none. The entry
// holds no plaintext and no key material.
type LogEntry struct {
	// ChainID names the chain the transaction belongs to.
	ChainID ChainID `json:"chain_id"`

	// RecordID is the logical record the chain backs.
	RecordID RecordID `json:"record_id"`

	// Transaction is the log entry itself.
	Transaction Transaction `json:"transaction"`

	// Ciphertext is the encrypted payload addressed by a Create's blob
	// identifier. Empty for Revokes.
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

// ExportLog serializes the vault's complete transaction history, sorted by
// transaction ID. Because transaction IDs come from one vault-wide counter,
// the sorted export preserves every chain's internal order, and two exports
// of the same vault state are identical. See VaultService.ExportLog.
func (v *Vault) ExportLog() ([]LogEntry, error) {
	start := time.Now()
	requestID := v.newRequestID()

	entries, err := v.exportLog()
	v.logAudit(requestID, "log_export", err, map[string]interface{}{
		"entries":     len(entries),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return entries, err
}

func (v *Vault) exportLog() ([]LogEntry, error) {
	if v.closed.Load() {
		return nil, ErrVaultClosed
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var entries []LogEntry
	for recordID, chainID := range v.records {
		chain := v.chains[chainID]
		for _, tx := range chain.snapshot() {
			entry := LogEntry{
				ChainID:     chainID,
				RecordID:    recordID,
				Transaction: tx,
			}
			if tx.Kind == KindCreate {
				v.blobMu.Lock()
				ciphertext, ok := v.blobs[tx.Blob]
				if ok {
					entry.Ciphertext = make([]byte, len(ciphertext))
					copy(entry.Ciphertext, ciphertext)
				}
				v.blobMu.Unlock()
				if !ok {
					return nil, fmt.Errorf("payload %s missing for record %s", tx.Blob, recordID)
				}
			}
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Transaction.ID < entries[j].Transaction.ID
	})
	return entries, nil
}

// ImportLog validates entries produced by ExportLog and replaces the vault's
// entire chain set with them. See VaultService.ImportLog.
func (v *Vault) ImportLog(entries []LogEntry) error {
	start := time.Now()
	requestID := v.newRequestID()

	err := v.importLog(entries)
	v.logAudit(requestID, "log_import", err, map[string]interface{}{
		"entries":     len(entries),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return err
}

func (v *Vault) importLog(entries []LogEntry) error {
	if v.closed.Load() {
		return ErrVaultClosed
	}

	records, chains, blobs, maxID, err := buildChainSet(entries)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed.Load() {
		return ErrVaultClosed
	}

	// The validated set replaces everything; old ciphertext is wiped so
	// revoked-and-collected payloads do not linger after a restore.
	v.blobMu.Lock()
	for id, ciphertext := range v.blobs {
		if _, ok := blobs[id]; !ok {
			memguard.WipeBytes(ciphertext)
		}
		delete(v.blobs, id)
	}
	for id, ciphertext := range blobs {
		v.blobs[id] = ciphertext
	}
	v.blobMu.Unlock()

	v.records = records
	v.chains = chains

	// Future transactions must order after everything imported.
	if current := v.nextTx.Load(); current < maxID {
		v.nextTx.Store(maxID)
	}

	return nil
}

// buildChainSet validates an exported log and materializes the chains it
// describes. All failures wrap ErrCorruptLog; nothing is applied until the
// whole log has passed.
func buildChainSet(entries []LogEntry) (map[RecordID]ChainID, map[ChainID]*Chain, map[BlobID][]byte, uint64, error) {
	records := make(map[RecordID]ChainID)
	chains := make(map[ChainID]*Chain)
	blobs := make(map[BlobID][]byte)
	created := make(map[ChainID]map[BlobID]struct{})

	var maxID uint64
	for i, entry := range entries {
		tx := entry.Transaction
		if err := tx.validate(); err != nil {
			return nil, nil, nil, 0, fmt.Errorf("%w: entry %d: %v", ErrCorruptLog, i, err)
		}
		if tx.ChainID != entry.ChainID {
			return nil, nil, nil, 0, fmt.Errorf("%w: entry %d: transaction chain %s does not match entry chain %s",
				ErrCorruptLog, i, tx.ChainID, entry.ChainID)
		}
		if err := validateRecordID(entry.RecordID); err != nil {
			return nil, nil, nil, 0, fmt.Errorf("%w: entry %d: %v", ErrCorruptLog, i, err)
		}

		// One chain serves one record, and one record one chain.
		if existing, ok := records[entry.RecordID]; ok && existing != entry.ChainID {
			return nil, nil, nil, 0, fmt.Errorf("%w: record %s appears on chains %s and %s",
				ErrCorruptLog, entry.RecordID, existing, entry.ChainID)
		}
		chain, ok := chains[entry.ChainID]
		if ok && chain.record != entry.RecordID {
			return nil, nil, nil, 0, fmt.Errorf("%w: chain %s serves records %s and %s",
				ErrCorruptLog, entry.ChainID, chain.record, entry.RecordID)
		}
		if !ok {
			chain = newChain(entry.ChainID, entry.RecordID)
			chains[entry.ChainID] = chain
			records[entry.RecordID] = entry.ChainID
			created[entry.ChainID] = make(map[BlobID]struct{})
		}

		switch tx.Kind {
		case KindCreate:
			if len(entry.Ciphertext) == 0 {
				return nil, nil, nil, 0, fmt.Errorf("%w: entry %d: create without ciphertext", ErrCorruptLog, i)
			}
			// The blob identifier is the ciphertext hash; recomputing it
			// catches payloads tampered with in transit or storage.
			if NewBlobID(entry.Ciphertext) != tx.Blob {
				return nil, nil, nil, 0, fmt.Errorf("%w: entry %d: ciphertext does not match blob %s",
					ErrCorruptLog, i, tx.Blob)
			}
			ciphertext := make([]byte, len(entry.Ciphertext))
			copy(ciphertext, entry.Ciphertext)
			blobs[tx.Blob] = ciphertext
			created[entry.ChainID][tx.Blob] = struct{}{}
		case KindRevoke:
			if _, ok := created[entry.ChainID][tx.Blob]; !ok {
				return nil, nil, nil, 0, fmt.Errorf("%w: entry %d: revoke references blob %s never created on chain %s",
					ErrCorruptLog, i, tx.Blob, entry.ChainID)
			}
		}

		// appendLocked enforces strict per-chain monotonicity.
		if err := chain.appendLocked(tx); err != nil {
			return nil, nil, nil, 0, fmt.Errorf("%w: entry %d: %v", ErrCorruptLog, i, err)
		}

		if uint64(tx.ID) > maxID {
			maxID = uint64(tx.ID)
		}
	}

	return records, chains, blobs, maxID, nil
}
