package chainvault

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

// GarbageCollect compacts every chain down to the transactions its current
// resolved state needs and wipes ciphertext that no retained Create
// references anymore. Chains whose record is live keep exactly their live
// Create; revoked and empty chains compact to nothing.
//
// The pass holds the registry lock exclusively, so no read or write
// interleaves with it: callers observe the vault either entirely before or
// entirely after the collection. A chain that fails to compact is left
// untouched and reported in the result; the pass continues over the rest.
func (v *Vault) GarbageCollect() (GCResult, error) {
	start := time.Now()
	requestID := v.newRequestID()

	result, err := v.garbageCollect()
	v.logAudit(requestID, "garbage_collect", err, map[string]interface{}{
		"reclaimed_transactions": result.ReclaimedTransactions,
		"reclaimed_blobs":        result.ReclaimedBlobs,
		"chain_errors":           len(result.Errors),
		"duration_ms":            time.Since(start).Milliseconds(),
	})
	return result, err
}

func (v *Vault) garbageCollect() (GCResult, error) {
	if v.closed.Load() {
		return GCResult{}, ErrVaultClosed
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed.Load() {
		return GCResult{}, ErrVaultClosed
	}

	var result GCResult

	// Phase one: compact every chain. Each chain's retained set replaces
	// its transaction log; failed chains keep their original entries.
	for _, chain := range v.chains {
		chain.mu.Lock()
		retained, dropped, err := chain.compactLocked(nil)
		if err != nil {
			chain.mu.Unlock()
			result.Errors = append(result.Errors, ChainError{
				ChainID:  chain.id,
				RecordID: chain.record,
				Err:      err,
			})
			continue
		}
		chain.replaceLocked(retained)
		chain.mu.Unlock()
		result.ReclaimedTransactions += dropped
	}

	// Phase two: reference-count the surviving Creates and wipe every
	// payload nothing points at. Revoke references do not pin a payload;
	// only a retained Create keeps its ciphertext alive.
	referenced := make(map[BlobID]struct{})
	for _, chain := range v.chains {
		chain.mu.RLock()
		for _, tx := range chain.txs {
			if tx.Kind == KindCreate {
				referenced[tx.Blob] = struct{}{}
			}
		}
		chain.mu.RUnlock()
	}

	v.blobMu.Lock()
	for id, ciphertext := range v.blobs {
		if _, ok := referenced[id]; ok {
			continue
		}
		memguard.WipeBytes(ciphertext)
		delete(v.blobs, id)
		result.ReclaimedBlobs++
	}
	v.blobMu.Unlock()

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("garbage collection completed with %d chain errors", len(result.Errors))
	}
	return result, nil
}
