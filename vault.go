package chainvault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/chainvault/audit"
	"southwinds.dev/chainvault/internal/mem"
	"southwinds.dev/chainvault/internal/misc"
	"southwinds.dev/chainvault/persist"
)

func init() {
	// Purge protected memory on interrupt so key material never outlives
	// the process.
	memguard.CatchInterrupt()
}

// Ensure Vault implements the VaultService interface
var _ VaultService = (*Vault)(nil)

// Vault is the reference VaultService implementation. It holds every chain
// and every ciphertext payload in memory; durability is delegated to an
// optional persist.Store through SaveSnapshot/LoadSnapshot.
//
// Concurrency model: a registry lock guards the record and chain maps in
// shared mode for normal operations and exclusively for garbage collection
// and import, so a GC pass never observes a half-finished write. Individual
// chains serialize their own appends.
type Vault struct {
	id       string
	provider CipherProvider
	salt     []byte

	revokePolicy RevokePolicy
	userID       string

	// envPassphraseVar is the only passphrase reference the vault retains;
	// a directly supplied passphrase is never stored.
	envPassphraseVar string

	memoryProtection mem.ProtectionLevel
	memoryLocked     bool

	audit audit.Logger
	store persist.Store

	mu      sync.RWMutex
	records map[RecordID]ChainID
	chains  map[ChainID]*Chain

	blobMu sync.Mutex
	blobs  map[BlobID][]byte

	nextTx atomic.Uint64
	closed atomic.Bool
}

// New creates a vault from the given options.
//
// A nil provider selects the default ChaCha20-Poly1305 provider. A nil audit
// config disables auditing. When options carry no DerivationSalt a fresh
// random salt is generated; retrieve it with DerivationSalt and retain it, or
// exported logs cannot be decrypted by a future vault instance.
func New(options Options, provider CipherProvider, auditCfg *audit.Config) (*Vault, error) {
	return NewWithStore(options, provider, auditCfg, nil)
}

// NewWithStore creates a vault wired to a persistence backend for
// SaveSnapshot/LoadSnapshot. The store's lifecycle passes to the vault and is
// closed by Close.
func NewWithStore(options Options, provider CipherProvider, auditCfg *audit.Config, store persist.Store) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		provider = NewChaCha20Poly1305Provider()
	}

	vaultID := uuid.NewString()

	salt := make([]byte, 0, misc.SaltSize*2)
	if len(options.DerivationSalt) > 0 {
		salt = append(salt, options.DerivationSalt...)
	} else {
		salt = salt[:misc.SaltSize*2]
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate derivation salt: %w", err)
		}
	}

	var (
		protection mem.ProtectionLevel
		locked     bool
	)
	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil && level == mem.ProtectionNone {
			return nil, fmt.Errorf("failed to lock memory: %w", err)
		}
		protection = level
		locked = true
	}

	if auditCfg != nil && auditCfg.VaultID == "" {
		auditCfg.VaultID = vaultID
	}
	auditLogger, err := audit.NewLogger(auditCfg)
	if err != nil {
		if locked {
			_ = mem.Unlock()
		}
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	v := &Vault{
		id:               vaultID,
		provider:         provider,
		salt:             salt,
		revokePolicy:     options.revokePolicy(),
		userID:           options.UserID,
		envPassphraseVar: options.EnvPassphraseVar,
		memoryProtection: protection,
		memoryLocked:     locked,
		audit:            auditLogger,
		store:            store,
		records:          make(map[RecordID]ChainID),
		chains:           make(map[ChainID]*Chain),
		blobs:            make(map[BlobID][]byte),
	}

	v.logAudit(v.newRequestID(), "vault_open", nil, map[string]interface{}{
		"provider":          provider.Name(),
		"memory_protection": int(protection),
	})

	return v, nil
}

// NewFromConfig builds a vault, its store, and its audit logger from a loaded
// Config.
func NewFromConfig(cfg *Config) (*Vault, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store persist.Store
	if cfg.Store.Type != "" {
		var err error
		store, err = persist.NewStore(cfg.StoreConfig(), cfg.VaultName)
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
	}

	v, err := NewWithStore(cfg.VaultOptions(), nil, cfg.AuditConfig(""), store)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return v, nil
}

// ID returns the vault instance identifier. Keys derived by this vault are
// bound to it.
func (v *Vault) ID() string {
	return v.id
}

// DerivationSalt returns a copy of the key derivation salt.
func (v *Vault) DerivationSalt() []byte {
	out := make([]byte, len(v.salt))
	copy(out, v.salt)
	return out
}

// Audit exposes the vault's audit logger.
func (v *Vault) Audit() audit.Logger {
	return v.audit
}

// MemoryProtection reports the level of memory locking in effect.
func (v *Vault) MemoryProtection() mem.ProtectionLevel {
	return v.memoryProtection
}

// DeriveKey stretches the given input into a Key bound to this vault.
func (v *Vault) DeriveKey(input []byte) (*Key, error) {
	if v.closed.Load() {
		return nil, ErrVaultClosed
	}
	requestID := v.newRequestID()

	material, err := v.provider.DeriveKey(input, v.salt)
	if err != nil {
		v.logAudit(requestID, "key_derive", err, nil)
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	if len(material) != v.provider.KeySize() {
		memguard.WipeBytes(material)
		err = fmt.Errorf("provider %s derived %d bytes, want %d", v.provider.Name(), len(material), v.provider.KeySize())
		v.logAudit(requestID, "key_derive", err, nil)
		return nil, err
	}

	v.logAudit(requestID, "key_derive", nil, nil)
	return newKey(v.id, material), nil
}

// DeriveMasterKey derives a key from the passphrase named by the vault's
// EnvPassphraseVar option. A passphrase handed directly to New is never
// retained, so this only works with environment-based configuration; derive
// from such a passphrase with DeriveKey instead.
func (v *Vault) DeriveMasterKey() (*Key, error) {
	if v.closed.Load() {
		return nil, ErrVaultClosed
	}
	passphrase, err := Options{EnvPassphraseVar: v.envPassphraseVar}.resolvePassphrase()
	if err != nil {
		return nil, err
	}
	return v.DeriveKey([]byte(passphrase))
}

// Write encrypts payload under key and appends a Create transaction to the
// record's chain. See VaultService.Write.
func (v *Vault) Write(key *Key, recordID RecordID, payload, hint []byte) (Transaction, error) {
	start := time.Now()
	requestID := v.newRequestID()

	tx, err := v.write(key, recordID, payload, hint)
	meta := map[string]interface{}{
		"record_id":   string(recordID),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err == nil {
		meta["chain_id"] = string(tx.ChainID)
		meta["transaction_id"] = uint64(tx.ID)
	}
	v.logAudit(requestID, "record_write", err, meta)
	return tx, err
}

func (v *Vault) write(key *Key, recordID RecordID, payload, hint []byte) (Transaction, error) {
	if v.closed.Load() {
		return Transaction{}, ErrVaultClosed
	}
	if err := validateRecordID(recordID); err != nil {
		return Transaction{}, err
	}
	if !key.issuedFor(v.id) {
		return Transaction{}, ErrKeyMismatch
	}
	if len(payload) == 0 {
		return Transaction{}, fmt.Errorf("%w: empty payload", ErrEncryptionFailure)
	}
	if len(hint) > misc.HintSize {
		return Transaction{}, fmt.Errorf("hint too long: %d bytes (max: %d)", len(hint), misc.HintSize)
	}

	chain := v.getOrCreateChain(recordID)

	// Shared registry lock for the whole mutation: garbage collection takes
	// it exclusively, so blob insert and append are atomic from its view.
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed.Load() {
		return Transaction{}, ErrVaultClosed
	}

	keyBuf, err := key.open()
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	ciphertext, err := v.provider.Encrypt(keyBuf.Bytes(), payload)
	keyBuf.Destroy()
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	blobID := NewBlobID(ciphertext)

	chain.mu.Lock()
	defer chain.mu.Unlock()

	// The transaction ID is allocated under the chain lock, so concurrent
	// writers on the same record cannot interleave IDs non-monotonically.
	tx := newCreate(TransactionID(v.nextTx.Add(1)), chain.id, blobID, NewRecordHint(hint))

	v.blobMu.Lock()
	v.blobs[blobID] = ciphertext
	v.blobMu.Unlock()

	if err = chain.appendLocked(tx); err != nil {
		v.blobMu.Lock()
		delete(v.blobs, blobID)
		v.blobMu.Unlock()
		return Transaction{}, err
	}

	return tx, nil
}

// Read resolves the record's chain and decrypts its live payload under key.
// See VaultService.Read.
func (v *Vault) Read(key *Key, recordID RecordID) (*ReadResult, error) {
	start := time.Now()
	requestID := v.newRequestID()

	result, err := v.read(key, recordID)
	v.logAudit(requestID, "record_read", err, map[string]interface{}{
		"record_id":   string(recordID),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result, err
}

func (v *Vault) read(key *Key, recordID RecordID) (*ReadResult, error) {
	if v.closed.Load() {
		return nil, ErrVaultClosed
	}
	if err := validateRecordID(recordID); err != nil {
		return nil, err
	}
	if !key.issuedFor(v.id) {
		return nil, ErrKeyMismatch
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed.Load() {
		return nil, ErrVaultClosed
	}

	chainID, ok := v.records[recordID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	chain := v.chains[chainID]

	res := chain.Resolve()
	if res.State != StateLive {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}

	v.blobMu.Lock()
	ciphertext, ok := v.blobs[res.Blob]
	v.blobMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("payload %s missing for record %s", res.Blob, recordID)
	}

	keyBuf, err := key.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	plaintext, err := v.provider.Decrypt(keyBuf.Bytes(), ciphertext)
	keyBuf.Destroy()
	if err != nil {
		if errors.Is(err, errProviderAuthentication) {
			return nil, fmt.Errorf("%w: %s", ErrDecryptionFailure, recordID)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	return &ReadResult{
		Payload: plaintext,
		Hint:    res.Hint.Bytes(),
	}, nil
}

// Revoke appends a Revoke transaction superseding the record's live Create.
// See VaultService.Revoke.
func (v *Vault) Revoke(key *Key, recordID RecordID) (Transaction, error) {
	start := time.Now()
	requestID := v.newRequestID()

	tx, err := v.revoke(key, recordID)
	meta := map[string]interface{}{
		"record_id":   string(recordID),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err == nil {
		meta["chain_id"] = string(tx.ChainID)
		meta["transaction_id"] = uint64(tx.ID)
	}
	v.logAudit(requestID, "record_revoke", err, meta)
	return tx, err
}

func (v *Vault) revoke(key *Key, recordID RecordID) (Transaction, error) {
	if v.closed.Load() {
		return Transaction{}, ErrVaultClosed
	}
	if err := validateRecordID(recordID); err != nil {
		return Transaction{}, err
	}
	if !key.issuedFor(v.id) {
		return Transaction{}, ErrKeyMismatch
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed.Load() {
		return Transaction{}, ErrVaultClosed
	}

	chainID, ok := v.records[recordID]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	chain := v.chains[chainID]

	chain.mu.Lock()
	defer chain.mu.Unlock()

	res := chain.resolveLocked()
	switch res.State {
	case StateEmpty:
		return Transaction{}, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	case StateRevoked:
		if v.revokePolicy == RevokeStrict {
			return Transaction{}, fmt.Errorf("%w: %s", ErrRecordAlreadyRevoked, recordID)
		}
	}

	// The revoke references the chain's most recent Create, which under the
	// log-everything policy may already be superseded by an earlier Revoke.
	target := res.Blob
	if target.IsZero() {
		target = chain.lastCreateLocked()
	}
	if target.IsZero() {
		return Transaction{}, fmt.Errorf("no create to revoke on chain %s", chain.id)
	}

	tx := newRevoke(TransactionID(v.nextTx.Add(1)), chain.id, target)
	if err := chain.appendLocked(tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// ListRecords returns the status of every known record, sorted by record ID.
func (v *Vault) ListRecords() ([]RecordStatus, error) {
	if v.closed.Load() {
		return nil, ErrVaultClosed
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	statuses := make([]RecordStatus, 0, len(v.records))
	for recordID, chainID := range v.records {
		chain := v.chains[chainID]
		res := chain.Resolve()
		status := RecordStatus{
			RecordID:     recordID,
			ChainID:      chainID,
			State:        res.State,
			Transactions: chain.Len(),
		}
		if res.State == StateLive {
			status.Hint = res.Hint.Bytes()
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].RecordID < statuses[j].RecordID
	})
	return statuses, nil
}

// Close releases the vault. See VaultService.Close.
func (v *Vault) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	requestID := v.newRequestID()

	v.mu.Lock()
	v.blobMu.Lock()
	for id, ciphertext := range v.blobs {
		memguard.WipeBytes(ciphertext)
		delete(v.blobs, id)
	}
	v.blobMu.Unlock()
	v.records = make(map[RecordID]ChainID)
	v.chains = make(map[ChainID]*Chain)
	v.mu.Unlock()

	var errs []error
	if v.store != nil {
		if err := v.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	if v.memoryLocked {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
		}
	}

	v.logAudit(requestID, "vault_close", errors.Join(errs...), nil)
	if err := v.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}

	return errors.Join(errs...)
}

// getOrCreateChain returns the chain for recordID, provisioning one when the
// record is new. Double-checked under the exclusive lock so two racing
// writers settle on the same chain.
func (v *Vault) getOrCreateChain(recordID RecordID) *Chain {
	v.mu.RLock()
	if chainID, ok := v.records[recordID]; ok {
		chain := v.chains[chainID]
		v.mu.RUnlock()
		return chain
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if chainID, ok := v.records[recordID]; ok {
		return v.chains[chainID]
	}
	chain := newChain(newChainID(), recordID)
	v.records[recordID] = chain.id
	v.chains[chain.id] = chain
	return chain
}

func (v *Vault) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if v.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["request_id"] = requestID
	if v.userID != "" {
		metadata["user_id"] = v.userID
	}

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := v.audit.Log(action, success, metadata); auditErr != nil {
		log.Printf("ERROR: audit logging failed for action %s: %v\n", action, auditErr)
	}
}

func (v *Vault) newRequestID() string {
	return uuid.NewString()
}
