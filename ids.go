package chainvault

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"southwinds.dev/chainvault/internal/misc"
)

var recordIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_/.]+$`)

// RecordID is the caller-facing logical name for a record's current value.
// It remains stable across create/revoke/recreate cycles on the same chain.
type RecordID string

// ChainID identifies the chain holding the ordered transaction history for
// one RecordID. Chain IDs are assigned by the vault when a record's chain is
// first provisioned and never reused.
type ChainID string

// newChainID mints a fresh chain identifier.
func newChainID() ChainID {
	return ChainID(uuid.NewString())
}

// TransactionID identifies a single transaction. IDs are allocated from one
// vault-wide counter, so they are unique across the vault and strictly
// increasing within every chain, which establishes the chain's total order.
type TransactionID uint64

// BlobID is the content identifier of an encrypted payload: the SHA-256 of
// the ciphertext. Identical ciphertext is therefore addressable by the same
// identifier, and any tampering with stored ciphertext is detectable by
// recomputing the hash.
type BlobID [sha256.Size]byte

// NewBlobID derives the content identifier for the given ciphertext.
func NewBlobID(ciphertext []byte) BlobID {
	return sha256.Sum256(ciphertext)
}

// IsZero reports whether the identifier is unset.
func (b BlobID) IsZero() bool {
	return b == BlobID{}
}

func (b BlobID) String() string {
	return hex.EncodeToString(b[:])
}

// MarshalText encodes the identifier as lowercase hex for log serialization.
func (b BlobID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b[:])), nil
}

func (b *BlobID) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid blob ID encoding: %w", err)
	}
	if len(raw) != sha256.Size {
		return fmt.Errorf("invalid blob ID length: %d", len(raw))
	}
	copy(b[:], raw)
	return nil
}

// Kind distinguishes the two transaction variants. The set is closed: a
// chain is folded exclusively from Create and Revoke entries.
type Kind uint8

const (
	// KindCreate records a new encrypted payload for the chain's record.
	KindCreate Kind = iota + 1
	// KindRevoke marks the chain's live Create as invalid.
	KindRevoke
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindRevoke:
		return "revoke"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) valid() bool {
	return k == KindCreate || k == KindRevoke
}

// MarshalText serializes the kind by name so exported logs stay readable.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.valid() {
		return nil, fmt.Errorf("unknown transaction kind: %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "create":
		*k = KindCreate
	case "revoke":
		*k = KindRevoke
	default:
		return fmt.Errorf("unknown transaction kind: %q", text)
	}
	return nil
}

// RecordHint is a short fixed-size, non-secret tag stored unencrypted next
// to a Create transaction for operator bookkeeping. By contract it must
// never contain sensitive data; enforcing that is the caller's
// responsibility, not the vault's. Shorter tags are zero-padded.
type RecordHint [misc.HintSize]byte

// NewRecordHint builds a hint from the given tag, truncating anything past
// the fixed size.
func NewRecordHint(tag []byte) RecordHint {
	var h RecordHint
	copy(h[:], tag)
	return h
}

// Bytes returns the hint with trailing zero padding removed.
func (h RecordHint) Bytes() []byte {
	return bytes.TrimRight(h[:], "\x00")
}

func (h RecordHint) String() string {
	return string(h.Bytes())
}

// MarshalText encodes the trimmed hint as hex so arbitrary tag bytes
// survive log serialization.
func (h RecordHint) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h.Bytes())), nil
}

func (h *RecordHint) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid record hint encoding: %w", err)
	}
	if len(raw) > misc.HintSize {
		return fmt.Errorf("record hint too long: %d bytes (max: %d)", len(raw), misc.HintSize)
	}
	*h = NewRecordHint(raw)
	return nil
}

// validateRecordID applies the same naming rules the vault uses everywhere a
// caller-supplied identifier reaches storage or audit output.
func validateRecordID(recordID RecordID) error {
	id := string(recordID)
	if id == "" {
		return fmt.Errorf("record ID cannot be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("record ID too long (max 255 characters)")
	}

	// Check for path traversal attempts
	if strings.Contains(id, "..") {
		return fmt.Errorf("record ID contains invalid path traversal sequence")
	}

	// Check for double slashes
	if strings.Contains(id, "//") {
		return fmt.Errorf("record ID contains double slashes")
	}

	// Check for leading or trailing slashes
	if strings.HasPrefix(id, "/") || strings.HasSuffix(id, "/") {
		return fmt.Errorf("record ID cannot start or end with slash")
	}

	if !recordIDRegex.MatchString(id) {
		return fmt.Errorf("record ID '%s' contains invalid characters (allowed: a-z, A-Z, 0-9, -, _, /, .)", id)
	}

	return nil
}
