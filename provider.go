package chainvault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/chainvault/internal/misc"
)

// errProviderAuthentication is raised by providers when ciphertext fails
// authentication. The vault maps it onto ErrDecryptionFailure so callers see
// one taxonomy regardless of the provider in use.
var errProviderAuthentication = errors.New("ciphertext authentication failed")

// CipherProvider is the pluggable cryptographic capability behind the vault.
//
// The vault is generic over this interface and never hard-codes an
// algorithm: all encryption, decryption, and key derivation flow through the
// provider selected at vault construction, and no algorithm-specific logic
// leaks into Chain, Vault, or Transaction. Implementations must provide
// authenticated encryption: Decrypt is required to fail for ciphertext that
// was tampered with or sealed under a different key, and that failure must
// be distinguishable from any other error.
//
// Implementations are expected to be stateless and safe for concurrent use;
// key material is handed in per call and must not be retained.
type CipherProvider interface {
	// Name identifies the provider in audit events and snapshots.
	Name() string

	// KeySize returns the exact key length in bytes the provider requires.
	KeySize() int

	// Encrypt seals plaintext under the given key and returns a
	// self-contained ciphertext (any nonce or header the provider needs is
	// embedded in the output).
	Encrypt(key, plaintext []byte) ([]byte, error)

	// Decrypt opens a ciphertext produced by Encrypt. Authentication
	// failures wrap errProviderAuthentication.
	Decrypt(key, ciphertext []byte) ([]byte, error)

	// DeriveKey stretches caller-supplied input into key material of
	// exactly KeySize bytes using the given salt.
	DeriveKey(input, salt []byte) ([]byte, error)
}

// ChaCha20Poly1305Provider implements CipherProvider with ChaCha20-Poly1305
// AEAD (RFC 8439) and Argon2id key derivation. It is the default provider.
//
// Ciphertext layout: [12 bytes nonce][ciphertext + 16 byte Poly1305 tag].
// A fresh random nonce is generated for every encryption.
type ChaCha20Poly1305Provider struct{}

// NewChaCha20Poly1305Provider returns the default cipher provider.
func NewChaCha20Poly1305Provider() *ChaCha20Poly1305Provider {
	return &ChaCha20Poly1305Provider{}
}

func (p *ChaCha20Poly1305Provider) Name() string {
	return "chacha20poly1305"
}

func (p *ChaCha20Poly1305Provider) KeySize() int {
	return chacha20poly1305.KeySize
}

func (p *ChaCha20Poly1305Provider) Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if len(plaintext) > misc.MaxPayloadSize {
		return nil, fmt.Errorf("plaintext too large: %d bytes (max: %d)", len(plaintext), misc.MaxPayloadSize)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to the nonce so the output carries everything Decrypt
	// needs: nonce + ciphertext + auth tag.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *ChaCha20Poly1305Provider) Decrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", errProviderAuthentication)
	}

	nonce := ciphertext[:nonceSize]
	sealed := ciphertext[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errProviderAuthentication, err)
	}
	return plaintext, nil
}

func (p *ChaCha20Poly1305Provider) DeriveKey(input, salt []byte) ([]byte, error) {
	if len(input) == 0 {
		return nil, errors.New("empty derivation input")
	}
	if len(salt) < misc.SaltSize {
		return nil, fmt.Errorf("derivation salt too short: %d bytes (min: %d)", len(salt), misc.SaltSize)
	}

	return argon2.IDKey(
		input,
		salt,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	), nil
}
