package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/veritas/internal/misc"
)

// ErrCiphertextTooShort is returned when sealed data cannot hold a nonce and tag
var ErrCiphertextTooShort = errors.New("encrypted data too short")

// NewKey generates a random data encryption key inside a locked buffer.
// The caller owns the buffer and must Destroy it.
func NewKey() (*memguard.LockedBuffer, error) {
	key := memguard.NewBufferRandom(misc.KeySize)
	if key == nil || key.Size() != misc.KeySize {
		return nil, errors.New("failed to allocate key buffer")
	}
	return key, nil
}

// KeyID derives the public reference of a key: the first 16 hex characters
// of its SHA-256 digest. It is one-way and never reveals the key.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])[:misc.KeyIDLength]
}

// Seal encrypts value under key with ChaCha20-Poly1305 and returns nonce || ciphertext
func Seal(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, value, nil), nil
}

// Open reverses Seal. Any modification of the sealed bytes fails authentication.
func Open(sealed, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce := sealed[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// NewSalt returns SaltSize random bytes for key derivation
func NewSalt() ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches a passphrase into a key encryption key with Argon2id.
// The derived bytes only ever live in the returned locked buffer.
func DeriveKey(passphrase []byte, salt []byte) (*memguard.LockedBuffer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if len(salt) < misc.SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", misc.SaltSize)
	}

	derivedKey := argon2.IDKey(
		passphrase,
		salt,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// NewBufferFromBytes wipes the source slice
	return memguard.NewBufferFromBytes(derivedKey), nil
}

// IsWeakKey flags keys that are short, constant or have too little byte variety
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]struct{}, len(key))
	for _, b := range key {
		uniqueBytes[b] = struct{}{}
	}

	// 32 random bytes practically always have more than 16 distinct values
	return len(uniqueBytes) < 16
}
