package veritas

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/veritas/internal/crypto"
	"southwinds.dev/veritas/internal/misc"
	"southwinds.dev/veritas/keys"
)

// purge enclaves and locked buffers if the process is interrupted
func init() {
	memguard.CatchInterrupt()
}

var errWeakKey = errors.New("generated key failed strength check")

// KeyEnvelope is the result of one encryption. It references the key only by
// its id; the key itself never appears here.
type KeyEnvelope struct {
	KeyID        string `json:"key_id"`
	Ciphertext   string `json:"ciphertext"` // base64(nonce || sealed)
	AlgorithmTag string `json:"algorithm_tag"`
}

// ShredReceipt confirms a key id is no longer honoured
type ShredReceipt struct {
	KeyID           string    `json:"key_id"`
	ShreddedAt      time.Time `json:"shredded_at"`
	AlreadyShredded bool      `json:"already_shredded"`
}

// EnvelopeService encrypts each payload under a fresh, single-use key.
//
// The key lives in a memguard locked buffer for the duration of one Encrypt
// call and is destroyed on every return path. If a Custodian is configured it
// receives a copy, which makes the ciphertext recoverable until the key id is
// shredded; otherwise the ciphertext can never be decrypted again once
// Encrypt returns.
type EnvelopeService struct {
	tombstones   keys.TombstoneStore
	custodian    keys.Custodian
	maxPlaintext int
	newKey       func() (*memguard.LockedBuffer, error)
}

// NewEnvelopeService creates an envelope service. Tombstones default to an
// in-memory store and no custodian is configured.
func NewEnvelopeService(opts ...EnvelopeOption) *EnvelopeService {
	s := &EnvelopeService{
		tombstones:   keys.NewMemoryTombstones(),
		maxPlaintext: misc.MaxPlaintextSize,
		newKey:       crypto.NewKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Encrypt seals plaintext under a new key and returns the envelope.
// Every failure is a *CryptoError.
func (s *EnvelopeService) Encrypt(ctx context.Context, plaintext []byte) (*KeyEnvelope, error) {
	if len(plaintext) > s.maxPlaintext {
		return nil, &CryptoError{Op: "encrypt", Err: fmt.Errorf("plaintext of %d bytes exceeds limit of %d", len(plaintext), s.maxPlaintext)}
	}

	key, err := s.newKey()
	if err != nil {
		return nil, &CryptoError{Op: "generate key", Err: err}
	}
	defer key.Destroy()

	if crypto.IsWeakKey(key.Bytes()) {
		return nil, &CryptoError{Op: "generate key", Err: errWeakKey}
	}

	keyID := crypto.KeyID(key.Bytes())

	sealed, err := crypto.Seal(plaintext, key.Bytes())
	if err != nil {
		return nil, &CryptoError{Op: "encrypt", Err: err}
	}

	if s.custodian != nil {
		if err = s.custodian.Deposit(ctx, keyID, key.Bytes()); err != nil {
			return nil, &CryptoError{Op: "deposit key", Err: err}
		}
	}
	// the id is issued only once nothing else can fail
	if err = s.tombstones.Issue(ctx, keyID); err != nil {
		if s.custodian != nil {
			if destroyErr := s.custodian.Destroy(ctx, keyID); destroyErr != nil {
				log.Printf("WARNING: failed to destroy deposited key %s: %v\n", keyID, destroyErr)
			}
		}
		return nil, &CryptoError{Op: "register key", Err: err}
	}

	return &KeyEnvelope{
		KeyID:        keyID,
		Ciphertext:   base64.StdEncoding.EncodeToString(sealed),
		AlgorithmTag: AlgorithmTag,
	}, nil
}

// Decrypt opens envelope with key. The key must be the one that produced the
// envelope: its id is checked before any decryption is attempted.
func (s *EnvelopeService) Decrypt(envelope *KeyEnvelope, key []byte) ([]byte, error) {
	if envelope == nil {
		return nil, newValidationError("envelope", "cannot be nil")
	}
	if envelope.AlgorithmTag != AlgorithmTag {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("unsupported algorithm %q", envelope.AlgorithmTag)}
	}
	if crypto.KeyID(key) != envelope.KeyID {
		return nil, &CryptoError{Op: "decrypt", Err: errors.New("key does not match envelope key id")}
	}

	sealed, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("invalid ciphertext encoding: %w", err)}
	}

	plaintext, err := crypto.Open(sealed, key)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	return plaintext, nil
}

// Recover decrypts envelope with the key held by the custodian. A shredded
// key id fails with *ShredError even if a copy of the key still exists.
func (s *EnvelopeService) Recover(ctx context.Context, envelope *KeyEnvelope) ([]byte, error) {
	if envelope == nil {
		return nil, newValidationError("envelope", "cannot be nil")
	}

	shredded, err := s.tombstones.IsShredded(ctx, envelope.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to check tombstone: %w", err)
	}
	if shredded {
		return nil, &ShredError{KeyID: envelope.KeyID, Reason: "key has been shredded"}
	}
	if s.custodian == nil {
		return nil, &CryptoError{Op: "recover", Err: keys.ErrKeyNotHeld}
	}

	key, err := s.custodian.Withdraw(ctx, envelope.KeyID)
	if err != nil {
		return nil, &CryptoError{Op: "recover", Err: err}
	}
	defer key.Destroy()

	return s.Decrypt(envelope, key.Bytes())
}

// Shred tombstones keyID and destroys any custodian copy. Shredding twice is
// not an error: the second receipt reports AlreadyShredded and carries the
// original time. Shredding a key id this service never issued is a *ShredError.
func (s *EnvelopeService) Shred(ctx context.Context, keyID string) (*ShredReceipt, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, newValidationError("key_id", "cannot be empty")
	}

	tombstone, already, err := s.tombstones.Shred(ctx, keyID)
	if err != nil {
		if errors.Is(err, keys.ErrNotIssued) {
			return nil, &ShredError{KeyID: keyID, Reason: "key id was never issued"}
		}
		return nil, fmt.Errorf("failed to shred key %s: %w", keyID, err)
	}

	if s.custodian != nil {
		if err = s.custodian.Destroy(ctx, keyID); err != nil {
			// the tombstone already denies recovery, keep the receipt
			log.Printf("WARNING: custodian failed to destroy key %s: %v\n", keyID, err)
		}
	}

	return &ShredReceipt{
		KeyID:           keyID,
		ShreddedAt:      tombstone.ShreddedAt,
		AlreadyShredded: already,
	}, nil
}

// IsShredded reports whether keyID has been tombstoned
func (s *EnvelopeService) IsShredded(ctx context.Context, keyID string) (bool, error) {
	return s.tombstones.IsShredded(ctx, keyID)
}

// Close releases the tombstone store
func (s *EnvelopeService) Close() error {
	return s.tombstones.Close()
}
