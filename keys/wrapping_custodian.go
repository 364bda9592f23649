package keys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/awnumar/memguard"
	"southwinds.dev/veritas/internal/crypto"
	"southwinds.dev/veritas/internal/misc"
)

var keyIDPattern = regexp.MustCompile(`^[0-9a-f]{1,64}$`)

// WrappingCustodian wraps each key under a key encryption key derived from a
// passphrase with Argon2id. Wrapped keys are kept in memory and, when a
// directory is configured, written to one file per key so they survive a
// restart. Destroying a key removes the wrapped copy, which shreds it.
type WrappingCustodian struct {
	kek *memguard.Enclave
	dir string

	mu      sync.RWMutex
	wrapped map[string][]byte
}

// NewWrappingCustodian derives the KEK from passphrase and salt. The
// passphrase slice is wiped before returning.
func NewWrappingCustodian(passphrase, salt []byte, dir string) (*WrappingCustodian, error) {
	defer memguard.WipeBytes(passphrase)

	kekBuffer, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key encryption key: %w", err)
	}
	// Seal destroys the buffer
	kek := kekBuffer.Seal()

	if dir != "" {
		if err = os.MkdirAll(dir, misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create custodian directory %s: %w", dir, err)
		}
	}

	return &WrappingCustodian{
		kek:     kek,
		dir:     dir,
		wrapped: make(map[string][]byte),
	}, nil
}

func (c *WrappingCustodian) Deposit(ctx context.Context, keyID string, key []byte) error {
	if !keyIDPattern.MatchString(keyID) {
		return fmt.Errorf("invalid key id %q", keyID)
	}

	kek, err := c.kek.Open()
	if err != nil {
		return fmt.Errorf("failed to open key encryption key: %w", err)
	}
	defer kek.Destroy()

	sealed, err := crypto.Seal(key, kek.Bytes())
	if err != nil {
		return fmt.Errorf("failed to wrap key %s: %w", keyID, err)
	}

	if c.dir != "" {
		if err = os.WriteFile(c.keyPath(keyID), sealed, misc.FilePermissions); err != nil {
			return fmt.Errorf("failed to persist wrapped key %s: %w", keyID, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrapped[keyID] = sealed
	return nil
}

func (c *WrappingCustodian) Withdraw(ctx context.Context, keyID string) (*memguard.LockedBuffer, error) {
	sealed, err := c.lookup(keyID)
	if err != nil {
		return nil, err
	}

	kek, err := c.kek.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key encryption key: %w", err)
	}
	defer kek.Destroy()

	key, err := crypto.Open(sealed, kek.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key %s: %w", keyID, err)
	}
	return memguard.NewBufferFromBytes(key), nil
}

func (c *WrappingCustodian) Destroy(ctx context.Context, keyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sealed, ok := c.wrapped[keyID]; ok {
		memguard.WipeBytes(sealed)
		delete(c.wrapped, keyID)
	}
	if c.dir != "" && keyIDPattern.MatchString(keyID) {
		if err := os.Remove(c.keyPath(keyID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove wrapped key %s: %w", keyID, err)
		}
	}
	return nil
}

func (c *WrappingCustodian) lookup(keyID string) ([]byte, error) {
	c.mu.RLock()
	sealed, ok := c.wrapped[keyID]
	c.mu.RUnlock()
	if ok {
		return sealed, nil
	}
	if c.dir == "" || !keyIDPattern.MatchString(keyID) {
		return nil, ErrKeyNotHeld
	}

	data, err := os.ReadFile(c.keyPath(keyID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyNotHeld
		}
		return nil, fmt.Errorf("failed to read wrapped key %s: %w", keyID, err)
	}

	c.mu.Lock()
	c.wrapped[keyID] = data
	c.mu.Unlock()
	return data, nil
}

func (c *WrappingCustodian) keyPath(keyID string) string {
	return filepath.Join(c.dir, keyID+".key")
}
