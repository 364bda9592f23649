package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrKeyNotHeld is returned when a custodian has no copy of the requested key
var ErrKeyNotHeld = errors.New("key not held by custodian")

// Custodian holds recoverable copies of data encryption keys.
// Without a custodian a key exists only for the duration of one encryption.
type Custodian interface {
	// Deposit stores a copy of key. The caller keeps ownership of key.
	Deposit(ctx context.Context, keyID string, key []byte) error

	// Withdraw returns the key in a locked buffer the caller must Destroy
	Withdraw(ctx context.Context, keyID string) (*memguard.LockedBuffer, error)

	// Destroy forgets the key. Destroying an unknown key is not an error.
	Destroy(ctx context.Context, keyID string) error
}

// EnclaveCustodian keeps keys sealed in memguard enclaves for the lifetime
// of the process.
type EnclaveCustodian struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

func NewEnclaveCustodian() *EnclaveCustodian {
	return &EnclaveCustodian{enclaves: make(map[string]*memguard.Enclave)}
}

func (c *EnclaveCustodian) Deposit(ctx context.Context, keyID string, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("cannot deposit empty key %s", keyID)
	}
	// NewEnclave wipes its input, so seal a copy
	tmp := make([]byte, len(key))
	copy(tmp, key)
	enclave := memguard.NewEnclave(tmp)
	if enclave == nil {
		return fmt.Errorf("failed to seal key %s", keyID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.enclaves[keyID] = enclave
	return nil
}

func (c *EnclaveCustodian) Withdraw(ctx context.Context, keyID string) (*memguard.LockedBuffer, error) {
	c.mu.RLock()
	enclave, ok := c.enclaves[keyID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotHeld
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open enclave for key %s: %w", keyID, err)
	}
	return buf, nil
}

func (c *EnclaveCustodian) Destroy(ctx context.Context, keyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.enclaves, keyID)
	return nil
}

// Held reports how many keys the custodian currently holds
func (c *EnclaveCustodian) Held() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.enclaves)
}
