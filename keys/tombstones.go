// Package keys tracks the lifecycle of ephemeral data encryption keys:
// which key ids were issued, which were shredded, and who (if anyone) holds
// a recoverable copy of the key material.
package keys

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotIssued is returned when shredding a key id that was never issued
var ErrNotIssued = errors.New("key id was never issued")

// Tombstone records that a key id has been crypto-shredded
type Tombstone struct {
	KeyID      string    `json:"key_id"`
	ShreddedAt time.Time `json:"shredded_at"`
}

// TombstoneStore remembers issued key ids and their tombstones.
// A tombstone is permanent: there is no way to un-shred a key.
type TombstoneStore interface {
	// Issue registers a freshly generated key id
	Issue(ctx context.Context, keyID string) error

	// Shred tombstones the key id. Shredding twice returns the original
	// tombstone with already set to true.
	Shred(ctx context.Context, keyID string) (ts Tombstone, already bool, err error)

	// IsShredded reports whether a tombstone exists for the key id
	IsShredded(ctx context.Context, keyID string) (bool, error)

	Close() error
}

// MemoryTombstones is the in-process TombstoneStore
type MemoryTombstones struct {
	mu         sync.RWMutex
	issued     map[string]struct{}
	tombstones map[string]time.Time
	now        func() time.Time
}

func NewMemoryTombstones() *MemoryTombstones {
	return &MemoryTombstones{
		issued:     make(map[string]struct{}),
		tombstones: make(map[string]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryTombstones) Issue(ctx context.Context, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued[keyID] = struct{}{}
	return nil
}

func (m *MemoryTombstones) Shred(ctx context.Context, keyID string) (Tombstone, bool, error) {
	if err := ctx.Err(); err != nil {
		return Tombstone{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.issued[keyID]; !ok {
		return Tombstone{}, false, ErrNotIssued
	}
	if at, ok := m.tombstones[keyID]; ok {
		return Tombstone{KeyID: keyID, ShreddedAt: at}, true, nil
	}
	at := m.now()
	m.tombstones[keyID] = at
	return Tombstone{KeyID: keyID, ShreddedAt: at}, false, nil
}

func (m *MemoryTombstones) IsShredded(ctx context.Context, keyID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tombstones[keyID]
	return ok, nil
}

func (m *MemoryTombstones) Close() error {
	return nil
}
