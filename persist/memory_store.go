package persist

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps records in process memory. It is the default when no
// durable backend is configured; the chain is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records []LinkRecord
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendLink(ctx context.Context, record LinkRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := uint64(len(m.records))
	if record.Index < next {
		return IndexConflictError{Index: record.Index, Operation: "AppendLink"}
	}
	if record.Index > next {
		return fmt.Errorf("index gap: expected %d, got %d", next, record.Index)
	}
	m.records = append(m.records, record)
	return nil
}

func (m *MemoryStore) LoadLinks(ctx context.Context) ([]LinkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LinkRecord(nil), m.records...), nil
}

// Tamper overwrites a stored record. Only tests use it, to simulate an
// attacker with write access to the backing medium.
func (m *MemoryStore) Tamper(index int, fn func(*LinkRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.records) {
		fn(&m.records[index])
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}
