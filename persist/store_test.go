package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTenant = "test-tenant"

var genesis = fmt.Sprintf("%064d", 0)

// testRecords builds n well-formed records. The hashes only need the right
// shape here; chain validity is checked by the ledger, not the store.
func testRecords(n int) []LinkRecord {
	records := make([]LinkRecord, n)
	prev := genesis
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < n; i++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("record-%d", i)))
		lock := hex.EncodeToString(sum[:])
		records[i] = LinkRecord{
			Index:             uint64(i),
			Timestamp:         base.Add(time.Duration(i) * time.Microsecond).Format(time.RFC3339Nano),
			ActorIdentity:     "tester",
			ActionType:        "DATA_ENCRYPT",
			ArtifactSignature: fmt.Sprintf("key-%04d", i),
			PreviousHash:      prev,
			LockHash:          lock,
		}
		prev = lock
	}
	return records
}

// testStoreImplementation exercises the LinkStore contract shared by every backend
func testStoreImplementation(t *testing.T, store LinkStore) {
	ctx := context.Background()
	records := testRecords(5)

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx), "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType(), "Store type should not be empty")
	})

	t.Run("LoadEmpty", func(t *testing.T) {
		loaded, err := store.LoadLinks(ctx)
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("AppendAndLoad", func(t *testing.T) {
		for _, r := range records {
			require.NoError(t, store.AppendLink(ctx, r))
		}
		loaded, err := store.LoadLinks(ctx)
		require.NoError(t, err)
		assert.Equal(t, records, loaded)
	})

	t.Run("DuplicateIndexConflicts", func(t *testing.T) {
		dup := records[2]
		dup.ActorIdentity = "intruder"
		err := store.AppendLink(ctx, dup)
		require.Error(t, err)

		var conflict IndexConflictError
		require.True(t, errors.As(err, &conflict), "expected IndexConflictError, got %v", err)
		assert.Equal(t, uint64(2), conflict.Index)
		assert.True(t, conflict.IsConcurrencyError())

		loaded, err := store.LoadLinks(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tester", loaded[2].ActorIdentity, "stored record must be untouched")
	})

	t.Run("GapRejected", func(t *testing.T) {
		gap := testRecords(8)[7]
		err := store.AppendLink(ctx, gap)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gap")

		loaded, err := store.LoadLinks(ctx)
		require.NoError(t, err)
		assert.Len(t, loaded, len(records))
	})

	t.Run("InvalidRecordRejected", func(t *testing.T) {
		bad := testRecords(6)[5]
		bad.LockHash = "short"
		assert.Error(t, store.AppendLink(ctx, bad))
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStoreImplementation(t, store)

	t.Run("Tamper", func(t *testing.T) {
		store.Tamper(1, func(r *LinkRecord) { r.ActorIdentity = "mallory" })
		loaded, err := store.LoadLinks(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "mallory", loaded[1].ActorIdentity)
	})

	t.Run("LoadReturnsCopy", func(t *testing.T) {
		loaded, err := store.LoadLinks(context.Background())
		require.NoError(t, err)
		loaded[0].ActionType = "CHANGED"
		again, err := store.LoadLinks(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, "CHANGED", again[0].ActionType)
	})
}

func TestMemoryStoreConcurrentAppend(t *testing.T) {
	store := NewMemoryStore()
	records := testRecords(1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.AppendLink(context.Background(), records[0]); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes, "exactly one writer may claim an index")
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().AppendLink(ctx, testRecords(1)[0])
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", testTenant)
	require.NoError(t, err)
	defer store.Close()

	testStoreImplementation(t, store)
}

func TestSQLiteStoreTenantIsolation(t *testing.T) {
	path := t.TempDir() + "/chain.db"
	a, err := NewSQLiteStore(path, "tenant-a")
	require.NoError(t, err)

	require.NoError(t, a.AppendLink(context.Background(), testRecords(1)[0]))
	require.NoError(t, a.Close())

	b, err := NewSQLiteStore(path, "tenant-b")
	require.NoError(t, err)
	defer b.Close()

	loaded, err := b.LoadLinks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
	require.NoError(t, b.AppendLink(context.Background(), testRecords(1)[0]))
}

func TestNewStore(t *testing.T) {
	t.Run("DefaultsToMemory", func(t *testing.T) {
		store, err := NewStore(StoreConfig{}, testTenant)
		require.NoError(t, err)
		assert.Equal(t, string(StoreTypeMemory), store.GetType())
	})

	t.Run("FileSystem", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": t.TempDir()},
		}, testTenant)
		require.NoError(t, err)
		assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
	})

	t.Run("SQLite", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type:   StoreTypeSQLite,
			Config: map[string]interface{}{"path": ":memory:"},
		}, testTenant)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, string(StoreTypeSQLite), store.GetType())
	})

	t.Run("MissingOptions", func(t *testing.T) {
		for _, st := range []StoreType{StoreTypeFileSystem, StoreTypePostgres, StoreTypeSQLite} {
			_, err := NewStore(StoreConfig{Type: st, Config: map[string]interface{}{}}, testTenant)
			assert.Error(t, err, "store type %s", st)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: "tape"}, testTenant)
		assert.ErrorContains(t, err, "unsupported store type")
	})
}

func TestValidateTenantID(t *testing.T) {
	assert.NoError(t, validateTenantID("acme-prod"))
	for _, bad := range []string{"", "../etc", "a/b", `a\b`, "a b", string(make([]byte, 101))} {
		assert.Error(t, validateTenantID(bad), "tenant %q", bad)
	}
}
