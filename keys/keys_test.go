package keys

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTombstoneStore(t *testing.T, store TombstoneStore) {
	ctx := context.Background()

	t.Run("ShredUnknown", func(t *testing.T) {
		_, _, err := store.Shred(ctx, "0123456789abcdef")
		assert.ErrorIs(t, err, ErrNotIssued)
	})

	t.Run("IssueAndShred", func(t *testing.T) {
		require.NoError(t, store.Issue(ctx, "aaaaaaaaaaaaaaaa"))

		shredded, err := store.IsShredded(ctx, "aaaaaaaaaaaaaaaa")
		require.NoError(t, err)
		assert.False(t, shredded)

		first, already, err := store.Shred(ctx, "aaaaaaaaaaaaaaaa")
		require.NoError(t, err)
		assert.False(t, already)
		assert.Equal(t, "aaaaaaaaaaaaaaaa", first.KeyID)
		assert.False(t, first.ShreddedAt.IsZero())

		shredded, err = store.IsShredded(ctx, "aaaaaaaaaaaaaaaa")
		require.NoError(t, err)
		assert.True(t, shredded)
	})

	t.Run("ShredIsIdempotent", func(t *testing.T) {
		require.NoError(t, store.Issue(ctx, "bbbbbbbbbbbbbbbb"))
		first, _, err := store.Shred(ctx, "bbbbbbbbbbbbbbbb")
		require.NoError(t, err)

		second, already, err := store.Shred(ctx, "bbbbbbbbbbbbbbbb")
		require.NoError(t, err)
		assert.True(t, already)
		assert.True(t, first.ShreddedAt.Equal(second.ShreddedAt), "tombstone time must not move")
	})

	t.Run("ConcurrentShredHasOneWinner", func(t *testing.T) {
		require.NoError(t, store.Issue(ctx, "cccccccccccccccc"))

		var wg sync.WaitGroup
		var mu sync.Mutex
		fresh := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, already, err := store.Shred(ctx, "cccccccccccccccc")
				if err == nil && !already {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, fresh)
	})
}

func TestMemoryTombstones(t *testing.T) {
	store := NewMemoryTombstones()
	defer store.Close()
	testTombstoneStore(t, store)
}

func TestRedisTombstones(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	store, err := NewRedisTombstones(context.Background(), RedisOptions{Addr: mr.Addr(), Namespace: "test"})
	require.NoError(t, err)
	defer store.Close()

	testTombstoneStore(t, store)

	t.Run("Layout", func(t *testing.T) {
		assert.True(t, mr.Exists("test:keys:issued"))
		members, err := mr.SMembers("test:keys:issued")
		require.NoError(t, err)
		assert.Contains(t, members, "aaaaaaaaaaaaaaaa")
		assert.NotEmpty(t, mr.HGet("test:keys:tombstones", "aaaaaaaaaaaaaaaa"))
	})
}

func TestRedisTombstonesSharedBetweenClients(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	a := NewRedisTombstonesWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	b := NewRedisTombstonesWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Issue(ctx, "dddddddddddddddd"))
	_, already, err := b.Shred(ctx, "dddddddddddddddd")
	require.NoError(t, err)
	assert.False(t, already)

	shredded, err := a.IsShredded(ctx, "dddddddddddddddd")
	require.NoError(t, err)
	assert.True(t, shredded)
}

func TestNewRedisTombstonesUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisTombstones(context.Background(), RedisOptions{Addr: addr})
	assert.ErrorContains(t, err, "failed to reach redis")
}

func testCustodian(t *testing.T, c Custodian) {
	ctx := context.Background()
	key := bytes.Repeat([]byte{0x42, 0x17}, 16)
	original := append([]byte(nil), key...)

	_, err := c.Withdraw(ctx, "0000000000000001")
	assert.ErrorIs(t, err, ErrKeyNotHeld)

	require.NoError(t, c.Deposit(ctx, "0000000000000001", key))
	assert.Equal(t, original, key, "deposit must not modify the caller's key")

	buf, err := c.Withdraw(ctx, "0000000000000001")
	require.NoError(t, err)
	assert.Equal(t, original, buf.Bytes())
	buf.Destroy()

	require.NoError(t, c.Destroy(ctx, "0000000000000001"))
	_, err = c.Withdraw(ctx, "0000000000000001")
	assert.ErrorIs(t, err, ErrKeyNotHeld)

	assert.NoError(t, c.Destroy(ctx, "ffffffffffffffff"), "destroying an unknown key is fine")
}

func TestEnclaveCustodian(t *testing.T) {
	c := NewEnclaveCustodian()
	testCustodian(t, c)
	assert.Equal(t, 0, c.Held())
}

func TestWrappingCustodian(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, 16)
	c, err := NewWrappingCustodian([]byte("correct horse battery staple"), salt, "")
	require.NoError(t, err)
	testCustodian(t, c)
}

func TestWrappingCustodianPersists(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "custody")
	salt := bytes.Repeat([]byte{9}, 16)
	key := bytes.Repeat([]byte{1, 2, 3, 4}, 8)

	first, err := NewWrappingCustodian([]byte("passphrase-one"), salt, dir)
	require.NoError(t, err)
	require.NoError(t, first.Deposit(ctx, "abcdef0123456789", key))

	onDisk, err := os.ReadFile(filepath.Join(dir, "abcdef0123456789.key"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(onDisk, key), "wrapped file must not contain the raw key")

	// a second instance with the same passphrase recovers the key from disk
	second, err := NewWrappingCustodian([]byte("passphrase-one"), salt, dir)
	require.NoError(t, err)
	buf, err := second.Withdraw(ctx, "abcdef0123456789")
	require.NoError(t, err)
	assert.Equal(t, key, buf.Bytes())
	buf.Destroy()

	// a wrong passphrase cannot unwrap it
	wrong, err := NewWrappingCustodian([]byte("passphrase-two"), salt, dir)
	require.NoError(t, err)
	_, err = wrong.Withdraw(ctx, "abcdef0123456789")
	assert.Error(t, err)

	require.NoError(t, second.Destroy(ctx, "abcdef0123456789"))
	_, err = os.Stat(filepath.Join(dir, "abcdef0123456789.key"))
	assert.True(t, os.IsNotExist(err))
}

func TestWrappingCustodianRejectsBadInput(t *testing.T) {
	_, err := NewWrappingCustodian([]byte("pw"), []byte("short"), "")
	assert.Error(t, err)

	c, err := NewWrappingCustodian([]byte("pw"), bytes.Repeat([]byte{1}, 16), "")
	require.NoError(t, err)
	assert.Error(t, c.Deposit(context.Background(), "../escape", []byte("k")))
}
