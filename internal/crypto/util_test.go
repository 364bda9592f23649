package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/veritas/internal/misc"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	defer key.Destroy()

	cases := [][]byte{
		{},
		[]byte("hello"),
		[]byte("Unicode: こんにちは"),
		make([]byte, 10241),
	}
	for _, tc := range cases {
		sealed, err := Seal(tc, key.Bytes())
		require.NoError(t, err)
		assert.Len(t, sealed, 12+len(tc)+16)

		opened, err := Open(sealed, key.Bytes())
		require.NoError(t, err)
		assert.True(t, bytes.Equal(tc, opened))
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	defer key.Destroy()

	sealed, err := Seal([]byte("payload"), key.Bytes())
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = Open(sealed, key.Bytes())
	assert.Error(t, err)

	_, err = Open(sealed[:10], key.Bytes())
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestOpenWithWrongKey(t *testing.T) {
	k1, err := NewKey()
	require.NoError(t, err)
	defer k1.Destroy()
	k2, err := NewKey()
	require.NoError(t, err)
	defer k2.Destroy()

	sealed, err := Seal([]byte("payload"), k1.Bytes())
	require.NoError(t, err)
	_, err = Open(sealed, k2.Bytes())
	assert.Error(t, err)
}

func TestKeyID(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, misc.KeySize)
	sum := sha256.Sum256(key)

	id := KeyID(key)
	assert.Len(t, id, misc.KeyIDLength)
	assert.Equal(t, hex.EncodeToString(sum[:])[:16], id)
	assert.Equal(t, id, KeyID(key))
}

func TestNewKeyIsStrong(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	defer key.Destroy()

	assert.Equal(t, misc.KeySize, key.Size())
	assert.False(t, IsWeakKey(key.Bytes()))
}

func TestIsWeakKey(t *testing.T) {
	assert.True(t, IsWeakKey(make([]byte, 16)))
	assert.True(t, IsWeakKey(make([]byte, misc.KeySize)))
	assert.True(t, IsWeakKey(bytes.Repeat([]byte{7}, misc.KeySize)))
	assert.True(t, IsWeakKey(bytes.Repeat([]byte{1, 2, 3, 4}, 8)))

	varied := make([]byte, misc.KeySize)
	for i := range varied {
		varied[i] = byte(i * 7)
	}
	assert.False(t, IsWeakKey(varied))
}

func TestDeriveKey(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	k1, err := DeriveKey([]byte("correct horse battery staple"), salt)
	require.NoError(t, err)
	defer k1.Destroy()
	k2, err := DeriveKey([]byte("correct horse battery staple"), salt)
	require.NoError(t, err)
	defer k2.Destroy()

	assert.Equal(t, int(misc.ArgonKeyLen), k1.Size())
	assert.True(t, bytes.Equal(k1.Bytes(), k2.Bytes()))

	_, err = DeriveKey(nil, salt)
	assert.Error(t, err)
	_, err = DeriveKey([]byte("pass"), []byte("short"))
	assert.Error(t, err)
}

func TestCalculateChecksum(t *testing.T) {
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		CalculateChecksum([]byte("abc")))
}
