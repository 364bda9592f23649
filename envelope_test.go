package veritas

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/veritas/keys"
)

// capturingCustodian keeps plain copies of deposited keys so tests can check
// that key bytes never leak into envelopes.
type capturingCustodian struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func newCapturingCustodian() *capturingCustodian {
	return &capturingCustodian{keys: make(map[string][]byte)}
}

func (c *capturingCustodian) Deposit(_ context.Context, keyID string, key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[keyID] = append([]byte(nil), key...)
	return nil
}

func (c *capturingCustodian) Withdraw(_ context.Context, keyID string) (*memguard.LockedBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keys[keyID]
	if !ok {
		return nil, keys.ErrKeyNotHeld
	}
	return memguard.NewBufferFromBytes(append([]byte(nil), key...)), nil
}

func (c *capturingCustodian) Destroy(_ context.Context, keyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, keyID)
	return nil
}

func (c *capturingCustodian) key(keyID string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[keyID]
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	custodian := newCapturingCustodian()
	svc := NewEnvelopeService(WithCustodian(custodian))
	ctx := context.Background()

	for _, plaintext := range [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{0xAB}, 64*1024)} {
		envelope, err := svc.Encrypt(ctx, plaintext)
		require.NoError(t, err)
		assert.Equal(t, AlgorithmTag, envelope.AlgorithmTag)
		assert.Len(t, envelope.KeyID, 16)

		key := custodian.key(envelope.KeyID)
		require.Len(t, key, 32)

		decrypted, err := svc.Decrypt(envelope, key)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, decrypted))
	}
}

func TestEncryptNeverExposesKey(t *testing.T) {
	custodian := newCapturingCustodian()
	svc := NewEnvelopeService(WithCustodian(custodian))

	envelope, err := svc.Encrypt(context.Background(), []byte("hello"))
	require.NoError(t, err)

	key := custodian.key(envelope.KeyID)
	require.NotEmpty(t, key)

	encoded, err := json.Marshal(envelope)
	require.NoError(t, err)
	sealed, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	require.NoError(t, err)

	for _, form := range [][]byte{
		key,
		[]byte(hex.EncodeToString(key)),
		[]byte(base64.StdEncoding.EncodeToString(key)),
	} {
		assert.False(t, bytes.Contains(encoded, form), "serialized envelope contains key material")
		assert.False(t, bytes.Contains(sealed, form), "ciphertext contains key material")
	}
	assert.False(t, bytes.Contains(sealed, []byte("hello")), "ciphertext contains plaintext")
}

func TestEncryptUsesFreshKeys(t *testing.T) {
	svc := NewEnvelopeService()
	ctx := context.Background()

	a, err := svc.Encrypt(ctx, []byte("same"))
	require.NoError(t, err)
	b, err := svc.Encrypt(ctx, []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a.KeyID, b.KeyID)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	svc := NewEnvelopeService(WithMaxPlaintextSize(8))
	_, err := svc.Encrypt(context.Background(), []byte("nine bytes"))

	var cryptoErr *CryptoError
	require.ErrorAs(t, err, &cryptoErr)
	assert.Equal(t, "encrypt", cryptoErr.Op)
}

func TestEncryptKeyGenerationFailure(t *testing.T) {
	svc := NewEnvelopeService()
	svc.newKey = func() (*memguard.LockedBuffer, error) {
		return nil, errors.New("entropy source unavailable")
	}

	_, err := svc.Encrypt(context.Background(), []byte("hello"))
	var cryptoErr *CryptoError
	require.ErrorAs(t, err, &cryptoErr)
	assert.Equal(t, "generate key", cryptoErr.Op)
	assert.Contains(t, err.Error(), "entropy source unavailable")
}

func TestEncryptRejectsWeakKey(t *testing.T) {
	svc := NewEnvelopeService()
	svc.newKey = func() (*memguard.LockedBuffer, error) {
		return memguard.NewBufferFromBytes(make([]byte, 32)), nil
	}

	_, err := svc.Encrypt(context.Background(), []byte("hello"))
	var cryptoErr *CryptoError
	require.ErrorAs(t, err, &cryptoErr)
	assert.ErrorIs(t, err, errWeakKey)
}

func TestDecryptRejectsMismatch(t *testing.T) {
	custodian := newCapturingCustodian()
	svc := NewEnvelopeService(WithCustodian(custodian))
	ctx := context.Background()

	a, err := svc.Encrypt(ctx, []byte("alpha"))
	require.NoError(t, err)
	b, err := svc.Encrypt(ctx, []byte("beta"))
	require.NoError(t, err)

	t.Run("WrongKey", func(t *testing.T) {
		_, err := svc.Decrypt(a, custodian.key(b.KeyID))
		var cryptoErr *CryptoError
		require.ErrorAs(t, err, &cryptoErr)
	})

	t.Run("WrongAlgorithm", func(t *testing.T) {
		changed := *a
		changed.AlgorithmTag = "AES-256-GCM"
		_, err := svc.Decrypt(&changed, custodian.key(a.KeyID))
		require.Error(t, err)
	})

	t.Run("TamperedCiphertext", func(t *testing.T) {
		sealed, err := base64.StdEncoding.DecodeString(a.Ciphertext)
		require.NoError(t, err)
		sealed[len(sealed)-1] ^= 0x01
		changed := *a
		changed.Ciphertext = base64.StdEncoding.EncodeToString(sealed)

		_, err = svc.Decrypt(&changed, custodian.key(a.KeyID))
		var cryptoErr *CryptoError
		require.ErrorAs(t, err, &cryptoErr)
	})

	t.Run("BadEncoding", func(t *testing.T) {
		changed := *a
		changed.Ciphertext = "***"
		_, err := svc.Decrypt(&changed, custodian.key(a.KeyID))
		require.Error(t, err)
	})

	t.Run("NilEnvelope", func(t *testing.T) {
		_, err := svc.Decrypt(nil, custodian.key(a.KeyID))
		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
	})
}

func TestRecoverThroughEnclaveCustodian(t *testing.T) {
	custodian := keys.NewEnclaveCustodian()
	svc := NewEnvelopeService(WithCustodian(custodian))
	ctx := context.Background()

	envelope, err := svc.Encrypt(ctx, []byte("patient record 7"))
	require.NoError(t, err)
	assert.Equal(t, 1, custodian.Held())

	plaintext, err := svc.Recover(ctx, envelope)
	require.NoError(t, err)
	assert.Equal(t, "patient record 7", string(plaintext))

	receipt, err := svc.Shred(ctx, envelope.KeyID)
	require.NoError(t, err)
	assert.False(t, receipt.AlreadyShredded)
	assert.Equal(t, 0, custodian.Held())

	_, err = svc.Recover(ctx, envelope)
	var shredErr *ShredError
	require.ErrorAs(t, err, &shredErr)
	assert.Equal(t, envelope.KeyID, shredErr.KeyID)
}

func TestRecoverWithoutCustodian(t *testing.T) {
	svc := NewEnvelopeService()
	ctx := context.Background()

	envelope, err := svc.Encrypt(ctx, []byte("gone"))
	require.NoError(t, err)

	_, err = svc.Recover(ctx, envelope)
	assert.ErrorIs(t, err, keys.ErrKeyNotHeld)
}

func TestShredSemantics(t *testing.T) {
	svc := NewEnvelopeService()
	ctx := context.Background()

	envelope, err := svc.Encrypt(ctx, []byte("hello"))
	require.NoError(t, err)

	first, err := svc.Shred(ctx, envelope.KeyID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyShredded)

	second, err := svc.Shred(ctx, envelope.KeyID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyShredded)
	assert.True(t, first.ShreddedAt.Equal(second.ShreddedAt))

	shredded, err := svc.IsShredded(ctx, envelope.KeyID)
	require.NoError(t, err)
	assert.True(t, shredded)

	_, err = svc.Shred(ctx, "0011223344556677")
	var shredErr *ShredError
	require.ErrorAs(t, err, &shredErr)

	_, err = svc.Shred(ctx, "  ")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "key_id", validation.Field)
}

func TestEnvelopeWithSharedTombstones(t *testing.T) {
	tombstones := keys.NewMemoryTombstones()
	issuer := NewEnvelopeService(WithTombstones(tombstones))
	shredder := NewEnvelopeService(WithTombstones(tombstones))
	ctx := context.Background()

	envelope, err := issuer.Encrypt(ctx, []byte("shared"))
	require.NoError(t, err)

	_, err = shredder.Shred(ctx, envelope.KeyID)
	require.NoError(t, err)

	shredded, err := issuer.IsShredded(ctx, envelope.KeyID)
	require.NoError(t, err)
	assert.True(t, shredded)
}

// refusingCustodian records the key id it was offered and rejects the deposit
type refusingCustodian struct {
	*capturingCustodian
	offered string
}

func (c *refusingCustodian) Deposit(_ context.Context, keyID string, _ []byte) error {
	c.offered = keyID
	return errors.New("custodian offline")
}

type refusingTombstones struct {
	*keys.MemoryTombstones
}

func (refusingTombstones) Issue(context.Context, string) error {
	return errors.New("tombstone store offline")
}

func TestEncryptFailureLeavesNoPartialState(t *testing.T) {
	ctx := context.Background()

	t.Run("DepositFails", func(t *testing.T) {
		custodian := &refusingCustodian{capturingCustodian: newCapturingCustodian()}
		svc := NewEnvelopeService(WithCustodian(custodian))

		_, err := svc.Encrypt(ctx, []byte("hello"))
		var cryptoErr *CryptoError
		require.ErrorAs(t, err, &cryptoErr)
		assert.Equal(t, "deposit key", cryptoErr.Op)
		require.NotEmpty(t, custodian.offered)

		// the id was never handed out, so it was never issued
		_, err = svc.Shred(ctx, custodian.offered)
		var shredErr *ShredError
		require.ErrorAs(t, err, &shredErr)
	})

	t.Run("IssueFails", func(t *testing.T) {
		custodian := newCapturingCustodian()
		svc := NewEnvelopeService(
			WithCustodian(custodian),
			WithTombstones(refusingTombstones{MemoryTombstones: keys.NewMemoryTombstones()}),
		)

		_, err := svc.Encrypt(ctx, []byte("hello"))
		var cryptoErr *CryptoError
		require.ErrorAs(t, err, &cryptoErr)
		assert.Equal(t, "register key", cryptoErr.Op)

		custodian.mu.Lock()
		defer custodian.mu.Unlock()
		assert.Empty(t, custodian.keys, "the deposited copy must be destroyed")
	})
}
