package cryptoutils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := DeriveKey([]byte("input keying material"), []byte("salt"), "test")
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "Simple string", data: []byte("This is a secret message")},
		{name: "Binary data", data: []byte{0x00, 0x01, 0xFF, 0xFE}},
		{name: "Empty data", data: []byte{}},
		{name: "Long data", data: make([]byte, 4096)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := Seal(key, tc.data, []byte("aad"))
			require.NoError(t, err)

			opened, err := Open(key, sealed, []byte("aad"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tc.data, opened))

			_, err = Open(key, sealed, []byte("other aad"))
			assert.ErrorIs(t, err, ErrOpenFailed)
		})
	}
}

func TestOpen_WrongKeyOrTruncated(t *testing.T) {
	k1, err := DeriveKey([]byte("a"), nil, "x")
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("b"), nil, "x")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	sealed, err := Seal(k1, []byte("payload"), nil)
	require.NoError(t, err)

	_, err = Open(k2, sealed, nil)
	assert.ErrorIs(t, err, ErrOpenFailed)

	_, err = Open(k1, sealed[:10], nil)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestChecksum(t *testing.T) {
	secret := []byte("hunter2")
	sum, salt, err := NewChecksum(secret)
	require.NoError(t, err)
	assert.Len(t, sum, ChecksumSize)
	assert.Len(t, salt, ChecksumSaltSize)

	assert.True(t, VerifyChecksum(secret, salt, sum))
	assert.False(t, VerifyChecksum([]byte("hunter3"), salt, sum))

	// Same secret, new salt, different digest.
	sum2, _, err := NewChecksum(secret)
	require.NoError(t, err)
	assert.NotEqual(t, sum, sum2)
}

func TestEncryptionDecryption(t *testing.T) {
	pub, priv, err := RandomP256Keypair()
	require.NoError(t, err)
	require.NoError(t, pub.Validate())

	derived, err := priv.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, string(pub), string(derived))

	for _, data := range [][]byte{[]byte(`{"index":1}`), {}, make([]byte, 1024)} {
		encrypted, err := EncryptWithPublicKey(pub, data)
		require.NoError(t, err)

		decrypted, err := DecryptWithPrivateKey(priv, encrypted)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, decrypted))
	}
}

func TestDecryptionWithWrongKey(t *testing.T) {
	pub, _, err := RandomP256Keypair()
	require.NoError(t, err)
	_, otherPriv, err := RandomP256Keypair()
	require.NoError(t, err)

	encrypted, err := EncryptWithPublicKey(pub, []byte("fragment"))
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(otherPriv, encrypted)
	assert.Error(t, err)
}

func TestInvalidKeyFormats(t *testing.T) {
	_, err := NewPublicKeyPEM([]byte("not a pem"))
	assert.Error(t, err)

	_, err = EncryptWithPublicKey(PublicKeyPEM("junk"), []byte("x"))
	assert.Error(t, err)

	_, err = DecryptWithPrivateKey(PrivateKeyPEM("junk"), []byte{0, 1, 2})
	assert.Error(t, err)
}
