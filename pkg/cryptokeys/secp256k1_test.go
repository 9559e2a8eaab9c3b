package cryptokeys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairProducesValidCompressedKey(t *testing.T) {
	m := NewSecp256k1Manager()
	kp, err := m.GenerateKeyPair()
	require.NoError(t, err)
	require.Len(t, kp.PublicKey, compressedKeyLen)
	require.Len(t, kp.PrivateKey, 32)
	assert.NoError(t, m.ValidatePeerKey(kp.PublicKey))
}

func TestValidatePeerKeyRejectsBadLengthAndPrefix(t *testing.T) {
	m := NewSecp256k1Manager()

	err := m.ValidatePeerKey(make([]byte, 32))
	require.Error(t, err)

	bad := make([]byte, 33)
	bad[0] = 0x04
	err = m.ValidatePeerKey(bad)
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := NewSecp256k1Manager()
	kp, err := m.GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte(`{"type":"message","payload":{"method":"ping"}}`)
	ciphertext, err := m.Encrypt(plaintext, kp.PublicKey)
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext)

	decrypted, err := m.Decrypt(ciphertext, kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	m := NewSecp256k1Manager()
	kp, err := m.GenerateKeyPair()
	require.NoError(t, err)

	ciphertext, err := m.Encrypt([]byte("hello"), kp.PublicKey)
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	tampered[len(tampered)-1] ^= 0x01
	_, err = m.Decrypt(string(tampered), kp.PrivateKey)
	require.Error(t, err)
}

func TestDecryptFailsWithWrongKey(t *testing.T) {
	m := NewSecp256k1Manager()
	kpA, err := m.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := m.GenerateKeyPair()
	require.NoError(t, err)

	ciphertext, err := m.Encrypt([]byte("hello"), kpA.PublicKey)
	require.NoError(t, err)

	_, err = m.Decrypt(ciphertext, kpB.PrivateKey)
	require.Error(t, err)
}
