// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package cryptokeys

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/sage-x-project/relay/internal/metrics"
	"github.com/sage-x-project/relay/pkg/relayerr"

	"crypto/sha256"
)

const (
	algorithm = "secp256k1-ecies"

	compressedKeyLen = 33
	hkdfInfo         = "relay-ecies-v1"
)

// Secp256k1Manager implements KeyManager with ECIES over secp256k1:
// ephemeral ECDH feeds HKDF-SHA256, which derives a ChaCha20-Poly1305 key.
// Wire format: ephemeralPubKey(33) || nonce(12) || ciphertext, base64
// standard encoded.
type Secp256k1Manager struct{}

// NewSecp256k1Manager returns a stateless KeyManager instance.
func NewSecp256k1Manager() *Secp256k1Manager {
	return &Secp256k1Manager{}
}

// GenerateKeyPair implements KeyManager.
func (m *Secp256k1Manager) GenerateKeyPair() (*KeyPair, error) {
	start := time.Now()
	priv, err := secp256k1.GeneratePrivateKey()
	metrics.CryptoOperationDuration.WithLabelValues("generate_keypair", algorithm).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate_keypair").Inc()
		return nil, relayerr.Wrap(relayerr.Unknown, err, "generate secp256k1 keypair")
	}
	metrics.CryptoOperations.WithLabelValues("generate_keypair", algorithm).Inc()

	scalarBytes := priv.Key.Bytes()

	return &KeyPair{
		PublicKey:  priv.PubKey().SerializeCompressed(),
		PrivateKey: scalarBytes[:],
	}, nil
}

// ValidatePeerKey implements KeyManager.
func (m *Secp256k1Manager) ValidatePeerKey(pub []byte) error {
	if len(pub) != compressedKeyLen {
		metrics.CryptoErrors.WithLabelValues("validate_peer_key").Inc()
		return relayerr.New(relayerr.InvalidKey, "public key must be %d bytes, got %d", compressedKeyLen, len(pub))
	}
	if pub[0] != 0x02 && pub[0] != 0x03 {
		metrics.CryptoErrors.WithLabelValues("validate_peer_key").Inc()
		return relayerr.New(relayerr.InvalidKey, "public key prefix must be 0x02 or 0x03, got 0x%02x", pub[0])
	}
	if _, err := secp256k1.ParsePubKey(pub); err != nil {
		metrics.CryptoErrors.WithLabelValues("validate_peer_key").Inc()
		return relayerr.Wrap(relayerr.InvalidKey, err, "public key is not on the secp256k1 curve")
	}
	metrics.CryptoOperations.WithLabelValues("validate_peer_key", algorithm).Inc()
	return nil
}

// Encrypt implements KeyManager.
func (m *Secp256k1Manager) Encrypt(plaintext []byte, theirPublicKey []byte) (string, error) {
	start := time.Now()
	defer func() {
		metrics.CryptoOperationDuration.WithLabelValues("encrypt", algorithm).Observe(time.Since(start).Seconds())
	}()

	theirPub, err := secp256k1.ParsePubKey(theirPublicKey)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return "", relayerr.Wrap(relayerr.InvalidKey, err, "parse recipient public key")
	}

	ephPriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return "", relayerr.Wrap(relayerr.Unknown, err, "generate ephemeral keypair")
	}

	sharedX := ecdh(ephPriv, theirPub)
	key, err := deriveKey(sharedX)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return "", relayerr.Wrap(relayerr.Unknown, err, "derive symmetric key")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return "", relayerr.Wrap(relayerr.Unknown, err, "init AEAD")
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return "", relayerr.Wrap(relayerr.Unknown, err, "generate nonce")
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, compressedKeyLen+len(nonce)+len(ciphertext))
	out = append(out, ephPriv.PubKey().SerializeCompressed()...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	metrics.CryptoOperations.WithLabelValues("encrypt", algorithm).Inc()
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt implements KeyManager.
func (m *Secp256k1Manager) Decrypt(ciphertextB64 string, myPrivateKey []byte) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.CryptoOperationDuration.WithLabelValues("decrypt", algorithm).Observe(time.Since(start).Seconds())
	}()

	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, relayerr.Wrap(relayerr.DecryptionFailed, err, "base64 decode")
	}
	minLen := compressedKeyLen + chacha20poly1305.NonceSize + chacha20poly1305.Overhead
	if len(raw) < minLen {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, relayerr.New(relayerr.DecryptionFailed, "ciphertext too short: %d bytes", len(raw))
	}

	ephPubBytes := raw[:compressedKeyLen]
	nonce := raw[compressedKeyLen : compressedKeyLen+chacha20poly1305.NonceSize]
	ciphertext := raw[compressedKeyLen+chacha20poly1305.NonceSize:]

	ephPub, err := secp256k1.ParsePubKey(ephPubBytes)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, relayerr.Wrap(relayerr.DecryptionFailed, err, "parse ephemeral public key")
	}

	priv := secp256k1.PrivKeyFromBytes(myPrivateKey)

	sharedX := ecdh(priv, ephPub)
	key, err := deriveKey(sharedX)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, relayerr.Wrap(relayerr.DecryptionFailed, err, "derive symmetric key")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, relayerr.Wrap(relayerr.DecryptionFailed, err, "init AEAD")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, relayerr.Wrap(relayerr.DecryptionFailed, err, "AEAD open")
	}

	metrics.CryptoOperations.WithLabelValues("decrypt", algorithm).Inc()
	return plaintext, nil
}

// ecdh computes the shared secret x-coordinate between priv and pub.
func ecdh(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) []byte {
	var point secp256k1.JacobianPoint
	pub.AsJacobian(&point)

	var shared secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &shared)
	shared.ToAffine()

	x := shared.X.Bytes()
	return x[:]
}

// deriveKey runs HKDF-SHA256 over the ECDH shared secret to produce a
// 32-byte ChaCha20-Poly1305 key, domain-separated by hkdfInfo.
func deriveKey(sharedSecret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
