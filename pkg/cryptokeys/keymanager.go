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

// Package cryptokeys provides the KeyManager capability the relay core
// consumes: ephemeral keypair generation, peer public-key validation, and
// public-key encrypt/decrypt, implemented as ECIES over secp256k1 with a
// ChaCha20-Poly1305 AEAD.
package cryptokeys

// KeyPair is a secp256k1 keypair: a 33-byte compressed public key and its
// 32-byte private scalar.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// Zero overwrites the private key bytes in place.
func (kp *KeyPair) Zero() {
	if kp == nil {
		return
	}
	for i := range kp.PrivateKey {
		kp.PrivateKey[i] = 0
	}
}

// KeyManager is the capability the core consumes for all key operations.
type KeyManager interface {
	// GenerateKeyPair returns a fresh ephemeral keypair.
	GenerateKeyPair() (*KeyPair, error)
	// ValidatePeerKey fails with relayerr.InvalidKey if pub is not a valid
	// compressed secp256k1 public key.
	ValidatePeerKey(pub []byte) error
	// Encrypt produces a base64-encoded, self-contained ciphertext.
	Encrypt(plaintext []byte, theirPublicKey []byte) (string, error)
	// Decrypt reverses Encrypt. Fails with relayerr.DecryptionFailed on
	// tamper or wrong key.
	Decrypt(ciphertextB64 string, myPrivateKey []byte) ([]byte, error)
}
