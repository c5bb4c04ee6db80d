// crypt/cipher.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"golang.org/x/crypto/chacha20poly1305"
	"io"
	"sync"
)

// NonceSize is the length of the random XChaCha20-Poly1305 nonce stored
// alongside each chunk.
const NonceSize = chacha20poly1305.NonceSizeX

// Overhead is the number of bytes a sealed chunk adds to its plaintext.
const Overhead = chacha20poly1305.Overhead

var ErrAuthentication = errors.New("chunk failed authentication")

// NonceSource supplies a nonce for the chunk with the given index. Nonces
// must never repeat under the same key.
type NonceSource func(index int) ([]byte, error)

// RandomNonce is the NonceSource used in normal operation.
func RandomNonce(index int) ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, err
	}
	return n, nil
}

// NewSequenceNonces returns a NonceSource that yields nonces[index] for
// chunk index. Each nonce may be handed out only once. It's only useful
// for reproducible tests.
func NewSequenceNonces(nonces [][]byte) NonceSource {
	var mu sync.Mutex
	used := make([]bool, len(nonces))
	return func(index int) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if index < 0 || index >= len(nonces) {
			return nil, fmt.Errorf("no nonce for chunk %d", index)
		}
		if used[index] {
			return nil, fmt.Errorf("nonce for chunk %d already used", index)
		}
		used[index] = true
		return nonces[index], nil
	}
}

// The AAD binds each ciphertext to its backup (via the salt) and to its
// position in the file.
func (k *Key) chunkAAD(index int) []byte {
	aad := make([]byte, len(k.salt)+8)
	copy(aad, k.salt)
	binary.BigEndian.PutUint64(aad[len(k.salt):], uint64(index))
	return aad
}

// EncryptChunk seals plaintext, returning ciphertext with the
// authentication tag appended.
func (k *Key) EncryptChunk(index int, nonce, plaintext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("chunk %d: %d byte nonce; expected %d", index,
			len(nonce), NonceSize)
	}
	aead, err := chacha20poly1305.NewX(k.enc[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, k.chunkAAD(index)), nil
}

// DecryptChunk opens a chunk sealed by EncryptChunk. No plaintext is
// returned unless the ciphertext authenticates.
func (k *Key) DecryptChunk(index int, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("chunk %d: %w: %d byte nonce", index,
			ErrAuthentication, len(nonce))
	}
	aead, err := chacha20poly1305.NewX(k.enc[:])
	if err != nil {
		return nil, err
	}
	p, err := aead.Open(nil, nonce, ciphertext, k.chunkAAD(index))
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", index, ErrAuthentication)
	}
	return p, nil
}
