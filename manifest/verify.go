// manifest/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"errors"
	"fmt"
	"github.com/mmp/ebk/crypt"
	"github.com/mmp/ebk/storage"
)

var (
	ErrInvalidPassphrase  = errors.New("invalid passphrase")
	ErrIntegrityViolation = errors.New("integrity violation")
)

// ManifestIndex is the Index of an IntegrityError that concerns the
// manifest itself rather than one of its chunks.
const ManifestIndex = -1

// IntegrityError reports stored data that doesn't match what the manifest
// says it should be. It matches ErrIntegrityViolation with errors.Is.
type IntegrityError struct {
	Index  int
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Index == ManifestIndex {
		return fmt.Sprintf("%s: manifest: %s", ErrIntegrityViolation, e.Reason)
	}
	return fmt.Sprintf("%s: chunk %d: %s", ErrIntegrityViolation, e.Index, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityViolation
}

// VerifyBody checks that a manifest body hashes to the id it was stored
// under.
func VerifyBody(id string, body []byte) error {
	if ID(body) != id {
		return &IntegrityError{Index: ManifestIndex, Reason: "contents don't match id " + id}
	}
	return nil
}

// Authenticate derives the key from the passphrase and checks it against
// the manifest's tag. The passphrase is wiped. The caller must Wipe the
// returned key when done with it.
func (m *Manifest) Authenticate(pass crypt.Secret) (*crypt.Key, error) {
	key, err := crypt.DeriveKey(pass, m.KDF)
	if err == crypt.ErrEmptyPassphrase {
		return nil, ErrInvalidPassphrase
	} else if err != nil {
		return nil, err
	}
	if !key.CheckAuthTag(m.AuthTag) {
		key.Wipe()
		return nil, ErrInvalidPassphrase
	}
	return key, nil
}

// VerifyChunks checks the stored chunks against the manifest: each must
// hash to its recorded content hash, and together they must reproduce
// the Merkle root. ciphertexts[i] must hold chunk i. The returned
// *IntegrityError names the first bad chunk.
func (m *Manifest) VerifyChunks(ciphertexts [][]byte) error {
	if len(ciphertexts) != len(m.Chunks) {
		return &IntegrityError{Index: ManifestIndex,
			Reason: fmt.Sprintf("%d chunks supplied for %d in manifest", len(ciphertexts), len(m.Chunks))}
	}

	hashes := make([]storage.Hash, len(ciphertexts))
	for i, ct := range ciphertexts {
		hashes[i] = storage.HashBytes(ct)
		if hashes[i] != m.Chunks[i].Hash {
			return &IntegrityError{Index: i, Reason: "content hash mismatch"}
		}
	}
	if MerkleRoot(hashes) != m.MerkleRoot {
		return &IntegrityError{Index: ManifestIndex, Reason: "merkle root mismatch"}
	}
	return nil
}

// VerifyChunk checks a single chunk against the manifest using a Merkle
// proof, so that the remaining chunks needn't be fetched.
func (m *Manifest) VerifyChunk(index int, ciphertext []byte) error {
	if index < 0 || index >= len(m.Chunks) {
		return fmt.Errorf("%w: chunk %d out of range", ErrMalformed, index)
	}
	h := storage.HashBytes(ciphertext)
	if h != m.Chunks[index].Hash {
		return &IntegrityError{Index: index, Reason: "content hash mismatch"}
	}
	proof, err := MerkleProof(m.ChunkHashes(), index)
	if err != nil {
		return err
	}
	if !VerifyProof(m.MerkleRoot, h, proof) {
		return &IntegrityError{Index: index, Reason: "not covered by merkle root"}
	}
	return nil
}
