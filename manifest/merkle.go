// manifest/merkle.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"fmt"
	"github.com/mmp/ebk/storage"
)

// Domain-separation prefixes, so that a leaf can never be mistaken for an
// interior node.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

func leafHash(h storage.Hash) storage.Hash {
	b := make([]byte, 0, 1+storage.HashSize)
	b = append(b, leafPrefix)
	return storage.HashBytes(append(b, h[:]...))
}

func nodeHash(l, r storage.Hash) storage.Hash {
	b := make([]byte, 0, 1+2*storage.HashSize)
	b = append(b, nodePrefix)
	b = append(b, l[:]...)
	return storage.HashBytes(append(b, r[:]...))
}

// levels returns every level of the tree, leaves first; the last level
// holds only the root.
func levels(hashes []storage.Hash) [][]storage.Hash {
	level := make([]storage.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = leafHash(h)
	}
	all := [][]storage.Hash{level}
	for len(level) > 1 {
		var next []storage.Hash
		for i := 0; i < len(level); i += 2 {
			// An odd node out is paired with itself.
			r := level[i]
			if i+1 < len(level) {
				r = level[i+1]
			}
			next = append(next, nodeHash(level[i], r))
		}
		all = append(all, next)
		level = next
	}
	return all
}

// MerkleRoot computes the root over the given content hashes, in order.
// A single hash's root is its leaf hash; there is no root for zero
// hashes, and the zero Hash is returned.
func MerkleRoot(hashes []storage.Hash) storage.Hash {
	if len(hashes) == 0 {
		return storage.Hash{}
	}
	l := levels(hashes)
	return l[len(l)-1][0]
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Sibling storage.Hash `json:"sibling"`
	// Left is set when the sibling is the left child.
	Left bool `json:"left"`
}

// MerkleProof returns the sibling path proving that hashes[index] is part
// of MerkleRoot(hashes).
func MerkleProof(hashes []storage.Hash, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(hashes) {
		return nil, fmt.Errorf("index %d out of range [0,%d)", index, len(hashes))
	}

	var proof []ProofStep
	for _, level := range levels(hashes) {
		if len(level) == 1 {
			break
		}
		if index%2 == 0 {
			sib := level[index]
			if index+1 < len(level) {
				sib = level[index+1]
			}
			proof = append(proof, ProofStep{Sibling: sib})
		} else {
			proof = append(proof, ProofStep{Sibling: level[index-1], Left: true})
		}
		index /= 2
	}
	return proof, nil
}

// VerifyProof reports whether proof connects the content hash h to root.
func VerifyProof(root, h storage.Hash, proof []ProofStep) bool {
	cur := leafHash(h)
	for _, s := range proof {
		if s.Left {
			cur = nodeHash(s.Sibling, cur)
		} else {
			cur = nodeHash(cur, s.Sibling)
		}
	}
	return cur == root
}
