// manifest/manifest.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package manifest defines the self-describing record of a single backup
// and the checks that guard a restore: the passphrase tag, per-chunk
// content hashes, and the Merkle root over them.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/mmp/ebk/chunker"
	"github.com/mmp/ebk/crypt"
	"github.com/mmp/ebk/storage"
	u "github.com/mmp/ebk/util"
	"sort"
	"time"
)

const FormatVersion = 1

var ErrMalformed = errors.New("malformed manifest")

// ChunkRef describes one stored chunk.
type ChunkRef struct {
	Index           int          `json:"index"`
	PlaintextLength int64        `json:"plaintext_length"`
	Hash            storage.Hash `json:"content_hash"`
	Nonce           u.HexBytes   `json:"nonce"`
	Key             string       `json:"key"`
}

// Manifest is stored as JSON under manifests/<id>, where the id is the
// hash of those JSON bytes. It is never modified after it's written.
type Manifest struct {
	FormatVersion int             `json:"format_version"`
	FileName      string          `json:"file_name"`
	OriginalSize  int64           `json:"original_size"`
	ChunkSize     int             `json:"chunk_size"`
	Compression   string          `json:"compression"`
	Created       time.Time       `json:"created"`
	KDF           crypt.KDFParams `json:"kdf_params"`
	AuthTag       u.HexBytes      `json:"auth_tag"`
	MerkleRoot    storage.Hash    `json:"merkle_root"`
	Chunks        []ChunkRef      `json:"chunks"`
}

// Header holds the fields of a manifest that are known before any chunks
// are stored.
type Header struct {
	FileName    string
	ChunkSize   int
	Compression string
	Created     time.Time
	KDF         crypt.KDFParams
}

// Build assembles a manifest from the header and the stored chunks, which
// may be given in any order. The key provides the authentication tag.
func Build(h Header, key *crypt.Key, refs []ChunkRef) (*Manifest, error) {
	m := &Manifest{
		FormatVersion: FormatVersion,
		FileName:      h.FileName,
		ChunkSize:     h.ChunkSize,
		Compression:   h.Compression,
		Created:       h.Created.UTC(),
		KDF:           h.KDF,
		AuthTag:       key.AuthTag(),
		Chunks:        append([]ChunkRef(nil), refs...),
	}
	sort.Slice(m.Chunks, func(i, j int) bool { return m.Chunks[i].Index < m.Chunks[j].Index })
	for _, c := range m.Chunks {
		m.OriginalSize += c.PlaintextLength
	}
	m.MerkleRoot = MerkleRoot(m.ChunkHashes())
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ChunkHashes returns the content hashes of the chunks in index order.
func (m *Manifest) ChunkHashes() []storage.Hash {
	h := make([]storage.Hash, len(m.Chunks))
	for i, c := range m.Chunks {
		h[i] = c.Hash
	}
	return h
}

// Keys returns the storage keys of all of the manifest's chunks.
func (m *Manifest) Keys() []string {
	k := make([]string, len(m.Chunks))
	for i, c := range m.Chunks {
		k[i] = c.Key
	}
	return k
}

// Validate checks the manifest's internal consistency; it doesn't need
// the passphrase or the chunk data.
func (m *Manifest) Validate() error {
	malformed := func(f string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(f, args...))
	}

	if m.FormatVersion != FormatVersion {
		return malformed("unsupported format version %d", m.FormatVersion)
	}
	if m.ChunkSize <= 0 {
		return malformed("chunk size %d", m.ChunkSize)
	}
	if !chunker.ValidCompression(m.Compression) {
		return malformed("unknown compression %q", m.Compression)
	}
	if err := m.KDF.Validate(); err != nil {
		return malformed("%s", err)
	}
	if len(m.AuthTag) != crypt.AuthTagSize {
		return malformed("%d byte auth tag", len(m.AuthTag))
	}
	if len(m.Chunks) == 0 {
		return malformed("no chunks")
	}

	indices := make([]int, len(m.Chunks))
	for i, c := range m.Chunks {
		indices[i] = c.Index
	}
	if err := chunker.CheckSequence(indices); err != nil {
		return err
	}

	var total int64
	for i, c := range m.Chunks {
		if c.Index != i {
			return malformed("chunk %d listed at position %d", c.Index, i)
		}
		if c.Key != storage.ChunkKey(c.Hash) {
			return malformed("chunk %d: key %q doesn't match its hash", i, c.Key)
		}
		if len(c.Nonce) != crypt.NonceSize {
			return malformed("chunk %d: %d byte nonce", i, len(c.Nonce))
		}
		last := i == len(m.Chunks)-1
		switch {
		case c.PlaintextLength < 0 || c.PlaintextLength > int64(m.ChunkSize):
			return malformed("chunk %d: length %d", i, c.PlaintextLength)
		case !last && c.PlaintextLength != int64(m.ChunkSize):
			return malformed("chunk %d: short chunk before the last", i)
		case c.PlaintextLength == 0 && len(m.Chunks) > 1:
			return malformed("chunk %d: empty chunk in nonempty file", i)
		}
		total += c.PlaintextLength
	}
	if total != m.OriginalSize {
		return malformed("chunk lengths sum to %d, original size %d", total, m.OriginalSize)
	}
	return nil
}

// Encode returns the manifest's JSON bytes and its id.
func (m *Manifest) Encode() ([]byte, string, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return b, ID(b), nil
}

// ID returns the id of a manifest with the given encoded body.
func ID(body []byte) string {
	return storage.HashBytes(body).String()
}

// Decode parses and validates a manifest body.
func Decode(body []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

///////////////////////////////////////////////////////////////////////////

// Codec implements storage.IndexCodec for manifests.
type Codec struct{}

func (Codec) References(body []byte) ([]string, error) {
	m, err := Decode(body)
	if err != nil {
		return nil, err
	}
	return m.Keys(), nil
}

func (Codec) DisplayName(body []byte) (string, error) {
	m, err := Decode(body)
	if err != nil {
		return "", err
	}
	return m.FileName, nil
}
