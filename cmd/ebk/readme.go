// cmd/ebk/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var readmeText = `

This document describes the way that ebk stores backups in sufficient
detail that (if ever necessary) it's possible to restore one without the
ebk source code. We'll proceed bottom-up from the object store to the
manifest that ties a backup together, and finish with the local ledger.

# Object Store Layout

ebk stores everything as whole objects in a flat key space; the same
layout is used on local disk (where each key is a file path under the
storage directory), in Google Cloud Storage, and in S3. There are two
prefixes:

  chunks/<hash>      one encrypted chunk of a file
  manifests/<id>     the manifest of one backup

All hashes are SHAKE256 with 32 bytes of output, written as 64 lowercase
hex digits. Both kinds of object are content-addressed: a chunk's key is
the hash of the bytes stored under it, and a manifest's id is the hash of
its stored JSON bytes. Any object whose contents don't hash to its key
is corrupt.

Objects are never modified after they're written. The local cache
directory holds a copy of the objects in the remote with the same layout.

# Chunks

A file is split into fixed-size chunks (16 MiB by default; the last one
may be shorter, and an empty file is a single empty chunk). Chunks are
numbered from zero. Each chunk is first framed for compression and then
encrypted.

The frame is a single flag byte followed by the payload. If the flag is
zero, the payload is the chunk's plaintext. If it's one, the payload is a
zstd frame that decompresses to the plaintext. (zstd is only used if it
makes the chunk smaller.)

The frame is encrypted with XChaCha20-Poly1305: a 24-byte nonce, stored
in the manifest, and 16 bytes of authentication tag appended to the
ciphertext. The associated data is the backup's KDF salt followed by the
chunk index as a big-endian uint64, so that chunks can't be moved between
backups or reordered within one.

# Keys

Each backup has its own 32-byte random salt. The passphrase (its raw
UTF-8 bytes) is run through Argon2id with the salt and the time, memory
(in KiB), and thread parameters recorded in the manifest, producing a
32-byte master key. Two subkeys are derived from it with HKDF-SHA256,
using the salt as the HKDF salt:

  info "ebk chunk encryption"         the XChaCha20-Poly1305 key
  info "ebk manifest authentication"  the authentication key

The manifest's auth_tag is HMAC-SHA3-256, keyed with the authentication
key, of the string "ebk manifest passphrase check v1". A restore compares
it before fetching any chunks; a mismatch means the passphrase is wrong.

# Manifests

A manifest is a JSON object:

  {
    "format_version": 1,
    "file_name": "taxes-2016.pdf",
    "original_size": 1234567,
    "chunk_size": 16777216,
    "compression": "zstd",
    "created": "2017-04-01T12:34:56Z",
    "kdf_params": {
      "algorithm": "argon2id",
      "salt": "<hex>",
      "time": 3,
      "memory_kib": 65536,
      "threads": 4
    },
    "auth_tag": "<hex>",
    "merkle_root": "<hex>",
    "chunks": [
      {
        "index": 0,
        "plaintext_length": 1234567,
        "content_hash": "<hex>",
        "nonce": "<hex>",
        "key": "chunks/<content_hash>"
      }
    ]
  }

Chunks are listed in index order, the indices run from zero without
gaps, and their plaintext lengths sum to original_size.

The Merkle root is computed over the chunks' content hashes in index
order. Each leaf is SHAKE256(0x00 || content_hash). Each interior node is
SHAKE256(0x01 || left || right); at a level with an odd number of nodes,
the last one is paired with itself. The root is the single node at the top
level; for a one-chunk backup it's that chunk's leaf.

To restore: fetch the manifest and check that it hashes to its id,
re-derive the keys and check the auth tag, fetch every chunk and check
that each hashes to its content_hash and that together they reproduce the
Merkle root, then decrypt, unframe, and concatenate the chunks in order.

# Ledger

Each completed backup is also recorded in a local ledger file: a JSON
array of entries, oldest first.

  {
    "timestamp": "2017-04-01T12:34:57.123456789Z",
    "prev_entry_hash": "<hex>",
    "entry_hash": "<hex>",
    "payload": {
      "operation_id": "<uuid>",
      "file_name": "taxes-2016.pdf",
      "manifest_id": "<hex>",
      "format_version": 1,
      "merkle_root": "<hex>",
      "original_size": 1234567
    }
  }

The first entry has no prev_entry_hash; every later entry's is the
previous entry's entry_hash. The entry_hash is the 32-byte BLAKE3 hash of
three fields, each preceded by its length as an unsigned varint (Go's
binary.PutUvarint): the hex prev_entry_hash (empty for the first entry),
the payload encoded as compact JSON with its fields in the order shown,
and the timestamp string.

# Reed-Solomon Encoding

The ledger has Reed-Solomon parity stored next to it in a file with a
.rs suffix, so that it can be repaired if the file is damaged. The .rs
files are written with the Go "gob" encoding package; they store the
following structure:

const HashSize = 64
type Hash [HashSize]byte

type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

The ledger uses 8 data shards and 3 parity shards. Each shard has a
64-byte SHAKE256 hash for each HashRate (4096) bytes of it, which
identifies corrupt regions so that they can be treated as erasures.
`
