// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to small files held in
// memory, based on github.com/klauspost/reedsolomon. Provides facilities
// to check the integrity of encoded data and to recover corrupt data.

package rdso

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/ebk/util"
	"golang.org/x/crypto/sha3"
)

var ErrFileCorrupt = errors.New("data doesn't match its Reed-Solomon hashes")

// HashSize is the number of bytes in the hash values returned to
// represent blobs of data.
const HashSize = 64

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

// Encode computes Reed-Solomon parity for data and returns it in
// serialized form.  Each shard is hashed in pieces of hashRate bytes, so
// that corruption can be localized.
func Encode(data []byte, nDataShards, nParityShards int, hashRate int64) ([]byte, error) {
	if nDataShards <= 0 || nParityShards <= 0 || hashRate <= 0 {
		return nil, fmt.Errorf("rdso: invalid parameters %d/%d/%d", nDataShards,
			nParityShards, hashRate)
	}
	rs := ReedSolomonFile{
		FileSize:      int64(len(data)),
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	dataShards := shardData(data, rs.FileSize, nDataShards)

	// Allocate storage for the parity shards.
	for i := 0; i < nParityShards; i++ {
		rs.ParityShards = append(rs.ParityShards,
			make([]byte, len(dataShards[0])))
	}

	// Reed-Solomon encode the sharded data.
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return nil, err
	}
	allShards := append(dataShards, rs.ParityShards...)
	if err = enc.Encode(allShards); err != nil {
		return nil, err
	}

	// Compute the hashes.
	for _, s := range allShards {
		rs.Hashes = append(rs.Hashes, hash(shard(s, hashRate)))
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Shards the first size bytes of data into nshards equal-sized shards,
// zero-padding as needed.
func shardData(data []byte, size int64, nshards int) [][]byte {
	shardSize := (size + int64(nshards) - 1) / int64(nshards)
	if shardSize == 0 {
		shardSize = 1
	}
	// Allocate extra space so all shards can be the same size.
	buf := make([]byte, int64(nshards)*shardSize)
	if int64(len(data)) > size {
		data = data[:size]
	}
	copy(buf, data)
	return shard(buf, shardSize)
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hash(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, HashBytes(s))
	}
	return
}

func decode(rsBytes []byte) (ReedSolomonFile, error) {
	var rs ReedSolomonFile
	if err := gob.NewDecoder(bytes.NewReader(rsBytes)).Decode(&rs); err != nil {
		return rs, err
	}
	if rs.NDataShards <= 0 || rs.NParityShards <= 0 || rs.HashRate <= 0 ||
		len(rs.Hashes) != rs.NDataShards+rs.NParityShards ||
		len(rs.ParityShards) != rs.NParityShards {
		return rs, errors.New("rdso: malformed parity data")
	}
	return rs, nil
}

// Check reports ErrFileCorrupt if data doesn't match the parity
// information in rsBytes. Mismatches are logged via log, if non-nil.
func Check(data, rsBytes []byte, log *u.Logger) error {
	_, err := checkOrRecover(data, rsBytes, log, false)
	return err
}

// Recover returns the original data, reconstructing it from the parity
// information if it has been corrupted.
func Recover(data, rsBytes []byte, log *u.Logger) ([]byte, error) {
	return checkOrRecover(data, rsBytes, log, true)
}

func checkOrRecover(data, rsBytes []byte, log *u.Logger, repair bool) ([]byte, error) {
	rs, err := decode(rsBytes)
	if err != nil {
		return nil, err
	}

	dataShards := shardData(data, rs.FileSize, rs.NDataShards)

	// First shard as for R-S, then shard for the hash chunk size
	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	for _, s := range rs.ParityShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}

	// Loop over the hash chunks
	errors := 0
	if int64(len(data)) != rs.FileSize {
		if log != nil {
			log.Warning("data is %d bytes; expected %d", len(data), rs.FileSize)
		}
		errors++
	}
	nHashChunks := len(allShards[0]) // == len(allShards[*])
	for s := 0; s < len(allShards); s++ {
		if len(allShards[s]) != nHashChunks || len(rs.Hashes[s]) != nHashChunks {
			return nil, fmt.Errorf("rdso: shard %d has inconsistent hash chunks", s)
		}
	}
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if HashBytes(allShards[s][hc]) != rs.Hashes[s][hc] {
				if log != nil {
					kind, idx := "data", s
					if s >= len(dataShards) {
						kind, idx = "parity", s-len(dataShards)
					}
					log.Warning("%s shard %d hash %d mismatch", kind, idx, hc)
				}
				errors++
				// nil it out (in case we're going to try and recover)
				allShards[s][hc] = nil
			}
		}
	}

	if errors == 0 {
		return data, nil
	}
	if !repair {
		return nil, ErrFileCorrupt
	}

	// Try to recover the data.
	enc, err := reedsolomon.New(rs.NDataShards, rs.NParityShards)
	if err != nil {
		return nil, err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		// Recover this chunk, if needed.
		missing := 0
		var recon [][]byte
		for _, shard := range allShards {
			recon = append(recon, shard[hc])
			if shard[hc] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err = enc.Reconstruct(recon); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrFileCorrupt, err)
			}
		}

		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*rs.HashRate:], recon[s])
		}
	}

	out := make([]byte, 0, rs.FileSize)
	for _, shard := range dataShards {
		out = append(out, shard...)
	}
	return out[:rs.FileSize], nil
}
