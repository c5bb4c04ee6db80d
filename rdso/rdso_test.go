// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestE2E(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed = %d", seed)
	r := rand.New(rand.NewSource(seed))

	for trial := 0; trial < 10; trial++ {
		// Make a buffer full of random bytes.
		buf := make([]byte, r.Intn(1024*1024))
		_, _ = r.Read(buf)
		origBuf := dupe(buf)

		nShards := 1 + r.Intn(24)
		nParity := 1 + r.Intn(8)
		hashRate := int64(1) << uint(6+r.Intn(10))
		t.Logf("Length %d: %d data shards, %d parity, %d hash rate", len(buf),
			nShards, nParity, hashRate)

		// Encode the bytes.
		rs, err := Encode(buf, nShards, nParity, hashRate)
		if err != nil {
			t.Fatalf("%s", err)
		}

		// The initial check should pass!
		if err = Check(buf, rs, nil); err != nil {
			t.Fatalf("Error %+v on initial check", err)
		}

		// Introduce as many errors as possible to the data and the parity
		// while still being able to recover: at most nParity shards may be
		// bad in any one hash chunk.
		badRS := corruptParity(t, rs, r)
		corrupt(buf, nShards, nParity-1, hashRate, r)

		// Make sure that the check fails now (unless the buffer was too
		// small to corrupt).
		if len(buf) > 0 {
			if err = Check(buf, badRS, nil); !errors.Is(err, ErrFileCorrupt) {
				t.Fatalf("expected ErrFileCorrupt, got %v", err)
			}
		}

		restored, err := Recover(buf, badRS, nil)
		if err != nil {
			t.Fatalf("%s", err)
		}
		if !bytes.Equal(origBuf, restored) {
			t.Errorf("original bytes don't match restored")
		}
	}
}

func TestTruncated(t *testing.T) {
	buf := bytes.Repeat([]byte("ledger entry\n"), 1000)
	rs, err := Encode(buf, 10, 3, 256)
	if err != nil {
		t.Fatalf("%s", err)
	}

	// Lose the last 10% of the data.
	short := buf[:len(buf)*9/10]
	if err := Check(short, rs, nil); !errors.Is(err, ErrFileCorrupt) {
		t.Errorf("expected ErrFileCorrupt for truncated data, got %v", err)
	}
	restored, err := Recover(short, rs, nil)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Equal(restored, buf) {
		t.Errorf("truncated data not recovered")
	}

	// Trailing garbage is dropped.
	long := append(dupe(buf), "extra"...)
	if restored, err := Recover(long, rs, nil); err != nil || !bytes.Equal(restored, buf) {
		t.Errorf("trailing garbage not removed: %v", err)
	}
}

func TestTooManyErrors(t *testing.T) {
	buf := make([]byte, 4096)
	rand.Read(buf)
	rs, err := Encode(buf, 4, 1, 4096)
	if err != nil {
		t.Fatalf("%s", err)
	}
	bad := dupe(buf)
	bad[0] ^= 1
	bad[len(bad)-1] ^= 1
	if _, err := Recover(bad, rs, nil); !errors.Is(err, ErrFileCorrupt) {
		t.Errorf("expected failure to recover, got %v", err)
	}
	if _, err := Encode(buf, 0, 1, 1); err == nil {
		t.Errorf("expected error for zero data shards")
	}
	if err := Check(buf, []byte("garbage"), nil); err == nil {
		t.Errorf("expected error for garbage parity data")
	}
}

func dupe(b []byte) []byte {
	r := make([]byte, len(b))
	copy(r, b)
	return r
}

// Corrupt the given data: in each hash chunk, change bytes in up to n of
// the data shards.
func corrupt(b []byte, nShards, n int, hashRate int64, r *rand.Rand) {
	if len(b) == 0 || n == 0 {
		return
	}
	shardSize := (len(b) + nShards - 1) / nShards
	for s := 0; s < n && s < nShards; s++ {
		// Pick a distinct shard per error.
		target := (s * 7919) % nShards
		for hc := 0; int64(hc)*hashRate < int64(shardSize); hc++ {
			off := target*shardSize + hc*int(hashRate) + r.Intn(int(hashRate))
			if off < len(b) && off < (target+1)*shardSize {
				b[off] += byte(1 + r.Intn(254))
			}
		}
	}
}

// Corrupt one byte of one parity shard in every hash chunk, being careful
// to not clobber any of the hashes.
func corruptParity(t *testing.T, rsBytes []byte, r *rand.Rand) []byte {
	var rs ReedSolomonFile
	if err := gob.NewDecoder(bytes.NewReader(rsBytes)).Decode(&rs); err != nil {
		t.Fatalf("%s", err)
	}
	target := rs.ParityShards[r.Intn(len(rs.ParityShards))]
	for off := int64(0); off < int64(len(target)); off += rs.HashRate {
		n := rs.HashRate
		if off+n > int64(len(target)) {
			n = int64(len(target)) - off
		}
		target[off+r.Int63n(n)] += byte(1 + r.Intn(254))
	}

	var w bytes.Buffer
	if err := gob.NewEncoder(&w).Encode(rs); err != nil {
		t.Fatalf("%s", err)
	}
	return w.Bytes()
}
