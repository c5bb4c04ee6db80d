// chunker/chunker_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunker

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"
)

func TestSplitReassemble(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed %d", seed)
	r := rand.New(rand.NewSource(seed))

	for i := 0; i < 100; i++ {
		data := make([]byte, r.Intn(1<<16))
		_, _ = r.Read(data)
		size := 1 + r.Intn(1<<12)

		chunks, err := Split(data, size)
		if err != nil {
			t.Fatalf("%s", err)
		}
		for j, c := range chunks {
			if c.Index != j {
				t.Errorf("chunk %d has index %d", j, c.Index)
			}
			if j < len(chunks)-1 && len(c.Data) != size {
				t.Errorf("chunk %d has length %d, expected %d", j, len(c.Data), size)
			}
			if len(c.Data) == 0 && len(data) > 0 {
				t.Errorf("zero-length chunk %d for nonempty input", j)
			}
		}

		// Reassembly must not depend on the order the chunks are given.
		r.Shuffle(len(chunks), func(a, b int) { chunks[a], chunks[b] = chunks[b], chunks[a] })
		got, err := Reassemble(chunks)
		if err != nil {
			t.Fatalf("%s", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("reassembled data mismatch, length %d chunk size %d", len(data), size)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	chunks, err := Split(nil, 16)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if len(chunks) != 1 || len(chunks[0].Data) != 0 {
		t.Errorf("expected a single empty chunk, got %+v", chunks)
	}
}

func TestInvalidChunkSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := Split([]byte("x"), size); err != ErrInvalidChunkSize {
			t.Errorf("Split size %d: expected ErrInvalidChunkSize, got %v", size, err)
		}
		if _, err := NewSplitter(bytes.NewReader(nil), size); err != ErrInvalidChunkSize {
			t.Errorf("NewSplitter size %d: expected ErrInvalidChunkSize, got %v", size, err)
		}
	}
}

func TestSequenceGap(t *testing.T) {
	for _, idx := range [][]int{{0, 2}, {1}, {0, 1, 1}, {-1, 0}} {
		var chunks []Chunk
		for _, i := range idx {
			chunks = append(chunks, Chunk{Index: i, Data: []byte{byte(i)}})
		}
		if _, err := Reassemble(chunks); !errors.Is(err, ErrSequenceGap) {
			t.Errorf("%v: expected ErrSequenceGap, got %v", idx, err)
		}
		var buf bytes.Buffer
		if _, err := ReassembleTo(&buf, chunks); !errors.Is(err, ErrSequenceGap) {
			t.Errorf("%v: expected ErrSequenceGap, got %v", idx, err)
		}
		if buf.Len() != 0 {
			t.Errorf("%v: bytes written despite gap", idx)
		}
	}
}

func TestSplitterMatchesSplit(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 99, 100, 101, 1000, 12345} {
		data := make([]byte, n)
		_, _ = r.Read(data)

		want, err := Split(data, 100)
		if err != nil {
			t.Fatalf("%s", err)
		}

		s, err := NewSplitter(bytes.NewReader(data), 100)
		if err != nil {
			t.Fatalf("%s", err)
		}
		var got []Chunk
		for {
			c, err := s.Next()
			if err == io.EOF {
				break
			} else if err != nil {
				t.Fatalf("%s", err)
			}
			got = append(got, c)
		}

		if len(got) != len(want) {
			t.Fatalf("size %d: splitter gave %d chunks, Split gave %d", n, len(got), len(want))
		}
		for i := range got {
			if got[i].Index != want[i].Index || !bytes.Equal(got[i].Data, want[i].Data) {
				t.Errorf("size %d: chunk %d mismatch", n, i)
			}
		}
		if s.Total() != int64(n) {
			t.Errorf("size %d: Total %d", n, s.Total())
		}
		if _, err := s.Next(); err != io.EOF {
			t.Errorf("size %d: expected io.EOF after end, got %v", n, err)
		}
	}
}

func TestHundredMegabytes(t *testing.T) {
	data := make([]byte, 100<<20)
	chunks, err := Split(data, DefaultChunkSize)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if len(chunks) != 7 {
		t.Fatalf("got %d chunks, expected 7", len(chunks))
	}
	for i := 0; i < 6; i++ {
		if len(chunks[i].Data) != DefaultChunkSize {
			t.Errorf("chunk %d: length %d", i, len(chunks[i].Data))
		}
	}
	if len(chunks[6].Data) != 4<<20 {
		t.Errorf("last chunk length %d, expected 4 MiB", len(chunks[6].Data))
	}
}

func TestCompress(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	random := make([]byte, 10000)
	_, _ = r.Read(random)
	compressible := bytes.Repeat([]byte("abcdefgh"), 10000)

	for _, alg := range []string{CompressionNone, CompressionZstd} {
		for _, data := range [][]byte{nil, random, compressible} {
			f, err := Compress(alg, data)
			if err != nil {
				t.Fatalf("%s: %s", alg, err)
			}
			if alg == CompressionZstd && len(f) > len(data)+1 {
				t.Errorf("%s: frame of %d bytes larger than raw for %d input", alg, len(f), len(data))
			}
			got, err := Decompress(f)
			if err != nil {
				t.Fatalf("%s: %s", alg, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("%s: round trip mismatch for %d bytes", alg, len(data))
			}
		}
	}

	f, _ := Compress(CompressionZstd, compressible)
	if len(f) >= len(compressible)/10 {
		t.Errorf("expected good compression, got %d bytes", len(f))
	}

	if _, err := Compress("lz77", nil); err == nil {
		t.Errorf("expected error for unknown algorithm")
	}
	for _, bad := range [][]byte{nil, {7, 1, 2}, {frameZstd, 1, 2, 3}} {
		if _, err := Decompress(bad); !errors.Is(err, ErrBadFrame) {
			t.Errorf("%v: expected ErrBadFrame, got %v", bad, err)
		}
	}
}
