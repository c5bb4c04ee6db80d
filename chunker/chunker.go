// chunker/chunker.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package chunker splits files into fixed-size, indexed chunks and puts
// them back together.
package chunker

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

// DefaultChunkSize is used when the caller doesn't specify one.
const DefaultChunkSize = 16 * 1024 * 1024

var (
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	ErrSequenceGap      = errors.New("chunk sequence has a gap or duplicate")
)

// Chunk is one piece of a file; Index gives its position.
type Chunk struct {
	Index int
	Data  []byte
}

// Split divides data into chunks of the given size; only the last may be
// shorter. Empty input yields a single empty chunk.
func Split(data []byte, size int) ([]Chunk, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if len(data) == 0 {
		return []Chunk{{Index: 0, Data: []byte{}}}, nil
	}

	var chunks []Chunk
	for i := 0; len(data) > 0; i++ {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, Chunk{Index: i, Data: data[:n]})
		data = data[n:]
	}
	return chunks, nil
}

// Splitter produces the same chunks as Split but reads them from a stream
// so that the whole file needn't be in memory.
type Splitter struct {
	r     io.Reader
	size  int
	next  int
	done  bool
	total int64
}

func NewSplitter(r io.Reader, size int) (*Splitter, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	return &Splitter{r: r, size: size}, nil
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
func (s *Splitter) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == io.EOF:
		// Nothing more; only emit an (empty) chunk for an empty stream.
		s.done = true
		if s.next > 0 {
			return Chunk{}, io.EOF
		}
	case err == io.ErrUnexpectedEOF:
		s.done = true
	case err != nil:
		return Chunk{}, err
	}

	c := Chunk{Index: s.next, Data: buf[:n]}
	s.next++
	s.total += int64(n)
	return c, nil
}

// Total returns the number of bytes returned in chunks so far.
func (s *Splitter) Total() int64 {
	return s.total
}

// CheckSequence verifies that indices is a permutation of 0..n-1.
func CheckSequence(indices []int) error {
	seen := make([]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(indices) {
			return fmt.Errorf("%w: index %d out of range [0,%d)", ErrSequenceGap,
				idx, len(indices))
		}
		if seen[idx] {
			return fmt.Errorf("%w: index %d appears twice", ErrSequenceGap, idx)
		}
		seen[idx] = true
	}
	return nil
}

func sorted(chunks []Chunk) ([]Chunk, error) {
	indices := make([]int, len(chunks))
	for i, c := range chunks {
		indices[i] = c.Index
	}
	if err := CheckSequence(indices); err != nil {
		return nil, err
	}

	s := append([]Chunk(nil), chunks...)
	sort.Slice(s, func(i, j int) bool { return s[i].Index < s[j].Index })
	return s, nil
}

// Reassemble concatenates the chunks in index order. The chunks may be
// given in any order, but their indices must be exactly 0..n-1.
func Reassemble(chunks []Chunk) ([]byte, error) {
	s, err := sorted(chunks)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, c := range s {
		n += len(c.Data)
	}
	b := make([]byte, 0, n)
	for _, c := range s {
		b = append(b, c.Data...)
	}
	return b, nil
}

// ReassembleTo is like Reassemble but writes to w, returning the number
// of bytes written.
func ReassembleTo(w io.Writer, chunks []Chunk) (int64, error) {
	s, err := sorted(chunks)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range s {
		n, err := w.Write(c.Data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
