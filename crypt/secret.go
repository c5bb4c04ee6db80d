// crypt/secret.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypt

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"runtime"
)

var ErrEmptyPassphrase = errors.New("empty passphrase")

// Secret holds passphrase bytes in a buffer that it owns. Wipe zeroes the
// buffer; after that the Secret is empty. Secrets are never printed.
type Secret struct {
	b *[]byte
}

// NewSecret takes ownership of b; the caller must not use it afterward.
func NewSecret(b []byte) Secret {
	return Secret{b: &b}
}

// SecretFromString copies s into a new Secret. (The string itself can't
// be wiped, so prefer NewSecret or ReadSecret where possible.)
func SecretFromString(s string) Secret {
	return NewSecret([]byte(s))
}

// ReadSecret reads a single line from r (as when a passphrase is handed
// over a pipe) and returns it without its line terminator.
func ReadSecret(r io.Reader) (Secret, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		wipe(line)
		return Secret{}, err
	}
	n := len(bytes.TrimRight(line, "\r\n"))
	s := make([]byte, n)
	copy(s, line)
	wipe(line)
	if n == 0 {
		return Secret{}, ErrEmptyPassphrase
	}
	return NewSecret(s), nil
}

// Bytes returns the underlying buffer; it is only valid until Wipe is
// called.
func (s Secret) Bytes() []byte {
	if s.b == nil {
		return nil
	}
	return *s.b
}

func (s Secret) Len() int {
	return len(s.Bytes())
}

// Clone returns an independent copy that must be wiped separately.
func (s Secret) Clone() Secret {
	b := make([]byte, s.Len())
	copy(b, s.Bytes())
	return NewSecret(b)
}

// Wipe zeroes the buffer and releases it. It is safe to call Wipe more
// than once, including on copies of the same Secret.
func (s Secret) Wipe() {
	if s.b == nil {
		return
	}
	wipe(*s.b)
	*s.b = nil
}

func (s Secret) String() string {
	return "[redacted]"
}

func (s Secret) GoString() string {
	return "crypt.Secret{[redacted]}"
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
