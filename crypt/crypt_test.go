// crypt/crypt_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypt

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"
)

// Cheap parameters so the tests run quickly.
var testCost = Cost{Time: 1, MemoryKiB: 64, Threads: 1}

func testKey(t *testing.T, pass string, p KDFParams) *Key {
	k, err := DeriveKey(SecretFromString(pass), p)
	if err != nil {
		t.Fatalf("DeriveKey: %s", err)
	}
	return k
}

func TestDeriveKey(t *testing.T) {
	p, err := NewKDFParams(testCost)
	if err != nil {
		t.Fatalf("%s", err)
	}

	a := testKey(t, "correct horse", p)
	b := testKey(t, "correct horse", p)
	c := testKey(t, "battery staple", p)

	if !bytes.Equal(a.AuthTag(), b.AuthTag()) {
		t.Errorf("same passphrase and salt gave different tags")
	}
	if !a.CheckAuthTag(b.AuthTag()) {
		t.Errorf("CheckAuthTag failed for matching key")
	}
	if c.CheckAuthTag(a.AuthTag()) {
		t.Errorf("CheckAuthTag succeeded with the wrong passphrase")
	}
	if a.enc == a.mac {
		t.Errorf("encryption and MAC subkeys are identical")
	}

	q, err := NewKDFParams(testCost)
	if err != nil {
		t.Fatalf("%s", err)
	}
	d := testKey(t, "correct horse", q)
	if d.CheckAuthTag(a.AuthTag()) {
		t.Errorf("different salts gave the same tag")
	}
}

func TestDeriveKeyWipesPassphrase(t *testing.T) {
	p, err := NewKDFParams(testCost)
	if err != nil {
		t.Fatalf("%s", err)
	}

	buf := []byte("hunter2")
	s := NewSecret(buf)
	if _, err := DeriveKey(s, p); err != nil {
		t.Fatalf("%s", err)
	}
	if s.Len() != 0 {
		t.Errorf("secret not released after DeriveKey")
	}
	for i, b := range buf {
		if b != 0 {
			t.Errorf("passphrase byte %d not zeroed", i)
		}
	}

	// Failure paths wipe too.
	buf = []byte("hunter2")
	s = NewSecret(buf)
	if _, err := DeriveKey(s, KDFParams{}); !errors.Is(err, ErrInvalidKDFParams) {
		t.Errorf("expected ErrInvalidKDFParams, got %v", err)
	}
	if buf[0] != 0 {
		t.Errorf("passphrase not wiped on error")
	}

	if _, err := DeriveKey(Secret{}, p); err != ErrEmptyPassphrase {
		t.Errorf("expected ErrEmptyPassphrase, got %v", err)
	}
}

func TestSecretRedacted(t *testing.T) {
	s := SecretFromString("topsecret")
	for _, str := range []string{s.String(), s.GoString()} {
		if strings.Contains(str, "topsecret") {
			t.Errorf("secret leaked in %q", str)
		}
	}
	c := s.Clone()
	s.Wipe()
	if string(c.Bytes()) != "topsecret" {
		t.Errorf("clone affected by wipe of original")
	}
	c.Wipe()
	c.Wipe()
}

func TestReadSecret(t *testing.T) {
	s, err := ReadSecret(strings.NewReader("pass phrase\r\nignored\n"))
	if err != nil {
		t.Fatalf("%s", err)
	}
	if string(s.Bytes()) != "pass phrase" {
		t.Errorf("got %q", s.Bytes())
	}

	s, err = ReadSecret(strings.NewReader("no newline"))
	if err != nil || string(s.Bytes()) != "no newline" {
		t.Errorf("got %q, %v", s.Bytes(), err)
	}

	if _, err = ReadSecret(strings.NewReader("\n")); err != ErrEmptyPassphrase {
		t.Errorf("expected ErrEmptyPassphrase, got %v", err)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed %d", seed)
	r := rand.New(rand.NewSource(seed))

	p, err := NewKDFParams(testCost)
	if err != nil {
		t.Fatalf("%s", err)
	}
	k := testKey(t, "pw", p)

	for i := 0; i < 20; i++ {
		plain := make([]byte, r.Intn(100000))
		_, _ = r.Read(plain)
		nonce, err := RandomNonce(i)
		if err != nil {
			t.Fatalf("%s", err)
		}

		ct, err := k.EncryptChunk(i, nonce, plain)
		if err != nil {
			t.Fatalf("%s", err)
		}
		if len(ct) != len(plain)+Overhead {
			t.Errorf("ciphertext length %d, expected %d", len(ct), len(plain)+Overhead)
		}

		pt, err := k.DecryptChunk(i, nonce, ct)
		if err != nil {
			t.Fatalf("chunk %d: %s", i, err)
		}
		if !bytes.Equal(pt, plain) {
			t.Errorf("chunk %d: plaintext mismatch", i)
		}

		// Moving the chunk to a different index must fail.
		if _, err := k.DecryptChunk(i+1, nonce, ct); !errors.Is(err, ErrAuthentication) {
			t.Errorf("chunk %d: expected ErrAuthentication for wrong index, got %v", i, err)
		}

		if len(ct) > 0 {
			bad := append([]byte(nil), ct...)
			bad[r.Intn(len(bad))] ^= 1 << uint(r.Intn(8))
			pt, err := k.DecryptChunk(i, nonce, bad)
			if !errors.Is(err, ErrAuthentication) {
				t.Errorf("chunk %d: expected ErrAuthentication for flipped bit, got %v", i, err)
			}
			if pt != nil {
				t.Errorf("chunk %d: plaintext returned for corrupt chunk", i)
			}
		}
	}

	other := testKey(t, "not pw", p)
	nonce, _ := RandomNonce(0)
	ct, _ := k.EncryptChunk(0, nonce, []byte("hello"))
	if _, err := other.DecryptChunk(0, nonce, ct); !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication for wrong key, got %v", err)
	}
}

func TestSequenceNonces(t *testing.T) {
	n0 := bytes.Repeat([]byte{1}, NonceSize)
	n1 := bytes.Repeat([]byte{2}, NonceSize)
	src := NewSequenceNonces([][]byte{n0, n1})
	a, _ := src(0)
	b, _ := src(1)
	if !bytes.Equal(a, n0) || !bytes.Equal(b, n1) {
		t.Errorf("unexpected nonce sequence")
	}
	if _, err := src(2); err == nil {
		t.Errorf("expected exhausted sequence error")
	}
	if _, err := src(0); err == nil {
		t.Errorf("expected error for reused nonce")
	}

	p, _ := NewKDFParams(testCost)
	k := testKey(t, "pw", p)
	if _, err := k.EncryptChunk(0, []byte{1, 2, 3}, nil); err == nil {
		t.Errorf("expected error for short nonce")
	}
}
