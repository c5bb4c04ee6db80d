// crypt/key.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package crypt derives per-backup keys from a passphrase and seals and
// opens individual chunks with an AEAD.
package crypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	u "github.com/mmp/ebk/util"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
	"io"
	"runtime"
)

const (
	AlgArgon2id = "argon2id"
	SaltSize    = 32
	KeySize     = chacha20poly1305.KeySize
	AuthTagSize = 32
)

var ErrInvalidKDFParams = errors.New("invalid key derivation parameters")

// Cost gives the Argon2id work factors.
type Cost struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// DefaultCost follows the RFC 9106 second recommended option, with a
// little more memory.
var DefaultCost = Cost{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// KDFParams is stored in each manifest so that the key can be re-derived
// from the passphrase at restore time.
type KDFParams struct {
	Algorithm string     `json:"algorithm"`
	Salt      u.HexBytes `json:"salt"`
	Time      uint32     `json:"time"`
	MemoryKiB uint32     `json:"memory_kib"`
	Threads   uint8      `json:"threads"`
}

// NewKDFParams returns parameters with the given cost and a fresh random
// salt.
func NewKDFParams(c Cost) (KDFParams, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return KDFParams{}, err
	}
	p := KDFParams{
		Algorithm: AlgArgon2id,
		Salt:      salt,
		Time:      c.Time,
		MemoryKiB: c.MemoryKiB,
		Threads:   c.Threads,
	}
	return p, p.Validate()
}

func (p KDFParams) Validate() error {
	switch {
	case p.Algorithm != AlgArgon2id:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidKDFParams, p.Algorithm)
	case len(p.Salt) < 16:
		return fmt.Errorf("%w: %d byte salt", ErrInvalidKDFParams, len(p.Salt))
	case p.Time == 0 || p.Threads == 0:
		return fmt.Errorf("%w: zero time or threads", ErrInvalidKDFParams)
	case p.MemoryKiB < 8*uint32(p.Threads):
		return fmt.Errorf("%w: %d KiB of memory is too little for %d threads",
			ErrInvalidKDFParams, p.MemoryKiB, p.Threads)
	}
	return nil
}

// Key holds the two subkeys derived for one backup: one encrypts chunks
// and the other authenticates the passphrase via the manifest's tag.
type Key struct {
	enc  [KeySize]byte
	mac  [KeySize]byte
	salt []byte
}

// DeriveKey runs the passphrase through Argon2id and splits the result
// into encryption and MAC keys with HKDF. The passphrase is wiped before
// DeriveKey returns, whether or not it succeeds.
func DeriveKey(pass Secret, p KDFParams) (*Key, error) {
	defer pass.Wipe()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if pass.Len() == 0 {
		return nil, ErrEmptyPassphrase
	}

	master := argon2.IDKey(pass.Bytes(), p.Salt, p.Time, p.MemoryKiB,
		p.Threads, KeySize)
	defer wipe(master)

	k := &Key{salt: u.Dupe(p.Salt)}
	if err := expand(master, p.Salt, "ebk chunk encryption", k.enc[:]); err != nil {
		return nil, err
	}
	if err := expand(master, p.Salt, "ebk manifest authentication", k.mac[:]); err != nil {
		return nil, err
	}
	return k, nil
}

func expand(master, salt []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, master, salt, []byte(info))
	_, err := io.ReadFull(r, out)
	return err
}

// Wipe zeroes the key material.
func (k *Key) Wipe() {
	if k == nil {
		return
	}
	for i := range k.enc {
		k.enc[i] = 0
	}
	for i := range k.mac {
		k.mac[i] = 0
	}
	runtime.KeepAlive(k)
}

const authContext = "ebk manifest passphrase check v1"

// AuthTag returns a MAC over a fixed context string. It's stored in the
// manifest so that a wrong passphrase can be detected before any chunk
// is fetched or decrypted.
func (k *Key) AuthTag() []byte {
	m := hmac.New(sha3.New256, k.mac[:])
	m.Write([]byte(authContext))
	return m.Sum(nil)
}

// CheckAuthTag reports whether tag matches the key in constant time.
func (k *Key) CheckAuthTag(tag []byte) bool {
	return hmac.Equal(k.AuthTag(), tag)
}
