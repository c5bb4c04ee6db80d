// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	u "github.com/mmp/ebk/util"
	"golang.org/x/crypto/sha3"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrUnavailable = errors.New("storage unavailable")
	ErrOrphanRisk  = errors.New("manifest could not be resolved; its chunks may be orphaned")
	ErrInvalidKey  = errors.New("invalid object key")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values returned to
// represent chunks of data.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// ParseHash decodes a hexidecimal-encoded Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("%s: hash has %d bytes, expected %d", s, len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// String returns the given Hash as a hexidecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	p, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = p
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Object keys

const (
	ChunkPrefix    = "chunks/"
	ManifestPrefix = "manifests/"
)

// ChunkKey returns the content-addressed key for a chunk whose stored
// bytes hash to h.
func ChunkKey(h Hash) string {
	return ChunkPrefix + h.String()
}

func ManifestKey(id string) string {
	return ManifestPrefix + id
}

// ManifestID returns the manifest id encoded in the given key, or "" if
// it isn't a manifest key.
func ManifestID(key string) string {
	if !strings.HasPrefix(key, ManifestPrefix) {
		return ""
	}
	return strings.TrimPrefix(key, ManifestPrefix)
}

// contentHash returns the hash that the contents of the object with the
// given key must have. Both chunks and manifests are content-addressed.
func contentHash(key string) (Hash, bool) {
	var s string
	switch {
	case strings.HasPrefix(key, ChunkPrefix):
		s = strings.TrimPrefix(key, ChunkPrefix)
	case strings.HasPrefix(key, ManifestPrefix):
		s = strings.TrimPrefix(key, ManifestPrefix)
	default:
		return Hash{}, false
	}
	h, err := ParseHash(s)
	return h, err == nil
}

// checkKey rejects keys that could escape a directory-backed store.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, c := range strings.Split(key, "/") {
		if c == "" || c == "." || c == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Interface to object stores

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectVersion identifies one stored version of an object. An empty
// VersionID refers to the current version; deleting it on a versioned
// store leaves the older versions in place.
type ObjectVersion struct {
	Key       string
	VersionID string
}

type ListPage struct {
	Objects []ObjectInfo
	// Next is the token to pass to get the next page; it's empty on the
	// last page.
	Next string
}

type VersionPage struct {
	Versions []ObjectVersion
	Next     string
}

// ObjectStore describes a key/value blob store: a local cache directory,
// a cloud bucket, or a decorator on top of one of those.
//
// Implementations must be safe for concurrent use. Get returns an error
// matching ErrNotFound if the key isn't present.
type ObjectStore interface {
	// String returns the name of the ObjectStore in the form of a string.
	String() string

	Put(ctx context.Context, key string, data []byte) error

	Get(ctx context.Context, key string) ([]byte, error)

	// List returns one page of current objects whose keys start with
	// prefix, in lexicographic order.
	List(ctx context.Context, prefix, token string) (ListPage, error)

	// ListVersions returns one page of every stored version (including
	// delete markers) of objects whose keys start with prefix. Stores
	// without versioning report one version per object.
	ListVersions(ctx context.Context, prefix, token string) (VersionPage, error)

	// DeleteBatch deletes the given object versions. Deleting something
	// that doesn't exist isn't an error.
	DeleteBatch(ctx context.Context, objs []ObjectVersion) error
}

// ListAll calls List repeatedly until all pages have been returned.
func ListAll(ctx context.Context, s ObjectStore, prefix string) ([]ObjectInfo, error) {
	var all []ObjectInfo
	token := ""
	for {
		page, err := s.List(ctx, prefix, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Objects...)
		if page.Next == "" {
			return all, nil
		}
		token = page.Next
	}
}

func currentVersions(keys []string) []ObjectVersion {
	v := make([]ObjectVersion, len(keys))
	for i, k := range keys {
		v[i] = ObjectVersion{Key: k}
	}
	return v
}

// DeleteKeys deletes the current version of each of the given keys.
func DeleteKeys(ctx context.Context, s ObjectStore, keys []string) error {
	return s.DeleteBatch(ctx, currentVersions(keys))
}
