// ledger/ledger.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package ledger implements a local, append-only audit log of completed
// backups. Each entry carries the hash of its predecessor, so any edit to
// the file breaks the chain at the first altered entry. The file is
// accompanied by Reed-Solomon parity so that bit rot can be repaired.
package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/mmp/ebk/rdso"
	u "github.com/mmp/ebk/util"
	"github.com/zeebo/blake3"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrCorrupt  = errors.New("ledger chain is broken")
	ErrNoParity = errors.New("ledger has no parity file")
)

// Parity layout for the ledger's .rs file.
const (
	parityDataShards = 8
	parityShards     = 3
	parityHashRate   = 4096
)

// Payload is the application data recorded for one backup.
type Payload struct {
	OperationID   string `json:"operation_id"`
	FileName      string `json:"file_name"`
	ManifestID    string `json:"manifest_id"`
	FormatVersion int    `json:"format_version"`
	MerkleRoot    string `json:"merkle_root"`
	OriginalSize  int64  `json:"original_size"`
}

type Entry struct {
	Timestamp     string  `json:"timestamp"`
	PrevEntryHash string  `json:"prev_entry_hash,omitempty"`
	EntryHash     string  `json:"entry_hash"`
	Payload       Payload `json:"payload"`
}

// ComputeHash returns the hash that e.EntryHash should hold: BLAKE3 over
// the length-prefixed previous hash, canonical payload encoding, and
// timestamp.
func ComputeHash(e Entry) (string, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	var lb [binary.MaxVarintLen64]byte
	for _, field := range [][]byte{[]byte(e.PrevEntryHash), payload, []byte(e.Timestamp)} {
		n := binary.PutUvarint(lb[:], uint64(len(field)))
		h.Write(lb[:n])
		h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChainError identifies the first entry at which the chain fails to
// verify. It matches ErrCorrupt with errors.Is.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s: entry %d: %s", ErrCorrupt, e.Index, e.Reason)
}

func (e *ChainError) Is(target error) bool {
	return target == ErrCorrupt
}

// VerifyChain checks that every entry's hash is correct and that each one
// links to its predecessor.
func VerifyChain(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		if e.PrevEntryHash != prev {
			return &ChainError{Index: i, Reason: "previous entry hash doesn't match"}
		}
		if _, err := time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
			return &ChainError{Index: i, Reason: "bad timestamp " + e.Timestamp}
		}
		h, err := ComputeHash(e)
		if err != nil {
			return &ChainError{Index: i, Reason: err.Error()}
		}
		if h != e.EntryHash {
			return &ChainError{Index: i, Reason: "entry hash mismatch"}
		}
		prev = e.EntryHash
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Ledger

// Ledger is a handle to a ledger file. Appends are serialized both within
// the process and, via a lock file, across processes.
type Ledger struct {
	path string
	log  *u.Logger
	mu   sync.Mutex
	now  func() time.Time
}

// Open returns a handle to the ledger stored at path. The file needn't
// exist yet; it's created by the first Append.
func Open(path string, log *u.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &Ledger{path: path, log: log, now: time.Now}, nil
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) parityPath() string { return l.path + ".rs" }

// Run f holding both the mutex and the file lock.
func (l *Ledger) locked(exclusive bool, f func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lf, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer lf.Close()
	if err := lockFile(lf, exclusive); err != nil {
		return fmt.Errorf("%s: lock: %w", l.path, err)
	}
	defer unlockFile(lf)
	return f()
}

func (l *Ledger) load() ([]Entry, error) {
	b, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrCorrupt, l.path, err)
	}
	return entries, nil
}

func parse(b []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	return entries, VerifyChain(entries)
}

// store writes the ledger and its parity. If the parity can't be written,
// the previous ledger file is put back so that the two stay in step.
func (l *Ledger) store(entries []Entry) error {
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	rs, err := rdso.Encode(b, parityDataShards, parityShards, parityHashRate)
	if err != nil {
		return err
	}

	prev, err := os.ReadFile(l.path)
	existed := err == nil
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := u.WriteFileAtomic(l.path, b, 0600); err != nil {
		return err
	}
	if err := u.WriteFileAtomic(l.parityPath(), rs, 0600); err != nil {
		var rerr error
		if existed {
			rerr = u.WriteFileAtomic(l.path, prev, 0600)
		} else {
			rerr = os.Remove(l.path)
		}
		if rerr != nil {
			l.log.Error("%s: unable to restore after parity failure: %s", l.path, rerr)
		}
		return fmt.Errorf("%s: writing parity: %w", l.path, err)
	}
	return nil
}

// Append adds an entry for p to the end of the ledger and returns it. It
// refuses to extend a chain that doesn't verify.
func (l *Ledger) Append(p Payload) (Entry, error) {
	var e Entry
	err := l.locked(true, func() error {
		entries, err := l.load()
		if err != nil {
			return err
		}
		if err := VerifyChain(entries); err != nil {
			return err
		}

		e = Entry{
			Timestamp: l.now().UTC().Format(time.RFC3339Nano),
			Payload:   p,
		}
		if len(entries) > 0 {
			e.PrevEntryHash = entries[len(entries)-1].EntryHash
		}
		if e.EntryHash, err = ComputeHash(e); err != nil {
			return err
		}
		return l.store(append(entries, e))
	})
	if err != nil {
		return Entry{}, err
	}
	l.log.Debug("%s: appended entry for manifest %s", l.path, p.ManifestID)
	return e, nil
}

// Entries returns all of the entries in the ledger, in order. The chain
// isn't verified.
func (l *Ledger) Entries() ([]Entry, error) {
	var entries []Entry
	err := l.locked(false, func() (err error) {
		entries, err = l.load()
		return
	})
	return entries, err
}

// Verify checks the entire chain; a *ChainError names the first bad entry.
func (l *Ledger) Verify() error {
	entries, err := l.Entries()
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

// Find returns the most recent entry recording the given manifest.
func (l *Ledger) Find(manifestID string) (Entry, bool, error) {
	entries, err := l.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Payload.ManifestID == manifestID {
			return entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

// CheckParity reports rdso.ErrFileCorrupt if the ledger file no longer
// matches its parity file.
func (l *Ledger) CheckParity() error {
	return l.locked(false, func() error {
		data, rs, err := l.readWithParity()
		if err != nil {
			return err
		}
		return rdso.Check(data, rs, l.log)
	})
}

func (l *Ledger) readWithParity() ([]byte, []byte, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, nil, err
	}
	rs, err := os.ReadFile(l.parityPath())
	if os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("%s: %w", l.path, ErrNoParity)
	} else if err != nil {
		return nil, nil, err
	}
	return data, rs, nil
}

// Repair reconstructs the ledger file from its parity if it has been
// damaged, reporting whether any change was made. A ledger whose chain
// verifies is never replaced by an older one: if the parity only
// describes a prefix of it, the parity is rewritten instead. The
// resulting chain is then verified.
func (l *Ledger) Repair() (bool, error) {
	repaired := false
	err := l.locked(true, func() error {
		data, rs, err := l.readWithParity()
		if err != nil {
			return err
		}
		if rdso.Check(data, rs, nil) == nil {
			return nil
		}

		cur, curErr := parse(data)
		fixed, err := rdso.Recover(data, rs, l.log)
		if curErr != nil {
			if err != nil {
				return err
			}
			if err := u.WriteFileAtomic(l.path, fixed, 0600); err != nil {
				return err
			}
			repaired = true
			l.log.Warning("%s: repaired from parity", l.path)
			return nil
		}

		if err == nil {
			if rec, err := parse(fixed); err == nil && len(rec) > len(cur) &&
				isPrefix(cur, rec) {
				if err := u.WriteFileAtomic(l.path, fixed, 0600); err != nil {
					return err
				}
				repaired = true
				l.log.Warning("%s: restored %d truncated entries from parity",
					l.path, len(rec)-len(cur))
				return nil
			}
		}

		// The file is intact; the parity is what's out of date.
		nrs, err := rdso.Encode(data, parityDataShards, parityShards, parityHashRate)
		if err != nil {
			return err
		}
		if err := u.WriteFileAtomic(l.parityPath(), nrs, 0600); err != nil {
			return err
		}
		repaired = true
		l.log.Warning("%s: parity was stale; rewrote it", l.path)
		return nil
	})
	if err != nil {
		return repaired, err
	}
	return repaired, l.Verify()
}

func isPrefix(a, b []Entry) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i].EntryHash != b[i].EntryHash {
			return false
		}
	}
	return true
}
