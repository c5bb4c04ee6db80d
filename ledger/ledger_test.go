// ledger/ledger_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/mmp/ebk/rdso"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTest(t *testing.T) *Ledger {
	l, err := Open(filepath.Join(t.TempDir(), "state", "ledger.json"), nil)
	if err != nil {
		t.Fatalf("%s", err)
	}
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return l
}

func payload(i int) Payload {
	return Payload{
		OperationID:   fmt.Sprintf("op-%d", i),
		FileName:      fmt.Sprintf("file-%d.dat", i),
		ManifestID:    fmt.Sprintf("%064x", i),
		FormatVersion: 1,
		MerkleRoot:    fmt.Sprintf("%064x", 1000+i),
		OriginalSize:  int64(i) * 100,
	}
}

func appendN(t *testing.T, l *Ledger, n int) []Entry {
	var entries []Entry
	for i := 0; i < n; i++ {
		e, err := l.Append(payload(i))
		if err != nil {
			t.Fatalf("%s", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAppend(t *testing.T) {
	l := openTest(t)

	if entries, err := l.Entries(); err != nil || len(entries) != 0 {
		t.Fatalf("new ledger: %v %v", entries, err)
	}
	if err := l.Verify(); err != nil {
		t.Errorf("empty ledger should verify: %s", err)
	}

	appended := appendN(t, l, 5)
	if appended[0].PrevEntryHash != "" {
		t.Errorf("first entry has a previous hash")
	}
	for i := 1; i < len(appended); i++ {
		if appended[i].PrevEntryHash != appended[i-1].EntryHash {
			t.Errorf("entry %d not linked to its predecessor", i)
		}
	}

	// A fresh handle sees the same thing.
	l2, err := Open(l.Path(), nil)
	if err != nil {
		t.Fatalf("%s", err)
	}
	entries, err := l2.Entries()
	if err != nil {
		t.Fatalf("%s", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, expected 5", len(entries))
	}
	for i := range entries {
		if entries[i] != appended[i] {
			t.Errorf("entry %d: got %+v, expected %+v", i, entries[i], appended[i])
		}
	}
	if err := l2.Verify(); err != nil {
		t.Errorf("%s", err)
	}

	e, ok, err := l2.Find(payload(3).ManifestID)
	if err != nil || !ok || e.Payload.FileName != "file-3.dat" {
		t.Errorf("Find: %+v %v %v", e, ok, err)
	}
	if _, ok, _ := l2.Find("missing"); ok {
		t.Errorf("found missing manifest")
	}
}

func TestVerifyChain(t *testing.T) {
	l := openTest(t)
	good := appendN(t, l, 6)

	for i := range good {
		entries := append([]Entry(nil), good...)
		entries[i].Payload.OriginalSize++
		var ce *ChainError
		if err := VerifyChain(entries); !errors.As(err, &ce) || ce.Index != i {
			t.Errorf("mutated entry %d, got %v", i, err)
		}

		// Recomputing the mutated entry's hash moves the break to the
		// following entry.
		entries[i].EntryHash, _ = ComputeHash(entries[i])
		err := VerifyChain(entries)
		if i == len(entries)-1 {
			if err != nil {
				t.Errorf("rehashed last entry: %s", err)
			}
		} else if !errors.As(err, &ce) || ce.Index != i+1 {
			t.Errorf("rehashed entry %d, got %v", i, err)
		}
	}

	entries := append([]Entry(nil), good...)
	entries[2].Timestamp = "yesterday"
	if err := VerifyChain(entries); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
	// Dropping an entry breaks the chain.
	entries = append(append([]Entry(nil), good[:2]...), good[3:]...)
	var ce *ChainError
	if err := VerifyChain(entries); !errors.As(err, &ce) || ce.Index != 2 {
		t.Errorf("removed entry 2, got %v", err)
	}
}

func tamper(t *testing.T, path, from, to string) {
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Contains(b, []byte(from)) {
		t.Fatalf("%q not found in ledger", from)
	}
	b = bytes.Replace(b, []byte(from), []byte(to), 1)
	if err := os.WriteFile(path, b, 0600); err != nil {
		t.Fatalf("%s", err)
	}
}

func TestTamperAndRepair(t *testing.T) {
	l := openTest(t)
	appendN(t, l, 8)

	if err := l.CheckParity(); err != nil {
		t.Fatalf("%s", err)
	}

	tamper(t, l.Path(), "file-4.dat", "file-X.dat")

	var ce *ChainError
	if err := l.Verify(); !errors.As(err, &ce) || ce.Index != 4 {
		t.Errorf("expected break at entry 4, got %v", err)
	}
	if _, err := l.Append(payload(8)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("append to broken chain: %v", err)
	}
	if err := l.CheckParity(); !errors.Is(err, rdso.ErrFileCorrupt) {
		t.Errorf("expected parity mismatch, got %v", err)
	}

	repaired, err := l.Repair()
	if err != nil || !repaired {
		t.Fatalf("Repair: %v %v", repaired, err)
	}
	if err := l.Verify(); err != nil {
		t.Errorf("after repair: %s", err)
	}
	if _, err := l.Append(payload(8)); err != nil {
		t.Errorf("append after repair: %s", err)
	}

	// Nothing to do on an intact ledger.
	if repaired, err := l.Repair(); err != nil || repaired {
		t.Errorf("Repair of intact ledger: %v %v", repaired, err)
	}

	os.Remove(l.Path() + ".rs")
	if err := l.CheckParity(); !errors.Is(err, ErrNoParity) {
		t.Errorf("expected ErrNoParity, got %v", err)
	}
}

// blockParity makes the parity path a non-empty directory so that writing
// the parity file fails.
func blockParity(t *testing.T, l *Ledger) {
	os.Remove(l.parityPath())
	if err := os.MkdirAll(filepath.Join(l.parityPath(), "x"), 0700); err != nil {
		t.Fatalf("%s", err)
	}
}

func TestParityWriteFailure(t *testing.T) {
	l := openTest(t)
	appendN(t, l, 2)
	before, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("%s", err)
	}

	blockParity(t, l)
	if _, err := l.Append(payload(2)); err == nil {
		t.Fatalf("append succeeded without parity")
	}
	after, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("ledger changed by failed append")
	}
	if entries, err := l.Entries(); err != nil || len(entries) != 2 {
		t.Errorf("got %d entries (%v), expected 2", len(entries), err)
	}

	// A first append that fails leaves no ledger behind.
	fresh := openTest(t)
	blockParity(t, fresh)
	if _, err := fresh.Append(payload(0)); err == nil {
		t.Fatalf("append succeeded without parity")
	}
	if _, err := os.Stat(fresh.Path()); !os.IsNotExist(err) {
		t.Errorf("ledger file left behind: %v", err)
	}
}

func TestRepairStaleParity(t *testing.T) {
	l := openTest(t)
	appendN(t, l, 1)
	old, err := os.ReadFile(l.parityPath())
	if err != nil {
		t.Fatalf("%s", err)
	}
	appendN(t, l, 1)
	if err := os.WriteFile(l.parityPath(), old, 0600); err != nil {
		t.Fatalf("%s", err)
	}
	if err := l.CheckParity(); !errors.Is(err, rdso.ErrFileCorrupt) {
		t.Fatalf("expected parity mismatch, got %v", err)
	}

	// The newer ledger wins; only the parity is rewritten.
	if _, err := l.Repair(); err != nil {
		t.Fatalf("%s", err)
	}
	if entries, err := l.Entries(); err != nil || len(entries) != 2 {
		t.Errorf("got %d entries (%v) after repair, expected 2", len(entries), err)
	}
	if err := l.CheckParity(); err != nil {
		t.Errorf("parity still stale: %s", err)
	}
}

func TestRepairTruncated(t *testing.T) {
	l := openTest(t)
	entries := appendN(t, l, 10)

	// A valid but shorter chain is extended back from the parity.
	b, err := json.MarshalIndent(entries[:9], "", "  ")
	if err != nil {
		t.Fatalf("%s", err)
	}
	if err := os.WriteFile(l.Path(), append(b, '\n'), 0600); err != nil {
		t.Fatalf("%s", err)
	}
	repaired, err := l.Repair()
	if err != nil || !repaired {
		t.Fatalf("Repair: %v %v", repaired, err)
	}
	got, err := l.Entries()
	if err != nil || len(got) != 10 {
		t.Fatalf("got %d entries (%v), expected 10", len(got), err)
	}
	if got[9].EntryHash != entries[9].EntryHash {
		t.Errorf("last entry not restored")
	}
}

func TestMalformedFile(t *testing.T) {
	l := openTest(t)
	if err := os.WriteFile(l.Path(), []byte("[{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Entries(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
	if _, err := l.Append(payload(0)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := openTest(t)
	// A second handle on the same file contends via the lock file.
	l2, err := Open(l.Path(), nil)
	if err != nil {
		t.Fatal(err)
	}
	l2.now = l.now

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := l
			if i%2 == 1 {
				h = l2
			}
			if _, err := h.Append(payload(i)); err != nil {
				t.Errorf("%s", err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := l.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Errorf("got %d entries, expected %d", len(entries), n)
	}
	if err := VerifyChain(entries); err != nil {
		t.Errorf("%s", err)
	}

	// The file is the canonical JSON array.
	b, _ := os.ReadFile(l.Path())
	var raw []map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil || len(raw) != n {
		t.Errorf("ledger file isn't a JSON array of %d entries: %v", n, err)
	}
	if _, ok := raw[0]["prev_entry_hash"]; ok {
		t.Errorf("first entry shouldn't record a previous hash")
	}
}
