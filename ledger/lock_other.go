// ledger/lock_other.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build !unix

package ledger

import "os"

// Only the in-process mutex protects the ledger here.
func lockFile(f *os.File, exclusive bool) error { return nil }

func unlockFile(f *os.File) error { return nil }
