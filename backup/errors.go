// backup/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"errors"
	"github.com/mmp/ebk/chunker"
	"github.com/mmp/ebk/manifest"
	"github.com/mmp/ebk/storage"
)

// Errors returned by the Engine. They're wrapped, so use errors.Is to
// test for them; an integrity failure can also be unpacked with errors.As
// into a *manifest.IntegrityError to find the bad chunk.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrBusy         = errors.New("another operation is in progress")

	ErrInvalidPassphrase  = manifest.ErrInvalidPassphrase
	ErrIntegrityViolation = manifest.ErrIntegrityViolation
	ErrStorageUnavailable = storage.ErrUnavailable
	ErrSequenceGap        = chunker.ErrSequenceGap
	ErrOrphanRisk         = storage.ErrOrphanRisk
	ErrNotFound           = storage.ErrNotFound
)

// Retryable reports whether the operation that returned err may succeed
// if it's tried again later.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
