// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	u "github.com/mmp/ebk/util"
	"golang.org/x/time/rate"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting ObjectStore

// throttled wraps an ObjectStore so that the bytes uploaded and downloaded
// through it stay under the given per-second limits.
type throttled struct {
	ObjectStore
	up, down *rate.Limiter
}

// NewThrottled returns an ObjectStore that limits the bandwidth used by
// Put and Get on s. A limit of zero means unlimited; if both are zero, s
// is returned unchanged.
func NewThrottled(s ObjectStore, uploadBytesPerSecond, downloadBytesPerSecond int) ObjectStore {
	if uploadBytesPerSecond <= 0 && downloadBytesPerSecond <= 0 {
		return s
	}
	return &throttled{
		ObjectStore: s,
		up:          newLimiter(uploadBytesPerSecond),
		down:        newLimiter(downloadBytesPerSecond),
	}
}

func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	// The 94/100 factor adds some slop to account for TCP/IP overhead and
	// HTTP headers in an effort to have the actual bandwidth used not
	// exceed the desired limit. Don't ever queue up more than one
	// second's worth of transmission.
	r := rate.Limit(float64(bytesPerSecond) * 94 / 100)
	return rate.NewLimiter(r, bytesPerSecond)
}

func (t *throttled) String() string {
	return "throttled " + t.ObjectStore.String()
}

// wait blocks until n bytes' worth of bandwidth is available, taking it
// a burst at a time since WaitN rejects requests larger than the burst.
func wait(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		k := n
		if k > l.Burst() {
			k = l.Burst()
		}
		if err := l.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

func (t *throttled) Put(ctx context.Context, key string, data []byte) error {
	if err := wait(ctx, t.up, len(data)); err != nil {
		return err
	}
	log.Debug("%s: %s upload budget granted", key, u.FmtBytes(int64(len(data))))
	return t.ObjectStore.Put(ctx, key, data)
}

func (t *throttled) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := t.ObjectStore.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	// Charged after the fact, since the size isn't known until now.
	if err := wait(ctx, t.down, len(b)); err != nil {
		return nil, err
	}
	return b, nil
}
