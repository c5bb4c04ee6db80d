// storage/tiered.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// IndexCodec interprets the bodies of manifest objects, so that the
// gateway can find the chunks a manifest references without depending on
// the manifest format.
type IndexCodec interface {
	// References returns the keys of the chunks the manifest refers to.
	References(body []byte) ([]string, error)
	// DisplayName returns a human-readable name for the manifest.
	DisplayName(body []byte) (string, error)
}

// Tiered implements ObjectStore by composing a fast local cache with an
// authoritative remote store.  Writes go to the remote first and are then
// mirrored to the cache; reads are served from the cache when possible.
// Failures of the cache are logged and otherwise ignored, since the remote
// always has the data.
type Tiered struct {
	cache, remote ObjectStore
	codec         IndexCodec
	policy        RetryPolicy
}

func NewTiered(cache, remote ObjectStore, codec IndexCodec, policy RetryPolicy) *Tiered {
	return &Tiered{cache: cache, remote: remote, codec: codec, policy: policy}
}

func (t *Tiered) String() string {
	return fmt.Sprintf("tiered [cache %s, remote %s]", t.cache, t.remote)
}

// Put stores the object remotely and then caches it. It only returns once
// the remote store has accepted the data.
func (t *Tiered) Put(ctx context.Context, key string, data []byte) error {
	err := retry(ctx, "put "+key, t.policy, func(ctx context.Context) error {
		return t.remote.Put(ctx, key, data)
	})
	if err != nil {
		return err
	}

	if err := t.cache.Put(ctx, key, data); err != nil {
		log.Warning("%s: unable to cache: %s", key, err)
	}
	return nil
}

// matchesKey reports whether b may be stored under key: content-addressed
// keys must be the hash of their contents.
func matchesKey(key string, b []byte) bool {
	h, ok := contentHash(key)
	return !ok || HashBytes(b) == h
}

// Get returns the object from the cache if it's there, and otherwise
// fetches it from the remote and populates the cache.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if b, err := t.cache.Get(ctx, key); err == nil {
		if !matchesKey(key, b) {
			// Cached copy has rotted; evict it and go to the remote.
			log.Warning("%s: cached copy is corrupt; refetching", key)
			if err := DeleteKeys(ctx, t.cache, []string{key}); err != nil {
				log.Warning("%s: unable to evict: %s", key, err)
			}
		} else {
			return b, nil
		}
	} else if !errors.Is(err, ErrNotFound) && ctx.Err() == nil {
		log.Warning("%s: cache read failed: %s", key, err)
	}

	var b []byte
	err := retry(ctx, "get "+key, t.policy, func(ctx context.Context) error {
		var err error
		b, err = t.remote.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !matchesKey(key, b) {
		// Hand it back uncached and let the caller's verification report it.
		log.Warning("%s: remote copy doesn't match its hash", key)
		return b, nil
	}
	if err := t.cache.Put(ctx, key, b); err != nil {
		log.Warning("%s: unable to cache: %s", key, err)
	}
	return b, nil
}

// List and ListVersions report what's in the remote store, which is the
// source of truth.
func (t *Tiered) List(ctx context.Context, prefix, token string) (ListPage, error) {
	var page ListPage
	err := retry(ctx, "list "+prefix, t.policy, func(ctx context.Context) error {
		var err error
		page, err = t.remote.List(ctx, prefix, token)
		return err
	})
	return page, err
}

func (t *Tiered) ListVersions(ctx context.Context, prefix, token string) (VersionPage, error) {
	var page VersionPage
	err := retry(ctx, "list versions "+prefix, t.policy, func(ctx context.Context) error {
		var err error
		page, err = t.remote.ListVersions(ctx, prefix, token)
		return err
	})
	return page, err
}

// DeleteBatch deletes from the remote and then from the cache.
func (t *Tiered) DeleteBatch(ctx context.Context, objs []ObjectVersion) error {
	if len(objs) == 0 {
		return nil
	}
	err := retry(ctx, fmt.Sprintf("delete %d objects", len(objs)), t.policy,
		func(ctx context.Context) error {
			return t.remote.DeleteBatch(ctx, objs)
		})
	if err != nil {
		return err
	}

	// The cache holds at most the current version of each key.
	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	if err := DeleteKeys(ctx, t.cache, keys); err != nil {
		log.Warning("unable to remove %d objects from cache: %s", len(keys), err)
	}
	return nil
}

// DeleteKeys removes the current versions of the given keys from both
// tiers in one batch.
func (t *Tiered) DeleteKeys(ctx context.Context, keys []string) error {
	return t.DeleteBatch(ctx, currentVersions(keys))
}

///////////////////////////////////////////////////////////////////////////
// Manifest-level operations

// DeleteResult describes the outcome of Tiered.Delete.
type DeleteResult struct {
	ManifestID string
	// Number of keys (manifest plus chunks) deleted.
	Deleted int
	// OrphanRisk is set when the manifest couldn't be found in either tier,
	// so only the manifest key was deleted; any chunks it referenced may
	// remain in storage.
	OrphanRisk bool
}

// Err returns ErrOrphanRisk if the deletion may have left chunks behind.
func (r DeleteResult) Err() error {
	if r.OrphanRisk {
		return fmt.Errorf("%s: %w", r.ManifestID, ErrOrphanRisk)
	}
	return nil
}

// Delete removes a manifest and all of the chunks it references from both
// tiers.  The manifest is read from the cache if possible and from the
// remote otherwise. The remote deletion is a single batch.
func (t *Tiered) Delete(ctx context.Context, id string) (DeleteResult, error) {
	res := DeleteResult{ManifestID: id}
	mkey := ManifestKey(id)
	keys := []string{mkey}

	body, err := t.Get(ctx, mkey)
	switch {
	case err == nil && !matchesKey(mkey, body):
		log.Warning("%s: manifest doesn't match its id; deleting only its key", mkey)
		res.OrphanRisk = true
	case err == nil:
		refs, err := t.codec.References(body)
		if err != nil {
			log.Warning("%s: unable to decode manifest: %s", mkey, err)
			res.OrphanRisk = true
			break
		}
		seen := map[string]bool{mkey: true}
		for _, r := range refs {
			if !seen[r] {
				keys = append(keys, r)
				seen[r] = true
			}
		}
	case errors.Is(err, ErrNotFound):
		log.Warning("%s: manifest not found; deleting only its key", mkey)
		res.OrphanRisk = true
	default:
		return res, err
	}

	if err := t.DeleteKeys(ctx, keys); err != nil {
		return res, err
	}
	res.Deleted = len(keys)
	return res, nil
}

// WipeAll permanently deletes every version of every object in the remote
// store, a page at a time, and then empties the cache. It returns the
// number of remote versions deleted.
func (t *Tiered) WipeAll(ctx context.Context) (int, error) {
	n, err := wipe(ctx, t.remote, t.policy)
	if err != nil {
		return n, err
	}
	if _, err := wipe(ctx, t.cache, RetryPolicy{Attempts: 1}); err != nil {
		log.Warning("%s: unable to clear cache: %s", t.cache, err)
	}
	return n, nil
}

func wipe(ctx context.Context, s ObjectStore, p RetryPolicy) (int, error) {
	count := 0
	token := ""
	for {
		var page VersionPage
		err := retry(ctx, "list versions", p, func(ctx context.Context) error {
			var err error
			page, err = s.ListVersions(ctx, "", token)
			return err
		})
		if err != nil {
			return count, err
		}

		if len(page.Versions) > 0 {
			err = retry(ctx, fmt.Sprintf("delete %d versions", len(page.Versions)), p,
				func(ctx context.Context) error {
					return s.DeleteBatch(ctx, page.Versions)
				})
			if err != nil {
				return count, err
			}
			count += len(page.Versions)
			log.Verbose("%s: deleted %d object versions", s, count)
		}

		if page.Next == "" {
			return count, nil
		}
		token = page.Next
	}
}

// ManifestSummary describes one stored manifest.
type ManifestSummary struct {
	ID           string
	Name         string
	Size         int64
	LastModified time.Time
}

// ListManifests returns all of the manifests in the remote store. Their
// names come from the cached manifests when available; otherwise the
// manifest is fetched from the remote (and cached in the process).
func (t *Tiered) ListManifests(ctx context.Context) ([]ManifestSummary, error) {
	var summaries []ManifestSummary
	token := ""
	for {
		page, err := t.List(ctx, ManifestPrefix, token)
		if err != nil {
			return nil, err
		}
		for _, o := range page.Objects {
			id := ManifestID(o.Key)
			if id == "" || strings.Contains(id, "/") {
				continue
			}
			s := ManifestSummary{ID: id, Name: id, Size: o.Size, LastModified: o.LastModified}
			if body, err := t.Get(ctx, o.Key); err != nil {
				log.Warning("%s: %s", o.Key, err)
			} else if !matchesKey(o.Key, body) {
				log.Warning("%s: manifest doesn't match its id", o.Key)
			} else if name, err := t.codec.DisplayName(body); err != nil {
				log.Warning("%s: %s", o.Key, err)
			} else {
				s.Name = name
			}
			summaries = append(summaries, s)
		}
		if page.Next == "" {
			return summaries, nil
		}
		token = page.Next
	}
}
