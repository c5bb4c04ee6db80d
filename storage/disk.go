// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	u "github.com/mmp/ebk/util"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Disk implements ObjectStore with one file per object under a root
// directory; the object key is the file's path relative to the root.  It
// serves both as the local cache tier and as a "remote" on a mounted
// network filesystem.  Disk isn't versioned, so ListVersions reports a
// single version per object.
type Disk struct {
	dir      string
	pageSize int
}

// NewDisk returns a Disk rooted at dir, creating the directory if needed.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: is a regular file", dir)
	}
	return &Disk{dir: dir, pageSize: 1000}, nil
}

func (d *Disk) String() string {
	return "disk: " + d.dir
}

func (d *Disk) path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(d.dir, filepath.FromSlash(key)), nil
}

func (d *Disk) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	return u.WriteFileAtomic(p, data, 0600)
}

func (d *Disk) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return b, err
}

// walk returns all of the objects under the root whose keys start with
// prefix, sorted by key.
func (d *Disk) walk(prefix string) ([]ObjectInfo, error) {
	// Only descend into the directory that could hold matching keys.
	start := d.dir
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		start = filepath.Join(d.dir, filepath.FromSlash(prefix[:i]))
	}

	var objs []ObjectInfo
	err := filepath.WalkDir(start, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if e.IsDir() {
			return nil
		}
		// Skip temporary files left by in-progress writes.
		if strings.HasPrefix(e.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(d.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		} else if err != nil {
			return err
		}
		objs = append(objs, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, err
}

func (d *Disk) List(ctx context.Context, prefix, token string) (ListPage, error) {
	if err := ctx.Err(); err != nil {
		return ListPage{}, err
	}
	objs, err := d.walk(prefix)
	if err != nil {
		return ListPage{}, err
	}

	var page ListPage
	for _, o := range objs {
		if o.Key <= token {
			continue
		}
		if len(page.Objects) == d.pageSize {
			page.Next = page.Objects[len(page.Objects)-1].Key
			break
		}
		page.Objects = append(page.Objects, o)
	}
	return page, nil
}

func (d *Disk) ListVersions(ctx context.Context, prefix, token string) (VersionPage, error) {
	lp, err := d.List(ctx, prefix, token)
	if err != nil {
		return VersionPage{}, err
	}
	vp := VersionPage{Next: lp.Next}
	for _, o := range lp.Objects {
		vp.Versions = append(vp.Versions, ObjectVersion{Key: o.Key})
	}
	return vp, nil
}

func (d *Disk) DeleteBatch(ctx context.Context, objs []ObjectVersion) error {
	for _, o := range objs {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := d.path(o.Key)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
