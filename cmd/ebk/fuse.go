// cmd/ebk/fuse.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Additional infrastructure to allow accessing backups via FUSE.

import (
	"context"
	"errors"
	"github.com/mmp/ebk/backup"
	"github.com/mmp/ebk/crypt"
	"os"
	"strings"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

type namedBackup struct {
	id      string
	name    string
	created time.Time
	size    int64
}

// mountFUSE exports a read-only FUSE filesystem where the three levels of
// the directory hierarchy are the file name, the yymmdd, and the
// hhmmss-<id> of when the backup was taken. Files are decrypted with pass
// when they're read. It returns when the filesystem is unmounted or ctx
// is canceled.
func mountFUSE(ctx context.Context, dir string, e *backup.Engine, pass crypt.Secret) error {
	nb, err := listNamedBackups(ctx, e)
	if err != nil {
		return err
	}
	log.Verbose("%s: mounting %d backups", dir, len(nb))

	conn, err := fuse.Mount(
		dir,
		fuse.FSName("ebkfs"),
		fuse.Subtype("ebkfs"),
		fuse.VolumeName("backups"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		if err := fuse.Unmount(dir); err != nil {
			log.Warning("%s: %s", dir, err)
		}
	})
	defer stop()

	root := createPseudoHierarchy(nb, e, pass)
	if err := fs.Serve(conn, root); err != nil {
		return err
	}

	<-conn.Ready
	return conn.MountError
}

func listNamedBackups(ctx context.Context, e *backup.Engine) ([]namedBackup, error) {
	list, err := e.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	var nb []namedBackup
	for _, s := range list {
		m, err := e.Manifest(ctx, s.ID)
		if err != nil {
			log.Warning("%s: skipping: %s", s.ID, err)
			continue
		}
		nb = append(nb, namedBackup{
			id:      s.ID,
			name:    strings.ReplaceAll(m.FileName, "/", "_"),
			created: m.Created,
			size:    m.OriginalSize,
		})
	}
	return nb, nil
}

// Implements various FUSE interfaces for the top few levels of
// the hierarchy: file_name/yymmdd/hhmmss-id.
type pseudoDir struct {
	name    string
	entries []*pseudoDir
	// Set at the leaves.
	file *backupFile
}

func createPseudoHierarchy(nb []namedBackup, e *backup.Engine, pass crypt.Secret) *pseudoDir {
	var root pseudoDir
	for _, b := range nb {
		t := b.created.Local()
		id := b.id
		if len(id) > 12 {
			id = id[:12]
		}
		comps := []string{b.name, t.Format("060102"), t.Format("150405") + "-" + id}
		pseudoAddRecursive(&root, comps, &backupFile{nb: b, engine: e, pass: pass})
	}
	return &root
}

func pseudoAddRecursive(pd *pseudoDir, comps []string, f *backupFile) {
	if len(comps) == 0 {
		pd.file = f
		return
	}

	for _, e := range pd.entries {
		if e.name == comps[0] {
			pseudoAddRecursive(e, comps[1:], f)
			return
		}
	}
	pd.entries = append(pd.entries, &pseudoDir{name: comps[0]})
	pseudoAddRecursive(pd.entries[len(pd.entries)-1], comps[1:], f)
}

// Root() should only be called with the root node passed to fs.Serve;
// since pseudoDir also implements the additional Node and Handle
// interfaces for a directory entry, we can just return it directly.
func (pd *pseudoDir) Root() (fs.Node, error) {
	return pd, nil
}

func (pd *pseudoDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper interface (OMGWTFBBQ naming)
func (pd *pseudoDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, entry := range pd.entries {
		if entry.name != name {
			continue
		}
		if entry.file != nil {
			return entry.file, nil
		}
		return entry, nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (pd *pseudoDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, entry := range pd.entries {
		typ := fuse.DT_Dir
		if entry.file != nil {
			typ = fuse.DT_File
		}
		de = append(de, fuse.Dirent{Name: entry.name, Type: typ})
	}
	return de, nil
}

///////////////////////////////////////////////////////////////////////////

// backupFile is the leaf node for a single backup.
type backupFile struct {
	nb     namedBackup
	engine *backup.Engine
	pass   crypt.Secret
}

func (f *backupFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Size = uint64(f.nb.size)
	a.Mode = 0400
	a.Mtime = f.nb.created
	a.Ctime = f.nb.created
	return nil
}

// Implements fuse.fs.HandleReadAller
func (f *backupFile) ReadAll(ctx context.Context) ([]byte, error) {
	b, err := f.engine.ReadAll(ctx, f.nb.id, f.pass.Clone())
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, backup.ErrInvalidPassphrase):
		log.Error("%s: %s", f.nb.id, err)
		return nil, fuse.Errno(syscall.EPERM)
	case errors.Is(err, backup.ErrNotFound):
		return nil, fuse.ENOENT
	default:
		log.Error("%s: %s", f.nb.id, err)
		return nil, fuse.Errno(syscall.EIO)
	}
}
