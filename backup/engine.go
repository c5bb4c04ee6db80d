// backup/engine.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup ties the pieces together: it splits a file into chunks,
// seals and stores them, publishes a manifest, and records the backup in
// the ledger; and it reverses the process, verifying everything before
// any plaintext is handed back.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/mmp/ebk/chunker"
	"github.com/mmp/ebk/crypt"
	"github.com/mmp/ebk/ledger"
	"github.com/mmp/ebk/manifest"
	"github.com/mmp/ebk/storage"
	u "github.com/mmp/ebk/util"
	"golang.org/x/sync/errgroup"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// WipeConfirmation must be passed to WipeAll for it to do anything.
const WipeConfirmation = "wipe all backups"

// Gateway is the storage the Engine uses; *storage.Tiered implements it.
type Gateway interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	DeleteKeys(ctx context.Context, keys []string) error
	Delete(ctx context.Context, id string) (storage.DeleteResult, error)
	WipeAll(ctx context.Context) (int, error)
	ListManifests(ctx context.Context) ([]storage.ManifestSummary, error)
}

// Ledger records completed backups; *ledger.Ledger implements it.
type Ledger interface {
	Append(p ledger.Payload) (ledger.Entry, error)
	Find(manifestID string) (ledger.Entry, bool, error)
}

type Options struct {
	// Workers bounds how many chunks are sealed, stored, or fetched at
	// once. Zero means one per CPU.
	Workers int
	// KDFCost sets the Argon2id parameters for new backups.
	KDFCost     crypt.Cost
	Compression string
	// Nonces and KDF may be set to make backups reproducible; by default
	// nonces and salts are random.
	Nonces crypt.NonceSource
	KDF    func(crypt.Cost) (crypt.KDFParams, error)
	Log    *u.Logger
}

// Engine performs backups and restores. Its methods may be called
// concurrently, except that WipeAll fails with ErrBusy while anything
// else is running.
type Engine struct {
	gw     Gateway
	ledger Ledger
	opts   Options
	log    *u.Logger
	now    func() time.Time

	// Held for reading by every operation and for writing by WipeAll.
	mu sync.RWMutex
}

func New(gw Gateway, l Ledger, opts Options) (*Engine, error) {
	if gw == nil || l == nil {
		return nil, fmt.Errorf("%w: a gateway and a ledger are required", ErrInvalidInput)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.KDFCost == (crypt.Cost{}) {
		opts.KDFCost = crypt.DefaultCost
	}
	if opts.Compression == "" {
		opts.Compression = chunker.CompressionNone
	}
	if !chunker.ValidCompression(opts.Compression) {
		return nil, fmt.Errorf("%w: unknown compression %q", ErrInvalidInput, opts.Compression)
	}
	if opts.Nonces == nil {
		opts.Nonces = crypt.RandomNonce
	}
	if opts.KDF == nil {
		opts.KDF = crypt.NewKDFParams
	}
	return &Engine{gw: gw, ledger: l, opts: opts, log: opts.Log, now: time.Now}, nil
}

// Handle describes a completed backup.
type Handle struct {
	ManifestID string
	Manifest   *manifest.Manifest
	Entry      ledger.Entry
}

///////////////////////////////////////////////////////////////////////////
// Backup

// SealChunk compresses and encrypts one chunk, returning its manifest
// entry and the bytes to store under ref.Key.
func SealChunk(key *crypt.Key, nonces crypt.NonceSource, compression string,
	c chunker.Chunk) (manifest.ChunkRef, []byte, error) {
	frame, err := chunker.Compress(compression, c.Data)
	if err != nil {
		return manifest.ChunkRef{}, nil, err
	}
	nonce, err := nonces(c.Index)
	if err != nil {
		return manifest.ChunkRef{}, nil, err
	}
	ct, err := key.EncryptChunk(c.Index, nonce, frame)
	if err != nil {
		return manifest.ChunkRef{}, nil, err
	}
	h := storage.HashBytes(ct)
	return manifest.ChunkRef{
		Index:           c.Index,
		PlaintextLength: int64(len(c.Data)),
		Hash:            h,
		Nonce:           nonce,
		Key:             storage.ChunkKey(h),
	}, ct, nil
}

// Backup stores the file at path, encrypted with a key derived from pass,
// and records it in the ledger. A chunkSize of zero selects
// chunker.DefaultChunkSize. Either all of the backup is stored and
// recorded or, after a best-effort cleanup, none of it is. The passphrase
// is wiped.
func (e *Engine) Backup(ctx context.Context, path string, pass crypt.Secret,
	chunkSize int) (*Handle, error) {
	defer pass.Wipe()

	if chunkSize == 0 {
		chunkSize = chunker.DefaultChunkSize
	} else if chunkSize < 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, chunker.ErrInvalidChunkSize)
	}
	if pass.Len() == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, crypt.ErrEmptyPassphrase)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s: not a regular file", ErrInvalidInput, path)
	}

	kdf, err := e.opts.KDF(e.opts.KDFCost)
	if err != nil {
		return nil, err
	}
	key, err := crypt.DeriveKey(pass, kdf)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	opID := uuid.NewString()
	e.log.Verbose("%s: backing up %s (%s)", opID, path, u.FmtBytes(fi.Size()))

	r := &u.ReportingReader{R: f, Msg: "Read " + fi.Name(), Log: e.log}
	refs, err := e.storeChunks(ctx, key, r, chunkSize)
	if err != nil {
		return nil, err
	}
	r.Close()

	m, err := manifest.Build(manifest.Header{
		FileName:    fi.Name(),
		ChunkSize:   chunkSize,
		Compression: e.opts.Compression,
		Created:     e.now(),
		KDF:         kdf,
	}, key, refs)
	if err != nil {
		e.rollback(ctx, chunkKeys(refs))
		return nil, err
	}
	body, id, err := m.Encode()
	if err != nil {
		e.rollback(ctx, m.Keys())
		return nil, err
	}

	published := append(m.Keys(), storage.ManifestKey(id))
	if err := e.gw.Put(ctx, storage.ManifestKey(id), body); err != nil {
		e.rollback(ctx, published)
		return nil, fmt.Errorf("manifest %s: %w", id, err)
	}

	entry, err := e.ledger.Append(ledger.Payload{
		OperationID:   opID,
		FileName:      m.FileName,
		ManifestID:    id,
		FormatVersion: m.FormatVersion,
		MerkleRoot:    m.MerkleRoot.String(),
		OriginalSize:  m.OriginalSize,
	})
	if err != nil {
		e.rollback(ctx, published)
		return nil, fmt.Errorf("recording backup in ledger: %w", err)
	}

	e.log.Verbose("%s: stored %s as manifest %s (%d chunks)", opID, path, id, len(m.Chunks))
	return &Handle{ManifestID: id, Manifest: m, Entry: entry}, nil
}

// storeChunks seals and stores the chunks of r in parallel. On failure,
// whatever was stored is removed again.
func (e *Engine) storeChunks(ctx context.Context, key *crypt.Key, r io.Reader,
	chunkSize int) ([]manifest.ChunkRef, error) {
	sp, err := chunker.NewSplitter(r, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	var mu sync.Mutex
	var refs []manifest.ChunkRef
	var stored []string
	var readErr error
	for gctx.Err() == nil {
		c, err := sp.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			readErr = err
			break
		}

		g.Go(func() error {
			ref, ct, err := SealChunk(key, e.opts.Nonces, e.opts.Compression, c)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", c.Index, err)
			}
			// Note the key first; a failed Put may still have landed.
			mu.Lock()
			stored = append(stored, ref.Key)
			mu.Unlock()

			if err := e.gw.Put(gctx, ref.Key, ct); err != nil {
				return fmt.Errorf("chunk %d: %w", c.Index, err)
			}
			e.log.Debug("chunk %d: stored %s", c.Index, ref.Key)

			mu.Lock()
			refs = append(refs, ref)
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	if err == nil {
		err = readErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		e.rollback(ctx, stored)
		return nil, err
	}
	return refs, nil
}

func chunkKeys(refs []manifest.ChunkRef) []string {
	k := make([]string, len(refs))
	for i, r := range refs {
		k[i] = r.Key
	}
	return k
}

// rollback removes the objects of a failed backup. It runs even if ctx has
// been canceled.
func (e *Engine) rollback(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := e.gw.DeleteKeys(context.WithoutCancel(ctx), keys); err != nil {
		e.log.Warning("unable to remove %d objects of failed backup: %s", len(keys), err)
		return
	}
	e.log.Verbose("removed %d objects of failed backup", len(keys))
}

///////////////////////////////////////////////////////////////////////////
// Restore and verify

func checkID(id string) error {
	if _, err := storage.ParseHash(id); err != nil {
		return fmt.Errorf("%w: manifest id %q", ErrInvalidInput, id)
	}
	return nil
}

func (e *Engine) fetchManifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	body, err := e.gw.Get(ctx, storage.ManifestKey(id))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", id, err)
	}
	if err := manifest.VerifyBody(id, body); err != nil {
		return nil, err
	}
	return manifest.Decode(body)
}

// Manifest returns the verified manifest with the given id.
func (e *Engine) Manifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fetchManifest(ctx, id)
}

// fetchChunks returns the stored bytes of all of m's chunks, in index
// order.
func (e *Engine) fetchChunks(ctx context.Context, m *manifest.Manifest) ([][]byte, error) {
	cts := make([][]byte, len(m.Chunks))
	missing := make([]bool, len(m.Chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, c := range m.Chunks {
		i, c := i, c
		g.Go(func() error {
			b, err := e.gw.Get(gctx, c.Key)
			if errors.Is(err, storage.ErrNotFound) {
				// Keep going so that the first missing chunk is reported.
				missing[i] = true
				return nil
			} else if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			cts[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, miss := range missing {
		if miss {
			return nil, &manifest.IntegrityError{Index: i, Reason: "missing from storage"}
		}
	}
	return cts, nil
}

// noteLedger logs whether the manifest was recorded by this machine.
func (e *Engine) noteLedger(id string) {
	entry, ok, err := e.ledger.Find(id)
	switch {
	case err != nil:
		e.log.Warning("ledger: %s", err)
	case ok:
		e.log.Verbose("%s: backed up at %s (operation %s)", id, entry.Timestamp,
			entry.Payload.OperationID)
	default:
		e.log.Verbose("%s: not recorded in the local ledger", id)
	}
}

func openChunk(key *crypt.Key, ref manifest.ChunkRef, ct []byte) ([]byte, error) {
	frame, err := key.DecryptChunk(ref.Index, ref.Nonce, ct)
	if err != nil {
		return nil, &manifest.IntegrityError{Index: ref.Index, Reason: err.Error()}
	}
	pt, err := chunker.Decompress(frame)
	if err != nil {
		return nil, &manifest.IntegrityError{Index: ref.Index, Reason: err.Error()}
	}
	if int64(len(pt)) != ref.PlaintextLength {
		return nil, &manifest.IntegrityError{Index: ref.Index,
			Reason: fmt.Sprintf("%d bytes, expected %d", len(pt), ref.PlaintextLength)}
	}
	return pt, nil
}

// restore writes the plaintext of backup id to w. Nothing is written
// unless the passphrase is right and every chunk checks out.
func (e *Engine) restore(ctx context.Context, id string, pass crypt.Secret, w io.Writer) (int64, error) {
	m, err := e.fetchManifest(ctx, id)
	if err != nil {
		return 0, err
	}
	key, err := m.Authenticate(pass)
	if err != nil {
		return 0, err
	}
	defer key.Wipe()
	e.noteLedger(id)

	cts, err := e.fetchChunks(ctx, m)
	if err != nil {
		return 0, err
	}
	if err := m.VerifyChunks(cts); err != nil {
		return 0, err
	}

	chunks := make([]chunker.Chunk, len(m.Chunks))
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)
	for i, ref := range m.Chunks {
		i, ref := i, ref
		g.Go(func() error {
			pt, err := openChunk(key, ref, cts[i])
			if err != nil {
				return err
			}
			chunks[i] = chunker.Chunk{Index: ref.Index, Data: pt}
			cts[i] = nil
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return chunker.ReassembleTo(w, chunks)
}

// RestoreTo writes the contents of backup id to w and returns the number
// of bytes written. The passphrase is wiped.
func (e *Engine) RestoreTo(ctx context.Context, id string, pass crypt.Secret, w io.Writer) (int64, error) {
	defer pass.Wipe()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.restore(ctx, id, pass, w)
}

// ReadAll returns the contents of backup id. The passphrase is wiped.
func (e *Engine) ReadAll(ctx context.Context, id string, pass crypt.Secret) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.RestoreTo(ctx, id, pass, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore writes the contents of backup id to outPath. The file is
// written under a temporary name and only renamed to outPath once the
// entire restore has succeeded. The passphrase is wiped.
func (e *Engine) Restore(ctx context.Context, id string, pass crypt.Secret, outPath string) (int64, error) {
	defer pass.Wipe()
	if outPath == "" {
		return 0, fmt.Errorf("%w: no output path", ErrInvalidInput)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	dir := filepath.Dir(outPath)
	f, err := os.CreateTemp(dir, "."+filepath.Base(outPath)+".ebk-*")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	fail := func(err error) (int64, error) {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}

	n, err := e.restore(ctx, id, pass, f)
	if err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	e.log.Verbose("%s: restored %s to %s", id, u.FmtBytes(n), outPath)
	return n, u.SyncDir(dir)
}

// Verify checks that backup id is intact: the manifest matches its id and
// every chunk matches the manifest. No passphrase is needed, and nothing
// is decrypted.
func (e *Engine) Verify(ctx context.Context, id string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, err := e.fetchManifest(ctx, id)
	if err != nil {
		return err
	}
	e.noteLedger(id)
	cts, err := e.fetchChunks(ctx, m)
	if err != nil {
		return err
	}
	return m.VerifyChunks(cts)
}

///////////////////////////////////////////////////////////////////////////
// Management

func (e *Engine) ListBackups(ctx context.Context) ([]storage.ManifestSummary, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gw.ListManifests(ctx)
}

// DeleteBackup removes a backup's manifest and chunks. If the manifest
// can't be found, the result's OrphanRisk is set.
func (e *Engine) DeleteBackup(ctx context.Context, id string) (storage.DeleteResult, error) {
	if err := checkID(id); err != nil {
		return storage.DeleteResult{ManifestID: id}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	res, err := e.gw.Delete(ctx, id)
	if err != nil {
		return res, err
	}
	if res.OrphanRisk {
		e.log.Warning("%s", res.Err())
	} else {
		e.log.Verbose("%s: deleted %d objects", id, res.Deleted)
	}
	return res, nil
}

// WipeAll permanently deletes everything in storage, including old object
// versions. confirm must equal WipeConfirmation. It returns the number of
// remote object versions deleted.
func (e *Engine) WipeAll(ctx context.Context, confirm string) (int, error) {
	if confirm != WipeConfirmation {
		return 0, fmt.Errorf("%w: wipe not confirmed", ErrInvalidInput)
	}
	if !e.mu.TryLock() {
		return 0, ErrBusy
	}
	defer e.mu.Unlock()

	n, err := e.gw.WipeAll(ctx)
	if err != nil {
		return n, err
	}
	e.log.Print("wiped %d object versions", n)
	return n, nil
}
