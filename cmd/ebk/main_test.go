// cmd/ebk/main_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"context"
	"github.com/mmp/ebk/config"
	"github.com/mmp/ebk/crypt"
	"github.com/mmp/ebk/storage"
	"os"
	"sort"
	"testing"
	"time"

	"bazil.org/fuse"
)

func TestPseudoHierarchy(t *testing.T) {
	day1 := time.Date(2017, 4, 1, 12, 34, 56, 0, time.Local)
	day2 := time.Date(2017, 4, 2, 8, 0, 1, 0, time.Local)
	nb := []namedBackup{
		{id: "0123456789abcdef", name: "taxes.pdf", created: day1, size: 100},
		{id: "fedcba9876543210", name: "taxes.pdf", created: day2, size: 200},
		{id: "00112233", name: "photo.jpg", created: day1, size: 300},
	}
	root := createPseudoHierarchy(nb, nil, crypt.Secret{})
	ctx := context.Background()

	names := func(pd *pseudoDir) []string {
		de, err := pd.ReadDirAll(ctx)
		if err != nil {
			t.Fatalf("%s", err)
		}
		var n []string
		for _, d := range de {
			n = append(n, d.Name)
		}
		sort.Strings(n)
		return n
	}
	if n := names(root); len(n) != 2 || n[0] != "photo.jpg" || n[1] != "taxes.pdf" {
		t.Fatalf("root entries %v", n)
	}

	node, err := root.Lookup(ctx, "taxes.pdf")
	if err != nil {
		t.Fatalf("%s", err)
	}
	taxes := node.(*pseudoDir)
	if n := names(taxes); len(n) != 2 || n[0] != "170401" || n[1] != "170402" {
		t.Errorf("taxes.pdf entries %v", n)
	}

	node, err = taxes.Lookup(ctx, "170401")
	if err != nil {
		t.Fatalf("%s", err)
	}
	day := node.(*pseudoDir)
	de, err := day.ReadDirAll(ctx)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if len(de) != 1 || de[0].Name != "123456-0123456789ab" || de[0].Type != fuse.DT_File {
		t.Fatalf("unexpected leaf entries %+v", de)
	}

	leaf, err := day.Lookup(ctx, de[0].Name)
	if err != nil {
		t.Fatalf("%s", err)
	}
	var a fuse.Attr
	if err := leaf.Attr(ctx, &a); err != nil {
		t.Fatalf("%s", err)
	}
	if a.Size != 100 || a.Mode != 0400 || !a.Mtime.Equal(day1) {
		t.Errorf("unexpected attributes %+v", a)
	}

	if _, err := day.Lookup(ctx, "nope"); err != fuse.ENOENT {
		t.Errorf("expected ENOENT, got %v", err)
	}

	var da fuse.Attr
	if err := root.Attr(ctx, &da); err != nil || da.Mode != os.ModeDir|0500 {
		t.Errorf("root attributes %+v %v", da, err)
	}
}

func TestNewGateway(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.Remote.Type = config.RemoteMemory
	cfg.Limits.Upload = "1MiB"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("%s", err)
	}

	ctx := context.Background()
	gw, err := newGateway(ctx, cfg)
	if err != nil {
		t.Fatalf("%s", err)
	}

	data := []byte("some ciphertext")
	key := storage.ChunkKey(storage.HashBytes(data))
	if err := gw.Put(ctx, key, data); err != nil {
		t.Fatalf("%s", err)
	}
	b, err := gw.Get(ctx, key)
	if err != nil || !bytes.Equal(b, data) {
		t.Errorf("got %q, %v", b, err)
	}

	// The cache tier is the disk directory.
	disk, err := storage.NewDisk(cfg.CacheDir)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if b, err := disk.Get(ctx, key); err != nil || !bytes.Equal(b, data) {
		t.Errorf("cache has %q, %v", b, err)
	}

	cfg.Remote.Type = "ftp"
	if _, err := newGateway(ctx, cfg); err == nil {
		t.Errorf("expected error for unknown remote type")
	}
}
