// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("%s", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("HOME", "/home/test")
	t.Setenv("EBK_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	c, err := Load("")
	if err != nil {
		t.Fatalf("%s", err)
	}
	if c.CacheDir != "/home/test/.ebk/cache" || c.Ledger != "/home/test/.ebk/ledger.json" {
		t.Errorf("unexpected default paths %q %q", c.CacheDir, c.Ledger)
	}
	if n, err := c.ChunkBytes(); err != nil || n != 16*1024*1024 {
		t.Errorf("default chunk size %d %v", n, err)
	}
	if p, err := c.RetryPolicy(); err != nil || p.Attempts != 5 || p.Timeout != time.Minute {
		t.Errorf("default retry policy %+v %v", p, err)
	}
	if up, down, err := c.Rates(); err != nil || up != 0 || down != 0 {
		t.Errorf("default rates %d %d %v", up, down, err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("HOME", "/home/test")
	path := writeConfig(t, `
cache_dir: ${HOME}/cache
ledger: /var/lib/ebk/ledger.json
chunk_size: 4MiB
compression: none
workers: 3
kdf:
  time: 2
  memory_kib: 1024
  threads: 1
remote:
  type: s3
  s3:
    bucket: backups
    endpoint: http://localhost:9000
    path_style: true
retry:
  attempts: 2
  backoff: 10ms
  timeout: 5s
limits:
  upload: 1MiB
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if c.CacheDir != "/home/test/cache" {
		t.Errorf("cache dir %q", c.CacheDir)
	}
	if n, _ := c.ChunkBytes(); n != 4*1024*1024 {
		t.Errorf("chunk size %d", n)
	}
	if c.Workers != 3 || c.Compression != "none" || c.KDF.MemoryKiB != 1024 {
		t.Errorf("unexpected config %+v", c)
	}
	if c.Remote.Type != RemoteS3 || c.Remote.S3.Bucket != "backups" || !c.Remote.S3.PathStyle {
		t.Errorf("unexpected remote %+v", c.Remote)
	}
	if p, _ := c.RetryPolicy(); p.Attempts != 2 || p.Backoff != 10*time.Millisecond {
		t.Errorf("unexpected retry policy %+v", p)
	}
	if up, down, _ := c.Rates(); up != 1<<20 || down != 0 {
		t.Errorf("rates %d %d", up, down)
	}

	// Environment variables win over the file.
	t.Setenv("EBK_REMOTE", "disk")
	t.Setenv("EBK_REMOTE_DIR", "/mnt/remote")
	t.Setenv("EBK_WORKERS", "9")
	if c, err = Load(path); err != nil {
		t.Fatalf("%s", err)
	}
	if c.Remote.Type != RemoteDisk || c.Remote.Dir != "/mnt/remote" || c.Workers != 9 {
		t.Errorf("environment not applied: %+v", c)
	}

	t.Setenv("EBK_WORKERS", "many")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "EBK_WORKERS") {
		t.Errorf("expected EBK_WORKERS error, got %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("expected error for missing explicit config")
	}
	if _, err := Load(writeConfig(t, "workers: [")); err == nil {
		t.Errorf("expected error for malformed YAML")
	}

	path := writeConfig(t, `
chunk_size: lots
compression: lzma
remote:
  type: ftp
retry:
  attempts: 0
  backoff: soon
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"chunk_size", "compression", "remote.type", "retry.attempts", "retry.backoff"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q doesn't mention %s", err, want)
		}
	}
}
