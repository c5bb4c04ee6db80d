// cmd/ebk_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// ebk_e2etest repeatedly backs up randomly generated files with the ebk
// binary found in $PATH, possibly killing it partway through, and checks
// that every completed backup restores exactly.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	EbkDir     = "/tmp/ebk_e2e"
	passphrase = "correct horse battery staple"
)

var rng *rand.Rand

func main() {
	iters := flag.Int("iters", 20, "number of files to back up")
	kill := flag.Bool("kill", false, "randomly kill ebk during backups")
	flag.Parse()

	seed := int64(os.Getpid())
	log.Printf("Seed %d", seed)
	rng = rand.New(rand.NewSource(seed))

	_ = os.RemoveAll(EbkDir)
	if err := os.MkdirAll(EbkDir, 0700); err != nil {
		log.Fatal(err)
	}
	if err := writeConfig(); err != nil {
		log.Fatal(err)
	}
	os.Setenv("EBK_PASSPHRASE", passphrase)

	backupTest(*kill || randBool(), *iters)
}

// writeConfig sets up a disk remote under EbkDir with a cheap KDF and a
// small chunk size so that most files span several chunks.
func writeConfig() error {
	cfg := fmt.Sprintf(`
cache_dir: %[1]s/cache
ledger: %[1]s/ledger.json
chunk_size: 64KiB
compression: zstd
kdf:
  time: 1
  memory_kib: 1024
  threads: 1
remote:
  type: disk
  dir: %[1]s/remote
retry:
  attempts: 2
  backoff: 10ms
  timeout: 30s
`, EbkDir)
	path := filepath.Join(EbkDir, "config.yaml")
	os.Setenv("EBK_CONFIG", path)
	return os.WriteFile(path, []byte(cfg), 0600)
}

func randBool() bool {
	return rng.Float32() < .5
}

func expSize() int64 {
	logSize := rng.Intn(22) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rng.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}

	killed := false
	if (rng.Int() % 2) == 1 {
		logMs := uint(rng.Intn(12))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Printf("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			err := cmd.Process.Kill()
			if err != nil {
				log.Printf("Kill error! %v", err)
			} else {
				log.Printf("Killed process sucessfully")
				killed = true
			}
		})
	}

	err := cmd.Wait()
	if err != nil {
		log.Printf("Wait result %v", err)
	}
	if killed {
		// Leftover temporary files from interrupted atomic writes.
		err := filepath.Walk(EbkDir,
			func(path string, info os.FileInfo, err error) error {
				if err == nil && strings.Contains(filepath.Base(path), ".tmp-") {
					log.Printf("Removing %s", path)
					return os.Remove(path)
				}
				return nil
			})
		if err != nil {
			log.Fatal(err)
		}
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

type backedUp struct {
	id, path string
}

func backupTest(randomlyKill bool, iters int) {
	tmpSrc, err := os.MkdirTemp("", "ebk-test-src")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local src directory: %s", tmpSrc)
	defer os.RemoveAll(tmpSrc)

	tmpDst, err := os.MkdirTemp("", "ebk-test-dst")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local dst directory: %s", tmpDst)
	defer os.RemoveAll(tmpDst)

	var all []backedUp
	for i := 0; i < iters; i++ {
		src := filepath.Join(tmpSrc, fmt.Sprintf("file-%d", i))
		if err := create(src); err != nil {
			log.Fatalf("%s", err)
		}

		id, err := backup(src, randomlyKill)
		if err != nil {
			log.Fatalf("%s: %s", src, err)
		}
		all = append(all, backedUp{id: id, path: src})

		if _, err := runCommand("ebk verify " + id); err != nil {
			log.Fatalf("%s: verify: %s", id, err)
		}

		// Restore a random earlier backup along with the new one.
		for _, b := range []backedUp{all[rng.Intn(len(all))], all[len(all)-1]} {
			dst := filepath.Join(tmpDst, filepath.Base(b.path))
			if err := restore(b.id, dst); err != nil {
				log.Fatalf("%s: %s", b.id, err)
			}
			if err := compare(b.path, dst); err != nil {
				log.Fatalf("%s", err)
			}
		}

		if err := wrongPassphrase(id, filepath.Join(tmpDst, "wrong")); err != nil {
			log.Fatalf("%s", err)
		}

		if len(all) > 1 && rng.Intn(4) == 0 {
			k := rng.Intn(len(all) - 1)
			if err := deleteBackup(all[k], filepath.Join(tmpDst, "deleted")); err != nil {
				log.Fatalf("%s", err)
			}
			all = append(all[:k], all[k+1:]...)
		}
	}

	if _, err := runCommand("ebk ledger verify"); err != nil {
		log.Fatalf("ledger verify: %s", err)
	}
	out, err := runCommand("ebk list")
	if err != nil {
		log.Fatalf("list: %s", err)
	}
	if n := len(strings.Split(strings.TrimSpace(string(out)), "\n")); n != len(all) {
		log.Fatalf("list returned %d backups; expected %d", n, len(all))
	}
	log.Printf("Success: %d backups", len(all))
}

func create(path string) error {
	buf := make([]byte, expSize())
	if randBool() {
		// Compressible.
		for i := range buf {
			buf[i] = byte('a' + rng.Intn(4))
		}
	} else {
		_, _ = rng.Read(buf)
	}
	log.Printf("%s: created file. length %d", path, len(buf))
	return os.WriteFile(path, buf, 0600)
}

func backup(path string, randomlyKill bool) (string, error) {
	log.Printf("Starting backup")
	for {
		cmd := "ebk backup " + path
		var out []byte
		var err error
		if randomlyKill {
			out, err = runButPossiblyKill(cmd)
		} else {
			out, err = runCommand(cmd)
		}

		if err != errKilled {
			return strings.TrimSpace(string(out)), err
		}
	}
}

func restore(id, dst string) error {
	log.Printf("Starting restore")
	if err := os.RemoveAll(dst); err != nil {
		log.Fatal(err)
	}
	_, err := runCommand("ebk restore " + id + " " + dst)
	return err
}

func wrongPassphrase(id, dst string) error {
	cmd := getCommand("ebk restore " + id + " " + dst)
	cmd.Env = append(os.Environ(), "EBK_PASSPHRASE=not the passphrase")
	if err := cmd.Run(); err == nil {
		return fmt.Errorf("%s: restore succeeded with the wrong passphrase", id)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		return fmt.Errorf("%s: failed restore left %s behind", id, dst)
	}
	return nil
}

func deleteBackup(b backedUp, dst string) error {
	log.Printf("Deleting %s", b.id)
	if _, err := runCommand("ebk delete " + b.id); err != nil {
		return err
	}
	if err := restore(b.id, dst); err == nil {
		return fmt.Errorf("%s: restore succeeded after delete", b.id)
	}
	return nil
}

func compare(a, b string) error {
	sa, err := os.Stat(a)
	if err != nil {
		return err
	}
	sb, err := os.Stat(b)
	if err != nil {
		return err
	}
	if sa.Size() != sb.Size() {
		return fmt.Errorf("%s: size %d mismatches %s size %d", a, sa.Size(), b, sb.Size())
	}
	if err := exec.Command("cmp", a, b).Run(); err != nil {
		return fmt.Errorf("%s and %s differ", a, b)
	}
	return nil
}
