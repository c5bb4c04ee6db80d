// cmd/ebk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// ebk backs up individual files to cloud storage, encrypted on the client
// with a key derived from a passphrase.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/mmp/ebk/backup"
	"github.com/mmp/ebk/config"
	"github.com/mmp/ebk/crypt"
	"github.com/mmp/ebk/ledger"
	"github.com/mmp/ebk/manifest"
	"github.com/mmp/ebk/storage"
	u "github.com/mmp/ebk/util"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"
)

var log *u.Logger

// Exit status for failures that may go away if the command is retried.
const exitTempFail = 75

func main() {
	app := &cli.App{
		Name:  "ebk",
		Usage: "client-side encrypted backups of individual files",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "configuration file (default $EBK_CONFIG)"},
			&cli.StringFlag{Name: "remote", Usage: "remote store type: disk, gcs, s3, or memory"},
			&cli.IntFlag{Name: "workers", Usage: "number of chunks to process in parallel"},
			&cli.IntFlag{
				Name:  "passphrase-fd",
				Value: -1,
				Usage: "read the passphrase from the given file descriptor",
			},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
			&cli.BoolFlag{Name: "debug"},
		},
		Before: func(c *cli.Context) error {
			log = u.NewLogger(c.Bool("verbose"), c.Bool("debug"))
			storage.SetLogger(log)
			return nil
		},
		Commands: []*cli.Command{
			backupCmd(),
			restoreCmd(),
			catCmd(),
			verifyCmd(),
			listCmd(),
			deleteCmd(),
			wipeCmd(),
			ledgerCmd(),
			mountCmd(),
			{
				Name:  "readme",
				Usage: "describe the storage format",
				Action: func(c *cli.Context) error {
					fmt.Print(readmeText)
					return nil
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ebk: %s\n", err)
		if backup.Retryable(err) {
			os.Exit(exitTempFail)
		}
		os.Exit(1)
	}
}

///////////////////////////////////////////////////////////////////////////
// Setup

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("remote") {
		cfg.Remote.Type = c.String("remote")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	return cfg, cfg.Validate()
}

func newRemote(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Remote.Type {
	case config.RemoteDisk:
		return storage.NewDisk(cfg.Remote.Dir)
	case config.RemoteGCS:
		return storage.NewGCS(ctx, storage.GCSOptions{
			BucketName:      cfg.Remote.GCS.Bucket,
			ProjectId:       cfg.Remote.GCS.Project,
			Location:        cfg.Remote.GCS.Location,
			CredentialsFile: cfg.Remote.GCS.Credentials,
		})
	case config.RemoteS3:
		s3 := cfg.Remote.S3
		return storage.NewS3(ctx, storage.S3Options{
			Bucket:    s3.Bucket,
			Region:    s3.Region,
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			PathStyle: s3.PathStyle,
		})
	case config.RemoteMemory:
		log.Warning("using an in-memory remote; nothing will persist")
		return storage.NewMemory("remote", 0), nil
	default:
		return nil, fmt.Errorf("%s: unknown remote type", cfg.Remote.Type)
	}
}

// newGateway returns the tiered store: the local cache in front of the
// (possibly throttled) remote.
func newGateway(ctx context.Context, cfg *config.Config) (*storage.Tiered, error) {
	remote, err := newRemote(ctx, cfg)
	if err != nil {
		return nil, err
	}
	up, down, err := cfg.Rates()
	if err != nil {
		return nil, err
	}
	remote = storage.NewThrottled(remote, up, down)

	cache, err := storage.NewDisk(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	gw := storage.NewTiered(cache, remote, manifest.Codec{}, policy)
	log.Debug("storage: %s", gw)
	return gw, nil
}

func openEngine(c *cli.Context) (*backup.Engine, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return newEngine(c.Context, cfg)
}

func newEngine(ctx context.Context, cfg *config.Config) (*backup.Engine, error) {
	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(cfg.Ledger, log)
	if err != nil {
		return nil, err
	}
	return backup.New(gw, l, backup.Options{
		Workers:     cfg.Workers,
		KDFCost:     cfg.KDF,
		Compression: cfg.Compression,
		Log:         log,
	})
}

// getPassphrase returns the passphrase from --passphrase-fd, then
// $EBK_PASSPHRASE, then the terminal. If confirm is set, a passphrase
// typed at the terminal must be entered twice.
func getPassphrase(c *cli.Context, confirm bool) (crypt.Secret, error) {
	if fd := c.Int("passphrase-fd"); fd >= 0 {
		f := os.NewFile(uintptr(fd), "passphrase")
		if f == nil {
			return crypt.Secret{}, fmt.Errorf("%d: invalid file descriptor", fd)
		}
		defer f.Close()
		return crypt.ReadSecret(f)
	}
	if p, ok := os.LookupEnv("EBK_PASSPHRASE"); ok {
		return crypt.SecretFromString(p), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return crypt.ReadSecret(os.Stdin)
	}
	prompt := func(p string) ([]byte, error) {
		fmt.Fprint(os.Stderr, p)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return b, err
	}
	b, err := prompt("Passphrase: ")
	if err != nil {
		return crypt.Secret{}, err
	}
	pass := crypt.NewSecret(b)
	if pass.Len() == 0 {
		return crypt.Secret{}, crypt.ErrEmptyPassphrase
	}
	if confirm {
		again, err := prompt("Confirm passphrase: ")
		if err != nil {
			pass.Wipe()
			return crypt.Secret{}, err
		}
		match := bytes.Equal(pass.Bytes(), again)
		crypt.NewSecret(again).Wipe()
		if !match {
			pass.Wipe()
			return crypt.Secret{}, errors.New("passphrases don't match")
		}
	}
	return pass, nil
}

func oneArg(c *cli.Context, what string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("usage: ebk %s %s", c.Command.Name, what)
	}
	return c.Args().First(), nil
}

///////////////////////////////////////////////////////////////////////////
// Commands

func backupCmd() *cli.Command {
	return &cli.Command{
		Name:      "backup",
		Usage:     "back up a file; prints the manifest id",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "chunk-size", Usage: "chunk size, e.g. 16MiB"},
			&cli.StringFlag{Name: "compression", Usage: "zstd or none"},
		},
		Action: func(c *cli.Context) error {
			path, err := oneArg(c, "<file>")
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("chunk-size") {
				cfg.ChunkSize = c.String("chunk-size")
			}
			if c.IsSet("compression") {
				cfg.Compression = c.String("compression")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			chunkSize, _ := cfg.ChunkBytes()

			e, err := newEngine(c.Context, cfg)
			if err != nil {
				return err
			}

			pass, err := getPassphrase(c, true)
			if err != nil {
				return err
			}
			start := time.Now()
			h, err := e.Backup(c.Context, path, pass, chunkSize)
			if err != nil {
				return err
			}
			log.Verbose("%s: backed up %s in %s", path, u.FmtBytes(h.Manifest.OriginalSize),
				time.Since(start).Round(time.Millisecond))
			fmt.Println(h.ManifestID)
			return nil
		},
	}
}

func restoreCmd() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "restore a backup to a file",
		ArgsUsage: "<manifest-id> <output-file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("usage: ebk restore <manifest-id> <output-file>")
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			pass, err := getPassphrase(c, false)
			if err != nil {
				return err
			}
			n, err := e.Restore(c.Context, c.Args().Get(0), pass, c.Args().Get(1))
			if err != nil {
				return err
			}
			log.Verbose("restored %s", u.FmtBytes(n))
			return nil
		},
	}
}

func catCmd() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "write the contents of a backup to standard output",
		ArgsUsage: "<manifest-id>",
		Action: func(c *cli.Context) error {
			id, err := oneArg(c, "<manifest-id>")
			if err != nil {
				return err
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			pass, err := getPassphrase(c, false)
			if err != nil {
				return err
			}
			_, err = e.RestoreTo(c.Context, id, pass, os.Stdout)
			return err
		},
	}
}

func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "check a backup's integrity without decrypting it",
		ArgsUsage: "<manifest-id>",
		Action: func(c *cli.Context) error {
			id, err := oneArg(c, "<manifest-id>")
			if err != nil {
				return err
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			if err := e.Verify(c.Context, id); err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", id)
			return nil
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list stored backups",
		Action: func(c *cli.Context) error {
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			list, err := e.ListBackups(c.Context)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.LastModified.Local().Format("2006-01-02 15:04:05"),
					s.Name)
			}
			return w.Flush()
		},
	}
}

func deleteCmd() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a backup and its chunks",
		ArgsUsage: "<manifest-id>",
		Action: func(c *cli.Context) error {
			id, err := oneArg(c, "<manifest-id>")
			if err != nil {
				return err
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			res, err := e.DeleteBackup(c.Context, id)
			if err != nil {
				return err
			}
			log.Print("%s: deleted %d objects", id, res.Deleted)
			return res.Err()
		},
	}
}

func wipeCmd() *cli.Command {
	return &cli.Command{
		Name:  "wipe",
		Usage: "permanently delete every backup, including old object versions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "confirm",
				Usage: fmt.Sprintf("must be %q", backup.WipeConfirmation),
			},
		},
		Action: func(c *cli.Context) error {
			if c.String("confirm") != backup.WipeConfirmation {
				return fmt.Errorf("refusing to wipe without --confirm %q", backup.WipeConfirmation)
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			n, err := e.WipeAll(c.Context, c.String("confirm"))
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d object versions\n", n)
			return nil
		},
	}
}

func ledgerCmd() *cli.Command {
	open := func(c *cli.Context) (*ledger.Ledger, error) {
		cfg, err := loadConfig(c)
		if err != nil {
			return nil, err
		}
		return ledger.Open(cfg.Ledger, log)
	}

	return &cli.Command{
		Name:  "ledger",
		Usage: "inspect the local audit ledger",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the ledger's entries",
				Action: func(c *cli.Context) error {
					l, err := open(c)
					if err != nil {
						return err
					}
					entries, err := l.Entries()
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
					for _, e := range entries {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp, e.Payload.ManifestID,
							u.FmtBytes(e.Payload.OriginalSize), e.Payload.FileName)
					}
					return w.Flush()
				},
			},
			{
				Name:  "verify",
				Usage: "check the ledger's hash chain and parity",
				Action: func(c *cli.Context) error {
					l, err := open(c)
					if err != nil {
						return err
					}
					if err := l.Verify(); err != nil {
						return err
					}
					if err := l.CheckParity(); errors.Is(err, ledger.ErrNoParity) {
						log.Warning("%s", err)
					} else if err != nil {
						return err
					}
					fmt.Println("ledger ok")
					return nil
				},
			},
			{
				Name:  "repair",
				Usage: "reconstruct a damaged ledger from its parity file",
				Action: func(c *cli.Context) error {
					l, err := open(c)
					if err != nil {
						return err
					}
					repaired, err := l.Repair()
					if err != nil {
						return err
					}
					if repaired {
						fmt.Println("ledger repaired")
					} else {
						fmt.Println("ledger was intact")
					}
					return nil
				},
			},
		},
	}
}

func mountCmd() *cli.Command {
	return &cli.Command{
		Name:      "mount",
		Usage:     "mount the backups as a read-only filesystem",
		ArgsUsage: "<dir>",
		Action: func(c *cli.Context) error {
			dir, err := oneArg(c, "<dir>")
			if err != nil {
				return err
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			pass, err := getPassphrase(c, false)
			if err != nil {
				return err
			}
			defer pass.Wipe()
			return mountFUSE(c.Context, dir, e, pass)
		},
	}
}
