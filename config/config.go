// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads ebk's settings. They come from a YAML file
// (by default $XDG_CONFIG_HOME/ebk/config.yaml, or the file named by
// $EBK_CONFIG), and individual values may be overridden with EBK_*
// environment variables. Command-line flags are applied on top of that by
// the caller.
package config

import (
	"errors"
	"fmt"
	"github.com/dustin/go-humanize"
	"github.com/mmp/ebk/chunker"
	"github.com/mmp/ebk/crypt"
	"github.com/mmp/ebk/storage"
	"gopkg.in/yaml.v3"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// Remote store types.
const (
	RemoteDisk   = "disk"
	RemoteGCS    = "gcs"
	RemoteS3     = "s3"
	RemoteMemory = "memory"
)

type Config struct {
	// CacheDir holds the local copy of everything in the remote.
	CacheDir string `yaml:"cache_dir"`
	// Ledger is the path of the audit ledger file.
	Ledger string `yaml:"ledger"`

	// ChunkSize is given in bytes, with an optional unit, e.g. "16MiB".
	ChunkSize   string     `yaml:"chunk_size"`
	Compression string     `yaml:"compression"`
	Workers     int        `yaml:"workers"`
	KDF         crypt.Cost `yaml:"kdf"`

	Remote RemoteConfig `yaml:"remote"`
	Retry  RetryConfig  `yaml:"retry"`
	Limits LimitsConfig `yaml:"limits"`
}

type RemoteConfig struct {
	// Type is one of "disk", "gcs", "s3", or "memory".
	Type string    `yaml:"type"`
	Dir  string    `yaml:"dir"`
	GCS  GCSConfig `yaml:"gcs"`
	S3   S3Config  `yaml:"s3"`
}

type GCSConfig struct {
	Bucket      string `yaml:"bucket"`
	Project     string `yaml:"project"`
	Location    string `yaml:"location"`
	Credentials string `yaml:"credentials"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

type RetryConfig struct {
	Attempts int `yaml:"attempts"`
	// Backoff and Timeout are Go durations, e.g. "100ms".
	Backoff string `yaml:"backoff"`
	Timeout string `yaml:"timeout"`
}

// LimitsConfig bounds bandwidth use; values are bytes per second with an
// optional unit ("2MiB"). Empty or "0" means unlimited.
type LimitsConfig struct {
	Upload   string `yaml:"upload"`
	Download string `yaml:"download"`
}

func Default() *Config {
	root := "${HOME}/.ebk"
	return &Config{
		CacheDir:    filepath.Join(root, "cache"),
		Ledger:      filepath.Join(root, "ledger.json"),
		ChunkSize:   humanize.IBytes(chunker.DefaultChunkSize),
		Compression: chunker.CompressionZstd,
		KDF:         crypt.DefaultCost,
		Remote:      RemoteConfig{Type: RemoteDisk, Dir: filepath.Join(root, "remote")},
		Retry: RetryConfig{
			Attempts: storage.DefaultRetryPolicy.Attempts,
			Backoff:  storage.DefaultRetryPolicy.Backoff.String(),
			Timeout:  storage.DefaultRetryPolicy.Timeout.String(),
		},
	}
}

// DefaultPath returns the configuration file used when none is given
// explicitly.
func DefaultPath() string {
	if p := os.Getenv("EBK_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ebk", "config.yaml")
}

// Load returns the configuration from the file at path, with environment
// overrides applied. If path is empty, DefaultPath is used, and it's not
// an error for that file not to exist.
func Load(path string) (*Config, error) {
	c := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, err
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.expandVariables()
	return c, c.Validate()
}

// applyEnv overrides settings with any EBK_* variables that are set.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"EBK_CACHE_DIR":       &c.CacheDir,
		"EBK_LEDGER":          &c.Ledger,
		"EBK_CHUNK_SIZE":      &c.ChunkSize,
		"EBK_COMPRESSION":     &c.Compression,
		"EBK_REMOTE":          &c.Remote.Type,
		"EBK_REMOTE_DIR":      &c.Remote.Dir,
		"EBK_GCS_BUCKET":      &c.Remote.GCS.Bucket,
		"EBK_GCS_PROJECT":     &c.Remote.GCS.Project,
		"EBK_GCS_CREDENTIALS": &c.Remote.GCS.Credentials,
		"EBK_S3_BUCKET":       &c.Remote.S3.Bucket,
		"EBK_S3_REGION":       &c.Remote.S3.Region,
		"EBK_S3_ENDPOINT":     &c.Remote.S3.Endpoint,
		"EBK_S3_ACCESS_KEY":   &c.Remote.S3.AccessKey,
		"EBK_S3_SECRET_KEY":   &c.Remote.S3.SecretKey,
		"EBK_UPLOAD_LIMIT":    &c.Limits.Upload,
		"EBK_DOWNLOAD_LIMIT":  &c.Limits.Download,
	}
	for name, p := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*p = v
		}
	}

	if v, ok := os.LookupEnv("EBK_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EBK_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

func (c *Config) expandVariables() {
	for _, p := range []*string{&c.CacheDir, &c.Ledger, &c.Remote.Dir, &c.Remote.GCS.Credentials} {
		*p = expandVars(*p)
	}
}

// ChunkBytes returns the chunk size in bytes.
func (c *Config) ChunkBytes() (int, error) {
	n, err := humanize.ParseBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("chunk_size: %w", err)
	}
	if n == 0 || n > 1<<30 {
		return 0, fmt.Errorf("chunk_size: %s out of range", c.ChunkSize)
	}
	return int(n), nil
}

func parseRate(name, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return int(n), nil
}

// Rates returns the upload and download limits in bytes per second; zero
// means unlimited.
func (c *Config) Rates() (up, down int, err error) {
	if up, err = parseRate("limits.upload", c.Limits.Upload); err != nil {
		return
	}
	down, err = parseRate("limits.download", c.Limits.Download)
	return
}

func (c *Config) RetryPolicy() (storage.RetryPolicy, error) {
	p := storage.RetryPolicy{Attempts: c.Retry.Attempts}
	var err error
	if p.Backoff, err = time.ParseDuration(c.Retry.Backoff); err != nil {
		return p, fmt.Errorf("retry.backoff: %w", err)
	}
	if p.Timeout, err = time.ParseDuration(c.Retry.Timeout); err != nil {
		return p, fmt.Errorf("retry.timeout: %w", err)
	}
	return p, nil
}

// Validate reports all of the problems with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if c.Ledger == "" {
		errs = append(errs, errors.New("ledger is required"))
	}
	if _, err := c.ChunkBytes(); err != nil {
		errs = append(errs, err)
	}
	if !chunker.ValidCompression(c.Compression) {
		errs = append(errs, fmt.Errorf("compression: unknown algorithm %q", c.Compression))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers: %d is negative", c.Workers))
	}
	if c.KDF.Time == 0 || c.KDF.Threads == 0 || c.KDF.MemoryKiB < 8*uint32(c.KDF.Threads) {
		errs = append(errs, fmt.Errorf("kdf: invalid cost %+v", c.KDF))
	}
	if c.Retry.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.attempts: %d must be positive", c.Retry.Attempts))
	}
	if _, err := c.RetryPolicy(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.Rates(); err != nil {
		errs = append(errs, err)
	}

	switch c.Remote.Type {
	case RemoteDisk:
		if c.Remote.Dir == "" {
			errs = append(errs, errors.New("remote.dir is required for a disk remote"))
		}
	case RemoteGCS:
		if c.Remote.GCS.Bucket == "" {
			errs = append(errs, errors.New("remote.gcs.bucket is required"))
		}
	case RemoteS3:
		if c.Remote.S3.Bucket == "" {
			errs = append(errs, errors.New("remote.s3.bucket is required"))
		}
	case RemoteMemory:
	default:
		errs = append(errs, fmt.Errorf("remote.type: unknown type %q", c.Remote.Type))
	}

	return errors.Join(errs...)
}
