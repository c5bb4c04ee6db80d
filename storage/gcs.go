// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	gcs "cloud.google.com/go/storage"
	"context"
	"errors"
	"fmt"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"hash/crc32"
	"io"
	"strconv"
)

// Implements the ObjectStore interface to store objects in Google Cloud
// Storage. Listing versions and deleting by generation only find older
// versions if object versioning is enabled on the bucket.
type gcsStore struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional; application default credentials are used otherwise.
	CredentialsFile string
}

func NewGCS(ctx context.Context, options GCSOptions) (ObjectStore, error) {
	var opts []option.ClientOption
	if options.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(options.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	g := &gcsStore{
		client: client,
		bucket: client.Bucket(options.BucketName),
		name:   options.BucketName,
	}

	// Create the bucket if it doesn't exist.
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			return nil, fmt.Errorf("%s: bucket doesn't exist and no project id given",
				options.BucketName)
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		err := g.bucket.Create(ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc, VersioningEnabled: true})
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return g, nil
}

func (g *gcsStore) String() string {
	return "gs://" + g.name
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *gcsStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	log.Debug("%s: starting upload", key)

	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	// Have GCS check the data against the CRC we compute locally so that
	// corruption on the way there makes the upload fail.
	w.CRC32C = crc32.Checksum(data, castagnoliTable)
	w.SendCRC32C = true

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Debug("%s: finished upload", key)
	return nil
}

func (g *gcsStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

const gcsPageSize = 1000

func (g *gcsStore) List(ctx context.Context, prefix, token string) (ListPage, error) {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	var attrs []*gcs.ObjectAttrs
	next, err := iterator.NewPager(it, gcsPageSize, token).NextPage(&attrs)
	if err != nil {
		return ListPage{}, err
	}

	page := ListPage{Next: next}
	for _, a := range attrs {
		page.Objects = append(page.Objects, ObjectInfo{
			Key:          a.Name,
			Size:         a.Size,
			LastModified: a.Updated,
		})
	}
	return page, nil
}

func (g *gcsStore) ListVersions(ctx context.Context, prefix, token string) (VersionPage, error) {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix, Versions: true})
	var attrs []*gcs.ObjectAttrs
	next, err := iterator.NewPager(it, gcsPageSize, token).NextPage(&attrs)
	if err != nil {
		return VersionPage{}, err
	}

	page := VersionPage{Next: next}
	for _, a := range attrs {
		page.Versions = append(page.Versions, ObjectVersion{
			Key:       a.Name,
			VersionID: strconv.FormatInt(a.Generation, 10),
		})
	}
	return page, nil
}

// GCS has no multi-object delete, so objects are deleted one at a time.
func (g *gcsStore) DeleteBatch(ctx context.Context, objs []ObjectVersion) error {
	for _, o := range objs {
		obj := g.bucket.Object(o.Key)
		if o.VersionID != "" {
			gen, err := strconv.ParseInt(o.VersionID, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: bad generation %q: %w", o.Key, o.VersionID, err)
			}
			obj = obj.Generation(gen)
		}
		if err := obj.Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			return fmt.Errorf("%s: %w", o.Key, err)
		}
	}
	return nil
}
