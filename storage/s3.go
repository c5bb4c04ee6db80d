// storage/s3.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"io"
	"strings"
)

// S3 caps DeleteObjects requests at this many keys.
const s3DeleteBatchSize = 1000

// S3Options describes an S3-compatible bucket (AWS, Backblaze B2, MinIO,
// ...).
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
	// If AccessKey is empty, the default AWS credential chain is used.
	AccessKey string
	SecretKey string
	PathStyle bool
}

type s3Store struct {
	client *s3.Client
	bucket string
}

func NewS3(ctx context.Context, options S3Options) (ObjectStore, error) {
	if options.Bucket == "" {
		return nil, errors.New("s3: no bucket specified")
	}
	region := options.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if options.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(options.AccessKey, options.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: loading config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if options.Endpoint != "" {
			o.BaseEndpoint = aws.String(options.Endpoint)
		}
		o.UsePathStyle = options.PathStyle
	})
	return &s3Store{client: client, bucket: options.Bucket}, nil
}

func (s *s3Store) String() string {
	return "s3://" + s.bucket
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	return err
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *s3Store) List(ctx context.Context, prefix, token string) (ListPage, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if token != "" {
		in.ContinuationToken = aws.String(token)
	}
	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return ListPage{}, err
	}

	var page ListPage
	for _, o := range out.Contents {
		page.Objects = append(page.Objects, ObjectInfo{
			Key:          aws.ToString(o.Key),
			Size:         aws.ToInt64(o.Size),
			LastModified: aws.ToTime(o.LastModified),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.Next = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// Version listing tokens encode the key marker and version id marker,
// separated by a newline (which can't appear in our keys).
func (s *s3Store) ListVersions(ctx context.Context, prefix, token string) (VersionPage, error) {
	in := &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if token != "" {
		key, vid, _ := strings.Cut(token, "\n")
		in.KeyMarker = aws.String(key)
		if vid != "" {
			in.VersionIdMarker = aws.String(vid)
		}
	}
	out, err := s.client.ListObjectVersions(ctx, in)
	if err != nil {
		return VersionPage{}, err
	}

	var page VersionPage
	for _, v := range out.Versions {
		page.Versions = append(page.Versions, ObjectVersion{
			Key:       aws.ToString(v.Key),
			VersionID: aws.ToString(v.VersionId),
		})
	}
	// Delete markers must go too, or the keys linger in versioned
	// buckets.
	for _, m := range out.DeleteMarkers {
		page.Versions = append(page.Versions, ObjectVersion{
			Key:       aws.ToString(m.Key),
			VersionID: aws.ToString(m.VersionId),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.Next = aws.ToString(out.NextKeyMarker) + "\n" + aws.ToString(out.NextVersionIdMarker)
	}
	return page, nil
}

func (s *s3Store) DeleteBatch(ctx context.Context, objs []ObjectVersion) error {
	for len(objs) > 0 {
		n := len(objs)
		if n > s3DeleteBatchSize {
			n = s3DeleteBatchSize
		}

		ids := make([]types.ObjectIdentifier, n)
		for i, o := range objs[:n] {
			ids[i] = types.ObjectIdentifier{Key: aws.String(o.Key)}
			if o.VersionID != "" {
				ids[i].VersionId = aws.String(o.VersionID)
			}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("s3: %d of %d deletes failed; first %s: %s %s", len(out.Errors), n,
				aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message))
		}
		objs = objs[n:]
	}
	return nil
}
