// Package minio registers the minio:// storage scheme for MinIO and other
// S3-compatible servers addressed by endpoint
package minio

import (
	"context"
	"io"
	"sort"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func init() {
	storage.Register("minio", func(ctx context.Context, bucket string, opts storage.Options) (storage.Store, error) {
		return New(ctx, bucket, opts)
	})
}

// Store is a bucket on a MinIO server
type Store struct {
	client   *minio.Client
	bucket   string
	partSize uint64
}

// New connects to opts.Endpoint and creates the bucket when missing
func New(ctx context.Context, bucket string, opts storage.Options) (*Store, error) {
	if opts.Endpoint == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "minio endpoint cannot be empty")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid minio configuration")
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "minio is unreachable").
			WithDetail("endpoint", opts.Endpoint)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create bucket").WithDetail("bucket", bucket)
		}
	}

	s := &Store{client: client, bucket: bucket}
	if opts.PartSize > 0 {
		s.partSize = uint64(opts.PartSize)
	}
	return s, nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{PartSize: s.partSize})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "minio upload failed").WithDetail("key", key)
	}
	return nil
}

// Get stats the object first because GetObject defers errors to the first read
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "minio://%s/%s not found", s.bucket, key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "minio stat failed").WithDetail("key", key)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "minio download failed").WithDetail("key", key)
	}
	return obj, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.Wrap(obj.Err, errors.ErrorTypeConnection, "minio list failed").WithDetail("prefix", prefix)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error { return nil }
