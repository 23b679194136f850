// Package gcs registers the gs:// storage scheme on Google Cloud Storage
package gcs

import (
	"context"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"github.com/ajitpratap0/vdf/pkg/errors"
	vdfstorage "github.com/ajitpratap0/vdf/pkg/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

func init() {
	vdfstorage.Register("gs", func(ctx context.Context, bucket string, opts vdfstorage.Options) (vdfstorage.Store, error) {
		return New(ctx, bucket, opts)
	})
}

// Store is a GCS bucket
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	chunk  int
}

// New uses application default credentials unless CredentialsFile is set
func New(ctx context.Context, bucket string, opts vdfstorage.Options) (*Store, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}
	return &Store{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
		chunk:  int(opts.PartSize),
	}, nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	w := s.bucket.Object(key).NewWriter(ctx)
	if s.chunk > 0 {
		w.ChunkSize = s.chunk
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "gcs upload failed").WithDetail("key", key)
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "gcs upload failed").WithDetail("key", key)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "gs://%s/%s not found", s.name, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "gcs download failed").WithDetail("key", key)
	}
	return r, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "gcs list failed").WithDetail("prefix", prefix)
		}
		keys = append(keys, attrs.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
