// Package s3 registers the s3:// storage scheme on the AWS SDK v2. Uploads
// go through the multipart upload manager.
package s3

import (
	"context"
	"io"
	"sort"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func init() {
	storage.Register("s3", func(ctx context.Context, bucket string, opts storage.Options) (storage.Store, error) {
		return New(ctx, bucket, opts)
	})
}

// Store is an S3 bucket
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// New loads the default AWS credential chain. Endpoint overrides the
// service URL for S3-compatible stores.
func New(ctx context.Context, bucket string, opts storage.Options) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if opts.PartSize > 0 {
			u.PartSize = opts.PartSize
		}
		if opts.Concurrency > 0 {
			u.Concurrency = opts.Concurrency
		}
	})
	return &Store{client: client, uploader: uploader, bucket: bucket}, nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "s3 upload failed").WithDetail("key", key)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "s3://%s/%s not found", s.bucket, key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "s3 download failed").WithDetail("key", key)
	}
	return out.Body, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "s3 list failed").WithDetail("prefix", prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error { return nil }
