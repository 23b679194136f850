// Package storage moves VDF run directories to and from object stores.
//
// A location is a URL such as s3://bucket/prefix, gs://bucket/prefix,
// minio://bucket/prefix or file:///srv/exports. Store implementations
// register themselves by scheme; import the subpackages for their side
// effect to make a scheme available.
package storage

import (
	"context"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/vdf/pkg/errors"
)

// Store is a flat key-value object store
type Store interface {
	// Put uploads r under key. size is -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get opens the object at key. Missing objects return a not_found error.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every key below prefix, sorted
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Location is a parsed store URL
type Location struct {
	Scheme string
	Bucket string
	// Prefix is the key prefix without leading or trailing slashes
	Prefix string
}

func (l Location) String() string {
	if l.Prefix == "" {
		return l.Scheme + "://" + l.Bucket
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Prefix
}

// Key joins parts below the location prefix
func (l Location) Key(parts ...string) string {
	return strings.TrimPrefix(path.Join(append([]string{l.Prefix}, parts...)...), "/")
}

// ParseLocation parses scheme://bucket/prefix. For file URLs the bucket is
// the parent directory of the path and the prefix its last element.
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return Location{}, errors.Newf(errors.ErrorTypeConfig, "invalid storage location %q", raw)
	}
	if u.Scheme == "file" {
		if u.Path == "" {
			return Location{}, errors.Newf(errors.ErrorTypeConfig, "file location %q has no path", raw)
		}
		p := path.Clean(u.Path)
		return Location{Scheme: "file", Bucket: path.Dir(p), Prefix: strings.Trim(path.Base(p), "/")}, nil
	}
	if u.Host == "" {
		return Location{}, errors.Newf(errors.ErrorTypeConfig, "storage location %q has no bucket", raw)
	}
	return Location{
		Scheme: u.Scheme,
		Bucket: u.Host,
		Prefix: strings.Trim(u.Path, "/"),
	}, nil
}

// Options carries credentials and endpoints. Each store reads the fields
// it understands.
type Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	CredentialsFile string
	UseSSL          bool
	// PartSize and Concurrency tune multipart uploads
	PartSize    int64
	Concurrency int
}

// Opener creates a store for a bucket
type Opener func(ctx context.Context, bucket string, opts Options) (Store, error)

var (
	mu      sync.RWMutex
	openers = map[string]Opener{}
)

// Register makes a scheme available to Open
func Register(scheme string, open Opener) {
	mu.Lock()
	defer mu.Unlock()
	openers[scheme] = open
}

// Schemes lists the registered schemes, sorted
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(openers))
	for s := range openers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open creates the store serving loc
func Open(ctx context.Context, loc Location, opts Options) (Store, error) {
	mu.RLock()
	open, ok := openers[loc.Scheme]
	mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no storage registered for scheme %q", loc.Scheme).
			WithDetail("available", Schemes())
	}
	return open(ctx, loc.Bucket, opts)
}
