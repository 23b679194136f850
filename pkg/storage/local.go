package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
)

func init() {
	Register("file", func(_ context.Context, root string, _ Options) (Store, error) {
		return NewLocal(root)
	})
}

// Local stores objects as files below a root directory
type Local struct {
	root string
}

// NewLocal creates root if needed
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create storage root").WithDetail("root", root)
	}
	return &Local{root: root}, nil
}

func (l *Local) path(key string) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errors.Newf(errors.ErrorTypeValidation, "key %q escapes the storage root", key)
	}
	return p, nil
}

func (l *Local) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create directory")
	}
	f, err := os.Create(p)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create object").WithDetail("key", key)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write object").WithDetail("key", key)
	}
	return f.Close()
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "object %s not found", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open object").WithDetail("key", key)
	}
	return f, nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to list objects")
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Local) Close() error { return nil }
