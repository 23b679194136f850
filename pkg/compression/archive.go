package compression

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
)

// MaxEntrySize bounds a single unpacked file
const MaxEntrySize int64 = 64 << 30

// Pack writes the regular files under dir to w as a compressed tar stream.
// Entry names are relative to the parent of dir, so the archive unpacks
// into a directory named like dir.
func Pack(ctx context.Context, c Compressor, dir string, w io.Writer) (int64, error) {
	dir = filepath.Clean(dir)
	root := filepath.Dir(dir)

	cw, err := c.NewWriter(w)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(cw)

	var total int64
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() && !d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(tw, f)
		total += n
		return err
	})
	if err != nil {
		return total, errors.Wrap(err, errors.ErrorTypeFile, "failed to pack run directory").WithDetail("dir", dir)
	}
	if err := tw.Close(); err != nil {
		return total, errors.Wrap(err, errors.ErrorTypeFile, "failed to finish archive")
	}
	if err := cw.Close(); err != nil {
		return total, errors.Wrap(err, errors.ErrorTypeFile, "failed to flush archive")
	}
	return total, nil
}

// Unpack extracts an archive written by Pack below dest and returns the
// top-level directory it created. Entries escaping dest are rejected.
func Unpack(ctx context.Context, c Compressor, r io.Reader, dest string) (string, error) {
	cr, err := c.NewReader(r)
	if err != nil {
		return "", err
	}
	defer cr.Close()

	dest = filepath.Clean(dest)
	tr := tar.NewReader(cr)
	top := ""
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeFile, "corrupt archive")
		}

		target, err := entryPath(dest, hdr.Name)
		if err != nil {
			return "", err
		}
		if top == "" {
			top = filepath.Join(dest, strings.SplitN(filepath.ToSlash(filepath.Clean(hdr.Name)), "/", 2)[0])
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to create directory")
			}
		case tar.TypeReg:
			if hdr.Size > MaxEntrySize {
				return "", errors.Newf(errors.ErrorTypeFile, "archive entry %s is too large", hdr.Name)
			}
			if err := writeEntry(target, tr, hdr.Size); err != nil {
				return "", err
			}
		}
	}
	if top == "" {
		return "", errors.New(errors.ErrorTypeFile, "archive is empty")
	}
	return top, nil
}

// entryPath resolves an entry name below dest
func entryPath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", errors.Newf(errors.ErrorTypeFile, "archive entry %q escapes the destination", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create directory")
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create file").WithDetail("path", target)
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to extract file").WithDetail("path", target)
	}
	return f.Close()
}
