package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/compression"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/ajitpratap0/vdf/pkg/vdf"
	"go.uber.org/zap"
)

// PushResult describes an upload
type PushResult struct {
	// Keys are the uploaded objects in upload order
	Keys  []string
	Bytes int64
}

// Push uploads the run directory dir below loc. With a compressor the run
// is packed into one archive object; otherwise every chunk file is
// uploaded and the manifest goes last, so a run without a manifest object
// is an incomplete upload.
func Push(ctx context.Context, s Store, loc Location, dir string, c compression.Compressor) (*PushResult, error) {
	dir = filepath.Clean(dir)
	m, err := vdf.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(dir)
	log := logger.With(zap.String("component", "push"), zap.String("run", name), zap.String("location", loc.String()))

	if c != nil {
		return pushArchive(ctx, s, loc, dir, c, log)
	}

	res := &PushResult{}
	files := append(append([]string{}, m.FileStructure...), vdf.ManifestFile)
	for _, rel := range files {
		key := loc.Key(name, rel)
		n, err := putFile(ctx, s, key, filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return res, err
		}
		res.Keys = append(res.Keys, key)
		res.Bytes += n
		log.Debug("uploaded", zap.String("key", key), zap.Int64("bytes", n))
	}
	log.Info("run uploaded", zap.Int("objects", len(res.Keys)), zap.Int64("bytes", res.Bytes))
	return res, nil
}

func pushArchive(ctx context.Context, s Store, loc Location, dir string, c compression.Compressor, log *zap.Logger) (*PushResult, error) {
	tmp, err := os.CreateTemp("", "vdf-*"+c.Algorithm().Extension())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create archive file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	raw, err := compression.Pack(ctx, c, dir, tmp)
	if err != nil {
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to rewind archive")
	}
	info, err := tmp.Stat()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to stat archive")
	}

	key := loc.Key(filepath.Base(dir) + c.Algorithm().Extension())
	if err := s.Put(ctx, key, tmp, info.Size()); err != nil {
		return nil, err
	}
	log.Info("run archive uploaded",
		zap.String("key", key),
		zap.Int64("bytes", info.Size()),
		zap.Int64("unpacked_bytes", raw),
		zap.String("algorithm", string(c.Algorithm())))
	return &PushResult{Keys: []string{key}, Bytes: info.Size()}, nil
}

func putFile(ctx context.Context, s Store, key, file string) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to open run file").WithDetail("path", file)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to stat run file").WithDetail("path", file)
	}
	if err := s.Put(ctx, key, f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Pull downloads the run stored under loc into dest and returns the local
// run directory. An archive key (name.tar.zst and so on) is unpacked; any
// other key is taken as the run prefix written by Push. The downloaded
// run is verified against its manifest.
func Pull(ctx context.Context, s Store, loc Location, dest string) (string, error) {
	log := logger.With(zap.String("component", "pull"), zap.String("location", loc.String()))

	var dir string
	var err error
	if alg, ok := compression.AlgorithmFromName(loc.Prefix); ok {
		dir, err = pullArchive(ctx, s, loc.Prefix, alg, dest)
	} else {
		dir, err = pullFiles(ctx, s, loc, dest, log)
	}
	if err != nil {
		return "", err
	}

	m, err := vdf.ReadManifest(dir)
	if err != nil {
		return "", err
	}
	problems, err := vdf.Verify(dir, m)
	if err != nil {
		return "", err
	}
	if len(problems) > 0 {
		msgs := make([]string, len(problems))
		for i, p := range problems {
			msgs[i] = p.String()
		}
		return "", errors.Newf(errors.ErrorTypeData, "downloaded run in %s is incomplete", dir).
			WithDetail("problems", msgs)
	}
	log.Info("run downloaded", zap.String("dir", dir), zap.Int("files", len(m.FileStructure)))
	return dir, nil
}

func pullArchive(ctx context.Context, s Store, key string, alg compression.Algorithm, dest string) (string, error) {
	c, err := compression.NewCompressor(&compression.Config{Algorithm: alg})
	if err != nil {
		return "", err
	}
	r, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return compression.Unpack(ctx, c, r, dest)
}

func pullFiles(ctx context.Context, s Store, loc Location, dest string, log *zap.Logger) (string, error) {
	if loc.Prefix == "" {
		return "", errors.Newf(errors.ErrorTypeConfig, "%s does not name a run", loc)
	}
	dir := filepath.Join(dest, path.Base(loc.Prefix))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to create run directory")
	}

	// the manifest lists every other object of the run
	if err := getFile(ctx, s, loc.Key(vdf.ManifestFile), filepath.Join(dir, vdf.ManifestFile)); err != nil {
		return "", err
	}
	m, err := vdf.ReadManifest(dir)
	if err != nil {
		return "", err
	}
	for _, rel := range m.FileStructure {
		if strings.Contains(rel, "..") {
			return "", errors.Newf(errors.ErrorTypeData, "manifest file entry %q escapes the run", rel)
		}
		if err := getFile(ctx, s, loc.Key(rel), filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return "", err
		}
		log.Debug("downloaded", zap.String("key", loc.Key(rel)))
	}
	return dir, nil
}

func getFile(ctx context.Context, s Store, key, file string) error {
	r, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create directory")
	}
	f, err := os.Create(file)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create file").WithDetail("path", file)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to download object").WithDetail("key", key)
	}
	return f.Close()
}
