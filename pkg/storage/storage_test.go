package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ajitpratap0/vdf/pkg/compression"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/formats/columnar"
	"github.com/ajitpratap0/vdf/pkg/metric"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/ajitpratap0/vdf/pkg/vdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw  string
		want Location
	}{
		{"s3://bucket", Location{Scheme: "s3", Bucket: "bucket"}},
		{"s3://bucket/exports/", Location{Scheme: "s3", Bucket: "bucket", Prefix: "exports"}},
		{"gs://b/a/b/run.tar.zst", Location{Scheme: "gs", Bucket: "b", Prefix: "a/b/run.tar.zst"}},
		{"file:///srv/exports", Location{Scheme: "file", Bucket: "/srv", Prefix: "exports"}},
	}
	for _, tt := range tests {
		got, err := ParseLocation(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []string{"bucket/prefix", "s3:///prefix", "file://"} {
		_, err := ParseLocation(bad)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), bad)
	}

	loc := Location{Scheme: "s3", Bucket: "b", Prefix: "exports"}
	assert.Equal(t, "exports/run/VDF_META.json", loc.Key("run", "VDF_META.json"))
	assert.Equal(t, "run", Location{Scheme: "s3", Bucket: "b"}.Key("run"))
	assert.Equal(t, "s3://b/exports", loc.String())
}

func TestOpenUnknownScheme(t *testing.T) {
	assert.Contains(t, Schemes(), "file")
	_, err := Open(context.Background(), Location{Scheme: "ftp", Bucket: "x"}, Options{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a/b.txt", strings.NewReader("hello"), 5))
	require.NoError(t, s.Put(ctx, "a/c.txt", strings.NewReader("x"), -1))
	require.NoError(t, s.Put(ctx, "z.txt", strings.NewReader("y"), 1))

	keys, err := s.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b.txt", "a/c.txt"}, keys)

	r, err := s.Get(ctx, "a/b.txt")
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello", string(body))

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	err = s.Put(ctx, "../escape", strings.NewReader("x"), 1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

// writeRun creates a small exported run with two chunk files
func writeRun(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "vdf_20240102_150405_abcde")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "products"), 0o755))

	m := vdf.NewManifest("memory", "tester", "2024-01-02T15:04:05Z")
	for i, ids := range [][]string{{"a", "b"}, {"c"}} {
		records := make([]*models.Record, len(ids))
		for j, id := range ids {
			records[j] = models.NewRecord(id, []float32{1, 2, 3})
		}
		rel := "products/" + vdf.ChunkName(i+1, ".parquet")
		_, err := columnar.WriteFile(filepath.Join(dir, filepath.FromSlash(rel)), records, nil)
		require.NoError(t, err)
		m.AddFile(rel)
	}
	m.AddNamespace(vdf.NamespaceMeta{
		Namespace:           "",
		IndexName:           "products",
		TotalVectorCount:    3,
		ExportedVectorCount: 3,
		Dimensions:          3,
		VectorColumns:       []string{models.DefaultVectorColumn},
		DataPath:            "products",
		Metric:              metric.Cosine,
	})
	require.NoError(t, vdf.WriteManifest(dir, m))
	return dir
}

func TestPushPullFiles(t *testing.T) {
	ctx := context.Background()
	run := writeRun(t)
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	loc := Location{Scheme: "file", Prefix: "exports"}

	res, err := Push(ctx, s, loc, run, nil)
	require.NoError(t, err)
	require.Len(t, res.Keys, 3)
	assert.Equal(t, "exports/vdf_20240102_150405_abcde/"+vdf.ManifestFile, res.Keys[2], "manifest goes last")

	dir, err := Pull(ctx, s, Location{Scheme: "file", Prefix: "exports/vdf_20240102_150405_abcde"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "vdf_20240102_150405_abcde", filepath.Base(dir))
	m, err := vdf.ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.TotalExported())
}

func TestPushPullArchive(t *testing.T) {
	ctx := context.Background()
	run := writeRun(t)
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	c, err := compression.NewCompressor(&compression.Config{Algorithm: compression.Zstd, Level: compression.Fastest})
	require.NoError(t, err)

	res, err := Push(ctx, s, Location{Scheme: "file", Prefix: "exports"}, run, c)
	require.NoError(t, err)
	require.Equal(t, []string{"exports/vdf_20240102_150405_abcde.tar.zst"}, res.Keys)

	dir, err := Pull(ctx, s, Location{Scheme: "file", Prefix: res.Keys[0]}, t.TempDir())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "products", "2.parquet"))
	assert.NoError(t, err)
}

func TestPullDetectsMissingChunk(t *testing.T) {
	ctx := context.Background()
	run := writeRun(t)
	root := t.TempDir()
	s, err := NewLocal(root)
	require.NoError(t, err)

	_, err = Push(ctx, s, Location{Scheme: "file"}, run, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "vdf_20240102_150405_abcde", "products", "2.parquet")))

	_, err = Pull(ctx, s, Location{Scheme: "file", Prefix: "vdf_20240102_150405_abcde"}, t.TempDir())
	assert.Error(t, err)
}

func TestPushRequiresManifest(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	_, err = Push(context.Background(), s, Location{Scheme: "file"}, t.TempDir(), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
