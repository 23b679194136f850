package compression

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var algorithms = []Algorithm{None, Gzip, LZ4, Zstd, S2}

func TestStreamRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("vector,metadata,vector,metadata "), 2000)

	for _, alg := range algorithms {
		for _, level := range []Level{Fastest, Default, Better, Best} {
			t.Run(string(alg)+"/"+level.String(), func(t *testing.T) {
				c, err := NewCompressor(&Config{Algorithm: alg, Level: level})
				require.NoError(t, err)
				assert.Equal(t, alg, c.Algorithm())

				var buf bytes.Buffer
				w, err := c.NewWriter(&buf)
				require.NoError(t, err)
				_, err = w.Write(original)
				require.NoError(t, err)
				require.NoError(t, w.Close())
				if alg != None {
					assert.Less(t, buf.Len(), len(original))
				}

				r, err := c.NewReader(&buf)
				require.NoError(t, err)
				got, err := io.ReadAll(r)
				require.NoError(t, err)
				require.NoError(t, r.Close())
				assert.Equal(t, original, got)
			})
		}
	}
}

func TestParsing(t *testing.T) {
	a, err := ParseAlgorithm("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, Zstd, a)

	_, err = ParseAlgorithm("brotli")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	l, err := ParseLevel("best")
	require.NoError(t, err)
	assert.Equal(t, Best, l)

	for _, alg := range algorithms {
		got, ok := AlgorithmFromName("run" + alg.Extension())
		assert.True(t, ok)
		assert.Equal(t, alg, got)
	}
	_, ok := AlgorithmFromName("run.zip")
	assert.False(t, ok)

	_, err = NewCompressor(&Config{Algorithm: "snappy"})
	assert.Error(t, err)
}

func writeRunDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "vdf_20240102_150405_abcde")
	files := map[string]string{
		"VERSION.txt":           "vdf_manifest.json v0.1",
		"vdf_manifest.json":     `{"indexes":{}}`,
		"products/1.parquet":    "chunk one",
		"products/en/2.parquet": "chunk two",
	}
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func TestPackUnpack(t *testing.T) {
	src := writeRunDir(t)

	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			c, err := NewCompressor(&Config{Algorithm: alg, Level: Fastest})
			require.NoError(t, err)

			var buf bytes.Buffer
			n, err := Pack(context.Background(), c, src, &buf)
			require.NoError(t, err)
			assert.Greater(t, n, int64(0))

			dest := t.TempDir()
			top, err := Unpack(context.Background(), c, &buf, dest)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dest, filepath.Base(src)), top)

			body, err := os.ReadFile(filepath.Join(top, "products", "en", "2.parquet"))
			require.NoError(t, err)
			assert.Equal(t, "chunk two", string(body))
			_, err = os.Stat(filepath.Join(top, "vdf_manifest.json"))
			assert.NoError(t, err)
		})
	}
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	c, err := NewCompressor(&Config{Algorithm: None})
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil.txt", Typeflag: tar.TypeReg, Size: 1, Mode: 0o644}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = Unpack(context.Background(), c, &buf, t.TempDir())
	assert.True(t, errors.IsType(err, errors.ErrorTypeFile))
}

func TestUnpackEmptyArchive(t *testing.T) {
	c, err := NewCompressor(&Config{Algorithm: None})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, tar.NewWriter(&buf).Close())
	_, err = Unpack(context.Background(), c, &buf, t.TempDir())
	assert.Error(t, err)
}
