// Package compression packs VDF run directories into single compressed
// archives for upload and unpacks them after download.
//
// An archive is a tar stream wrapped in one of the supported codecs:
//   - Zstd: best ratio at good speed, the default
//   - Gzip: readable by every tool
//   - LZ4: fastest, moderate ratio
//   - S2: Snappy-compatible, fast
//
// Parquet chunks are already compressed column by column, so the gain is
// mostly in the manifest and in Arrow IPC chunks. Fastest is usually the
// right level.
package compression

import (
	"io"
	"strings"
	"sync"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names an archive codec
type Algorithm string

const (
	None Algorithm = "none"
	Gzip Algorithm = "gzip"
	LZ4  Algorithm = "lz4"
	Zstd Algorithm = "zstd"
	S2   Algorithm = "s2"
)

// Level trades compression speed for ratio
type Level int

const (
	Fastest Level = 1
	Default Level = 5
	Better  Level = 7
	Best    Level = 9
)

func (l Level) String() string {
	switch l {
	case Fastest:
		return "fastest"
	case Default:
		return "default"
	case Better:
		return "better"
	case Best:
		return "best"
	default:
		return "unknown"
	}
}

// ParseLevel accepts the names returned by Level.String
func ParseLevel(s string) (Level, error) {
	for _, l := range []Level{Fastest, Default, Better, Best} {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, errors.Newf(errors.ErrorTypeConfig, "unknown compression level %q", s)
}

var extensions = map[Algorithm]string{
	None: ".tar",
	Gzip: ".tar.gz",
	LZ4:  ".tar.lz4",
	Zstd: ".tar.zst",
	S2:   ".tar.s2",
}

// Extension returns the archive file suffix of a, e.g. ".tar.zst"
func (a Algorithm) Extension() string {
	return extensions[a]
}

// ParseAlgorithm accepts an algorithm name
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(s))
	if _, ok := extensions[a]; !ok {
		return "", errors.Newf(errors.ErrorTypeConfig, "unsupported compression algorithm %q", s)
	}
	return a, nil
}

// AlgorithmFromName detects the codec of an archive from its file name
func AlgorithmFromName(name string) (Algorithm, bool) {
	for a, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return a, true
		}
	}
	return "", false
}

// Compressor wraps streams in one codec. Implementations are safe for
// concurrent use.
type Compressor interface {
	// NewWriter returns a writer compressing into dst. Closing it flushes
	// the codec but does not close dst.
	NewWriter(dst io.Writer) (io.WriteCloser, error)
	// NewReader returns a reader decompressing src
	NewReader(src io.Reader) (io.ReadCloser, error)
	Algorithm() Algorithm
	Level() Level
}

// Config selects a codec
type Config struct {
	Algorithm Algorithm
	Level     Level
}

// DefaultConfig returns zstd at the fastest level
func DefaultConfig() *Config {
	return &Config{Algorithm: Zstd, Level: Fastest}
}

// NewCompressor creates a compressor. A nil config uses DefaultConfig.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	level := config.Level
	if level == 0 {
		level = Default
	}
	base := baseCompressor{algorithm: config.Algorithm, level: level}

	switch config.Algorithm {
	case None:
		return &noneCompressor{base}, nil
	case Gzip:
		return &gzipCompressor{baseCompressor: base}, nil
	case LZ4:
		return &lz4Compressor{baseCompressor: base}, nil
	case Zstd:
		zc := &zstdCompressor{baseCompressor: base}
		zc.decoders.New = func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		}
		return zc, nil
	case S2:
		return &s2Compressor{base}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression algorithm %q", config.Algorithm)
	}
}

type baseCompressor struct {
	algorithm Algorithm
	level     Level
}

func (bc *baseCompressor) Algorithm() Algorithm { return bc.algorithm }

func (bc *baseCompressor) Level() Level { return bc.level }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type noneCompressor struct {
	baseCompressor
}

func (nc *noneCompressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{dst}, nil
}

func (nc *noneCompressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

type gzipCompressor struct {
	baseCompressor
}

func (gc *gzipCompressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(dst, mapGzipLevel(gc.level))
}

func (gc *gzipCompressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	r, err := gzip.NewReader(src)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "not a gzip stream")
	}
	return r, nil
}

type lz4Compressor struct {
	baseCompressor
}

func (lc *lz4Compressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	w := lz4.NewWriter(dst)
	if err := w.Apply(lz4.CompressionLevelOption(mapLZ4Level(lc.level))); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid lz4 level")
	}
	return w, nil
}

func (lc *lz4Compressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(src)), nil
}

type zstdCompressor struct {
	baseCompressor
	decoders sync.Pool
}

func (zc *zstdCompressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(mapZstdLevel(zc.level)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create zstd encoder")
	}
	return enc, nil
}

// pooledDecoder returns its decoder to the pool on Close
type pooledDecoder struct {
	*zstd.Decoder
	pool *sync.Pool
}

func (p *pooledDecoder) Close() error {
	_ = p.Decoder.Reset(nil)
	p.pool.Put(p.Decoder)
	return nil
}

func (zc *zstdCompressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	dec := zc.decoders.Get().(*zstd.Decoder)
	if err := dec.Reset(src); err != nil {
		zc.decoders.Put(dec)
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "not a zstd stream")
	}
	return &pooledDecoder{Decoder: dec, pool: &zc.decoders}, nil
}

type s2Compressor struct {
	baseCompressor
}

func (sc *s2Compressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	opts := []s2.WriterOption{}
	switch sc.level {
	case Better:
		opts = append(opts, s2.WriterBetterCompression())
	case Best:
		opts = append(opts, s2.WriterBestCompression())
	}
	return s2.NewWriter(dst, opts...), nil
}

func (sc *s2Compressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(s2.NewReader(src)), nil
}

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
