package export

import (
	"os"
	"path/filepath"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/formats/columnar"
	"github.com/ajitpratap0/vdf/pkg/metrics"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/ajitpratap0/vdf/pkg/vdf"
)

// accumulator buffers the records of one namespace until they are flushed
// into the next chunk file. It is created fresh for every namespace and
// owned by the goroutine exporting it.
type accumulator struct {
	runDir        string
	dataPath      string
	format        columnar.Format
	vectorColumns []string
	threshold     int64
	// strip names a metadata key removed from every record, if set
	strip string

	records []*models.Record
	size    int64
	chunks  int
	written int64
	// files are the chunk paths written so far, relative to runDir
	files []string
}

func newAccumulator(runDir, dataPath string, format columnar.Format, vectorColumns []string, threshold int64) (*accumulator, error) {
	dir := filepath.Join(runDir, filepath.FromSlash(dataPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create namespace folder").
			WithDetail("path", dir)
	}
	return &accumulator{
		runDir:        runDir,
		dataPath:      dataPath,
		format:        format,
		vectorColumns: vectorColumns,
		threshold:     threshold,
	}, nil
}

// add buffers records
func (a *accumulator) add(records []*models.Record) {
	for _, r := range records {
		if a.strip != "" {
			delete(r.Metadata, a.strip)
		}
		a.records = append(a.records, r)
		a.size += r.EstimatedSize()
	}
}

// full reports whether the buffer crossed the flush threshold
func (a *accumulator) full() bool {
	return a.size >= a.threshold
}

// flush writes the buffer into the next chunk file and hands its records
// over to the writer. It returns the path written, relative to runDir, or
// "" when there was nothing to write.
func (a *accumulator) flush(force bool) (string, error) {
	if len(a.records) == 0 && !(force && a.chunks == 0) {
		return "", nil
	}

	n := a.chunks + 1
	rel := filepath.ToSlash(filepath.Join(a.dataPath, vdf.ChunkName(n, a.format.Ext())))
	rows, err := columnar.WriteFile(filepath.Join(a.runDir, filepath.FromSlash(rel)), a.records, a.vectorColumns)
	if err != nil {
		return "", err
	}

	a.chunks = n
	a.written += rows
	a.files = append(a.files, rel)
	a.records = nil
	a.size = 0
	metrics.ChunksWritten.WithLabelValues(string(a.format)).Inc()
	return rel, nil
}
