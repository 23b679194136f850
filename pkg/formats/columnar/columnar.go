// Package columnar reads and writes VDF chunk files.
//
// A chunk file holds one id column, one list<float32> column per vector
// column and one column per metadata key. Records that lack a metadata key
// get a null in that column so every chunk carries a uniform column set.
package columnar

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/models"
)

// Format represents a chunk file format
type Format string

const (
	// Parquet is Apache Parquet format
	Parquet Format = "parquet"
	// Arrow is the Apache Arrow IPC file format
	Arrow Format = "arrow"
)

// IDColumn is the name of the id column in every chunk file
const IDColumn = "id"

// ParseFormat converts a format name or file extension into a Format
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ".") {
	case "parquet", "":
		return Parquet, nil
	case "arrow", "feather", "ipc":
		return Arrow, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "unsupported chunk format: %s", s)
	}
}

// FormatOf returns the format of a chunk file from its extension
func FormatOf(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", errors.Newf(errors.ErrorTypeFile, "chunk file %s has no extension", path)
	}
	return ParseFormat(ext)
}

// Ext returns the file extension of the format without the leading dot
func (f Format) Ext() string {
	return GetFormatInfo(f).FileExtension[1:]
}

// FormatInfo provides information about chunk formats
type FormatInfo struct {
	Format        Format
	Name          string
	FileExtension string
	MIMEType      string
}

// GetFormatInfo returns information about a chunk format
func GetFormatInfo(format Format) *FormatInfo {
	switch format {
	case Arrow:
		return &FormatInfo{
			Format:        Arrow,
			Name:          "Apache Arrow IPC",
			FileExtension: ".arrow",
			MIMEType:      "application/vnd.apache.arrow.file",
		}
	default:
		return &FormatInfo{
			Format:        Parquet,
			Name:          "Apache Parquet",
			FileExtension: ".parquet",
			MIMEType:      "application/x-parquet",
		}
	}
}

// Writer writes one chunk file
type Writer interface {
	// WriteRecords appends records to the chunk
	WriteRecords(records []*models.Record) error
	// Close finalizes the file footer
	Close() error
	// RecordsWritten returns the number of rows written
	RecordsWritten() int64
}

// Reader reads one chunk file
type Reader interface {
	// ReadRecords returns every row of the chunk as records
	ReadRecords() ([]*models.Record, error)
	// Schema returns the chunk's column layout
	Schema() *Schema
	// NumRows returns the row count from the file footer
	NumRows() int64
	// Close releases the file
	Close() error
}

// WriteFile writes records into a new chunk file at path and returns the
// number of rows written. The format follows the file extension.
func WriteFile(path string, records []*models.Record, vectorColumns []string) (int64, error) {
	format, err := FormatOf(path)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to create chunk file").
			WithDetail("path", path)
	}

	schema := InferSchema(records, vectorColumns)
	w, err := NewWriter(f, format, schema)
	if err != nil {
		_ = f.Close()
		return 0, err
	}

	if err := w.WriteRecords(records); err != nil {
		_ = w.Close()
		_ = f.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to sync chunk file").WithDetail("path", path)
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to close chunk file").WithDetail("path", path)
	}

	return w.RecordsWritten(), nil
}

// ReadFile loads every record of the chunk file at path
func ReadFile(path string) ([]*models.Record, error) {
	r, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadRecords()
}

// CountRows returns the row count of a chunk file without decoding it
func CountRows(path string) (int64, error) {
	r, err := OpenFile(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.NumRows(), nil
}

// OpenFile opens a chunk file for reading
func OpenFile(path string) (Reader, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case Arrow:
		return openArrowFile(path)
	default:
		return openParquetFile(path)
	}
}

// NewWriter creates a chunk writer over w. The writer never closes w.
func NewWriter(w io.Writer, format Format, schema *Schema) (Writer, error) {
	switch format {
	case Arrow:
		return newArrowWriter(w, schema)
	case Parquet:
		return newParquetWriter(w, schema)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported chunk format: %s", format)
	}
}
