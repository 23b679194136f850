package columnar

import (
	"context"
	"io"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// readBatchSize is the number of rows decoded per arrow batch when reading
const readBatchSize = 8192

// nopCloser hides the Close method of the sink so that the parquet writer
// leaves closing the file to the caller
type nopCloser struct {
	io.Writer
}

// parquetWriter implements Writer for Parquet format
type parquetWriter struct {
	schema         *Schema
	arrowSchema    *arrow.Schema
	fileWriter     *pqarrow.FileWriter
	mem            memory.Allocator
	recordsWritten int64
}

func newParquetWriter(w io.Writer, schema *Schema) (*parquetWriter, error) {
	if schema == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "schema is required for Parquet writer")
	}

	mem := memory.NewGoAllocator()
	as := schema.arrowSchema()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(false),
		parquet.WithAllocator(mem),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithAllocator(mem),
		pqarrow.WithStoreSchema(),
	)

	fw, err := pqarrow.NewFileWriter(as, nopCloser{w}, props, arrowProps)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create Parquet writer")
	}

	return &parquetWriter{
		schema:      schema,
		arrowSchema: as,
		fileWriter:  fw,
		mem:         mem,
	}, nil
}

func (pw *parquetWriter) WriteRecords(records []*models.Record) error {
	if len(records) == 0 {
		return nil
	}

	rec, err := buildRecord(pw.mem, pw.schema, pw.arrowSchema, records)
	if err != nil {
		return err
	}
	defer rec.Release()

	if err := pw.fileWriter.Write(rec); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write record batch")
	}
	pw.recordsWritten += rec.NumRows()
	return nil
}

func (pw *parquetWriter) Close() error {
	if err := pw.fileWriter.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close Parquet writer")
	}
	return nil
}

func (pw *parquetWriter) RecordsWritten() int64 {
	return pw.recordsWritten
}

// parquetReader implements Reader for Parquet format
type parquetReader struct {
	path        string
	fileReader  *file.Reader
	arrowReader *pqarrow.FileReader
	schema      *Schema
}

func openParquetFile(path string) (*parquetReader, error) {
	fr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open Parquet file").
			WithDetail("path", path)
	}

	ar, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{BatchSize: readBatchSize}, memory.NewGoAllocator())
	if err != nil {
		_ = fr.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create Arrow reader").
			WithDetail("path", path)
	}

	as, err := ar.Schema()
	if err != nil {
		_ = fr.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to get Arrow schema").
			WithDetail("path", path)
	}

	return &parquetReader{
		path:        path,
		fileReader:  fr,
		arrowReader: ar,
		schema:      schemaFromArrow(as),
	}, nil
}

func (pr *parquetReader) ReadRecords() ([]*models.Record, error) {
	tbl, err := pr.arrowReader.ReadTable(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read Parquet table").
			WithDetail("path", pr.path)
	}
	defer tbl.Release()

	tr := array.NewTableReader(tbl, readBatchSize)
	defer tr.Release()

	out := make([]*models.Record, 0, tbl.NumRows())
	for tr.Next() {
		out, err = decodeRecord(tr.Record(), pr.schema, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (pr *parquetReader) Schema() *Schema {
	return pr.schema
}

func (pr *parquetReader) NumRows() int64 {
	return pr.fileReader.NumRows()
}

func (pr *parquetReader) Close() error {
	return pr.fileReader.Close()
}
