package columnar

import (
	"io"
	"os"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// arrowWriter implements Writer for the Arrow IPC file format
type arrowWriter struct {
	schema         *Schema
	arrowSchema    *arrow.Schema
	fileWriter     *ipc.FileWriter
	mem            memory.Allocator
	recordsWritten int64
}

func newArrowWriter(w io.Writer, schema *Schema) (*arrowWriter, error) {
	if schema == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "schema is required for Arrow writer")
	}

	mem := memory.NewGoAllocator()
	as := schema.arrowSchema()

	fw, err := ipc.NewFileWriter(nopCloser{w}, ipc.WithSchema(as), ipc.WithAllocator(mem))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create Arrow writer")
	}

	return &arrowWriter{
		schema:      schema,
		arrowSchema: as,
		fileWriter:  fw,
		mem:         mem,
	}, nil
}

func (aw *arrowWriter) WriteRecords(records []*models.Record) error {
	if len(records) == 0 {
		return nil
	}

	rec, err := buildRecord(aw.mem, aw.schema, aw.arrowSchema, records)
	if err != nil {
		return err
	}
	defer rec.Release()

	if err := aw.fileWriter.Write(rec); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write record batch")
	}
	aw.recordsWritten += rec.NumRows()
	return nil
}

func (aw *arrowWriter) Close() error {
	if err := aw.fileWriter.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close Arrow writer")
	}
	return nil
}

func (aw *arrowWriter) RecordsWritten() int64 {
	return aw.recordsWritten
}

// arrowReader implements Reader for the Arrow IPC file format
type arrowReader struct {
	path       string
	file       *os.File
	fileReader *ipc.FileReader
	schema     *Schema
}

func openArrowFile(path string) (*arrowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open Arrow file").
			WithDetail("path", path)
	}

	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create Arrow reader").
			WithDetail("path", path)
	}

	return &arrowReader{
		path:       path,
		file:       f,
		fileReader: fr,
		schema:     schemaFromArrow(fr.Schema()),
	}, nil
}

func (ar *arrowReader) ReadRecords() ([]*models.Record, error) {
	out := make([]*models.Record, 0)
	for i := 0; i < ar.fileReader.NumRecords(); i++ {
		rec, err := ar.fileReader.Record(i)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read record batch").
				WithDetail("path", ar.path).
				WithDetail("batch", i)
		}
		out, err = decodeRecord(rec, ar.schema, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (ar *arrowReader) Schema() *Schema {
	return ar.schema
}

func (ar *arrowReader) NumRows() int64 {
	var n int64
	for i := 0; i < ar.fileReader.NumRecords(); i++ {
		rec, err := ar.fileReader.Record(i)
		if err != nil {
			return n
		}
		n += rec.NumRows()
	}
	return n
}

func (ar *arrowReader) Close() error {
	err := ar.fileReader.Close()
	if cerr := ar.file.Close(); err == nil {
		err = cerr
	}
	return err
}
