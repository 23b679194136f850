// Package models provides the record type exchanged between backends and
// VDF chunk files.
//
// A Record is the atomic unit of the exchange: an id that is unique within
// its namespace, one or more named vectors, and an open metadata map. Every
// adapter, the export accumulator and the chunk codec speak this type.
package models

import (
	"sort"
	"strconv"
)

// DefaultVectorColumn is the vector column name used by backends with a
// single unnamed embedding per record.
const DefaultVectorColumn = "vector"

// Record is one vector-plus-metadata entry
type Record struct {
	// ID identifies the record inside its namespace
	ID string `json:"id"`

	// Vectors holds one float array per vector column
	Vectors map[string][]float32 `json:"vectors"`

	// Metadata holds scalar, list or nil values keyed by field name
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewRecord creates a record with a single vector in the default column
func NewRecord(id string, vector []float32) *Record {
	return &Record{
		ID:       id,
		Vectors:  map[string][]float32{DefaultVectorColumn: vector},
		Metadata: make(map[string]interface{}),
	}
}

// Vector returns the vector stored under column, or nil
func (r *Record) Vector(column string) []float32 {
	if r.Vectors == nil {
		return nil
	}
	return r.Vectors[column]
}

// SetVector stores vec under column
func (r *Record) SetVector(column string, vec []float32) {
	if r.Vectors == nil {
		r.Vectors = make(map[string][]float32, 1)
	}
	r.Vectors[column] = vec
}

// SetMetadata stores a metadata value
func (r *Record) SetMetadata(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
}

// VectorColumns returns the names of the record's vector columns, sorted
func (r *Record) VectorColumns() []string {
	cols := make([]string, 0, len(r.Vectors))
	for c := range r.Vectors {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// MetadataKeys returns the record's metadata keys, sorted
func (r *Record) MetadataKeys() []string {
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NumericID parses the id as a non-negative integer. ok is false for ids
// that are not plain digit strings.
func (r *Record) NumericID() (uint64, bool) {
	return ParseNumericID(r.ID)
}

// EstimatedSize approximates the in-memory footprint of the record.
// Vectors count 4 bytes per component, strings their length, every other
// scalar 8 bytes.
func (r *Record) EstimatedSize() int64 {
	size := int64(len(r.ID))
	for _, v := range r.Vectors {
		size += int64(4 * len(v))
	}
	for k, v := range r.Metadata {
		size += int64(len(k)) + valueSize(v)
	}
	return size
}

func valueSize(v interface{}) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case []string:
		var n int64
		for _, s := range t {
			n += int64(len(s))
		}
		return n
	case []interface{}:
		var n int64
		for _, e := range t {
			n += valueSize(e)
		}
		return n
	case []float64:
		return int64(8 * len(t))
	case []float32:
		return int64(4 * len(t))
	default:
		return 8
	}
}

// IsDigits reports whether s is a non-empty string of ASCII digits
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ParseNumericID parses a digit-string id
func ParseNumericID(id string) (uint64, bool) {
	if !IsDigits(id) {
		return 0, false
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
