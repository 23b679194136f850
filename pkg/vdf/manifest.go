// Package vdf defines the on-disk VDF exchange format: a run directory
// holding one VDF_META.json manifest and, per exported namespace, a folder
// of numbered chunk files.
//
// Layout of a run directory:
//
//	vdf_20240102_150405_1a2b3/
//	├── VDF_META.json
//	└── products/
//	    ├── 1.parquet
//	    ├── 2.parquet
//	    └── 3.parquet
//
// Namespaced collections get one sub-folder per namespace under the index
// folder. Every chunk path is recorded in the manifest's file_structure in
// the order it was written.
package vdf

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/metric"
	gojson "github.com/goccy/go-json"
)

// ManifestFile is the file name of the manifest inside a run directory
const ManifestFile = "VDF_META.json"

// Version is the format version written by this package
const Version = "1.0.0"

// Manifest describes one export run
type Manifest struct {
	Version       string                     `json:"version"`
	FileStructure []string                   `json:"file_structure"`
	Author        string                     `json:"author"`
	ExportedFrom  string                     `json:"exported_from"`
	Indexes       map[string][]NamespaceMeta `json:"indexes"`
	ExportedAt    string                     `json:"exported_at"`
}

// NamespaceMeta describes one exported partition of one collection
type NamespaceMeta struct {
	Namespace           string           `json:"namespace"`
	IndexName           string           `json:"index_name"`
	TotalVectorCount    int64            `json:"total_vector_count"`
	ExportedVectorCount int64            `json:"exported_vector_count"`
	Dimensions          int              `json:"dimensions"`
	ModelName           string           `json:"model_name"`
	VectorColumns       []string         `json:"vector_columns"`
	DataPath            string           `json:"data_path"`
	Metric              metric.Canonical `json:"metric"`
}

// NewManifest creates an empty manifest for a run exported from source
func NewManifest(source, author, exportedAt string) *Manifest {
	return &Manifest{
		Version:       Version,
		FileStructure: []string{},
		Author:        author,
		ExportedFrom:  source,
		Indexes:       make(map[string][]NamespaceMeta),
		ExportedAt:    exportedAt,
	}
}

// AddFile appends a written file, relative to the run directory
func (m *Manifest) AddFile(rel string) {
	m.FileStructure = append(m.FileStructure, filepath.ToSlash(rel))
}

// AddNamespace appends ns to its index, keeping namespace order
func (m *Manifest) AddNamespace(ns NamespaceMeta) {
	if m.Indexes == nil {
		m.Indexes = make(map[string][]NamespaceMeta)
	}
	m.Indexes[ns.IndexName] = append(m.Indexes[ns.IndexName], ns)
}

// FilesUnder returns the files recorded under dataPath, in write order
func (m *Manifest) FilesUnder(dataPath string) []string {
	prefix := strings.TrimSuffix(filepath.ToSlash(dataPath), "/") + "/"
	var out []string
	for _, f := range m.FileStructure {
		if strings.HasPrefix(f, prefix) && !strings.Contains(f[len(prefix):], "/") {
			out = append(out, f)
		}
	}
	return out
}

// TotalExported sums exported_vector_count over every namespace
func (m *Manifest) TotalExported() int64 {
	var n int64
	for _, nss := range m.Indexes {
		for _, ns := range nss {
			n += ns.ExportedVectorCount
		}
	}
	return n
}

// WriteManifest writes m into dir atomically
func WriteManifest(dir string, m *Manifest) error {
	data, err := gojson.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode manifest")
	}

	tmp, err := os.CreateTemp(dir, ".vdf_meta_*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create manifest").WithDetail("dir", dir)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write manifest").WithDetail("dir", dir)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close manifest").WithDetail("dir", dir)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to set manifest permissions").WithDetail("dir", dir)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, ManifestFile)); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to move manifest into place").WithDetail("dir", dir)
	}
	return nil
}

// ReadManifest loads the manifest of the run directory dir
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "no VDF manifest found").WithDetail("path", path)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read manifest").WithDetail("path", path)
	}

	var m Manifest
	if err := gojson.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "manifest is not valid JSON").WithDetail("path", path)
	}
	if m.Indexes == nil {
		m.Indexes = make(map[string][]NamespaceMeta)
	}
	return &m, nil
}
