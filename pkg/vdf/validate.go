package vdf

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/formats/columnar"
	"github.com/ajitpratap0/vdf/pkg/metric"
)

// Problem is one violated manifest invariant
type Problem struct {
	Index     string
	Namespace string
	Message   string
}

func (p Problem) String() string {
	if p.Index == "" {
		return p.Message
	}
	return fmt.Sprintf("%s/%s: %s", p.Index, p.Namespace, p.Message)
}

// Validate checks the manifest's structural invariants without touching
// chunk files
func Validate(m *Manifest) []Problem {
	var problems []Problem
	add := func(index, ns, format string, args ...interface{}) {
		problems = append(problems, Problem{Index: index, Namespace: ns, Message: fmt.Sprintf(format, args...)})
	}

	if m.Version == "" {
		add("", "", "missing version")
	}
	if m.ExportedFrom == "" {
		add("", "", "missing exported_from")
	}

	seen := make(map[string]bool, len(m.FileStructure))
	for _, f := range m.FileStructure {
		if seen[f] {
			add("", "", "file %s listed twice in file_structure", f)
		}
		seen[f] = true
	}

	for _, index := range sortedIndexes(m) {
		for _, ns := range m.Indexes[index] {
			if ns.IndexName != index {
				add(index, ns.Namespace, "index_name %q does not match its index key", ns.IndexName)
			}
			if ns.Dimensions <= 0 {
				add(index, ns.Namespace, "dimensions must be positive, got %d", ns.Dimensions)
			}
			if _, err := metric.Parse(string(ns.Metric)); err != nil {
				add(index, ns.Namespace, "unknown metric %q", ns.Metric)
			}
			if len(ns.VectorColumns) == 0 {
				add(index, ns.Namespace, "no vector columns")
			}
			if ns.ExportedVectorCount > 0 && len(m.FilesUnder(ns.DataPath)) == 0 {
				add(index, ns.Namespace, "data_path %s has no files in file_structure", ns.DataPath)
			}
		}
	}
	return problems
}

// Verify runs Validate and then checks that every namespace's exported
// count equals the row count of its chunk files under dir
func Verify(dir string, m *Manifest) ([]Problem, error) {
	problems := Validate(m)

	for _, index := range sortedIndexes(m) {
		for _, ns := range m.Indexes[index] {
			files, err := ChunkFiles(dir, m, ns)
			if err != nil {
				return nil, err
			}
			var rows int64
			for _, f := range files {
				n, err := columnar.CountRows(f)
				if err != nil {
					return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to count chunk rows").
						WithDetail("file", filepath.Base(f))
				}
				rows += n
			}
			if rows != ns.ExportedVectorCount {
				problems = append(problems, Problem{
					Index:     index,
					Namespace: ns.Namespace,
					Message:   fmt.Sprintf("exported_vector_count is %d but chunk files hold %d rows", ns.ExportedVectorCount, rows),
				})
			}
		}
	}
	return problems, nil
}

func sortedIndexes(m *Manifest) []string {
	out := make([]string, 0, len(m.Indexes))
	for k := range m.Indexes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
