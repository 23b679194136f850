package vdf

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/cespare/xxhash/v2"
)

// runHashLen is the number of hex characters of the argument hash kept in
// run directory names. Collisions only merge runs visually, never data.
const runHashLen = 5

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// RunDirName returns the directory name of an export run started at t with
// the given arguments. The hash is independent of argument order.
func RunDirName(args map[string]string, t time.Time) string {
	return fmt.Sprintf("vdf_%s_%s", t.Format("20060102_150405"), ArgsHash(args))
}

// ArgsHash returns a short non-cryptographic hash of args
func ArgsHash(args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(args[k])
		_, _ = d.WriteString("\x00")
	}
	return fmt.Sprintf("%016x", d.Sum64())[:runHashLen]
}

// SafeName makes an index or namespace name usable as a path element
func SafeName(name string) string {
	s := unsafeNameChars.ReplaceAllString(name, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// DataPath returns the relative folder holding the chunks of one namespace.
// Flat collections keep their chunks directly under the index folder.
func DataPath(index, namespace string) string {
	if namespace == "" {
		return SafeName(index)
	}
	return filepath.ToSlash(filepath.Join(SafeName(index), SafeName(namespace)))
}

// DataPaths hands out data paths that are unique within one run. Names that
// sanitize to the same folder, such as "a b" and "a_b", get a numeric suffix.
type DataPaths struct {
	used map[string]struct{}
}

// NewDataPaths creates an empty set of claimed paths
func NewDataPaths() *DataPaths {
	return &DataPaths{used: make(map[string]struct{})}
}

// Claim returns the data path of a namespace and reserves it
func (p *DataPaths) Claim(index, namespace string) string {
	base := DataPath(index, namespace)
	path := base
	for n := 2; ; n++ {
		if _, taken := p.used[path]; !taken {
			break
		}
		path = fmt.Sprintf("%s_%d", base, n)
	}
	p.used[path] = struct{}{}
	return path
}

// ChunkName returns the file name of chunk n with extension ext
func ChunkName(n int, ext string) string {
	return fmt.Sprintf("%d.%s", n, strings.TrimPrefix(ext, "."))
}

// ChunkNumber parses the sequence number out of a chunk file name
func ChunkNumber(name string) (int, bool) {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	n, err := strconv.Atoi(stem)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// SortChunks orders chunk paths by their numeric sequence number, so that
// 10.parquet sorts after 9.parquet. Names without a number sort last.
func SortChunks(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		ni, oki := ChunkNumber(paths[i])
		nj, okj := ChunkNumber(paths[j])
		switch {
		case oki && okj:
			return ni < nj
		case oki != okj:
			return oki
		default:
			return paths[i] < paths[j]
		}
	})
}

// ChunkFiles returns the chunk files of a namespace in read order. Files
// recorded in the manifest are preferred; when none are recorded the data
// folder is listed.
func ChunkFiles(dir string, m *Manifest, ns NamespaceMeta) ([]string, error) {
	rel := m.FilesUnder(ns.DataPath)
	if len(rel) == 0 {
		entries, err := os.ReadDir(filepath.Join(dir, filepath.FromSlash(ns.DataPath)))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to list namespace data").
				WithDetail("data_path", ns.DataPath)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if _, ok := ChunkNumber(e.Name()); ok {
				rel = append(rel, filepath.ToSlash(filepath.Join(ns.DataPath, e.Name())))
			}
		}
	}

	SortChunks(rel)
	out := make([]string, len(rel))
	for i, r := range rel {
		out[i] = filepath.Join(dir, filepath.FromSlash(r))
	}
	return out, nil
}
