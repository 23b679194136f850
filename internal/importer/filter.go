package importer

import (
	"bufio"
	"os"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/models"
)

// idFilter selects the records of a subset import. A nil filter accepts
// everything.
type idFilter struct {
	allow map[string]struct{}
	rng   *config.IDRange
}

func newIDFilter(cfg *config.ImportConfig) (*idFilter, error) {
	f := &idFilter{}

	ids := append([]string(nil), cfg.IDs...)
	if cfg.IDFile != "" {
		fromFile, err := readIDFile(cfg.IDFile)
		if err != nil {
			return nil, err
		}
		ids = append(ids, fromFile...)
	}
	if len(ids) > 0 {
		f.allow = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			f.allow[id] = struct{}{}
		}
	}

	if cfg.IDRange != "" {
		r, err := config.ParseIDRange(cfg.IDRange)
		if err != nil {
			return nil, err
		}
		f.rng = &r
	}

	if f.allow == nil && f.rng == nil {
		return nil, nil
	}
	return f, nil
}

// readIDFile reads one id per line, skipping blank lines and # comments
func readIDFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open id file").WithDetail("path", path)
	}
	defer file.Close()

	var ids []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read id file").WithDetail("path", path)
	}
	return ids, nil
}

// accept reports whether r passes the filter. Under an id range, records
// with non-numeric ids are excluded.
func (f *idFilter) accept(r *models.Record) bool {
	if f == nil {
		return true
	}
	if f.allow != nil {
		if _, ok := f.allow[r.ID]; !ok {
			return false
		}
	}
	if f.rng != nil {
		n, ok := r.NumericID()
		if !ok || !f.rng.Contains(n) {
			return false
		}
	}
	return true
}

// apply filters records in place
func (f *idFilter) apply(records []*models.Record) []*models.Record {
	if f == nil {
		return records
	}
	out := records[:0]
	for _, r := range records {
		if f.accept(r) {
			out = append(out, r)
		}
	}
	return out
}

// dropNulls removes metadata entries that only exist because chunk files
// keep a uniform column set
func dropNulls(records []*models.Record) {
	for _, r := range records {
		for k, v := range r.Metadata {
			if v == nil {
				delete(r.Metadata, k)
			}
		}
	}
}
