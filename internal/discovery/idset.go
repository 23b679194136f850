package discovery

import (
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// idSet keeps canonical integer ids in a compressed bitmap and every other
// id in a map
type idSet struct {
	ints  *roaring64.Bitmap
	other map[string]struct{}
}

func newIDSet() *idSet {
	return &idSet{
		ints:  roaring64.New(),
		other: make(map[string]struct{}),
	}
}

// canonicalInt parses ids whose decimal form round-trips, so "007" and "7"
// never collapse onto one bitmap entry
func canonicalInt(id string) (uint64, bool) {
	if id == "" || (len(id) > 1 && id[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Add inserts id and reports whether it was absent
func (s *idSet) Add(id string) bool {
	if n, ok := canonicalInt(id); ok {
		return s.ints.CheckedAdd(n)
	}
	if _, ok := s.other[id]; ok {
		return false
	}
	s.other[id] = struct{}{}
	return true
}

func (s *idSet) AddInt(n uint64) bool {
	return s.ints.CheckedAdd(n)
}

func (s *idSet) Has(id string) bool {
	if n, ok := canonicalInt(id); ok {
		return s.ints.Contains(n)
	}
	_, ok := s.other[id]
	return ok
}

func (s *idSet) HasInt(n uint64) bool {
	return s.ints.Contains(n)
}

func (s *idSet) Len() int {
	return int(s.ints.GetCardinality()) + len(s.other)
}

// IntBounds returns the smallest and largest integer id
func (s *idSet) IntBounds() (lo, hi uint64, ok bool) {
	if s.ints.IsEmpty() {
		return 0, 0, false
	}
	return s.ints.Minimum(), s.ints.Maximum(), true
}

// IDs returns integer ids in numeric order followed by the others sorted
func (s *idSet) IDs() []string {
	out := make([]string, 0, s.Len())
	it := s.ints.Iterator()
	for it.HasNext() {
		out = append(out, formatInt(it.Next()))
	}
	rest := make([]string, 0, len(s.other))
	for id := range s.other {
		rest = append(rest, id)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func formatInt(n uint64) string {
	return strconv.FormatUint(n, 10)
}
