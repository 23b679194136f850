package memory

import (
	"sort"
	"sync"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/models"
)

// Store holds the collections of one or more memory backends
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	dimensions    int
	metric        string
	vectorColumns []string
	namespaces    map[string]*namespace
	// reportedTotal, when set, replaces the real count in CollectionStats
	reportedTotal *int64
}

type namespace struct {
	records map[string]*models.Record
	// order keeps insertion order for paging
	order []string
}

var (
	storesMu sync.Mutex
	stores   = make(map[string]*Store)
)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{collections: make(map[string]*collection)}
}

// SharedStore returns the process-wide store registered under name,
// creating it on first use
func SharedStore(name string) *Store {
	storesMu.Lock()
	defer storesMu.Unlock()
	s, ok := stores[name]
	if !ok {
		s = NewStore()
		stores[name] = s
	}
	return s
}

// CreateCollection adds an empty collection
func (s *Store) CreateCollection(name string, dimensions int, metric string, vectorColumns []string) error {
	if dimensions <= 0 {
		return errors.Newf(errors.ErrorTypeValidation, "dimensions must be positive, got %d", dimensions)
	}
	if len(vectorColumns) == 0 {
		vectorColumns = []string{models.DefaultVectorColumn}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.collections[name]; exists {
		return errors.Newf(errors.ErrorTypeValidation, "collection %s already exists", name)
	}
	s.collections[name] = &collection{
		dimensions:    dimensions,
		metric:        metric,
		vectorColumns: append([]string(nil), vectorColumns...),
		namespaces:    make(map[string]*namespace),
	}
	return nil
}

// Put stores records in a namespace of collection, overwriting equal ids
func (s *Store) Put(name, ns string, records ...*models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(name)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := c.check(r); err != nil {
			return err
		}
	}

	n := c.namespace(ns)
	for _, r := range records {
		if _, exists := n.records[r.ID]; !exists {
			n.order = append(n.order, r.ID)
		}
		n.records[r.ID] = clone(r)
	}
	return nil
}

// Records returns a copy of every record in a namespace, sorted by id
func (s *Store) Records(name, ns string) []*models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	n, ok := c.namespaces[ns]
	if !ok {
		return nil
	}
	out := make([]*models.Record, 0, len(n.records))
	for _, r := range n.records {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of records in a namespace
func (s *Store) Count(name, ns string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[name]; ok {
		if n, ok := c.namespaces[ns]; ok {
			return len(n.records)
		}
	}
	return 0
}

// SetReportedTotal makes CollectionStats report total instead of the real
// record count, the way a backend with stale statistics does
func (s *Store) SetReportedTotal(name string, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(name)
	if err != nil {
		return err
	}
	c.reportedTotal = &total
	return nil
}

// Has reports whether a collection exists
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok
}

// Metric returns the metric string a collection was created with
func (s *Store) Metric(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[name]; ok {
		return c.metric
	}
	return ""
}

func (s *Store) get(name string) (*collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "collection %s not found", name)
	}
	return c, nil
}

func (c *collection) namespace(ns string) *namespace {
	n, ok := c.namespaces[ns]
	if !ok {
		n = &namespace{records: make(map[string]*models.Record)}
		c.namespaces[ns] = n
	}
	return n
}

func (c *collection) check(r *models.Record) error {
	if r.ID == "" {
		return errors.New(errors.ErrorTypeData, "record without id")
	}
	if len(r.Vectors) == 0 {
		return errors.New(errors.ErrorTypeData, "record without vectors").WithDetail("id", r.ID)
	}
	for name, vec := range r.Vectors {
		if len(vec) != c.dimensions {
			return errors.Newf(errors.ErrorTypeSchemaMismatch, "vector %s of record %s has %d dimensions, collection has %d",
				name, r.ID, len(vec), c.dimensions)
		}
	}
	return nil
}

func clone(r *models.Record) *models.Record {
	out := &models.Record{
		ID:       r.ID,
		Vectors:  make(map[string][]float32, len(r.Vectors)),
		Metadata: make(map[string]interface{}, len(r.Metadata)),
	}
	for k, v := range r.Vectors {
		out.Vectors[k] = append([]float32(nil), v...)
	}
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}
