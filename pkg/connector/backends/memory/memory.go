// Package memory implements an in-process vector backend. It serves as a
// local scratch target, as a stand-in for remote backends in tests, and can
// be configured to offer only a subset of the optional source capabilities.
package memory

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/connector/registry"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/metric"
	"github.com/ajitpratap0/vdf/pkg/models"
)

// Slug is the registry key of the memory backend
const Slug = "memory"

// DefaultMaxTopK is the largest search the backend answers by default
const DefaultMaxTopK = 10000

var allCapabilities = []core.Capability{
	core.CapabilityStream,
	core.CapabilityListIDs,
	core.CapabilitySearch,
	core.CapabilityMark,
}

func init() {
	_ = registry.RegisterSource(Slug, func(cfg *config.BackendConfig) (core.Source, error) {
		return FromConfig(cfg)
	})
	_ = registry.RegisterTarget(Slug, func(cfg *config.BackendConfig) (core.Target, error) {
		return FromConfig(cfg)
	})
	registry.RegisterInfo(&registry.BackendInfo{
		Slug:         Slug,
		Description:  "In-process store, shared by name within one process",
		Capabilities: core.Capabilities(New(NewStore(), Options{Parallel: true})),
		Options: map[string]string{
			"store":        "name of the shared store (default \"default\")",
			"capabilities": "comma separated subset of stream,list_ids,search,mark",
			"max_top_k":    "largest accepted search top-K",
			"parallel":     "accept concurrent upserts",
			"dialect":      "backend slug whose metric names are used",
		},
	})
}

// Options configures a memory backend
type Options struct {
	// Capabilities restricts the optional source features. Nil enables all.
	Capabilities []core.Capability
	MaxTopK      int
	Parallel     bool
	// Dialect is the slug reported by the backend and used for metric
	// names. Empty means "memory".
	Dialect string
}

// Backend is a memory source and target over a Store
type Backend struct {
	store   *Store
	caps    map[core.Capability]bool
	maxTopK int
	slug    string
	opts    Options

	// FetchFault, when set, is consulted before every page or id fetch
	FetchFault func(op string, size int) error
	// UpsertFault, when set, is consulted before every upsert
	UpsertFault func(collection string, size int) error
	// UnmarkFault, when set, is consulted before every unmark
	UnmarkFault func(ids []string) error

	searches int64
	fetches  int64
}

// New creates a backend over store
func New(store *Store, opts Options) *Backend {
	caps := opts.Capabilities
	if caps == nil {
		caps = allCapabilities
	}
	b := &Backend{
		store:   store,
		caps:    make(map[core.Capability]bool),
		maxTopK: opts.MaxTopK,
		slug:    opts.Dialect,
		opts:    opts,
	}
	for _, c := range caps {
		b.caps[c] = true
	}
	if opts.Parallel {
		b.caps[core.CapabilityParallelUpsert] = true
	}
	if b.maxTopK <= 0 {
		b.maxTopK = DefaultMaxTopK
	}
	if b.slug == "" {
		b.slug = Slug
	}
	return b
}

// FromConfig builds a backend from registry configuration
func FromConfig(cfg *config.BackendConfig) (*Backend, error) {
	opts := Options{Dialect: cfg.Option("dialect", "")}

	if raw := cfg.Option("capabilities", ""); raw != "" {
		opts.Capabilities = []core.Capability{}
		for _, c := range strings.Split(raw, ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			opts.Capabilities = append(opts.Capabilities, core.Capability(c))
		}
	}

	var err error
	if opts.MaxTopK, err = cfg.IntOption("max_top_k", DefaultMaxTopK); err != nil {
		return nil, err
	}
	if opts.Parallel, err = cfg.BoolOption("parallel", false); err != nil {
		return nil, err
	}
	if opts.Dialect != "" {
		if _, err := metric.VendorMetrics(opts.Dialect); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "unsupported dialect")
		}
	}

	return New(SharedStore(cfg.Option("store", "default")), opts), nil
}

// Store returns the store the backend operates on
func (b *Backend) Store() *Store { return b.store }

// Slug returns the backend slug, or the configured dialect
func (b *Backend) Slug() string { return b.slug }

// Supports reports the configured capabilities
func (b *Backend) Supports(c core.Capability) bool { return b.caps[c] }

// SupportsParallelUpsert reports whether concurrent upserts are accepted
func (b *Backend) SupportsParallelUpsert() bool { return b.opts.Parallel }

// MaxTopK returns the largest accepted top-K
func (b *Backend) MaxTopK() int { return b.maxTopK }

// Searches returns how many searches were requested, rejected ones included
func (b *Backend) Searches() int64 { return atomic.LoadInt64(&b.searches) }

// Fetches returns how many fetch calls were served
func (b *Backend) Fetches() int64 { return atomic.LoadInt64(&b.fetches) }

func (b *Backend) ListCollections(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	names := make([]string, 0, len(b.store.collections))
	for name := range b.store.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) CollectionStats(ctx context.Context, name string) (*core.CollectionStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	c, err := b.store.get(name)
	if err != nil {
		return nil, err
	}

	stats := &core.CollectionStats{
		Name:          name,
		Dimensions:    c.dimensions,
		Metric:        c.metric,
		Namespaces:    make(map[string]int64, len(c.namespaces)),
		VectorColumns: append([]string(nil), c.vectorColumns...),
	}
	for ns, n := range c.namespaces {
		stats.Namespaces[ns] = int64(len(n.records))
		stats.TotalCount += int64(len(n.records))
	}
	if len(stats.Namespaces) == 0 {
		stats.Namespaces[""] = 0
	}
	if c.reportedTotal != nil {
		stats.TotalCount = *c.reportedTotal
		if len(stats.Namespaces) == 1 {
			for ns := range stats.Namespaces {
				stats.Namespaces[ns] = *c.reportedTotal
			}
		}
	}
	return stats, nil
}

// DescribeCollection reports an existing collection's layout
func (b *Backend) DescribeCollection(ctx context.Context, name string) (*core.CollectionStats, error) {
	return b.CollectionStats(ctx, name)
}

func (b *Backend) FetchByIDs(ctx context.Context, name, ns string, ids []string) (map[string]*models.Record, error) {
	if err := b.beforeFetch(ctx, "fetch", len(ids)); err != nil {
		return nil, err
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	c, err := b.store.get(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Record, len(ids))
	n, ok := c.namespaces[ns]
	if !ok {
		return out, nil
	}
	for _, id := range ids {
		if r, ok := n.records[id]; ok {
			out[id] = clone(r)
		}
	}
	return out, nil
}

// StreamPage returns records in insertion order. The cursor is the offset of
// the next record.
func (b *Backend) StreamPage(ctx context.Context, name, ns, cursor string, pageSize int) ([]*models.Record, string, error) {
	if err := b.beforeFetch(ctx, "stream", pageSize); err != nil {
		return nil, "", err
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	n, start, err := b.page(name, ns, cursor)
	if err != nil || n == nil {
		return nil, "", err
	}
	end := min(start+pageSize, len(n.order))
	records := make([]*models.Record, 0, end-start)
	for _, id := range n.order[start:end] {
		records = append(records, clone(n.records[id]))
	}
	return records, nextCursor(end, len(n.order)), nil
}

// ListIDs enumerates ids in insertion order
func (b *Backend) ListIDs(ctx context.Context, name, ns, cursor string, limit int) ([]string, string, error) {
	if err := b.beforeFetch(ctx, "list", limit); err != nil {
		return nil, "", err
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	n, start, err := b.page(name, ns, cursor)
	if err != nil || n == nil {
		return nil, "", err
	}
	end := min(start+limit, len(n.order))
	return append([]string(nil), n.order[start:end]...), nextCursor(end, len(n.order)), nil
}

func (b *Backend) page(name, ns, cursor string) (*namespace, int, error) {
	c, err := b.store.get(name)
	if err != nil {
		return nil, 0, err
	}
	start := 0
	if cursor != "" {
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return nil, 0, errors.Newf(errors.ErrorTypeValidation, "invalid cursor %q", cursor)
		}
	}
	n, ok := c.namespaces[ns]
	if !ok || start >= len(n.order) {
		return nil, 0, nil
	}
	return n, start, nil
}

func nextCursor(end, total int) string {
	if end >= total {
		return ""
	}
	return strconv.Itoa(end)
}

type scored struct {
	id    string
	score float64
}

// Search ranks every record of the namespace against query by the
// collection metric, best first
func (b *Backend) Search(ctx context.Context, name, ns string, query []float32, topK int, excludeMarker string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddInt64(&b.searches, 1)
	if topK > b.maxTopK {
		return nil, errors.Newf(errors.ErrorTypeValidation, "top-K %d exceeds maximum %d", topK, b.maxTopK)
	}

	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	c, err := b.store.get(name)
	if err != nil {
		return nil, err
	}
	if len(query) != c.dimensions {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "query has %d dimensions, collection has %d", len(query), c.dimensions)
	}
	canonical, err := metric.Standardize(c.metric, b.slug)
	if err != nil {
		return nil, err
	}
	n, ok := c.namespaces[ns]
	if !ok {
		return nil, nil
	}

	column := c.vectorColumns[0]
	hits := make([]scored, 0, len(n.records))
	for id, r := range n.records {
		if excludeMarker != "" {
			if _, marked := r.Metadata[excludeMarker]; marked {
				continue
			}
		}
		hits = append(hits, scored{id: id, score: similarity(canonical, query, r.Vectors[column])})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// similarity returns a score where larger is closer
func similarity(m metric.Canonical, a, b []float32) float64 {
	var dot, na, nb, l2, l1 float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		l2 += (x - y) * (x - y)
		l1 += math.Abs(x - y)
	}
	switch m {
	case metric.Cosine:
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb))
	case metric.Dot:
		return dot
	case metric.Manhattan:
		return -l1
	default:
		return -l2
	}
}

// Mark sets the marker metadata key on ids
func (b *Backend) Mark(ctx context.Context, name, ns, marker string, ids []string) error {
	return b.setMarker(ctx, name, ns, marker, ids, true)
}

// Unmark removes the marker metadata key from ids
func (b *Backend) Unmark(ctx context.Context, name, ns, marker string, ids []string) error {
	if b.UnmarkFault != nil {
		if err := b.UnmarkFault(ids); err != nil {
			return err
		}
	}
	return b.setMarker(ctx, name, ns, marker, ids, false)
}

func (b *Backend) setMarker(ctx context.Context, name, ns, marker string, ids []string, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	c, err := b.store.get(name)
	if err != nil {
		return err
	}
	n, ok := c.namespaces[ns]
	if !ok {
		return nil
	}
	for _, id := range ids {
		r, ok := n.records[id]
		if !ok {
			continue
		}
		if on {
			r.Metadata[marker] = true
		} else {
			delete(r.Metadata, marker)
		}
	}
	return nil
}

func (b *Backend) CreateCollection(ctx context.Context, spec core.CollectionSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := metric.Standardize(spec.Metric, b.slug); err != nil {
		return err
	}
	return b.store.CreateCollection(spec.Name, spec.Dimensions, spec.Metric, spec.VectorColumns)
}

func (b *Backend) Upsert(ctx context.Context, name, ns string, batch []*models.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b.UpsertFault != nil {
		if err := b.UpsertFault(name, len(batch)); err != nil {
			return 0, err
		}
	}
	if err := b.store.Put(name, ns, batch...); err != nil {
		return 0, err
	}
	return len(batch), nil
}

var invalidName = regexp.MustCompile(`[^a-z0-9_-]+`)

// NormalizeName lowercases name and replaces disallowed characters
func (b *Backend) NormalizeName(name string) string {
	out := invalidName.ReplaceAllString(strings.ToLower(name), "_")
	if out == "" {
		return "collection"
	}
	return out
}

func (b *Backend) Close(ctx context.Context) error { return nil }

func (b *Backend) beforeFetch(ctx context.Context, op string, size int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	atomic.AddInt64(&b.fetches, 1)
	if b.FetchFault != nil {
		return b.FetchFault(op, size)
	}
	return nil
}
