// Package discovery reconstructs the id set of a collection on backends
// that only answer similarity queries.
//
// Two strategies run in order. The sequential strategy applies when a first
// sample returns only integer ids: it probes a widening window of integers
// around the known range with direct fetches. The random-query strategy
// issues top-K searches from random points inside a bounding box that grows
// to cover the vectors it has seen, and stops at the first round that finds
// nothing new. Neither is guaranteed complete; the result reports coverage.
package discovery

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/vdf/pkg/connector/base"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/ajitpratap0/vdf/pkg/metrics"
	"github.com/ajitpratap0/vdf/pkg/models"
	"go.uber.org/zap"
)

// Strategy names a discovery strategy
type Strategy string

const (
	StrategySequential  Strategy = "sequential"
	StrategyRandomQuery Strategy = "random_query"
)

const (
	minRounds         = 150
	defaultSampleSize = 10
	defaultFetchPage  = 1000
)

// Config tunes a discovery run
type Config struct {
	// TopK overrides the search size; zero uses the backend maximum
	TopK int
	// MaxRounds overrides the round cap of both strategies
	MaxRounds int
	// Seed makes random queries reproducible; zero seeds from the clock
	Seed int64
	// SampleSize is how many new vectors are fetched per round to grow the
	// bounding box
	SampleSize int
	// Marker enables mark mode: found ids are tagged with this metadata key
	// and excluded from later searches
	Marker string
	// FetchPolicy sizes the pages of fetch-by-id calls
	FetchPolicy *base.ShrinkPolicy
}

// Result is the outcome of a discovery run
type Result struct {
	// IDs are the discovered ids, integers first in numeric order
	IDs []string
	// Total is the reported total, raised to the discovered count when the
	// backend under-reported
	Total      int64
	Strategies []Strategy
	Rounds     int
	// Marked lists the ids tagged in mark mode
	Marked []string
}

// Coverage returns the discovered share of Total
func (r *Result) Coverage() float64 {
	if r.Total <= 0 {
		return 1
	}
	return float64(len(r.IDs)) / float64(r.Total)
}

// Complete reports whether every reported record was found
func (r *Result) Complete() bool {
	return r.Total >= 0 && int64(len(r.IDs)) >= r.Total
}

// Discoverer runs discovery against one source
type Discoverer struct {
	src      core.Source
	searcher core.Searcher
	marker   core.Marker
	cfg      Config
	rng      *rand.Rand
	logger   *zap.Logger
}

// New creates a Discoverer. The source must support similarity search; mark
// mode additionally needs the mark capability.
func New(src core.Source, cfg Config) (*Discoverer, error) {
	searcher, ok := core.AsSearcher(src)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeCapability, "%s can neither enumerate nor search", src.Slug())
	}

	d := &Discoverer{
		src:      src,
		searcher: searcher,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "discovery"), zap.String("backend", src.Slug())),
	}

	if cfg.Marker != "" {
		m, ok := core.AsMarker(src)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeCapability, "%s does not support marking records", src.Slug())
		}
		d.marker = m
	}
	if d.cfg.SampleSize <= 0 {
		d.cfg.SampleSize = defaultSampleSize
	}
	if d.cfg.FetchPolicy == nil {
		d.cfg.FetchPolicy = base.NewFetchShrinkPolicy(defaultFetchPage, 0)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d.rng = rand.New(rand.NewSource(seed))
	return d, nil
}

// run carries the state of one namespace
type run struct {
	collection string
	namespace  string
	dims       int
	column     string
	total      int64
	topK       int
	known      *idSet
	marked     []string
	rounds     int
	log        *zap.Logger
}

// Discover finds the ids of a namespace. total is the reported record count
// or core.UnknownCount. column is the vector column used to grow the
// bounding box. On error the partial result is still returned so that
// records tagged in mark mode can be unmarked.
func (d *Discoverer) Discover(ctx context.Context, collection, namespace string, dims int, column string, total int64) (*Result, error) {
	if dims <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "dimensions must be positive, got %d", dims)
	}
	if column == "" {
		column = models.DefaultVectorColumn
	}

	r := &run{
		collection: collection,
		namespace:  namespace,
		dims:       dims,
		column:     column,
		total:      total,
		topK:       d.topK(total),
		known:      newIDSet(),
		log:        logger.WithContext(ctx).With(zap.String("component", "discovery")),
	}

	res := &Result{}
	sequential, err := d.sequential(ctx, r)
	if err != nil {
		return r.partial(res), err
	}
	if sequential {
		res.Strategies = append(res.Strategies, StrategySequential)
	}
	if !r.done() {
		res.Strategies = append(res.Strategies, StrategyRandomQuery)
		if err := d.randomQuery(ctx, r); err != nil {
			return r.partial(res), err
		}
	}

	r.partial(res)
	if int64(len(res.IDs)) > res.Total {
		if res.Total >= 0 {
			r.log.Warn("source under-reported its record count",
				zap.Int64("reported", res.Total),
				zap.Int("discovered", len(res.IDs)))
		}
		res.Total = int64(len(res.IDs))
	}

	metrics.DiscoveryCoverage.WithLabelValues(collection, namespace).Set(res.Coverage())
	if !res.Complete() {
		warn := errors.New(errors.ErrorTypePartialCoverage, "discovery ended below the reported total").
			WithDetail("discovered", len(res.IDs)).
			WithDetail("total", res.Total)
		r.log.Warn("partial coverage",
			zap.Error(warn),
			zap.Float64("coverage", res.Coverage()),
			zap.Int("rounds", res.Rounds))
	}
	return res, nil
}

// partial copies the state gathered so far into res
func (r *run) partial(res *Result) *Result {
	res.IDs = r.known.IDs()
	res.Rounds = r.rounds
	res.Marked = r.marked
	res.Total = r.total
	return res
}

// Unmark removes the marker from ids, best-effort, and returns the ids that
// still carry it
func (d *Discoverer) Unmark(ctx context.Context, collection, namespace string, ids []string) []string {
	if d.marker == nil || len(ids) == 0 {
		return nil
	}

	var leaked []string
	page := d.cfg.FetchPolicy.Initial()
	for start := 0; start < len(ids); start += page {
		end := min(start+page, len(ids))
		if err := d.marker.Unmark(ctx, collection, namespace, d.cfg.Marker, ids[start:end]); err != nil {
			d.logger.Warn("failed to remove discovery marker", zap.Error(err), zap.Int("ids", end-start))
			leaked = append(leaked, ids[start:end]...)
		}
	}

	if len(leaked) > 0 {
		metrics.LeakedMarkers.WithLabelValues(d.src.Slug()).Add(float64(len(leaked)))
		d.logger.Warn("records left carrying the discovery marker",
			zap.String("collection", collection),
			zap.String("namespace", namespace),
			zap.String("marker", d.cfg.Marker),
			zap.Strings("ids", leaked))
	}
	return leaked
}

func (d *Discoverer) topK(total int64) int {
	k := d.searcher.MaxTopK()
	if d.cfg.TopK > 0 && d.cfg.TopK < k {
		k = d.cfg.TopK
	}
	if total > 0 && total < int64(k) {
		k = int(total)
	}
	if k < 1 {
		k = 1
	}
	return k
}

// roundCap is max(3*total/K, 150) unless overridden
func (d *Discoverer) roundCap(total int64, k int) int {
	if d.cfg.MaxRounds > 0 {
		return d.cfg.MaxRounds
	}
	if total <= 0 {
		return minRounds
	}
	return max(int(3*total/int64(k)), minRounds)
}

func (r *run) done() bool {
	return r.total >= 0 && int64(r.known.Len()) >= r.total
}

// sequential runs the integer fast path and reports whether it applied
func (d *Discoverer) sequential(ctx context.Context, r *run) (bool, error) {
	sample, err := d.search(ctx, r, d.uniform(nil, nil, r.dims), "")
	if err != nil {
		return false, err
	}
	if len(sample) == 0 {
		return false, nil
	}
	for _, id := range sample {
		if _, ok := canonicalInt(id); !ok {
			r.log.Debug("ids are not integers, skipping sequential probing")
			return false, nil
		}
	}
	for _, id := range sample {
		r.known.Add(id)
	}

	missing := newIDSet()
	step := max(r.topK/10, 1)
	budget := max(10*r.topK, 10000)
	if r.total > 0 {
		budget = max(budget, int(10*r.total))
	}
	rounds := d.roundCap(r.total, r.topK)

	for round := 1; round <= rounds && !r.done(); round++ {
		r.rounds++
		lo, hi, _ := r.known.IntBounds()
		w := uint64(round * step)

		start := uint64(0)
		if lo > w {
			start = lo - w
		}
		end := hi + 10*w
		if end < hi {
			end = math.MaxUint64
		}

		var probe []string
		for n := start; n <= end; n++ {
			if !r.known.HasInt(n) && !missing.HasInt(n) {
				probe = append(probe, formatInt(n))
				if len(probe) > budget {
					r.log.Info("integer id space too sparse, leaving sequential probing",
						zap.Int("round", round))
					return true, nil
				}
			}
			if n == math.MaxUint64 {
				break
			}
		}

		found, err := d.fetch(ctx, r, probe)
		if err != nil {
			return true, err
		}
		for _, id := range probe {
			if _, ok := found[id]; ok {
				r.known.Add(id)
			} else if n, ok := canonicalInt(id); ok {
				missing.AddInt(n)
			}
		}
		r.log.Debug("sequential round",
			zap.Int("round", round),
			zap.Int("probed", len(probe)),
			zap.Int("found", len(found)),
			zap.Int("known", r.known.Len()))
	}
	return true, nil
}

// randomQuery runs the bounding-box search until a round finds nothing new
func (d *Discoverer) randomQuery(ctx context.Context, r *run) error {
	lo := make([]float64, r.dims)
	hi := make([]float64, r.dims)
	for i := range lo {
		lo[i], hi[i] = -1, 1
	}

	rounds := d.roundCap(r.total, r.topK)
	for round := 1; round <= rounds && !r.done(); round++ {
		r.rounds++
		ids, err := d.search(ctx, r, d.uniform(lo, hi, r.dims), d.cfg.Marker)
		if err != nil {
			return err
		}

		var fresh []string
		for _, id := range ids {
			if r.known.Add(id) {
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			r.log.Debug("round found no new ids", zap.Int("round", round))
			return nil
		}

		if d.marker != nil {
			if err := d.marker.Mark(ctx, r.collection, r.namespace, d.cfg.Marker, fresh); err != nil {
				// unmarked records keep showing up in searches; known absorbs them
				r.log.Warn("failed to mark discovered records", zap.Error(err), zap.Int("ids", len(fresh)))
			} else {
				r.marked = append(r.marked, fresh...)
			}
		}

		if err := d.expand(ctx, r, fresh, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// expand grows the box to cover a random sample of the new ids' vectors
func (d *Discoverer) expand(ctx context.Context, r *run, fresh []string, lo, hi []float64) error {
	sample := fresh
	if len(sample) > d.cfg.SampleSize {
		sample = make([]string, d.cfg.SampleSize)
		for i, j := range d.rng.Perm(len(fresh))[:d.cfg.SampleSize] {
			sample[i] = fresh[j]
		}
	}

	records, err := d.fetch(ctx, r, sample)
	if err != nil {
		return err
	}
	for _, rec := range records {
		vec := rec.Vector(r.column)
		if len(vec) != r.dims {
			continue
		}
		for i, v := range vec {
			lo[i] = math.Min(lo[i], float64(v))
			hi[i] = math.Max(hi[i], float64(v))
		}
	}
	return nil
}

func (d *Discoverer) search(ctx context.Context, r *run, query []float32, exclude string) ([]string, error) {
	ids, err := d.searcher.Search(ctx, r.collection, r.namespace, query, r.topK, exclude)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientFetch, "similarity search failed").
			WithDetail("collection", r.collection)
	}
	return ids, nil
}

// fetch reads ids in pages sized by the fetch policy
func (d *Discoverer) fetch(ctx context.Context, r *run, ids []string) (map[string]*models.Record, error) {
	out := make(map[string]*models.Record, len(ids))
	for start := 0; start < len(ids); {
		var (
			page map[string]*models.Record
			used int
		)
		err := d.cfg.FetchPolicy.Execute(ctx, func(size int) error {
			used = min(size, len(ids)-start)
			var err error
			page, err = d.src.FetchByIDs(ctx, r.collection, r.namespace, ids[start:start+used])
			return err
		})
		if err != nil {
			return nil, err
		}
		for id, rec := range page {
			out[id] = rec
		}
		start += used
	}
	return out, nil
}

// uniform draws a point in the box, or in [-1,1]^dims without one
func (d *Discoverer) uniform(lo, hi []float64, dims int) []float32 {
	q := make([]float32, dims)
	for i := range q {
		a, b := -1.0, 1.0
		if lo != nil {
			a, b = lo[i], hi[i]
		}
		q[i] = float32(a + d.rng.Float64()*(b-a))
	}
	return q
}
