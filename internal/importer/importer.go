// Package importer implements the streaming import engine. It reads a VDF
// run directory and replays every namespace into a target backend, chunk by
// chunk, in batches whose size adapts to upsert failures.
package importer

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/ajitpratap0/vdf/pkg/clients"
	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/base"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/formats/columnar"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/ajitpratap0/vdf/pkg/metrics"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/ajitpratap0/vdf/pkg/observability"
	"github.com/ajitpratap0/vdf/pkg/vdf"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Failure records a namespace that could not be imported
type Failure struct {
	Index     string
	Namespace string
	Err       error
}

// Summary is the outcome of an import run
type Summary struct {
	Imported int64
	// Collections maps manifest index names to target collections
	Collections map[string]string
	Failures    []Failure
}

// Engine imports one VDF run directory into a target
type Engine struct {
	dst     core.Target
	cfg     *config.ImportConfig
	filter  *idFilter
	policy  *base.ShrinkPolicy
	retry   *base.RetryPolicy
	limiter clients.RateLimiter
	logger  *zap.Logger

	existing map[string]struct{}
	parallel bool

	// ProgressInterval is how often namespace progress is logged
	ProgressInterval time.Duration
}

// New creates an import engine
func New(dst core.Target, cfg *config.ImportConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	filter, err := newIDFilter(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dst:              dst,
		cfg:              cfg,
		filter:           filter,
		retry:            base.RetryPolicyFor(dst.Slug(), cfg.Target.Reliability),
		limiter:          clients.RateLimiterFor(cfg.Target.Reliability),
		logger:           logger.With(zap.String("component", "import"), zap.String("target", dst.Slug())),
		parallel:         cfg.Parallel && core.SupportsParallelUpsert(dst),
		ProgressInterval: 10 * time.Second,
	}
	if cfg.Parallel && !e.parallel {
		e.logger.Warn("target does not accept parallel upserts, importing sequentially")
	}

	// one policy for the whole run: a reduced batch size carries over to
	// later chunks and namespaces
	slug := dst.Slug()
	e.policy = base.NewUpsertShrinkPolicy(cfg.BatchSize, cfg.Target.Reliability.RetryDelay).
		OnShrink(func(from, to int, err error) {
			reason := "other"
			if errors.IsType(err, errors.ErrorTypeRateLimit) {
				reason = "rate_limit"
			}
			metrics.UpsertShrinks.WithLabelValues(slug, reason).Inc()
			e.logger.Warn("upsert failed, shrinking batch size",
				zap.Int("from", from), zap.Int("to", to), zap.String("reason", reason), zap.Error(err))
		})
	return e, nil
}

// BatchSize returns the current upsert batch size
func (e *Engine) BatchSize() int {
	return e.policy.Size()
}

// Run imports every selected namespace of the run directory. Namespace
// failures are collected in the summary; the returned error is set for
// failures that abort the run, such as an exhausted batch size.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	m, err := vdf.ReadManifest(e.cfg.Dir)
	if err != nil {
		return nil, err
	}
	if problems := vdf.Validate(m); len(problems) > 0 {
		msgs := make([]string, len(problems))
		for i, p := range problems {
			msgs[i] = p.String()
		}
		return nil, errors.Newf(errors.ErrorTypeConfig, "manifest in %s is invalid", e.cfg.Dir).
			WithDetail("problems", msgs)
	}

	ctx = logger.ContextWith(ctx, logger.RunIDKey, filepath.Base(filepath.Clean(e.cfg.Dir)))
	ctx, span := observability.StartSpan(ctx, "import.run", attribute.String("dir", e.cfg.Dir))
	summary := &Summary{Collections: make(map[string]string)}
	err = e.run(ctx, m, summary)
	observability.EndSpan(span, err)

	e.logger.Info("import finished",
		zap.Int64("records", summary.Imported),
		zap.Int("collections", len(summary.Collections)),
		zap.Int("failed_namespaces", len(summary.Failures)),
		zap.Int("batch_size", e.policy.Size()),
		zap.Duration("rate_limit_wait", e.limiter.GetStats().TotalWaitTime))
	return summary, err
}

func (e *Engine) run(ctx context.Context, m *vdf.Manifest, summary *Summary) error {
	var names []string
	err := e.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		names, err = e.dst.ListCollections(ctx)
		return err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to list target collections")
	}
	e.existing = make(map[string]struct{}, len(names))
	for _, n := range names {
		e.existing[n] = struct{}{}
	}

	for _, index := range e.indexes(m) {
		ictx := logger.ContextWith(ctx, logger.IndexKey, index)
		if err := e.importIndex(ictx, m, index, summary); err != nil {
			return err
		}
	}
	return nil
}

// indexes returns the manifest indexes to import, sorted
func (e *Engine) indexes(m *vdf.Manifest) []string {
	var out []string
	if len(e.cfg.Indexes) > 0 {
		for _, index := range e.cfg.Indexes {
			if _, ok := m.Indexes[index]; ok {
				out = append(out, index)
			} else {
				e.logger.Warn("index not found in manifest", zap.String("index", index))
			}
		}
		return out
	}
	for index := range m.Indexes {
		out = append(out, index)
	}
	sort.Strings(out)
	return out
}

// importIndex returns only run-fatal errors
func (e *Engine) importIndex(ctx context.Context, m *vdf.Manifest, index string, summary *Summary) error {
	log := logger.WithContext(ctx)
	nss := m.Indexes[index]
	if len(nss) == 0 {
		return nil
	}

	collection, err := e.resolveCollection(ctx, index, nss[0], log)
	if err != nil {
		if errors.IsRunFatal(err) {
			return err
		}
		log.Error("skipping index", zap.Error(err))
		summary.Failures = append(summary.Failures, Failure{Index: index, Err: err})
		return nil
	}
	summary.Collections[index] = collection

	for _, ns := range nss {
		nctx := logger.ContextWith(ctx, logger.NamespaceKey, ns.Namespace)
		n, err := e.importNamespace(nctx, m, collection, ns)
		summary.Imported += n
		if err != nil {
			if errors.IsRunFatal(err) {
				return err
			}
			logger.WithContext(nctx).Error("namespace import failed, continuing", zap.Error(err))
			summary.Failures = append(summary.Failures, Failure{Index: index, Namespace: ns.Namespace, Err: err})
		}
	}
	return nil
}

func (e *Engine) importNamespace(ctx context.Context, m *vdf.Manifest, collection string, ns vdf.NamespaceMeta) (imported int64, err error) {
	ctx, span := observability.StartSpan(ctx, "import.namespace",
		attribute.String("collection", collection),
		attribute.String("namespace", ns.Namespace))
	defer func() { observability.EndSpan(span, err) }()

	log := logger.WithContext(ctx)

	files, err := vdf.ChunkFiles(e.cfg.Dir, m, ns)
	if err != nil {
		return 0, err
	}

	progress := base.NewProgressReporter(log, ns.ExportedVectorCount, e.ProgressInterval)
	progress.Start()
	defer progress.Stop()

	for _, file := range files {
		records, err := columnar.ReadFile(file)
		if err != nil {
			return imported, err
		}
		if err := checkDimensions(records, ns); err != nil {
			return imported, err
		}
		records = e.filter.apply(records)
		dropNulls(records)

		n, err := e.upsert(ctx, collection, ns.Namespace, records)
		imported += n
		progress.Add(n)
		if err != nil {
			return imported, err
		}
		log.Debug("chunk imported", zap.String("file", file), zap.Int64("records", n))
	}

	log.Info("namespace imported",
		zap.String("collection", collection),
		zap.Int64("records", imported),
		zap.Int("chunks", len(files)))
	return imported, nil
}

func checkDimensions(records []*models.Record, ns vdf.NamespaceMeta) error {
	for _, r := range records {
		for column, vec := range r.Vectors {
			if len(vec) != ns.Dimensions {
				return errors.Newf(errors.ErrorTypeSchemaMismatch,
					"record %s has a %d-dimensional %s vector, manifest says %d",
					r.ID, len(vec), column, ns.Dimensions)
			}
		}
	}
	return nil
}

// upsert writes records in adaptive batches, sequentially or through the
// worker pool
func (e *Engine) upsert(ctx context.Context, collection, ns string, records []*models.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if !e.parallel {
		n, err := e.upsertBatches(ctx, collection, ns, records)
		return int64(n), err
	}

	// batches are cut at the current size; each one still shrinks and
	// retries on its own through the shared policy
	size := e.policy.Size()
	var batches [][]*models.Record
	for start := 0; start < len(records); start += size {
		batches = append(batches, records[start:min(start+size, len(records))])
	}

	results := make([]int, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			n, err := e.upsertBatches(gctx, collection, ns, batch)
			results[i] = n
			return err
		})
	}
	err := g.Wait()

	var total int64
	for _, n := range results {
		total += int64(n)
	}
	return total, err
}

// upsertBatches writes records in order, slicing batches at the policy's
// current size and retrying a failed batch at the reduced size
func (e *Engine) upsertBatches(ctx context.Context, collection, ns string, records []*models.Record) (int, error) {
	slug := e.dst.Slug()
	written := 0
	for start := 0; start < len(records); {
		var used, n int
		err := e.policy.Execute(ctx, func(size int) error {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
			used = min(size, len(records)-start)
			timer := metrics.NewTimer()
			var err error
			n, err = e.dst.Upsert(ctx, collection, ns, records[start:start+used])
			metrics.UpsertLatency.WithLabelValues(slug, metrics.Status(err)).Observe(timer.Seconds())
			return err
		})
		if err != nil {
			return written, err
		}
		written += n
		metrics.RecordsImported.WithLabelValues(slug).Add(float64(n))
		start += used
	}
	return written, nil
}
