// Package export implements the streaming export engine. It walks the
// indexes and namespaces of a source, pulls records page by page, flushes
// them into numbered chunk files whenever the buffered size crosses the
// flush threshold, and finally writes the run manifest.
package export

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ajitpratap0/vdf/internal/discovery"
	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/base"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/formats/columnar"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/ajitpratap0/vdf/pkg/metric"
	"github.com/ajitpratap0/vdf/pkg/metrics"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/ajitpratap0/vdf/pkg/observability"
	"github.com/ajitpratap0/vdf/pkg/vdf"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// markerPrefix starts the metadata key used to tag records in mark mode
const markerPrefix = "_vdf_seen_"

// Failure records a namespace that could not be exported
type Failure struct {
	Index     string
	Namespace string
	Err       error
}

// Summary is the outcome of an export run
type Summary struct {
	// Dir is the run directory
	Dir      string
	Manifest *vdf.Manifest
	Failures []Failure
	// LeakedMarkers lists ids still carrying the discovery marker
	LeakedMarkers []string
}

// Engine exports the collections of one source
type Engine struct {
	src    core.Source
	cfg    *config.ExportConfig
	format columnar.Format
	logger *zap.Logger
	paths  *vdf.DataPaths

	// Now returns the run timestamp
	Now func() time.Time
	// AvailableMemory reports free memory for the memory-aware ceiling
	AvailableMemory func() (uint64, error)
	// ProgressInterval is how often namespace progress is logged
	ProgressInterval time.Duration
}

// New creates an export engine
func New(src core.Source, cfg *config.ExportConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	format, err := columnar.ParseFormat(cfg.ChunkFormat)
	if err != nil {
		return nil, err
	}
	return &Engine{
		src:    src,
		cfg:    cfg,
		format: format,
		logger: logger.With(zap.String("component", "export"), zap.String("source", src.Slug())),
		Now:    time.Now,
		AvailableMemory: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
		ProgressInterval: 10 * time.Second,
	}, nil
}

// Run exports every selected index and namespace into a new run directory.
// Namespace-level failures are collected in the summary; the returned error
// is set only for failures that abort the run.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	now := e.Now()
	dir := filepath.Join(e.cfg.OutputDir, vdf.RunDirName(e.cfg.Args(), now))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create run directory").WithDetail("dir", dir)
	}

	runID := filepath.Base(dir)
	ctx = logger.ContextWith(ctx, logger.RunIDKey, runID)
	ctx, span := observability.StartSpan(ctx, "export.run", attribute.String("run_id", runID))

	summary := &Summary{
		Dir:      dir,
		Manifest: vdf.NewManifest(e.src.Slug(), e.cfg.Author, now.UTC().Format(time.RFC3339)),
	}
	e.paths = vdf.NewDataPaths()
	err := e.run(ctx, summary, runID)
	observability.EndSpan(span, err)
	if err != nil {
		// namespaces finished before the abort stay importable
		if len(summary.Manifest.Indexes) > 0 {
			if werr := vdf.WriteManifest(dir, summary.Manifest); werr != nil {
				e.logger.Error("failed to write partial manifest", zap.Error(werr))
			} else {
				e.logger.Warn("export aborted, manifest lists the finished namespaces",
					zap.String("dir", dir),
					zap.Int64("records", summary.Manifest.TotalExported()),
					zap.Error(err))
			}
		}
		return summary, err
	}

	if err := vdf.WriteManifest(dir, summary.Manifest); err != nil {
		return summary, err
	}

	e.logger.Info("export finished",
		zap.String("dir", dir),
		zap.Int64("records", summary.Manifest.TotalExported()),
		zap.Int("files", len(summary.Manifest.FileStructure)),
		zap.Int("failed_namespaces", len(summary.Failures)))
	return summary, nil
}

func (e *Engine) run(ctx context.Context, summary *Summary, runID string) error {
	indexes := e.cfg.Indexes
	if len(indexes) == 0 {
		var err error
		if indexes, err = e.src.ListCollections(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to list collections")
		}
	}

	for _, index := range indexes {
		ictx := logger.ContextWith(ctx, logger.IndexKey, index)
		if err := e.exportIndex(ictx, summary, runID, index); err != nil {
			return err
		}
	}
	return nil
}

// exportIndex returns only run-fatal errors
func (e *Engine) exportIndex(ctx context.Context, summary *Summary, runID, index string) error {
	log := logger.WithContext(ctx)

	stats, err := e.src.CollectionStats(ctx, index)
	if err == nil {
		err = checkStats(stats)
	}
	var canonical metric.Canonical
	if err == nil {
		canonical, err = metric.Standardize(stats.Metric, e.src.Slug())
	}
	if err != nil {
		if errors.IsRunFatal(err) {
			return err
		}
		log.Error("skipping index", zap.Error(err))
		summary.Failures = append(summary.Failures, Failure{Index: index, Err: err})
		return nil
	}

	namespaces := e.cfg.Namespaces
	if len(namespaces) == 0 {
		namespaces = stats.NamespaceNames()
	}

	for _, ns := range namespaces {
		nctx := logger.ContextWith(ctx, logger.NamespaceKey, ns)
		meta, files, leaked, err := e.exportNamespace(nctx, summary.Dir, runID, index, ns, stats, canonical)
		summary.LeakedMarkers = append(summary.LeakedMarkers, leaked...)
		if err != nil {
			if errors.IsRunFatal(err) {
				return err
			}
			logger.WithContext(nctx).Error("namespace export failed, continuing", zap.Error(err))
			summary.Failures = append(summary.Failures, Failure{Index: index, Namespace: ns, Err: err})
			continue
		}
		// chunks of a failed namespace stay on disk but out of the manifest
		for _, rel := range files {
			summary.Manifest.AddFile(rel)
		}
		summary.Manifest.AddNamespace(*meta)
	}
	return nil
}

func checkStats(stats *core.CollectionStats) error {
	if stats.Dimensions <= 0 {
		return errors.Newf(errors.ErrorTypeSchemaMismatch, "collection %s reports %d dimensions", stats.Name, stats.Dimensions)
	}
	return nil
}

func (e *Engine) exportNamespace(ctx context.Context, dir, runID, index, ns string, stats *core.CollectionStats, canonical metric.Canonical) (meta *vdf.NamespaceMeta, files, leaked []string, err error) {
	ctx, span := observability.StartSpan(ctx, "export.namespace",
		attribute.String("index", index),
		attribute.String("namespace", ns))
	defer func() { observability.EndSpan(span, err) }()

	log := logger.WithContext(ctx)

	total, ok := stats.Namespaces[ns]
	if !ok {
		total = core.UnknownCount
		if len(stats.Namespaces) <= 1 {
			total = stats.TotalCount
		}
	}

	vectorColumns := stats.VectorColumns
	if len(vectorColumns) == 0 {
		vectorColumns = []string{models.DefaultVectorColumn}
	}

	dataPath := e.paths.Claim(index, ns)
	acc, err := newAccumulator(dir, dataPath, e.format, vectorColumns, e.flushThreshold())
	if err != nil {
		return nil, nil, nil, err
	}

	progress := base.NewProgressReporter(log, total, e.ProgressInterval)
	progress.Start()
	defer progress.Stop()

	flush := func(force bool) error {
		rel, err := acc.flush(force)
		if rel != "" {
			log.Debug("chunk written", zap.String("path", rel))
		}
		return err
	}
	add := func(records []*models.Record) error {
		acc.add(records)
		progress.Add(int64(len(records)))
		metrics.RecordsExported.WithLabelValues(e.src.Slug()).Add(float64(len(records)))
		if acc.full() {
			return flush(false)
		}
		return nil
	}

	policy := e.fetchPolicy(log)

	if ps, ok := core.AsPageStreamer(e.src); ok {
		err = e.stream(ctx, ps, policy, index, ns, add)
	} else {
		var (
			ids    []string
			marked []string
			d      *discovery.Discoverer
		)
		ids, marked, d, err = e.collectIDs(ctx, acc, policy, runID, index, ns, stats.Dimensions, vectorColumns[0], total)
		if len(marked) > 0 {
			// markers come off once the namespace is done, whatever the
			// outcome; records left tagged are reported, never fatal
			defer func() {
				leaked = d.Unmark(context.WithoutCancel(ctx), index, ns, marked)
			}()
		}
		if err == nil {
			err = e.fetchAll(ctx, policy, index, ns, ids, add)
		}
	}
	if err == nil {
		err = flush(true)
	}
	if err != nil {
		return nil, nil, leaked, err
	}

	// a stale count never makes the manifest claim more than was reported
	if acc.written > total {
		if total >= 0 {
			log.Warn("source reported fewer records than were exported",
				zap.Int64("reported", total), zap.Int64("exported", acc.written))
		}
		total = acc.written
	}

	log.Info("namespace exported",
		zap.Int64("records", acc.written),
		zap.Int("chunks", acc.chunks),
		zap.Int("page_shrinks", policy.Shrinks()))

	return &vdf.NamespaceMeta{
		Namespace:           ns,
		IndexName:           index,
		TotalVectorCount:    total,
		ExportedVectorCount: acc.written,
		Dimensions:          stats.Dimensions,
		ModelName:           e.cfg.ModelName,
		VectorColumns:       vectorColumns,
		DataPath:            dataPath,
		Metric:              canonical,
	}, acc.files, leaked, nil
}

func (e *Engine) fetchPolicy(log *zap.Logger) *base.ShrinkPolicy {
	slug := e.src.Slug()
	return base.NewFetchShrinkPolicy(e.cfg.PageSize, e.cfg.Source.Reliability.RetryDelay).
		OnShrink(func(from, to int, err error) {
			metrics.FetchShrinks.WithLabelValues(slug).Inc()
			log.Warn("page fetch failed, shrinking page size",
				zap.Int("from", from), zap.Int("to", to), zap.Error(err))
		})
}

// flushThreshold applies the memory-aware ceiling when enabled
func (e *Engine) flushThreshold() int64 {
	limit := e.cfg.FlushThresholdBytes()
	if !e.cfg.MemoryAware || e.AvailableMemory == nil {
		return limit
	}
	avail, err := e.AvailableMemory()
	if err != nil {
		e.logger.Warn("cannot read available memory, keeping flush threshold", zap.Error(err))
		return limit
	}
	if half := int64(avail / 2); half > 0 && half < limit {
		e.logger.Info("lowering flush threshold to half of available memory", zap.Int64("bytes", half))
		return half
	}
	return limit
}

func (e *Engine) stream(ctx context.Context, ps core.PageStreamer, policy *base.ShrinkPolicy, index, ns string, add func([]*models.Record) error) error {
	cursor := ""
	for {
		var (
			page []*models.Record
			next string
		)
		err := policy.Execute(ctx, func(size int) error {
			var err error
			page, next, err = ps.StreamPage(ctx, index, ns, cursor, size)
			return asFetchError(err)
		})
		if err != nil {
			return err
		}
		if err := add(page); err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// collectIDs enumerates ids directly when possible and falls back to
// discovery otherwise. In mark mode it also returns the tagged ids, even on
// error, and the discoverer that can untag them.
func (e *Engine) collectIDs(ctx context.Context, acc *accumulator, policy *base.ShrinkPolicy, runID, index, ns string, dims int, column string, total int64) (ids, marked []string, d *discovery.Discoverer, err error) {
	if lister, ok := core.AsIDLister(e.src); ok {
		cursor := ""
		for {
			var (
				page []string
				next string
			)
			err := policy.Execute(ctx, func(size int) error {
				var err error
				page, next, err = lister.ListIDs(ctx, index, ns, cursor, size)
				return asFetchError(err)
			})
			if err != nil {
				return nil, nil, nil, err
			}
			ids = append(ids, page...)
			if next == "" {
				return ids, nil, nil, nil
			}
			cursor = next
		}
	}

	dcfg := discovery.Config{
		MaxRounds:   e.cfg.MaxDiscoveryRounds,
		Seed:        e.cfg.Seed,
		FetchPolicy: policy,
	}
	if e.cfg.AllowMark {
		if _, ok := core.AsMarker(e.src); ok {
			dcfg.Marker = markerPrefix + runID
			acc.strip = dcfg.Marker
		}
	}

	d, err = discovery.New(e.src, dcfg)
	if err != nil {
		return nil, nil, nil, err
	}
	res, err := d.Discover(ctx, index, ns, dims, column, total)
	if res != nil {
		marked = res.Marked
	}
	if err != nil {
		return nil, marked, d, err
	}
	return res.IDs, marked, d, nil
}

func (e *Engine) fetchAll(ctx context.Context, policy *base.ShrinkPolicy, index, ns string, ids []string, add func([]*models.Record) error) error {
	for start := 0; start < len(ids); {
		var (
			page map[string]*models.Record
			used int
		)
		err := policy.Execute(ctx, func(size int) error {
			used = min(size, len(ids)-start)
			var err error
			page, err = e.src.FetchByIDs(ctx, index, ns, ids[start:start+used])
			return asFetchError(err)
		})
		if err != nil {
			return err
		}

		records := make([]*models.Record, 0, len(page))
		for _, id := range ids[start : start+used] {
			if r, ok := page[id]; ok {
				records = append(records, r)
			}
		}
		if err := add(records); err != nil {
			return err
		}
		start += used
	}
	return nil
}

// asFetchError classifies untyped adapter errors as transient
func asFetchError(err error) error {
	if err == nil {
		return nil
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeTransientFetch, "fetch failed")
}
