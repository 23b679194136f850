// Package qdrant implements the Qdrant source and target over the official
// gRPC client.
//
// Collections map one to one onto VDF indexes with a single unnamed
// namespace. Points are paged with scroll, searched with query, and tagged
// during id discovery by setting a payload key.
package qdrant

import (
	"context"
	"sort"
	"time"

	"github.com/ajitpratap0/vdf/pkg/clients"
	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/connector/registry"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/ajitpratap0/vdf/pkg/models"
	qc "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

// Slug is the registry key of the Qdrant backend
const Slug = "qdrant"

const (
	defaultPort    = 6334
	defaultMaxTopK = 1000
)

func init() {
	_ = registry.RegisterSource(Slug, func(cfg *config.BackendConfig) (core.Source, error) {
		return New(cfg)
	})
	_ = registry.RegisterTarget(Slug, func(cfg *config.BackendConfig) (core.Target, error) {
		return New(cfg)
	})
	registry.RegisterInfo(&registry.BackendInfo{
		Slug:         Slug,
		Description:  "Qdrant over gRPC",
		Capabilities: []string{"source", "stream", "search", "mark", "target", "parallel_upsert"},
		Options: map[string]string{
			"host":      "server host (default localhost)",
			"port":      "gRPC port (default 6334)",
			"max_top_k": "largest search limit used by id discovery (default 1000)",
		},
	})
}

// Backend is a Qdrant source and target
type Backend struct {
	api     *qc.Client
	cfg     *config.BackendConfig
	limiter clients.RateLimiter
	maxTopK int
	logger  *zap.Logger
}

// New connects to the Qdrant server described by cfg
func New(cfg *config.BackendConfig) (*Backend, error) {
	port, err := cfg.IntOption("port", defaultPort)
	if err != nil {
		return nil, err
	}
	maxTopK, err := cfg.IntOption("max_top_k", defaultMaxTopK)
	if err != nil {
		return nil, err
	}
	host := cfg.Option("host", "localhost")

	api, err := qc.NewClient(&qc.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.Security.APIKey,
		UseTLS: cfg.Security.EnableTLS,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create qdrant client").
			WithDetail("host", host)
	}

	b := &Backend{
		api:     api,
		cfg:     cfg,
		limiter: clients.RateLimiterFor(cfg.Reliability),
		maxTopK: maxTopK,
		logger:  logger.With(zap.String("backend", Slug), zap.String("host", host)),
	}

	ctx := context.Background()
	if cfg.Timeouts.Connection > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeouts.Connection)
		defer cancel()
	}
	health, err := api.HealthCheck(ctx)
	if err != nil {
		_ = api.Close()
		return nil, errors.Wrap(classify(err, "health check"), errors.ErrorTypeConnection, "qdrant is unreachable").
			WithDetail("host", host)
	}
	b.logger.Info("connected", zap.String("version", health.GetVersion()))
	return b, nil
}

func (b *Backend) Slug() string { return Slug }

func (b *Backend) MaxTopK() int { return b.maxTopK }

func (b *Backend) SupportsParallelUpsert() bool { return true }

// call throttles and bounds one remote call
func (b *Backend) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if d := b.cfg.Timeouts.Request; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	start := time.Now()
	err := classify(fn(ctx), op)
	b.logger.Debug("call", zap.String("op", op), zap.Duration("took", time.Since(start)), zap.Error(err))
	return err
}

func (b *Backend) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := b.call(ctx, "list collections", func(ctx context.Context) error {
		var err error
		names, err = b.api.ListCollections(ctx)
		return err
	})
	return names, err
}

// CollectionStats reports dimensions, distance and the exact point count.
// Collections with named vectors report the dimension of their first
// vector in name order.
func (b *Backend) CollectionStats(ctx context.Context, name string) (*core.CollectionStats, error) {
	var info *qc.CollectionInfo
	err := b.call(ctx, "get collection", func(ctx context.Context) error {
		var err error
		info, err = b.api.GetCollectionInfo(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}

	var count uint64
	err = b.call(ctx, "count", func(ctx context.Context) error {
		var err error
		count, err = b.api.Count(ctx, &qc.CountPoints{
			CollectionName: name,
			Exact:          qc.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	stats := vectorLayout(info)
	stats.Name = name
	stats.TotalCount = int64(count)
	stats.Namespaces = map[string]int64{"": int64(count)}
	return stats, nil
}

func (b *Backend) DescribeCollection(ctx context.Context, name string) (*core.CollectionStats, error) {
	return b.CollectionStats(ctx, name)
}

// vectorLayout reads vector columns, dimensions and distance from info
func vectorLayout(info *qc.CollectionInfo) *core.CollectionStats {
	stats := &core.CollectionStats{}
	vc := info.GetConfig().GetParams().GetVectorsConfig()
	if p := vc.GetParams(); p != nil {
		stats.Dimensions = int(p.GetSize())
		stats.Metric = p.GetDistance().String()
		stats.VectorColumns = []string{models.DefaultVectorColumn}
		return stats
	}
	if m := vc.GetParamsMap().GetMap(); len(m) > 0 {
		names := make([]string, 0, len(m))
		for n := range m {
			names = append(names, n)
		}
		sort.Strings(names)
		first := m[names[0]]
		stats.Dimensions = int(first.GetSize())
		stats.Metric = first.GetDistance().String()
		stats.VectorColumns = names
	}
	return stats
}

// named reports whether columns need named vectors. No columns means the
// default one.
func named(columns []string) bool {
	return len(columns) > 1 || (len(columns) == 1 && columns[0] != models.DefaultVectorColumn)
}

func (b *Backend) toRecord(p *qc.RetrievedPoint, column string) (*models.Record, error) {
	id, err := recordID(p.GetId(), p.GetPayload())
	if err != nil {
		return nil, err
	}
	return &models.Record{
		ID:       id,
		Vectors:  fromVectors(p.GetVectors(), column),
		Metadata: fromPayload(p.GetPayload()),
	}, nil
}

// StreamPage scrolls one page. The cursor is the string form of the first
// point id of the page; one extra point is requested to learn it.
func (b *Backend) StreamPage(ctx context.Context, collection, namespace, cursor string, pageSize int) ([]*models.Record, string, error) {
	req := &qc.ScrollPoints{
		CollectionName: collection,
		Limit:          qc.PtrOf(uint32(pageSize + 1)),
		WithPayload:    qc.NewWithPayload(true),
		WithVectors:    qc.NewWithVectors(true),
	}
	if cursor != "" {
		req.Offset = cursorID(cursor)
	}

	var points []*qc.RetrievedPoint
	err := b.call(ctx, "scroll", func(ctx context.Context) error {
		var err error
		points, err = b.api.Scroll(ctx, req)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(points) > pageSize {
		if next, err = idString(points[pageSize].GetId()); err != nil {
			return nil, "", err
		}
		points = points[:pageSize]
	}

	records := make([]*models.Record, 0, len(points))
	for _, p := range points {
		r, err := b.toRecord(p, models.DefaultVectorColumn)
		if err != nil {
			return nil, "", err
		}
		records = append(records, r)
	}
	return records, next, nil
}

// cursorID parses a cursor written by StreamPage
func cursorID(cursor string) *qc.PointId {
	if n, ok := models.ParseNumericID(cursor); ok {
		return qc.NewIDNum(n)
	}
	return qc.NewID(cursor)
}

func (b *Backend) FetchByIDs(ctx context.Context, collection, namespace string, ids []string) (map[string]*models.Record, error) {
	pointIDs := make([]*qc.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i], _ = pointID(id)
	}

	var points []*qc.RetrievedPoint
	err := b.call(ctx, "get points", func(ctx context.Context) error {
		var err error
		points, err = b.api.Get(ctx, &qc.GetPoints{
			CollectionName: collection,
			Ids:            pointIDs,
			WithPayload:    qc.NewWithPayload(true),
			WithVectors:    qc.NewWithVectors(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]*models.Record, len(points))
	for _, p := range points {
		r, err := b.toRecord(p, models.DefaultVectorColumn)
		if err != nil {
			return nil, err
		}
		out[r.ID] = r
	}
	return out, nil
}

// Search runs a nearest-neighbour query. With excludeMarker set only points
// lacking that payload key are returned.
func (b *Backend) Search(ctx context.Context, collection, namespace string, query []float32, topK int, excludeMarker string) ([]string, error) {
	req := &qc.QueryPoints{
		CollectionName: collection,
		Query:          qc.NewQuery(query...),
		Limit:          qc.PtrOf(uint64(topK)),
		WithPayload:    qc.NewWithPayloadInclude(OriginalIDKey),
	}
	if excludeMarker != "" {
		req.Filter = &qc.Filter{Must: []*qc.Condition{qc.NewIsEmpty(excludeMarker)}}
	}

	var points []*qc.ScoredPoint
	err := b.call(ctx, "query", func(ctx context.Context) error {
		var err error
		points, err = b.api.Query(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(points))
	for _, p := range points {
		id, err := recordID(p.GetId(), p.GetPayload())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Backend) selector(ids []string) *qc.PointsSelector {
	pointIDs := make([]*qc.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i], _ = pointID(id)
	}
	return qc.NewPointsSelector(pointIDs...)
}

func (b *Backend) Mark(ctx context.Context, collection, namespace, marker string, ids []string) error {
	return b.call(ctx, "set payload", func(ctx context.Context) error {
		_, err := b.api.SetPayload(ctx, &qc.SetPayloadPoints{
			CollectionName: collection,
			Payload:        qc.NewValueMap(map[string]any{marker: true}),
			PointsSelector: b.selector(ids),
			Wait:           qc.PtrOf(true),
		})
		return err
	})
}

func (b *Backend) Unmark(ctx context.Context, collection, namespace, marker string, ids []string) error {
	return b.call(ctx, "delete payload", func(ctx context.Context) error {
		_, err := b.api.DeletePayload(ctx, &qc.DeletePayloadPoints{
			CollectionName: collection,
			Keys:           []string{marker},
			PointsSelector: b.selector(ids),
			Wait:           qc.PtrOf(true),
		})
		return err
	})
}

// CreateCollection creates a collection with one vector per column. A
// single default column becomes an unnamed vector.
func (b *Backend) CreateCollection(ctx context.Context, spec core.CollectionSpec) error {
	distance, ok := qc.Distance_value[spec.Metric]
	if !ok {
		return errors.Newf(errors.ErrorTypeUnknownMetric, "qdrant has no distance %q", spec.Metric)
	}

	params := func() *qc.VectorParams {
		return &qc.VectorParams{Size: uint64(spec.Dimensions), Distance: qc.Distance(distance)}
	}
	var vectors *qc.VectorsConfig
	if named(spec.VectorColumns) {
		m := make(map[string]*qc.VectorParams, len(spec.VectorColumns))
		for _, c := range spec.VectorColumns {
			m[c] = params()
		}
		vectors = qc.NewVectorsConfigMap(m)
	} else {
		vectors = qc.NewVectorsConfig(params())
	}

	return b.call(ctx, "create collection", func(ctx context.Context) error {
		return b.api.CreateCollection(ctx, &qc.CreateCollection{
			CollectionName: spec.Name,
			VectorsConfig:  vectors,
		})
	})
}

func (b *Backend) Upsert(ctx context.Context, collection, namespace string, batch []*models.Record) (int, error) {
	points, err := toPoints(batch)
	if err != nil {
		return 0, err
	}
	err = b.call(ctx, "upsert", func(ctx context.Context) error {
		_, err := b.api.Upsert(ctx, &qc.UpsertPoints{
			CollectionName: collection,
			Points:         points,
			Wait:           qc.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(points), nil
}

func toPoints(batch []*models.Record) ([]*qc.PointStruct, error) {
	points := make([]*qc.PointStruct, 0, len(batch))
	for _, r := range batch {
		id, mapped := pointID(r.ID)
		payload, err := toPayload(r, mapped)
		if err != nil {
			return nil, err
		}
		points = append(points, &qc.PointStruct{
			Id:      id,
			Vectors: toVectors(r, named(r.VectorColumns())),
			Payload: payload,
		})
	}
	return points, nil
}

// NormalizeName keeps names Qdrant accepts in URLs
func (b *Backend) NormalizeName(name string) string {
	return normalizeName(name)
}

func (b *Backend) Close(ctx context.Context) error {
	return b.api.Close()
}
