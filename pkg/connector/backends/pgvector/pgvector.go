// Package pgvector implements a source and target on PostgreSQL with the
// pgvector extension.
//
// Every collection is a table with an id, a namespace, one vector column
// per named vector and a jsonb metadata column. Records are keyed by
// (namespace, id), so namespaces map onto a plain column and pages are
// read with keyset pagination on id.
package pgvector

import (
	"context"
	"time"

	"github.com/ajitpratap0/vdf/pkg/clients"
	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/connector/registry"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Slug is the registry key of the pgvector backend
const Slug = "pgvector"

func init() {
	_ = registry.RegisterSource(Slug, func(cfg *config.BackendConfig) (core.Source, error) {
		return New(context.Background(), cfg)
	})
	_ = registry.RegisterTarget(Slug, func(cfg *config.BackendConfig) (core.Target, error) {
		return New(context.Background(), cfg)
	})
	registry.RegisterInfo(&registry.BackendInfo{
		Slug:         Slug,
		Description:  "PostgreSQL with the pgvector extension",
		Capabilities: []string{"source", "stream", "list_ids", "target", "parallel_upsert"},
		Options: map[string]string{
			"dsn":              "connection string (or security.credentials.dsn)",
			"schema":           "schema holding the collection tables (default public)",
			"max_conns":        "connection pool size (default 10)",
			"create_extension": "run CREATE EXTENSION vector on connect (default true)",
		},
	})
}

// Backend is a pgvector source and target
type Backend struct {
	pool    *pgxpool.Pool
	cfg     *config.BackendConfig
	schema  string
	limiter clients.RateLimiter
	logger  *zap.Logger
}

// New opens a connection pool and checks the server
func New(ctx context.Context, cfg *config.BackendConfig) (*Backend, error) {
	dsn := cfg.Option("dsn", cfg.Security.Credentials["dsn"])
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "pgvector requires a dsn option")
	}
	maxConns, err := cfg.IntOption("max_conns", 10)
	if err != nil {
		return nil, err
	}
	createExt, err := cfg.BoolOption("create_extension", true)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	if cfg.Timeouts.Connection > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.Timeouts.Connection
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}

	b := &Backend{
		pool:    pool,
		cfg:     cfg,
		schema:  cfg.Option("schema", "public"),
		limiter: clients.RateLimiterFor(cfg.Reliability),
		logger:  logger.With(zap.String("backend", Slug), zap.String("host", poolConfig.ConnConfig.Host)),
	}

	var version string
	err = b.call(ctx, "connect", func(ctx context.Context) error {
		if err := pool.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
			return err
		}
		if createExt {
			_, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
			return err
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "postgres is unreachable")
	}
	b.logger.Info("connected", zap.String("version", version), zap.Int32("max_connections", poolConfig.MaxConns))
	return b, nil
}

func (b *Backend) Slug() string { return Slug }

func (b *Backend) SupportsParallelUpsert() bool { return true }

func (b *Backend) NormalizeName(name string) string { return normalizeName(name) }

func (b *Backend) table(name string) table { return table{schema: b.schema, name: name} }

// call throttles and bounds one round trip
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
	b.logger.Debug("query", zap.String("op", op), zap.Duration("took", time.Since(start)), zap.Error(err))
	return err
}

// ListCollections returns the tables of the schema that have a vector column
func (b *Backend) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := b.call(ctx, "list tables", func(ctx context.Context) error {
		rows, err := b.pool.Query(ctx, `SELECT DISTINCT table_name FROM information_schema.columns
			WHERE table_schema = $1 AND udt_name = 'vector' ORDER BY table_name`, b.schema)
		if err != nil {
			return err
		}
		names, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return names, err
}

type vectorColumn struct {
	Name string
	Dims int32
}

// vectorColumns returns the vector columns of a table in declaration order.
// The type modifier of a vector column is its dimension.
func (b *Backend) vectorColumns(ctx context.Context, t table) ([]vectorColumn, error) {
	var cols []vectorColumn
	err := b.call(ctx, "describe table", func(ctx context.Context) error {
		rows, err := b.pool.Query(ctx, `SELECT a.attname, a.atttypmod
			FROM pg_attribute a
			JOIN pg_class c ON a.attrelid = c.oid
			JOIN pg_namespace n ON c.relnamespace = n.oid
			JOIN pg_type ty ON a.atttypid = ty.oid
			WHERE n.nspname = $1 AND c.relname = $2 AND ty.typname = 'vector'
			  AND a.attnum > 0 AND NOT a.attisdropped
			ORDER BY a.attnum`, t.schema, t.name)
		if err != nil {
			return err
		}
		cols, err = pgx.CollectRows(rows, pgx.RowToStructByPos[vectorColumn])
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s has no vector column", t.name).
			WithDetail("schema", t.schema)
	}
	return cols, nil
}

func columnNames(cols []vectorColumn) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// CollectionStats reports the layout and exact per-namespace counts
func (b *Backend) CollectionStats(ctx context.Context, name string) (*core.CollectionStats, error) {
	t := b.table(name)
	cols, err := b.vectorColumns(ctx, t)
	if err != nil {
		return nil, err
	}

	var defs string
	err = b.call(ctx, "read metric", func(ctx context.Context) error {
		return b.pool.QueryRow(ctx, `SELECT coalesce(obj_description(c.oid, 'pg_class'), '') || ' ' ||
				coalesce((SELECT string_agg(indexdef, ' ') FROM pg_indexes i
					WHERE i.schemaname = n.nspname AND i.tablename = c.relname), '')
			FROM pg_class c JOIN pg_namespace n ON c.relnamespace = n.oid
			WHERE n.nspname = $1 AND c.relname = $2`, t.schema, t.name).Scan(&defs)
	})
	if err != nil {
		return nil, err
	}

	stats := &core.CollectionStats{
		Name:          name,
		Dimensions:    int(cols[0].Dims),
		Metric:        metricFromDefs(defs),
		Namespaces:    make(map[string]int64),
		VectorColumns: columnNames(cols),
	}
	err = b.call(ctx, "count", func(ctx context.Context) error {
		rows, err := b.pool.Query(ctx, "SELECT namespace, count(*) FROM "+t.ident()+" GROUP BY namespace")
		if err != nil {
			return err
		}
		var ns string
		var n int64
		_, err = pgx.ForEachRow(rows, []any{&ns, &n}, func() error {
			stats.Namespaces[ns] = n
			stats.TotalCount += n
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(stats.Namespaces) == 0 {
		stats.Namespaces[""] = 0
	}
	return stats, nil
}

func (b *Backend) DescribeCollection(ctx context.Context, name string) (*core.CollectionStats, error) {
	return b.CollectionStats(ctx, name)
}

// scanRecords reads rows of id, metadata and the vector columns
func scanRecords(rows pgx.Rows, columns []string) ([]*models.Record, error) {
	defer rows.Close()
	var out []*models.Record
	for rows.Next() {
		var id, meta string
		texts := make([]*string, len(columns))
		dest := []any{&id, &meta}
		for i := range texts {
			dest = append(dest, &texts[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		metadata, err := decodeMetadata(meta)
		if err != nil {
			return nil, err
		}
		r := &models.Record{ID: id, Vectors: make(map[string][]float32, len(columns)), Metadata: metadata}
		for i, text := range texts {
			if text == nil {
				continue
			}
			vec, err := parseVector(*text)
			if err != nil {
				return nil, err
			}
			r.Vectors[columns[i]] = vec
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StreamPage returns the next page in id order. The cursor is the last id
// of the previous page.
func (b *Backend) StreamPage(ctx context.Context, collection, namespace, cursor string, pageSize int) ([]*models.Record, string, error) {
	t := b.table(collection)
	cols, err := b.vectorColumns(ctx, t)
	if err != nil {
		return nil, "", err
	}
	columns := columnNames(cols)

	var records []*models.Record
	err = b.call(ctx, "select page", func(ctx context.Context) error {
		rows, err := b.pool.Query(ctx, selectSQL(t, columns, false), namespace, cursor, pageSize+1)
		if err != nil {
			return err
		}
		records, err = scanRecords(rows, columns)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if len(records) <= pageSize {
		return records, "", nil
	}
	records = records[:pageSize]
	return records, records[pageSize-1].ID, nil
}

// ListIDs pages through ids without reading vectors
func (b *Backend) ListIDs(ctx context.Context, collection, namespace, cursor string, limit int) ([]string, string, error) {
	t := b.table(collection)
	var ids []string
	err := b.call(ctx, "list ids", func(ctx context.Context) error {
		rows, err := b.pool.Query(ctx, selectSQL(t, nil, true), namespace, cursor, limit+1)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if len(ids) <= limit {
		return ids, "", nil
	}
	ids = ids[:limit]
	return ids, ids[limit-1], nil
}

func (b *Backend) FetchByIDs(ctx context.Context, collection, namespace string, ids []string) (map[string]*models.Record, error) {
	t := b.table(collection)
	cols, err := b.vectorColumns(ctx, t)
	if err != nil {
		return nil, err
	}
	columns := columnNames(cols)

	var records []*models.Record
	err = b.call(ctx, "fetch", func(ctx context.Context) error {
		rows, err := b.pool.Query(ctx, fetchSQL(t, columns), namespace, ids)
		if err != nil {
			return err
		}
		records, err = scanRecords(rows, columns)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Record, len(records))
	for _, r := range records {
		out[r.ID] = r
	}
	return out, nil
}

// CreateCollection creates the table and an HNSW index per vector column.
// spec.Metric is a pgvector operator class.
func (b *Backend) CreateCollection(ctx context.Context, spec core.CollectionSpec) error {
	if !validOpclass.MatchString(spec.Metric) {
		return errors.Newf(errors.ErrorTypeUnknownMetric, "pgvector has no operator class %q", spec.Metric)
	}
	if spec.Dimensions <= 0 {
		return errors.Newf(errors.ErrorTypeValidation, "collection %s needs a positive dimension", spec.Name)
	}
	columns := spec.VectorColumns
	if len(columns) == 0 {
		columns = []string{models.DefaultVectorColumn}
	}
	t := b.table(spec.Name)

	stmts := []string{createTableSQL(t, columns, spec.Dimensions), commentSQL(t, spec.Metric)}
	if spec.Dimensions <= maxIndexDimensions {
		for _, c := range columns {
			stmts = append(stmts, createIndexSQL(t, c, spec.Metric))
		}
	} else {
		b.logger.Warn("vectors too wide for an HNSW index, table left unindexed",
			zap.String("collection", spec.Name), zap.Int("dimensions", spec.Dimensions))
	}

	return b.call(ctx, "create table", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
			for _, s := range stmts {
				if _, err := tx.Exec(ctx, s); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Upsert writes batch with INSERT ... ON CONFLICT, splitting it when it
// exceeds the bind parameter limit
func (b *Backend) Upsert(ctx context.Context, collection, namespace string, batch []*models.Record) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	columns := batch[0].VectorColumns()
	for _, r := range batch[1:] {
		if len(r.Vectors) != len(columns) {
			return 0, errors.Newf(errors.ErrorTypeSchemaMismatch,
				"record %s has %d vector columns, batch has %d", r.ID, len(r.Vectors), len(columns))
		}
	}
	t := b.table(collection)
	per := rowsPerStatement(len(columns))

	written := 0
	for start := 0; start < len(batch); start += per {
		chunk := batch[start:min(start+per, len(batch))]
		args, err := upsertArgs(chunk, namespace, columns)
		if err != nil {
			return written, err
		}
		err = b.call(ctx, "upsert", func(ctx context.Context) error {
			_, err := b.pool.Exec(ctx, upsertSQL(t, columns, len(chunk)), args...)
			return err
		})
		if err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func upsertArgs(batch []*models.Record, namespace string, columns []string) ([]any, error) {
	args := make([]any, 0, len(batch)*(len(columns)+3))
	for _, r := range batch {
		meta, err := encodeMetadata(r.Metadata)
		if err != nil {
			return nil, err
		}
		args = append(args, r.ID, namespace, meta)
		for _, c := range columns {
			vec, ok := r.Vectors[c]
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "record %s has no %s vector", r.ID, c)
			}
			args = append(args, formatVector(vec))
		}
	}
	return args, nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.pool.Close()
	return nil
}
