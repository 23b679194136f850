package pgvector

import (
	"context"
	"fmt"
	"testing"

	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/metric"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorText(t *testing.T) {
	v := []float32{1, -2.5, 0.1, 3e-7}
	text := formatVector(v)
	assert.Equal(t, "[1,-2.5,0.1,3e-07]", text)

	got, err := parseVector(text)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	got, err = parseVector("[ 1, 2 ,3 ]")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got)

	got, err = parseVector("[]")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"", "1,2", "[1,x]", "{1,2}"} {
		_, err := parseVector(bad)
		assert.True(t, errors.IsType(err, errors.ErrorTypeData), bad)
	}
}

func TestUpsertSQL(t *testing.T) {
	tbl := table{schema: "public", name: "products"}
	sql := upsertSQL(tbl, []string{"vector"}, 2)
	assert.Equal(t,
		`INSERT INTO "public"."products" (id, namespace, metadata, "vector") VALUES `+
			`($1, $2, $3::jsonb, $4::vector),($5, $6, $7::jsonb, $8::vector) `+
			`ON CONFLICT (namespace, id) DO UPDATE SET metadata = EXCLUDED.metadata, "vector" = EXCLUDED."vector"`,
		sql)

	sql = upsertSQL(tbl, []string{"image", "text"}, 1)
	assert.Contains(t, sql, `($1, $2, $3::jsonb, $4::vector, $5::vector)`)
	assert.Contains(t, sql, `"text" = EXCLUDED."text"`)
}

func TestRowsPerStatementFitsParamLimit(t *testing.T) {
	for cols := 1; cols <= 4; cols++ {
		rows := rowsPerStatement(cols)
		assert.LessOrEqual(t, rows*(cols+3), maxParams)
		assert.Greater(t, (rows+1)*(cols+3), maxParams)
	}
}

func TestDDL(t *testing.T) {
	tbl := table{schema: "public", name: "docs"}
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "public"."docs" (id text NOT NULL, namespace text NOT NULL DEFAULT '', "vector" vector(384), metadata jsonb, PRIMARY KEY (namespace, id))`,
		createTableSQL(tbl, []string{"vector"}, 384))
	assert.Equal(t,
		`CREATE INDEX IF NOT EXISTS "docs_vector_hnsw" ON "public"."docs" USING hnsw ("vector" vector_cosine_ops)`,
		createIndexSQL(tbl, "vector", "vector_cosine_ops"))
	assert.Equal(t,
		`SELECT id FROM "public"."docs" WHERE namespace = $1 AND id > $2 ORDER BY id LIMIT $3`,
		selectSQL(tbl, nil, true))
	assert.Contains(t, fetchSQL(tbl, []string{"vector"}), `"vector"::text`)
}

func TestMetricFromDefs(t *testing.T) {
	assert.Equal(t, "vector_ip_ops", metricFromDefs("vdf metric=vector_ip_ops "))
	assert.Equal(t, "vector_cosine_ops",
		metricFromDefs(` CREATE INDEX docs_vector_hnsw ON public.docs USING hnsw (vector vector_cosine_ops)`))
	assert.Equal(t, "vector_l2_ops", metricFromDefs(" "))

	c, err := metric.Standardize(metricFromDefs("vector_l1_ops"), Slug)
	require.NoError(t, err)
	assert.Equal(t, metric.Manhattan, c)
}

func TestMetadataJSON(t *testing.T) {
	text, err := encodeMetadata(map[string]interface{}{
		"year":  int64(2021),
		"score": 0.75,
		"tags":  []interface{}{"a", int64(3)},
		"gone":  nil,
	})
	require.NoError(t, err)
	assert.NotContains(t, text, "gone")

	meta, err := decodeMetadata(text)
	require.NoError(t, err)
	assert.Equal(t, int64(2021), meta["year"])
	assert.Equal(t, 0.75, meta["score"])
	assert.Equal(t, []interface{}{"a", int64(3)}, meta["tags"])

	meta, err = decodeMetadata("")
	require.NoError(t, err)
	assert.Empty(t, meta)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "catalog_v2", normalizeName("Catalog v2"))
	assert.Equal(t, "t_2024_docs", normalizeName("2024-docs"))
	assert.Equal(t, "collection", normalizeName("***"))
	assert.Len(t, normalizeName(fmt.Sprintf("%070d", 0)), 63)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		msg  string
		want errors.ErrorType
	}{
		{"42P01", `relation "x" does not exist`, errors.ErrorTypeNotFound},
		{"22000", "expected 4 dimensions, not 8", errors.ErrorTypeSchemaMismatch},
		{"54000", "number of parameters must be between 0 and 65535", errors.ErrorTypePayloadTooLarge},
		{"53300", "too many connections", errors.ErrorTypeRateLimit},
		{"57014", "canceling statement due to statement timeout", errors.ErrorTypeTimeout},
		{"28P01", "password authentication failed", errors.ErrorTypeConnection},
		{"42601", "syntax error", errors.ErrorTypeValidation},
		{"XX000", "internal", errors.ErrorTypeTransientFetch},
	}
	for _, tt := range tests {
		err := classify(&pgconn.PgError{Code: tt.code, Message: tt.msg}, "op")
		assert.True(t, errors.IsType(err, tt.want), tt.code)
	}
	assert.NoError(t, classify(nil, "op"))
	assert.ErrorIs(t, classify(context.Canceled, "op"), context.Canceled)
	assert.True(t, errors.IsType(classify(context.DeadlineExceeded, "op"), errors.ErrorTypeTimeout))
}

func TestCreateCollectionRejectsUnknownOpclass(t *testing.T) {
	b := &Backend{}
	err := b.CreateCollection(context.Background(), core.CollectionSpec{Name: "x", Dimensions: 3, Metric: "cosine"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnknownMetric))
}

func TestUpsertArgs(t *testing.T) {
	r := models.NewRecord("a", []float32{1, 2})
	r.SetMetadata("k", "v")
	args, err := upsertArgs([]*models.Record{r}, "ns", []string{"vector"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "ns", `{"k":"v"}`, "[1,2]"}, args)

	_, err = upsertArgs([]*models.Record{r}, "ns", []string{"image"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
}
