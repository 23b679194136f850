package qdrant

import (
	"context"
	"testing"

	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/metric"
	"github.com/ajitpratap0/vdf/pkg/models"
	qc "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestPointID(t *testing.T) {
	id, mapped := pointID("42")
	assert.False(t, mapped)
	assert.Equal(t, uint64(42), id.GetNum())

	id, mapped = pointID("5c56c793-69f3-4fbf-87e6-c4bf54c28c26")
	assert.False(t, mapped)
	assert.Equal(t, "5c56c793-69f3-4fbf-87e6-c4bf54c28c26", id.GetUuid())

	// leading zeros would collide with the plain integer
	id, mapped = pointID("007")
	assert.True(t, mapped)
	assert.NotEmpty(t, id.GetUuid())

	a, mapped := pointID("doc-1")
	assert.True(t, mapped)
	b, _ := pointID("doc-1")
	assert.Equal(t, a.GetUuid(), b.GetUuid(), "mapping is deterministic")
}

func TestPayloadRoundTrip(t *testing.T) {
	r := models.NewRecord("doc-1", []float32{1, 2})
	r.SetMetadata("title", "hello")
	r.SetMetadata("year", int64(2020))
	r.SetMetadata("score", 0.5)
	r.SetMetadata("ok", true)
	r.SetMetadata("tags", []string{"a", "b"})
	r.SetMetadata("missing", nil)

	payload, err := toPayload(r, true)
	require.NoError(t, err)
	assert.NotContains(t, payload, "missing")
	assert.Equal(t, "doc-1", payload[OriginalIDKey].GetStringValue())

	id, _ := pointID("doc-1")
	got, err := recordID(id, payload)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got)

	meta := fromPayload(payload)
	assert.NotContains(t, meta, OriginalIDKey)
	assert.Equal(t, "hello", meta["title"])
	assert.Equal(t, int64(2020), meta["year"])
	assert.Equal(t, 0.5, meta["score"])
	assert.Equal(t, true, meta["ok"])
	assert.Equal(t, []interface{}{"a", "b"}, meta["tags"])
}

func TestRecordIDWithoutMapping(t *testing.T) {
	got, err := recordID(qc.NewIDNum(9), nil)
	require.NoError(t, err)
	assert.Equal(t, "9", got)

	_, err = recordID(nil, nil)
	assert.Error(t, err)
}

// vectorData reads a dense vector in either of its wire shapes
func vectorData(v *qc.Vector) []float32 {
	if d := v.GetDense(); d != nil {
		return d.GetData()
	}
	return v.GetData()
}

func TestVectors(t *testing.T) {
	r := models.NewRecord("1", []float32{0.25, 0.5})
	v := toVectors(r, false)
	assert.Equal(t, []float32{0.25, 0.5}, vectorData(v.GetVector()))

	r.SetVector("image", []float32{1, 2, 3})
	v = toVectors(r, true)
	named := v.GetVectors().GetVectors()
	require.Len(t, named, 2)
	assert.Equal(t, []float32{1, 2, 3}, vectorData(named["image"]))

	out := &qc.VectorsOutput{VectorsOptions: &qc.VectorsOutput_Vector{
		Vector: &qc.VectorOutput{Data: []float32{3, 4}},
	}}
	assert.Equal(t, map[string][]float32{models.DefaultVectorColumn: {3, 4}}, fromVectors(out, models.DefaultVectorColumn))
	assert.Empty(t, fromVectors(nil, models.DefaultVectorColumn))
}

func TestVectorLayout(t *testing.T) {
	single := &qc.CollectionInfo{Config: &qc.CollectionConfig{Params: &qc.CollectionParams{
		VectorsConfig: qc.NewVectorsConfig(&qc.VectorParams{Size: 384, Distance: qc.Distance_Dot}),
	}}}
	stats := vectorLayout(single)
	assert.Equal(t, 384, stats.Dimensions)
	assert.Equal(t, "Dot", stats.Metric)
	assert.Equal(t, []string{models.DefaultVectorColumn}, stats.VectorColumns)

	c, err := metric.Standardize(stats.Metric, Slug)
	require.NoError(t, err)
	assert.Equal(t, metric.Dot, c)

	multi := &qc.CollectionInfo{Config: &qc.CollectionConfig{Params: &qc.CollectionParams{
		VectorsConfig: qc.NewVectorsConfigMap(map[string]*qc.VectorParams{
			"text":  {Size: 8, Distance: qc.Distance_Cosine},
			"image": {Size: 8, Distance: qc.Distance_Cosine},
		}),
	}}}
	stats = vectorLayout(multi)
	assert.Equal(t, []string{"image", "text"}, stats.VectorColumns)
	assert.Equal(t, "Cosine", stats.Metric)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want errors.ErrorType
	}{
		{status.Error(codes.Unavailable, "connection refused"), errors.ErrorTypeConnection},
		{status.Error(codes.ResourceExhausted, "too many requests"), errors.ErrorTypeRateLimit},
		{status.Error(codes.ResourceExhausted, "grpc: received message larger than max"), errors.ErrorTypePayloadTooLarge},
		{status.Error(codes.InvalidArgument, "Wrong input: Vector dimension error: expected dim: 4, got 8"), errors.ErrorTypeSchemaMismatch},
		{status.Error(codes.NotFound, "Collection missing"), errors.ErrorTypeNotFound},
		{status.Error(codes.DeadlineExceeded, "slow"), errors.ErrorTypeTimeout},
		{status.Error(codes.Internal, "boom"), errors.ErrorTypeTransientFetch},
		{context.DeadlineExceeded, errors.ErrorTypeTimeout},
	}
	for _, tt := range tests {
		assert.True(t, errors.IsType(classify(tt.err, "op"), tt.want), "%v", tt.err)
	}
	assert.NoError(t, classify(nil, "op"))
	assert.ErrorIs(t, classify(context.Canceled, "op"), context.Canceled)
}

func TestCreateCollectionRejectsUnknownDistance(t *testing.T) {
	b := &Backend{}
	err := b.CreateCollection(context.Background(), core.CollectionSpec{Name: "x", Dimensions: 2, Metric: "Hamming"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnknownMetric))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "my_index_v2", normalizeName("my index/v2"))
	assert.Equal(t, "collection", normalizeName(""))
}
