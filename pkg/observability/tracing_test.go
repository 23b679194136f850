package observability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestTracingDisabledByDefault(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestTracingToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := InitTracing(TracingConfig{
		ServiceName:    "vdf-test",
		ServiceVersion: "0.0.0",
		Output:         path,
	})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "export.namespace", attribute.String("index", "products"))
	EndSpan(span, errors.New("boom"))

	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "export.namespace")
	assert.Contains(t, string(data), "products")
}
