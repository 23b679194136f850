// Package testutil provides fixtures shared by the vdf tests
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/ajitpratap0/vdf/pkg/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger routes the global logger to the test output until the test ends
func Logger(t testing.TB) *zap.Logger {
	l := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	t.Cleanup(logger.Replace(l))
	return l
}

// Context returns a context that times out after 30 seconds and is
// cancelled when the test ends
func Context(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// SeqIDs returns the ids "1" to "n"
func SeqIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprint(i + 1)
	}
	return ids
}

// Records returns n records with ids "1" to "n", dims-dimensional vectors
// in the default column, and rank and label metadata. The output is
// deterministic.
func Records(n, dims int) []*models.Record {
	records := make([]*models.Record, n)
	for i, id := range SeqIDs(n) {
		vec := make([]float32, dims)
		for j := range vec {
			vec[j] = float32(i+1) / float32(j+2)
		}
		r := models.NewRecord(id, vec)
		r.SetMetadata("rank", int64(i))
		r.SetMetadata("label", "item-"+id)
		records[i] = r
	}
	return records
}
