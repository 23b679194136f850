package testutil

import (
	"context"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/stretchr/testify/suite"
)

// BackendSuite runs round trips against a live backend whose address is
// read from the environment variable Env. The suite is skipped in short
// mode and when Env is unset.
type BackendSuite struct {
	suite.Suite

	// Env names the variable holding the backend address or DSN
	Env string
	// Address is the value of Env
	Address string
	// Collection is a fresh collection name for this run
	Collection string

	ctx    context.Context
	cancel context.CancelFunc
}

// SetupSuite skips the suite unless a live backend is configured
func (s *BackendSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("skipping integration test in short mode")
	}
	s.Address = os.Getenv(s.Env)
	if s.Address == "" {
		s.T().Skipf("%s not set", s.Env)
	}
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.Collection = fmt.Sprintf("vdf_it_%d", time.Now().UnixNano())
	s.T().Logf("integration run against %s, collection %s", s.Address, s.Collection)
}

// TearDownSuite cancels the suite context. Created collections are left on
// the server.
func (s *BackendSuite) TearDownSuite() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Context returns the suite context
func (s *BackendSuite) Context() context.Context {
	return s.ctx
}

// RoundTrip creates Collection on dst, upserts records into namespace ns
// and reads them back from src by id and, when src can stream, page by
// page.
func (s *BackendSuite) RoundTrip(src core.Source, dst core.Target, metric, ns string, records []*models.Record) {
	require := s.Require()
	dims := len(records[0].Vector(models.DefaultVectorColumn))

	require.NoError(dst.CreateCollection(s.ctx, core.CollectionSpec{
		Name:       s.Collection,
		Dimensions: dims,
		Metric:     metric,
	}))
	n, err := dst.Upsert(s.ctx, s.Collection, ns, records)
	require.NoError(err)
	require.Equal(len(records), n)

	stats, err := src.CollectionStats(s.ctx, s.Collection)
	require.NoError(err)
	s.Equal(dims, stats.Dimensions)
	s.Equal(metric, stats.Metric)

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	got, err := src.FetchByIDs(s.ctx, s.Collection, ns, append(ids, "999999999"))
	require.NoError(err)
	require.Len(got, len(records))
	for _, want := range records {
		r, ok := got[want.ID]
		require.True(ok, want.ID)
		s.InDeltaSlice(want.Vector(models.DefaultVectorColumn), r.Vector(models.DefaultVectorColumn), 1e-5)
		s.Equal(want.Metadata["label"], r.Metadata["label"])
		s.Equal(want.Metadata["rank"], r.Metadata["rank"])
	}

	ps, ok := core.AsPageStreamer(src)
	if !ok {
		return
	}
	var streamed []string
	cursor := ""
	for {
		page, next, err := ps.StreamPage(s.ctx, s.Collection, ns, cursor, 7)
		require.NoError(err)
		for _, r := range page {
			streamed = append(streamed, r.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	sort.Strings(streamed)
	sort.Strings(ids)
	s.Equal(ids, streamed)
}
