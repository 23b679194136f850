package qdrant

import (
	"testing"

	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/ajitpratap0/vdf/pkg/testutil"
	"github.com/stretchr/testify/suite"
)

type qdrantSuite struct {
	testutil.BackendSuite
	backend *Backend
}

// TestQdrantIntegration needs a server, e.g. VDF_QDRANT_HOST=localhost
func TestQdrantIntegration(t *testing.T) {
	suite.Run(t, &qdrantSuite{BackendSuite: testutil.BackendSuite{Env: "VDF_QDRANT_HOST"}})
}

func (s *qdrantSuite) SetupSuite() {
	s.BackendSuite.SetupSuite()
	cfg := config.NewBackendConfig("integration", Slug)
	cfg.Options["host"] = s.Address
	b, err := New(cfg)
	s.Require().NoError(err)
	s.backend = b
}

func (s *qdrantSuite) TearDownSuite() {
	if s.backend != nil {
		s.NoError(s.backend.Close(s.Context()))
	}
	s.BackendSuite.TearDownSuite()
}

func (s *qdrantSuite) TestRoundTrip() {
	// Dot keeps vectors as written; Cosine would normalize them
	s.RoundTrip(s.backend, s.backend, "Dot", "", testutil.Records(40, 8))
}

func (s *qdrantSuite) TestMarkAndSearch() {
	ctx := s.Context()
	name := s.Collection + "_search"
	records := testutil.Records(20, 4)
	s.Require().NoError(s.backend.CreateCollection(ctx, core.CollectionSpec{Name: name, Dimensions: 4, Metric: "Dot"}))
	_, err := s.backend.Upsert(ctx, name, "", records)
	s.Require().NoError(err)

	s.Require().NoError(s.backend.Mark(ctx, name, "", "_vdf_seen", []string{"1", "2"}))
	ids, err := s.backend.Search(ctx, name, "", records[0].Vector(models.DefaultVectorColumn), 20, "_vdf_seen")
	s.Require().NoError(err)
	s.Len(ids, 18)
	s.NotContains(ids, "1")

	s.Require().NoError(s.backend.Unmark(ctx, name, "", "_vdf_seen", []string{"1", "2"}))
	got, err := s.backend.FetchByIDs(ctx, name, "", []string{"1"})
	s.Require().NoError(err)
	s.NotContains(got["1"].Metadata, "_vdf_seen")
}
