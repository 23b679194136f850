package discovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/ajitpratap0/vdf/pkg/connector/backends/memory"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var searchOnly = []core.Capability{core.CapabilitySearch, core.CapabilityMark}

func newSource(t *testing.T, maxTopK int, ids []string, spread float32) *memory.Backend {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("items", 2, "euclidean", nil))
	for i, id := range ids {
		x := spread * float32(i) / float32(len(ids))
		r := models.NewRecord(id, []float32{x, -x})
		r.SetMetadata("i", int64(i))
		require.NoError(t, store.Put("items", "", r))
	}
	return memory.New(store, memory.Options{Capabilities: searchOnly, MaxTopK: maxTopK})
}

func intIDs(from, to, step int) []string {
	var ids []string
	for i := from; i <= to; i += step {
		ids = append(ids, fmt.Sprint(i))
	}
	return ids
}

func TestSequentialDenseIntegers(t *testing.T) {
	src := newSource(t, 100, intIDs(1, 1000, 1), 2)

	d, err := New(src, Config{Seed: 7})
	require.NoError(t, err)

	res, err := d.Discover(context.Background(), "items", "", 2, "", 1000)
	require.NoError(t, err)

	assert.Len(t, res.IDs, 1000)
	assert.Equal(t, int64(1000), res.Total)
	assert.True(t, res.Complete())
	assert.Equal(t, []Strategy{StrategySequential}, res.Strategies)
	// only the initial sample was a similarity search
	assert.Equal(t, int64(1), src.Searches())
	assert.Equal(t, "1", res.IDs[0])
	assert.Equal(t, "1000", res.IDs[999])
}

func TestSequentialSkipsGaps(t *testing.T) {
	src := newSource(t, 50, intIDs(2, 1000, 2), 2)

	d, err := New(src, Config{Seed: 3})
	require.NoError(t, err)

	res, err := d.Discover(context.Background(), "items", "", 2, "", 500)
	require.NoError(t, err)
	assert.Len(t, res.IDs, 500)
	for _, id := range res.IDs {
		n, ok := models.ParseNumericID(id)
		require.True(t, ok)
		assert.Zero(t, n%2)
	}
}

func stringIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("doc-%03d", i)
	}
	return ids
}

// Without markers the random-query strategy may stop early, but it never
// claims more than it found.
func TestRandomQueryCoverageIsHonest(t *testing.T) {
	src := newSource(t, 20, stringIDs(200), 6)

	d, err := New(src, Config{Seed: 11})
	require.NoError(t, err)

	res, err := d.Discover(context.Background(), "items", "", 2, "", 200)
	require.NoError(t, err)

	assert.Equal(t, []Strategy{StrategyRandomQuery}, res.Strategies)
	assert.NotEmpty(t, res.IDs)
	assert.LessOrEqual(t, int64(len(res.IDs)), res.Total)
	assert.LessOrEqual(t, res.Coverage(), 1.0)

	seen := make(map[string]bool)
	for _, id := range res.IDs {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.Contains(t, id, "doc-")
	}
}

func TestMarkModeFindsEverything(t *testing.T) {
	src := newSource(t, 20, stringIDs(200), 6)

	d, err := New(src, Config{Seed: 5, Marker: "_vdf_seen_test"})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := d.Discover(ctx, "items", "", 2, "", 200)
	require.NoError(t, err)
	assert.Len(t, res.IDs, 200)
	assert.True(t, res.Complete())
	assert.Len(t, res.Marked, 200)

	leaked := d.Unmark(ctx, "items", "", res.Marked)
	assert.Empty(t, leaked)
	for _, r := range src.Store().Records("items", "") {
		assert.NotContains(t, r.Metadata, "_vdf_seen_test")
	}
}

func TestUnmarkFailureIsReportedNotFatal(t *testing.T) {
	src := newSource(t, 20, stringIDs(60), 6)
	src.UnmarkFault = func(ids []string) error {
		return errors.New(errors.ErrorTypeConnection, "write refused")
	}

	d, err := New(src, Config{Seed: 5, Marker: "_m"})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := d.Discover(ctx, "items", "", 2, "", 60)
	require.NoError(t, err)

	leaked := d.Unmark(ctx, "items", "", res.Marked)
	assert.ElementsMatch(t, res.Marked, leaked)
}

func TestFailedDiscoveryReturnsMarkedIDs(t *testing.T) {
	src := newSource(t, 20, stringIDs(200), 6)
	src.FetchFault = func(op string, size int) error {
		return errors.New(errors.ErrorTypeNotFound, "fetch rejected")
	}

	d, err := New(src, Config{Seed: 5, Marker: "_m"})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := d.Discover(ctx, "items", "", 2, "", 200)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.Marked, 20)
	assert.Len(t, res.IDs, 20)

	assert.Empty(t, d.Unmark(ctx, "items", "", res.Marked))
	for _, r := range src.Store().Records("items", "") {
		assert.NotContains(t, r.Metadata, "_m")
	}
}

func TestStaleTotalIsRaised(t *testing.T) {
	src := newSource(t, 20, stringIDs(200), 6)
	require.NoError(t, src.Store().SetReportedTotal("items", 150))

	d, err := New(src, Config{Seed: 5, Marker: "_m"})
	require.NoError(t, err)

	res, err := d.Discover(context.Background(), "items", "", 2, "", 150)
	require.NoError(t, err)
	assert.Len(t, res.IDs, 160)
	assert.Equal(t, int64(160), res.Total)
	assert.True(t, res.Complete())
}

func TestRoundCapOverride(t *testing.T) {
	src := newSource(t, 10, stringIDs(200), 6)

	d, err := New(src, Config{Seed: 5, Marker: "_m", MaxRounds: 3})
	require.NoError(t, err)

	res, err := d.Discover(context.Background(), "items", "", 2, "", 200)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rounds)
	assert.Len(t, res.IDs, 30)
	assert.False(t, res.Complete())
	assert.InDelta(t, 0.15, res.Coverage(), 1e-9)
}

func TestRequiresSearch(t *testing.T) {
	src := memory.New(memory.NewStore(), memory.Options{Capabilities: []core.Capability{core.CapabilityStream}})
	_, err := New(src, Config{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))

	src = memory.New(memory.NewStore(), memory.Options{Capabilities: []core.Capability{core.CapabilitySearch}})
	_, err = New(src, Config{Marker: "_m"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestIDSet(t *testing.T) {
	s := newIDSet()
	assert.True(t, s.Add("10"))
	assert.False(t, s.Add("10"))
	assert.True(t, s.Add("007"))
	assert.True(t, s.Add("7"))
	assert.True(t, s.Add("abc"))
	assert.True(t, s.Has("007"))
	assert.False(t, s.Has("08"))
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, []string{"7", "10", "007", "abc"}, s.IDs())

	lo, hi, ok := s.IntBounds()
	require.True(t, ok)
	assert.Equal(t, uint64(7), lo)
	assert.Equal(t, uint64(10), hi)
}
