package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/backends/memory"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/formats/columnar"
	"github.com/ajitpratap0/vdf/pkg/metric"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/ajitpratap0/vdf/pkg/testutil"
	"github.com/ajitpratap0/vdf/pkg/vdf"
	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

func fill(t *testing.T, store *memory.Store, collection, ns string, ids []string, dims int) {
	t.Helper()
	for i, id := range ids {
		vec := make([]float32, dims)
		for j := range vec {
			vec[j] = float32(i+1) / float32(j+1)
		}
		r := models.NewRecord(id, vec)
		r.SetMetadata("rank", int64(i))
		r.SetMetadata("label", "item-"+id)
		require.NoError(t, store.Put(collection, ns, r))
	}
}

func newConfig(t *testing.T) *config.ExportConfig {
	cfg := config.NewExportConfig(&config.BackendConfig{Type: memory.Slug})
	cfg.OutputDir = t.TempDir()
	cfg.Author = "tester"
	cfg.PageSize = 100
	return cfg
}

func newEngine(t *testing.T, src core.Source, cfg *config.ExportConfig) *Engine {
	t.Helper()
	testutil.Logger(t)
	e, err := New(src, cfg)
	require.NoError(t, err)
	e.Now = func() time.Time { return fixedNow }
	return e
}

// chunkRows returns the row count of every chunk of ns, in manifest order
func chunkRows(t *testing.T, s *Summary, ns vdf.NamespaceMeta) []int64 {
	t.Helper()
	files, err := vdf.ChunkFiles(s.Dir, s.Manifest, ns)
	require.NoError(t, err)
	var rows []int64
	for _, f := range files {
		n, err := columnar.CountRows(f)
		require.NoError(t, err)
		rows = append(rows, n)
	}
	return rows
}

func readAll(t *testing.T, s *Summary, ns vdf.NamespaceMeta) []*models.Record {
	t.Helper()
	files, err := vdf.ChunkFiles(s.Dir, s.Manifest, ns)
	require.NoError(t, err)
	var out []*models.Record
	for _, f := range files {
		records, err := columnar.ReadFile(f)
		require.NoError(t, err)
		out = append(out, records...)
	}
	return out
}

func TestFlushThresholdSplitsChunks(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("products", 4000, "cosine", nil))
	fill(t, store, "products", "", testutil.SeqIDs(250), 4000)
	src := memory.New(store, memory.Options{Capabilities: []core.Capability{core.CapabilityStream}})

	t.Run("small threshold", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.FlushThresholdMB = 1

		s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
		require.NoError(t, err)

		nss := s.Manifest.Indexes["products"]
		require.Len(t, nss, 1)
		assert.Equal(t, []int64{100, 100, 50}, chunkRows(t, s, nss[0]))
		assert.Equal(t, int64(250), nss[0].ExportedVectorCount)
		assert.Equal(t, int64(250), nss[0].TotalVectorCount)
		assert.Equal(t, []string{"products/1.parquet", "products/2.parquet", "products/3.parquet"}, s.Manifest.FileStructure)
	})

	t.Run("huge threshold", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.FlushThresholdMB = 4096

		s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
		require.NoError(t, err)
		nss := s.Manifest.Indexes["products"]
		require.Len(t, nss, 1)
		assert.Equal(t, []int64{250}, chunkRows(t, s, nss[0]))
	})
}

func TestManifestOnDisk(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("docs", 3, "euclidean", nil))
	fill(t, store, "docs", "en", testutil.SeqIDs(20), 3)
	fill(t, store, "docs", "fr", testutil.SeqIDs(5), 3)
	src := memory.New(store, memory.Options{})

	cfg := newConfig(t)
	cfg.ModelName = "mini-lm"
	cfg.ChunkFormat = string(columnar.Arrow)
	s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.OutputDir, vdf.RunDirName(cfg.Args(), fixedNow)), s.Dir)

	data, err := os.ReadFile(filepath.Join(s.Dir, vdf.ManifestFile))
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, gojson.Unmarshal(data, &raw))
	for _, key := range []string{"version", "file_structure", "author", "exported_from", "indexes", "exported_at"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, "2024-01-02T15:04:05Z", raw["exported_at"])

	m, err := vdf.ReadManifest(s.Dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/en/1.arrow", "docs/fr/1.arrow"}, m.FileStructure)
	assert.Equal(t, "tester", m.Author)
	assert.Equal(t, memory.Slug, m.ExportedFrom)

	nss := m.Indexes["docs"]
	require.Len(t, nss, 2)
	assert.Equal(t, "en", nss[0].Namespace)
	assert.Equal(t, "docs/en", nss[0].DataPath)
	assert.Equal(t, metric.Euclidean, nss[0].Metric)
	assert.Equal(t, "mini-lm", nss[0].ModelName)
	assert.Equal(t, []string{models.DefaultVectorColumn}, nss[0].VectorColumns)
	assert.Equal(t, 3, nss[0].Dimensions)
	assert.Equal(t, int64(5), nss[1].ExportedVectorCount)

	problems, err := vdf.Verify(s.Dir, m)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestVendorMetricIsStandardized(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("faces", 2, "IP", nil))
	fill(t, store, "faces", "", testutil.SeqIDs(3), 2)
	src := memory.New(store, memory.Options{Dialect: "milvus"})

	cfg := newConfig(t)
	cfg.Source.Type = "milvus"
	s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
	require.NoError(t, err)
	assert.Equal(t, "milvus", s.Manifest.ExportedFrom)
	assert.Equal(t, metric.Dot, s.Manifest.Indexes["faces"][0].Metric)
}

func TestUnknownMetricSkipsIndex(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("odd", 2, "hamming", nil))
	require.NoError(t, store.CreateCollection("ok", 2, "cosine", nil))
	fill(t, store, "ok", "", testutil.SeqIDs(3), 2)
	src := memory.New(store, memory.Options{})

	s, err := newEngine(t, src, newConfig(t)).Run(testutil.Context(t))
	require.NoError(t, err)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, "odd", s.Failures[0].Index)
	assert.True(t, errors.IsType(s.Failures[0].Err, errors.ErrorTypeUnknownMetric))
	assert.NotContains(t, s.Manifest.Indexes, "odd")
	assert.Contains(t, s.Manifest.Indexes, "ok")
}

// Every record lands in exactly one chunk and the chunk rows add up to
// the exported count.
func TestChunksPartitionRecords(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("items", 64, "dot", nil))
	fill(t, store, "items", "", testutil.SeqIDs(1000), 64)
	src := memory.New(store, memory.Options{Capabilities: []core.Capability{core.CapabilityStream}})

	cfg := newConfig(t)
	cfg.PageSize = 37
	e := newEngine(t, src, cfg)
	e.AvailableMemory = func() (uint64, error) { return 2 * 20000, nil }
	cfg.MemoryAware = true

	s, err := e.Run(testutil.Context(t))
	require.NoError(t, err)
	ns := s.Manifest.Indexes["items"][0]

	rows := chunkRows(t, s, ns)
	assert.Greater(t, len(rows), 1)
	var sum int64
	for _, n := range rows {
		sum += n
	}
	assert.Equal(t, ns.ExportedVectorCount, sum)

	seen := make(map[string]bool)
	for _, r := range readAll(t, s, ns) {
		assert.False(t, seen[r.ID], "duplicate %s", r.ID)
		seen[r.ID] = true
	}
	assert.Len(t, seen, 1000)
}

func TestMemoryAwareThreshold(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("items", 100, "cosine", nil))
	fill(t, store, "items", "", testutil.SeqIDs(250), 100)
	src := memory.New(store, memory.Options{Capabilities: []core.Capability{core.CapabilityStream}})

	cfg := newConfig(t)
	cfg.MemoryAware = true
	e := newEngine(t, src, cfg)
	// half of this is the effective ceiling, crossed every second page
	e.AvailableMemory = func() (uint64, error) { return 2 * 60000, nil }

	s, err := e.Run(testutil.Context(t))
	require.NoError(t, err)
	assert.Equal(t, []int64{200, 50}, chunkRows(t, s, s.Manifest.Indexes["items"][0]))

	e.AvailableMemory = func() (uint64, error) { return 0, errors.New(errors.ErrorTypeInternal, "no meminfo") }
	assert.Equal(t, cfg.FlushThresholdBytes(), e.flushThreshold())
}

func TestEmptyNamespaceWritesEmptyChunk(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("empty", 8, "cosine", nil))
	src := memory.New(store, memory.Options{})

	s, err := newEngine(t, src, newConfig(t)).Run(testutil.Context(t))
	require.NoError(t, err)
	ns := s.Manifest.Indexes["empty"][0]
	assert.Zero(t, ns.ExportedVectorCount)
	assert.Equal(t, []int64{0}, chunkRows(t, s, ns))
	assert.Equal(t, []string{"empty/1.parquet"}, s.Manifest.FileStructure)
}

// flakySource times out on every page of one collection
type flakySource struct {
	*memory.Backend
	broken string
}

func (f *flakySource) StreamPage(ctx context.Context, name, ns, cursor string, pageSize int) ([]*models.Record, string, error) {
	if name == f.broken {
		return nil, "", errors.New(errors.ErrorTypeTimeout, "page timed out")
	}
	return f.Backend.StreamPage(ctx, name, ns, cursor, pageSize)
}

func TestFetchExhaustionSkipsNamespace(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("broken", 2, "cosine", nil))
	require.NoError(t, store.CreateCollection("healthy", 2, "cosine", nil))
	fill(t, store, "broken", "", testutil.SeqIDs(10), 2)
	fill(t, store, "healthy", "", testutil.SeqIDs(10), 2)
	src := &flakySource{Backend: memory.New(store, memory.Options{}), broken: "broken"}

	cfg := newConfig(t)
	cfg.Indexes = []string{"broken", "healthy"}
	s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
	require.NoError(t, err)

	require.Len(t, s.Failures, 1)
	assert.Equal(t, "broken", s.Failures[0].Index)
	assert.True(t, errors.IsType(s.Failures[0].Err, errors.ErrorTypeFetchExhausted))
	assert.NotContains(t, s.Manifest.Indexes, "broken")
	assert.Equal(t, int64(10), s.Manifest.Indexes["healthy"][0].ExportedVectorCount)
	assert.Equal(t, []string{"healthy/1.parquet"}, s.Manifest.FileStructure)
}

func TestFetchShrinkRecovers(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("items", 2, "cosine", nil))
	fill(t, store, "items", "", testutil.SeqIDs(120), 2)
	src := memory.New(store, memory.Options{Capabilities: []core.Capability{core.CapabilityListIDs}})

	var sizes []int
	src.FetchFault = func(op string, size int) error {
		if op != "fetch" {
			return nil
		}
		sizes = append(sizes, size)
		if size > 50 {
			return errors.New(errors.ErrorTypePayloadTooLarge, "response too large")
		}
		return nil
	}

	s, err := newEngine(t, src, newConfig(t)).Run(testutil.Context(t))
	require.NoError(t, err)
	assert.Equal(t, int64(120), s.Manifest.Indexes["items"][0].ExportedVectorCount)
	// 100, 75 and 56 fail; 42 sticks for the remaining pages
	assert.Equal(t, []int{100, 75, 56, 42, 42, 36}, sizes)
}

// unreachableSource loses its connection when asked for statistics
type unreachableSource struct {
	*memory.Backend
}

func (u *unreachableSource) CollectionStats(ctx context.Context, name string) (*core.CollectionStats, error) {
	return nil, errors.New(errors.ErrorTypeConnection, "connection reset")
}

func TestConnectionFailureAbortsRun(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("items", 2, "cosine", nil))
	src := &unreachableSource{Backend: memory.New(store, memory.Options{})}

	s, err := newEngine(t, src, newConfig(t)).Run(testutil.Context(t))
	require.Error(t, err)
	assert.True(t, errors.IsRunFatal(err))
	_, statErr := os.Stat(filepath.Join(s.Dir, vdf.ManifestFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMissingIndexIsSkipped(t *testing.T) {
	src := memory.New(memory.NewStore(), memory.Options{})
	cfg := newConfig(t)
	cfg.Indexes = []string{"missing"}

	s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
	require.NoError(t, err)
	require.Len(t, s.Failures, 1)
	assert.True(t, errors.IsType(s.Failures[0].Err, errors.ErrorTypeNotFound))
	assert.Empty(t, s.Manifest.FileStructure)
}

func TestDiscoveryExportWithMarkers(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("notes", 2, "euclidean", nil))
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = fmt.Sprintf("note-%03d", i)
	}
	fill(t, store, "notes", "", ids, 2)
	src := memory.New(store, memory.Options{
		Capabilities: []core.Capability{core.CapabilitySearch, core.CapabilityMark},
		MaxTopK:      20,
	})
	// markers must still be in place while the records are fetched
	var markedAtFetch []int
	src.FetchFault = func(op string, size int) error {
		if op == "fetch" {
			markedAtFetch = append(markedAtFetch, countMarked(store, "notes"))
		}
		return nil
	}

	cfg := newConfig(t)
	cfg.AllowMark = true
	cfg.Seed = 9
	s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
	require.NoError(t, err)
	assert.Empty(t, s.LeakedMarkers)
	require.NotEmpty(t, markedAtFetch)
	assert.Equal(t, 200, markedAtFetch[len(markedAtFetch)-1])
	assert.Zero(t, countMarked(store, "notes"))

	ns := s.Manifest.Indexes["notes"][0]
	assert.Equal(t, int64(200), ns.ExportedVectorCount)
	for _, r := range readAll(t, s, ns) {
		for key := range r.Metadata {
			assert.NotContains(t, key, markerPrefix)
		}
	}
	for _, r := range store.Records("notes", "") {
		for key := range r.Metadata {
			assert.NotContains(t, key, markerPrefix)
		}
	}
}

func countMarked(store *memory.Store, collection string) int {
	n := 0
	for _, r := range store.Records(collection, "") {
		for key := range r.Metadata {
			if strings.HasPrefix(key, markerPrefix) {
				n++
				break
			}
		}
	}
	return n
}

func newMarkSource(t *testing.T, store *memory.Store) *memory.Backend {
	t.Helper()
	require.NoError(t, store.CreateCollection("notes", 2, "euclidean", nil))
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = fmt.Sprintf("note-%03d", i)
	}
	fill(t, store, "notes", "", ids, 2)
	return memory.New(store, memory.Options{
		Capabilities: []core.Capability{core.CapabilitySearch, core.CapabilityMark},
		MaxTopK:      20,
	})
}

func TestMarkersRemovedWhenDiscoveryFails(t *testing.T) {
	store := memory.NewStore()
	src := newMarkSource(t, store)
	src.FetchFault = func(op string, size int) error {
		if op == "fetch" {
			return errors.New(errors.ErrorTypeNotFound, "fetch rejected")
		}
		return nil
	}

	cfg := newConfig(t)
	cfg.AllowMark = true
	cfg.Seed = 9
	s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
	require.NoError(t, err)
	require.Len(t, s.Failures, 1)
	assert.Empty(t, s.LeakedMarkers)
	assert.NotContains(t, s.Manifest.Indexes, "notes")
	assert.Zero(t, countMarked(store, "notes"))
}

func TestLeakedMarkersAreReported(t *testing.T) {
	store := memory.NewStore()
	src := newMarkSource(t, store)
	src.FetchFault = func(op string, size int) error {
		if op == "fetch" {
			return errors.New(errors.ErrorTypeNotFound, "fetch rejected")
		}
		return nil
	}
	src.UnmarkFault = func(ids []string) error {
		return errors.New(errors.ErrorTypeConnection, "write refused")
	}

	cfg := newConfig(t)
	cfg.AllowMark = true
	cfg.Seed = 9
	s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
	require.NoError(t, err)
	require.Len(t, s.Failures, 1)
	// the first search round tags one full top-K page before the fetch fails
	assert.Len(t, s.LeakedMarkers, 20)
	assert.Equal(t, 20, countMarked(store, "notes"))
}

func TestFatalErrorKeepsFinishedNamespaces(t *testing.T) {
	store := memory.NewStore()
	for _, name := range []string{"a", "b"} {
		require.NoError(t, store.CreateCollection(name, 2, "cosine", nil))
		fill(t, store, name, "", testutil.SeqIDs(10), 2)
	}
	src := memory.New(store, memory.Options{Capabilities: []core.Capability{core.CapabilityStream}})
	calls := 0
	src.FetchFault = func(op string, size int) error {
		calls++
		if calls > 1 {
			return errors.New(errors.ErrorTypeConnection, "backend went away")
		}
		return nil
	}

	cfg := newConfig(t)
	cfg.Indexes = []string{"a", "b"}
	s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.False(t, errors.IsType(err, errors.ErrorTypeFetchExhausted))
	// connectivity failures are not retried at a smaller page size
	assert.Equal(t, 2, calls)

	m, err := vdf.ReadManifest(s.Dir)
	require.NoError(t, err)
	require.Contains(t, m.Indexes, "a")
	assert.NotContains(t, m.Indexes, "b")
	assert.Equal(t, int64(10), m.Indexes["a"][0].ExportedVectorCount)
	assert.Equal(t, []string{"a/1.parquet"}, m.FileStructure)
}

func TestCollidingNamesGetDistinctFolders(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("docs", 2, "cosine", nil))
	fill(t, store, "docs", "a b", testutil.SeqIDs(3), 2)
	fill(t, store, "docs", "a_b", testutil.SeqIDs(4), 2)
	src := memory.New(store, memory.Options{})

	cfg := newConfig(t)
	cfg.Namespaces = []string{"a b", "a_b"}
	s, err := newEngine(t, src, cfg).Run(testutil.Context(t))
	require.NoError(t, err)
	require.Empty(t, s.Failures)

	nss := s.Manifest.Indexes["docs"]
	require.Len(t, nss, 2)
	assert.Equal(t, "docs/a_b", nss[0].DataPath)
	assert.Equal(t, "docs/a_b_2", nss[1].DataPath)
	assert.Len(t, readAll(t, s, nss[0]), 3)
	assert.Len(t, readAll(t, s, nss[1]), 4)
}

func TestSequentialDiscoveryExport(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("seq", 2, "cosine", nil))
	fill(t, store, "seq", "", testutil.SeqIDs(300), 2)
	src := memory.New(store, memory.Options{
		Capabilities: []core.Capability{core.CapabilitySearch},
		MaxTopK:      50,
	})

	s, err := newEngine(t, src, newConfig(t)).Run(testutil.Context(t))
	require.NoError(t, err)
	ns := s.Manifest.Indexes["seq"][0]
	assert.Equal(t, int64(300), ns.ExportedVectorCount)

	records := readAll(t, s, ns)
	require.Len(t, records, 300)
	assert.Equal(t, "1", records[0].ID)
	assert.Equal(t, "300", records[299].ID)
}

func TestNoEnumerationCapability(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("blind", 2, "cosine", nil))
	fill(t, store, "blind", "", testutil.SeqIDs(3), 2)
	src := memory.New(store, memory.Options{Capabilities: []core.Capability{}})

	s, err := newEngine(t, src, newConfig(t)).Run(testutil.Context(t))
	require.NoError(t, err)
	require.Len(t, s.Failures, 1)
	assert.True(t, errors.IsType(s.Failures[0].Err, errors.ErrorTypeCapability))
}

func TestStaleCountIsRaised(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateCollection("items", 2, "cosine", nil))
	fill(t, store, "items", "", testutil.SeqIDs(30), 2)
	require.NoError(t, store.SetReportedTotal("items", 20))
	src := memory.New(store, memory.Options{Capabilities: []core.Capability{core.CapabilityStream}})

	s, err := newEngine(t, src, newConfig(t)).Run(testutil.Context(t))
	require.NoError(t, err)
	ns := s.Manifest.Indexes["items"][0]
	assert.Equal(t, int64(30), ns.ExportedVectorCount)
	assert.Equal(t, int64(30), ns.TotalVectorCount)
}

func TestInvalidConfig(t *testing.T) {
	cfg := newConfig(t)
	cfg.ChunkFormat = "csv"
	_, err := New(memory.New(memory.NewStore(), memory.Options{}), cfg)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
