// Package core defines the adapter interfaces the export and import engines
// consume. Every backend implements Source, Target or both; optional
// capabilities are separate small interfaces discovered with a type
// assertion once, when the engine starts on a collection.
package core

import (
	"context"

	"github.com/ajitpratap0/vdf/pkg/models"
)

// BackendType represents the direction a backend is used in
type BackendType string

const (
	BackendTypeSource BackendType = "source"
	BackendTypeTarget BackendType = "target"
)

// UnknownCount is reported when a backend cannot tell how many records a
// collection holds
const UnknownCount int64 = -1

// CollectionStats describes a source collection
type CollectionStats struct {
	Name       string
	Dimensions int
	// Metric is the backend's own metric string
	Metric string
	// TotalCount may be stale or UnknownCount
	TotalCount int64
	// Namespaces maps every namespace to its record count. Flat collections
	// report a single "" namespace.
	Namespaces map[string]int64
	// VectorColumns lists the named vectors of the collection in order
	VectorColumns []string
}

// NamespaceNames returns the namespace names of s, "" first, then sorted
func (s *CollectionStats) NamespaceNames() []string {
	return sortedKeys(s.Namespaces)
}

// Source is the interface every export backend implements
type Source interface {
	// Slug returns the backend slug, e.g. "qdrant"
	Slug() string
	ListCollections(ctx context.Context) ([]string, error)
	CollectionStats(ctx context.Context, collection string) (*CollectionStats, error)
	// FetchByIDs returns the records that exist among ids, keyed by id.
	// Missing ids are simply absent from the result.
	FetchByIDs(ctx context.Context, collection, namespace string, ids []string) (map[string]*models.Record, error)
	Close(ctx context.Context) error
}

// PageStreamer is implemented by sources that can page through records.
// An empty next cursor marks the last page.
type PageStreamer interface {
	StreamPage(ctx context.Context, collection, namespace, cursor string, pageSize int) (records []*models.Record, next string, err error)
}

// IDLister is implemented by sources that can enumerate ids without
// returning vectors. An empty next cursor marks the last page.
type IDLister interface {
	ListIDs(ctx context.Context, collection, namespace, cursor string, limit int) (ids []string, next string, err error)
}

// Searcher is implemented by sources that answer similarity queries
type Searcher interface {
	// MaxTopK is the largest top-K the backend accepts
	MaxTopK() int
	// Search returns the ids of the topK nearest records to query. When
	// excludeMarker is set, records carrying that metadata key are skipped.
	Search(ctx context.Context, collection, namespace string, query []float32, topK int, excludeMarker string) ([]string, error)
}

// Marker is implemented by sources that allow tagging records in place
type Marker interface {
	Mark(ctx context.Context, collection, namespace, marker string, ids []string) error
	Unmark(ctx context.Context, collection, namespace, marker string, ids []string) error
}

// CollectionSpec describes a collection to create on a target
type CollectionSpec struct {
	Name       string
	Dimensions int
	// Metric is the target's own metric string
	Metric        string
	VectorColumns []string
}

// Target is the interface every import backend implements
type Target interface {
	// Slug returns the backend slug, e.g. "pgvector"
	Slug() string
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, spec CollectionSpec) error
	// Upsert writes batch and returns how many records were stored. Records
	// with an id that already exists are overwritten.
	Upsert(ctx context.Context, collection, namespace string, batch []*models.Record) (int, error)
	Close(ctx context.Context) error
}

// NameNormalizer is implemented by targets with restrictions on collection
// names
type NameNormalizer interface {
	NormalizeName(name string) string
}

// ParallelUpserter is implemented by targets that accept concurrent upserts
type ParallelUpserter interface {
	SupportsParallelUpsert() bool
}

// CollectionDescriber is implemented by targets that can report an existing
// collection's layout
type CollectionDescriber interface {
	DescribeCollection(ctx context.Context, collection string) (*CollectionStats, error)
}

// Capability names an optional adapter feature
type Capability string

const (
	CapabilityStream         Capability = "stream"
	CapabilityListIDs        Capability = "list_ids"
	CapabilitySearch         Capability = "search"
	CapabilityMark           Capability = "mark"
	CapabilityParallelUpsert Capability = "parallel_upsert"
)

// CapabilityGate is implemented by adapters whose optional features depend
// on configuration or on the server they talk to. An adapter that
// implements a capability interface but reports Supports false is treated
// as lacking it.
type CapabilityGate interface {
	Supports(c Capability) bool
}

func gated(backend interface{}, c Capability) bool {
	g, ok := backend.(CapabilityGate)
	return !ok || g.Supports(c)
}

// AsPageStreamer returns the page streaming capability of src, if any
func AsPageStreamer(src Source) (PageStreamer, bool) {
	ps, ok := src.(PageStreamer)
	return ps, ok && gated(src, CapabilityStream)
}

// AsIDLister returns the id enumeration capability of src, if any
func AsIDLister(src Source) (IDLister, bool) {
	l, ok := src.(IDLister)
	return l, ok && gated(src, CapabilityListIDs)
}

// AsSearcher returns the similarity search capability of src, if any
func AsSearcher(src Source) (Searcher, bool) {
	s, ok := src.(Searcher)
	return s, ok && gated(src, CapabilitySearch)
}

// AsMarker returns the mark/unmark capability of src, if any
func AsMarker(src Source) (Marker, bool) {
	m, ok := src.(Marker)
	return m, ok && gated(src, CapabilityMark)
}

// SupportsParallelUpsert reports whether concurrent upserts into dst are safe
func SupportsParallelUpsert(dst Target) bool {
	p, ok := dst.(ParallelUpserter)
	return ok && p.SupportsParallelUpsert() && gated(dst, CapabilityParallelUpsert)
}

// Capabilities lists the optional features a backend offers
func Capabilities(backend interface{}) []string {
	var caps []string
	if src, ok := backend.(Source); ok {
		caps = append(caps, "source")
		if _, ok := AsPageStreamer(src); ok {
			caps = append(caps, string(CapabilityStream))
		}
		if _, ok := AsIDLister(src); ok {
			caps = append(caps, string(CapabilityListIDs))
		}
		if _, ok := AsSearcher(src); ok {
			caps = append(caps, string(CapabilitySearch))
		}
		if _, ok := AsMarker(src); ok {
			caps = append(caps, string(CapabilityMark))
		}
	}
	if dst, ok := backend.(Target); ok {
		caps = append(caps, "target")
		if SupportsParallelUpsert(dst) {
			caps = append(caps, string(CapabilityParallelUpsert))
		}
	}
	return caps
}
