// Package metric maps vendor distance-metric names to a canonical enum and back.
//
// Every backend carries its own hand-maintained table. Tables are bijective so
// that Denormalize(Standardize(m, b), b) == m for every vendor string m in the
// table of backend b.
package metric

import (
	"sort"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
)

// Canonical is the normalized distance metric stored in VDF manifests
type Canonical string

const (
	Cosine    Canonical = "Cosine"
	Euclidean Canonical = "Euclidean"
	Dot       Canonical = "Dot"
	Manhattan Canonical = "Manhattan"
)

// All lists every canonical metric
var All = []Canonical{Cosine, Euclidean, Dot, Manhattan}

// Valid reports whether c is one of the canonical metrics
func (c Canonical) Valid() bool {
	switch c {
	case Cosine, Euclidean, Dot, Manhattan:
		return true
	}
	return false
}

// Parse converts a canonical name from a manifest into a Canonical value.
// Matching is case-insensitive.
func Parse(s string) (Canonical, error) {
	for _, c := range All {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", errors.Newf(errors.ErrorTypeUnknownMetric, "unknown canonical metric %q", s)
}

// table holds one backend's vendor string for each supported canonical metric
type table map[Canonical]string

var tables = map[string]table{
	"pinecone": {
		Cosine:    "cosine",
		Euclidean: "euclidean",
		Dot:       "dotproduct",
	},
	"qdrant": {
		Cosine:    "Cosine",
		Euclidean: "Euclid",
		Dot:       "Dot",
		Manhattan: "Manhattan",
	},
	"milvus": {
		Cosine:    "COSINE",
		Euclidean: "L2",
		Dot:       "IP",
	},
	"kdbai": {
		Cosine:    "CS",
		Euclidean: "L2",
		Dot:       "IP",
	},
	"vertexai": {
		Cosine:    "COSINE_DISTANCE",
		Euclidean: "SQUARED_L2_DISTANCE",
		Dot:       "DOT_PRODUCT_DISTANCE",
		Manhattan: "L1_DISTANCE",
	},
	"lancedb": {
		Cosine:    "cosine",
		Euclidean: "L2",
		Dot:       "dot",
	},
	"chroma": {
		Cosine:    "cosine",
		Euclidean: "l2",
		Dot:       "ip",
	},
	"astradb": {
		Cosine:    "cosine",
		Euclidean: "euclidean",
		Dot:       "dot_product",
	},
	"weaviate": {
		Cosine:    "cosine",
		Euclidean: "l2-squared",
		Dot:       "dot",
		Manhattan: "manhattan",
	},
	"pgvector": {
		Cosine:    "vector_cosine_ops",
		Euclidean: "vector_l2_ops",
		Dot:       "vector_ip_ops",
		Manhattan: "vector_l1_ops",
	},
	"azureai": {
		Cosine:    "cosine",
		Euclidean: "euclidean",
		Dot:       "dotProduct",
	},
	"turbopuffer": {
		Cosine:    "cosine_distance",
		Euclidean: "euclidean_squared",
	},
	"mongodb": {
		Cosine:    "cosine",
		Euclidean: "euclidean",
		Dot:       "dotProduct",
	},
	"memory": {
		Cosine:    "cosine",
		Euclidean: "euclidean",
		Dot:       "dot",
		Manhattan: "manhattan",
	},
}

// Standardize converts a vendor metric string reported by backend into its
// canonical form. The match is exact first, then case-insensitive.
func Standardize(vendorMetric, backend string) (Canonical, error) {
	t, err := lookup(backend)
	if err != nil {
		return "", err
	}

	for c, v := range t {
		if v == vendorMetric {
			return c, nil
		}
	}
	for c, v := range t {
		if strings.EqualFold(v, vendorMetric) {
			return c, nil
		}
	}

	return "", errors.Newf(errors.ErrorTypeUnknownMetric, "metric %q is not supported by %s", vendorMetric, backend).
		WithDetail("backend", backend).
		WithDetail("metric", vendorMetric)
}

// Denormalize converts a canonical metric into the string backend expects
func Denormalize(c Canonical, backend string) (string, error) {
	t, err := lookup(backend)
	if err != nil {
		return "", err
	}

	v, ok := t[c]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeUnknownMetric, "%s has no equivalent for metric %s", backend, c).
			WithDetail("backend", backend).
			WithDetail("metric", string(c))
	}
	return v, nil
}

// VendorMetrics returns every vendor string of backend, sorted
func VendorMetrics(backend string) ([]string, error) {
	t, err := lookup(backend)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(t))
	for _, v := range t {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// Backends returns the slugs that have a metric table, sorted
func Backends() []string {
	out := make([]string, 0, len(tables))
	for b := range tables {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

func lookup(backend string) (table, error) {
	t, ok := tables[strings.ToLower(backend)]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeUnknownMetric, "no metric table for backend %q", backend).
			WithDetail("backend", backend)
	}
	return t, nil
}
