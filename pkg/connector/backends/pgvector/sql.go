package pgvector

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

// maxParams is the bind parameter limit of one PostgreSQL statement
const maxParams = 65535

// maxIndexDimensions is the largest vector HNSW can index
const maxIndexDimensions = 2000

var (
	opclassPattern = regexp.MustCompile(`vector_(cosine|l2|ip|l1)_ops`)
	validOpclass   = regexp.MustCompile(`^vector_(cosine|l2|ip|l1)_ops$`)
	invalidName    = regexp.MustCompile(`[^a-z0-9_]+`)
)

// table is a schema-qualified table
type table struct {
	schema string
	name   string
}

func (t table) ident() string {
	return pgx.Identifier{t.schema, t.name}.Sanitize()
}

func column(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// normalizeName lowercases name and keeps it within the 63 byte identifier
// limit
func normalizeName(name string) string {
	out := strings.Trim(invalidName.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if out == "" {
		out = "collection"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "t_" + out
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

// formatVector renders v in the pgvector text format, e.g. [1,2.5,3]
func formatVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*8 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector parses the pgvector text format
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, errors.Newf(errors.ErrorTypeData, "malformed vector literal %q", s)
	}
	body := s[1 : len(s)-1]
	if strings.TrimSpace(body) == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "malformed vector component").
				WithDetail("position", i)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// createTableSQL returns the DDL of a collection table. Each vector column
// becomes a vector(dims) column; records are keyed by namespace and id.
func createTableSQL(t table, columns []string, dims int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (id text NOT NULL, namespace text NOT NULL DEFAULT ''", t.ident())
	for _, c := range columns {
		fmt.Fprintf(&b, ", %s vector(%d)", column(c), dims)
	}
	b.WriteString(", metadata jsonb, PRIMARY KEY (namespace, id))")
	return b.String()
}

// createIndexSQL returns the HNSW index DDL for one vector column
func createIndexSQL(t table, col, opclass string) string {
	name := normalizeName(fmt.Sprintf("%s_%s_hnsw", t.name, col))
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (%s %s)",
		column(name), t.ident(), column(col), opclass)
}

// commentSQL records the metric on the table so it survives without an index
func commentSQL(t table, opclass string) string {
	return fmt.Sprintf("COMMENT ON TABLE %s IS 'vdf metric=%s'", t.ident(), opclass)
}

// selectSQL returns the keyset page query. $1 is the namespace, $2 the
// exclusive lower id bound and $3 the row limit.
func selectSQL(t table, columns []string, idsOnly bool) string {
	var b strings.Builder
	b.WriteString("SELECT id")
	if !idsOnly {
		b.WriteString(", coalesce(metadata::text, '')")
		for _, c := range columns {
			fmt.Fprintf(&b, ", %s::text", column(c))
		}
	}
	fmt.Fprintf(&b, " FROM %s WHERE namespace = $1 AND id > $2 ORDER BY id LIMIT $3", t.ident())
	return b.String()
}

// fetchSQL selects records by id. $1 is the namespace, $2 the id array.
func fetchSQL(t table, columns []string) string {
	var b strings.Builder
	b.WriteString("SELECT id, coalesce(metadata::text, '')")
	for _, c := range columns {
		fmt.Fprintf(&b, ", %s::text", column(c))
	}
	fmt.Fprintf(&b, " FROM %s WHERE namespace = $1 AND id = ANY($2)", t.ident())
	return b.String()
}

// rowsPerStatement is how many records fit the bind parameter limit
func rowsPerStatement(columns int) int {
	return maxParams / (columns + 3)
}

// upsertSQL returns a multi-row insert that overwrites existing ids. Rows
// bind id, namespace, metadata and then the vector columns in order.
func upsertSQL(t table, columns []string, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (id, namespace, metadata", t.ident())
	for _, c := range columns {
		b.WriteString(", ")
		b.WriteString(column(c))
	}
	b.WriteString(") VALUES ")
	per := len(columns) + 3
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		base := r * per
		fmt.Fprintf(&b, "($%d, $%d, $%d::jsonb", base+1, base+2, base+3)
		for i := range columns {
			fmt.Fprintf(&b, ", $%d::vector", base+4+i)
		}
		b.WriteByte(')')
	}
	b.WriteString(" ON CONFLICT (namespace, id) DO UPDATE SET metadata = EXCLUDED.metadata")
	for _, c := range columns {
		fmt.Fprintf(&b, ", %s = EXCLUDED.%s", column(c), column(c))
	}
	return b.String()
}

// metricFromDefs finds the operator class in a table comment or index
// definitions. Tables without one use L2, the pgvector default operator.
func metricFromDefs(defs string) string {
	if m := opclassPattern.FindString(defs); m != "" {
		return m
	}
	return "vector_l2_ops"
}

// encodeMetadata renders metadata as jsonb text; nil values are left out
func encodeMetadata(meta map[string]interface{}) (string, error) {
	clean := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if v == nil {
			continue
		}
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return "", errors.Newf(errors.ErrorTypeData, "metadata %s is not a finite number", k)
		}
		clean[k] = v
	}
	data, err := gojson.Marshal(clean)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "failed to encode metadata")
	}
	return string(data), nil
}

// decodeMetadata parses jsonb text. Integral numbers decode to int64 and
// the rest to float64.
func decodeMetadata(text string) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if text == "" {
		return out, nil
	}
	dec := gojson.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode metadata")
	}
	for k, v := range out {
		out[k] = fromJSON(v)
	}
	return out, nil
}

func fromJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case gojson.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []interface{}:
		for i := range t {
			t[i] = fromJSON(t[i])
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = fromJSON(t[k])
		}
		return t
	default:
		return v
	}
}
