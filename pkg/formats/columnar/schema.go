package columnar

import (
	"sort"

	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/apache/arrow-go/v18/arrow"
)

// Kind is the physical type of a metadata column
type Kind string

const (
	KindString     Kind = "string"
	KindBool       Kind = "bool"
	KindInt        Kind = "int"
	KindFloat      Kind = "float"
	KindStringList Kind = "string_list"
	KindFloatList  Kind = "float_list"
	// KindJSON columns hold JSON-encoded values of mixed or nested types
	KindJSON Kind = "json"

	kindEmptyList Kind = "empty_list"
)

// Field metadata keys written into the arrow schema
const (
	metaRole     = "vdf.role"
	metaKey      = "vdf.key"
	metaEncoding = "vdf.encoding"

	roleVector   = "vector"
	roleMetadata = "metadata"
	encodingJSON = "json"
)

// Column describes one metadata column
type Column struct {
	// Name is the column name in the file
	Name string
	// Key is the metadata key the column holds
	Key  string
	Kind Kind
}

// Schema is the column layout of a chunk file
type Schema struct {
	VectorColumns []string
	Metadata      []Column
}

// InferSchema derives a uniform column set from records. Metadata columns
// are the sorted union of every record's keys. A key that collides with the
// id column or a vector column is stored as metadata_<key>.
func InferSchema(records []*models.Record, vectorColumns []string) *Schema {
	if len(vectorColumns) == 0 {
		vectorColumns = []string{models.DefaultVectorColumn}
	}

	kinds := make(map[string]Kind)
	for _, r := range records {
		for k, v := range r.Metadata {
			kinds[k] = mergeKind(kinds[k], kindOf(v))
		}
	}

	reserved := map[string]bool{IDColumn: true}
	for _, c := range vectorColumns {
		reserved[c] = true
	}

	keys := make([]string, 0, len(kinds))
	for k := range kinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := &Schema{VectorColumns: append([]string(nil), vectorColumns...)}
	for _, k := range keys {
		kind := kinds[k]
		switch kind {
		case "":
			kind = KindString
		case kindEmptyList:
			kind = KindStringList
		}
		name := k
		for reserved[name] {
			name = "metadata_" + name
		}
		reserved[name] = true
		s.Metadata = append(s.Metadata, Column{Name: name, Key: k, Kind: kind})
	}
	return s
}

// kindOf returns "" for nil values
func kindOf(v interface{}) Kind {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		if _, big := bigUnsigned(v); big {
			return KindString
		}
		return KindInt
	case float32, float64:
		return KindFloat
	case string:
		return KindString
	case []string:
		if len(t) == 0 {
			return kindEmptyList
		}
		return KindStringList
	case []float64, []float32, []int, []int64:
		return KindFloatList
	case []interface{}:
		if len(t) == 0 {
			return kindEmptyList
		}
		k := Kind("")
		for _, e := range t {
			switch e.(type) {
			case string:
				k = mergeKind(k, KindStringList)
			case int, int32, int64, float32, float64:
				k = mergeKind(k, KindFloatList)
			default:
				return KindJSON
			}
		}
		return k
	default:
		return KindJSON
	}
}

func mergeKind(a, b Kind) Kind {
	switch {
	case a == "":
		return b
	case b == "", a == b:
		return a
	case (a == KindInt && b == KindFloat) || (a == KindFloat && b == KindInt):
		return KindFloat
	case a == kindEmptyList && (b == KindStringList || b == KindFloatList):
		return b
	case b == kindEmptyList && (a == KindStringList || a == KindFloatList):
		return a
	default:
		return KindJSON
	}
}

// arrowSchema converts s into the arrow schema written to disk
func (s *Schema) arrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, 0, 1+len(s.VectorColumns)+len(s.Metadata))
	fields = append(fields, arrow.Field{Name: IDColumn, Type: arrow.BinaryTypes.String})

	for _, c := range s.VectorColumns {
		fields = append(fields, arrow.Field{
			Name:     c,
			Type:     arrow.ListOf(arrow.PrimitiveTypes.Float32),
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{metaRole}, []string{roleVector}),
		})
	}

	for _, c := range s.Metadata {
		keys := []string{metaRole, metaKey}
		values := []string{roleMetadata, c.Key}
		if c.Kind == KindJSON {
			keys = append(keys, metaEncoding)
			values = append(values, encodingJSON)
		}
		fields = append(fields, arrow.Field{
			Name:     c.Name,
			Type:     arrowType(c.Kind),
			Nullable: true,
			Metadata: arrow.NewMetadata(keys, values),
		})
	}

	return arrow.NewSchema(fields, nil)
}

func arrowType(k Kind) arrow.DataType {
	switch k {
	case KindBool:
		return arrow.FixedWidthTypes.Boolean
	case KindInt:
		return arrow.PrimitiveTypes.Int64
	case KindFloat:
		return arrow.PrimitiveTypes.Float64
	case KindStringList:
		return arrow.ListOf(arrow.BinaryTypes.String)
	case KindFloatList:
		return arrow.ListOf(arrow.PrimitiveTypes.Float64)
	default:
		return arrow.BinaryTypes.String
	}
}

// schemaFromArrow recovers the chunk layout of a file. Columns tagged as
// vectors, or untagged list<float32> columns, are vector columns.
func schemaFromArrow(as *arrow.Schema) *Schema {
	s := &Schema{}
	for _, f := range as.Fields() {
		if f.Name == IDColumn {
			continue
		}
		role, _ := metaValue(f.Metadata, metaRole)
		if role == roleVector || (role == "" && isFloat32List(f.Type)) {
			s.VectorColumns = append(s.VectorColumns, f.Name)
			continue
		}

		key, ok := metaValue(f.Metadata, metaKey)
		if !ok {
			key = f.Name
		}
		kind := kindFromArrow(f.Type)
		if enc, _ := metaValue(f.Metadata, metaEncoding); enc == encodingJSON {
			kind = KindJSON
		}
		s.Metadata = append(s.Metadata, Column{Name: f.Name, Key: key, Kind: kind})
	}
	return s
}

func metaValue(md arrow.Metadata, key string) (string, bool) {
	i := md.FindKey(key)
	if i < 0 {
		return "", false
	}
	return md.Values()[i], true
}

func isFloat32List(dt arrow.DataType) bool {
	switch t := dt.(type) {
	case *arrow.ListType:
		return t.Elem().ID() == arrow.FLOAT32
	case *arrow.FixedSizeListType:
		return t.Elem().ID() == arrow.FLOAT32
	}
	return false
}

func kindFromArrow(dt arrow.DataType) Kind {
	switch dt.ID() {
	case arrow.BOOL:
		return KindBool
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return KindInt
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return KindFloat
	case arrow.LIST, arrow.LARGE_LIST, arrow.FIXED_SIZE_LIST:
		if l, ok := dt.(arrow.ListLikeType); ok && isStringType(l.Elem()) {
			return KindStringList
		}
		return KindFloatList
	default:
		return KindString
	}
}

func isStringType(dt arrow.DataType) bool {
	return dt.ID() == arrow.STRING || dt.ID() == arrow.LARGE_STRING
}
