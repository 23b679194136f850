package columnar

import (
	"fmt"
	"math"
	"strconv"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	gojson "github.com/goccy/go-json"
)

// buildRecord converts records into one arrow record batch laid out per s
func buildRecord(mem memory.Allocator, s *Schema, as *arrow.Schema, records []*models.Record) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, as)
	defer b.Release()

	ids := b.Field(0).(*array.StringBuilder)
	metaOffset := 1 + len(s.VectorColumns)

	for _, r := range records {
		ids.Append(r.ID)

		for i, col := range s.VectorColumns {
			lb := b.Field(1 + i).(*array.ListBuilder)
			vec, ok := r.Vectors[col]
			if !ok || vec == nil {
				lb.AppendNull()
				continue
			}
			lb.Append(true)
			lb.ValueBuilder().(*array.Float32Builder).AppendValues(vec, nil)
		}

		for i, c := range s.Metadata {
			if err := appendValue(b.Field(metaOffset+i), c.Kind, r.Metadata[c.Key]); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode metadata").
					WithDetail("id", r.ID).
					WithDetail("key", c.Key)
			}
		}
	}

	return b.NewRecord(), nil
}

func appendValue(builder array.Builder, kind Kind, value interface{}) error {
	if value == nil {
		builder.AppendNull()
		return nil
	}

	switch kind {
	case KindBool:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
		builder.(*array.BooleanBuilder).Append(v)

	case KindInt:
		v, ok := toInt64(value)
		if !ok {
			return fmt.Errorf("expected integer, got %T", value)
		}
		builder.(*array.Int64Builder).Append(v)

	case KindFloat:
		v, ok := toFloat64(value)
		if !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
		builder.(*array.Float64Builder).Append(v)

	case KindString:
		v, ok := value.(string)
		if !ok {
			v = fmt.Sprintf("%v", value)
		}
		builder.(*array.StringBuilder).Append(v)

	case KindStringList:
		lb := builder.(*array.ListBuilder)
		vb := lb.ValueBuilder().(*array.StringBuilder)
		lb.Append(true)
		switch t := value.(type) {
		case []string:
			vb.AppendValues(t, nil)
		case []interface{}:
			for _, e := range t {
				s, ok := e.(string)
				if !ok {
					return fmt.Errorf("expected string list element, got %T", e)
				}
				vb.Append(s)
			}
		default:
			if f, ok := toFloat64Slice(value); ok && len(f) == 0 {
				break
			}
			return fmt.Errorf("expected string list, got %T", value)
		}

	case KindFloatList:
		lb := builder.(*array.ListBuilder)
		vb := lb.ValueBuilder().(*array.Float64Builder)
		values, ok := toFloat64Slice(value)
		if !ok {
			return fmt.Errorf("expected numeric list, got %T", value)
		}
		lb.Append(true)
		vb.AppendValues(values, nil)

	case KindJSON:
		if big, ok := bigUnsigned(value); ok {
			value = big
		}
		data, err := gojson.Marshal(value)
		if err != nil {
			return err
		}
		builder.(*array.StringBuilder).Append(string(data))

	default:
		return fmt.Errorf("unsupported column kind: %s", kind)
	}

	return nil
}

// decodeRecord appends one record per row of rec to out
func decodeRecord(rec arrow.Record, s *Schema, out []*models.Record) ([]*models.Record, error) {
	rs := rec.Schema()
	idIdx := rs.FieldIndices(IDColumn)
	if len(idIdx) == 0 {
		return nil, errors.New(errors.ErrorTypeData, "chunk file has no id column")
	}
	idCol := rec.Column(idIdx[0])

	vecCols := make([]arrow.Array, len(s.VectorColumns))
	for i, name := range s.VectorColumns {
		idx := rs.FieldIndices(name)
		if len(idx) == 0 {
			return nil, errors.Newf(errors.ErrorTypeData, "chunk file has no vector column %q", name)
		}
		vecCols[i] = rec.Column(idx[0])
	}

	metaCols := make([]arrow.Array, len(s.Metadata))
	for i, c := range s.Metadata {
		idx := rs.FieldIndices(c.Name)
		if len(idx) == 0 {
			return nil, errors.Newf(errors.ErrorTypeData, "chunk file has no column %q", c.Name)
		}
		metaCols[i] = rec.Column(idx[0])
	}

	rows := int(rec.NumRows())
	for row := 0; row < rows; row++ {
		id, err := idAt(idCol, row)
		if err != nil {
			return nil, err
		}

		r := &models.Record{
			ID:       id,
			Vectors:  make(map[string][]float32, len(vecCols)),
			Metadata: make(map[string]interface{}, len(metaCols)),
		}

		for i, col := range vecCols {
			if col.IsNull(row) {
				continue
			}
			vec, err := vectorAt(col, row)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode vector").
					WithDetail("id", id).
					WithDetail("column", s.VectorColumns[i])
			}
			r.Vectors[s.VectorColumns[i]] = vec
		}

		for i, col := range metaCols {
			v, err := valueAt(col, row, s.Metadata[i].Kind)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode metadata").
					WithDetail("id", id).
					WithDetail("column", s.Metadata[i].Name)
			}
			r.Metadata[s.Metadata[i].Key] = v
		}

		out = append(out, r)
	}

	return out, nil
}

func idAt(col arrow.Array, row int) (string, error) {
	if col.IsNull(row) {
		return "", errors.Newf(errors.ErrorTypeData, "null id at row %d", row)
	}
	switch c := col.(type) {
	case *array.String:
		return c.Value(row), nil
	case *array.LargeString:
		return c.Value(row), nil
	case *array.Int64:
		return strconv.FormatInt(c.Value(row), 10), nil
	case *array.Int32:
		return strconv.FormatInt(int64(c.Value(row)), 10), nil
	case *array.Uint64:
		return strconv.FormatUint(c.Value(row), 10), nil
	default:
		return "", errors.Newf(errors.ErrorTypeData, "unsupported id column type %s", col.DataType())
	}
}

func vectorAt(col arrow.Array, row int) ([]float32, error) {
	list, ok := col.(array.ListLike)
	if !ok {
		return nil, fmt.Errorf("vector column is %s, not a list", col.DataType())
	}
	start, end := list.ValueOffsets(row)
	vec := make([]float32, 0, end-start)

	switch values := list.ListValues().(type) {
	case *array.Float32:
		for j := start; j < end; j++ {
			vec = append(vec, values.Value(int(j)))
		}
	case *array.Float64:
		for j := start; j < end; j++ {
			vec = append(vec, float32(values.Value(int(j))))
		}
	default:
		return nil, fmt.Errorf("unsupported vector element type %s", values.DataType())
	}
	return vec, nil
}

func valueAt(col arrow.Array, row int, kind Kind) (interface{}, error) {
	if col.IsNull(row) {
		return nil, nil
	}

	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(row), nil
	case *array.Int64:
		return c.Value(row), nil
	case *array.Int32:
		return int64(c.Value(row)), nil
	case *array.Int16:
		return int64(c.Value(row)), nil
	case *array.Int8:
		return int64(c.Value(row)), nil
	case *array.Uint64:
		return int64(c.Value(row)), nil
	case *array.Uint32:
		return int64(c.Value(row)), nil
	case *array.Float64:
		return c.Value(row), nil
	case *array.Float32:
		return float64(c.Value(row)), nil
	case *array.String:
		return stringValue(c.Value(row), kind)
	case *array.LargeString:
		return stringValue(c.Value(row), kind)
	case *array.Binary:
		return string(c.Value(row)), nil
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return c.Value(row).ToTime(unit).UTC().Format("2006-01-02T15:04:05.999999999Z07:00"), nil
	case array.ListLike:
		start, end := c.ValueOffsets(row)
		values := c.ListValues()
		out := make([]interface{}, 0, end-start)
		for j := start; j < end; j++ {
			v, err := valueAt(values, int(j), "")
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported column type %s", col.DataType())
	}
}

func stringValue(s string, kind Kind) (interface{}, error) {
	if kind != KindJSON {
		return s, nil
	}
	var v interface{}
	if err := gojson.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		if uint64(t) > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	}
	return 0, false
}

// bigUnsigned returns the decimal form of unsigned values that do not fit
// an int64 column
func bigUnsigned(v interface{}) (string, bool) {
	var u uint64
	switch t := v.(type) {
	case uint:
		u = uint64(t)
	case uint64:
		u = t
	default:
		return "", false
	}
	if u <= math.MaxInt64 {
		return "", false
	}
	return strconv.FormatUint(u, 10), true
}

func toFloat64(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toFloat64Slice(v interface{}) ([]float64, bool) {
	switch t := v.(type) {
	case []float64:
		return t, true
	case []float32:
		out := make([]float64, len(t))
		for i, f := range t {
			out[i] = float64(f)
		}
		return out, true
	case []int:
		out := make([]float64, len(t))
		for i, n := range t {
			out[i] = float64(n)
		}
		return out, true
	case []int64:
		out := make([]float64, len(t))
		for i, n := range t {
			out[i] = float64(n)
		}
		return out, true
	case []interface{}:
		out := make([]float64, len(t))
		for i, e := range t {
			f, ok := toFloat64(e)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}
