package qdrant

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/google/uuid"
	qc "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OriginalIDKey is the payload key holding ids that are neither unsigned
// integers nor UUIDs. Such points are stored under a name-based UUID.
const OriginalIDKey = "_vdf_id"

// idNamespace seeds the name-based UUIDs of foreign ids
var idNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

// pointID converts a record id into a Qdrant point id. The boolean is true
// when the id had to be mapped and must be kept in the payload.
func pointID(id string) (*qc.PointId, bool) {
	if n, ok := models.ParseNumericID(id); ok && strconv.FormatUint(n, 10) == id {
		return qc.NewIDNum(n), false
	}
	if u, err := uuid.Parse(id); err == nil && u.String() == strings.ToLower(id) {
		return qc.NewID(u.String()), false
	}
	return qc.NewID(uuid.NewSHA1(idNamespace, []byte(id)).String()), true
}

var invalidName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// normalizeName replaces characters outside [A-Za-z0-9_-]
func normalizeName(name string) string {
	out := invalidName.ReplaceAllString(name, "_")
	if out == "" {
		return "collection"
	}
	return out
}

// idString returns the string form of a point id
func idString(id *qc.PointId) (string, error) {
	if id == nil {
		return "", errors.New(errors.ErrorTypeData, "point without id")
	}
	switch v := id.PointIdOptions.(type) {
	case *qc.PointId_Num:
		return fmt.Sprintf("%d", v.Num), nil
	case *qc.PointId_Uuid:
		return v.Uuid, nil
	default:
		return "", errors.Newf(errors.ErrorTypeData, "unexpected point id type %T", v)
	}
}

// recordID returns the record id of a point, preferring a stored original
func recordID(id *qc.PointId, payload map[string]*qc.Value) (string, error) {
	if v, ok := payload[OriginalIDKey]; ok {
		if s, ok := v.Kind.(*qc.Value_StringValue); ok {
			return s.StringValue, nil
		}
	}
	return idString(id)
}

// fromValue converts a payload value into a plain Go value
func fromValue(v *qc.Value) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qc.Value_StringValue:
		return val.StringValue
	case *qc.Value_IntegerValue:
		return val.IntegerValue
	case *qc.Value_DoubleValue:
		return val.DoubleValue
	case *qc.Value_BoolValue:
		return val.BoolValue
	case *qc.Value_StructValue:
		if val.StructValue == nil {
			return nil
		}
		out := make(map[string]interface{}, len(val.StructValue.Fields))
		for k, f := range val.StructValue.Fields {
			out[k] = fromValue(f)
		}
		return out
	case *qc.Value_ListValue:
		if val.ListValue == nil {
			return nil
		}
		items := make([]interface{}, len(val.ListValue.Values))
		for i, item := range val.ListValue.Values {
			items[i] = fromValue(item)
		}
		return items
	default:
		return nil
	}
}

// toPayload converts record metadata into a Qdrant payload. Nil values are
// left out.
func toPayload(r *models.Record, mapped bool) (map[string]*qc.Value, error) {
	plain := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		if v == nil {
			continue
		}
		plain[k] = normalizeValue(v)
	}
	if mapped {
		plain[OriginalIDKey] = r.ID
	}
	payload, err := qc.TryValueMap(plain)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "metadata cannot be stored as payload").
			WithDetail("id", r.ID)
	}
	return payload, nil
}

// normalizeValue widens typed slices into the shapes the payload encoder
// accepts
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out
	case []float32:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = float64(f)
		}
		return out
	case []int64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	default:
		return v
	}
}

// fromPayload converts a payload into record metadata, dropping the
// original-id bookkeeping key
func fromPayload(payload map[string]*qc.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == OriginalIDKey {
			continue
		}
		out[k] = fromValue(v)
	}
	return out
}

// toVectors builds the point vectors of r. A single unnamed column becomes
// the default vector.
func toVectors(r *models.Record, named bool) *qc.Vectors {
	if !named {
		for _, v := range r.Vectors {
			return qc.NewVectors(v...)
		}
	}
	m := make(map[string]*qc.Vector, len(r.Vectors))
	for name, v := range r.Vectors {
		m[name] = qc.NewVector(v...)
	}
	return qc.NewVectorsMap(m)
}

func denseData(v *qc.VectorOutput) []float32 {
	if v == nil {
		return nil
	}
	if d := v.GetDense(); d != nil {
		return d.GetData()
	}
	return v.GetData()
}

// fromVectors extracts the vector columns of a retrieved point. column names
// the default vector of unnamed collections.
func fromVectors(out *qc.VectorsOutput, column string) map[string][]float32 {
	vectors := make(map[string][]float32)
	if out == nil {
		return vectors
	}
	if v := out.GetVector(); v != nil {
		vectors[column] = denseData(v)
		return vectors
	}
	if named := out.GetVectors(); named != nil {
		for name, v := range named.GetVectors() {
			vectors[name] = denseData(v)
		}
	}
	return vectors
}

// classify maps transport failures onto the error taxonomy
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, op+" timed out")
	}

	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(err, errors.ErrorTypeConnection, op+" failed")
	}
	var t errors.ErrorType
	switch st.Code() {
	case codes.Unavailable, codes.Unauthenticated, codes.PermissionDenied:
		t = errors.ErrorTypeConnection
	case codes.DeadlineExceeded:
		t = errors.ErrorTypeTimeout
	case codes.ResourceExhausted:
		if strings.Contains(strings.ToLower(st.Message()), "message larger than max") {
			t = errors.ErrorTypePayloadTooLarge
		} else {
			t = errors.ErrorTypeRateLimit
		}
	case codes.NotFound:
		t = errors.ErrorTypeNotFound
	case codes.InvalidArgument:
		msg := strings.ToLower(st.Message())
		if strings.Contains(msg, "too large") {
			t = errors.ErrorTypePayloadTooLarge
		} else if strings.Contains(msg, "dimension") {
			t = errors.ErrorTypeSchemaMismatch
		} else {
			t = errors.ErrorTypeValidation
		}
	default:
		t = errors.ErrorTypeTransientFetch
	}
	return errors.Wrap(err, t, op+" failed").WithDetail("code", st.Code().String())
}
