// Package interop converts tensors to and from Apache Arrow and moves them
// between processes over Arrow Flight.
package interop

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowf16 "github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/element"
	"github.com/23skdu/longbow-strider/internal/tensor"
)

// ErrUnsupported is returned for element kinds and arrays with no mapping.
var ErrUnsupported = errors.New("interop: unsupported")

// Schema metadata keys describing the tensor in a record.
const (
	MetaKind  = "strider.kind"
	MetaShape = "strider.shape"
	MetaOrder = "strider.order"
)

// ColumnName is the name of the single column of a tensor record.
const ColumnName = "values"

// Header is the tensor description carried in a record's schema metadata.
type Header struct {
	Kind  element.Kind
	Shape []int
	Order tensor.Order
}

// ToArray returns t's values in row-major order as an Arrow array. Packed
// booleans become an Arrow boolean bitmap and packed integers a uint8 array.
func ToArray[S, V any](mem memory.Allocator, t *tensor.Tensor[S, V], q *device.Queue) (arrow.Array, error) {
	values, err := tensor.HostValues(t, q)
	if err != nil {
		return nil, err
	}
	return buildArray(mem, values)
}

// ToRecord wraps t in a single column record whose schema metadata carries
// the tensor's kind, shape and order.
func ToRecord[S, V any](mem memory.Allocator, t *tensor.Tensor[S, V], q *device.Queue) (arrow.Record, error) {
	arr, err := ToArray(mem, t, q)
	if err != nil {
		return nil, err
	}
	defer arr.Release()

	md := arrow.NewMetadata(
		[]string{MetaKind, MetaShape, MetaOrder},
		[]string{t.Kind().String(), formatShape(t.Shape()), t.Order().String()},
	)
	schema := arrow.NewSchema([]arrow.Field{{Name: ColumnName, Type: arr.DataType()}}, &md)
	return array.NewRecord(schema, []arrow.Array{arr}, int64(arr.Len())), nil
}

// ReadHeader returns the tensor description of a record made by ToRecord.
func ReadHeader(rec arrow.Record) (Header, error) {
	md := rec.Schema().Metadata()
	get := func(key string) (string, error) {
		i := md.FindKey(key)
		if i < 0 {
			return "", fmt.Errorf("interop: record has no %s metadata", key)
		}
		return md.Values()[i], nil
	}

	var h Header
	s, err := get(MetaKind)
	if err != nil {
		return h, err
	}
	if h.Kind, err = element.ParseKind(s); err != nil {
		return h, err
	}
	if s, err = get(MetaShape); err != nil {
		return h, err
	}
	if h.Shape, err = parseShape(s); err != nil {
		return h, err
	}
	if s, err = get(MetaOrder); err != nil {
		return h, err
	}
	if h.Order, err = tensor.ParseOrder(s); err != nil {
		return h, err
	}
	if n := tensor.ElementCount(h.Shape); rec.NumCols() != 1 || rec.NumRows() != int64(n) {
		return h, fmt.Errorf("interop: record %dx%d does not hold shape %v", rec.NumRows(), rec.NumCols(), h.Shape)
	}
	return h, nil
}

// FromArray returns a row-major tensor of shape holding arr's values.
func FromArray[S, V any](p *device.Platform, elem element.Element[S, V], shape []int, arr arrow.Array) (*tensor.Tensor[S, V], error) {
	if arr.NullN() > 0 {
		return nil, fmt.Errorf("interop: array has %d nulls: %w", arr.NullN(), ErrUnsupported)
	}
	raw, err := arrayValues(arr)
	if err != nil {
		return nil, err
	}
	values, ok := raw.([]V)
	if !ok {
		return nil, fmt.Errorf("interop: %s array for %s tensor: %w", arr.DataType(), elem.Kind(), ErrUnsupported)
	}
	return tensor.FromValues(p, elem, shape, values)
}

// FromRecord is FromArray on a record made by ToRecord. The record's kind
// must match elem.
func FromRecord[S, V any](p *device.Platform, elem element.Element[S, V], rec arrow.Record) (*tensor.Tensor[S, V], error) {
	h, err := ReadHeader(rec)
	if err != nil {
		return nil, err
	}
	if h.Kind != elem.Kind() {
		return nil, fmt.Errorf("interop: record holds %s, want %s", h.Kind, elem.Kind())
	}
	return FromArray(p, elem, h.Shape, rec.Column(0))
}

type appender[T any] interface {
	array.Builder
	AppendValues(v []T, valid []bool)
}

func build[T any, B appender[T]](b B, v []T) arrow.Array {
	defer b.Release()
	b.AppendValues(v, nil)
	return b.NewArray()
}

func buildArray(mem memory.Allocator, values any) (arrow.Array, error) {
	switch v := values.(type) {
	case []float32:
		return build(array.NewFloat32Builder(mem), v), nil
	case []float64:
		return build(array.NewFloat64Builder(mem), v), nil
	case []int8:
		return build(array.NewInt8Builder(mem), v), nil
	case []int16:
		return build(array.NewInt16Builder(mem), v), nil
	case []int32:
		return build(array.NewInt32Builder(mem), v), nil
	case []int64:
		return build(array.NewInt64Builder(mem), v), nil
	case []uint8:
		return build(array.NewUint8Builder(mem), v), nil
	case []uint16:
		return build(array.NewUint16Builder(mem), v), nil
	case []uint32:
		return build(array.NewUint32Builder(mem), v), nil
	case []uint64:
		return build(array.NewUint64Builder(mem), v), nil
	case []bool:
		return build(array.NewBooleanBuilder(mem), v), nil
	case []float16.Float16:
		nums := make([]arrowf16.Num, len(v))
		for i, h := range v {
			nums[i] = arrowf16.New(element.FromFloat16(h))
		}
		return build(array.NewFloat16Builder(mem), nums), nil
	default:
		return nil, fmt.Errorf("interop: %T: %w", values, ErrUnsupported)
	}
}

func arrayValues(arr arrow.Array) (any, error) {
	switch a := arr.(type) {
	case *array.Float32:
		return a.Float32Values(), nil
	case *array.Float64:
		return a.Float64Values(), nil
	case *array.Int8:
		return a.Int8Values(), nil
	case *array.Int16:
		return a.Int16Values(), nil
	case *array.Int32:
		return a.Int32Values(), nil
	case *array.Int64:
		return a.Int64Values(), nil
	case *array.Uint8:
		return a.Uint8Values(), nil
	case *array.Uint16:
		return a.Uint16Values(), nil
	case *array.Uint32:
		return a.Uint32Values(), nil
	case *array.Uint64:
		return a.Uint64Values(), nil
	case *array.Boolean:
		out := make([]bool, a.Len())
		for i := range out {
			out[i] = a.Value(i)
		}
		return out, nil
	case *array.Float16:
		out := make([]float16.Float16, a.Len())
		for i, n := range a.Values() {
			out[i] = element.ToFloat16(n.Float32())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("interop: %s array: %w", arr.DataType(), ErrUnsupported)
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int, error) {
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("interop: bad shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}
