// Package tensorio moves tensors in and out of Arrow IPC streams.
//
// Each row holds one tensor: a "values" list column with the elements, an
// optional "shape" list<int32> column, and for quantized tensors "scales"
// and "zero_points" list columns. Schema metadata carries the dtype, the
// quantization axis and, when no shape column is present, a shared shape.
// A plain float32 "values" column is read as a single 1-D tensor per batch.
package tensorio

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"

	"github.com/23skdu/longbow-quant/internal/tensor"
)

// Column names.
const (
	ColValues     = "values"
	ColShape      = "shape"
	ColScales     = "scales"
	ColZeroPoints = "zero_points"
)

// Schema metadata keys.
const (
	MetaDType = "dtype"
	MetaShape = "shape"
	MetaAxis  = "axis"
)

// ErrNoValues is returned for batches without a usable values column.
var ErrNoValues = errors.New("tensorio: no values column")

var elemTypes = map[tensor.DType]arrow.DataType{
	tensor.Float32:  arrow.PrimitiveTypes.Float32,
	tensor.BFloat16: arrow.PrimitiveTypes.Uint16,
	tensor.Int8:     arrow.PrimitiveTypes.Int8,
	tensor.Uint8:    arrow.PrimitiveTypes.Uint8,
}

// Schema returns the stream schema for tensors of dt.
func Schema(dt tensor.DType, axis int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaDType, MetaAxis},
		[]string{dt.String(), strconv.Itoa(axis)},
	)
	fields := []arrow.Field{
		{Name: ColValues, Type: arrow.ListOf(elemTypes[dt])},
		{Name: ColShape, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	}
	if dt.IsInteger() {
		fields = append(fields,
			arrow.Field{Name: ColScales, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
			arrow.Field{Name: ColZeroPoints, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		)
	}
	return arrow.NewSchema(fields, &md)
}

// BuildRecordBatch converts tensors of one dtype into a record batch with one
// row per tensor.
func BuildRecordBatch(mem memory.Allocator, ts []*tensor.Tensor) (arrow.RecordBatch, error) {
	if len(ts) == 0 {
		return nil, nil
	}
	dt, axis := ts[0].DType(), ts[0].QuantAxis()
	for _, t := range ts[1:] {
		if t.DType() != dt {
			return nil, fmt.Errorf("tensorio: mixed dtypes %s and %s in one batch", dt, t.DType())
		}
		if t.QuantAxis() != axis {
			return nil, fmt.Errorf("tensorio: mixed quantization axes %d and %d in one batch", axis, t.QuantAxis())
		}
	}
	schema := Schema(dt, axis)

	valuesBuilder := array.NewListBuilder(mem, elemTypes[dt])
	defer valuesBuilder.Release()
	shapeBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
	defer shapeBuilder.Release()
	dims := shapeBuilder.ValueBuilder().(*array.Int32Builder)

	for _, t := range ts {
		valuesBuilder.Append(true)
		switch vb := valuesBuilder.ValueBuilder().(type) {
		case *array.Float32Builder:
			vb.AppendValues(t.Float32s(), nil)
		case *array.Uint16Builder:
			for _, h := range t.BFloat16s() {
				vb.Append(uint16(h))
			}
		case *array.Int8Builder:
			vb.AppendValues(t.Int8s(), nil)
		case *array.Uint8Builder:
			vb.AppendValues(t.Uint8s(), nil)
		}
		shapeBuilder.Append(true)
		for _, d := range t.Shape() {
			dims.Append(int32(d))
		}
	}

	cols := []arrow.Array{valuesBuilder.NewArray(), shapeBuilder.NewArray()}
	if dt.IsInteger() {
		scaleBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float32)
		defer scaleBuilder.Release()
		scales := scaleBuilder.ValueBuilder().(*array.Float32Builder)
		zpBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
		defer zpBuilder.Release()
		zps := zpBuilder.ValueBuilder().(*array.Int32Builder)
		for _, t := range ts {
			scaleBuilder.Append(true)
			scales.AppendValues(t.Scales(), nil)
			zpBuilder.Append(true)
			zps.AppendValues(t.ZeroPoints(), nil)
		}
		cols = append(cols, scaleBuilder.NewArray(), zpBuilder.NewArray())
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(schema, cols, int64(len(ts))), nil
}

// Write encodes tensors as a single-batch Arrow IPC stream.
func Write(w io.Writer, mem memory.Allocator, ts []*tensor.Tensor) error {
	rec, err := BuildRecordBatch(mem, ts)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("tensorio: write batch: %w", err)
	}
	return writer.Close()
}

// Read decodes every tensor in an Arrow IPC stream. Tensors are named
// "<prefix>/<n>" in stream order.
func Read(r io.Reader, mem memory.Allocator, prefix string) ([]*tensor.Tensor, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("tensorio: open stream: %w", err)
	}
	defer reader.Release()

	var out []*tensor.Tensor
	for reader.Next() {
		rec := reader.Record()
		ts, err := FromRecordBatch(rec, prefix, len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tensorio: read stream: %w", err)
	}
	return out, nil
}

// FromRecordBatch converts one record batch into tensors. The tensors own
// copies of the data and outlive the batch.
func FromRecordBatch(rec arrow.RecordBatch, prefix string, first int) ([]*tensor.Tensor, error) {
	schema := rec.Schema()
	idx := schema.FieldIndices(ColValues)
	if len(idx) == 0 {
		return nil, ErrNoValues
	}
	col := rec.Column(idx[0])
	meta := schema.Metadata()

	dt := tensor.Float32
	if tag, ok := lookup(meta, MetaDType); ok {
		parsed, err := tensor.ParseDType(tag)
		if err != nil {
			return nil, fmt.Errorf("tensorio: %w", err)
		}
		dt = parsed
	}
	axis := tensor.PerTensor
	if v, ok := lookup(meta, MetaAxis); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("tensorio: invalid axis %q", v)
		}
		axis = n
	}
	var shared []int
	if v, ok := lookup(meta, MetaShape); ok {
		s, err := ParseShape(v)
		if err != nil {
			return nil, err
		}
		shared = s
	}

	if flat, ok := col.(*array.Float32); ok {
		shape := shared
		if shape == nil || tensor.NumElements(shape) != flat.Len() {
			shape = []int{flat.Len()}
		}
		return []*tensor.Tensor{tensor.FromFloat32(name(prefix, first), flat.Float32Values(), shape...)}, nil
	}

	lists, ok := col.(array.ListLike)
	if !ok {
		return nil, fmt.Errorf("%w: column type %s", ErrNoValues, col.DataType())
	}
	shapes := listColumn(rec, ColShape)
	scales := listColumn(rec, ColScales)
	zeroPoints := listColumn(rec, ColZeroPoints)

	out := make([]*tensor.Tensor, 0, lists.Len())
	for row := 0; row < lists.Len(); row++ {
		start, end := lists.ValueOffsets(row)
		n := int(end - start)

		shape := []int{n}
		if shapes != nil {
			dims := int32Row(shapes, row)
			shape = make([]int, len(dims))
			for i, d := range dims {
				shape[i] = int(d)
			}
		} else if shared != nil {
			shape = shared
		}
		if tensor.NumElements(shape) != n {
			return nil, fmt.Errorf("tensorio: row %d holds %d values, shape %v needs %d",
				row, n, shape, tensor.NumElements(shape))
		}

		t := tensor.New(name(prefix, first+row), dt, shape...)
		if err := fill(t, lists.ListValues(), int(start), int(end)); err != nil {
			return nil, fmt.Errorf("tensorio: row %d: %w", row, err)
		}
		if dt.IsInteger() && scales != nil {
			var zps []int32
			if zeroPoints != nil {
				zps = int32Row(zeroPoints, row)
			}
			t.SetQuantization(float32Row(scales, row), zps, axis)
		}
		out = append(out, t)
	}
	return out, nil
}

func fill(t *tensor.Tensor, values arrow.Array, start, end int) error {
	switch v := values.(type) {
	case *array.Float32:
		if t.DType() != tensor.Float32 {
			break
		}
		copy(t.Float32s(), v.Float32Values()[start:end])
		return nil
	case *array.Uint16:
		if t.DType() != tensor.BFloat16 {
			break
		}
		dst := t.BFloat16s()
		for i, bits := range v.Uint16Values()[start:end] {
			dst[i] = bfloat16.BFloat16(bits)
		}
		return nil
	case *array.Int8:
		if t.DType() != tensor.Int8 {
			break
		}
		copy(t.Int8s(), v.Int8Values()[start:end])
		return nil
	case *array.Uint8:
		if t.DType() != tensor.Uint8 {
			break
		}
		copy(t.Uint8s(), v.Uint8Values()[start:end])
		return nil
	}
	return fmt.Errorf("values of type %s do not hold %s elements", values.DataType(), t.DType())
}

func listColumn(rec arrow.RecordBatch, col string) array.ListLike {
	idx := rec.Schema().FieldIndices(col)
	if len(idx) == 0 {
		return nil
	}
	l, _ := rec.Column(idx[0]).(array.ListLike)
	return l
}

func int32Row(l array.ListLike, row int) []int32 {
	start, end := l.ValueOffsets(row)
	if v, ok := l.ListValues().(*array.Int32); ok {
		return append([]int32(nil), v.Int32Values()[start:end]...)
	}
	return nil
}

func float32Row(l array.ListLike, row int) []float32 {
	start, end := l.ValueOffsets(row)
	if v, ok := l.ListValues().(*array.Float32); ok {
		return append([]float32(nil), v.Float32Values()[start:end]...)
	}
	return nil
}

func lookup(md arrow.Metadata, key string) (string, bool) {
	i := md.FindKey(key)
	if i < 0 {
		return "", false
	}
	return md.Values()[i], true
}

func name(prefix string, n int) string {
	return prefix + "/" + strconv.Itoa(n)
}

// ParseShape parses "2,3,4" (or "2x3x4") into dimensions.
func ParseShape(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == 'x' || r == ' '
	})
	shape := make([]int, len(fields))
	for i, f := range fields {
		d, err := strconv.Atoi(f)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("tensorio: invalid shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}

// FormatShape renders a shape as ParseShape reads it.
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
