package checkpoint

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column layout of the tensor record.
const (
	colModule = iota
	colKind
	colName
	colShape
	colData
	colTrainable
)

// Schema metadata keys.
const (
	MetaRunID  = "run_id"
	MetaUnit   = "unit"
	MetaFormat = "format"
)

// Schema builds the tensor schema carrying run metadata.
func Schema(meta Meta) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaFormat, MetaRunID, MetaUnit},
		[]string{strconv.Itoa(FormatV1), meta.RunID, meta.Unit},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "module", Type: arrow.BinaryTypes.String},
		{Name: "kind", Type: arrow.BinaryTypes.String},
		{Name: "param", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "trainable", Type: arrow.FixedWidthTypes.Boolean},
	}, &md)
}

// Record encodes the state as a single record batch. The caller releases it.
func (s *State) Record(mem memory.Allocator) arrow.Record {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	b := array.NewRecordBuilder(mem, Schema(s.Meta))
	defer b.Release()

	modules := b.Field(colModule).(*array.StringBuilder)
	kinds := b.Field(colKind).(*array.StringBuilder)
	names := b.Field(colName).(*array.StringBuilder)
	shapes := b.Field(colShape).(*array.ListBuilder)
	shapeVals := shapes.ValueBuilder().(*array.Int64Builder)
	data := b.Field(colData).(*array.ListBuilder)
	dataVals := data.ValueBuilder().(*array.Float32Builder)
	trainable := b.Field(colTrainable).(*array.BooleanBuilder)

	for _, t := range s.Tensors {
		modules.Append(t.Module)
		kinds.Append(t.Kind)
		names.Append(t.Name)

		shapes.Append(true)
		for _, d := range t.Shape {
			shapeVals.Append(int64(d))
		}
		data.Append(true)
		dataVals.AppendValues(t.Data, nil)

		trainable.Append(t.Trainable)
	}
	return b.NewRecord()
}

// DecodeTensors reads tensors from a record produced by Record.
func DecodeTensors(rec arrow.Record) ([]Tensor, error) {
	if err := checkSchema(rec.Schema()); err != nil {
		return nil, err
	}
	modules, ok1 := rec.Column(colModule).(*array.String)
	kinds, ok2 := rec.Column(colKind).(*array.String)
	names, ok3 := rec.Column(colName).(*array.String)
	shapes, ok4 := rec.Column(colShape).(*array.List)
	data, ok5 := rec.Column(colData).(*array.List)
	trainable, ok6 := rec.Column(colTrainable).(*array.Boolean)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, fmt.Errorf("unexpected column types")
	}
	shapeVals, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("shape values are %s", shapes.ListValues().DataType())
	}
	dataVals, ok := data.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("data values are %s", data.ListValues().DataType())
	}
	rawShape := shapeVals.Int64Values()
	rawData := dataVals.Float32Values()

	n := int(rec.NumRows())
	out := make([]Tensor, 0, n)
	for i := 0; i < n; i++ {
		if shapes.IsNull(i) || data.IsNull(i) {
			return nil, fmt.Errorf("row %d has null tensor columns", i)
		}
		t := Tensor{
			Module:    modules.Value(i),
			Kind:      kinds.Value(i),
			Name:      names.Value(i),
			Trainable: trainable.Value(i),
		}
		start, end := shapes.ValueOffsets(i)
		numel := 1
		for _, d := range rawShape[start:end] {
			if d < 0 {
				return nil, fmt.Errorf("row %d has negative dimension %d", i, d)
			}
			t.Shape = append(t.Shape, int(d))
			numel *= int(d)
		}
		start, end = data.ValueOffsets(i)
		if int(end-start) != numel {
			return nil, fmt.Errorf("%s: %d values for shape %v", t.FullName(), end-start, t.Shape)
		}
		t.Data = make([]float32, numel)
		copy(t.Data, rawData[start:end])
		out = append(out, t)
	}
	return out, nil
}

func checkSchema(got *arrow.Schema) error {
	want := Schema(Meta{})
	if got.NumFields() != want.NumFields() {
		return fmt.Errorf("schema has %d fields, want %d", got.NumFields(), want.NumFields())
	}
	for i, f := range want.Fields() {
		g := got.Field(i)
		if g.Name != f.Name || !arrow.TypeEqual(g.Type, f.Type) {
			return fmt.Errorf("field %d is %s %s, want %s %s", i, g.Name, g.Type, f.Name, f.Type)
		}
	}
	md := got.Metadata()
	if i := md.FindKey(MetaFormat); i < 0 || md.Values()[i] != strconv.Itoa(FormatV1) {
		return fmt.Errorf("unsupported tensor format")
	}
	return nil
}
