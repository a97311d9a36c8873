package codec

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/zeebo/errs"
)

// Column types understood by Table.
const (
	ColInt64   = "int64"
	ColFloat64 = "float64"
	ColString  = "string"
	ColBool    = "bool"
)

// Field names and types one column.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is a row-oriented dataset. Cells are int64, float64, string, bool or
// nil; a Field with an empty Type is inferred from its first non-nil cell.
type Table struct {
	Fields []Field
	Rows   [][]any
}

// FromRecords builds a Table from maps sharing the given column order.
func FromRecords(columns []string, records []map[string]any) *Table {
	t := &Table{Fields: make([]Field, len(columns))}
	for i, c := range columns {
		t.Fields[i] = Field{Name: c}
	}
	for _, rec := range records {
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = rec[c]
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func acceptTable(v any) bool {
	switch v.(type) {
	case *Table, Table:
		return true
	}
	return false
}

// Tabular writes tables as Parquet with the Arrow schema embedded.
type Tabular struct{}

func (Tabular) Type() string   { return TypeTabular }
func (Tabular) Suffix() string { return ".parquet" }

func (c Tabular) Save(_ context.Context, value any, path string, _ map[string]string) (SaveResult, error) {
	var t *Table
	switch v := value.(type) {
	case *Table:
		t = v
	case Table:
		t = &v
	default:
		return SaveResult{}, unsupported(c, value)
	}
	fields, err := inferFields(t)
	if err != nil {
		return SaveResult{}, err
	}
	schema := arrowSchema(fields)

	mem := memory.DefaultAllocator
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()
	for r, row := range t.Rows {
		if len(row) != len(fields) {
			return SaveResult{}, invalid("row %d has %d cells, want %d", r, len(row), len(fields))
		}
		for i, cell := range row {
			if err := appendCell(rb.Field(i), fields[i].Type, cell); err != nil {
				return SaveResult{}, invalid("row %d column %s: %v", r, fields[i].Name, err)
			}
		}
	}
	rec := rb.NewRecord()
	defer rec.Release()
	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	f, err := os.Create(path)
	if err != nil {
		return SaveResult{}, err
	}
	werr := pqarrow.WriteTable(tbl, noClose{f}, 64*1024, parquet.NewWriterProperties(),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err := errs.Combine(werr, f.Close()); err != nil {
		return SaveResult{}, fmt.Errorf("codec: write parquet: %w", err)
	}
	return sizeOf(path, nil)
}

func (Tabular) Load(ctx context.Context, path string, _ LoadOptions) (any, error) {
	tbl, err := readParquet(ctx, path)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	schema := tbl.Schema()
	out := &Table{Fields: make([]Field, schema.NumFields())}
	for i, f := range schema.Fields() {
		out.Fields[i] = Field{Name: f.Name, Type: colType(f.Type)}
	}
	tr := array.NewTableReader(tbl, 64*1024)
	defer tr.Release()
	for tr.Next() {
		rec := tr.Record()
		n := int(rec.NumRows())
		base := len(out.Rows)
		for i := 0; i < n; i++ {
			out.Rows = append(out.Rows, make([]any, len(out.Fields)))
		}
		for c := range out.Fields {
			col := rec.Column(c)
			for i := 0; i < n; i++ {
				v, err := cellAt(col, i)
				if err != nil {
					return nil, fmt.Errorf("codec: column %s: %w", out.Fields[c].Name, err)
				}
				out.Rows[base+i][c] = v
			}
		}
	}
	return out, nil
}

func readParquet(ctx context.Context, path string) (arrow.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mem := memory.DefaultAllocator
	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("codec: read parquet %s: %w", path, err)
	}
	return tbl, nil
}

func inferFields(t *Table) ([]Field, error) {
	fields := make([]Field, len(t.Fields))
	copy(fields, t.Fields)
	for i := range fields {
		if fields[i].Type != "" {
			continue
		}
		for _, row := range t.Rows {
			if i < len(row) && row[i] != nil {
				fields[i].Type = cellType(row[i])
				break
			}
		}
		if fields[i].Type == "" {
			fields[i].Type = ColString
		}
	}
	for _, f := range fields {
		if f.Type == "" {
			return nil, invalid("column %s: unsupported cell type", f.Name)
		}
	}
	return fields, nil
}

func cellType(v any) string {
	switch v.(type) {
	case int, int32, int64:
		return ColInt64
	case float32, float64:
		return ColFloat64
	case string:
		return ColString
	case bool:
		return ColBool
	}
	return ""
}

func arrowSchema(fields []Field) *arrow.Schema {
	af := make([]arrow.Field, len(fields))
	for i, f := range fields {
		af[i] = arrow.Field{Name: f.Name, Type: arrowType(f.Type), Nullable: true}
	}
	return arrow.NewSchema(af, nil)
}

func arrowType(t string) arrow.DataType {
	switch t {
	case ColInt64:
		return arrow.PrimitiveTypes.Int64
	case ColFloat64:
		return arrow.PrimitiveTypes.Float64
	case ColBool:
		return arrow.FixedWidthTypes.Boolean
	}
	return arrow.BinaryTypes.String
}

func colType(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.INT64, arrow.INT32:
		return ColInt64
	case arrow.FLOAT64, arrow.FLOAT32:
		return ColFloat64
	case arrow.BOOL:
		return ColBool
	}
	return ColString
}

func appendCell(b array.Builder, typ string, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch typ {
	case ColInt64:
		var n int64
		switch x := v.(type) {
		case int:
			n = int64(x)
		case int32:
			n = int64(x)
		case int64:
			n = x
		default:
			return fmt.Errorf("want int64, got %T", v)
		}
		b.(*array.Int64Builder).Append(n)
	case ColFloat64:
		var f float64
		switch x := v.(type) {
		case float32:
			f = float64(x)
		case float64:
			f = x
		default:
			return fmt.Errorf("want float64, got %T", v)
		}
		b.(*array.Float64Builder).Append(f)
	case ColBool:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", v)
		}
		b.(*array.BooleanBuilder).Append(x)
	default:
		x, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		b.(*array.StringBuilder).Append(x)
	}
	return nil
}

func cellAt(col arrow.Array, i int) (any, error) {
	if col.IsNull(i) {
		return nil, nil
	}
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(i), nil
	case *array.Int32:
		return int64(a.Value(i)), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.Float32:
		return float64(a.Value(i)), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	}
	return nil, fmt.Errorf("unsupported arrow type %s", col.DataType())
}

func sizeOf(path string, params map[string]string) (SaveResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Size: info.Size(), Params: params}, nil
}

// noClose hides Close so the parquet writer leaves the file to the caller.
type noClose struct{ io.Writer }
