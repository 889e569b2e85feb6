// Package table provides the unified columnar dataset: an in-memory Frame
// with an explicit logical schema, and a Delta-style versioned table engine
// persisting frames to the object store with merge semantics.
package table

import (
	"errors"
	"fmt"
)

// DType is the logical column type of a frame column.
type DType string

// Logical column types. After coercion a frame only carries Float64, Utf8,
// and Boolean columns; Int64 and Null exist during schema inference only.
const (
	DTypeFloat64 DType = "Float64"
	DTypeInt64   DType = "Int64"
	DTypeUtf8    DType = "Utf8"
	DTypeBool    DType = "Boolean"
	DTypeNull    DType = "Null"
)

// The unified table's composite key columns. Key columns keep their string
// type through every coercion.
const (
	ColumnTicker        = "ticker"
	ColumnRecordType    = "record_type"
	ColumnPeriodEndDate = "period_end_date"
)

// Record types distinguishing row shapes within the unified table.
const (
	RecordTypeFinancials = "financials"
	RecordTypeMetadata   = "metadata"
	RecordTypeTTM        = "ttm"
)

// Sentinel errors for frame construction.
var (
	// ErrEmptyFrame indicates a frame built from zero records.
	ErrEmptyFrame = errors.New("frame must contain at least one record")

	// ErrMixedTypes indicates a column with conflicting value types.
	ErrMixedTypes = errors.New("column has conflicting value types")

	// ErrUnsupportedType indicates a value type the frame cannot hold.
	ErrUnsupportedType = errors.New("unsupported value type")
)

// keyColumns is the closed set of columns exempt from type coercion.
var keyColumns = map[string]bool{
	ColumnTicker:        true,
	ColumnRecordType:    true,
	ColumnPeriodEndDate: true,
}

// IsKeyColumn reports whether the column is part of the composite key.
func IsKeyColumn(name string) bool {
	return keyColumns[name]
}

// Frame is an ordered set of rows with an explicit per-column logical type.
//
// Cell values are nil, int64, float64, string, or bool. The schema is
// inferred at construction and normalized by CoerceTypes before any write
// to the versioned table.
type Frame struct {
	columns []string
	types   map[string]DType
	rows    []map[string]any
}

// NewFrame builds a frame from row records, inferring the schema.
//
// Column order is first-seen order across records. A column holding both
// integers and floats infers Float64; any other type conflict is an error.
func NewFrame(records []map[string]any) (*Frame, error) {
	if len(records) == 0 {
		return nil, ErrEmptyFrame
	}

	frame := &Frame{types: make(map[string]DType)}

	for _, record := range records {
		row := make(map[string]any, len(record))

		for _, column := range frame.columns {
			row[column] = nil
		}

		for column, value := range record {
			if _, seen := frame.types[column]; !seen {
				frame.columns = append(frame.columns, column)
				frame.types[column] = DTypeNull

				// Backfill earlier rows with nulls for the new column.
				for _, earlier := range frame.rows {
					earlier[column] = nil
				}
			}

			inferred, normalized, err := inferValue(value)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", column, err)
			}

			merged, err := mergeDType(frame.types[column], inferred)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", column, err)
			}

			frame.types[column] = merged
			row[column] = normalized
		}

		frame.rows = append(frame.rows, row)
	}

	return frame, nil
}

// NewFrameWithSchema builds a frame from a known schema and rows, without
// inference.
func NewFrameWithSchema(columns []string, types map[string]DType, rows []map[string]any) *Frame {
	copiedTypes := make(map[string]DType, len(types))
	for column, dtype := range types {
		copiedTypes[column] = dtype
	}

	return &Frame{
		columns: append([]string(nil), columns...),
		types:   copiedTypes,
		rows:    rows,
	}
}

// inferValue classifies a cell value and normalizes integers to int64.
func inferValue(value any) (DType, any, error) {
	switch v := value.(type) {
	case nil:
		return DTypeNull, nil, nil
	case int:
		return DTypeInt64, int64(v), nil
	case int64:
		return DTypeInt64, v, nil
	case float64:
		return DTypeFloat64, v, nil
	case string:
		return DTypeUtf8, v, nil
	case bool:
		return DTypeBool, v, nil
	default:
		return "", nil, fmt.Errorf("%w: %T", ErrUnsupportedType, value)
	}
}

// mergeDType combines the running column type with a new value's type.
func mergeDType(current, incoming DType) (DType, error) {
	switch {
	case current == incoming:
		return current, nil
	case current == DTypeNull:
		return incoming, nil
	case incoming == DTypeNull:
		return current, nil
	case (current == DTypeInt64 && incoming == DTypeFloat64) ||
		(current == DTypeFloat64 && incoming == DTypeInt64):
		return DTypeFloat64, nil
	default:
		return "", fmt.Errorf("%w: %s vs %s", ErrMixedTypes, current, incoming)
	}
}

// CoerceTypes normalizes the schema for the versioned table:
//
//   - every integer column becomes Float64 (decimal support, stable merges)
//   - every all-null column becomes Utf8 (the table format has no Null type)
//   - key columns are exempt and keep their string type
//
// The coercion is idempotent and runs before every table write, as an
// invariant of the write path rather than a downstream cleanup.
func (f *Frame) CoerceTypes() {
	for _, column := range f.columns {
		if IsKeyColumn(column) {
			// An all-null key column (period_end_date in a metadata-only
			// frame) still takes its string type.
			if f.types[column] == DTypeNull {
				f.types[column] = DTypeUtf8
			}

			continue
		}

		switch f.types[column] {
		case DTypeInt64:
			f.types[column] = DTypeFloat64

			for _, row := range f.rows {
				if v, ok := row[column].(int64); ok {
					row[column] = float64(v)
				}
			}
		case DTypeNull:
			f.types[column] = DTypeUtf8
		}
	}
}

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	return append([]string(nil), f.columns...)
}

// Type returns the logical type of a column.
func (f *Frame) Type(column string) (DType, bool) {
	dtype, ok := f.types[column]

	return dtype, ok
}

// NumRows returns the number of rows.
func (f *Frame) NumRows() int {
	return len(f.rows)
}

// Row returns the i-th row. The returned map is shared; callers must not
// mutate it.
func (f *Frame) Row(i int) map[string]any {
	return f.rows[i]
}

// Rows returns all rows. The returned slice is shared; callers must not
// mutate it.
func (f *Frame) Rows() []map[string]any {
	return f.rows
}

// RecordTypes returns the distinct record_type values present, in
// first-seen order.
func (f *Frame) RecordTypes() []string {
	seen := make(map[string]bool)

	var out []string

	for _, row := range f.rows {
		if recordType, ok := row[ColumnRecordType].(string); ok && !seen[recordType] {
			seen[recordType] = true

			out = append(out, recordType)
		}
	}

	return out
}

// Key identifies a row of the unified table. PeriodEndDate is nil only for
// metadata rows.
type Key struct {
	Ticker        string
	RecordType    string
	PeriodEndDate *string
}

// RowKey extracts the composite key of the i-th row.
func (f *Frame) RowKey(i int) Key {
	row := f.rows[i]
	key := Key{}

	if ticker, ok := row[ColumnTicker].(string); ok {
		key.Ticker = ticker
	}

	if recordType, ok := row[ColumnRecordType].(string); ok {
		key.RecordType = recordType
	}

	if period, ok := row[ColumnPeriodEndDate].(string); ok {
		key.PeriodEndDate = &period
	}

	return key
}

// Matches implements the merge predicate: equal ticker, equal record type,
// and equal period end dates where two nulls compare equal.
func (k Key) Matches(other Key) bool {
	if k.Ticker != other.Ticker || k.RecordType != other.RecordType {
		return false
	}

	if k.PeriodEndDate == nil && other.PeriodEndDate == nil {
		return true
	}

	if k.PeriodEndDate == nil || other.PeriodEndDate == nil {
		return false
	}

	return *k.PeriodEndDate == *other.PeriodEndDate
}

// canonical renders the key for map lookup, with a marker distinguishing
// null from empty period end dates.
func (k Key) canonical() string {
	period := "\x00null"
	if k.PeriodEndDate != nil {
		period = *k.PeriodEndDate
	}

	return k.Ticker + "\x1f" + k.RecordType + "\x1f" + period
}
