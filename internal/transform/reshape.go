// Package transform implements the transform worker: it reshapes raw
// upstream JSON into unified table rows and merges them into the versioned
// stocks table.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/table"
)

// nullStrings are the string spellings of null common in financial data.
// Matching is case-insensitive after trimming, and happens during row
// construction, before any schema inference, so column dtypes stabilize.
var nullStrings = map[string]bool{
	"N/A":  true,
	"NA":   true,
	"NULL": true,
	"NONE": true,
	"-":    true,
}

// droppedQuarterlyMetrics are quarterly metrics excluded from the unified
// table.
var droppedQuarterlyMetrics = map[string]bool{
	"roic_5yr_avg": true,
}

const (
	periodEndDateField = "period_end_date"
	ttmPlaceholder     = "TTM"
)

// Reshape converts a raw upstream payload into the unified row set:
//
//   - one financials row per quarterly period index
//   - one metadata row (period_end_date null) when metadata is present
//   - one ttm row pinned to the latest quarterly date, when ttm data and at
//     least one quarterly period exist
//
// The returned frame has its type coercions applied and is ready to merge.
func Reshape(payload []byte, ticker string) (*table.Frame, error) {
	root, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	dataSection, ok := root["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing 'data' key in JSON", ingestion.ErrInvalidDataFormat)
	}

	var records []map[string]any

	financials, _ := dataSection["financials"].(map[string]any)

	quarterlyRecords, quarterlyDates, err := reshapeQuarterly(financials, ticker)
	if err != nil {
		return nil, err
	}

	records = append(records, quarterlyRecords...)

	if metadataRecord, err := reshapeMetadata(dataSection, ticker); err != nil {
		return nil, err
	} else if metadataRecord != nil {
		records = append(records, metadataRecord)
	}

	if ttmRecord, err := reshapeTTM(financials, quarterlyDates, ticker); err != nil {
		return nil, err
	} else if ttmRecord != nil {
		records = append(records, ttmRecord)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no valid financial, metadata, or TTM data found",
			ingestion.ErrInvalidDataFormat)
	}

	frame, err := table.NewFrame(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ingestion.ErrInvalidDataFormat, err)
	}

	frame.CoerceTypes()

	return frame, nil
}

// reshapeQuarterly emits one row per quarterly period index. Returns the
// rows and the period dates for TTM pinning.
func reshapeQuarterly(financials map[string]any, ticker string) ([]map[string]any, []string, error) {
	quarterly, ok := financials["quarterly"].(map[string]any)
	if !ok {
		return nil, nil, nil
	}

	rawDates, ok := quarterly[periodEndDateField].([]any)
	if !ok || len(rawDates) == 0 {
		return nil, nil, nil
	}

	dates := make([]string, 0, len(rawDates))

	for _, raw := range rawDates {
		date, ok := raw.(string)
		if !ok {
			return nil, nil, fmt.Errorf("%w: quarterly period_end_date must be a string, got %T",
				ingestion.ErrInvalidDataFormat, raw)
		}

		dates = append(dates, date)
	}

	records := make([]map[string]any, 0, len(dates))

	for i, date := range dates {
		record := map[string]any{
			table.ColumnTicker:        ticker,
			table.ColumnRecordType:    table.RecordTypeFinancials,
			table.ColumnPeriodEndDate: date,
		}

		for metric, rawValues := range quarterly {
			if metric == periodEndDateField || droppedQuarterlyMetrics[metric] {
				continue
			}

			values, ok := rawValues.([]any)
			if !ok || i >= len(values) {
				// Metric arrays may be shorter than the period list.
				record[metric] = nil

				continue
			}

			value, err := normalizeValue(values[i])
			if err != nil {
				return nil, nil, fmt.Errorf("metric %s: %w", metric, err)
			}

			record[metric] = value
		}

		records = append(records, record)
	}

	return records, dates, nil
}

// reshapeMetadata emits one metadata row with a null period end date.
func reshapeMetadata(dataSection map[string]any, ticker string) (map[string]any, error) {
	metadata, ok := dataSection["metadata"].(map[string]any)
	if !ok || len(metadata) == 0 {
		return nil, nil
	}

	record := map[string]any{
		table.ColumnTicker:        ticker,
		table.ColumnRecordType:    table.RecordTypeMetadata,
		table.ColumnPeriodEndDate: nil,
	}

	for field, rawValue := range metadata {
		value, err := normalizeValue(rawValue)
		if err != nil {
			return nil, fmt.Errorf("metadata field %s: %w", field, err)
		}

		record[field] = value
	}

	return record, nil
}

// reshapeTTM emits the trailing-twelve-month row pinned to the latest
// quarterly date. Without any quarterly period the TTM data is skipped.
func reshapeTTM(financials map[string]any, quarterlyDates []string, ticker string) (map[string]any, error) {
	ttm, ok := financials["ttm"].(map[string]any)
	if !ok || len(ttm) == 0 {
		return nil, nil
	}

	if len(quarterlyDates) == 0 {
		return nil, nil
	}

	latest := quarterlyDates[len(quarterlyDates)-1]

	record := map[string]any{
		table.ColumnTicker:        ticker,
		table.ColumnRecordType:    table.RecordTypeTTM,
		table.ColumnPeriodEndDate: latest,
	}

	for metric, rawValue := range ttm {
		if metric == periodEndDateField {
			// The upstream "TTM" placeholder is replaced by the latest
			// quarterly date set above.
			if s, ok := rawValue.(string); ok && s != ttmPlaceholder {
				record[metric] = s
			}

			continue
		}

		value, err := normalizeValue(rawValue)
		if err != nil {
			return nil, fmt.Errorf("ttm metric %s: %w", metric, err)
		}

		record[metric] = value
	}

	return record, nil
}

// decodeObject parses the payload into a JSON object, keeping numbers as
// json.Number so integer and decimal metrics stay distinguishable.
func decodeObject(payload []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var root map[string]any

	if err := decoder.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ingestion.ErrInvalidDataFormat, err)
	}

	return root, nil
}

// normalizeValue normalizes a raw JSON value for row construction:
// null-string spellings become true nulls, json.Number becomes int64 or
// float64, scalars pass through. Nested structures are invalid.
func normalizeValue(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case string:
		if nullStrings[strings.ToUpper(strings.TrimSpace(v))] {
			return nil, nil
		}

		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}

		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable number %q", ingestion.ErrInvalidDataFormat, v.String())
		}

		return f, nil
	default:
		return nil, fmt.Errorf("%w: nested value of type %T", ingestion.ErrInvalidDataFormat, raw)
	}
}
