package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raulstechtips/stock-etl/internal/objectstore"
)

const testBucket = "stock-table"

func newTestTable() (*DeltaTable, *objectstore.MemoryStore) {
	store := objectstore.NewMemoryStore(testBucket)

	return NewDeltaTable(store, testBucket), store
}

func financialsFrame(t *testing.T, ticker string, revenues map[string]float64) *Frame {
	t.Helper()

	records := make([]map[string]any, 0, len(revenues))

	for _, date := range sortedKeys(revenues) {
		records = append(records, map[string]any{
			ColumnTicker:        ticker,
			ColumnRecordType:    RecordTypeFinancials,
			ColumnPeriodEndDate: date,
			"revenue":           revenues[date],
		})
	}

	frame, err := NewFrame(records)
	require.NoError(t, err)

	return frame
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}

	return keys
}

func TestDeltaTable_CreateOnFirstMerge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine, _ := newTestTable()
	ctx := context.Background()

	exists, err := engine.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	uri, err := engine.Merge(ctx, financialsFrame(t, "AAPL", map[string]float64{
		"2025-03-31": 100,
		"2025-06-30": 110,
	}))
	require.NoError(t, err)
	assert.Equal(t, "s3://"+testBucket+"/stocks", uri)

	exists, err = engine.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	rows, err := engine.ReadWhere(ctx, "AAPL", RecordTypeFinancials)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestDeltaTable_MergeUpdatesMatchedAndInsertsUnmatched(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine, _ := newTestTable()
	ctx := context.Background()

	_, err := engine.Merge(ctx, financialsFrame(t, "AAPL", map[string]float64{
		"2025-03-31": 100,
	}))
	require.NoError(t, err)

	// Second merge: updates Q1 and inserts Q2.
	_, err = engine.Merge(ctx, financialsFrame(t, "AAPL", map[string]float64{
		"2025-03-31": 105,
		"2025-06-30": 110,
	}))
	require.NoError(t, err)

	rows, err := engine.ReadWhere(ctx, "AAPL", RecordTypeFinancials)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byDate := make(map[string]float64)
	for _, row := range rows {
		byDate[row[ColumnPeriodEndDate].(string)] = row["revenue"].(float64)
	}

	assert.InDelta(t, 105.0, byDate["2025-03-31"], 0.001)
	assert.InDelta(t, 110.0, byDate["2025-06-30"], 0.001)
}

func TestDeltaTable_MetadataNullKeyMerges(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine, _ := newTestTable()
	ctx := context.Background()

	metadataFrame := func(sector string) *Frame {
		frame, err := NewFrame([]map[string]any{{
			ColumnTicker:        "AAPL",
			ColumnRecordType:    RecordTypeMetadata,
			ColumnPeriodEndDate: nil,
			"sector":            sector,
		}})
		require.NoError(t, err)

		return frame
	}

	_, err := engine.Merge(ctx, metadataFrame("Technology"))
	require.NoError(t, err)

	// A second metadata merge must update, not insert: two nulls compare
	// equal under the merge predicate.
	_, err = engine.Merge(ctx, metadataFrame("Information Technology"))
	require.NoError(t, err)

	rows, err := engine.ReadWhere(ctx, "AAPL", RecordTypeMetadata)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Information Technology", rows[0]["sector"])
}

func TestDeltaTable_MergeLeavesOtherTickersUntouched(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine, _ := newTestTable()
	ctx := context.Background()

	_, err := engine.Merge(ctx, financialsFrame(t, "AAPL", map[string]float64{"2025-03-31": 100}))
	require.NoError(t, err)

	_, err = engine.Merge(ctx, financialsFrame(t, "MSFT", map[string]float64{"2025-03-31": 200}))
	require.NoError(t, err)

	_, err = engine.Merge(ctx, financialsFrame(t, "AAPL", map[string]float64{"2025-03-31": 101}))
	require.NoError(t, err)

	aapl, err := engine.ReadWhere(ctx, "AAPL", "")
	require.NoError(t, err)
	require.Len(t, aapl, 1)
	assert.InDelta(t, 101.0, aapl[0]["revenue"].(float64), 0.001)

	msft, err := engine.ReadWhere(ctx, "MSFT", "")
	require.NoError(t, err)
	require.Len(t, msft, 1)
	assert.InDelta(t, 200.0, msft[0]["revenue"].(float64), 0.001)
}

func TestDeltaTable_RoundTripKeys(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine, _ := newTestTable()
	ctx := context.Background()

	date := "2025-06-30"
	records := []map[string]any{
		{ColumnTicker: "AAPL", ColumnRecordType: RecordTypeFinancials, ColumnPeriodEndDate: "2025-03-31", "revenue": 100.0},
		{ColumnTicker: "AAPL", ColumnRecordType: RecordTypeFinancials, ColumnPeriodEndDate: date, "revenue": 110.0},
		{ColumnTicker: "AAPL", ColumnRecordType: RecordTypeMetadata, ColumnPeriodEndDate: nil, "sector": "Technology"},
		{ColumnTicker: "AAPL", ColumnRecordType: RecordTypeTTM, ColumnPeriodEndDate: date, "revenue": 410.0},
	}

	frame, err := NewFrame(records)
	require.NoError(t, err)

	emitted := make(map[string]bool)
	for i := range frame.NumRows() {
		emitted[frame.RowKey(i).canonical()] = true
	}

	_, err = engine.Merge(ctx, frame)
	require.NoError(t, err)

	rows, err := engine.ReadWhere(ctx, "AAPL", "")
	require.NoError(t, err)

	// The key set read back equals the key set emitted by the reshape.
	readBack := make(map[string]bool)
	for _, row := range rows {
		readBack[rowKeyOf(row).canonical()] = true
	}

	assert.Equal(t, emitted, readBack)
}

func TestDeltaTable_SchemaUnionAddsColumns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine, _ := newTestTable()
	ctx := context.Background()

	_, err := engine.Merge(ctx, financialsFrame(t, "AAPL", map[string]float64{"2025-03-31": 100}))
	require.NoError(t, err)

	frame, err := NewFrame([]map[string]any{{
		ColumnTicker:        "AAPL",
		ColumnRecordType:    RecordTypeFinancials,
		ColumnPeriodEndDate: "2025-06-30",
		"revenue":           110.0,
		"eps":               1.5,
	}})
	require.NoError(t, err)

	_, err = engine.Merge(ctx, frame)
	require.NoError(t, err)

	rows, err := engine.ReadWhere(ctx, "AAPL", RecordTypeFinancials)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, row := range rows {
		if row[ColumnPeriodEndDate] == "2025-03-31" {
			// Older rows carry a null for the new column.
			assert.Nil(t, row["eps"])
		} else {
			assert.InDelta(t, 1.5, row["eps"].(float64), 0.001)
		}
	}
}

func TestDeltaTable_ReadWhereMissingTable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine, _ := newTestTable()

	_, err := engine.ReadWhere(context.Background(), "AAPL", RecordTypeMetadata)
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestDeltaTable_RefusesCommitWithoutUnsafeRename(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := objectstore.NewMemoryStore(testBucket)
	engine := NewDeltaTable(store, testBucket, WithUnsafeRenameAllowed(false))

	_, err := engine.Merge(context.Background(), financialsFrame(t, "AAPL", map[string]float64{
		"2025-03-31": 100,
	}))
	require.ErrorIs(t, err, ErrUnsafeRenameRequired)
}

func TestDeltaTable_VersionedCommits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine, store := newTestTable()
	ctx := context.Background()

	_, err := engine.Merge(ctx, financialsFrame(t, "AAPL", map[string]float64{"2025-03-31": 100}))
	require.NoError(t, err)

	_, err = engine.Merge(ctx, financialsFrame(t, "AAPL", map[string]float64{"2025-03-31": 101}))
	require.NoError(t, err)

	commits, err := store.List(ctx, testBucket, logPrefix)
	require.NoError(t, err)
	assert.Len(t, commits, 2, "each merge appends one commit to the log")
}
