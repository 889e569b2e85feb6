package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/objectstore"
)

// The unified table's layout inside the table bucket. Commits are numbered
// JSON objects under the log prefix; data segments are immutable JSON
// objects referenced by commits.
const (
	TableName     = "stocks"
	logPrefix     = TableName + "/_table_log/"
	segmentPrefix = TableName + "/data/"

	logVersionDigits = 20
)

// Sentinel errors for versioned table operations.
var (
	// ErrTableNotFound indicates the table has no commits yet.
	ErrTableNotFound = errors.New("unified table not found")

	// ErrTableWrite indicates table creation failed.
	ErrTableWrite = errors.New("unified table write failed")

	// ErrTableMerge indicates a merge commit failed.
	ErrTableMerge = errors.New("unified table merge failed")

	// ErrTableRead indicates the table could not be read.
	ErrTableRead = errors.New("unified table read failed")

	// ErrSchemaMismatch indicates incompatible column types between the
	// incoming frame and the table schema.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrConcurrentCommit indicates another writer committed the version
	// this writer was about to write. The transform queue runs a single
	// consumer precisely so this never fires in production.
	ErrConcurrentCommit = errors.New("concurrent table commit detected")

	// ErrUnsafeRenameRequired indicates the table refused to commit because
	// the object store offers no conditional put and unsafe renames were
	// not explicitly allowed.
	ErrUnsafeRenameRequired = errors.New(
		"object store lacks conditional put; set S3_ALLOW_UNSAFE_RENAME to accept single-writer commits")
)

type (
	// Engine is the versioned-table interface the transform worker and the
	// metadata projector depend on.
	Engine interface {
		// Exists reports whether the table has at least one commit.
		Exists(ctx context.Context) (bool, error)

		// Merge creates the table from the frame on first write, or merges
		// the frame into the table by composite key: matched rows update
		// all columns, unmatched rows insert. Returns the table URI.
		Merge(ctx context.Context, frame *Frame) (string, error)

		// ReadWhere returns the rows matching the ticker and, when
		// non-empty, the record type. Segment pruning uses per-segment
		// ticker statistics so only relevant segments are fetched.
		ReadWhere(ctx context.Context, ticker, recordType string) ([]map[string]any, error)
	}

	// ColumnSpec is a schema entry persisted in commit objects.
	ColumnSpec struct {
		Name string `json:"name"`
		Type DType  `json:"type"`
	}

	// SegmentRef references a data segment from a commit, with the ticker
	// statistics used for predicate pushdown.
	SegmentRef struct {
		Key     string   `json:"key"`
		Rows    int      `json:"rows"`
		Tickers []string `json:"tickers"`
	}

	// commit is a single entry of the table log.
	commit struct {
		Version   int64        `json:"version"`
		Timestamp time.Time    `json:"timestamp"`
		Schema    []ColumnSpec `json:"schema"`
		Add       []SegmentRef `json:"add"`
		Remove    []string     `json:"remove"`
	}

	// segmentFile is the on-disk shape of a data segment: the column
	// schema followed by column-ordered row tuples.
	segmentFile struct {
		Schema []ColumnSpec `json:"schema"`
		Rows   [][]any      `json:"rows"`
	}

	// snapshot is the table state after replaying the log.
	snapshot struct {
		version  int64
		schema   []ColumnSpec
		segments []SegmentRef
	}

	// DeltaTable implements Engine over an object store with a numbered
	// commit log.
	//
	// The commit protocol is rename-based without conditional-put
	// semantics, so the table tolerates exactly one writer; the transform
	// queue is configured with a single consumer to guarantee that. A
	// best-effort existence check turns a lost race into
	// ErrConcurrentCommit instead of silent data loss.
	DeltaTable struct {
		store             objectstore.ObjectStore
		bucket            string
		allowUnsafeRename bool
		logger            *slog.Logger
	}

	// DeltaTableOption configures optional DeltaTable behavior.
	DeltaTableOption func(*DeltaTable)
)

// Compile-time interface assertion.
var _ Engine = (*DeltaTable)(nil)

// WithUnsafeRenameAllowed controls whether the engine may commit through a
// rename-based protocol on stores without conditional put. S3-compatible
// stores like MinIO need this enabled; the single transform consumer is
// then the only serialization mechanism.
func WithUnsafeRenameAllowed(allowed bool) DeltaTableOption {
	return func(t *DeltaTable) {
		t.allowUnsafeRename = allowed
	}
}

// NewDeltaTable creates a versioned table engine over the given bucket.
func NewDeltaTable(store objectstore.ObjectStore, bucket string, opts ...DeltaTableOption) *DeltaTable {
	engine := &DeltaTable{
		store:             store,
		bucket:            bucket,
		allowUnsafeRename: true,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// URI returns the table's s3:// URI.
func (t *DeltaTable) URI() string {
	return objectstore.BuildURI(t.bucket, TableName)
}

// Exists reports whether the table has at least one commit.
func (t *DeltaTable) Exists(ctx context.Context) (bool, error) {
	keys, err := t.store.List(ctx, t.bucket, logPrefix)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTableRead, err)
	}

	return len(keys) > 0, nil
}

// Merge creates the table on first write or merges the frame in by
// composite key.
func (t *DeltaTable) Merge(ctx context.Context, frame *Frame) (string, error) {
	// The coercion invariants hold for every write regardless of caller.
	frame.CoerceTypes()

	snap, err := t.loadSnapshot(ctx)
	if err != nil && !errors.Is(err, ErrTableNotFound) {
		return "", err
	}

	if snap == nil {
		if err := t.createTable(ctx, frame); err != nil {
			return "", err
		}

		return t.URI(), nil
	}

	if err := t.mergeIntoTable(ctx, snap, frame); err != nil {
		return "", err
	}

	return t.URI(), nil
}

// ReadWhere returns rows matching the ticker and optional record type.
func (t *DeltaTable) ReadWhere(ctx context.Context, ticker, recordType string) ([]map[string]any, error) {
	snap, err := t.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	var matched []map[string]any

	for _, segment := range snap.segments {
		if !segmentHasTicker(segment, ticker) {
			continue
		}

		rows, err := t.readSegment(ctx, segment.Key)
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			if row[ColumnTicker] != ticker {
				continue
			}

			if recordType != "" && row[ColumnRecordType] != recordType {
				continue
			}

			matched = append(matched, row)
		}
	}

	return matched, nil
}

// loadSnapshot replays the commit log. Returns ErrTableNotFound when the
// log is empty.
func (t *DeltaTable) loadSnapshot(ctx context.Context) (*snapshot, error) {
	keys, err := t.store.List(ctx, t.bucket, logPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: listing log: %v", ErrTableRead, err)
	}

	if len(keys) == 0 {
		return nil, ErrTableNotFound
	}

	sort.Strings(keys)

	snap := &snapshot{}
	live := make(map[string]SegmentRef)

	var order []string

	for _, key := range keys {
		data, err := t.store.Get(ctx, t.bucket, key)
		if err != nil {
			return nil, fmt.Errorf("%w: reading commit %s: %v", ErrTableRead, key, err)
		}

		var entry commit

		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("%w: decoding commit %s: %v", ErrTableRead, key, err)
		}

		for _, removed := range entry.Remove {
			delete(live, removed)
		}

		for _, added := range entry.Add {
			if _, seen := live[added.Key]; !seen {
				order = append(order, added.Key)
			}

			live[added.Key] = added
		}

		snap.version = entry.Version
		snap.schema = entry.Schema
	}

	for _, key := range order {
		if segment, ok := live[key]; ok {
			snap.segments = append(snap.segments, segment)
		}
	}

	return snap, nil
}

// createTable writes the first segment and commit version 0.
func (t *DeltaTable) createTable(ctx context.Context, frame *Frame) error {
	schema := frameSchema(frame)

	segment, err := t.writeSegment(ctx, 0, frame.Columns(), frame.Rows())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableWrite, err)
	}

	entry := commit{
		Version:   0,
		Timestamp: time.Now().UTC(),
		Schema:    schema,
		Add:       []SegmentRef{segment},
	}

	if err := t.writeCommit(ctx, entry); err != nil {
		return fmt.Errorf("%w: %w", ErrTableWrite, err)
	}

	t.logger.Info("Created unified stocks table",
		slog.String("table", t.URI()),
		slog.Int("rows", frame.NumRows()),
	)

	return nil
}

// mergeIntoTable rewrites the segments containing the frame's tickers and
// commits the next version.
//
// A merge only ever touches segments holding the source tickers, so the
// rest of the table is untouched regardless of its size.
func (t *DeltaTable) mergeIntoTable(ctx context.Context, snap *snapshot, frame *Frame) error {
	schema, err := unionSchema(snap.schema, frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableMerge, err)
	}

	sourceTickers := frameTickers(frame)

	var (
		touched   []SegmentRef
		untouched []SegmentRef
	)

	for _, segment := range snap.segments {
		if segmentHasAnyTicker(segment, sourceTickers) {
			touched = append(touched, segment)
		} else {
			untouched = append(untouched, segment)
		}
	}

	// Index source rows by composite key.
	sourceByKey := make(map[string]map[string]any, frame.NumRows())
	sourceOrder := make([]string, 0, frame.NumRows())

	for i := range frame.NumRows() {
		key := frame.RowKey(i).canonical()

		if _, seen := sourceByKey[key]; !seen {
			sourceOrder = append(sourceOrder, key)
		}

		sourceByKey[key] = frame.Row(i)
	}

	matched := make(map[string]bool, len(sourceByKey))

	var mergedRows []map[string]any

	for _, segment := range touched {
		rows, err := t.readSegment(ctx, segment.Key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTableMerge, err)
		}

		for _, row := range rows {
			key := rowKeyOf(row).canonical()

			source, ok := sourceByKey[key]
			if !ok {
				mergedRows = append(mergedRows, row)

				continue
			}

			// Matched: update all source columns on the target row.
			matched[key] = true
			updated := make(map[string]any, len(row))

			for column, value := range row {
				updated[column] = value
			}

			for _, column := range frame.Columns() {
				updated[column] = source[column]
			}

			mergedRows = append(mergedRows, updated)
		}
	}

	// Unmatched source rows insert.
	for _, key := range sourceOrder {
		if !matched[key] {
			mergedRows = append(mergedRows, sourceByKey[key])
		}
	}

	columns := make([]string, 0, len(schema))
	for _, spec := range schema {
		columns = append(columns, spec.Name)
	}

	version := snap.version + 1

	segment, err := t.writeSegment(ctx, version, columns, mergedRows)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableMerge, err)
	}

	removed := make([]string, 0, len(touched))
	for _, old := range touched {
		removed = append(removed, old.Key)
	}

	entry := commit{
		Version:   version,
		Timestamp: time.Now().UTC(),
		Schema:    schema,
		Add:       []SegmentRef{segment},
		Remove:    removed,
	}

	if err := t.writeCommit(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", ErrTableMerge, err)
	}

	t.logger.Info("Merged data into unified stocks table",
		slog.String("table", t.URI()),
		slog.Int64("version", version),
		slog.Int("rows", frame.NumRows()),
	)

	return nil
}

// writeSegment persists rows as an immutable segment and returns its ref.
func (t *DeltaTable) writeSegment(
	ctx context.Context,
	version int64,
	columns []string,
	rows []map[string]any,
) (SegmentRef, error) {
	schema := make([]ColumnSpec, 0, len(columns))
	// Segments can carry columns the incoming frame never typed (older
	// table columns); those are not in any frame here, so the schema comes
	// from the caller's column order with types resolved from the rows.
	types := inferSegmentTypes(columns, rows)

	for _, column := range columns {
		schema = append(schema, ColumnSpec{Name: column, Type: types[column]})
	}

	file := segmentFile{Schema: schema, Rows: make([][]any, 0, len(rows))}

	tickerSet := make(map[string]bool)

	for _, row := range rows {
		tuple := make([]any, len(columns))

		for i, column := range columns {
			tuple[i] = row[column]
		}

		file.Rows = append(file.Rows, tuple)

		if ticker, ok := row[ColumnTicker].(string); ok {
			tickerSet[ticker] = true
		}
	}

	data, err := json.Marshal(file)
	if err != nil {
		return SegmentRef{}, fmt.Errorf("encoding segment: %w", err)
	}

	key := fmt.Sprintf("%spart-%05d-%s.json", segmentPrefix, version, uuid.New())

	if err := t.store.Put(ctx, t.bucket, key, data, "application/json"); err != nil {
		return SegmentRef{}, fmt.Errorf("uploading segment %s: %w", key, err)
	}

	tickers := make([]string, 0, len(tickerSet))
	for ticker := range tickerSet {
		tickers = append(tickers, ticker)
	}

	sort.Strings(tickers)

	return SegmentRef{Key: key, Rows: len(rows), Tickers: tickers}, nil
}

// writeCommit persists a commit object at its version-numbered key.
//
// Without conditional-put the existence probe is best effort: the single
// transform consumer is the real serialization mechanism.
func (t *DeltaTable) writeCommit(ctx context.Context, entry commit) error {
	if !t.allowUnsafeRename {
		return fmt.Errorf("%w: refusing to commit version %d", ErrUnsafeRenameRequired, entry.Version)
	}

	key := fmt.Sprintf("%s%0*d.json", logPrefix, logVersionDigits, entry.Version)

	if _, err := t.store.Get(ctx, t.bucket, key); err == nil {
		return fmt.Errorf("%w: version %d already committed", ErrConcurrentCommit, entry.Version)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding commit: %w", err)
	}

	if err := t.store.Put(ctx, t.bucket, key, data, "application/json"); err != nil {
		return fmt.Errorf("uploading commit %s: %w", key, err)
	}

	return nil
}

// readSegment loads a segment's rows keyed by column name.
func (t *DeltaTable) readSegment(ctx context.Context, key string) ([]map[string]any, error) {
	data, err := t.store.Get(ctx, t.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("reading segment %s: %w", key, err)
	}

	var file segmentFile

	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding segment %s: %w", key, err)
	}

	rows := make([]map[string]any, 0, len(file.Rows))

	for _, tuple := range file.Rows {
		row := make(map[string]any, len(file.Schema))

		for i, spec := range file.Schema {
			if i < len(tuple) {
				row[spec.Name] = tuple[i]
			} else {
				row[spec.Name] = nil
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// frameSchema renders a frame's schema as commit column specs.
func frameSchema(frame *Frame) []ColumnSpec {
	columns := frame.Columns()
	schema := make([]ColumnSpec, 0, len(columns))

	for _, column := range columns {
		dtype, _ := frame.Type(column)
		schema = append(schema, ColumnSpec{Name: column, Type: dtype})
	}

	return schema
}

// unionSchema merges the table schema with an incoming frame's schema.
//
// New frame columns append. A type conflict is tolerated only when every
// incoming value in that column is null (an all-null column coerced to
// Utf8 merging into a typed table column); otherwise it is an error.
func unionSchema(existing []ColumnSpec, frame *Frame) ([]ColumnSpec, error) {
	out := append([]ColumnSpec(nil), existing...)
	known := make(map[string]DType, len(existing))

	for _, spec := range existing {
		known[spec.Name] = spec.Type
	}

	for _, column := range frame.Columns() {
		incoming, _ := frame.Type(column)

		current, seen := known[column]
		if !seen {
			out = append(out, ColumnSpec{Name: column, Type: incoming})
			known[column] = incoming

			continue
		}

		if current == incoming {
			continue
		}

		if columnAllNull(frame, column) {
			continue
		}

		return nil, fmt.Errorf("%w: column %s is %s in table but %s in frame",
			ErrSchemaMismatch, column, current, incoming)
	}

	return out, nil
}

// columnAllNull reports whether every value of the column is nil.
func columnAllNull(frame *Frame, column string) bool {
	for _, row := range frame.Rows() {
		if row[column] != nil {
			return false
		}
	}

	return true
}

// inferSegmentTypes resolves column types from merged rows, defaulting
// untyped (all-null) columns to Utf8.
func inferSegmentTypes(columns []string, rows []map[string]any) map[string]DType {
	types := make(map[string]DType, len(columns))

	for _, column := range columns {
		types[column] = DTypeNull
	}

	for _, row := range rows {
		for _, column := range columns {
			dtype, _, err := inferValue(row[column])
			if err != nil {
				continue
			}

			if merged, err := mergeDType(types[column], dtype); err == nil {
				types[column] = merged
			}
		}
	}

	for _, column := range columns {
		if types[column] == DTypeNull {
			types[column] = DTypeUtf8
		}

		if types[column] == DTypeInt64 && !IsKeyColumn(column) {
			types[column] = DTypeFloat64
		}
	}

	return types
}

// frameTickers returns the distinct tickers in the frame.
func frameTickers(frame *Frame) map[string]bool {
	tickers := make(map[string]bool)

	for _, row := range frame.Rows() {
		if ticker, ok := row[ColumnTicker].(string); ok {
			tickers[ticker] = true
		}
	}

	return tickers
}

// rowKeyOf extracts the composite key from a raw row map.
func rowKeyOf(row map[string]any) Key {
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

// segmentHasTicker reports whether the segment's ticker stats include the
// ticker.
func segmentHasTicker(segment SegmentRef, ticker string) bool {
	for _, candidate := range segment.Tickers {
		if candidate == ticker {
			return true
		}
	}

	return false
}

// segmentHasAnyTicker reports whether the segment holds any of the tickers.
func segmentHasAnyTicker(segment SegmentRef, tickers map[string]bool) bool {
	for _, candidate := range segment.Tickers {
		if tickers[candidate] {
			return true
		}
	}

	return false
}
