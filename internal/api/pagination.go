package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/storage"
)

// Pagination bounds: default 50, max 100, ordering -created_at.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// ErrInvalidCursor indicates a cursor that does not decode.
var ErrInvalidCursor = errors.New("invalid cursor")

// parsePageSize reads the page_size query parameter with bounds applied.
func parsePageSize(values url.Values) (int, error) {
	raw := values.Get("page_size")
	if raw == "" {
		return DefaultPageSize, nil
	}

	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("page_size must be a positive integer, got %q", raw)
	}

	if size > MaxPageSize {
		size = MaxPageSize
	}

	return size, nil
}

// encodeCursor renders an opaque cursor from a row position.
func encodeCursor(createdAt time.Time, id uuid.UUID) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id.String()

	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses an opaque cursor back into a row position.
func decodeCursor(encoded string) (*storage.Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	createdAtRaw, idRaw, found := strings.Cut(string(raw), "|")
	if !found {
		return nil, fmt.Errorf("%w: missing separator", ErrInvalidCursor)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	return &storage.Cursor{CreatedAt: createdAt, ID: id}, nil
}

// nextCursorFor returns the cursor of the last row when the page is full,
// or nil when this was the final page.
func nextCursorFor(count, pageSize int, lastCreatedAt time.Time, lastID uuid.UUID) *string {
	if count < pageSize {
		return nil
	}

	cursor := encodeCursor(lastCreatedAt, lastID)

	return &cursor
}
