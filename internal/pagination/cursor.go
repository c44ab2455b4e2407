// Package pagination implements keyset pagination over (created_at, id)
// ordered listings. Cursors are opaque to clients.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the sort key of the last item on the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 36) + "~" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. An empty string means the first page and
// yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "~")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims items fetched with limit+1 rows down to limit and
// reports whether another page exists, along with its cursor.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string, more bool) {
	if limit <= 0 || len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	createdAt, id := key(page[limit-1])
	return page, Cursor{CreatedAt: createdAt, ID: id}.Encode(), true
}
