// Package pagination implements the opaque cursor scheme shared by
// every list-shaped tool: offset/limit paging with a filter fingerprint
// that rejects a cursor replayed against a different filter set.
package pagination

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentmesh/agentmesh/internal/apperr"
)

// Cursor is the decoded form of the opaque token callers pass between
// pages. FilterHash is empty only for list operations that take no
// filters.
type Cursor struct {
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	FilterHash string `json:"filter_hash,omitempty"`
}

// Page describes a decoded, validated request for one page of results,
// ready to hand to a component's read path.
type Page struct {
	Offset int
	Limit  int
}

// HashFilters produces a stable 16-hex-character fingerprint of a
// filter set, order-independent with respect to map iteration: keys
// are sorted before hashing so the same logical filters always hash
// the same way regardless of how the caller built the map.
func HashFilters(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(filters[k])
		b.WriteByte('\x1f')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Encode produces the opaque cursor token for the next page.
func Encode(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses an opaque cursor token. An empty token is valid and
// represents "start from the beginning" with no cursor-carried state.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, apperr.InvalidCursor("cursor is not valid base64")
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, apperr.InvalidCursor("cursor payload is not valid")
	}
	if c.Offset < 0 {
		return Cursor{}, apperr.InvalidCursor("cursor offset must be non-negative")
	}
	if c.Limit < 1 || c.Limit > 1000 {
		return Cursor{}, apperr.InvalidCursor("cursor limit must be between 1 and 1000")
	}
	return c, nil
}

// Resolve decodes a cursor token (if any), validates it against the
// current call's filters and requested limit, clamps the limit into
// [1, maxLimit], and returns the page to fetch. If filters differ from
// the filters the cursor was minted under, it returns
// PaginationFilterMismatch rather than silently restarting or mixing
// result sets.
func Resolve(token string, requestedLimit, defaultLimit, maxLimit int, filters map[string]string) (Page, error) {
	limit := requestedLimit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if limit < 1 {
		limit = 1
	}

	cursor, err := Decode(token)
	if err != nil {
		return Page{}, err
	}
	if token == "" {
		return Page{Offset: 0, Limit: limit}, nil
	}

	currentHash := HashFilters(filters)
	if cursor.FilterHash != currentHash {
		return Page{}, apperr.PaginationFilterMismatch()
	}

	return Page{Offset: cursor.Offset, Limit: limit}, nil
}

// Next builds the cursor token for the page after the one just served,
// or "" if fewer than Limit items were returned (there is no next page).
func Next(page Page, returned int, filters map[string]string) string {
	if returned < page.Limit {
		return ""
	}
	return Encode(Cursor{
		Offset:     page.Offset + returned,
		Limit:      page.Limit,
		FilterHash: HashFilters(filters),
	})
}

// Meta is the pagination metadata block attached to every list-shaped
// tool response.
type Meta struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
	Returned   int    `json:"returned"`
}

// BuildMeta assembles the response metadata for a page that returned
// `returned` items out of a page sized `page.Limit`.
func BuildMeta(page Page, returned int, filters map[string]string) Meta {
	next := Next(page, returned, filters)
	return Meta{
		NextCursor: next,
		HasMore:    next != "",
		Returned:   returned,
	}
}

// String is a debug helper; not used on the wire.
func (c Cursor) String() string {
	return fmt.Sprintf("Cursor{offset=%d limit=%d filter_hash=%s}", c.Offset, c.Limit, c.FilterHash)
}
