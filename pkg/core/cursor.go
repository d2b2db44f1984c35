package core

import (
	"encoding/base64"
	"encoding/json"

	"github.com/theory-cloud/cqltheory/pkg/errors"
)

// Cursor is the decoded form of a pagination cursor: the engine's opaque
// paging state (or, for plans paged in process, the row offset) plus a
// fingerprint of the plan that produced it, so a cursor replayed against a
// different query shape is rejected instead of silently resuming the wrong
// scan.
type Cursor struct {
	PagingState []byte `json:"state,omitempty"`
	Offset      int    `json:"skip,omitempty"`
	PlanHash    string `json:"plan,omitempty"`
}

// EncodeCursor encodes paging state into an opaque base64 cursor string. An
// empty state encodes to the empty string, meaning no further pages.
func EncodeCursor(pagingState []byte, planHash string) string {
	if len(pagingState) == 0 {
		return ""
	}
	data, err := json.Marshal(Cursor{PagingState: pagingState, PlanHash: planHash})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// EncodeOffsetCursor encodes a row offset for plans whose pagination runs in
// process (multi-branch merges, residual filters, in-process sorts). A
// non-positive offset encodes to the empty string.
func EncodeOffsetCursor(offset int, planHash string) string {
	if offset <= 0 {
		return ""
	}
	data, err := json.Marshal(Cursor{Offset: offset, PlanHash: planHash})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor decodes a cursor string and checks it against the current
// plan fingerprint. An empty cursor decodes to nil. A cursor that fails to
// parse, or that was issued for a different plan, is ErrInvalidCursor.
func DecodeCursor(encoded, planHash string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.NewErrorWithContext("cursor", "", errors.ErrInvalidCursor, map[string]any{
			"reason": "not base64",
		})
	}
	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, errors.NewErrorWithContext("cursor", "", errors.ErrInvalidCursor, map[string]any{
			"reason": "not a cursor payload",
		})
	}
	if cursor.PlanHash != planHash {
		return nil, errors.NewErrorWithContext("cursor", "", errors.ErrInvalidCursor, map[string]any{
			"reason": "cursor issued for a different query",
		})
	}
	return &cursor, nil
}
