// Package markup incrementally extracts page records from a dump's XML stream
// by delimiter matching. It never builds a document tree: only the bytes of
// the page currently being assembled are buffered.
package markup

import (
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
)

// SkipReason explains why a record is flagged for skipping.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipNamespace SkipReason = "namespace"
	SkipRedirect  SkipReason = "redirect"
)

// PageRecord is one article's metadata and raw wikitext. Title is never
// empty. RawBody is entity-decoded and left nil for skipped records.
type PageRecord struct {
	Title      string
	Namespace  int
	ID         int64
	RawBody    []byte
	Redirect   bool
	Skip       bool
	SkipReason SkipReason
	// Offset is the position of the page start in the decompressed stream.
	Offset int64
}

// MalformedRecordError reports a page whose delimiters do not nest. The
// partial record has been discarded and scanning resumed.
type MalformedRecordError struct {
	Offset int64
	Title  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("malformed page %q at offset %d: %s", e.Title, e.Offset, e.Reason)
	}
	return fmt.Sprintf("malformed page at offset %d: %s", e.Offset, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return apperrors.ErrMalformedRecord
}
