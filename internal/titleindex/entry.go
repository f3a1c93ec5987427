// Package titleindex builds and reads title-index.bin, the sorted on-disk
// map from normalized title to document location.
//
// Entries are accumulated in per-slot buffers while the pipeline runs,
// spilled to sorted zstd run files when a buffer fills, and merged once at
// the end. The artifact is a sequence of lz4 blocks of prefix-compressed
// entries followed by a sparse block index; readers keep only the block
// index in memory and read one block per lookup.
package titleindex

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
)

// Location is where a document lives in the shard tree.
type Location struct {
	ShardID int    `json:"shard"`
	File    string `json:"file"`
	Size    int64  `json:"size"`
}

// Path is the document path relative to the store root.
func (l Location) Path() string {
	return filepath.Join("shard-"+strconv.Itoa(l.ShardID), l.File)
}

// Entry maps a normalized title to a location. Seq orders entries from the
// archive deterministically: the entry with the highest Seq wins when titles
// collide. Seq is not persisted in the artifact.
type Entry struct {
	Key      string
	Location Location
	Seq      uint64
}

// SeqBits is the width of the per-range ordinal in a sequence number.
const SeqBits = 40

// Seq composes the sequence number of the ordinal-th page of a range.
func Seq(rangeID int, ordinal uint64) uint64 {
	return uint64(rangeID)<<SeqBits | ordinal&(1<<SeqBits-1)
}

// RangeOf extracts the range ID of a sequence number.
func RangeOf(seq uint64) int {
	return int(seq >> SeqBits)
}

// EntryFor builds the index entry of a stored document.
func EntryFor(doc store.Document, seq uint64) Entry {
	return Entry{
		Key: doc.NormalizedTitle,
		Location: Location{
			ShardID: doc.ShardID,
			File:    filepath.Base(doc.Path),
			Size:    doc.SizeBytes,
		},
		Seq: seq,
	}
}

// Document turns an index hit back into a store document.
func (e Entry) Document() store.Document {
	return store.Document{
		NormalizedTitle: e.Key,
		ShardID:         e.Location.ShardID,
		Path:            e.Location.Path(),
		SizeBytes:       e.Location.Size,
	}
}

func compareEntries(a, b Entry) int {
	switch {
	case a.Key < b.Key:
		return -1
	case a.Key > b.Key:
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// IndexBuildError reports a failure sorting, spilling, merging or
// serialising entries. It is fatal to a run.
type IndexBuildError struct {
	Op  string
	Err error
}

func (e *IndexBuildError) Error() string {
	return fmt.Sprintf("title index build: %s: %v", e.Op, e.Err)
}

func (e *IndexBuildError) Unwrap() []error {
	return []error{apperrors.ErrIndexBuild, e.Err}
}

// IndexVersionError is returned by Open for an artifact this build cannot
// interpret: a foreign file, another format version or another title
// normalization rule.
type IndexVersionError struct {
	Path   string
	Reason string
}

func (e *IndexVersionError) Error() string {
	return fmt.Sprintf("title index %s: %s", e.Path, e.Reason)
}

func (e *IndexVersionError) Unwrap() error {
	return apperrors.ErrIndexVersion
}
