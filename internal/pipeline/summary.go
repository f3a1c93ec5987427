package pipeline

import (
	"sync/atomic"
	"time"
)

// Status of a finished run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Summary is the report every run ends with, whether it completed or not.
type Summary struct {
	RunID            string    `json:"run_id"`
	Archive          string    `json:"archive"`
	Root             string    `json:"root"`
	Status           Status    `json:"status"`
	Error            string    `json:"error,omitempty"`
	PagesSeen        int64     `json:"pages_seen"`
	PagesWritten     int64     `json:"pages_written"`
	SkippedNamespace int64     `json:"skipped_namespace"`
	SkippedRedirect  int64     `json:"skipped_redirect"`
	Malformed        int64     `json:"malformed"`
	Unsupported      int64     `json:"unsupported_markup"`
	DuplicateTitles  uint64    `json:"duplicate_titles"`
	IndexEntries     uint64    `json:"index_entries"`
	IndexBytes       int64     `json:"index_bytes"`
	ShardCount       int       `json:"shard_count"`
	Ranges           int       `json:"ranges"`
	RangesDone       int       `json:"ranges_done"`
	RangesResumed    int       `json:"ranges_resumed"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// LogAttrs flattens the summary for slog.
func (s Summary) LogAttrs() []any {
	attrs := []any{
		"status", s.Status,
		"pages_seen", s.PagesSeen,
		"pages_written", s.PagesWritten,
		"skipped_namespace", s.SkippedNamespace,
		"skipped_redirect", s.SkippedRedirect,
		"malformed", s.Malformed,
		"unsupported_markup", s.Unsupported,
		"duplicate_titles", s.DuplicateTitles,
		"index_entries", s.IndexEntries,
		"ranges_done", s.RangesDone,
		"ranges", s.Ranges,
		"duration_ms", s.Duration().Milliseconds(),
	}
	if s.Error != "" {
		attrs = append(attrs, "error", s.Error)
	}
	return attrs
}

// counters are the per-page tallies shared by all workers of a run.
type counters struct {
	seen        atomic.Int64
	written     atomic.Int64
	namespace   atomic.Int64
	redirect    atomic.Int64
	malformed   atomic.Int64
	unsupported atomic.Int64
	ranges      atomic.Int64
}

func (c *counters) fill(s *Summary) {
	s.PagesSeen = c.seen.Load()
	s.PagesWritten = c.written.Load()
	s.SkippedNamespace = c.namespace.Load()
	s.SkippedRedirect = c.redirect.Load()
	s.Malformed = c.malformed.Load()
	s.Unsupported = c.unsupported.Load()
}
