package titleindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
)

const (
	DefaultBatchSize  = 1_000_000
	DefaultMergeFanIn = 64

	runDirName = "runs"
	runExt     = ".run"
)

// BuilderOptions configures a Builder. WorkDir holds the spilled runs and
// must survive a restart for a build to resume.
type BuilderOptions struct {
	WorkDir      string
	BatchSize    int
	Slots        int
	BlockEntries int
	MergeFanIn   int
	ShardCount   int
	Metrics      *metrics.Metrics
}

// Stats describes a finalized artifact.
type Stats struct {
	Entries     uint64 `json:"entries"`
	Collisions  uint64 `json:"collisions"`
	Blocks      uint32 `json:"blocks"`
	Runs        int    `json:"runs"`
	MergePasses int    `json:"merge_passes"`
	Bytes       int64  `json:"bytes"`
}

// Builder accumulates entries from concurrent workers. Each worker owns a
// slot; a slot buffers the entries of the range its worker is processing and
// spills them as a sorted run when full or when the range ends, so every run
// file belongs to exactly one range.
type Builder struct {
	opts    BuilderOptions
	runDir  string
	perSlot int
	slots   []slot
	log     *slog.Logger

	mu      sync.Mutex
	runs    map[int][]string
	nextRun map[int]int
}

type slot struct {
	mu      sync.Mutex
	rangeID int
	buf     []Entry
}

// NewBuilder prepares a builder. It does not touch existing runs: call Reset
// for a fresh build or ExistingRuns to resume one.
func NewBuilder(opts BuilderOptions) (*Builder, error) {
	if opts.WorkDir == "" {
		return nil, &IndexBuildError{Op: "configure", Err: fmt.Errorf("work directory is required")}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.BlockEntries <= 0 {
		opts.BlockEntries = DefaultBlockEntries
	}
	if opts.MergeFanIn < 2 {
		opts.MergeFanIn = DefaultMergeFanIn
	}
	b := &Builder{
		opts:    opts,
		runDir:  filepath.Join(opts.WorkDir, runDirName),
		perSlot: max(1, opts.BatchSize/opts.Slots),
		slots:   make([]slot, opts.Slots),
		log:     logger.WithComponent("titleindex"),
		runs:    make(map[int][]string),
		nextRun: make(map[int]int),
	}
	for i := range b.slots {
		b.slots[i].rangeID = -1
	}
	if err := os.MkdirAll(b.runDir, 0o755); err != nil {
		return nil, &IndexBuildError{Op: "create run directory", Err: err}
	}
	return b, nil
}

// Record buffers e in slot's buffer, spilling the buffer when it reaches
// its share of BatchSize. The range is taken from e.Seq.
func (b *Builder) Record(slotID int, e Entry) error {
	if slotID < 0 || slotID >= len(b.slots) {
		return &IndexBuildError{Op: "record", Err: fmt.Errorf("slot %d out of range [0,%d)", slotID, len(b.slots))}
	}
	s := &b.slots[slotID]
	rangeID := RangeOf(e.Seq)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rangeID != rangeID && len(s.buf) > 0 {
		if err := b.spill(s); err != nil {
			return err
		}
	}
	s.rangeID = rangeID
	s.buf = append(s.buf, e)
	if len(s.buf) >= b.perSlot {
		return b.spill(s)
	}
	return nil
}

// FlushRange spills whatever slot still buffers for rangeID. Once it returns
// nil every entry of the range is in a durable run.
func (b *Builder) FlushRange(slotID, rangeID int) error {
	if slotID < 0 || slotID >= len(b.slots) {
		return &IndexBuildError{Op: "flush", Err: fmt.Errorf("slot %d out of range [0,%d)", slotID, len(b.slots))}
	}
	s := &b.slots[slotID]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rangeID != rangeID || len(s.buf) == 0 {
		return nil
	}
	return b.spill(s)
}

// DiscardRange drops buffered entries and removes the runs of an unfinished
// range, including runs an interrupted build spilled for it, so that
// reprocessing it does not record its pages twice.
func (b *Builder) DiscardRange(rangeID int) error {
	for i := range b.slots {
		s := &b.slots[i]
		s.mu.Lock()
		if s.rangeID == rangeID {
			s.buf = s.buf[:0]
		}
		s.mu.Unlock()
	}

	b.mu.Lock()
	paths := b.runs[rangeID]
	delete(b.runs, rangeID)
	b.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(b.runDir, fmt.Sprintf("range-%d-*", rangeID)))
	if err != nil {
		return &IndexBuildError{Op: "discard range", Err: err}
	}
	for _, p := range append(paths, matches...) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return &IndexBuildError{Op: "discard range", Err: err}
		}
	}
	return nil
}

// ExistingRuns adopts the runs left by an interrupted build. Runs of ranges
// for which finished reports true are kept. Runs of other ranges are left in
// place for DiscardRange; anything else in the run directory, such as stale
// merge output, is removed. It returns the number of runs adopted.
func (b *Builder) ExistingRuns(finished func(rangeID int) bool) (int, error) {
	des, err := os.ReadDir(b.runDir)
	if err != nil {
		return 0, &IndexBuildError{Op: "scan runs", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	adopted := 0
	for _, de := range des {
		name := de.Name()
		path := filepath.Join(b.runDir, name)
		rangeID, n, ok := parseRunName(name)
		if ok && !finished(rangeID) {
			continue
		}
		if ok {
			b.runs[rangeID] = append(b.runs[rangeID], path)
			b.nextRun[rangeID] = max(b.nextRun[rangeID], n+1)
			adopted++
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return adopted, &IndexBuildError{Op: "remove stale run", Err: err}
		}
	}
	if adopted > 0 {
		b.log.Info("adopted runs from previous build", "runs", adopted, "ranges", len(b.runs))
	}
	return adopted, nil
}

// Reset discards every run and buffered entry.
func (b *Builder) Reset() error {
	for i := range b.slots {
		s := &b.slots[i]
		s.mu.Lock()
		s.buf = s.buf[:0]
		s.rangeID = -1
		s.mu.Unlock()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.runs)
	clear(b.nextRun)
	if err := os.RemoveAll(b.runDir); err != nil {
		return &IndexBuildError{Op: "reset", Err: err}
	}
	if err := os.MkdirAll(b.runDir, 0o755); err != nil {
		return &IndexBuildError{Op: "reset", Err: err}
	}
	return nil
}

// RunCount returns the number of runs currently spilled.
func (b *Builder) RunCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, paths := range b.runs {
		n += len(paths)
	}
	return n
}

// Finalize merges every run into the artifact at path. It must only be
// called once all workers have flushed their ranges. Runs are left in place
// so an interrupted finalize can be retried; the caller removes the work
// directory after a successful build.
func (b *Builder) Finalize(ctx context.Context, path string) (Stats, error) {
	start := time.Now()
	for i := range b.slots {
		s := &b.slots[i]
		s.mu.Lock()
		err := b.spillIfAny(s)
		s.mu.Unlock()
		if err != nil {
			return Stats{}, err
		}
	}

	b.mu.Lock()
	var paths []string
	for _, p := range b.runs {
		paths = append(paths, p...)
	}
	b.mu.Unlock()
	slices.Sort(paths)
	stats := Stats{Runs: len(paths)}

	fanIn := b.opts.MergeFanIn
	var intermediate []string
	defer func() {
		for _, p := range intermediate {
			os.Remove(p)
		}
	}()
	for pass := 1; len(paths) > fanIn; pass++ {
		b.log.Info("merge pass", "pass", pass, "runs", len(paths), "fan_in", fanIn)
		next, err := b.mergePass(ctx, pass, paths, fanIn)
		if err != nil {
			return Stats{}, &IndexBuildError{Op: fmt.Sprintf("merge pass %d", pass), Err: err}
		}
		for _, p := range paths {
			if strings.HasPrefix(filepath.Base(p), "merge-") {
				os.Remove(p)
			}
		}
		intermediate = append(intermediate, next...)
		paths = next
		stats.MergePasses = pass
	}
	stats.MergePasses++

	var collisions uint64
	entries := dedup(mergeRuns(ctx, paths), &collisions, b.log)
	h, err := WriteArtifact(path, entries, ArtifactOptions{
		BlockEntries: b.opts.BlockEntries,
		ShardCount:   b.opts.ShardCount,
		Collisions:   func() uint64 { return collisions },
	})
	if err != nil {
		var be *IndexBuildError
		if errors.As(err, &be) {
			return Stats{}, err
		}
		return Stats{}, &IndexBuildError{Op: "merge", Err: err}
	}

	stats.Entries = h.EntryCount
	stats.Collisions = h.Collisions
	stats.Blocks = h.BlockCount
	if info, err := os.Stat(path); err == nil {
		stats.Bytes = info.Size()
	}
	if m := b.opts.Metrics; m != nil {
		m.IndexEntries.Set(float64(stats.Entries))
		m.IndexMergeSeconds.Observe(time.Since(start).Seconds())
	}
	b.log.Info("title index written",
		"path", path,
		"entries", stats.Entries,
		"collisions", stats.Collisions,
		"runs", stats.Runs,
		"passes", stats.MergePasses,
		"bytes", stats.Bytes,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}

func (b *Builder) spillIfAny(s *slot) error {
	if len(s.buf) == 0 {
		return nil
	}
	return b.spill(s)
}

// spill sorts and writes the slot buffer. The caller holds s.mu.
func (b *Builder) spill(s *slot) error {
	slices.SortFunc(s.buf, compareEntries)
	b.mu.Lock()
	n := b.nextRun[s.rangeID]
	b.nextRun[s.rangeID] = n + 1
	b.mu.Unlock()

	path := b.runPath(fmt.Sprintf("range-%d-%d", s.rangeID, n))
	if err := writeRun(path, s.buf); err != nil {
		return &IndexBuildError{Op: "spill", Err: err}
	}
	b.mu.Lock()
	b.runs[s.rangeID] = append(b.runs[s.rangeID], path)
	b.mu.Unlock()
	if b.opts.Metrics != nil {
		b.opts.Metrics.IndexSpillsTotal.Inc()
	}
	b.log.Debug("spilled run", "range", s.rangeID, "entries", len(s.buf), "path", path)
	clear(s.buf)
	s.buf = s.buf[:0]
	return nil
}

func (b *Builder) runPath(name string) string {
	return filepath.Join(b.runDir, name+runExt)
}

// parseRunName recognises "range-<r>-<n>.run".
func parseRunName(name string) (rangeID, n int, ok bool) {
	rest, found := strings.CutPrefix(name, "range-")
	if !found {
		return 0, 0, false
	}
	rest, found = strings.CutSuffix(rest, runExt)
	if !found {
		return 0, 0, false
	}
	r, ns, found := strings.Cut(rest, "-")
	if !found {
		return 0, 0, false
	}
	rangeID, err := strconv.Atoi(r)
	if err != nil || rangeID < 0 {
		return 0, 0, false
	}
	n, err = strconv.Atoi(ns)
	if err != nil || n < 0 {
		return 0, 0, false
	}
	return rangeID, n, true
}
