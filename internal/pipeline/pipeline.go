// Package pipeline runs a build: it partitions the archive into ranges of
// independent streams, processes ranges on a bounded worker pool
// (decompress, scan, normalize, store, record), then seals the shard
// manifests and merges the title index once every worker has finished.
//
// All state of one invocation lives in a RunContext; nothing is global.
// Progress is checkpointed per range, so an aborted run resumes where it
// stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/archive"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/markup"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/titleindex"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/tracing"
)

// Options configures one run.
type Options struct {
	ArchivePath string
	// IndexPath is the optional multistream index used to split the archive.
	IndexPath string
	Root      string

	Workers      int
	MaxRanges    int
	ChunkSize    int
	MaxPageBytes int

	// ShardCount fixes the number of shards; zero derives it from
	// ExpectedDocs and MaxFilesPerShard.
	ShardCount       int
	ExpectedDocs     int64
	MaxFilesPerShard int
	RetryAttempts    int

	BatchSize    int
	BlockEntries int
	MergeFanIn   int

	// Resume continues from a matching checkpoint instead of starting over.
	Resume           bool
	ProgressInterval time.Duration
	Tracing          bool
	Metrics          *metrics.Metrics
}

// OptionsFromConfig maps the configuration file onto run options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ArchivePath:      cfg.Archive.Path,
		IndexPath:        cfg.Archive.IndexPath,
		Root:             cfg.Store.Root,
		Workers:          cfg.Pipeline.Workers,
		MaxRanges:        cfg.Pipeline.MaxRanges,
		ChunkSize:        cfg.Archive.ChunkSize,
		MaxPageBytes:     cfg.Archive.MaxPageBytes,
		ShardCount:       cfg.Store.ShardCount,
		ExpectedDocs:     cfg.Store.ExpectedDocs,
		MaxFilesPerShard: cfg.Store.MaxFilesPerShard,
		RetryAttempts:    cfg.Store.RetryAttempts,
		BatchSize:        cfg.Index.BatchSize,
		BlockEntries:     cfg.Index.BlockEntries,
		MergeFanIn:       cfg.Index.MergeFanIn,
		Resume:           cfg.Pipeline.Resume,
		ProgressInterval: cfg.Pipeline.ProgressInterval,
		Tracing:          cfg.Tracing.Enabled,
	}
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 10 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
}

// RunContext is the state of one pipeline invocation.
type RunContext struct {
	ID   string
	opts Options
	log  *slog.Logger

	store      *store.Store
	builder    *titleindex.Builder
	checkpoint *Checkpoint
	cpMu       sync.Mutex
	workDir    string

	counters counters
	progress rate.Sometimes
	summary  Summary
}

// Run executes a build and returns its summary. The summary is returned on
// failure too, with Status set to StatusAborted and Error describing the
// fatal error.
func Run(ctx context.Context, opts Options) (Summary, error) {
	ctx, rc := newRunContext(ctx, opts)
	ctx, span := tracing.StartSpan(ctx, "build", rc.ID)
	err := rc.run(ctx)
	span.SetAttr("pages_written", rc.counters.written.Load())
	span.End()
	if rc.opts.Tracing {
		span.Log(rc.log)
	}
	return rc.finish(err)
}

func newRunContext(ctx context.Context, opts Options) (context.Context, *RunContext) {
	opts.defaults()
	rc := &RunContext{
		ID:       uuid.NewString(),
		opts:     opts,
		workDir:  filepath.Join(opts.Root, workDirName),
		progress: rate.Sometimes{Interval: opts.ProgressInterval},
	}
	ctx = logger.WithRunID(ctx, rc.ID)
	rc.log = logger.FromContext(ctx).With("component", "pipeline")
	rc.summary = Summary{
		RunID:     rc.ID,
		Archive:   opts.ArchivePath,
		Root:      opts.Root,
		StartedAt: time.Now().UTC(),
	}
	return ctx, rc
}

func (rc *RunContext) run(ctx context.Context) error {
	if rc.opts.ArchivePath == "" || rc.opts.Root == "" {
		return errors.New("archive path and output root are required")
	}
	if err := rc.prepare(ctx); err != nil {
		return err
	}
	if err := rc.processRanges(ctx); err != nil {
		return err
	}
	return rc.finalize(ctx)
}

// prepare partitions the archive or adopts the checkpoint of an interrupted
// run over the same archive, then opens the store and the index builder.
func (rc *RunContext) prepare(ctx context.Context) error {
	_, span := tracing.StartChildSpan(ctx, "prepare")
	defer span.End()

	fingerprint, err := archive.Fingerprint(rc.opts.ArchivePath)
	if err != nil {
		return err
	}
	var cp *Checkpoint
	if rc.opts.Resume {
		cp, err = loadCheckpoint(rc.workDir)
		if err != nil {
			rc.log.Warn("ignoring unreadable checkpoint", "error", err)
			cp = nil
		}
		if cp != nil && !cp.matches(rc.opts.ArchivePath, fingerprint) {
			rc.log.Info("checkpoint belongs to another archive, starting over")
			cp = nil
		}
	}
	resumed := cp != nil
	if !resumed {
		ranges, err := archive.Partition(rc.opts.ArchivePath, archive.PartitionOptions{
			IndexPath: rc.opts.IndexPath,
			MaxRanges: rc.opts.MaxRanges,
		})
		if err != nil {
			return err
		}
		shards := rc.opts.ShardCount
		if shards <= 0 {
			shards = store.ShardCountFor(rc.opts.ExpectedDocs, rc.opts.MaxFilesPerShard)
		}
		cp = newCheckpoint(rc.opts.ArchivePath, fingerprint, shards, ranges)
	}
	rc.checkpoint = cp
	rc.summary.ShardCount = cp.ShardCount
	rc.summary.Ranges = len(cp.Ranges)
	span.SetAttr("ranges", len(cp.Ranges))
	span.SetAttr("resumed", resumed)

	rc.store, err = store.New(store.Options{
		Root:       rc.opts.Root,
		ShardCount: cp.ShardCount,
		Retry: resilience.RetryConfig{
			MaxAttempts:  rc.opts.RetryAttempts,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
		},
		// documents of a range that was in flight when the last run stopped
		// are already on disk
		SkipExisting: resumed,
		Metrics:      rc.opts.Metrics,
	})
	if err != nil {
		return err
	}
	rc.builder, err = titleindex.NewBuilder(titleindex.BuilderOptions{
		WorkDir:      rc.workDir,
		BatchSize:    rc.opts.BatchSize,
		Slots:        rc.opts.Workers,
		BlockEntries: rc.opts.BlockEntries,
		MergeFanIn:   rc.opts.MergeFanIn,
		ShardCount:   cp.ShardCount,
		Metrics:      rc.opts.Metrics,
	})
	if err != nil {
		return err
	}
	if resumed {
		if _, err := rc.builder.ExistingRuns(cp.IsFinished); err != nil {
			return err
		}
		// a range in flight when the last run stopped may have spilled runs
		for _, rng := range cp.Ranges {
			if cp.IsFinished(rng.ID) {
				continue
			}
			if err := rc.builder.DiscardRange(rng.ID); err != nil {
				return err
			}
		}
		rc.summary.RangesResumed = cp.FinishedCount()
		rc.log.Info("resuming build",
			"ranges", len(cp.Ranges),
			"finished", cp.FinishedCount(),
			"shards", cp.ShardCount,
		)
	} else {
		if err := rc.builder.Reset(); err != nil {
			return err
		}
		if err := rc.saveCheckpoint(); err != nil {
			return err
		}
		rc.log.Info("starting build",
			"archive", rc.opts.ArchivePath,
			"ranges", len(cp.Ranges),
			"shards", cp.ShardCount,
			"workers", rc.opts.Workers,
		)
	}
	return nil
}

// processRanges fans the unfinished ranges out over the worker pool. Each
// in-flight range holds a slot, which doubles as its index buffer shard.
// The first fatal error cancels the other workers.
func (rc *RunContext) processRanges(ctx context.Context) error {
	slots := make(chan int, rc.opts.Workers)
	for i := range rc.opts.Workers {
		slots <- i
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.opts.Workers)
	for _, rng := range rc.checkpoint.Ranges {
		if rc.checkpoint.IsFinished(rng.ID) {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			slot := <-slots
			defer func() { slots <- slot }()
			if err := rc.processRange(gctx, rng, slot); err != nil {
				return fmt.Errorf("range %d: %w", rng.ID, err)
			}
			return rc.rangeDone(rng)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (rc *RunContext) processRange(ctx context.Context, rng archive.Range, slot int) error {
	ctx, span := tracing.StartChildSpan(ctx, fmt.Sprintf("range-%d", rng.ID))
	defer span.End()
	log := rc.log.With("range", rng.ID)

	r, err := archive.OpenRange(rc.opts.ArchivePath, rng, archive.WithChunkSize(rc.opts.ChunkSize))
	if err != nil {
		return err
	}
	defer r.Close()

	var (
		ordinal uint64
		written int
	)
	src := ctxSource{ctx: ctx, src: r}
	for rec, err := range markup.Pages(src, markup.Options{MaxPageBytes: rc.opts.MaxPageBytes}) {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			var merr *markup.MalformedRecordError
			if !errors.As(err, &merr) {
				return err
			}
			rc.counters.seen.Add(1)
			rc.counters.malformed.Add(1)
			rc.countPage("malformed")
			log.Warn("malformed page skipped", "offset", merr.Offset, "title", merr.Title, "reason", merr.Reason)
			continue
		}
		rc.counters.seen.Add(1)
		ok, err := rc.processPage(ctx, rec, rng.ID, &ordinal, slot, log)
		if err != nil {
			return err
		}
		if ok {
			written++
		}
		rc.progress.Do(rc.logProgress)
	}
	if err := rc.builder.FlushRange(slot, rng.ID); err != nil {
		return err
	}
	span.SetAttr("written", written)
	return nil
}

// ctxSource stops reading chunks once ctx is done, so a range that yields no
// records for a long stretch still notices cancellation.
type ctxSource struct {
	ctx context.Context
	src markup.ChunkSource
}

func (c ctxSource) ReadChunk() ([]byte, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	return c.src.ReadChunk()
}

// processPage handles one record. It returns true when a document was
// written; per-page problems are counted, only fatal errors are returned.
func (rc *RunContext) processPage(ctx context.Context, rec markup.PageRecord, rangeID int, ordinal *uint64, slot int, log *slog.Logger) (bool, error) {
	if rec.Skip {
		switch rec.SkipReason {
		case markup.SkipRedirect:
			rc.counters.redirect.Add(1)
			rc.countPage("redirect")
		default:
			rc.counters.namespace.Add(1)
			rc.countPage("namespace")
		}
		return false, nil
	}
	key := normalize.Title(rec.Title)
	body, err := normalize.Body(rec)
	if err == nil && key == "" {
		err = &normalize.UnsupportedMarkupError{Title: rec.Title, Reason: "title is empty after normalization"}
	}
	if err != nil {
		rc.counters.unsupported.Add(1)
		rc.countPage("unsupported")
		log.Debug("page dropped", "title", rec.Title, "id", rec.ID, "error", err)
		return false, nil
	}

	seq := titleindex.Seq(rangeID, *ordinal)
	*ordinal++
	doc, err := rc.store.Write(ctx, store.Input{Title: key, SourceTitle: rec.Title, Body: body, Seq: seq})
	if err != nil {
		return false, err
	}
	if err := rc.builder.Record(slot, titleindex.EntryFor(doc, seq)); err != nil {
		return false, err
	}
	rc.counters.written.Add(1)
	rc.countPage("written")
	return true, nil
}

func (rc *RunContext) countPage(outcome string) {
	if rc.opts.Metrics != nil {
		rc.opts.Metrics.PagesTotal.WithLabelValues(outcome).Inc()
	}
}

func (rc *RunContext) logProgress() {
	done := int(rc.counters.ranges.Load()) + rc.summary.RangesResumed
	rc.log.Info("progress",
		"pages_seen", rc.counters.seen.Load(),
		"pages_written", rc.counters.written.Load(),
		"malformed", rc.counters.malformed.Load(),
		"ranges_done", done,
		"ranges", len(rc.checkpoint.Ranges),
	)
}

// rangeDone checkpoints a range whose runs are durable.
func (rc *RunContext) rangeDone(rng archive.Range) error {
	rc.counters.ranges.Add(1)
	if rc.opts.Metrics != nil {
		rc.opts.Metrics.RangesCompleted.Inc()
	}
	rc.cpMu.Lock()
	defer rc.cpMu.Unlock()
	rc.checkpoint.markFinished(rng.ID)
	return rc.saveCheckpointLocked()
}

func (rc *RunContext) saveCheckpoint() error {
	rc.cpMu.Lock()
	defer rc.cpMu.Unlock()
	return rc.saveCheckpointLocked()
}

func (rc *RunContext) saveCheckpointLocked() error {
	if err := rc.checkpoint.save(rc.workDir); err != nil {
		return &store.StorageError{Op: "checkpoint", Path: rc.workDir, Err: err}
	}
	return nil
}

// finalize runs after the join barrier: it seals the manifests, merges the
// index and removes the work directory.
func (rc *RunContext) finalize(ctx context.Context) error {
	ctx, span := tracing.StartChildSpan(ctx, "finalize")
	defer span.End()

	if _, err := rc.store.Seal(ctx); err != nil {
		return err
	}
	stats, err := rc.builder.Finalize(ctx, filepath.Join(rc.opts.Root, titleindex.ArtifactName))
	if err != nil {
		return err
	}
	rc.summary.IndexEntries = stats.Entries
	rc.summary.DuplicateTitles = stats.Collisions
	rc.summary.IndexBytes = stats.Bytes
	span.SetAttr("entries", stats.Entries)
	span.SetAttr("merge_passes", stats.MergePasses)

	if err := os.RemoveAll(rc.workDir); err != nil {
		rc.log.Warn("could not remove work directory", "dir", rc.workDir, "error", err)
	}
	return nil
}

func (rc *RunContext) finish(err error) (Summary, error) {
	s := rc.summary
	rc.counters.fill(&s)
	s.RangesDone = int(rc.counters.ranges.Load()) + s.RangesResumed
	s.FinishedAt = time.Now().UTC()
	s.Status = StatusCompleted
	if err != nil {
		s.Status = StatusAborted
		s.Error = err.Error()
		rc.log.Error("build aborted", s.LogAttrs()...)
		return s, err
	}
	rc.log.Info("build complete", s.LogAttrs()...)
	return s, nil
}
