// Package store writes normalized documents into a sharded directory tree.
// The shard of a document is a pure function of its normalized title. Bodies
// are written outside any lock; only the final rename and the manifest append
// take the shard's lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/cespare/xxhash/v2"

	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/resilience"
)

const DefaultMaxFilesPerShard = 4000

// Document locates one stored article. Path is relative to the store root.
type Document struct {
	NormalizedTitle string `json:"title"`
	ShardID         int    `json:"shard"`
	Path            string `json:"path"`
	SizeBytes       int64  `json:"size"`
}

// Input is one document to store. SourceTitle is the page title as it
// appeared in the dump; it only influences the file name. Seq orders writes
// of the same source: a file is never replaced by a lower Seq from the same
// run.
type Input struct {
	Title       string
	SourceTitle string
	Body        string
	Seq         uint64
}

// StorageError reports a write that failed permanently or exhausted its
// retries. It matches both errors.ErrStorage and the cause.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{apperrors.ErrStorage, e.Err}
}

// Options configures a Store.
type Options struct {
	Root       string
	ShardCount int
	Retry      resilience.RetryConfig
	// SkipExisting leaves a document alone when its shard manifest already
	// lists it with the same size, and lets Seq values recorded by an earlier
	// run take part in ordering.
	SkipExisting bool
	Metrics      *metrics.Metrics
}

// Store is safe for concurrent use.
type Store struct {
	root       string
	shardCount int
	retry      resilience.RetryConfig
	skip       bool
	readOnly   bool
	metrics    *metrics.Metrics
	logger     *slog.Logger

	shards []shardState
}

type shardState struct {
	mu      sync.Mutex
	dirOnce sync.Once
	dirErr  error
	// owners maps file names to the page that last wrote them. Guarded by
	// mu and loaded from the manifest on first use.
	owners map[string]owner
}

type owner struct {
	source  string
	seq     uint64
	size    int64
	thisRun bool
}

func New(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if opts.ShardCount <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", opts.ShardCount)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving store root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: root, Err: err}
	}
	s := &Store{
		root:       root,
		shardCount: opts.ShardCount,
		retry:      opts.Retry,
		skip:       opts.SkipExisting,
		metrics:    opts.Metrics,
		logger:     logger.WithComponent("store"),
		shards:     make([]shardState, opts.ShardCount),
	}
	s.retry.Retryable = isTransient
	if s.metrics != nil {
		s.retry.OnRetry = func(int, error) { s.metrics.StorageRetries.Inc() }
	}
	return s, nil
}

// OpenReadOnly opens an existing tree for reading. Unlike New it creates
// nothing, and Write and Seal fail.
func OpenReadOnly(root string, shardCount int) (*Store, error) {
	if shardCount <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shardCount)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving store root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("store root %s: %w", abs, apperrors.ErrNotFound)
		}
		return nil, &StorageError{Op: "stat", Path: abs, Err: err}
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root %s is not a directory: %w", abs, apperrors.ErrInvalidInput)
	}
	return &Store{
		root:       abs,
		shardCount: shardCount,
		readOnly:   true,
		logger:     logger.WithComponent("store"),
		shards:     make([]shardState, shardCount),
	}, nil
}

var errReadOnly = errors.New("store opened read-only")

// ShardCountFor picks a shard count that keeps the expected documents per
// shard under maxPerShard, with a quarter of headroom for hash skew.
func ShardCountFor(expectedDocs int64, maxPerShard int) int {
	if maxPerShard <= 0 {
		maxPerShard = DefaultMaxFilesPerShard
	}
	if expectedDocs <= 0 {
		return 1
	}
	n := math.Ceil(float64(expectedDocs) * 1.25 / float64(maxPerShard))
	return max(1, int(n))
}

// ShardFor maps a normalized title to its shard.
func ShardFor(title string, shardCount int) int {
	return int(xxhash.Sum64String(title) % uint64(shardCount))
}

func (s *Store) Root() string { return s.root }

func (s *Store) ShardCount() int { return s.shardCount }

func (s *Store) ShardFor(title string) int {
	return ShardFor(title, s.shardCount)
}

func shardDir(id int) string {
	return fmt.Sprintf("shard-%d", id)
}

// Write stores in.Body under in.Title. The file only appears under its final
// name once fully written and synced; a crash mid-write leaves at most a
// ".tmp-" file, which Seal removes. When the variant name of in.SourceTitle
// already belongs to another source, the next free variant is used.
func (s *Store) Write(ctx context.Context, in Input) (Document, error) {
	if in.Title == "" {
		return Document{}, fmt.Errorf("store write: %w: empty title", apperrors.ErrInvalidInput)
	}
	if s.readOnly {
		return Document{}, &StorageError{Op: "write", Path: s.root, Err: errReadOnly}
	}
	if in.SourceTitle == "" {
		in.SourceTitle = in.Title
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	shard := s.ShardFor(in.Title)
	size := int64(len(in.Body))

	st := &s.shards[shard]
	dir := filepath.Join(s.root, shardDir(shard))
	st.dirOnce.Do(func() { st.dirErr = os.MkdirAll(dir, 0o755) })
	if st.dirErr != nil {
		return Document{}, &StorageError{Op: "mkdir", Path: dir, Err: st.dirErr}
	}

	if s.skip {
		if doc, ok := s.skipListed(shard, in, size); ok {
			return doc, nil
		}
	}

	var tmpName string
	err := resilience.Retry(ctx, "store.write", s.retry, func() error {
		var err error
		tmpName, err = writeTemp(dir, in.Body)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return Document{}, ctx.Err()
		}
		return Document{}, &StorageError{Op: "write", Path: shardDir(shard), Err: err}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s.loadOwnersLocked(shard)
	name := s.claimLocked(shard, in.Title, in.SourceTitle)
	doc := Document{
		NormalizedTitle: in.Title,
		ShardID:         shard,
		Path:            filepath.Join(shardDir(shard), name),
		SizeBytes:       size,
	}

	if cur, ok := st.owners[name]; ok && cur.source == in.SourceTitle && cur.seq > in.Seq && (cur.thisRun || s.skip) {
		// a later page of the same source already holds the name
		os.Remove(tmpName)
		return doc, nil
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return Document{}, &StorageError{Op: "rename", Path: doc.Path, Err: err}
	}
	st.owners[name] = owner{source: in.SourceTitle, seq: in.Seq, size: size, thisRun: true}
	entry := ManifestEntry{File: name, Size: size, Seq: in.Seq, Title: in.Title, Source: in.SourceTitle}
	if err := s.appendManifestLocked(shard, entry); err != nil {
		return Document{}, err
	}
	if s.metrics != nil {
		s.metrics.DocumentsWritten.Inc()
		s.metrics.DocumentBytes.Add(float64(doc.SizeBytes))
	}
	return doc, nil
}

// skipListed reports whether the manifest of an earlier run already lists
// the page with the same size and the file is intact.
func (s *Store) skipListed(shard int, in Input, size int64) (Document, bool) {
	st := &s.shards[shard]
	st.mu.Lock()
	defer st.mu.Unlock()
	s.loadOwnersLocked(shard)
	name := s.claimLocked(shard, in.Title, in.SourceTitle)
	cur, ok := st.owners[name]
	if !ok || cur.thisRun || cur.source != in.SourceTitle || cur.size != size || !s.onDisk(shard, name, size) {
		return Document{}, false
	}
	cur.thisRun = true
	st.owners[name] = cur
	return Document{
		NormalizedTitle: in.Title,
		ShardID:         shard,
		Path:            filepath.Join(shardDir(shard), name),
		SizeBytes:       size,
	}, true
}

// claimLocked picks the file name for a page: the first variant that is free
// or already held by the same source.
func (s *Store) claimLocked(shard int, title, source string) string {
	owners := s.shards[shard].owners
	for bump := uint64(0); ; bump++ {
		name := variantName(title, source, bump)
		cur, ok := owners[name]
		if !ok || cur.source == source {
			if bump > 0 {
				s.logger.Warn("file name variant collision", "shard_id", shard, "title", title, "source", source, "file", name)
			}
			return name
		}
	}
}

// loadOwnersLocked reads the shard manifest the first time the shard is
// written. An unreadable manifest is logged and treated as empty.
func (s *Store) loadOwnersLocked(shard int) {
	st := &s.shards[shard]
	if st.owners != nil {
		return
	}
	entries, _, err := s.Manifest(shard)
	if err != nil {
		s.logger.Warn("ignoring unreadable manifest", "shard_id", shard, "error", err)
		entries = nil
	}
	st.owners = make(map[string]owner, len(entries))
	for _, e := range entries {
		st.owners[e.File] = owner{source: e.Source, seq: e.Seq, size: e.Size}
	}
}

func (s *Store) onDisk(shard int, name string, size int64) bool {
	info, err := os.Stat(filepath.Join(s.root, shardDir(shard), name))
	return err == nil && info.Size() == size
}

// writeTemp writes body to a synced temp file in dir and returns its path.
func writeTemp(dir, body string) (string, error) {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// writeAtomic writes body to a temp file in dir and renames it over final.
func writeAtomic(dir, final, body string) error {
	tmpName, err := writeTemp(dir, body)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

const tempPrefix = ".tmp-"

// isTransient reports whether a failed write is worth retrying. A full,
// read-only or forbidden filesystem will not recover by waiting.
func isTransient(err error) bool {
	for _, errno := range []syscall.Errno{syscall.ENOSPC, syscall.EACCES, syscall.EPERM, syscall.EROFS, syscall.EDQUOT} {
		if errors.Is(err, errno) {
			return false
		}
	}
	return true
}

// Open opens a stored document by its root-relative path.
func (s *Store) Open(rel string) (*os.File, error) {
	abs, err := s.safePath(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("document %s: %w", rel, apperrors.ErrNotFound)
		}
		return nil, &StorageError{Op: "open", Path: rel, Err: err}
	}
	return f, nil
}

// Read returns the full body of a stored document.
func (s *Store) Read(rel string) ([]byte, error) {
	f, err := s.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: rel, Err: err}
	}
	return data, nil
}

// safePath resolves rel against the root and rejects anything escaping it.
func (s *Store) safePath(rel string) (string, error) {
	cleaned := filepath.Clean(rel)
	if rel == "" || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("document path %q: %w", rel, apperrors.ErrInvalidInput)
	}
	abs := filepath.Join(s.root, cleaned)
	if !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("document path %q escapes store root: %w", rel, apperrors.ErrInvalidInput)
	}
	return abs, nil
}
