package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	manifestName  = "manifest"
	sealedTrailer = "#complete "
)

// ManifestEntry is one line of a shard manifest. Seq is the archive position
// of the page that produced the file and Source its title in the dump.
type ManifestEntry struct {
	File   string
	Size   int64
	Seq    uint64
	Title  string
	Source string
}

func (e ManifestEntry) line() string {
	return e.File + "\t" + strconv.FormatInt(e.Size, 10) + "\t" + strconv.FormatUint(e.Seq, 10) +
		"\t" + e.Title + "\t" + e.Source + "\n"
}

// appendManifestLocked journals a completed write. The line is written with
// a single append so a crash can at worst lose it, never tear it. The shard
// lock must be held.
func (s *Store) appendManifestLocked(shard int, entry ManifestEntry) error {
	path := filepath.Join(s.root, shardDir(shard), manifestName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &StorageError{Op: "open manifest", Path: path, Err: err}
	}
	if _, err := f.WriteString(entry.line()); err != nil {
		f.Close()
		return &StorageError{Op: "append manifest", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "close manifest", Path: path, Err: err}
	}
	return nil
}

// Manifest reads a shard's manifest. Entries appended after a seal are
// included; sealed reports whether the file ends with the completion
// trailer. A shard never written to has no entries and is not sealed.
func (s *Store) Manifest(shard int) (entries []ManifestEntry, sealed bool, err error) {
	path := filepath.Join(s.root, shardDir(shard), manifestName)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "open manifest", Path: path, Err: err}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, sealedTrailer) {
			sealed = true
			continue
		}
		sealed = false
		parts := strings.SplitN(line, "\t", 5)
		if len(parts) != 5 {
			return nil, false, &StorageError{Op: "parse manifest", Path: path, Err: fmt.Errorf("line %d: bad entry", lineNo)}
		}
		size, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil {
			return nil, false, &StorageError{Op: "parse manifest", Path: path, Err: fmt.Errorf("line %d: %w", lineNo, perr)}
		}
		seq, perr := strconv.ParseUint(parts[2], 10, 64)
		if perr != nil {
			return nil, false, &StorageError{Op: "parse manifest", Path: path, Err: fmt.Errorf("line %d: %w", lineNo, perr)}
		}
		entries = append(entries, ManifestEntry{File: parts[0], Size: size, Seq: seq, Title: parts[3], Source: parts[4]})
	}
	if err := sc.Err(); err != nil {
		return nil, false, &StorageError{Op: "read manifest", Path: path, Err: err}
	}
	return entries, sealed, nil
}

// Sealed reports whether a shard's manifest was sealed and nothing has been
// appended since.
func (s *Store) Sealed(shard int) bool {
	_, sealed, err := s.Manifest(shard)
	return err == nil && sealed
}

// Seal rewrites every shard manifest sorted by file name with duplicates
// removed (the last entry wins) and a "#complete <count>" trailer. It returns
// the number of documents listed across all shards. Call it only after every
// writer has finished.
func (s *Store) Seal(ctx context.Context) (int64, error) {
	if s.readOnly {
		return 0, &StorageError{Op: "seal", Path: s.root, Err: errReadOnly}
	}
	var total int64
	for shard := range s.shardCount {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.sealShard(shard)
		if err != nil {
			return total, err
		}
		total += n
	}
	s.logger.Info("manifests sealed", "shards", s.shardCount, "documents", total)
	return total, nil
}

func (s *Store) sealShard(shard int) (int64, error) {
	st := &s.shards[shard]
	st.mu.Lock()
	defer st.mu.Unlock()

	entries, sealed, err := s.Manifest(shard)
	if err != nil {
		return 0, err
	}
	if entries == nil && !sealed {
		return 0, nil
	}

	latest := make(map[string]ManifestEntry, len(entries))
	for _, e := range entries {
		latest[e.File] = e
	}
	merged := make([]ManifestEntry, 0, len(latest))
	for _, e := range latest {
		merged = append(merged, e)
	}
	slices.SortFunc(merged, func(a, b ManifestEntry) int { return strings.Compare(a.File, b.File) })

	var b strings.Builder
	for _, e := range merged {
		b.WriteString(e.line())
	}
	b.WriteString(sealedTrailer + strconv.Itoa(len(merged)) + "\n")

	dir := filepath.Join(s.root, shardDir(shard))
	if err := writeAtomic(dir, filepath.Join(dir, manifestName), b.String()); err != nil {
		return 0, &StorageError{Op: "seal manifest", Path: dir, Err: err}
	}
	s.sweepTemp(dir)
	return int64(len(merged)), nil
}

// sweepTemp removes temp files left by writers that crashed mid-write.
func (s *Store) sweepTemp(dir string) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, de := range des {
		if strings.HasPrefix(de.Name(), tempPrefix) {
			if err := os.Remove(filepath.Join(dir, de.Name())); err != nil {
				s.logger.Warn("removing stale temp file", "path", de.Name(), "error", err)
			}
		}
	}
}
