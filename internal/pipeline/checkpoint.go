package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/archive"
)

const (
	workDirName    = ".build"
	checkpointName = "checkpoint.json"
	checkpointVer  = 1
)

// Checkpoint records which ranges of an archive have been fully written and
// had their index runs made durable. It is only valid for the archive,
// partition and shard count it was created with.
type Checkpoint struct {
	Version     int             `json:"version"`
	Archive     string          `json:"archive"`
	Fingerprint string          `json:"fingerprint"`
	ShardCount  int             `json:"shard_count"`
	Ranges      []archive.Range `json:"ranges"`
	Finished    *roaring.Bitmap `json:"-"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type checkpointFile struct {
	Checkpoint
	FinishedRanges string `json:"finished"`
}

func newCheckpoint(archivePath, fingerprint string, shards int, ranges []archive.Range) *Checkpoint {
	return &Checkpoint{
		Version:     checkpointVer,
		Archive:     archivePath,
		Fingerprint: fingerprint,
		ShardCount:  shards,
		Ranges:      ranges,
		Finished:    roaring.New(),
	}
}

// IsFinished reports whether rangeID completed in an earlier attempt.
func (c *Checkpoint) IsFinished(rangeID int) bool {
	return c.Finished.Contains(uint32(rangeID))
}

func (c *Checkpoint) markFinished(rangeID int) {
	c.Finished.Add(uint32(rangeID))
}

func (c *Checkpoint) FinishedCount() int {
	return int(c.Finished.GetCardinality())
}

// loadCheckpoint returns nil without error when there is no checkpoint.
func loadCheckpoint(workDir string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(workDir, checkpointName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var f checkpointFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	if f.Version != checkpointVer {
		return nil, fmt.Errorf("checkpoint version %d, want %d", f.Version, checkpointVer)
	}
	cp := f.Checkpoint
	cp.Finished = roaring.New()
	if f.FinishedRanges != "" {
		if _, err := cp.Finished.FromBase64(f.FinishedRanges); err != nil {
			return nil, fmt.Errorf("decoding finished ranges: %w", err)
		}
	}
	return &cp, nil
}

// save writes the checkpoint atomically.
func (c *Checkpoint) save(workDir string) error {
	c.UpdatedAt = time.Now().UTC()
	c.Finished.RunOptimize()
	encoded, err := c.Finished.ToBase64()
	if err != nil {
		return fmt.Errorf("encoding finished ranges: %w", err)
	}
	data, err := json.MarshalIndent(checkpointFile{Checkpoint: *c, FinishedRanges: encoded}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(workDir, checkpointName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(workDir, checkpointName))
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// matches reports whether the checkpoint was made for the same inputs.
func (c *Checkpoint) matches(archivePath, fingerprint string) bool {
	return c.Archive == archivePath && c.Fingerprint == fingerprint && len(c.Ranges) > 0 && c.ShardCount > 0
}
