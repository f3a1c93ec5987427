package titleindex

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"iter"
	"os"
	"path/filepath"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
)

// ArtifactOptions are the build parameters recorded in the header.
type ArtifactOptions struct {
	BlockEntries int
	ShardCount   int
	Collisions   func() uint64
}

// WriteArtifact serialises entries, which must be strictly ascending by key,
// into a new artifact at path. The file is written beside path and renamed
// over it only once complete and synced, so a reader never sees a partial
// artifact and a failed build leaves the previous one in place.
func WriteArtifact(path string, entries iter.Seq2[Entry, error], opts ArtifactOptions) (Header, error) {
	if opts.BlockEntries <= 0 {
		opts.BlockEntries = DefaultBlockEntries
	}
	w, err := newArtifactWriter(path, opts.BlockEntries)
	if err != nil {
		return Header{}, &IndexBuildError{Op: "create artifact", Err: err}
	}
	for e, err := range entries {
		if err != nil {
			w.abort()
			return Header{}, err
		}
		if err := w.add(e); err != nil {
			w.abort()
			return Header{}, &IndexBuildError{Op: "write artifact", Err: err}
		}
	}
	h := Header{
		FormatVersion:    FormatVersion,
		TitleRuleVersion: normalize.TitleRuleVersion,
		BlockEntries:     uint32(opts.BlockEntries),
		ShardCount:       uint32(opts.ShardCount),
	}
	if opts.Collisions != nil {
		h.Collisions = opts.Collisions()
	}
	h, err = w.finish(h)
	if err != nil {
		w.abort()
		return Header{}, &IndexBuildError{Op: "finish artifact", Err: err}
	}
	return h, nil
}

type artifactWriter struct {
	path    string
	tmp     *os.File
	bw      *bufio.Writer
	offset  uint64
	perBlk  int
	raw     []byte
	inBlock int
	first   string
	prev    string
	count   uint64
	metas   []blockMeta
	started bool
}

func newArtifactWriter(path string, perBlock int) (*artifactWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, ".title-index-*.tmp")
	if err != nil {
		return nil, err
	}
	w := &artifactWriter{
		path:   path,
		tmp:    tmp,
		bw:     bufio.NewWriterSize(tmp, 256<<10),
		perBlk: perBlock,
	}
	// header is rewritten in place once the counts are known
	if _, err := w.bw.Write(make([]byte, HeaderSize)); err != nil {
		w.abort()
		return nil, err
	}
	w.offset = HeaderSize
	return w, nil
}

func (w *artifactWriter) add(e Entry) error {
	if w.started && e.Key <= w.prev {
		return fmt.Errorf("keys out of order: %q after %q", e.Key, w.prev)
	}
	if e.Key == "" {
		return fmt.Errorf("empty key")
	}
	if w.inBlock == 0 {
		w.first = e.Key
		w.prev = ""
	}
	w.raw = appendEntry(w.raw, w.prev, e, store.FileName(e.Key, e.Key))
	w.prev = e.Key
	w.started = true
	w.inBlock++
	w.count++
	if w.inBlock >= w.perBlk {
		return w.flushBlock()
	}
	return nil
}

func (w *artifactWriter) flushBlock() error {
	if w.inBlock == 0 {
		return nil
	}
	block, err := sealBlock(w.raw)
	if err != nil {
		return fmt.Errorf("compressing block %d: %w", len(w.metas), err)
	}
	if _, err := w.bw.Write(block); err != nil {
		return err
	}
	w.metas = append(w.metas, blockMeta{
		firstKey: w.first,
		offset:   w.offset,
		length:   uint64(len(block)),
		entries:  uint32(w.inBlock),
		crc:      crc32.ChecksumIEEE(block),
	})
	w.offset += uint64(len(block))
	w.raw = w.raw[:0]
	w.inBlock = 0
	return nil
}

func (w *artifactWriter) finish(h Header) (Header, error) {
	if err := w.flushBlock(); err != nil {
		return Header{}, err
	}
	var index []byte
	for _, m := range w.metas {
		index = appendBlockMeta(index, m)
	}
	if _, err := w.bw.Write(index); err != nil {
		return Header{}, err
	}
	if _, err := w.bw.Write(marshalFooter(crc32.ChecksumIEEE(index))); err != nil {
		return Header{}, err
	}
	if err := w.bw.Flush(); err != nil {
		return Header{}, err
	}

	h.EntryCount = w.count
	h.BlockCount = uint32(len(w.metas))
	h.IndexOffset = w.offset
	h.IndexSize = uint64(len(index))
	if _, err := w.tmp.WriteAt(h.marshal(), 0); err != nil {
		return Header{}, fmt.Errorf("updating header: %w", err)
	}
	if err := w.tmp.Sync(); err != nil {
		return Header{}, fmt.Errorf("syncing artifact: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		return Header{}, err
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		return Header{}, fmt.Errorf("renaming artifact: %w", err)
	}
	w.tmp = nil
	return h, nil
}

func (w *artifactWriter) abort() {
	if w.tmp == nil {
		return
	}
	w.tmp.Close()
	os.Remove(w.tmp.Name())
	w.tmp = nil
}
