package titleindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"iter"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
)

// Reader answers exact and prefix queries against an artifact. Only the
// header and the block index are held in memory; each query reads the
// blocks it needs with ReadAt, so a Reader is safe for concurrent use.
type Reader struct {
	file   *os.File
	path   string
	size   int64
	header Header
	blocks []blockMeta
	fp     uint64
}

// Open validates and opens the artifact at path. An artifact from another
// format version or title rule yields *IndexVersionError.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening title index: %w", err)
	}
	r, err := newReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File, path string) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat title index: %w", err)
	}
	if info.Size() < HeaderSize+FooterSize {
		return nil, &IndexVersionError{Path: path, Reason: fmt.Sprintf("file too small (%d bytes)", info.Size())}
	}
	hb := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hb, 0); err != nil {
		return nil, fmt.Errorf("reading title index header: %w", err)
	}
	h, err := unmarshalHeader(hb)
	if errors.Is(err, errBadMagic) {
		return nil, &IndexVersionError{Path: path, Reason: "bad magic"}
	}
	if err != nil {
		return nil, fmt.Errorf("title index %s: %w", path, err)
	}
	if h.FormatVersion != FormatVersion {
		return nil, &IndexVersionError{Path: path, Reason: fmt.Sprintf("format version %d, this build reads %d", h.FormatVersion, FormatVersion)}
	}
	if h.TitleRuleVersion != normalize.TitleRuleVersion {
		return nil, &IndexVersionError{Path: path, Reason: fmt.Sprintf("title rule version %d, this build applies %d", h.TitleRuleVersion, normalize.TitleRuleVersion)}
	}

	end := uint64(info.Size())
	if h.IndexOffset+h.IndexSize+FooterSize != end {
		return nil, fmt.Errorf("%w: %s: block index at %d+%d does not end at footer", ErrCorrupt, path, h.IndexOffset, h.IndexSize)
	}
	tail := make([]byte, h.IndexSize+FooterSize)
	if _, err := f.ReadAt(tail, int64(h.IndexOffset)); err != nil {
		return nil, fmt.Errorf("reading block index: %w", err)
	}
	index, footer := tail[:h.IndexSize], tail[h.IndexSize:]
	if !bytes.Equal(footer[8:16], footerMagic[:]) {
		return nil, fmt.Errorf("%w: %s: bad footer", ErrCorrupt, path)
	}
	if got, want := crc32.ChecksumIEEE(index), binary.LittleEndian.Uint32(footer[0:4]); got != want {
		return nil, fmt.Errorf("%w: %s: block index checksum %08x, want %08x", ErrCorrupt, path, got, want)
	}
	blocks, err := decodeBlockIndex(index, int(h.BlockCount))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d := xxhash.New()
	d.Write(hb)
	d.Write(tail)
	return &Reader{file: f, path: path, size: info.Size(), header: h, blocks: blocks, fp: d.Sum64()}, nil
}

// Header returns the artifact header.
func (r *Reader) Header() Header { return r.header }

// Stats reports the artifact's counts as recorded at build time.
func (r *Reader) Stats() Stats {
	return Stats{
		Entries:    r.header.EntryCount,
		Collisions: r.header.Collisions,
		Blocks:     r.header.BlockCount,
		Bytes:      r.size,
	}
}

// Fingerprint identifies the artifact's content. Two artifacts with the same
// header and block index hold the same entries.
func (r *Reader) Fingerprint() uint64 { return r.fp }

func (r *Reader) Len() int { return int(r.header.EntryCount) }

func (r *Reader) Path() string { return r.path }

func (r *Reader) Close() error { return r.file.Close() }

// Get resolves an exact key.
func (r *Reader) Get(key string) (Entry, bool, error) {
	i := r.blockFor(key)
	if i < 0 {
		return Entry{}, false, nil
	}
	entries, err := r.readBlock(i)
	if err != nil {
		return Entry{}, false, err
	}
	j := sort.Search(len(entries), func(j int) bool { return entries[j].Key >= key })
	if j < len(entries) && entries[j].Key == key {
		return entries[j], true, nil
	}
	return Entry{}, false, nil
}

// Prefix returns up to limit entries whose key starts with prefix, in key
// order. An empty prefix matches every key.
func (r *Reader) Prefix(prefix string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Entry
	for i := max(0, r.blockFor(prefix)); i < len(r.blocks); i++ {
		entries, err := r.readBlock(i)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Key < prefix {
				continue
			}
			if !strings.HasPrefix(e.Key, prefix) {
				return out, nil
			}
			out = append(out, e)
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Entries iterates over every entry in key order.
func (r *Reader) Entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for i := range r.blocks {
			entries, err := r.readBlock(i)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// Keys iterates over every key in ascending order.
func (r *Reader) Keys() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for e, err := range r.Entries() {
			if !yield(e.Key, err) || err != nil {
				return
			}
		}
	}
}

// blockFor returns the last block whose first key is <= key, or -1.
func (r *Reader) blockFor(key string) int {
	return sort.Search(len(r.blocks), func(i int) bool { return r.blocks[i].firstKey > key }) - 1
}

func (r *Reader) readBlock(i int) ([]Entry, error) {
	m := r.blocks[i]
	buf := make([]byte, m.length)
	if _, err := r.file.ReadAt(buf, int64(m.offset)); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", i, err)
	}
	if crc32.ChecksumIEEE(buf) != m.crc {
		return nil, fmt.Errorf("%w: block %d checksum mismatch", ErrCorrupt, i)
	}
	raw, err := openBlock(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrCorrupt, i, err)
	}
	return decodeEntries(raw, int(m.entries))
}

func decodeEntries(raw []byte, n int) ([]Entry, error) {
	entries := make([]Entry, 0, n)
	d := decoder{buf: raw}
	prev := ""
	for range n {
		shared := d.uvarint()
		suffix := d.bytes()
		if d.err == nil && shared > uint64(len(prev)) {
			d.err = fmt.Errorf("shared prefix %d longer than previous key", shared)
		}
		if d.err != nil {
			break
		}
		key := prev[:shared] + string(suffix)
		e := Entry{Key: key}
		e.Location.ShardID = int(d.uvarint())
		if file := d.bytes(); len(file) > 0 {
			e.Location.File = string(file)
		} else {
			e.Location.File = store.FileName(key, key)
		}
		e.Location.Size = int64(d.uvarint())
		if d.err != nil {
			break
		}
		entries = append(entries, e)
		prev = key
	}
	if !d.done() {
		if d.err == nil {
			d.err = errors.New("trailing bytes")
		}
		return nil, fmt.Errorf("%w: block entries: %v", ErrCorrupt, d.err)
	}
	return entries, nil
}
