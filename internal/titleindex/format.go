package titleindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/pierrec/lz4/v4"
)

// On-disk layout, all integers little-endian:
//
//	header (64 bytes)
//	block 0 .. block n-1
//	block index
//	footer (16 bytes)
//
// Every block is an 8-byte block header (uncompressed size, compressed size;
// a compressed size of 0 means stored) followed by the payload. The block
// index lists, per block, its first key, offset, byte length, entry count
// and crc32.
const (
	ArtifactName  = "title-index.bin"
	FormatVersion = 1
	HeaderSize    = 64
	FooterSize    = 16

	DefaultBlockEntries = 128

	blockHeaderSize = 8
)

var (
	headerMagic = [4]byte{'W', 'D', 'X', 'I'}
	footerMagic = [8]byte{'W', 'D', 'X', 'I', 'E', 'N', 'D', 0}

	// ErrCorrupt marks an artifact whose checksums do not match.
	ErrCorrupt = errors.New("title index corrupt")
)

// Header is the fixed-size artifact header.
type Header struct {
	FormatVersion    uint32 `json:"format_version"`
	TitleRuleVersion uint32 `json:"title_rule_version"`
	BlockEntries     uint32 `json:"block_entries"`
	EntryCount       uint64 `json:"entries"`
	BlockCount       uint32 `json:"blocks"`
	ShardCount       uint32 `json:"shards"`
	Collisions       uint64 `json:"collisions"`
	IndexOffset      uint64 `json:"-"`
	IndexSize        uint64 `json:"-"`
}

func (h Header) marshal() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:4], headerMagic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.FormatVersion)
	binary.LittleEndian.PutUint32(b[8:12], h.TitleRuleVersion)
	binary.LittleEndian.PutUint32(b[12:16], h.BlockEntries)
	binary.LittleEndian.PutUint64(b[16:24], h.EntryCount)
	binary.LittleEndian.PutUint32(b[24:28], h.BlockCount)
	binary.LittleEndian.PutUint32(b[28:32], h.ShardCount)
	binary.LittleEndian.PutUint64(b[32:40], h.Collisions)
	binary.LittleEndian.PutUint64(b[40:48], h.IndexOffset)
	binary.LittleEndian.PutUint64(b[48:56], h.IndexSize)
	binary.LittleEndian.PutUint32(b[56:60], crc32.ChecksumIEEE(b[0:56]))
	return b
}

func unmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("short header: %d bytes", len(b))
	}
	if [4]byte(b[0:4]) != headerMagic {
		return Header{}, errBadMagic
	}
	if got, want := binary.LittleEndian.Uint32(b[56:60]), crc32.ChecksumIEEE(b[0:56]); got != want {
		return Header{}, fmt.Errorf("%w: header checksum %08x, want %08x", ErrCorrupt, got, want)
	}
	return Header{
		FormatVersion:    binary.LittleEndian.Uint32(b[4:8]),
		TitleRuleVersion: binary.LittleEndian.Uint32(b[8:12]),
		BlockEntries:     binary.LittleEndian.Uint32(b[12:16]),
		EntryCount:       binary.LittleEndian.Uint64(b[16:24]),
		BlockCount:       binary.LittleEndian.Uint32(b[24:28]),
		ShardCount:       binary.LittleEndian.Uint32(b[28:32]),
		Collisions:       binary.LittleEndian.Uint64(b[32:40]),
		IndexOffset:      binary.LittleEndian.Uint64(b[40:48]),
		IndexSize:        binary.LittleEndian.Uint64(b[48:56]),
	}, nil
}

var errBadMagic = errors.New("not a title index")

// blockMeta is one block index record.
type blockMeta struct {
	firstKey string
	offset   uint64
	length   uint64
	entries  uint32
	crc      uint32
}

func appendBlockMeta(dst []byte, m blockMeta) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(m.firstKey)))
	dst = append(dst, m.firstKey...)
	dst = binary.AppendUvarint(dst, m.offset)
	dst = binary.AppendUvarint(dst, m.length)
	dst = binary.AppendUvarint(dst, uint64(m.entries))
	return binary.LittleEndian.AppendUint32(dst, m.crc)
}

func decodeBlockIndex(b []byte, count int) ([]blockMeta, error) {
	metas := make([]blockMeta, 0, count)
	d := decoder{buf: b}
	for range count {
		var m blockMeta
		m.firstKey = string(d.bytes())
		m.offset = d.uvarint()
		m.length = d.uvarint()
		m.entries = uint32(d.uvarint())
		m.crc = d.uint32()
		if d.err != nil {
			return nil, fmt.Errorf("%w: block index: %v", ErrCorrupt, d.err)
		}
		metas = append(metas, m)
	}
	return metas, nil
}

func marshalFooter(indexCRC uint32) []byte {
	b := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(b[0:4], indexCRC)
	copy(b[8:16], footerMagic[:])
	return b
}

// Block payload: entries prefix-compressed against the previous key in the
// same block. An empty file name stands for store.FileName(key, key).
func appendEntry(dst []byte, prevKey string, e Entry, defaultFile string) []byte {
	shared := commonPrefix(prevKey, e.Key)
	dst = binary.AppendUvarint(dst, uint64(shared))
	dst = binary.AppendUvarint(dst, uint64(len(e.Key)-shared))
	dst = append(dst, e.Key[shared:]...)
	dst = binary.AppendUvarint(dst, uint64(e.Location.ShardID))
	if e.Location.File == defaultFile {
		dst = binary.AppendUvarint(dst, 0)
	} else {
		dst = binary.AppendUvarint(dst, uint64(len(e.Location.File)))
		dst = append(dst, e.Location.File...)
	}
	return binary.AppendUvarint(dst, uint64(e.Location.Size))
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// sealBlock wraps a raw payload in its block header, compressing it with
// lz4 unless that does not save at least a tenth.
func sealBlock(raw []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(raw))
	out := make([]byte, blockHeaderSize+bound)
	n, err := lz4.CompressBlock(raw, out[blockHeaderSize:], nil)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(raw)))
	if n == 0 || float64(n) > float64(len(raw))*0.9 {
		binary.LittleEndian.PutUint32(out[4:8], 0)
		out = append(out[:blockHeaderSize], raw...)
		return out, nil
	}
	binary.LittleEndian.PutUint32(out[4:8], uint32(n))
	return out[:blockHeaderSize+n], nil
}

func openBlock(b []byte) ([]byte, error) {
	if len(b) < blockHeaderSize {
		return nil, errors.New("block too small for header")
	}
	rawSize := binary.LittleEndian.Uint32(b[0:4])
	compSize := binary.LittleEndian.Uint32(b[4:8])
	body := b[blockHeaderSize:]
	if compSize == 0 {
		if uint32(len(body)) != rawSize {
			return nil, fmt.Errorf("stored block is %d bytes, header says %d", len(body), rawSize)
		}
		return body, nil
	}
	if uint32(len(body)) != compSize {
		return nil, fmt.Errorf("compressed block is %d bytes, header says %d", len(body), compSize)
	}
	raw := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(body, raw)
	if err != nil {
		return nil, err
	}
	if uint32(n) != rawSize {
		return nil, errors.New("decompressed size mismatch")
	}
	return raw, nil
}

// decoder reads varint-framed fields, latching the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errors.New("bad varint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.err = fmt.Errorf("field of %d bytes overruns buffer", n)
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) uint32() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 4 {
		d.err = errors.New("short uint32")
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) done() bool { return d.err == nil && len(d.buf) == 0 }
