// Package archive exposes a compressed encyclopedia dump as a sequential
// stream of decompressed chunks. Multistream bzip2 dumps can be split into
// byte ranges of whole streams so that independent workers each own their own
// file handle and decompression context.
package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"

	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const DefaultChunkSize = 1 << 20

// Format identifies the container of an archive.
type Format int

const (
	FormatPlain Format = iota
	FormatBzip2
	FormatGzip
	FormatZstd
)

func (f Format) String() string {
	switch f {
	case FormatBzip2:
		return "bzip2"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	default:
		return "plain"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// IOError reports an unreadable archive or a corrupt compression container.
// It matches both errors.ErrIO and the underlying cause.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("archive %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{apperrors.ErrIO, e.Err}
}

// Range is a byte range of the compressed file made of whole, independently
// decompressible streams.
type Range struct {
	ID     int   `json:"id"`
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

func (r Range) End() int64 { return r.Offset + r.Length }

// Option configures a Reader.
type Option func(*Reader)

// WithChunkSize sets the maximum size of chunks returned by ReadChunk.
func WithChunkSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// Reader decompresses one archive, or one range of it, incrementally. It
// owns its file handle exclusively.
type Reader struct {
	path      string
	file      *os.File
	format    Format
	src       *bufio.Reader
	release   func()
	chunkSize int
	buf       []byte
	eof       bool
	err       error
	closed    bool
}

// Open opens the whole archive at path.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &IOError{Path: path, Op: "stat", Err: err}
	}
	return newReader(path, f, io.NewSectionReader(f, 0, info.Size()), opts)
}

// OpenRange opens a single range previously produced by Partition. The
// range must start on a stream boundary.
func OpenRange(path string, rng Range, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}
	return newReader(path, f, io.NewSectionReader(f, rng.Offset, rng.Length), opts)
}

func newReader(path string, f *os.File, section *io.SectionReader, opts []Option) (*Reader, error) {
	r := &Reader{path: path, file: f, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(r)
	}
	raw := bufio.NewReaderSize(section, 64<<10)
	head, err := raw.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, &IOError{Path: path, Op: "read header", Err: err}
	}
	r.format = detectFormat(head)

	var src io.Reader
	switch r.format {
	case FormatBzip2:
		src = bzip2.NewReader(raw)
	case FormatGzip:
		zr, err := gzip.NewReader(raw)
		if err != nil {
			f.Close()
			return nil, &IOError{Path: path, Op: "gzip header", Err: err}
		}
		src = zr
	case FormatZstd:
		zr, err := zstd.NewReader(raw, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
		if err != nil {
			f.Close()
			return nil, &IOError{Path: path, Op: "zstd header", Err: err}
		}
		r.release = zr.Close
		src = zr
	default:
		if len(head) > 0 && !looksLikeMarkup(head) {
			f.Close()
			return nil, &IOError{Path: path, Op: "detect format", Err: fmt.Errorf("unrecognised container magic % x", head)}
		}
		src = raw
	}
	r.src = bufio.NewReaderSize(src, 64<<10)
	// Surface a corrupt first block at open time rather than mid-run.
	if _, err := r.src.Peek(1); err != nil && !errors.Is(err, io.EOF) {
		r.Close()
		return nil, &IOError{Path: path, Op: "decompress", Err: err}
	}
	return r, nil
}

func detectFormat(head []byte) Format {
	switch {
	case len(head) >= 4 && head[0] == 'B' && head[1] == 'Z' && head[2] == 'h' && head[3] >= '1' && head[3] <= '9':
		return FormatBzip2
	case bytes.HasPrefix(head, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(head, zstdMagic):
		return FormatZstd
	default:
		return FormatPlain
	}
}

// looksLikeMarkup accepts XML text, optionally preceded by a UTF-8 BOM or
// whitespace.
func looksLikeMarkup(head []byte) bool {
	head = bytes.TrimPrefix(head, []byte{0xef, 0xbb, 0xbf})
	head = bytes.TrimLeft(head, " \t\r\n")
	return len(head) == 0 || head[0] == '<'
}

// Format reports the detected container format.
func (r *Reader) Format() Format { return r.format }

// maxEmptyReads bounds consecutive (0, nil) reads from a decompressor
// before it is treated as stuck.
const maxEmptyReads = 100

// ReadChunk returns the next chunk of decompressed bytes, or io.EOF once the
// stream is exhausted. Only a clean end of the container is io.EOF; a stream
// cut short mid-block is an *IOError, returned again by every later call.
// The returned slice is only valid until
// the next call.
func (r *Reader) ReadChunk() ([]byte, error) {
	if r.closed {
		return nil, &IOError{Path: r.path, Op: "read", Err: os.ErrClosed}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.eof {
		return nil, io.EOF
	}
	if r.buf == nil {
		r.buf = make([]byte, r.chunkSize)
	}
	n, empty := 0, 0
	for n < len(r.buf) {
		m, err := r.src.Read(r.buf[n:])
		n += m
		if err == io.EOF {
			r.eof = true
			break
		}
		if err != nil {
			r.err = &IOError{Path: r.path, Op: "decompress", Err: err}
			return nil, r.err
		}
		if m > 0 {
			empty = 0
			continue
		}
		if empty++; empty >= maxEmptyReads {
			r.err = &IOError{Path: r.path, Op: "decompress", Err: io.ErrNoProgress}
			return nil, r.err
		}
	}
	if n == 0 {
		return nil, io.EOF
	}
	return r.buf[:n], nil
}

// Read implements io.Reader over the decompressed stream.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, &IOError{Path: r.path, Op: "read", Err: os.ErrClosed}
	}
	n, err := r.src.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &IOError{Path: r.path, Op: "decompress", Err: err}
	}
	return n, err
}

// Close releases the decompressor and the file handle. It is safe to call
// more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.release != nil {
		r.release()
	}
	return r.file.Close()
}
