package titleindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// A run file is a zstd stream of sorted records:
//
//	uvarint keylen, key, uvarint shard, uvarint filelen, file, uvarint size, uvarint seq
//
// terminated by a zero keylen and the uvarint record count. A run without
// its terminator is incomplete and rejected.

// writeRun writes entries, already sorted, to path.
func writeRun(path string, entries []Entry) error {
	w, err := createRun(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.add(e); err != nil {
			w.abort()
			return err
		}
	}
	return w.close()
}

// runWriter streams records into a temporary file that is renamed to its
// final path by close.
type runWriter struct {
	path  string
	f     *os.File
	zw    *zstd.Encoder
	bw    *bufio.Writer
	buf   []byte
	count uint64
}

func createRun(path string) (*runWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &runWriter{path: path, f: f, zw: zw, bw: bufio.NewWriterSize(zw, 64<<10)}, nil
}

func (w *runWriter) add(e Entry) error {
	if e.Key == "" {
		return errors.New("empty key in run")
	}
	w.buf = appendRunRecord(w.buf[:0], e)
	if _, err := w.bw.Write(w.buf); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *runWriter) close() error {
	w.buf = binary.AppendUvarint(w.buf[:0], 0)
	w.buf = binary.AppendUvarint(w.buf, w.count)
	if _, err := w.bw.Write(w.buf); err != nil {
		w.abort()
		return err
	}
	if err := w.bw.Flush(); err != nil {
		w.abort()
		return err
	}
	if err := w.zw.Close(); err != nil {
		w.abort()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.abort()
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	return os.Rename(w.f.Name(), w.path)
}

func (w *runWriter) abort() {
	w.zw.Close()
	w.f.Close()
	os.Remove(w.f.Name())
}

func appendRunRecord(dst []byte, e Entry) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(e.Key)))
	dst = append(dst, e.Key...)
	dst = binary.AppendUvarint(dst, uint64(e.Location.ShardID))
	dst = binary.AppendUvarint(dst, uint64(len(e.Location.File)))
	dst = append(dst, e.Location.File...)
	dst = binary.AppendUvarint(dst, uint64(e.Location.Size))
	return binary.AppendUvarint(dst, e.Seq)
}

// runReader streams the records of one run file.
type runReader struct {
	path  string
	f     *os.File
	zr    *zstd.Decoder
	br    *bufio.Reader
	count uint64
	done  bool
}

func openRun(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &runReader{path: path, f: f, zr: zr, br: bufio.NewReaderSize(zr, 64<<10)}, nil
}

// next returns the following entry, or io.EOF after a complete run.
func (r *runReader) next() (Entry, error) {
	if r.done {
		return Entry{}, io.EOF
	}
	keyLen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Entry{}, r.truncated(err)
	}
	if keyLen == 0 {
		want, err := binary.ReadUvarint(r.br)
		if err != nil {
			return Entry{}, r.truncated(err)
		}
		if want != r.count {
			return Entry{}, fmt.Errorf("run %s: trailer says %d records, read %d", r.path, want, r.count)
		}
		r.done = true
		return Entry{}, io.EOF
	}
	var e Entry
	key, err := r.readString(keyLen)
	if err != nil {
		return Entry{}, err
	}
	e.Key = key
	shard, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Entry{}, r.truncated(err)
	}
	e.Location.ShardID = int(shard)
	fileLen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Entry{}, r.truncated(err)
	}
	if e.Location.File, err = r.readString(fileLen); err != nil {
		return Entry{}, err
	}
	size, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Entry{}, r.truncated(err)
	}
	e.Location.Size = int64(size)
	if e.Seq, err = binary.ReadUvarint(r.br); err != nil {
		return Entry{}, r.truncated(err)
	}
	r.count++
	return e, nil
}

func (r *runReader) readString(n uint64) (string, error) {
	if n > 1<<20 {
		return "", fmt.Errorf("run %s: field of %d bytes", r.path, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.br, b); err != nil {
		return "", r.truncated(err)
	}
	return string(b), nil
}

func (r *runReader) truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("run %s: truncated after %d records", r.path, r.count)
	}
	return fmt.Errorf("run %s: %w", r.path, err)
}

func (r *runReader) Close() error {
	r.zr.Close()
	return r.f.Close()
}
