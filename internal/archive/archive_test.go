package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = "testdata/multistream.xml.bz2"

func readAll(t *testing.T, r *Reader) string {
	t.Helper()
	var out bytes.Buffer
	for {
		chunk, err := r.ReadChunk()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out.Write(chunk)
	}
	return out.String()
}

func TestOpenBzip2Multistream(t *testing.T) {
	r, err := Open(fixture, WithChunkSize(32))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, FormatBzip2, r.Format())

	text := readAll(t, r)
	for _, title := range []string{"Alpha", "Beta", "Gamma", "Delta", "Epsilon"} {
		assert.Contains(t, text, "<title>"+title+"</title>")
	}
	assert.True(t, strings.HasSuffix(text, "</mediawiki>\n"))
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.bz2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenCorruptContainer(t *testing.T) {
	_, err := Open("testdata/corrupt.xml.bz2")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIO)
}

func TestOpenUnknownMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01, 0x02, 0x03, 0x04}, 0o644))
	_, err := Open(path)
	assert.ErrorIs(t, err, apperrors.ErrIO)
}

func TestOpenGzipAndZstd(t *testing.T) {
	payload := "<mediawiki><page><title>X</title></page></mediawiki>"
	dir := t.TempDir()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(payload))
	require.NoError(t, gw.Close())
	gzPath := filepath.Join(dir, "dump.xml.gz")
	require.NoError(t, os.WriteFile(gzPath, gz.Bytes(), 0o644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zstPath := filepath.Join(dir, "dump.xml.zst")
	require.NoError(t, os.WriteFile(zstPath, enc.EncodeAll([]byte(payload), nil), 0o644))
	require.NoError(t, enc.Close())

	plainPath := filepath.Join(dir, "dump.xml")
	require.NoError(t, os.WriteFile(plainPath, []byte(payload), 0o644))

	for path, format := range map[string]Format{gzPath: FormatGzip, zstPath: FormatZstd, plainPath: FormatPlain} {
		r, err := Open(path)
		require.NoError(t, err, path)
		assert.Equal(t, format, r.Format())
		assert.Equal(t, payload, readAll(t, r))
		require.NoError(t, r.Close())
		require.NoError(t, r.Close())
	}
}

// drainTruncated reads r until it fails, giving up after limit chunks.
func drainTruncated(t *testing.T, r *Reader, limit int) error {
	t.Helper()
	for range limit {
		_, err := r.ReadChunk()
		if err != nil {
			return err
		}
	}
	t.Fatalf("no error after %d chunks", limit)
	return nil
}

func TestTruncatedArchiveIsIOError(t *testing.T) {
	var payload strings.Builder
	payload.WriteString("<mediawiki>\n")
	for i := range 4000 {
		fmt.Fprintf(&payload, "<page><title>Page %d</title><text>%x %d</text></page>\n", i, i*2654435761, i*i)
	}
	payload.WriteString("</mediawiki>\n")
	dir := t.TempDir()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write([]byte(payload.String()))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zst := enc.EncodeAll([]byte(payload.String()), nil)
	require.NoError(t, enc.Close())

	bz, err := os.ReadFile(fixture)
	require.NoError(t, err)

	cases := map[string][]byte{
		"dump.xml.gz":  gz.Bytes()[:gz.Len()/2],
		"dump.xml.zst": zst[:len(zst)/2],
		"dump.xml.bz2": bz[:len(bz)-10],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, data, 0o644))

			r, err := Open(path, WithChunkSize(4096))
			if err == nil {
				defer r.Close()
				err = drainTruncated(t, r, 10_000)
				// the error sticks
				_, again := r.ReadChunk()
				assert.NotErrorIs(t, again, io.EOF)
			}
			require.Error(t, err)
			assert.NotErrorIs(t, err, io.EOF)
			assert.ErrorIs(t, err, apperrors.ErrIO)
		})
	}
}

func TestReadAfterClose(t *testing.T) {
	r, err := Open(fixture)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, err = r.ReadChunk()
	assert.ErrorIs(t, err, apperrors.ErrIO)
}

func TestPartitionByScanning(t *testing.T) {
	ranges, err := Partition(fixture, PartitionOptions{MaxRanges: 16})
	require.NoError(t, err)
	require.Len(t, ranges, 4)
	assert.Equal(t, Range{ID: 0, Offset: 0, Length: 87}, ranges[0])
	assert.Equal(t, int64(87), ranges[1].Offset)
	assert.Equal(t, int64(258), ranges[2].Offset)
	assert.Equal(t, int64(581), ranges[3].End())
}

func TestPartitionFromIndex(t *testing.T) {
	for _, idx := range []string{"testdata/multistream-index.txt", "testdata/multistream-index.txt.bz2"} {
		ranges, err := Partition(fixture, PartitionOptions{IndexPath: idx, MaxRanges: 16})
		require.NoError(t, err, idx)
		offsets := make([]int64, len(ranges))
		for i, r := range ranges {
			offsets[i] = r.Offset
		}
		assert.Equal(t, []int64{0, 87, 258, 431}, offsets)
	}
}

func TestPartitionGroupsStreams(t *testing.T) {
	ranges, err := Partition(fixture, PartitionOptions{MaxRanges: 2})
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, int64(0), ranges[0].Offset)
	assert.Equal(t, ranges[0].End(), ranges[1].Offset)
	assert.Equal(t, int64(581), ranges[1].End())
}

func TestRangesReassembleWholeStream(t *testing.T) {
	whole, err := Open(fixture)
	require.NoError(t, err)
	want := readAll(t, whole)
	whole.Close()

	ranges, err := Partition(fixture, PartitionOptions{})
	require.NoError(t, err)
	var got strings.Builder
	for _, rng := range ranges {
		r, err := OpenRange(fixture, rng)
		require.NoError(t, err)
		got.WriteString(readAll(t, r))
		r.Close()
	}
	assert.Equal(t, want, got.String())
}

func TestPartitionNonSplittable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.xml")
	require.NoError(t, os.WriteFile(path, []byte("<mediawiki></mediawiki>"), 0o644))
	ranges, err := Partition(path, PartitionOptions{MaxRanges: 8})
	require.NoError(t, err)
	assert.Equal(t, []Range{{ID: 0, Offset: 0, Length: 23}}, ranges)
}

func TestReadIndexOffsetsWraps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.txt")
	body := "4294967000:1:A\n4294967000:2:B: with colon\n100:3:C\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	offsets, err := readIndexOffsets(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{4294967000, 100 + 1<<32}, offsets)
}

func TestReadIndexOffsetsBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.txt")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o644))
	_, err := readIndexOffsets(path)
	assert.ErrorIs(t, err, apperrors.ErrIO)
}

func TestFingerprintChangesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.xml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	a, err := Fingerprint(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	b, err := Fingerprint(path)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
