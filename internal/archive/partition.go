package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// PartitionOptions controls how an archive is split into worker ranges.
type PartitionOptions struct {
	// IndexPath names the dump's multistream index ("offset:id:title" per
	// line, plain or bzip2-compressed). Empty scans the archive for stream
	// headers instead.
	IndexPath string
	// MaxRanges caps the number of ranges; adjacent streams are grouped.
	MaxRanges int
}

// bzip2 stream header "BZh1".."BZh9" followed by the block magic (pi).
var blockMagic = []byte{0x31, 0x41, 0x59, 0x26, 0x53, 0x59}

// Partition splits the archive into contiguous ranges of whole streams. Only
// multistream bzip2 archives are splittable; every other input yields a
// single range covering the file.
func Partition(path string, opts PartitionOptions) ([]Range, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, &IOError{Path: path, Op: "stat", Err: err}
	}
	size := info.Size()
	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	whole := []Range{{ID: 0, Offset: 0, Length: size}}
	if detectFormat(head[:n]) != FormatBzip2 {
		return whole, nil
	}

	var starts []int64
	if opts.IndexPath != "" {
		starts, err = readIndexOffsets(opts.IndexPath)
	} else {
		starts, err = scanStreamStarts(io.NewSectionReader(f, 0, size))
	}
	if err != nil {
		return nil, err
	}
	starts = append(starts, 0)
	slices.Sort(starts)
	starts = slices.Compact(starts)
	for len(starts) > 0 && starts[len(starts)-1] >= size {
		starts = starts[:len(starts)-1]
	}
	return group(starts, size, opts.MaxRanges), nil
}

// group merges stream starts into at most maxRanges byte-balanced ranges.
func group(starts []int64, size int64, maxRanges int) []Range {
	if maxRanges <= 0 || maxRanges >= len(starts) {
		ranges := make([]Range, len(starts))
		for i, s := range starts {
			end := size
			if i+1 < len(starts) {
				end = starts[i+1]
			}
			ranges[i] = Range{ID: i, Offset: s, Length: end - s}
		}
		return ranges
	}
	target := size / int64(maxRanges)
	ranges := make([]Range, 0, maxRanges)
	cur := starts[0]
	for _, s := range starts[1:] {
		if s-cur >= target && len(ranges) < maxRanges-1 {
			ranges = append(ranges, Range{ID: len(ranges), Offset: cur, Length: s - cur})
			cur = s
		}
	}
	return append(ranges, Range{ID: len(ranges), Offset: cur, Length: size - cur})
}

// readIndexOffsets returns the distinct stream offsets listed in a
// multistream index. Offsets written as 32-bit values wrap; a decrease is
// read as a wrap and rebased.
func readIndexOffsets(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open index", Err: err}
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var src io.Reader = br
	if head, _ := br.Peek(4); detectFormat(head) == FormatBzip2 {
		src = bzip2.NewReader(br)
	}

	var (
		offsets    []int64
		base, prev int64
		lineNo     int
	)
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			return nil, &IOError{Path: path, Op: "parse index", Err: fmt.Errorf("line %d: bad record %q", lineNo, line)}
		}
		off, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, &IOError{Path: path, Op: "parse index", Err: fmt.Errorf("line %d: %w", lineNo, err)}
		}
		if off < prev {
			base += 1 << 32
		}
		prev = off
		abs := off + base
		if len(offsets) == 0 || offsets[len(offsets)-1] != abs {
			offsets = append(offsets, abs)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &IOError{Path: path, Op: "read index", Err: err}
	}
	return offsets, nil
}

// scanStreamStarts finds bzip2 stream headers by their magic bytes. A header
// is "BZh" + level digit + block magic, or "BZh" + level + end-of-stream
// magic for an empty stream, which is ignored. False positives inside
// compressed data are possible in principle and would surface as an IOError
// when the range is opened.
func scanStreamStarts(r io.ReaderAt) ([]int64, error) {
	const window = 4 << 20
	const headerLen = 10
	buf := make([]byte, window+headerLen)
	var starts []int64
	var off int64
	for {
		n, err := r.ReadAt(buf, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, &IOError{Op: "scan streams", Err: err}
		}
		data := buf[:n]
		for i := 0; i+headerLen <= len(data); {
			j := bytes.Index(data[i:], []byte("BZh"))
			if j < 0 || i+j+headerLen > len(data) {
				break
			}
			p := i + j
			if lvl := data[p+3]; lvl >= '1' && lvl <= '9' && bytes.Equal(data[p+4:p+headerLen], blockMagic) {
				if abs := off + int64(p); len(starts) == 0 || starts[len(starts)-1] != abs {
					starts = append(starts, abs)
				}
			}
			i = p + 1
		}
		if n < len(buf) {
			return starts, nil
		}
		off += window
	}
}

// Fingerprint identifies an archive well enough to invalidate checkpoints
// when the file is replaced.
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", &IOError{Path: path, Op: "stat", Err: err}
	}
	return fmt.Sprintf("%d-%s", info.Size(), info.ModTime().UTC().Format(time.RFC3339Nano)), nil
}
