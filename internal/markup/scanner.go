package markup

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"iter"
	"strconv"
)

const DefaultMaxPageBytes = 64 << 20

var (
	pageOpen      = []byte("<page>")
	pageClose     = []byte("</page>")
	titleOpen     = []byte("<title>")
	titleClose    = []byte("</title>")
	nsOpen        = []byte("<ns>")
	nsClose       = []byte("</ns>")
	idOpen        = []byte("<id>")
	idClose       = []byte("</id>")
	revisionOpen  = []byte("<revision")
	redirectTag   = []byte("<redirect")
	textOpen      = []byte("<text")
	textClose     = []byte("</text>")
	redirectMagic = []byte("#redirect")
)

// Options tunes a Scanner.
type Options struct {
	// MaxPageBytes bounds the bytes buffered for one page. Larger pages are
	// reported malformed and skipped.
	MaxPageBytes int
}

// Scanner turns a byte stream fed in arbitrary chunks into page records.
// It is not safe for concurrent use; each worker owns its own.
type Scanner struct {
	opts Options
	buf  []byte
	// base is the stream offset of buf[0].
	base   int64
	inPage bool
	// scanned counts bytes of buf already searched for a page end.
	scanned int
	// discarding is set while skipping the rest of an oversized page; buf
	// then holds no page start.
	discarding bool
}

func NewScanner(opts Options) *Scanner {
	if opts.MaxPageBytes <= 0 {
		opts.MaxPageBytes = DefaultMaxPageBytes
	}
	return &Scanner{opts: opts}
}

// Feed appends chunk to the rolling buffer and yields every record it
// completes. Errors are *MalformedRecordError values; the scanner has
// already resynchronised when one is yielded.
func (s *Scanner) Feed(chunk []byte) iter.Seq2[PageRecord, error] {
	s.buf = append(s.buf, chunk...)
	return func(yield func(PageRecord, error) bool) {
		for {
			rec, err, ok := s.next()
			if !ok || !yield(rec, err) {
				return
			}
		}
	}
}

// Finish reports a page left open at the end of the stream and resets the
// scanner.
func (s *Scanner) Finish() error {
	var err error
	if s.inPage && !s.discarding {
		err = &MalformedRecordError{
			Offset: s.base,
			Title:  peekTitle(s.buf),
			Reason: "stream ended inside page",
		}
	}
	s.buf = s.buf[:0]
	s.inPage, s.discarding, s.scanned = false, false, 0
	return err
}

// next extracts at most one record or error from the buffer. ok is false
// when more input is needed.
func (s *Scanner) next() (PageRecord, error, bool) {
	for {
		if !s.inPage {
			i := bytes.Index(s.buf, pageOpen)
			if i < 0 {
				s.drop(max(0, len(s.buf)-len(pageOpen)+1))
				return PageRecord{}, nil, false
			}
			s.drop(i)
			s.inPage = true
			s.scanned = len(pageOpen)
		}

		if s.discarding {
			end := bytes.Index(s.buf, pageClose)
			restart := bytes.Index(s.buf, pageOpen)
			switch {
			case restart >= 0 && (end < 0 || restart < end):
				s.drop(restart)
				s.discarding = false
				s.scanned = len(pageOpen)
			case end >= 0:
				s.drop(end + len(pageClose))
				s.inPage, s.discarding = false, false
			default:
				s.drop(max(0, len(s.buf)-len(pageClose)+1))
				return PageRecord{}, nil, false
			}
			continue
		}

		from := max(len(pageOpen), s.scanned-len(pageClose)+1)
		rest := s.buf[from:]
		end := bytes.Index(rest, pageClose)
		restart := bytes.Index(rest, pageOpen)

		if restart >= 0 && (end < 0 || restart < end) {
			err := &MalformedRecordError{
				Offset: s.base,
				Title:  peekTitle(s.buf[:from+restart]),
				Reason: "page not terminated before next page",
			}
			s.drop(from + restart)
			s.scanned = len(pageOpen)
			return PageRecord{}, err, true
		}
		if end >= 0 {
			n := from + end + len(pageClose)
			var rec PageRecord
			var err error
			if n > s.opts.MaxPageBytes {
				err = s.oversized()
			} else {
				rec, err = parsePage(s.buf[:n], s.base)
			}
			s.drop(n)
			s.inPage = false
			return rec, err, true
		}
		if len(s.buf) > s.opts.MaxPageBytes {
			err := s.oversized()
			s.discarding = true
			s.drop(max(0, len(s.buf)-len(pageClose)+1))
			return PageRecord{}, err, true
		}
		s.scanned = len(s.buf)
		return PageRecord{}, nil, false
	}
}

func (s *Scanner) oversized() error {
	return &MalformedRecordError{
		Offset: s.base,
		Title:  peekTitle(s.buf),
		Reason: "page exceeds " + strconv.Itoa(s.opts.MaxPageBytes) + " bytes",
	}
}

// drop discards the first n buffered bytes.
func (s *Scanner) drop(n int) {
	if n <= 0 {
		return
	}
	s.buf = s.buf[n:]
	s.base += int64(n)
	s.scanned = max(0, s.scanned-n)
}

func parsePage(page []byte, offset int64) (PageRecord, error) {
	title, ok := between(page, titleOpen, titleClose)
	if !ok {
		return PageRecord{}, &MalformedRecordError{Offset: offset, Reason: "missing title"}
	}
	rec := PageRecord{Title: html.UnescapeString(string(title)), Offset: offset}
	if rec.Title == "" {
		return PageRecord{}, &MalformedRecordError{Offset: offset, Reason: "empty title"}
	}

	// page-level fields precede the first revision
	head := page
	if i := bytes.Index(page, revisionOpen); i >= 0 {
		head = page[:i]
	}
	if ns, ok := between(head, nsOpen, nsClose); ok {
		n, err := strconv.Atoi(string(bytes.TrimSpace(ns)))
		if err != nil {
			return PageRecord{}, &MalformedRecordError{Offset: offset, Title: rec.Title, Reason: "bad namespace " + strconv.Quote(string(ns))}
		}
		rec.Namespace = n
	}
	if id, ok := between(head, idOpen, idClose); ok {
		n, err := strconv.ParseInt(string(bytes.TrimSpace(id)), 10, 64)
		if err != nil {
			return PageRecord{}, &MalformedRecordError{Offset: offset, Title: rec.Title, Reason: "bad id " + strconv.Quote(string(id))}
		}
		rec.ID = n
	}
	rec.Redirect = bytes.Contains(head, redirectTag)

	body, err := textBody(page)
	if err != nil {
		return PageRecord{}, &MalformedRecordError{Offset: offset, Title: rec.Title, Reason: err.Error()}
	}
	if hasRedirectMagic(body) {
		rec.Redirect = true
	}

	switch {
	case rec.Namespace != 0:
		rec.Skip, rec.SkipReason = true, SkipNamespace
	case rec.Redirect:
		rec.Skip, rec.SkipReason = true, SkipRedirect
	default:
		rec.RawBody = []byte(html.UnescapeString(string(body)))
	}
	return rec, nil
}

var errTextNotClosed = errors.New("text element never closed")

// textBody returns the still-escaped content of the first <text> element.
// A missing or self-closing element is an empty body.
func textBody(page []byte) ([]byte, error) {
	i := bytes.Index(page, textOpen)
	if i < 0 {
		return nil, nil
	}
	gt := bytes.IndexByte(page[i:], '>')
	if gt < 0 {
		return nil, errTextNotClosed
	}
	gt += i
	if page[gt-1] == '/' {
		return nil, nil
	}
	j := bytes.Index(page[gt+1:], textClose)
	if j < 0 {
		return nil, errTextNotClosed
	}
	return page[gt+1 : gt+1+j], nil
}

func hasRedirectMagic(body []byte) bool {
	body = bytes.TrimLeft(body, " \t\r\n")
	return len(body) >= len(redirectMagic) && bytes.EqualFold(body[:len(redirectMagic)], redirectMagic)
}

func between(b, open, close []byte) ([]byte, bool) {
	i := bytes.Index(b, open)
	if i < 0 {
		return nil, false
	}
	i += len(open)
	j := bytes.Index(b[i:], close)
	if j < 0 {
		return nil, false
	}
	return b[i : i+j], true
}

// peekTitle best-effort extracts a title for diagnostics.
func peekTitle(b []byte) string {
	t, ok := between(b, titleOpen, titleClose)
	if !ok {
		return ""
	}
	return html.UnescapeString(string(t))
}

// ChunkSource yields decompressed chunks until io.EOF. *archive.Reader
// satisfies it.
type ChunkSource interface {
	ReadChunk() ([]byte, error)
}

// Pages drives a Scanner over src. Non-malformed errors come from src and end
// the sequence, as does an empty chunk, which a source only returns when it
// has stopped making progress.
func Pages(src ChunkSource, opts Options) iter.Seq2[PageRecord, error] {
	return func(yield func(PageRecord, error) bool) {
		s := NewScanner(opts)
		for {
			chunk, err := src.ReadChunk()
			if errors.Is(err, io.EOF) {
				if ferr := s.Finish(); ferr != nil {
					yield(PageRecord{}, ferr)
				}
				return
			}
			if err != nil {
				yield(PageRecord{}, err)
				return
			}
			if len(chunk) == 0 {
				yield(PageRecord{}, fmt.Errorf("chunk source returned no data: %w", io.ErrNoProgress))
				return
			}
			for rec, perr := range s.Feed(chunk) {
				if !yield(rec, perr) {
					return
				}
			}
		}
	}
}
