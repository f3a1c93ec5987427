package markup

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/archive"
	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func page(title string, ns int, id int, text string) string {
	return "  <page>\n    <title>" + title + "</title>\n    <ns>" + strconv.Itoa(ns) + "</ns>\n    <id>" + strconv.Itoa(id) +
		"</id>\n    <revision>\n      <id>" + strconv.Itoa(id*10) + "</id>\n      <text bytes=\"1\" xml:space=\"preserve\">" +
		text + "</text>\n    </revision>\n  </page>\n"
}

// sliceSource feeds a fixed string in chunks of the given size.
type sliceSource struct {
	data  string
	chunk int
}

func (s *sliceSource) ReadChunk() ([]byte, error) {
	if s.data == "" {
		return nil, io.EOF
	}
	n := min(s.chunk, len(s.data))
	out := []byte(s.data[:n])
	s.data = s.data[n:]
	return out, nil
}

type result struct {
	recs []PageRecord
	errs []error
}

func collect(data string, chunk int, opts Options) result {
	var res result
	for rec, err := range Pages(&sliceSource{data: data, chunk: chunk}, opts) {
		if err != nil {
			res.errs = append(res.errs, err)
			continue
		}
		res.recs = append(res.recs, rec)
	}
	return res
}

func dump(pages ...string) string {
	return "<mediawiki xmlns=\"http://www.mediawiki.org/xml/export-0.10/\">\n  <siteinfo>\n    <sitename>Test</sitename>\n  </siteinfo>\n" +
		strings.Join(pages, "") + "</mediawiki>\n"
}

func TestPagesAcrossChunkSizes(t *testing.T) {
	data := dump(
		page("Alpha", 0, 1, "alpha body"),
		page("Beta", 0, 2, "beta body"),
		page("Gamma", 0, 3, "gamma body"),
	)
	for _, chunk := range []int{1, 3, 7, 64, 1 << 20} {
		res := collect(data, chunk, Options{})
		require.Empty(t, res.errs, "chunk %d", chunk)
		require.Len(t, res.recs, 3, "chunk %d", chunk)
		assert.Equal(t, "Alpha", res.recs[0].Title)
		assert.Equal(t, int64(1), res.recs[0].ID)
		assert.Equal(t, "alpha body", string(res.recs[0].RawBody))
		assert.Equal(t, "Gamma", res.recs[2].Title)
		assert.Equal(t, int64(3), res.recs[2].ID, "page id, not revision id")
		assert.False(t, res.recs[1].Skip)
	}
}

func TestOffsetsPointAtPageStart(t *testing.T) {
	data := dump(page("Alpha", 0, 1, "a"), page("Beta", 0, 2, "b"))
	res := collect(data, 5, Options{})
	require.Len(t, res.recs, 2)
	for _, rec := range res.recs {
		assert.True(t, strings.HasPrefix(data[rec.Offset:], "<page>"), rec.Title)
	}
}

func TestEntitiesAreDecoded(t *testing.T) {
	data := dump(page("AT&amp;T", 0, 7, "&lt;ref&gt;x&lt;/ref&gt; &amp;amp; &quot;q&quot;"))
	res := collect(data, 16, Options{})
	require.Empty(t, res.errs)
	require.Len(t, res.recs, 1)
	assert.Equal(t, "AT&T", res.recs[0].Title)
	assert.Equal(t, `<ref>x</ref> &amp; "q"`, string(res.recs[0].RawBody))
}

func TestSkipFlags(t *testing.T) {
	redirectTagged := "  <page>\n    <title>Old</title>\n    <ns>0</ns>\n    <id>4</id>\n    <redirect title=\"New\" />\n" +
		"    <revision><text>#REDIRECT [[New]]</text></revision>\n  </page>\n"
	data := dump(
		page("Talk:Alpha", 1, 2, "chatter"),
		redirectTagged,
		page("Shortcut", 0, 5, "  #redirect [[Target]]"),
		page("Real", 0, 6, "content"),
	)
	res := collect(data, 10, Options{})
	require.Empty(t, res.errs)
	require.Len(t, res.recs, 4)

	assert.True(t, res.recs[0].Skip)
	assert.Equal(t, SkipNamespace, res.recs[0].SkipReason)
	assert.Equal(t, 1, res.recs[0].Namespace)
	assert.Nil(t, res.recs[0].RawBody)

	assert.True(t, res.recs[1].Redirect)
	assert.Equal(t, SkipRedirect, res.recs[1].SkipReason)

	assert.True(t, res.recs[2].Redirect, "magic word without redirect element")
	assert.Equal(t, SkipRedirect, res.recs[2].SkipReason)

	assert.False(t, res.recs[3].Skip)
	assert.Equal(t, SkipNone, res.recs[3].SkipReason)
}

func TestUnterminatedPageResyncs(t *testing.T) {
	broken := "  <page>\n    <title>Broken</title>\n    <ns>0</ns>\n    <id>9</id>\n    <revision><text>never closed\n"
	data := dump(page("Before", 0, 1, "b"), broken, page("After", 0, 2, "a"))
	for _, chunk := range []int{2, 13, 4096} {
		res := collect(data, chunk, Options{})
		require.Len(t, res.errs, 1, "chunk %d", chunk)
		var mre *MalformedRecordError
		require.True(t, errors.As(res.errs[0], &mre))
		assert.Equal(t, "Broken", mre.Title)
		assert.ErrorIs(t, res.errs[0], apperrors.ErrMalformedRecord)

		require.Len(t, res.recs, 2)
		assert.Equal(t, "Before", res.recs[0].Title)
		assert.Equal(t, "After", res.recs[1].Title)
	}
}

func TestStreamEndsInsidePage(t *testing.T) {
	data := "<mediawiki>" + page("Whole", 0, 1, "w") + "<page><title>Cut</title><revision><text>abc"
	res := collect(data, 8, Options{})
	require.Len(t, res.recs, 1)
	require.Len(t, res.errs, 1)
	var mre *MalformedRecordError
	require.ErrorAs(t, res.errs[0], &mre)
	assert.Equal(t, "Cut", mre.Title)
	assert.Contains(t, mre.Reason, "stream ended")
}

func TestMissingOrEmptyTitle(t *testing.T) {
	data := dump(
		"<page><ns>0</ns><id>1</id><revision><text>x</text></revision></page>",
		"<page><title></title><ns>0</ns><id>2</id><revision><text>y</text></revision></page>",
		page("Ok", 0, 3, "z"),
	)
	res := collect(data, 4096, Options{})
	assert.Len(t, res.errs, 2)
	require.Len(t, res.recs, 1)
	assert.Equal(t, "Ok", res.recs[0].Title)
}

func TestTextElementNotClosed(t *testing.T) {
	data := dump("<page><title>Open</title><ns>0</ns><id>1</id><revision><text>dangling</revision></page>")
	res := collect(data, 4096, Options{})
	require.Len(t, res.errs, 1)
	assert.ErrorIs(t, res.errs[0], apperrors.ErrMalformedRecord)
	assert.Empty(t, res.recs)
}

func TestSelfClosingTextIsEmptyBody(t *testing.T) {
	data := dump("<page><title>Empty</title><ns>0</ns><id>1</id><revision><text bytes=\"0\" /></revision></page>")
	res := collect(data, 4096, Options{})
	require.Empty(t, res.errs)
	require.Len(t, res.recs, 1)
	assert.Empty(t, res.recs[0].RawBody)
	assert.False(t, res.recs[0].Skip)
}

func TestBadNamespace(t *testing.T) {
	data := dump("<page><title>X</title><ns>main</ns><id>1</id><revision><text>x</text></revision></page>")
	res := collect(data, 4096, Options{})
	require.Len(t, res.errs, 1)
	assert.Contains(t, res.errs[0].Error(), "bad namespace")
}

func TestOversizedPageIsSkipped(t *testing.T) {
	big := page("Huge", 0, 1, strings.Repeat("x", 500))
	data := dump(page("Small", 0, 2, "s"), big, page("Tail", 0, 3, "t"))
	for _, chunk := range []int{16, 100, 4096} {
		res := collect(data, chunk, Options{MaxPageBytes: 256})
		require.Len(t, res.errs, 1, "chunk %d", chunk)
		assert.Contains(t, res.errs[0].Error(), "exceeds")
		require.Len(t, res.recs, 2, "chunk %d", chunk)
		assert.Equal(t, "Small", res.recs[0].Title)
		assert.Equal(t, "Tail", res.recs[1].Title)
	}
}

func TestEarlyBreakStopsIteration(t *testing.T) {
	data := dump(page("A", 0, 1, "a"), page("B", 0, 2, "b"), page("C", 0, 3, "c"))
	n := 0
	for range Pages(&sliceSource{data: data, chunk: 4096}, Options{}) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

type failingSource struct{ calls int }

func (f *failingSource) ReadChunk() ([]byte, error) {
	f.calls++
	if f.calls == 1 {
		return []byte("<mediawiki>" + page("One", 0, 1, "x")), nil
	}
	return nil, errors.New("disk on fire")
}

func TestSourceErrorEndsSequence(t *testing.T) {
	var recs []PageRecord
	var last error
	for rec, err := range Pages(&failingSource{}, Options{}) {
		if err != nil {
			last = err
			continue
		}
		recs = append(recs, rec)
	}
	require.Len(t, recs, 1)
	require.Error(t, last)
	assert.Contains(t, last.Error(), "disk on fire")
}

func TestPagesFromArchive(t *testing.T) {
	r, err := archive.Open("../archive/testdata/multistream.xml.bz2", archive.WithChunkSize(17))
	require.NoError(t, err)
	defer r.Close()

	var titles []string
	for rec, err := range Pages(r, Options{}) {
		require.NoError(t, err)
		titles = append(titles, rec.Title)
		assert.Equal(t, strings.ToLower(rec.Title)+" body", string(rec.RawBody))
	}
	assert.Equal(t, []string{"Alpha", "Beta", "Gamma", "Delta", "Epsilon"}, titles)
}

// stalledSource returns one page and then empty chunks forever.
type stalledSource struct{ calls int }

func (s *stalledSource) ReadChunk() ([]byte, error) {
	s.calls++
	if s.calls == 1 {
		return []byte("<mediawiki>" + page("One", 0, 1, "x") + "  <page>\n    <title>Two"), nil
	}
	return nil, nil
}

func TestEmptyChunkEndsSequence(t *testing.T) {
	src := &stalledSource{}
	var recs []PageRecord
	var last error
	for rec, err := range Pages(src, Options{}) {
		if err != nil {
			last = err
			continue
		}
		recs = append(recs, rec)
	}
	require.Len(t, recs, 1)
	assert.ErrorIs(t, last, io.ErrNoProgress)
	assert.Equal(t, 2, src.calls)
}

func TestPagesFromTruncatedGzip(t *testing.T) {
	var pages []string
	for i := range 400 {
		pages = append(pages, page("Page "+strconv.Itoa(i), 0, i+1, strings.Repeat(strconv.Itoa(i*7919)+" ", 60)))
	}
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(dump(pages...)))
	require.NoError(t, gw.Close())
	path := filepath.Join(t.TempDir(), "cut.xml.gz")
	require.NoError(t, os.WriteFile(path, gz.Bytes()[:gz.Len()/2], 0o644))

	r, err := archive.Open(path, archive.WithChunkSize(4096))
	require.NoError(t, err)
	defer r.Close()

	var n int
	var last error
	for _, err := range Pages(r, Options{}) {
		if err != nil {
			last = err
			continue
		}
		n++
	}
	require.Error(t, last)
	assert.ErrorIs(t, last, apperrors.ErrIO)
	assert.Less(t, n, 400)
}
