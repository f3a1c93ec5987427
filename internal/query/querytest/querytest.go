// Package querytest builds small document trees for tests of the query
// surfaces.
package querytest

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/markup"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/titleindex"
)

// Page is a source page: its raw title and wikitext.
type Page struct {
	Title string
	Text  string
}

// Pages is a small tree with prefix neighbours, a disambiguation page and
// titles that need escaping.
var Pages = []Page{
	{"Paris", "'''Paris''' is the capital of [[France]]."},
	{"Paris_Hilton", "An American [[media personality|personality]]."},
	{"Parish", "A [[church]] territorial unit."},
	{"Mercury (disambiguation)", "'''Mercury''' may refer to:\n* [[Mercury (planet)]]\n* [[Mercury (element)]]"},
	{"AC/DC", "Australian [[rock band]].{{Infobox band|name=AC/DC}}"},
	{"100% Love", "A song."},
	{"New York City", "Most populous city in the [[United States]]."},
}

// BuildTree stores pages under root and writes their title index. It
// returns the stored bodies by normalized title.
func BuildTree(tb testing.TB, root string, pages []Page) map[string]string {
	tb.Helper()
	s, err := store.New(store.Options{Root: root, ShardCount: 4})
	require.NoError(tb, err)

	bodies := make(map[string]string, len(pages))
	entries := make([]titleindex.Entry, 0, len(pages))
	for i, p := range pages {
		body, err := normalize.Body(markup.PageRecord{Title: p.Title, RawBody: []byte(p.Text)})
		require.NoError(tb, err, p.Title)
		doc, err := s.Write(context.Background(), store.Input{Title: normalize.Title(p.Title), SourceTitle: p.Title, Body: body})
		require.NoError(tb, err)
		bodies[doc.NormalizedTitle] = body
		entries = append(entries, titleindex.EntryFor(doc, uint64(i)))
	}
	_, err = s.Seal(context.Background())
	require.NoError(tb, err)

	slices.SortStableFunc(entries, func(a, b titleindex.Entry) int { return strings.Compare(a.Key, b.Key) })
	// later pages win a shared key
	deduped := entries[:0]
	for _, e := range entries {
		if n := len(deduped); n > 0 && deduped[n-1].Key == e.Key {
			deduped[n-1] = e
			continue
		}
		deduped = append(deduped, e)
	}
	seq := func(yield func(titleindex.Entry, error) bool) {
		for _, e := range deduped {
			if !yield(e, nil) {
				return
			}
		}
	}
	_, err = titleindex.WriteArtifact(filepath.Join(root, titleindex.ArtifactName), seq, titleindex.ArtifactOptions{BlockEntries: 2, ShardCount: 4})
	require.NoError(tb, err)
	return bodies
}
