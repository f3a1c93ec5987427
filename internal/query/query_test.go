package query

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/markup"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/titleindex"
	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
)

type page struct {
	title string
	text  string
}

var basePages = []page{
	{"Paris", "'''Paris''' is the capital of [[France]]."},
	{"Paris_Hilton", "An American [[media personality|personality]]."},
	{"Parish", "A [[church]] territorial unit."},
	{"Mercury (disambiguation)", "'''Mercury''' may refer to:\n* [[Mercury (planet)]]\n* [[Mercury (element)]]"},
	{"AC/DC", "Australian [[rock band]].{{Infobox band|name=AC/DC}}"},
	{"New York City", "Most populous city in the [[United States]]."},
	{"Newark, New Jersey", "A city in [[New Jersey]]."},
	{"ärger", "German word."},
}

// buildTree writes pages through the normalizer and the store and indexes
// them. It returns the normalized bodies by key.
func buildTree(t *testing.T, root string, pages []page) map[string]string {
	t.Helper()
	s, err := store.New(store.Options{Root: root, ShardCount: 4})
	require.NoError(t, err)

	bodies := make(map[string]string)
	var entries []titleindex.Entry
	for i, p := range pages {
		body, err := normalize.Body(markup.PageRecord{Title: p.title, RawBody: []byte(p.text)})
		require.NoError(t, err, p.title)
		doc, err := s.Write(context.Background(), store.Input{Title: normalize.Title(p.title), SourceTitle: p.title, Body: body})
		require.NoError(t, err)
		bodies[doc.NormalizedTitle] = body
		entries = append(entries, titleindex.EntryFor(doc, uint64(i)))
	}
	_, err = s.Seal(context.Background())
	require.NoError(t, err)

	slices.SortFunc(entries, func(a, b titleindex.Entry) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	seq := func(yield func(titleindex.Entry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
	_, err = titleindex.WriteArtifact(filepath.Join(root, titleindex.ArtifactName), seq, titleindex.ArtifactOptions{BlockEntries: 2, ShardCount: 4})
	require.NoError(t, err)
	return bodies
}

func openIndex(t *testing.T, root string, m *metrics.Metrics) *Index {
	t.Helper()
	ix, err := OpenWithOptions(root, Options{Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestLookupRoundTrip(t *testing.T) {
	root := t.TempDir()
	bodies := buildTree(t, root, basePages)
	ix := openIndex(t, root, nil)

	for _, p := range basePages {
		doc, ok, err := ix.Lookup(p.title)
		require.NoError(t, err)
		require.True(t, ok, p.title)
		assert.Equal(t, normalize.Title(p.title), doc.NormalizedTitle)
		assert.Equal(t, bodies[doc.NormalizedTitle], readAll(t, mustOpen(t, ix, doc)))
		assert.Equal(t, int64(len(bodies[doc.NormalizedTitle])), doc.SizeBytes)
	}
}

func mustOpen(t *testing.T, ix *Index, doc store.Document) io.ReadCloser {
	t.Helper()
	rc, err := ix.OpenDocument(doc)
	require.NoError(t, err)
	return rc
}

func TestLookupNormalizesInput(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	ix := openIndex(t, root, nil)

	cases := map[string]string{
		"paris":                    "Paris",
		"  Paris   Hilton ":        "Paris Hilton",
		"Paris_Hilton":             "Paris Hilton",
		"Mercury":                  "Mercury",
		"mercury (Disambiguation)": "Mercury",
		"AC/DC":                    "AC/DC",
		"Ärger":                    "Ärger",
		"New York City":            "New York City",
	}
	for in, want := range cases {
		doc, ok, err := ix.Lookup(in)
		require.NoError(t, err)
		require.True(t, ok, in)
		assert.Equal(t, want, doc.NormalizedTitle, in)
	}

	for _, miss := range []string{"", "   ", "Pari", "PARIS", "London"} {
		_, ok, err := ix.Lookup(miss)
		require.NoError(t, err)
		assert.False(t, ok, miss)
	}
}

func TestPrefixSearch(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	ix := openIndex(t, root, nil)

	titles := func(docs []store.Document) []string {
		out := make([]string, len(docs))
		for i, d := range docs {
			out[i] = d.NormalizedTitle
		}
		return out
	}

	docs, err := ix.PrefixSearch("par", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Paris", "Paris Hilton", "Parish"}, titles(docs))

	docs, err = ix.PrefixSearch("Par", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Paris", "Paris Hilton"}, titles(docs))

	docs, err = ix.PrefixSearch("Paris ", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Paris Hilton"}, titles(docs))

	docs, err = ix.PrefixSearch("New ", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"New York City"}, titles(docs))

	docs, err = ix.PrefixSearch("", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"AC/DC", "Mercury", "New York City"}, titles(docs))

	docs, err = ix.PrefixSearch("Zz", 3)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestOpenMissingAndIncompatible(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)

	missing := filepath.Join(t.TempDir(), "not-built")
	_, err = Open(missing)
	require.Error(t, err)
	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr), "opening does not create the root")

	root := t.TempDir()
	buildTree(t, root, basePages)
	ix := openIndex(t, root, nil)
	_, err = ix.OpenDocument(store.Document{Path: "shard-0/Nope.txt"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = ix.OpenDocument(store.Document{Path: "../outside.txt"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestLookupMetrics(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	m := metrics.New(prometheus.NewRegistry())
	ix := openIndex(t, root, m)

	_, _, err := ix.Lookup("Paris")
	require.NoError(t, err)
	_, _, err = ix.Lookup("London")
	require.NoError(t, err)
	_, err = ix.PrefixSearch("Pa", 5)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LookupsTotal.WithLabelValues("exact", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LookupsTotal.WithLabelValues("exact", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LookupsTotal.WithLabelValues("prefix", "hit")))
	assert.Equal(t, float64(len(basePages)), testutil.ToFloat64(m.IndexEntries))
}

func TestConcurrentLookups(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	ix := openIndex(t, root, nil)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				p := basePages[(i+j)%len(basePages)]
				_, ok, err := ix.Lookup(p.title)
				assert.NoError(t, err)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}

func TestLiveReload(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	live, err := OpenLive(root, Options{})
	require.NoError(t, err)
	defer live.Close()

	changed, err := live.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "same artifact")

	old, release, err := live.Acquire()
	require.NoError(t, err)
	gen := live.Generation()

	buildTree(t, root, append(slices.Clone(basePages), page{"London", "Capital of the [[United Kingdom]]."}))
	changed, err = live.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, gen, live.Generation())

	// the pinned index keeps serving until released
	_, ok, err := old.Lookup("Paris")
	require.NoError(t, err)
	assert.True(t, ok)
	release()
	_, _, err = old.Lookup("Paris")
	assert.Error(t, err, "released index is closed")

	cur, release, err := live.Acquire()
	require.NoError(t, err)
	defer release()
	_, ok, err = cur.Lookup("London")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLiveClosed(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	live, err := OpenLive(root, Options{})
	require.NoError(t, err)
	require.NoError(t, live.Close())

	_, _, err = live.Acquire()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = live.Reload()
	assert.ErrorIs(t, err, ErrClosed)
}

// memCache is an in-memory stand-in for redis.
type memCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	fail    error
	gets    int
	flushed int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.fail != nil {
		return nil, c.fail
	}
	v, ok := c.data[key]
	if !ok {
		return nil, goredis.Nil
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.data[key] = value
	return nil
}

func (c *memCache) FlushByPattern(_ context.Context, _ string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := int64(len(c.data))
	c.flushed += len(c.data)
	clear(c.data)
	return n, nil
}

func TestCachedLookup(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	live, err := OpenLive(root, Options{})
	require.NoError(t, err)
	defer live.Close()

	m := metrics.New(prometheus.NewRegistry())
	mc := newMemCache()
	c := NewCached(live, mc, time.Minute, m)
	ctx := context.Background()

	doc, ok, err := c.Lookup(ctx, "paris")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Paris", doc.NormalizedTitle)

	again, ok, err := c.Lookup(ctx, "Paris")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc, again)

	_, ok, err = c.Lookup(ctx, "London")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Lookup(ctx, "London")
	require.NoError(t, err)
	assert.False(t, ok, "negative results are cached too")

	docs, err := c.PrefixSearch(ctx, "Par", 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	cachedDocs, err := c.PrefixSearch(ctx, "Par", 2)
	require.NoError(t, err)
	assert.Equal(t, docs, cachedDocs)

	hits, misses := c.Stats()
	assert.Equal(t, int64(3), hits)
	assert.Equal(t, int64(6), misses, "each miss is checked again inside the flight")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheHitsTotal))

	rc, err := c.OpenDocument(doc)
	require.NoError(t, err)
	assert.Contains(t, readAll(t, rc), "capital of France")

	require.NoError(t, c.Invalidate(ctx))
	assert.Equal(t, 3, mc.flushed)
}

func TestCachedKeysFollowGeneration(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	live, err := OpenLive(root, Options{})
	require.NoError(t, err)
	defer live.Close()
	mc := newMemCache()
	c := NewCached(live, mc, time.Minute, nil)
	ctx := context.Background()

	_, ok, err := c.Lookup(ctx, "London")
	require.NoError(t, err)
	assert.False(t, ok)

	buildTree(t, root, append(slices.Clone(basePages), page{"London", "Capital."}))
	changed, err := live.Reload()
	require.NoError(t, err)
	require.True(t, changed)

	_, ok, err = c.Lookup(ctx, "London")
	require.NoError(t, err)
	assert.True(t, ok, "a new generation does not see the old negative entry")
}

func TestCachedFallsThroughWhenCacheFails(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	live, err := OpenLive(root, Options{})
	require.NoError(t, err)
	defer live.Close()
	mc := newMemCache()
	mc.fail = errors.New("connection refused")
	c := NewCached(live, mc, time.Minute, nil)

	for range 20 {
		doc, ok, err := c.Lookup(context.Background(), "Paris")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Paris", doc.NormalizedTitle)
	}
	mc.mu.Lock()
	gets := mc.gets
	mc.mu.Unlock()
	assert.Less(t, gets, 20, "breaker stops calling a failing cache")
}

func TestCachedWithoutCache(t *testing.T) {
	root := t.TempDir()
	buildTree(t, root, basePages)
	live, err := OpenLive(root, Options{})
	require.NoError(t, err)
	defer live.Close()

	c := NewRedisCached(live, nil, time.Minute, nil)
	assert.False(t, c.Enabled())
	_, ok, err := c.Lookup(context.Background(), "Parish")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.Invalidate(context.Background()))
}
