// Package query is the read side of a built tree: it reopens title-index.bin
// and the shard directories and resolves titles and prefixes to documents.
package query

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/titleindex"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
)

// Options tune an Index. The zero value is usable.
type Options struct {
	Metrics *metrics.Metrics
}

// Index resolves titles against one artifact. It is read-only and safe for
// concurrent use.
type Index struct {
	root    string
	reader  *titleindex.Reader
	docs    *store.Store
	metrics *metrics.Metrics

	refs      atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens the tree rooted at root. An artifact written by an incompatible
// build fails with *titleindex.IndexVersionError.
func Open(root string) (*Index, error) {
	return OpenWithOptions(root, Options{})
}

func OpenWithOptions(root string, opts Options) (*Index, error) {
	reader, err := titleindex.Open(filepath.Join(root, titleindex.ArtifactName))
	if err != nil {
		return nil, err
	}
	docs, err := store.OpenReadOnly(root, max(1, int(reader.Header().ShardCount)))
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if opts.Metrics != nil {
		opts.Metrics.IndexEntries.Set(float64(reader.Len()))
	}
	return &Index{root: root, reader: reader, docs: docs, metrics: opts.Metrics}, nil
}

// Lookup resolves a title. The title is normalized first, so any spelling
// that normalizes to an indexed key finds it.
func (ix *Index) Lookup(title string) (store.Document, bool, error) {
	start := time.Now()
	key := normalize.Title(title)
	if key == "" {
		ix.observe("exact", "miss", start)
		return store.Document{}, false, nil
	}
	e, ok, err := ix.reader.Get(key)
	switch {
	case err != nil:
		ix.observe("exact", "error", start)
		return store.Document{}, false, fmt.Errorf("looking up %q: %w", key, err)
	case !ok:
		ix.observe("exact", "miss", start)
		return store.Document{}, false, nil
	}
	ix.observe("exact", "hit", start)
	return e.Document(), true, nil
}

// PrefixSearch returns up to limit documents whose normalized title starts
// with the normalized prefix, ascending by title.
func (ix *Index) PrefixSearch(prefix string, limit int) ([]store.Document, error) {
	start := time.Now()
	entries, err := ix.reader.Prefix(normalize.Prefix(prefix), limit)
	if err != nil {
		ix.observe("prefix", "error", start)
		return nil, fmt.Errorf("prefix search %q: %w", prefix, err)
	}
	docs := make([]store.Document, len(entries))
	for i, e := range entries {
		docs[i] = e.Document()
	}
	result := "hit"
	if len(docs) == 0 {
		result = "miss"
	}
	ix.observe("prefix", result, start)
	return docs, nil
}

// OpenDocument streams the body of a document returned by Lookup or
// PrefixSearch. A missing file fails with ErrNotFound.
func (ix *Index) OpenDocument(doc store.Document) (io.ReadCloser, error) {
	return ix.docs.Open(doc.Path)
}

func (ix *Index) Header() titleindex.Header { return ix.reader.Header() }

func (ix *Index) Stats() titleindex.Stats { return ix.reader.Stats() }

// Generation identifies the artifact's content, for cache keys.
func (ix *Index) Generation() string {
	return fmt.Sprintf("%016x", ix.reader.Fingerprint())
}

func (ix *Index) Root() string { return ix.root }

// Close releases the artifact. Further queries fail.
func (ix *Index) Close() error {
	ix.closeOnce.Do(func() { ix.closeErr = ix.reader.Close() })
	return ix.closeErr
}

func (ix *Index) observe(kind, result string, start time.Time) {
	if ix.metrics == nil {
		return
	}
	ix.metrics.LookupsTotal.WithLabelValues(kind, result).Inc()
	ix.metrics.LookupLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func (ix *Index) acquire() { ix.refs.Add(1) }

func (ix *Index) release() {
	if ix.refs.Add(-1) == 0 && ix.retired.Load() {
		ix.Close()
	}
}

// retire closes the index once its last holder releases it.
func (ix *Index) retire() {
	ix.retired.Store(true)
	if ix.refs.Load() == 0 {
		ix.Close()
	}
}
