package benchmark

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/titleindex"
)

// shuffledEntries returns n entries for distinct titles in random order, as
// parallel workers would record them.
func shuffledEntries(n int) []titleindex.Entry {
	docs := make([]store.Document, n)
	for i := range docs {
		docs[i] = store.Document{
			NormalizedTitle: fmt.Sprintf("Article %07d", i),
			ShardID:         i % 64,
			Path:            filepath.Join(fmt.Sprintf("shard-%d", i%64), fmt.Sprintf("article_%07d.txt", i)),
			SizeBytes:       int64(100 + i%4000),
		}
	}
	r := rand.New(rand.NewPCG(1, 2))
	r.Shuffle(n, func(i, j int) { docs[i], docs[j] = docs[j], docs[i] })

	// ranges of 1000 pages in dump order
	entries := make([]titleindex.Entry, n)
	for i, doc := range docs {
		entries[i] = titleindex.EntryFor(doc, titleindex.Seq(i/1000, uint64(i%1000)))
	}
	return entries
}

// BenchmarkBuilderFinalize measures the full spill, merge and artifact write
// for 100 000 titles with varying batch sizes.
func BenchmarkBuilderFinalize(b *testing.B) {
	entries := shuffledEntries(100_000)
	for _, batch := range []int{10_000, 100_000} {
		b.Run(fmt.Sprintf("batch_%d", batch), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				dir := b.TempDir()
				builder, err := titleindex.NewBuilder(titleindex.BuilderOptions{
					WorkDir:      filepath.Join(dir, "work"),
					BatchSize:    batch,
					Slots:        1,
					BlockEntries: 128,
					MergeFanIn:   8,
					ShardCount:   64,
				})
				if err != nil {
					b.Fatal(err)
				}
				for n, e := range entries {
					if err := builder.Record(0, e); err != nil {
						b.Fatal(err)
					}
					if (n+1)%1000 == 0 {
						if err := builder.FlushRange(0, n/1000); err != nil {
							b.Fatal(err)
						}
					}
				}
				stats, err := builder.Finalize(context.Background(), filepath.Join(dir, titleindex.ArtifactName))
				if err != nil {
					b.Fatal(err)
				}
				if stats.Entries != uint64(len(entries)) {
					b.Fatalf("entries = %d, want %d", stats.Entries, len(entries))
				}
			}
		})
	}
}
