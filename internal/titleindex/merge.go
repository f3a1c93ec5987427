package titleindex

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
)

type mergeItem struct {
	entry Entry
	src   int
}

// mergeHeap orders the head record of every open run by (Key, Seq), ties
// broken by run position so equal records merge in a fixed order.
type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := compareEntries(h[i].entry, h[j].entry); c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeRuns yields the records of all runs in (Key, Seq) order. Every run is
// opened up front, so the caller bounds len(paths) by the fan-in.
func mergeRuns(ctx context.Context, paths []string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		readers := make([]*runReader, 0, len(paths))
		defer func() {
			for _, r := range readers {
				r.Close()
			}
		}()
		h := make(mergeHeap, 0, len(paths))
		for i, p := range paths {
			r, err := openRun(p)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			readers = append(readers, r)
			e, err := r.next()
			if errors.Is(err, io.EOF) {
				continue
			}
			if err != nil {
				yield(Entry{}, err)
				return
			}
			h = append(h, mergeItem{entry: e, src: i})
		}
		heap.Init(&h)

		var n uint64
		for h.Len() > 0 {
			if n++; n%65536 == 0 {
				if err := ctx.Err(); err != nil {
					yield(Entry{}, err)
					return
				}
			}
			top := h[0]
			if !yield(top.entry, nil) {
				return
			}
			e, err := readers[top.src].next()
			switch {
			case errors.Is(err, io.EOF):
				heap.Pop(&h)
			case err != nil:
				yield(Entry{}, err)
				return
			default:
				h[0].entry = e
				heap.Fix(&h, 0)
			}
		}
	}
}

// dedup collapses each run of equal keys in a sorted stream to the entry
// with the highest Seq. Every other entry for the key is a collision and is
// counted and logged; an exact repeat of the winner is not.
func dedup(in iter.Seq2[Entry, error], collisions *uint64, log *slog.Logger) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var (
			best Entry
			have bool
		)
		for e, err := range in {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if have && e.Key == best.Key {
				if e.Seq != best.Seq {
					*collisions++
					log.Debug("title collision",
						"title", e.Key,
						"kept", e.Location.Path(),
						"dropped", best.Location.Path(),
					)
				}
				// input is ascending by Seq within a key
				best = e
				continue
			}
			if have && !yield(best, nil) {
				return
			}
			best, have = e, true
		}
		if have {
			yield(best, nil)
		}
	}
}

// mergePass merges groups of at most fanIn runs into intermediate runs and
// returns their paths. Intermediate passes keep duplicates so the final pass
// sees every candidate for a key.
func (b *Builder) mergePass(ctx context.Context, pass int, paths []string, fanIn int) ([]string, error) {
	var out []string
	for i := 0; i*fanIn < len(paths); i++ {
		group := paths[i*fanIn : min((i+1)*fanIn, len(paths))]
		dst := b.runPath(fmt.Sprintf("merge-%d-%d", pass, i))
		w, err := createRun(dst)
		if err != nil {
			return nil, err
		}
		for e, err := range mergeRuns(ctx, group) {
			if err == nil {
				err = w.add(e)
			}
			if err != nil {
				w.abort()
				return nil, err
			}
		}
		if err := w.close(); err != nil {
			return nil, err
		}
		out = append(out, dst)
	}
	return out, nil
}
