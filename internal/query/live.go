package query

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/logger"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("query index closed")

// Live holds the current Index of a tree and swaps in a new one when the
// artifact is rebuilt. A replaced Index stays open until its last in-flight
// query releases it.
type Live struct {
	root   string
	opts   Options
	cur    atomic.Pointer[Index]
	mu     sync.Mutex
	logger *slog.Logger
}

func OpenLive(root string, opts Options) (*Live, error) {
	ix, err := OpenWithOptions(root, opts)
	if err != nil {
		return nil, err
	}
	l := &Live{root: root, opts: opts, logger: logger.WithComponent("query-live")}
	l.cur.Store(ix)
	return l, nil
}

// Acquire pins the current Index. The caller must call release when done.
func (l *Live) Acquire() (ix *Index, release func(), err error) {
	for {
		ix = l.cur.Load()
		if ix == nil {
			return nil, nil, ErrClosed
		}
		ix.acquire()
		if l.cur.Load() == ix {
			return ix, ix.release, nil
		}
		ix.release()
	}
}

// Generation of the current Index, or "" once closed.
func (l *Live) Generation() string {
	if ix := l.cur.Load(); ix != nil {
		return ix.Generation()
	}
	return ""
}

// Reload reopens the artifact. It reports whether the content changed; an
// identical artifact is closed again and the current Index kept. On error the
// current Index keeps serving.
func (l *Live) Reload() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.cur.Load()
	if old == nil {
		return false, ErrClosed
	}
	next, err := OpenWithOptions(l.root, l.opts)
	if err != nil {
		return false, fmt.Errorf("reloading %s: %w", l.root, err)
	}
	if next.Generation() == old.Generation() {
		next.Close()
		return false, nil
	}
	l.cur.Store(next)
	old.retire()
	l.logger.Info("title index reloaded",
		"old_generation", old.Generation(),
		"generation", next.Generation(),
		"entries", next.Stats().Entries,
	)
	return true, nil
}

func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.cur.Swap(nil)
	if old == nil {
		return nil
	}
	old.retire()
	return nil
}
