// Package reload swaps a searcher's title index when a build replaces the
// artifact, triggered by the file appearing on disk or by an index-complete
// event on Kafka.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/query"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/titleindex"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
)

const (
	TriggerWatch = "watch"
	TriggerKafka = "kafka"
	TriggerAPI   = "api"

	defaultDebounce = 250 * time.Millisecond
)

type Reloader struct {
	live     *query.Live
	root     string
	debounce time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(live *query.Live, root string, m *metrics.Metrics) *Reloader {
	return &Reloader{
		live:     live,
		root:     root,
		debounce: defaultDebounce,
		metrics:  m,
		logger:   slog.Default().With("component", "index-reloader"),
	}
}

// Reload reopens the artifact and reports whether a new one is now served.
func (r *Reloader) Reload(trigger string) (bool, error) {
	swapped, err := r.live.Reload()
	status := "unchanged"
	switch {
	case err != nil:
		status = "failed"
		r.logger.Error("index reload failed", "trigger", trigger, "error", err)
	case swapped:
		status = "swapped"
		r.logger.Info("index reloaded", "trigger", trigger, "generation", r.live.Generation())
	default:
		r.logger.Debug("index unchanged", "trigger", trigger)
	}
	if r.metrics != nil {
		r.metrics.IndexReloadsTotal.WithLabelValues(trigger, status).Inc()
	}
	return swapped, err
}

// Watch reloads whenever the artifact in the root is created, written or
// renamed into place, until ctx is cancelled. Bursts of events are
// debounced into one reload.
func (r *Reloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	// the artifact is replaced by rename, so watch the directory
	if err := w.Add(r.root); err != nil {
		return fmt.Errorf("watching %s: %w", r.root, err)
	}
	r.logger.Info("watching title index", "root", r.root)

	artifact := filepath.Join(r.root, titleindex.ArtifactName)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case <-fire:
			fire = nil
			r.Reload(TriggerWatch)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != artifact || !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("watcher error", "error", werr)
		}
	}
}

// HandleMessage returns a Kafka MessageHandler that reloads on every
// completed build of this searcher's root. Undecodable events are logged
// and dropped.
func (r *Reloader) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[notify.IndexCompleteEvent](value)
		if err != nil {
			r.logger.Error("failed to decode index-complete event", "error", err, "key", string(key))
			return nil
		}
		if event.Root != "" && filepath.Clean(event.Root) != filepath.Clean(r.root) {
			r.logger.Debug("ignoring build of another root", "root", event.Root, "run_id", event.RunID)
			return nil
		}
		r.logger.Info("index-complete event received", "run_id", event.RunID, "entries", event.IndexEntries)
		_, err = r.Reload(TriggerKafka)
		return err
	}
}
