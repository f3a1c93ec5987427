// Package notify announces finished builds on Kafka so running searchers can
// pick up the new title index.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/resilience"
)

const defaultTimeout = 10 * time.Second

// TypeIndexComplete is the event type of a finished build.
const TypeIndexComplete = "index.complete"

// IndexCompleteEvent is the payload of the index-complete topic.
type IndexCompleteEvent struct {
	RunID           string          `json:"run_id"`
	Status          pipeline.Status `json:"status"`
	Archive         string          `json:"archive"`
	Root            string          `json:"root"`
	PagesWritten    int64           `json:"pages_written"`
	IndexEntries    uint64          `json:"index_entries"`
	DuplicateTitles uint64          `json:"duplicate_titles"`
	ShardCount      int             `json:"shard_count"`
	// ObjectKey is set when the artifact was also uploaded.
	ObjectKey  string    `json:"object_key,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// EventFor builds the event of a finished run.
func EventFor(s pipeline.Summary, objectKey string) IndexCompleteEvent {
	return IndexCompleteEvent{
		RunID:           s.RunID,
		Status:          s.Status,
		Archive:         s.Archive,
		Root:            s.Root,
		PagesWritten:    s.PagesWritten,
		IndexEntries:    s.IndexEntries,
		DuplicateTitles: s.DuplicateTitles,
		ShardCount:      s.ShardCount,
		ObjectKey:       objectKey,
		FinishedAt:      s.FinishedAt,
	}
}

// Publisher is the producer side notify needs.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

type Notifier struct {
	producer Publisher
	timeout  time.Duration
	logger   *slog.Logger
}

// New returns a Notifier over producer. A nil producer makes every call a
// no-op.
func New(producer Publisher, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Notifier{
		producer: producer,
		timeout:  timeout,
		logger:   slog.Default().With("component", "build-notifier"),
	}
}

// IndexComplete publishes the event of a completed run keyed by its root.
// Aborted runs are not announced.
func (n *Notifier) IndexComplete(ctx context.Context, s pipeline.Summary, objectKey string) error {
	if n.producer == nil || s.Status != pipeline.StatusCompleted {
		return nil
	}
	event := EventFor(s, objectKey)
	err := resilience.WithTimeout(ctx, n.timeout, "notify.index_complete", func(ctx context.Context) error {
		return n.producer.Publish(ctx, kafka.Event{Key: s.Root, Type: TypeIndexComplete, Value: event})
	})
	if err != nil {
		return fmt.Errorf("announcing run %s: %w", s.RunID, err)
	}
	n.logger.Info("index complete announced", "run_id", s.RunID, "entries", s.IndexEntries)
	return nil
}
