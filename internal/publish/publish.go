// Package publish uploads a finished title index and its run summary to an
// S3-compatible bucket.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/titleindex"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/resilience"
)

const summaryName = "summary.json"

// ObjectStore is the subset of *minio.Client the publisher uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Publisher struct {
	client ObjectStore
	bucket string
	prefix string
	retry  resilience.RetryConfig
	logger *slog.Logger
}

// New connects to the configured endpoint.
func New(cfg config.ObjectStoreConfig) (*Publisher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewWithClient(client ObjectStore, bucket, prefix string) *Publisher {
	return &Publisher{
		client: client,
		bucket: bucket,
		prefix: prefix,
		retry:  resilience.RetryConfig{MaxAttempts: 3},
		logger: slog.Default().With("component", "publisher", "bucket", bucket),
	}
}

// ArtifactKey is the object key of a run's title index.
func (p *Publisher) ArtifactKey(runID string) string {
	return path.Join(p.prefix, runID, titleindex.ArtifactName)
}

// Publish uploads the title index under root and the run summary. It returns
// the artifact's object key. Only completed runs are published.
func (p *Publisher) Publish(ctx context.Context, s pipeline.Summary) (string, error) {
	if s.Status != pipeline.StatusCompleted {
		return "", fmt.Errorf("run %s is %s, not publishing", s.RunID, s.Status)
	}
	if err := p.ensureBucket(ctx); err != nil {
		return "", err
	}

	key := p.ArtifactKey(s.RunID)
	local := filepath.Join(s.Root, titleindex.ArtifactName)
	var info minio.UploadInfo
	err := resilience.Retry(ctx, "publish.artifact", p.retry, func() error {
		var err error
		info, err = p.client.FPutObject(ctx, p.bucket, key, local, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"run-id":  s.RunID,
				"entries": fmt.Sprint(s.IndexEntries),
			},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", local, err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling summary: %w", err)
	}
	summaryKey := path.Join(p.prefix, s.RunID, summaryName)
	err = resilience.Retry(ctx, "publish.summary", p.retry, func() error {
		_, err := p.client.PutObject(ctx, p.bucket, summaryKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("uploading summary: %w", err)
	}

	p.logger.Info("title index published", "key", key, "size", info.Size, "run_id", s.RunID)
	return key, nil
}

func (p *Publisher) ensureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", p.bucket, err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", p.bucket, err)
	}
	return nil
}
