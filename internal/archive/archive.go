// Package archive mirrors finalized downloads to a Cloud Storage bucket.
// Mirroring is best-effort and never blocks or fails the download that
// triggered it.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Mirror copies a local file to a secondary location.
type Mirror interface {
	Mirror(ctx context.Context, localPath string) error
	Close() error
}

// GCS mirrors files into a Cloud Storage bucket under a fixed key prefix.
// Authentication uses Application Default Credentials.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCS builds a GCS mirror and verifies the bucket is reachable so a
// misconfigured archive fails at startup, not mid-pipeline.
func NewGCS(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create gcs client: %w", err)
	}

	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("gcs client close failed after bucket check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("archive: bucket %q attributes: %w", bucket, err)
	}

	return &GCS{client: client, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// ObjectKey derives the deterministic object key for a local file.
func ObjectKey(prefix, localPath string) string {
	return path.Join(prefix, filepath.Base(localPath))
}

// Mirror streams localPath into the bucket. Errors are returned so the
// caller can log them; callers treat mirroring as best-effort.
func (g *GCS) Mirror(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", localPath, err)
	}
	defer f.Close()

	key := ObjectKey(g.prefix, localPath)
	wc := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(wc, f); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			g.logger.Warn("gcs writer close failed after write failure", zap.Error(closeErr))
		}
		return fmt.Errorf("archive: write object %s: %w", key, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("archive: finalize object %s: %w", key, err)
	}

	g.logger.Info("download mirrored to archive",
		zap.String("bucket", g.bucket), zap.String("object", key))
	return nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("archive: close gcs client: %w", err)
	}
	return nil
}

// NoOp is the mirror used when no archive bucket is configured.
type NoOp struct{}

// Mirror discards the request.
func (NoOp) Mirror(context.Context, string) error { return nil }

// Close is a no-op.
func (NoOp) Close() error { return nil }
