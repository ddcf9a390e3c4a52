// Package store declares the persistence contract the ingestion pipeline
// depends on. Concrete backends live in subpackages; this package must
// not import a database driver.
package store

import (
	"context"
	"errors"

	"github.com/ingestpipe/mediaingest/internal/model"
)

// ErrNotFound is returned when a lookup by a unique key matches nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the full persistence contract required by the pipeline.
type Store interface {
	InitSchema(ctx context.Context) error

	UpsertPosts(ctx context.Context, posts []model.Post) error
	GetAllPosts(ctx context.Context) ([]model.Post, error)
	GetUndownloadedPosts(ctx context.Context) ([]model.Post, error)
	GetDownloadedNotUploadedPosts(ctx context.Context) ([]model.Post, error)
	GetPostsMissingMediaURL(ctx context.Context, limit int) ([]model.Post, error)
	PostExists(ctx context.Context, url string) (bool, error)
	UpdateMediaURL(ctx context.Context, url, newURL string) error
	MarkDownloaded(ctx context.Context, url, path string) error
	MarkUploaded(ctx context.Context, url, messageID string) error
	TouchUploadAttempt(ctx context.Context, url string) error

	GetActiveChannels(ctx context.Context) ([]model.Channel, error)
	SaveChannel(ctx context.Context, name, url string, checkIntervalMinutes int) error
	TouchChannelLastChecked(ctx context.Context, id int64) error

	CountUndownloaded(ctx context.Context) (int, error)
	CountPendingUploads(ctx context.Context) (int, error)
	CountDownloads(ctx context.Context) (int, error)
	CountUploads(ctx context.Context) (int, error)

	Close() error
}
