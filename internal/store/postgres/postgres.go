// Package postgres is a pgx-backed implementation of store.Store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ingestpipe/mediaingest/internal/model"
	"github.com/ingestpipe/mediaingest/internal/store"
)

// db is the narrow pgx surface the store depends on, satisfied by both
// *pgxpool.Pool and pgxmock's pool for tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the connection pool backing a Store.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store persists channels and posts in Postgres.
type Store struct {
	pool db
}

// New connects to Postgres using cfg and returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool builds a Store from an existing pool, primarily for tests.
func NewWithPool(pool db) *Store {
	return &Store{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id               BIGSERIAL PRIMARY KEY,
	name             TEXT NOT NULL,
	url              TEXT NOT NULL UNIQUE,
	check_interval_s INTEGER NOT NULL,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	last_checked     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS posts (
	url                 TEXT PRIMARY KEY,
	title               TEXT NOT NULL DEFAULT '',
	post_id             TEXT NOT NULL DEFAULT '',
	media_source_url    TEXT NOT NULL DEFAULT '',
	downloaded          BOOLEAN NOT NULL DEFAULT FALSE,
	download_path       TEXT NOT NULL DEFAULT '',
	downloaded_at       TIMESTAMPTZ,
	uploaded            BOOLEAN NOT NULL DEFAULT FALSE,
	upload_message_id   TEXT NOT NULL DEFAULT '',
	last_upload_attempt TIMESTAMPTZ,
	discovered_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_posts_undownloaded ON posts (discovered_at) WHERE NOT downloaded;
CREATE INDEX IF NOT EXISTS idx_posts_pending_upload ON posts (downloaded_at) WHERE downloaded AND NOT uploaded;
`

// InitSchema creates the channels and posts tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

// UpsertPosts inserts new posts and refreshes the title, media URL, and
// discovery time of existing ones, so re-discovered posts sort as recent.
func (s *Store) UpsertPosts(ctx context.Context, posts []model.Post) error {
	for _, p := range posts {
		_, err := s.pool.Exec(ctx, `
INSERT INTO posts (url, title, post_id, media_source_url, discovered_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (url) DO UPDATE SET
	title = EXCLUDED.title,
	media_source_url = CASE WHEN EXCLUDED.media_source_url <> '' THEN EXCLUDED.media_source_url ELSE posts.media_source_url END,
	discovered_at = EXCLUDED.discovered_at
`, p.URL, p.Title, p.PostID, p.MediaSourceURL)
		if err != nil {
			return fmt.Errorf("postgres: upsert post %s: %w", p.URL, err)
		}
	}
	return nil
}

const postColumns = `url, title, post_id, media_source_url, downloaded, download_path, downloaded_at, uploaded, upload_message_id, last_upload_attempt, discovered_at`

func scanPost(row pgx.Row) (model.Post, error) {
	var p model.Post
	err := row.Scan(
		&p.URL, &p.Title, &p.PostID, &p.MediaSourceURL,
		&p.Downloaded, &p.DownloadPath, &p.DownloadedAt,
		&p.Uploaded, &p.UploadMessageID, &p.LastUploadAttempt,
		&p.DiscoveredAt,
	)
	return p, err
}

func (s *Store) queryPosts(ctx context.Context, query string, args ...any) ([]model.Post, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query posts: %w", err)
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan post: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate posts: %w", err)
	}
	return out, nil
}

// GetAllPosts returns every post ordered by discovered_at descending.
func (s *Store) GetAllPosts(ctx context.Context) ([]model.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts ORDER BY discovered_at DESC`)
}

// GetUndownloadedPosts returns posts with a resolved media URL that are not yet downloaded.
func (s *Store) GetUndownloadedPosts(ctx context.Context) ([]model.Post, error) {
	return s.queryPosts(ctx, `
SELECT `+postColumns+` FROM posts
WHERE NOT downloaded AND media_source_url <> ''
ORDER BY discovered_at DESC`)
}

// GetDownloadedNotUploadedPosts returns downloaded posts awaiting upload.
func (s *Store) GetDownloadedNotUploadedPosts(ctx context.Context) ([]model.Post, error) {
	return s.queryPosts(ctx, `
SELECT `+postColumns+` FROM posts
WHERE downloaded AND NOT uploaded AND download_path <> ''
ORDER BY downloaded_at ASC`)
}

// GetPostsMissingMediaURL returns up to limit posts with no resolved media URL.
func (s *Store) GetPostsMissingMediaURL(ctx context.Context, limit int) ([]model.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryPosts(ctx, `
SELECT `+postColumns+` FROM posts
WHERE media_source_url = ''
ORDER BY discovered_at ASC
LIMIT $1`, limit)
}

// PostExists reports whether a post with the given URL is already persisted.
func (s *Store) PostExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM posts WHERE url = $1)`, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: post exists: %w", err)
	}
	return exists, nil
}

func (s *Store) exec1(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateMediaURL overwrites the media source URL for a post.
func (s *Store) UpdateMediaURL(ctx context.Context, url, newURL string) error {
	if err := s.exec1(ctx, `UPDATE posts SET media_source_url = $2 WHERE url = $1`, url, newURL); err != nil {
		return fmt.Errorf("postgres: update media url: %w", err)
	}
	return nil
}

// MarkDownloaded records a successful download.
func (s *Store) MarkDownloaded(ctx context.Context, url, path string) error {
	err := s.exec1(ctx, `
UPDATE posts SET downloaded = TRUE, download_path = $2, downloaded_at = now()
WHERE url = $1`, url, path)
	if err != nil {
		return fmt.Errorf("postgres: mark downloaded: %w", err)
	}
	return nil
}

// MarkUploaded records a successful upload.
func (s *Store) MarkUploaded(ctx context.Context, url, messageID string) error {
	err := s.exec1(ctx, `
UPDATE posts SET uploaded = TRUE, upload_message_id = $2
WHERE url = $1`, url, messageID)
	if err != nil {
		return fmt.Errorf("postgres: mark uploaded: %w", err)
	}
	return nil
}

// TouchUploadAttempt records the timestamp of an upload attempt regardless of outcome.
func (s *Store) TouchUploadAttempt(ctx context.Context, url string) error {
	err := s.exec1(ctx, `UPDATE posts SET last_upload_attempt = now() WHERE url = $1`, url)
	if err != nil {
		return fmt.Errorf("postgres: touch upload attempt: %w", err)
	}
	return nil
}

// GetActiveChannels returns every channel with is_active set.
func (s *Store) GetActiveChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, name, url, check_interval_s, is_active, last_checked
FROM channels WHERE is_active ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query channels: %w", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		var c model.Channel
		var intervalSeconds int64
		if err := rows.Scan(&c.ID, &c.Name, &c.URL, &intervalSeconds, &c.IsActive, &c.LastChecked); err != nil {
			return nil, fmt.Errorf("postgres: scan channel: %w", err)
		}
		c.CheckInterval = time.Duration(intervalSeconds) * time.Second
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate channels: %w", err)
	}
	return out, nil
}

// SaveChannel creates a new active channel.
func (s *Store) SaveChannel(ctx context.Context, name, url string, checkIntervalMinutes int) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO channels (name, url, check_interval_s, is_active)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (url) DO UPDATE SET name = EXCLUDED.name, check_interval_s = EXCLUDED.check_interval_s, is_active = TRUE`,
		name, url, checkIntervalMinutes*60)
	if err != nil {
		return fmt.Errorf("postgres: save channel: %w", err)
	}
	return nil
}

// TouchChannelLastChecked stamps the channel's last_checked time to now.
func (s *Store) TouchChannelLastChecked(ctx context.Context, id int64) error {
	if err := s.exec1(ctx, `UPDATE channels SET last_checked = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: touch channel: %w", err)
	}
	return nil
}

func (s *Store) countWhere(ctx context.Context, where string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE `+where).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count posts: %w", err)
	}
	return n, nil
}

// CountUndownloaded returns the number of posts awaiting download.
func (s *Store) CountUndownloaded(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `NOT downloaded AND media_source_url <> ''`)
}

// CountPendingUploads returns the number of posts awaiting upload.
func (s *Store) CountPendingUploads(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `downloaded AND NOT uploaded AND download_path <> ''`)
}

// CountDownloads returns the number of posts marked downloaded.
func (s *Store) CountDownloads(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `downloaded`)
}

// CountUploads returns the number of posts marked uploaded.
func (s *Store) CountUploads(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `uploaded`)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

var _ store.Store = (*Store)(nil)
