// Package memory provides an in-memory store.Store used by tests and by
// local runs without a configured database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ingestpipe/mediaingest/internal/model"
	"github.com/ingestpipe/mediaingest/internal/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu       sync.Mutex
	posts    map[string]model.Post
	channels map[int64]model.Channel
	nextID   int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		posts:    make(map[string]model.Post),
		channels: make(map[int64]model.Channel),
	}
}

// InitSchema is a no-op for the in-memory backend.
func (s *Store) InitSchema(_ context.Context) error { return nil }

// UpsertPosts inserts or refreshes title/media URL/discovered_at for each post.
func (s *Store) UpsertPosts(_ context.Context, posts []model.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range posts {
		if p.DiscoveredAt.IsZero() {
			p.DiscoveredAt = time.Now().UTC()
		}
		existing, ok := s.posts[p.URL]
		if !ok {
			s.posts[p.URL] = p
			continue
		}
		existing.Title = p.Title
		if p.MediaSourceURL != "" {
			existing.MediaSourceURL = p.MediaSourceURL
		}
		existing.DiscoveredAt = p.DiscoveredAt
		s.posts[p.URL] = existing
	}
	return nil
}

// GetAllPosts returns every post ordered by discovered_at descending.
func (s *Store) GetAllPosts(_ context.Context) ([]model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.allPostsLocked()
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoveredAt.After(out[j].DiscoveredAt) })
	return out, nil
}

func (s *Store) allPostsLocked() []model.Post {
	out := make([]model.Post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p)
	}
	return out
}

// GetUndownloadedPosts returns posts with a media URL that are not yet downloaded.
func (s *Store) GetUndownloadedPosts(_ context.Context) ([]model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Post
	for _, p := range s.posts {
		if !p.Downloaded && p.MediaSourceURL != "" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoveredAt.After(out[j].DiscoveredAt) })
	return out, nil
}

// GetDownloadedNotUploadedPosts returns downloaded posts awaiting upload.
func (s *Store) GetDownloadedNotUploadedPosts(_ context.Context) ([]model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Post
	for _, p := range s.posts {
		if p.Downloaded && !p.Uploaded && p.DownloadPath != "" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, bi := out[i].DownloadedAt, out[j].DownloadedAt
		if ai == nil || bi == nil {
			return false
		}
		return ai.Before(*bi)
	})
	return out, nil
}

// GetPostsMissingMediaURL returns up to limit posts without a resolved media URL.
func (s *Store) GetPostsMissingMediaURL(_ context.Context, limit int) ([]model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Post
	for _, p := range s.posts {
		if p.MediaSourceURL == "" {
			out = append(out, p)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PostExists reports whether a post with the given URL is already persisted.
func (s *Store) PostExists(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.posts[url]
	return ok, nil
}

// UpdateMediaURL overwrites the media source URL for a post; these URLs are
// time-limited and may legitimately be overwritten at any point before download.
func (s *Store) UpdateMediaURL(_ context.Context, url, newURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[url]
	if !ok {
		return store.ErrNotFound
	}
	p.MediaSourceURL = newURL
	s.posts[url] = p
	return nil
}

// MarkDownloaded records a successful download.
func (s *Store) MarkDownloaded(_ context.Context, url, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[url]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	p.Downloaded = true
	p.DownloadPath = path
	p.DownloadedAt = &now
	s.posts[url] = p
	return nil
}

// MarkUploaded records a successful upload.
func (s *Store) MarkUploaded(_ context.Context, url, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[url]
	if !ok {
		return store.ErrNotFound
	}
	p.Uploaded = true
	p.UploadMessageID = messageID
	s.posts[url] = p
	return nil
}

// TouchUploadAttempt records the timestamp of an upload attempt regardless of outcome.
func (s *Store) TouchUploadAttempt(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[url]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	p.LastUploadAttempt = &now
	s.posts[url] = p
	return nil
}

// GetActiveChannels returns every channel with IsActive set.
func (s *Store) GetActiveChannels(_ context.Context) ([]model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Channel
	for _, c := range s.channels {
		if c.IsActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveChannel creates a new active channel.
func (s *Store) SaveChannel(_ context.Context, name, url string, checkIntervalMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.channels[s.nextID] = model.Channel{
		ID:            s.nextID,
		Name:          name,
		URL:           url,
		CheckInterval: time.Duration(checkIntervalMinutes) * time.Minute,
		IsActive:      true,
	}
	return nil
}

// TouchChannelLastChecked stamps the channel's last_checked time to now.
func (s *Store) TouchChannelLastChecked(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	c.LastChecked = &now
	s.channels[id] = c
	return nil
}

// CountUndownloaded returns the number of posts awaiting download.
func (s *Store) CountUndownloaded(ctx context.Context) (int, error) {
	posts, err := s.GetUndownloadedPosts(ctx)
	return len(posts), err
}

// CountPendingUploads returns the number of posts awaiting upload.
func (s *Store) CountPendingUploads(ctx context.Context) (int, error) {
	posts, err := s.GetDownloadedNotUploadedPosts(ctx)
	return len(posts), err
}

// CountDownloads returns the number of posts marked downloaded.
func (s *Store) CountDownloads(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.posts {
		if p.Downloaded {
			n++
		}
	}
	return n, nil
}

// CountUploads returns the number of posts marked uploaded.
func (s *Store) CountUploads(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.posts {
		if p.Uploaded {
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
