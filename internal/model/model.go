// Package model defines the core entities shared across the ingestion
// pipeline: channels, posts, and the in-memory work items that track a
// post's progress through the pipeline.
package model

import "time"

// Channel is a top-level source listing URL on the protected host, scanned
// periodically by the automation loop.
type Channel struct {
	ID            int64
	Name          string
	URL           string
	CheckInterval time.Duration
	IsActive      bool
	LastChecked   *time.Time
}

// Post is a single media page discovered under a channel. URL is its unique
// key; MediaSourceURL, DownloadPath, and UploadMessageID are filled in by
// later pipeline stages.
type Post struct {
	URL               string
	Title             string
	PostID            string
	MediaSourceURL    string
	Downloaded        bool
	DownloadPath      string
	DownloadedAt      *time.Time
	Uploaded          bool
	UploadMessageID   string
	LastUploadAttempt *time.Time
	DiscoveredAt      time.Time
}

// HasMediaURL reports whether a post has a resolved, usable media source.
func (p Post) HasMediaURL() bool {
	return p.MediaSourceURL != ""
}

// Candidate is a post descriptor discovered by the channel scanner, before
// it has been persisted or had its media URL resolved.
type Candidate struct {
	Title  string
	URL    string
	PostID string
}

// Stage identifies which part of the pipeline a WorkItem currently occupies.
type Stage string

// Pipeline stages tracked by the orchestrator's progress maps.
const (
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

// Progress is the mutable record attached to a WorkItem while it is
// in-flight within a worker. It is owned exclusively by the worker
// processing the item.
type Progress struct {
	Stage      Stage
	WorkerID   int
	URL        string
	BytesKnown int64
	BytesRead  int64
	Status     string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// WorkItem is a handle to a Post as it moves through a worker's queue.
type WorkItem struct {
	ID   string
	Post Post
}
