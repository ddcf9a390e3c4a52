// Package automation implements the channel polling loop: polls active
// channels for the ones that are due, scans and resolves new posts, and
// hands off undownloaded posts to the pipeline without ever blocking on
// downloads.
package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ingestpipe/mediaingest/internal/clock"
	"github.com/ingestpipe/mediaingest/internal/metrics"
	"github.com/ingestpipe/mediaingest/internal/model"
)

const (
	idleSleep           = 30 * time.Second
	interChannelDelay   = 2 * time.Second
	monitorCandidateCap = 20
)

// Scanner walks a channel's listing and returns candidate posts.
type Scanner interface {
	Scan(ctx context.Context, channelURL string, pageCap int) ([]model.Candidate, error)
}

// MediaResolver resolves a post's direct media URL.
type MediaResolver interface {
	ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error)
}

// Store is the slice of the persistence contract the automation loop
// depends on.
type Store interface {
	GetActiveChannels(ctx context.Context) ([]model.Channel, error)
	TouchChannelLastChecked(ctx context.Context, id int64) error
	PostExists(ctx context.Context, url string) (bool, error)
	UpsertPosts(ctx context.Context, posts []model.Post) error
	UpdateMediaURL(ctx context.Context, url, newURL string) error
	GetUndownloadedPosts(ctx context.Context) ([]model.Post, error)
}

// Enqueuer is the orchestrator's non-blocking hand-off.
type Enqueuer interface {
	Enqueue(posts []model.Post) error
	UpdateStatus(text string)
}

// Loop drives the scan/resolve/persist/hand-off cycle.
type Loop struct {
	store      Store
	scanner    Scanner
	resolver   MediaResolver
	pipeline   Enqueuer
	clock      clock.Clock
	logger     *zap.Logger
	cycleDelay time.Duration
}

// New constructs a Loop. cycleDelay is the sleep between full rounds
// (default 60s).
func New(store Store, scanner Scanner, resolver MediaResolver, pipeline Enqueuer, clk clock.Clock, cycleDelay time.Duration, logger *zap.Logger) *Loop {
	if cycleDelay <= 0 {
		cycleDelay = 60 * time.Second
	}
	return &Loop{
		store:      store,
		scanner:    scanner,
		resolver:   resolver,
		pipeline:   pipeline,
		clock:      clk,
		logger:     logger,
		cycleDelay: cycleDelay,
	}
}

// Run blocks, repeating the due-channel poll cycle until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.runOnce(ctx); err != nil {
			l.logger.Error("automation cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cycleDelay):
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) error {
	channels, err := l.store.GetActiveChannels(ctx)
	if err != nil {
		return fmt.Errorf("automation: get active channels: %w", err)
	}

	due := l.dueChannels(channels)
	if len(due) == 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idleSleep):
		}
		return nil
	}

	for i, ch := range due {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.scanChannel(ctx, ch); err != nil {
			l.logger.Error("channel scan failed", zap.Int64("channel_id", ch.ID), zap.String("name", ch.Name), zap.Error(err))
		}
		if i < len(due)-1 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interChannelDelay):
			}
		}
	}

	return l.handOffUndownloaded(ctx)
}

func (l *Loop) dueChannels(channels []model.Channel) []model.Channel {
	now := l.clock.Now()
	var due []model.Channel
	for _, ch := range channels {
		if !ch.IsActive {
			continue
		}
		if ch.LastChecked == nil || now.Sub(*ch.LastChecked) >= ch.CheckInterval {
			due = append(due, ch)
		}
	}
	return due
}

func (l *Loop) scanChannel(ctx context.Context, ch model.Channel) error {
	l.pipeline.UpdateStatus(fmt.Sprintf("scanning %s", ch.Name))

	candidates, err := l.scanner.Scan(ctx, ch.URL, 0)
	if err != nil {
		metrics.ObserveChannelScan("failure")
		// Always touch last_checked, even on scan failure, so a
		// chronically broken channel doesn't monopolize every cycle.
		if touchErr := l.store.TouchChannelLastChecked(ctx, ch.ID); touchErr != nil {
			l.logger.Error("touch last checked failed", zap.Int64("channel_id", ch.ID), zap.Error(touchErr))
		}
		return fmt.Errorf("scan channel %s: %w", ch.URL, err)
	}
	metrics.ObserveChannelScan("success")
	if len(candidates) > monitorCandidateCap {
		candidates = candidates[:monitorCandidateCap]
	}

	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		exists, err := l.store.PostExists(ctx, cand.URL)
		if err != nil {
			l.logger.Error("post_exists failed", zap.String("url", cand.URL), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		post := model.Post{
			URL:          cand.URL,
			Title:        cand.Title,
			PostID:       cand.PostID,
			DiscoveredAt: l.clock.Now(),
		}
		if err := l.store.UpsertPosts(ctx, []model.Post{post}); err != nil {
			l.logger.Error("upsert post failed", zap.String("url", cand.URL), zap.Error(err))
			continue
		}

		mediaURL, err := l.resolver.ResolveMediaURL(ctx, cand.URL, cand.PostID)
		if err != nil {
			l.logger.Warn("resolve media url failed", zap.String("url", cand.URL), zap.Error(err))
			continue
		}
		if mediaURL != "" {
			if err := l.store.UpdateMediaURL(ctx, cand.URL, mediaURL); err != nil {
				l.logger.Error("update media url failed", zap.String("url", cand.URL), zap.Error(err))
			}
		}
	}

	return l.store.TouchChannelLastChecked(ctx, ch.ID)
}

func (l *Loop) handOffUndownloaded(ctx context.Context) error {
	posts, err := l.store.GetUndownloadedPosts(ctx)
	if err != nil {
		return fmt.Errorf("automation: get undownloaded posts: %w", err)
	}
	if len(posts) == 0 {
		return nil
	}
	if err := l.pipeline.Enqueue(posts); err != nil {
		return fmt.Errorf("automation: enqueue: %w", err)
	}
	return nil
}
