// Package fetch provides retry-wrapped, session-aware HTML fetching and
// media URL resolution on top of the session manager and solver client.
package fetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ingestpipe/mediaingest/internal/session"
	"github.com/ingestpipe/mediaingest/internal/solver"
)

const (
	defaultMaxRetries = 2
	retryDelay        = 2 * time.Second
)

// SessionAcquirer is the slice of the session manager Fetcher depends on.
type SessionAcquirer interface {
	Acquire(ctx context.Context) (session.Bound, error)
	Renew(ctx context.Context) (session.Bound, error)
}

// PageGetter is the solver operation Fetcher wraps with retries.
type PageGetter interface {
	GetPage(ctx context.Context, sessionID, url string) (solver.Page, error)
}

// MediaResolver is the solver operation used to resolve a post's media URL.
type MediaResolver interface {
	GetMediaURL(ctx context.Context, postURL, postID string, cookies []solver.Cookie, userAgent string, rules solver.MediaRules) (string, error)
}

// Fetcher wraps the session manager and solver client with the shared
// retry policy: on failure, renew the session, sleep, and retry, up to
// defaultMaxRetries retries after the first attempt.
type Fetcher struct {
	sessions SessionAcquirer
	pages    PageGetter
	media    MediaResolver
	rules    solver.MediaRules
	logger   *zap.Logger
	delay    time.Duration
}

// New constructs a Fetcher.
func New(sessions SessionAcquirer, pages PageGetter, media MediaResolver, rules solver.MediaRules, logger *zap.Logger) *Fetcher {
	return &Fetcher{sessions: sessions, pages: pages, media: media, rules: rules, logger: logger, delay: retryDelay}
}

// FetchHTML acquires a session-bound client and fetches url's solved HTML,
// renewing the session and retrying (at most defaultMaxRetries times) on
// failure.
func (f *Fetcher) FetchHTML(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		bound, err := f.sessions.Acquire(ctx)
		if err != nil {
			lastErr = fmt.Errorf("fetch: acquire session: %w", err)
			break
		}

		page, err := f.pages.GetPage(ctx, bound.SessionID, url)
		if err == nil {
			return page.HTML, nil
		}
		lastErr = err

		if attempt == defaultMaxRetries {
			break
		}
		f.logger.Warn("fetch_html failed, renewing session and retrying", zap.String("url", url), zap.Error(err))
		if _, renewErr := f.sessions.Renew(ctx); renewErr != nil {
			lastErr = fmt.Errorf("fetch: renew session: %w", renewErr)
			break
		}
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("fetch: fetch_html %s: %w", url, lastErr)
}

// ResolveMediaURL resolves the direct media URL for a post. It returns
// ("", nil) — not an error — if the solver ran to completion but no
// matching URL was ever seen.
func (f *Fetcher) ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		bound, err := f.sessions.Acquire(ctx)
		if err != nil {
			lastErr = fmt.Errorf("fetch: acquire session: %w", err)
			break
		}

		page, err := f.pages.GetPage(ctx, bound.SessionID, postURL)
		if err != nil {
			lastErr = err
		} else {
			url, err := f.media.GetMediaURL(ctx, postURL, postID, page.Cookies, page.UserAgent, f.rules)
			if err == nil {
				return url, nil
			}
			lastErr = err
		}

		if attempt == defaultMaxRetries {
			break
		}
		f.logger.Warn("resolve_media_url failed, renewing session and retrying",
			zap.String("post_url", postURL), zap.Error(lastErr))
		if _, renewErr := f.sessions.Renew(ctx); renewErr != nil {
			lastErr = fmt.Errorf("fetch: renew session: %w", renewErr)
			break
		}
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("fetch: resolve_media_url %s: %w", postURL, lastErr)
}
