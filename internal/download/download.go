// Package download streams a post's media asset to local storage with
// atomic finalization, pre-existing-file validation, and URL-expiry
// refresh.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ingestpipe/mediaingest/internal/model"
)

const (
	bufferSize         = 8 * 1024
	refreshRetries     = 2
	refreshRetryDelay  = 1 * time.Second
	minValidFileBytes  = 1024
	sizeTolerance      = 0.01
	defaultExtension   = ".mp4"
	maxSafeTitleLength = 100
)

// MediaURLResolver refreshes a post's media URL when the previous one has
// expired (observed as an HTTP 404).
type MediaURLResolver interface {
	ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error)
}

// Store is the slice of the persistence contract the engine depends on.
type Store interface {
	UpdateMediaURL(ctx context.Context, url, newURL string) error
	MarkDownloaded(ctx context.Context, url, path string) error
}

// ProgressFunc is invoked as bytes are streamed; known may be 0 if the
// server did not advertise a content length.
type ProgressFunc func(read, known int64)

// Archiver mirrors a finalized download to secondary storage. Mirroring is
// best-effort: a failure never fails the download.
type Archiver interface {
	Mirror(ctx context.Context, localPath string) error
}

// Engine downloads a post's media asset to dir, atomically finalizing via
// a temp-file rename.
type Engine struct {
	dir      string
	resolver MediaURLResolver
	store    Store
	client   *http.Client
	archiver Archiver
}

// New constructs an Engine rooted at dir.
func New(dir string, resolver MediaURLResolver, store Store) *Engine {
	return &Engine{
		dir:      dir,
		resolver: resolver,
		store:    store,
		client:   &http.Client{},
	}
}

// WithArchiver enables mirroring of finalized downloads.
func (e *Engine) WithArchiver(a Archiver) *Engine {
	e.archiver = a
	return e
}

// Download fetches post.MediaSourceURL to disk, refreshing the URL via the
// resolver up to refreshRetries times on 404, and validating (or adopting)
// any pre-existing file at the computed path.
func (e *Engine) Download(ctx context.Context, post model.Post, progress ProgressFunc) error {
	path := e.targetPath(post)
	mediaURL := post.MediaSourceURL

	if existingValid, err := e.validateExisting(ctx, path, mediaURL); err != nil {
		return fmt.Errorf("download: validate existing file: %w", err)
	} else if existingValid {
		return e.store.MarkDownloaded(ctx, post.URL, path)
	}

	for attempt := 0; attempt <= refreshRetries; attempt++ {
		err := e.stream(ctx, mediaURL, path, progress)
		if err == nil {
			if e.archiver != nil {
				_ = e.archiver.Mirror(ctx, path)
			}
			return e.store.MarkDownloaded(ctx, post.URL, path)
		}
		if !isExpiredURL(err) {
			return fmt.Errorf("download: %s: %w", post.URL, err)
		}
		if attempt == refreshRetries {
			return fmt.Errorf("download: refresh failed for %s after %d attempts", post.URL, refreshRetries)
		}
		refreshed, resolveErr := e.resolver.ResolveMediaURL(ctx, post.URL, post.PostID)
		if resolveErr != nil || refreshed == "" {
			return fmt.Errorf("download: refresh failed for %s: %w", post.URL, resolveErr)
		}
		if err := e.store.UpdateMediaURL(ctx, post.URL, refreshed); err != nil {
			return fmt.Errorf("download: persist refreshed url: %w", err)
		}
		mediaURL = refreshed
		select {
		case <-time.After(refreshRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("download: refresh failed for %s", post.URL)
}

// targetPath computes <dir>/<safe_title>_<post_id><ext>.
func (e *Engine) targetPath(post model.Post) string {
	title := post.Title
	if len(title) > maxSafeTitleLength {
		title = title[:maxSafeTitleLength]
	}
	safeTitle := illegalFileChars.ReplaceAllString(title, "_")
	if safeTitle == "" {
		safeTitle = "untitled"
	}
	ext := extensionFrom(post.MediaSourceURL)
	return filepath.Join(e.dir, fmt.Sprintf("%s_%s%s", safeTitle, post.PostID, ext))
}

var illegalFileChars = regexp.MustCompile(`[\\/:*?"<>|]+`)

func extensionFrom(rawURL string) string {
	ext := filepath.Ext(strings.SplitN(rawURL, "?", 2)[0])
	if len(ext) >= 2 && len(ext) <= 5 {
		return ext
	}
	return defaultExtension
}

// validateExisting checks whether a file already exists at path and is a
// plausible complete download. If valid, the caller should mark the post
// downloaded without re-fetching.
func (e *Engine) validateExisting(ctx context.Context, path, mediaURL string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.Size() < minValidFileBytes {
		_ = os.Remove(path)
		return false, nil
	}

	if expected, ok := e.remoteContentLength(ctx, mediaURL); ok {
		diff := math.Abs(float64(info.Size()-expected)) / float64(expected)
		if diff > sizeTolerance {
			_ = os.Remove(path)
			return false, nil
		}
		return true, nil
	}

	if err := readFirstAndLastByte(path); err != nil {
		_ = os.Remove(path)
		return false, nil
	}
	return true, nil
}

func readFirstAndLastByte(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := f.Seek(info.Size()-1, io.SeekStart); err != nil {
		return err
	}
	_, err = f.Read(buf)
	return err
}

func (e *Engine) remoteContentLength(ctx context.Context, mediaURL string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return 0, false
	}
	setDownloadHeaders(req)
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.ContentLength <= 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

type expiredURLError struct {
	status int
}

func (e *expiredURLError) Error() string {
	return fmt.Sprintf("media url expired (status %d)", e.status)
}

func isExpiredURL(err error) bool {
	var expErr *expiredURLError
	return errors.As(err, &expErr)
}

// stream streams mediaURL to a sibling .tmp file, then atomically renames
// it to path on success.
func (e *Engine) stream(ctx context.Context, mediaURL, path string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	setDownloadHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &expiredURLError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(e.dir, 0o750); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmpPath := path + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	known := resp.ContentLength
	var written int64
	buf := make([]byte, bufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				_ = os.Remove(tmpPath)
				return fmt.Errorf("write temp file: %w", werr)
			}
			written += int64(n)
			if progress != nil {
				progress(written, known)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("read body: %w", readErr)
		}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if known > 0 && written != known {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("size mismatch: wrote %d, expected %d", written, known)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func setDownloadHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Sec-Fetch-Dest", "video")
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Connection", "keep-alive")
}
