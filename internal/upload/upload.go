// Package upload implements the optional delivery uploader: probing a
// downloaded media file, generating a thumbnail grid, and posting the
// result to a messaging bot's sendVideo endpoint.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ingestpipe/mediaingest/internal/model"
)

const (
	rereadAttempts  = 5
	rereadBaseDelay = 1 * time.Second
	thumbFrameCount = 10
	thumbFrameWidth = 160
	thumbGridCols   = 2
	thumbGridRows   = 5
	thumbEdgeMargin = 5 * time.Second
)

// Store is the slice of the persistence contract the uploader depends on.
type Store interface {
	MarkUploaded(ctx context.Context, url, messageID string) error
	TouchUploadAttempt(ctx context.Context, url string) error
}

// ProbeResult is the metadata a media-probe tool reports about a file.
type ProbeResult struct {
	Width           int
	Height          int
	DurationSeconds float64
	SizeBytes       int64
}

// Prober shells out to an external tool (e.g. ffprobe) to extract media
// metadata. Only its process-boundary contract is implemented against.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}

// Thumbnailer shells out to an external tool (e.g. ffmpeg) to extract still
// frames and compose them into a single grid image.
type Thumbnailer interface {
	// Grid extracts frameCount stills from path (bounded away from the
	// first and last edgeMargin of playback), scales each to frameWidth,
	// and writes a cols x rows composite to outPath.
	Grid(ctx context.Context, path string, duration float64, frameCount, frameWidth, cols, rows int, edgeMargin time.Duration, outPath string) error
}

// Notifier announces a completed upload to interested consumers.
// Best-effort: a notification failure never fails the upload.
type Notifier interface {
	UploadComplete(ctx context.Context, postID, messageID string) error
}

// Uploader probes, thumbnails, POSTs the multipart payload, and persists
// the returned message id.
type Uploader struct {
	store       Store
	prober      Prober
	thumbnailer Thumbnailer
	notifier    Notifier
	httpClient  *http.Client
	baseURL     string
	token       string
	chatID      string
	downloadDir string
	tempDir     string
	logger      *zap.Logger
}

// New constructs an Uploader posting to <baseURL>/bot<token>/sendVideo.
func New(store Store, prober Prober, thumbnailer Thumbnailer, baseURL, token, chatID, downloadDir, tempDir string, logger *zap.Logger) *Uploader {
	return &Uploader{
		store:       store,
		prober:      prober,
		thumbnailer: thumbnailer,
		httpClient:  &http.Client{},
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		chatID:      chatID,
		downloadDir: downloadDir,
		tempDir:     tempDir,
		logger:      logger,
	}
}

// WithNotifier enables upload-completion notifications.
func (u *Uploader) WithNotifier(n Notifier) *Uploader {
	u.notifier = n
	return u
}

// Upload resolves post's on-disk path, probes it, generates a thumbnail,
// and posts the result to the delivery endpoint. On any permanent failure
// it records only the attempt timestamp and returns nil — upload failures
// are per-item, not fatal to the caller.
func (u *Uploader) Upload(ctx context.Context, post model.Post) error {
	path, err := u.resolvePath(post)
	if err != nil {
		return u.touchAttempt(ctx, post.URL, fmt.Errorf("upload: resolve path: %w", err))
	}

	probe, err := u.prober.Probe(ctx, path)
	if err != nil || probe.Width == 0 || probe.Height == 0 || probe.DurationSeconds <= 0 || probe.SizeBytes <= 0 {
		return u.touchAttempt(ctx, post.URL, fmt.Errorf("upload: probe incomplete for %s: %w", path, err))
	}

	thumbPath, err := u.makeThumbnail(ctx, path, probe.DurationSeconds)
	if err != nil {
		return u.touchAttempt(ctx, post.URL, fmt.Errorf("upload: thumbnail: %w", err))
	}
	defer os.Remove(thumbPath)

	mediaBytes, err := u.readWithRetry(ctx, path, probe.SizeBytes)
	if err != nil {
		return u.touchAttempt(ctx, post.URL, fmt.Errorf("upload: read media: %w", err))
	}

	thumbBytes, err := os.ReadFile(thumbPath)
	if err != nil {
		return u.touchAttempt(ctx, post.URL, fmt.Errorf("upload: read thumbnail: %w", err))
	}

	messageID, err := u.post(ctx, post, probe, mediaBytes, thumbBytes)
	if err != nil {
		return u.touchAttempt(ctx, post.URL, fmt.Errorf("upload: post: %w", err))
	}

	if err := u.store.MarkUploaded(ctx, post.URL, messageID); err != nil {
		return fmt.Errorf("upload: mark uploaded: %w", err)
	}

	if u.notifier != nil {
		if err := u.notifier.UploadComplete(ctx, post.PostID, messageID); err != nil {
			u.logger.Warn("upload notification failed", zap.String("post_id", post.PostID), zap.Error(err))
		}
	}
	return nil
}

func (u *Uploader) touchAttempt(ctx context.Context, url string, cause error) error {
	u.logger.Warn("upload attempt failed", zap.String("url", url), zap.Error(cause))
	if err := u.store.TouchUploadAttempt(ctx, url); err != nil {
		return fmt.Errorf("upload: touch attempt: %w", err)
	}
	return nil
}

// resolvePath returns post.DownloadPath if it exists, or searches
// downloadDir for a file whose name contains post.PostID.
func (u *Uploader) resolvePath(post model.Post) (string, error) {
	if post.DownloadPath != "" {
		if _, err := os.Stat(post.DownloadPath); err == nil {
			return post.DownloadPath, nil
		}
	}
	entries, err := os.ReadDir(u.downloadDir)
	if err != nil {
		return "", fmt.Errorf("read download dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.Contains(entry.Name(), post.PostID) {
			return filepath.Join(u.downloadDir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no file found containing post id %q under %s", post.PostID, u.downloadDir)
}

// makeThumbnail extracts up to thumbFrameCount stills bounded away from the
// first/last thumbEdgeMargin of playback and composes them into a grid.
func (u *Uploader) makeThumbnail(ctx context.Context, path string, duration float64) (string, error) {
	if err := os.MkdirAll(u.tempDir, 0o750); err != nil {
		return "", fmt.Errorf("mkdir thumb dir: %w", err)
	}
	out := filepath.Join(u.tempDir, fmt.Sprintf("thumb-%d.jpg", rand.Int63()))
	if err := u.thumbnailer.Grid(ctx, path, duration, thumbFrameCount, thumbFrameWidth, thumbGridCols, thumbGridRows, thumbEdgeMargin, out); err != nil {
		return "", fmt.Errorf("compose grid: %w", err)
	}
	return out, nil
}

// readWithRetry reads path's full contents with a 5-attempt exponential
// backoff starting at 1s, verifying the read length matches expectedSize.
func (u *Uploader) readWithRetry(ctx context.Context, path string, expectedSize int64) ([]byte, error) {
	var lastErr error
	delay := rereadBaseDelay
	for attempt := 1; attempt <= rereadAttempts; attempt++ {
		data, err := u.readOnce(path, expectedSize)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == rereadAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, fmt.Errorf("read %s after %d attempts: %w", path, rereadAttempts, lastErr)
}

func (u *Uploader) readOnce(path string, expectedSize int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != expectedSize {
		return nil, fmt.Errorf("short read: got %d bytes, expected %d", len(data), expectedSize)
	}
	return data, nil
}

var messageIDPattern = regexp.MustCompile(`"message_id"\s*:\s*(\d+)`)

// post assembles and sends the multipart sendVideo request, returning the
// message id parsed out of the JSON response via a simple regex.
func (u *Uploader) post(ctx context.Context, post model.Post, probe ProbeResult, mediaBytes, thumbBytes []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", u.chatID); err != nil {
		return "", err
	}
	if err := writer.WriteField("caption", caption(post, probe)); err != nil {
		return "", err
	}
	if err := writer.WriteField("parse_mode", "Markdown"); err != nil {
		return "", err
	}
	if err := writer.WriteField("duration", strconv.Itoa(int(probe.DurationSeconds))); err != nil {
		return "", err
	}
	if err := writer.WriteField("width", strconv.Itoa(probe.Width)); err != nil {
		return "", err
	}
	if err := writer.WriteField("height", strconv.Itoa(probe.Height)); err != nil {
		return "", err
	}
	if err := writer.WriteField("supports_streaming", "true"); err != nil {
		return "", err
	}

	videoPart, err := writer.CreateFormFile("video", filepath.Base(post.DownloadPath))
	if err != nil {
		return "", err
	}
	if _, err := videoPart.Write(mediaBytes); err != nil {
		return "", err
	}

	thumbPart, err := writer.CreateFormFile("thumb", "thumb.jpg")
	if err != nil {
		return "", err
	}
	if _, err := thumbPart.Write(thumbBytes); err != nil {
		return "", err
	}

	if err := writer.Close(); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendVideo", u.baseURL, u.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("delivery endpoint returned status %d", resp.StatusCode)
	}

	match := messageIDPattern.FindSubmatch(raw)
	if len(match) != 2 {
		return "", fmt.Errorf("message_id not found in response")
	}
	return string(match[1]), nil
}

var markdownEscaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)", "`", "\\`",
)

// caption assembles the upload caption, escaping Markdown control characters.
func caption(post model.Post, probe ProbeResult) string {
	return fmt.Sprintf("%s\n%dx%d • %s • %s",
		markdownEscaper.Replace(post.Title),
		probe.Width, probe.Height,
		formatDuration(probe.DurationSeconds),
		formatSize(probe.SizeBytes),
	)
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%02ds", m, s)
}

func formatSize(bytes int64) string {
	const unit = 1024.0
	size := float64(bytes)
	units := []string{"B", "KiB", "MiB", "GiB"}
	idx := 0
	for size >= unit && idx < len(units)-1 {
		size /= unit
		idx++
	}
	return fmt.Sprintf("%.1f%s", math.Round(size*10)/10, units[idx])
}

// FFProbe is a Prober backed by the ffprobe binary.
type FFProbe struct {
	BinaryPath string
}

// Probe shells out to ffprobe to extract width, height, duration, and size.
func (p FFProbe) Probe(ctx context.Context, path string) (ProbeResult, error) {
	bin := p.BinaryPath
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "csv=p=0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe: %w", err)
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return ProbeResult{}, fmt.Errorf("stat probed file: %w", statErr)
	}
	return parseProbeOutput(string(out), info.Size())
}

func parseProbeOutput(out string, size int64) (ProbeResult, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return ProbeResult{}, fmt.Errorf("empty ffprobe output")
	}
	fields := strings.Split(strings.TrimRight(lines[0], ","), ",")
	if len(fields) < 2 {
		return ProbeResult{}, fmt.Errorf("unparseable ffprobe output: %q", out)
	}
	width, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return ProbeResult{}, fmt.Errorf("parse width: %w", err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return ProbeResult{}, fmt.Errorf("parse height: %w", err)
	}
	var duration float64
	// The format duration follows the stream fields on the same line or,
	// as ffprobe prints sections separately, on the next line.
	durField := ""
	if len(fields) >= 3 {
		durField = fields[2]
	} else if len(lines) >= 2 {
		durField = strings.TrimRight(lines[1], ",")
	}
	if durField != "" {
		duration, err = strconv.ParseFloat(strings.TrimSpace(durField), 64)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("parse duration: %w", err)
		}
	}
	return ProbeResult{Width: width, Height: height, DurationSeconds: duration, SizeBytes: size}, nil
}

// FFMpegThumbnailer is a Thumbnailer backed by the ffmpeg binary: it
// extracts frameCount stills at random timestamps bounded away from the
// clip's edges, scales each, and tiles them into a grid with ffmpeg's
// xstack filter.
type FFMpegThumbnailer struct {
	BinaryPath string
}

// Grid extracts and composes a cols x rows frame grid into outPath.
func (t FFMpegThumbnailer) Grid(ctx context.Context, path string, duration float64, frameCount, frameWidth, cols, rows int, edgeMargin time.Duration, outPath string) error {
	bin := t.BinaryPath
	if bin == "" {
		bin = "ffmpeg"
	}
	margin := edgeMargin.Seconds()
	usable := duration - 2*margin
	if usable <= 0 {
		return fmt.Errorf("clip too short for margin-bounded thumbnailing: duration=%.2fs", duration)
	}

	frameDir, err := os.MkdirTemp(filepath.Dir(outPath), "frames-*")
	if err != nil {
		return fmt.Errorf("mkdir frame dir: %w", err)
	}
	defer os.RemoveAll(frameDir)

	framePaths := make([]string, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		ts := margin + rand.Float64()*usable
		framePath := filepath.Join(frameDir, fmt.Sprintf("frame-%02d.jpg", i))
		cmd := exec.CommandContext(ctx, bin,
			"-y", "-ss", fmt.Sprintf("%.3f", ts), "-i", path,
			"-vframes", "1", "-vf", fmt.Sprintf("scale=%d:-1", frameWidth),
			framePath,
		)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("extract frame %d at %.2fs: %w", i, ts, err)
		}
		framePaths = append(framePaths, framePath)
	}

	return composeGrid(ctx, bin, framePaths, cols, rows, outPath)
}

func composeGrid(ctx context.Context, bin string, framePaths []string, cols, rows int, outPath string) error {
	args := []string{"-y"}
	for _, p := range framePaths {
		args = append(args, "-i", p)
	}
	var layout strings.Builder
	for i := range framePaths {
		col := i % cols
		row := i / cols
		if i > 0 {
			layout.WriteString("|")
		}
		fmt.Fprintf(&layout, "%d_%d", col*thumbFrameWidth, row*120)
	}
	filter := fmt.Sprintf("xstack=inputs=%d:layout=%s", len(framePaths), layout.String())
	args = append(args, "-filter_complex", filter, "-frames:v", "1", outPath)
	cmd := exec.CommandContext(ctx, bin, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg compose grid: %w", err)
	}
	_ = rows
	return nil
}
