// Package dashboard implements the status dashboard: a periodic,
// throttled, change-detected render of pipeline state to an append-only
// output stream.
package dashboard

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ingestpipe/mediaingest/internal/model"
	"github.com/ingestpipe/mediaingest/internal/pipeline"
)

const (
	maxActiveDownloadsShown = 5
	maxActiveUploadsShown   = 3
	maxStaleness            = 30 * time.Second
)

// Dashboard renders pipeline.Snapshot values to w, deduping identical
// consecutive renders and forcing a render at least every maxStaleness.
type Dashboard struct {
	mu        sync.Mutex
	w         io.Writer
	logger    *zap.Logger
	startedAt time.Time
	now       func() time.Time

	lastRendered string
	lastEmitted  time.Time
}

// New constructs a Dashboard writing to w. startedAt anchors the elapsed
// wall-clock timer shown in every render.
func New(w io.Writer, startedAt time.Time, logger *zap.Logger) *Dashboard {
	return &Dashboard{
		w:         w,
		logger:    logger,
		startedAt: startedAt,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Render renders snap if it differs from the last rendered snapshot, or if
// maxStaleness has elapsed since the last emission. It never overwrites
// prior output.
func (d *Dashboard) Render(snap pipeline.Snapshot) {
	text := d.format(snap)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if text == d.lastRendered && now.Sub(d.lastEmitted) < maxStaleness {
		return
	}

	if _, err := io.WriteString(d.w, text); err != nil {
		d.logger.Warn("dashboard write failed", zap.Error(err))
		return
	}
	d.lastRendered = text
	d.lastEmitted = now
}

func (d *Dashboard) format(snap pipeline.Snapshot) string {
	var b strings.Builder

	active := len(snap.Downloads) + len(snap.Uploads)
	queued := snap.DownloadQueueLen + snap.UploadQueueLen
	completed := snap.CompletedDownload + snap.CompletedUpload
	total := active + queued + completed
	pct := 0.0
	if total > 0 {
		pct = float64(snap.CompletedUpload) / float64(total) * 100
	}

	elapsed := d.now().Sub(d.startedAt)
	eta := extrapolateETA(elapsed, snap.CompletedUpload, total)

	fmt.Fprintf(&b, "=== pipeline status (%s elapsed, ETA %s) ===\n", formatDuration(elapsed), formatDuration(eta))
	fmt.Fprintf(&b, "overall: %.1f%% (%d/%d uploaded)\n", pct, snap.CompletedUpload, total)
	if snap.Status != "" {
		fmt.Fprintf(&b, "status: %s\n", snap.Status)
	}

	writeActiveItems(&b, "downloads", snap.Downloads, maxActiveDownloadsShown, d.now())
	writeActiveItems(&b, "uploads", snap.Uploads, maxActiveUploadsShown, d.now())

	fmt.Fprintf(&b, "%-10s %-8s %-8s %-10s %-8s\n", "Stage", "Active", "Queued", "Completed", "Workers")
	fmt.Fprintf(&b, "%-10s %-8d %-8d %-10d %-8d\n", "download", len(snap.Downloads), snap.DownloadQueueLen, snap.CompletedDownload, snap.DownloadWorkers)
	fmt.Fprintf(&b, "%-10s %-8d %-8d %-10d %-8d\n", "upload", len(snap.Uploads), snap.UploadQueueLen, snap.CompletedUpload, snap.UploadWorkers)
	b.WriteString("\n")

	return b.String()
}

func writeActiveItems(b *strings.Builder, label string, items map[string]model.Progress, limit int, now time.Time) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "active %s:\n", label)
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	for _, k := range keys {
		p := items[k]
		fmt.Fprintf(b, "  [w%d] %s — %s elapsed\n", p.WorkerID, k, formatDuration(now.Sub(p.StartedAt)))
	}
}

func extrapolateETA(elapsed time.Duration, completed, total int) time.Duration {
	if completed <= 0 || total <= 0 || completed >= total {
		return 0
	}
	rate := float64(elapsed) / float64(completed)
	remaining := total - completed
	return time.Duration(rate * float64(remaining))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
