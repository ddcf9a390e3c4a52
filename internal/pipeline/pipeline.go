// Package pipeline implements the orchestrator: bounded FIFO
// download/upload queues, counting-semaphore worker pools, concurrent
// progress maps, and a single cancellation token shared with the
// automation loop and the dashboard.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ingestpipe/mediaingest/internal/idgen"
	"github.com/ingestpipe/mediaingest/internal/metrics"
	"github.com/ingestpipe/mediaingest/internal/model"
)

const (
	dequeueIdleSleep = 500 * time.Millisecond
	shutdownGrace    = 10 * time.Second
)

// ProgressFunc is passed to Downloader.Download so the engine can report
// bytes-known/bytes-read as they arrive.
type ProgressFunc func(read, known int64)

// Downloader is the slice of the download engine the orchestrator
// invokes for each download-stage work item.
type Downloader interface {
	Download(ctx context.Context, post model.Post, progress ProgressFunc) error
}

// Uploader is the slice of the delivery uploader the orchestrator
// invokes for each upload-stage work item.
type Uploader interface {
	Upload(ctx context.Context, post model.Post) error
}

// IDGenerator mints work item ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Snapshot is the dashboard-facing view of orchestrator state at an
// instant; see internal/dashboard for rendering.
type Snapshot struct {
	Status            string
	DownloadQueueLen  int
	UploadQueueLen    int
	Downloads         map[string]model.Progress
	Uploads           map[string]model.Progress
	CompletedDownload int
	CompletedUpload   int
	DownloadWorkers   int
	UploadWorkers     int
}

// Orchestrator owns the download/upload queues and worker pools.
type Orchestrator struct {
	downloader Downloader
	uploader   Uploader
	idgen      IDGenerator
	logger     *zap.Logger

	downloadWorkers int
	uploadWorkers   int

	downloadQueue chan model.WorkItem
	uploadQueue   chan model.WorkItem

	downloadSem chan struct{}
	uploadSem   chan struct{}

	mu               sync.Mutex
	downloadProgress map[string]model.Progress
	uploadProgress   map[string]model.Progress
	completedDL      int
	completedUL      int
	status           string

	onSnapshot func(Snapshot)

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Orchestrator. uploadWorkers may be 0 when no delivery
// endpoint is configured, in which case downloaded items are never
// enqueued for upload. onSnapshot, if non-nil, is invoked by the
// orchestrator's own dashboard-driving worker every 2s.
func New(downloader Downloader, uploader Uploader, downloadWorkers, uploadWorkers int, logger *zap.Logger, onSnapshot func(Snapshot)) *Orchestrator {
	return &Orchestrator{
		downloader:       downloader,
		uploader:         uploader,
		idgen:            idgen.New(),
		logger:           logger,
		downloadWorkers:  downloadWorkers,
		uploadWorkers:    uploadWorkers,
		downloadQueue:    make(chan model.WorkItem, 4096),
		uploadQueue:      make(chan model.WorkItem, 4096),
		downloadSem:      make(chan struct{}, downloadWorkers),
		uploadSem:        make(chan struct{}, maxInt(uploadWorkers, 1)),
		downloadProgress: make(map[string]model.Progress),
		uploadProgress:   make(map[string]model.Progress),
		onSnapshot:       onSnapshot,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start spawns the long-lived workers (D download workers, U upload
// workers, and, when onSnapshot is set, the dashboard driver) and returns
// immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for i := 0; i < o.downloadWorkers; i++ {
		o.wg.Add(1)
		go o.runDownloadWorker(ctx, i)
	}
	for i := 0; i < o.uploadWorkers; i++ {
		o.wg.Add(1)
		go o.runUploadWorker(ctx, i)
	}
	if o.onSnapshot != nil {
		o.wg.Add(1)
		go o.runDashboardDriver(ctx)
	}
}

// Enqueue appends items to the download queue. Non-blocking: duplicate
// enqueues for the same URL are allowed, relying on the download engine's
// pre-existing-file idempotency. When the buffered queue is full, the item
// is dropped with a warning instead of blocking.
func (o *Orchestrator) Enqueue(posts []model.Post) error {
	for _, p := range posts {
		id, err := o.idgen.NewID()
		if err != nil {
			return fmt.Errorf("pipeline: generate work item id: %w", err)
		}
		item := model.WorkItem{ID: id, Post: p}
		select {
		case o.downloadQueue <- item:
		default:
			o.logger.Warn("download queue full, dropping item", zap.String("url", p.URL))
		}
	}
	return nil
}

// ProcessBlocking enqueues items then blocks until both queues are empty
// and no worker is mid-item.
func (o *Orchestrator) ProcessBlocking(ctx context.Context, posts []model.Post) error {
	if err := o.Enqueue(posts); err != nil {
		return err
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if o.idle() {
				return nil
			}
		}
	}
}

func (o *Orchestrator) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.downloadQueue) == 0 && len(o.uploadQueue) == 0 &&
		len(o.downloadProgress) == 0 && len(o.uploadProgress) == 0
}

// UpdateStatus sets the single-line current-activity status the dashboard
// shows. Last writer wins.
func (o *Orchestrator) UpdateStatus(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = text
}

// Snapshot returns a point-in-time copy of orchestrator state for the
// dashboard and the status HTTP surface.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	downloads := make(map[string]model.Progress, len(o.downloadProgress))
	for k, v := range o.downloadProgress {
		downloads[k] = v
	}
	uploads := make(map[string]model.Progress, len(o.uploadProgress))
	for k, v := range o.uploadProgress {
		uploads[k] = v
	}
	return Snapshot{
		Status:            o.status,
		DownloadQueueLen:  len(o.downloadQueue),
		UploadQueueLen:    len(o.uploadQueue),
		Downloads:         downloads,
		Uploads:           uploads,
		CompletedDownload: o.completedDL,
		CompletedUpload:   o.completedUL,
		DownloadWorkers:   o.downloadWorkers,
		UploadWorkers:     o.uploadWorkers,
	}
}

// Stop cancels the orchestrator's token and joins all workers, bounded by
// shutdownGrace.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		o.logger.Warn("pipeline shutdown grace period exceeded, returning anyway")
	}
}

func (o *Orchestrator) runDownloadWorker(ctx context.Context, workerID int) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-o.downloadQueue:
			o.processDownload(ctx, workerID, item)
		case <-time.After(dequeueIdleSleep):
		}
	}
}

func (o *Orchestrator) processDownload(ctx context.Context, workerID int, item model.WorkItem) {
	select {
	case o.downloadSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-o.downloadSem }()

	metrics.IncActiveWorkers(string(model.StageDownload))
	defer metrics.DecActiveWorkers(string(model.StageDownload))

	now := time.Now().UTC()
	o.mu.Lock()
	o.downloadProgress[item.Post.URL] = model.Progress{
		Stage: model.StageDownload, WorkerID: workerID, URL: item.Post.URL, StartedAt: now,
	}
	o.mu.Unlock()

	progressFn := func(read, known int64) {
		o.mu.Lock()
		p := o.downloadProgress[item.Post.URL]
		metrics.AddDownloadBytes(read - p.BytesRead)
		p.BytesRead = read
		p.BytesKnown = known
		o.downloadProgress[item.Post.URL] = p
		o.mu.Unlock()
	}

	err := o.downloader.Download(ctx, item.Post, progressFn)
	metrics.ObserveStageDuration(string(model.StageDownload), time.Since(now))

	o.mu.Lock()
	delete(o.downloadProgress, item.Post.URL)
	o.mu.Unlock()

	if err != nil {
		metrics.ObserveStageOutcome(string(model.StageDownload), "failure")
		o.logger.Error("download failed", zap.String("url", item.Post.URL), zap.Error(err))
		return
	}
	metrics.ObserveStageOutcome(string(model.StageDownload), "success")

	o.mu.Lock()
	o.completedDL++
	o.mu.Unlock()

	if o.uploadWorkers > 0 {
		select {
		case o.uploadQueue <- item:
		default:
			o.logger.Warn("upload queue full, dropping item", zap.String("url", item.Post.URL))
		}
	}
}

func (o *Orchestrator) runUploadWorker(ctx context.Context, workerID int) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-o.uploadQueue:
			o.processUpload(ctx, workerID, item)
		case <-time.After(dequeueIdleSleep):
		}
	}
}

func (o *Orchestrator) processUpload(ctx context.Context, workerID int, item model.WorkItem) {
	select {
	case o.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-o.uploadSem }()

	metrics.IncActiveWorkers(string(model.StageUpload))
	defer metrics.DecActiveWorkers(string(model.StageUpload))

	now := time.Now().UTC()
	o.mu.Lock()
	o.uploadProgress[item.Post.URL] = model.Progress{
		Stage: model.StageUpload, WorkerID: workerID, URL: item.Post.URL, StartedAt: now,
	}
	o.mu.Unlock()

	err := o.uploader.Upload(ctx, item.Post)
	metrics.ObserveStageDuration(string(model.StageUpload), time.Since(now))

	o.mu.Lock()
	delete(o.uploadProgress, item.Post.URL)
	o.mu.Unlock()

	if err != nil {
		metrics.ObserveStageOutcome(string(model.StageUpload), "failure")
		o.logger.Error("upload failed", zap.String("url", item.Post.URL), zap.Error(err))
		return
	}
	metrics.ObserveStageOutcome(string(model.StageUpload), "success")

	o.mu.Lock()
	o.completedUL++
	o.mu.Unlock()
}

func (o *Orchestrator) runDashboardDriver(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := o.Snapshot()
			metrics.SetQueueDepth(string(model.StageDownload), snap.DownloadQueueLen)
			metrics.SetQueueDepth(string(model.StageUpload), snap.UploadQueueLen)
			o.onSnapshot(snap)
		}
	}
}
