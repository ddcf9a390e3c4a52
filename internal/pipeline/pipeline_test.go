package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ingestpipe/mediaingest/internal/model"
)

type fakeDownloader struct {
	mu      sync.Mutex
	inFlight int
	maxSeen  int
	calls    int32
	delay    time.Duration
	err      error
}

func (f *fakeDownloader) Download(ctx context.Context, post model.Post, progress ProgressFunc) error {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	if progress != nil {
		progress(10, 100)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return f.err
}

type fakeUploader struct {
	calls int32
}

func (f *fakeUploader) Upload(context.Context, model.Post) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

func TestEnqueueDrainsToUploadQueueOnSuccess(t *testing.T) {
	dl := &fakeDownloader{}
	ul := &fakeUploader{}
	o := New(dl, ul, 3, 2, zap.NewNop(), nil)
	o.Start(context.Background())
	defer o.Stop()

	err := o.Enqueue([]model.Post{{URL: "https://example/post/X1"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ul.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackpressureRespectsDownloadConcurrencyCap(t *testing.T) {
	dl := &fakeDownloader{delay: 150 * time.Millisecond}
	ul := &fakeUploader{}
	o := New(dl, ul, 3, 0, zap.NewNop(), nil)
	o.Start(context.Background())
	defer o.Stop()

	var posts []model.Post
	for i := 0; i < 20; i++ {
		posts = append(posts, model.Post{URL: "https://example/post/" + string(rune('A'+i))})
	}
	require.NoError(t, o.Enqueue(posts))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dl.calls) == 20
	}, 5*time.Second, 10*time.Millisecond)

	dl.mu.Lock()
	maxSeen := dl.maxSeen
	dl.mu.Unlock()
	require.LessOrEqual(t, maxSeen, 3)
}

func TestNoUploadEnqueueWhenNoUploaderConfigured(t *testing.T) {
	dl := &fakeDownloader{}
	ul := &fakeUploader{}
	o := New(dl, ul, 2, 0, zap.NewNop(), nil)
	o.Start(context.Background())
	defer o.Stop()

	require.NoError(t, o.Enqueue([]model.Post{{URL: "https://example/post/X2"}}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dl.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&ul.calls))
}

func TestSnapshotReportsActiveDownloadsAndWorkerCounts(t *testing.T) {
	dl := &fakeDownloader{delay: 200 * time.Millisecond}
	ul := &fakeUploader{}
	o := New(dl, ul, 1, 1, zap.NewNop(), nil)
	o.Start(context.Background())
	defer o.Stop()

	require.NoError(t, o.Enqueue([]model.Post{{URL: "https://example/post/Y"}}))
	time.Sleep(50 * time.Millisecond)

	snap := o.Snapshot()
	require.Equal(t, 1, snap.DownloadWorkers)
	require.Equal(t, 1, snap.UploadWorkers)
	require.Len(t, snap.Downloads, 1)
}

func TestStopJoinsWorkersWithinGracePeriod(t *testing.T) {
	dl := &fakeDownloader{}
	ul := &fakeUploader{}
	o := New(dl, ul, 2, 1, zap.NewNop(), nil)
	o.Start(context.Background())

	done := make(chan struct{})
	go func() {
		o.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return within expected grace period")
	}
}
