package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotentAndUsable(t *testing.T) {
	queueDepth = nil
	activeWorkers = nil
	stageOutcomesTotal = nil
	downloadBytesTotal = nil
	once = sync.Once{}

	Init()
	Init()

	if queueDepth == nil || activeWorkers == nil || stageOutcomesTotal == nil || downloadBytesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	SetQueueDepth("download", 5)
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("download")); got != 5 {
		t.Errorf("expected queue depth 5, got %f", got)
	}

	ObserveStageOutcome("upload", "success")
	if got := testutil.ToFloat64(stageOutcomesTotal.WithLabelValues("upload", "success")); got != 1 {
		t.Errorf("expected stage outcome count 1, got %f", got)
	}

	AddDownloadBytes(1024)
	if got := testutil.ToFloat64(downloadBytesTotal); got != 1024 {
		t.Errorf("expected 1024 download bytes, got %f", got)
	}
}

func TestIncDecActiveWorkers(t *testing.T) {
	Init()

	IncActiveWorkers("download")
	IncActiveWorkers("download")
	DecActiveWorkers("download")

	if got := testutil.ToFloat64(activeWorkers.WithLabelValues("download")); got != 1 {
		t.Errorf("expected 1 active worker, got %f", got)
	}
}
