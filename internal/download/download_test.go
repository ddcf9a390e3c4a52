package download

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ingestpipe/mediaingest/internal/model"
)

type fakeResolver struct {
	calls int32
	url   string
	err   error
}

func (f *fakeResolver) ResolveMediaURL(context.Context, string, string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.url, f.err
}

type fakeStore struct {
	updatedURLs    []string
	markedPaths    []string
	markDownloaded int32
}

func (f *fakeStore) UpdateMediaURL(_ context.Context, _, newURL string) error {
	f.updatedURLs = append(f.updatedURLs, newURL)
	return nil
}

func (f *fakeStore) MarkDownloaded(_ context.Context, _, path string) error {
	atomic.AddInt32(&f.markDownloaded, 1)
	f.markedPaths = append(f.markedPaths, path)
	return nil
}

func randomBody(t *testing.T, n int) []byte {
	t.Helper()
	body := make([]byte, n)
	_, err := rand.Read(body)
	require.NoError(t, err)
	return body
}

func TestDownloadStreamsAndAtomicallyFinalizes(t *testing.T) {
	body := randomBody(t, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := &fakeStore{}
	e := New(dir, &fakeResolver{}, st)

	post := model.Post{
		URL:            "https://example/post/X1",
		Title:          "A",
		PostID:         "X1",
		MediaSourceURL: srv.URL + "/media/X1.mp4",
	}

	var lastRead, lastKnown int64
	err := e.Download(context.Background(), post, func(read, known int64) {
		lastRead, lastKnown = read, known
	})
	require.NoError(t, err)

	require.Equal(t, int32(1), st.markDownloaded)
	require.Len(t, st.markedPaths, 1)
	require.True(t, strings.HasSuffix(st.markedPaths[0], "A_X1.mp4"))

	got, err := os.ReadFile(st.markedPaths[0])
	require.NoError(t, err)
	require.True(t, bytes.Equal(body, got))

	_, err = os.Stat(st.markedPaths[0] + ".tmp")
	require.True(t, os.IsNotExist(err))

	require.Equal(t, int64(2048), lastRead)
	require.Equal(t, int64(2048), lastKnown)
}

func TestExpiredURLRefreshesOnceAndSucceeds(t *testing.T) {
	body := randomBody(t, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "expired") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := &fakeStore{}
	resolver := &fakeResolver{url: srv.URL + "/media/X1-v2.mp4"}
	e := New(dir, resolver, st)

	post := model.Post{
		URL:            "https://example/post/X1",
		Title:          "A",
		PostID:         "X1",
		MediaSourceURL: srv.URL + "/media/expired-X1.mp4",
	}

	require.NoError(t, e.Download(context.Background(), post, nil))

	require.Equal(t, int32(1), atomic.LoadInt32(&resolver.calls))
	require.Equal(t, []string{srv.URL + "/media/X1-v2.mp4"}, st.updatedURLs)
	require.Equal(t, int32(1), st.markDownloaded)

	got, err := os.ReadFile(st.markedPaths[0])
	require.NoError(t, err)
	require.Len(t, got, 2048)
}

func TestRefreshExhaustionAbandonsItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := &fakeStore{}
	resolver := &fakeResolver{url: srv.URL + "/media/still-expired.mp4"}
	e := New(dir, resolver, st)

	post := model.Post{
		URL:            "https://example/post/X1",
		Title:          "A",
		PostID:         "X1",
		MediaSourceURL: srv.URL + "/media/expired.mp4",
	}

	err := e.Download(context.Background(), post, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "refresh failed")

	// One resolver call per allowed retry, never per chunk or per request.
	require.Equal(t, int32(refreshRetries), atomic.LoadInt32(&resolver.calls))
	require.Equal(t, int32(0), st.markDownloaded)
}

func TestPreExistingValidFileShortCircuits(t *testing.T) {
	body := randomBody(t, 5_000)

	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&gets, 1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}))
	defer srv.Close()

	dir := t.TempDir()
	existing := filepath.Join(dir, "A_X1.mp4")
	require.NoError(t, os.WriteFile(existing, body, 0o600))

	st := &fakeStore{}
	e := New(dir, &fakeResolver{}, st)

	post := model.Post{
		URL:            "https://example/post/X1",
		Title:          "A",
		PostID:         "X1",
		MediaSourceURL: srv.URL + "/media/X1.mp4",
	}

	require.NoError(t, e.Download(context.Background(), post, nil))

	require.Equal(t, int32(0), atomic.LoadInt32(&gets))
	require.Equal(t, int32(1), st.markDownloaded)
	require.Equal(t, []string{existing}, st.markedPaths)

	got, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.True(t, bytes.Equal(body, got))
}

func TestPreExistingTinyFileIsRedownloaded(t *testing.T) {
	body := randomBody(t, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	existing := filepath.Join(dir, "A_X1.mp4")
	require.NoError(t, os.WriteFile(existing, []byte("stub"), 0o600))

	st := &fakeStore{}
	e := New(dir, &fakeResolver{}, st)

	post := model.Post{
		URL:            "https://example/post/X1",
		Title:          "A",
		PostID:         "X1",
		MediaSourceURL: srv.URL + "/media/X1.mp4",
	}

	require.NoError(t, e.Download(context.Background(), post, nil))

	got, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Len(t, got, 2048)
}

func TestNon404ErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := &fakeStore{}
	resolver := &fakeResolver{}
	e := New(dir, resolver, st)

	post := model.Post{
		URL:            "https://example/post/X1",
		Title:          "A",
		PostID:         "X1",
		MediaSourceURL: srv.URL + "/media/X1.mp4",
	}

	err := e.Download(context.Background(), post, nil)
	require.Error(t, err)
	require.Equal(t, int32(0), atomic.LoadInt32(&resolver.calls))
	require.Equal(t, int32(0), st.markDownloaded)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReadersNeverSeePartialFinalFile(t *testing.T) {
	body := randomBody(t, 4096)
	firstHalfSent := make(chan struct{})
	checked := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body[:2048])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(firstHalfSent)
		<-checked
		_, _ = w.Write(body[2048:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := &fakeStore{}
	e := New(dir, &fakeResolver{}, st)

	final := filepath.Join(dir, "A_X1.mp4")
	post := model.Post{
		URL:            "https://example/post/X1",
		Title:          "A",
		PostID:         "X1",
		MediaSourceURL: srv.URL + "/media/X1.mp4",
	}

	done := make(chan error, 1)
	go func() {
		done <- e.Download(context.Background(), post, nil)
	}()

	<-firstHalfSent
	// Mid-stream, the final path must not exist; only the temp file may.
	_, err := os.Stat(final)
	require.True(t, os.IsNotExist(err))
	close(checked)

	require.NoError(t, <-done)

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.True(t, bytes.Equal(body, got))
}

func TestTruncatedBodyCleansUpTempFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		if r.Method == http.MethodHead {
			return
		}
		// Advertise more than is sent, then drop the connection.
		_, _ = w.Write(make([]byte, 1024))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := &fakeStore{}
	e := New(dir, &fakeResolver{}, st)

	post := model.Post{
		URL:            "https://example/post/X1",
		Title:          "A",
		PostID:         "X1",
		MediaSourceURL: srv.URL + "/media/X1.mp4",
	}

	err := e.Download(context.Background(), post, nil)
	require.Error(t, err)
	require.Equal(t, int32(0), st.markDownloaded)

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTargetPathNaming(t *testing.T) {
	t.Parallel()

	e := New("/downloads", nil, nil)

	tests := []struct {
		name string
		post model.Post
		want string
	}{
		{
			name: "illegal characters collapsed",
			post: model.Post{Title: `a/b:c*d`, PostID: "P1", MediaSourceURL: "https://cdn/clip.mp4"},
			want: "/downloads/a_b_c_d_P1.mp4",
		},
		{
			name: "query string ignored for extension",
			post: model.Post{Title: "t", PostID: "P2", MediaSourceURL: "https://cdn/clip.webm?token=abc"},
			want: "/downloads/t_P2.webm",
		},
		{
			name: "overlong extension falls back to mp4",
			post: model.Post{Title: "t", PostID: "P3", MediaSourceURL: "https://cdn/clip.longext"},
			want: "/downloads/t_P3.mp4",
		},
		{
			name: "empty title",
			post: model.Post{Title: "", PostID: "P4", MediaSourceURL: "https://cdn/clip.mp4"},
			want: "/downloads/untitled_P4.mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, e.targetPath(tt.post))
		})
	}

	longTitle := strings.Repeat("x", 150)
	got := e.targetPath(model.Post{Title: longTitle, PostID: "P5", MediaSourceURL: "https://cdn/clip.mp4"})
	require.Equal(t, "/downloads/"+strings.Repeat("x", 100)+"_P5.mp4", got)
}

type fakeArchiver struct {
	paths []string
}

func (f *fakeArchiver) Mirror(_ context.Context, path string) error {
	f.paths = append(f.paths, path)
	return nil
}

func TestArchiverReceivesFinalizedPath(t *testing.T) {
	body := randomBody(t, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := &fakeStore{}
	arch := &fakeArchiver{}
	e := New(dir, &fakeResolver{}, st).WithArchiver(arch)

	post := model.Post{
		URL:            "https://example/post/X1",
		Title:          "A",
		PostID:         "X1",
		MediaSourceURL: srv.URL + "/media/X1.mp4",
	}

	require.NoError(t, e.Download(context.Background(), post, nil))
	require.Equal(t, []string{filepath.Join(dir, "A_X1.mp4")}, arch.paths)
}
