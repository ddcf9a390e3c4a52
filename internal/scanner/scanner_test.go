package scanner

import (
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func docFromString(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

type fakeFetcher struct {
	pages map[string]string
	calls []string
}

func (f *fakeFetcher) FetchHTML(ctx context.Context, url string) (string, error) {
	f.calls = append(f.calls, url)
	return f.pages[url], nil
}

const samplePage = `
<html><body>
<div class="video-item"><a class="video-link" href="/post/X1" title="First Post">thumb</a></div>
<div class="video-item"><a class="video-link" href="/post/X2">Second Post</a></div>
<div class="video-item"><a class="video-link" href="/other/ignored">Ignored</a></div>
</body></html>`

func TestScanExtractsCandidatesFromFirstShape(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.com/ch/alpha.html": samplePage,
	}}

	s := New(fetcher, "/post/")
	candidates, err := s.Scan(context.Background(), "https://example.com/ch/alpha.html", 1)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, "First Post", candidates[0].Title)
	require.Equal(t, "X1", candidates[0].PostID)
	require.Equal(t, "https://example.com/post/X1", candidates[0].URL)
	require.Equal(t, "Second Post", candidates[1].Title)
	require.Equal(t, "X2", candidates[1].PostID)
}

func TestScanFallsBackToNextShapeWhenFirstYieldsNothing(t *testing.T) {
	page := `<html><body><article class="post"><a class="post-link" href="/post/Y1">Y One</a></article></body></html>`
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.com/ch/beta.html": page,
	}}

	s := New(fetcher, "/post/")
	candidates, err := s.Scan(context.Background(), "https://example.com/ch/beta.html", 1)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "Y1", candidates[0].PostID)
}

func TestExtractPostIDStopsAtPathBoundary(t *testing.T) {
	require.Equal(t, "X1", extractPostID("https://example.com/post/X1/extra", "/post/"))
	require.Equal(t, "X1", extractPostID("https://example.com/post/X1.html", "/post/"))
	require.Equal(t, "", extractPostID("https://example.com/other/X1", "/post/"))
}

func TestEstimateTotalPagesFromOffsetLinks(t *testing.T) {
	html := `<html><body>
<a href="?offset=30">2</a>
<a href="?offset=90">4</a>
</body></html>`
	doc, err := docFromString(html)
	require.NoError(t, err)
	require.Equal(t, 4, estimateTotalPages(doc))
}
