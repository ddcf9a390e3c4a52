// Package scanner walks a channel's paginated post listing and extracts
// candidate post descriptors without resolving their media URLs.
package scanner

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/ingestpipe/mediaingest/internal/model"
)

const (
	listingPageSize       = 30
	defaultMonitorPageCap = 10

	interPageDelayMin = 1500 * time.Millisecond
	interPageDelayMax = 2000 * time.Millisecond
)

// HTMLFetcher retrieves a page's solved HTML via the session-backed fetcher.
type HTMLFetcher interface {
	FetchHTML(ctx context.Context, url string) (string, error)
}

// nodeShape is one candidate DOM shape to try when extracting post nodes.
// Shapes are tried in order; the first to yield at least one node wins.
type nodeShape struct {
	container string
	link      string
}

// defaultShapes is a prioritized list of DOM shape heuristics, most
// specific first.
var defaultShapes = []nodeShape{
	{container: "div.video-item", link: "a.video-link"},
	{container: "article.post", link: "a.post-link"},
	{container: "li.thumb", link: "a"},
	{container: "div.item", link: "a"},
}

// Scanner walks paged channel listings via a HTMLFetcher and returns
// candidate posts.
type Scanner struct {
	fetcher     HTMLFetcher
	postMarker  string
	shapes      []nodeShape
	pageLimiter *rate.Limiter
}

// New constructs a Scanner. postMarker is the URL path segment that
// identifies a post link (e.g. "/post/"); candidate hrefs not containing
// it are discarded.
func New(fetcher HTMLFetcher, postMarker string) *Scanner {
	return &Scanner{
		fetcher:     fetcher,
		postMarker:  postMarker,
		shapes:      defaultShapes,
		pageLimiter: rate.NewLimiter(rate.Every((interPageDelayMin+interPageDelayMax)/2), 1),
	}
}

// Scan walks channelURL's paginated listing, bounded by pageCap (0 means
// monitor mode's default of 10; pass totalPages for a full scan), and
// returns the discovered candidates in DOM order.
func (s *Scanner) Scan(ctx context.Context, channelURL string, pageCap int) ([]model.Candidate, error) {
	if pageCap <= 0 {
		pageCap = defaultMonitorPageCap
	}

	// Take the limiter's initial token up front so page 2 is spaced from
	// page 1 like every later page.
	if err := s.pageLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("scanner: page delay: %w", err)
	}
	first, err := s.fetchPage(ctx, channelURL, 1)
	if err != nil {
		return nil, fmt.Errorf("scanner: fetch first page: %w", err)
	}

	totalPages := estimateTotalPages(first.doc)
	limit := pageCap
	if totalPages < limit {
		limit = totalPages
	}
	if limit < 1 {
		limit = 1
	}

	base, err := url.Parse(channelURL)
	if err != nil {
		return nil, fmt.Errorf("scanner: parse channel url: %w", err)
	}

	var out []model.Candidate
	out = append(out, extractCandidates(first.doc, base, s.shapes, s.postMarker)...)

	for page := 2; page <= limit; page++ {
		if err := s.pageLimiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("scanner: page delay: %w", err)
		}
		pg, err := s.fetchPage(ctx, channelURL, page)
		if err != nil {
			return out, fmt.Errorf("scanner: fetch page %d: %w", page, err)
		}
		out = append(out, extractCandidates(pg.doc, base, s.shapes, s.postMarker)...)
	}

	return out, nil
}

type fetchedPage struct {
	doc *goquery.Document
}

func (s *Scanner) fetchPage(ctx context.Context, channelURL string, page int) (fetchedPage, error) {
	pageURL := channelURL
	if page > 1 {
		pageURL = withOffset(channelURL, (page-1)*listingPageSize)
	}
	html, err := s.fetcher.FetchHTML(ctx, pageURL)
	if err != nil {
		return fetchedPage{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fetchedPage{}, fmt.Errorf("scanner: parse html: %w", err)
	}
	return fetchedPage{doc: doc}, nil
}

func withOffset(channelURL string, offset int) string {
	u, err := url.Parse(channelURL)
	if err != nil {
		return channelURL
	}
	q := u.Query()
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return u.String()
}

var maxOffsetPattern = regexp.MustCompile(`offset=(\d+)`)

// estimateTotalPages derives the listing's page count from the highest
// offset referenced anywhere on the first page (e.g. in pagination links),
// per the site's page size of 30 items.
func estimateTotalPages(doc *goquery.Document) int {
	maxOffset := 0
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := maxOffsetPattern.FindStringSubmatch(href)
		if len(m) != 2 {
			return
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n > maxOffset {
			maxOffset = n
		}
	})
	return int(math.Floor(float64(maxOffset)/listingPageSize)) + 1
}

// extractCandidates tries each shape in order; the first shape yielding at
// least one node wins. Hrefs are resolved against base so stored post URLs
// are always absolute.
func extractCandidates(doc *goquery.Document, base *url.URL, shapes []nodeShape, postMarker string) []model.Candidate {
	for _, shape := range shapes {
		nodes := doc.Find(shape.container)
		if nodes.Length() == 0 {
			continue
		}
		var candidates []model.Candidate
		nodes.Each(func(_ int, node *goquery.Selection) {
			link := node.Find(shape.link).First()
			if link.Length() == 0 {
				link = node
			}
			href, ok := link.Attr("href")
			if !ok || !strings.Contains(href, postMarker) {
				return
			}
			postID := extractPostID(href, postMarker)
			if postID == "" {
				return
			}
			candidates = append(candidates, model.Candidate{
				Title:  extractTitle(link),
				URL:    absoluteURL(base, href),
				PostID: postID,
			})
		})
		if len(candidates) > 0 {
			return candidates
		}
	}
	return nil
}

func absoluteURL(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// extractTitle prefers an attribute-carrying title (title/alt/aria-label)
// over the element's text content.
func extractTitle(sel *goquery.Selection) string {
	for _, attr := range []string{"title", "aria-label"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if img := sel.Find("img").First(); img.Length() > 0 {
		if alt, ok := img.Attr("alt"); ok && strings.TrimSpace(alt) != "" {
			return strings.TrimSpace(alt)
		}
	}
	return strings.TrimSpace(sel.Text())
}

// extractPostID captures the path segment immediately following the post
// marker in href.
func extractPostID(href, marker string) string {
	idx := strings.Index(href, marker)
	if idx < 0 {
		return ""
	}
	rest := href[idx+len(marker):]
	rest = strings.TrimPrefix(rest, "/")
	for i, r := range rest {
		if r == '/' || r == '?' || r == '#' || r == '.' {
			return rest[:i]
		}
	}
	return rest
}
