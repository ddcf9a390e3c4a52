package solver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// mediaCaptureTimeout bounds the whole headless-browser capture step.
const mediaCaptureTimeout = 15 * time.Second

// MediaRules tells GetMediaURL how to recognize a media request: the
// host's media file extension (e.g. ".mp4") and the known CDN host
// suffix used for media delivery.
type MediaRules struct {
	Extension string
	CDNSuffix string
}

func (r MediaRules) matches(postID, reqURL string) bool {
	lower := strings.ToLower(reqURL)
	if strings.Contains(lower, strings.ToLower(postID)) && strings.HasSuffix(lower, strings.ToLower(r.Extension)) {
		return true
	}
	if r.CDNSuffix != "" {
		if u, err := url.Parse(reqURL); err == nil && strings.HasSuffix(strings.ToLower(u.Hostname()), strings.ToLower(r.CDNSuffix)) {
			return true
		}
	}
	return false
}

// firstMatch is a single-shot, first-match-wins subscription: the first
// network request satisfying rules wins and the result is delivered once.
type firstMatch struct {
	once   sync.Once
	found  chan string
	rules  MediaRules
	postID string
}

func newFirstMatch(rules MediaRules, postID string) *firstMatch {
	return &firstMatch{
		found:  make(chan string, 1),
		rules:  rules,
		postID: postID,
	}
}

func (f *firstMatch) onRequest(reqURL string) {
	if !f.rules.matches(f.postID, reqURL) {
		return
	}
	f.once.Do(func() {
		f.found <- reqURL
	})
}

// GetMediaURL installs the given cookies and user agent into a fresh
// headless browser tab, navigates to postURL, and waits for the first
// outbound request matching rules. It returns the redirect-resolved final
// URL, the pre-redirect URL if redirect-following fails, or ("", nil) if
// the capture window elapses with no match.
func (c *Client) GetMediaURL(ctx context.Context, postURL, postID string, cookies []Cookie, userAgent string, rules MediaRules) (string, error) {
	captureCtx, cancel := context.WithTimeout(ctx, mediaCaptureTimeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(),
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.UserAgent(userAgent),
		)...,
	)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	match := newFirstMatch(rules, postID)
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		req, ok := ev.(*network.EventRequestWillBeSent)
		if !ok {
			return
		}
		match.onRequest(req.Request.URL)
	})

	cookieParams := make([]*network.CookieParam, 0, len(cookies))
	for _, ck := range cookies {
		cookieParams = append(cookieParams, &network.CookieParam{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: ck.Domain,
		})
	}

	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(userAgent),
	}
	if len(cookieParams) > 0 {
		tasks = append(tasks, network.SetCookies(cookieParams))
	}
	tasks = append(tasks, chromedp.Navigate(postURL))

	runErr := make(chan error, 1)
	go func() {
		runErr <- chromedp.Run(browserCtx, tasks)
	}()

	var captured string
	select {
	case captured = <-match.found:
	case err := <-runErr:
		if err != nil {
			return "", fmt.Errorf("solver: media capture navigation: %w", err)
		}
		select {
		case captured = <-match.found:
		case <-captureCtx.Done():
			return "", nil
		}
	case <-captureCtx.Done():
		return "", nil
	}

	final, err := c.followRedirects(ctx, captured)
	if err != nil {
		return captured, nil
	}
	return final, nil
}

// followRedirects issues a HEAD request to surface the final CDN URL after
// any redirects. If the request fails, the caller falls back to the
// pre-redirect URL.
func (c *Client) followRedirects(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("solver: build redirect probe: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("solver: redirect probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String(), nil
	}
	return rawURL, nil
}
