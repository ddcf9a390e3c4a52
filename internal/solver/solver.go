// Package solver is a JSON-over-HTTP client for the local challenge-solving
// service, plus the compound media-URL resolution step that drives a
// headless browser directly from this process.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// requestTimeout leaves the solver enough time to drive a full challenge.
const requestTimeout = 2 * time.Minute

// banMarkers are substrings in a solver response message that indicate a
// ban-like condition requiring session rotation.
var banMarkers = []string{"session", "ban", "block", "403", "captcha", "challenge"}

// Cookie is a single cookie returned by the solver after solving a page.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

type solverRequest struct {
	Cmd       string `json:"cmd"`
	Session   string `json:"session,omitempty"`
	URL       string `json:"url,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	MaxTimeout int   `json:"maxTimeout,omitempty"`
}

type solverResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Session  string `json:"session"`
	Solution struct {
		URL        string   `json:"url"`
		Status     int      `json:"status"`
		Response   string   `json:"response"`
		Cookies    []Cookie `json:"cookies"`
		UserAgent  string   `json:"userAgent"`
	} `json:"solution"`
}

// isBanLike reports whether a solver response message indicates the
// session has been banned, blocked, or challenged.
func isBanLike(message string) bool {
	lower := strings.ToLower(message)
	for _, m := range banMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// BanError wraps a solver response recognized as ban-like.
type BanError struct {
	Message string
}

func (e *BanError) Error() string {
	return fmt.Sprintf("solver: ban-like response: %s", e.Message)
}

// Client talks to the local challenge-solver HTTP service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client pointed at the solver's base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// TestConnection is a trivial reachability probe. Both HTTP success and a
// "method not allowed" response count as reachable.
func (c *Client) TestConnection(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return false, fmt.Errorf("solver: build probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusMethodNotAllowed, nil
}

func (c *Client) call(ctx context.Context, req solverRequest) (solverResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return solverResponse{}, fmt.Errorf("solver: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return solverResponse{}, fmt.Errorf("solver: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return solverResponse{}, fmt.Errorf("solver: do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return solverResponse{}, fmt.Errorf("solver: read response: %w", err)
	}

	var out solverResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return solverResponse{}, fmt.Errorf("solver: decode response: %w", err)
	}
	if out.Status != "ok" {
		if isBanLike(out.Message) {
			return solverResponse{}, &BanError{Message: out.Message}
		}
		return solverResponse{}, fmt.Errorf("solver: %s", out.Message)
	}
	return out, nil
}

// CreateSession issues sessions.create and returns the new session id.
func (c *Client) CreateSession(ctx context.Context, userAgent string) (string, error) {
	resp, err := c.call(ctx, solverRequest{Cmd: "sessions.create", UserAgent: userAgent})
	if err != nil {
		return "", err
	}
	return resp.Session, nil
}

// DestroySession issues sessions.destroy. An empty session id is a no-op;
// an id the solver does not recognize is reported as the solver's error.
func (c *Client) DestroySession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	_, err := c.call(ctx, solverRequest{Cmd: "sessions.destroy", Session: sessionID})
	return err
}

// Page is the result of a solved page fetch.
type Page struct {
	HTML      string
	Cookies   []Cookie
	UserAgent string
}

// GetPage issues request.get on the given session and returns the solved
// HTML body plus the final cookie set and user agent the solver used.
func (c *Client) GetPage(ctx context.Context, sessionID, url string) (Page, error) {
	resp, err := c.call(ctx, solverRequest{Cmd: "request.get", Session: sessionID, URL: url, MaxTimeout: int(requestTimeout.Milliseconds())})
	if err != nil {
		return Page{}, err
	}
	return Page{
		HTML:      resp.Solution.Response,
		Cookies:   resp.Solution.Cookies,
		UserAgent: resp.Solution.UserAgent,
	}, nil
}

// userAgentPool rotates through a small fixed list of plausible browser
// user-agent strings, round-robin with an occasional random jump so
// successive sessions are less predictable.
type userAgentPool struct {
	agents []string
	i      int
}

// NewUserAgentPool builds a rotating pool from a fixed list of UAs.
func NewUserAgentPool(agents []string) *userAgentPool {
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	return &userAgentPool{agents: agents}
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// Next returns the next user agent in rotation, occasionally jumping ahead
// by a small random amount instead of always advancing by one.
func (p *userAgentPool) Next() string {
	ua := p.agents[p.i%len(p.agents)]
	step := 1
	if len(p.agents) > 2 && rand.Intn(4) == 0 {
		step += rand.Intn(len(p.agents) - 1)
	}
	p.i += step
	return ua
}
