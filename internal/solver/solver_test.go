package solver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateSessionReturnsID(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req solverRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "sessions.create", req.Cmd)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(solverResponse{Status: "ok", Session: "sess-123"})
	})

	client := New(srv.URL)
	id, err := client.CreateSession(context.Background(), "ua-1")
	require.NoError(t, err)
	require.Equal(t, "sess-123", id)
}

func TestDestroySessionWithEmptyIDIsNoOp(t *testing.T) {
	client := New("http://unused.invalid")
	require.NoError(t, client.DestroySession(context.Background(), ""))
}

func TestCallReturnsBanErrorOnBanLikeMessage(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(solverResponse{Status: "error", Message: "Cloudflare challenge failed (captcha)"})
	})

	client := New(srv.URL)
	_, err := client.CreateSession(context.Background(), "ua-1")
	require.Error(t, err)
	var banErr *BanError
	require.ErrorAs(t, err, &banErr)
}

func TestCallReturnsPlainErrorOnNonBanFailure(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(solverResponse{Status: "error", Message: "disk full"})
	})

	client := New(srv.URL)
	_, err := client.CreateSession(context.Background(), "ua-1")
	require.Error(t, err)
	var banErr *BanError
	require.NotErrorAs(t, err, &banErr)
}

func TestIsBanLikeMatchesAnyMarker(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"Cloudflare challenge failed", true},
		{"403 Forbidden from origin", true},
		{"session expired unexpectedly", true},
		{"disk write failure", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, isBanLike(tc.msg), tc.msg)
	}
}

func TestGetPageReturnsSolvedPage(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := solverResponse{Status: "ok"}
		resp.Solution.Response = "<html>ok</html>"
		resp.Solution.UserAgent = "ua-final"
		resp.Solution.Cookies = []Cookie{{Name: "a", Value: "b", Domain: "example.com"}}
		_ = json.NewEncoder(w).Encode(resp)
	})

	client := New(srv.URL)
	page, err := client.GetPage(context.Background(), "sess-1", "https://example.com/post/1")
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", page.HTML)
	require.Equal(t, "ua-final", page.UserAgent)
	require.Len(t, page.Cookies, 1)
}

func TestUserAgentPoolNextCyclesThroughAgents(t *testing.T) {
	pool := NewUserAgentPool([]string{"one"})
	require.Equal(t, "one", pool.Next())
	require.Equal(t, "one", pool.Next())
}

func TestMediaRulesMatchesByPostIDAndExtension(t *testing.T) {
	rules := MediaRules{Extension: ".mp4", CDNSuffix: "cdn.example.com"}
	require.True(t, rules.matches("X1", "https://media.example.com/videos/X1_final.mp4"))
	require.True(t, rules.matches("X1", "https://cdn.example.com/anything"))
	require.False(t, rules.matches("X1", "https://media.example.com/other.mp4"))
}
