package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

type roundRobinUA struct {
	uas []string
	i   int
}

func (r *roundRobinUA) Next() string {
	ua := r.uas[r.i%len(r.uas)]
	r.i++
	return ua
}

type mockSolverClient struct {
	mock.Mock
}

func (m *mockSolverClient) CreateSession(ctx context.Context, userAgent string) (string, error) {
	args := m.Called(ctx, userAgent)
	return args.String(0), args.Error(1)
}

func (m *mockSolverClient) DestroySession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func TestAcquireCreatesSessionOnFirstCall(t *testing.T) {
	client := new(mockSolverClient)
	client.On("CreateSession", mock.Anything, "ua-1").Return("sess-1", nil).Once()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	mgr := New(client, &roundRobinUA{uas: []string{"ua-1"}}, clk, 30*time.Minute, zap.NewNop())

	bound, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sess-1", bound.SessionID)
	require.Equal(t, "ua-1", bound.UserAgent)
	client.AssertExpectations(t)
}

func TestAcquireReusesUnexpiredSession(t *testing.T) {
	client := new(mockSolverClient)
	client.On("CreateSession", mock.Anything, "ua-1").Return("sess-1", nil).Once()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	mgr := New(client, &roundRobinUA{uas: []string{"ua-1"}}, clk, 30*time.Minute, zap.NewNop())

	first, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	clk.now = clk.now.Add(5 * time.Minute)
	second, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	client.AssertExpectations(t)
}

func TestAcquireRenewsExpiredSession(t *testing.T) {
	client := new(mockSolverClient)
	client.On("CreateSession", mock.Anything, "ua-1").Return("sess-1", nil).Once()
	client.On("DestroySession", mock.Anything, "sess-1").Return(nil).Once()
	client.On("CreateSession", mock.Anything, "ua-2").Return("sess-2", nil).Once()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	mgr := New(client, &roundRobinUA{uas: []string{"ua-1", "ua-2"}}, clk, 10*time.Minute, zap.NewNop())

	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	clk.now = clk.now.Add(20 * time.Minute)
	bound, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sess-2", bound.SessionID)
	client.AssertExpectations(t)
}

func TestRenewForcesRecreationRegardlessOfAge(t *testing.T) {
	client := new(mockSolverClient)
	client.On("CreateSession", mock.Anything, "ua-1").Return("sess-1", nil).Once()
	client.On("DestroySession", mock.Anything, "sess-1").Return(nil).Once()
	client.On("CreateSession", mock.Anything, "ua-2").Return("sess-2", nil).Once()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	mgr := New(client, &roundRobinUA{uas: []string{"ua-1", "ua-2"}}, clk, 30*time.Minute, zap.NewNop())

	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	bound, err := mgr.Renew(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sess-2", bound.SessionID)
	client.AssertExpectations(t)
}

func TestAcquirePropagatesCreateError(t *testing.T) {
	client := new(mockSolverClient)
	client.On("CreateSession", mock.Anything, "ua-1").Return("", errors.New("solver unreachable")).Once()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	mgr := New(client, &roundRobinUA{uas: []string{"ua-1"}}, clk, 30*time.Minute, zap.NewNop())

	_, err := mgr.Acquire(context.Background())
	require.Error(t, err)

	// The client must not be cached on failure: the next acquire retries creation.
	client.On("CreateSession", mock.Anything, "ua-1").Return("sess-1", nil).Once()
	bound, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sess-1", bound.SessionID)
}

func TestShutdownIsIdempotent(t *testing.T) {
	client := new(mockSolverClient)
	client.On("CreateSession", mock.Anything, "ua-1").Return("sess-1", nil).Once()
	client.On("DestroySession", mock.Anything, "sess-1").Return(nil).Once()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	mgr := New(client, &roundRobinUA{uas: []string{"ua-1"}}, clk, 30*time.Minute, zap.NewNop())

	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, mgr.Shutdown(context.Background()))
	require.NoError(t, mgr.Shutdown(context.Background()))
	client.AssertExpectations(t)
}
