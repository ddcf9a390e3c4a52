// Package session owns the single authenticated challenge-solver session
// shared by every component that talks to the protected host.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ingestpipe/mediaingest/internal/clock"
	"github.com/ingestpipe/mediaingest/internal/metrics"
)

// SolverClient is the subset of the solver client the session manager
// needs to create and destroy sessions.
type SolverClient interface {
	CreateSession(ctx context.Context, userAgent string) (sessionID string, err error)
	DestroySession(ctx context.Context, sessionID string) error
}

// UserAgentSource returns the next user agent to bind a session to.
type UserAgentSource interface {
	Next() string
}

// state is the in-memory Session entity: opaque solver session id, creation
// instant, and the user agent currently bound to it.
type state struct {
	sessionID string
	userAgent string
	createdAt time.Time
}

// Manager is the process-wide singleton (constructed once by internal/app
// and passed by reference to every component that needs solver access)
// owning the one active session against the challenge solver. All
// mutation is serialized by mu; acquire blocks other callers during
// teardown and recreation.
type Manager struct {
	mu     sync.Mutex
	client SolverClient
	uas    UserAgentSource
	clock  clock.Clock
	ttl    time.Duration
	logger *zap.Logger

	current *state
}

// New constructs a Manager bound to the given solver client and
// user-agent source, with sessions expiring after ttl.
func New(client SolverClient, uas UserAgentSource, clk clock.Clock, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		client: client,
		uas:    uas,
		clock:  clk,
		ttl:    ttl,
		logger: logger,
	}
}

// Bound is the stable handle callers use after Acquire: the session id and
// user agent in effect at the moment of acquisition.
type Bound struct {
	SessionID string
	UserAgent string
}

// Acquire returns the current session, creating one if absent or renewing
// it if its age exceeds the configured TTL. Blocks other callers for the
// duration of any teardown/recreate it performs.
func (m *Manager) Acquire(ctx context.Context) (Bound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.clock.Now().Sub(m.current.createdAt) <= m.ttl {
		metrics.SetSessionAge(m.clock.Now().Sub(m.current.createdAt))
		return Bound{SessionID: m.current.sessionID, UserAgent: m.current.userAgent}, nil
	}

	reason := "expired"
	if m.current == nil {
		reason = "startup"
	}
	if err := m.replaceLocked(ctx, reason); err != nil {
		return Bound{}, err
	}
	return Bound{SessionID: m.current.sessionID, UserAgent: m.current.userAgent}, nil
}

// Renew forces teardown and recreation of the underlying session. Used by
// upper layers after a failed or ban-like solver request.
func (m *Manager) Renew(ctx context.Context) (Bound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.replaceLocked(ctx, "ban"); err != nil {
		return Bound{}, err
	}
	return Bound{SessionID: m.current.sessionID, UserAgent: m.current.userAgent}, nil
}

// replaceLocked tears down any existing session and creates a new one. The
// caller must hold mu.
func (m *Manager) replaceLocked(ctx context.Context, reason string) error {
	if m.current != nil {
		if err := m.client.DestroySession(ctx, m.current.sessionID); err != nil {
			m.logger.Warn("session teardown failed, continuing with recreation",
				zap.Error(err))
		}
		m.current = nil
	}

	ua := m.uas.Next()
	id, err := m.client.CreateSession(ctx, ua)
	if err != nil {
		return fmt.Errorf("session: create: %w", err)
	}

	m.current = &state{sessionID: id, userAgent: ua, createdAt: m.clock.Now()}
	metrics.ObserveSessionRenewal(reason)
	metrics.SetSessionAge(0)
	m.logger.Info("solver session created", zap.String("reason", reason), zap.String("user_agent", ua))
	return nil
}

// Shutdown destroys the current session and releases resources. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	err := m.client.DestroySession(ctx, m.current.sessionID)
	m.current = nil
	if err != nil {
		return fmt.Errorf("session: shutdown: %w", err)
	}
	return nil
}

// Age returns how long the current session has been alive, or zero if none exists.
func (m *Manager) Age() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	return m.clock.Now().Sub(m.current.createdAt)
}
