package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hydrantlabs/oauth-server/instrumentation"
	"github.com/hydrantlabs/oauth-server/internal/util"
	"github.com/hydrantlabs/oauth-server/storage"
)

const (
	// DefaultMaxAge is the session lifetime measured from the last renewal.
	DefaultMaxAge = 7 * 24 * time.Hour

	// DefaultUpdateAge is the remaining-lifetime threshold below which a read
	// renews the session.
	DefaultUpdateAge = 24 * time.Hour

	sessionIDLogLength = 8
)

// Config holds session lifetime policy.
type Config struct {
	// MaxAge is the session lifetime from creation or last renewal.
	// Defaults to DefaultMaxAge.
	MaxAge time.Duration

	// UpdateAge is the sliding-window renewal threshold. A read renews the
	// session only when less than UpdateAge of lifetime remains. Must be
	// shorter than MaxAge. Defaults to DefaultUpdateAge.
	UpdateAge time.Duration
}

// Manager applies lifetime policy on top of a storage.SessionStore.
// The store persists records as given; expiry and renewal decisions are
// made here so every backend behaves identically.
type Manager struct {
	store     storage.SessionStore
	maxAge    time.Duration
	updateAge time.Duration

	// now is replaceable for deterministic tests
	now func() time.Time

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	// hooks are invoked in registration order around Create and Delete
	hooks []Hooks

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a session manager with the given store and policy.
// Zero durations take the defaults. UpdateAge must be positive and shorter
// than MaxAge.
func NewManager(store storage.SessionStore, config Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}

	maxAge := config.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	updateAge := config.UpdateAge
	if updateAge == 0 {
		updateAge = DefaultUpdateAge
	}

	if maxAge <= 0 {
		return nil, fmt.Errorf("session MaxAge must be positive, got %v", maxAge)
	}
	if updateAge <= 0 {
		return nil, fmt.Errorf("session UpdateAge must be positive, got %v", updateAge)
	}
	if updateAge >= maxAge {
		return nil, fmt.Errorf("session UpdateAge (%v) must be shorter than MaxAge (%v)", updateAge, maxAge)
	}

	return &Manager{
		store:       store,
		maxAge:      maxAge,
		updateAge:   updateAge,
		now:         time.Now,
		logger:      slog.Default(),
		stopCleanup: make(chan struct{}),
	}, nil
}

// SetLogger sets the logger for session operations
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// SetInstrumentation enables OTEL metrics for session lifecycle events
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	m.instrumentation = inst
}

// SetTimeSource replaces the clock used for lifetime decisions.
// Intended for tests.
func (m *Manager) SetTimeSource(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// MaxAge returns the configured session lifetime
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Create starts a new session for the user and persists it.
func (m *Manager) Create(ctx context.Context, userID, ipAddress, userAgent string) (*storage.Session, error) {
	if userID == "" {
		return nil, errors.New("userID cannot be empty")
	}

	if err := m.runBeforeCreate(ctx, userID); err != nil {
		return nil, err
	}

	now := m.now()
	session := &storage.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.maxAge),
	}

	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordSessionCreated(ctx)
	}

	m.logger.Debug("Created session",
		"session_id", util.SafeTruncate(session.ID, sessionIDLogLength),
		"user_id", userID,
		"expires_at", session.ExpiresAt)

	m.runAfterCreate(ctx, session)

	return session, nil
}

// Get returns the session with the given ID, applying lifetime policy.
//
// An expired session is deleted and reported as absent (nil, nil) rather
// than as an error: a missing session and a timed-out session look the
// same to callers, both mean "sign in again".
//
// A live session is renewed only when less than updateAge of lifetime
// remains. ExpiresAt never moves backward.
func (m *Manager) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	now := m.now()

	if session.Expired(now) {
		if delErr := m.store.DeleteSession(ctx, sessionID); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
			m.logger.Warn("Failed to delete expired session",
				"session_id", util.SafeTruncate(sessionID, sessionIDLogLength),
				"error", delErr)
		}
		if m.instrumentation != nil {
			m.instrumentation.Metrics().RecordSessionEnded(ctx, "expired")
		}
		m.logger.Debug("Session expired",
			"session_id", util.SafeTruncate(sessionID, sessionIDLogLength))
		return nil, nil
	}

	if session.ExpiresAt.Sub(now) < m.updateAge {
		renewed := *session
		renewed.UpdatedAt = now
		if newExpiry := now.Add(m.maxAge); newExpiry.After(renewed.ExpiresAt) {
			renewed.ExpiresAt = newExpiry
		}

		if err := m.store.SaveSession(ctx, &renewed); err != nil {
			// The caller still holds a valid session; renewal failure is
			// not fatal.
			m.logger.Warn("Failed to renew session",
				"session_id", util.SafeTruncate(sessionID, sessionIDLogLength),
				"error", err)
			return session, nil
		}

		if m.instrumentation != nil {
			m.instrumentation.Metrics().RecordSessionRenewed(ctx)
		}
		m.logger.Debug("Renewed session",
			"session_id", util.SafeTruncate(sessionID, sessionIDLogLength),
			"expires_at", renewed.ExpiresAt)
		return &renewed, nil
	}

	return session, nil
}

// Delete ends a session. Returns true when a session was present.
func (m *Manager) Delete(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}

	if err := m.runBeforeDelete(ctx, sessionID); err != nil {
		return false, err
	}

	err := m.store.DeleteSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete session: %w", err)
	}

	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordSessionEnded(ctx, "sign_out")
	}
	m.logger.Debug("Deleted session",
		"session_id", util.SafeTruncate(sessionID, sessionIDLogLength))

	m.runAfterDelete(ctx, sessionID)

	return true, nil
}

// CleanupExpired removes all expired sessions and returns the count removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	deleted, err := m.store.DeleteExpiredSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}

	if deleted > 0 {
		if m.instrumentation != nil {
			for i := 0; i < deleted; i++ {
				m.instrumentation.Metrics().RecordSessionEnded(ctx, "expired")
			}
		}
		m.logger.Debug("Cleaned up expired sessions", "count", deleted)
	}

	return deleted, nil
}

// StartCleanup runs CleanupExpired on the given interval until Stop is called.
func (m *Manager) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := m.CleanupExpired(context.Background()); err != nil {
					m.logger.Warn("Session cleanup failed", "error", err)
				}
			case <-m.stopCleanup:
				return
			}
		}
	}()
}

// Stop terminates the background cleanup loop. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
	})
}
