package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hydrantlabs/oauth-server/internal/util"
	"github.com/hydrantlabs/oauth-server/storage"
)

// sessionExpiryGrace keeps a session record readable briefly past its expiry
// so the session manager, not the store, applies lifetime policy.
const sessionExpiryGrace = time.Minute

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession saves a session. An existing session with the same ID is
// replaced, which is how sliding-window renewals are persisted.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session")
	}
	if err := validateStringLength(session.ID, maxIDLength, "session ID"); err != nil {
		return err
	}

	ttl := recordTTL(session.ExpiresAt) + sessionExpiryGrace

	data, err := json.Marshal(toSessionJSON(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	cmd := s.client.B().Set().Key(s.sessionKey(session.ID)).Value(string(data)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Debug("Saved session",
		"session_id", util.SafeTruncate(session.ID, tokenIDLogLength),
		"expires_at", session.ExpiresAt)
	return nil
}

// GetSession retrieves a session by ID. The record is returned as stored;
// the caller decides whether an expired session is still renewable.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	return getAndUnmarshal(ctx, s, s.sessionKey(sessionID),
		fmt.Errorf("%w: session", storage.ErrNotFound),
		fromSessionJSON)
}

// DeleteSession removes a session. Returns ErrNotFound if absent.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(sessionID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: session", storage.ErrNotFound)
	}

	s.logger.Debug("Deleted session",
		"session_id", util.SafeTruncate(sessionID, tokenIDLogLength))
	return nil
}

// DeleteExpiredSessions is a no-op for Valkey. Session records carry TTLs
// and expire server-side.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int, error) {
	return 0, nil
}
