package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hydrantlabs/oauth-server/internal/util"
	"github.com/hydrantlabs/oauth-server/security"
	"github.com/hydrantlabs/oauth-server/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationState saves the state of an ongoing authorization flow.
// The record is written with SET NX so a state value can only open one flow
// at a time; once the previous record expires the value may be reused.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}
	if err := validateStringLength(state.State, maxTokenLength, "state"); err != nil {
		return err
	}

	ttl := recordTTL(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization state already expired")
	}

	data, err := json.Marshal(toAuthorizationStateJSON(state))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization state: %w", err)
	}

	cmd := s.client.B().Set().Key(s.stateKey(state.State)).Value(string(data)).Nx().Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if isNilError(err) {
			// NX refused the write, a live flow already holds this state
			return fmt.Errorf("%w: %s", storage.ErrStateExists, util.SafeTruncate(state.State, tokenIDLogLength))
		}
		return fmt.Errorf("failed to save authorization state: %w", err)
	}

	s.logger.Debug("Saved authorization state",
		"state_prefix", util.SafeTruncate(state.State, tokenIDLogLength),
		"client_id", state.ClientID)
	return nil
}

// GetAuthorizationState retrieves an authorization state by its state value.
// Expired records are reclaimed by TTL and reported as not found.
func (s *Store) GetAuthorizationState(ctx context.Context, state string) (*storage.AuthorizationState, error) {
	return getAndUnmarshal(ctx, s, s.stateKey(state),
		fmt.Errorf("%w: authorization state", storage.ErrNotFound),
		fromAuthorizationStateJSON)
}

// UpdateAuthorizationState replaces a stored state record in place, keeping
// the original expiry.
func (s *Store) UpdateAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	data, err := json.Marshal(toAuthorizationStateJSON(state))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization state: %w", err)
	}

	cmd := s.client.B().Set().Key(s.stateKey(state.State)).Value(string(data)).Xx().Keepttl().Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: authorization state", storage.ErrNotFound)
		}
		return fmt.Errorf("failed to update authorization state: %w", err)
	}

	s.logger.Debug("Updated authorization state",
		"state_prefix", util.SafeTruncate(state.State, tokenIDLogLength))
	return nil
}

// DeleteAuthorizationState removes an authorization state
func (s *Store) DeleteAuthorizationState(ctx context.Context, state string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.stateKey(state)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization state: %w", err)
	}

	s.logger.Debug("Deleted authorization state",
		"state_prefix", util.SafeTruncate(state, tokenIDLogLength))
	return nil
}

// PurgeExpiredStates is a no-op for Valkey. State records carry TTLs and
// expire server-side.
func (s *Store) PurgeExpiredStates(ctx context.Context) (int, error) {
	return 0, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateStringLength(code.Code, maxTokenLength, "authorization code"); err != nil {
		return err
	}

	ttl := recordTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	cmd := s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return getAndUnmarshal(ctx, s, s.codeKey(code),
		fmt.Errorf("%w: authorization code", storage.ErrNotFound),
		fromAuthorizationCodeJSON)
}

// AtomicGetAndDeleteAuthorizationCode atomically consumes an authorization
// code. GETDEL guarantees exactly one concurrent caller receives the record;
// later callers see not found, which the engine treats as code replay.
func (s *Store) AtomicGetAndDeleteAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: authorization code not found or already used", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	record := fromAuthorizationCodeJSON(&j)

	// The code is consumed either way; an expired code must not be redeemable
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
	}

	s.logger.Debug("Atomically consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", record.ClientID)
	return record, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return nil
}
