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
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token. Tokens minted under a
// refresh token are also added to that refresh token's index set so
// revocation can cascade.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}
	if err := validateStringLength(token.Token, maxTokenLength, "access token"); err != nil {
		return err
	}

	ttl := recordTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	data, err := json.Marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	cmd := s.client.B().Set().Key(s.accessTokenKey(token.Token)).Value(string(data)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	if token.RefreshToken != "" {
		if err := s.indexAccessToken(ctx, token); err != nil {
			s.logger.Warn("Failed to index access token for cascade revocation",
				"client_id", token.ClientID,
				"error", err)
		}
	}

	s.logger.Debug("Saved access token",
		"client_id", token.ClientID,
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength))
	return nil
}

// indexAccessToken records the access token under its refresh token's index
// set. The set's TTL only ever grows so a long-lived member is never cut
// short by a later, shorter-lived one.
func (s *Store) indexAccessToken(ctx context.Context, token *storage.AccessToken) error {
	key := s.refreshIndexKey(token.RefreshToken)

	cmd := s.client.B().Sadd().Key(key).Member(token.Token).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return err
	}

	ttl := int64(recordTTL(token.ExpiresAt).Seconds()) + 1
	return s.client.Do(ctx, s.client.B().Expire().Key(key).Seconds(ttl).Gt().Build()).Error()
}

// GetAccessToken retrieves an access token by its value.
// Expired tokens are reclaimed by TTL and reported as not found.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	record, err := getAndUnmarshal(ctx, s, s.accessTokenKey(token),
		fmt.Errorf("%w: access token", storage.ErrNotFound),
		fromAccessTokenJSON)
	if err != nil {
		return nil, err
	}

	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token expired", storage.ErrNotFound)
	}
	return record, nil
}

// DeleteAccessToken removes an access token and its cascade index entry
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.accessTokenKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to delete access token: %w", err)
	}

	var j accessTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err == nil && j.RefreshToken != "" {
		cmd := s.client.B().Srem().Key(s.refreshIndexKey(j.RefreshToken)).Member(token).Build()
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			s.logger.Warn("Failed to remove access token from cascade index", "error", err)
		}
	}

	s.logger.Debug("Deleted access token")
	return nil
}

// DeleteAccessTokensByRefreshToken removes every access token minted under
// the given refresh token value. Used for cascading revocation and rotation.
func (s *Store) DeleteAccessTokensByRefreshToken(ctx context.Context, refreshToken string) (int, error) {
	if refreshToken == "" {
		return 0, nil
	}

	indexKey := s.refreshIndexKey(refreshToken)

	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cascade index: %w", err)
	}

	deleted := 0
	for _, token := range members {
		n, err := s.client.Do(ctx, s.client.B().Del().Key(s.accessTokenKey(token)).Build()).AsInt64()
		if err != nil {
			return deleted, fmt.Errorf("failed to delete access token: %w", err)
		}
		deleted += int(n)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(indexKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete cascade index", "error", err)
	}

	if deleted > 0 {
		s.logger.Debug("Cascade-deleted access tokens for refresh token",
			"count", deleted,
			"refresh_token_prefix", util.SafeTruncate(refreshToken, tokenIDLogLength))
	}
	return deleted, nil
}

// SaveRefreshToken saves an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if err := validateStringLength(token.Token, maxTokenLength, "refresh token"); err != nil {
		return err
	}

	ttl := recordTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	cmd := s.client.B().Set().Key(s.refreshTokenKey(token.Token)).Value(string(data)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"client_id", token.ClientID,
		"expires_at", token.ExpiresAt)
	return nil
}

// GetRefreshToken retrieves a refresh token by its value
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	record, err := getAndUnmarshal(ctx, s, s.refreshTokenKey(token),
		fmt.Errorf("%w: refresh token", storage.ErrNotFound),
		fromRefreshTokenJSON)
	if err != nil {
		return nil, err
	}

	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrNotFound)
	}
	return record, nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshTokenKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}

	s.logger.Debug("Deleted refresh token (rotation)")
	return nil
}

// AtomicGetAndDeleteRefreshToken atomically consumes a refresh token.
// This is the synchronization point for refresh token rotation: GETDEL
// guarantees only one concurrent request can rotate a given token, and
// replays surface as not found.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.refreshTokenKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: refresh token not found or already used", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	record := fromRefreshTokenJSON(&j)

	// The token is consumed either way; an expired token must not be rotatable
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrNotFound)
	}

	s.logger.Debug("Atomically consumed refresh token",
		"client_id", record.ClientID)
	return record, nil
}

// SaveUserInfo saves the profile claims for a user, encrypting PII fields at
// rest when an encryptor is configured. User info records have no TTL.
func (s *Store) SaveUserInfo(ctx context.Context, userID string, info *storage.UserInfo) error {
	if userID == "" {
		return fmt.Errorf("userID cannot be empty")
	}
	if info == nil {
		return fmt.Errorf("userInfo cannot be nil")
	}
	if err := validateStringLength(userID, maxIDLength, "user ID"); err != nil {
		return err
	}

	stored := info
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		encrypted, err := encryptUserInfo(info, enc)
		if err != nil {
			return err
		}
		stored = encrypted
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal user info: %w", err)
	}

	cmd := s.client.B().Set().Key(s.userInfoKey(userID)).Value(string(data)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save user info: %w", err)
	}

	s.logger.Debug("Saved user info", "user_id", userID)
	return nil
}

// GetUserInfo retrieves the profile claims for a user
func (s *Store) GetUserInfo(ctx context.Context, userID string) (*storage.UserInfo, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.userInfoKey(userID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: user info for %s", storage.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	var info storage.UserInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user info: %w", err)
	}

	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		return decryptUserInfo(&info, enc)
	}
	return &info, nil
}

// encryptUserInfo encrypts PII fields in a UserInfo record.
// Returns a new record, leaving the original unchanged.
func encryptUserInfo(info *storage.UserInfo, enc *security.Encryptor) (*storage.UserInfo, error) {
	encrypted := *info

	if encrypted.Email != "" {
		val, err := enc.Encrypt(encrypted.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt email claim: %w", err)
		}
		encrypted.Email = val
	}
	if encrypted.Name != "" {
		val, err := enc.Encrypt(encrypted.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt name claim: %w", err)
		}
		encrypted.Name = val
	}

	return &encrypted, nil
}

// decryptUserInfo decrypts PII fields in a UserInfo record.
// Returns a new record, leaving the stored version unchanged.
func decryptUserInfo(info *storage.UserInfo, enc *security.Encryptor) (*storage.UserInfo, error) {
	decrypted := *info

	if decrypted.Email != "" {
		val, err := enc.Decrypt(decrypted.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt email claim: %w", err)
		}
		decrypted.Email = val
	}
	if decrypted.Name != "" {
		val, err := enc.Decrypt(decrypted.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt name claim: %w", err)
		}
		decrypted.Name = val
	}

	return &decrypted, nil
}
