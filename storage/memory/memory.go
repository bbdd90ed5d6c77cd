// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/hydrantlabs/oauth-server/instrumentation"
	"github.com/hydrantlabs/oauth-server/internal/util"
	"github.com/hydrantlabs/oauth-server/security"
	"github.com/hydrantlabs/oauth-server/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token
	// and code values. This provides enough uniqueness for debugging while
	// keeping logs secure.
	tokenIDLogLength = 8
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, FlowStore, TokenStore, and SessionStore.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients      map[string]*storage.Client
	clientsPerIP map[string]int // IP address -> client count (for DoS protection)

	// Flow storage
	authStates map[string]*storage.AuthorizationState
	authCodes  map[string]*storage.AuthorizationCode

	// Token storage
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	userInfo      map[string]*storage.UserInfo

	// Session storage
	sessions map[string]*storage.Session

	// Security
	encryptor *security.Encryptor // user claims encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	accessTokensCountAtomic  atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	clientsCountAtomic       atomic.Int64
	authStatesCountAtomic    atomic.Int64
	sessionsCountAtomic      atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		clientsPerIP:    make(map[string]int),
		authStates:      make(map[string]*storage.AuthorizationState),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		userInfo:        make(map[string]*storage.UserInfo),
		sessions:        make(map[string]*storage.Session),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor used for user claims at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("User claims encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.authStatesCountAtomic.Store(int64(len(s.authStates)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free).
		// These provide real-time visibility into storage size for capacity
		// planning, memory leak detection, and DoS attack monitoring.
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.accessTokensCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.authStatesCountAtomic.Load() },
			func() int64 { return s.sessionsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]

	s.clients[client.ClientID] = client

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations to prevent timing attacks.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: Always perform the same operations to prevent timing attacks
	// that could reveal whether a client exists or not.

	// Pre-computed dummy hash for non-existent clients (bcrypt hash of "test").
	// This ensures we always perform a bcrypt comparison even if client doesn't exist.
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	// Determine which hash to use (real or dummy)
	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.IsPublic() {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// The bcrypt comparison runs on every path, including unknown
	// clients, so response timing does not reveal whether the client exists.
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients never authenticate with a secret
	if isPublicClient {
		if clientSecret == "" {
			return nil
		}
		return storage.ErrInvalidSecret
	}

	// If client lookup failed, return error (but only after bcrypt comparison)
	if err != nil {
		return storage.ErrInvalidSecret
	}

	if bcryptErr != nil {
		return storage.ErrInvalidSecret
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[clientID]
	if !existed {
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}

	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)
	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// CheckIPLimit checks if an IP has reached the client registration limit
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxClientsPerIP <= 0 {
		return nil // No limit
	}

	count := s.clientsPerIP[ip]
	if count >= maxClientsPerIP {
		return fmt.Errorf("%w: %s (%d/%d clients)", storage.ErrIPLimitExceeded, ip, count, maxClientsPerIP)
	}

	return nil
}

// TrackClientIP increments the client count for an IP address
func (s *Store) TrackClientIP(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsPerIP[ip]++
	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationState saves the state of an ongoing authorization flow.
// A live (unexpired) state with the same value is rejected with ErrStateExists
// so a state parameter can only open one flow at a time.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.authStates[state.State]; ok {
		if !security.IsTokenExpired(existing.ExpiresAt) {
			return fmt.Errorf("%w: %s", storage.ErrStateExists, util.SafeTruncate(state.State, tokenIDLogLength))
		}
		// Expired leftover, safe to replace
		s.authStatesCountAtomic.Add(-1)
	}

	s.authStates[state.State] = state
	s.authStatesCountAtomic.Add(1)
	s.logger.Debug("Saved authorization state",
		"state_prefix", util.SafeTruncate(state.State, tokenIDLogLength),
		"client_id", state.ClientID)
	return nil
}

// GetAuthorizationState retrieves an authorization state by its state value
func (s *Store) GetAuthorizationState(ctx context.Context, state string) (*storage.AuthorizationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.authStates[state]
	if !ok {
		return nil, fmt.Errorf("%w: authorization state", storage.ErrNotFound)
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization state expired", storage.ErrNotFound)
	}

	// Return a COPY to prevent caller from modifying our stored version
	recordCopy := *record
	return &recordCopy, nil
}

// UpdateAuthorizationState replaces a stored state record in place
func (s *Store) UpdateAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.authStates[state.State]
	if !ok || security.IsTokenExpired(existing.ExpiresAt) {
		return fmt.Errorf("%w: authorization state", storage.ErrNotFound)
	}

	s.authStates[state.State] = state
	return nil
}

// DeleteAuthorizationState removes an authorization state
func (s *Store) DeleteAuthorizationState(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authStates[state]; ok {
		delete(s.authStates, state)
		s.authStatesCountAtomic.Add(-1)
		s.logger.Debug("Deleted authorization state",
			"state_prefix", util.SafeTruncate(state, tokenIDLogLength))
	}
	return nil
}

// PurgeExpiredStates removes all expired authorization states
func (s *Store) PurgeExpiredStates(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for state, record := range s.authStates {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.authStates, state)
			s.authStatesCountAtomic.Add(-1)
			purged++
		}
	}

	if purged > 0 {
		s.logger.Debug("Purged expired authorization states", "count", purged)
	}
	return purged, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code.Code] = code
	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
//
// NOTE: For actual code exchange, use AtomicGetAndDeleteAuthorizationCode
// instead to prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
	}

	// Return a COPY to prevent caller from modifying our stored version
	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicGetAndDeleteAuthorizationCode atomically retrieves and deletes an
// authorization code, making the code single use.
//
// SECURITY: This operation is atomic - only ONE concurrent request can succeed.
// All other concurrent requests will receive ErrNotFound. The code is removed
// before the caller observes it, so it burns even if later validation of the
// exchange request fails.
func (s *Store) AtomicGetAndDeleteAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code not found or already used", storage.ErrNotFound)
	}

	// ATOMIC DELETE - ensures only one request succeeds
	delete(s.authCodes, code)

	// Check if expired with clock skew grace period. The code is consumed
	// either way; an expired code must not be exchangeable.
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
	}

	s.logger.Debug("Atomically consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	s.logger.Debug("Deleted authorization code")
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("invalid access token")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.accessTokens[token.Token]
	s.accessTokens[token.Token] = token
	if !existed {
		s.accessTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved access token",
		"client_id", token.ClientID,
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength))
	return nil
}

// GetAccessToken retrieves an access token by its value.
// Expired tokens are deleted on read and reported as not found.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.accessTokens[token]
	if !ok {
		err = fmt.Errorf("%w: access token", storage.ErrNotFound)
		return nil, err
	}

	// Lazy expiry: delete on read so dead tokens don't linger until the
	// cleanup loop runs.
	if security.IsTokenExpired(record.ExpiresAt) {
		delete(s.accessTokens, token)
		s.accessTokensCountAtomic.Add(-1)
		err = fmt.Errorf("%w: access token expired", storage.ErrNotFound)
		return nil, err
	}

	recordCopy := *record
	return &recordCopy, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.accessTokens[token]; existed {
		delete(s.accessTokens, token)
		s.accessTokensCountAtomic.Add(-1)
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

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for value, record := range s.accessTokens {
		if record.RefreshToken == refreshToken {
			delete(s.accessTokens, value)
			s.accessTokensCountAtomic.Add(-1)
			deleted++
		}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.refreshTokens[token.Token]
	s.refreshTokens[token.Token] = token
	if !existed {
		s.refreshTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved refresh token",
		"client_id", token.ClientID,
		"expires_at", token.ExpiresAt)
	return nil
}

// GetRefreshToken retrieves a refresh token by its value.
// Returns ErrNotFound if the token is absent or expired (with clock skew grace).
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}

	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrNotFound)
	}

	recordCopy := *record
	return &recordCopy, nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.refreshTokens[token]; existed {
		delete(s.refreshTokens, token)
		s.refreshTokensCountAtomic.Add(-1)
	}
	s.logger.Debug("Deleted refresh token (rotation)")
	return nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh
// token. This is the synchronization point for refresh token rotation.
//
// SECURITY: This operation is atomic - only ONE concurrent request can succeed.
// All other concurrent requests will receive ErrNotFound.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token not found or already used", storage.ErrNotFound)
	}

	// ATOMIC DELETE - ensures only one request succeeds
	delete(s.refreshTokens, token)
	s.refreshTokensCountAtomic.Add(-1)

	// Check if expired with clock skew grace period. The token is consumed
	// either way; an expired token must not be rotatable.
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrNotFound)
	}

	s.logger.Debug("Atomically consumed refresh token",
		"client_id", record.ClientID)

	return record, nil
}

// SaveUserInfo saves the profile claims for a user, encrypting PII fields at
// rest when an encryptor is configured.
func (s *Store) SaveUserInfo(ctx context.Context, userID string, info *storage.UserInfo) error {
	ctx, span := s.startStorageSpan(ctx, "save_user_info")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_user_info", err, startTime)
	}()

	if userID == "" {
		err = fmt.Errorf("userID cannot be empty")
		return err
	}
	if info == nil {
		err = fmt.Errorf("userInfo cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := info
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		encStart := time.Now()
		encrypted, encErr := s.encryptUserInfo(info)
		if encErr != nil {
			err = encErr
			return err
		}
		stored = encrypted
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordEncryptionOperation(ctx, "encrypt",
				float64(time.Since(encStart).Milliseconds()))
		}
	}

	s.userInfo[userID] = stored
	return nil
}

// GetUserInfo retrieves the profile claims for a user
func (s *Store) GetUserInfo(ctx context.Context, userID string) (*storage.UserInfo, error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_info")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_user_info", err, startTime)
	}()

	s.mu.RLock()
	encryptor := s.encryptor
	info, ok := s.userInfo[userID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: user info for %s", storage.ErrNotFound, userID)
		return nil, err
	}

	if encryptor != nil && encryptor.IsEnabled() {
		decStart := time.Now()
		decrypted, decErr := s.decryptUserInfo(info, encryptor)
		if decErr != nil {
			err = decErr
			return nil, err
		}
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordEncryptionOperation(ctx, "decrypt",
				float64(time.Since(decStart).Milliseconds()))
		}
		return decrypted, nil
	}

	infoCopy := *info
	return &infoCopy, nil
}

// encryptUserInfo encrypts PII fields in a UserInfo record.
// Returns a new record, leaving the original unchanged.
func (s *Store) encryptUserInfo(info *storage.UserInfo) (*storage.UserInfo, error) {
	encrypted := *info

	if encrypted.Email != "" {
		enc, err := s.encryptor.Encrypt(encrypted.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt email claim: %w", err)
		}
		encrypted.Email = enc
	}
	if encrypted.Name != "" {
		enc, err := s.encryptor.Encrypt(encrypted.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt name claim: %w", err)
		}
		encrypted.Name = enc
	}

	return &encrypted, nil
}

// decryptUserInfo decrypts PII fields in a UserInfo record.
// Returns a new record, leaving the stored version unchanged.
func (s *Store) decryptUserInfo(info *storage.UserInfo, encryptor *security.Encryptor) (*storage.UserInfo, error) {
	decrypted := *info

	if decrypted.Email != "" {
		dec, err := encryptor.Decrypt(decrypted.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt email claim: %w", err)
		}
		decrypted.Email = dec
	}
	if decrypted.Name != "" {
		dec, err := encryptor.Decrypt(decrypted.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt name claim: %w", err)
		}
		decrypted.Name = dec
	}

	return &decrypted, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession saves a session. An existing session with the same ID is
// replaced, which is how sliding-window renewals are persisted.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_session", err, startTime)
	}()

	if session == nil || session.ID == "" {
		err = fmt.Errorf("invalid session")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.sessions[session.ID]
	s.sessions[session.ID] = session
	if !existed {
		s.sessionsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved session",
		"session_id", util.SafeTruncate(session.ID, tokenIDLogLength),
		"expires_at", session.ExpiresAt)
	return nil
}

// GetSession retrieves a session by ID. Expired sessions are returned as
// stored; lifetime policy is applied by the caller.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session", storage.ErrNotFound)
	}

	sessionCopy := *session
	return &sessionCopy, nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.sessions[sessionID]; !existed {
		return fmt.Errorf("%w: session", storage.ErrNotFound)
	}

	delete(s.sessions, sessionID)
	s.sessionsCountAtomic.Add(-1)
	s.logger.Debug("Deleted session",
		"session_id", util.SafeTruncate(sessionID, tokenIDLogLength))
	return nil
}

// DeleteExpiredSessions removes all expired sessions
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	deleted := 0
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			s.sessionsCountAtomic.Add(-1)
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Debug("Deleted expired sessions", "count", deleted)
	}
	return deleted, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	now := time.Now()

	// Cleanup expired authorization states (with clock skew grace period)
	for state, record := range s.authStates {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.authStates, state)
			s.authStatesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Cleanup expired authorization codes (with clock skew grace period)
	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			cleaned++
		}
	}

	// Cleanup expired access tokens (with clock skew grace period)
	for value, token := range s.accessTokens {
		if security.IsTokenExpired(token.ExpiresAt) {
			delete(s.accessTokens, value)
			s.accessTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Cleanup expired refresh tokens (with clock skew grace period)
	for value, token := range s.refreshTokens {
		if security.IsTokenExpired(token.ExpiresAt) {
			delete(s.refreshTokens, value)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Cleanup expired sessions
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			s.sessionsCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation.
// Returns a context with the span attached and the span itself.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	// Record operation with count and duration
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
