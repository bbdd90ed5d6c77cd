package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/hydrantlabs/oauth-server/security"
	"github.com/hydrantlabs/oauth-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oauth:"

	// connectionVerifyTimeout bounds the PING issued during New
	connectionVerifyTimeout = 5 * time.Second

	// scanBatchSize is the COUNT hint for SCAN iterations
	scanBatchSize = 100

	// tokenIDLogLength is the number of characters to include when logging
	// token or state values. Full values never appear in logs.
	tokenIDLogLength = 8

	// maxTokenLength bounds token values accepted as keys
	maxTokenLength = 512

	// maxIDLength bounds client, user, and session identifiers
	maxIDLength = 256
)

// Config holds the configuration for the Valkey store.
type Config struct {
	// Address is the Valkey server address (host:port). Required.
	Address string

	// Password for AUTH, if the server requires one
	Password string

	// DB selects the logical database (default 0)
	DB int

	// KeyPrefix namespaces every key written by this store.
	// Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// TLS enables TLS when non-nil
	TLS *tls.Config

	// Logger for store operations. Defaults to slog.Default.
	Logger *slog.Logger
}

// Store implements the storage interfaces backed by Valkey.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	encryptorMu sync.RWMutex
	encryptor   *security.Encryptor
}

// Compile-time interface checks
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the encryptor used for profile claims at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Profile claim encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) clientIPKey(ip string) string {
	return s.prefix + "client:ip:" + ip
}

func (s *Store) stateKey(state string) string {
	return s.prefix + "state:" + state
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) accessTokenKey(token string) string {
	return s.prefix + "access:" + token
}

func (s *Store) refreshTokenKey(token string) string {
	return s.prefix + "refresh:" + token
}

// refreshIndexKey names the set of access token values minted under a
// refresh token. Used for cascading revocation.
func (s *Store) refreshIndexKey(refreshToken string) string {
	return s.prefix + "refreshidx:" + refreshToken
}

func (s *Store) userInfoKey(userID string) string {
	return s.prefix + "userinfo:" + userID
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

// ============================================================
// Shared Helpers
// ============================================================

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// getAndUnmarshal fetches a key and decodes its JSON value into T.
// A missing key yields notFoundErr.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// validateStringLength rejects values that exceed the allowed key material size
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// recordTTL returns the remaining lifetime for a record, or zero when the
// record has already expired.
func recordTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// ============================================================
// JSON Representations
// ============================================================
//
// Storage entities carry no JSON tags, so each gets an explicit wire shape
// here. Timestamps are stored as Unix seconds.

type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris"`
	PostLogoutRedirectURIs  []string `json:"post_logout_redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	EnableEndSession        bool     `json:"enable_end_session,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientType:              c.ClientType,
		RedirectURIs:            c.RedirectURIs,
		PostLogoutRedirectURIs:  c.PostLogoutRedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		ClientName:              c.ClientName,
		Scopes:                  c.Scopes,
		EnableEndSession:        c.EnableEndSession,
		CreatedAt:               c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		PostLogoutRedirectURIs:  j.PostLogoutRedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		ClientName:              j.ClientName,
		Scopes:                  j.Scopes,
		EnableEndSession:        j.EnableEndSession,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

type authorizationStateJSON struct {
	State                         string   `json:"state"`
	ClientID                      string   `json:"client_id"`
	RedirectURI                   string   `json:"redirect_uri"`
	RedirectURIProvidedExplicitly bool     `json:"redirect_uri_explicit,omitempty"`
	Scopes                        []string `json:"scopes,omitempty"`
	CodeChallenge                 string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod           string   `json:"code_challenge_method,omitempty"`
	Resource                      string   `json:"resource,omitempty"`
	Nonce                         string   `json:"nonce,omitempty"`
	UserID                        string   `json:"user_id,omitempty"`
	SessionID                     string   `json:"session_id,omitempty"`
	CreatedAt                     int64    `json:"created_at"`
	ExpiresAt                     int64    `json:"expires_at"`
}

func toAuthorizationStateJSON(st *storage.AuthorizationState) *authorizationStateJSON {
	return &authorizationStateJSON{
		State:                         st.State,
		ClientID:                      st.ClientID,
		RedirectURI:                   st.RedirectURI,
		RedirectURIProvidedExplicitly: st.RedirectURIProvidedExplicitly,
		Scopes:                        st.Scopes,
		CodeChallenge:                 st.CodeChallenge,
		CodeChallengeMethod:           st.CodeChallengeMethod,
		Resource:                      st.Resource,
		Nonce:                         st.Nonce,
		UserID:                        st.UserID,
		SessionID:                     st.SessionID,
		CreatedAt:                     st.CreatedAt.Unix(),
		ExpiresAt:                     st.ExpiresAt.Unix(),
	}
}

func fromAuthorizationStateJSON(j *authorizationStateJSON) *storage.AuthorizationState {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationState{
		State:                         j.State,
		ClientID:                      j.ClientID,
		RedirectURI:                   j.RedirectURI,
		RedirectURIProvidedExplicitly: j.RedirectURIProvidedExplicitly,
		Scopes:                        j.Scopes,
		CodeChallenge:                 j.CodeChallenge,
		CodeChallengeMethod:           j.CodeChallengeMethod,
		Resource:                      j.Resource,
		Nonce:                         j.Nonce,
		UserID:                        j.UserID,
		SessionID:                     j.SessionID,
		CreatedAt:                     time.Unix(j.CreatedAt, 0),
		ExpiresAt:                     time.Unix(j.ExpiresAt, 0),
	}
}

type authorizationCodeJSON struct {
	Code                          string   `json:"code"`
	ClientID                      string   `json:"client_id"`
	RedirectURI                   string   `json:"redirect_uri"`
	RedirectURIProvidedExplicitly bool     `json:"redirect_uri_explicit,omitempty"`
	Scopes                        []string `json:"scopes,omitempty"`
	CodeChallenge                 string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod           string   `json:"code_challenge_method,omitempty"`
	Resource                      string   `json:"resource,omitempty"`
	Nonce                         string   `json:"nonce,omitempty"`
	UserID                        string   `json:"user_id"`
	SessionID                     string   `json:"session_id,omitempty"`
	CreatedAt                     int64    `json:"created_at"`
	ExpiresAt                     int64    `json:"expires_at"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                          code.Code,
		ClientID:                      code.ClientID,
		RedirectURI:                   code.RedirectURI,
		RedirectURIProvidedExplicitly: code.RedirectURIProvidedExplicitly,
		Scopes:                        code.Scopes,
		CodeChallenge:                 code.CodeChallenge,
		CodeChallengeMethod:           code.CodeChallengeMethod,
		Resource:                      code.Resource,
		Nonce:                         code.Nonce,
		UserID:                        code.UserID,
		SessionID:                     code.SessionID,
		CreatedAt:                     code.CreatedAt.Unix(),
		ExpiresAt:                     code.ExpiresAt.Unix(),
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                          j.Code,
		ClientID:                      j.ClientID,
		RedirectURI:                   j.RedirectURI,
		RedirectURIProvidedExplicitly: j.RedirectURIProvidedExplicitly,
		Scopes:                        j.Scopes,
		CodeChallenge:                 j.CodeChallenge,
		CodeChallengeMethod:           j.CodeChallengeMethod,
		Resource:                      j.Resource,
		Nonce:                         j.Nonce,
		UserID:                        j.UserID,
		SessionID:                     j.SessionID,
		CreatedAt:                     time.Unix(j.CreatedAt, 0),
		ExpiresAt:                     time.Unix(j.ExpiresAt, 0),
	}
}

type accessTokenJSON struct {
	Token        string   `json:"token"`
	ClientID     string   `json:"client_id"`
	UserID       string   `json:"user_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Resource     []string `json:"resource,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	ExpiresAt    int64    `json:"expires_at"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		Token:        t.Token,
		ClientID:     t.ClientID,
		UserID:       t.UserID,
		SessionID:    t.SessionID,
		Scopes:       t.Scopes,
		Resource:     t.Resource,
		RefreshToken: t.RefreshToken,
		CreatedAt:    t.CreatedAt.Unix(),
		ExpiresAt:    t.ExpiresAt.Unix(),
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	if j == nil {
		return nil
	}
	return &storage.AccessToken{
		Token:        j.Token,
		ClientID:     j.ClientID,
		UserID:       j.UserID,
		SessionID:    j.SessionID,
		Scopes:       j.Scopes,
		Resource:     j.Resource,
		RefreshToken: j.RefreshToken,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
		ExpiresAt:    time.Unix(j.ExpiresAt, 0),
	}
}

type refreshTokenJSON struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"client_id"`
	UserID    string   `json:"user_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	Resource  string   `json:"resource,omitempty"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt int64    `json:"expires_at"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		SessionID: t.SessionID,
		Scopes:    t.Scopes,
		Resource:  t.Resource,
		CreatedAt: t.CreatedAt.Unix(),
		ExpiresAt: t.ExpiresAt.Unix(),
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	return &storage.RefreshToken{
		Token:     j.Token,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		SessionID: j.SessionID,
		Scopes:    j.Scopes,
		Resource:  j.Resource,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

type sessionJSON struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toSessionJSON(sess *storage.Session) *sessionJSON {
	return &sessionJSON{
		ID:        sess.ID,
		UserID:    sess.UserID,
		IPAddress: sess.IPAddress,
		UserAgent: sess.UserAgent,
		CreatedAt: sess.CreatedAt.Unix(),
		UpdatedAt: sess.UpdatedAt.Unix(),
		ExpiresAt: sess.ExpiresAt.Unix(),
	}
}

func fromSessionJSON(j *sessionJSON) *storage.Session {
	if j == nil {
		return nil
	}
	return &storage.Session{
		ID:        j.ID,
		UserID:    j.UserID,
		IPAddress: j.IPAddress,
		UserAgent: j.UserAgent,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		UpdatedAt: time.Unix(j.UpdatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}
