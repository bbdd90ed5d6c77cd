// Package storage defines interfaces for persisting OAuth clients, authorization
// flows, tokens, and user sessions. It supports various backend implementations
// including in-memory and Valkey/Redis.
package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret.
	// Implementations must take the same amount of time for unknown clients
	// as for known ones to prevent timing-based client enumeration.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client registration
	DeleteClient(ctx context.Context, clientID string) error

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error
}

// FlowStore defines the interface for managing OAuth authorization flows.
//
// Authorization states are keyed by the client-provided state parameter and
// are single-shot: a state value may only be saved once while a live record
// for it exists (SaveAuthorizationState returns ErrStateExists otherwise),
// and issuing an authorization code consumes the state.
//
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveAuthorizationState saves the state of an ongoing authorization flow.
	// Returns ErrStateExists if an unexpired state with the same value is
	// already stored.
	SaveAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// GetAuthorizationState retrieves an authorization state by its state value.
	// Expired states are treated as absent.
	GetAuthorizationState(ctx context.Context, state string) (*AuthorizationState, error)

	// UpdateAuthorizationState replaces a stored state record in place.
	// Used to bind the authenticated principal to a pending flow.
	UpdateAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// DeleteAuthorizationState removes an authorization state
	DeleteAuthorizationState(ctx context.Context, state string) error

	// PurgeExpiredStates removes all expired authorization states and
	// returns the number removed.
	PurgeExpiredStates(ctx context.Context) (int, error)

	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicGetAndDeleteAuthorizationCode atomically retrieves and deletes an
	// authorization code. Of any number of concurrent callers for the same
	// code exactly one receives the record; the rest receive ErrNotFound.
	// SECURITY: This operation MUST be atomic so authorization codes are
	// single use even under concurrent exchange attempts.
	AtomicGetAndDeleteAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore defines the interface for storing and retrieving issued tokens.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken saves an issued access token
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token by its value.
	// Expired tokens are treated as absent.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes an access token
	DeleteAccessToken(ctx context.Context, token string) error

	// DeleteAccessTokensByRefreshToken removes every access token that was
	// minted under the given refresh token value. Returns the number removed.
	// Used for cascading revocation and refresh token rotation.
	DeleteAccessTokensByRefreshToken(ctx context.Context, refreshToken string) (int, error)

	// SaveRefreshToken saves an issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token by its value.
	// Expired tokens are treated as absent.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token
	DeleteRefreshToken(ctx context.Context, token string) error

	// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a
	// refresh token. This is the synchronization point for refresh token
	// rotation: of any number of concurrent rotations exactly one receives
	// the record; the rest receive ErrNotFound.
	// SECURITY: This operation MUST be atomic to prevent concurrent token
	// refresh attacks.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// SaveUserInfo saves the profile claims for a user
	SaveUserInfo(ctx context.Context, userID string, info *UserInfo) error

	// GetUserInfo retrieves the profile claims for a user
	GetUserInfo(ctx context.Context, userID string) (*UserInfo, error)
}

// SessionStore defines the interface for persisting user sessions.
// All methods accept context.Context for tracing and cancellation.
type SessionStore interface {
	// SaveSession saves a session. An existing session with the same ID is
	// replaced, which is how sliding-window renewals are persisted.
	SaveSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID. Expired sessions are returned
	// as stored; lifetime policy is applied by the caller.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// DeleteSession removes a session. Returns ErrNotFound if absent.
	DeleteSession(ctx context.Context, sessionID string) error

	// DeleteExpiredSessions removes all expired sessions and returns the
	// number removed.
	DeleteExpiredSessions(ctx context.Context) (int, error)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	PostLogoutRedirectURIs  []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	EnableEndSession        bool
	CreatedAt               time.Time
}

// IsPublic reports whether the client authenticates with no credentials.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "none"
}

// AuthorizationState represents the state of an ongoing authorization flow.
// It is keyed by the client's state parameter.
type AuthorizationState struct {
	State                         string
	ClientID                      string
	RedirectURI                   string
	RedirectURIProvidedExplicitly bool
	Scopes                        []string
	CodeChallenge                 string
	CodeChallengeMethod           string
	Resource                      string
	Nonce                         string
	UserID                        string // set once the flow is bound to an authenticated principal
	SessionID                     string
	CreatedAt                     time.Time
	ExpiresAt                     time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                          string
	ClientID                      string
	RedirectURI                   string
	RedirectURIProvidedExplicitly bool
	Scopes                        []string
	CodeChallenge                 string
	CodeChallengeMethod           string
	Resource                      string
	Nonce                         string
	UserID                        string
	SessionID                     string
	CreatedAt                     time.Time
	ExpiresAt                     time.Time
}

// AccessToken represents an issued access token.
// RefreshToken holds the value of the refresh token the access token was
// minted under, if any, so revoking the refresh token can cascade.
type AccessToken struct {
	Token        string
	ClientID     string
	UserID       string
	SessionID    string
	Scopes       []string
	Resource     []string
	RefreshToken string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// RefreshToken represents an issued refresh token
type RefreshToken struct {
	Token     string
	ClientID  string
	UserID    string
	SessionID string
	Scopes    []string
	Resource  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Session represents an authenticated user session with a sliding expiry window
type Session struct {
	ID        string
	UserID    string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session's expiry has passed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// UserInfo holds the profile claims known for a user. Claims are filtered by
// granted scope before being exposed at the userinfo endpoint.
type UserInfo struct {
	Subject       string `json:"sub"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}
