package oauth

import (
	"log/slog"
	"time"
)

// Config holds the OAuth server configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string

	// Resource is the protected resource identifier this server issues
	// tokens for (RFC 8707). Empty disables resource indicator checking.
	Resource string

	// SupportedScopes lists the scopes clients may request.
	// Empty allows all scopes.
	SupportedScopes []string

	// DefaultScope is granted when a request carries no scope and the
	// client registered none.
	DefaultScope []string

	// LoginURL is the external login page users without a session are sent
	// to from /authorize. The pending state value is passed as a `state`
	// query parameter; the login page must redirect back to
	// /login/callback?state=... once the user is authenticated.
	// Empty means /authorize answers 401 login_required instead.
	LoginURL string

	// Tokens holds lifetime and signing settings
	Tokens TokenConfig

	// Session holds session cookie and lifetime settings
	Session SessionConfig

	// RateLimit holds rate limiting configuration
	RateLimit RateLimitConfig

	// Security holds security settings (secure by default)
	Security SecurityConfig

	// CleanupInterval is how often expired sessions are purged.
	// Default: 1 hour. Negative disables the loop.
	CleanupInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// TokenConfig holds token lifetime and signing configuration
type TokenConfig struct {
	// AuthorizationStateTTL is how long pending authorization states live.
	// Default: 10 minutes.
	AuthorizationStateTTL time.Duration

	// AuthorizationCodeTTL is how long authorization codes live.
	// Default: 5 minutes.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens live. Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens live. Default: 30 days.
	RefreshTokenTTL time.Duration

	// IDTokenTTL is how long ID tokens live. Default: 10 hours.
	IDTokenTTL time.Duration

	// SigningSecret is the HS256 secret ID token keys are derived from.
	// Required when clients request the openid scope.
	SigningSecret string
}

// SessionConfig holds session cookie and lifetime configuration
type SessionConfig struct {
	// CookieName is the session cookie read by /authorize and
	// /login/callback. Default: "oauth_session".
	CookieName string

	// MaxAge is the session lifetime from creation or last renewal.
	// Default: 7 days.
	MaxAge time.Duration

	// UpdateAge is the sliding-window renewal threshold: a read renews the
	// session only when less than UpdateAge of lifetime remains. Must be
	// shorter than MaxAge. Default: 24 hours.
	UpdateAge time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// UserRate is requests per second allowed per authenticated user.
	// Applied in addition to IP-based limiting. Zero disables.
	UserRate int

	// UserBurst is the maximum burst size per authenticated user.
	UserBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Default: 1.
	TrustedProxyCount int
}

// SecurityConfig holds OAuth security settings (secure by default)
type SecurityConfig struct {
	// DisablePKCE makes the code_challenge parameter optional.
	// WARNING: Weakens authorization code interception protection.
	DisablePKCE bool

	// AllowPKCEPlain permits the 'plain' code challenge method.
	// WARNING: Only S256 resists challenge interception.
	AllowPKCEPlain bool

	// DisableRefreshTokenRotation disables automatic refresh token rotation.
	// WARNING: Stolen refresh tokens remain valid until expiry.
	DisableRefreshTokenRotation bool

	// EnableDynamicRegistration enables the /register endpoint (RFC 7591).
	EnableDynamicRegistration bool

	// AllowPublicClientRegistration permits unauthenticated client registration.
	// WARNING: Can enable DoS via mass registration.
	AllowPublicClientRegistration bool

	// RegistrationAccessToken is required as a Bearer token on /register
	// when AllowPublicClientRegistration is false.
	RegistrationAccessToken string

	// MaxClientsPerIP limits registrations per IP to prevent DoS.
	// Default: 10.
	MaxClientsPerIP int

	// MinStateLength is the minimum accepted state parameter length.
	// Default: 8.
	MinStateLength int

	// ProductionMode requires HTTPS for non-loopback redirect URIs and
	// disables the loopback redirect URI default.
	ProductionMode bool

	// AllowInsecureHTTP permits a non-HTTPS issuer outside localhost.
	// Only for development.
	AllowInsecureHTTP bool

	// AllowedCustomSchemes lists allowed custom redirect URI scheme regex
	// patterns (native apps). Empty allows all RFC 3986 compliant schemes.
	AllowedCustomSchemes []string

	// EncryptionKey is the AES-256 key (32 bytes) for token encryption at rest.
	// Nil disables encryption. Generate with security.GenerateKey().
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// applyConfigDefaults fills zero values that the engine and session layers
// do not default themselves.
func applyConfigDefaults(config *Config) {
	if config.Session.CookieName == "" {
		config.Session.CookieName = "oauth_session"
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Hour
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
}
