package server

import (
	"log/slog"
	"time"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// Resource is the protected resource this server issues tokens for
	// (RFC 8707 resource indicators). Empty disables resource checking.
	Resource string

	// AuthorizationStateTTL is how long pending authorization states are valid
	AuthorizationStateTTL int64 // seconds, default: 600 (10 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: 36000 (10 hours)

	// TokenSigningSecret is the HS256 signing secret for ID tokens. Each
	// client's signing key is derived from this secret bound to the client ID.
	// Required when clients request the openid scope.
	TokenSigningSecret string

	// DefaultScope is granted when a request carries no scope and the client
	// registered none
	DefaultScope []string

	// SupportedScopes lists the scopes that are allowed for clients
	// If empty, all scopes are allowed
	SupportedScopes []string

	// AllowRefreshTokenRotation enables refresh token rotation
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool // default: true

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Default: 1
	TrustedProxyCount int // default: 1

	// MaxClientsPerIP limits client registrations per IP address
	// Prevents DoS via mass client registration
	// Default: 10
	MaxClientsPerIP int // default: 10

	// ClockSkewGracePeriod is the grace period for token expiration checks (in seconds)
	// This prevents false expiration errors due to time synchronization issues
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5

	// MinStateLength is the minimum accepted length of the state parameter.
	// Short state values are brute-forceable via timing side channels.
	// Default: 8
	MinStateLength int // default: 8

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// When false, only S256 is accepted (secure by default)
	// Default: false
	AllowPKCEPlain bool // default: false

	// RequirePKCE enforces PKCE for all authorization requests
	// WARNING: Disabling this significantly weakens security
	// Default: true
	RequirePKCE bool // default: true

	// AllowPublicClientRegistration allows unauthenticated dynamic client registration
	// WARNING: This can lead to DoS attacks via unlimited client registration
	// When false, client registration requires a registration access token
	// Default: false (authentication REQUIRED for security)
	AllowPublicClientRegistration bool // default: false

	// RegistrationAccessToken is the token required for client registration
	// Only checked if AllowPublicClientRegistration is false
	RegistrationAccessToken string

	// EnableDynamicRegistration enables the /register endpoint (RFC 7591)
	// Default: false
	EnableDynamicRegistration bool

	// AllowInsecureHTTP permits a non-HTTPS issuer outside localhost.
	// Only for development.
	AllowInsecureHTTP bool

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// Used for validating custom redirect URIs (e.g., myapp://, com.example.app://)
	// Empty list allows all RFC 3986 compliant schemes
	AllowedCustomSchemes []string

	// ProductionMode requires HTTPS for non-loopback redirect URIs
	ProductionMode bool

	// AllowLocalhostRedirectURIs permits loopback redirect URIs (RFC 8252)
	// Default: true
	AllowLocalhostRedirectURIs bool

	// AllowPrivateIPRedirectURIs permits RFC 1918 private IPs in redirect URIs.
	// Leave false for SSRF protection; enable only for internal/VPN deployments.
	AllowPrivateIPRedirectURIs bool

	// AllowLinkLocalRedirectURIs permits link-local addresses in redirect URIs.
	// Leave false; link-local ranges cover cloud metadata services.
	AllowLinkLocalRedirectURIs bool

	// BlockedRedirectSchemes are never allowed as redirect URI schemes
	// regardless of other settings. Default: javascript, data, file,
	// vbscript, about.
	BlockedRedirectSchemes []string

	// DNSValidation resolves redirect URI hostnames at registration time and
	// rejects those resolving to private or link-local addresses (DNS
	// rebinding protection).
	DNSValidation bool

	// DNSValidationTimeout bounds each DNS lookup during validation
	// Default: 5s
	DNSValidationTimeout time.Duration
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationStateTTL == 0 {
		config.AuthorizationStateTTL = 600 // 10 minutes
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 300 // 5 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = 36000 // 10 hours
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = 8
	}
	if config.DNSValidationTimeout == 0 {
		config.DNSValidationTimeout = 5 * time.Second
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration
// Uses a heuristic to detect if config is new (all security bools false) vs explicitly configured
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	if len(config.BlockedRedirectSchemes) == 0 {
		config.BlockedRedirectSchemes = append([]string(nil), DangerousSchemes...)
	}

	// Heuristic: if all security bools are false, it's likely a fresh config
	isDefaultConfig := !config.AllowRefreshTokenRotation &&
		!config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy

	if isDefaultConfig {
		config.AllowRefreshTokenRotation = true
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
	}

	if !config.AllowLocalhostRedirectURIs && !config.ProductionMode {
		// Loopback redirects default on outside production (RFC 8252 native apps)
		config.AllowLocalhostRedirectURIs = true
	}

	if !isDefaultConfig {
		logSecurityWarnings(config, logger)
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("SECURITY WARNING: Public client registration is ENABLED",
			"risk", "DoS attacks via unlimited client registration",
			"recommendation", "Set AllowPublicClientRegistration=false and use RegistrationAccessToken")
	}
	if config.EnableDynamicRegistration && !config.AllowPublicClientRegistration && config.RegistrationAccessToken == "" {
		logger.Warn("CONFIGURATION WARNING: RegistrationAccessToken not configured",
			"risk", "Client registration will fail",
			"recommendation", "Set RegistrationAccessToken or enable AllowPublicClientRegistration")
	}
	if config.AllowPrivateIPRedirectURIs {
		logger.Warn("SECURITY NOTICE: Private IP redirect URIs are ALLOWED",
			"risk", "SSRF toward internal networks",
			"recommendation", "Only enable for internal or VPN deployments")
	}
	if config.AllowLinkLocalRedirectURIs {
		logger.Warn("SECURITY WARNING: Link-local redirect URIs are ALLOWED",
			"risk", "Access to cloud metadata services (169.254.0.0/16, fe80::/10)",
			"recommendation", "Set AllowLinkLocalRedirectURIs=false")
	}
	if config.TokenSigningSecret == "" {
		logger.Warn("CONFIGURATION WARNING: TokenSigningSecret not configured",
			"impact", "ID tokens cannot be issued",
			"recommendation", "Set a random TokenSigningSecret")
	}
}

// StateTTL returns the authorization state lifetime as a Duration
func (c *Config) StateTTL() time.Duration {
	return time.Duration(c.AuthorizationStateTTL) * time.Second
}

// CodeTTL returns the authorization code lifetime as a Duration
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// AccessTTL returns the access token lifetime as a Duration
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RefreshTTL returns the refresh token lifetime as a Duration
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// IDTTL returns the ID token lifetime as a Duration
func (c *Config) IDTTL() time.Duration {
	return time.Duration(c.IDTokenTTL) * time.Second
}
